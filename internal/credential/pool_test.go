package credential_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/lyqf/proxycast/internal/credential"
	"github.com/lyqf/proxycast/internal/store"
)

func newTestPool(t *testing.T, threshold int) (*credential.Pool, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "proxycast.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	if err := st.UpsertProvider(ctx, store.Provider{ID: "openai", DisplayName: "OpenAI", DefaultHost: "https://api.openai.com", Protocol: "openai"}); err != nil {
		t.Fatalf("upsert provider: %v", err)
	}
	return credential.NewPool(st, nil, threshold), st
}

func addCred(t *testing.T, st *store.Store, id string) {
	t.Helper()
	err := st.AddCredential(context.Background(), store.Credential{
		ID: id, ProviderID: "openai", Secret: "sk-" + id, Enabled: true,
	})
	if err != nil {
		t.Fatalf("add credential %s: %v", id, err)
	}
}

func TestPool_NextRotatesRoundRobin(t *testing.T) {
	pool, st := newTestPool(t, 5)
	addCred(t, st, "a")
	addCred(t, st, "b")
	addCred(t, st, "c")

	ctx := context.Background()
	var order []string
	for i := 0; i < 6; i++ {
		cred, err := pool.Next(ctx, "openai")
		if err != nil {
			t.Fatalf("next #%d: %v", i, err)
		}
		order = append(order, cred.ID)
	}

	// Never-used credentials first in id order, then least recently used.
	want := []string{"a", "b", "c", "a", "b", "c"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("rotation order %v, want %v", order, want)
		}
	}
}

func TestPool_NextSkipsDisabled(t *testing.T) {
	pool, st := newTestPool(t, 5)
	addCred(t, st, "a")
	addCred(t, st, "b")

	ctx := context.Background()
	if err := pool.Disable(ctx, "a"); err != nil {
		t.Fatalf("disable: %v", err)
	}
	for i := 0; i < 3; i++ {
		cred, err := pool.Next(ctx, "openai")
		if err != nil {
			t.Fatalf("next: %v", err)
		}
		if cred.ID != "b" {
			t.Fatalf("expected only b, got %s", cred.ID)
		}
	}
}

func TestPool_NoCredentials(t *testing.T) {
	pool, _ := newTestPool(t, 5)
	_, err := pool.Next(context.Background(), "openai")
	if !errors.Is(err, store.ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials, got %v", err)
	}
}

func TestPool_AutoDisableAtThreshold(t *testing.T) {
	pool, st := newTestPool(t, 3)
	addCred(t, st, "a")

	ctx := context.Background()
	cause := errors.New("upstream 401")
	for i := 1; i <= 2; i++ {
		disabled, err := pool.RecordError(ctx, "a", cause)
		if err != nil {
			t.Fatalf("record error #%d: %v", i, err)
		}
		if disabled {
			t.Fatalf("disabled too early at error #%d", i)
		}
	}
	disabled, err := pool.RecordError(ctx, "a", cause)
	if err != nil {
		t.Fatalf("record error #3: %v", err)
	}
	if !disabled {
		t.Fatalf("expected auto-disable at threshold")
	}

	if _, err := pool.Next(ctx, "openai"); !errors.Is(err, store.ErrNoCredentials) {
		t.Fatalf("expected ErrNoCredentials after auto-disable, got %v", err)
	}
}

func TestPool_SuccessResetsStreak(t *testing.T) {
	pool, st := newTestPool(t, 3)
	addCred(t, st, "a")

	ctx := context.Background()
	cause := errors.New("flaky")
	for i := 0; i < 2; i++ {
		if _, err := pool.RecordError(ctx, "a", cause); err != nil {
			t.Fatalf("record error: %v", err)
		}
	}
	if err := pool.RecordSuccess(ctx, "a"); err != nil {
		t.Fatalf("record success: %v", err)
	}
	// Streak restarted, two more errors must not disable.
	for i := 0; i < 2; i++ {
		disabled, err := pool.RecordError(ctx, "a", cause)
		if err != nil {
			t.Fatalf("record error: %v", err)
		}
		if disabled {
			t.Fatalf("streak not reset by success")
		}
	}
}

func TestPool_EnableClearsStreak(t *testing.T) {
	pool, st := newTestPool(t, 2)
	addCred(t, st, "a")

	ctx := context.Background()
	cause := errors.New("down")
	poolMustDisable(t, pool, ctx, cause)

	if err := pool.Enable(ctx, "a"); err != nil {
		t.Fatalf("enable: %v", err)
	}
	cred, err := pool.Next(ctx, "openai")
	if err != nil {
		t.Fatalf("next after enable: %v", err)
	}
	if cred.ID != "a" {
		t.Fatalf("expected a, got %s", cred.ID)
	}
	// One error after re-enable stays under the threshold of 2.
	disabled, err := pool.RecordError(ctx, "a", cause)
	if err != nil {
		t.Fatalf("record error: %v", err)
	}
	if disabled {
		t.Fatalf("streak survived re-enable")
	}
}

func poolMustDisable(t *testing.T, pool *credential.Pool, ctx context.Context, cause error) {
	t.Helper()
	for i := 0; i < 2; i++ {
		if _, err := pool.RecordError(ctx, "a", cause); err != nil {
			t.Fatalf("record error: %v", err)
		}
	}
}

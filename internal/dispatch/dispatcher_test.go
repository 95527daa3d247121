package dispatch_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/lyqf/proxycast/internal/credential"
	"github.com/lyqf/proxycast/internal/dispatch"
	"github.com/lyqf/proxycast/internal/resilience"
	"github.com/lyqf/proxycast/internal/shared"
	"github.com/lyqf/proxycast/internal/store"
)

func newTestDispatcher(t *testing.T, providers map[string][]string) (*dispatch.Dispatcher, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "proxycast.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	ctx := context.Background()
	for provider, creds := range providers {
		if err := st.UpsertProvider(ctx, store.Provider{ID: provider, DisplayName: provider, DefaultHost: "https://example.invalid", Protocol: "openai"}); err != nil {
			t.Fatalf("upsert provider: %v", err)
		}
		for _, id := range creds {
			if err := st.AddCredential(ctx, store.Credential{ID: id, ProviderID: provider, Secret: "sk-" + id, Enabled: true}); err != nil {
				t.Fatalf("add credential: %v", err)
			}
		}
	}

	pool := credential.NewPool(st, nil, 10)
	d := dispatch.New(dispatch.Options{
		Pool: pool,
		Retry: resilience.RetryPolicy{
			MaxRetries:        2,
			BaseDelay:         time.Millisecond,
			MaxDelay:          5 * time.Millisecond,
			Factor:            2.0,
			RetryableStatuses: map[int]bool{408: true, 429: true, 500: true, 502: true, 503: true, 504: true},
		},
		Timeouts: resilience.TimeoutController{RequestTimeout: time.Second},
	})
	return d, st
}

func TestDispatcher_SuccessFirstAttempt(t *testing.T) {
	d, _ := newTestDispatcher(t, map[string][]string{"a": {"a1"}})

	factory := func(provider string) dispatch.Operation {
		return func(ctx context.Context, cred store.Credential, tick *resilience.Ticker) (any, error) {
			return "hello from " + provider, nil
		}
	}
	res, err := d.ExecuteWithResilience(context.Background(), factory, []string{"a"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Value != "hello from a" {
		t.Fatalf("unexpected value %v", res.Value)
	}
	if res.Provider != "a" || res.CredentialID != "a1" {
		t.Fatalf("unexpected attribution %s/%s", res.Provider, res.CredentialID)
	}
	if res.Latency <= 0 {
		t.Fatalf("expected positive latency")
	}
}

func TestDispatcher_RetriesThenSucceeds(t *testing.T) {
	d, _ := newTestDispatcher(t, map[string][]string{"a": {"a1"}})

	calls := 0
	factory := func(provider string) dispatch.Operation {
		return func(ctx context.Context, cred store.Credential, tick *resilience.Ticker) (any, error) {
			calls++
			if calls < 3 {
				return nil, &dispatch.UpstreamError{Provider: provider, Status: 503, Message: "unavailable"}
			}
			return "ok", nil
		}
	}
	res, err := d.ExecuteWithResilience(context.Background(), factory, []string{"a"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 attempts, got %d", calls)
	}
	if res.Value != "ok" {
		t.Fatalf("unexpected value %v", res.Value)
	}
}

func TestDispatcher_FailsOverToSecondProvider(t *testing.T) {
	d, _ := newTestDispatcher(t, map[string][]string{"a": {"a1"}, "b": {"b1"}})

	factory := func(provider string) dispatch.Operation {
		return func(ctx context.Context, cred store.Credential, tick *resilience.Ticker) (any, error) {
			if provider == "a" {
				return nil, &dispatch.UpstreamError{Provider: provider, Status: 429, Message: "rate limit"}
			}
			return "served by b", nil
		}
	}
	res, err := d.ExecuteWithResilience(context.Background(), factory, []string{"a", "b"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Provider != "b" {
		t.Fatalf("expected provider b, got %s", res.Provider)
	}
}

func TestDispatcher_AllProvidersFailed(t *testing.T) {
	d, _ := newTestDispatcher(t, map[string][]string{"a": {"a1"}, "b": {"b1"}})

	factory := func(provider string) dispatch.Operation {
		return func(ctx context.Context, cred store.Credential, tick *resilience.Ticker) (any, error) {
			return nil, &dispatch.UpstreamError{Provider: provider, Status: 429, Message: "rate limit"}
		}
	}
	_, err := d.ExecuteWithResilience(context.Background(), factory, []string{"a", "b"})
	if !errors.Is(err, dispatch.ErrAllProvidersFailed) {
		t.Fatalf("expected ErrAllProvidersFailed, got %v", err)
	}
}

func TestDispatcher_FatalDoesNotFailOver(t *testing.T) {
	d, _ := newTestDispatcher(t, map[string][]string{"a": {"a1"}, "b": {"b1"}})

	var providersSeen []string
	factory := func(provider string) dispatch.Operation {
		return func(ctx context.Context, cred store.Credential, tick *resilience.Ticker) (any, error) {
			providersSeen = append(providersSeen, provider)
			return nil, &dispatch.UpstreamError{Provider: provider, Status: 400, Message: "bad request"}
		}
	}
	_, err := d.ExecuteWithResilience(context.Background(), factory, []string{"a", "b"})
	if !errors.Is(err, dispatch.ErrAllProvidersFailed) {
		t.Fatalf("expected ErrAllProvidersFailed, got %v", err)
	}
	if len(providersSeen) != 1 || providersSeen[0] != "a" {
		t.Fatalf("fatal failure must not fail over, saw %v", providersSeen)
	}
}

func TestDispatcher_PrefersContextProvider(t *testing.T) {
	d, _ := newTestDispatcher(t, map[string][]string{"a": {"a1"}, "b": {"b1"}})

	factory := func(provider string) dispatch.Operation {
		return func(ctx context.Context, cred store.Credential, tick *resilience.Ticker) (any, error) {
			return provider, nil
		}
	}
	ctx := shared.WithProviderID(context.Background(), "b")
	res, err := d.ExecuteWithResilience(ctx, factory, []string{"a", "b"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Value != "b" {
		t.Fatalf("expected context provider b, got %v", res.Value)
	}
}

func TestDispatcher_NoCredentialsTriggersFailover(t *testing.T) {
	d, _ := newTestDispatcher(t, map[string][]string{"a": {}, "b": {"b1"}})

	factory := func(provider string) dispatch.Operation {
		return func(ctx context.Context, cred store.Credential, tick *resilience.Ticker) (any, error) {
			return provider, nil
		}
	}
	res, err := d.ExecuteWithResilience(context.Background(), factory, []string{"a", "b"})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Provider != "b" {
		t.Fatalf("expected failover to b, got %s", res.Provider)
	}
}

func TestDispatcher_CancelStopsRetries(t *testing.T) {
	d, _ := newTestDispatcher(t, map[string][]string{"a": {"a1"}})

	ctx, cancel := context.WithCancel(context.Background())
	factory := func(provider string) dispatch.Operation {
		return func(ctx context.Context, cred store.Credential, tick *resilience.Ticker) (any, error) {
			cancel()
			return nil, &dispatch.UpstreamError{Provider: provider, Status: 503, Message: "unavailable"}
		}
	}
	_, err := d.ExecuteWithResilience(ctx, factory, []string{"a"})
	if err == nil {
		t.Fatalf("expected error after cancellation")
	}
	if errors.Is(err, dispatch.ErrAllProvidersFailed) {
		t.Fatalf("cancellation should not count as provider exhaustion")
	}
}

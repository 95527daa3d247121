// Package credential rotates API credentials across providers and disables
// ones that keep failing.
package credential

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/lyqf/proxycast/internal/store"
)

// Pool hands out credentials round-robin per provider and tracks error
// streaks. Selection and bookkeeping are delegated to the store so rotation
// survives restarts.
type Pool struct {
	store     *store.Store
	logger    *slog.Logger
	threshold int
}

// NewPool builds a pool. threshold is the consecutive-error count at which a
// credential is auto-disabled; zero or negative disables auto-disable.
func NewPool(st *store.Store, logger *slog.Logger, threshold int) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{store: st, logger: logger.With("component", "credential"), threshold: threshold}
}

// Next returns the least recently used enabled credential for the provider.
// Returns store.ErrNoCredentials when the provider has no usable credential.
func (p *Pool) Next(ctx context.Context, providerID string) (store.Credential, error) {
	cred, err := p.store.NextCredential(ctx, providerID)
	if err != nil {
		return store.Credential{}, err
	}
	p.logger.Debug("credential selected", "provider", providerID, "credential_id", cred.ID)
	return cred, nil
}

// RecordSuccess resets the credential's error streak after a successful call.
func (p *Pool) RecordSuccess(ctx context.Context, credentialID string) error {
	if err := p.store.RecordCredentialSuccess(ctx, credentialID); err != nil {
		return fmt.Errorf("record credential success: %w", err)
	}
	return nil
}

// RecordError bumps the credential's error streak and disables it once the
// streak reaches the pool threshold. Returns true when the credential was
// disabled by this call.
func (p *Pool) RecordError(ctx context.Context, credentialID string, cause error) (bool, error) {
	count, disabled, err := p.store.RecordCredentialError(ctx, credentialID, p.threshold)
	if err != nil {
		return false, fmt.Errorf("record credential error: %w", err)
	}
	if disabled {
		p.logger.Warn("credential auto-disabled",
			"credential_id", credentialID,
			"consecutive_errors", count,
			"cause", cause)
	} else {
		p.logger.Debug("credential error recorded",
			"credential_id", credentialID,
			"consecutive_errors", count)
	}
	return disabled, nil
}

// Enable re-enables a credential and clears its error streak.
func (p *Pool) Enable(ctx context.Context, credentialID string) error {
	if err := p.store.SetCredentialEnabled(ctx, credentialID, true); err != nil {
		return fmt.Errorf("enable credential: %w", err)
	}
	p.logger.Info("credential re-enabled", "credential_id", credentialID)
	return nil
}

// Disable turns a credential off without touching its error streak.
func (p *Pool) Disable(ctx context.Context, credentialID string) error {
	if err := p.store.SetCredentialEnabled(ctx, credentialID, false); err != nil {
		return fmt.Errorf("disable credential: %w", err)
	}
	p.logger.Info("credential disabled", "credential_id", credentialID)
	return nil
}

// Audit lists credentials for a provider, enabled or not, without secrets.
func (p *Pool) Audit(ctx context.Context, providerID string) ([]store.Credential, error) {
	return p.store.ListCredentials(ctx, providerID)
}

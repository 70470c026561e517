package tokens

import (
	"fmt"
	"sync"
	"time"

	"fitbridge/internal/credstore"
	"fitbridge/pkg/logging"
)

// InvalidationScope selects how much cached credential state Invalidate
// drops.
type InvalidationScope int

const (
	// ScopeTokens drops the in-memory credential cache, forcing the next
	// Token call to reload from disk. This is the mechanism that lets a
	// token refreshed by another process (or a prior run) be picked up
	// without restarting the bridge.
	ScopeTokens InvalidationScope = iota

	// ScopeAll additionally clears the cached client registration, both in
	// memory and on disk, forcing a fresh dynamic registration on the next
	// platform flow. Stored tokens are left untouched.
	ScopeAll
)

func (s InvalidationScope) String() string {
	switch s {
	case ScopeTokens:
		return "tokens"
	case ScopeAll:
		return "all"
	default:
		return "unknown"
	}
}

// Adapter is the OAuth credential source consumed by the rest of the bridge.
// It fronts the credential store with an in-memory cache and serializes all
// reads and writes, so no two callers can interleave a read-modify-write on
// the credential file.
//
// Token returns stale records rather than hiding them: the remote server is
// authoritative for freshness for some callers, so validation stays the
// caller's job. Staleness by the local clock is reported alongside.
type Adapter struct {
	mu    sync.Mutex
	store *credstore.Store
	cache *credstore.CredentialFile

	now func() time.Time
}

// NewAdapter creates an adapter over the given store.
func NewAdapter(store *credstore.Store) *Adapter {
	return &Adapter{
		store: store,
		now:   time.Now,
	}
}

// CredentialPath returns the path of the backing credential file.
func (a *Adapter) CredentialPath() string {
	return a.store.Path()
}

// loadLocked ensures the in-memory cache is populated.
// REQUIRES: a.mu must be held by the caller.
func (a *Adapter) loadLocked() *credstore.CredentialFile {
	if a.cache == nil {
		a.cache = a.store.Load()
	}
	return a.cache
}

// Token returns the stored record for the target along with a staleness
// flag. A record expired by the local clock is still returned, marked stale.
// Returns (nil, false) when no record exists.
func (a *Adapter) Token(target Target) (*credstore.TokenRecord, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	file := a.loadLocked()

	var rec *credstore.TokenRecord
	if target.IsPlatform() {
		rec = file.Platform
	} else {
		rec = file.Providers[target.ProviderName()]
	}
	if rec == nil {
		return nil, false
	}

	cp := *rec
	return &cp, cp.Expired(a.now())
}

// SaveToken writes a record for the target through to the credential store.
// SavedAt is stamped with the local write time if the caller left it unset.
func (a *Adapter) SaveToken(target Target, rec *credstore.TokenRecord) error {
	if rec == nil {
		return fmt.Errorf("cannot save nil token for %s", target)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if rec.SavedAt == 0 {
		rec.SavedAt = a.now().Unix()
	}

	file := a.loadLocked().Clone()
	if target.IsPlatform() {
		file.Platform = rec
	} else {
		file.Providers[target.ProviderName()] = rec
	}

	if err := a.store.Save(file); err != nil {
		return err
	}
	a.cache = file

	logging.Info("TokenAdapter", "Stored token for %s (expires_in=%ds refresh=%t)",
		target, rec.ExpiresIn, rec.RefreshToken != "")
	return nil
}

// RemoveToken deletes the stored record for the target, persisting the
// removal. Removing an absent record is a no-op.
func (a *Adapter) RemoveToken(target Target) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	file := a.loadLocked().Clone()
	if target.IsPlatform() {
		file.Platform = nil
	} else {
		delete(file.Providers, target.ProviderName())
	}

	if err := a.store.Save(file); err != nil {
		return err
	}
	a.cache = file

	logging.Info("TokenAdapter", "Removed token for %s", target)
	return nil
}

// Invalidate drops cached credential state per the given scope.
func (a *Adapter) Invalidate(scope InvalidationScope) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.cache = nil

	if scope == ScopeAll {
		file := a.store.Load()
		if file.Registration != nil {
			file.Registration = nil
			if err := a.store.Save(file); err != nil {
				return fmt.Errorf("failed to clear client registration: %w", err)
			}
		}
	}

	logging.Debug("TokenAdapter", "Invalidated credentials (scope=%s)", scope)
	return nil
}

// ClientInformation returns the cached client registration, or nil when the
// platform client has never registered.
func (a *Adapter) ClientInformation() *credstore.ClientRegistration {
	a.mu.Lock()
	defer a.mu.Unlock()

	reg := a.loadLocked().Registration
	if reg == nil {
		return nil
	}
	cp := *reg
	return &cp
}

// SaveClientInformation persists a dynamic-client-registration result
// alongside the stored tokens.
func (a *Adapter) SaveClientInformation(reg *credstore.ClientRegistration) error {
	if reg == nil {
		return fmt.Errorf("cannot save nil client registration")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	file := a.loadLocked().Clone()
	file.Registration = reg

	if err := a.store.Save(file); err != nil {
		return err
	}
	a.cache = file

	logging.Info("TokenAdapter", "Stored client registration (client_id=%s)", reg.ClientID)
	return nil
}

// Snapshot returns a copy of the full credential state, for status display
// and tests.
func (a *Adapter) Snapshot() *credstore.CredentialFile {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loadLocked().Clone()
}

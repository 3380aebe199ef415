package llm

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const (
	// maxCredentialFailures is the failure count at which a credential is
	// skipped until its cooldown expires.
	maxCredentialFailures = 3

	// credentialCooldown is how long a tripped credential stays skipped
	// before its failure count resets lazily on the next selection.
	credentialCooldown = 60 * time.Second
)

// ProviderClass names a family of interchangeable credentials.
type ProviderClass string

const (
	ProviderPrimary   ProviderClass = "primary"
	ProviderSecondary ProviderClass = "secondary"
)

// ErrPoolExhausted reports that a provider class has no configured
// credentials at all.
type ErrPoolExhausted struct {
	Class ProviderClass
}

func (e *ErrPoolExhausted) Error() string {
	return fmt.Sprintf("credential pool exhausted for provider class %q", e.Class)
}

// Credential is one rotatable provider secret. It is owned exclusively by the
// Keyring; callers treat it as read-only and never persist it.
type Credential struct {
	ID     string
	Class  ProviderClass
	Secret string

	failureCount  int
	cooldownUntil time.Time
}

// Keyring rotates credentials across provider classes, skipping credentials
// that have failed repeatedly until their cooldown window passes.
//
// It is safe for concurrent use from multiple in-flight requests. The clock
// is injectable so cooldown behavior can be tested deterministically.
type Keyring struct {
	mu      sync.Mutex
	pools   map[ProviderClass][]*Credential
	cursors map[ProviderClass]int
	now     func() time.Time
}

// NewKeyring builds a Keyring over the given secrets, keyed by provider
// class. Secrets are assigned stable ids of the form "<class>-<index>".
func NewKeyring(secrets map[ProviderClass][]string) *Keyring {
	k := &Keyring{
		pools:   make(map[ProviderClass][]*Credential),
		cursors: make(map[ProviderClass]int),
		now:     time.Now,
	}
	for class, vals := range secrets {
		for i, s := range vals {
			if s == "" {
				continue
			}
			k.pools[class] = append(k.pools[class], &Credential{
				ID:     fmt.Sprintf("%s-%d", class, i),
				Class:  class,
				Secret: s,
			})
		}
		slog.Info("Credential pool configured", "class", class, "size", len(k.pools[class]))
	}
	return k
}

// PoolSize returns the number of credentials configured for a class.
func (k *Keyring) PoolSize(class ProviderClass) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.pools[class])
}

// SelectCredential returns the next healthy credential for a class,
// advancing the class's cyclic pointer.
//
// A credential whose failure count has reached the limit is skipped while
// its cooldown window is open; once the window passes, its failure count is
// reset in place and it becomes selectable again. If every credential in the
// class is cooling down, all cooldowns for the class are cleared and the
// first credential is returned, so selection degrades rather than blocks.
//
// A class with zero configured credentials returns *ErrPoolExhausted.
func (k *Keyring) SelectCredential(class ProviderClass) (*Credential, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	pool := k.pools[class]
	if len(pool) == 0 {
		return nil, &ErrPoolExhausted{Class: class}
	}

	now := k.now()
	start := k.cursors[class]
	for i := 0; i < len(pool); i++ {
		idx := (start + i) % len(pool)
		cred := pool[idx]
		if cred.failureCount >= maxCredentialFailures {
			if now.Before(cred.cooldownUntil) {
				continue
			}
			// Cooldown passed; lazy reset.
			cred.failureCount = 0
			cred.cooldownUntil = time.Time{}
		}
		k.cursors[class] = (idx + 1) % len(pool)
		return cred, nil
	}

	// Every credential is cooling down. Clear the class and hand out the
	// first credential instead of blocking the pipeline.
	slog.Warn("All credentials cooling down, clearing class", "class", class, "pool_size", len(pool))
	for _, cred := range pool {
		cred.failureCount = 0
		cred.cooldownUntil = time.Time{}
	}
	k.cursors[class] = 1 % len(pool)
	return pool[0], nil
}

// ReportFailure records one failure against a credential. Reaching the
// failure limit opens the credential's cooldown window. The call never
// blocks the reporting pipeline.
func (k *Keyring) ReportFailure(cred *Credential) {
	if cred == nil {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	cred.failureCount++
	if cred.failureCount >= maxCredentialFailures {
		cred.cooldownUntil = k.now().Add(credentialCooldown)
		slog.Warn("Credential entered cooldown",
			"credential_id", cred.ID,
			"class", cred.Class,
			"failures", cred.failureCount)
	}
}

// ReportSuccess is the no-op half of the failure contract, kept so call
// sites read symmetrically.
func (k *Keyring) ReportSuccess(_ *Credential) {}

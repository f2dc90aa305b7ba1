// Package identity reconciles the two protocol addressing schemes, stable
// phone-backed JIDs and ephemeral device-linked JIDs, into one canonical
// identity per real-world contact.
package identity

import (
	"context"
	"sync"

	"github.com/meridianlab/wabridge/pkg/domain"
	"github.com/meridianlab/wabridge/pkg/logger"
)

// AliasStore persists identity alias pairs. Upsert semantics: saving the
// same pair twice results in exactly one row.
type AliasStore interface {
	LoadAliases(ctx context.Context) ([]domain.IdentityAlias, error)
	SaveAlias(ctx context.Context, alias domain.IdentityAlias) error
}

// Resolver owns the in-memory bidirectional alias map. It is constructed
// once at process start and passed by reference to every consumer. Reads
// vastly outnumber writes; resolution never blocks on storage I/O.
type Resolver struct {
	store AliasStore

	mu         sync.RWMutex
	lidToPhone map[string]string
	phoneToLid map[string]string
}

// NewResolver creates a resolver and loads the full alias set from the
// store. A load failure leaves the resolver empty but usable; aliases will
// be rediscovered from live traffic.
func NewResolver(ctx context.Context, store AliasStore) *Resolver {
	r := &Resolver{
		store:      store,
		lidToPhone: make(map[string]string),
		phoneToLid: make(map[string]string),
	}
	aliases, err := store.LoadAliases(ctx)
	if err != nil {
		logger.ErrorCF("identity", "Failed to load alias map", map[string]interface{}{
			"error": err.Error(),
		})
		return r
	}
	for _, a := range aliases {
		r.lidToPhone[a.LidJID] = a.PhoneJID
		r.phoneToLid[a.PhoneJID] = a.LidJID
	}
	logger.InfoCF("identity", "Alias map loaded", map[string]interface{}{
		"count": len(aliases),
	})
	return r
}

// RegisterAlias records that lidJID and phoneJID address the same contact.
// Idempotent: a pair already cached is a no-op. New registrations update the
// in-memory map first and persist asynchronously; the caller is never
// blocked on storage.
func (r *Resolver) RegisterAlias(lidJID, phoneJID string) {
	if lidJID == "" || phoneJID == "" || lidJID == phoneJID {
		return
	}

	r.mu.Lock()
	if existing, ok := r.lidToPhone[lidJID]; ok {
		if existing == phoneJID {
			r.mu.Unlock()
			return
		}
		// Re-registration under a new phone identity; drop the superseded
		// reverse entry so the maps stay mirror images.
		delete(r.phoneToLid, existing)
	}
	r.lidToPhone[lidJID] = phoneJID
	r.phoneToLid[phoneJID] = lidJID
	r.mu.Unlock()

	go func() {
		if err := r.store.SaveAlias(context.Background(), domain.IdentityAlias{
			LidJID:   lidJID,
			PhoneJID: phoneJID,
		}); err != nil {
			logger.ErrorCF("identity", "Failed to persist alias", map[string]interface{}{
				"lid":   lidJID,
				"phone": phoneJID,
				"error": err.Error(),
			})
		}
	}()

	logger.DebugCF("identity", "Alias registered", map[string]interface{}{
		"lid":   lidJID,
		"phone": phoneJID,
	})
}

// Resolve maps a device-linked JID to its phone-backed form when a mapping
// is known. Any other input is returned unchanged.
func (r *Resolver) Resolve(jid string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if phone, ok := r.lidToPhone[jid]; ok {
		return phone
	}
	return jid
}

// NormalizePair handles two forms of one identity observed together on the
// same event: it registers the alias and returns the preferred phone-backed
// form to use as the canonical identity on that event.
func (r *Resolver) NormalizePair(primary, alternate string) string {
	if alternate == "" {
		return r.Resolve(primary)
	}

	pj, perr := domain.ParseJID(primary)
	aj, aerr := domain.ParseJID(alternate)
	if perr != nil || aerr != nil {
		return r.Resolve(primary)
	}

	switch {
	case pj.IsLid() && aj.IsPhone():
		r.RegisterAlias(primary, alternate)
		return alternate
	case pj.IsPhone() && aj.IsLid():
		r.RegisterAlias(alternate, primary)
		return primary
	default:
		return r.Resolve(primary)
	}
}

// AliasCount returns the number of cached alias pairs (diagnostics).
func (r *Resolver) AliasCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.lidToPhone)
}

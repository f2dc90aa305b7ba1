package identity

import (
	"context"
	"fmt"

	"github.com/meridianlab/wabridge/pkg/domain"
	"github.com/meridianlab/wabridge/pkg/logger"
)

// MigrationStore is the storage surface of the one-time identity sweep.
type MigrationStore interface {
	// ScanMessageAliases returns the distinct (device-linked, phone-backed)
	// pairs embedded in already-persisted message rows.
	ScanMessageAliases(ctx context.Context) ([]domain.IdentityAlias, error)
	// ApplyAliasMigration re-keys message rows and merges duplicate chat
	// and contact rows inside a single transaction. The phone-backed row
	// wins any field conflict.
	ApplyAliasMigration(ctx context.Context, aliases []domain.IdentityAlias) (MigrationResult, error)
}

// MigrationResult summarizes what one sweep changed.
type MigrationResult struct {
	AliasesFound    int
	MessagesRekeyed int64
	ChatsMerged     int
	ContactsMerged  int
}

// Migrate runs the one-time startup sweep: discover the alias set from
// persisted messages without relying on live traffic, cache it, then apply
// the mapping transactionally to persisted rows. Running it again is safe
// and a no-op once no device-linked rows remain.
func (r *Resolver) Migrate(ctx context.Context, store MigrationStore) (MigrationResult, error) {
	aliases, err := store.ScanMessageAliases(ctx)
	if err != nil {
		return MigrationResult{}, fmt.Errorf("scan message aliases: %w", err)
	}
	if len(aliases) == 0 {
		logger.InfoC("identity", "Identity migration: nothing to do")
		return MigrationResult{}, nil
	}

	for _, a := range aliases {
		r.RegisterAlias(a.LidJID, a.PhoneJID)
	}

	result, err := store.ApplyAliasMigration(ctx, aliases)
	if err != nil {
		return MigrationResult{}, fmt.Errorf("apply alias migration: %w", err)
	}
	result.AliasesFound = len(aliases)

	logger.InfoCF("identity", "Identity migration complete", map[string]interface{}{
		"aliases":  result.AliasesFound,
		"messages": result.MessagesRekeyed,
		"chats":    result.ChatsMerged,
		"contacts": result.ContactsMerged,
	})
	return result, nil
}

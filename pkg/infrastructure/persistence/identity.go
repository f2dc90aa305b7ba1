package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/meridianlab/wabridge/pkg/domain"
	"github.com/meridianlab/wabridge/pkg/identity"
)

// LoadAliases reads the full alias set for the resolver's startup load.
func (s *Store) LoadAliases(ctx context.Context) ([]domain.IdentityAlias, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT lid_jid, phone_jid FROM identity_aliases`)
	if err != nil {
		return nil, fmt.Errorf("load aliases: %w", err)
	}
	defer rows.Close()

	var aliases []domain.IdentityAlias
	for rows.Next() {
		var a domain.IdentityAlias
		if err := rows.Scan(&a.LidJID, &a.PhoneJID); err != nil {
			return nil, fmt.Errorf("load aliases: %w", err)
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

// SaveAlias upserts one alias pair. Saving the same pair twice leaves
// exactly one row.
func (s *Store) SaveAlias(ctx context.Context, alias domain.IdentityAlias) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO identity_aliases (lid_jid, phone_jid) VALUES (?, ?)
		ON CONFLICT(lid_jid) DO UPDATE SET phone_jid = excluded.phone_jid`,
		alias.LidJID, alias.PhoneJID)
	if err != nil {
		return fmt.Errorf("save alias: %w", err)
	}
	return nil
}

// ScanMessageAliases discovers alias pairs from already-persisted message
// rows that carry an embedded alternate identity, without relying on live
// traffic. Pair orientation is derived from the JID servers.
func (s *Store) ScanMessageAliases(ctx context.Context) ([]domain.IdentityAlias, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT sender_jid, sender_alt FROM messages
		WHERE sender_alt != '' AND sender_jid != sender_alt`)
	if err != nil {
		return nil, fmt.Errorf("scan message aliases: %w", err)
	}
	defer rows.Close()

	seen := make(map[string]bool)
	var aliases []domain.IdentityAlias
	for rows.Next() {
		var sender, alt string
		if err := rows.Scan(&sender, &alt); err != nil {
			return nil, fmt.Errorf("scan message aliases: %w", err)
		}
		sj, serr := domain.ParseJID(sender)
		aj, aerr := domain.ParseJID(alt)
		if serr != nil || aerr != nil {
			continue
		}
		var a domain.IdentityAlias
		switch {
		case sj.IsLid() && aj.IsPhone():
			a = domain.IdentityAlias{LidJID: sender, PhoneJID: alt}
		case sj.IsPhone() && aj.IsLid():
			a = domain.IdentityAlias{LidJID: alt, PhoneJID: sender}
		default:
			continue
		}
		if !seen[a.LidJID] {
			seen[a.LidJID] = true
			aliases = append(aliases, a)
		}
	}
	return aliases, rows.Err()
}

// ApplyAliasMigration rewrites message foreign keys and merges duplicate
// chat and contact rows in a single transaction. Device-linked rows are
// merged into their phone-backed counterparts; when both sides have a
// non-empty value for the same field, the phone-backed row wins.
func (s *Store) ApplyAliasMigration(ctx context.Context, aliases []domain.IdentityAlias) (identity.MigrationResult, error) {
	var result identity.MigrationResult

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return result, fmt.Errorf("migration begin: %w", err)
	}
	defer tx.Rollback()

	for _, a := range aliases {
		n, err := s.rekeyMessages(ctx, tx, a)
		if err != nil {
			return result, err
		}
		result.MessagesRekeyed += n

		merged, err := s.mergeChat(ctx, tx, a)
		if err != nil {
			return result, err
		}
		if merged {
			result.ChatsMerged++
		}

		merged, err = s.mergeContact(ctx, tx, a)
		if err != nil {
			return result, err
		}
		if merged {
			result.ContactsMerged++
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO identity_aliases (lid_jid, phone_jid) VALUES (?, ?)
			ON CONFLICT(lid_jid) DO UPDATE SET phone_jid = excluded.phone_jid`,
			a.LidJID, a.PhoneJID); err != nil {
			return result, fmt.Errorf("migration save alias: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return result, fmt.Errorf("migration commit: %w", err)
	}
	return result, nil
}

func (s *Store) rekeyMessages(ctx context.Context, tx *sql.Tx, a domain.IdentityAlias) (int64, error) {
	var total int64

	res, err := tx.ExecContext(ctx, `
		UPDATE messages SET sender_jid = ? WHERE sender_jid = ?`, a.PhoneJID, a.LidJID)
	if err != nil {
		return 0, fmt.Errorf("migration rekey senders: %w", err)
	}
	n, _ := res.RowsAffected()
	total += n

	// Chat re-key can collide with a row already stored under the
	// phone-backed key (same message observed under both forms); the
	// phone-backed copy wins and the leftover is dropped.
	res, err = tx.ExecContext(ctx, `
		UPDATE OR IGNORE messages SET chat_jid = ? WHERE chat_jid = ?`, a.PhoneJID, a.LidJID)
	if err != nil {
		return 0, fmt.Errorf("migration rekey chats: %w", err)
	}
	n, _ = res.RowsAffected()
	total += n

	if _, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE chat_jid = ?`, a.LidJID); err != nil {
		return 0, fmt.Errorf("migration drop leftovers: %w", err)
	}
	return total, nil
}

// mergeChat folds the device-linked chat row into the phone-backed one.
func (s *Store) mergeChat(ctx context.Context, tx *sql.Tx, a domain.IdentityAlias) (bool, error) {
	var lid domain.Chat
	var lidLastAt sql.NullTime
	err := tx.QueryRowContext(ctx, `
		SELECT name, last_message, last_at, unread_count FROM chats WHERE jid = ?`, a.LidJID).
		Scan(&lid.Name, &lid.LastMessage, &lidLastAt, &lid.UnreadCount)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("migration read chat: %w", err)
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM chats WHERE jid = ?`, a.PhoneJID).Scan(&exists)
	switch err {
	case sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `UPDATE chats SET jid = ? WHERE jid = ?`, a.PhoneJID, a.LidJID); err != nil {
			return false, fmt.Errorf("migration rekey chat: %w", err)
		}
		return true, nil
	case nil:
		// Both rows exist: the phone-backed row keeps its non-empty
		// fields, blanks are filled from the device-linked side, unread
		// counts add up.
		var lidLast interface{}
		if lidLastAt.Valid {
			lidLast = lidLastAt.Time
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE chats SET
				name         = CASE WHEN name != '' THEN name ELSE ? END,
				last_message = CASE WHEN last_message != '' THEN last_message ELSE ? END,
				last_at      = COALESCE(last_at, ?),
				unread_count = unread_count + ?
			WHERE jid = ?`,
			lid.Name, lid.LastMessage, lidLast, lid.UnreadCount, a.PhoneJID); err != nil {
			return false, fmt.Errorf("migration merge chat: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM chats WHERE jid = ?`, a.LidJID); err != nil {
			return false, fmt.Errorf("migration drop chat: %w", err)
		}
		return true, nil
	default:
		return false, fmt.Errorf("migration read chat: %w", err)
	}
}

// mergeContact folds the device-linked contact row into the phone-backed one.
func (s *Store) mergeContact(ctx context.Context, tx *sql.Tx, a domain.IdentityAlias) (bool, error) {
	var lid domain.Contact
	err := tx.QueryRowContext(ctx, `
		SELECT push_name, full_name FROM contacts WHERE jid = ?`, a.LidJID).
		Scan(&lid.PushName, &lid.FullName)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("migration read contact: %w", err)
	}

	var exists int
	err = tx.QueryRowContext(ctx, `SELECT 1 FROM contacts WHERE jid = ?`, a.PhoneJID).Scan(&exists)
	switch err {
	case sql.ErrNoRows:
		if _, err := tx.ExecContext(ctx, `UPDATE contacts SET jid = ? WHERE jid = ?`, a.PhoneJID, a.LidJID); err != nil {
			return false, fmt.Errorf("migration rekey contact: %w", err)
		}
		return true, nil
	case nil:
		if _, err := tx.ExecContext(ctx, `
			UPDATE contacts SET
				push_name = CASE WHEN push_name != '' THEN push_name ELSE ? END,
				full_name = CASE WHEN full_name != '' THEN full_name ELSE ? END
			WHERE jid = ?`,
			lid.PushName, lid.FullName, a.PhoneJID); err != nil {
			return false, fmt.Errorf("migration merge contact: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM contacts WHERE jid = ?`, a.LidJID); err != nil {
			return false, fmt.Errorf("migration drop contact: %w", err)
		}
		return true, nil
	default:
		return false, fmt.Errorf("migration read contact: %w", err)
	}
}

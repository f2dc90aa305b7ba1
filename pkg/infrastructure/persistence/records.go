package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/meridianlab/wabridge/pkg/domain"
)

// UpsertMessage inserts or refreshes a message row. Tombstone and starred
// flags on an existing row are preserved: is_deleted is monotonic and the
// star flag only changes through SetMessageStarred.
func (s *Store) UpsertMessage(ctx context.Context, msg domain.Message) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, chat_jid, sender_jid, sender_alt, from_me, kind, body,
			quoted_id, media_id, has_media, is_edited, is_deleted, is_starred, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 0, 0, ?)
		ON CONFLICT(chat_jid, id) DO UPDATE SET
			sender_jid = excluded.sender_jid,
			sender_alt = excluded.sender_alt,
			kind       = excluded.kind,
			body       = excluded.body,
			quoted_id  = excluded.quoted_id,
			media_id   = CASE WHEN excluded.media_id != '' THEN excluded.media_id ELSE messages.media_id END,
			has_media  = MAX(messages.has_media, excluded.has_media),
			timestamp  = excluded.timestamp`,
		msg.ID, msg.ChatJID, msg.SenderJID, msg.SenderAlt, msg.FromMe, string(msg.Kind),
		msg.Body, msg.QuotedID, msg.MediaID, msg.HasMedia, msg.IsEdited, msg.Timestamp)
	if err != nil {
		return fmt.Errorf("upsert message: %w", err)
	}
	return nil
}

// GetMessage reads a message back by its composite key.
func (s *Store) GetMessage(ctx context.Context, chatJID, id string) (*domain.Message, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, chat_jid, sender_jid, sender_alt, from_me, kind, body, quoted_id,
			media_id, has_media, is_edited, is_deleted, is_starred, timestamp, deleted_at
		FROM messages WHERE chat_jid = ? AND id = ?`, chatJID, id)

	var msg domain.Message
	var kind string
	var deletedAt sql.NullTime
	err := row.Scan(&msg.ID, &msg.ChatJID, &msg.SenderJID, &msg.SenderAlt, &msg.FromMe,
		&kind, &msg.Body, &msg.QuotedID, &msg.MediaID, &msg.HasMedia,
		&msg.IsEdited, &msg.IsDeleted, &msg.IsStarred, &msg.Timestamp, &deletedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}
	msg.Kind = domain.MessageKind(kind)
	if deletedAt.Valid {
		t := deletedAt.Time
		msg.DeletedAt = &t
	}
	return &msg, nil
}

// MarkMessageEdited updates the body of an existing row in place. A miss is
// ErrNotFound; edits never create rows.
func (s *Store) MarkMessageEdited(ctx context.Context, chatJID, id, body string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET body = ?, is_edited = 1, timestamp = ?
		WHERE chat_jid = ? AND id = ?`, body, at, chatJID, id)
	if err != nil {
		return fmt.Errorf("mark edited: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkMessageDeleted sets the tombstone flag and timestamp. Monotonic: a
// row already deleted keeps its original deleted_at.
func (s *Store) MarkMessageDeleted(ctx context.Context, chatJID, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET is_deleted = 1, deleted_at = COALESCE(deleted_at, ?)
		WHERE chat_jid = ? AND id = ?`, at, chatJID, id)
	if err != nil {
		return fmt.Errorf("mark deleted: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetMessageStarred flips the star flag on an existing row.
func (s *Store) SetMessageStarred(ctx context.Context, chatJID, id string, starred bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE messages SET is_starred = ? WHERE chat_jid = ? AND id = ?`,
		starred, chatJID, id)
	if err != nil {
		return fmt.Errorf("set starred: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpsertChat refreshes per-conversation metadata. An empty incoming name
// never clobbers a known one; unread_count bumps only when asked.
func (s *Store) UpsertChat(ctx context.Context, chat domain.Chat, bumpUnread bool) error {
	bump := 0
	if bumpUnread {
		bump = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO chats (jid, name, last_message, last_at, unread_count, is_group)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			name         = CASE WHEN excluded.name != '' THEN excluded.name ELSE chats.name END,
			last_message = excluded.last_message,
			last_at      = excluded.last_at,
			unread_count = chats.unread_count + ?`,
		chat.JID, chat.Name, chat.LastMessage, chat.LastAt, bump, chat.IsGroup, bump)
	if err != nil {
		return fmt.Errorf("upsert chat: %w", err)
	}
	return nil
}

// GetChat reads a chat row.
func (s *Store) GetChat(ctx context.Context, jid string) (*domain.Chat, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT jid, name, last_message, last_at, unread_count, is_group
		FROM chats WHERE jid = ?`, jid)
	var chat domain.Chat
	var lastAt sql.NullTime
	err := row.Scan(&chat.JID, &chat.Name, &chat.LastMessage, &lastAt, &chat.UnreadCount, &chat.IsGroup)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get chat: %w", err)
	}
	if lastAt.Valid {
		chat.LastAt = lastAt.Time
	}
	return &chat, nil
}

// GroupExists reports whether a group row (stub or full) is present.
func (s *Store) GroupExists(ctx context.Context, jid string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `SELECT 1 FROM groups WHERE jid = ?`, jid).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("group exists: %w", err)
	}
	return true, nil
}

// UpsertGroup inserts or refreshes group metadata. An empty subject (a
// stub) never clobbers a known one.
func (s *Store) UpsertGroup(ctx context.Context, group domain.Group) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO groups (jid, subject, owner_jid, participants, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(jid) DO UPDATE SET
			subject      = CASE WHEN excluded.subject != '' THEN excluded.subject ELSE groups.subject END,
			owner_jid    = CASE WHEN excluded.owner_jid != '' THEN excluded.owner_jid ELSE groups.owner_jid END,
			participants = CASE WHEN excluded.participants > 0 THEN excluded.participants ELSE groups.participants END`,
		group.JID, group.Subject, group.OwnerJID, group.Participants, group.CreatedAt)
	if err != nil {
		return fmt.Errorf("upsert group: %w", err)
	}
	return nil
}

// UpsertContactPushName records a sender's self-reported display name.
func (s *Store) UpsertContactPushName(ctx context.Context, jid, pushName string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO contacts (jid, push_name) VALUES (?, ?)
		ON CONFLICT(jid) DO UPDATE SET push_name = excluded.push_name`,
		jid, pushName)
	if err != nil {
		return fmt.Errorf("upsert contact: %w", err)
	}
	return nil
}

// GetContact reads a contact row.
func (s *Store) GetContact(ctx context.Context, jid string) (*domain.Contact, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT jid, push_name, full_name FROM contacts WHERE jid = ?`, jid)
	var c domain.Contact
	err := row.Scan(&c.JID, &c.PushName, &c.FullName)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get contact: %w", err)
	}
	return &c, nil
}

// UpsertReceipt advances a delivery status row. Status never regresses;
// within the same status the latest timestamp wins.
func (s *Store) UpsertReceipt(ctx context.Context, receipt domain.Receipt) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO receipts (message_id, recipient_jid, chat_jid, status, timestamp)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(message_id, recipient_jid) DO UPDATE SET
			status    = excluded.status,
			chat_jid  = excluded.chat_jid,
			timestamp = excluded.timestamp
		WHERE excluded.status >= receipts.status`,
		receipt.MessageID, receipt.RecipientJID, receipt.ChatJID, int(receipt.Status), receipt.Timestamp)
	if err != nil {
		return fmt.Errorf("upsert receipt: %w", err)
	}
	return nil
}

// GetReceipt reads a receipt by its composite key.
func (s *Store) GetReceipt(ctx context.Context, messageID, recipientJID string) (*domain.Receipt, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT message_id, recipient_jid, chat_jid, status, timestamp
		FROM receipts WHERE message_id = ? AND recipient_jid = ?`, messageID, recipientJID)
	var r domain.Receipt
	var status int
	err := row.Scan(&r.MessageID, &r.RecipientJID, &r.ChatJID, &status, &r.Timestamp)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get receipt: %w", err)
	}
	r.Status = domain.ReceiptStatus(status)
	return &r, nil
}

// AppendPresence appends one presence observation. Never upserted.
func (s *Store) AppendPresence(ctx context.Context, entry domain.PresenceEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO presence_log (jid, state, timestamp) VALUES (?, ?, ?)`,
		entry.JID, entry.State, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("append presence: %w", err)
	}
	return nil
}

// AppendCall appends one call log row.
func (s *Store) AppendCall(ctx context.Context, entry domain.CallEntry) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO call_log (call_id, chat_jid, caller_jid, status, is_video, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.ChatJID, entry.CallerJID, entry.Status, entry.IsVideo, entry.Timestamp)
	if err != nil {
		return fmt.Errorf("append call: %w", err)
	}
	return nil
}

// InsertMediaItem records an attachment row with its initial status.
func (s *Store) InsertMediaItem(ctx context.Context, item domain.MediaItem) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO media (id, message_id, chat_jid, mime_type, declared_size, status, status_reason, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		item.ID, item.MessageID, item.ChatJID, item.MimeType, item.DeclaredSize,
		string(item.Status), item.StatusReason, item.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert media: %w", err)
	}
	return nil
}

// SetMediaStatus writes the terminal status of a download task. The queue
// worker is the only caller.
func (s *Store) SetMediaStatus(ctx context.Context, mediaID string, status domain.MediaStatus, reason, filePath string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE media SET status = ?, status_reason = ?, file_path = ? WHERE id = ?`,
		string(status), reason, filePath, mediaID)
	if err != nil {
		return fmt.Errorf("set media status: %w", err)
	}
	return nil
}

// GetMediaItem reads a media row.
func (s *Store) GetMediaItem(ctx context.Context, mediaID string) (*domain.MediaItem, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, message_id, chat_jid, mime_type, declared_size, status, status_reason, file_path, created_at
		FROM media WHERE id = ?`, mediaID)
	var item domain.MediaItem
	var status string
	err := row.Scan(&item.ID, &item.MessageID, &item.ChatJID, &item.MimeType, &item.DeclaredSize,
		&status, &item.StatusReason, &item.FilePath, &item.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get media: %w", err)
	}
	item.Status = domain.MediaStatus(status)
	return &item, nil
}

// PruneBefore is the explicit retention path: it deletes messages older
// than the cutoff and their media rows inside one transaction, returning
// the file paths whose bytes the caller should remove from disk.
func (s *Store) PruneBefore(ctx context.Context, cutoff time.Time) (int64, []string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, nil, fmt.Errorf("prune begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT m.file_path FROM media m
		JOIN messages ms ON ms.id = m.message_id AND ms.chat_jid = m.chat_jid
		WHERE ms.timestamp < ? AND m.file_path != ''`, cutoff)
	if err != nil {
		return 0, nil, fmt.Errorf("prune scan media: %w", err)
	}
	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return 0, nil, fmt.Errorf("prune scan media: %w", err)
		}
		paths = append(paths, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, nil, fmt.Errorf("prune scan media: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM media WHERE (message_id, chat_jid) IN
			(SELECT id, chat_jid FROM messages WHERE timestamp < ?)`, cutoff); err != nil {
		return 0, nil, fmt.Errorf("prune media: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM messages WHERE timestamp < ?`, cutoff)
	if err != nil {
		return 0, nil, fmt.Errorf("prune messages: %w", err)
	}
	pruned, _ := res.RowsAffected()

	if err := tx.Commit(); err != nil {
		return 0, nil, fmt.Errorf("prune commit: %w", err)
	}
	return pruned, paths, nil
}

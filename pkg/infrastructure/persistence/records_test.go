package persistence

import (
	"context"
	"testing"
	"time"

	"github.com/meridianlab/wabridge/pkg/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func testMessage(chatJID, id string) domain.Message {
	return domain.Message{
		ID:        id,
		ChatJID:   chatJID,
		SenderJID: "15551234567@s.whatsapp.net",
		Kind:      domain.KindText,
		Body:      "hello",
		Timestamp: time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
}

// TestUpsertMessageRoundTrip verifies a message row survives a write and
// read with its fields intact.
func TestUpsertMessageRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := testMessage("chat@s.whatsapp.net", "MSG1")
	msg.QuotedID = "QUOTED1"
	if err := s.UpsertMessage(ctx, msg); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	got, err := s.GetMessage(ctx, msg.ChatJID, msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Body != "hello" || got.Kind != domain.KindText || got.QuotedID != "QUOTED1" {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if !got.Timestamp.Equal(msg.Timestamp) {
		t.Errorf("timestamp = %v, want %v", got.Timestamp, msg.Timestamp)
	}
	if got.IsDeleted || got.IsStarred || got.DeletedAt != nil {
		t.Errorf("fresh row should carry no flags: %+v", got)
	}
}

// TestUpsertMessagePreservesFlags verifies that re-upserting a row does not
// clear a tombstone or star set through the dedicated paths.
func TestUpsertMessagePreservesFlags(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := testMessage("chat@s.whatsapp.net", "MSG1")
	if err := s.UpsertMessage(ctx, msg); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.MarkMessageDeleted(ctx, msg.ChatJID, msg.ID, time.Now().UTC()); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.SetMessageStarred(ctx, msg.ChatJID, msg.ID, true); err != nil {
		t.Fatalf("star: %v", err)
	}

	// A replayed upsert of the same message must not resurrect it.
	msg.Body = "hello again"
	if err := s.UpsertMessage(ctx, msg); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	got, err := s.GetMessage(ctx, msg.ChatJID, msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsDeleted {
		t.Error("tombstone cleared by upsert")
	}
	if !got.IsStarred {
		t.Error("star cleared by upsert")
	}
	if got.Body != "hello again" {
		t.Errorf("body = %q, want updated body", got.Body)
	}
}

// TestUpsertMessageMediaFields verifies that an empty media id on a later
// upsert does not blank an earlier one, and has_media never regresses.
func TestUpsertMessageMediaFields(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := testMessage("chat@s.whatsapp.net", "MSG1")
	msg.Kind = domain.KindImage
	msg.MediaID = "media-abc"
	msg.HasMedia = true
	if err := s.UpsertMessage(ctx, msg); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	msg.MediaID = ""
	msg.HasMedia = false
	if err := s.UpsertMessage(ctx, msg); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	got, err := s.GetMessage(ctx, msg.ChatJID, msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MediaID != "media-abc" {
		t.Errorf("media_id = %q, want preserved reference", got.MediaID)
	}
	if !got.HasMedia {
		t.Error("has_media regressed to false")
	}
}

// TestMarkMessageEdited verifies edits rewrite the body in place and a miss
// is reported rather than creating a row.
func TestMarkMessageEdited(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := testMessage("chat@s.whatsapp.net", "MSG1")
	if err := s.UpsertMessage(ctx, msg); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	editedAt := msg.Timestamp.Add(time.Minute)
	if err := s.MarkMessageEdited(ctx, msg.ChatJID, msg.ID, "corrected", editedAt); err != nil {
		t.Fatalf("edit: %v", err)
	}
	got, err := s.GetMessage(ctx, msg.ChatJID, msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Body != "corrected" || !got.IsEdited {
		t.Errorf("edit not applied: body=%q edited=%v", got.Body, got.IsEdited)
	}

	err = s.MarkMessageEdited(ctx, msg.ChatJID, "NOPE", "x", editedAt)
	if err != ErrNotFound {
		t.Errorf("edit of unknown id: err = %v, want ErrNotFound", err)
	}
	if _, err := s.GetMessage(ctx, msg.ChatJID, "NOPE"); err != ErrNotFound {
		t.Error("edit miss must not create a row")
	}
}

// TestMarkMessageDeletedMonotonic verifies that a second delete keeps the
// original deletion timestamp.
func TestMarkMessageDeletedMonotonic(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := testMessage("chat@s.whatsapp.net", "MSG1")
	if err := s.UpsertMessage(ctx, msg); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	first := time.Date(2026, 3, 10, 13, 0, 0, 0, time.UTC)
	if err := s.MarkMessageDeleted(ctx, msg.ChatJID, msg.ID, first); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.MarkMessageDeleted(ctx, msg.ChatJID, msg.ID, first.Add(time.Hour)); err != nil {
		t.Fatalf("second delete: %v", err)
	}

	got, err := s.GetMessage(ctx, msg.ChatJID, msg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.DeletedAt == nil || !got.DeletedAt.Equal(first) {
		t.Errorf("deleted_at = %v, want first deletion time %v", got.DeletedAt, first)
	}

	if err := s.MarkMessageDeleted(ctx, msg.ChatJID, "NOPE", first); err != ErrNotFound {
		t.Errorf("delete of unknown id: err = %v, want ErrNotFound", err)
	}
}

// TestSetMessageStarred verifies the star flag flips both ways and a miss
// is reported.
func TestSetMessageStarred(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	msg := testMessage("chat@s.whatsapp.net", "MSG1")
	if err := s.UpsertMessage(ctx, msg); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if err := s.SetMessageStarred(ctx, msg.ChatJID, msg.ID, true); err != nil {
		t.Fatalf("star: %v", err)
	}
	got, _ := s.GetMessage(ctx, msg.ChatJID, msg.ID)
	if !got.IsStarred {
		t.Error("star not set")
	}

	if err := s.SetMessageStarred(ctx, msg.ChatJID, msg.ID, false); err != nil {
		t.Fatalf("unstar: %v", err)
	}
	got, _ = s.GetMessage(ctx, msg.ChatJID, msg.ID)
	if got.IsStarred {
		t.Error("star not cleared")
	}

	if err := s.SetMessageStarred(ctx, msg.ChatJID, "NOPE", true); err != ErrNotFound {
		t.Errorf("star of unknown id: err = %v, want ErrNotFound", err)
	}
}

// TestUpsertChat verifies name precedence and unread accounting.
func TestUpsertChat(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	chat := domain.Chat{
		JID:         "15550001111@s.whatsapp.net",
		Name:        "Ada",
		LastMessage: "first",
		LastAt:      time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	if err := s.UpsertChat(ctx, chat, true); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// A later event without a display name must not blank the known one.
	chat.Name = ""
	chat.LastMessage = "second"
	chat.LastAt = chat.LastAt.Add(time.Minute)
	if err := s.UpsertChat(ctx, chat, true); err != nil {
		t.Fatalf("re-upsert: %v", err)
	}

	got, err := s.GetChat(ctx, chat.JID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "Ada" {
		t.Errorf("name = %q, want preserved name", got.Name)
	}
	if got.LastMessage != "second" {
		t.Errorf("last_message = %q, want newest preview", got.LastMessage)
	}
	if got.UnreadCount != 2 {
		t.Errorf("unread_count = %d, want 2", got.UnreadCount)
	}

	// No bump for own outgoing traffic.
	if err := s.UpsertChat(ctx, chat, false); err != nil {
		t.Fatalf("upsert no bump: %v", err)
	}
	got, _ = s.GetChat(ctx, chat.JID)
	if got.UnreadCount != 2 {
		t.Errorf("unread_count after no-bump upsert = %d, want 2", got.UnreadCount)
	}
}

// TestUpsertGroupStub verifies stub rows never clobber full metadata.
func TestUpsertGroupStub(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	gjid := "12036304@g.us"

	exists, err := s.GroupExists(ctx, gjid)
	if err != nil {
		t.Fatalf("exists: %v", err)
	}
	if exists {
		t.Fatal("group should not exist yet")
	}

	// Stub first, then the metadata refresh fills it in.
	if err := s.UpsertGroup(ctx, domain.Group{JID: gjid}); err != nil {
		t.Fatalf("stub: %v", err)
	}
	exists, _ = s.GroupExists(ctx, gjid)
	if !exists {
		t.Error("stub row should count as existing")
	}

	full := domain.Group{JID: gjid, Subject: "Weekend Plans", OwnerJID: "15551234567@s.whatsapp.net", Participants: 4}
	if err := s.UpsertGroup(ctx, full); err != nil {
		t.Fatalf("full: %v", err)
	}

	// A late stub must not erase the refreshed subject.
	if err := s.UpsertGroup(ctx, domain.Group{JID: gjid}); err != nil {
		t.Fatalf("late stub: %v", err)
	}
	var subject string
	var participants int
	err = s.db.QueryRowContext(ctx, `SELECT subject, participants FROM groups WHERE jid = ?`, gjid).
		Scan(&subject, &participants)
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if subject != "Weekend Plans" {
		t.Errorf("subject = %q, want refreshed subject preserved", subject)
	}
	if participants != 4 {
		t.Errorf("participants = %d, want 4", participants)
	}
}

// TestUpsertReceiptAdvanceOnly verifies a receipt never regresses to a
// lower status.
func TestUpsertReceiptAdvanceOnly(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	base := domain.Receipt{
		MessageID:    "MSG1",
		ChatJID:      "chat@s.whatsapp.net",
		RecipientJID: "15550001111@s.whatsapp.net",
		Status:       domain.ReceiptRead,
		Timestamp:    time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC),
	}
	if err := s.UpsertReceipt(ctx, base); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	// A late delivered ack arriving after the read must be ignored.
	late := base
	late.Status = domain.ReceiptDelivered
	late.Timestamp = base.Timestamp.Add(time.Minute)
	if err := s.UpsertReceipt(ctx, late); err != nil {
		t.Fatalf("late upsert: %v", err)
	}

	got, err := s.GetReceipt(ctx, base.MessageID, base.RecipientJID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.ReceiptRead {
		t.Errorf("status = %v, want read preserved", got.Status)
	}

	// An advance is applied.
	played := base
	played.Status = domain.ReceiptPlayed
	if err := s.UpsertReceipt(ctx, played); err != nil {
		t.Fatalf("advance: %v", err)
	}
	got, _ = s.GetReceipt(ctx, base.MessageID, base.RecipientJID)
	if got.Status != domain.ReceiptPlayed {
		t.Errorf("status = %v, want played", got.Status)
	}
}

// TestMediaItemLifecycle verifies the insert-once behavior and terminal
// status writes of the download queue.
func TestMediaItemLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	item := domain.MediaItem{
		ID:           "media-abc",
		MessageID:    "MSG1",
		ChatJID:      "chat@s.whatsapp.net",
		MimeType:     "image/jpeg",
		DeclaredSize: 2048,
		Status:       domain.MediaPending,
		CreatedAt:    time.Now().UTC(),
	}
	if err := s.InsertMediaItem(ctx, item); err != nil {
		t.Fatalf("insert: %v", err)
	}

	// A duplicate enqueue of the same attachment is a no-op.
	dup := item
	dup.MimeType = "image/png"
	if err := s.InsertMediaItem(ctx, dup); err != nil {
		t.Fatalf("duplicate insert: %v", err)
	}
	got, err := s.GetMediaItem(ctx, item.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.MimeType != "image/jpeg" {
		t.Errorf("mime = %q, duplicate insert must not overwrite", got.MimeType)
	}
	if got.Status != domain.MediaPending {
		t.Errorf("status = %v, want pending", got.Status)
	}

	if err := s.SetMediaStatus(ctx, item.ID, domain.MediaDownloaded, "", "/data/media/2026-03/ab12.jpg"); err != nil {
		t.Fatalf("set status: %v", err)
	}
	got, _ = s.GetMediaItem(ctx, item.ID)
	if got.Status != domain.MediaDownloaded || got.FilePath != "/data/media/2026-03/ab12.jpg" {
		t.Errorf("terminal status not recorded: %+v", got)
	}

	if _, err := s.GetMediaItem(ctx, "nope"); err != ErrNotFound {
		t.Errorf("unknown media id: err = %v, want ErrNotFound", err)
	}
}

// TestAppendOnlyLogs verifies presence and call rows accumulate instead of
// upserting.
func TestAppendOnlyLogs(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	p := domain.PresenceEntry{JID: "15550001111@s.whatsapp.net", State: "composing", Timestamp: time.Now().UTC()}
	for i := 0; i < 3; i++ {
		if err := s.AppendPresence(ctx, p); err != nil {
			t.Fatalf("append presence: %v", err)
		}
	}
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM presence_log`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 3 {
		t.Errorf("presence rows = %d, want 3", n)
	}

	c := domain.CallEntry{ID: "CALL1", ChatJID: "chat@s.whatsapp.net", CallerJID: p.JID, Status: "offer", Timestamp: time.Now().UTC()}
	if err := s.AppendCall(ctx, c); err != nil {
		t.Fatalf("append call: %v", err)
	}
	c.Status = "reject"
	if err := s.AppendCall(ctx, c); err != nil {
		t.Fatalf("append call: %v", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM call_log`).Scan(&n); err != nil {
		t.Fatalf("count: %v", err)
	}
	if n != 2 {
		t.Errorf("call rows = %d, want one per lifecycle event", n)
	}
}

// TestPruneBefore verifies the cutoff sweep removes old messages with their
// media rows, reports orphaned file paths, and leaves newer rows alone.
func TestPruneBefore(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	cutoff := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	old := testMessage("chat@s.whatsapp.net", "OLD1")
	old.Timestamp = cutoff.Add(-24 * time.Hour)
	old.MediaID = "media-old"
	old.HasMedia = true
	fresh := testMessage("chat@s.whatsapp.net", "NEW1")
	fresh.Timestamp = cutoff.Add(24 * time.Hour)
	for _, m := range []domain.Message{old, fresh} {
		if err := s.UpsertMessage(ctx, m); err != nil {
			t.Fatalf("upsert: %v", err)
		}
	}
	if err := s.InsertMediaItem(ctx, domain.MediaItem{
		ID: "media-old", MessageID: old.ID, ChatJID: old.ChatJID,
		Status: domain.MediaDownloaded, CreatedAt: old.Timestamp,
	}); err != nil {
		t.Fatalf("insert media: %v", err)
	}
	if err := s.SetMediaStatus(ctx, "media-old", domain.MediaDownloaded, "", "/data/media/2026-02/old.jpg"); err != nil {
		t.Fatalf("set status: %v", err)
	}

	pruned, paths, err := s.PruneBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if pruned != 1 {
		t.Errorf("pruned = %d, want 1", pruned)
	}
	if len(paths) != 1 || paths[0] != "/data/media/2026-02/old.jpg" {
		t.Errorf("orphan paths = %v", paths)
	}

	if _, err := s.GetMessage(ctx, old.ChatJID, old.ID); err != ErrNotFound {
		t.Error("old message survived the prune")
	}
	if _, err := s.GetMediaItem(ctx, "media-old"); err != ErrNotFound {
		t.Error("old media row survived the prune")
	}
	if _, err := s.GetMessage(ctx, fresh.ChatJID, fresh.ID); err != nil {
		t.Errorf("newer message pruned: %v", err)
	}

	// A second sweep finds nothing.
	pruned, paths, err = s.PruneBefore(ctx, cutoff)
	if err != nil {
		t.Fatalf("second prune: %v", err)
	}
	if pruned != 0 || len(paths) != 0 {
		t.Errorf("second sweep: pruned=%d paths=%v, want nothing", pruned, paths)
	}
}

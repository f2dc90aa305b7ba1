package normalize

import (
	"context"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/meridianlab/wabridge/pkg/domain"
	"github.com/meridianlab/wabridge/pkg/identity"
	"github.com/meridianlab/wabridge/pkg/logger"
	"github.com/meridianlab/wabridge/pkg/media"
	"github.com/meridianlab/wabridge/pkg/protocol"
)

const previewLength = 120

// Store is the persistence surface the normalizer writes through. All
// operations have upsert semantics except the append-only logs.
type Store interface {
	UpsertMessage(ctx context.Context, msg domain.Message) error
	GetMessage(ctx context.Context, chatJID, id string) (*domain.Message, error)
	MarkMessageEdited(ctx context.Context, chatJID, id, body string, at time.Time) error
	MarkMessageDeleted(ctx context.Context, chatJID, id string, at time.Time) error
	SetMessageStarred(ctx context.Context, chatJID, id string, starred bool) error
	UpsertChat(ctx context.Context, chat domain.Chat, bumpUnread bool) error
	GroupExists(ctx context.Context, jid string) (bool, error)
	UpsertGroup(ctx context.Context, group domain.Group) error
	UpsertContactPushName(ctx context.Context, jid, pushName string) error
	UpsertReceipt(ctx context.Context, receipt domain.Receipt) error
	AppendPresence(ctx context.Context, entry domain.PresenceEntry) error
	AppendCall(ctx context.Context, entry domain.CallEntry) error
}

// Enqueuer is the slice of the media queue the normalizer needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, task media.Task) domain.MediaItem
}

// Normalizer classifies raw protocol payloads, persists the canonical rows,
// and publishes hub events for everything it persisted. It runs
// synchronously per incoming protocol event; ordering of persistence writes
// within one event is deterministic.
type Normalizer struct {
	store    Store
	resolver *identity.Resolver
	queue    Enqueuer
	hub      domain.EventBus
	session  protocol.Session
}

// New creates a normalizer.
func New(store Store, resolver *identity.Resolver, queue Enqueuer, hub domain.EventBus, session protocol.Session) *Normalizer {
	return &Normalizer{
		store:    store,
		resolver: resolver,
		queue:    queue,
		hub:      hub,
		session:  session,
	}
}

// Attach subscribes the normalizer to every session event stream it
// consumes. Handlers tolerate both single payloads and batches.
func (n *Normalizer) Attach() {
	n.session.On(protocol.EventMessagesUpsert, func(payload interface{}) {
		switch v := payload.(type) {
		case []*protocol.RawMessage:
			n.HandleBatch(context.Background(), v)
		case *protocol.RawMessage:
			n.HandleBatch(context.Background(), []*protocol.RawMessage{v})
		default:
			logger.WarnCF("normalize", "Unexpected messages.upsert payload", map[string]interface{}{
				"type": fmt.Sprintf("%T", payload),
			})
		}
	})
	n.session.On(protocol.EventMessagesUpdate, func(payload interface{}) {
		if v, ok := payload.(*protocol.RawMessageUpdate); ok {
			n.logOnError(n.HandleUpdate(context.Background(), v))
		}
	})
	n.session.On(protocol.EventMessagesDelete, func(payload interface{}) {
		if v, ok := payload.(*protocol.RawMessageDelete); ok {
			n.logOnError(n.HandleDelete(context.Background(), v))
		}
	})
	n.session.On(protocol.EventReceipts, func(payload interface{}) {
		if v, ok := payload.(*protocol.RawReceipt); ok {
			n.logOnError(n.HandleReceipt(context.Background(), v))
		}
	})
	n.session.On(protocol.EventPresence, func(payload interface{}) {
		if v, ok := payload.(*protocol.RawPresence); ok {
			n.logOnError(n.HandlePresence(context.Background(), v))
		}
	})
	n.session.On(protocol.EventCalls, func(payload interface{}) {
		if v, ok := payload.(*protocol.RawCall); ok {
			n.logOnError(n.HandleCall(context.Background(), v))
		}
	})
	n.session.On(protocol.EventConnection, func(payload interface{}) {
		if v, ok := payload.(*protocol.RawConnectionUpdate); ok {
			n.HandleConnection(v)
		}
	})
}

func (n *Normalizer) logOnError(err error) {
	if err != nil {
		logger.ErrorCF("normalize", "Event normalization failed", map[string]interface{}{
			"error": err.Error(),
		})
	}
}

// HandleBatch normalizes a batch of raw messages. An error on one item
// never aborts the rest of the batch.
func (n *Normalizer) HandleBatch(ctx context.Context, raws []*protocol.RawMessage) {
	for _, raw := range raws {
		if err := n.HandleMessage(ctx, raw); err != nil {
			logger.ErrorCF("normalize", "Message normalization failed", map[string]interface{}{
				"message_id": raw.ID,
				"chat":       raw.ChatJID,
				"error":      err.Error(),
			})
		}
	}
}

// HandleMessage normalizes a single raw message: classify, resolve
// identities, persist the message row and its side effects, then publish.
func (n *Normalizer) HandleMessage(ctx context.Context, raw *protocol.RawMessage) error {
	if raw.ID == "" || raw.ChatJID == "" {
		return fmt.Errorf("message missing id or chat")
	}

	content := Classify(raw)
	if content.Kind() == domain.KindProtocol {
		// Internal ack, not user content.
		logger.DebugCF("normalize", "Protocol payload dropped", map[string]interface{}{
			"message_id": raw.ID,
		})
		return nil
	}

	chatJID := n.resolver.Resolve(raw.ChatJID)
	senderJID := n.resolver.NormalizePair(raw.SenderJID, raw.SenderAltJID)

	msg := domain.Message{
		ID:        raw.ID,
		ChatJID:   chatJID,
		SenderJID: senderJID,
		SenderAlt: raw.SenderAltJID,
		FromMe:    raw.FromMe,
		Kind:      content.Kind(),
		Body:      bodyText(content),
		Timestamp: raw.Timestamp.UTC(),
	}
	switch v := content.(type) {
	case TextContent:
		msg.QuotedID = v.QuotedID
	case ReactionContent:
		msg.QuotedID = v.TargetID
	case MediaContent:
		item := n.queue.Enqueue(ctx, media.Task{
			MessageID: raw.ID,
			ChatJID:   chatJID,
			Ref:       v.Ref,
		})
		msg.MediaID = item.ID
		msg.HasMedia = true
	}

	if err := n.store.UpsertMessage(ctx, msg); err != nil {
		return fmt.Errorf("upsert message %s: %w", msg.ID, err)
	}

	n.upsertChatFor(ctx, msg)
	n.ensureGroup(ctx, chatJID)
	n.upsertSenderName(ctx, senderJID, raw.PushName)

	n.hub.Publish(domain.NewEvent(domain.EventMessagesUpsert, msg))
	return nil
}

// upsertChatFor refreshes the chat row's preview and timestamp. Unread
// count bumps only for inbound traffic.
func (n *Normalizer) upsertChatFor(ctx context.Context, msg domain.Message) {
	jid, err := domain.ParseJID(msg.ChatJID)
	if err != nil {
		return
	}
	preview := msg.Body
	if len(preview) > previewLength {
		// Cut on a rune boundary; a byte slice can split a multi-byte
		// character and persist invalid UTF-8.
		cut := previewLength
		for cut > 0 && !utf8.RuneStart(preview[cut]) {
			cut--
		}
		preview = preview[:cut]
	}
	chat := domain.Chat{
		JID:         msg.ChatJID,
		LastMessage: preview,
		LastAt:      msg.Timestamp,
		IsGroup:     jid.IsGroup(),
	}
	if err := n.store.UpsertChat(ctx, chat, !msg.FromMe); err != nil {
		logger.ErrorCF("normalize", "Chat upsert failed", map[string]interface{}{
			"chat":  msg.ChatJID,
			"error": err.Error(),
		})
		return
	}
	n.hub.Publish(domain.NewEvent(domain.EventChatsUpsert, chat))
}

// ensureGroup creates a stub group row on first sight of a group chat and
// schedules an asynchronous metadata refresh.
func (n *Normalizer) ensureGroup(ctx context.Context, chatJID string) {
	jid, err := domain.ParseJID(chatJID)
	if err != nil || !jid.IsGroup() {
		return
	}
	exists, err := n.store.GroupExists(ctx, chatJID)
	if err != nil {
		logger.ErrorCF("normalize", "Group lookup failed", map[string]interface{}{
			"group": chatJID,
			"error": err.Error(),
		})
		return
	}
	if exists {
		return
	}
	if err := n.store.UpsertGroup(ctx, domain.Group{JID: chatJID}); err != nil {
		logger.ErrorCF("normalize", "Group stub upsert failed", map[string]interface{}{
			"group": chatJID,
			"error": err.Error(),
		})
		return
	}
	go n.refreshGroup(chatJID)
}

func (n *Normalizer) refreshGroup(chatJID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	meta, err := n.session.FetchGroupMetadata(ctx, chatJID)
	if err != nil {
		logger.WarnCF("normalize", "Group metadata refresh failed", map[string]interface{}{
			"group": chatJID,
			"error": err.Error(),
		})
		return
	}
	group := domain.Group{
		JID:          meta.JID,
		Subject:      meta.Subject,
		OwnerJID:     meta.OwnerJID,
		Participants: len(meta.Participants),
		CreatedAt:    meta.CreatedAt,
	}
	if err := n.store.UpsertGroup(ctx, group); err != nil {
		logger.ErrorCF("normalize", "Group upsert failed", map[string]interface{}{
			"group": chatJID,
			"error": err.Error(),
		})
		return
	}
	n.hub.Publish(domain.NewEvent(domain.EventGroupsUpsert, group))
}

// upsertSenderName records a human display name for the sender. Group
// identities never get one.
func (n *Normalizer) upsertSenderName(ctx context.Context, senderJID, pushName string) {
	if pushName == "" || senderJID == "" {
		return
	}
	jid, err := domain.ParseJID(senderJID)
	if err != nil || jid.IsGroup() {
		return
	}
	if err := n.store.UpsertContactPushName(ctx, senderJID, pushName); err != nil {
		logger.ErrorCF("normalize", "Contact upsert failed", map[string]interface{}{
			"jid":   senderJID,
			"error": err.Error(),
		})
		return
	}
	n.hub.Publish(domain.NewEvent(domain.EventContactsUpsert, domain.Contact{
		JID:      senderJID,
		PushName: pushName,
	}))
}

// HandleUpdate applies an edit or star-flag change to an existing message
// row. It never creates a second row for the same message id.
func (n *Normalizer) HandleUpdate(ctx context.Context, raw *protocol.RawMessageUpdate) error {
	chatJID := n.resolver.Resolve(raw.ChatJID)

	if raw.Starred != nil {
		if err := n.store.SetMessageStarred(ctx, chatJID, raw.ID, *raw.Starred); err != nil {
			return fmt.Errorf("star message %s: %w", raw.ID, err)
		}
		n.hub.Publish(domain.NewEvent(domain.EventMessagesStarred, map[string]interface{}{
			"id":       raw.ID,
			"chat_jid": chatJID,
			"starred":  *raw.Starred,
		}))
		return nil
	}

	if err := n.store.MarkMessageEdited(ctx, chatJID, raw.ID, raw.NewText, raw.Timestamp.UTC()); err != nil {
		return fmt.Errorf("edit message %s: %w", raw.ID, err)
	}
	n.hub.Publish(domain.NewEvent(domain.EventMessagesUpdate, map[string]interface{}{
		"id":       raw.ID,
		"chat_jid": chatJID,
		"body":     raw.NewText,
	}))
	return nil
}

// HandleDelete sets the tombstone flag on an existing row. The flag is
// monotonic: once deleted, a message stays deleted.
func (n *Normalizer) HandleDelete(ctx context.Context, raw *protocol.RawMessageDelete) error {
	chatJID := n.resolver.Resolve(raw.ChatJID)
	if err := n.store.MarkMessageDeleted(ctx, chatJID, raw.ID, raw.Timestamp.UTC()); err != nil {
		return fmt.Errorf("delete message %s: %w", raw.ID, err)
	}
	n.hub.Publish(domain.NewEvent(domain.EventMessagesDelete, map[string]interface{}{
		"id":       raw.ID,
		"chat_jid": chatJID,
	}))
	return nil
}

// HandleReceipt advances per-recipient delivery status rows. Status never
// regresses; the store drops stale updates.
func (n *Normalizer) HandleReceipt(ctx context.Context, raw *protocol.RawReceipt) error {
	status, ok := parseReceiptStatus(raw.Type)
	if !ok {
		return fmt.Errorf("unknown receipt type %q", raw.Type)
	}
	chatJID := n.resolver.Resolve(raw.ChatJID)
	recipient := n.resolver.Resolve(raw.RecipientJID)

	for _, id := range raw.MessageIDs {
		receipt := domain.Receipt{
			MessageID:    id,
			ChatJID:      chatJID,
			RecipientJID: recipient,
			Status:       status,
			Timestamp:    raw.Timestamp.UTC(),
		}
		if err := n.store.UpsertReceipt(ctx, receipt); err != nil {
			return fmt.Errorf("upsert receipt %s/%s: %w", id, recipient, err)
		}
	}

	n.hub.Publish(domain.NewEvent(domain.EventReceiptsUpdate, map[string]interface{}{
		"chat_jid":    chatJID,
		"message_ids": raw.MessageIDs,
		"recipient":   recipient,
		"status":      status.String(),
	}))
	return nil
}

func parseReceiptStatus(s string) (domain.ReceiptStatus, bool) {
	switch s {
	case "sent":
		return domain.ReceiptSent, true
	case "delivered":
		return domain.ReceiptDelivered, true
	case "read":
		return domain.ReceiptRead, true
	case "played":
		return domain.ReceiptPlayed, true
	}
	return 0, false
}

// HandlePresence appends one presence observation. Append-only, no upsert.
func (n *Normalizer) HandlePresence(ctx context.Context, raw *protocol.RawPresence) error {
	entry := domain.PresenceEntry{
		JID:       n.resolver.Resolve(raw.JID),
		State:     raw.State,
		Timestamp: raw.Timestamp.UTC(),
	}
	if err := n.store.AppendPresence(ctx, entry); err != nil {
		return fmt.Errorf("append presence: %w", err)
	}
	n.hub.Publish(domain.NewEvent(domain.EventPresenceUpdate, entry))
	return nil
}

// HandleCall appends one call log row.
func (n *Normalizer) HandleCall(ctx context.Context, raw *protocol.RawCall) error {
	entry := domain.CallEntry{
		ID:        raw.ID,
		ChatJID:   n.resolver.Resolve(raw.ChatJID),
		CallerJID: n.resolver.Resolve(raw.CallerJID),
		Status:    raw.Status,
		IsVideo:   raw.IsVideo,
		Timestamp: raw.Timestamp.UTC(),
	}
	if err := n.store.AppendCall(ctx, entry); err != nil {
		return fmt.Errorf("append call: %w", err)
	}
	n.hub.Publish(domain.NewEvent(domain.EventCallsUpsert, entry))
	return nil
}

// HandleConnection republishes session connectivity transitions on the hub.
func (n *Normalizer) HandleConnection(raw *protocol.RawConnectionUpdate) {
	data := map[string]interface{}{"state": raw.State}
	if raw.Error != "" {
		data["error"] = raw.Error
	}
	switch raw.State {
	case "open":
		n.hub.Publish(domain.NewEvent(domain.EventConnectionOpen, data))
	case "closed":
		n.hub.Publish(domain.NewEvent(domain.EventConnectionClosed, data))
	}
}

// Package protocol defines the boundary to the messaging session library.
// The session is an external collaborator: an opaque event source with a
// subscribe-by-name interface plus a small set of action verbs. wabridge
// never performs the protocol handshake itself.
package protocol

import (
	"context"
	"time"
)

// Event stream names the session emits on.
const (
	EventMessagesUpsert = "messages.upsert"
	EventMessagesUpdate = "messages.update"
	EventMessagesDelete = "messages.delete"
	EventReceipts       = "message-receipt.update"
	EventPresence       = "presence.update"
	EventCalls          = "call"
	EventConnection     = "connection.update"
)

// Session is the opaque protocol session. Handlers receive the raw payload
// for the stream they subscribed to and must type-assert it.
type Session interface {
	// On registers a handler for a named event stream.
	On(event string, handler func(payload interface{}))
	// SendMessage sends a text message and returns the provider message id.
	SendMessage(ctx context.Context, chatJID, text string) (string, error)
	// FetchGroupMetadata resolves full metadata for a group chat.
	FetchGroupMetadata(ctx context.Context, groupJID string) (*GroupMetadata, error)
	// DownloadMedia fetches the ciphertext for an attachment reference and
	// returns the decrypted bytes.
	DownloadMedia(ctx context.Context, ref MediaRef) ([]byte, error)
}

// MediaRef is everything needed to retrieve one attachment later.
type MediaRef struct {
	DirectPath string `json:"direct_path"`
	MediaKey   []byte `json:"media_key"`
	FileSHA256 []byte `json:"file_sha256"`
	MimeType   string `json:"mime_type"`
	FileName   string `json:"file_name"`
	Size       int64  `json:"size"`
}

// RawExtendedText is the extended-text sub-payload (link previews, quotes).
type RawExtendedText struct {
	Text     string `json:"text"`
	QuotedID string `json:"quoted_id"`
}

// RawAttachment is the common shape of image/video/audio/document/sticker
// sub-payloads.
type RawAttachment struct {
	Caption string   `json:"caption"`
	Ref     MediaRef `json:"ref"`
}

// RawContactCard is a shared-contact sub-payload.
type RawContactCard struct {
	DisplayName string `json:"display_name"`
	VCard       string `json:"vcard"`
}

// RawLocation is a location sub-payload.
type RawLocation struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name"`
}

// RawReaction is a reaction sub-payload referencing an earlier message.
type RawReaction struct {
	TargetID string `json:"target_id"`
	Emoji    string `json:"emoji"` // empty emoji removes the reaction
}

// RawPoll is a poll-creation sub-payload.
type RawPoll struct {
	Question string   `json:"question"`
	Options  []string `json:"options"`
}

// RawProtocolOp is an internal protocol-control sub-payload. Classified but
// never persisted as user content.
type RawProtocolOp struct {
	Op string `json:"op"` // e.g. "history-sync", "app-state-key-share", "ephemeral-setting"
}

// RawMessage is the loosely-typed message payload as the session delivers
// it. Exactly one sub-field is normally set; classification probes them in
// a fixed priority order.
type RawMessage struct {
	ID           string    `json:"id"`
	ChatJID      string    `json:"chat_jid"`
	SenderJID    string    `json:"sender_jid"`
	SenderAltJID string    `json:"sender_alt_jid"` // alternate addressing form seen on the same envelope
	FromMe       bool      `json:"from_me"`
	PushName     string    `json:"push_name"`
	Timestamp    time.Time `json:"timestamp"`

	Conversation string           `json:"conversation"` // plain text body
	ExtendedText *RawExtendedText `json:"extended_text"`
	Image        *RawAttachment   `json:"image"`
	Video        *RawAttachment   `json:"video"`
	Audio        *RawAttachment   `json:"audio"`
	Document     *RawAttachment   `json:"document"`
	Sticker      *RawAttachment   `json:"sticker"`
	ContactCard  *RawContactCard  `json:"contact_card"`
	Location     *RawLocation     `json:"location"`
	Reaction     *RawReaction     `json:"reaction"`
	Poll         *RawPoll         `json:"poll"`
	ProtocolOp   *RawProtocolOp   `json:"protocol_op"`
}

// RawMessageUpdate is an in-place edit or star-flag change for an existing
// message.
type RawMessageUpdate struct {
	ChatJID   string    `json:"chat_jid"`
	ID        string    `json:"id"`
	NewText   string    `json:"new_text"`
	Starred   *bool     `json:"starred"` // nil when the update is a body edit
	Timestamp time.Time `json:"timestamp"`
}

// RawMessageDelete is a revocation (delete-for-everyone) marker.
type RawMessageDelete struct {
	ChatJID   string    `json:"chat_jid"`
	ID        string    `json:"id"`
	SenderJID string    `json:"sender_jid"`
	Timestamp time.Time `json:"timestamp"`
}

// RawReceipt acknowledges one or more messages for a single recipient.
type RawReceipt struct {
	ChatJID      string    `json:"chat_jid"`
	MessageIDs   []string  `json:"message_ids"`
	RecipientJID string    `json:"recipient_jid"`
	Type         string    `json:"type"` // sent, delivered, read, played
	Timestamp    time.Time `json:"timestamp"`
}

// RawPresence is a presence state change.
type RawPresence struct {
	JID       string    `json:"jid"`
	State     string    `json:"state"` // available, unavailable, composing, recording, paused
	Timestamp time.Time `json:"timestamp"`
}

// RawCall is a call lifecycle notification.
type RawCall struct {
	ID        string    `json:"id"`
	ChatJID   string    `json:"chat_jid"`
	CallerJID string    `json:"caller_jid"`
	Status    string    `json:"status"` // offer, accept, reject, timeout
	IsVideo   bool      `json:"is_video"`
	Timestamp time.Time `json:"timestamp"`
}

// RawConnectionUpdate reports session connectivity transitions.
type RawConnectionUpdate struct {
	State string `json:"state"` // open, closed, connecting
	Error string `json:"error"`
}

// GroupMetadata is the result of a FetchGroupMetadata verb.
type GroupMetadata struct {
	JID          string    `json:"jid"`
	Subject      string    `json:"subject"`
	OwnerJID     string    `json:"owner_jid"`
	Participants []string  `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

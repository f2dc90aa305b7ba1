package domain

import "time"

// MessageKind is the coarse type tag assigned by classification. Exactly one
// kind per message, chosen by a fixed priority order.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindVideo    MessageKind = "video"
	KindAudio    MessageKind = "audio"
	KindDocument MessageKind = "document"
	KindSticker  MessageKind = "sticker"
	KindContact  MessageKind = "contact"
	KindLocation MessageKind = "location"
	KindReaction MessageKind = "reaction"
	KindPoll     MessageKind = "poll"
	KindProtocol MessageKind = "protocol" // internal acks, dropped before persistence
	KindUnknown  MessageKind = "unknown"
)

// Message is the canonical message record. Keyed by the provider-assigned
// message id, which is unique per chat but not globally.
type Message struct {
	ID        string      `json:"id"`
	ChatJID   string      `json:"chat_jid"`
	SenderJID string      `json:"sender_jid"`
	SenderAlt string      `json:"sender_alt,omitempty"` // alternate identity seen on the same event
	FromMe    bool        `json:"from_me"`
	Kind      MessageKind `json:"kind"`
	Body      string      `json:"body,omitempty"`
	QuotedID  string      `json:"quoted_id,omitempty"`
	MediaID   string      `json:"media_id,omitempty"`
	HasMedia  bool        `json:"has_media"`
	IsEdited  bool        `json:"is_edited"`
	IsDeleted bool        `json:"is_deleted"` // monotonic: once set, stays set
	IsStarred bool        `json:"is_starred"`
	Timestamp time.Time   `json:"timestamp"`
	DeletedAt *time.Time  `json:"deleted_at,omitempty"`
}

// Chat is per-conversation metadata kept current by the normalizer.
type Chat struct {
	JID         string    `json:"jid"`
	Name        string    `json:"name,omitempty"`
	LastMessage string    `json:"last_message,omitempty"`
	LastAt      time.Time `json:"last_at"`
	UnreadCount int       `json:"unread_count"`
	IsGroup     bool      `json:"is_group"`
}

// Contact is a known correspondent. PushName is the self-reported display
// name observed on inbound traffic.
type Contact struct {
	JID      string `json:"jid"`
	PushName string `json:"push_name,omitempty"`
	FullName string `json:"full_name,omitempty"`
}

// Group is group-chat metadata. A stub row (subject empty) is created the
// first time a group chat is seen; the full row arrives from an async
// metadata refresh.
type Group struct {
	JID          string    `json:"jid"`
	Subject      string    `json:"subject,omitempty"`
	OwnerJID     string    `json:"owner_jid,omitempty"`
	Participants int       `json:"participants"`
	CreatedAt    time.Time `json:"created_at"`
}

// ReceiptStatus orders delivery acknowledgements. A receipt row only ever
// advances; a late or duplicate lower status is ignored.
type ReceiptStatus int

const (
	ReceiptSent ReceiptStatus = iota + 1
	ReceiptDelivered
	ReceiptRead
	ReceiptPlayed
)

// String returns the wire name of the status.
func (s ReceiptStatus) String() string {
	switch s {
	case ReceiptSent:
		return "sent"
	case ReceiptDelivered:
		return "delivered"
	case ReceiptRead:
		return "read"
	case ReceiptPlayed:
		return "played"
	}
	return "unknown"
}

// Receipt is a delivery acknowledgement, composite-keyed by message and
// recipient.
type Receipt struct {
	MessageID    string        `json:"message_id"`
	ChatJID      string        `json:"chat_jid"`
	RecipientJID string        `json:"recipient_jid"`
	Status       ReceiptStatus `json:"status"`
	Timestamp    time.Time     `json:"timestamp"`
}

// MediaStatus is the lifecycle of an attachment download.
type MediaStatus string

const (
	MediaPending    MediaStatus = "pending"
	MediaDownloaded MediaStatus = "downloaded"
	MediaFailed     MediaStatus = "failed"
	MediaSkipped    MediaStatus = "skipped"
)

// MediaItem tracks one attachment referenced by a message. The download
// queue is the only writer of terminal statuses.
type MediaItem struct {
	ID           string      `json:"id"`
	MessageID    string      `json:"message_id"`
	ChatJID      string      `json:"chat_jid"`
	MimeType     string      `json:"mime_type,omitempty"`
	DeclaredSize int64       `json:"declared_size"`
	Status       MediaStatus `json:"status"`
	StatusReason string      `json:"status_reason,omitempty"`
	FilePath     string      `json:"file_path,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// PresenceEntry is one append-only presence observation; never upserted.
type PresenceEntry struct {
	JID       string    `json:"jid"`
	State     string    `json:"state"` // available, unavailable, composing, recording, paused
	Timestamp time.Time `json:"timestamp"`
}

// CallEntry is one append-only call log row.
type CallEntry struct {
	ID        string    `json:"id"`
	ChatJID   string    `json:"chat_jid"`
	CallerJID string    `json:"caller_jid"`
	Status    string    `json:"status"` // offer, accept, reject, timeout
	IsVideo   bool      `json:"is_video"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookSubscription is a registered remote HTTP consumer. EventFilter is
// "*" or a comma-separated list of event type prefixes.
type WebhookSubscription struct {
	ID          string    `json:"id"`
	URL         string    `json:"url"`
	Secret      string    `json:"secret,omitempty"`
	EventFilter string    `json:"event_filter"`
	Active      bool      `json:"active"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

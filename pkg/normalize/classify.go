// Package normalize converts raw, variant-shaped protocol payloads into the
// canonical record kinds the rest of the pipeline consumes.
package normalize

import (
	"github.com/meridianlab/wabridge/pkg/domain"
	"github.com/meridianlab/wabridge/pkg/protocol"
)

// Content is the closed set of classified message payloads. Exactly one
// variant is produced per raw message.
type Content interface {
	Kind() domain.MessageKind
}

// TextContent is plain or extended text.
type TextContent struct {
	Body     string
	QuotedID string
}

// MediaContent covers image, video, audio, document and sticker payloads.
type MediaContent struct {
	MediaKind domain.MessageKind
	Caption   string
	Ref       protocol.MediaRef
}

// ContactContent is a shared contact card.
type ContactContent struct {
	DisplayName string
	VCard       string
}

// LocationContent is a shared location.
type LocationContent struct {
	Latitude  float64
	Longitude float64
	Name      string
}

// ReactionContent references an earlier message. An empty emoji clears it.
type ReactionContent struct {
	TargetID string
	Emoji    string
}

// PollContent is a poll creation.
type PollContent struct {
	Question string
	Options  []string
}

// ProtocolContent is an internal protocol-control payload. It is classified
// like everything else but dropped before persistence.
type ProtocolContent struct {
	Op string
}

// UnknownContent is anything classification could not place.
type UnknownContent struct{}

func (TextContent) Kind() domain.MessageKind     { return domain.KindText }
func (c MediaContent) Kind() domain.MessageKind  { return c.MediaKind }
func (ContactContent) Kind() domain.MessageKind  { return domain.KindContact }
func (LocationContent) Kind() domain.MessageKind { return domain.KindLocation }
func (ReactionContent) Kind() domain.MessageKind { return domain.KindReaction }
func (PollContent) Kind() domain.MessageKind     { return domain.KindPoll }
func (ProtocolContent) Kind() domain.MessageKind { return domain.KindProtocol }
func (UnknownContent) Kind() domain.MessageKind  { return domain.KindUnknown }

// Classify assigns exactly one content variant to a raw message, probing
// sub-fields in fixed priority order: text > image > video > audio >
// document > sticker > contact > location > reaction > poll > protocol.
// Re-classifying the identical payload always yields the identical variant.
func Classify(raw *protocol.RawMessage) Content {
	switch {
	case raw.Conversation != "":
		return TextContent{Body: raw.Conversation}
	case raw.ExtendedText != nil:
		return TextContent{Body: raw.ExtendedText.Text, QuotedID: raw.ExtendedText.QuotedID}
	case raw.Image != nil:
		return MediaContent{MediaKind: domain.KindImage, Caption: raw.Image.Caption, Ref: raw.Image.Ref}
	case raw.Video != nil:
		return MediaContent{MediaKind: domain.KindVideo, Caption: raw.Video.Caption, Ref: raw.Video.Ref}
	case raw.Audio != nil:
		return MediaContent{MediaKind: domain.KindAudio, Ref: raw.Audio.Ref}
	case raw.Document != nil:
		return MediaContent{MediaKind: domain.KindDocument, Caption: raw.Document.Caption, Ref: raw.Document.Ref}
	case raw.Sticker != nil:
		return MediaContent{MediaKind: domain.KindSticker, Ref: raw.Sticker.Ref}
	case raw.ContactCard != nil:
		return ContactContent{DisplayName: raw.ContactCard.DisplayName, VCard: raw.ContactCard.VCard}
	case raw.Location != nil:
		return LocationContent{Latitude: raw.Location.Latitude, Longitude: raw.Location.Longitude, Name: raw.Location.Name}
	case raw.Reaction != nil:
		return ReactionContent{TargetID: raw.Reaction.TargetID, Emoji: raw.Reaction.Emoji}
	case raw.Poll != nil:
		return PollContent{Question: raw.Poll.Question, Options: raw.Poll.Options}
	case raw.ProtocolOp != nil:
		return ProtocolContent{Op: raw.ProtocolOp.Op}
	default:
		return UnknownContent{}
	}
}

// bodyText extracts the best-effort plain-text body for a variant: plain
// text first, then extended text, then the type-specific caption.
func bodyText(c Content) string {
	switch v := c.(type) {
	case TextContent:
		return v.Body
	case MediaContent:
		return v.Caption
	case ContactContent:
		return v.DisplayName
	case LocationContent:
		return v.Name
	case ReactionContent:
		return v.Emoji
	case PollContent:
		return v.Question
	default:
		return ""
	}
}

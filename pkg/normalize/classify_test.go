package normalize

import (
	"testing"

	"github.com/meridianlab/wabridge/pkg/domain"
	"github.com/meridianlab/wabridge/pkg/protocol"
)

// TestClassifyVariants verifies each sub-payload maps to its content kind
func TestClassifyVariants(t *testing.T) {
	tests := []struct {
		name string
		raw  protocol.RawMessage
		want domain.MessageKind
	}{
		{"plain text", protocol.RawMessage{Conversation: "hi"}, domain.KindText},
		{"extended text", protocol.RawMessage{ExtendedText: &protocol.RawExtendedText{Text: "hi"}}, domain.KindText},
		{"image", protocol.RawMessage{Image: &protocol.RawAttachment{}}, domain.KindImage},
		{"video", protocol.RawMessage{Video: &protocol.RawAttachment{}}, domain.KindVideo},
		{"audio", protocol.RawMessage{Audio: &protocol.RawAttachment{}}, domain.KindAudio},
		{"document", protocol.RawMessage{Document: &protocol.RawAttachment{}}, domain.KindDocument},
		{"sticker", protocol.RawMessage{Sticker: &protocol.RawAttachment{}}, domain.KindSticker},
		{"contact", protocol.RawMessage{ContactCard: &protocol.RawContactCard{DisplayName: "Ada"}}, domain.KindContact},
		{"location", protocol.RawMessage{Location: &protocol.RawLocation{Name: "HQ"}}, domain.KindLocation},
		{"reaction", protocol.RawMessage{Reaction: &protocol.RawReaction{TargetID: "m1"}}, domain.KindReaction},
		{"poll", protocol.RawMessage{Poll: &protocol.RawPoll{Question: "lunch?"}}, domain.KindPoll},
		{"protocol op", protocol.RawMessage{ProtocolOp: &protocol.RawProtocolOp{Op: "history-sync"}}, domain.KindProtocol},
		{"empty payload", protocol.RawMessage{}, domain.KindUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(&tt.raw).Kind(); got != tt.want {
				t.Errorf("Classify kind = %v, want %v", got, tt.want)
			}
		})
	}
}

// TestClassifyPriorityOrder verifies a payload carrying several sub-fields
// resolves by the fixed probe order, so classification is deterministic
func TestClassifyPriorityOrder(t *testing.T) {
	raw := protocol.RawMessage{
		Conversation: "text wins",
		Image:        &protocol.RawAttachment{Caption: "not me"},
		Reaction:     &protocol.RawReaction{TargetID: "m1"},
	}
	content := Classify(&raw)
	text, ok := content.(TextContent)
	if !ok {
		t.Fatalf("expected TextContent, got %T", content)
	}
	if text.Body != "text wins" {
		t.Errorf("Body = %q", text.Body)
	}

	// Same payload again yields the identical variant.
	if again := Classify(&raw); again != content {
		t.Errorf("re-classification differs: %#v vs %#v", again, content)
	}

	// Without the text fields, the image takes precedence over the reaction.
	raw.Conversation = ""
	media, ok := Classify(&raw).(MediaContent)
	if !ok {
		t.Fatalf("expected MediaContent, got %T", Classify(&raw))
	}
	if media.MediaKind != domain.KindImage {
		t.Errorf("MediaKind = %v, want image", media.MediaKind)
	}
}

// TestBodyText verifies plain-text extraction per variant
func TestBodyText(t *testing.T) {
	tests := []struct {
		name    string
		content Content
		want    string
	}{
		{"text", TextContent{Body: "hello"}, "hello"},
		{"media caption", MediaContent{MediaKind: domain.KindImage, Caption: "pic"}, "pic"},
		{"contact name", ContactContent{DisplayName: "Ada"}, "Ada"},
		{"location name", LocationContent{Name: "HQ"}, "HQ"},
		{"reaction emoji", ReactionContent{Emoji: "❤"}, "❤"},
		{"poll question", PollContent{Question: "lunch?"}, "lunch?"},
		{"unknown", UnknownContent{}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := bodyText(tt.content); got != tt.want {
				t.Errorf("bodyText = %q, want %q", got, tt.want)
			}
		})
	}
}

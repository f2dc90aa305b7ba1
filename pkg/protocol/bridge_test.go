package protocol

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

// TestDecodeEvent verifies each stream name decodes to its typed payload.
func TestDecodeEvent(t *testing.T) {
	tests := []struct {
		name  string
		event string
		data  string
		check func(t *testing.T, payload interface{})
	}{
		{
			name:  "upsert batch",
			event: EventMessagesUpsert,
			data:  `[{"id":"M1","chat_jid":"c@g.us"},{"id":"M2","chat_jid":"c@g.us"}]`,
			check: func(t *testing.T, payload interface{}) {
				batch, ok := payload.([]*RawMessage)
				if !ok || len(batch) != 2 || batch[0].ID != "M1" {
					t.Errorf("payload = %#v", payload)
				}
			},
		},
		{
			name:  "upsert single object",
			event: EventMessagesUpsert,
			data:  `{"id":"M1","chat_jid":"c@g.us","push_name":"Ada"}`,
			check: func(t *testing.T, payload interface{}) {
				msg, ok := payload.(*RawMessage)
				if !ok || msg.ID != "M1" || msg.PushName != "Ada" {
					t.Errorf("payload = %#v", payload)
				}
			},
		},
		{
			name:  "update",
			event: EventMessagesUpdate,
			data:  `{"id":"M1","chat_jid":"c@g.us","new_text":"fixed"}`,
			check: func(t *testing.T, payload interface{}) {
				if u, ok := payload.(*RawMessageUpdate); !ok || u.NewText != "fixed" {
					t.Errorf("payload = %#v", payload)
				}
			},
		},
		{
			name:  "receipt",
			event: EventReceipts,
			data:  `{"chat_jid":"c@g.us","type":"read","message_ids":["M1","M2"]}`,
			check: func(t *testing.T, payload interface{}) {
				if r, ok := payload.(*RawReceipt); !ok || r.Type != "read" || len(r.MessageIDs) != 2 {
					t.Errorf("payload = %#v", payload)
				}
			},
		},
		{
			name:  "connection",
			event: EventConnection,
			data:  `{"state":"open"}`,
			check: func(t *testing.T, payload interface{}) {
				if c, ok := payload.(*RawConnectionUpdate); !ok || c.State != "open" {
					t.Errorf("payload = %#v", payload)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload, err := decodeEvent(tt.event, json.RawMessage(tt.data))
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			tt.check(t, payload)
		})
	}

	if _, err := decodeEvent("groups.mystery", json.RawMessage(`{}`)); err == nil {
		t.Error("unknown stream should not decode")
	}
}

// bridgeStub is a loopback stand-in for the protocol client process. It
// pushes one connection.update on attach and answers verbs from the reply
// table.
type bridgeStub struct {
	upgrader websocket.Upgrader
	replies  map[string]string // verb -> data JSON; "!" prefix means error
	server   *httptest.Server

	connsMu sync.Mutex
	conns   []*websocket.Conn
}

func newBridgeStub(t *testing.T, replies map[string]string) *bridgeStub {
	t.Helper()
	stub := &bridgeStub{replies: replies}
	stub.server = httptest.NewServer(http.HandlerFunc(stub.handle))
	t.Cleanup(stub.server.Close)
	return stub
}

// closeClientConnections severs the upgraded WebSocket connections.
// httptest's CloseClientConnections cannot do this: the server stops
// tracking a connection once the upgrade hijacks it.
func (b *bridgeStub) closeClientConnections() {
	b.connsMu.Lock()
	defer b.connsMu.Unlock()
	for _, c := range b.conns {
		c.Close()
	}
	b.conns = nil
}

func (b *bridgeStub) url() string {
	return "ws" + strings.TrimPrefix(b.server.URL, "http")
}

func (b *bridgeStub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := b.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	b.connsMu.Lock()
	b.conns = append(b.conns, conn)
	b.connsMu.Unlock()

	conn.WriteJSON(frame{Event: EventConnection, Data: json.RawMessage(`{"state":"open"}`)})
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return
		}
		reply, ok := b.replies[f.Verb]
		if !ok {
			conn.WriteJSON(frame{Seq: f.Seq, Error: "unknown verb"})
			continue
		}
		if strings.HasPrefix(reply, "!") {
			conn.WriteJSON(frame{Seq: f.Seq, Error: strings.TrimPrefix(reply, "!")})
			continue
		}
		conn.WriteJSON(frame{Seq: f.Seq, Data: json.RawMessage(reply)})
	}
}

func dialStub(t *testing.T, stub *bridgeStub) (*BridgeSession, chan interface{}) {
	t.Helper()
	s := Dial(stub.url())
	connected := make(chan interface{}, 8)
	s.On(EventConnection, func(payload interface{}) { connected <- payload })

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go s.Run(ctx)

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("session never connected")
	}
	return s, connected
}

// TestBridgeVerbRoundTrip verifies a verb is sequenced, answered, and its
// reply decoded.
func TestBridgeVerbRoundTrip(t *testing.T) {
	stub := newBridgeStub(t, map[string]string{
		"send_message": `{"message_id":"3EB0A9C1"}`,
	})
	s, _ := dialStub(t, stub)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	id, err := s.SendMessage(ctx, "15551234567@s.whatsapp.net", "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if id != "3EB0A9C1" {
		t.Errorf("message id = %q", id)
	}
}

// TestBridgeVerbError verifies an error reply surfaces as an error naming
// the verb.
func TestBridgeVerbError(t *testing.T) {
	stub := newBridgeStub(t, map[string]string{
		"send_message": "!not connected to phone",
	})
	s, _ := dialStub(t, stub)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := s.SendMessage(ctx, "15551234567@s.whatsapp.net", "hello")
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "send_message") || !strings.Contains(err.Error(), "not connected") {
		t.Errorf("error = %v", err)
	}
}

// TestBridgeVerbWithoutConnection verifies verbs fail fast before Run has
// established the transport.
func TestBridgeVerbWithoutConnection(t *testing.T) {
	s := Dial("ws://127.0.0.1:1/session")
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := s.SendMessage(ctx, "c@s.whatsapp.net", "x"); err == nil {
		t.Fatal("expected error while disconnected")
	}
}

// TestFailPendingAbandonedWaiter verifies failing the in-flight verbs does
// not block on an entry whose caller already received a reply or gave up,
// and leaves the pending map usable afterwards.
func TestFailPendingAbandonedWaiter(t *testing.T) {
	s := Dial("ws://127.0.0.1:1/session")

	// A reply already sits in the buffer; nobody will ever drain it.
	ch := make(chan frame, 1)
	ch <- frame{Seq: 7, Data: json.RawMessage(`{}`)}
	s.pendingMu.Lock()
	s.pending[7] = ch
	s.pendingMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.failPending(nil)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("failPending blocked on a full waiter buffer")
	}

	locked := make(chan struct{})
	go func() {
		s.pendingMu.Lock()
		s.pendingMu.Unlock()
		close(locked)
	}()
	select {
	case <-locked:
	case <-time.After(time.Second):
		t.Fatal("pendingMu still held after failPending returned")
	}
}

// TestBridgeSynthesizesClosed verifies transport loss is surfaced as a
// closed connection.update even though the peer sent none.
func TestBridgeSynthesizesClosed(t *testing.T) {
	stub := newBridgeStub(t, nil)
	_, connected := dialStub(t, stub)

	stub.closeClientConnections()

	select {
	case payload := <-connected:
		upd, ok := payload.(*RawConnectionUpdate)
		if !ok || upd.State != "closed" {
			t.Errorf("payload = %#v, want closed transition", payload)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no closed transition observed")
	}
}

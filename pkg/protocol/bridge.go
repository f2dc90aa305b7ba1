package protocol

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meridianlab/wabridge/pkg/logger"
)

// frame is the wire envelope shared by both directions. Exactly one of
// Event (upstream push) or Verb (our request) is set on outbound frames;
// replies carry the Seq of the request they answer.
type frame struct {
	Seq   uint64          `json:"seq,omitempty"`
	Event string          `json:"event,omitempty"`
	Verb  string          `json:"verb,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error string          `json:"error,omitempty"`
}

// BridgeSession is the Session implementation speaking newline-free JSON
// frames over a local WebSocket to the protocol client process. The client
// owns the handshake and encryption; we only consume its event streams and
// issue verbs.
type BridgeSession struct {
	url string

	connMu sync.Mutex
	conn   *websocket.Conn

	handlerMu sync.RWMutex
	handlers  map[string][]func(payload interface{})

	pendingMu sync.Mutex
	pending   map[uint64]chan frame

	seq atomic.Uint64
}

// Compile-time verification that BridgeSession implements Session.
var _ Session = (*BridgeSession)(nil)

// Dial creates a session bound to the bridge endpoint. The connection is
// established by Run; verbs fail until it is up.
func Dial(url string) *BridgeSession {
	return &BridgeSession{
		url:      url,
		handlers: make(map[string][]func(payload interface{})),
		pending:  make(map[uint64]chan frame),
	}
}

// On registers a handler for a named event stream. Handlers run on the read
// loop goroutine, in arrival order.
func (s *BridgeSession) On(event string, handler func(payload interface{})) {
	s.handlerMu.Lock()
	s.handlers[event] = append(s.handlers[event], handler)
	s.handlerMu.Unlock()
}

// Run connects to the bridge and pumps frames until ctx is cancelled,
// redialing with capped backoff after transport loss.
func (s *BridgeSession) Run(ctx context.Context) {
	backoff := time.Second
	for {
		if ctx.Err() != nil {
			return
		}

		conn, _, err := websocket.DefaultDialer.DialContext(ctx, s.url, nil)
		if err != nil {
			logger.WarnCF("bridge", "Dial failed", map[string]interface{}{
				"url":   s.url,
				"error": err.Error(),
				"retry": backoff.String(),
			})
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		s.connMu.Lock()
		s.conn = conn
		s.connMu.Unlock()
		logger.InfoCF("bridge", "Connected", map[string]interface{}{"url": s.url})

		err = s.readLoop(ctx, conn)

		s.connMu.Lock()
		s.conn = nil
		s.connMu.Unlock()
		conn.Close()
		s.failPending(err)

		if ctx.Err() != nil {
			return
		}
		logger.WarnCF("bridge", "Connection lost", map[string]interface{}{
			"error": errString(err),
		})
		// Synthesize a closed transition so downstream consumers see the gap
		// even when the client process died without sending one.
		s.dispatch(EventConnection, &RawConnectionUpdate{State: "closed", Error: errString(err)})
	}
}

func (s *BridgeSession) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			return err
		}
		switch {
		case f.Event != "":
			payload, err := decodeEvent(f.Event, f.Data)
			if err != nil {
				logger.WarnCF("bridge", "Undecodable event frame", map[string]interface{}{
					"event": f.Event,
					"error": err.Error(),
				})
				continue
			}
			s.dispatch(f.Event, payload)
		case f.Seq != 0:
			s.pendingMu.Lock()
			ch, ok := s.pending[f.Seq]
			s.pendingMu.Unlock()
			if ok {
				select {
				case ch <- f:
				default:
				}
			}
		}
	}
}

func (s *BridgeSession) dispatch(event string, payload interface{}) {
	s.handlerMu.RLock()
	hs := s.handlers[event]
	s.handlerMu.RUnlock()
	for _, h := range hs {
		h(payload)
	}
}

func (s *BridgeSession) failPending(err error) {
	s.pendingMu.Lock()
	for seq, ch := range s.pending {
		// Non-blocking: the buffer holds one frame, and a waiter that
		// already received its reply or gave up must not wedge this loop
		// while it holds pendingMu.
		select {
		case ch <- frame{Seq: seq, Error: "bridge disconnected: " + errString(err)}:
		default:
		}
	}
	s.pendingMu.Unlock()
}

// decodeEvent maps a stream name to its typed payload. messages.upsert
// arrives either as a batch or a single object.
func decodeEvent(event string, data json.RawMessage) (interface{}, error) {
	switch event {
	case EventMessagesUpsert:
		var batch []*RawMessage
		if err := json.Unmarshal(data, &batch); err == nil {
			return batch, nil
		}
		var one RawMessage
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, err
		}
		return &one, nil
	case EventMessagesUpdate:
		var v RawMessageUpdate
		return &v, json.Unmarshal(data, &v)
	case EventMessagesDelete:
		var v RawMessageDelete
		return &v, json.Unmarshal(data, &v)
	case EventReceipts:
		var v RawReceipt
		return &v, json.Unmarshal(data, &v)
	case EventPresence:
		var v RawPresence
		return &v, json.Unmarshal(data, &v)
	case EventCalls:
		var v RawCall
		return &v, json.Unmarshal(data, &v)
	case EventConnection:
		var v RawConnectionUpdate
		return &v, json.Unmarshal(data, &v)
	}
	return nil, fmt.Errorf("unknown event stream %q", event)
}

// call sends one verb frame and waits for the matching reply.
func (s *BridgeSession) call(ctx context.Context, verb string, params interface{}) (json.RawMessage, error) {
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("bridge not connected")
	}

	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	seq := s.seq.Add(1)
	ch := make(chan frame, 1)

	s.pendingMu.Lock()
	s.pending[seq] = ch
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, seq)
		s.pendingMu.Unlock()
	}()

	s.connMu.Lock()
	err = conn.WriteJSON(frame{Seq: seq, Verb: verb, Data: data})
	s.connMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write %s: %w", verb, err)
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case reply := <-ch:
		if reply.Error != "" {
			return nil, fmt.Errorf("%s: %s", verb, reply.Error)
		}
		return reply.Data, nil
	}
}

// SendMessage sends a text message through the client.
func (s *BridgeSession) SendMessage(ctx context.Context, chatJID, text string) (string, error) {
	data, err := s.call(ctx, "send_message", map[string]string{
		"chat_jid": chatJID,
		"text":     text,
	})
	if err != nil {
		return "", err
	}
	var reply struct {
		MessageID string `json:"message_id"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return "", fmt.Errorf("send_message reply: %w", err)
	}
	return reply.MessageID, nil
}

// FetchGroupMetadata resolves full metadata for a group chat.
func (s *BridgeSession) FetchGroupMetadata(ctx context.Context, groupJID string) (*GroupMetadata, error) {
	data, err := s.call(ctx, "fetch_group_metadata", map[string]string{
		"group_jid": groupJID,
	})
	if err != nil {
		return nil, err
	}
	var meta GroupMetadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("fetch_group_metadata reply: %w", err)
	}
	return &meta, nil
}

// DownloadMedia fetches and decrypts one attachment through the client.
// The ciphertext never crosses this boundary; the client returns plaintext
// base64.
func (s *BridgeSession) DownloadMedia(ctx context.Context, ref MediaRef) ([]byte, error) {
	data, err := s.call(ctx, "download_media", ref)
	if err != nil {
		return nil, err
	}
	var reply struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(data, &reply); err != nil {
		return nil, fmt.Errorf("download_media reply: %w", err)
	}
	return base64.StdEncoding.DecodeString(reply.Data)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

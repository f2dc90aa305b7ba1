// Realtime fanout server: delivers a filtered copy of hub events to live
// WebSocket connections. Each connection walks a fixed lifecycle:
// Connecting → Authenticating → Authenticated → Streaming → Closed.
package api

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/meridianlab/wabridge/pkg/domain"
	"github.com/meridianlab/wabridge/pkg/logger"
)

// Close codes distinguish why the server refused or dropped a connection.
const (
	CloseTooManyConnections = 4429
	CloseUnauthorized       = 4401
)

// Synthetic event sent immediately on entering Streaming, before any real
// traffic.
const eventConnected domain.EventType = "wa.stream.connected"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Subscribers authenticate with a ticket or key; origin is not part of
	// the trust model.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// WSOptions configure the fanout server.
type WSOptions struct {
	MaxConnections   int
	Heartbeat        time.Duration
	APIKey           string
	TicketAuth       bool // ticket mode; false selects the legacy shared key
	AllowLegacyQuery bool // legacy mode may read the key from the query string
}

// WSServer owns all live realtime connections.
type WSServer struct {
	hub     domain.EventBus
	tickets *TicketIssuer
	opts    WSOptions

	live    atomic.Int32
	mu      sync.Mutex
	clients map[*wsClient]struct{}
}

// NewWSServer creates the fanout server.
func NewWSServer(hub domain.EventBus, tickets *TicketIssuer, opts WSOptions) *WSServer {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 30 * time.Second
	}
	return &WSServer{
		hub:     hub,
		tickets: tickets,
		opts:    opts,
		clients: make(map[*wsClient]struct{}),
	}
}

// LiveConnections returns the current connection count.
func (s *WSServer) LiveConnections() int { return int(s.live.Load()) }

// HandleWebSocket upgrades and runs one realtime connection.
func (s *WSServer) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	// Connecting: enforce the ceiling before any authentication work.
	if !s.acquireSlot() {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		closeWith(conn, CloseTooManyConnections, "connection limit reached")
		logger.WarnCF("ws", "Connection rejected, limit reached", map[string]interface{}{
			"limit": s.opts.MaxConnections,
		})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.releaseSlot()
		logger.ErrorCF("ws", "WebSocket upgrade failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	// Authenticating.
	if !s.authenticate(r) {
		closeWith(conn, CloseUnauthorized, "authentication failed")
		s.releaseSlot()
		logger.WarnC("ws", "Connection rejected, authentication failed")
		return
	}

	// Authenticated → Streaming.
	client := &wsClient{
		server: s,
		conn:   conn,
		send:   make(chan []byte, 256),
		done:   make(chan struct{}),
		filter: r.URL.Query().Get("events"),
	}
	s.mu.Lock()
	s.clients[client] = struct{}{}
	s.mu.Unlock()

	client.sendEvent(domain.NewEvent(eventConnected, map[string]interface{}{
		"filter": client.filter,
	}))
	client.unsubscribe = s.hub.SubscribeAll(client.onEvent)

	logger.DebugCF("ws", "Client streaming", map[string]interface{}{
		"filter": client.filter,
		"live":   s.LiveConnections(),
	})

	go client.writePump()
	go client.readPump()
}

// authenticate applies the configured mode. Ticket mode consumes a
// single-use token from the query, falling back to the shared key via
// header only, never via query, so the long-lived credential does not
// leak into logs and history. Legacy mode accepts the shared key
// from header or (if allowed) query.
func (s *WSServer) authenticate(r *http.Request) bool {
	if s.opts.TicketAuth {
		if s.tickets.Consume(r.URL.Query().Get("ticket")) {
			return true
		}
		return tokenValid(headerToken(r), s.opts.APIKey)
	}

	token := headerToken(r)
	if token == "" && s.opts.AllowLegacyQuery {
		token = r.URL.Query().Get("api_key")
	}
	return tokenValid(token, s.opts.APIKey)
}

func (s *WSServer) acquireSlot() bool {
	for {
		n := s.live.Load()
		if int(n) >= s.opts.MaxConnections {
			return false
		}
		if s.live.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (s *WSServer) releaseSlot() { s.live.Add(-1) }

// CloseAll terminates every live connection; used during shutdown after
// the listener stops accepting.
func (s *WSServer) CloseAll() {
	s.mu.Lock()
	clients := make([]*wsClient, 0, len(s.clients))
	for c := range s.clients {
		clients = append(clients, c)
	}
	s.mu.Unlock()
	for _, c := range clients {
		c.teardown()
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	msg := websocket.FormatCloseMessage(code, reason)
	conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	conn.WriteMessage(websocket.CloseMessage, msg)
	conn.Close()
}

// --- Client ---

type wsClient struct {
	server      *WSServer
	conn        *websocket.Conn
	send        chan []byte
	done        chan struct{}
	filter      string
	unsubscribe func()
	closeOnce   sync.Once
	pingAcked   atomic.Bool
}

// onEvent is the scoped hub wildcard handler: forward every event passing
// the client's type-prefix filter, drop when the outbound buffer is full.
func (c *wsClient) onEvent(event domain.Event) {
	if !domain.MatchesFilter(c.filter, event.Type) {
		return
	}
	c.sendEvent(event)
}

func (c *wsClient) sendEvent(event domain.Event) {
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	select {
	case c.send <- data:
	case <-c.done:
	default:
		// Slow consumer; backpressure never reaches the publisher.
	}
}

// teardown is the single exit to Closed: deregister the hub handler and
// the heartbeat exactly once, then decrement the live count.
func (c *wsClient) teardown() {
	c.closeOnce.Do(func() {
		if c.unsubscribe != nil {
			c.unsubscribe()
		}
		c.server.mu.Lock()
		delete(c.server.clients, c)
		c.server.mu.Unlock()
		close(c.done)
		c.conn.Close()
		c.server.releaseSlot()
		logger.DebugCF("ws", "Client closed", map[string]interface{}{
			"live": c.server.LiveConnections(),
		})
	})
}

// readPump discards inbound frames (no inbound protocol is defined beyond
// the handshake) and records heartbeat acknowledgements.
func (c *wsClient) readPump() {
	defer c.teardown()

	c.conn.SetReadLimit(1024)
	c.conn.SetReadDeadline(time.Now().Add(2 * c.server.opts.Heartbeat))
	c.pingAcked.Store(true)
	c.conn.SetPongHandler(func(string) error {
		c.pingAcked.Store(true)
		c.conn.SetReadDeadline(time.Now().Add(2 * c.server.opts.Heartbeat))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// writePump flushes outbound events and drives the heartbeat: when the
// previous probe was not acknowledged by the time the next is due, the
// connection is forcibly terminated.
func (c *wsClient) writePump() {
	ticker := time.NewTicker(c.server.opts.Heartbeat)
	defer func() {
		ticker.Stop()
		c.teardown()
	}()

	for {
		select {
		case <-c.done:
			return
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			if !c.pingAcked.Load() {
				logger.DebugC("ws", "Heartbeat missed, terminating connection")
				return
			}
			c.pingAcked.Store(false)
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

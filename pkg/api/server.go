// wabridge HTTP API server: webhook subscription management, realtime
// stream access and ticket issuance, plus a thin message-send passthrough
// to the protocol session.
package api

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/meridianlab/wabridge/pkg/config"
	"github.com/meridianlab/wabridge/pkg/domain"
	"github.com/meridianlab/wabridge/pkg/logger"
	"github.com/meridianlab/wabridge/pkg/protocol"
)

// WebhookStore is the subscription CRUD surface backing the API.
type WebhookStore interface {
	ListSubscriptions(ctx context.Context) ([]domain.WebhookSubscription, error)
	GetSubscription(ctx context.Context, id string) (*domain.WebhookSubscription, error)
	CreateSubscription(ctx context.Context, sub domain.WebhookSubscription) error
	UpdateSubscription(ctx context.Context, sub domain.WebhookSubscription) error
	DeleteSubscription(ctx context.Context, id string) error
}

// Invalidator is notified after every subscription mutation so cached
// snapshots never go stale.
type Invalidator interface {
	Invalidate()
}

// URLValidator pre-checks a subscription URL at create/update time. The
// dispatcher re-validates before every delivery regardless.
type URLValidator interface {
	Validate(rawURL string) error
}

// Server is the HTTP API server.
type Server struct {
	cfg        *config.Config
	store      WebhookStore
	dispatcher Invalidator
	validator  URLValidator
	session    protocol.Session
	wsServer   *WSServer
	tickets    *TicketIssuer
	startTime  time.Time
	server     *http.Server
}

// NewServer creates the API server instance.
func NewServer(
	cfg *config.Config,
	store WebhookStore,
	dispatcher Invalidator,
	validator URLValidator,
	session protocol.Session,
	hub domain.EventBus,
) *Server {
	// Secure-by-default: auto-generate an API key if none is configured.
	// Random key per session, printed once at startup; set gateway.api_key
	// or WABRIDGE_API_KEY for a persistent key.
	if cfg.Gateway.APIKey == "" {
		raw := make([]byte, 24)
		if _, err := rand.Read(raw); err == nil {
			cfg.Gateway.APIKey = hex.EncodeToString(raw)
			fmt.Printf("\nwabridge API key (session token): %s\n", cfg.Gateway.APIKey)
			fmt.Println("Set gateway.api_key in the config file to make this permanent.")
		}
	}

	tickets := NewTicketIssuer(time.Duration(cfg.WS.TicketTTLSec) * time.Second)
	s := &Server{
		cfg:        cfg,
		store:      store,
		dispatcher: dispatcher,
		validator:  validator,
		session:    session,
		tickets:    tickets,
		startTime:  time.Now(),
	}
	s.wsServer = NewWSServer(hub, tickets, WSOptions{
		MaxConnections:   cfg.WS.MaxConnections,
		Heartbeat:        time.Duration(cfg.WS.HeartbeatSec) * time.Second,
		APIKey:           cfg.Gateway.APIKey,
		TicketAuth:       cfg.WS.TicketAuth,
		AllowLegacyQuery: cfg.WS.AllowLegacyQuery,
	})
	return s
}

// WS exposes the realtime server for shutdown wiring.
func (s *Server) WS() *WSServer { return s.wsServer }

// Start begins listening on the configured host:port.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("/api/health", s.handleHealth)
	mux.HandleFunc("/api/system/status", s.handleSystemStatus)

	mux.HandleFunc("/api/webhooks", s.handleWebhooks)
	mux.HandleFunc("/api/webhooks/", s.handleWebhookByID)

	mux.HandleFunc("/api/messages/send", s.handleSendMessage)

	mux.HandleFunc("/api/ws/ticket", s.handleTicket)
	mux.HandleFunc("/api/ws", s.wsServer.HandleWebSocket)

	addr := fmt.Sprintf("%s:%d", s.cfg.Gateway.Host, s.cfg.Gateway.Port)
	s.server = &http.Server{
		Addr:         addr,
		Handler:      corsMiddleware(authMiddleware(s.cfg.Gateway.APIKey, mux)),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.InfoCF("api", "API server starting", map[string]interface{}{
		"addr": addr,
	})

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("api", "Server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()
	return nil
}

// Stop stops accepting new connections, then closes live realtime
// connections.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.wsServer.CloseAll()
	return err
}

// --- Handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleSystemStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"uptime_seconds":  int(time.Since(s.startTime).Seconds()),
		"ws_connections":  s.wsServer.LiveConnections(),
		"ticket_auth":     s.cfg.WS.TicketAuth,
		"media_auto_down": s.cfg.Media.AutoDownload,
	})
}

// handleTicket is the privileged endpoint minting single-use realtime
// tickets. It sits behind the bearer-token middleware.
func (s *Server) handleTicket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	token, expiresIn := s.tickets.Issue()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"ticket":    token,
		"expiresIn": expiresIn,
	})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "POST required"})
		return
	}
	var req struct {
		ChatJID string `json:"chat_jid"`
		Text    string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.ChatJID == "" || req.Text == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "chat_jid and text required"})
		return
	}
	if _, err := domain.ParseJID(req.ChatJID); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 30*time.Second)
	defer cancel()
	id, err := s.session.SendMessage(ctx, req.ChatJID, req.Text)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message_id": id})
}

// --- Helpers ---

// corsMiddleware allows browser clients on trusted localhost origins.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "http://localhost")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		w.Header().Set("Access-Control-Allow-Credentials", "true")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isAllowedOrigin checks if the origin is a trusted localhost address.
func isAllowedOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func pathID(path, prefix string) string {
	return strings.TrimPrefix(path, prefix)
}

package api

import (
	"crypto/rand"
	"encoding/hex"
	"sync"
	"time"
)

// TicketIssuer mints single-use, time-limited tokens for realtime
// connections. Consumption is atomic check-and-delete: the first attempt
// wins, a second attempt with the same token always fails, even after the
// first connection has closed.
type TicketIssuer struct {
	ttl time.Duration
	now func() time.Time

	mu      sync.Mutex
	tickets map[string]time.Time // token -> expiry
}

// NewTicketIssuer creates an issuer with the given time-to-live.
func NewTicketIssuer(ttl time.Duration) *TicketIssuer {
	return &TicketIssuer{
		ttl:     ttl,
		now:     time.Now,
		tickets: make(map[string]time.Time),
	}
}

// Issue mints a ticket and returns it with its lifetime in seconds.
func (t *TicketIssuer) Issue() (string, int) {
	raw := make([]byte, 24)
	rand.Read(raw)
	token := hex.EncodeToString(raw)

	t.mu.Lock()
	t.sweepLocked()
	t.tickets[token] = t.now().Add(t.ttl)
	t.mu.Unlock()
	return token, int(t.ttl.Seconds())
}

// Consume redeems a ticket. Valid exactly once within its lifetime.
func (t *TicketIssuer) Consume(token string) bool {
	if token == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	expiry, ok := t.tickets[token]
	if !ok {
		return false
	}
	delete(t.tickets, token)
	return t.now().Before(expiry)
}

// sweepLocked drops expired tickets so the map stays small.
func (t *TicketIssuer) sweepLocked() {
	now := t.now()
	for token, expiry := range t.tickets {
		if now.After(expiry) {
			delete(t.tickets, token)
		}
	}
}

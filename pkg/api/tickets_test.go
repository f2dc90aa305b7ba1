package api

import (
	"testing"
	"time"
)

// TestTicketSingleUse verifies a ticket is valid exactly once
func TestTicketSingleUse(t *testing.T) {
	issuer := NewTicketIssuer(30 * time.Second)
	token, expiresIn := issuer.Issue()

	if token == "" {
		t.Fatal("empty ticket")
	}
	if expiresIn != 30 {
		t.Errorf("expiresIn = %d, want 30", expiresIn)
	}
	if !issuer.Consume(token) {
		t.Fatal("first consume failed")
	}
	if issuer.Consume(token) {
		t.Error("ticket consumed twice")
	}
}

// TestTicketUnknownAndEmpty verifies garbage tokens never validate
func TestTicketUnknownAndEmpty(t *testing.T) {
	issuer := NewTicketIssuer(30 * time.Second)
	if issuer.Consume("") {
		t.Error("empty token consumed")
	}
	if issuer.Consume("deadbeef") {
		t.Error("unknown token consumed")
	}
}

// TestTicketExpiry verifies an expired ticket fails and a second attempt
// after expiry fails too
func TestTicketExpiry(t *testing.T) {
	issuer := NewTicketIssuer(30 * time.Second)
	current := time.Now()
	issuer.now = func() time.Time { return current }

	token, _ := issuer.Issue()
	current = current.Add(time.Minute)

	if issuer.Consume(token) {
		t.Error("expired ticket consumed")
	}
	if issuer.Consume(token) {
		t.Error("expired ticket consumed on retry")
	}
}

// TestTicketSweep verifies expired tickets are dropped on the next Issue
func TestTicketSweep(t *testing.T) {
	issuer := NewTicketIssuer(30 * time.Second)
	current := time.Now()
	issuer.now = func() time.Time { return current }

	issuer.Issue()
	issuer.Issue()
	current = current.Add(time.Minute)
	fresh, _ := issuer.Issue()

	issuer.mu.Lock()
	size := len(issuer.tickets)
	issuer.mu.Unlock()
	if size != 1 {
		t.Errorf("ticket map size = %d, want 1 after sweep", size)
	}
	if !issuer.Consume(fresh) {
		t.Error("fresh ticket rejected")
	}
}

// TestTicketsAreUnique verifies issued tokens do not collide
func TestTicketsAreUnique(t *testing.T) {
	issuer := NewTicketIssuer(time.Minute)
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		token, _ := issuer.Issue()
		if seen[token] {
			t.Fatalf("duplicate ticket %q", token)
		}
		seen[token] = true
	}
}

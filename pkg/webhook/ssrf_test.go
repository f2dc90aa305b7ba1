package webhook

import (
	"errors"
	"net"
	"testing"
	"time"
)

// TestGuardCheck verifies the destination policy: scheme, localhost,
// loopback/private/link-local targets, and plain public addresses
func TestGuardCheck(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		blocked bool
	}{
		{"public https", "https://hooks.example.com/wa", false},
		{"public http", "http://93.184.216.34/hook", false},
		{"ftp scheme", "ftp://example.com/hook", true},
		{"missing host", "https:///hook", true},
		{"localhost name", "http://localhost:9000/hook", true},
		{"loopback ip", "http://127.0.0.1/hook", true},
		{"private 10", "http://10.0.0.5/hook", true},
		{"private 192.168", "http://192.168.1.20/hook", true},
		{"link local metadata", "http://169.254.169.254/latest/meta-data", true},
		{"unspecified", "http://0.0.0.0/hook", true},
		{"multicast", "http://224.0.0.1/hook", true},
		{"ipv6 loopback", "http://[::1]/hook", true},
		{"ipv6 public", "http://[2606:2800:220:1:248:1893:25c8:1946]/hook", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			g := NewGuard(time.Minute, false)
			g.lookup = func(host string) ([]net.IP, error) {
				return []net.IP{net.ParseIP("93.184.216.34")}, nil
			}
			err := g.Validate(tt.url)
			if tt.blocked && !errors.Is(err, ErrURLBlocked) {
				t.Errorf("Validate(%q) = %v, want blocked", tt.url, err)
			}
			if !tt.blocked && err != nil {
				t.Errorf("Validate(%q) = %v, want allowed", tt.url, err)
			}
		})
	}
}

// TestGuardDNSRebinding verifies a hostname resolving to a private address
// is blocked even though the name itself looks harmless
func TestGuardDNSRebinding(t *testing.T) {
	g := NewGuard(time.Minute, false)
	g.lookup = func(host string) ([]net.IP, error) {
		return []net.IP{net.ParseIP("93.184.216.34"), net.ParseIP("10.0.0.8")}, nil
	}

	if err := g.Validate("https://rebind.example.com/hook"); !errors.Is(err, ErrURLBlocked) {
		t.Errorf("Validate = %v, want blocked (one resolved IP is private)", err)
	}
}

// TestGuardDNSFailure verifies resolution failures block the delivery
// without panicking
func TestGuardDNSFailure(t *testing.T) {
	g := NewGuard(time.Minute, false)
	g.lookup = func(host string) ([]net.IP, error) {
		return nil, errors.New("NXDOMAIN")
	}
	if err := g.Validate("https://gone.example.com/hook"); !errors.Is(err, ErrURLBlocked) {
		t.Errorf("Validate = %v, want blocked", err)
	}
}

// TestGuardAllowPrivate verifies the development escape hatch skips the
// address checks but still requires a sane URL
func TestGuardAllowPrivate(t *testing.T) {
	g := NewGuard(time.Minute, true)
	if err := g.Validate("http://127.0.0.1:9000/hook"); err != nil {
		t.Errorf("allowPrivate Validate = %v, want nil", err)
	}
	if err := g.Validate("ftp://127.0.0.1/hook"); !errors.Is(err, ErrURLBlocked) {
		t.Errorf("allowPrivate scheme check = %v, want blocked", err)
	}
}

// TestGuardCacheAndInvalidate verifies verdicts are cached for the TTL and
// re-resolved after Invalidate
func TestGuardCacheAndInvalidate(t *testing.T) {
	lookups := 0
	g := NewGuard(time.Minute, false)
	g.lookup = func(host string) ([]net.IP, error) {
		lookups++
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	}

	url := "https://hooks.example.com/wa"
	for i := 0; i < 3; i++ {
		if err := g.Validate(url); err != nil {
			t.Fatalf("Validate: %v", err)
		}
	}
	if lookups != 1 {
		t.Errorf("lookups = %d, want 1 (cached)", lookups)
	}

	g.Invalidate()
	if err := g.Validate(url); err != nil {
		t.Fatalf("Validate after Invalidate: %v", err)
	}
	if lookups != 2 {
		t.Errorf("lookups = %d, want 2 after invalidation", lookups)
	}
}

// TestGuardTTLExpiry verifies an expired verdict is re-resolved
func TestGuardTTLExpiry(t *testing.T) {
	lookups := 0
	current := time.Now()
	g := NewGuard(time.Minute, false)
	g.now = func() time.Time { return current }
	g.lookup = func(host string) ([]net.IP, error) {
		lookups++
		return []net.IP{net.ParseIP("93.184.216.34")}, nil
	}

	url := "https://hooks.example.com/wa"
	g.Validate(url)
	g.Validate(url)
	current = current.Add(2 * time.Minute)
	g.Validate(url)

	if lookups != 2 {
		t.Errorf("lookups = %d, want 2 (one per TTL window)", lookups)
	}
}

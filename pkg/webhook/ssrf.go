package webhook

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"
)

// ErrURLBlocked is wrapped by every SSRF rejection.
var ErrURLBlocked = errors.New("webhook: destination blocked by SSRF policy")

// Guard validates outbound destinations against the SSRF policy. Results
// are cached for a short TTL so the hot delivery path does not pay a DNS
// lookup per event; any subscription mutation invalidates the cache.
type Guard struct {
	ttl          time.Duration
	allowPrivate bool
	lookup       func(host string) ([]net.IP, error)
	now          func() time.Time

	mu    sync.Mutex
	cache map[string]guardEntry
}

type guardEntry struct {
	err error
	at  time.Time
}

// NewGuard creates a guard. allowPrivate disables the private-range checks
// for development setups that deliver to the local network on purpose.
func NewGuard(ttl time.Duration, allowPrivate bool) *Guard {
	return &Guard{
		ttl:          ttl,
		allowPrivate: allowPrivate,
		lookup:       defaultLookup,
		now:          time.Now,
		cache:        make(map[string]guardEntry),
	}
}

func defaultLookup(host string) ([]net.IP, error) {
	return net.LookupIP(host)
}

// Validate checks a destination URL, re-resolving DNS when the cached
// verdict has expired. Called immediately before every delivery, not only
// at subscription time, so rebinding to a private address is caught.
func (g *Guard) Validate(rawURL string) error {
	g.mu.Lock()
	if entry, ok := g.cache[rawURL]; ok && g.now().Sub(entry.at) < g.ttl {
		g.mu.Unlock()
		return entry.err
	}
	g.mu.Unlock()

	err := g.check(rawURL)

	g.mu.Lock()
	g.cache[rawURL] = guardEntry{err: err, at: g.now()}
	g.mu.Unlock()
	return err
}

// Invalidate clears all cached verdicts.
func (g *Guard) Invalidate() {
	g.mu.Lock()
	g.cache = make(map[string]guardEntry)
	g.mu.Unlock()
}

func (g *Guard) check(rawURL string) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("%w: unparseable URL", ErrURLBlocked)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrURLBlocked, u.Scheme)
	}
	host := u.Hostname()
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrURLBlocked)
	}
	if g.allowPrivate {
		return nil
	}
	if strings.EqualFold(host, "localhost") {
		return fmt.Errorf("%w: localhost", ErrURLBlocked)
	}

	var ips []net.IP
	if ip := net.ParseIP(host); ip != nil {
		ips = []net.IP{ip}
	} else {
		resolved, err := g.lookup(host)
		if err != nil {
			// Transient DNS failure: the delivery is skipped, not the
			// subscription rejected.
			return fmt.Errorf("%w: resolve %s: %v", ErrURLBlocked, host, err)
		}
		ips = resolved
	}
	if len(ips) == 0 {
		return fmt.Errorf("%w: %s has no addresses", ErrURLBlocked, host)
	}

	for _, ip := range ips {
		if blockedIP(ip) {
			return fmt.Errorf("%w: %s resolves to %s", ErrURLBlocked, host, ip)
		}
	}
	return nil
}

// blockedIP rejects loopback, private, link-local (incl. cloud metadata
// 169.254.169.254), unspecified and multicast addresses.
func blockedIP(ip net.IP) bool {
	return ip.IsLoopback() ||
		ip.IsPrivate() ||
		ip.IsLinkLocalUnicast() ||
		ip.IsLinkLocalMulticast() ||
		ip.IsUnspecified() ||
		ip.IsMulticast()
}

// Package webhook delivers a filtered, signed copy of hub events to
// registered remote HTTP endpoints. Delivery is best-effort and
// at-most-once: a failed POST is logged and never retried.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meridianlab/wabridge/pkg/domain"
	"github.com/meridianlab/wabridge/pkg/logger"
)

// Delivery headers.
const (
	HeaderEvent     = "X-Hub-Event"
	HeaderTimestamp = "X-Hub-Timestamp"
	HeaderSignature = "X-Hub-Signature"
)

// outboundPrefixes is the allow-list of event namespaces worth sending off
// the box. Everything else stays internal.
var outboundPrefixes = []string{
	"wa.messages",
	"wa.chats",
	"wa.contacts",
	"wa.groups",
	"wa.receipts",
	"wa.presence",
	"wa.calls",
	"wa.connection",
	"wa.media",
}

// SubscriptionStore lists the persisted webhook subscriptions.
type SubscriptionStore interface {
	ListSubscriptions(ctx context.Context) ([]domain.WebhookSubscription, error)
}

// Options configure the dispatcher.
type Options struct {
	QueueSize int
	BatchSize int
	Timeout   time.Duration
}

type task struct {
	sub   domain.WebhookSubscription
	event domain.Event
}

// Dispatcher fans hub events out to webhook subscribers. One bounded queue,
// one delivery loop sending a fixed-size batch concurrently per cycle.
type Dispatcher struct {
	store  SubscriptionStore
	guard  *Guard
	client *http.Client
	opts   Options
	tasks  chan task

	draining atomic.Bool
	inflight sync.WaitGroup

	snapMu    sync.RWMutex
	snapshot  []domain.WebhookSubscription
	snapValid bool

	unsubscribe func()
}

// NewDispatcher creates a dispatcher.
func NewDispatcher(store SubscriptionStore, guard *Guard, opts Options) *Dispatcher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 512
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 8
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	return &Dispatcher{
		store:  store,
		guard:  guard,
		client: &http.Client{Timeout: opts.Timeout},
		opts:   opts,
		tasks:  make(chan task, opts.QueueSize),
	}
}

// Start subscribes the dispatcher to the hub wildcard.
func (d *Dispatcher) Start(hub domain.EventBus) {
	d.unsubscribe = hub.SubscribeAll(d.OnEvent)
}

// OnEvent is the hub handler: filter by outbound allow-list, evaluate every
// active subscription, enqueue one delivery task per match. Drop-on-full,
// never blocks the publisher.
func (d *Dispatcher) OnEvent(event domain.Event) {
	if d.draining.Load() {
		return
	}
	if !outboundWorthy(event.Type) {
		return
	}

	for _, sub := range d.subscriptions() {
		if !sub.Active || !domain.MatchesFilter(sub.EventFilter, event.Type) {
			continue
		}
		select {
		case d.tasks <- task{sub: sub, event: event}:
		default:
			logger.WarnCF("webhook", "Delivery queue full, task dropped", map[string]interface{}{
				"subscription": sub.ID,
				"type":         string(event.Type),
			})
		}
	}
}

func outboundWorthy(t domain.EventType) bool {
	for _, prefix := range outboundPrefixes {
		if domain.MatchesFilter(prefix, t) {
			return true
		}
	}
	return false
}

// subscriptions returns the cached snapshot, reloading it after an
// invalidation. Read-mostly; the hot path takes only an RLock.
func (d *Dispatcher) subscriptions() []domain.WebhookSubscription {
	d.snapMu.RLock()
	if d.snapValid {
		snap := d.snapshot
		d.snapMu.RUnlock()
		return snap
	}
	d.snapMu.RUnlock()

	d.snapMu.Lock()
	defer d.snapMu.Unlock()
	if d.snapValid {
		return d.snapshot
	}
	subs, err := d.store.ListSubscriptions(context.Background())
	if err != nil {
		logger.ErrorCF("webhook", "Failed to load subscriptions", map[string]interface{}{
			"error": err.Error(),
		})
		return nil
	}
	d.snapshot = subs
	d.snapValid = true
	return d.snapshot
}

// Invalidate drops both the subscription snapshot and the URL-validation
// cache. Wired to every subscription create/update/delete.
func (d *Dispatcher) Invalidate() {
	d.snapMu.Lock()
	d.snapshot = nil
	d.snapValid = false
	d.snapMu.Unlock()
	d.guard.Invalidate()
}

// Run is the delivery loop: take up to BatchSize queued tasks, send them
// concurrently, wait for the whole batch before starting the next. This
// bounds simultaneous outbound calls without serializing deliveries.
func (d *Dispatcher) Run(ctx context.Context) {
	logger.InfoCF("webhook", "Dispatcher started", map[string]interface{}{
		"queue_size": d.opts.QueueSize,
		"batch_size": d.opts.BatchSize,
	})
	for {
		var first task
		select {
		case <-ctx.Done():
			logger.InfoC("webhook", "Dispatcher stopped")
			return
		case first = <-d.tasks:
		}

		batch := []task{first}
	fill:
		for len(batch) < d.opts.BatchSize {
			select {
			case t := <-d.tasks:
				batch = append(batch, t)
			default:
				break fill
			}
		}

		var wg sync.WaitGroup
		for _, t := range batch {
			wg.Add(1)
			d.inflight.Add(1)
			go func(t task) {
				defer wg.Done()
				defer d.inflight.Done()
				d.deliver(ctx, t)
			}(t)
		}
		wg.Wait()
	}
}

// Drain stops accepting new hub events and waits, bounded by ctx, for
// whatever is already queued to flush.
func (d *Dispatcher) Drain(ctx context.Context) {
	d.draining.Store(true)
	if d.unsubscribe != nil {
		d.unsubscribe()
	}

	done := make(chan struct{})
	go func() {
		for len(d.tasks) > 0 {
			time.Sleep(20 * time.Millisecond)
		}
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.InfoC("webhook", "Queue drained")
	case <-ctx.Done():
		logger.WarnCF("webhook", "Drain timed out", map[string]interface{}{
			"remaining": len(d.tasks),
		})
	}
}

// deliver sends one event to one subscriber. The destination is re-checked
// against the SSRF policy immediately before sending.
func (d *Dispatcher) deliver(ctx context.Context, t task) {
	if err := d.guard.Validate(t.sub.URL); err != nil {
		logger.WarnCF("webhook", "Delivery skipped by URL policy", map[string]interface{}{
			"subscription": t.sub.ID,
			"error":        err.Error(),
		})
		return
	}

	body, err := json.Marshal(t.event)
	if err != nil {
		logger.ErrorCF("webhook", "Failed to encode event", map[string]interface{}{
			"type":  string(t.event.Type),
			"error": err.Error(),
		})
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.sub.URL, bytes.NewReader(body))
	if err != nil {
		logger.ErrorCF("webhook", "Failed to build request", map[string]interface{}{
			"subscription": t.sub.ID,
			"error":        err.Error(),
		})
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, string(t.event.Type))
	req.Header.Set(HeaderTimestamp, fmt.Sprintf("%d", t.event.Timestamp))
	if t.sub.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(body, t.sub.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		logger.WarnCF("webhook", "Delivery failed", map[string]interface{}{
			"subscription": t.sub.ID,
			"error":        err.Error(),
		})
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		logger.WarnCF("webhook", "Subscriber returned non-2xx", map[string]interface{}{
			"subscription": t.sub.ID,
			"status":       resp.StatusCode,
		})
		return
	}
	logger.DebugCF("webhook", "Delivered", map[string]interface{}{
		"subscription": t.sub.ID,
		"type":         string(t.event.Type),
	})
}

// Sign computes the signature header value for a payload: an HMAC-SHA-256
// over the exact JSON body, hex-encoded, prefixed with the scheme.
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

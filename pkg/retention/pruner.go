// Package retention prunes aged messages and their downloaded media files
// on a cron schedule.
package retention

import (
	"context"
	"os"
	"time"

	"github.com/adhocore/gronx"

	"github.com/meridianlab/wabridge/pkg/logger"
)

// Store is the pruning surface of the persistence layer. PruneBefore
// removes messages older than the cutoff together with their dependent
// rows, and returns the media file paths that lost their last reference.
type Store interface {
	PruneBefore(ctx context.Context, cutoff time.Time) (int64, []string, error)
}

// Pruner runs the retention sweep whenever the cron schedule is due.
type Pruner struct {
	store    Store
	schedule string
	maxAge   time.Duration
	gron     *gronx.Gronx
	now      func() time.Time
}

// NewPruner creates a pruner. An empty schedule disables it.
func NewPruner(store Store, schedule string, maxAgeDays int) *Pruner {
	return &Pruner{
		store:    store,
		schedule: schedule,
		maxAge:   time.Duration(maxAgeDays) * 24 * time.Hour,
		gron:     gronx.New(),
		now:      time.Now,
	}
}

// Enabled reports whether a schedule is configured.
func (p *Pruner) Enabled() bool { return p.schedule != "" }

// Run ticks once a minute and sweeps when the schedule is due. It returns
// when ctx is cancelled.
func (p *Pruner) Run(ctx context.Context) {
	if !p.Enabled() {
		return
	}
	logger.InfoCF("retention", "Retention pruner started", map[string]interface{}{
		"schedule":     p.schedule,
		"max_age_days": int(p.maxAge.Hours() / 24),
	})

	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			due, err := p.gron.IsDue(p.schedule, p.now())
			if err != nil {
				logger.ErrorCF("retention", "Schedule evaluation failed", map[string]interface{}{
					"schedule": p.schedule,
					"error":    err.Error(),
				})
				return
			}
			if due {
				p.Sweep(ctx)
			}
		}
	}
}

// Sweep deletes messages older than the retention window and removes media
// files that no surviving message references. File removal failures are
// logged and skipped.
func (p *Pruner) Sweep(ctx context.Context) {
	cutoff := p.now().Add(-p.maxAge)
	pruned, orphans, err := p.store.PruneBefore(ctx, cutoff)
	if err != nil {
		logger.ErrorCF("retention", "Prune failed", map[string]interface{}{
			"error": err.Error(),
		})
		return
	}

	removed := 0
	for _, path := range orphans {
		if err := os.Remove(path); err != nil {
			if !os.IsNotExist(err) {
				logger.WarnCF("retention", "Media file removal failed", map[string]interface{}{
					"path":  path,
					"error": err.Error(),
				})
			}
			continue
		}
		removed++
	}

	logger.InfoCF("retention", "Retention sweep complete", map[string]interface{}{
		"messages_pruned": pruned,
		"files_removed":   removed,
		"cutoff":          cutoff.UTC().Format(time.RFC3339),
	})
}

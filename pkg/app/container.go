// Package app wires the event pipeline together. The Container is the
// composition root: it owns construction order, worker startup and the
// ordered shutdown sequence.
package app

import (
	"context"
	"time"

	"github.com/meridianlab/wabridge/pkg/api"
	"github.com/meridianlab/wabridge/pkg/config"
	"github.com/meridianlab/wabridge/pkg/domain"
	"github.com/meridianlab/wabridge/pkg/identity"
	"github.com/meridianlab/wabridge/pkg/infrastructure/eventbus"
	"github.com/meridianlab/wabridge/pkg/infrastructure/persistence"
	"github.com/meridianlab/wabridge/pkg/logger"
	"github.com/meridianlab/wabridge/pkg/media"
	"github.com/meridianlab/wabridge/pkg/normalize"
	"github.com/meridianlab/wabridge/pkg/protocol"
	"github.com/meridianlab/wabridge/pkg/retention"
	"github.com/meridianlab/wabridge/pkg/webhook"
)

// Container holds the wired pipeline.
type Container struct {
	Config     *config.Config
	Store      *persistence.Store
	Hub        domain.EventBus
	Resolver   *identity.Resolver
	MediaQueue *media.Queue
	Guard      *webhook.Guard
	Dispatcher *webhook.Dispatcher
	Normalizer *normalize.Normalizer
	Pruner     *retention.Pruner
	API        *api.Server

	cancel  context.CancelFunc
	workers []func(context.Context)
}

// NewContainer opens storage and constructs every service against the given
// protocol session. Nothing runs until Start.
func NewContainer(cfg *config.Config, session protocol.Session) (*Container, error) {
	store, err := persistence.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}

	hub := eventbus.New()
	resolver := identity.NewResolver(context.Background(), store)

	queue := media.NewQueue(store, session, hub, media.Options{
		AutoDownload: cfg.Media.AutoDownload,
		MaxSizeMB:    cfg.Media.MaxSizeMB,
		RootDir:      cfg.Media.RootDir,
		QueueSize:    cfg.Media.QueueSize,
		Delay:        time.Duration(cfg.Media.DelayMS) * time.Millisecond,
	})

	guard := webhook.NewGuard(
		time.Duration(cfg.Webhook.ValidateTTLS)*time.Second,
		cfg.Webhook.AllowPrivate,
	)
	dispatcher := webhook.NewDispatcher(store, guard, webhook.Options{
		QueueSize: cfg.Webhook.QueueSize,
		BatchSize: cfg.Webhook.BatchSize,
		Timeout:   time.Duration(cfg.Webhook.TimeoutSec) * time.Second,
	})

	normalizer := normalize.New(store, resolver, queue, hub, session)
	pruner := retention.NewPruner(store, cfg.Retention.Schedule, cfg.Retention.MaxAgeDays)
	server := api.NewServer(cfg, store, dispatcher, guard, session, hub)

	return &Container{
		Config:     cfg,
		Store:      store,
		Hub:        hub,
		Resolver:   resolver,
		MediaQueue: queue,
		Guard:      guard,
		Dispatcher: dispatcher,
		Normalizer: normalizer,
		Pruner:     pruner,
		API:        server,
	}, nil
}

// MigrateIdentities runs the one-shot lid-to-phone re-keying sweep.
func (c *Container) MigrateIdentities(ctx context.Context) (identity.MigrationResult, error) {
	return c.Resolver.Migrate(ctx, c.Store)
}

// Start attaches the normalizer to the session stream and launches the
// background workers.
func (c *Container) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.Normalizer.Attach()
	c.Dispatcher.Start(c.Hub)

	c.workers = []func(context.Context){
		c.MediaQueue.Run,
		c.Dispatcher.Run,
	}
	if c.Pruner.Enabled() {
		c.workers = append(c.workers, c.Pruner.Run)
	}
	for _, w := range c.workers {
		go w(ctx)
	}

	if err := c.API.Start(); err != nil {
		logger.ErrorCF("app", "API start failed", map[string]interface{}{
			"error": err.Error(),
		})
	}

	logger.InfoCF("app", "Pipeline started", map[string]interface{}{
		"aliases": c.Resolver.AliasCount(),
	})
}

// Stop shuts the pipeline down in dependency order: stop accepting new
// input, flush what is queued, then close storage.
func (c *Container) Stop() {
	if err := c.API.Stop(); err != nil {
		logger.WarnCF("app", "API shutdown error", map[string]interface{}{
			"error": err.Error(),
		})
	}

	drainCtx, cancel := context.WithTimeout(
		context.Background(),
		time.Duration(c.Config.Webhook.DrainTimeoutS)*time.Second,
	)
	c.Dispatcher.Drain(drainCtx)
	cancel()

	if c.cancel != nil {
		c.cancel()
	}

	if err := c.Store.Close(); err != nil {
		logger.WarnCF("app", "Store close error", map[string]interface{}{
			"error": err.Error(),
		})
	}
	logger.InfoC("app", "Pipeline stopped")
}

// Package daemon runs the sync pipeline on an interval and, when enabled,
// on incoming webhooks. Both triggers funnel through one single-flight
// coordinator so at most one pipeline runs at a time and at most one re-run
// is queued behind it.
package daemon

import (
	"context"
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/dylanl321/hasyncd/internal/config"
	"github.com/dylanl321/hasyncd/internal/sync"
	"github.com/dylanl321/hasyncd/internal/webhook"
)

// Syncer runs one synchronization pass.
type Syncer interface {
	Run(ctx context.Context) (*sync.Result, error)
}

// Daemon triggers sync cycles until stopped.
type Daemon struct {
	cfg    *config.Config
	syncer Syncer
	logger *slog.Logger

	mu      stdsync.Mutex
	running bool
	pending bool
	// inflight tracks Kick invocations so shutdown can wait for a pipeline
	// launched from a webhook goroutine to finish or abort.
	inflight stdsync.WaitGroup
}

// New creates a daemon around the given sync engine.
func New(cfg *config.Config, syncer Syncer, logger *slog.Logger) *Daemon {
	return &Daemon{cfg: cfg, syncer: syncer, logger: logger}
}

// Run performs an initial sync, then loops until the context is cancelled.
// When webhook serving is enabled the HTTP server runs alongside the
// interval ticker; a server failure stops the daemon.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("daemon starting",
		"interval", d.cfg.Sync.Interval.String(),
		"serve", d.cfg.Serve.Enabled)

	d.Kick(ctx)

	serverErr := make(chan error, 1)
	if d.cfg.Serve.Enabled {
		server, err := webhook.NewServer(d.cfg, d.Kick, d.logger)
		if err != nil {
			return err
		}
		go func() {
			serverErr <- server.Start(ctx)
		}()
	}

	ticker := time.NewTicker(d.cfg.Sync.Interval.Std())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("daemon stopping")
			d.inflight.Wait()
			if d.cfg.Serve.Enabled {
				// Let the server finish its shutdown before returning.
				return <-serverErr
			}
			return nil
		case <-ticker.C:
			d.Kick(ctx)
		case err := <-serverErr:
			return err
		}
	}
}

// Kick requests a sync cycle. While one is running, at most one re-run is
// queued; further concurrent requests are dropped so triggers never pile up.
func (d *Daemon) Kick(ctx context.Context) {
	d.inflight.Add(1)
	defer d.inflight.Done()

	d.mu.Lock()
	if d.running {
		d.pending = true
		d.mu.Unlock()
		d.logger.Info("sync already in progress, queuing pending re-run")
		return
	}
	d.running = true
	d.mu.Unlock()

	for {
		result, err := d.syncer.Run(ctx)
		switch {
		case err != nil:
			d.logger.Error("sync cycle failed", "error", err)
		case result != nil:
			d.logger.Info("sync cycle finished",
				"outcome", string(result.Outcome),
				"reason", result.Reason)
		}

		// Atomically decide whether a re-run was requested while this one
		// was running.
		d.mu.Lock()
		if !d.pending {
			d.running = false
			d.mu.Unlock()
			return
		}
		d.pending = false
		d.mu.Unlock()

		d.logger.Info("re-running sync due to pending request")
	}
}

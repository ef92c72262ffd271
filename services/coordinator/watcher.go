package coordinator

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Watcher reconciles actions left behind by callers that stopped waiting
// and keeps registered mirrors fresh.
type Watcher struct {
	service         *Service
	pollInterval    time.Duration
	refreshInterval time.Duration
	nowFn           func() time.Time
	logger          *slog.Logger
}

// NewWatcher constructs a watcher with sane defaults.
func NewWatcher(service *Service, pollInterval, refreshInterval time.Duration, logger *slog.Logger) *Watcher {
	if pollInterval <= 0 {
		pollInterval = 5 * time.Second
	}
	if refreshInterval <= 0 {
		refreshInterval = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		service:         service,
		pollInterval:    pollInterval,
		refreshInterval: refreshInterval,
		nowFn:           time.Now,
		logger:          logger.With("component", "watcher"),
	}
}

// Run starts the polling loop until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	if w.service == nil {
		return
	}
	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()
	lastRefresh := w.nowFn()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.reconcile(ctx)
			if now := w.nowFn(); now.Sub(lastRefresh) >= w.refreshInterval {
				w.refresh(ctx)
				lastRefresh = now
			}
		}
	}
}

// reconcile polls every submitted action once and completes the confirmed
// ones. Unrecoverable actions wait for a manual Recover, and actions a caller
// is still awaiting are left to that caller.
func (w *Watcher) reconcile(ctx context.Context) int {
	tracker := w.service.Tracker()
	done := 0
	for _, pa := range tracker.Pending() {
		if ctx.Err() != nil {
			return done
		}
		if tracker.Awaited(pa.ID) {
			continue
		}
		switch pa.Status {
		case StatusUnrecoverable:
			continue
		case StatusSubmitted:
			if _, err := tracker.Poll(ctx, pa.ID); err != nil {
				if !errors.Is(err, ErrConfirmationTimeout) {
					w.logger.Warn("pending action failed", "pending_id", pa.ID.Hex(), "kind", string(pa.Kind), "error", err)
				}
				continue
			}
		}
		if _, err := w.service.Await(ctx, pa.ID, w.pollInterval); err != nil {
			w.logger.Warn("reconcile failed", "pending_id", pa.ID.Hex(), "kind", string(pa.Kind), "error", err)
			continue
		}
		done++
	}
	return done
}

func (w *Watcher) refresh(ctx context.Context) {
	for _, c := range w.service.Coordinators() {
		if ctx.Err() != nil {
			return
		}
		if _, err := c.Refresh(ctx); err != nil {
			w.logger.Warn("periodic refresh failed", "agreement", c.Agreement().Hex(), "error", err)
		}
	}
}

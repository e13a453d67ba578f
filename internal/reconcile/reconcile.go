// Package reconcile periodically recounts offer usage to correct drift
// between the stored counters and the participant rows.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/Shivanand-hulikatti/offer-engine/internal/model"
)

// UsageUpdater recounts the usage of every offer.
type UsageUpdater interface {
	UpdateAllUsage(ctx context.Context) ([]model.UsageDrift, error)
}

// Reconciler runs UpdateAllUsage on a fixed interval.
type Reconciler struct {
	updater  UsageUpdater
	interval time.Duration
	logger   *slog.Logger
}

// New constructs a Reconciler. A non-positive interval disables it.
func New(updater UsageUpdater, interval time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{updater: updater, interval: interval, logger: logger}
}

// Run reconciles once immediately and then on every tick until ctx is done.
// It returns nil on cancellation.
func (r *Reconciler) Run(ctx context.Context) error {
	if r.interval <= 0 {
		r.logger.Info("usage reconciliation disabled")
		return nil
	}
	r.RunOnce(ctx)

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.RunOnce(ctx)
		}
	}
}

// RunOnce performs a single reconciliation pass and reports how many
// offers drifted. Failures are logged, not returned.
func (r *Reconciler) RunOnce(ctx context.Context) int {
	drifts, err := r.updater.UpdateAllUsage(ctx)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("usage reconciliation failed", "error", err)
		}
	}
	drifted := 0
	for _, d := range drifts {
		if d.Drifted() {
			drifted++
		}
	}
	r.logger.Debug("usage reconciled", "offers", len(drifts), "drifted", drifted)
	return drifted
}

package server

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/alkorolyov/dcmon/internal/observability"
)

const (
	retentionLease    = "retention"
	retentionBatch    = 500
	retentionIdle     = 50 * time.Millisecond
	terminalGraceDays = 7
)

// Sweeper runs every periodic maintenance task on one ticker:
// point and log retention, command TTL elapse, terminal-command
// pruning and empty-series cleanup. A lease row keeps concurrent
// sweeps (or a second process pointed at the same file) mutually
// exclusive.
type Sweeper struct {
	s      *Server
	holder string
}

func NewSweeper(s *Server) *Sweeper {
	return &Sweeper{s: s, holder: uuid.NewString()}
}

func (sw *Sweeper) Run(ctx context.Context) {
	interval := time.Duration(sw.s.cfg.CleanupIntervalSec) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := sw.runOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				sw.s.log.WithError(err).Error("retention sweep failed")
			}
		}
	}
}

func (sw *Sweeper) runOnce(ctx context.Context) error {
	now := sw.s.now().UTC().Unix()
	leaseTTL := int64(2 * sw.s.cfg.CleanupIntervalSec)
	if leaseTTL <= 0 {
		leaseTTL = 600
	}

	ok, err := sw.s.store.AcquireLease(ctx, retentionLease, sw.holder, now, leaseTTL)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	defer func() {
		_ = sw.s.store.ReleaseLease(context.Background(), retentionLease, sw.holder)
	}()

	metricsCut := now - int64(sw.s.cfg.MetricsRetentionDays)*86400
	logsCut := now - int64(sw.s.cfg.LogsRetentionDays)*86400

	if sw.s.cfg.MetricsRetentionDays > 0 {
		if err := sw.drain(ctx, "metric_points_int", func() (int64, error) {
			return sw.s.store.DeleteIntPointsBeforeLimited(ctx, metricsCut, retentionBatch)
		}); err != nil {
			return err
		}
		if err := sw.drain(ctx, "metric_points_float", func() (int64, error) {
			return sw.s.store.DeleteFloatPointsBeforeLimited(ctx, metricsCut, retentionBatch)
		}); err != nil {
			return err
		}
		swept, err := sw.s.store.DeleteEmptySeries(ctx)
		if err != nil {
			return err
		}
		observability.RetentionDeleted.WithLabelValues("metric_series").Add(float64(swept))
	}

	if sw.s.cfg.LogsRetentionDays > 0 {
		if err := sw.drain(ctx, "log_entries", func() (int64, error) {
			return sw.s.store.DeleteLogsBeforeLimited(ctx, logsCut, retentionBatch)
		}); err != nil {
			return err
		}
	}

	ttl := int64(sw.s.cfg.CommandTTLSec)
	if ttl < 60 {
		ttl = 300
	}
	expired, err := sw.s.store.ExpireCommands(ctx, now-ttl)
	if err != nil {
		return err
	}
	if expired > 0 {
		observability.CommandTransitions.WithLabelValues("expired").Add(float64(expired))
	}

	pruned, err := sw.s.store.DeleteTerminalCommandsBefore(ctx, now-int64(terminalGraceDays)*86400)
	if err != nil {
		return err
	}
	observability.RetentionDeleted.WithLabelValues("commands").Add(float64(pruned))

	return nil
}

// drain deletes in bounded batches with a short idle sleep between
// rounds so the sweep never holds the writer for long.
func (sw *Sweeper) drain(ctx context.Context, table string, del func() (int64, error)) error {
	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		affected, err := del()
		if err != nil {
			return err
		}
		observability.RetentionDeleted.WithLabelValues(table).Add(float64(affected))
		if affected == 0 {
			return nil
		}
		timer := time.NewTimer(retentionIdle)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

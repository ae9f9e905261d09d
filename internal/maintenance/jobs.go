package maintenance

import (
	"context"
	"log/slog"
	"time"

	"github.com/consultease/deskunit/internal/audit"
	"github.com/consultease/deskunit/internal/presence"
	"github.com/consultease/deskunit/internal/queue"
)

// SweepJob expires overdue queue entries and audits each one.
func SweepJob(q *queue.Queue, auditLog *audit.Log, logger *slog.Logger) JobFunc {
	return func(ctx context.Context, now time.Time) {
		expired := q.SweepExpired(ctx, now)
		if len(expired) == 0 {
			return
		}
		for _, m := range expired {
			if auditLog != nil {
				auditLog.Record("expired", m.ID, string(m.Kind), m.Priority, m.RetryCount, "ttl_elapsed")
			}
		}
		logger.Info("expiry sweep", "expired", len(expired), "depth", q.Depth())
	}
}

// SnapshotJob persists the presence snapshot so a crash between
// transitions never loses more than one schedule interval of state.
func SnapshotJob(mon *presence.Monitor) JobFunc {
	return func(ctx context.Context, now time.Time) {
		mon.PersistSnapshot(ctx, now)
	}
}

// StatsJob logs a periodic health line.
func StatsJob(q *queue.Queue, mon *presence.Monitor, auditLog *audit.Log, logger *slog.Logger) JobFunc {
	return func(ctx context.Context, now time.Time) {
		var failed int64
		if auditLog != nil {
			failed = auditLog.FailCount()
		}
		logger.Info("unit stats",
			"presence", string(mon.Visible()),
			"queue_depth", q.Depth(),
			"queue_degraded", q.Degraded(),
			"deliveries_failed", failed,
		)
	}
}

package ledger

import (
	"context"
	"time"

	"scalpel/internal/logger"
	"scalpel/internal/scheduler"
)

// DefaultSweepInterval is the cadence of the retention sweep.
const DefaultSweepInterval = time.Hour

// StartJanitor owns the retention sweep for this ledger instance. It runs
// once at startup and then hourly, and stops with the given context.
func (l *Ledger) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	sched := scheduler.NewIntervalScheduler(ctx, "ledger-janitor", interval, 0)
	sched.RunImmediately = true
	go sched.Start(func() {
		sweepCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if _, err := l.PurgeStale(sweepCtx); err != nil {
			logger.Warnf("ledger: retention sweep failed: %v", err)
		}
	})
}

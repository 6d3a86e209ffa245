package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// DefaultInterval is the pause between two cycles.
const DefaultInterval = 5 * time.Second

// CycleObserver is notified after every cycle, fatal or not.
// Production: *metrics.Recorder, *sqlite.Store
// Testing: closures via ObserverFunc
type CycleObserver interface {
	ObserveCycle(ctx context.Context, report CycleReport)
}

// ObserverFunc adapts a function to CycleObserver.
type ObserverFunc func(ctx context.Context, report CycleReport)

func (f ObserverFunc) ObserveCycle(ctx context.Context, report CycleReport) { f(ctx, report) }

// Loop runs cycles back to back until ctx is done. A cycle always runs to
// completion on a context detached from cancellation, so a shutdown never
// leaves a container stopped but not yet recreated. Cancellation is only
// honoured between cycles. Errors, and
// panics, are logged and the loop carries on.
type Loop struct {
	Engine    *Engine
	Interval  time.Duration
	Trigger   <-chan struct{} // optional: starts the next cycle early
	Observers []CycleObserver
}

func (l *Loop) interval() time.Duration {
	if l.Interval <= 0 {
		return DefaultInterval
	}
	return l.Interval
}

// Run blocks until ctx is cancelled and returns ctx.Err().
func (l *Loop) Run(ctx context.Context) error {
	log := slog.With("component", "reconcile-loop")
	log.Info("starting reconcile loop", "interval", l.interval())

	trigger := l.Trigger
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("reconcile loop stopped")
			return ctx.Err()
		case <-timer.C:
		case _, ok := <-trigger:
			if !ok {
				trigger = nil
				continue
			}
			log.Debug("cycle triggered by desired state change")
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
		}

		report := l.RunOnce(context.WithoutCancel(ctx))
		if err := report.Err(); err != nil {
			log.Error("updating containers failed", "cycle", report.ID, "err", err)
		}
		timer.Reset(l.interval())
	}
}

// RunOnce runs a single cycle, recovers a panic into the report's fatal error
// and notifies observers.
func (l *Loop) RunOnce(ctx context.Context) (report CycleReport) {
	defer func() {
		if r := recover(); r != nil {
			report.Fatal = fmt.Errorf("cycle panicked: %v", r)
			slog.Error("reconcile cycle panicked", "panic", r, "stack", string(debug.Stack()))
		}
		for _, o := range l.Observers {
			o.ObserveCycle(ctx, report)
		}
	}()

	report, _ = l.Engine.RunCycle(ctx)
	return report
}

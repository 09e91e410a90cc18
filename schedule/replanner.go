package schedule

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// PlanFunc computes a fresh Schedule given the current time. It is supplied
// by the caller (main.go) and typically consults forecast data, spot
// prices and the day's known EV departure times. A PlanFunc error just
// skips that cycle — the previous schedule stays active, matching the
// teacher's own "log and keep going" idiom in axle.Axle.processSchedule.
type PlanFunc func(ctx context.Context, now time.Time) (Schedule, error)

// Replanner periodically invokes a PlanFunc and pushes the result into a
// Cell, on a cron cadence. It is grounded on axle.Axle's polling Run loop,
// generalized from a fixed ticker to a cron schedule so re-plans can align
// to wall-clock boundaries (e.g. "every hour on the hour") rather than
// drifting from process start time.
type Replanner struct {
	cell   *Cell
	plan   PlanFunc
	cron   *cron.Cron
	spec   string
	logger *slog.Logger
}

// NewReplanner builds a Replanner that writes into cell using plan, on a
// robfig/cron spec: a standard 5-field expression (e.g. "0 * * * *" for
// hourly) or a descriptor such as "@every 60m".
func NewReplanner(cell *Cell, plan PlanFunc, cronSpec string, logger *slog.Logger) *Replanner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replanner{
		cell:   cell,
		plan:   plan,
		cron:   cron.New(),
		spec:   cronSpec,
		logger: logger.With("component", "replanner"),
	}
}

// Start schedules the periodic re-plan and runs one immediately so the
// cell is populated without waiting for the first cron boundary. It
// returns once the cron entry is registered; the cron scheduler itself
// runs on its own goroutine until ctx is cancelled.
func (r *Replanner) Start(ctx context.Context) error {
	r.TriggerNow(ctx)

	_, err := r.cron.AddFunc(r.spec, func() {
		r.TriggerNow(ctx)
	})
	if err != nil {
		return fmt.Errorf("replanner: invalid cron spec %q: %w", r.spec, err)
	}

	r.cron.Start()
	go func() {
		<-ctx.Done()
		stopCtx := r.cron.Stop()
		<-stopCtx.Done()
	}()
	return nil
}

// TriggerNow runs a single re-plan cycle immediately, outside the regular
// cadence. The controller calls this to satisfy an operator-triggered
// trigger_replan request.
func (r *Replanner) TriggerNow(ctx context.Context) {
	now := time.Now()
	newSchedule, err := r.plan(ctx, now)
	if err != nil {
		r.logger.Error("re-plan failed, keeping previous schedule", "error", err)
		return
	}

	prev := r.cell.Get()
	if scheduleEqual(prev, newSchedule) {
		r.logger.Info("re-plan produced no change", "schedule_id", prev.ID)
		return
	}

	r.cell.Set(newSchedule)
	r.logger.Info("activated new schedule", "schedule_id", newSchedule.ID, "intervals", len(newSchedule.Intervals))
}

func scheduleEqual(a, b Schedule) bool {
	if len(a.Intervals) != len(b.Intervals) {
		return false
	}
	for i := range a.Intervals {
		if !a.Intervals[i].Start.Equal(b.Intervals[i].Start) ||
			!a.Intervals[i].End.Equal(b.Intervals[i].End) ||
			a.Intervals[i].BatterySetpoint != b.Intervals[i].BatterySetpoint {
			return false
		}
	}
	return true
}

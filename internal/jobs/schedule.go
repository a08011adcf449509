package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"sjsage522/pricewatch/internal/models"
	"sjsage522/pricewatch/logger"
	"sjsage522/pricewatch/services/store"
)

// Recurring is a job definition re-run on a cron schedule.
type Recurring struct {
	Payload  Payload
	Schedule string
}

// RecurringJobs are registered at worker startup
var RecurringJobs = []Recurring{
	{Payload: HourlyPriceCheck{}, Schedule: "@every 1h"},
	{Payload: DailyPriceCheck{}, Schedule: "0 4 * * *"},
	{Payload: StripeReconciliation{}, Schedule: "0 3 * * *"},
	{Payload: WeeklyDigest{}, Schedule: "0 9 * * 1"},
}

// Sweep plans per recurring check
var (
	HourlyPlans = []models.Plan{models.PlanPro, models.PlanAdvanced}
	DailyPlans  = []models.Plan{models.PlanFree, models.PlanStarter}
)

// NextRun returns the first activation of expr strictly after t.
func NextRun(expr string, t time.Time) (time.Time, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid schedule %q: %w", expr, err)
	}
	return schedule.Next(t), nil
}

// RegisterRecurring upserts every recurring definition. Running it again changes nothing unless a
// schedule changed.
func RegisterRecurring(ctx context.Context, js store.Jobs, defs []Recurring, now time.Time) error {
	log := logger.ForDispatcher()

	for _, def := range defs {
		next, err := NextRun(def.Schedule, now)
		if err != nil {
			return err
		}
		name, data, err := Encode(def.Payload)
		if err != nil {
			return err
		}

		job, err := js.UpsertRecurringJob(ctx, &models.Job{
			Name:           name,
			Data:           data,
			Type:           models.JobTypeSingle,
			RepeatInterval: def.Schedule,
			NextRunAt:      &next,
		})
		if err != nil {
			return fmt.Errorf("failed to register %s: %w", name, err)
		}

		log.Info().
			Str("job", string(name)).
			Str("schedule", def.Schedule).
			Time("next_run_at", *job.NextRunAt).
			Msg("Recurring job registered")
	}
	return nil
}

package jobs

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"sjsage522/pricewatch/internal/checker"
	"sjsage522/pricewatch/internal/models"
	"sjsage522/pricewatch/logger"
	perrors "sjsage522/pricewatch/pkg/errors"
	"sjsage522/pricewatch/services/notifier"
	"sjsage522/pricewatch/services/store"
)

const (
	digestWindow      = 7 * 24 * time.Hour
	digestEventLimit  = 50
	digestConcurrency = 5
)

// RunnerStore is the part of the persistence layer the handlers need.
type RunnerStore interface {
	store.Users
	store.Competitors
	store.Webhooks
	store.Events
}

// CompetitorChecker runs one price check. Busy competitors come back as skipped outcomes.
type CompetitorChecker interface {
	CheckCompetitor(ctx context.Context, c *models.Competitor) checker.Outcome
}

// WebhookDeliverer sends one webhook call and keeps its bookkeeping.
type WebhookDeliverer interface {
	Deliver(ctx context.Context, w *models.Webhook, event string, payload map[string]any) (notifier.DeliveryResult, error)
}

// EmailRenderer turns a template name and data into a subject and HTML body.
type EmailRenderer interface {
	Render(name, userName string, data map[string]any) (string, string, error)
}

// EmailSender delivers one email.
type EmailSender interface {
	Send(ctx context.Context, to, subject, html string) (notifier.Delivery, error)
}

// RunnerDeps are the collaborators of a Runner.
type RunnerDeps struct {
	Store    RunnerStore
	Checker  CompetitorChecker
	Webhooks WebhookDeliverer
	Renderer EmailRenderer
	Email    EmailSender
	Enqueuer Enqueuer
}

// Runner executes claimed jobs.
type Runner struct {
	store    RunnerStore
	checker  CompetitorChecker
	webhooks WebhookDeliverer
	renderer EmailRenderer
	email    EmailSender
	enqueuer Enqueuer
	now      func() time.Time
	log      *logger.Logger
}

// NewRunner creates a Runner
func NewRunner(deps RunnerDeps) *Runner {
	return &Runner{
		store:    deps.Store,
		checker:  deps.Checker,
		webhooks: deps.Webhooks,
		renderer: deps.Renderer,
		email:    deps.Email,
		enqueuer: deps.Enqueuer,
		now:      time.Now,
		log:      logger.ForDispatcher(),
	}
}

// Run executes job. A nil error completes the job; a terminal error fails it without retry.
func (r *Runner) Run(ctx context.Context, job *models.Job) error {
	payload, err := Decode(job.Name, job.Data)
	if err != nil {
		return err
	}

	log := r.log.WithFields(logger.Fields{"job_id": job.ID, "job": string(job.Name)})

	switch p := payload.(type) {
	case HourlyPriceCheck:
		return r.sweep(ctx, HourlyPlans, log)
	case DailyPriceCheck:
		return r.sweep(ctx, DailyPlans, log)
	case CheckCompetitor:
		return r.checkCompetitor(ctx, p, log)
	case SendWebhook:
		return r.sendWebhook(ctx, p, log)
	case SendEmail:
		return r.sendEmail(ctx, p, log)
	case StripeReconciliation:
		return r.reconcileBilling(ctx, log)
	case WeeklyDigest:
		return r.weeklyDigest(ctx, log)
	default:
		return perrors.Terminal(perrors.NewValidation(string(job.Name), fmt.Sprintf("no handler for %T", payload)))
	}
}

// sweep fans out one check job per competitor owned by the given plans
func (r *Runner) sweep(ctx context.Context, plans []models.Plan, log *logger.Logger) error {
	competitors, err := r.store.ListSweepCompetitors(ctx, plans)
	if err != nil {
		return perrors.NewStore("list sweep competitors", err)
	}

	failed := 0
	for _, c := range competitors {
		if _, err := r.enqueuer.Enqueue(ctx, CheckCompetitor{CompetitorID: c.ID, UserID: c.UserID}); err != nil {
			failed++
			log.Error().Err(err).Str("competitor_id", c.ID).Msg("Failed to enqueue check")
		}
	}

	log.Info().
		Int("competitors", len(competitors)).
		Int("failed", failed).
		Msg("Price check sweep queued")

	if failed > 0 {
		return perrors.NewStore(fmt.Sprintf("enqueue %d of %d checks", failed, len(competitors)), nil)
	}
	return nil
}

func (r *Runner) checkCompetitor(ctx context.Context, p CheckCompetitor, log *logger.Logger) error {
	log = log.WithField("competitor_id", p.CompetitorID)

	c, err := r.store.GetCompetitor(ctx, p.CompetitorID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("Competitor no longer exists, dropping check")
		return nil
	}
	if err != nil {
		return perrors.NewStore("get competitor", err)
	}
	if !c.IsActive {
		log.Debug().Msg("Competitor inactive, dropping check")
		return nil
	}

	out := r.checker.CheckCompetitor(ctx, c)
	if checker.IsBusy(out) {
		log.Info().Msg("Check already running, dropping duplicate")
		return nil
	}
	if out.Status == checker.StatusError {
		return out.Err
	}
	return nil
}

func (r *Runner) sendWebhook(ctx context.Context, p SendWebhook, log *logger.Logger) error {
	log = log.WithFields(logger.Fields{"webhook_id": p.WebhookID, "event": p.EventType})

	w, err := r.store.GetWebhook(ctx, p.WebhookID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("Webhook no longer exists, dropping delivery")
		return nil
	}
	if err != nil {
		return perrors.NewStore("get webhook", err)
	}
	if !w.IsActive {
		log.Debug().Msg("Webhook inactive, dropping delivery")
		return nil
	}

	res, err := r.webhooks.Deliver(ctx, w, p.EventType, p.Payload)
	if res.Disabled {
		r.webhookDisabled(ctx, w, log)
		return perrors.Terminal(err)
	}
	return err
}

// webhookDisabled records the deactivation and tells the owner
func (r *Runner) webhookDisabled(ctx context.Context, w *models.Webhook, log *logger.Logger) {
	data := models.JSONMap{
		"webhookId":    w.ID,
		"webhookUrl":   w.URL,
		"failureCount": models.MaxWebhookFailures,
	}

	event := &models.Event{
		UserID:   w.UserID,
		Type:     models.EventWebhookDisabled,
		Severity: models.SeverityAlert,
		Title:    "Webhook disabled",
		Message:  fmt.Sprintf("Webhook %s was disabled after %d consecutive failures", w.URL, models.MaxWebhookFailures),
		Data:     data,
	}
	if err := r.store.CreateEvent(ctx, event); err != nil {
		log.Error().Err(err).Msg("Failed to record webhook disabled event")
	}

	if _, err := r.enqueuer.Enqueue(ctx, SendEmail{
		Type:   EmailWebhookDisabled,
		UserID: w.UserID,
		Data:   map[string]any{"webhookUrl": w.URL, "failureCount": models.MaxWebhookFailures},
	}); err != nil {
		log.Error().Err(err).Msg("Failed to enqueue webhook disabled email")
	}
}

func (r *Runner) sendEmail(ctx context.Context, p SendEmail, log *logger.Logger) error {
	log = log.WithFields(logger.Fields{"user_id": p.UserID, "template": string(p.Type)})

	u, err := r.store.GetUser(ctx, p.UserID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Msg("User no longer exists, dropping email")
		return nil
	}
	if err != nil {
		return perrors.NewStore("get user", err)
	}
	// account notices ignore the notification preference
	if p.Type != EmailWebhookDisabled && (!u.IsActive || !u.EmailNotifications) {
		log.Debug().Msg("Email notifications disabled, dropping email")
		return nil
	}

	subject, html, err := r.renderer.Render(string(p.Type), u.Name, p.Data)
	if err != nil {
		return perrors.Terminal(perrors.New(perrors.ErrorTypeValidation, string(p.Type), "render email", err))
	}

	delivery, err := r.email.Send(ctx, u.Email, subject, html)
	if err != nil {
		return err
	}
	if delivery == notifier.DeliverySkipped {
		log.Debug().Msg("Email skipped")
	}
	return nil
}

// reconcileBilling reports how many active accounts carry a billing customer
func (r *Runner) reconcileBilling(ctx context.Context, log *logger.Logger) error {
	users, err := r.store.ListActiveUsers(ctx)
	if err != nil {
		return perrors.NewStore("list users", err)
	}

	billed := 0
	for _, u := range users {
		if u.StripeCustomerID != nil && *u.StripeCustomerID != "" {
			billed++
		}
	}

	log.Info().Int("users", len(users)).Int("billed", billed).Msg("Billing reconciliation finished")
	return nil
}

func (r *Runner) weeklyDigest(ctx context.Context, log *logger.Logger) error {
	users, err := r.store.ListActiveUsers(ctx)
	if err != nil {
		return perrors.NewStore("list users", err)
	}

	end := r.now().UTC()
	start := end.Add(-digestWindow)

	var emails, hooks atomic.Int64
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(digestConcurrency)

	for i := range users {
		u := users[i]
		g.Go(func() error {
			events, err := r.store.ListEventsSince(gctx, u.ID, start, digestEventLimit)
			if err != nil {
				return perrors.NewStore("list events", err)
			}
			if len(events) == 0 {
				return nil
			}

			if u.EmailNotifications {
				if _, err := r.enqueuer.Enqueue(gctx, SendEmail{
					Type:   EmailWeeklyDigest,
					UserID: u.ID,
					Data: map[string]any{
						"startDate": start.Format(time.RFC3339),
						"endDate":   end.Format(time.RFC3339),
						"events":    digestEvents(events),
					},
				}); err != nil {
					return err
				}
				emails.Add(1)
			}

			n, err := r.enqueueSummaryWebhooks(gctx, u.ID, start, end, events)
			hooks.Add(int64(n))
			return err
		})
	}

	err = g.Wait()
	log.Info().
		Int("users", len(users)).
		Int64("emails", emails.Load()).
		Int64("webhooks", hooks.Load()).
		Msg("Weekly digest queued")
	return err
}

func (r *Runner) enqueueSummaryWebhooks(ctx context.Context, userID string, start, end time.Time, events []models.Event) (int, error) {
	webhooks, err := r.store.ListActiveWebhooks(ctx, userID)
	if err != nil {
		return 0, perrors.NewStore("list webhooks", err)
	}

	bySeverity := make(map[string]int)
	for _, e := range events {
		bySeverity[string(e.Severity)]++
	}
	payload := map[string]any{
		"summary": map[string]any{
			"startDate":  start.Format(time.RFC3339),
			"endDate":    end.Format(time.RFC3339),
			"eventCount": len(events),
			"bySeverity": bySeverity,
		},
	}

	queued := 0
	for i := range webhooks {
		if !webhooks[i].Subscribed(models.WebhookEventWeeklySummary) {
			continue
		}
		if _, err := r.enqueuer.Enqueue(ctx, SendWebhook{
			WebhookID: webhooks[i].ID,
			EventType: models.WebhookEventWeeklySummary,
			Payload:   payload,
		}); err != nil {
			return queued, err
		}
		queued++
	}
	return queued, nil
}

func digestEvents(events []models.Event) []map[string]any {
	out := make([]map[string]any, 0, len(events))
	for _, e := range events {
		out = append(out, map[string]any{
			"title":     e.Title,
			"message":   e.Message,
			"type":      string(e.Type),
			"severity":  string(e.Severity),
			"createdAt": e.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return out
}

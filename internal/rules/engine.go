// Package rules evaluates user rules against detected price changes and runs their actions.
package rules

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"sjsage522/pricewatch/internal/checker"
	"sjsage522/pricewatch/internal/jobs"
	"sjsage522/pricewatch/internal/models"
	"sjsage522/pricewatch/logger"
	perrors "sjsage522/pricewatch/pkg/errors"
	"sjsage522/pricewatch/services/publisher"
	"sjsage522/pricewatch/services/store"
)

var hundred = decimal.NewFromInt(100)

// Store is the part of the persistence layer the engine needs.
type Store interface {
	store.Rules
	store.Events
	store.Webhooks
}

// Change is the input every predicate is evaluated against.
type Change struct {
	NewPrice      decimal.Decimal
	PreviousPrice decimal.Decimal
	Amount        decimal.Decimal
	Percent       decimal.Decimal
	// Reference is the user's own price for the product
	Reference decimal.NullDecimal
}

// NewChange builds a Change. previous must be non-zero.
func NewChange(newPrice, previous decimal.Decimal, reference decimal.NullDecimal) Change {
	amount := newPrice.Sub(previous)
	return Change{
		NewPrice:      newPrice,
		PreviousPrice: previous,
		Amount:        amount,
		Percent:       amount.Div(previous).Mul(hundred),
		Reference:     reference,
	}
}

// Engine is the RuleEngine.
type Engine struct {
	store     Store
	enqueuer  jobs.Enqueuer
	publisher publisher.Publisher
	now       func() time.Time
	log       *logger.Logger
}

// New creates an Engine. enq may be nil, in which case email and webhook actions only record events.
func New(st Store, enq jobs.Enqueuer, pub publisher.Publisher) *Engine {
	if pub == nil {
		pub = publisher.Nop{}
	}
	return &Engine{
		store:     st,
		enqueuer:  enq,
		publisher: pub,
		now:       time.Now,
		log:       logger.ForRules(),
	}
}

// EvaluatePriceChange runs every active rule of the competitor's owner that applies to this
// product and competitor, highest priority first, and returns the rules that fired.
func (e *Engine) EvaluatePriceChange(ctx context.Context, c *models.Competitor, p *models.Product, newPrice decimal.Decimal, previous decimal.NullDecimal) ([]models.Rule, error) {
	if !previous.Valid || previous.Decimal.IsZero() || previous.Decimal.Equal(newPrice) {
		return nil, nil
	}

	rules, err := e.store.ListActiveRules(ctx, c.UserID, p.ID)
	if err != nil {
		return nil, perrors.NewStore("list rules", err)
	}

	change := NewChange(newPrice, previous.Decimal, p.MyPrice)
	log := e.log.WithFields(logger.Fields{"competitor_id": c.ID, "product_id": p.ID})

	var triggered []models.Rule
	for i := range rules {
		rule := &rules[i]
		if !rule.AppliesTo(p.ID, c.ID) || !Matches(rule, change) {
			continue
		}

		now := e.now().UTC()
		if err := e.store.RecordRuleTrigger(ctx, rule.ID, now); err != nil {
			log.Error().Err(err).Str("rule_id", rule.ID).Msg("Failed to record rule trigger")
		} else {
			rule.TriggerCount++
			rule.LastTriggeredAt = &now
		}

		log.Info().Str("rule_id", rule.ID).Str("rule_type", string(rule.Type)).Msg("Rule triggered")
		e.execute(ctx, rule, c, p, change, log)
		triggered = append(triggered, *rule)
	}

	return triggered, nil
}

// Matches evaluates the predicate of r. Unknown rule types never match.
func Matches(r *models.Rule, ch Change) bool {
	cond := r.Conditions

	switch r.Type {
	case models.RulePriceBelow:
		if !hasReference(ch) {
			return false
		}
		limit := ch.Reference.Decimal.Mul(decimal.NewFromInt(1).Sub(orZero(cond.ThresholdPercent).Div(hundred)))
		return ch.NewPrice.LessThan(limit)

	case models.RulePriceAbove:
		if !hasReference(ch) {
			return false
		}
		limit := ch.Reference.Decimal.Mul(decimal.NewFromInt(1).Add(orZero(cond.ThresholdPercent).Div(hundred)))
		return ch.NewPrice.GreaterThan(limit)

	case models.RulePriceDropPercent:
		return ch.Percent.IsNegative() && ch.Percent.Abs().GreaterThanOrEqual(orZero(cond.ThresholdPercent))

	case models.RulePriceDropAmount:
		return ch.Amount.IsNegative() && ch.Amount.Abs().GreaterThanOrEqual(orZero(cond.ThresholdAmount))

	case models.RuleMarginImpact:
		if !hasReference(ch) || !cond.ThresholdAmount.Valid || cond.ThresholdAmount.Decimal.IsZero() {
			return false
		}
		return ch.Reference.Decimal.Sub(ch.NewPrice).GreaterThanOrEqual(cond.ThresholdAmount.Decimal)

	case models.RuleCompetitorAnyChange:
		return !ch.Amount.IsZero()

	default:
		return false
	}
}

func hasReference(ch Change) bool {
	return ch.Reference.Valid && !ch.Reference.Decimal.IsZero()
}

func orZero(d decimal.NullDecimal) decimal.Decimal {
	if !d.Valid {
		return decimal.Zero
	}
	return d.Decimal
}

// execute runs the actions of a fired rule in order. A failing action does not stop the others.
func (e *Engine) execute(ctx context.Context, r *models.Rule, c *models.Competitor, p *models.Product, ch Change, log *logger.Logger) {
	for _, action := range r.Actions {
		var err error
		switch action.Type {
		case models.ActionLog:
			err = e.recordEvent(ctx, r, c, p, ch, false)
		case models.ActionEmail:
			err = e.recordEvent(ctx, r, c, p, ch, true)
			if err == nil {
				err = e.enqueueEmail(ctx, r, c, p, ch)
			}
		case models.ActionWebhook:
			err = e.enqueueWebhooks(ctx, r, c, p, ch)
		default:
			log.Warn().Str("rule_id", r.ID).Str("action", string(action.Type)).Msg("Unknown rule action")
			continue
		}
		if err != nil {
			log.Error().Err(err).Str("rule_id", r.ID).Str("action", string(action.Type)).Msg("Rule action failed")
		}
	}
}

func (e *Engine) recordEvent(ctx context.Context, r *models.Rule, c *models.Competitor, p *models.Product, ch Change, notified bool) error {
	event := &models.Event{
		UserID:       r.UserID,
		ProductID:    &c.ProductID,
		CompetitorID: &c.ID,
		RuleID:       &r.ID,
		Type:         models.EventRuleTriggered,
		Severity:     checker.SeverityFor(ch.Percent),
		Title:        fmt.Sprintf("Rule %q triggered", r.Name),
		Message: fmt.Sprintf("%s price changed from %s to %s (%s%%)", c.Name,
			checker.FormatPrice(ch.PreviousPrice, c.Currency), checker.FormatPrice(ch.NewPrice, c.Currency), ch.Percent.StringFixed(2)),
		Data:       priceData(r, c, p, ch),
		IsNotified: notified,
	}
	if err := e.store.CreateEvent(ctx, event); err != nil {
		return perrors.NewStore("create rule event", err)
	}
	if err := e.publisher.Publish(ctx, event); err != nil {
		e.log.Warn().Err(err).Msg("Failed to publish rule event")
	}
	return nil
}

func (e *Engine) enqueueEmail(ctx context.Context, r *models.Rule, c *models.Competitor, p *models.Product, ch Change) error {
	if e.enqueuer == nil {
		return nil
	}
	_, err := e.enqueuer.Enqueue(ctx, jobs.SendEmail{
		Type:   jobs.EmailPriceAlert,
		UserID: r.UserID,
		Data:   priceData(r, c, p, ch),
	})
	return err
}

func (e *Engine) enqueueWebhooks(ctx context.Context, r *models.Rule, c *models.Competitor, p *models.Product, ch Change) error {
	if e.enqueuer == nil {
		return nil
	}

	hooks, err := e.store.ListActiveWebhooks(ctx, r.UserID)
	if err != nil {
		return perrors.NewStore("list webhooks", err)
	}

	// one failed enqueue must not cost the remaining webhooks their delivery
	var errs []error
	payload := webhookPayload(r, c, p, ch)
	for i := range hooks {
		if !hooks[i].Subscribed(models.WebhookEventRuleTriggered) {
			continue
		}
		if _, err := e.enqueuer.Enqueue(ctx, jobs.SendWebhook{
			WebhookID: hooks[i].ID,
			EventType: models.WebhookEventRuleTriggered,
			Payload:   payload,
		}); err != nil {
			errs = append(errs, fmt.Errorf("webhook %s: %w", hooks[i].ID, err))
		}
	}
	return errors.Join(errs...)
}

func priceData(r *models.Rule, c *models.Competitor, p *models.Product, ch Change) models.JSONMap {
	return models.JSONMap{
		"ruleName":           r.Name,
		"ruleType":           string(r.Type),
		"competitorName":     c.Name,
		"competitorUrl":      c.URL,
		"productTitle":       p.Name,
		"newPrice":           ch.NewPrice.InexactFloat64(),
		"previousPrice":      ch.PreviousPrice.InexactFloat64(),
		"priceChange":        checker.RoundPrice(ch.Amount, c.Currency).InexactFloat64(),
		"priceChangePercent": ch.Percent.Round(2).InexactFloat64(),
		"currency":           c.Currency,
	}
}

func webhookPayload(r *models.Rule, c *models.Competitor, p *models.Product, ch Change) map[string]any {
	return map[string]any{
		"rule": map[string]any{
			"id":   r.ID,
			"name": r.Name,
			"type": string(r.Type),
		},
		"competitor": map[string]any{
			"id":   c.ID,
			"name": c.Name,
			"url":  c.URL,
		},
		"product": map[string]any{
			"id":   p.ID,
			"name": p.Name,
		},
		"priceData": map[string]any{
			"newPrice":           ch.NewPrice.InexactFloat64(),
			"previousPrice":      ch.PreviousPrice.InexactFloat64(),
			"priceChange":        checker.RoundPrice(ch.Amount, c.Currency).InexactFloat64(),
			"priceChangePercent": ch.Percent.Round(2).InexactFloat64(),
			"currency":           c.Currency,
		},
	}
}

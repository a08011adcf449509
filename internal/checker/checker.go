// Package checker runs one fetch, extract and diff cycle for a tracked competitor.
package checker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"sjsage522/pricewatch/helpers"
	"sjsage522/pricewatch/internal/models"
	"sjsage522/pricewatch/internal/scraper"
	"sjsage522/pricewatch/logger"
	perrors "sjsage522/pricewatch/pkg/errors"
	"sjsage522/pricewatch/services/lock"
	"sjsage522/pricewatch/services/publisher"
	"sjsage522/pricewatch/services/store"
)

// Status is the result class of a check.
type Status string

const (
	StatusSuccess Status = "success"
	StatusError   Status = "error"
	StatusSkipped Status = "skipped"
)

const (
	maxErrorMessage = 500
	// DefaultLockTTL bounds one competitor check
	DefaultLockTTL = 5 * time.Minute
)

// Store is the part of the persistence layer the checker needs.
type Store interface {
	store.Products
	store.Competitors
	store.History
	store.Events
}

// Scraper fetches a page and extracts its price.
type Scraper interface {
	Scrape(ctx context.Context, url string, sel models.Selectors) (scraper.Result, error)
}

// RuleEvaluator reacts to a detected price change.
type RuleEvaluator interface {
	EvaluatePriceChange(ctx context.Context, c *models.Competitor, p *models.Product, newPrice decimal.Decimal, previous decimal.NullDecimal) ([]models.Rule, error)
}

// Outcome describes what a check did. Err is set for error and skipped outcomes.
type Outcome struct {
	Status         Status
	Price          decimal.NullDecimal
	Currency       string
	Changed        bool
	FirstCheck     bool
	Change         *PriceChange
	TriggeredRules int
	Err            error
	// Competitor is the state after the check
	Competitor *models.Competitor
}

// Checker is the CompetitorPriceChecker.
type Checker struct {
	store     Store
	scraper   Scraper
	rules     RuleEvaluator
	publisher publisher.Publisher
	locker    lock.Locker
	lockTTL   time.Duration
	now       func() time.Time
	log       *logger.Logger
}

// New creates a Checker. rules and pub may be nil.
func New(st Store, s Scraper, rules RuleEvaluator, pub publisher.Publisher) *Checker {
	if pub == nil {
		pub = publisher.Nop{}
	}
	return &Checker{
		store:     st,
		scraper:   s,
		rules:     rules,
		publisher: pub,
		now:       time.Now,
		log:       logger.ForChecker(),
	}
}

// WithLocker serializes checks of the same competitor across every caller sharing l.
// A check that finds the competitor busy is skipped with a conflict error.
func (c *Checker) WithLocker(l lock.Locker, ttl time.Duration) *Checker {
	if ttl <= 0 {
		ttl = DefaultLockTTL
	}
	c.locker = l
	c.lockTTL = ttl
	return c
}

// IsBusy reports whether out was skipped because another check of the same competitor was running.
func IsBusy(out Outcome) bool {
	return out.Status == StatusSkipped && perrors.TypeOf(out.Err) == perrors.ErrorTypeConflict
}

// Check loads a competitor by id and checks it. A missing competitor is a not-found error and a
// competitor that is already being checked is a conflict error.
func (c *Checker) Check(ctx context.Context, competitorID string) (Outcome, error) {
	comp, err := c.store.GetCompetitor(ctx, competitorID)
	if errors.Is(err, store.ErrNotFound) {
		return Outcome{}, perrors.NewNotFound("competitor", competitorID)
	}
	if err != nil {
		return Outcome{}, perrors.NewStore("load competitor", err)
	}
	out := c.CheckCompetitor(ctx, comp)
	if IsBusy(out) {
		return out, out.Err
	}
	return out, nil
}

// CheckCompetitor runs one cycle for comp. Fetch and extraction failures never escape as errors:
// they are recorded on the competitor and returned in Outcome.Err.
func (c *Checker) CheckCompetitor(ctx context.Context, comp *models.Competitor) Outcome {
	start := time.Now()
	log := c.log.WithFields(logger.Fields{"competitor_id": comp.ID, "url": comp.URL})

	if c.locker != nil {
		key := lock.CompetitorKey(comp.ID)
		token, err := c.locker.TryLock(ctx, key, c.lockTTL)
		if errors.Is(err, lock.ErrLockNotAcquired) {
			log.Info().Msg("Check already running, skipping")
			checksTotal.WithLabelValues(string(StatusSkipped)).Inc()
			return Outcome{Status: StatusSkipped, Err: perrors.NewConflict(comp.ID, "check already running"), Competitor: comp}
		}
		if err != nil {
			return Outcome{Status: StatusError, Err: perrors.NewStore("lock competitor", err), Competitor: comp}
		}
		defer func() {
			if err := c.locker.Unlock(context.WithoutCancel(ctx), key, token); err != nil && !errors.Is(err, lock.ErrLockNotHeld) {
				log.Warn().Err(err).Msg("Failed to release competitor lock")
			}
		}()
	}

	out := c.check(ctx, comp, log)

	checkDuration.Observe(time.Since(start).Seconds())
	checksTotal.WithLabelValues(string(out.Status)).Inc()
	return out
}

func (c *Checker) check(ctx context.Context, comp *models.Competitor, log *logger.Logger) Outcome {
	product, err := c.store.GetProduct(ctx, comp.ProductID)
	if errors.Is(err, store.ErrNotFound) {
		log.Warn().Str("product_id", comp.ProductID).Msg("Product not found, skipping orphaned competitor")
		return Outcome{Status: StatusSkipped, Err: perrors.NewNotFound("product", comp.ProductID), Competitor: comp}
	}
	if err != nil {
		return Outcome{Status: StatusError, Err: perrors.NewStore("load product", err), Competitor: comp}
	}

	res, err := c.scraper.Scrape(ctx, comp.URL, comp.Selectors)
	if err != nil {
		return c.recordFailure(ctx, comp, err, log)
	}

	now := c.now().UTC()
	if res.Currency != "" {
		comp.Currency = res.Currency
	}
	if comp.Currency == "" {
		comp.Currency = "USD"
	}
	price := RoundPrice(res.Price, comp.Currency)
	previous := comp.CurrentPrice
	// a stored zero is not a real observation, so the next price is a discovery
	if previous.Valid && previous.Decimal.IsZero() {
		previous = decimal.NullDecimal{}
	}
	change := CalculatePriceChange(price, previous)
	firstCheck := !previous.Valid
	changed := change != nil && !change.Amount.IsZero()

	comp.CurrentPrice = decimal.NewNullDecimal(price)
	comp.CheckStatus = models.CheckSuccess
	comp.ErrorMessage = nil
	comp.LastCheckedAt = &now
	if changed {
		comp.LastPriceChange = &now
	}
	// metadata is only backfilled, never overwritten
	if comp.CanonicalURL == nil && res.CanonicalURL != "" {
		canonical := res.CanonicalURL
		comp.CanonicalURL = &canonical
	}
	if comp.ImageURL == nil && res.ImageURL != "" {
		image := res.ImageURL
		comp.ImageURL = &image
	}

	if err := c.store.UpdateCompetitor(ctx, comp); err != nil {
		return Outcome{Status: StatusError, Err: perrors.NewStore("update competitor", err), Competitor: comp}
	}

	history := &models.PriceHistory{
		CompetitorID:  comp.ID,
		ProductID:     comp.ProductID,
		UserID:        comp.UserID,
		Price:         price,
		PreviousPrice: previous,
		Currency:      comp.Currency,
		Source:        models.SourceScraper,
		ScrapedAt:     now,
	}
	if change != nil {
		history.PriceChange = decimal.NewNullDecimal(change.Amount)
		history.PriceChangePercent = decimal.NewNullDecimal(change.Percent)
	}
	if err := c.store.AppendHistory(ctx, history); err != nil {
		return Outcome{Status: StatusError, Err: perrors.NewStore("append history", err), Competitor: comp}
	}

	out := Outcome{
		Status:     StatusSuccess,
		Price:      comp.CurrentPrice,
		Currency:   comp.Currency,
		Changed:    changed,
		FirstCheck: firstCheck,
		Change:     change,
		Competitor: comp,
	}

	switch {
	case firstCheck:
		log.Info().Str("price", FormatPrice(price, comp.Currency)).Str("currency", comp.Currency).Msg("Price discovered")
		c.emit(ctx, discoveryEvent(comp, price), log)

	case changed:
		priceChangesTotal.WithLabelValues(change.Direction()).Inc()
		log.Info().
			Str("previous", FormatPrice(previous.Decimal, comp.Currency)).
			Str("price", FormatPrice(price, comp.Currency)).
			Str("percent", change.Percent.String()).
			Msg("Price changed")
		c.emit(ctx, changeEvent(comp, previous.Decimal, price, change), log)

		if c.rules != nil {
			triggered, err := c.rules.EvaluatePriceChange(ctx, comp, product, price, previous)
			if err != nil {
				log.Error().Err(err).Msg("Rule evaluation failed")
			}
			out.TriggeredRules = len(triggered)
		}

	default:
		log.Debug().Str("price", FormatPrice(price, comp.Currency)).Msg("Price unchanged")
	}

	return out
}

func (c *Checker) recordFailure(ctx context.Context, comp *models.Competitor, cause error, log *logger.Logger) Outcome {
	now := c.now().UTC()
	msg := helpers.Truncate(cause.Error(), maxErrorMessage)

	status := models.CheckError
	if perrors.TypeOf(cause) == perrors.ErrorTypeBlocked {
		status = models.CheckBlocked
	}

	comp.CheckStatus = status
	comp.ErrorMessage = &msg
	comp.LastCheckedAt = &now

	log.Warn().Err(cause).Str("status", string(status)).Msg("Check failed")

	if err := c.store.UpdateCompetitor(ctx, comp); err != nil {
		log.Error().Err(err).Msg("Failed to record check failure")
	}

	c.emit(ctx, &models.Event{
		UserID:       comp.UserID,
		ProductID:    &comp.ProductID,
		CompetitorID: &comp.ID,
		Type:         models.EventCompetitorError,
		Severity:     models.SeverityWarning,
		Title:        fmt.Sprintf("Failed to check %s", comp.Name),
		Message:      msg,
		Data: models.JSONMap{
			"url":    comp.URL,
			"status": string(status),
			"error":  msg,
		},
	}, log)

	return Outcome{Status: StatusError, Err: cause, Competitor: comp}
}

// emit stores an event and publishes it. Failures are logged only.
func (c *Checker) emit(ctx context.Context, e *models.Event, log *logger.Logger) {
	if err := c.store.CreateEvent(ctx, e); err != nil {
		log.Error().Err(err).Str("event", string(e.Type)).Msg("Failed to store event")
		return
	}
	if err := c.publisher.Publish(ctx, e); err != nil {
		log.Warn().Err(err).Str("event", string(e.Type)).Msg("Failed to publish event")
	}
}

func discoveryEvent(comp *models.Competitor, price decimal.Decimal) *models.Event {
	return &models.Event{
		UserID:       comp.UserID,
		ProductID:    &comp.ProductID,
		CompetitorID: &comp.ID,
		Type:         models.EventPriceDiscovered,
		Severity:     models.SeverityInfo,
		Title:        fmt.Sprintf("Price discovered for %s", comp.Name),
		Message:      fmt.Sprintf("%s is listed at %s %s", comp.Name, FormatPrice(price, comp.Currency), comp.Currency),
		Data: models.JSONMap{
			"price":    price.InexactFloat64(),
			"currency": comp.Currency,
			"url":      comp.URL,
		},
	}
}

func changeEvent(comp *models.Competitor, previous, price decimal.Decimal, change *PriceChange) *models.Event {
	eventType := models.EventPriceIncrease
	verb := "increased"
	if change.Amount.IsNegative() {
		eventType = models.EventPriceDrop
		verb = "dropped"
	}

	return &models.Event{
		UserID:       comp.UserID,
		ProductID:    &comp.ProductID,
		CompetitorID: &comp.ID,
		Type:         eventType,
		Severity:     SeverityFor(change.Percent),
		Title:        fmt.Sprintf("%s %s price", comp.Name, verb),
		Message: fmt.Sprintf("%s %s from %s to %s %s (%s%%)", comp.Name, verb,
			FormatPrice(previous, comp.Currency), FormatPrice(price, comp.Currency), comp.Currency, change.Percent.StringFixed(2)),
		Data: models.JSONMap{
			"price":         price.InexactFloat64(),
			"previousPrice": previous.InexactFloat64(),
			"change":        change.Amount.InexactFloat64(),
			"changePercent": change.Percent.InexactFloat64(),
			"currency":      comp.Currency,
			"url":           comp.URL,
		},
	}
}

// History returns the latest observations of a competitor, newest first.
func (c *Checker) History(ctx context.Context, competitorID string, limit int) ([]models.PriceHistory, error) {
	return c.store.ListHistory(ctx, competitorID, limit)
}

// LatestEvents returns a user's events created at or after since, newest first.
func (c *Checker) LatestEvents(ctx context.Context, userID string, since time.Time, limit int) ([]models.Event, error) {
	return c.store.ListEventsSince(ctx, userID, since, limit)
}

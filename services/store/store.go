// Package store persists the records of the price pipeline.
package store

import (
	"context"
	"errors"
	"time"

	"sjsage522/pricewatch/internal/models"
)

var (
	// ErrNotFound is returned when a record does not exist
	ErrNotFound = errors.New("store: not found")

	// ErrLockLost is returned when a job is finished by a worker that no longer owns it
	ErrLockLost = errors.New("store: job lock lost")
)

// Users reads account records.
type Users interface {
	GetUser(ctx context.Context, id string) (*models.User, error)
	CreateUser(ctx context.Context, u *models.User) error
	ListActiveUsers(ctx context.Context) ([]models.User, error)
}

// Products reads the users' own products.
type Products interface {
	GetProduct(ctx context.Context, id string) (*models.Product, error)
	CreateProduct(ctx context.Context, p *models.Product) error
}

// Competitors reads and writes tracked listings.
type Competitors interface {
	GetCompetitor(ctx context.Context, id string) (*models.Competitor, error)
	CreateCompetitor(ctx context.Context, c *models.Competitor) error
	UpdateCompetitor(ctx context.Context, c *models.Competitor) error
	// ListSweepCompetitors returns active competitors of active products owned by active users on plans
	ListSweepCompetitors(ctx context.Context, plans []models.Plan) ([]models.Competitor, error)
}

// History appends and reads price observations.
type History interface {
	AppendHistory(ctx context.Context, h *models.PriceHistory) error
	ListHistory(ctx context.Context, competitorID string, limit int) ([]models.PriceHistory, error)
}

// Events records notification-worthy occurrences.
type Events interface {
	CreateEvent(ctx context.Context, e *models.Event) error
	ListEventsSince(ctx context.Context, userID string, since time.Time, limit int) ([]models.Event, error)
}

// Rules reads user rules and records their triggers.
type Rules interface {
	CreateRule(ctx context.Context, r *models.Rule) error
	// ListActiveRules returns the user's active rules that are global or scoped to productID,
	// highest priority first, newest first among equal priorities
	ListActiveRules(ctx context.Context, userID, productID string) ([]models.Rule, error)
	// RecordRuleTrigger increments the trigger count and stamps the trigger time
	RecordRuleTrigger(ctx context.Context, ruleID string, at time.Time) error
}

// Webhooks reads delivery targets and keeps their delivery bookkeeping.
type Webhooks interface {
	GetWebhook(ctx context.Context, id string) (*models.Webhook, error)
	CreateWebhook(ctx context.Context, w *models.Webhook) error
	ListActiveWebhooks(ctx context.Context, userID string) ([]models.Webhook, error)
	// RecordWebhookSuccess resets the consecutive failure count
	RecordWebhookSuccess(ctx context.Context, id string, status int, at time.Time) (*models.Webhook, error)
	// RecordWebhookFailure increments the failure count and deactivates the webhook at maxFailures
	RecordWebhookFailure(ctx context.Context, id string, status int, at time.Time, maxFailures int) (*models.Webhook, error)
}

// Jobs is the persistent job queue.
type Jobs interface {
	EnqueueJob(ctx context.Context, j *models.Job) error
	// UpsertRecurringJob registers a recurring definition once per name
	UpsertRecurringJob(ctx context.Context, j *models.Job) (*models.Job, error)
	// ClaimJob locks the next due job among names, or returns nil when none is due
	ClaimJob(ctx context.Context, names []models.JobName, owner string, now time.Time, lockLifetime time.Duration) (*models.Job, error)
	// FinishJob releases the lock and persists the bookkeeping fields of j
	FinishJob(ctx context.Context, j *models.Job) error
	GetJob(ctx context.Context, id string) (*models.Job, error)
	ListJobs(ctx context.Context, name models.JobName) ([]models.Job, error)
}

// Store is the whole persistence collaborator.
type Store interface {
	Users
	Products
	Competitors
	History
	Events
	Rules
	Webhooks
	Jobs

	Ping(ctx context.Context) error
	Close() error
}

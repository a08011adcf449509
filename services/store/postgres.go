package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"

	"sjsage522/pricewatch/internal/models"
)

//go:embed schema.sql
var schema string

const (
	DefaultMaxOpenConns    = 25
	DefaultMaxIdleConns    = 5
	DefaultConnMaxLifetime = 5 * time.Minute
	DefaultPingTimeout     = 5 * time.Second
)

const (
	userColumns       = `id, email, name, plan, is_active, email_notifications, stripe_customer_id, created_at`
	productColumns    = `id, user_id, name, sku, my_price, currency, is_active, created_at`
	competitorColumns = `id, user_id, product_id, name, url, domain, current_price, currency,
	last_checked_at, last_price_change, check_status, error_message, canonical_url, image_url,
	selectors, is_active, created_at, updated_at`
	historyColumns = `id, competitor_id, product_id, user_id, price, previous_price, currency,
	price_change, price_change_percent, source, scraped_at`
	eventColumns = `id, user_id, product_id, competitor_id, rule_id, type, severity, title, message,
	data, is_read, is_notified, created_at`
	ruleColumns = `id, user_id, product_id, name, type, conditions, actions, priority, is_active,
	trigger_count, last_triggered_at, created_at`
	webhookColumns = `id, user_id, url, secret, events, is_active, last_delivered_at, last_status,
	failure_count, created_at`
	jobColumns = `id, name, data, type, repeat_interval, next_run_at, locked_at, locked_by, last_run_at,
	last_finished_at, failed_at, fail_count, fail_reason, created_at`
)

// Postgres is the Store backed by PostgreSQL.
type Postgres struct {
	db *sqlx.DB
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects to dsn and configures the pool.
func NewPostgres(dsn string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	ctx, cancel := context.WithTimeout(context.Background(), DefaultPingTimeout)
	defer cancel()

	if pingErr := db.PingContext(ctx); pingErr != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", pingErr)
	}

	return &Postgres{db: db}, nil
}

// NewPostgresFromDB wraps an existing connection.
func NewPostgresFromDB(db *sqlx.DB) *Postgres {
	return &Postgres{db: db}
}

// Migrate applies the schema. Every statement is idempotent.
func (p *Postgres) Migrate(ctx context.Context) error {
	if _, err := p.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

// Ping implements Store
func (p *Postgres) Ping(ctx context.Context) error {
	return p.db.PingContext(ctx)
}

// Close implements Store
func (p *Postgres) Close() error {
	return p.db.Close()
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func execRequireRows(result sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// prefixed qualifies every column of a column list with prefix
func prefixed(prefix, columns string) string {
	parts := strings.Split(columns, ",")
	for i, col := range parts {
		parts[i] = prefix + strings.TrimSpace(col)
	}
	return strings.Join(parts, ", ")
}

func newID(id *string) {
	if *id == "" {
		*id = uuid.NewString()
	}
}

func stampCreated(t *time.Time) {
	if t.IsZero() {
		*t = time.Now().UTC()
	}
}

// GetUser implements Users
func (p *Postgres) GetUser(ctx context.Context, id string) (*models.User, error) {
	var u models.User
	err := p.db.GetContext(ctx, &u, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &u, nil
}

// CreateUser implements Users
func (p *Postgres) CreateUser(ctx context.Context, u *models.User) error {
	newID(&u.ID)
	stampCreated(&u.CreatedAt)
	_, err := p.db.NamedExecContext(ctx, `INSERT INTO users (`+userColumns+`)
		VALUES (:id, :email, :name, :plan, :is_active, :email_notifications, :stripe_customer_id, :created_at)`, u)
	if err != nil {
		return fmt.Errorf("failed to insert user: %w", err)
	}
	return nil
}

// ListActiveUsers implements Users
func (p *Postgres) ListActiveUsers(ctx context.Context) ([]models.User, error) {
	var users []models.User
	err := p.db.SelectContext(ctx, &users, `SELECT `+userColumns+` FROM users WHERE is_active ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// GetProduct implements Products
func (p *Postgres) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	var prod models.Product
	err := p.db.GetContext(ctx, &prod, `SELECT `+productColumns+` FROM products WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &prod, nil
}

// CreateProduct implements Products
func (p *Postgres) CreateProduct(ctx context.Context, prod *models.Product) error {
	newID(&prod.ID)
	stampCreated(&prod.CreatedAt)
	_, err := p.db.NamedExecContext(ctx, `INSERT INTO products (`+productColumns+`)
		VALUES (:id, :user_id, :name, :sku, :my_price, :currency, :is_active, :created_at)`, prod)
	if err != nil {
		return fmt.Errorf("failed to insert product: %w", err)
	}
	return nil
}

// GetCompetitor implements Competitors
func (p *Postgres) GetCompetitor(ctx context.Context, id string) (*models.Competitor, error) {
	var c models.Competitor
	err := p.db.GetContext(ctx, &c, `SELECT `+competitorColumns+` FROM competitors WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &c, nil
}

// CreateCompetitor implements Competitors
func (p *Postgres) CreateCompetitor(ctx context.Context, c *models.Competitor) error {
	newID(&c.ID)
	stampCreated(&c.CreatedAt)
	c.UpdatedAt = c.CreatedAt
	if c.CheckStatus == "" {
		c.CheckStatus = models.CheckPending
	}
	_, err := p.db.NamedExecContext(ctx, `INSERT INTO competitors (`+competitorColumns+`)
		VALUES (:id, :user_id, :product_id, :name, :url, :domain, :current_price, :currency,
		:last_checked_at, :last_price_change, :check_status, :error_message, :canonical_url, :image_url,
		:selectors, :is_active, :created_at, :updated_at)`, c)
	if err != nil {
		return fmt.Errorf("failed to insert competitor: %w", err)
	}
	return nil
}

// UpdateCompetitor implements Competitors
func (p *Postgres) UpdateCompetitor(ctx context.Context, c *models.Competitor) error {
	c.UpdatedAt = time.Now().UTC()
	result, err := p.db.NamedExecContext(ctx, `UPDATE competitors SET
		name = :name, url = :url, domain = :domain, current_price = :current_price, currency = :currency,
		last_checked_at = :last_checked_at, last_price_change = :last_price_change,
		check_status = :check_status, error_message = :error_message,
		canonical_url = :canonical_url, image_url = :image_url, selectors = :selectors,
		is_active = :is_active, updated_at = :updated_at
		WHERE id = :id`, c)
	return execRequireRows(result, err)
}

// ListSweepCompetitors implements Competitors
func (p *Postgres) ListSweepCompetitors(ctx context.Context, plans []models.Plan) ([]models.Competitor, error) {
	names := make([]string, len(plans))
	for i, plan := range plans {
		names[i] = string(plan)
	}

	query := `SELECT ` + prefixed("c.", competitorColumns) + `
		FROM competitors c
		JOIN products p ON p.id = c.product_id
		JOIN users u ON u.id = c.user_id
		WHERE c.is_active AND p.is_active AND u.is_active AND u.plan = ANY($1)
		ORDER BY c.created_at`

	var out []models.Competitor
	if err := p.db.SelectContext(ctx, &out, query, pq.Array(names)); err != nil {
		return nil, fmt.Errorf("failed to list sweep competitors: %w", err)
	}
	return out, nil
}

// AppendHistory implements History
func (p *Postgres) AppendHistory(ctx context.Context, h *models.PriceHistory) error {
	newID(&h.ID)
	stampCreated(&h.ScrapedAt)
	_, err := p.db.NamedExecContext(ctx, `INSERT INTO price_history (`+historyColumns+`)
		VALUES (:id, :competitor_id, :product_id, :user_id, :price, :previous_price, :currency,
		:price_change, :price_change_percent, :source, :scraped_at)`, h)
	if err != nil {
		return fmt.Errorf("failed to insert price history: %w", err)
	}
	return nil
}

// ListHistory implements History
func (p *Postgres) ListHistory(ctx context.Context, competitorID string, limit int) ([]models.PriceHistory, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.PriceHistory
	err := p.db.SelectContext(ctx, &out, `SELECT `+historyColumns+` FROM price_history
		WHERE competitor_id = $1 ORDER BY scraped_at DESC LIMIT $2`, competitorID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list price history: %w", err)
	}
	return out, nil
}

// CreateEvent implements Events
func (p *Postgres) CreateEvent(ctx context.Context, e *models.Event) error {
	newID(&e.ID)
	stampCreated(&e.CreatedAt)
	_, err := p.db.NamedExecContext(ctx, `INSERT INTO events (`+eventColumns+`)
		VALUES (:id, :user_id, :product_id, :competitor_id, :rule_id, :type, :severity, :title, :message,
		:data, :is_read, :is_notified, :created_at)`, e)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ListEventsSince implements Events
func (p *Postgres) ListEventsSince(ctx context.Context, userID string, since time.Time, limit int) ([]models.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	var out []models.Event
	err := p.db.SelectContext(ctx, &out, `SELECT `+eventColumns+` FROM events
		WHERE user_id = $1 AND created_at >= $2 ORDER BY created_at DESC LIMIT $3`, userID, since, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	return out, nil
}

// CreateRule implements Rules
func (p *Postgres) CreateRule(ctx context.Context, r *models.Rule) error {
	newID(&r.ID)
	stampCreated(&r.CreatedAt)
	_, err := p.db.NamedExecContext(ctx, `INSERT INTO rules (`+ruleColumns+`)
		VALUES (:id, :user_id, :product_id, :name, :type, :conditions, :actions, :priority, :is_active,
		:trigger_count, :last_triggered_at, :created_at)`, r)
	if err != nil {
		return fmt.Errorf("failed to insert rule: %w", err)
	}
	return nil
}

// ListActiveRules implements Rules
func (p *Postgres) ListActiveRules(ctx context.Context, userID, productID string) ([]models.Rule, error) {
	var out []models.Rule
	err := p.db.SelectContext(ctx, &out, `SELECT `+ruleColumns+` FROM rules
		WHERE user_id = $1 AND is_active AND (product_id IS NULL OR product_id = $2)
		ORDER BY priority DESC, created_at DESC`, userID, productID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	return out, nil
}

// RecordRuleTrigger implements Rules
func (p *Postgres) RecordRuleTrigger(ctx context.Context, ruleID string, at time.Time) error {
	result, err := p.db.ExecContext(ctx, `UPDATE rules
		SET trigger_count = trigger_count + 1, last_triggered_at = $2 WHERE id = $1`, ruleID, at)
	return execRequireRows(result, err)
}

// GetWebhook implements Webhooks
func (p *Postgres) GetWebhook(ctx context.Context, id string) (*models.Webhook, error) {
	var w models.Webhook
	err := p.db.GetContext(ctx, &w, `SELECT `+webhookColumns+` FROM webhooks WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// CreateWebhook implements Webhooks
func (p *Postgres) CreateWebhook(ctx context.Context, w *models.Webhook) error {
	newID(&w.ID)
	stampCreated(&w.CreatedAt)
	_, err := p.db.NamedExecContext(ctx, `INSERT INTO webhooks (`+webhookColumns+`)
		VALUES (:id, :user_id, :url, :secret, :events, :is_active, :last_delivered_at, :last_status,
		:failure_count, :created_at)`, w)
	if err != nil {
		return fmt.Errorf("failed to insert webhook: %w", err)
	}
	return nil
}

// ListActiveWebhooks implements Webhooks
func (p *Postgres) ListActiveWebhooks(ctx context.Context, userID string) ([]models.Webhook, error) {
	var out []models.Webhook
	err := p.db.SelectContext(ctx, &out, `SELECT `+webhookColumns+` FROM webhooks
		WHERE user_id = $1 AND is_active ORDER BY created_at`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list webhooks: %w", err)
	}
	return out, nil
}

// RecordWebhookSuccess implements Webhooks
func (p *Postgres) RecordWebhookSuccess(ctx context.Context, id string, status int, at time.Time) (*models.Webhook, error) {
	var w models.Webhook
	err := p.db.GetContext(ctx, &w, `UPDATE webhooks
		SET failure_count = 0, last_status = $2, last_delivered_at = $3
		WHERE id = $1 RETURNING `+webhookColumns, id, status, at)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// RecordWebhookFailure implements Webhooks. The increment and the deactivation happen in one statement.
func (p *Postgres) RecordWebhookFailure(ctx context.Context, id string, status int, at time.Time, maxFailures int) (*models.Webhook, error) {
	var lastStatus *int
	if status > 0 {
		lastStatus = &status
	}

	var w models.Webhook
	err := p.db.GetContext(ctx, &w, `UPDATE webhooks
		SET failure_count = failure_count + 1,
			last_status = COALESCE($2, last_status),
			last_delivered_at = $3,
			is_active = CASE WHEN failure_count + 1 >= $4 THEN FALSE ELSE is_active END
		WHERE id = $1 RETURNING `+webhookColumns, id, lastStatus, at, maxFailures)
	if err != nil {
		return nil, notFound(err)
	}
	return &w, nil
}

// EnqueueJob implements Jobs
func (p *Postgres) EnqueueJob(ctx context.Context, j *models.Job) error {
	newID(&j.ID)
	stampCreated(&j.CreatedAt)
	if j.Type == "" {
		j.Type = models.JobTypeNormal
	}
	_, err := p.db.NamedExecContext(ctx, `INSERT INTO jobs (id, name, data, type, repeat_interval, next_run_at, created_at)
		VALUES (:id, :name, :data, :type, :repeat_interval, :next_run_at, :created_at)`, j)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// UpsertRecurringJob implements Jobs. An unchanged interval keeps the stored schedule.
func (p *Postgres) UpsertRecurringJob(ctx context.Context, j *models.Job) (*models.Job, error) {
	newID(&j.ID)
	stampCreated(&j.CreatedAt)

	var out models.Job
	err := p.db.GetContext(ctx, &out, `INSERT INTO jobs (id, name, data, type, repeat_interval, next_run_at, created_at)
		VALUES ($1, $2, $3, 'single', $4, $5, $6)
		ON CONFLICT (name) WHERE type = 'single' DO UPDATE SET
			repeat_interval = EXCLUDED.repeat_interval,
			next_run_at = CASE WHEN jobs.repeat_interval = EXCLUDED.repeat_interval
				THEN COALESCE(jobs.next_run_at, EXCLUDED.next_run_at)
				ELSE EXCLUDED.next_run_at END
		RETURNING `+jobColumns,
		j.ID, j.Name, j.Data, j.RepeatInterval, j.NextRunAt, j.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert recurring job: %w", err)
	}
	return &out, nil
}

// ClaimJob implements Jobs. Concurrent claimers never receive the same row.
func (p *Postgres) ClaimJob(ctx context.Context, names []models.JobName, owner string, now time.Time, lockLifetime time.Duration) (*models.Job, error) {
	list := make([]string, len(names))
	for i, n := range names {
		list[i] = string(n)
	}

	var j models.Job
	err := p.db.GetContext(ctx, &j, `UPDATE jobs SET locked_at = $1, locked_by = $2, last_run_at = $1
		WHERE id = (
			SELECT id FROM jobs
			WHERE name = ANY($3) AND next_run_at IS NOT NULL AND next_run_at <= $1
				AND (locked_at IS NULL OR locked_at <= $4)
			ORDER BY next_run_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING `+jobColumns, now, owner, pq.Array(list), now.Add(-lockLifetime))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return &j, nil
}

// FinishJob implements Jobs
func (p *Postgres) FinishJob(ctx context.Context, j *models.Job) error {
	result, err := p.db.ExecContext(ctx, `UPDATE jobs SET
		next_run_at = $3, last_finished_at = $4, fail_count = $5, fail_reason = $6, failed_at = $7,
		locked_at = NULL, locked_by = ''
		WHERE id = $1 AND locked_by = $2`,
		j.ID, j.LockedBy, j.NextRunAt, j.LastFinishedAt, j.FailCount, j.FailReason, j.FailedAt)
	if err != nil {
		return fmt.Errorf("failed to finish job: %w", err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

// GetJob implements Jobs
func (p *Postgres) GetJob(ctx context.Context, id string) (*models.Job, error) {
	var j models.Job
	err := p.db.GetContext(ctx, &j, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	if err != nil {
		return nil, notFound(err)
	}
	return &j, nil
}

// ListJobs implements Jobs
func (p *Postgres) ListJobs(ctx context.Context, name models.JobName) ([]models.Job, error) {
	var out []models.Job
	var err error
	if name == "" {
		err = p.db.SelectContext(ctx, &out, `SELECT `+jobColumns+` FROM jobs ORDER BY created_at`)
	} else {
		err = p.db.SelectContext(ctx, &out, `SELECT `+jobColumns+` FROM jobs WHERE name = $1 ORDER BY created_at`, name)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	return out, nil
}

// Package models holds the records shared by the price pipeline and its store.
package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// CheckStatus is the outcome of the latest check of a competitor.
type CheckStatus string

const (
	CheckPending CheckStatus = "pending"
	CheckSuccess CheckStatus = "success"
	CheckError   CheckStatus = "error"
	CheckBlocked CheckStatus = "blocked"
)

// Plan is a user's subscription tier. It decides how often their competitors are swept.
type Plan string

const (
	PlanFree     Plan = "free"
	PlanStarter  Plan = "starter"
	PlanPro      Plan = "pro"
	PlanAdvanced Plan = "advanced"
)

// HistorySource tags where a price observation came from.
type HistorySource string

const (
	SourceScraper   HistorySource = "scraper"
	SourceAPI       HistorySource = "api"
	SourceManual    HistorySource = "manual"
	SourceExtension HistorySource = "extension"
)

// EventType classifies an Event.
type EventType string

const (
	EventPriceDiscovered EventType = "price_discovered"
	EventPriceDrop       EventType = "price_drop"
	EventPriceIncrease   EventType = "price_increase"
	EventCompetitorError EventType = "competitor_error"
	EventRuleTriggered   EventType = "rule_triggered"
	EventWebhookDisabled EventType = "webhook_disabled"
)

// Severity of an Event.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityAlert    Severity = "alert"
	SeverityCritical Severity = "critical"
)

// Webhook subscription names.
const (
	WebhookEventAll             = "all"
	WebhookEventPriceChange     = "price_change"
	WebhookEventRuleTriggered   = "rule_triggered"
	WebhookEventCompetitorError = "competitor_error"
	WebhookEventWeeklySummary   = "weekly_summary"
)

// User owns products, competitors, rules and webhooks.
type User struct {
	ID                 string    `db:"id" json:"id"`
	Email              string    `db:"email" json:"email"`
	Name               string    `db:"name" json:"name"`
	Plan               Plan      `db:"plan" json:"plan"`
	IsActive           bool      `db:"is_active" json:"isActive"`
	EmailNotifications bool      `db:"email_notifications" json:"emailNotifications"`
	StripeCustomerID   *string   `db:"stripe_customer_id" json:"-"`
	CreatedAt          time.Time `db:"created_at" json:"createdAt"`
}

// Product is the user's own product. Competitors are priced against MyPrice.
type Product struct {
	ID        string              `db:"id" json:"id"`
	UserID    string              `db:"user_id" json:"userId"`
	Name      string              `db:"name" json:"name"`
	SKU       string              `db:"sku" json:"sku,omitempty"`
	MyPrice   decimal.NullDecimal `db:"my_price" json:"myPrice"`
	Currency  string              `db:"currency" json:"currency"`
	IsActive  bool                `db:"is_active" json:"isActive"`
	CreatedAt time.Time           `db:"created_at" json:"createdAt"`
}

// Selectors are optional per-competitor extraction overrides.
type Selectors struct {
	Price    string `json:"price,omitempty"`
	Currency string `json:"currency,omitempty"`
}

// Scan implements the sql.Scanner interface.
func (s *Selectors) Scan(value any) error {
	return scanJSON(value, s)
}

// Value implements the driver.Valuer interface.
func (s Selectors) Value() (driver.Value, error) {
	return json.Marshal(s)
}

// Competitor is a tracked external listing.
// CurrentPrice stays null until the first successful extraction.
type Competitor struct {
	ID              string              `db:"id" json:"id"`
	UserID          string              `db:"user_id" json:"userId"`
	ProductID       string              `db:"product_id" json:"productId"`
	Name            string              `db:"name" json:"name"`
	URL             string              `db:"url" json:"url"`
	Domain          string              `db:"domain" json:"domain"`
	CurrentPrice    decimal.NullDecimal `db:"current_price" json:"currentPrice"`
	Currency        string              `db:"currency" json:"currency"`
	LastCheckedAt   *time.Time          `db:"last_checked_at" json:"lastCheckedAt"`
	LastPriceChange *time.Time          `db:"last_price_change" json:"lastPriceChange"`
	CheckStatus     CheckStatus         `db:"check_status" json:"checkStatus"`
	ErrorMessage    *string             `db:"error_message" json:"errorMessage"`
	CanonicalURL    *string             `db:"canonical_url" json:"canonicalUrl,omitempty"`
	ImageURL        *string             `db:"image_url" json:"imageUrl,omitempty"`
	Selectors       Selectors           `db:"selectors" json:"selectors"`
	IsActive        bool                `db:"is_active" json:"isActive"`
	CreatedAt       time.Time           `db:"created_at" json:"createdAt"`
	UpdatedAt       time.Time           `db:"updated_at" json:"updatedAt"`
}

// PriceHistory is an append-only observation.
type PriceHistory struct {
	ID                 string              `db:"id" json:"id"`
	CompetitorID       string              `db:"competitor_id" json:"competitorId"`
	ProductID          string              `db:"product_id" json:"productId"`
	UserID             string              `db:"user_id" json:"userId"`
	Price              decimal.Decimal     `db:"price" json:"price"`
	PreviousPrice      decimal.NullDecimal `db:"previous_price" json:"previousPrice"`
	Currency           string              `db:"currency" json:"currency"`
	PriceChange        decimal.NullDecimal `db:"price_change" json:"priceChange"`
	PriceChangePercent decimal.NullDecimal `db:"price_change_percent" json:"priceChangePercent"`
	Source             HistorySource       `db:"source" json:"source"`
	ScrapedAt          time.Time           `db:"scraped_at" json:"scrapedAt"`
}

// Event is a notification-worthy occurrence. Only IsRead changes after creation.
type Event struct {
	ID           string    `db:"id" json:"id"`
	UserID       string    `db:"user_id" json:"userId"`
	ProductID    *string   `db:"product_id" json:"productId,omitempty"`
	CompetitorID *string   `db:"competitor_id" json:"competitorId,omitempty"`
	RuleID       *string   `db:"rule_id" json:"ruleId,omitempty"`
	Type         EventType `db:"type" json:"type"`
	Severity     Severity  `db:"severity" json:"severity"`
	Title        string    `db:"title" json:"title"`
	Message      string    `db:"message" json:"message"`
	Data         JSONMap   `db:"data" json:"data"`
	IsRead       bool      `db:"is_read" json:"isRead"`
	IsNotified   bool      `db:"is_notified" json:"isNotified"`
	CreatedAt    time.Time `db:"created_at" json:"createdAt"`
}

// Webhook is an outbound delivery target. Secret is write-only.
type Webhook struct {
	ID              string     `db:"id" json:"id"`
	UserID          string     `db:"user_id" json:"userId"`
	URL             string     `db:"url" json:"url"`
	Secret          string     `db:"secret" json:"-"`
	Events          StringList `db:"events" json:"events"`
	IsActive        bool       `db:"is_active" json:"isActive"`
	LastDeliveredAt *time.Time `db:"last_delivered_at" json:"lastDeliveredAt"`
	LastStatus      *int       `db:"last_status" json:"lastStatus"`
	FailureCount    int        `db:"failure_count" json:"failureCount"`
	CreatedAt       time.Time  `db:"created_at" json:"createdAt"`
}

// Subscribed reports whether the webhook wants events of the given name.
func (w *Webhook) Subscribed(event string) bool {
	return w.Events.Contains(WebhookEventAll) || w.Events.Contains(event)
}

// MaxWebhookFailures is the number of consecutive failures that deactivates a webhook.
const MaxWebhookFailures = 10

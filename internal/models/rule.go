package models

import (
	"database/sql/driver"
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// RuleType selects the predicate a rule evaluates.
type RuleType string

const (
	RulePriceBelow          RuleType = "price_below"
	RulePriceAbove          RuleType = "price_above"
	RulePriceDropPercent    RuleType = "price_drop_percent"
	RulePriceDropAmount     RuleType = "price_drop_amount"
	RuleMarginImpact        RuleType = "margin_impact"
	RuleCompetitorAnyChange RuleType = "competitor_any_change"
)

// ActionType is what a matched rule does.
type ActionType string

const (
	ActionLog     ActionType = "log"
	ActionEmail   ActionType = "email"
	ActionWebhook ActionType = "webhook"
)

// RuleConditions are the parameters of a rule predicate.
type RuleConditions struct {
	Threshold        decimal.NullDecimal `json:"threshold"`
	ThresholdPercent decimal.NullDecimal `json:"thresholdPercent"`
	ThresholdAmount  decimal.NullDecimal `json:"thresholdAmount"`
	CompetitorIDs    []string            `json:"competitorIds,omitempty"`
	TimeWindowHours  int                 `json:"timeWindowHours,omitempty"`
}

// Scan implements the sql.Scanner interface.
func (c *RuleConditions) Scan(value any) error {
	return scanJSON(value, c)
}

// Value implements the driver.Valuer interface.
func (c RuleConditions) Value() (driver.Value, error) {
	return json.Marshal(c)
}

// RuleAction is one step executed when a rule matches.
type RuleAction struct {
	Type   ActionType     `json:"type"`
	Config map[string]any `json:"config,omitempty"`
}

// RuleActions is the ordered action list of a rule.
type RuleActions []RuleAction

// Scan implements the sql.Scanner interface.
func (a *RuleActions) Scan(value any) error {
	return scanJSON(value, a)
}

// Value implements the driver.Valuer interface.
func (a RuleActions) Value() (driver.Value, error) {
	if a == nil {
		return []byte("[]"), nil
	}
	return json.Marshal([]RuleAction(a))
}

// Rule is a user-defined reaction to a price change. Actions is never empty.
type Rule struct {
	ID              string         `db:"id" json:"id"`
	UserID          string         `db:"user_id" json:"userId"`
	ProductID       *string        `db:"product_id" json:"productId"`
	Name            string         `db:"name" json:"name"`
	Type            RuleType       `db:"type" json:"type"`
	Conditions      RuleConditions `db:"conditions" json:"conditions"`
	Actions         RuleActions    `db:"actions" json:"actions"`
	Priority        int            `db:"priority" json:"priority"`
	IsActive        bool           `db:"is_active" json:"isActive"`
	TriggerCount    int            `db:"trigger_count" json:"triggerCount"`
	LastTriggeredAt *time.Time     `db:"last_triggered_at" json:"lastTriggeredAt"`
	CreatedAt       time.Time      `db:"created_at" json:"createdAt"`
}

// AppliesTo reports whether the rule is scoped to the given product and competitor.
func (r *Rule) AppliesTo(productID, competitorID string) bool {
	if r.ProductID != nil && *r.ProductID != productID {
		return false
	}
	if len(r.Conditions.CompetitorIDs) == 0 {
		return true
	}
	for _, id := range r.Conditions.CompetitorIDs {
		if id == competitorID {
			return true
		}
	}
	return false
}

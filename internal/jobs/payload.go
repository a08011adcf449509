// Package jobs defines the job kinds of the dispatcher, their retry policies and their handlers.
package jobs

import (
	"encoding/json"
	"fmt"

	"sjsage522/pricewatch/internal/models"
	perrors "sjsage522/pricewatch/pkg/errors"
)

// Payload is the typed data of one job kind. The set of implementations is closed.
type Payload interface {
	JobName() models.JobName
	isPayload()
}

// HourlyPriceCheck sweeps competitors of the hourly plans
type HourlyPriceCheck struct{}

// DailyPriceCheck sweeps competitors of the daily plans
type DailyPriceCheck struct{}

// CheckCompetitor checks one competitor
type CheckCompetitor struct {
	CompetitorID string `json:"competitorId"`
	UserID       string `json:"userId,omitempty"`
}

// SendWebhook delivers one event to one webhook
type SendWebhook struct {
	WebhookID string         `json:"webhookId"`
	EventType string         `json:"eventType"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// EmailKind selects the email template
type EmailKind string

const (
	EmailPriceAlert      EmailKind = "price-alert"
	EmailWeeklyDigest    EmailKind = "weekly-digest"
	EmailWebhookDisabled EmailKind = "webhook-disabled"
)

// SendEmail sends one templated email to a user
type SendEmail struct {
	Type   EmailKind      `json:"type"`
	UserID string         `json:"userId"`
	Data   map[string]any `json:"data,omitempty"`
}

// StripeReconciliation reconciles billing state
type StripeReconciliation struct{}

// WeeklyDigest queues the weekly summary emails
type WeeklyDigest struct{}

func (HourlyPriceCheck) JobName() models.JobName     { return models.JobHourlyPriceCheck }
func (DailyPriceCheck) JobName() models.JobName      { return models.JobDailyPriceCheck }
func (CheckCompetitor) JobName() models.JobName      { return models.JobCheckCompetitor }
func (SendWebhook) JobName() models.JobName          { return models.JobSendWebhook }
func (SendEmail) JobName() models.JobName            { return models.JobSendEmail }
func (StripeReconciliation) JobName() models.JobName { return models.JobStripeReconciliation }
func (WeeklyDigest) JobName() models.JobName         { return models.JobWeeklyDigest }

func (HourlyPriceCheck) isPayload()     {}
func (DailyPriceCheck) isPayload()      {}
func (CheckCompetitor) isPayload()      {}
func (SendWebhook) isPayload()          {}
func (SendEmail) isPayload()            {}
func (StripeReconciliation) isPayload() {}
func (WeeklyDigest) isPayload()         {}

// Encode serializes p into its job name and data.
func Encode(p Payload) (models.JobName, models.JobData, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", nil, fmt.Errorf("failed to encode %s payload: %w", p.JobName(), err)
	}
	return p.JobName(), models.JobData(data), nil
}

// Decode parses job data by job name. Malformed data and unknown names are terminal.
func Decode(name models.JobName, data models.JobData) (Payload, error) {
	var (
		p   Payload
		err error
	)

	switch name {
	case models.JobHourlyPriceCheck:
		p = HourlyPriceCheck{}
	case models.JobDailyPriceCheck:
		p = DailyPriceCheck{}
	case models.JobStripeReconciliation:
		p = StripeReconciliation{}
	case models.JobWeeklyDigest:
		p = WeeklyDigest{}
	case models.JobCheckCompetitor:
		var v CheckCompetitor
		err = unmarshal(data, &v)
		if err == nil && v.CompetitorID == "" {
			err = fmt.Errorf("competitorId is required")
		}
		p = v
	case models.JobSendWebhook:
		var v SendWebhook
		err = unmarshal(data, &v)
		if err == nil && v.WebhookID == "" {
			err = fmt.Errorf("webhookId is required")
		}
		p = v
	case models.JobSendEmail:
		var v SendEmail
		err = unmarshal(data, &v)
		if err == nil && (v.UserID == "" || v.Type == "") {
			err = fmt.Errorf("type and userId are required")
		}
		p = v
	default:
		return nil, perrors.Terminal(perrors.NewValidation(string(name), "unknown job name"))
	}

	if err != nil {
		return nil, perrors.Terminal(perrors.New(perrors.ErrorTypeValidation, string(name), "invalid job data", err))
	}
	return p, nil
}

func unmarshal(data models.JobData, v any) error {
	if len(data) == 0 {
		return json.Unmarshal([]byte("{}"), v)
	}
	return json.Unmarshal(data, v)
}

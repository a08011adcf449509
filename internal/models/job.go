package models

import (
	"database/sql/driver"
	"errors"
	"time"
)

// JobName is the fixed set of job kinds the dispatcher knows.
type JobName string

const (
	JobHourlyPriceCheck     JobName = "hourly-price-check"
	JobDailyPriceCheck      JobName = "daily-price-check"
	JobCheckCompetitor      JobName = "check-competitor"
	JobSendWebhook          JobName = "send-webhook"
	JobSendEmail            JobName = "send-email"
	JobStripeReconciliation JobName = "stripe-reconciliation"
	JobWeeklyDigest         JobName = "weekly-digest"
)

// AllJobNames lists every job kind.
var AllJobNames = []JobName{
	JobHourlyPriceCheck,
	JobDailyPriceCheck,
	JobCheckCompetitor,
	JobSendWebhook,
	JobSendEmail,
	JobStripeReconciliation,
	JobWeeklyDigest,
}

// JobType separates recurring definitions (single) from ad-hoc jobs (normal).
type JobType string

const (
	JobTypeNormal JobType = "normal"
	JobTypeSingle JobType = "single"
)

// Job is a persisted unit of work. It is due when NextRunAt <= now and holds no live lock.
type Job struct {
	ID             string          `db:"id" json:"id"`
	Name           JobName         `db:"name" json:"name"`
	Data           JobData         `db:"data" json:"data"`
	Type           JobType         `db:"type" json:"type"`
	RepeatInterval string          `db:"repeat_interval" json:"repeatInterval,omitempty"`
	NextRunAt      *time.Time      `db:"next_run_at" json:"nextRunAt"`
	LockedAt       *time.Time      `db:"locked_at" json:"lockedAt"`
	LockedBy       string          `db:"locked_by" json:"lockedBy,omitempty"`
	LastRunAt      *time.Time      `db:"last_run_at" json:"lastRunAt"`
	LastFinishedAt *time.Time      `db:"last_finished_at" json:"lastFinishedAt"`
	FailedAt       *time.Time      `db:"failed_at" json:"failedAt"`
	FailCount      int             `db:"fail_count" json:"failCount"`
	FailReason     string          `db:"fail_reason" json:"failReason,omitempty"`
	CreatedAt      time.Time       `db:"created_at" json:"createdAt"`
}

// Recurring reports whether the job is a recurring definition.
func (j *Job) Recurring() bool {
	return j.Type == JobTypeSingle && j.RepeatInterval != ""
}

// Due reports whether the job can be claimed at now given the lock lifetime.
func (j *Job) Due(now time.Time, lockLifetime time.Duration) bool {
	if j.NextRunAt == nil || j.NextRunAt.After(now) {
		return false
	}
	return j.LockedAt == nil || !j.LockedAt.Add(lockLifetime).After(now)
}

// JobData is the raw JSON payload of a job.
type JobData []byte

// Scan implements the sql.Scanner interface.
func (d *JobData) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*d = nil
	case []byte:
		*d = append((*d)[:0], v...)
	case string:
		*d = JobData(v)
	default:
		return errors.New("unsupported type for job data")
	}
	return nil
}

// Value implements the driver.Valuer interface.
func (d JobData) Value() (driver.Value, error) {
	if len(d) == 0 {
		return []byte("{}"), nil
	}
	return []byte(d), nil
}

// MarshalJSON embeds the payload as-is.
func (d JobData) MarshalJSON() ([]byte, error) {
	if len(d) == 0 {
		return []byte("{}"), nil
	}
	return d, nil
}

// UnmarshalJSON keeps a copy of the raw payload.
func (d *JobData) UnmarshalJSON(data []byte) error {
	*d = append((*d)[:0], data...)
	return nil
}

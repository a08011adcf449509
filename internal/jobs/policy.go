package jobs

import (
	"time"

	"sjsage522/pricewatch/internal/models"
)

// Backoff is how the retry delay grows with the failure count.
type Backoff string

const (
	BackoffFixed       Backoff = "fixed"
	BackoffExponential Backoff = "exponential"
)

// Policy is the retry and concurrency discipline of one job kind.
type Policy struct {
	MaxRetries  int
	Delay       time.Duration
	Backoff     Backoff
	Concurrency int
}

// Policies by job name
var Policies = map[models.JobName]Policy{
	models.JobHourlyPriceCheck:     {Concurrency: 1},
	models.JobDailyPriceCheck:      {Concurrency: 1},
	models.JobCheckCompetitor:      {MaxRetries: 2, Delay: 5 * time.Minute, Backoff: BackoffFixed, Concurrency: 5},
	models.JobSendWebhook:          {MaxRetries: 5, Delay: time.Minute, Backoff: BackoffExponential, Concurrency: 10},
	models.JobSendEmail:            {MaxRetries: 3, Delay: 30 * time.Second, Backoff: BackoffExponential, Concurrency: 5},
	models.JobStripeReconciliation: {MaxRetries: 1, Delay: 30 * time.Minute, Backoff: BackoffFixed, Concurrency: 1},
	models.JobWeeklyDigest:         {MaxRetries: 1, Delay: time.Hour, Backoff: BackoffFixed, Concurrency: 1},
}

// PolicyFor returns the policy of name. Unknown names get no retries and a concurrency of one.
func PolicyFor(name models.JobName) Policy {
	if p, ok := Policies[name]; ok {
		return p
	}
	return Policy{Concurrency: 1}
}

// RetryDelay returns the wait before the next attempt given the failure count including the
// failure just recorded. ok is false once the retries are exhausted.
func (p Policy) RetryDelay(failCount int) (delay time.Duration, ok bool) {
	if failCount < 1 || failCount > p.MaxRetries {
		return 0, false
	}
	if p.Backoff == BackoffExponential {
		return p.Delay * time.Duration(1<<(failCount-1)), true
	}
	return p.Delay, true
}

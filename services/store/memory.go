package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sjsage522/pricewatch/internal/models"
)

// Memory is an in-process Store for single-node development runs and tests.
type Memory struct {
	mu          sync.RWMutex
	users       map[string]models.User
	products    map[string]models.Product
	competitors map[string]models.Competitor
	history     []models.PriceHistory
	events      []models.Event
	rules       map[string]models.Rule
	webhooks    map[string]models.Webhook
	jobs        map[string]models.Job
	now         func() time.Time
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		users:       make(map[string]models.User),
		products:    make(map[string]models.Product),
		competitors: make(map[string]models.Competitor),
		rules:       make(map[string]models.Rule),
		webhooks:    make(map[string]models.Webhook),
		jobs:        make(map[string]models.Job),
		now:         time.Now,
	}
}

func (m *Memory) stamp(id *string, created *time.Time) {
	if *id == "" {
		*id = uuid.NewString()
	}
	if created.IsZero() {
		*created = m.now().UTC()
	}
}

// Ping implements Store
func (m *Memory) Ping(ctx context.Context) error { return nil }

// Close implements Store
func (m *Memory) Close() error { return nil }

// GetUser implements Users
func (m *Memory) GetUser(ctx context.Context, id string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &u, nil
}

// CreateUser implements Users
func (m *Memory) CreateUser(ctx context.Context, u *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp(&u.ID, &u.CreatedAt)
	m.users[u.ID] = *u
	return nil
}

// ListActiveUsers implements Users
func (m *Memory) ListActiveUsers(ctx context.Context) ([]models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.User
	for _, u := range m.users {
		if u.IsActive {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// GetProduct implements Products
func (m *Memory) GetProduct(ctx context.Context, id string) (*models.Product, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

// CreateProduct implements Products
func (m *Memory) CreateProduct(ctx context.Context, p *models.Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp(&p.ID, &p.CreatedAt)
	m.products[p.ID] = *p
	return nil
}

// DeleteProduct removes a product. Competitors are left in place.
func (m *Memory) DeleteProduct(ctx context.Context, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.products, id)
}

// GetCompetitor implements Competitors
func (m *Memory) GetCompetitor(ctx context.Context, id string) (*models.Competitor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.competitors[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &c, nil
}

// CreateCompetitor implements Competitors
func (m *Memory) CreateCompetitor(ctx context.Context, c *models.Competitor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp(&c.ID, &c.CreatedAt)
	if c.CheckStatus == "" {
		c.CheckStatus = models.CheckPending
	}
	c.UpdatedAt = c.CreatedAt
	m.competitors[c.ID] = *c
	return nil
}

// UpdateCompetitor implements Competitors
func (m *Memory) UpdateCompetitor(ctx context.Context, c *models.Competitor) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.competitors[c.ID]; !ok {
		return ErrNotFound
	}
	c.UpdatedAt = m.now().UTC()
	m.competitors[c.ID] = *c
	return nil
}

// ListSweepCompetitors implements Competitors
func (m *Memory) ListSweepCompetitors(ctx context.Context, plans []models.Plan) ([]models.Competitor, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.Competitor
	for _, c := range m.competitors {
		if !c.IsActive {
			continue
		}
		p, ok := m.products[c.ProductID]
		if !ok || !p.IsActive {
			continue
		}
		u, ok := m.users[c.UserID]
		if !ok || !u.IsActive || !planIn(u.Plan, plans) {
			continue
		}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func planIn(p models.Plan, plans []models.Plan) bool {
	for _, candidate := range plans {
		if candidate == p {
			return true
		}
	}
	return false
}

// AppendHistory implements History
func (m *Memory) AppendHistory(ctx context.Context, h *models.PriceHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp(&h.ID, &h.ScrapedAt)
	m.history = append(m.history, *h)
	return nil
}

// ListHistory implements History. Newest first.
func (m *Memory) ListHistory(ctx context.Context, competitorID string, limit int) ([]models.PriceHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.PriceHistory
	for i := len(m.history) - 1; i >= 0; i-- {
		if m.history[i].CompetitorID == competitorID {
			out = append(out, m.history[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

// CreateEvent implements Events
func (m *Memory) CreateEvent(ctx context.Context, e *models.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp(&e.ID, &e.CreatedAt)
	m.events = append(m.events, *e)
	return nil
}

// ListEventsSince implements Events. Newest first.
func (m *Memory) ListEventsSince(ctx context.Context, userID string, since time.Time, limit int) ([]models.Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Event
	for i := len(m.events) - 1; i >= 0; i-- {
		e := m.events[i]
		if e.UserID != userID || e.CreatedAt.Before(since) {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// Events returns every stored event in insertion order
func (m *Memory) Events() []models.Event {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.Event(nil), m.events...)
}

// CreateRule implements Rules
func (m *Memory) CreateRule(ctx context.Context, r *models.Rule) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp(&r.ID, &r.CreatedAt)
	m.rules[r.ID] = *r
	return nil
}

// GetRule returns a rule by id
func (m *Memory) GetRule(ctx context.Context, id string) (*models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.rules[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &r, nil
}

// ListActiveRules implements Rules
func (m *Memory) ListActiveRules(ctx context.Context, userID, productID string) ([]models.Rule, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Rule
	for _, r := range m.rules {
		if !r.IsActive || r.UserID != userID {
			continue
		}
		if r.ProductID != nil && *r.ProductID != productID {
			continue
		}
		out = append(out, r)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority > out[j].Priority
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

// RecordRuleTrigger implements Rules
func (m *Memory) RecordRuleTrigger(ctx context.Context, ruleID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[ruleID]
	if !ok {
		return ErrNotFound
	}
	r.TriggerCount++
	r.LastTriggeredAt = &at
	m.rules[ruleID] = r
	return nil
}

// GetWebhook implements Webhooks
func (m *Memory) GetWebhook(ctx context.Context, id string) (*models.Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	w, ok := m.webhooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &w, nil
}

// CreateWebhook implements Webhooks
func (m *Memory) CreateWebhook(ctx context.Context, w *models.Webhook) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp(&w.ID, &w.CreatedAt)
	m.webhooks[w.ID] = *w
	return nil
}

// ListActiveWebhooks implements Webhooks
func (m *Memory) ListActiveWebhooks(ctx context.Context, userID string) ([]models.Webhook, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Webhook
	for _, w := range m.webhooks {
		if w.IsActive && w.UserID == userID {
			out = append(out, w)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// RecordWebhookSuccess implements Webhooks
func (m *Memory) RecordWebhookSuccess(ctx context.Context, id string, status int, at time.Time) (*models.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.webhooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	w.FailureCount = 0
	w.LastDeliveredAt = &at
	w.LastStatus = &status
	m.webhooks[id] = w
	return &w, nil
}

// RecordWebhookFailure implements Webhooks
func (m *Memory) RecordWebhookFailure(ctx context.Context, id string, status int, at time.Time, maxFailures int) (*models.Webhook, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	w, ok := m.webhooks[id]
	if !ok {
		return nil, ErrNotFound
	}
	w.FailureCount++
	w.LastDeliveredAt = &at
	if status > 0 {
		w.LastStatus = &status
	}
	if w.FailureCount >= maxFailures {
		w.IsActive = false
	}
	m.webhooks[id] = w
	return &w, nil
}

// EnqueueJob implements Jobs
func (m *Memory) EnqueueJob(ctx context.Context, j *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stamp(&j.ID, &j.CreatedAt)
	if j.Type == "" {
		j.Type = models.JobTypeNormal
	}
	m.jobs[j.ID] = *j
	return nil
}

// UpsertRecurringJob implements Jobs
func (m *Memory) UpsertRecurringJob(ctx context.Context, j *models.Job) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for id, existing := range m.jobs {
		if existing.Type != models.JobTypeSingle || existing.Name != j.Name {
			continue
		}
		if existing.RepeatInterval != j.RepeatInterval || existing.NextRunAt == nil {
			existing.NextRunAt = j.NextRunAt
		}
		existing.RepeatInterval = j.RepeatInterval
		m.jobs[id] = existing
		return &existing, nil
	}

	j.Type = models.JobTypeSingle
	m.stamp(&j.ID, &j.CreatedAt)
	m.jobs[j.ID] = *j
	out := *j
	return &out, nil
}

// ClaimJob implements Jobs
func (m *Memory) ClaimJob(ctx context.Context, names []models.JobName, owner string, now time.Time, lockLifetime time.Duration) (*models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var best *models.Job
	for _, j := range m.jobs {
		if !nameIn(j.Name, names) || !j.Due(now, lockLifetime) {
			continue
		}
		if best == nil || j.NextRunAt.Before(*best.NextRunAt) {
			candidate := j
			best = &candidate
		}
	}
	if best == nil {
		return nil, nil
	}

	locked := now
	best.LockedAt = &locked
	best.LockedBy = owner
	best.LastRunAt = &locked
	m.jobs[best.ID] = *best
	return best, nil
}

func nameIn(n models.JobName, names []models.JobName) bool {
	for _, candidate := range names {
		if candidate == n {
			return true
		}
	}
	return false
}

// FinishJob implements Jobs
func (m *Memory) FinishJob(ctx context.Context, j *models.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.jobs[j.ID]
	if !ok {
		return ErrNotFound
	}
	if current.LockedBy != j.LockedBy {
		return ErrLockLost
	}

	current.NextRunAt = j.NextRunAt
	current.LastFinishedAt = j.LastFinishedAt
	current.FailCount = j.FailCount
	current.FailReason = j.FailReason
	current.FailedAt = j.FailedAt
	current.LockedAt = nil
	current.LockedBy = ""
	m.jobs[j.ID] = current
	return nil
}

// GetJob implements Jobs
func (m *Memory) GetJob(ctx context.Context, id string) (*models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	j, ok := m.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &j, nil
}

// ListJobs implements Jobs. An empty name lists every job.
func (m *Memory) ListJobs(ctx context.Context, name models.JobName) ([]models.Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Job
	for _, j := range m.jobs {
		if name == "" || j.Name == name {
			out = append(out, j)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

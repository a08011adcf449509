package store

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sjsage522/pricewatch/internal/models"
)

func seedMemory(t *testing.T) (*Memory, *models.User, *models.Product, *models.Competitor) {
	t.Helper()
	ctx := context.Background()
	m := NewMemory()

	u := &models.User{Email: "a@example.com", Plan: models.PlanPro, IsActive: true}
	require.NoError(t, m.CreateUser(ctx, u))
	p := &models.Product{UserID: u.ID, Name: "Widget", Currency: "USD", IsActive: true,
		MyPrice: decimal.NewNullDecimal(decimal.RequireFromString("50"))}
	require.NoError(t, m.CreateProduct(ctx, p))
	c := &models.Competitor{UserID: u.ID, ProductID: p.ID, Name: "Shop", URL: "https://shop.example/p", IsActive: true}
	require.NoError(t, m.CreateCompetitor(ctx, c))
	return m, u, p, c
}

func TestMemoryCompetitorLifecycle(t *testing.T) {
	m, _, _, c := seedMemory(t)
	ctx := context.Background()

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, models.CheckPending, c.CheckStatus)

	got, err := m.GetCompetitor(ctx, c.ID)
	require.NoError(t, err)
	got.CheckStatus = models.CheckSuccess

	// the stored copy is unaffected until updated
	again, _ := m.GetCompetitor(ctx, c.ID)
	assert.Equal(t, models.CheckPending, again.CheckStatus)

	require.NoError(t, m.UpdateCompetitor(ctx, got))
	again, _ = m.GetCompetitor(ctx, c.ID)
	assert.Equal(t, models.CheckSuccess, again.CheckStatus)

	_, err = m.GetCompetitor(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, m.UpdateCompetitor(ctx, &models.Competitor{ID: "missing"}), ErrNotFound)
}

func TestMemoryListSweepCompetitors(t *testing.T) {
	m, u, p, c := seedMemory(t)
	ctx := context.Background()

	inactive := &models.Competitor{UserID: u.ID, ProductID: p.ID, URL: "https://b.example", IsActive: false}
	require.NoError(t, m.CreateCompetitor(ctx, inactive))

	list, err := m.ListSweepCompetitors(ctx, []models.Plan{models.PlanPro, models.PlanAdvanced})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, c.ID, list[0].ID)

	list, err = m.ListSweepCompetitors(ctx, []models.Plan{models.PlanFree})
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestMemoryRulesOrdering(t *testing.T) {
	m, u, p, _ := seedMemory(t)
	ctx := context.Background()
	other := "other-product"

	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	rules := []*models.Rule{
		{Name: "low", UserID: u.ID, Priority: 1, IsActive: true, CreatedAt: base},
		{Name: "high-old", UserID: u.ID, Priority: 5, IsActive: true, CreatedAt: base},
		{Name: "high-new", UserID: u.ID, Priority: 5, IsActive: true, CreatedAt: base.Add(time.Hour)},
		{Name: "inactive", UserID: u.ID, Priority: 9, IsActive: false, CreatedAt: base},
		{Name: "scoped-elsewhere", UserID: u.ID, ProductID: &other, Priority: 9, IsActive: true, CreatedAt: base},
		{Name: "scoped-here", UserID: u.ID, ProductID: &p.ID, Priority: 0, IsActive: true, CreatedAt: base},
	}
	for _, r := range rules {
		require.NoError(t, m.CreateRule(ctx, r))
	}

	list, err := m.ListActiveRules(ctx, u.ID, p.ID)
	require.NoError(t, err)

	var names []string
	for _, r := range list {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"high-new", "high-old", "low", "scoped-here"}, names)

	at := base.Add(2 * time.Hour)
	require.NoError(t, m.RecordRuleTrigger(ctx, rules[0].ID, at))
	got, err := m.GetRule(ctx, rules[0].ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.TriggerCount)
	assert.Equal(t, at, *got.LastTriggeredAt)
}

func TestMemoryWebhookFailuresDeactivate(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	w := &models.Webhook{UserID: "u1", URL: "https://hooks.example", Secret: "s", IsActive: true}
	require.NoError(t, m.CreateWebhook(ctx, w))

	now := time.Now()
	for i := 0; i < 9; i++ {
		got, err := m.RecordWebhookFailure(ctx, w.ID, 500, now, models.MaxWebhookFailures)
		require.NoError(t, err)
		assert.True(t, got.IsActive)
	}
	got, err := m.RecordWebhookFailure(ctx, w.ID, 500, now, models.MaxWebhookFailures)
	require.NoError(t, err)
	assert.False(t, got.IsActive)
	assert.Equal(t, 10, got.FailureCount)

	active, err := m.ListActiveWebhooks(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestMemoryWebhookSuccessResets(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	w := &models.Webhook{UserID: "u1", URL: "https://hooks.example", Secret: "s", IsActive: true}
	require.NoError(t, m.CreateWebhook(ctx, w))

	now := time.Now()
	for i := 0; i < 9; i++ {
		_, err := m.RecordWebhookFailure(ctx, w.ID, 0, now, models.MaxWebhookFailures)
		require.NoError(t, err)
	}
	got, err := m.RecordWebhookSuccess(ctx, w.ID, 200, now)
	require.NoError(t, err)
	assert.Equal(t, 0, got.FailureCount)
	assert.Equal(t, 200, *got.LastStatus)

	got, err = m.RecordWebhookFailure(ctx, w.ID, 0, now, models.MaxWebhookFailures)
	require.NoError(t, err)
	assert.True(t, got.IsActive)
	assert.Equal(t, 1, got.FailureCount)
}

func TestMemoryHistoryNewestFirst(t *testing.T) {
	m, u, p, c := seedMemory(t)
	ctx := context.Background()
	base := time.Now()

	for i, price := range []string{"10", "11", "12"} {
		require.NoError(t, m.AppendHistory(ctx, &models.PriceHistory{
			CompetitorID: c.ID, ProductID: p.ID, UserID: u.ID,
			Price: decimal.RequireFromString(price), Currency: "USD",
			ScrapedAt: base.Add(time.Duration(i) * time.Minute),
		}))
	}

	list, err := m.ListHistory(ctx, c.ID, 2)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.True(t, list[0].Price.Equal(decimal.RequireFromString("12")))
	assert.True(t, list[1].Price.Equal(decimal.RequireFromString("11")))
}

func TestMemoryEventsSince(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	require.NoError(t, m.CreateEvent(ctx, &models.Event{UserID: "u1", Title: "old", CreatedAt: base.Add(-48 * time.Hour)}))
	require.NoError(t, m.CreateEvent(ctx, &models.Event{UserID: "u1", Title: "new", CreatedAt: base}))
	require.NoError(t, m.CreateEvent(ctx, &models.Event{UserID: "u2", Title: "other", CreatedAt: base}))

	list, err := m.ListEventsSince(ctx, "u1", base.Add(-time.Hour), 0)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "new", list[0].Title)
	assert.Len(t, m.Events(), 3)
}

func TestMemoryClaimJob(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	now := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Minute)
	earlier := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	later := &models.Job{Name: models.JobSendEmail, NextRunAt: &past}
	first := &models.Job{Name: models.JobSendEmail, NextRunAt: &earlier}
	notYet := &models.Job{Name: models.JobSendEmail, NextRunAt: &future}
	otherKind := &models.Job{Name: models.JobSendWebhook, NextRunAt: &earlier}
	for _, j := range []*models.Job{later, first, notYet, otherKind} {
		require.NoError(t, m.EnqueueJob(ctx, j))
	}

	names := []models.JobName{models.JobSendEmail}

	claimed, err := m.ClaimJob(ctx, names, "w1", now, 10*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed)
	assert.Equal(t, first.ID, claimed.ID)
	assert.Equal(t, "w1", claimed.LockedBy)

	claimed2, err := m.ClaimJob(ctx, names, "w2", now, 10*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, claimed2)
	assert.Equal(t, later.ID, claimed2.ID)

	none, err := m.ClaimJob(ctx, names, "w3", now, 10*time.Minute)
	require.NoError(t, err)
	assert.Nil(t, none)

	// a stale lock becomes claimable again
	stale, err := m.ClaimJob(ctx, names, "w3", now.Add(11*time.Minute), 10*time.Minute)
	require.NoError(t, err)
	require.NotNil(t, stale)
	assert.Equal(t, first.ID, stale.ID)

	// the original owner lost its lock
	claimed.NextRunAt = nil
	assert.ErrorIs(t, m.FinishJob(ctx, claimed), ErrLockLost)

	stale.NextRunAt = nil
	require.NoError(t, m.FinishJob(ctx, stale))
	got, err := m.GetJob(ctx, first.ID)
	require.NoError(t, err)
	assert.Nil(t, got.NextRunAt)
	assert.Nil(t, got.LockedAt)
	assert.Empty(t, got.LockedBy)
}

func TestMemoryUpsertRecurringJob(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	t1 := time.Date(2026, 5, 1, 13, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Hour)

	first, err := m.UpsertRecurringJob(ctx, &models.Job{Name: models.JobHourlyPriceCheck, RepeatInterval: "@every 1h", NextRunAt: &t1})
	require.NoError(t, err)
	assert.Equal(t, models.JobTypeSingle, first.Type)

	// same interval keeps the schedule
	again, err := m.UpsertRecurringJob(ctx, &models.Job{Name: models.JobHourlyPriceCheck, RepeatInterval: "@every 1h", NextRunAt: &t2})
	require.NoError(t, err)
	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, t1, *again.NextRunAt)

	// a new interval reschedules
	changed, err := m.UpsertRecurringJob(ctx, &models.Job{Name: models.JobHourlyPriceCheck, RepeatInterval: "@every 2h", NextRunAt: &t2})
	require.NoError(t, err)
	assert.Equal(t, t2, *changed.NextRunAt)

	jobs, err := m.ListJobs(ctx, models.JobHourlyPriceCheck)
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

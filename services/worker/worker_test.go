package worker

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sjsage522/pricewatch/internal/jobs"
	"sjsage522/pricewatch/internal/models"
	perrors "sjsage522/pricewatch/pkg/errors"
	"sjsage522/pricewatch/services/store"
)

// MockRunner implements JobRunner for testing
type MockRunner struct {
	mu    sync.Mutex
	runs  []models.JobName
	err   error
	block chan struct{}
}

// Ensure MockRunner implements JobRunner
var _ JobRunner = (*MockRunner)(nil)

func (m *MockRunner) Run(ctx context.Context, job *models.Job) error {
	m.mu.Lock()
	m.runs = append(m.runs, job.Name)
	block := m.block
	err := m.err
	m.mu.Unlock()

	if block != nil {
		<-block
	}
	return err
}

func (m *MockRunner) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.runs)
}

// clock is a settable time source
type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestDispatcher(t *testing.T, runner JobRunner) (*Dispatcher, *store.Memory, *clock) {
	t.Helper()
	st := store.NewMemory()
	c := &clock{now: time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)}
	d := NewDispatcher(st, runner, Options{MaxConcurrency: 4, Owner: "test-worker"})
	d.now = c.Now
	return d, st, c
}

func enqueue(t *testing.T, st *store.Memory, p jobs.Payload, at time.Time) *models.Job {
	t.Helper()
	name, data, err := jobs.Encode(p)
	require.NoError(t, err)
	job := &models.Job{Name: name, Data: data, NextRunAt: &at}
	require.NoError(t, st.EnqueueJob(context.Background(), job))
	return job
}

func get(t *testing.T, st *store.Memory, id string) *models.Job {
	t.Helper()
	job, err := st.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

// TestDispatcherCompletesJob tests that a successful one-shot job is not scheduled again
func TestDispatcherCompletesJob(t *testing.T) {
	runner := &MockRunner{}
	d, st, c := newTestDispatcher(t, runner)
	job := enqueue(t, st, jobs.CheckCompetitor{CompetitorID: "c1"}, c.Now())

	assert.Equal(t, 1, d.ProcessOnce(context.Background()))
	d.Wait()

	stored := get(t, st, job.ID)
	assert.Nil(t, stored.NextRunAt)
	assert.Nil(t, stored.LockedAt)
	assert.Empty(t, stored.LockedBy)
	require.NotNil(t, stored.LastFinishedAt)
	assert.Equal(t, 0, stored.FailCount)

	assert.Equal(t, 0, d.ProcessOnce(context.Background()))
	assert.Equal(t, int64(1), d.Stats().Processed)
}

// TestDispatcherSkipsFutureJobs tests that jobs are not claimed before their run time
func TestDispatcherSkipsFutureJobs(t *testing.T) {
	runner := &MockRunner{}
	d, st, c := newTestDispatcher(t, runner)
	enqueue(t, st, jobs.CheckCompetitor{CompetitorID: "c1"}, c.Now().Add(time.Minute))

	assert.Equal(t, 0, d.ProcessOnce(context.Background()))

	c.Advance(time.Minute)
	assert.Equal(t, 1, d.ProcessOnce(context.Background()))
	d.Wait()
}

// TestDispatcherFixedRetries tests a policy of two retries five minutes apart
func TestDispatcherFixedRetries(t *testing.T) {
	runner := &MockRunner{err: perrors.NewFetch("https://shop.example", "HTTP 503", nil)}
	d, st, c := newTestDispatcher(t, runner)
	job := enqueue(t, st, jobs.CheckCompetitor{CompetitorID: "c1"}, c.Now())

	for attempt := 1; attempt <= 2; attempt++ {
		require.Equal(t, 1, d.ProcessOnce(context.Background()), "attempt %d", attempt)
		d.Wait()

		stored := get(t, st, job.ID)
		assert.Equal(t, attempt, stored.FailCount)
		require.NotNil(t, stored.NextRunAt)
		assert.Equal(t, c.Now().Add(5*time.Minute), *stored.NextRunAt)
		assert.Contains(t, stored.FailReason, "HTTP 503")

		assert.Equal(t, 0, d.ProcessOnce(context.Background()), "retry must wait for the delay")
		c.Advance(5 * time.Minute)
	}

	require.Equal(t, 1, d.ProcessOnce(context.Background()))
	d.Wait()

	stored := get(t, st, job.ID)
	assert.Equal(t, 3, stored.FailCount)
	assert.Nil(t, stored.NextRunAt)
	require.NotNil(t, stored.FailedAt)
	assert.Equal(t, 3, runner.count())
	assert.Equal(t, int64(3), d.Stats().Failed)
}

// TestDispatcherExponentialBackoff tests the growing webhook retry delay
func TestDispatcherExponentialBackoff(t *testing.T) {
	runner := &MockRunner{err: errors.New("connection reset")}
	d, st, c := newTestDispatcher(t, runner)
	job := enqueue(t, st, jobs.SendWebhook{WebhookID: "w1", EventType: "price_change"}, c.Now())

	want := []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute}
	for _, delay := range want {
		require.Equal(t, 1, d.ProcessOnce(context.Background()))
		d.Wait()

		stored := get(t, st, job.ID)
		require.NotNil(t, stored.NextRunAt)
		assert.Equal(t, c.Now().Add(delay), *stored.NextRunAt)
		c.Advance(delay)
	}
}

// TestDispatcherTerminalErrorIsNotRetried tests that a terminal failure ends the job
func TestDispatcherTerminalErrorIsNotRetried(t *testing.T) {
	runner := &MockRunner{err: perrors.Terminal(errors.New("bad payload"))}
	d, st, c := newTestDispatcher(t, runner)
	job := enqueue(t, st, jobs.SendEmail{Type: jobs.EmailPriceAlert, UserID: "u1"}, c.Now())

	d.ProcessOnce(context.Background())
	d.Wait()

	stored := get(t, st, job.ID)
	assert.Equal(t, 1, stored.FailCount)
	assert.Nil(t, stored.NextRunAt)
}

// TestDispatcherRecurringJob tests that recurring jobs resume at their next activation
func TestDispatcherRecurringJob(t *testing.T) {
	runner := &MockRunner{}
	d, st, c := newTestDispatcher(t, runner)
	ctx := context.Background()

	require.NoError(t, jobs.RegisterRecurring(ctx, st, []jobs.Recurring{{Payload: jobs.DailyPriceCheck{}, Schedule: "0 4 * * *"}}, c.Now().Add(-24*time.Hour)))
	list, err := st.ListJobs(ctx, models.JobDailyPriceCheck)
	require.NoError(t, err)
	require.Len(t, list, 1)
	id := list[0].ID

	require.Equal(t, 1, d.ProcessOnce(ctx))
	d.Wait()

	stored := get(t, st, id)
	require.NotNil(t, stored.NextRunAt)
	assert.Equal(t, time.Date(2026, 4, 2, 4, 0, 0, 0, time.UTC), *stored.NextRunAt)

	// sweeps carry no retries, a failure waits for the next activation
	runner.err = errors.New("store down")
	c.Advance(16 * time.Hour)
	require.Equal(t, 1, d.ProcessOnce(ctx))
	d.Wait()

	stored = get(t, st, id)
	require.NotNil(t, stored.NextRunAt)
	assert.Equal(t, time.Date(2026, 4, 3, 4, 0, 0, 0, time.UTC), *stored.NextRunAt)
	assert.Equal(t, 0, stored.FailCount)
	assert.Contains(t, stored.FailReason, "store down")
}

// TestDispatcherPerTypeConcurrency tests that a job kind never exceeds its own limit
func TestDispatcherPerTypeConcurrency(t *testing.T) {
	release := make(chan struct{})
	runner := &MockRunner{block: release}
	d, st, c := newTestDispatcher(t, runner)

	enqueue(t, st, jobs.StripeReconciliation{}, c.Now())
	enqueue(t, st, jobs.StripeReconciliation{}, c.Now())
	enqueue(t, st, jobs.CheckCompetitor{CompetitorID: "c1"}, c.Now())

	assert.Equal(t, 2, d.ProcessOnce(context.Background()))
	assert.Equal(t, map[models.JobName]int{
		models.JobStripeReconciliation: 1,
		models.JobCheckCompetitor:      1,
	}, d.Stats().Running)

	close(release)
	d.Wait()

	assert.Equal(t, 1, d.ProcessOnce(context.Background()))
	d.Wait()
	assert.Equal(t, 3, runner.count())
}

// TestDispatcherGlobalConcurrency tests the process-wide limit
func TestDispatcherGlobalConcurrency(t *testing.T) {
	release := make(chan struct{})
	runner := &MockRunner{block: release}
	d, st, c := newTestDispatcher(t, runner)

	for i := 0; i < 6; i++ {
		enqueue(t, st, jobs.SendWebhook{WebhookID: "w", EventType: "price_change"}, c.Now())
	}

	assert.Equal(t, 4, d.ProcessOnce(context.Background()))
	close(release)
	d.Wait()
}

// TestDispatcherPanicIsAFailure tests that a panicking handler is recorded as a failed attempt
func TestDispatcherPanicIsAFailure(t *testing.T) {
	d, st, c := newTestDispatcher(t, JobRunnerFunc(func(ctx context.Context, job *models.Job) error {
		panic("boom")
	}))
	job := enqueue(t, st, jobs.CheckCompetitor{CompetitorID: "c1"}, c.Now())

	d.ProcessOnce(context.Background())
	d.Wait()

	stored := get(t, st, job.ID)
	assert.Equal(t, 1, stored.FailCount)
	assert.Contains(t, stored.FailReason, "boom")
	assert.NotNil(t, stored.NextRunAt)
}

// TestDispatcherStartAndWake tests the loop picks up woken work and drains on shutdown
func TestDispatcherStartAndWake(t *testing.T) {
	runner := &MockRunner{}
	st := store.NewMemory()
	d := NewDispatcher(st, runner, Options{ProcessEvery: time.Hour, Owner: "loop"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()

	enq := jobs.NewEnqueuer(st)
	enq.OnEnqueue(d.Wake)
	_, err := enq.Enqueue(context.Background(), jobs.CheckCompetitor{CompetitorID: "c1"})
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return runner.count() == 1 }, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("dispatcher did not stop")
	}
}

package jobs

import (
	"context"
	"sync"
	"time"

	"sjsage522/pricewatch/internal/models"
	"sjsage522/pricewatch/services/store"
)

// Enqueuer inserts ad-hoc jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, p Payload) (*models.Job, error)
}

// StoreEnqueuer writes jobs straight into the job store and wakes a local dispatcher.
type StoreEnqueuer struct {
	jobs store.Jobs
	now  func() time.Time

	mu     sync.RWMutex
	notify func()
}

var _ Enqueuer = (*StoreEnqueuer)(nil)

// NewEnqueuer creates an Enqueuer backed by js
func NewEnqueuer(js store.Jobs) *StoreEnqueuer {
	return &StoreEnqueuer{jobs: js, now: time.Now}
}

// OnEnqueue registers fn to be called after every successful enqueue.
func (e *StoreEnqueuer) OnEnqueue(fn func()) {
	e.mu.Lock()
	e.notify = fn
	e.mu.Unlock()
}

// Enqueue schedules p to run now
func (e *StoreEnqueuer) Enqueue(ctx context.Context, p Payload) (*models.Job, error) {
	return e.EnqueueAt(ctx, p, e.now())
}

// EnqueueAt schedules p to run at t
func (e *StoreEnqueuer) EnqueueAt(ctx context.Context, p Payload, t time.Time) (*models.Job, error) {
	name, data, err := Encode(p)
	if err != nil {
		return nil, err
	}

	at := t.UTC()
	job := &models.Job{
		Name:      name,
		Data:      data,
		Type:      models.JobTypeNormal,
		NextRunAt: &at,
	}
	if err := e.jobs.EnqueueJob(ctx, job); err != nil {
		return nil, err
	}

	e.mu.RLock()
	notify := e.notify
	e.mu.RUnlock()
	if notify != nil {
		notify()
	}
	return job, nil
}

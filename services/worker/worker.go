// Package worker claims due jobs from the job store and runs them with bounded concurrency.
package worker

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"sjsage522/pricewatch/helpers"
	"sjsage522/pricewatch/internal/jobs"
	"sjsage522/pricewatch/internal/models"
	"sjsage522/pricewatch/logger"
	perrors "sjsage522/pricewatch/pkg/errors"
	"sjsage522/pricewatch/services/store"
)

const maxFailReason = 500

// JobRunner executes one claimed job.
type JobRunner interface {
	Run(ctx context.Context, job *models.Job) error
}

// JobRunnerFunc adapts a function to JobRunner
type JobRunnerFunc func(ctx context.Context, job *models.Job) error

// Run implements JobRunner
func (f JobRunnerFunc) Run(ctx context.Context, job *models.Job) error {
	return f(ctx, job)
}

// Options configure a Dispatcher. Zero values pick the defaults.
type Options struct {
	MaxConcurrency int
	LockLifetime   time.Duration
	ProcessEvery   time.Duration
	Owner          string
	// Names limits the job kinds this dispatcher claims
	Names []models.JobName
}

// Stats is a snapshot of the dispatcher counters.
type Stats struct {
	Owner     string                 `json:"owner"`
	Running   map[models.JobName]int `json:"running"`
	Processed int64                  `json:"processed"`
	Failed    int64                  `json:"failed"`
	StartedAt time.Time              `json:"startedAt"`
}

// Dispatcher is the JobScheduler: it claims due jobs, runs them and writes back their schedule.
type Dispatcher struct {
	store  store.Jobs
	runner JobRunner
	opts   Options
	sem    *semaphore.Weighted
	wake   chan struct{}
	wg     sync.WaitGroup
	now    func() time.Time
	log    *logger.Logger

	mu      sync.Mutex
	running map[models.JobName]int

	processed atomic.Int64
	failed    atomic.Int64
	startedAt time.Time
}

// NewDispatcher creates a Dispatcher
func NewDispatcher(js store.Jobs, runner JobRunner, opts Options) *Dispatcher {
	if opts.MaxConcurrency < 1 {
		opts.MaxConcurrency = 20
	}
	if opts.LockLifetime <= 0 {
		opts.LockLifetime = 10 * time.Minute
	}
	if opts.ProcessEvery <= 0 {
		opts.ProcessEvery = 30 * time.Second
	}
	if opts.Owner == "" {
		opts.Owner = defaultOwner()
	}
	if len(opts.Names) == 0 {
		opts.Names = models.AllJobNames
	}

	return &Dispatcher{
		store:     js,
		runner:    runner,
		opts:      opts,
		sem:       semaphore.NewWeighted(int64(opts.MaxConcurrency)),
		wake:      make(chan struct{}, 1),
		now:       time.Now,
		log:       logger.ForDispatcher().WithField("owner", opts.Owner),
		running:   make(map[models.JobName]int),
		startedAt: time.Now(),
	}
}

func defaultOwner() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "worker"
	}
	return host + ":" + uuid.NewString()[:8]
}

// Wake asks the loop to look for due jobs now instead of at the next tick
func (d *Dispatcher) Wake() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Start runs the claim loop until ctx is cancelled, then waits for in-flight jobs.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.log.Info().
		Int("max_concurrency", d.opts.MaxConcurrency).
		Dur("process_every", d.opts.ProcessEvery).
		Msg("Dispatcher started")

	ticker := time.NewTicker(d.opts.ProcessEvery)
	defer ticker.Stop()

	for {
		d.ProcessOnce(ctx)

		select {
		case <-ctx.Done():
			d.log.Info().Msg("Dispatcher stopping, draining in-flight jobs")
			d.Wait()
			d.log.Info().Msg("Dispatcher stopped")
			return nil
		case <-ticker.C:
		case <-d.wake:
		}
	}
}

// Wait blocks until every started job has finished
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

// ProcessOnce claims and starts due jobs until capacity or due work runs out. It returns the
// number of jobs started.
func (d *Dispatcher) ProcessOnce(ctx context.Context) int {
	started := 0
	for ctx.Err() == nil {
		if !d.sem.TryAcquire(1) {
			break
		}

		names := d.claimable()
		if len(names) == 0 {
			d.sem.Release(1)
			break
		}

		job, err := d.store.ClaimJob(ctx, names, d.opts.Owner, d.now().UTC(), d.opts.LockLifetime)
		if err != nil {
			d.sem.Release(1)
			d.log.Error().Err(err).Msg("Failed to claim job")
			break
		}
		if job == nil {
			d.sem.Release(1)
			break
		}

		d.reserve(job.Name, 1)
		d.wg.Add(1)
		jobsInFlight.Inc()
		started++
		go d.execute(context.WithoutCancel(ctx), job)
	}
	return started
}

// claimable returns the job names that still have a free slot
func (d *Dispatcher) claimable() []models.JobName {
	d.mu.Lock()
	defer d.mu.Unlock()

	names := make([]models.JobName, 0, len(d.opts.Names))
	for _, name := range d.opts.Names {
		if d.running[name] < jobs.PolicyFor(name).Concurrency {
			names = append(names, name)
		}
	}
	return names
}

func (d *Dispatcher) reserve(name models.JobName, delta int) {
	d.mu.Lock()
	d.running[name] += delta
	d.mu.Unlock()
}

func (d *Dispatcher) execute(ctx context.Context, job *models.Job) {
	defer d.wg.Done()
	defer d.sem.Release(1)
	defer d.reserve(job.Name, -1)
	defer jobsInFlight.Dec()

	log := d.log.WithFields(logger.Fields{"job_id": job.ID, "job": string(job.Name)})
	start := d.now()

	err := d.run(ctx, job)
	jobDuration.WithLabelValues(string(job.Name)).Observe(time.Since(start).Seconds())

	status := d.finish(job, err)
	jobsProcessed.WithLabelValues(string(job.Name), status).Inc()
	d.processed.Add(1)
	if err != nil {
		d.failed.Add(1)
		log.Warn().Err(err).Str("status", status).Int("fail_count", job.FailCount).Msg("Job failed")
	} else {
		log.Debug().Dur("elapsed", time.Since(start)).Msg("Job completed")
	}

	if err := d.store.FinishJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrLockLost) {
			log.Warn().Msg("Job lock lost before finishing, another worker owns it now")
			return
		}
		log.Error().Err(err).Msg("Failed to finish job")
	}
}

func (d *Dispatcher) run(ctx context.Context, job *models.Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job panicked: %v", r)
		}
	}()
	return d.runner.Run(ctx, job)
}

// finish writes the bookkeeping fields of job for err and returns the metric status.
func (d *Dispatcher) finish(job *models.Job, err error) string {
	now := d.now().UTC()
	job.LastFinishedAt = &now

	if err == nil {
		job.NextRunAt = nil
		if job.Recurring() {
			job.FailCount = 0
			job.NextRunAt = d.nextCron(job, now)
		}
		return "success"
	}

	job.FailCount++
	job.FailReason = helpers.Truncate(err.Error(), maxFailReason)
	job.FailedAt = &now

	if delay, ok := jobs.PolicyFor(job.Name).RetryDelay(job.FailCount); ok && perrors.IsRetryable(err) {
		next := now.Add(delay)
		job.NextRunAt = &next
		return "retry"
	}

	job.NextRunAt = nil
	if job.Recurring() {
		job.FailCount = 0
		job.NextRunAt = d.nextCron(job, now)
	}
	return "failed"
}

func (d *Dispatcher) nextCron(job *models.Job, now time.Time) *time.Time {
	next, err := jobs.NextRun(job.RepeatInterval, now)
	if err != nil {
		d.log.Error().Err(err).Str("job", string(job.Name)).Msg("Recurring job has an invalid schedule")
		return nil
	}
	return &next
}

// Stats returns a snapshot of the dispatcher counters
func (d *Dispatcher) Stats() Stats {
	d.mu.Lock()
	running := make(map[models.JobName]int, len(d.running))
	for name, n := range d.running {
		if n > 0 {
			running[name] = n
		}
	}
	d.mu.Unlock()

	return Stats{
		Owner:     d.opts.Owner,
		Running:   running,
		Processed: d.processed.Load(),
		Failed:    d.failed.Load(),
		StartedAt: d.startedAt,
	}
}

package dispatch

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"time"

	"github.com/google/uuid"
	gocache "github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"golang.org/x/sync/semaphore"
)

// JobStatus is the lifecycle of a background bulk run.
type JobStatus string

// Job statuses.
const (
	JobQueued    JobStatus = "queued"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// ErrJobsClosed is returned by Submit after Close.
var ErrJobsClosed = errors.New("dispatch: bulk jobs closed")

// Job is a snapshot of a background bulk run.
type Job struct {
	ID         string      `json:"id"`
	Status     JobStatus   `json:"status"`
	Recipients int         `json:"recipients"`
	Initiator  string      `json:"initiator,omitempty"`
	Result     *BulkResult `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"created_at"`
	StartedAt  *time.Time  `json:"started_at,omitempty"`
	FinishedAt *time.Time  `json:"finished_at,omitempty"`
}

// Bulker runs bulk dispatches.
type Bulker interface {
	CheckBulk(req BulkRequest) error
	DispatchBulk(ctx context.Context, req BulkRequest) (*BulkResult, error)
}

// Jobs runs bulk dispatches in the background so request handlers can return
// a ticket immediately. At most concurrency runs execute at once; the rest
// wait queued. Finished jobs are kept for the retention period; unfinished
// jobs never expire.
type Jobs struct {
	bulker Bulker
	sem    *semaphore.Weighted
	jobs   *gocache.Cache
	logger zerolog.Logger
	now    func() time.Time

	mu     sync.Mutex
	closed bool
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewJobs builds a job runner.
func NewJobs(bulker Bulker, concurrency int, retention time.Duration, logger zerolog.Logger) *Jobs {
	if concurrency < 1 {
		concurrency = 1
	}
	if retention <= 0 {
		retention = 24 * time.Hour
	}
	if reflect.ValueOf(logger).IsZero() {
		logger = zerolog.Nop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Jobs{
		bulker: bulker,
		sem:    semaphore.NewWeighted(int64(concurrency)),
		jobs:   gocache.New(retention, retention/2),
		logger: logger.With().Str("component", "bulk_jobs").Logger(),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit checks the batch preconditions synchronously and then queues the
// run. Precondition failures are returned without creating a job.
func (j *Jobs) Submit(req BulkRequest) (Job, error) {
	if err := j.bulker.CheckBulk(req); err != nil {
		return Job{}, err
	}

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return Job{}, ErrJobsClosed
	}

	job := &Job{
		ID:         uuid.NewString(),
		Status:     JobQueued,
		Recipients: len(req.RecipientIDs),
		Initiator:  req.Initiator,
		CreatedAt:  j.now().UTC(),
	}
	j.jobs.Set(job.ID, job, gocache.NoExpiration)

	ids := append([]string(nil), req.RecipientIDs...)
	req.RecipientIDs = ids

	j.wg.Add(1)
	go j.run(job.ID, req)

	return *job, nil
}

// Get returns a snapshot of the job.
func (j *Jobs) Get(id string) (Job, bool) {
	v, ok := j.jobs.Get(id)
	if !ok {
		return Job{}, false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return *v.(*Job), true
}

// Close cancels running jobs and waits for them until ctx expires. Cancelled
// recipients are reported in each job's result.
func (j *Jobs) Close(ctx context.Context) error {
	j.mu.Lock()
	j.closed = true
	j.mu.Unlock()
	j.cancel()

	done := make(chan struct{})
	go func() {
		j.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (j *Jobs) run(id string, req BulkRequest) {
	defer j.wg.Done()

	if err := j.sem.Acquire(j.ctx, 1); err != nil {
		j.finish(id, nil, err)
		return
	}
	defer j.sem.Release(1)

	j.update(id, func(job *Job) {
		started := j.now().UTC()
		job.Status = JobRunning
		job.StartedAt = &started
	})
	j.logger.Info().Str("job_id", id).Int("recipients", len(req.RecipientIDs)).Msg("bulk job started")

	result, err := j.bulker.DispatchBulk(j.ctx, req)
	j.finish(id, result, err)
}

func (j *Jobs) finish(id string, result *BulkResult, err error) {
	j.update(id, func(job *Job) {
		finished := j.now().UTC()
		job.FinishedAt = &finished
		job.Result = result
		if err != nil {
			job.Status = JobFailed
			job.Error = err.Error()
		} else {
			job.Status = JobCompleted
		}
	})
	if v, ok := j.jobs.Get(id); ok {
		j.jobs.SetDefault(id, v)
	}

	if err != nil {
		j.logger.Warn().Str("job_id", id).Err(err).Msg("bulk job failed")
		return
	}
	j.logger.Info().
		Str("job_id", id).
		Int("sent", result.Sent).
		Int("failed", result.Failed).
		Int("skipped", result.Skipped).
		Int("cancelled", result.Cancelled).
		Msg("bulk job finished")
}

func (j *Jobs) update(id string, fn func(*Job)) {
	v, ok := j.jobs.Get(id)
	if !ok {
		return
	}
	j.mu.Lock()
	fn(v.(*Job))
	j.mu.Unlock()
}

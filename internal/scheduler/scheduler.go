// Package scheduler dispatches queued build jobs to the pipeline executor,
// holding the concurrency ceiling and owning cancel/retry orchestration.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/zulandar/buildbay/internal/job"
	"github.com/zulandar/buildbay/internal/models"
	"github.com/zulandar/buildbay/internal/ports"
	"github.com/zulandar/buildbay/internal/site"
	"gorm.io/gorm"
)

// Executor runs one job's build pipeline. Satisfied by builder.Executor.
type Executor interface {
	Run(ctx context.Context, j *models.BuildJob)
	Cleanup(jobID string)
	Sweep()
	ActivePreviews() int
}

// Notifier publishes job-transition events.
type Notifier interface {
	Publish(ownerID, jobID, websiteID, eventType, message string)
}

// Opts holds construction parameters for a Scheduler.
type Opts struct {
	DB              *gorm.DB
	Exec            Executor
	Pool            *ports.Pool
	Notifier        Notifier
	MaxConcurrent   int
	MaxJobsPerOwner int // per-owner backpressure limit; <=0 means unlimited
	PollInterval    time.Duration
	SweepInterval   time.Duration
	Out             io.Writer
}

// Scheduler owns the dispatch loop. At most MaxConcurrent pipelines run at
// once; queued jobs beyond that wait for a slot.
type Scheduler struct {
	db              *gorm.DB
	exec            Executor
	pool            *ports.Pool
	notifier        Notifier
	maxConcurrent   int
	maxJobsPerOwner int
	pollInterval    time.Duration
	sweepInterval   time.Duration
	out             io.Writer

	mu     sync.Mutex
	active map[string]context.CancelFunc
}

// New creates a Scheduler.
func New(opts Opts) (*Scheduler, error) {
	if opts.DB == nil {
		return nil, fmt.Errorf("scheduler: db is required")
	}
	if opts.Exec == nil {
		return nil, fmt.Errorf("scheduler: executor is required")
	}
	if opts.Pool == nil {
		return nil, fmt.Errorf("scheduler: port pool is required")
	}
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 3
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 10 * time.Second
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = 5 * time.Minute
	}
	if opts.Out == nil {
		opts.Out = io.Discard
	}

	return &Scheduler{
		db:              opts.DB,
		exec:            opts.Exec,
		pool:            opts.Pool,
		notifier:        opts.Notifier,
		maxConcurrent:   opts.MaxConcurrent,
		maxJobsPerOwner: opts.MaxJobsPerOwner,
		pollInterval:    opts.PollInterval,
		sweepInterval:   opts.SweepInterval,
		out:             opts.Out,
		active:          make(map[string]context.CancelFunc),
	}, nil
}

// Enqueue creates a queued job for a website and kicks the dispatch loop.
func (s *Scheduler) Enqueue(websiteID, ownerID string, priority int) (*models.BuildJob, error) {
	j, err := job.Enqueue(s.db, websiteID, ownerID, job.EnqueueOpts{
		Priority:  priority,
		MaxActive: s.maxJobsPerOwner,
	})
	if err != nil {
		return nil, err
	}
	s.publish(j, models.NotifyQueued, "Build queued")
	s.Trigger()
	return j, nil
}

// Trigger makes one dispatch pass: while a worker slot is free, the next
// queued job (highest priority first, then oldest) is reserved and handed to
// a pipeline goroutine. Safe to call from anywhere, any number of times;
// the reservation under the mutex keeps the ceiling exact.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	capacity := s.maxConcurrent - len(s.active)
	s.mu.Unlock()
	if capacity <= 0 {
		return
	}

	jobs, err := job.NextQueued(s.db, capacity)
	if err != nil {
		log.Printf("scheduler: fetch queued: %v", err)
		return
	}

	for i := range jobs {
		j := jobs[i]

		s.mu.Lock()
		if len(s.active) >= s.maxConcurrent {
			s.mu.Unlock()
			return
		}
		if _, dup := s.active[j.ID]; dup {
			s.mu.Unlock()
			continue
		}
		ctx, cancel := context.WithCancel(context.Background())
		s.active[j.ID] = cancel
		s.mu.Unlock()

		fmt.Fprintf(s.out, "Dispatching job %s (priority %d)\n", j.ID, j.Priority)
		go s.work(ctx, cancel, j)
	}
}

// work runs one pipeline, releases the worker slot, and re-triggers so a
// waiting job can take it.
func (s *Scheduler) work(ctx context.Context, cancel context.CancelFunc, j models.BuildJob) {
	defer cancel()

	s.exec.Run(ctx, &j)

	s.mu.Lock()
	delete(s.active, j.ID)
	s.mu.Unlock()

	s.Trigger()
}

// Cancel cancels a job on behalf of requesterID. A queued job simply never
// dispatches; a building job's pipeline context is cancelled; a job with a
// live preview has it torn down.
func (s *Scheduler) Cancel(jobID, requesterID string) error {
	j, err := job.Get(s.db, jobID)
	if err != nil {
		return err
	}
	if err := job.Cancel(s.db, jobID, requesterID); err != nil {
		return err
	}

	s.mu.Lock()
	cancel, inFlight := s.active[jobID]
	s.mu.Unlock()

	if inFlight {
		// The pipeline notices the cancelled context and releases its own
		// resources on the way out.
		cancel()
	} else {
		s.exec.Cleanup(jobID)
	}

	site.Update(s.db, j.WebsiteID, map[string]interface{}{
		"status":         site.StatusUploaded,
		"preview_url":    "",
		"allocated_port": nil,
	})
	s.publish(j, models.NotifyCancelled, "Build cancelled")
	fmt.Fprintf(s.out, "Job %s cancelled\n", jobID)
	return nil
}

// Retry enqueues a fresh job for a failed one. The failed job is left as the
// historical record.
func (s *Scheduler) Retry(jobID, requesterID string) (*models.BuildJob, error) {
	j, err := job.Get(s.db, jobID)
	if err != nil {
		return nil, err
	}
	if j.OwnerID != requesterID {
		return nil, fmt.Errorf("scheduler: %s is not owned by %s: %w", jobID, requesterID, job.ErrForbidden)
	}

	nj, err := job.Retry(s.db, jobID, s.maxJobsPerOwner)
	if err != nil {
		return nil, err
	}
	s.publish(nj, models.NotifyQueued, "Build queued (retry of "+jobID+")")
	s.Trigger()
	return nj, nil
}

// Health reports scheduler liveness numbers.
type Health struct {
	Status         string `json:"status"`
	ActiveWorkers  int    `json:"activeWorkers"`
	MaxWorkers     int    `json:"maxWorkers"`
	TrackedJobs    int64  `json:"trackedJobs"`
	AllocatedPorts int    `json:"allocatedPorts"`
	LivePreviews   int    `json:"livePreviews"`
}

// Health returns the current scheduler health snapshot.
func (s *Scheduler) Health() (*Health, error) {
	total, err := job.Count(s.db)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	workers := len(s.active)
	s.mu.Unlock()

	return &Health{
		Status:         "ok",
		ActiveWorkers:  workers,
		MaxWorkers:     s.maxConcurrent,
		TrackedJobs:    total,
		AllocatedPorts: s.pool.InUse(),
		LivePreviews:   s.exec.ActivePreviews(),
	}, nil
}

// ActiveJobs returns the number of pipelines currently running.
func (s *Scheduler) ActiveJobs() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.active)
}

// Run starts the periodic dispatch and staging-sweep schedules and blocks
// until ctx is cancelled. In-flight pipelines get their contexts cancelled
// on the way out.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.pollInterval), s.Trigger); err != nil {
		return fmt.Errorf("scheduler: schedule trigger: %w", err)
	}
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", s.sweepInterval), s.exec.Sweep); err != nil {
		return fmt.Errorf("scheduler: schedule sweep: %w", err)
	}
	c.Start()

	// Pick up jobs queued before startup.
	s.Trigger()

	<-ctx.Done()
	<-c.Stop().Done()

	s.mu.Lock()
	for id, cancel := range s.active {
		fmt.Fprintf(s.out, "Stopping pipeline for job %s\n", id)
		cancel()
	}
	s.mu.Unlock()
	return nil
}

// publish sends a notification if a notifier is configured.
func (s *Scheduler) publish(j *models.BuildJob, eventType, message string) {
	if s.notifier == nil {
		return
	}
	s.notifier.Publish(j.OwnerID, j.ID, j.WebsiteID, eventType, message)
}

// Package scheduler decides when sources sync and runs those syncs on a worker pool.
package scheduler

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/macjediwizard/calhub/internal/db"
)

const (
	scheduleSpec        = "@every 1m"
	staleSweepSpec      = "*/15 * * * *"
	cleanupSpec         = "@daily"
	defaultStaleAge     = 2 * time.Hour
	defaultRetentionDay = 30
)

// RunnerOptions configures a Runner.
type RunnerOptions struct {
	StaleAttemptAge      time.Duration
	AttemptRetentionDays int
	Now                  func() time.Time
}

// Runner drives the periodic jobs: scheduling due syncs, sweeping stale
// attempts and cleaning old attempt history.
type Runner struct {
	db    *db.DB
	auto  *AutoScheduler
	queue *Queue
	cron  *cron.Cron

	staleAge      time.Duration
	retentionDays int
	now           func() time.Time

	mu      sync.Mutex
	started bool
}

// NewRunner creates a new Runner. queue may be nil when the caller manages it.
func NewRunner(database *db.DB, auto *AutoScheduler, queue *Queue, opts RunnerOptions) *Runner {
	r := &Runner{
		db:            database,
		auto:          auto,
		queue:         queue,
		cron:          cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DefaultLogger))),
		staleAge:      opts.StaleAttemptAge,
		retentionDays: opts.AttemptRetentionDays,
		now:           opts.Now,
	}
	if r.staleAge <= 0 {
		r.staleAge = defaultStaleAge
	}
	if r.retentionDays <= 0 {
		r.retentionDays = defaultRetentionDay
	}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

// Start registers the periodic jobs and starts the queue and cron loop.
// Orphaned attempts from a previous process are swept immediately.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return nil
	}

	jobs := []struct {
		spec string
		fn   func()
	}{
		{scheduleSpec, func() { r.scheduleDue(ctx) }},
		{staleSweepSpec, func() { r.sweep(ctx) }},
		{cleanupSpec, func() { r.cleanup(ctx) }},
	}
	for _, j := range jobs {
		if _, err := r.cron.AddFunc(j.spec, j.fn); err != nil {
			return fmt.Errorf("failed to register job %q: %w", j.spec, err)
		}
	}

	if r.queue != nil {
		r.queue.Start()
	}
	r.sweep(ctx)
	r.cron.Start()
	r.started = true

	log.Printf("Scheduler started with %d periodic jobs", len(r.cron.Entries()))
	return nil
}

// Stop waits for running jobs to finish and stops the queue.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return
	}
	r.started = false

	<-r.cron.Stop().Done()
	if r.queue != nil {
		r.queue.Stop()
	}
	log.Println("Scheduler stopped")
}

func (r *Runner) scheduleDue(ctx context.Context) {
	if _, err := r.auto.ScheduleDueSyncs(ctx, r.now()); err != nil {
		log.Printf("Failed to schedule due syncs: %v", err)
	}
}

func (r *Runner) sweep(ctx context.Context) {
	if _, err := r.SweepStaleAttempts(ctx); err != nil {
		log.Printf("Failed to sweep stale attempts: %v", err)
	}
}

func (r *Runner) cleanup(ctx context.Context) {
	if _, err := r.CleanOldAttempts(ctx); err != nil {
		log.Printf("Failed to clean old attempts: %v", err)
	}
}

// SweepStaleAttempts fails queued or running attempts older than the stale age.
func (r *Runner) SweepStaleAttempts(ctx context.Context) (int64, error) {
	cutoff := r.now().Add(-r.staleAge)
	message := fmt.Sprintf("attempt abandoned: still pending after %v", r.staleAge)

	swept, err := r.db.FailStaleAttempts(ctx, cutoff, message)
	if err != nil {
		return 0, err
	}
	if swept > 0 {
		log.Printf("Marked %d stale sync attempts as failed", swept)
	}
	return swept, nil
}

// CleanOldAttempts deletes finished attempts older than the retention period.
func (r *Runner) CleanOldAttempts(ctx context.Context) (int64, error) {
	cutoff := r.now().AddDate(0, 0, -r.retentionDays)

	deleted, err := r.db.CleanOldAttempts(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		log.Printf("Cleaned %d old sync attempts", deleted)
	}
	return deleted, nil
}

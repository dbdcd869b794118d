package scheduler

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"github.com/macjediwizard/calhub/internal/syncer"
)

const (
	syncTimeout        = 10 * time.Minute // Maximum time for a single sync operation
	defaultBaseBackoff = 30 * time.Second
	queueCapacity      = 256
)

// ErrQueueStopped is returned when work is enqueued after Stop.
var ErrQueueStopped = errors.New("sync queue stopped")

// SyncFunc runs one sync. attemptID zero asks the engine to create a new attempt.
type SyncFunc func(ctx context.Context, sourceID, attemptID int64) error

// QueueOptions configures a Queue.
type QueueOptions struct {
	Workers     int
	MaxRetries  int
	BaseBackoff time.Duration
}

type job struct {
	sourceID  int64
	attemptID int64
	retry     int
}

// Queue is a bounded worker pool running syncs, with deferred jobs and retries.
type Queue struct {
	run         SyncFunc
	jobs        chan job
	workers     int
	maxRetries  int
	baseBackoff time.Duration

	mu      sync.Mutex
	timers  map[*time.Timer]struct{}
	started bool
	stopped bool
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

// NewQueue creates a queue that runs fn on a pool of workers.
func NewQueue(fn SyncFunc, opts QueueOptions) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		run:         fn,
		jobs:        make(chan job, queueCapacity),
		workers:     opts.Workers,
		maxRetries:  opts.MaxRetries,
		baseBackoff: opts.BaseBackoff,
		timers:      make(map[*time.Timer]struct{}),
		ctx:         ctx,
		cancel:      cancel,
	}
	if q.workers <= 0 {
		q.workers = 1
	}
	if q.maxRetries < 0 {
		q.maxRetries = 0
	}
	if q.baseBackoff <= 0 {
		q.baseBackoff = defaultBaseBackoff
	}
	return q
}

// Start launches the workers.
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.started || q.stopped {
		return
	}
	q.started = true

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	log.Printf("Sync queue started with %d workers", q.workers)
}

// Stop cancels pending timers and running syncs, then waits for the workers.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for timer := range q.timers {
		timer.Stop()
	}
	q.timers = nil
	q.mu.Unlock()

	q.cancel()
	q.wg.Wait()
	log.Println("Sync queue stopped")
}

// Enqueue schedules a sync to run as soon as a worker is free.
func (q *Queue) Enqueue(sourceID, attemptID int64) error {
	return q.push(job{sourceID: sourceID, attemptID: attemptID})
}

// EnqueueAt schedules a sync to run at the given time.
func (q *Queue) EnqueueAt(at time.Time, sourceID, attemptID int64) error {
	return q.pushAt(at, job{sourceID: sourceID, attemptID: attemptID})
}

func (q *Queue) push(j job) error {
	q.mu.Lock()
	stopped := q.stopped
	q.mu.Unlock()
	if stopped {
		return ErrQueueStopped
	}

	select {
	case q.jobs <- j:
		return nil
	case <-q.ctx.Done():
		return ErrQueueStopped
	}
}

func (q *Queue) pushAt(at time.Time, j job) error {
	delay := time.Until(at)
	if delay <= 0 {
		return q.push(j)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped {
		return ErrQueueStopped
	}

	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		q.mu.Lock()
		if q.timers != nil {
			delete(q.timers, timer)
		}
		q.mu.Unlock()

		if err := q.push(j); err != nil {
			log.Printf("Dropped deferred sync for source %d: %v", j.sourceID, err)
		}
	})
	q.timers[timer] = struct{}{}
	return nil
}

func (q *Queue) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.ctx.Done():
			return
		case j := <-q.jobs:
			q.execute(j)
		}
	}
}

func (q *Queue) execute(j job) {
	ctx, cancel := context.WithTimeout(q.ctx, syncTimeout)
	defer cancel()

	err := q.run(ctx, j.sourceID, j.attemptID)
	if err == nil {
		return
	}

	if errors.Is(err, syncer.ErrConfiguration) {
		log.Printf("Sync for source %d failed with configuration error, not retrying: %v", j.sourceID, err)
		return
	}
	if q.ctx.Err() != nil {
		return
	}
	if j.retry >= q.maxRetries {
		log.Printf("Sync for source %d failed after %d retries: %v", j.sourceID, j.retry, err)
		return
	}

	backoff := q.baseBackoff << j.retry
	log.Printf("Sync for source %d failed, retrying in %v: %v", j.sourceID, backoff, err)

	// The failed attempt is already finalized; the retry gets its own.
	next := job{sourceID: j.sourceID, retry: j.retry + 1}
	if err := q.pushAt(time.Now().Add(backoff), next); err != nil {
		log.Printf("Failed to schedule retry for source %d: %v", j.sourceID, err)
	}
}

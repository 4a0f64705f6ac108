package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/stellarlink/pilot-swe/internal/guard"
	"github.com/stellarlink/pilot-swe/internal/task"
)

var (
	// ErrQueueFull means the dispatcher cannot accept new jobs right now.
	ErrQueueFull = errors.New("job queue is full")
	// ErrQueueClosed means the dispatcher has been shut down.
	ErrQueueClosed = errors.New("job queue is closed")
)

// Job is one queued pipeline invocation.
type Job struct {
	Task       *task.Task
	Invocation guard.Invocation
	Attempt    int
}

// Executor runs a job to completion.
type Executor interface {
	Execute(ctx context.Context, job *Job) error
}

// Config controls dispatcher behaviour.
type Config struct {
	Workers           int
	QueueSize         int
	MaxAttempts       int
	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// Dispatcher runs jobs on a worker pool, serializing jobs that target the
// same branch. Two feedback events on one change request arriving together
// would otherwise race on the branch ref and the comment history; within
// this process the keyed lock removes that race.
type Dispatcher struct {
	executor Executor
	cfg      Config

	queue chan *queueItem

	branchLocks *keyedMutex

	stopCh chan struct{}
	wg     sync.WaitGroup

	once sync.Once
}

type queueItem struct {
	job     *Job
	attempt int
}

// New creates a dispatcher and starts its workers.
func New(executor Executor, cfg Config) *Dispatcher {
	normalized := normalizeConfig(cfg)
	d := &Dispatcher{
		executor:    executor,
		cfg:         normalized,
		queue:       make(chan *queueItem, normalized.QueueSize),
		branchLocks: newKeyedMutex(),
		stopCh:      make(chan struct{}),
	}
	d.startWorkers()
	return d
}

func normalizeConfig(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = cfg.Workers * 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = 15 * time.Second
	}
	if cfg.BackoffMultiplier <= 1 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Minute
	}
	return cfg
}

func (d *Dispatcher) startWorkers() {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.worker()
	}
}

// Enqueue queues a job for execution.
func (d *Dispatcher) Enqueue(job *Job) error {
	if job == nil || job.Task == nil {
		return errors.New("dispatcher enqueue: job is nil")
	}

	select {
	case <-d.stopCh:
		return ErrQueueClosed
	default:
	}

	select {
	case d.queue <- &queueItem{job: job, attempt: 1}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for {
		select {
		case <-d.stopCh:
			return
		case item, ok := <-d.queue:
			if !ok {
				return
			}
			d.process(item)
		}
	}
}

func (d *Dispatcher) process(item *queueItem) {
	job := item.job
	job.Attempt = item.attempt

	key := fmt.Sprintf("%s@%s", job.Task.Repo, job.Task.Branch())
	d.branchLocks.Lock(key)

	err := d.executor.Execute(context.Background(), job)

	d.branchLocks.Unlock(key)

	if err != nil {
		log.Printf("[Dispatcher] Job %s attempt %d failed: %v", key, item.attempt, err)
		if IsNonRetryable(err) {
			log.Printf("[Dispatcher] Job %s is non-retryable, dropping", key)
			return
		}
		d.handleRetry(item, err)
		return
	}

	log.Printf("[Dispatcher] Job %s attempt %d succeeded", key, item.attempt)
}

func (d *Dispatcher) handleRetry(item *queueItem, execErr error) {
	if item.attempt >= d.cfg.MaxAttempts {
		log.Printf("[Dispatcher] Job %s#%d exceeded max attempts (%d): %v", item.job.Task.Repo, item.job.Task.Number, d.cfg.MaxAttempts, execErr)
		return
	}

	nextAttempt := item.attempt + 1
	delay := d.backoffDuration(nextAttempt)
	log.Printf("[Dispatcher] Scheduling retry %d for %s#%d in %s", nextAttempt, item.job.Task.Repo, item.job.Task.Number, delay)

	go func() {
		timer := time.NewTimer(delay)
		defer timer.Stop()

		select {
		case <-timer.C:
			d.enqueueRetry(&queueItem{job: item.job, attempt: nextAttempt})
		case <-d.stopCh:
			return
		}
	}()
}

func (d *Dispatcher) enqueueRetry(item *queueItem) {
	for {
		select {
		case <-d.stopCh:
			return
		case d.queue <- item:
			return
		default:
			time.Sleep(100 * time.Millisecond)
		}
	}
}

func (d *Dispatcher) backoffDuration(attempt int) time.Duration {
	backoff := float64(d.cfg.InitialBackoff)
	for i := 1; i < attempt; i++ {
		backoff *= d.cfg.BackoffMultiplier
		if backoff >= float64(d.cfg.MaxBackoff) {
			return d.cfg.MaxBackoff
		}
	}
	return time.Duration(backoff)
}

// Shutdown stops the dispatcher, waiting for in-flight jobs until the
// context expires.
func (d *Dispatcher) Shutdown(ctx context.Context) {
	d.once.Do(func() {
		close(d.stopCh)
	})

	done := make(chan struct{})
	go func() {
		defer close(done)
		d.wg.Wait()
	}()

	select {
	case <-ctx.Done():
	case <-done:
	}
}

type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

func (k *keyedMutex) Lock(key string) {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	k.mu.Unlock()

	m.Lock()
}

func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	m, ok := k.locks[key]
	k.mu.Unlock()

	if !ok {
		return
	}

	m.Unlock()
}

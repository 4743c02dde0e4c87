package consolidation

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/mnemos/internal/memory"
	"github.com/ent0n29/mnemos/internal/observability"
)

// Job asks for a consolidation check of one conversation. Force bypasses
// the thresholds, as on session end.
type Job struct {
	Key   Key
	Force bool
}

// Dispatcher runs consolidation off the request path. Jobs for the same
// conversation are coalesced while queued.
type Dispatcher struct {
	backend memory.Backend
	engine  *Engine
	workers int
	timeout time.Duration
	logger  logrus.FieldLogger
	metrics *observability.Metrics

	queue chan Key

	mu       sync.Mutex
	pending  map[Key]bool
	onResult func(Job, Result, error)
	started  bool
	stopped  bool
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

func NewDispatcher(backend memory.Backend, engine *Engine, workers, queueSize int, logger logrus.FieldLogger, metrics *observability.Metrics) *Dispatcher {
	if workers <= 0 {
		workers = 2
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	return &Dispatcher{
		backend: backend,
		engine:  engine,
		workers: workers,
		timeout: 2 * time.Minute,
		logger:  observability.OrDiscard(logger),
		metrics: metrics,
		queue:   make(chan Key, queueSize),
		pending: make(map[Key]bool),
	}
}

// SetJobTimeout bounds a single consolidation run.
func (d *Dispatcher) SetJobTimeout(timeout time.Duration) {
	if timeout > 0 {
		d.timeout = timeout
	}
}

// SetResultHook observes every finished job.
func (d *Dispatcher) SetResultHook(hook func(Job, Result, error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onResult = hook
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.started || d.stopped {
		return
	}
	d.started = true
	ctx, d.cancel = context.WithCancel(ctx)
	for i := 0; i < d.workers; i++ {
		d.wg.Add(1)
		go d.worker(ctx)
	}
}

// Enqueue schedules a job. A job for a conversation that is already queued
// is merged into it, upgrading to forced if needed. It returns false when
// the queue is full or the dispatcher is stopped.
func (d *Dispatcher) Enqueue(job Job) bool {
	job.Key.UserID = strings.TrimSpace(job.Key.UserID)
	job.Key.SessionID = strings.TrimSpace(job.Key.SessionID)
	if job.Key.UserID == "" || job.Key.SessionID == "" {
		return false
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopped {
		return false
	}
	if force, queued := d.pending[job.Key]; queued {
		d.pending[job.Key] = force || job.Force
		return true
	}
	select {
	case d.queue <- job.Key:
		d.pending[job.Key] = job.Force
		d.metrics.SetQueueDepth(len(d.pending))
		return true
	default:
		d.logger.WithField("conversation", job.Key.String()).Warn("consolidation queue full, job dropped")
		return false
	}
}

// Pending reports how many conversations are waiting for a worker.
func (d *Dispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Stop cancels in-flight jobs and waits for the workers to exit.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	cancel := d.cancel
	d.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	d.wg.Wait()
}

func (d *Dispatcher) worker(ctx context.Context) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case key := <-d.queue:
			d.mu.Lock()
			force := d.pending[key]
			delete(d.pending, key)
			d.metrics.SetQueueDepth(len(d.pending))
			hook := d.onResult
			d.mu.Unlock()

			job := Job{Key: key, Force: force}
			res, err := d.Run(ctx, job)
			if hook != nil {
				hook(job, res, err)
			}
		}
	}
}

// Run executes one job synchronously in its own transaction.
func (d *Dispatcher) Run(ctx context.Context, job Job) (Result, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var res Result
	err := memory.WithTx(ctx, d.backend, func(tx memory.Tx) error {
		var err error
		if job.Force {
			res, err = d.engine.Consolidate(ctx, tx, job.Key.UserID, job.Key.SessionID, true)
		} else {
			res, err = d.engine.CheckAndConsolidate(ctx, tx, job.Key.UserID, job.Key.SessionID)
		}
		return err
	})
	if err != nil && ctx.Err() == nil {
		d.logger.WithError(err).WithFields(logrus.Fields{
			"user_id":    job.Key.UserID,
			"session_id": job.Key.SessionID,
			"forced":     job.Force,
		}).Error("consolidation job failed")
	}
	return res, err
}

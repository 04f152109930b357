// Package queue runs longer-lived generation jobs (entity-card authoring
// and similar) on a persistent worker pool, separate from the per-turn
// agent coordinator. Failed tasks retry with exponential backoff; quota
// exhaustion is never retried. Task state is periodically snapshotted to
// disk for crash visibility; the snapshot is diagnostic only and cannot
// resurrect task closures.
package queue

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/storykeep/continuity/fileio"
	"github.com/storykeep/continuity/provider"
)

// TaskFunc is the work a task performs.
type TaskFunc func(ctx context.Context) error

type taskState string

const (
	statePending taskState = "pending"
	stateRunning taskState = "running"
	stateRetry   taskState = "retry"
	stateDone    taskState = "done"
	stateFailed  taskState = "failed"
)

type task struct {
	ID          string
	Kind        string
	Description string
	fn          TaskFunc

	attempts int
	state    taskState
	lastErr  string
	notAfter time.Time // earliest next run for retries
	enqueued time.Time
}

// snapshotRecord is what gets written to disk per task.
type snapshotRecord struct {
	ID          string `json:"id"`
	Kind        string `json:"kind"`
	Description string `json:"description"`
	State       string `json:"state"`
	Attempts    int    `json:"attempts"`
	LastError   string `json:"last_error,omitempty"`
	EnqueuedAt  string `json:"enqueued_at"`
}

// Options configures a Queue.
type Options struct {
	Workers      int
	MaxRetries   int
	SnapshotPath string
	// SnapshotEvery defaults to 10s.
	SnapshotEvery time.Duration
}

// Queue is the background task queue. Construct with New, start with
// Start, stop with Close (which drains the snapshot, not the tasks).
type Queue struct {
	opts   Options
	logger *zap.Logger

	mu      sync.Mutex
	pending []*task
	all     map[string]*task
	wake    chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	started bool
}

func New(opts Options, logger *zap.Logger) *Queue {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.SnapshotEvery <= 0 {
		opts.SnapshotEvery = 10 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		opts:   opts,
		logger: logger,
		all:    make(map[string]*task),
		wake:   make(chan struct{}, 1),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start launches the worker pool and snapshot loop.
func (q *Queue) Start() {
	q.mu.Lock()
	if q.started {
		q.mu.Unlock()
		return
	}
	q.started = true
	q.mu.Unlock()

	for i := 0; i < q.opts.Workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	if q.opts.SnapshotPath != "" {
		q.wg.Add(1)
		go q.snapshotLoop()
	}
}

// Enqueue registers a task and returns its id.
func (q *Queue) Enqueue(kind, description string, fn TaskFunc) string {
	t := &task{
		ID:          uuid.NewString(),
		Kind:        kind,
		Description: description,
		fn:          fn,
		state:       statePending,
		enqueued:    time.Now(),
	}
	q.mu.Lock()
	q.pending = append(q.pending, t)
	q.all[t.ID] = t
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}
	return t.ID
}

// next pops the first runnable pending task, or returns the wait until one
// becomes runnable.
func (q *Queue) next() (*task, time.Duration) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	wait := time.Duration(-1)
	for i, t := range q.pending {
		if t.notAfter.After(now) {
			if d := t.notAfter.Sub(now); wait < 0 || d < wait {
				wait = d
			}
			continue
		}
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		t.state = stateRunning
		return t, 0
	}
	return nil, wait
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		t, wait := q.next()
		if t == nil {
			var tm *time.Timer
			var timer <-chan time.Time
			if wait >= 0 {
				tm = time.NewTimer(wait)
				timer = tm.C
			}
			select {
			case <-q.ctx.Done():
				if tm != nil {
					tm.Stop()
				}
				return
			case <-q.wake:
			case <-timer:
			}
			if tm != nil {
				tm.Stop()
			}
			continue
		}

		err := t.fn(q.ctx)
		q.finish(t, err)
	}
}

func (q *Queue) finish(t *task, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t.attempts++
	if err == nil {
		t.state = stateDone
		t.lastErr = ""
		return
	}

	t.lastErr = err.Error()
	if provider.IsQuotaError(err) {
		// Retrying quota exhaustion wastes the backoff window for no
		// benefit.
		t.state = stateFailed
		q.logger.Warn("task failed on quota exhaustion; not retrying",
			zap.String("task", t.ID), zap.String("kind", t.Kind))
		return
	}
	if t.attempts >= q.opts.MaxRetries {
		t.state = stateFailed
		q.logger.Warn("task exhausted retries",
			zap.String("task", t.ID), zap.String("kind", t.Kind),
			zap.Int("attempts", t.attempts), zap.Error(err))
		return
	}

	t.state = stateRetry
	t.notAfter = time.Now().Add(Backoff(t.attempts))
	q.pending = append(q.pending, t)
	q.logger.Info("task scheduled for retry",
		zap.String("task", t.ID), zap.String("kind", t.Kind),
		zap.Int("attempt", t.attempts), zap.Error(err))

	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// Backoff returns the retry delay for a given attempt count:
// min(2^attempt, 60) seconds.
func Backoff(attempt int) time.Duration {
	secs := math.Min(math.Pow(2, float64(attempt)), 60)
	return time.Duration(secs * float64(time.Second))
}

func (q *Queue) snapshotLoop() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.SnapshotEvery)
	defer ticker.Stop()
	for {
		select {
		case <-q.ctx.Done():
			q.Snapshot()
			return
		case <-ticker.C:
			q.Snapshot()
		}
	}
}

// Snapshot writes the current task states to the snapshot path.
func (q *Queue) Snapshot() {
	if q.opts.SnapshotPath == "" {
		return
	}
	q.mu.Lock()
	records := make([]snapshotRecord, 0, len(q.all))
	for _, t := range q.all {
		records = append(records, snapshotRecord{
			ID:          t.ID,
			Kind:        t.Kind,
			Description: t.Description,
			State:       string(t.state),
			Attempts:    t.attempts,
			LastError:   t.lastErr,
			EnqueuedAt:  t.enqueued.UTC().Format(time.RFC3339),
		})
	}
	q.mu.Unlock()

	payload := map[string]any{
		"updated": time.Now().UTC().Format(time.RFC3339),
		"tasks":   records,
	}
	if err := fileio.WriteJSONAtomic(q.opts.SnapshotPath, payload, true); err != nil {
		q.logger.Warn("task snapshot write failed", zap.Error(err))
	}
}

// Pending reports how many tasks are waiting or retrying.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Close stops the workers and writes a final snapshot. In-flight tasks run
// to completion of their current attempt; queued retries are abandoned.
func (q *Queue) Close() {
	q.cancel()
	select {
	case q.wake <- struct{}{}:
	default:
	}
	q.wg.Wait()
	q.Snapshot()
}

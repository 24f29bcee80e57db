// Package jobs runs long tasks off the request path on a fixed pool of workers.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
)

// State is where a job is in its life.
type State string

const (
	StatePending  State = "pending"
	StateRunning  State = "running"
	StateDone     State = "done"
	StateFailed   State = "failed"
	StateCanceled State = "canceled"
	// StateUnknown is reported for ids this queue never issued or has forgotten.
	StateUnknown State = "unknown"
)

var (
	ErrClosed = errors.New("job queue closed")
	ErrFull   = errors.New("job queue full")
)

// keepFinished is how many ended jobs a queue remembers before forgetting the oldest.
const keepFinished = 1024

type job struct {
	id     string
	fn     func(ctx context.Context, jobID string) error
	ctx    context.Context
	cancel context.CancelFunc
	state  State
}

// Queue is an in-memory job queue. Job ids are only meaningful to the Queue that issued them,
// so after a restart every previously issued id reports StateUnknown and is not alive.
type Queue struct {
	mu       sync.Mutex
	jobs     map[string]*job
	finished []string // ended job ids, oldest first
	keep     int
	pending  chan *job
	closed   bool

	ctx    context.Context
	cancel context.CancelFunc
	group  *errgroup.Group
}

// New starts a queue with the given number of workers and room for backlog pending jobs.
func New(workers, backlog int) *Queue {
	if workers <= 0 {
		workers = 1
	}
	if backlog <= 0 {
		backlog = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	group, ctx := errgroup.WithContext(ctx)
	q := &Queue{
		jobs:    make(map[string]*job),
		keep:    keepFinished,
		pending: make(chan *job, backlog),
		ctx:     ctx,
		cancel:  cancel,
		group:   group,
	}
	for i := 0; i < workers; i++ {
		group.Go(q.work)
	}
	slog.Info(fmt.Sprintf("Started job queue with %d workers", workers))
	return q
}

// Enqueue schedules fn and returns its job id. fn receives a context canceled by Cancel or Close.
func (q *Queue) Enqueue(fn func(ctx context.Context, jobID string) error) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return "", ErrClosed
	}

	ctx, cancel := context.WithCancel(q.ctx)
	j := &job{id: uuid.NewString(), fn: fn, ctx: ctx, cancel: cancel, state: StatePending}
	select {
	case q.pending <- j:
	default:
		cancel()
		return "", ErrFull
	}
	q.jobs[j.id] = j
	return j.id, nil
}

func (q *Queue) Status(jobID string) State {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok {
		return StateUnknown
	}
	return j.state
}

// IsAlive reports whether the job is still waiting for or held by a worker.
func (q *Queue) IsAlive(jobID string) bool {
	s := q.Status(jobID)
	return s == StatePending || s == StateRunning
}

// Cancel interrupts the job. It returns false when the job has already ended.
func (q *Queue) Cancel(jobID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[jobID]
	if !ok || (j.state != StatePending && j.state != StateRunning) {
		return false
	}
	if j.state == StatePending {
		j.state = StateCanceled
		q.ended(j)
	}
	j.cancel()
	return true
}

// Close stops the workers, canceling running jobs, and waits for them to return.
func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()

	q.cancel()
	return q.group.Wait()
}

func (q *Queue) work() error {
	for {
		select {
		case <-q.ctx.Done():
			return nil
		case j := <-q.pending:
			q.run(j)
		}
	}
}

func (q *Queue) run(j *job) {
	q.mu.Lock()
	if j.state != StatePending {
		q.mu.Unlock()
		return
	}
	j.state = StateRunning
	q.mu.Unlock()

	err := q.call(j)

	q.mu.Lock()
	defer q.mu.Unlock()
	switch {
	case j.ctx.Err() != nil:
		j.state = StateCanceled
	case err != nil:
		j.state = StateFailed
		slog.Error(fmt.Sprintf("Job failed: %v", err), "job", j.id)
	default:
		j.state = StateDone
	}
	j.cancel()
	q.ended(j)
}

// ended records that j reached a final state and forgets the oldest ended jobs beyond q.keep.
// q.mu must be held.
func (q *Queue) ended(j *job) {
	q.finished = append(q.finished, j.id)
	for len(q.finished) > q.keep {
		delete(q.jobs, q.finished[0])
		q.finished = q.finished[1:]
	}
}

// call runs the job, turning a panic into an error so one bad job cannot take a worker down.
func (q *Queue) call(j *job) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("job panicked: %v", p)
		}
	}()
	return j.fn(j.ctx, j.id)
}

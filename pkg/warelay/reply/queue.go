package reply

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Task is a unit of work admitted to the queue.
type Task func(ctx context.Context) (Result, error)

// Queue serializes external command execution. All callers across all
// conversations submit to one process-wide queue; tasks run strictly in
// arrival order, one at a time. A task's failure resolves only that task
// and never blocks queued successors.
//
// The external command is a scarce local resource (an interactive assistant
// CLI holds terminal and auth state), so serializing keeps latency
// predictable and prevents interleaved stdout across concurrent runs. It
// also makes the session store effectively single-writer.
type Queue struct {
	mu      sync.Mutex
	pending []*queuedTask
	running bool
	logger  *slog.Logger
}

type queuedTask struct {
	ctx  context.Context
	fn   Task
	done chan taskOutcome
}

type taskOutcome struct {
	res Result
	err error
}

// NewQueue creates the command queue.
func NewQueue(logger *slog.Logger) *Queue {
	if logger == nil {
		logger = slog.Default()
	}
	return &Queue{logger: logger.With("component", "queue")}
}

// Enqueue submits fn and blocks until it has run to completion. The task
// executes once it reaches the head of the queue and no other task is
// running.
func (q *Queue) Enqueue(ctx context.Context, fn Task) (Result, error) {
	t := &queuedTask{ctx: ctx, fn: fn, done: make(chan taskOutcome, 1)}

	q.mu.Lock()
	q.pending = append(q.pending, t)
	depth := len(q.pending)
	if !q.running {
		q.running = true
		go q.drain()
	}
	q.mu.Unlock()

	if depth > 1 {
		q.logger.Debug("task queued behind earlier work", "depth", depth)
	}

	out := <-t.done
	return out.res, out.err
}

// Len reports how many tasks are waiting (excluding the running one).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// drain runs queued tasks in FIFO order until the queue empties.
func (q *Queue) drain() {
	for {
		q.mu.Lock()
		if len(q.pending) == 0 {
			q.running = false
			q.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending = q.pending[1:]
		q.mu.Unlock()

		res, err := q.runOne(t)
		t.done <- taskOutcome{res: res, err: err}
	}
}

// runOne executes a single task, converting panics into errors so one bad
// turn cannot take down the drain loop.
func (q *Queue) runOne(t *queuedTask) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("queued task panicked", "panic", r)
			err = fmt.Errorf("reply task panicked: %v", r)
		}
	}()
	return t.fn(t.ctx)
}

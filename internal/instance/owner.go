package instance

import (
	"context"
	"log/slog"
	"sync"
)

// Task is work posted onto an Owner's loop.
type Task func(ctx context.Context)

// Owner is the confinement unit for handles: the owner-local handle map
// lives here, and cross-handle notifications are posted onto its task queue.
//
// Thread-safety model:
//   - Post(), Stop(): safe from any goroutine
//   - Run() / Drain(): called only from the owner's goroutine
//   - everything else, and every Handle the owner holds: owner goroutine only
type Owner struct {
	name    string
	queue   *taskQueue
	handles map[ConfigKey]*ownerEntry
}

type ownerEntry struct {
	handle *Handle
	refs   int
}

// NewOwner creates an Owner. The name only appears in logs.
func NewOwner(name string) *Owner {
	return &Owner{
		name:    name,
		queue:   newTaskQueue(),
		handles: make(map[ConfigKey]*ownerEntry),
	}
}

// Name returns the owner's name.
func (o *Owner) Name() string {
	return o.name
}

// Post queues a task for the owner's loop. Safe from any goroutine.
// Returns false if the owner has been stopped.
func (o *Owner) Post(t Task) bool {
	return o.queue.enqueue(t)
}

// Pending returns the number of queued tasks.
func (o *Owner) Pending() int {
	return o.queue.len()
}

// Drain runs queued tasks, including tasks they post, until the queue is
// empty. Returns the number of tasks run.
func (o *Owner) Drain(ctx context.Context) int {
	n := 0
	for {
		t, ok := o.queue.tryDequeue()
		if !ok {
			return n
		}
		o.runTask(ctx, t)
		n++
	}
}

// Run processes tasks until ctx is cancelled or Stop is called.
func (o *Owner) Run(ctx context.Context) error {
	slog.Debug("owner loop starting", "owner", o.name)

	for {
		if t, ok := o.queue.tryDequeue(); ok {
			o.runTask(ctx, t)
			continue
		}

		select {
		case <-ctx.Done():
			slog.Debug("owner loop stopping: context cancelled", "owner", o.name)
			o.warnOpenHandles()
			return ctx.Err()
		case <-o.queue.wait():
			if o.queue.isClosed() && o.queue.len() == 0 {
				slog.Debug("owner loop stopping: queue closed", "owner", o.name)
				o.warnOpenHandles()
				return nil
			}
		}
	}
}

// Stop closes the task queue; Run returns once queued tasks are done.
func (o *Owner) Stop() {
	o.queue.close()
}

// warnOpenHandles logs handles still held when the loop ends; they keep
// their files open until released.
func (o *Owner) warnOpenHandles() {
	for key, e := range o.handles {
		slog.Warn("owner stopped with open handle",
			"owner", o.name,
			"path", key.Path,
			"handle", e.handle.id,
			"refs", e.refs,
		)
	}
}

// Refs returns how many times this owner acquired cfg without releasing.
func (o *Owner) Refs(cfg *Config) int {
	if e, ok := o.handles[cfg.Key()]; ok {
		return e.refs
	}
	return 0
}

// runTask runs one task, logging a panic instead of killing the loop.
func (o *Owner) runTask(ctx context.Context, t Task) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("owner task panicked", "owner", o.name, "panic", r)
		}
	}()
	t(ctx)
}

// taskQueue is an unbounded FIFO of tasks. The signal channel lets Run wait
// for work and for cancellation in one select.
type taskQueue struct {
	mu     sync.Mutex
	tasks  []Task
	closed bool
	signal chan struct{} // buffered, size 1
}

func newTaskQueue() *taskQueue {
	return &taskQueue{
		tasks:  make([]Task, 0, 16),
		signal: make(chan struct{}, 1),
	}
}

func (q *taskQueue) enqueue(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, t)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

func (q *taskQueue) tryDequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}
	t := q.tasks[0]
	q.tasks[0] = nil
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	return t, true
}

func (q *taskQueue) wait() <-chan struct{} {
	return q.signal
}

func (q *taskQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

func (q *taskQueue) isClosed() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.closed
}

func (q *taskQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

package queue

import (
	"context"
	"errors"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/async"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/pkg/operation"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// ErrCancelled resolves an operation cancelled before it was dispatched.
var ErrCancelled = errors.New("operation cancelled before dispatch")

// job is the untyped view of a committed operation.
type job struct {
	id      uint64
	name    string
	execute func(operation.Session)
	done    <-chan struct{}
}

// Queue runs operations one at a time, in the order they were committed,
// against whichever session is installed when each one reaches the head.
type Queue struct {
	logger *logrus.Logger

	mu      sync.Mutex
	pending *orderedmap.OrderedMap[uint64, *job]
	running *job
	session operation.Session
	nextID  uint64
}

// New creates an empty queue with no session.
func New(logger *logrus.Logger) *Queue {
	if logger == nil {
		logger = logrus.New()
	}
	return &Queue{
		logger:  logger,
		pending: orderedmap.New[uint64, *job](),
	}
}

// SetPeripheral installs the session later dispatches run against. nil clears
// it; queued jobs then wait for the next session. An executing job keeps the
// session it was dispatched to.
func (q *Queue) SetPeripheral(s operation.Session) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.session = s
	q.logger.WithFields(logrus.Fields{
		"installed": s != nil,
		"pending":   q.pending.Len(),
	}).Debug("Queue session changed")
	q.dispatchLocked()
}

// Len returns the number of committed jobs not yet dispatched.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.pending.Len()
}

// Busy reports whether a job is executing.
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running != nil
}

func (q *Queue) commit(j *job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.nextID++
	j.id = q.nextID
	q.pending.Set(j.id, j)
	q.logger.WithFields(logrus.Fields{
		"job":       j.id,
		"operation": j.name,
		"pending":   q.pending.Len(),
	}).Debug("Operation queued")
	q.dispatchLocked()
}

// remove drops j if it has not been dispatched yet.
func (q *Queue) remove(j *job) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.pending.Delete(j.id)
	return ok
}

func (q *Queue) dispatchLocked() {
	if q.running != nil || q.session == nil {
		return
	}
	head := q.pending.Oldest()
	if head == nil {
		return
	}
	j := head.Value
	q.pending.Delete(head.Key)
	q.running = j

	q.logger.WithFields(logrus.Fields{
		"job":       j.id,
		"operation": j.name,
		"pending":   q.pending.Len(),
	}).Debug("Dispatching operation")
	j.execute(q.session)

	groutine.Go(context.Background(), "queue-"+j.name, func(context.Context) {
		<-j.done
		q.complete(j)
	})
}

func (q *Queue) complete(j *job) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.running == j {
		q.running = nil
	}
	q.dispatchLocked()
}

// Deferred is an operation that joins the queue only once committed.
type Deferred[T any] struct {
	q   *Queue
	op  operation.Operation[T]
	job *job

	mu        sync.Mutex
	committed bool
	cancelled bool
}

// Enqueue wraps op for q. Nothing is queued until Commit or Await.
func Enqueue[T any](q *Queue, op operation.Operation[T]) *Deferred[T] {
	d := &Deferred[T]{q: q, op: op}
	d.job = &job{
		name:    op.Name(),
		execute: op.Execute,
		done:    op.Result().Done(),
	}
	return d
}

// Commit queues the operation once and returns its result.
func (d *Deferred[T]) Commit() *async.Future[T] {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.committed && !d.cancelled {
		d.committed = true
		d.q.commit(d.job)
	}
	return d.op.Result()
}

// Await commits the operation and waits for its result. Giving up on ctx
// cancels it.
func (d *Deferred[T]) Await(ctx context.Context) (T, error) {
	v, err := d.Commit().Await(ctx)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		d.Cancel()
	}
	return v, err
}

// Cancel withdraws the operation. A job still waiting is removed and resolves
// with ErrCancelled; an executing one runs to completion and its result is
// left to the queue.
func (d *Deferred[T]) Cancel() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancelled {
		return
	}
	d.cancelled = true

	if d.committed && !d.q.remove(d.job) {
		d.q.logger.WithFields(logrus.Fields{
			"job":       d.job.id,
			"operation": d.job.name,
		}).Debug("Cancelled operation already dispatched, discarding its result")
		return
	}
	d.q.logger.WithField("operation", d.job.name).Debug("Operation cancelled before dispatch")
	d.op.Result().Reject(ErrCancelled)
}

package async

import (
	"context"
	"sync"

	"github.com/srg/blecentral/internal/groutine"
)

// RunFunc produces values for a Shared stream until ctx is cancelled or it fails.
type RunFunc[T any] func(ctx context.Context, emit func(T)) error

// Shared is a ref-counted multicast stream. The producer starts when the first
// consumer subscribes and is cancelled when the last one leaves. Values are
// replayed to late subscribers. Once a run ends, the next Subscribe starts a new one.
type Shared[T any] struct {
	name     string
	capacity int
	run      RunFunc[T]

	mu  sync.Mutex
	cur *sharedRun[T]
}

type sharedRun[T any] struct {
	stream *Broadcast[T]
	cancel context.CancelFunc
	refs   int
}

// NewShared creates a Shared stream. name labels the producer goroutine.
func NewShared[T any](name string, capacity int, run RunFunc[T]) *Shared[T] {
	return &Shared[T]{name: name, capacity: capacity, run: run}
}

// Subscribe attaches a consumer, starting the producer if none is running.
func (s *Shared[T]) Subscribe() *Subscription[T] {
	s.mu.Lock()
	r := s.cur
	start := r == nil
	var ctx context.Context
	if start {
		var cancel context.CancelFunc
		ctx, cancel = context.WithCancel(context.Background())
		r = &sharedRun[T]{stream: NewReplay[T](s.capacity), cancel: cancel}
		s.cur = r
	}
	r.refs++
	sub := r.stream.subscribe(func() { s.release(r) })
	s.mu.Unlock()

	if start {
		groutine.Go(ctx, s.name, func(ctx context.Context) {
			err := s.run(ctx, r.stream.Publish)
			s.finish(r, err)
		})
	}
	return sub
}

// Active reports whether a producer is currently running.
func (s *Shared[T]) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur != nil
}

func (s *Shared[T]) release(r *sharedRun[T]) {
	s.mu.Lock()
	r.refs--
	last := r.refs == 0 && s.cur == r
	if last {
		s.cur = nil
	}
	s.mu.Unlock()

	if last {
		r.cancel()
	}
}

func (s *Shared[T]) finish(r *sharedRun[T], err error) {
	s.mu.Lock()
	if s.cur == r {
		s.cur = nil
	}
	s.mu.Unlock()

	r.cancel()
	if err != nil {
		r.stream.Fail(err)
		return
	}
	r.stream.Complete()
}

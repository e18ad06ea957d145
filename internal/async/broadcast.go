package async

import (
	"context"
	"errors"
	"sync"
)

// DefaultCapacity is the per-subscriber buffer used when none is given.
const DefaultCapacity = 128

// ErrClosed is returned by Subscription.Next once the stream ended without error.
var ErrClosed = errors.New("subscription closed")

// Subscription is one consumer of a Broadcast. Values arrive on C; once C is
// closed Err reports the terminal error, or nil when the stream completed or the
// consumer unsubscribed.
type Subscription[T any] struct {
	id      uint64
	ring    *RingChannel[T]
	owner   *Broadcast[T]
	onClose func()

	mu  sync.Mutex
	err error
}

// C returns the value channel.
func (s *Subscription[T]) C() <-chan T {
	return s.ring.C()
}

// Err returns the terminal error. Valid once C is closed.
func (s *Subscription[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Dropped returns how many values were overwritten because the consumer lagged.
func (s *Subscription[T]) Dropped() int64 {
	return s.ring.Metrics().Overwritten
}

// Close detaches the consumer. It is safe to call more than once and after the
// stream ended.
func (s *Subscription[T]) Close() {
	if s.owner == nil || !s.owner.detach(s) {
		return
	}
	if s.onClose != nil {
		s.onClose()
	}
}

// Next waits for the next value. It returns the terminal error, or ErrClosed,
// once the stream is over.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	select {
	case v, ok := <-s.C():
		if ok {
			return v, nil
		}
		var zero T
		if err := s.Err(); err != nil {
			return zero, err
		}
		return zero, ErrClosed
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (s *Subscription[T]) terminate(err error) {
	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.ring.Close()
}

// Broadcast is a hot multicast stream. Every subscriber gets its own ring
// buffer, so a slow consumer loses its oldest values instead of stalling the
// producer. With replay enabled, a new subscriber first receives the latest value.
type Broadcast[T any] struct {
	mu       sync.Mutex
	subs     map[uint64]*Subscription[T]
	nextID   uint64
	capacity int
	replay   bool
	last     T
	hasLast  bool
	done     bool
	err      error
}

// NewBroadcast creates a stream without replay.
func NewBroadcast[T any](capacity int) *Broadcast[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Broadcast[T]{subs: make(map[uint64]*Subscription[T]), capacity: capacity}
}

// NewBehavior creates a stream that replays its latest value, starting with initial.
func NewBehavior[T any](capacity int, initial T) *Broadcast[T] {
	b := NewReplay[T](capacity)
	b.last, b.hasLast = initial, true
	return b
}

// NewReplay creates a stream that replays its latest value once there is one.
func NewReplay[T any](capacity int) *Broadcast[T] {
	b := NewBroadcast[T](capacity)
	b.replay = true
	return b
}

// Subscribe attaches a consumer. Subscribing to an ended stream returns a
// subscription that is already closed with the stream's terminal error.
func (b *Broadcast[T]) Subscribe() *Subscription[T] {
	return b.subscribe(nil)
}

// SubscribeNotify is Subscribe with a hook run after the consumer closes its
// subscription. The hook does not run when the stream itself ends.
func (b *Broadcast[T]) SubscribeNotify(onClose func()) *Subscription[T] {
	return b.subscribe(onClose)
}

func (b *Broadcast[T]) subscribe(onClose func()) *Subscription[T] {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.nextID++
	s := &Subscription[T]{id: b.nextID, ring: NewRingChannel[T](b.capacity), owner: b, onClose: onClose}
	if b.replay && b.hasLast {
		s.ring.Send(b.last)
	}
	if b.done {
		s.terminate(b.err)
		return s
	}
	b.subs[s.id] = s
	return s
}

func (b *Broadcast[T]) detach(s *Subscription[T]) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[s.id]; !ok {
		return false
	}
	delete(b.subs, s.id)
	s.terminate(nil)
	return true
}

// Publish delivers v to every subscriber. Ignored after the stream ended.
func (b *Broadcast[T]) Publish(v T) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	if b.replay {
		b.last, b.hasLast = v, true
	}
	for _, s := range b.subs {
		s.ring.Send(v)
	}
}

// Fail ends the stream with err. Only the first terminal call has an effect.
func (b *Broadcast[T]) Fail(err error) {
	b.end(err)
}

// Complete ends the stream without error.
func (b *Broadcast[T]) Complete() {
	b.end(nil)
}

func (b *Broadcast[T]) end(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.done {
		return
	}
	b.done, b.err = true, err
	for id, s := range b.subs {
		s.terminate(err)
		delete(b.subs, id)
	}
}

// Len returns the number of attached subscribers.
func (b *Broadcast[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Value returns the latest published value for replaying streams.
func (b *Broadcast[T]) Value() (T, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.hasLast
}

// Ended reports whether the stream has terminated.
func (b *Broadcast[T]) Ended() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

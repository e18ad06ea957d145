package relay

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/async"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/pkg/device"
)

// Source produces already demarcated notification packets.
// *peripheral.Peripheral implements it.
type Source interface {
	Notifications() *async.Subscription[device.Notification]
}

// Relay fans notifications out per characteristic. Subscriptions outlive the
// session that feeds them, so consumers keep receiving after a reconnect.
type Relay struct {
	logger   *logrus.Logger
	capacity int

	mu      sync.Mutex
	streams map[string]*async.Broadcast[[]byte]
	sources map[Source]*async.Subscription[device.Notification]
}

// New creates a relay whose subscribers buffer capacity packets each.
func New(logger *logrus.Logger, capacity int) *Relay {
	if logger == nil {
		logger = logrus.New()
	}
	if capacity <= 0 {
		capacity = async.DefaultCapacity
	}
	return &Relay{
		logger:   logger,
		capacity: capacity,
		streams:  make(map[string]*async.Broadcast[[]byte]),
		sources:  make(map[Source]*async.Subscription[device.Notification]),
	}
}

// Attach starts forwarding src's notifications. Attaching twice is a no-op.
func (r *Relay) Attach(src Source) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sources[src]; ok {
		return
	}
	sub := src.Notifications()
	r.sources[src] = sub
	r.logger.WithField("sources", len(r.sources)).Debug("Notification source attached")

	groutine.Go(context.Background(), "relay-pump", func(context.Context) {
		for n := range sub.C() {
			r.publish(n)
		}
		r.mu.Lock()
		if r.sources[src] == sub {
			delete(r.sources, src)
		}
		r.mu.Unlock()
	})
}

// Detach stops forwarding src's notifications.
func (r *Relay) Detach(src Source) {
	r.mu.Lock()
	sub, ok := r.sources[src]
	delete(r.sources, src)
	r.mu.Unlock()
	if ok {
		sub.Close()
		r.logger.Debug("Notification source detached")
	}
}

// Notifications subscribes to packets of chr from whichever source is attached.
func (r *Relay) Notifications(chr ble.UUID) *async.Subscription[[]byte] {
	key := device.UUIDKey(chr)

	r.mu.Lock()
	defer r.mu.Unlock()
	stream, ok := r.streams[key]
	if !ok {
		stream = async.NewBroadcast[[]byte](r.capacity)
		r.streams[key] = stream
	}
	return stream.SubscribeNotify(func() { r.release(key, stream) })
}

func (r *Relay) release(key string, stream *async.Broadcast[[]byte]) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if stream.Len() == 0 && r.streams[key] == stream {
		delete(r.streams, key)
	}
}

func (r *Relay) publish(n device.Notification) {
	r.mu.Lock()
	stream := r.streams[device.UUIDKey(n.Characteristic)]
	r.mu.Unlock()
	if stream != nil {
		stream.Publish(n.Value)
	}
}

// Close detaches every source and ends every subscription.
func (r *Relay) Close() {
	r.mu.Lock()
	sources := r.sources
	streams := r.streams
	r.sources = make(map[Source]*async.Subscription[device.Notification])
	r.streams = make(map[string]*async.Broadcast[[]byte])
	r.mu.Unlock()

	for _, sub := range sources {
		sub.Close()
	}
	for _, s := range streams {
		s.Complete()
	}
}

package main

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-ble/ble"
	"github.com/hedzr/go-ringbuf/v2/mpmc"
	"github.com/srg/blecentral/pkg/device"
)

// MaxCollectorSize guards against accidental misconfiguration.
const MaxCollectorSize uint32 = 1024 * 1024

// notificationRecord is one packet received from a characteristic.
type notificationRecord struct {
	At             time.Time
	Characteristic ble.UUID
	Value          []byte
}

// CollectorMetrics are lock-free counters of a NotificationCollector.
type CollectorMetrics struct {
	RecordsProcessed   int64
	RecordsOverwritten int64
}

// NotificationCollector gathers packets from several relay subscriptions into
// one ring buffer. When the printer falls behind, the oldest records are
// overwritten. All methods are thread-safe.
type NotificationCollector struct {
	buffer  mpmc.RichOverlappedRingBuffer[notificationRecord]
	ready   chan struct{}
	metrics CollectorMetrics
}

// NewNotificationCollector creates a collector holding up to size records.
func NewNotificationCollector(size uint32) (*NotificationCollector, error) {
	if size == 0 {
		return nil, fmt.Errorf("buffer size must be > 0")
	}
	if size > MaxCollectorSize {
		return nil, fmt.Errorf("buffer size %d exceeds maximum %d", size, MaxCollectorSize)
	}
	return &NotificationCollector{
		buffer: mpmc.NewOverlappedRingBuffer[notificationRecord](size),
		ready:  make(chan struct{}, 1),
	}, nil
}

// Put stores a record and signals Ready.
func (c *NotificationCollector) Put(chr ble.UUID, value []byte) error {
	overwrites, err := c.buffer.EnqueueM(notificationRecord{At: time.Now(), Characteristic: chr, Value: value})
	if err != nil {
		return fmt.Errorf("unexpected buffer enqueue error: %w", err)
	}
	atomic.AddInt64(&c.metrics.RecordsOverwritten, int64(overwrites))
	atomic.AddInt64(&c.metrics.RecordsProcessed, 1)

	select {
	case c.ready <- struct{}{}:
	default:
	}
	return nil
}

// Ready is signalled after records were added.
func (c *NotificationCollector) Ready() <-chan struct{} {
	return c.ready
}

// Drain hands every buffered record to fn in arrival order. With latest set
// only the last record per characteristic is passed.
func (c *NotificationCollector) Drain(latest bool, fn func(notificationRecord) error) error {
	var (
		records []notificationRecord
		index   = make(map[string]int)
	)
	for !c.buffer.IsEmpty() {
		rec, err := c.buffer.Dequeue()
		if err != nil {
			return fmt.Errorf("buffer dequeue error: %w", err)
		}
		if latest {
			key := device.UUIDKey(rec.Characteristic)
			if i, ok := index[key]; ok {
				records[i] = rec
				continue
			}
			index[key] = len(records)
		}
		records = append(records, rec)
	}

	for _, rec := range records {
		if err := fn(rec); err != nil {
			return err
		}
	}
	return nil
}

// Metrics returns a snapshot of the counters.
func (c *NotificationCollector) Metrics() CollectorMetrics {
	return CollectorMetrics{
		RecordsProcessed:   atomic.LoadInt64(&c.metrics.RecordsProcessed),
		RecordsOverwritten: atomic.LoadInt64(&c.metrics.RecordsOverwritten),
	}
}

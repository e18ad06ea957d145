// Package framing reassembles length-prefixed packets that a peripheral splits
// across several notifications.
//
// A frame is a 2-byte little-endian payload length followed by the payload.
package framing

import (
	"encoding/binary"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/blecentral/pkg/device"
)

// HeaderSize is the length prefix size in bytes.
const HeaderSize = 2

// DefaultCapacity bounds the bytes buffered while a frame is incomplete.
const DefaultCapacity = 4096

// Reassembler buffers notification pushes until a whole frame is available.
type Reassembler struct {
	logger *logrus.Logger

	mu   sync.Mutex
	buf  *ringbuffer.RingBuffer
	cap  int
	need int // payload length of the frame in progress, -1 before its header
}

// New creates a Reassembler holding at most capacity pending bytes.
func New(capacity int, logger *logrus.Logger) *Reassembler {
	if logger == nil {
		logger = logrus.New()
	}
	if capacity <= HeaderSize {
		capacity = DefaultCapacity
	}
	return &Reassembler{
		logger: logger,
		buf:    ringbuffer.New(capacity),
		cap:    capacity,
		need:   -1,
	}
}

// Preprocessor returns the reassembler as a notification preprocessor.
func (r *Reassembler) Preprocessor() device.Preprocessor {
	return r.Push
}

// Pending reports the number of buffered bytes not yet returned.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.buf.Length()
	if r.need >= 0 {
		n += HeaderSize
	}
	return n
}

// Push appends one notification and returns the next complete payload, or nil
// while the frame in progress is incomplete. Zero-length frames are skipped.
// When a push completes more than one frame the rest are returned by the
// following pushes, so a push of an empty slice drains them.
func (r *Reassembler) Push(data []byte) []byte {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(data) > 0 {
		if n, err := r.buf.Write(data); err != nil || n < len(data) {
			r.logger.WithFields(logrus.Fields{
				"dropped":  len(data) - n,
				"capacity": r.cap,
				"error":    err,
			}).Warn("Framing buffer overflow, discarding partial frame")
			r.reset()
			return nil
		}
	}

	for {
		if r.need < 0 {
			if r.buf.Length() < HeaderSize {
				return nil
			}
			var hdr [HeaderSize]byte
			if _, err := r.buf.TryRead(hdr[:]); err != nil {
				r.reset()
				return nil
			}
			r.need = int(binary.LittleEndian.Uint16(hdr[:]))
			if r.need > r.cap {
				r.logger.WithFields(logrus.Fields{
					"length":   r.need,
					"capacity": r.cap,
				}).Warn("Frame larger than framing buffer, discarding")
				r.reset()
				return nil
			}
		}

		if r.need == 0 {
			r.need = -1
			continue
		}
		if r.buf.Length() < r.need {
			return nil
		}
		packet := make([]byte, r.need)
		if _, err := r.buf.TryRead(packet); err != nil {
			r.reset()
			return nil
		}
		r.need = -1
		return packet
	}
}

// Reset discards any partial frame.
func (r *Reassembler) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reset()
}

func (r *Reassembler) reset() {
	r.buf.Reset()
	r.need = -1
}

// Encode prefixes payload with its length. Payloads over 65535 bytes are truncated.
func Encode(payload []byte) []byte {
	if len(payload) > 0xFFFF {
		payload = payload[:0xFFFF]
	}
	out := make([]byte, HeaderSize+len(payload))
	binary.LittleEndian.PutUint16(out, uint16(len(payload)))
	copy(out[HeaderSize:], payload)
	return out
}

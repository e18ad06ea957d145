package operation

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blecentral/internal/async"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/pkg/device"
)

// DefaultTimeout bounds an operation from dispatch to result.
const DefaultTimeout = 10 * time.Second

// Session is the transport an operation runs against. *peripheral.Peripheral
// implements it.
type Session interface {
	Read(ctx context.Context, svc, chr ble.UUID) ([]byte, error)
	Write(ctx context.Context, svc, chr ble.UUID, data []byte) error
	RegisterNotification(ctx context.Context, svc, chr ble.UUID, pre device.Preprocessor) error
	UnregisterNotification(ctx context.Context, svc, chr ble.UUID) error
	RequestMtu(ctx context.Context, mtu int) (int, error)
	ReadRssi(ctx context.Context) (int, error)
	MaxWriteLength() int
}

// Operation is a unit of work with a single typed result. Execute dispatches it
// once; the outcome is observed through Result.
type Operation[T any] interface {
	Execute(s Session)
	Result() *async.Future[T]
	ExecuteWithResult(ctx context.Context, s Session) (T, error)
	Name() string
}

// base carries the shared execute-once and timeout behaviour.
type base[T any] struct {
	name    string
	timeout time.Duration
	run     func(ctx context.Context, s Session) (T, error)

	once   sync.Once
	result *async.Future[T]
}

func newBase[T any](name string, timeout time.Duration, run func(ctx context.Context, s Session) (T, error)) *base[T] {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &base[T]{name: name, timeout: timeout, run: run, result: async.NewFuture[T]()}
}

// Name identifies the operation in logs.
func (o *base[T]) Name() string {
	return o.name
}

// Result returns the future the operation resolves.
func (o *base[T]) Result() *async.Future[T] {
	return o.result
}

// Execute starts the operation against s. The timeout starts now and spans the
// whole execution. Calls after the first are ignored.
func (o *base[T]) Execute(s Session) {
	o.once.Do(func() {
		if s == nil {
			o.result.Reject(device.NewPeripheralError(device.CodeDisconnected, 0, nil))
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), o.timeout)
		groutine.Go(ctx, "operation-"+o.name, func(ctx context.Context) {
			defer cancel()
			v, err := o.run(ctx, s)
			if err != nil {
				if errors.Is(ctx.Err(), context.DeadlineExceeded) {
					err = device.NewPeripheralError(device.CodeTimeout, 0, err)
				}
				o.result.Reject(err)
				return
			}
			o.result.Resolve(v)
		})
	})
}

// ExecuteWithResult executes against s and waits for the result or ctx.
func (o *base[T]) ExecuteWithResult(ctx context.Context, s Session) (T, error) {
	o.Execute(s)
	return o.result.Await(ctx)
}

// NewRead reads chr of svc.
func NewRead(svc, chr ble.UUID, timeout time.Duration) Operation[[]byte] {
	return newBase("read", timeout, func(ctx context.Context, s Session) ([]byte, error) {
		return s.Read(ctx, svc, chr)
	})
}

// NewWrite writes data to chr of svc, split into chunks of the session's
// MaxWriteLength written one after another. The result is the number of bytes
// written. data is copied and never modified.
func NewWrite(svc, chr ble.UUID, data []byte, timeout time.Duration) Operation[int] {
	payload := append([]byte(nil), data...)
	return newBase("write", timeout, func(ctx context.Context, s Session) (int, error) {
		max := s.MaxWriteLength()
		if max <= 0 {
			return 0, device.NewPeripheralError(device.CodeWriteCharacteristicFailed, 0, errors.New("session reports no writable payload"))
		}
		written := 0
		for _, chunk := range Chunks(payload, max) {
			if err := s.Write(ctx, svc, chr, chunk); err != nil {
				return written, err
			}
			written += len(chunk)
		}
		return written, nil
	})
}

// Chunks splits data into ceil(len(data)/max) consecutive slices of at most max
// bytes. The slices share data's backing array.
func Chunks(data []byte, max int) [][]byte {
	if max <= 0 || len(data) == 0 {
		return nil
	}
	out := make([][]byte, 0, (len(data)+max-1)/max)
	for off := 0; off < len(data); off += max {
		end := off + max
		if end > len(data) {
			end = len(data)
		}
		out = append(out, data[off:end:end])
	}
	return out
}

// NewRegisterNotification enables notifications on chr. pre may be nil.
func NewRegisterNotification(svc, chr ble.UUID, pre device.Preprocessor, timeout time.Duration) Operation[struct{}] {
	return newBase("register-notification", timeout, func(ctx context.Context, s Session) (struct{}, error) {
		return struct{}{}, s.RegisterNotification(ctx, svc, chr, pre)
	})
}

// NewUnregisterNotification disables notifications on chr.
func NewUnregisterNotification(svc, chr ble.UUID, timeout time.Duration) Operation[struct{}] {
	return newBase("unregister-notification", timeout, func(ctx context.Context, s Session) (struct{}, error) {
		return struct{}{}, s.UnregisterNotification(ctx, svc, chr)
	})
}

// NewRequestMtu requests mtu; the result is the granted MTU.
func NewRequestMtu(mtu int, timeout time.Duration) Operation[int] {
	return newBase("request-mtu", timeout, func(ctx context.Context, s Session) (int, error) {
		return s.RequestMtu(ctx, mtu)
	})
}

// NewReadRssi reads the link RSSI.
func NewReadRssi(timeout time.Duration) Operation[int] {
	return newBase("read-rssi", timeout, func(ctx context.Context, s Session) (int, error) {
		return s.ReadRssi(ctx)
	})
}

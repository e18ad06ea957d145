package peripheral

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/async"
	"github.com/srg/blecentral/pkg/device"
)

const (
	// DefaultMTU is the ATT MTU before any exchange.
	DefaultMTU = 23

	// MTUOverhead is the ATT header carried by every write.
	MTUOverhead = 3
)

// Option configures a Peripheral.
type Option func(*Peripheral)

// WithBufferSize sets the per-subscriber buffer of the notification stream.
func WithBufferSize(n int) Option {
	return func(p *Peripheral) {
		if n > 0 {
			p.bufferSize = n
		}
	}
}

// Peripheral is a transport session with one remote peer. It owns the driver,
// allows a single GATT request in flight, and turns driver events into results,
// connection states and notifications.
type Peripheral struct {
	driver     device.GattDriver
	address    string
	logger     *logrus.Logger
	bufferSize int

	states        *async.Shared[device.ConnectableState]
	notifications *async.Broadcast[device.Notification]
	terminal      chan error
	closeOnce     sync.Once

	mu            sync.Mutex
	emit          func(device.ConnectableState)
	dialed        bool
	linkDown      bool
	connected     bool
	closed        bool
	mtu           int
	current       *request
	preprocessors map[string]device.Preprocessor
}

// request occupies the operation slot until its result event arrives.
type request struct {
	kind   device.EventKind
	chr    ble.UUID
	enable bool
	code   device.PeripheralCode
	done   chan result
}

type result struct {
	ev  device.Event
	err error
}

// New creates a session over driver. Nothing happens on the radio until Connect.
func New(driver device.GattDriver, address string, logger *logrus.Logger, opts ...Option) *Peripheral {
	if logger == nil {
		logger = logrus.New()
	}
	p := &Peripheral{
		driver:        driver,
		address:       address,
		logger:        logger,
		bufferSize:    async.DefaultCapacity,
		terminal:      make(chan error, 1),
		mtu:           DefaultMTU,
		preprocessors: make(map[string]device.Preprocessor),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.notifications = async.NewBroadcast[device.Notification](p.bufferSize)
	p.states = async.NewShared[device.ConnectableState]("peripheral-connect", p.bufferSize, p.run)
	return p
}

// Address returns the peer identifier.
func (p *Peripheral) Address() string {
	return p.address
}

// Connect returns the connection state stream. The first subscriber opens the
// link; later ones share it and receive the latest state first. The stream ends
// with a *device.ConnectionError when the link fails or drops, and the session
// is closed once the last subscriber leaves.
func (p *Peripheral) Connect() *async.Subscription[device.ConnectableState] {
	return p.states.Subscribe()
}

// Connected reports whether services were discovered and the link is up.
func (p *Peripheral) Connected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

// MTU returns the negotiated ATT MTU.
func (p *Peripheral) MTU() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.mtu
}

// MaxWriteLength returns the largest payload a single write can carry.
func (p *Peripheral) MaxWriteLength() int {
	return p.MTU() - MTUOverhead
}

// Notifications subscribes to characteristic pushes after preprocessing. The
// stream completes when the session closes.
func (p *Peripheral) Notifications() *async.Subscription[device.Notification] {
	return p.notifications.Subscribe()
}

// Disconnect drops the link and closes the session. Connect subscribers observe
// DISCONNECTION.
func (p *Peripheral) Disconnect() {
	p.fail(&device.ConnectionError{Code: device.Disconnection, Cause: device.ErrDisconnected})
	p.close()
}

func (p *Peripheral) run(ctx context.Context, emit func(device.ConnectableState)) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return &device.ConnectionError{Code: device.ConnectFailed, Cause: device.NewPeripheralError(device.CodeDisconnected, 0, nil)}
	}
	p.emit = emit
	p.mu.Unlock()
	defer p.close()

	log := p.logger.WithField("address", p.address)
	log.Debug("Connecting")
	emit(device.SessionConnecting)

	if err := p.driver.Connect(p.handle); err != nil {
		log.WithField("error", err).Error("Driver rejected connect")
		return &device.ConnectionError{
			Code:  device.ConnectFailed,
			Cause: device.NewPeripheralError(device.CodeConnectionFailed, device.StatusCallFailed, device.NormalizeError(err)),
		}
	}
	p.mu.Lock()
	p.dialed = true
	p.mu.Unlock()

	select {
	case <-ctx.Done():
		log.Debug("Last connection subscriber left")
		return nil
	case err := <-p.terminal:
		return err
	}
}

// fail records the terminal error of the connection stream. Only the first one counts.
func (p *Peripheral) fail(err error) {
	select {
	case p.terminal <- err:
	default:
	}
}

// close tears the session down: the slot fails with DISCONNECTED, preprocessors
// are dropped, the notification stream ends and the driver handle is released.
func (p *Peripheral) close() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		p.connected = false
		hangUp := p.dialed && !p.linkDown
		req := p.current
		p.current = nil
		p.preprocessors = make(map[string]device.Preprocessor)
		p.emit = nil
		p.mu.Unlock()

		if req != nil {
			req.done <- result{err: device.NewPeripheralError(device.CodeDisconnected, 0, nil)}
		}
		p.notifications.Complete()

		if hangUp {
			if err := p.driver.Disconnect(); err != nil {
				p.logger.WithFields(logrus.Fields{
					"address": p.address,
					"error":   err,
				}).Warn("Driver disconnect failed")
			}
		}
		if err := p.driver.Close(); err != nil {
			p.logger.WithFields(logrus.Fields{
				"address": p.address,
				"error":   err,
			}).Warn("Driver close failed")
		}
		p.logger.WithField("address", p.address).Debug("Session closed")
	})
}

// Read reads chr and returns its value.
func (p *Peripheral) Read(ctx context.Context, svc, chr ble.UUID) ([]byte, error) {
	req := p.newRequest(device.EventCharacteristicRead, chr, device.CodeReadCharacteristicFailed)
	ev, err := p.submit(ctx, req, func() error { return p.driver.ReadCharacteristic(svc, chr) })
	if err != nil {
		return nil, err
	}
	out := make([]byte, len(ev.Value))
	copy(out, ev.Value)
	return out, nil
}

// Write performs a single acknowledged write of data to chr. Payloads longer
// than MaxWriteLength are the caller's concern.
func (p *Peripheral) Write(ctx context.Context, svc, chr ble.UUID, data []byte) error {
	req := p.newRequest(device.EventCharacteristicWrite, chr, device.CodeWriteCharacteristicFailed)
	_, err := p.submit(ctx, req, func() error { return p.driver.WriteCharacteristic(svc, chr, data) })
	return err
}

// RegisterNotification enables pushes from chr. A non-nil pre aggregates raw
// pushes into packets before they reach Notifications.
func (p *Peripheral) RegisterNotification(ctx context.Context, svc, chr ble.UUID, pre device.Preprocessor) error {
	req := p.newRequest(device.EventNotificationState, chr, device.CodeRegisterNotificationFailed)
	req.enable = true
	key := device.UUIDKey(chr)

	_, err := p.submit(ctx, req, func() error {
		p.mu.Lock()
		if pre != nil {
			p.preprocessors[key] = pre
		} else {
			delete(p.preprocessors, key)
		}
		p.mu.Unlock()

		err := p.driver.SetNotification(svc, chr, true)
		if err != nil {
			p.mu.Lock()
			delete(p.preprocessors, key)
			p.mu.Unlock()
		}
		return err
	})
	return err
}

// UnregisterNotification disables pushes from chr and drops its preprocessor.
func (p *Peripheral) UnregisterNotification(ctx context.Context, svc, chr ble.UUID) error {
	req := p.newRequest(device.EventNotificationState, chr, device.CodeUnregisterNotificationFailed)
	_, err := p.submit(ctx, req, func() error { return p.driver.SetNotification(svc, chr, false) })
	return err
}

// RequestMtu asks for mtu and returns the value the peer granted.
func (p *Peripheral) RequestMtu(ctx context.Context, mtu int) (int, error) {
	req := p.newRequest(device.EventMtuChanged, nil, device.CodeRequestMtuFailed)
	ev, err := p.submit(ctx, req, func() error { return p.driver.RequestMtu(mtu) })
	if err != nil {
		return 0, err
	}
	return ev.MTU, nil
}

// ReadRssi reads the link RSSI.
func (p *Peripheral) ReadRssi(ctx context.Context) (int, error) {
	req := p.newRequest(device.EventRssiRead, nil, device.CodeReadRssiFailed)
	ev, err := p.submit(ctx, req, func() error { return p.driver.ReadRssi() })
	if err != nil {
		return 0, err
	}
	return ev.RSSI, nil
}

func (p *Peripheral) newRequest(kind device.EventKind, chr ble.UUID, code device.PeripheralCode) *request {
	return &request{kind: kind, chr: chr, code: code, done: make(chan result, 1)}
}

// submit places req into the slot, issues the driver call and waits for the
// matching event. A request abandoned through ctx leaves the slot free; its
// late event is discarded.
func (p *Peripheral) submit(ctx context.Context, req *request, call func() error) (device.Event, error) {
	p.mu.Lock()
	if !p.connected {
		p.mu.Unlock()
		return device.Event{}, device.NewPeripheralError(device.CodeDisconnected, 0, nil)
	}
	if p.current != nil {
		p.mu.Unlock()
		return device.Event{}, device.NewPeripheralError(device.CodeOperationInProgress, 0, nil)
	}
	p.current = req
	p.mu.Unlock()

	p.logger.WithFields(logrus.Fields{
		"address":        p.address,
		"operation":      req.kind,
		"characteristic": shortUUID(req.chr),
	}).Debug("Dispatching request")

	if err := call(); err != nil {
		if !p.release(req) {
			// the session closed or an event already settled the request
			r := <-req.done
			return r.ev, r.err
		}
		p.logger.WithFields(logrus.Fields{
			"address":   p.address,
			"operation": req.kind,
			"error":     err,
		}).Error("Driver rejected request")
		return device.Event{}, rejected(req.code, err)
	}

	select {
	case r := <-req.done:
		return r.ev, r.err
	case <-ctx.Done():
		if !p.release(req) {
			r := <-req.done
			return r.ev, r.err
		}
		return device.Event{}, ctx.Err()
	}
}

// release frees the slot if req still holds it.
func (p *Peripheral) release(req *request) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.current != req {
		return false
	}
	p.current = nil
	return true
}

func (p *Peripheral) handle(ev device.Event) {
	switch ev.Kind {
	case device.EventConnectionState:
		p.onConnectionState(ev)
	case device.EventServicesDiscovered:
		p.onServicesDiscovered(ev)
	case device.EventNotification:
		p.onNotification(ev)
	default:
		p.onResult(ev)
	}
}

func (p *Peripheral) onConnectionState(ev device.Event) {
	log := p.logger.WithFields(logrus.Fields{
		"address": p.address,
		"link":    ev.Link,
		"status":  ev.Status,
	})

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		log.Debug("Ignoring connection state of closed session")
		return
	}
	if ev.Link == device.LinkDisconnected {
		p.linkDown = true
		p.connected = false
	}
	p.mu.Unlock()

	switch {
	case ev.Link == device.LinkConnected && ev.Status == device.StatusSuccess:
		log.Debug("Link up, discovering services")
		if err := p.driver.DiscoverServices(); err != nil {
			log.WithField("error", err).Error("Driver rejected service discovery")
			p.fail(&device.ConnectionError{
				Code:  device.ConnectFailed,
				Cause: device.NewPeripheralError(device.CodeServiceDiscoveryFailed, device.StatusCallFailed, device.NormalizeError(err)),
			})
		}
	case ev.Link == device.LinkConnected:
		log.Error("Link failed")
		p.fail(&device.ConnectionError{
			Code:  device.ConnectFailed,
			Cause: device.NewPeripheralError(device.CodeConnectionFailed, ev.Status, nil),
		})
	default:
		code := device.CodeConnectionFailed
		if ev.Status == device.StatusSuccess || ev.Status == device.StatusConnectionTimeout {
			code = device.CodeConnectionLost
		}
		log.WithField("reason", code).Info("Link down")
		p.fail(&device.ConnectionError{
			Code:  device.Disconnection,
			Cause: device.NewPeripheralError(code, ev.Status, nil),
		})
	}
}

func (p *Peripheral) onServicesDiscovered(ev device.Event) {
	p.mu.Lock()
	if p.closed || p.connected {
		p.mu.Unlock()
		return
	}
	if ev.Status != device.StatusSuccess {
		p.mu.Unlock()
		p.logger.WithFields(logrus.Fields{
			"address": p.address,
			"status":  ev.Status,
		}).Error("Service discovery failed")
		p.fail(&device.ConnectionError{
			Code:  device.ConnectFailed,
			Cause: device.NewPeripheralError(device.CodeServiceDiscoveryFailed, ev.Status, nil),
		})
		return
	}
	p.connected = true
	emit := p.emit
	p.mu.Unlock()

	p.logger.WithField("address", p.address).Info("Connected")
	if emit != nil {
		emit(device.SessionConnected)
	}
}

func (p *Peripheral) onNotification(ev device.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}

	pre, ok := p.preprocessors[device.UUIDKey(ev.Characteristic)]
	if !ok {
		p.publish(ev.Characteristic, ev.Value)
		return
	}
	// a push may complete several packets; empty input drains the rest
	for value := pre(ev.Value); len(value) > 0; value = pre(nil) {
		p.publish(ev.Characteristic, value)
	}
}

// publish emits a copy of value. Callers hold p.mu.
func (p *Peripheral) publish(chr ble.UUID, value []byte) {
	out := make([]byte, len(value))
	copy(out, value)
	p.notifications.Publish(device.Notification{Characteristic: chr, Value: out})
}

func (p *Peripheral) onResult(ev device.Event) {
	p.mu.Lock()
	if ev.Kind == device.EventMtuChanged && ev.Status == device.StatusSuccess {
		p.mtu = ev.MTU
	}

	req := p.current
	if req == nil {
		p.mu.Unlock()
		p.logger.WithFields(logrus.Fields{
			"address": p.address,
			"event":   ev.Kind,
			"status":  ev.Status,
		}).Warn("Discarding result without a pending request")
		return
	}
	p.current = nil

	var err error
	switch {
	case !req.matches(ev):
		err = device.NewPeripheralError(eventCode(ev), ev.Status, device.NewPeripheralError(device.CodeOperationResultMismatch, 0, nil))
		p.logger.WithFields(logrus.Fields{
			"address":  p.address,
			"expected": req.kind,
			"event":    ev.Kind,
		}).Warn("Result does not match the pending request")
	case ev.Status != device.StatusSuccess && ev.Kind == device.EventNotificationState:
		err = device.NewPeripheralError(req.code, ev.Status, device.NewPeripheralError(device.CodeWriteDescriptorFailed, ev.Status, nil))
	case ev.Status != device.StatusSuccess:
		err = device.NewPeripheralError(req.code, ev.Status, nil)
	case ev.Kind == device.EventNotificationState && !ev.Enabled:
		delete(p.preprocessors, device.UUIDKey(req.chr))
	}
	p.mu.Unlock()

	req.done <- result{ev: ev, err: err}
}

func (r *request) matches(ev device.Event) bool {
	if ev.Kind != r.kind {
		return false
	}
	if r.chr != nil && !device.EqualUUID(r.chr, ev.Characteristic) {
		return false
	}
	return ev.Kind != device.EventNotificationState || ev.Enabled == r.enable
}

// eventCode is the failure code of the primitive an event belongs to.
func eventCode(ev device.Event) device.PeripheralCode {
	switch ev.Kind {
	case device.EventCharacteristicRead:
		return device.CodeReadCharacteristicFailed
	case device.EventCharacteristicWrite:
		return device.CodeWriteCharacteristicFailed
	case device.EventNotificationState:
		if ev.Enabled {
			return device.CodeRegisterNotificationFailed
		}
		return device.CodeUnregisterNotificationFailed
	case device.EventMtuChanged:
		return device.CodeRequestMtuFailed
	case device.EventRssiRead:
		return device.CodeReadRssiFailed
	default:
		return device.CodeOperationResultMismatch
	}
}

// rejected maps a synchronous driver refusal onto the primitive's failure code.
// Errors that already name a precise session condition pass through.
func rejected(code device.PeripheralCode, err error) error {
	var perr *device.PeripheralError
	if errors.As(err, &perr) {
		switch perr.Code {
		case device.CodeMissingCharacteristic, device.CodeDisconnected, device.CodeUnsupported:
			return err
		}
		return device.NewPeripheralError(code, perr.Status, err)
	}
	return device.NewPeripheralError(code, device.StatusCallFailed, device.NormalizeError(err))
}

func shortUUID(u ble.UUID) string {
	if u == nil {
		return ""
	}
	return device.ShortUUID(u)
}

// String identifies the session in logs.
func (p *Peripheral) String() string {
	return fmt.Sprintf("peripheral(%s)", p.address)
}

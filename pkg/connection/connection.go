// Package connection supervises the lifecycle of a single peripheral
// connection: scan for a match, open a transport session, keep it installed in
// the operation queue and notification relay while it is up.
package connection

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/async"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/pkg/advertisement"
	"github.com/srg/blecentral/pkg/device"
	"github.com/srg/blecentral/pkg/matcher"
	"github.com/srg/blecentral/pkg/peripheral"
	"github.com/srg/blecentral/pkg/queue"
	"github.com/srg/blecentral/pkg/relay"
)

const (
	DefaultScanTimeout    = 45 * time.Second
	DefaultConnectTimeout = 30 * time.Second
)

// Scanner is the part of the duty-cycle scanner the manager consumes.
type Scanner interface {
	Scan(mode device.ScanMode) *async.Subscription[*advertisement.Record]
}

// Options configures a Manager
type Options struct {
	ScanMode   device.ScanMode
	BufferSize int
}

// DefaultOptions returns sensible defaults for a connection manager
func DefaultOptions() Options {
	return Options{
		ScanMode:   device.ScanModeLowLatency,
		BufferSize: async.DefaultCapacity,
	}
}

// Manager owns at most one connection attempt at a time and publishes the
// supervised ConnectionState. Connected sessions are installed into the
// manager's queue and relay, and removed from both when the attempt ends.
type Manager struct {
	provider device.Provider
	scanner  Scanner
	opts     Options
	logger   *logrus.Logger

	queue  *queue.Queue
	relay  *relay.Relay
	states *async.Broadcast[device.ConnectionState]

	mu      sync.Mutex
	attempt *Attempt
	gen     uint64
	session *peripheral.Peripheral
}

// NewManager creates a Manager in the Disconnected state
func NewManager(provider device.Provider, scanner Scanner, opts Options, logger *logrus.Logger) *Manager {
	if logger == nil {
		logger = logrus.New()
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = async.DefaultCapacity
	}

	return &Manager{
		provider: provider,
		scanner:  scanner,
		opts:     opts,
		logger:   logger,
		queue:    queue.New(logger),
		relay:    relay.New(logger, opts.BufferSize),
		states:   async.NewBehavior(opts.BufferSize, device.Disconnected),
	}
}

// Queue returns the operation queue fed with the connected session
func (m *Manager) Queue() *queue.Queue {
	return m.queue
}

// Relay returns the notification relay fed with the connected session
func (m *Manager) Relay() *relay.Relay {
	return m.relay
}

// State returns the current connection state
func (m *Manager) State() device.ConnectionState {
	s, _ := m.states.Value()
	return s
}

// States subscribes to state transitions. The current state is delivered first.
func (m *Manager) States() *async.Subscription[device.ConnectionState] {
	return m.states.Subscribe()
}

// Connect returns the attempt for m. While an attempt exists, an equal matcher
// gets the same attempt back and any other matcher is refused with
// ConnectionInProgress. The attempt starts when first subscribed.
func (m *Manager) Connect(mt matcher.Matcher, scanTimeout, connectTimeout time.Duration) (*Attempt, error) {
	if mt == nil {
		return nil, fmt.Errorf("matcher cannot be nil")
	}
	return m.newAttempt(mt, "", scanTimeout, connectTimeout)
}

// ConnectAddress connects to a known address without scanning.
func (m *Manager) ConnectAddress(address string, connectTimeout time.Duration) (*Attempt, error) {
	if address == "" {
		return nil, fmt.Errorf("address cannot be empty")
	}
	return m.newAttempt(matcher.Address(address), address, 0, connectTimeout)
}

func (m *Manager) newAttempt(mt matcher.Matcher, address string, scanTimeout, connectTimeout time.Duration) (*Attempt, error) {
	if scanTimeout <= 0 {
		scanTimeout = DefaultScanTimeout
	}
	if connectTimeout <= 0 {
		connectTimeout = DefaultConnectTimeout
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if cur := m.attempt; cur != nil {
		if cur.matcher.Equal(mt) {
			return cur, nil
		}
		return nil, &device.ConnectionError{
			Code:  device.ConnectionInProgress,
			Cause: fmt.Errorf("attempt for %s is active", cur.matcher),
		}
	}

	a := &Attempt{
		m:              m,
		matcher:        mt,
		address:        address,
		scanTimeout:    scanTimeout,
		connectTimeout: connectTimeout,
	}
	a.shared = async.NewShared("connection-attempt", m.opts.BufferSize, a.run)
	m.attempt = a
	return a, nil
}

// Close ends the state stream and the relay. Active attempts are not touched.
func (m *Manager) Close() {
	m.relay.Close()
	m.states.Complete()
}

func (m *Manager) setState(gen uint64, s device.ConnectionState) {
	m.mu.Lock()
	current := gen == m.gen
	m.mu.Unlock()
	if !current {
		return
	}

	prev := m.State()
	if prev == s {
		return
	}
	m.logger.WithFields(logrus.Fields{
		"from": prev.String(),
		"to":   s.String(),
	}).Debug("Connection state changed")
	m.states.Publish(s)
}

// activate claims the manager for a starting run of a
func (m *Manager) activate(a *Attempt) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.attempt != nil && m.attempt != a {
		return 0, &device.ConnectionError{
			Code:  device.ConnectionInProgress,
			Cause: fmt.Errorf("attempt for %s is active", m.attempt.matcher),
		}
	}
	m.attempt = a
	m.gen++
	return m.gen, nil
}

func (m *Manager) finish(a *Attempt, gen uint64, err error) {
	if err != nil {
		m.logger.WithError(err).WithField("target", a.matcher.String()).Warn("Connection attempt ended with error")
		m.setState(gen, device.DisconnectedWithError)
	} else {
		m.setState(gen, device.Disconnected)
	}

	m.mu.Lock()
	if m.attempt == a && m.gen == gen {
		m.attempt = nil
	}
	m.mu.Unlock()
}

func (m *Manager) install(p *peripheral.Peripheral) {
	m.mu.Lock()
	m.session = p
	m.mu.Unlock()

	m.queue.SetPeripheral(p)
	m.relay.Attach(p)
}

func (m *Manager) uninstall(p *peripheral.Peripheral) {
	m.relay.Detach(p)

	m.mu.Lock()
	current := m.session == p
	if current {
		m.session = nil
	}
	m.mu.Unlock()

	if current {
		m.queue.SetPeripheral(nil)
	}
}

// Attempt is one shared connection attempt. Every subscriber sees the same
// connected session; the session is torn down when the last one leaves.
type Attempt struct {
	m              *Manager
	matcher        matcher.Matcher
	address        string
	scanTimeout    time.Duration
	connectTimeout time.Duration

	shared *async.Shared[*peripheral.Peripheral]
}

// Matcher returns the matcher this attempt was created for
func (a *Attempt) Matcher() matcher.Matcher {
	return a.matcher
}

// Subscribe joins the attempt, starting it if needed. The subscription
// yields the connected session once, and ends with a *device.ConnectionError
// when the attempt fails or the connection is lost.
func (a *Attempt) Subscribe() *async.Subscription[*peripheral.Peripheral] {
	return a.shared.Subscribe()
}

func (a *Attempt) run(ctx context.Context, emit func(*peripheral.Peripheral)) (err error) {
	m := a.m
	gen, err := m.activate(a)
	if err != nil {
		return err
	}
	defer func() {
		if ctx.Err() != nil && err == nil {
			m.logger.WithField("target", a.matcher.String()).Debug("Connection attempt released")
		}
		m.finish(a, gen, err)
	}()

	address := a.address
	if address == "" {
		m.setState(gen, device.Scanning)
		rec, err := a.scan(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		address = rec.Address
	}

	m.setState(gen, device.Connecting)
	return a.connect(ctx, gen, address, emit)
}

// scan returns the first record the matcher selects within the scan timeout.
func (a *Attempt) scan(ctx context.Context) (*advertisement.Record, error) {
	m := a.m
	sub := m.scanner.Scan(m.opts.ScanMode)
	defer sub.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	in := make(chan *advertisement.Record)
	scanErr := make(chan error, 1)
	groutine.Go(ctx, "connection-scan-feed", func(ctx context.Context) {
		defer close(in)
		for {
			rec, err := sub.Next(ctx)
			if err != nil {
				if ctx.Err() == nil {
					scanErr <- err
				}
				return
			}
			select {
			case in <- rec:
			case <-ctx.Done():
				return
			}
		}
	})

	matches := a.matcher.Match(ctx, in)

	timer := time.NewTimer(a.scanTimeout)
	defer timer.Stop()

	select {
	case rec, ok := <-matches:
		if ok {
			m.logger.WithFields(logrus.Fields{
				"address": rec.Address,
				"rssi":    rec.RSSI,
				"target":  a.matcher.String(),
			}).Info("Matched peripheral")
			return rec, nil
		}
		select {
		case err := <-scanErr:
			return nil, err
		default:
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			return nil, &device.ConnectionError{Code: device.ScanFailed, Cause: errors.New("scan ended")}
		}
	case <-timer.C:
		return nil, &device.ConnectionError{
			Code:  device.ScanTimeout,
			Cause: fmt.Errorf("no match for %s within %s", a.matcher, a.scanTimeout),
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// connect opens a session and holds it until ctx is cancelled or the link ends.
func (a *Attempt) connect(ctx context.Context, gen uint64, address string, emit func(*peripheral.Peripheral)) error {
	m := a.m

	driver, err := m.provider.Peripheral(address)
	if err != nil {
		return &device.ConnectionError{
			Code:   device.ConnectFailed,
			Status: device.StatusCallFailed,
			Cause:  device.NormalizeError(err),
		}
	}

	p := peripheral.New(driver, address, m.logger, peripheral.WithBufferSize(m.opts.BufferSize))
	states := p.Connect()
	defer func() {
		m.uninstall(p)
		states.Close()
		p.Disconnect()
	}()

	timer := time.NewTimer(a.connectTimeout)
	defer timer.Stop()
	timeout := timer.C

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-timeout:
			return &device.ConnectionError{
				Code:  device.ConnectTimeout,
				Cause: fmt.Errorf("%s not connected within %s", address, a.connectTimeout),
			}
		case s, ok := <-states.C():
			if !ok {
				if ctx.Err() != nil {
					return nil
				}
				if err := states.Err(); err != nil {
					return err
				}
				return &device.ConnectionError{Code: device.Disconnection, Cause: device.ErrDisconnected}
			}
			if s != device.SessionConnected || timeout == nil {
				continue
			}
			timer.Stop()
			timeout = nil

			m.install(p)
			m.setState(gen, device.Connected)
			m.logger.WithFields(logrus.Fields{
				"address": address,
				"mtu":     p.MTU(),
			}).Info("Peripheral connected")
			emit(p)
		}
	}
}

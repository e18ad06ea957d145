package scanner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/async"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/pkg/advertisement"
	"github.com/srg/blecentral/pkg/device"
)

const (
	// DefaultMaxScanDuration keeps a single OS scan below the point where
	// platforms downgrade long running scans.
	DefaultMaxScanDuration = 29 * time.Minute

	// DefaultPauseInterval is the gap between a forced stop and the restart.
	DefaultPauseInterval = 10 * time.Second

	// DefaultWindow and DefaultMaxCycles bound scan starts per rolling window.
	DefaultWindow    = 30 * time.Second
	DefaultMaxCycles = 4
)

// Options configures the duty cycle.
type Options struct {
	MaxScanDuration time.Duration
	PauseInterval   time.Duration
	Window          time.Duration
	MaxCycles       int
	BufferSize      int
}

// DefaultOptions returns the platform-safe duty cycle.
func DefaultOptions() Options {
	return Options{
		MaxScanDuration: DefaultMaxScanDuration,
		PauseInterval:   DefaultPauseInterval,
		Window:          DefaultWindow,
		MaxCycles:       DefaultMaxCycles,
		BufferSize:      async.DefaultCapacity,
	}
}

// Scanner multiplexes scan requests onto one OS scan session. The session runs
// at the fastest mode any active request asked for, is restarted after
// MaxScanDuration, and never starts more than MaxCycles times per Window.
type Scanner struct {
	driver   device.ScanDriver
	opts     Options
	logger   *logrus.Logger
	throttle *Throttle
	nextID   atomic.Uint64

	mu       sync.Mutex
	current  *session
	lastDone <-chan struct{}
}

// session is one supervised lifetime of the OS scan, from the first request
// until the last one leaves or the driver fails.
type session struct {
	requests *hashmap.Map[uint64, device.ScanMode]
	records  *async.Broadcast[*advertisement.Record]
	cancel   context.CancelFunc
	changed  chan struct{}
}

// New creates a Scanner over driver. Zero option fields take their defaults,
// except PauseInterval where zero means restart immediately.
func New(driver device.ScanDriver, opts Options, logger *logrus.Logger) *Scanner {
	if logger == nil {
		logger = logrus.New()
	}
	def := DefaultOptions()
	if opts.MaxScanDuration <= 0 {
		opts.MaxScanDuration = def.MaxScanDuration
	}
	if opts.Window <= 0 {
		opts.Window = def.Window
	}
	if opts.MaxCycles <= 0 {
		opts.MaxCycles = def.MaxCycles
	}
	if opts.BufferSize <= 0 {
		opts.BufferSize = def.BufferSize
	}
	if opts.PauseInterval < 0 {
		opts.PauseInterval = 0
	}

	return &Scanner{
		driver:   driver,
		opts:     opts,
		logger:   logger,
		throttle: NewThrottle(opts.Window, opts.MaxCycles),
	}
}

// Scan registers a request at the given mode. Records arrive on the returned
// subscription until it is closed, or until the scan fails with SCAN_FAILED.
func (s *Scanner) Scan(mode device.ScanMode) *async.Subscription[*advertisement.Record] {
	s.mu.Lock()
	defer s.mu.Unlock()

	sess := s.current
	if sess == nil {
		ctx, cancel := context.WithCancel(context.Background())
		sess = &session{
			requests: hashmap.New[uint64, device.ScanMode](),
			records:  async.NewBroadcast[*advertisement.Record](s.opts.BufferSize),
			cancel:   cancel,
			changed:  make(chan struct{}, 1),
		}
		s.current = sess
		prev := s.lastDone
		s.lastDone = groutine.GoDone(ctx, "scanner-supervisor", func(ctx context.Context) {
			if prev != nil {
				<-prev
			}
			s.supervise(ctx, sess)
		})
	}

	id := s.nextID.Add(1)
	sess.requests.Set(id, mode)
	s.logger.WithFields(logrus.Fields{
		"request":  id,
		"mode":     mode,
		"requests": sess.requests.Len(),
	}).Debug("Scan request attached")

	sub := sess.records.SubscribeNotify(func() { s.detach(sess, id) })
	notify(sess.changed)
	return sub
}

// Mode returns the mode the current session should run at, and false when no
// session is active.
func (s *Scanner) Mode() (device.ScanMode, bool) {
	s.mu.Lock()
	sess := s.current
	s.mu.Unlock()
	if sess == nil {
		return device.ScanModeOpportunistic, false
	}
	return sess.mode()
}

func (s *Scanner) detach(sess *session, id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !sess.requests.Del(id) {
		return
	}
	if sess.requests.Len() > 0 {
		notify(sess.changed)
		return
	}
	if s.current == sess {
		s.current = nil
	}
	s.logger.Debug("Last scan request detached, tearing down scan session")
	sess.cancel()
}

// fail ends the session with err for every subscriber.
func (s *Scanner) fail(sess *session, err error) {
	s.mu.Lock()
	if s.current == sess {
		s.current = nil
	}
	s.mu.Unlock()

	sess.cancel()
	sess.records.Fail(err)
}

func (sess *session) mode() (device.ScanMode, bool) {
	best, found := device.ScanModeOpportunistic, false
	sess.requests.Range(func(_ uint64, m device.ScanMode) bool {
		if !found || m > best {
			best, found = m, true
		}
		return true
	})
	return best, found
}

func (s *Scanner) supervise(ctx context.Context, sess *session) {
	defer s.logger.WithField("mode", device.ScanModeOpportunistic).Debug("Scan session ended, mode reset")

	for {
		mode, ok := sess.mode()
		if !ok || ctx.Err() != nil {
			return
		}

		if d := s.throttle.Delay(time.Now()); d > 0 {
			s.logger.WithFields(logrus.Fields{
				"delay":  d,
				"window": s.opts.Window,
				"cycles": s.opts.MaxCycles,
			}).Info("Scan start throttled")
			if !sleep(ctx, d) {
				return
			}
			continue
		}

		failed := make(chan error, 1)
		onAdv := func(raw device.RawAdvertisement) {
			sess.records.Publish(advertisement.Parse(raw.Address, raw.RSSI, raw.Data))
		}
		onFail := func(err error) {
			select {
			case failed <- err:
			default:
			}
		}

		s.throttle.Record(time.Now())
		if err := s.driver.StartScan(mode, onAdv, onFail); err != nil {
			s.logger.WithFields(logrus.Fields{
				"mode":  mode,
				"error": err,
			}).Error("Failed to start scan")
			s.fail(sess, scanFailed(err))
			return
		}
		s.logger.WithField("mode", mode).Debug("Scan started")

		restart, pause := s.run(ctx, sess, mode, failed)
		if err := s.driver.StopScan(); err != nil {
			s.logger.WithField("error", err).Warn("Failed to stop scan")
		}
		if !restart {
			return
		}
		if pause && !sleep(ctx, s.opts.PauseInterval) {
			return
		}
	}
}

// run waits while the scan at mode is active. It reports whether the scan
// should be restarted and whether the restart follows a forced stop.
func (s *Scanner) run(ctx context.Context, sess *session, mode device.ScanMode, failed <-chan error) (restart, pause bool) {
	limit := time.NewTimer(s.opts.MaxScanDuration)
	defer limit.Stop()

	for {
		select {
		case <-ctx.Done():
			return false, false
		case err := <-failed:
			s.logger.WithFields(logrus.Fields{
				"mode":  mode,
				"error": err,
			}).Error("Scan failed")
			s.fail(sess, scanFailed(err))
			return false, false
		case <-limit.C:
			s.logger.WithFields(logrus.Fields{
				"duration": s.opts.MaxScanDuration,
				"pause":    s.opts.PauseInterval,
			}).Info("Scan reached maximum duration, restarting")
			return true, true
		case <-sess.changed:
			next, ok := sess.mode()
			if !ok {
				return false, false
			}
			if next != mode {
				s.logger.WithFields(logrus.Fields{
					"from": mode,
					"to":   next,
				}).Info("Scan mode changed")
				return true, false
			}
		}
	}
}

func scanFailed(err error) error {
	var cerr *device.ConnectionError
	if errors.As(err, &cerr) && cerr.Code == device.ScanFailed {
		return err
	}
	return &device.ConnectionError{Code: device.ScanFailed, Status: device.StatusOf(err), Cause: device.NormalizeError(err)}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func notify(ch chan struct{}) {
	select {
	case ch <- struct{}{}:
	default:
	}
}

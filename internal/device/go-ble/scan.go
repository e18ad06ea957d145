package goble

import (
	"context"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/pkg/advertisement"
	"github.com/srg/blecentral/pkg/device"
)

// Scanner is the part of ble.Device used for scanning.
type Scanner interface {
	Scan(ctx context.Context, allowDup bool, h ble.AdvHandler) error
}

// Scan adapts a go-ble device to device.ScanDriver. go-ble has no scan modes,
// so every mode maps to a duplicate-reporting scan.
type Scan struct {
	dev    Scanner
	logger *logrus.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   <-chan struct{}
}

// NewScan wraps dev
func NewScan(dev Scanner, logger *logrus.Logger) *Scan {
	if logger == nil {
		logger = logrus.New()
	}
	return &Scan{dev: dev, logger: logger}
}

// StartScan implements device.ScanDriver
func (s *Scan) StartScan(mode device.ScanMode, onAdv func(device.RawAdvertisement), onFailure func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return device.ErrScanInProgress
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.logger.WithField("mode", mode.String()).Debug("Starting go-ble scan")

	s.done = groutine.GoDone(ctx, "goble-scan", func(ctx context.Context) {
		err := s.dev.Scan(ctx, true, func(a ble.Advertisement) {
			onAdv(Raw(a))
		})
		if err != nil && ctx.Err() == nil {
			s.logger.WithField("error", err).Error("go-ble scan failed")
			onFailure(NormalizeError(err))
		}
	})
	return nil
}

// StopScan implements device.ScanDriver. It waits for the scan goroutine.
func (s *Scan) StopScan() error {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return nil
	}
	cancel()
	<-done
	return nil
}

// Raw rebuilds the advertising payload go-ble has already decoded, so every
// driver tier feeds the same parser.
func Raw(a ble.Advertisement) device.RawAdvertisement {
	enc := advertisement.NewEncoder().
		Name(a.LocalName()).
		Services(a.Services()...).
		ManufacturerRaw(a.ManufacturerData())

	if tx := a.TxPowerLevel(); tx >= -127 && tx <= 126 {
		enc.Field(advertisement.TypeTxPower, []byte{byte(int8(tx))})
	}

	for _, sd := range a.ServiceData() {
		var t byte
		switch len(sd.UUID) {
		case 2:
			t = 0x16
		case 4:
			t = 0x20
		default:
			t = 0x21
		}
		enc.Field(t, append(append([]byte(nil), sd.UUID...), sd.Data...))
	}

	addr := ""
	if a.Addr() != nil {
		addr = a.Addr().String()
	}
	return device.RawAdvertisement{Address: addr, RSSI: a.RSSI(), Data: enc.Bytes()}
}

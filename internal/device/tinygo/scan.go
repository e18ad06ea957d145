package tinygo

import (
	"context"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/pkg/advertisement"
	"github.com/srg/blecentral/pkg/device"
	"tinygo.org/x/bluetooth"
)

// payload is the part of bluetooth.AdvertisementPayload used to rebuild raw data.
type payload interface {
	LocalName() string
	HasServiceUUID(bluetooth.UUID) bool
	Bytes() []byte
	ManufacturerData() []bluetooth.ManufacturerDataElement
}

// Scan adapts a tinygo adapter to device.ScanDriver.
type Scan struct {
	adapter *bluetooth.Adapter
	hints   []ble.UUID
	logger  *logrus.Logger

	mu      sync.Mutex
	stopped bool
	done    <-chan struct{}
}

// StartScan implements device.ScanDriver. tinygo has no scan modes.
func (s *Scan) StartScan(mode device.ScanMode, onAdv func(device.RawAdvertisement), onFailure func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return device.ErrScanInProgress
	}
	s.stopped = false
	s.logger.WithField("mode", mode.String()).Debug("Starting tinygo scan")

	s.done = groutine.GoDone(context.Background(), "tinygo-scan", func(context.Context) {
		err := s.adapter.Scan(func(_ *bluetooth.Adapter, r bluetooth.ScanResult) {
			onAdv(device.RawAdvertisement{
				Address: r.Address.String(),
				RSSI:    int(r.RSSI),
				Data:    rawPayload(r.AdvertisementPayload, s.hints),
			})
		})

		s.mu.Lock()
		stopped := s.stopped
		s.mu.Unlock()
		if err != nil && !stopped {
			s.logger.WithField("error", err).Error("tinygo scan failed")
			onFailure(device.NormalizeError(err))
		}
	})
	return nil
}

// StopScan implements device.ScanDriver. It waits until Scan has returned.
func (s *Scan) StopScan() error {
	s.mu.Lock()
	done := s.done
	s.done = nil
	s.stopped = true
	s.mu.Unlock()

	if done == nil {
		return nil
	}
	err := s.adapter.StopScan()
	if err != nil && strings.Contains(err.Error(), "no scan in progress") {
		err = nil
	}
	<-done
	return err
}

// rawPayload returns the platform payload when it is exposed and otherwise
// rebuilds one. Services can only be tested for membership, so the rebuilt
// payload lists the hinted services the advertisement carries.
func rawPayload(p payload, hints []ble.UUID) []byte {
	if b := p.Bytes(); len(b) > 0 {
		return append([]byte(nil), b...)
	}

	enc := advertisement.NewEncoder().Name(p.LocalName())

	var services []ble.UUID
	for _, h := range hints {
		u, err := toUUID(h)
		if err == nil && p.HasServiceUUID(u) {
			services = append(services, h)
		}
	}
	if len(services) > 0 {
		enc.Services(services...)
	}

	for _, m := range p.ManufacturerData() {
		enc.Manufacturer(m.CompanyID, m.Data)
	}
	return enc.Bytes()
}

// Package goble implements the driver tier on top of go-ble.
package goble

import (
	"context"
	"runtime"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/pkg/device"
)

// DeviceFactory creates ble.Device instances (can be overridden in tests)
//
//nolint:revive // DeviceFactory name is intentional for test mocking
var DeviceFactory = newDevice

// Name identifies this tier in configuration.
const Name = "go-ble"

// Provider hands out go-ble drivers that share one host device.
type Provider struct {
	logger *logrus.Logger

	once sync.Once
	dev  ble.Device
	err  error
}

// NewProvider creates the provider. The host device is opened on first use.
func NewProvider(logger *logrus.Logger) *Provider {
	if logger == nil {
		logger = logrus.New()
	}
	return &Provider{logger: logger}
}

// Name implements device.Provider
func (p *Provider) Name() string {
	return Name
}

func (p *Provider) device() (ble.Device, error) {
	p.once.Do(func() {
		dev, err := DeviceFactory()
		if err != nil {
			p.logger.WithField("error", err).Error("Failed to create BLE device")
			p.err = NormalizeError(err)
			return
		}
		p.dev = dev
	})
	return p.dev, p.err
}

// Scanner implements device.Provider
func (p *Provider) Scanner() (device.ScanDriver, error) {
	dev, err := p.device()
	if err != nil {
		return nil, err
	}
	return NewScan(dev, p.logger), nil
}

// Peripheral implements device.Provider
func (p *Provider) Peripheral(address string) (device.GattDriver, error) {
	dev, err := p.device()
	if err != nil {
		return nil, err
	}
	dial := func(ctx context.Context, address string) (Client, error) {
		c, err := dev.Dial(ctx, ble.NewAddr(address))
		if err != nil {
			return nil, NormalizeError(err)
		}
		return c, nil
	}
	return NewGatt(address, dial, runtime.GOOS != "darwin", p.logger), nil
}

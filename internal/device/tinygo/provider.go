// Package tinygo implements the driver tier on top of tinygo.org/x/bluetooth.
package tinygo

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/pkg/device"
	"tinygo.org/x/bluetooth"
)

// Name identifies this tier in configuration.
const Name = "tinygo"

// Options configures the tinygo tier
type Options struct {
	// AdapterID selects a host adapter where the platform has several (hci0, hci1 on Linux).
	AdapterID string
	// ServiceHints are the services reported in rebuilt advertisement payloads.
	ServiceHints []ble.UUID
}

// Provider hands out tinygo drivers sharing one enabled adapter.
type Provider struct {
	opts   Options
	logger *logrus.Logger

	once    sync.Once
	adapter *bluetooth.Adapter
	err     error

	mu    sync.Mutex
	gatts map[string]*Gatt
}

// NewProvider creates the provider. The adapter is enabled on first use.
func NewProvider(opts Options, logger *logrus.Logger) *Provider {
	if logger == nil {
		logger = logrus.New()
	}
	return &Provider{opts: opts, logger: logger, gatts: make(map[string]*Gatt)}
}

// Name implements device.Provider
func (p *Provider) Name() string {
	return Name
}

func (p *Provider) enable() error {
	p.once.Do(func() {
		a := newAdapter(p.opts.AdapterID)
		if err := a.Enable(); err != nil {
			p.logger.WithField("error", err).Error("Failed to enable BLE adapter")
			p.err = fmt.Errorf("%w: %v", device.ErrAdapterDisabled, err)
			return
		}
		a.SetConnectHandler(p.onConnect)
		p.adapter = a
	})
	return p.err
}

func (p *Provider) onConnect(d bluetooth.Device, connected bool) {
	p.mu.Lock()
	g := p.gatts[strings.ToUpper(d.Address.String())]
	p.mu.Unlock()
	if g != nil {
		g.onLink(connected)
	}
}

// Scanner implements device.Provider
func (p *Provider) Scanner() (device.ScanDriver, error) {
	if err := p.enable(); err != nil {
		return nil, err
	}
	return &Scan{adapter: p.adapter, hints: p.opts.ServiceHints, logger: p.logger}, nil
}

// Peripheral implements device.Provider
func (p *Provider) Peripheral(address string) (device.GattDriver, error) {
	if err := p.enable(); err != nil {
		return nil, err
	}
	if _, err := parseAddress(address); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	g := &Gatt{
		provider: p,
		address:  address,
		logger:   p.logger,
		ctx:      ctx,
		cancel:   cancel,
	}

	p.mu.Lock()
	p.gatts[strings.ToUpper(address)] = g
	p.mu.Unlock()
	return g, nil
}

func (p *Provider) release(g *Gatt) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := strings.ToUpper(g.address)
	if p.gatts[key] == g {
		delete(p.gatts, key)
	}
}

package tinygo

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/pkg/device"
	"tinygo.org/x/bluetooth"
)

// maxReadLength bounds a single characteristic read.
const maxReadLength = 512

// Gatt adapts a tinygo device to device.GattDriver. RSSI reads are not
// available in tinygo and MTU requests report the negotiated MTU.
type Gatt struct {
	provider *Provider
	address  string
	logger   *logrus.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handler device.EventHandler
	dev     *bluetooth.Device
	chars   map[string]bluetooth.DeviceCharacteristic
	hungUp  bool
}

func (g *Gatt) emit(ev device.Event) {
	g.mu.Lock()
	h := g.handler
	g.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// onLink receives adapter connect events for this address.
func (g *Gatt) onLink(connected bool) {
	if connected {
		return
	}
	g.mu.Lock()
	up := g.dev != nil
	g.mu.Unlock()
	if up {
		g.emit(device.Event{Kind: device.EventConnectionState, Link: device.LinkDisconnected})
	}
}

// Connect implements device.GattDriver
func (g *Gatt) Connect(handler device.EventHandler) error {
	addr, err := parseAddress(g.address)
	if err != nil {
		return err
	}

	g.mu.Lock()
	if g.handler != nil {
		g.mu.Unlock()
		return fmt.Errorf("connect already requested for %s", g.address)
	}
	g.handler = handler
	g.mu.Unlock()

	groutine.Go(g.ctx, "tinygo-connect", func(ctx context.Context) {
		log := g.logger.WithField("address", g.address)
		dev, err := g.provider.adapter.Connect(addr, bluetooth.ConnectionParams{})
		if err != nil {
			if ctx.Err() == nil {
				log.WithField("error", err).Error("Failed to connect")
				g.emit(device.Event{Kind: device.EventConnectionState, Link: device.LinkConnected, Status: device.StatusCallFailed})
			}
			return
		}
		if ctx.Err() != nil {
			if err := dev.Disconnect(); err != nil {
				log.WithField("error", err).Warn("Failed to disconnect abandoned connection")
			}
			return
		}

		g.mu.Lock()
		g.dev = &dev
		g.mu.Unlock()
		g.emit(device.Event{Kind: device.EventConnectionState, Link: device.LinkConnected})
	})
	return nil
}

func (g *Gatt) connected() (*bluetooth.Device, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.dev == nil || g.hungUp {
		return nil, device.ErrDisconnected
	}
	return g.dev, nil
}

func (g *Gatt) characteristic(svc, chr ble.UUID) (bluetooth.DeviceCharacteristic, error) {
	if _, err := g.connected(); err != nil {
		return bluetooth.DeviceCharacteristic{}, err
	}
	g.mu.Lock()
	c, ok := g.chars[charKey(svc, chr)]
	g.mu.Unlock()
	if !ok {
		return bluetooth.DeviceCharacteristic{}, device.NewPeripheralError(device.CodeMissingCharacteristic, 0,
			fmt.Errorf("%s in service %s", device.ShortUUID(chr), device.ShortUUID(svc)))
	}
	return c, nil
}

func (g *Gatt) async(name string, call func() device.Event) {
	groutine.Go(g.ctx, name, func(ctx context.Context) {
		ev := call()
		if ctx.Err() == nil {
			g.emit(ev)
		}
	})
}

func status(err error) int {
	if err == nil {
		return device.StatusSuccess
	}
	return device.StatusCallFailed
}

// DiscoverServices implements device.GattDriver
func (g *Gatt) DiscoverServices() error {
	dev, err := g.connected()
	if err != nil {
		return err
	}
	g.async("tinygo-discover", func() device.Event {
		chars, err := discover(dev)
		if err != nil {
			g.logger.WithFields(logrus.Fields{
				"address": g.address,
				"error":   err,
			}).Error("Failed to discover services")
		} else {
			g.mu.Lock()
			g.chars = chars
			g.mu.Unlock()
		}
		return device.Event{Kind: device.EventServicesDiscovered, Status: status(err)}
	})
	return nil
}

func discover(dev *bluetooth.Device) (map[string]bluetooth.DeviceCharacteristic, error) {
	services, err := dev.DiscoverServices(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate device services: %w", err)
	}
	chars := make(map[string]bluetooth.DeviceCharacteristic)
	for _, s := range services {
		cs, err := s.DiscoverCharacteristics(nil)
		if err != nil {
			return nil, fmt.Errorf("failed to discover characteristics of %s: %w", s.UUID().String(), err)
		}
		svc := fromUUID(s.UUID())
		for _, c := range cs {
			chars[charKey(svc, fromUUID(c.UUID()))] = c
		}
	}
	return chars, nil
}

// ReadCharacteristic implements device.GattDriver
func (g *Gatt) ReadCharacteristic(svc, chr ble.UUID) error {
	c, err := g.characteristic(svc, chr)
	if err != nil {
		return err
	}
	g.async("tinygo-read", func() device.Event {
		buf := make([]byte, maxReadLength)
		n, err := c.Read(buf)
		return device.Event{Kind: device.EventCharacteristicRead, Status: status(err), Service: svc, Characteristic: chr, Value: buf[:n]}
	})
	return nil
}

// WriteCharacteristic implements device.GattDriver
func (g *Gatt) WriteCharacteristic(svc, chr ble.UUID, data []byte) error {
	c, err := g.characteristic(svc, chr)
	if err != nil {
		return err
	}
	payload := append([]byte(nil), data...)
	g.async("tinygo-write", func() device.Event {
		_, err := c.Write(payload)
		return device.Event{Kind: device.EventCharacteristicWrite, Status: status(err), Service: svc, Characteristic: chr, Value: payload}
	})
	return nil
}

// SetNotification implements device.GattDriver
func (g *Gatt) SetNotification(svc, chr ble.UUID, enable bool) error {
	c, err := g.characteristic(svc, chr)
	if err != nil {
		return err
	}
	g.async("tinygo-notification-state", func() device.Event {
		var cb func([]byte)
		if enable {
			cb = func(data []byte) {
				g.emit(device.Event{
					Kind:           device.EventNotification,
					Service:        svc,
					Characteristic: chr,
					Value:          append([]byte(nil), data...),
				})
			}
		}
		err := c.EnableNotifications(cb)
		return device.Event{Kind: device.EventNotificationState, Status: status(err), Service: svc, Characteristic: chr, Enabled: enable}
	})
	return nil
}

// RequestMtu implements device.GattDriver. tinygo negotiates the MTU itself,
// so the reply carries whatever is in effect.
func (g *Gatt) RequestMtu(int) error {
	if _, err := g.connected(); err != nil {
		return err
	}
	g.mu.Lock()
	var c *bluetooth.DeviceCharacteristic
	for _, ch := range g.chars {
		c = &ch
		break
	}
	g.mu.Unlock()
	if c == nil {
		return fmt.Errorf("%w: MTU is only known after discovery", device.ErrUnsupported)
	}

	g.async("tinygo-mtu", func() device.Event {
		mtu, err := c.GetMTU()
		return device.Event{Kind: device.EventMtuChanged, Status: status(err), MTU: int(mtu)}
	})
	return nil
}

// ReadRssi implements device.GattDriver
func (g *Gatt) ReadRssi() error {
	return fmt.Errorf("%w: tinygo cannot read RSSI of a connected peer", device.ErrUnsupported)
}

// Disconnect implements device.GattDriver
func (g *Gatt) Disconnect() error {
	g.mu.Lock()
	dev := g.dev
	already := g.hungUp
	g.hungUp = true
	g.mu.Unlock()

	if dev == nil {
		g.cancel()
		return nil
	}
	if already {
		return nil
	}
	return device.NormalizeError(dev.Disconnect())
}

// Close implements device.GattDriver
func (g *Gatt) Close() error {
	g.mu.Lock()
	dev := g.dev
	hangUp := dev != nil && !g.hungUp
	g.hungUp = true
	g.handler = nil
	g.mu.Unlock()

	g.cancel()
	g.provider.release(g)
	if hangUp {
		return device.NormalizeError(dev.Disconnect())
	}
	return nil
}

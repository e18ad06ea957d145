package goble

import (
	"context"
	"fmt"
	"sync"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/pkg/device"
)

// Client is the part of ble.Client the GATT driver uses.
type Client interface {
	DiscoverProfile(force bool) (*ble.Profile, error)
	ReadCharacteristic(c *ble.Characteristic) ([]byte, error)
	WriteCharacteristic(c *ble.Characteristic, value []byte, noRsp bool) error
	Subscribe(c *ble.Characteristic, ind bool, h ble.NotificationHandler) error
	Unsubscribe(c *ble.Characteristic, ind bool) error
	ReadRSSI() int
	ExchangeMTU(rxMTU int) (txMTU int, err error)
	CancelConnection() error
}

// DialFunc opens a client connection to address.
type DialFunc func(ctx context.Context, address string) (Client, error)

// Gatt adapts a go-ble client to device.GattDriver. Blocking go-ble calls run
// on their own goroutine and report back through the event handler.
type Gatt struct {
	address string
	dial    DialFunc
	logger  *logrus.Logger
	// requireCCCD rejects notification setup for characteristics without a
	// discovered CCCD. Darwin hides descriptors, so it is off there.
	requireCCCD bool

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	handler device.EventHandler
	client  Client
	profile *ble.Profile
	hungUp  bool
}

// NewGatt creates a driver for address. Nothing is dialed until Connect.
func NewGatt(address string, dial DialFunc, requireCCCD bool, logger *logrus.Logger) *Gatt {
	if logger == nil {
		logger = logrus.New()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Gatt{
		address:     address,
		dial:        dial,
		logger:      logger,
		requireCCCD: requireCCCD,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (g *Gatt) emit(ev device.Event) {
	g.mu.Lock()
	h := g.handler
	g.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Connect implements device.GattDriver
func (g *Gatt) Connect(handler device.EventHandler) error {
	g.mu.Lock()
	if g.handler != nil {
		g.mu.Unlock()
		return fmt.Errorf("connect already requested for %s", g.address)
	}
	g.handler = handler
	g.mu.Unlock()

	groutine.Go(g.ctx, "goble-dial", func(ctx context.Context) {
		log := g.logger.WithField("address", g.address)
		log.Debug("Dialing BLE device...")

		client, err := g.dial(ctx, g.address)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.WithField("error", err).Error("Failed to dial BLE device")
			g.emit(device.Event{Kind: device.EventConnectionState, Link: device.LinkConnected, Status: device.StatusCallFailed})
			return
		}

		g.mu.Lock()
		if ctx.Err() != nil {
			g.mu.Unlock()
			_ = client.CancelConnection()
			return
		}
		g.client = client
		g.mu.Unlock()

		if c, ok := client.(interface{ Disconnected() <-chan struct{} }); ok {
			groutine.Go(ctx, "goble-link-monitor", func(ctx context.Context) {
				select {
				case <-c.Disconnected():
					log.Debug("Link reported down")
					g.emit(device.Event{Kind: device.EventConnectionState, Link: device.LinkDisconnected})
				case <-ctx.Done():
				}
			})
		}

		log.Debug("Dialed BLE device")
		g.emit(device.Event{Kind: device.EventConnectionState, Link: device.LinkConnected})
	})
	return nil
}

func (g *Gatt) connected() (Client, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.client == nil || g.hungUp {
		return nil, device.ErrDisconnected
	}
	return g.client, nil
}

// characteristic finds chr in the discovered profile.
func (g *Gatt) characteristic(svc, chr ble.UUID) (Client, *ble.Characteristic, error) {
	client, err := g.connected()
	if err != nil {
		return nil, nil, err
	}

	g.mu.Lock()
	profile := g.profile
	g.mu.Unlock()

	if profile != nil {
		for _, s := range profile.Services {
			if !device.EqualUUID(s.UUID, svc) {
				continue
			}
			for _, c := range s.Characteristics {
				if device.EqualUUID(c.UUID, chr) {
					return client, c, nil
				}
			}
		}
	}
	return nil, nil, device.NewPeripheralError(device.CodeMissingCharacteristic, 0,
		fmt.Errorf("%s in service %s", device.ShortUUID(chr), device.ShortUUID(svc)))
}

// async runs call on its own goroutine and emits the event it returns.
func (g *Gatt) async(name string, call func() device.Event) {
	groutine.Go(g.ctx, name, func(ctx context.Context) {
		ev := call()
		if ctx.Err() != nil {
			g.logger.WithFields(logrus.Fields{
				"address":   g.address,
				"goroutine": groutine.Name(ctx),
			}).Debug("Dropping driver result after close")
			return
		}
		g.emit(ev)
	})
}

func status(err error) int {
	if err == nil {
		return device.StatusSuccess
	}
	if s := device.StatusOf(err); s != 0 {
		return s
	}
	return device.StatusCallFailed
}

// DiscoverServices implements device.GattDriver
func (g *Gatt) DiscoverServices() error {
	client, err := g.connected()
	if err != nil {
		return err
	}
	g.async("goble-discover", func() device.Event {
		profile, err := client.DiscoverProfile(true)
		if err != nil {
			g.logger.WithFields(logrus.Fields{
				"address": g.address,
				"error":   err,
			}).Error("Failed to discover profile")
		} else {
			g.mu.Lock()
			g.profile = profile
			g.mu.Unlock()
			g.logger.WithFields(logrus.Fields{
				"address":  g.address,
				"services": len(profile.Services),
			}).Debug("Profile discovered successfully")
		}
		return device.Event{Kind: device.EventServicesDiscovered, Status: status(err)}
	})
	return nil
}

// ReadCharacteristic implements device.GattDriver
func (g *Gatt) ReadCharacteristic(svc, chr ble.UUID) error {
	client, c, err := g.characteristic(svc, chr)
	if err != nil {
		return err
	}
	g.async("goble-read", func() device.Event {
		v, err := client.ReadCharacteristic(c)
		return device.Event{Kind: device.EventCharacteristicRead, Status: status(NormalizeError(err)), Service: svc, Characteristic: chr, Value: v}
	})
	return nil
}

// WriteCharacteristic implements device.GattDriver. Characteristics that only
// allow write-without-response are written that way.
func (g *Gatt) WriteCharacteristic(svc, chr ble.UUID, data []byte) error {
	client, c, err := g.characteristic(svc, chr)
	if err != nil {
		return err
	}
	payload := append([]byte(nil), data...)
	noRsp := c.Property&ble.CharWrite == 0 && c.Property&ble.CharWriteNR != 0
	g.async("goble-write", func() device.Event {
		err := client.WriteCharacteristic(c, payload, noRsp)
		return device.Event{Kind: device.EventCharacteristicWrite, Status: status(NormalizeError(err)), Service: svc, Characteristic: chr, Value: payload}
	})
	return nil
}

// SetNotification implements device.GattDriver. Indications are used when the
// characteristic does not support notifications.
func (g *Gatt) SetNotification(svc, chr ble.UUID, enable bool) error {
	client, c, err := g.characteristic(svc, chr)
	if err != nil {
		return err
	}
	if c.Property&(ble.CharNotify|ble.CharIndicate) == 0 {
		return device.NewPeripheralError(device.CodeSetNotificationMissingProperty, 0,
			fmt.Errorf("%s supports neither notify nor indicate", device.ShortUUID(chr)))
	}
	if g.requireCCCD && c.CCCD == nil {
		return device.NewPeripheralError(device.CodeSetNotificationMissingCCCD, 0,
			fmt.Errorf("%s has no CCCD", device.ShortUUID(chr)))
	}
	ind := c.Property&ble.CharNotify == 0

	g.async("goble-notification-state", func() device.Event {
		var err error
		if enable {
			err = client.Subscribe(c, ind, func(data []byte) {
				g.emit(device.Event{
					Kind:           device.EventNotification,
					Service:        svc,
					Characteristic: chr,
					Value:          append([]byte(nil), data...),
				})
			})
		} else {
			err = client.Unsubscribe(c, ind)
		}
		return device.Event{Kind: device.EventNotificationState, Status: status(NormalizeError(err)), Service: svc, Characteristic: chr, Enabled: enable}
	})
	return nil
}

// RequestMtu implements device.GattDriver
func (g *Gatt) RequestMtu(mtu int) error {
	client, err := g.connected()
	if err != nil {
		return err
	}
	g.async("goble-mtu", func() device.Event {
		tx, err := client.ExchangeMTU(mtu)
		return device.Event{Kind: device.EventMtuChanged, Status: status(NormalizeError(err)), MTU: tx}
	})
	return nil
}

// ReadRssi implements device.GattDriver
func (g *Gatt) ReadRssi() error {
	client, err := g.connected()
	if err != nil {
		return err
	}
	g.async("goble-rssi", func() device.Event {
		return device.Event{Kind: device.EventRssiRead, RSSI: client.ReadRSSI()}
	})
	return nil
}

// Disconnect implements device.GattDriver. The link-down event follows once
// go-ble reports the disconnection.
func (g *Gatt) Disconnect() error {
	g.mu.Lock()
	client := g.client
	already := g.hungUp
	g.hungUp = true
	g.mu.Unlock()

	if client == nil {
		g.cancel()
		return nil
	}
	if already {
		return nil
	}
	return NormalizeError(client.CancelConnection())
}

// Close implements device.GattDriver
func (g *Gatt) Close() error {
	g.mu.Lock()
	client := g.client
	hangUp := client != nil && !g.hungUp
	g.hungUp = true
	g.handler = nil
	g.mu.Unlock()

	g.cancel()
	if hangUp {
		return NormalizeError(client.CancelConnection())
	}
	return nil
}

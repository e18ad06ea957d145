package testutils

import (
	"sync"

	"github.com/go-ble/ble"
	"github.com/srg/blecentral/pkg/device"
	"github.com/stretchr/testify/mock"
)

// FakeGatt is a device.GattDriver for tests. With Auto set it answers every
// accepted request with a successful event, otherwise tests drive it with Emit.
// A method with expectations registered through On is fully scripted: its
// return value comes from the mock and no automatic event follows.
type FakeGatt struct {
	mock.Mock

	Auto bool
	// MaxMTU caps the MTU granted by auto replies.
	MaxMTU int
	// RSSI is reported by auto replies to ReadRssi.
	RSSI int

	mu      sync.Mutex
	handler device.EventHandler
	values  map[string][]byte
	writes  [][]byte
	calls   map[string]int
	closes  int
	enabled map[string]bool
}

// NewFakeGatt creates a fake that answers requests on its own.
func NewFakeGatt() *FakeGatt {
	return &FakeGatt{
		Auto:    true,
		MaxMTU:  247,
		RSSI:    -50,
		values:  make(map[string][]byte),
		calls:   make(map[string]int),
		enabled: make(map[string]bool),
	}
}

// SetAuto switches automatic replies on or off.
func (f *FakeGatt) SetAuto(auto bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Auto = auto
}

// SetValue sets what auto replies return for reads of chr.
func (f *FakeGatt) SetValue(chr ble.UUID, v []byte) *FakeGatt {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.values[device.UUIDKey(chr)] = v
	return f
}

// Emit delivers ev to the handler registered by Connect.
func (f *FakeGatt) Emit(ev device.Event) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	if h != nil {
		h(ev)
	}
}

// Notify emits a characteristic push.
func (f *FakeGatt) Notify(chr ble.UUID, value []byte) {
	f.Emit(device.Event{Kind: device.EventNotification, Characteristic: chr, Value: value})
}

// LinkDown emits a link loss with status.
func (f *FakeGatt) LinkDown(status int) {
	f.Emit(device.Event{Kind: device.EventConnectionState, Status: status, Link: device.LinkDisconnected})
}

// Calls returns how many times method was invoked.
func (f *FakeGatt) Calls(method string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[method]
}

// Writes returns every accepted write payload in order.
func (f *FakeGatt) Writes() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([][]byte, len(f.writes))
	copy(out, f.writes)
	return out
}

// Closes returns the number of Close calls.
func (f *FakeGatt) Closes() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closes
}

// NotificationsEnabled reports the CCCD state of chr.
func (f *FakeGatt) NotificationsEnabled(chr ble.UUID) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.enabled[device.UUIDKey(chr)]
}

func (f *FakeGatt) enter(method string, args ...interface{}) (bool, error) {
	f.mu.Lock()
	f.calls[method]++
	auto := f.Auto
	f.mu.Unlock()

	scripted, err := callErr(&f.Mock, method, args...)
	if err != nil {
		return false, err
	}
	return auto && !scripted, nil
}

// Connect implements device.GattDriver.
func (f *FakeGatt) Connect(handler device.EventHandler) error {
	f.mu.Lock()
	f.handler = handler
	f.mu.Unlock()

	auto, err := f.enter("Connect")
	if err != nil || !auto {
		return err
	}
	f.Emit(device.Event{Kind: device.EventConnectionState, Status: device.StatusSuccess, Link: device.LinkConnected})
	return nil
}

// DiscoverServices implements device.GattDriver.
func (f *FakeGatt) DiscoverServices() error {
	auto, err := f.enter("DiscoverServices")
	if err != nil || !auto {
		return err
	}
	f.Emit(device.Event{Kind: device.EventServicesDiscovered, Status: device.StatusSuccess})
	return nil
}

// ReadCharacteristic implements device.GattDriver.
func (f *FakeGatt) ReadCharacteristic(svc, chr ble.UUID) error {
	auto, err := f.enter("ReadCharacteristic", svc, chr)
	if err != nil || !auto {
		return err
	}
	f.mu.Lock()
	v := append([]byte(nil), f.values[device.UUIDKey(chr)]...)
	f.mu.Unlock()
	f.Emit(device.Event{Kind: device.EventCharacteristicRead, Service: svc, Characteristic: chr, Value: v})
	return nil
}

// WriteCharacteristic implements device.GattDriver.
func (f *FakeGatt) WriteCharacteristic(svc, chr ble.UUID, data []byte) error {
	auto, err := f.enter("WriteCharacteristic", svc, chr, data)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.writes = append(f.writes, append([]byte(nil), data...))
	f.mu.Unlock()
	if auto {
		f.Emit(device.Event{Kind: device.EventCharacteristicWrite, Service: svc, Characteristic: chr, Value: data})
	}
	return nil
}

// SetNotification implements device.GattDriver.
func (f *FakeGatt) SetNotification(svc, chr ble.UUID, enable bool) error {
	auto, err := f.enter("SetNotification", svc, chr, enable)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.enabled[device.UUIDKey(chr)] = enable
	f.mu.Unlock()
	if auto {
		f.Emit(device.Event{Kind: device.EventNotificationState, Service: svc, Characteristic: chr, Enabled: enable})
	}
	return nil
}

// RequestMtu implements device.GattDriver.
func (f *FakeGatt) RequestMtu(mtu int) error {
	auto, err := f.enter("RequestMtu", mtu)
	if err != nil || !auto {
		return err
	}
	if f.MaxMTU > 0 && mtu > f.MaxMTU {
		mtu = f.MaxMTU
	}
	f.Emit(device.Event{Kind: device.EventMtuChanged, MTU: mtu})
	return nil
}

// ReadRssi implements device.GattDriver.
func (f *FakeGatt) ReadRssi() error {
	auto, err := f.enter("ReadRssi")
	if err != nil || !auto {
		return err
	}
	f.Emit(device.Event{Kind: device.EventRssiRead, RSSI: f.RSSI})
	return nil
}

// Disconnect implements device.GattDriver. Auto replies report a clean link down.
func (f *FakeGatt) Disconnect() error {
	auto, err := f.enter("Disconnect")
	if err != nil || !auto {
		return err
	}
	f.LinkDown(device.StatusSuccess)
	return nil
}

// Close implements device.GattDriver.
func (f *FakeGatt) Close() error {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	_, err := f.enter("Close")
	return err
}

// FakeProvider hands out FakeScan and FakeGatt instances.
type FakeProvider struct {
	mu    sync.Mutex
	Scan  *FakeScan
	gatts map[string]*FakeGatt
	// NewGatt builds the driver for an address; NewFakeGatt when nil.
	NewGatt func(address string) *FakeGatt
}

// NewFakeProvider creates a provider with a fresh FakeScan.
func NewFakeProvider() *FakeProvider {
	return &FakeProvider{Scan: NewFakeScan(), gatts: make(map[string]*FakeGatt)}
}

// Name implements device.Provider.
func (p *FakeProvider) Name() string { return "fake" }

// Scanner implements device.Provider.
func (p *FakeProvider) Scanner() (device.ScanDriver, error) {
	return p.Scan, nil
}

// Peripheral implements device.Provider. The latest driver per address stays
// reachable through Gatt.
func (p *FakeProvider) Peripheral(address string) (device.GattDriver, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var g *FakeGatt
	if p.NewGatt != nil {
		g = p.NewGatt(address)
	} else {
		g = NewFakeGatt()
	}
	p.gatts[address] = g
	return g, nil
}

// Gatt returns the latest driver handed out for address.
func (p *FakeProvider) Gatt(address string) *FakeGatt {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gatts[address]
}

package device

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
)

// ConnectionState is the supervised state of a connection manager
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	DisconnectedWithError
	Scanning
	Connecting
	Connected
)

func (s ConnectionState) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case DisconnectedWithError:
		return "disconnected_with_error"
	case Scanning:
		return "scanning"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return fmt.Sprintf("connection_state(%d)", int(s))
	}
}

// ConnectableState is reported by a transport session while it connects.
type ConnectableState int

const (
	SessionConnecting ConnectableState = iota
	SessionConnected
)

func (s ConnectableState) String() string {
	if s == SessionConnected {
		return "connected"
	}
	return "connecting"
}

// ScanMode orders scan aggressiveness; a larger value scans faster.
type ScanMode int

const (
	ScanModeOpportunistic ScanMode = iota - 1
	ScanModeLowPower
	ScanModeBalanced
	ScanModeLowLatency
)

func (m ScanMode) String() string {
	switch m {
	case ScanModeOpportunistic:
		return "opportunistic"
	case ScanModeLowPower:
		return "low-power"
	case ScanModeBalanced:
		return "balanced"
	case ScanModeLowLatency:
		return "low-latency"
	default:
		return fmt.Sprintf("scan_mode(%d)", int(m))
	}
}

// ParseScanMode accepts the names produced by ScanMode.String.
func ParseScanMode(s string) (ScanMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "opportunistic":
		return ScanModeOpportunistic, nil
	case "low-power", "lowpower", "low_power":
		return ScanModeLowPower, nil
	case "balanced", "":
		return ScanModeBalanced, nil
	case "low-latency", "lowlatency", "low_latency":
		return ScanModeLowLatency, nil
	default:
		return ScanModeBalanced, fmt.Errorf("unknown scan mode %q", s)
	}
}

// Platform status values shared by the driver tiers.
const (
	StatusSuccess           = 0
	StatusConnectionTimeout = 8
)

// LinkState is the physical link state carried by EventConnectionState.
type LinkState int

const (
	LinkDisconnected LinkState = iota
	LinkConnected
)

// EventKind enumerates the asynchronous callbacks a GattDriver delivers.
type EventKind int

const (
	EventConnectionState EventKind = iota
	EventServicesDiscovered
	EventCharacteristicRead
	EventCharacteristicWrite
	EventNotificationState
	EventNotification
	EventMtuChanged
	EventRssiRead
)

func (k EventKind) String() string {
	switch k {
	case EventConnectionState:
		return "connection_state"
	case EventServicesDiscovered:
		return "services_discovered"
	case EventCharacteristicRead:
		return "characteristic_read"
	case EventCharacteristicWrite:
		return "characteristic_write"
	case EventNotificationState:
		return "notification_state"
	case EventNotification:
		return "notification"
	case EventMtuChanged:
		return "mtu_changed"
	case EventRssiRead:
		return "rssi_read"
	default:
		return fmt.Sprintf("event(%d)", int(k))
	}
}

// Event is one driver callback. Only the fields relevant to Kind are set.
type Event struct {
	Kind           EventKind
	Status         int
	Link           LinkState
	Service        ble.UUID
	Characteristic ble.UUID
	Value          []byte
	Enabled        bool
	MTU            int
	RSSI           int
}

// EventHandler receives driver events. Drivers may call it from any goroutine,
// including the one that issued the request.
type EventHandler func(Event)

// GattDriver is the per-peer transport collaborator. Every request method returns
// immediately; completion arrives as an Event. A non-nil error means the request
// was rejected and no event will follow.
type GattDriver interface {
	Connect(handler EventHandler) error
	DiscoverServices() error
	ReadCharacteristic(svc, chr ble.UUID) error
	WriteCharacteristic(svc, chr ble.UUID, data []byte) error
	// SetNotification enables or disables notification delivery, including the CCCD write.
	SetNotification(svc, chr ble.UUID, enable bool) error
	RequestMtu(mtu int) error
	ReadRssi() error
	Disconnect() error
	// Close releases the OS handle. It is safe to call more than once.
	Close() error
}

// RawAdvertisement is what a ScanDriver reports per received advertisement.
type RawAdvertisement struct {
	Address string
	RSSI    int
	Data    []byte
}

// ScanDriver wraps the OS scan primitive.
type ScanDriver interface {
	StartScan(mode ScanMode, onAdvertisement func(RawAdvertisement), onFailure func(error)) error
	StopScan() error
}

// Provider supplies driver instances for one capability tier.
type Provider interface {
	Name() string
	Scanner() (ScanDriver, error)
	Peripheral(address string) (GattDriver, error)
}

// Notification is a characteristic push delivered by a transport session.
type Notification struct {
	Characteristic ble.UUID
	Value          []byte
}

// Preprocessor aggregates raw notification pushes into complete packets.
// It returns an empty result until a packet is complete. After a packet the
// session calls it with nil until it returns empty, so one push may yield
// several packets.
type Preprocessor func([]byte) []byte

package advertisement

import (
	"github.com/go-ble/ble"
	"github.com/srg/blecentral/pkg/device"
)

// AD types understood by the parser.
const (
	TypeFlags            byte = 0x01
	TypeSomeUUID16       byte = 0x02
	TypeAllUUID16        byte = 0x03
	TypeSomeUUID32       byte = 0x04
	TypeAllUUID32        byte = 0x05
	TypeSomeUUID128      byte = 0x06
	TypeAllUUID128       byte = 0x07
	TypeShortName        byte = 0x08
	TypeCompleteName     byte = 0x09
	TypeTxPower          byte = 0x0A
	TypeManufacturerData byte = 0xFF
)

// MaxPayloadLength is the legacy advertising payload size.
const MaxPayloadLength = 31

// Record is one decoded advertisement. It is not modified after Parse returns.
type Record struct {
	Address          string
	RSSI             int
	Name             string
	Services         []ble.UUID
	ManufacturerData map[uint16][]byte
	Raw              []byte

	hasName bool
	fields  map[byte][]byte
}

// HasName reports whether a local name record was present.
func (r *Record) HasName() bool {
	return r.hasName
}

// HasService reports whether u is advertised. Short UUIDs are expanded first.
func (r *Record) HasService(u ble.UUID) bool {
	for _, s := range r.Services {
		if device.EqualUUID(s, u) {
			return true
		}
	}
	return false
}

// Manufacturer returns the payload advertised for company id.
func (r *Record) Manufacturer(id uint16) ([]byte, bool) {
	b, ok := r.ManufacturerData[id]
	return b, ok
}

// Field returns the raw value of the last record of type t.
func (r *Record) Field(t byte) ([]byte, bool) {
	b, ok := r.fields[t]
	return b, ok
}

package advertisement

import (
	"bytes"
	"encoding/binary"

	"github.com/go-ble/ble"
	"github.com/srg/blecentral/pkg/device"
)

// Encoder builds advertising payloads field by field. Drivers use it to turn
// already decoded advertisements back into the wire form Parse expects.
type Encoder struct {
	p []byte
}

// NewEncoder returns an empty Encoder.
func NewEncoder() *Encoder {
	return &Encoder{}
}

// Field appends a raw record. Values longer than 254 bytes are truncated.
func (e *Encoder) Field(t byte, v []byte) *Encoder {
	if len(v) > 254 {
		v = v[:254]
	}
	e.p = append(e.p, byte(len(v)+1), t)
	e.p = append(e.p, v...)
	return e
}

// Flags appends the flags record.
func (e *Encoder) Flags(f byte) *Encoder {
	return e.Field(TypeFlags, []byte{f})
}

// Name appends a complete local name, or nothing for an empty name.
func (e *Encoder) Name(n string) *Encoder {
	if n == "" {
		return e
	}
	return e.Field(TypeCompleteName, []byte(n))
}

// ShortName appends a shortened local name.
func (e *Encoder) ShortName(n string) *Encoder {
	return e.Field(TypeShortName, []byte(n))
}

// Services appends complete service lists, one record per UUID width. Base
// UUIDs are written in their shortest form.
func (e *Encoder) Services(uuids ...ble.UUID) *Encoder {
	var s16, s32, s128 []byte
	for _, u := range uuids {
		switch short := compact(u); len(short) {
		case 2:
			s16 = append(s16, short...)
		case 4:
			s32 = append(s32, short...)
		default:
			s128 = append(s128, short...)
		}
	}
	if len(s16) > 0 {
		e.Field(TypeAllUUID16, s16)
	}
	if len(s32) > 0 {
		e.Field(TypeAllUUID32, s32)
	}
	if len(s128) > 0 {
		e.Field(TypeAllUUID128, s128)
	}
	return e
}

// Manufacturer appends manufacturer data for a company id.
func (e *Encoder) Manufacturer(id uint16, data []byte) *Encoder {
	v := make([]byte, 2, 2+len(data))
	binary.LittleEndian.PutUint16(v, id)
	return e.Field(TypeManufacturerData, append(v, data...))
}

// ManufacturerRaw appends a manufacturer record whose first two bytes already
// hold the company id, as go-ble reports it.
func (e *Encoder) ManufacturerRaw(data []byte) *Encoder {
	if len(data) == 0 {
		return e
	}
	return e.Field(TypeManufacturerData, data)
}

// Bytes returns a copy of the payload built so far.
func (e *Encoder) Bytes() []byte {
	return append([]byte(nil), e.p...)
}

func compact(u ble.UUID) []byte {
	full := device.ExpandUUID(u)
	if len(full) != 16 || !bytes.Equal(full[:12], device.BaseUUID[:12]) {
		return full
	}
	if full[14] == 0 && full[15] == 0 {
		return full[12:14]
	}
	return full[12:16]
}

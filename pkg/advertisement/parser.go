package advertisement

import (
	"encoding/binary"
	"strings"

	"github.com/go-ble/ble"
	"github.com/srg/blecentral/pkg/device"
)

// Parse decodes a raw advertising payload. It never fails: a record whose
// declared length runs past the buffer ends parsing, and everything decoded
// before it is kept. Unknown record types are skipped by length.
func Parse(address string, rssi int, raw []byte) *Record {
	r := &Record{
		Address:          address,
		RSSI:             rssi,
		ManufacturerData: make(map[uint16][]byte),
		Raw:              append([]byte(nil), raw...),
		fields:           make(map[byte][]byte),
	}

	b := r.Raw
	for len(b) > 0 {
		l := int(b[0])
		if l == 0 {
			b = b[1:]
			continue
		}
		if len(b) < 1+l {
			break
		}
		t, v := b[1], b[2:1+l]
		r.fields[t] = v
		r.parseField(t, v)
		b = b[1+l:]
	}
	return r
}

func (r *Record) parseField(t byte, v []byte) {
	switch t {
	case TypeSomeUUID16, TypeAllUUID16:
		r.Services = appendUUIDs(r.Services, v, 2)
	case TypeSomeUUID32, TypeAllUUID32:
		r.Services = appendUUIDs(r.Services, v, 4)
	case TypeSomeUUID128, TypeAllUUID128:
		r.Services = appendUUIDs(r.Services, v, 16)
	case TypeShortName, TypeCompleteName:
		r.Name = strings.ToValidUTF8(string(v), "�")
		r.hasName = true
	case TypeManufacturerData:
		if len(v) < 2 {
			return
		}
		id := binary.LittleEndian.Uint16(v)
		r.ManufacturerData[id] = append([]byte(nil), v[2:]...)
	}
}

// appendUUIDs splits d into w-byte little-endian entries; a trailing partial
// entry is dropped.
func appendUUIDs(u []ble.UUID, d []byte, w int) []ble.UUID {
	for len(d) >= w {
		u = append(u, device.ExpandUUID(ble.UUID(append([]byte(nil), d[:w]...))))
		d = d[w:]
	}
	return u
}

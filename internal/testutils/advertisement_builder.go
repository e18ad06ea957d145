package testutils

import (
	"encoding/json"
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/blecentral/pkg/advertisement"
	"github.com/srg/blecentral/pkg/device"
)

// AdvertisementBuilder builds raw advertisements the way a scan driver would
// deliver them.
type AdvertisementBuilder struct {
	address string
	rssi    int
	enc     *advertisement.Encoder
}

// NewAdvertisementBuilder creates a builder for address with RSSI -60.
func NewAdvertisementBuilder(address string) *AdvertisementBuilder {
	return &AdvertisementBuilder{address: address, rssi: -60, enc: advertisement.NewEncoder()}
}

// CreateAdvertisement is a shortcut for a named advertisement.
func CreateAdvertisement(name, address string, rssi int) *AdvertisementBuilder {
	return NewAdvertisementBuilder(address).WithName(name).WithRSSI(rssi)
}

func (b *AdvertisementBuilder) WithRSSI(rssi int) *AdvertisementBuilder {
	b.rssi = rssi
	return b
}

func (b *AdvertisementBuilder) WithName(name string) *AdvertisementBuilder {
	b.enc.Name(name)
	return b
}

// WithServices adds service UUIDs in any form device.ParseUUID accepts.
func (b *AdvertisementBuilder) WithServices(uuids ...string) *AdvertisementBuilder {
	parsed := make([]ble.UUID, 0, len(uuids))
	for _, u := range uuids {
		parsed = append(parsed, device.MustParseUUID(u))
	}
	b.enc.Services(parsed...)
	return b
}

func (b *AdvertisementBuilder) WithManufacturer(id uint16, data []byte) *AdvertisementBuilder {
	b.enc.Manufacturer(id, data)
	return b
}

// FromJSON applies a JSON description:
//
//	{"name": "HRM", "rssi": -40, "services": ["180D"], "manufacturer": {"id": 76, "data": [1, 2]}}
func (b *AdvertisementBuilder) FromJSON(jsonStrFmt string, args ...interface{}) *AdvertisementBuilder {
	var cfg struct {
		Name         *string  `json:"name"`
		RSSI         *int     `json:"rssi"`
		Services     []string `json:"services"`
		Manufacturer *struct {
			ID   uint16 `json:"id"`
			Data []byte `json:"data"`
		} `json:"manufacturer"`
	}
	if err := json.Unmarshal([]byte(fmt.Sprintf(jsonStrFmt, args...)), &cfg); err != nil {
		panic(fmt.Sprintf("invalid advertisement JSON: %v", err))
	}
	if cfg.Name != nil {
		b.WithName(*cfg.Name)
	}
	if cfg.RSSI != nil {
		b.WithRSSI(*cfg.RSSI)
	}
	if len(cfg.Services) > 0 {
		b.WithServices(cfg.Services...)
	}
	if cfg.Manufacturer != nil {
		b.WithManufacturer(cfg.Manufacturer.ID, cfg.Manufacturer.Data)
	}
	return b
}

// Build returns the raw advertisement.
func (b *AdvertisementBuilder) Build() device.RawAdvertisement {
	return device.RawAdvertisement{Address: b.address, RSSI: b.rssi, Data: b.enc.Bytes()}
}

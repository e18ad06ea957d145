package scanner

import (
	"context"
	"errors"
	"sort"
	"strings"

	"github.com/cornelk/hashmap"
	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	"github.com/srg/blecentral/internal/async"
	"github.com/srg/blecentral/pkg/advertisement"
)

// Filter narrows which advertisements a Discovery keeps.
type Filter struct {
	Services  []ble.UUID
	AllowList []string
	BlockList []string
}

// Discovery keeps the latest advertisement of every peripheral seen by a scan.
type Discovery struct {
	devices *hashmap.Map[string, *advertisement.Record]
	filter  Filter
	logger  *logrus.Logger
	onNew   func(*advertisement.Record)
}

// NewDiscovery creates an empty Discovery. onNew, if set, is called once per new peripheral.
func NewDiscovery(filter Filter, logger *logrus.Logger, onNew func(*advertisement.Record)) *Discovery {
	if logger == nil {
		logger = logrus.New()
	}
	return &Discovery{
		devices: hashmap.New[string, *advertisement.Record](),
		filter:  filter,
		logger:  logger,
		onNew:   onNew,
	}
}

// Add records r if it passes the filter and reports whether the peripheral is new.
func (d *Discovery) Add(r *advertisement.Record) bool {
	key := strings.ToUpper(r.Address)
	if _, existing := d.devices.Get(key); existing {
		d.devices.Set(key, r)
		return false
	}
	if !d.include(r) {
		return false
	}
	if _, existing := d.devices.GetOrInsert(key, r); existing {
		d.devices.Set(key, r)
		return false
	}

	d.logger.WithFields(logrus.Fields{
		"name":    r.Name,
		"address": r.Address,
		"rssi":    r.RSSI,
	}).Info("Discovered new device")
	if d.onNew != nil {
		d.onNew(r)
	}
	return true
}

// Collect feeds sub into the Discovery until ctx is done or the scan ends.
// A scan that ends because ctx expired is not an error.
func (d *Discovery) Collect(ctx context.Context, sub *async.Subscription[*advertisement.Record]) error {
	defer sub.Close()
	for {
		r, err := sub.Next(ctx)
		switch {
		case err == nil:
			d.Add(r)
		case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded), errors.Is(err, async.ErrClosed):
			return nil
		default:
			return err
		}
	}
}

// Len returns the number of peripherals kept.
func (d *Discovery) Len() int {
	return d.devices.Len()
}

// Devices returns the kept records, strongest signal first.
func (d *Discovery) Devices() []*advertisement.Record {
	out := make([]*advertisement.Record, 0, d.devices.Len())
	d.devices.Range(func(_ string, r *advertisement.Record) bool {
		out = append(out, r)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].RSSI != out[j].RSSI {
			return out[i].RSSI > out[j].RSSI
		}
		return out[i].Address < out[j].Address
	})
	return out
}

func (d *Discovery) include(r *advertisement.Record) bool {
	for _, blocked := range d.filter.BlockList {
		if strings.EqualFold(r.Address, blocked) {
			return false
		}
	}

	if len(d.filter.AllowList) > 0 {
		allowed := false
		for _, a := range d.filter.AllowList {
			if strings.EqualFold(r.Address, a) {
				allowed = true
				break
			}
		}
		if !allowed {
			return false
		}
	}

	if len(d.filter.Services) > 0 {
		for _, required := range d.filter.Services {
			if r.HasService(required) {
				return true
			}
		}
		return false
	}
	return true
}

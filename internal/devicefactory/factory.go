// Package devicefactory picks the driver tier once per process.
package devicefactory

import (
	"fmt"
	"strings"

	"github.com/go-ble/ble"
	"github.com/sirupsen/logrus"
	goble "github.com/srg/blecentral/internal/device/go-ble"
	"github.com/srg/blecentral/internal/device/tinygo"
	"github.com/srg/blecentral/pkg/device"
)

// DefaultTier is used when no tier is configured.
const DefaultTier = goble.Name

// Options selects and configures a driver tier
type Options struct {
	Tier         string
	AdapterID    string
	ServiceHints []ble.UUID
}

// ProviderFactory creates the provider for the options (can be overridden in tests).
var ProviderFactory = func(opts Options, logger *logrus.Logger) (device.Provider, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Tier)) {
	case "", goble.Name, "goble":
		return goble.NewProvider(logger), nil
	case tinygo.Name:
		return tinygo.NewProvider(tinygo.Options{AdapterID: opts.AdapterID, ServiceHints: opts.ServiceHints}, logger), nil
	default:
		return nil, fmt.Errorf("unknown driver tier %q (want %s or %s)", opts.Tier, goble.Name, tinygo.Name)
	}
}

// Tiers lists the supported tier names.
func Tiers() []string {
	return []string{goble.Name, tinygo.Name}
}

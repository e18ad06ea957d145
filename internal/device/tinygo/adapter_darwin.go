//go:build darwin

package tinygo

import (
	"fmt"

	"tinygo.org/x/bluetooth"
)

// newAdapter ignores id: CoreBluetooth exposes a single adapter.
func newAdapter(string) *bluetooth.Adapter {
	return bluetooth.DefaultAdapter
}

// parseAddress accepts the peripheral UUID CoreBluetooth uses as an address.
func parseAddress(address string) (bluetooth.Address, error) {
	uuid, err := bluetooth.ParseUUID(address)
	if err != nil {
		return bluetooth.Address{}, fmt.Errorf("failed to parse peripheral UUID %q: %w", address, err)
	}
	return bluetooth.Address{UUID: uuid}, nil
}

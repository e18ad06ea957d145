package goble

import (
	"fmt"
	"strings"

	"github.com/srg/blecentral/pkg/device"
)

// NormalizeError maps go-ble specific error strings onto the typed errors and
// falls back to device.NormalizeError for the shared ones.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "central manager has invalid state: have=4"):
		return fmt.Errorf("%w: %v", device.ErrAdapterDisabled, err)
	case strings.Contains(strings.ToLower(msg), "connection is not initialized"):
		return fmt.Errorf("%w: %v", device.ErrDisconnected, err)
	default:
		return device.NormalizeError(err)
	}
}

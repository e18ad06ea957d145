//go:build !darwin && !linux

package goble

import (
	"fmt"
	"runtime"

	"github.com/go-ble/ble"
	"github.com/srg/blecentral/pkg/device"
)

func newDevice() (ble.Device, error) {
	return nil, fmt.Errorf("%w: go-ble has no host stack for %s", device.ErrUnsupported, runtime.GOOS)
}

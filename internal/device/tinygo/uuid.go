package tinygo

import (
	"fmt"

	"github.com/go-ble/ble"
	"github.com/srg/blecentral/pkg/device"
	"tinygo.org/x/bluetooth"
)

// toUUID converts a go-ble UUID to its tinygo form.
func toUUID(u ble.UUID) (bluetooth.UUID, error) {
	b := ble.Reverse(device.ExpandUUID(u))
	if len(b) != 16 {
		return bluetooth.UUID{}, fmt.Errorf("invalid UUID length %d", len(b))
	}
	return bluetooth.ParseUUID(fmt.Sprintf("%x-%x-%x-%x-%x", b[:4], b[4:6], b[6:8], b[8:10], b[10:]))
}

// fromUUID converts a tinygo UUID to the expanded go-ble form.
func fromUUID(u bluetooth.UUID) ble.UUID {
	parsed, err := device.ParseUUID(u.String())
	if err != nil {
		return nil
	}
	return parsed
}

func charKey(svc, chr ble.UUID) string {
	return device.UUIDKey(svc) + "/" + device.UUIDKey(chr)
}

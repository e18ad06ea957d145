package main

import (
	"errors"
	"fmt"

	"github.com/srg/blecentral/pkg/device"
)

// FormatUserError turns typed stack errors into a short message. Anything it
// does not recognize is printed as is.
func FormatUserError(err error) string {
	var cerr *device.ConnectionError
	if errors.As(err, &cerr) {
		switch cerr.Code {
		case device.ScanTimeout:
			return "no matching peripheral found before the scan timed out"
		case device.ScanFailed:
			return fmt.Sprintf("scan failed (status %d)", cerr.Status)
		case device.ScanUnsupported:
			return "scanning is not supported on this host"
		case device.AdapterDisabled:
			return "Bluetooth adapter is off or unavailable"
		case device.ConnectionInProgress:
			return "another connection attempt is in progress"
		case device.ConnectTimeout:
			return "peripheral did not connect in time"
		case device.ConnectFailed, device.ConnectionFailed:
			return fmt.Sprintf("failed to connect: %s", causeOf(cerr))
		case device.Disconnection:
			if errors.Is(err, device.ErrConnectionLost) {
				return "connection lost"
			}
			return fmt.Sprintf("disconnected: %s", causeOf(cerr))
		}
	}

	var perr *device.PeripheralError
	if errors.As(err, &perr) {
		switch perr.Code {
		case device.CodeMissingCharacteristic:
			return fmt.Sprintf("characteristic not found: %s", causeOf(perr))
		case device.CodeSetNotificationMissingProperty:
			return "characteristic does not support notifications or indications"
		case device.CodeSetNotificationMissingCCCD:
			return "characteristic has no client configuration descriptor"
		case device.CodeTimeout:
			return "operation timed out"
		case device.CodeUnsupported:
			return fmt.Sprintf("not supported by this driver: %s", causeOf(perr))
		case device.CodeDisconnected, device.CodeConnectionLost:
			return "peripheral is not connected"
		}
	}
	return err.Error()
}

func causeOf(err error) string {
	if cause := errors.Unwrap(err); cause != nil {
		return cause.Error()
	}
	return err.Error()
}

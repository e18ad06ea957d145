package device

import (
	"errors"
	"fmt"
	"strings"
)

// ConnectionCode enumerates scan and connection level failures.
type ConnectionCode string

const (
	ScanInProgress       ConnectionCode = "scan_in_progress"
	ScanFailed           ConnectionCode = "scan_failed"
	ScanTimeout          ConnectionCode = "scan_timeout"
	ScanUnsupported      ConnectionCode = "scan_unsupported"
	AdapterDisabled      ConnectionCode = "adapter_disabled"
	ConnectionInProgress ConnectionCode = "connection_in_progress"
	ConnectFailed        ConnectionCode = "connect_failed"
	ConnectTimeout       ConnectionCode = "connect_timeout"
	ConnectionFailed     ConnectionCode = "connection_failed"
	Disconnection        ConnectionCode = "disconnection"
)

// PeripheralCode enumerates failures reported by a transport session.
type PeripheralCode string

const (
	CodeDisconnected                   PeripheralCode = "disconnected"
	CodeConnectionFailed               PeripheralCode = "connection_failed"
	CodeConnectionLost                 PeripheralCode = "connection_lost"
	CodeServiceDiscoveryFailed         PeripheralCode = "service_discovery_failed"
	CodeReadCharacteristicFailed       PeripheralCode = "read_characteristic_failed"
	CodeWriteCharacteristicFailed      PeripheralCode = "write_characteristic_failed"
	CodeRegisterNotificationFailed     PeripheralCode = "register_notification_failed"
	CodeUnregisterNotificationFailed   PeripheralCode = "unregister_notification_failed"
	CodeSetNotificationMissingProperty PeripheralCode = "set_notification_missing_property"
	CodeSetNotificationMissingCCCD     PeripheralCode = "set_notification_descriptor_missing"
	CodeWriteDescriptorFailed          PeripheralCode = "write_descriptor_failed"
	CodeRequestMtuFailed               PeripheralCode = "request_mtu_failed"
	CodeReadRssiFailed                 PeripheralCode = "read_rssi_failed"
	CodeMissingCharacteristic          PeripheralCode = "missing_characteristic"
	CodeOperationInProgress            PeripheralCode = "operation_in_progress"
	CodeOperationResultMismatch        PeripheralCode = "operation_result_mismatch"
	CodeUnsupported                    PeripheralCode = "unsupported"
	CodeTimeout                        PeripheralCode = "timeout"
)

// StatusCallFailed is the status attached when a driver call is rejected synchronously
// and no platform status exists.
const StatusCallFailed = 257

// ConnectionError is returned on scan and connection streams.
type ConnectionError struct {
	Code   ConnectionCode
	Status int   // platform status, 0 when absent
	Cause  error // optional root cause, usually a *PeripheralError
}

// Error implements the error interface
func (e *ConnectionError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return formatError(string(e.Code), e.Status, e.Cause)
}

// Is allows errors.Is to compare ConnectionError values by Code
func (e *ConnectionError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*ConnectionError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *ConnectionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// PeripheralError is returned by transport session calls and operations.
type PeripheralError struct {
	Code   PeripheralCode
	Status int
	Cause  error
}

// Error implements the error interface
func (e *PeripheralError) Error() string {
	if e == nil {
		return "<nil>"
	}
	return formatError(string(e.Code), e.Status, e.Cause)
}

// Is allows errors.Is to compare PeripheralError values by Code
func (e *PeripheralError) Is(target error) bool {
	if e == nil {
		return false
	}
	t, ok := target.(*PeripheralError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

func (e *PeripheralError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

func formatError(code string, status int, cause error) string {
	var b strings.Builder
	b.WriteString(strings.ReplaceAll(code, "_", " "))
	if status != 0 {
		fmt.Fprintf(&b, " (status %d)", status)
	}
	if cause != nil {
		b.WriteString(": ")
		b.WriteString(cause.Error())
	}
	return b.String()
}

// Sentinels for errors.Is checks. Status and cause are ignored by the comparison.
var (
	ErrScanInProgress       = &ConnectionError{Code: ScanInProgress}
	ErrScanFailed           = &ConnectionError{Code: ScanFailed}
	ErrScanTimeout          = &ConnectionError{Code: ScanTimeout}
	ErrScanUnsupported      = &ConnectionError{Code: ScanUnsupported}
	ErrAdapterDisabled      = &ConnectionError{Code: AdapterDisabled}
	ErrConnectionInProgress = &ConnectionError{Code: ConnectionInProgress}
	ErrConnectFailed        = &ConnectionError{Code: ConnectFailed}
	ErrConnectTimeout       = &ConnectionError{Code: ConnectTimeout}
	ErrDisconnection        = &ConnectionError{Code: Disconnection}

	ErrDisconnected            = &PeripheralError{Code: CodeDisconnected}
	ErrConnectionLost          = &PeripheralError{Code: CodeConnectionLost}
	ErrOperationInProgress     = &PeripheralError{Code: CodeOperationInProgress}
	ErrOperationResultMismatch = &PeripheralError{Code: CodeOperationResultMismatch}
	ErrMissingCharacteristic   = &PeripheralError{Code: CodeMissingCharacteristic}
	ErrUnsupported             = &PeripheralError{Code: CodeUnsupported}
	ErrTimeout                 = &PeripheralError{Code: CodeTimeout}
)

// NewPeripheralError builds a PeripheralError; status and cause are optional.
func NewPeripheralError(code PeripheralCode, status int, cause error) *PeripheralError {
	return &PeripheralError{Code: code, Status: status, Cause: cause}
}

// StatusOf returns the first non-zero platform status found in the error chain.
func StatusOf(err error) int {
	for err != nil {
		switch e := err.(type) {
		case *ConnectionError:
			if e.Status != 0 {
				return e.Status
			}
		case *PeripheralError:
			if e.Status != 0 {
				return e.Status
			}
		}
		err = errors.Unwrap(err)
	}
	return 0
}

// NormalizeError maps known driver error strings to typed errors.
// The original error is kept in the chain.
func NormalizeError(err error) error {
	if err == nil {
		return nil
	}

	var cerr *ConnectionError
	var perr *PeripheralError
	if errors.As(err, &cerr) || errors.As(err, &perr) {
		return err
	}

	msg := err.Error()
	switch {
	case containsIgnoreCase(msg, "is Bluetooth turned on"),
		containsIgnoreCase(msg, "bluetooth is turned off"),
		containsIgnoreCase(msg, "adapter is powered off"):
		return fmt.Errorf("%w: %v", ErrAdapterDisabled, err)
	case containsIgnoreCase(msg, "not supported"),
		containsIgnoreCase(msg, "not implemented"):
		return fmt.Errorf("%w: %v", ErrUnsupported, err)
	case containsIgnoreCase(msg, "device not connected"),
		containsIgnoreCase(msg, "disconnected"):
		return fmt.Errorf("%w: %v", ErrDisconnected, err)
	default:
		return err
	}
}

// containsIgnoreCase checks substring case-insensitively
func containsIgnoreCase(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

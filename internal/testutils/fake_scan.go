package testutils

import (
	"sync"
	"time"

	"github.com/srg/blecentral/pkg/device"
	"github.com/stretchr/testify/mock"
)

// ScanStart records one StartScan call accepted by FakeScan.
type ScanStart struct {
	Mode device.ScanMode
	At   time.Time
}

// FakeScan is a device.ScanDriver for tests. Expectations registered with On
// decide the StartScan and StopScan results; without expectations both succeed.
type FakeScan struct {
	mock.Mock

	mu     sync.Mutex
	active bool
	mode   device.ScanMode
	onAdv  func(device.RawAdvertisement)
	onFail func(error)
	starts []ScanStart
	stops  int
}

// NewFakeScan creates an idle fake scan driver.
func NewFakeScan() *FakeScan {
	return &FakeScan{}
}

// StartScan implements device.ScanDriver.
func (f *FakeScan) StartScan(mode device.ScanMode, onAdv func(device.RawAdvertisement), onFail func(error)) error {
	if _, err := callErr(&f.Mock, "StartScan", mode); err != nil {
		return err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.active, f.mode = true, mode
	f.onAdv, f.onFail = onAdv, onFail
	f.starts = append(f.starts, ScanStart{Mode: mode, At: time.Now()})
	return nil
}

// StopScan implements device.ScanDriver.
func (f *FakeScan) StopScan() error {
	f.mu.Lock()
	f.active = false
	f.onAdv, f.onFail = nil, nil
	f.stops++
	f.mu.Unlock()

	_, err := callErr(&f.Mock, "StopScan")
	return err
}

// Advertise delivers raw advertisements to the running scan. It reports false
// when no scan is active.
func (f *FakeScan) Advertise(ads ...device.RawAdvertisement) bool {
	f.mu.Lock()
	cb := f.onAdv
	f.mu.Unlock()
	if cb == nil {
		return false
	}
	for _, a := range ads {
		cb(a)
	}
	return true
}

// FailScan reports an asynchronous scan failure to the running scan.
func (f *FakeScan) FailScan(err error) bool {
	f.mu.Lock()
	cb := f.onFail
	f.mu.Unlock()
	if cb == nil {
		return false
	}
	cb(err)
	return true
}

// Active reports whether a scan is running and at which mode.
func (f *FakeScan) Active() (device.ScanMode, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mode, f.active
}

// Starts returns every accepted StartScan call in order.
func (f *FakeScan) Starts() []ScanStart {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ScanStart(nil), f.starts...)
}

// Stops returns the number of StopScan calls.
func (f *FakeScan) Stops() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stops
}

// callErr consults the mock only when the method has expectations, so tests
// script the calls they care about and leave the rest to the fake. It reports
// whether the mock handled the call.
func callErr(m *mock.Mock, method string, args ...interface{}) (bool, error) {
	for _, c := range m.ExpectedCalls {
		if c.Method == method {
			return true, m.MethodCalled(method, args...).Error(0)
		}
	}
	return false, nil
}

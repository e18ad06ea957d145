//go:build test

package main

import (
	"testing"
	"time"

	"github.com/srg/blecentral/internal/testutils"
	"github.com/srgg/testify/depend"
)

type ScanCommandTestSuite struct {
	CommandTestSuite
}

type commandResult struct {
	out    string
	errOut string
	err    error
}

// executeAsync runs the command in the background so the test can drive the fake driver.
func (s *CommandTestSuite) executeAsync(args ...string) <-chan commandResult {
	done := make(chan commandResult, 1)
	go func() {
		out, errOut, err := s.ExecuteCommand(args...)
		done <- commandResult{out: out, errOut: errOut, err: err}
	}()
	return done
}

func (s *CommandTestSuite) await(done <-chan commandResult) commandResult {
	s.T().Helper()
	select {
	case r := <-done:
		return r
	case <-s.Helper.Context().Done():
		s.FailNow("command did not finish")
		return commandResult{}
	}
}

func (s *ScanCommandTestSuite) advertise() {
	s.WaitScanning()
	s.Require().True(s.Provider.Scan.Advertise(
		testutils.CreateAdvertisement("HRM", TestDeviceAddress1, -48).WithServices("180D").Build(),
		testutils.CreateAdvertisement("Scale", TestDeviceAddress2, -40).WithServices("181D").Build(),
	))
}

func (s *ScanCommandTestSuite) TestScanTable() {
	// GOAL: Verify the scan command lists every discovered peripheral, strongest first
	//
	// TEST SCENARIO: scan 300ms → two peripherals advertise → table sorted by RSSI → scan stopped

	done := s.executeAsync("scan", "--duration", "300ms")
	s.advertise()
	r := s.await(done)
	s.Require().NoError(r.err)

	testutils.NewTextAsserter(s.T()).Assert(r.out, `
NAME   ADDRESS            RSSI     SERVICES
Scale  00:00:00:00:00:02  -40 dBm  181d
HRM    00:00:00:00:00:01  -48 dBm  180d
`)
	s.Assert().Eventually(func() bool {
		_, active := s.Provider.Scan.Active()
		return !active
	}, testutils.DefaultWait, 5*time.Millisecond, "scan MUST stop when the command ends")
}

func (s *ScanCommandTestSuite) TestScanJSON() {
	// GOAL: Verify service filtering and JSON output
	//
	// TEST SCENARIO: scan with --services 180d --format json → two peripherals advertise → only the heart rate monitor listed

	done := s.executeAsync("scan", "--duration", "300ms", "--services", "180d", "--format", "json")
	s.advertise()
	r := s.await(done)
	s.Require().NoError(r.err)

	testutils.NewJSONAsserter(s.T()).Assert(r.out, `[
  {"address": "00:00:00:00:00:01", "name": "HRM", "rssi": -48, "services": ["180d"]}
]`)
}

func (s *ScanCommandTestSuite) TestScanNothingFound() {
	out, _, err := s.ExecuteCommand("scan", "--duration", "100ms")
	s.Require().NoError(err)
	testutils.NewTextAsserter(s.T()).Assert(out, "No devices discovered")
}

func (s *ScanCommandTestSuite) TestScanInvalidArguments() {
	_, _, err := s.ExecuteCommand("scan", "--format", "xml")
	s.Assert().ErrorContains(err, "invalid format")

	_, _, err = s.ExecuteCommand("scan", "--mode", "turbo")
	s.Assert().ErrorContains(err, "unknown scan mode")

	_, _, err = s.ExecuteCommand("scan", "--services", "not-a-uuid")
	s.Assert().ErrorContains(err, "invalid service UUID")

	s.Assert().Empty(s.Provider.Scan.Starts(), "invalid arguments MUST NOT start a scan")
}

func TestScanCommandTestSuite(t *testing.T) {
	depend.RunSuite(t, new(ScanCommandTestSuite))
}

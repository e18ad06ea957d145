//go:build test

package main

import (
	"testing"

	"github.com/srg/blecentral/internal/testutils"
	"github.com/srg/blecentral/pkg/device"
	"github.com/srgg/testify/depend"
)

type LinkCommandTestSuite struct {
	CommandTestSuite
}

func (s *LinkCommandTestSuite) TestRssi() {
	// GOAL: Verify the rssi command prints the link RSSI
	//
	// TEST SCENARIO: connect → ReadRssi → "-50 dBm"

	out, _, err := s.ExecuteCommand("rssi", TestDeviceAddress1)
	s.Require().NoError(err)
	testutils.NewTextAsserter(s.T()).Assert(out, "-50 dBm")
	s.Assert().Equal(1, s.Gatt(TestDeviceAddress1).Calls("ReadRssi"))
}

func (s *LinkCommandTestSuite) TestRssiUnsupported() {
	// GOAL: Verify a driver that cannot read RSSI yields a readable error
	//
	// TEST SCENARIO: ReadRssi rejected as unsupported → command fails → message names the driver limitation

	s.Provider.NewGatt = func(string) *testutils.FakeGatt {
		g := testutils.NewFakeGatt()
		g.On("ReadRssi").Return(device.NewPeripheralError(device.CodeUnsupported, 0, device.ErrUnsupported))
		return g
	}

	_, _, err := s.ExecuteCommand("rssi", TestDeviceAddress1)
	s.Require().Error(err)
	s.Assert().ErrorIs(err, device.ErrUnsupported)
	s.Assert().Contains(FormatUserError(err), "not supported by this driver")
}

func (s *LinkCommandTestSuite) TestMtuDefault() {
	// GOAL: Verify the mtu command requests 517 and reports the granted MTU
	//
	// TEST SCENARIO: fake grants at most 247 → "MTU 247 (max write 244 bytes)"

	out, _, err := s.ExecuteCommand("mtu", TestDeviceAddress1)
	s.Require().NoError(err)
	testutils.NewTextAsserter(s.T()).Assert(out, "MTU 247 (max write 244 bytes)")
}

func (s *LinkCommandTestSuite) TestMtuExplicit() {
	out, _, err := s.ExecuteCommand("mtu", TestDeviceAddress1, "100")
	s.Require().NoError(err)
	testutils.NewTextAsserter(s.T()).Assert(out, "MTU 100 (max write 97 bytes)")
}

func (s *LinkCommandTestSuite) TestMtuInvalid() {
	for _, arg := range []string{"abc", "0", "-5"} {
		_, _, err := s.ExecuteCommand("mtu", TestDeviceAddress1, arg)
		s.Assert().ErrorContains(err, "invalid MTU", "argument %q MUST be rejected", arg)
	}
}

func TestLinkCommandTestSuite(t *testing.T) {
	depend.RunSuite(t, new(LinkCommandTestSuite))
}

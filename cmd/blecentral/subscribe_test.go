//go:build test

package main

import (
	"testing"
	"time"

	"github.com/go-ble/ble"
	"github.com/srg/blecentral/internal/framing"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/srg/blecentral/pkg/device"
	"github.com/srgg/testify/depend"
)

type SubscribeCommandTestSuite struct {
	CommandTestSuite
}

// enabled waits until notifications on chr are switched on and returns the driver.
func (s *SubscribeCommandTestSuite) enabled(chr ...ble.UUID) *testutils.FakeGatt {
	gatt := s.Gatt(TestDeviceAddress1)
	s.Require().Eventually(func() bool {
		for _, c := range chr {
			if !gatt.NotificationsEnabled(c) {
				return false
			}
		}
		return true
	}, testutils.DefaultWait, 5*time.Millisecond, "command MUST enable notifications")
	return gatt
}

func (s *SubscribeCommandTestSuite) TestSubscribeLive() {
	// GOAL: Verify live mode prints every notification and disables notifications on exit
	//
	// TEST SCENARIO: subscribe 2a37 --count 2 → two pushes → both printed → CCCD disabled → driver closed

	done := s.executeAsync("subscribe", TestDeviceAddress1, "180d", "2a37", "--hex", "--count", "2")
	gatt := s.enabled(measurement)

	gatt.Notify(measurement, []byte{0x00, 0x48})
	gatt.Notify(measurement, []byte{0x00, 0x49})

	r := s.await(done)
	s.Require().NoError(r.err)
	testutils.NewTextAsserter(s.T()).Assert(r.out, `
0048
0049
`)
	s.Assert().False(gatt.NotificationsEnabled(measurement), "notifications MUST be disabled on exit")
	s.Assert().Eventually(func() bool { return gatt.Closes() == 1 }, testutils.DefaultWait, 5*time.Millisecond,
		"driver MUST be closed once")
}

func (s *SubscribeCommandTestSuite) TestSubscribeFramed() {
	// GOAL: Verify --framed reassembles packets split across notifications
	//
	// TEST SCENARIO: one frame pushed in three fragments → single packet printed

	done := s.executeAsync("subscribe", TestDeviceAddress1, "180d", "2a37", "--hex", "--framed", "--count", "1")
	gatt := s.enabled(measurement)

	frame := framing.Encode([]byte{0xCA, 0xFE, 0xBA, 0xBE})
	gatt.Notify(measurement, frame[:1])
	gatt.Notify(measurement, frame[1:3])
	gatt.Notify(measurement, frame[3:])

	r := s.await(done)
	s.Require().NoError(r.err)
	testutils.NewTextAsserter(s.T()).Assert(r.out, "cafebabe")
}

func (s *SubscribeCommandTestSuite) TestSubscribeLatest() {
	// GOAL: Verify latest mode keeps only the newest value per characteristic
	//
	// TEST SCENARIO: two characteristics → three pushes before the first tick → one line each, newest values

	done := s.executeAsync("subscribe", TestDeviceAddress1, "180d", "2a37,2a38", "--hex",
		"--mode", "latest", "--rate", "200ms", "--count", "2")
	gatt := s.enabled(measurement, bodyLocation)

	gatt.Notify(measurement, []byte{0x01})
	gatt.Notify(bodyLocation, []byte{0x02})
	gatt.Notify(measurement, []byte{0x03})

	r := s.await(done)
	s.Require().NoError(r.err)
	testutils.NewTextAsserter(s.T()).Assert(r.out, `
2a37: 03
2a38: 02
`)
}

func (s *SubscribeCommandTestSuite) TestSubscribeLinkLoss() {
	// GOAL: Verify a lost link ends the stream with a connection-lost error
	//
	// TEST SCENARIO: subscribed → link drops with timeout status → command fails → user message says connection lost

	done := s.executeAsync("subscribe", TestDeviceAddress1, "180d", "2a37", "--hex")
	gatt := s.enabled(measurement)

	gatt.LinkDown(device.StatusConnectionTimeout)

	r := s.await(done)
	s.Require().ErrorIs(r.err, device.ErrDisconnection)
	s.Assert().ErrorIs(r.err, device.ErrConnectionLost)
	s.Assert().Equal("connection lost", FormatUserError(r.err))
}

func (s *SubscribeCommandTestSuite) TestSubscribeInvalidMode() {
	_, _, err := s.ExecuteCommand("subscribe", TestDeviceAddress1, "180d", "2a37", "--mode", "sometimes")
	s.Assert().ErrorContains(err, "invalid mode")
}

func TestSubscribeCommandTestSuite(t *testing.T) {
	depend.RunSuite(t, new(SubscribeCommandTestSuite))
}

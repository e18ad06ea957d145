//go:build test

package peripheral_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/srg/blecentral/internal/async"
	"github.com/srg/blecentral/internal/framing"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/srg/blecentral/pkg/device"
	"github.com/srg/blecentral/pkg/peripheral"
	"github.com/srgg/testify/depend"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/suite"
)

var (
	batterySvc   = device.MustParseUUID("180F")
	batteryLevel = device.MustParseUUID("2A19")
	rxChr        = device.MustParseUUID("6e400003-b5a3-f393-e0a9-e50e24dcca9e")
)

type PeripheralTestSuite struct {
	suite.Suite

	helper *testutils.TestHelper
	gatt   *testutils.FakeGatt
	p      *peripheral.Peripheral
}

func (s *PeripheralTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.gatt = testutils.NewFakeGatt()
	s.p = peripheral.New(s.gatt, "AA:BB:CC:DD:EE:FF", s.helper.Logger)
}

// connect opens the session and waits for Connected.
func (s *PeripheralTestSuite) connect() *async.Subscription[device.ConnectableState] {
	sub := s.p.Connect()
	s.Require().Equal(device.SessionConnecting, testutils.Next(s.T(), sub), "first state MUST be connecting")
	s.Require().Equal(device.SessionConnected, testutils.Next(s.T(), sub), "session MUST reach connected")
	s.Require().True(s.p.Connected())
	return sub
}

func (s *PeripheralTestSuite) TestConnectLifecycle() {
	// GOAL: Verify the connect stream drives link up, discovery and teardown on last unsubscribe
	//
	// TEST SCENARIO: subscribe → connecting, connected → second subscriber replays connected → both leave → driver disconnected and closed once

	first := s.connect()

	second := s.p.Connect()
	s.Assert().Equal(device.SessionConnected, testutils.Next(s.T(), second), "late subscriber MUST replay the latest state")
	s.Assert().Equal(1, s.gatt.Calls("Connect"), "shared stream MUST connect once")
	s.Assert().Equal(1, s.gatt.Calls("DiscoverServices"))

	first.Close()
	s.Assert().Zero(s.gatt.Closes(), "session MUST stay open while a subscriber remains")

	second.Close()
	s.Require().Eventually(func() bool { return s.gatt.Closes() == 1 }, testutils.DefaultWait, 5*time.Millisecond)
	s.Assert().False(s.p.Connected())
	s.Assert().Equal(1, s.gatt.Calls("Disconnect"), "voluntary teardown MUST disconnect the link")

	s.p.Disconnect()
	s.Assert().Equal(1, s.gatt.Closes(), "driver MUST be closed exactly once")
}

func (s *PeripheralTestSuite) TestConnectFailures() {
	// GOAL: Verify connection failures map onto CONNECT_FAILED with the precise cause
	//
	// TEST SCENARIO: driver rejects / link up with error / discovery error → stream ends with typed error → session closed

	cases := []struct {
		name   string
		setup  func(g *testutils.FakeGatt)
		cause  device.PeripheralCode
		status int
	}{
		{
			name: "driver rejects connect",
			setup: func(g *testutils.FakeGatt) {
				g.On("Connect").Return(errors.New("no radio"))
			},
			cause:  device.CodeConnectionFailed,
			status: device.StatusCallFailed,
		},
		{
			name: "link up with error status",
			setup: func(g *testutils.FakeGatt) {
				g.On("Connect").Run(func(_ mock.Arguments) {
					go g.Emit(device.Event{Kind: device.EventConnectionState, Link: device.LinkConnected, Status: 133})
				}).Return(nil)
			},
			cause:  device.CodeConnectionFailed,
			status: 133,
		},
		{
			name: "service discovery fails",
			setup: func(g *testutils.FakeGatt) {
				g.On("DiscoverServices").Return(nil).Run(func(_ mock.Arguments) {
					go g.Emit(device.Event{Kind: device.EventServicesDiscovered, Status: 129})
				})
			},
			cause:  device.CodeServiceDiscoveryFailed,
			status: 129,
		},
		{
			name: "driver rejects service discovery",
			setup: func(g *testutils.FakeGatt) {
				g.On("DiscoverServices").Return(errors.New("gatt busy"))
			},
			cause:  device.CodeServiceDiscoveryFailed,
			status: device.StatusCallFailed,
		},
	}

	for _, tc := range cases {
		s.Run(tc.name, func() {
			gatt := testutils.NewFakeGatt()
			tc.setup(gatt)
			p := peripheral.New(gatt, "11:22:33:44:55:66", s.helper.Logger)

			err := testutils.Terminal(s.T(), p.Connect())

			s.Assert().ErrorIs(err, device.ErrConnectFailed, "MUST fail with CONNECT_FAILED")
			var perr *device.PeripheralError
			s.Require().True(errors.As(err, &perr), "cause MUST be a PeripheralError")
			s.Assert().Equal(tc.cause, perr.Code)
			s.Assert().Equal(tc.status, perr.Status)
			s.Require().Eventually(func() bool { return gatt.Closes() == 1 }, testutils.DefaultWait, 5*time.Millisecond, "failed session MUST be closed")
		})
	}
}

func (s *PeripheralTestSuite) TestLinkLoss() {
	// GOAL: Verify link loss classification and teardown of everything the session owns
	//
	// TEST SCENARIO: connected, op pending, notifications subscribed → link down → DISCONNECTION, op DISCONNECTED, stream ended, closed once

	cases := []struct {
		status int
		cause  device.PeripheralCode
	}{
		{status: 0, cause: device.CodeConnectionLost},
		{status: 8, cause: device.CodeConnectionLost},
		{status: 19, cause: device.CodeConnectionFailed},
	}

	for _, tc := range cases {
		s.Run(string(tc.cause), func() {
			s.SetupTest()
			states := s.connect()
			notes := s.p.Notifications()
			s.gatt.SetAuto(false)

			readErr := make(chan error, 1)
			go func() {
				_, err := s.p.Read(context.Background(), batterySvc, batteryLevel)
				readErr <- err
			}()
			s.Require().Eventually(func() bool { return s.gatt.Calls("ReadCharacteristic") == 1 }, testutils.DefaultWait, time.Millisecond)

			s.gatt.LinkDown(tc.status)

			err := testutils.Terminal(s.T(), states)
			s.Assert().ErrorIs(err, device.ErrDisconnection)
			var perr *device.PeripheralError
			s.Require().True(errors.As(err, &perr))
			s.Assert().Equal(tc.cause, perr.Code)
			s.Assert().Equal(tc.status, perr.Status)

			s.Assert().ErrorIs(<-readErr, device.ErrDisconnected, "pending op MUST fail with DISCONNECTED")
			s.Assert().ErrorIs(testutils.Terminal(s.T(), notes), async.ErrClosed, "notification stream MUST end")
			s.Assert().Equal(1, s.gatt.Closes())
			s.Assert().Zero(s.gatt.Calls("Disconnect"), "a dropped link MUST not be disconnected again")
		})
	}
}

func (s *PeripheralTestSuite) TestOperationsRequireConnection() {
	// GOAL: Verify every primitive fails with DISCONNECTED before the session is connected
	//
	// TEST SCENARIO: fresh session → each call → DISCONNECTED, driver untouched

	ctx := s.helper.Context()
	_, err := s.p.Read(ctx, batterySvc, batteryLevel)
	s.Assert().ErrorIs(err, device.ErrDisconnected)
	s.Assert().ErrorIs(s.p.Write(ctx, batterySvc, batteryLevel, []byte{1}), device.ErrDisconnected)
	s.Assert().ErrorIs(s.p.RegisterNotification(ctx, batterySvc, batteryLevel, nil), device.ErrDisconnected)
	s.Assert().ErrorIs(s.p.UnregisterNotification(ctx, batterySvc, batteryLevel), device.ErrDisconnected)
	_, err = s.p.RequestMtu(ctx, 185)
	s.Assert().ErrorIs(err, device.ErrDisconnected)
	_, err = s.p.ReadRssi(ctx)
	s.Assert().ErrorIs(err, device.ErrDisconnected)

	s.Assert().Zero(s.gatt.Calls("ReadCharacteristic"), "driver MUST not be called")
}

func (s *PeripheralTestSuite) TestPrimitives() {
	// GOAL: Verify each primitive resolves from its driver event
	//
	// TEST SCENARIO: connected → read, write, mtu, rssi → values returned, MTU updated

	defer s.connect().Close()
	ctx := s.helper.Context()

	s.gatt.SetValue(batteryLevel, []byte{85})
	v, err := s.p.Read(ctx, batterySvc, batteryLevel)
	s.Require().NoError(err)
	s.Assert().Equal([]byte{85}, v)

	s.Require().NoError(s.p.Write(ctx, batterySvc, batteryLevel, []byte{1, 2}))
	s.Assert().Equal([][]byte{{1, 2}}, s.gatt.Writes())

	s.Assert().Equal(peripheral.DefaultMTU-peripheral.MTUOverhead, s.p.MaxWriteLength(), "default MTU MUST be 23")
	mtu, err := s.p.RequestMtu(ctx, 517)
	s.Require().NoError(err)
	s.Assert().Equal(247, mtu, "granted MTU MUST be returned")
	s.Assert().Equal(244, s.p.MaxWriteLength(), "max write length MUST follow the MTU")

	rssi, err := s.p.ReadRssi(ctx)
	s.Require().NoError(err)
	s.Assert().Equal(-50, rssi)
}

func (s *PeripheralTestSuite) TestFailedMtuKeepsPreviousValue() {
	// GOAL: Verify MTU is only updated by a successful exchange
	//
	// TEST SCENARIO: MTU event with error status → REQUEST_MTU_FAILED → max write length unchanged

	defer s.connect().Close()
	s.gatt.SetAuto(false)
	s.gatt.On("RequestMtu", 185).Return(nil).Run(func(_ mock.Arguments) {
		go s.gatt.Emit(device.Event{Kind: device.EventMtuChanged, MTU: 185, Status: 4})
	})

	_, err := s.p.RequestMtu(s.helper.Context(), 185)

	s.Assert().ErrorIs(err, &device.PeripheralError{Code: device.CodeRequestMtuFailed})
	s.Assert().Equal(4, device.StatusOf(err))
	s.Assert().Equal(20, s.p.MaxWriteLength())
}

func (s *PeripheralTestSuite) TestSingleSlot() {
	// GOAL: Verify at most one request is in flight and a busy slot is reported
	//
	// TEST SCENARIO: read pending → write attempted → OPERATION_IN_PROGRESS → read event → read resolves → write succeeds

	defer s.connect().Close()
	s.gatt.SetAuto(false)
	ctx := s.helper.Context()

	type readResult struct {
		v   []byte
		err error
	}
	done := make(chan readResult, 1)
	go func() {
		v, err := s.p.Read(ctx, batterySvc, batteryLevel)
		done <- readResult{v, err}
	}()
	s.Require().Eventually(func() bool { return s.gatt.Calls("ReadCharacteristic") == 1 }, testutils.DefaultWait, time.Millisecond)

	err := s.p.Write(ctx, batterySvc, batteryLevel, []byte{1})
	s.Assert().ErrorIs(err, device.ErrOperationInProgress, "second request MUST be rejected while the slot is busy")
	s.Assert().Zero(s.gatt.Calls("WriteCharacteristic"), "rejected request MUST not reach the driver")

	s.gatt.Emit(device.Event{Kind: device.EventCharacteristicRead, Characteristic: batteryLevel, Value: []byte{7}})
	r := <-done
	s.Require().NoError(r.err)
	s.Assert().Equal([]byte{7}, r.v)

	s.gatt.SetAuto(true)
	s.Assert().NoError(s.p.Write(ctx, batterySvc, batteryLevel, []byte{1}), "slot MUST be free after completion")
}

func (s *PeripheralTestSuite) TestResultMismatch() {
	// GOAL: Verify an event for another operation fails the pending one with OPERATION_RESULT_MISMATCH
	//
	// TEST SCENARIO: read pending → write ack arrives → read fails with write code and mismatch cause → slot free

	defer s.connect().Close()
	s.gatt.SetAuto(false)

	done := make(chan error, 1)
	go func() {
		_, err := s.p.Read(context.Background(), batterySvc, batteryLevel)
		done <- err
	}()
	s.Require().Eventually(func() bool { return s.gatt.Calls("ReadCharacteristic") == 1 }, testutils.DefaultWait, time.Millisecond)

	s.gatt.Emit(device.Event{Kind: device.EventCharacteristicWrite, Characteristic: batteryLevel, Status: 3})

	err := <-done
	var perr *device.PeripheralError
	s.Require().True(errors.As(err, &perr))
	s.Assert().Equal(device.CodeWriteCharacteristicFailed, perr.Code, "error code MUST come from the event")
	s.Assert().Equal(3, perr.Status)
	s.Assert().ErrorIs(err, device.ErrOperationResultMismatch, "cause MUST be OPERATION_RESULT_MISMATCH")

	s.gatt.Emit(device.Event{Kind: device.EventCharacteristicRead, Characteristic: batteryLevel})
	s.gatt.SetAuto(true)
	_, err = s.p.ReadRssi(s.helper.Context())
	s.Assert().NoError(err, "late events MUST be discarded and the slot reusable")
}

func (s *PeripheralTestSuite) TestStatusAndRejection() {
	// GOAL: Verify event status and driver rejections map onto the primitive's code
	//
	// TEST SCENARIO: read event status 5 → READ_CHARACTERISTIC_FAILED(5); driver rejects rssi → READ_RSSI_FAILED(257)

	defer s.connect().Close()
	ctx := s.helper.Context()

	s.gatt.SetAuto(false)
	s.gatt.On("ReadCharacteristic", batterySvc, batteryLevel).Return(nil).Run(func(_ mock.Arguments) {
		go s.gatt.Emit(device.Event{Kind: device.EventCharacteristicRead, Characteristic: batteryLevel, Status: 5})
	})
	_, err := s.p.Read(ctx, batterySvc, batteryLevel)
	s.Assert().ErrorIs(err, &device.PeripheralError{Code: device.CodeReadCharacteristicFailed})
	s.Assert().Equal(5, device.StatusOf(err))

	s.gatt.On("ReadRssi").Return(errors.New("controller busy"))
	_, err = s.p.ReadRssi(ctx)
	s.Assert().ErrorIs(err, &device.PeripheralError{Code: device.CodeReadRssiFailed})
	s.Assert().Equal(device.StatusCallFailed, device.StatusOf(err))

	s.gatt.On("WriteCharacteristic", batterySvc, rxChr, []byte{1}).Return(device.ErrMissingCharacteristic)
	s.Assert().ErrorIs(s.p.Write(ctx, batterySvc, rxChr, []byte{1}), device.ErrMissingCharacteristic, "missing characteristic MUST pass through")
}

func (s *PeripheralTestSuite) TestAbandonedRequestFreesSlot() {
	// GOAL: Verify a caller giving up releases the slot and the late event is discarded
	//
	// TEST SCENARIO: read with 20ms deadline, no event → deadline error → late read event ignored → next op succeeds

	defer s.connect().Close()
	s.gatt.SetAuto(false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := s.p.Read(ctx, batterySvc, batteryLevel)
	s.Assert().ErrorIs(err, context.DeadlineExceeded)

	s.gatt.Emit(device.Event{Kind: device.EventCharacteristicRead, Characteristic: batteryLevel, Value: []byte{1}})

	s.gatt.SetAuto(true)
	_, err = s.p.ReadRssi(s.helper.Context())
	s.Assert().NoError(err)
}

func (s *PeripheralTestSuite) TestNotificationPreprocessing() {
	// GOAL: Verify notifications go through the registered preprocessor and nil results are dropped
	//
	// TEST SCENARIO: register with two-push aggregator → push, push → one packet; unregister → raw pushes

	defer s.connect().Close()
	ctx := s.helper.Context()
	notes := s.p.Notifications()
	defer notes.Close()

	var pending []byte
	aggregate := func(b []byte) []byte {
		if pending == nil {
			pending = append([]byte(nil), b...)
			return nil
		}
		out := append(pending, b...)
		pending = nil
		return out
	}

	s.Require().NoError(s.p.RegisterNotification(ctx, device.MustParseUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e"), rxChr, aggregate))
	s.Assert().True(s.gatt.NotificationsEnabled(rxChr), "CCCD MUST be enabled")

	s.gatt.Notify(rxChr, []byte{1, 2})
	s.gatt.Notify(rxChr, []byte{3})
	n := testutils.Next(s.T(), notes)
	s.Assert().Equal([]byte{1, 2, 3}, n.Value, "partial pushes MUST be aggregated")
	s.Assert().True(device.EqualUUID(rxChr, n.Characteristic))

	s.Require().NoError(s.p.UnregisterNotification(ctx, device.MustParseUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e"), rxChr))
	s.gatt.Notify(rxChr, []byte{9})
	s.Assert().Equal([]byte{9}, testutils.Next(s.T(), notes).Value, "unregister MUST drop the preprocessor")
}

func (s *PeripheralTestSuite) TestEmptyAggregationDropped() {
	// GOAL: Verify an empty preprocessor result is never published
	//
	// TEST SCENARIO: preprocessor always returns an empty slice → push → unregister → raw push is the first packet seen

	defer s.connect().Close()
	ctx := s.helper.Context()
	notes := s.p.Notifications()
	defer notes.Close()

	svc := device.MustParseUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	s.Require().NoError(s.p.RegisterNotification(ctx, svc, rxChr, func([]byte) []byte { return []byte{} }))

	s.gatt.Notify(rxChr, []byte{1, 2})
	s.Require().NoError(s.p.UnregisterNotification(ctx, svc, rxChr))
	s.gatt.Notify(rxChr, []byte{9})

	s.Assert().Equal([]byte{9}, testutils.Next(s.T(), notes).Value, "empty aggregation result MUST NOT be emitted")
}

func (s *PeripheralTestSuite) TestPushCompletingSeveralPackets() {
	// GOAL: Verify every packet completed by a single push is delivered right away
	//
	// TEST SCENARIO: framing preprocessor → one push carrying two frames → both packets emitted in order

	defer s.connect().Close()
	ctx := s.helper.Context()
	notes := s.p.Notifications()
	defer notes.Close()

	svc := device.MustParseUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	pre := framing.New(framing.DefaultCapacity, s.helper.Logger).Preprocessor()
	s.Require().NoError(s.p.RegisterNotification(ctx, svc, rxChr, pre))

	push := append(framing.Encode([]byte{1, 2}), framing.Encode([]byte{3})...)
	s.gatt.Notify(rxChr, push)

	s.Assert().Equal([]byte{1, 2}, testutils.Next(s.T(), notes).Value)
	s.Assert().Equal([]byte{3}, testutils.Next(s.T(), notes).Value, "second frame of the push MUST NOT wait for another push")
}

func (s *PeripheralTestSuite) TestRegisterNotificationRejected() {
	// GOAL: Verify a driver refusal of the CCCD path keeps its precise cause
	//
	// TEST SCENARIO: driver reports missing notify property → REGISTER_NOTIFICATION_FAILED wrapping SET_NOTIFICATION_MISSING_PROPERTY

	defer s.connect().Close()
	s.gatt.On("SetNotification", batterySvc, batteryLevel, true).
		Return(device.NewPeripheralError(device.CodeSetNotificationMissingProperty, 0, nil))

	err := s.p.RegisterNotification(s.helper.Context(), batterySvc, batteryLevel, nil)

	s.Assert().ErrorIs(err, &device.PeripheralError{Code: device.CodeRegisterNotificationFailed})
	s.Assert().ErrorIs(err, &device.PeripheralError{Code: device.CodeSetNotificationMissingProperty})
}

func (s *PeripheralTestSuite) TestConnectAfterClose() {
	// GOAL: Verify a closed session cannot be reopened
	//
	// TEST SCENARIO: Disconnect → Connect → stream fails immediately, driver connect not retried

	states := s.connect()
	s.p.Disconnect()
	s.Require().ErrorIs(testutils.Terminal(s.T(), states), device.ErrDisconnection, "open stream MUST end with DISCONNECTION")

	err := testutils.Terminal(s.T(), s.p.Connect())
	s.Assert().ErrorIs(err, device.ErrConnectFailed)
	s.Assert().ErrorIs(err, device.ErrDisconnected)
	s.Assert().Equal(1, s.gatt.Calls("Connect"))
}

func TestPeripheralTestSuite(t *testing.T) {
	depend.RunSuite(t, new(PeripheralTestSuite))
}

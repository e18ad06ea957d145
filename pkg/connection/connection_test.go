//go:build test

package connection_test

import (
	"errors"
	"testing"
	"time"

	"github.com/srg/blecentral/internal/async"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/srg/blecentral/pkg/connection"
	"github.com/srg/blecentral/pkg/device"
	"github.com/srg/blecentral/pkg/matcher"
	"github.com/srg/blecentral/pkg/operation"
	"github.com/srg/blecentral/pkg/queue"
	"github.com/srg/blecentral/scanner"
	"github.com/srgg/testify/depend"
	"github.com/stretchr/testify/suite"
)

const hrmAddress = "11:22:33:44:55:66"

var (
	heartRateSvc = device.MustParseUUID("180D")
	bodyLocation = device.MustParseUUID("2A38")
	measurement  = device.MustParseUUID("2A37")
)

type ConnectionTestSuite struct {
	suite.Suite

	helper   *testutils.TestHelper
	provider *testutils.FakeProvider
	m        *connection.Manager
}

func (s *ConnectionTestSuite) SetupTest() {
	s.helper = testutils.NewTestHelper(s.T())
	s.provider = testutils.NewFakeProvider()
	s.provider.NewGatt = func(string) *testutils.FakeGatt {
		return testutils.NewFakeGatt().SetValue(bodyLocation, []byte{0x01})
	}

	sc := scanner.New(s.provider.Scan, scanner.DefaultOptions(), s.helper.Logger)
	s.m = connection.NewManager(s.provider, sc, connection.DefaultOptions(), s.helper.Logger)
}

func (s *ConnectionTestSuite) TearDownTest() {
	s.m.Close()
}

func (s *ConnectionTestSuite) expectStates(sub *async.Subscription[device.ConnectionState], want ...device.ConnectionState) {
	s.T().Helper()
	for _, st := range want {
		s.Require().Equal(st, testutils.Next(s.T(), sub), "state stream MUST move to %s", st)
	}
}

func (s *ConnectionTestSuite) advertiseWhenScanning() {
	s.Require().Eventually(func() bool {
		_, ok := s.provider.Scan.Active()
		return ok
	}, testutils.DefaultWait, 5*time.Millisecond, "attempt MUST start scanning")

	ad := testutils.CreateAdvertisement("HRM", hrmAddress, -48).WithServices("180D").Build()
	s.Require().True(s.provider.Scan.Advertise(ad))
}

func (s *ConnectionTestSuite) TestAttemptIsShared() {
	// GOAL: Verify one attempt exists at a time and equal matchers share it
	//
	// TEST SCENARIO: connect by service → same service again returns same attempt → other target refused → attempt ends → other target accepted

	first, err := s.m.Connect(matcher.Service(heartRateSvc), 0, 0)
	s.Require().NoError(err)

	again, err := s.m.Connect(matcher.Service(device.MustParseUUID("0000180d-0000-1000-8000-00805f9b34fb")), 0, 0)
	s.Require().NoError(err)
	s.Assert().Same(first, again, "equal matcher MUST return the active attempt")

	_, err = s.m.ConnectAddress(hrmAddress, 0)
	s.Require().Error(err)
	s.Assert().True(errors.Is(err, device.ErrConnectionInProgress), "different target MUST be refused, got %v", err)

	sub := first.Subscribe()
	s.advertiseWhenScanning()
	testutils.Next(s.T(), sub)
	sub.Close()

	s.Require().Eventually(func() bool {
		_, err := s.m.ConnectAddress(hrmAddress, 0)
		return err == nil
	}, testutils.DefaultWait, 5*time.Millisecond, "ended attempt MUST release the manager")
}

func (s *ConnectionTestSuite) TestConnectByMatch() {
	// GOAL: Verify scan, connect and install of the matched peripheral
	//
	// TEST SCENARIO: subscribe → scanning → advertisement matches → connecting → connected → queued read served by the session → unsubscribe → disconnected, driver closed

	states := s.m.States()
	defer states.Close()

	attempt, err := s.m.Connect(matcher.Service(heartRateSvc), time.Second, time.Second)
	s.Require().NoError(err)

	sub := attempt.Subscribe()
	s.advertiseWhenScanning()

	p := testutils.Next(s.T(), sub)
	s.Require().NotNil(p)
	s.Assert().Equal(hrmAddress, p.Address())
	s.Assert().Equal(device.Connected, s.m.State())
	s.expectStates(states, device.Disconnected, device.Scanning, device.Connecting, device.Connected)

	s.Require().Eventually(func() bool {
		_, ok := s.provider.Scan.Active()
		return !ok
	}, testutils.DefaultWait, 5*time.Millisecond, "scan MUST stop once a match is found")

	got, err := queue.Enqueue(s.m.Queue(), operation.NewRead(heartRateSvc, bodyLocation, time.Second)).Await(s.helper.Context())
	s.Require().NoError(err, "queue MUST dispatch to the connected session")
	s.Assert().Equal([]byte{0x01}, got)

	sub.Close()
	s.expectStates(states, device.Disconnected)

	gatt := s.provider.Gatt(hrmAddress)
	s.Require().Eventually(func() bool { return gatt.Closes() == 1 }, testutils.DefaultWait, 5*time.Millisecond,
		"releasing the attempt MUST close the session")
	s.Assert().Equal(1, gatt.Calls("Disconnect"))
}

func (s *ConnectionTestSuite) TestSubscribersShareSession() {
	// GOAL: Verify concurrent subscribers observe a single session
	//
	// TEST SCENARIO: connect by address → two subscribers → same peripheral, one driver connect → first leaves → session stays → second leaves → closed

	attempt, err := s.m.ConnectAddress(hrmAddress, time.Second)
	s.Require().NoError(err)

	first := attempt.Subscribe()
	p1 := testutils.Next(s.T(), first)
	second := attempt.Subscribe()
	p2 := testutils.Next(s.T(), second)
	s.Assert().Same(p1, p2, "late subscriber MUST replay the connected session")

	gatt := s.provider.Gatt(hrmAddress)
	s.Assert().Equal(1, gatt.Calls("Connect"))
	s.Assert().Empty(s.provider.Scan.Starts(), "address attempt MUST skip scanning")

	first.Close()
	s.Assert().True(p1.Connected(), "session MUST survive while a subscriber remains")

	second.Close()
	s.Require().Eventually(func() bool { return gatt.Closes() == 1 }, testutils.DefaultWait, 5*time.Millisecond)
	s.Require().Eventually(func() bool { return s.m.State() == device.Disconnected }, testutils.DefaultWait, 5*time.Millisecond)
}

func (s *ConnectionTestSuite) TestScanTimeout() {
	// GOAL: Verify an attempt without a match ends with SCAN_TIMEOUT
	//
	// TEST SCENARIO: subscribe → scanning → nothing advertised → stream fails with SCAN_TIMEOUT → disconnected with error

	states := s.m.States()
	defer states.Close()

	attempt, err := s.m.Connect(matcher.Service(heartRateSvc), 50*time.Millisecond, time.Second)
	s.Require().NoError(err)

	err = testutils.Terminal(s.T(), attempt.Subscribe())
	s.Assert().True(errors.Is(err, device.ErrScanTimeout), "expected scan timeout, got %v", err)
	s.expectStates(states, device.Disconnected, device.Scanning, device.DisconnectedWithError)
	s.Assert().Nil(s.provider.Gatt(hrmAddress), "no session MUST be opened without a match")
}

func (s *ConnectionTestSuite) TestConnectTimeout() {
	// GOAL: Verify a session that never connects ends the attempt with CONNECT_TIMEOUT
	//
	// TEST SCENARIO: driver never reports link up → timeout → stream fails → session closed

	s.provider.NewGatt = func(string) *testutils.FakeGatt {
		g := testutils.NewFakeGatt()
		g.SetAuto(false)
		return g
	}

	states := s.m.States()
	defer states.Close()

	attempt, err := s.m.ConnectAddress(hrmAddress, 50*time.Millisecond)
	s.Require().NoError(err)

	err = testutils.Terminal(s.T(), attempt.Subscribe())
	s.Assert().True(errors.Is(err, device.ErrConnectTimeout), "expected connect timeout, got %v", err)
	s.expectStates(states, device.Disconnected, device.Connecting, device.DisconnectedWithError)

	gatt := s.provider.Gatt(hrmAddress)
	s.Require().Eventually(func() bool { return gatt.Closes() == 1 }, testutils.DefaultWait, 5*time.Millisecond)
}

func (s *ConnectionTestSuite) TestConnectFailure() {
	// GOAL: Verify a refused connect surfaces the session error
	//
	// TEST SCENARIO: driver rejects connect → stream fails with CONNECT_FAILED → disconnected with error

	s.provider.NewGatt = func(string) *testutils.FakeGatt {
		g := testutils.NewFakeGatt()
		g.On("Connect").Return(errors.New("peer unreachable"))
		return g
	}

	attempt, err := s.m.ConnectAddress(hrmAddress, time.Second)
	s.Require().NoError(err)

	err = testutils.Terminal(s.T(), attempt.Subscribe())
	s.Assert().True(errors.Is(err, device.ErrConnectFailed), "expected connect failure, got %v", err)
	s.Assert().Equal(device.StatusCallFailed, device.StatusOf(err))
	s.Require().Eventually(func() bool { return s.m.State() == device.DisconnectedWithError }, testutils.DefaultWait, 5*time.Millisecond)
}

func (s *ConnectionTestSuite) TestLinkLoss() {
	// GOAL: Verify link loss ends the attempt and uninstalls the session
	//
	// TEST SCENARIO: connected → link down with timeout status → stream fails with DISCONNECTION/CONNECTION_LOST → queued reads wait for a new session

	attempt, err := s.m.ConnectAddress(hrmAddress, time.Second)
	s.Require().NoError(err)

	sub := attempt.Subscribe()
	testutils.Next(s.T(), sub)

	s.provider.Gatt(hrmAddress).LinkDown(device.StatusConnectionTimeout)

	err = testutils.Terminal(s.T(), sub)
	s.Assert().True(errors.Is(err, device.ErrDisconnection), "expected disconnection, got %v", err)
	s.Assert().True(errors.Is(err, device.ErrConnectionLost), "cause MUST be connection lost, got %v", err)
	s.Require().Eventually(func() bool { return s.m.State() == device.DisconnectedWithError }, testutils.DefaultWait, 5*time.Millisecond)

	pending := queue.Enqueue(s.m.Queue(), operation.NewRead(heartRateSvc, bodyLocation, time.Second))
	result := pending.Commit()
	time.Sleep(20 * time.Millisecond)
	s.Assert().False(result.IsDone(), "operation MUST wait while no session is installed")
	pending.Cancel()
}

func (s *ConnectionTestSuite) TestNotificationsFollowSession() {
	// GOAL: Verify the relay delivers pushes of the connected session
	//
	// TEST SCENARIO: relay subscription before connect → connected → notifications enabled → push arrives on the relay stream

	stream := s.m.Relay().Notifications(measurement)
	defer stream.Close()

	attempt, err := s.m.ConnectAddress(hrmAddress, time.Second)
	s.Require().NoError(err)
	sub := attempt.Subscribe()
	defer sub.Close()
	testutils.Next(s.T(), sub)

	_, err = queue.Enqueue(s.m.Queue(), operation.NewRegisterNotification(heartRateSvc, measurement, nil, time.Second)).Await(s.helper.Context())
	s.Require().NoError(err)

	gatt := s.provider.Gatt(hrmAddress)
	s.Assert().True(gatt.NotificationsEnabled(measurement))

	gatt.Notify(measurement, []byte{0x00, 72})
	s.Assert().Equal([]byte{0x00, 72}, testutils.Next(s.T(), stream), "relay MUST forward the session push")
}

func TestConnectionTestSuite(t *testing.T) {
	depend.RunSuite(t, new(ConnectionTestSuite))
}

//go:build test

package main

import (
	"bytes"
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/srg/blecentral/internal/devicefactory"
	"github.com/srg/blecentral/internal/testutils"
	"github.com/srg/blecentral/pkg/device"
	"github.com/stretchr/testify/suite"
)

// Test device addresses for consistent fake peripheral identification
const (
	TestDeviceAddress1 = "00:00:00:00:00:01"
	TestDeviceAddress2 = "00:00:00:00:00:02"
)

var (
	heartRateSvc = device.MustParseUUID("180D")
	measurement  = device.MustParseUUID("2A37")
	bodyLocation = device.MustParseUUID("2A38")
	controlPoint = device.MustParseUUID("2A39")
)

// CommandTestSuite runs commands against a fake driver tier.
// All cmd/blecentral test suites should embed it.
type CommandTestSuite struct {
	suite.Suite

	Helper   *testutils.TestHelper
	Provider *testutils.FakeProvider

	factory func(devicefactory.Options, *logrus.Logger) (device.Provider, error)
}

func (s *CommandTestSuite) SetupTest() {
	s.Helper = testutils.NewTestHelper(s.T())
	s.Provider = testutils.NewFakeProvider()
	s.Provider.NewGatt = func(string) *testutils.FakeGatt {
		return testutils.NewFakeGatt().
			SetValue(bodyLocation, []byte{0x01}).
			SetValue(controlPoint, []byte("ok"))
	}

	s.factory = devicefactory.ProviderFactory
	devicefactory.ProviderFactory = func(devicefactory.Options, *logrus.Logger) (device.Provider, error) {
		return s.Provider, nil
	}
	resetFlags(rootCmd)
}

func (s *CommandTestSuite) TearDownTest() {
	devicefactory.ProviderFactory = s.factory
}

// resetFlags restores every flag of cmd and its subcommands to its default.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			_ = sv.Replace(nil)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, sub := range cmd.Commands() {
		resetFlags(sub)
	}
}

// ExecuteCommand runs the root command with args and returns stdout, stderr and the error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, string, error) {
	resetFlags(rootCmd)
	out, errOut := new(bytes.Buffer), new(bytes.Buffer)
	rootCmd.SetOut(out)
	rootCmd.SetErr(errOut)
	rootCmd.SetArgs(args)
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), errOut.String(), err
}

// Gatt waits until the fake driver for address has been handed out.
func (s *CommandTestSuite) Gatt(address string) *testutils.FakeGatt {
	var g *testutils.FakeGatt
	s.Require().Eventually(func() bool {
		g = s.Provider.Gatt(address)
		return g != nil
	}, testutils.DefaultWait, 5*time.Millisecond, "command MUST open a driver for %s", address)
	return g
}

// WaitScanning waits until the command has started a scan.
func (s *CommandTestSuite) WaitScanning() {
	s.Require().Eventually(func() bool {
		_, ok := s.Provider.Scan.Active()
		return ok
	}, testutils.DefaultWait, 5*time.Millisecond, "command MUST start scanning")
}

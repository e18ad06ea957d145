//go:build test

package main

import (
	"bytes"
	"encoding/hex"
	"testing"

	"github.com/srg/blecentral/internal/testutils"
	"github.com/srgg/testify/depend"
)

type WriteCommandTestSuite struct {
	CommandTestSuite
}

func (s *WriteCommandTestSuite) TestWriteString() {
	out, _, err := s.ExecuteCommand("write", TestDeviceAddress1, "180d", "2a39", "hello")
	s.Require().NoError(err)
	testutils.NewTextAsserter(s.T()).Assert(out, "Wrote 5 bytes to 2a39")

	gatt := s.Provider.Gatt(TestDeviceAddress1)
	s.Require().NotNil(gatt)
	s.Assert().Equal([][]byte{[]byte("hello")}, gatt.Writes())
}

func (s *WriteCommandTestSuite) TestWriteChunksAtDefaultMtu() {
	// GOAL: Verify payloads longer than one ATT write are split at the default MTU
	//
	// TEST SCENARIO: 45-byte hex payload → default MTU 23 → writes of 20, 20 and 5 bytes in order

	payload := bytes.Repeat([]byte{0xAB}, 45)
	out, _, err := s.ExecuteCommand("write", TestDeviceAddress1, "180d", "2a39", hex.EncodeToString(payload), "--hex")
	s.Require().NoError(err)
	testutils.NewTextAsserter(s.T()).Assert(out, "Wrote 45 bytes to 2a39")

	writes := s.Provider.Gatt(TestDeviceAddress1).Writes()
	s.Require().Len(writes, 3, "payload MUST be split into three writes")
	s.Assert().Len(writes[0], 20)
	s.Assert().Len(writes[1], 20)
	s.Assert().Len(writes[2], 5)
	s.Assert().Equal(payload, bytes.Join(writes, nil), "chunks MUST reassemble to the payload")
}

func (s *WriteCommandTestSuite) TestWriteAfterMtuRequest() {
	// GOAL: Verify a negotiated MTU widens the write length
	//
	// TEST SCENARIO: --mtu 247 → MTU granted → 45-byte payload written at once

	payload := bytes.Repeat([]byte{0x01}, 45)
	_, _, err := s.ExecuteCommand("write", TestDeviceAddress1, "180d", "2a39", hex.EncodeToString(payload), "--hex", "--mtu", "247")
	s.Require().NoError(err)

	gatt := s.Provider.Gatt(TestDeviceAddress1)
	s.Assert().Equal(1, gatt.Calls("RequestMtu"))
	s.Assert().Len(gatt.Writes(), 1, "payload MUST fit one write after MTU exchange")
}

func (s *WriteCommandTestSuite) TestWriteInvalidData() {
	_, _, err := s.ExecuteCommand("write", TestDeviceAddress1, "180d", "2a39", "0xZZ", "--hex")
	s.Assert().ErrorContains(err, "invalid hex data")

	_, _, err = s.ExecuteCommand("write", TestDeviceAddress1, "180d", "2a39", "")
	s.Assert().ErrorContains(err, "data cannot be empty")
}

func TestParseWriteData(t *testing.T) {
	tests := []struct {
		name  string
		in    string
		asHex bool
		want  []byte
	}{
		{name: "raw", in: "ab", want: []byte("ab")},
		{name: "hex", in: "ff01", asHex: true, want: []byte{0xFF, 0x01}},
		{name: "hex with prefix and spaces", in: "0xFF 01", asHex: true, want: []byte{0xFF, 0x01}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseWriteData(tt.in, tt.asHex)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if !bytes.Equal(tt.want, got) {
				t.Errorf("got %x, want %x", got, tt.want)
			}
		})
	}
}

func TestWriteCommandTestSuite(t *testing.T) {
	depend.RunSuite(t, new(WriteCommandTestSuite))
}

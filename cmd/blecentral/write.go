package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/blecentral/pkg/device"
	"github.com/srg/blecentral/pkg/operation"
)

// writeCmd represents the write command
var writeCmd = &cobra.Command{
	Use:   "write <target> <service> <char> <data>",
	Short: "Write a characteristic value",
	Long: fmt.Sprintf(`Writes data to a characteristic. Payloads longer than the negotiated MTU
allows are split into consecutive writes.

Examples:
  # Write a string
  blecentral write AA:BB:CC:DD:EE:FF 6e400001-b5a3-f393-e0a9-e50e24dcca9e 6e400002-b5a3-f393-e0a9-e50e24dcca9e "hello"

  # Write hex data, negotiating a larger MTU first
  blecentral write AA:BB:CC:DD:EE:FF 1802 2a06 01 --hex --mtu 247

%s`, targetNote),
	Args: cobra.ExactArgs(4),
	RunE: runWrite,
}

var (
	writeHex bool
	writeMtu int
)

func init() {
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse input as hex string (e.g., 'FF01'); raw bytes by default")
	writeCmd.Flags().IntVar(&writeMtu, "mtu", 0, "Request this MTU before writing; default 0 keeps the current MTU")
}

func parseWriteData(s string, asHex bool) ([]byte, error) {
	if !asHex {
		return []byte(s), nil
	}
	s = strings.TrimPrefix(strings.TrimPrefix(strings.ReplaceAll(s, " ", ""), "0x"), "0X")
	data, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return data, nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	target := args[0]
	svc, err := device.ParseUUID(args[1])
	if err != nil {
		return fmt.Errorf("invalid service UUID: %w", err)
	}
	chr, err := device.ParseUUID(args[2])
	if err != nil {
		return fmt.Errorf("invalid characteristic UUID: %w", err)
	}
	data, err := parseWriteData(args[3], writeHex)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return fmt.Errorf("data cannot be empty")
	}

	prefix := fmt.Sprintf("Writing %d bytes to %s", len(data), target)
	return withLink(cmd, target, prefix, func(ctx context.Context, c *central, _ *link) error {
		if writeMtu > 0 {
			if _, err := run(ctx, c, operation.NewRequestMtu(writeMtu, c.cfg.OperationTimeout)); err != nil {
				return err
			}
		}
		n, err := run(ctx, c, operation.NewWrite(svc, chr, data, c.cfg.OperationTimeout))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", n, device.ShortUUID(chr))
		return nil
	})
}

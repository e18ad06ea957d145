package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/go-ble/ble"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/pkg/device"
	"github.com/srg/blecentral/pkg/operation"
)

// readCmd represents the read command
var readCmd = &cobra.Command{
	Use:   "read <target> <service> <char>[,<char>...]",
	Short: "Read characteristic values",
	Long: fmt.Sprintf(`Reads one or more characteristics of a service. Reads are queued and run one
at a time.

Examples:
  # Read Battery Level
  blecentral read AA:BB:CC:DD:EE:FF 180f 2a19 --hex

  # Read two characteristics of the closest heart rate monitor
  blecentral read service:180d 180d 2a38,2a39 --hex

  # Poll every 500ms
  blecentral read AA:BB:CC:DD:EE:FF 180f 2a19 --hex --watch 500ms

%s`, targetNote),
	Args: cobra.ExactArgs(3),
	RunE: runRead,
}

var (
	readHex   bool
	readWatch string
)

func init() {
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex string (e.g., 'FF01'); raw bytes by default")
	readCmd.Flags().StringVar(&readWatch, "watch", "", "Continuously read at interval (e.g., 1s, 500ms); default 1s if no value given")
	readCmd.Flags().Lookup("watch").NoOptDefVal = "1s"
}

func runRead(cmd *cobra.Command, args []string) error {
	target := args[0]
	svc, err := device.ParseUUID(args[1])
	if err != nil {
		return fmt.Errorf("invalid service UUID: %w", err)
	}
	chars, err := parseUUIDs(args[2])
	if err != nil {
		return err
	}

	var interval time.Duration
	if readWatch != "" {
		if len(chars) > 1 {
			return fmt.Errorf("watch mode requires a single characteristic, got %d", len(chars))
		}
		if interval, err = time.ParseDuration(readWatch); err != nil {
			return fmt.Errorf("invalid watch interval: %w", err)
		}
		if interval <= 0 {
			return fmt.Errorf("watch interval must be positive")
		}
	}

	prefix := fmt.Sprintf("Reading %d characteristic(s) from %s", len(chars), target)
	return withLink(cmd, target, prefix, func(ctx context.Context, c *central, l *link) error {
		out := cmd.OutOrStdout()
		if interval > 0 {
			return watchRead(ctx, c, out, svc, chars[0], interval)
		}

		multi := len(chars) > 1
		var failed error
		for _, chr := range chars {
			data, err := run(ctx, c, operation.NewRead(svc, chr, c.cfg.OperationTimeout))
			if err != nil {
				if !multi {
					return err
				}
				// keep going, report at the end
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: error: %s\n", device.ShortUUID(chr), FormatUserError(err))
				failed = err
				continue
			}
			if err := printRead(out, chr, data, multi); err != nil {
				return err
			}
		}
		return failed
	})
}

func printRead(out io.Writer, chr ble.UUID, data []byte, prefixed bool) error {
	if prefixed {
		fmt.Fprintf(out, "%s: ", device.ShortUUID(chr))
	}
	if err := writeValue(out, data, readHex); err != nil {
		return err
	}
	_, err := fmt.Fprintln(out)
	return err
}

// watchRead polls chr until ctx is done or the link goes away.
func watchRead(ctx context.Context, c *central, out io.Writer, svc, chr ble.UUID, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		data, err := run(ctx, c, operation.NewRead(svc, chr, c.cfg.OperationTimeout))
		switch {
		case err == nil:
			if err := printRead(out, chr, data, false); err != nil {
				return err
			}
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, device.ErrDisconnected):
			return err
		default:
			c.logger.WithError(err).Warn("Failed to read characteristic, continuing...")
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-ble/ble"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/pkg/device"
	"github.com/srg/blecentral/pkg/queue"
)

// connectCmd represents the connect command
var connectCmd = &cobra.Command{
	Use:   "connect <target>",
	Short: "Connect and supervise a peripheral",
	Long: fmt.Sprintf(`Connects to a peripheral and reports connection state changes until
Ctrl+C, the optional duration elapses, or the link is lost.

Examples:
  # Connect by address
  blecentral connect AA:BB:CC:DD:EE:FF

  # Connect to the closest heart rate monitor for one minute
  blecentral connect service:180d --duration 1m

%s`, targetNote),
	Args: cobra.ExactArgs(1),
	RunE: runConnect,
}

var connectDuration time.Duration

func init() {
	connectCmd.Flags().DurationVarP(&connectDuration, "duration", "d", 0, "Stay connected for this long (0 until Ctrl+C)")
}

// withLink loads the configuration, connects to target and runs fn with the
// established link. The link is released when fn returns.
func withLink(cmd *cobra.Command, target, prefix string, fn func(ctx context.Context, c *central, l *link) error) error {
	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	_, service, err := parseTarget(target)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	var hints []ble.UUID
	if service != nil {
		hints = append(hints, service)
	}
	c, err := newCentral(cfg, logger, hints...)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), prefix, "Connecting")
	progress.Start()
	defer progress.Stop()

	l, err := c.connect(ctx, target, func(s device.ConnectionState) {
		progress.SetPhase(s.String())
	})
	progress.Stop()
	if err != nil {
		return err
	}
	defer c.release(context.Background(), l)

	opCtx, stop := context.WithCancel(ctx)
	defer stop()
	groutine.Go(opCtx, "cli-link-down", func(ctx context.Context) {
		select {
		case <-l.Done():
			stop()
		case <-ctx.Done():
		}
	})

	err = fn(opCtx, c, l)
	select {
	case <-l.Done():
		if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, queue.ErrCancelled) {
			return l.Err()
		}
	default:
	}
	return err
}

func runConnect(cmd *cobra.Command, args []string) error {
	target := args[0]
	return withLink(cmd, target, fmt.Sprintf("Connecting to %s", target), func(ctx context.Context, c *central, l *link) error {
		out := cmd.OutOrStdout()
		pal := newPalette(out)

		states := c.manager.States()
		defer states.Close()

		fmt.Fprintf(out, "Connected to %s (MTU %d)\n", pal.address(l.peripheral.Address()), l.peripheral.MTU())

		if connectDuration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, connectDuration)
			defer cancel()
		}

		for {
			select {
			case <-ctx.Done():
				return nil
			case s, ok := <-states.C():
				if !ok {
					return nil
				}
				if s != device.Connected {
					fmt.Fprintf(out, "State: %s\n", pal.state(s))
				}
			}
		}
	})
}

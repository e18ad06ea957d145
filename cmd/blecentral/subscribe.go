package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-ble/ble"
	"github.com/spf13/cobra"
	"github.com/srg/blecentral/internal/framing"
	"github.com/srg/blecentral/internal/groutine"
	"github.com/srg/blecentral/pkg/device"
	"github.com/srg/blecentral/pkg/operation"
)

// subscribeCmd represents the subscribe command
var subscribeCmd = &cobra.Command{
	Use:   "subscribe <target> <service> <char>[,<char>...]",
	Short: "Stream characteristic notifications",
	Long: fmt.Sprintf(`Enables notifications on one or more characteristics and prints every packet
received.

Stream modes:
  live     - Output every notification immediately (default)
  batched  - Collect notifications, output at rate interval
  latest   - Keep only latest value per characteristic, output at rate interval

Examples:
  # Heart rate measurements
  blecentral subscribe service:180d 180d 2a37 --hex

  # Reassemble length-prefixed packets split across notifications
  blecentral subscribe AA:BB:CC:DD:EE:FF ff30 ff31 --framed --hex

  # Latest value of two characteristics once a second
  blecentral subscribe AA:BB:CC:DD:EE:FF ff30 ff31,ff32 --mode latest --rate 1s

%s`, targetNote),
	Args: cobra.ExactArgs(3),
	RunE: runSubscribe,
}

var (
	subscribeHex      bool
	subscribeMode     string
	subscribeRate     time.Duration
	subscribeFramed   bool
	subscribeCount    int
	subscribeDuration time.Duration
)

func init() {
	subscribeCmd.Flags().BoolVar(&subscribeHex, "hex", false, "Output as hex string; raw bytes by default")
	subscribeCmd.Flags().StringVar(&subscribeMode, "mode", "live", "Stream mode: live, batched, or latest")
	subscribeCmd.Flags().DurationVar(&subscribeRate, "rate", time.Second, "Output interval for batched/latest modes")
	subscribeCmd.Flags().BoolVar(&subscribeFramed, "framed", false, "Reassemble 2-byte length-prefixed packets")
	subscribeCmd.Flags().IntVar(&subscribeCount, "count", 0, "Stop after this many packets (0 for unlimited)")
	subscribeCmd.Flags().DurationVarP(&subscribeDuration, "duration", "d", 0, "Stop after this long (0 until Ctrl+C)")
}

type streamMode int

const (
	streamLive streamMode = iota
	streamBatched
	streamLatest
)

// parseStreamMode converts CLI mode string to a streamMode
func parseStreamMode(mode string) (streamMode, error) {
	switch strings.ToLower(mode) {
	case "live", "instant", "every":
		return streamLive, nil
	case "batched", "batch":
		return streamBatched, nil
	case "latest", "aggregated":
		return streamLatest, nil
	default:
		return 0, fmt.Errorf("invalid mode %q: use live, batched, or latest", mode)
	}
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	target := args[0]
	svc, err := device.ParseUUID(args[1])
	if err != nil {
		return fmt.Errorf("invalid service UUID: %w", err)
	}
	chars, err := parseUUIDs(args[2])
	if err != nil {
		return err
	}
	mode, err := parseStreamMode(subscribeMode)
	if err != nil {
		return err
	}
	if mode != streamLive && subscribeRate <= 0 {
		return fmt.Errorf("rate must be positive for %s mode", subscribeMode)
	}

	prefix := fmt.Sprintf("Subscribing to %s", target)
	return withLink(cmd, target, prefix, func(ctx context.Context, c *central, l *link) error {
		collector, err := NewNotificationCollector(uint32(c.cfg.BufferSize))
		if err != nil {
			return err
		}

		for _, chr := range chars {
			// attach to the relay first so no packet after enabling is missed
			sub := c.manager.Relay().Notifications(chr)
			defer sub.Close()
			groutine.Go(ctx, "cli-notification-pump", func(ctx context.Context) {
				for {
					v, err := sub.Next(ctx)
					if err != nil {
						return
					}
					if err := collector.Put(chr, v); err != nil {
						c.logger.WithError(err).Error("Failed to collect notification")
						return
					}
				}
			})

			var pre device.Preprocessor
			if subscribeFramed {
				pre = framing.New(framing.DefaultCapacity, c.logger).Preprocessor()
			}
			if _, err := run(ctx, c, operation.NewRegisterNotification(svc, chr, pre, c.cfg.OperationTimeout)); err != nil {
				return err
			}
			defer unregister(c, l, svc, chr)
		}

		fmt.Fprintf(cmd.ErrOrStderr(), "Subscribed to %d characteristic(s). Press Ctrl+C to stop...\n", len(chars))

		if subscribeDuration > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, subscribeDuration)
			defer cancel()
		}
		printer := &notificationPrinter{out: cmd.OutOrStdout(), prefixed: len(chars) > 1, limit: subscribeCount}
		return printer.loop(ctx, collector, mode, subscribeRate)
	})
}

// unregister disables notifications on exit, bounded by the operation timeout.
func unregister(c *central, l *link, svc, chr ble.UUID) {
	select {
	case <-l.Done():
		return
	default:
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.OperationTimeout)
	defer cancel()
	if _, err := run(ctx, c, operation.NewUnregisterNotification(svc, chr, c.cfg.OperationTimeout)); err != nil {
		c.logger.WithError(err).Debug("Failed to disable notifications")
	}
}

type notificationPrinter struct {
	out      io.Writer
	prefixed bool
	limit    int
	printed  int
}

var errLimitReached = errors.New("notification limit reached")

func (p *notificationPrinter) print(rec notificationRecord) error {
	if p.limit > 0 && p.printed >= p.limit {
		return errLimitReached
	}
	if p.prefixed {
		fmt.Fprintf(p.out, "%s: ", device.ShortUUID(rec.Characteristic))
	}
	if err := writeValue(p.out, rec.Value, subscribeHex); err != nil {
		return err
	}
	if _, err := fmt.Fprintln(p.out); err != nil {
		return err
	}
	p.printed++
	if p.limit > 0 && p.printed >= p.limit {
		return errLimitReached
	}
	return nil
}

// loop drains the collector on every arrival (live) or on every tick.
func (p *notificationPrinter) loop(ctx context.Context, collector *NotificationCollector, mode streamMode, rate time.Duration) error {
	var tick <-chan time.Time
	if mode != streamLive {
		ticker := time.NewTicker(rate)
		defer ticker.Stop()
		tick = ticker.C
	}

	drain := func() error {
		err := collector.Drain(mode == streamLatest, p.print)
		if errors.Is(err, errLimitReached) {
			return nil
		}
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return drain()
		case <-collector.Ready():
			if mode != streamLive {
				continue
			}
		case <-tick:
		}
		if err := drain(); err != nil {
			return err
		}
		if p.limit > 0 && p.printed >= p.limit {
			return nil
		}
	}
}

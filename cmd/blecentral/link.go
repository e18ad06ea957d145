package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/srg/blecentral/pkg/operation"
)

// rssiCmd represents the rssi command
var rssiCmd = &cobra.Command{
	Use:   "rssi <target>",
	Short: "Read the RSSI of a connected peripheral",
	Long: fmt.Sprintf(`Connects and reads the received signal strength of the link.

%s`, targetNote),
	Args: cobra.ExactArgs(1),
	RunE: runRssi,
}

// mtuCmd represents the mtu command
var mtuCmd = &cobra.Command{
	Use:   "mtu <target> [mtu]",
	Short: "Negotiate the ATT MTU",
	Long: fmt.Sprintf(`Connects, requests an MTU (default 517) and prints the MTU granted together
with the resulting maximum write length.

%s`, targetNote),
	Args: cobra.RangeArgs(1, 2),
	RunE: runMtu,
}

// defaultMtuRequest is the largest ATT MTU.
const defaultMtuRequest = 517

func runRssi(cmd *cobra.Command, args []string) error {
	target := args[0]
	return withLink(cmd, target, fmt.Sprintf("Reading RSSI of %s", target), func(ctx context.Context, c *central, _ *link) error {
		rssi, err := run(ctx, c, operation.NewReadRssi(c.cfg.OperationTimeout))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%d dBm\n", rssi)
		return nil
	})
}

func runMtu(cmd *cobra.Command, args []string) error {
	target := args[0]
	request := defaultMtuRequest
	if len(args) == 2 {
		n, err := strconv.Atoi(args[1])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid MTU %q", args[1])
		}
		request = n
	}

	return withLink(cmd, target, fmt.Sprintf("Negotiating MTU with %s", target), func(ctx context.Context, c *central, l *link) error {
		mtu, err := run(ctx, c, operation.NewRequestMtu(request, c.cfg.OperationTimeout))
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "MTU %d (max write %d bytes)\n", mtu, l.peripheral.MaxWriteLength())
		return nil
	})
}

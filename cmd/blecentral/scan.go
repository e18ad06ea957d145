package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/blecentral/pkg/advertisement"
	"github.com/srg/blecentral/pkg/device"
	"github.com/srg/blecentral/scanner"
)

// scanCmd represents the scan command
var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE peripherals",
	Long: `Scan for advertising Bluetooth Low Energy peripherals and list the latest
advertisement of each, strongest signal first.

Examples:
  # Scan for 10 seconds
  blecentral scan

  # Heart rate monitors only, as JSON
  blecentral scan --services 180d --format json

  # Aggressive scan until Ctrl+C
  blecentral scan --duration 0 --mode low-latency`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration  time.Duration
	scanFormat    string
	scanServices  []string
	scanAllowList []string
	scanBlockList []string
	scanMode      string
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 10*time.Second, "Scan duration (0 for indefinite)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "table", "Output format (table, json)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Only show peripherals advertising one of these services")
	scanCmd.Flags().StringSliceVar(&scanAllowList, "allow", nil, "Only show peripherals with these addresses")
	scanCmd.Flags().StringSliceVar(&scanBlockList, "block", nil, "Hide peripherals with these addresses")
	scanCmd.Flags().StringVar(&scanMode, "mode", "", "Scan mode (low-power, balanced, low-latency); configured mode by default")
}

func runScan(cmd *cobra.Command, _ []string) error {
	if scanFormat != "table" && scanFormat != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", scanFormat)
	}

	cfg, logger, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	mode := cfg.ScanMode()
	if scanMode != "" {
		if mode, err = device.ParseScanMode(scanMode); err != nil {
			return err
		}
	}

	filter := scanner.Filter{AllowList: scanAllowList, BlockList: scanBlockList}
	if len(scanServices) > 0 {
		if filter.Services, err = parseUUIDs(strings.Join(scanServices, ",")); err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	c, err := newCentral(cfg, logger, filter.Services...)
	if err != nil {
		return err
	}
	defer c.Close()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	if scanDuration > 0 {
		ctx, cancel = context.WithTimeout(ctx, scanDuration)
		defer cancel()
	}

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE peripherals", "Scanning", scanDuration)
	progress.Start()
	defer progress.Stop()

	discovery := scanner.NewDiscovery(filter, logger, nil)
	err = discovery.Collect(ctx, c.scanner.Scan(mode))
	progress.Stop()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if scanFormat == "json" {
		return writeDevicesJSON(out, discovery.Devices())
	}
	return writeDevicesTable(out, discovery.Devices())
}

func serviceList(r *advertisement.Record) []string {
	out := make([]string, 0, len(r.Services))
	for _, u := range r.Services {
		out = append(out, device.ShortUUID(u))
	}
	return out
}

func writeDevicesTable(out io.Writer, devices []*advertisement.Record) error {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	pal := newPalette(out)
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES")
	for _, r := range devices {
		name := r.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		services := strings.Join(serviceList(r), ",")
		if len(services) > 30 {
			services = services[:27] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\n", pal.name(name), pal.address(r.Address), r.RSSI, services)
	}
	return w.Flush()
}

type deviceJSON struct {
	Address          string            `json:"address"`
	Name             string            `json:"name,omitempty"`
	RSSI             int               `json:"rssi"`
	Services         []string          `json:"services"`
	ManufacturerData map[string]string `json:"manufacturer_data,omitempty"`
}

func writeDevicesJSON(out io.Writer, devices []*advertisement.Record) error {
	list := make([]deviceJSON, 0, len(devices))
	for _, r := range devices {
		d := deviceJSON{Address: r.Address, Name: r.Name, RSSI: r.RSSI, Services: serviceList(r)}
		if len(r.ManufacturerData) > 0 {
			d.ManufacturerData = make(map[string]string, len(r.ManufacturerData))
			for id, data := range r.ManufacturerData {
				d.ManufacturerData[fmt.Sprintf("%04x", id)] = hex.EncodeToString(data)
			}
		}
		list = append(list, d)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(list)
}

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bgatt/adapter"
	"github.com/srg/bgatt/internal/device"
)

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Scan for BLE devices",
	Long: `Scans for advertising peripherals and lists them in discovery order with
their name, address, signal strength and advertised services.

Examples:
  bgatt scan --duration 5s
  bgatt scan --services 180f --format json
  bgatt scan --watch`,
	Args: cobra.NoArgs,
	RunE: runScan,
}

var (
	scanDuration time.Duration
	scanFormat   string
	scanServices []string
	scanWatch    bool
)

func init() {
	scanCmd.Flags().DurationVarP(&scanDuration, "duration", "d", 0, "Scan duration (default: timeouts.scan from the config)")
	scanCmd.Flags().StringVarP(&scanFormat, "format", "f", "", "Output format: table or json (default: output_format from the config)")
	scanCmd.Flags().StringSliceVarP(&scanServices, "services", "s", nil, "Only show devices advertising these service UUIDs")
	scanCmd.Flags().BoolVarP(&scanWatch, "watch", "w", false, "Print discoveries as they happen until interrupted")
}

type scanEntry struct {
	Address  string   `json:"address"`
	Name     string   `json:"name"`
	RSSI     int8     `json:"rssi"`
	Services []string `json:"services"`
}

func runScan(cmd *cobra.Command, args []string) error {
	var filter []device.UUID
	if len(scanServices) > 0 {
		var err error
		if filter, err = parseUUIDList(strings.Join(scanServices, ",")); err != nil {
			return fmt.Errorf("invalid service UUID: %w", err)
		}
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()

	format := scanFormat
	if format == "" {
		format = s.cfg.OutputFormat
	}
	if format != "table" && format != "json" {
		return fmt.Errorf("invalid format '%s': must be one of [table json]", format)
	}
	duration := scanDuration
	if duration <= 0 {
		duration = s.cfg.Timeouts.Scan
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd)
	defer cancel()

	if scanWatch {
		return watchDiscoveries(ctx, s.adapter, filter, cmd.OutOrStdout())
	}

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE devices", "Scanning", duration)
	progress.Start()
	err = s.adapter.ScanFor(ctx, duration)
	progress.Stop()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	entries := []scanEntry{}
	for _, dev := range s.adapter.Devices() {
		if advertises(dev, filter) {
			entries = append(entries, newScanEntry(dev))
		}
	}
	if format == "json" {
		return writeJSON(cmd.OutOrStdout(), entries)
	}
	return writeScanTable(cmd.OutOrStdout(), entries)
}

// watchDiscoveries prints one line per scan result until ctx is done.
func watchDiscoveries(ctx context.Context, a *adapter.Adapter, filter []device.UUID, w io.Writer) error {
	if err := a.StartScan(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		_ = a.StopScan(stopCtx)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-a.Discoveries():
			if !ok {
				return a.Err()
			}
			if !advertises(d.Device, filter) {
				continue
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%d dBm\n", d.Device.LastSeen().Format(time.TimeOnly), d.Type, d.Device.Address().Colon(), d.RSSI)
		}
	}
}

func advertises(dev *device.Device, filter []device.UUID) bool {
	if len(filter) == 0 {
		return true
	}
	for _, want := range filter {
		for _, have := range dev.Advertisement().Services {
			if have.Equal(want) {
				return true
			}
		}
	}
	return false
}

func newScanEntry(dev *device.Device) scanEntry {
	e := scanEntry{
		Address:  dev.Address().Colon(),
		Name:     dev.Name(),
		RSSI:     dev.RSSI(),
		Services: []string{},
	}
	for _, u := range dev.Advertisement().Services {
		e.Services = append(e.Services, u.String())
	}
	return e
}

func writeScanTable(out io.Writer, entries []scanEntry) error {
	if len(entries) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tADDRESS\tRSSI\tSERVICES")
	for _, e := range entries {
		name := e.Name
		if len(name) > 20 {
			name = name[:17] + "..."
		}
		fmt.Fprintf(w, "%s\t%s\t%d dBm\t%s\n", name, e.Address, e.RSSI, strings.Join(e.Services, ","))
	}
	return w.Flush()
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

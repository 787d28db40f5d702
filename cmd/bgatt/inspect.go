package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/srg/bgatt/inspector"
	"github.com/srg/bgatt/internal/device"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect <device-address>",
	Short: "Inspect services and characteristics of a BLE device",
	Long: `Connects to a device, discovers its services and attributes, reads the
standard device information and previews every readable value.

Examples:
  bgatt inspect AA:BB:CC:DD:EE:FF
  bgatt inspect 11:22:33:44:55:66 --register 1530=DFU --json`,
	Args: cobra.ExactArgs(1),
	RunE: runInspect,
}

var (
	inspectConnectTimeout time.Duration
	inspectJSON           bool
	inspectReadLimit      int
	inspectRegister       []string
)

func init() {
	inspectCmd.Flags().DurationVar(&inspectConnectTimeout, "connect-timeout", 0, "Connection timeout (default: timeouts.connect from the config)")
	inspectCmd.Flags().BoolVar(&inspectJSON, "json", false, "Output as JSON")
	inspectCmd.Flags().IntVar(&inspectReadLimit, "read-limit", 64, "Max bytes previewed per value (0 to skip reads)")
	inspectCmd.Flags().StringSliceVar(&inspectRegister, "register", nil, "Custom service as <id>=<name>, id being bytes 12-13 of its 128-bit UUID (e.g. 1530=DFU)")
}

// parseCustomServices parses "<hex id>=<name>" definitions.
func parseCustomServices(defs []string) (map[uint16]device.CustomService, error) {
	out := make(map[uint16]device.CustomService, len(defs))
	for _, def := range defs {
		idStr, name, ok := strings.Cut(def, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid custom service %q: want <id>=<name>", def)
		}
		id, err := strconv.ParseUint(strings.TrimPrefix(strings.ToLower(idStr), "0x"), 16, 16)
		if err != nil {
			return nil, fmt.Errorf("invalid custom service id %q: %w", idStr, err)
		}
		out[uint16(id)] = device.CustomService{Name: name}
	}
	return out, nil
}

func runInspect(cmd *cobra.Command, args []string) error {
	addr, err := parseAddressArg(args[0])
	if err != nil {
		return err
	}
	custom, err := parseCustomServices(inspectRegister)
	if err != nil {
		return err
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd)
	defer cancel()

	timeout := inspectConnectTimeout
	if timeout <= 0 {
		timeout = s.cfg.Timeouts.Connect
	}
	opts := &inspector.InspectOptions{
		ConnectTimeout:    timeout,
		DisconnectTimeout: s.cfg.Timeouts.Disconnect,
		CustomServices:    custom,
	}

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Inspecting device %s", addr.Colon()), "Scanning", "Processing results", "Failed")
	progress.Start()
	defer progress.Stop()

	report, err := inspector.InspectDevice(ctx, s.adapter, addr, opts, s.logger, progress.Callback(),
		func(dev *device.Device) (*inspector.Report, error) {
			return inspector.BuildReport(ctx, dev, inspector.ReportOptions{ReadLimit: inspectReadLimit}), nil
		})
	if err != nil {
		return err
	}

	if inspectJSON || s.cfg.OutputFormat == "json" {
		return writeJSON(cmd.OutOrStdout(), report)
	}
	writeReport(cmd.OutOrStdout(), report)
	return nil
}

var (
	headerColor  = color.New(color.Bold)
	serviceColor = color.New(color.FgGreen)
	errorColor   = color.New(color.FgRed)
)

func writeReport(w io.Writer, r *inspector.Report) {
	headerColor.Fprintf(w, "Device %s", r.Address)
	if r.Name != "" {
		headerColor.Fprintf(w, " (%s)", r.Name)
	}
	fmt.Fprintf(w, " RSSI %d dBm\n", r.RSSI)

	for _, f := range r.Info.Fields() {
		fmt.Fprintf(w, "  %s: %s\n", f.Key, f.Value)
	}
	if r.Info.Battery != nil {
		fmt.Fprintf(w, "  battery: %d%%\n", *r.Info.Battery)
	}

	for _, svc := range r.Services {
		fmt.Fprintln(w)
		serviceColor.Fprintf(w, "Service %s %s", svc.UUID, svc.Name)
		fmt.Fprintf(w, " [%d-%d] %s\n", svc.Start, svc.End, svc.Kind)
		for _, c := range svc.Characteristics {
			fmt.Fprintf(w, "  %04x %-36s %-11s", c.Handle, c.UUID, c.Role)
			switch {
			case c.ReadError != "":
				errorColor.Fprintf(w, " error: %s", c.ReadError)
			case c.ValueHex != "":
				fmt.Fprintf(w, " %s %q", c.ValueHex, c.ValueASCII)
			}
			if c.Name != "" {
				fmt.Fprintf(w, "  (%s)", c.Name)
			}
			fmt.Fprintln(w)
		}
	}
}

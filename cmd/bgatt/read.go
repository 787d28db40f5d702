package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/bgatt/inspector"
	"github.com/srg/bgatt/internal/device"
)

var readCmd = &cobra.Command{
	Use:   "read <device-address> <uuid>[,uuid...]",
	Short: "Read characteristic values",
	Long: `Reads one or more characteristic values. Without --service every service is
searched and the characteristic must be unique.

Examples:
  bgatt read AA:BB:CC:DD:EE:FF 2a19 --hex
  bgatt read AA:BB:CC:DD:EE:FF 2a29,2a24 --service 180a
  bgatt read AA:BB:CC:DD:EE:FF 2a19 --hex --watch 500ms`,
	Args: cobra.ExactArgs(2),
	RunE: runRead,
}

var (
	readServiceUUID string
	readHex         bool
	readTimeout     time.Duration
	readWatch       string
)

func init() {
	readCmd.Flags().StringVar(&readServiceUUID, "service", "", "Service UUID (required if the characteristic is ambiguous)")
	readCmd.Flags().BoolVar(&readHex, "hex", false, "Output as hex; raw bytes by default")
	readCmd.Flags().DurationVar(&readTimeout, "timeout", 0, "Read timeout (default: timeouts.read from the config)")
	readCmd.Flags().StringVar(&readWatch, "watch", "", "Read again at this interval until interrupted (default 1s if no value given)")
	readCmd.Flags().Lookup("watch").NoOptDefVal = "1s"
}

func runRead(cmd *cobra.Command, args []string) error {
	addr, err := parseAddressArg(args[0])
	if err != nil {
		return err
	}
	chars, err := parseUUIDList(args[1])
	if err != nil {
		return err
	}
	service, err := optionalUUID(readServiceUUID)
	if err != nil {
		return err
	}

	var watchInterval time.Duration
	if readWatch != "" {
		if len(chars) > 1 {
			return fmt.Errorf("watch mode requires a single characteristic, got %d", len(chars))
		}
		if watchInterval, err = time.ParseDuration(readWatch); err != nil || watchInterval <= 0 {
			return fmt.Errorf("invalid watch interval %q", readWatch)
		}
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	cmd.SilenceUsage = true

	timeout := readTimeout
	if timeout <= 0 {
		timeout = s.cfg.Timeouts.Read
	}

	ctx, cancel := signalContext(cmd)
	defer cancel()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Reading %s from %s", args[1], addr.Colon()), "Scanning", "Processing results", "Failed")
	progress.Start()
	defer progress.Stop()

	opts := &inspector.InspectOptions{
		ConnectTimeout:    s.cfg.Timeouts.Connect,
		DisconnectTimeout: s.cfg.Timeouts.Disconnect,
	}
	out := cmd.OutOrStdout()
	_, err = inspector.InspectDevice(ctx, s.adapter, addr, opts, s.logger, progress.Callback(),
		func(dev *device.Device) (struct{}, error) {
			targets, err := resolveCharacteristics(dev, service, chars)
			if err != nil {
				return struct{}{}, err
			}
			if watchInterval > 0 {
				return struct{}{}, watchCharacteristic(ctx, targets[0], timeout, watchInterval, out, s.logger)
			}
			for _, c := range targets {
				value, err := c.Read(ctx, timeout)
				if err != nil {
					if len(targets) == 1 {
						return struct{}{}, fmt.Errorf("failed to read characteristic: %w", err)
					}
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: error: %v\n", c.UUID(), err)
					continue
				}
				prefix := ""
				if len(targets) > 1 {
					prefix = c.UUID().String() + ": "
				}
				writeValue(out, prefix, value, readHex)
			}
			return struct{}{}, nil
		})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// watchCharacteristic reads c every interval until ctx is done or the link
// drops.
func watchCharacteristic(ctx context.Context, c *device.Characteristic, timeout, interval time.Duration, w io.Writer, logger *logrus.Logger) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		value, err := c.Read(ctx, timeout)
		switch {
		case errors.Is(err, device.ErrNotConnected):
			return ErrConnectionLost
		case err != nil && ctx.Err() != nil:
			return nil
		case err != nil:
			logger.WithError(err).Warn("Failed to read characteristic, continuing...")
		default:
			writeValue(w, "", value, readHex)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// writeValue prints value as hex, or raw followed by a newline when prefixed.
func writeValue(w io.Writer, prefix string, value []byte, asHex bool) {
	if asHex {
		fmt.Fprintf(w, "%s%s\n", prefix, hex.EncodeToString(value))
		return
	}
	fmt.Fprint(w, prefix)
	_, _ = w.Write(value)
	if prefix != "" {
		fmt.Fprintln(w)
	}
}

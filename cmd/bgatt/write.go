package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/srg/bgatt/bridge"
	"github.com/srg/bgatt/inspector"
	"github.com/srg/bgatt/internal/device"
)

var writeCmd = &cobra.Command{
	Use:   "write <device-address> <uuid> <data>",
	Short: "Write to a characteristic",
	Long: `Writes data to a characteristic. Data longer than --chunk bytes is sent as
several consecutive writes.

Examples:
  bgatt write AA:BB:CC:DD:EE:FF 6e400002-b5a3-f393-e0a9-e50e24dcca9e "hello"
  bgatt write AA:BB:CC:DD:EE:FF 2902 0100 --service 180f --hex`,
	Args: cobra.ExactArgs(3),
	RunE: runWrite,
}

var (
	writeServiceUUID string
	writeHex         bool
	writeChunkSize   int
)

func init() {
	writeCmd.Flags().StringVar(&writeServiceUUID, "service", "", "Service UUID (required if the characteristic is ambiguous)")
	writeCmd.Flags().BoolVar(&writeHex, "hex", false, "Parse data as hex (e.g. 'FF01'); raw bytes by default")
	writeCmd.Flags().IntVar(&writeChunkSize, "chunk", bridge.DefaultChunkSize, "Largest single write in bytes")
}

// parseWriteData converts the data argument according to --hex.
func parseWriteData(data string, asHex bool) ([]byte, error) {
	if !asHex {
		return []byte(data), nil
	}
	cleaned := strings.NewReplacer(" ", "", ":", "", "-", "", "0x", "").Replace(data)
	b, err := hex.DecodeString(cleaned)
	if err != nil {
		return nil, fmt.Errorf("invalid hex data: %w", err)
	}
	return b, nil
}

func runWrite(cmd *cobra.Command, args []string) error {
	addr, err := parseAddressArg(args[0])
	if err != nil {
		return err
	}
	char, err := device.ParseUUID(args[1])
	if err != nil {
		return err
	}
	service, err := optionalUUID(writeServiceUUID)
	if err != nil {
		return err
	}
	data, err := parseWriteData(args[2], writeHex)
	if err != nil {
		return fmt.Errorf("failed to parse data: %w", err)
	}
	if writeChunkSize <= 0 {
		return fmt.Errorf("chunk size must be > 0")
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd)
	defer cancel()

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Writing %d bytes to %s on %s", len(data), args[1], addr.Colon()), "Scanning", "Processing results", "Failed")
	progress.Start()
	defer progress.Stop()

	opts := &inspector.InspectOptions{
		ConnectTimeout:    s.cfg.Timeouts.Connect,
		DisconnectTimeout: s.cfg.Timeouts.Disconnect,
	}
	_, err = inspector.InspectDevice(ctx, s.adapter, addr, opts, s.logger, progress.Callback(),
		func(dev *device.Device) (struct{}, error) {
			c, err := resolveCharacteristic(dev, service, char)
			if err != nil {
				return struct{}{}, err
			}
			for _, chunk := range bridge.Chunk(data, writeChunkSize) {
				if err := c.Write(chunk); err != nil {
					return struct{}{}, fmt.Errorf("failed to write characteristic: %w", err)
				}
			}
			return struct{}{}, nil
		})
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), "Write successful")
	return nil
}

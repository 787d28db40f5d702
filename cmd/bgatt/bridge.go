package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bgatt/bridge"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge <device-address>",
	Short: "Bridge a BLE serial service to a PTY",
	Long: `Creates a pseudo-terminal connected to a device's serial-style service, so
programs that expect a serial port can talk to it. Notifications from the TX
characteristic appear on the terminal and bytes written to the terminal are
sent to the RX characteristic. The Nordic UART Service is used by default.

Examples:
  bgatt bridge AA:BB:CC:DD:EE:FF
  bgatt bridge AA:BB:CC:DD:EE:FF --symlink /tmp/widget
  screen $(readlink /tmp/widget)`,
	Args: cobra.ExactArgs(1),
	RunE: runBridge,
}

var (
	bridgeService        string
	bridgeRX             string
	bridgeTX             string
	bridgeConnectTimeout time.Duration
	bridgeSymlink        string
	bridgeChunkSize      int
	bridgeDuration       time.Duration
)

func init() {
	bridgeCmd.Flags().StringVar(&bridgeService, "service", bridge.NordicUARTService.String(), "Service UUID to bridge")
	bridgeCmd.Flags().StringVar(&bridgeRX, "rx", bridge.NordicUARTRX.String(), "Characteristic receiving terminal input")
	bridgeCmd.Flags().StringVar(&bridgeTX, "tx", bridge.NordicUARTTX.String(), "Characteristic whose notifications go to the terminal")
	bridgeCmd.Flags().DurationVar(&bridgeConnectTimeout, "connect-timeout", 0, "Connection timeout (default: timeouts.connect from the config)")
	bridgeCmd.Flags().StringVar(&bridgeSymlink, "symlink", "", "Create a symlink to the PTY device (e.g. /tmp/ble-device)")
	bridgeCmd.Flags().IntVar(&bridgeChunkSize, "chunk", bridge.DefaultChunkSize, "Largest single write to RX in bytes")
	bridgeCmd.Flags().DurationVar(&bridgeDuration, "duration", 0, "Stop after this long (0 runs until interrupted)")
}

func runBridge(cmd *cobra.Command, args []string) error {
	addr, err := parseAddressArg(args[0])
	if err != nil {
		return err
	}
	service, err := optionalUUID(bridgeService)
	if err != nil {
		return fmt.Errorf("invalid service UUID: %w", err)
	}
	rx, err := optionalUUID(bridgeRX)
	if err != nil {
		return fmt.Errorf("invalid RX UUID: %w", err)
	}
	tx, err := optionalUUID(bridgeTX)
	if err != nil {
		return fmt.Errorf("invalid TX UUID: %w", err)
	}
	if service == nil || rx == nil || tx == nil {
		return fmt.Errorf("--service, --rx and --tx must all be set")
	}

	s, err := openSession(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	cmd.SilenceUsage = true

	ctx, cancel := signalContext(cmd)
	defer cancel()

	timeout := bridgeConnectTimeout
	if timeout <= 0 {
		timeout = s.cfg.Timeouts.Connect
	}

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Starting bridge for %s", addr.Colon()), "Scanning", "Running", "Failed")
	progress.Start()
	defer progress.Stop()

	_, err = bridge.RunDeviceBridge(ctx, s.adapter, &bridge.Options{
		Address:           addr,
		Service:           service,
		RX:                rx,
		TX:                tx,
		ConnectTimeout:    timeout,
		DisconnectTimeout: s.cfg.Timeouts.Disconnect,
		ChunkSize:         bridgeChunkSize,
		TTYSymlinkPath:    bridgeSymlink,
		Logger:            s.logger,
	}, progress.Callback(), func(b bridge.Bridge) (struct{}, error) {
		fmt.Fprintf(cmd.OutOrStdout(), "Bridge running on %s\n", b.TTYName())
		if b.TTYSymlink() != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "Symlink: %s\n", b.TTYSymlink())
		}
		err := waitWhileConnected(ctx, b.Device(), bridgeDuration)
		s.logger.Info("Bridge shutting down...")
		return struct{}{}, err
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

package main

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"github.com/srg/bgatt/inspector"
	"github.com/srg/bgatt/internal/device"
)

var subscribeCmd = &cobra.Command{
	Use:   "subscribe <device-address> <uuid>[,uuid...]",
	Short: "Print characteristic notifications",
	Long: `Enables notifications on one or more characteristics and prints every value
pushed by the device until interrupted, --duration elapses or the link drops.

Examples:
  bgatt subscribe AA:BB:CC:DD:EE:FF 2a19 --hex
  bgatt subscribe AA:BB:CC:DD:EE:FF 6e400003-b5a3-f393-e0a9-e50e24dcca9e --duration 30s`,
	Args: cobra.ExactArgs(2),
	RunE: runSubscribe,
}

var (
	subscribeServiceUUID string
	subscribeHex         bool
	subscribeDuration    time.Duration
)

func init() {
	subscribeCmd.Flags().StringVar(&subscribeServiceUUID, "service", "", "Service UUID (required if the characteristic is ambiguous)")
	subscribeCmd.Flags().BoolVar(&subscribeHex, "hex", false, "Output as hex; raw bytes by default")
	subscribeCmd.Flags().DurationVar(&subscribeDuration, "duration", 0, "Stop after this long (0 runs until interrupted)")
}

func runSubscribe(cmd *cobra.Command, args []string) error {
	addr, err := parseAddressArg(args[0])
	if err != nil {
		return err
	}
	chars, err := parseUUIDList(args[1])
	if err != nil {
		return err
	}
	service, err := optionalUUID(subscribeServiceUUID)
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

	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Subscribing to %s on %s", args[1], addr.Colon()), "Scanning", "Processing results", "Failed")
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

			var mu sync.Mutex
			for _, c := range targets {
				c := c // per-iteration copy; go directive is below 1.22
				prefix := ""
				if len(targets) > 1 {
					prefix = c.UUID().String() + ": "
				}
				err := c.Subscribe(func(value []byte) {
					mu.Lock()
					defer mu.Unlock()
					writeValue(out, prefix, value, subscribeHex)
					if !subscribeHex && prefix == "" {
						fmt.Fprintln(out)
					}
				})
				if err != nil {
					return struct{}{}, fmt.Errorf("characteristic %s does not support notifications: %w", c.UUID(), err)
				}
				defer func() {
					if dev.IsConnected() {
						_ = c.Unsubscribe()
					}
				}()
			}
			s.logger.WithField("characteristics", len(targets)).Info("Subscribed")

			return struct{}{}, waitWhileConnected(ctx, dev, subscribeDuration)
		})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// waitWhileConnected blocks until ctx is done, d elapses (0 never does) or
// dev disconnects, the last being ErrConnectionLost.
func waitWhileConnected(ctx context.Context, dev *device.Device, d time.Duration) error {
	var expired <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		expired = timer.C
	}
	for {
		changed := dev.Changed()
		if !dev.IsConnected() {
			return ErrConnectionLost
		}
		select {
		case <-ctx.Done():
			return nil
		case <-expired:
			return nil
		case <-changed:
		}
	}
}

package inspector

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bgatt/adapter"
	"github.com/srg/bgatt/internal/device"
)

// ProgressCallback is called when the inspection phase changes
type ProgressCallback func(phase string)

// InspectOptions defines options for inspecting a device profile
type InspectOptions struct {
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	// Custom services to bind before connecting, keyed by the 16-bit id in
	// bytes 12-13 of their 128-bit UUID.
	CustomServices map[uint16]device.CustomService
}

// InspectCallback processes a connected device and produces output of type R
type InspectCallback[R any] func(*device.Device) (R, error)

// InspectDevice finds addr (scanning if it has not been seen yet), connects,
// runs callback with the connected device and disconnects again.
func InspectDevice[R any](ctx context.Context, a *adapter.Adapter, addr device.Address, opts *InspectOptions, logger *logrus.Logger, progressCallback ProgressCallback, callback InspectCallback[R]) (R, error) {
	var zero R
	if opts == nil {
		opts = &InspectOptions{ConnectTimeout: 30 * time.Second}
	}
	if opts.DisconnectTimeout <= 0 {
		opts.DisconnectTimeout = 5 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}

	progressCallback("Scanning")
	dev, err := a.WaitForDevice(ctx, addr)
	if err != nil {
		progressCallback("Failed")
		return zero, err
	}
	for id, def := range opts.CustomServices {
		dev.RegisterCustomService(id, def)
	}

	progressCallback("Connecting")
	if err := dev.Connect(ctx, opts.ConnectTimeout); err != nil {
		progressCallback("Failed")
		return zero, err
	}
	progressCallback("Connected")

	defer func() {
		// disconnect even when ctx was cancelled mid-callback
		dctx := context.WithoutCancel(ctx)
		if err := dev.Disconnect(dctx, opts.DisconnectTimeout); err != nil {
			logger.WithError(err).Error("failed to disconnect device")
		}
	}()

	progressCallback("Processing results")
	return callback(dev)
}

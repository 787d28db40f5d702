// Package bridge exposes a device's serial-style characteristic pair as a
// local pseudo-terminal: notifications from TX appear on the terminal, and
// bytes typed into it are written to RX in attribute-sized chunks.
package bridge

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bgatt/adapter"
	"github.com/srg/bgatt/inspector"
	"github.com/srg/bgatt/internal/device"
	"github.com/srg/bgatt/internal/ptyio"
)

const (
	DefaultPtyBufferSize = 1000

	// DefaultChunkSize is the largest attribute write a default-MTU link takes.
	DefaultChunkSize = 20
)

// Nordic UART service and characteristics, used when none are configured.
var (
	NordicUARTService = device.MustParseUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e")
	NordicUARTRX      = device.MustParseUUID("6e400002-b5a3-f393-e0a9-e50e24dcca9e")
	NordicUARTTX      = device.MustParseUUID("6e400003-b5a3-f393-e0a9-e50e24dcca9e")
)

// Bridge is a running device-to-terminal bridge.
type Bridge interface {
	TTYName() string
	TTYSymlink() string // empty if none was requested
	PTY() ptyio.PTY
	Device() *device.Device
}

// Options configures RunDeviceBridge.
type Options struct {
	Address           device.Address
	Service, RX, TX   device.UUID // Nordic UART when nil
	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	ChunkSize         int // 0 = DefaultChunkSize
	PtyBufferSize     int // 0 = DefaultPtyBufferSize
	TTYSymlinkPath    string
	Logger            *logrus.Logger
}

// ProgressCallback is called when the bridge phase changes.
type ProgressCallback func(phase string)

// BridgeCallback runs while the bridge is up; the bridge is torn down when it
// returns.
type BridgeCallback[R any] func(Bridge) (R, error)

type bridgeImpl struct {
	dev     *device.Device
	pty     ptyio.PTY
	symlink string
}

func (b *bridgeImpl) TTYName() string        { return b.pty.TTYName() }
func (b *bridgeImpl) TTYSymlink() string     { return b.symlink }
func (b *bridgeImpl) PTY() ptyio.PTY         { return b.pty }
func (b *bridgeImpl) Device() *device.Device { return b.dev }

// RunDeviceBridge connects to opts.Address through a, bridges it to a new PTY
// and runs callback. Everything is undone when callback returns.
func RunDeviceBridge[R any](ctx context.Context, a *adapter.Adapter, opts *Options, progressCallback ProgressCallback, callback BridgeCallback[R]) (R, error) {
	var zero R
	if opts == nil {
		return zero, fmt.Errorf("failed to execute bridge: options are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = logrus.New()
	}
	if progressCallback == nil {
		progressCallback = func(string) {}
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = 30 * time.Second
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.PtyBufferSize <= 0 {
		opts.PtyBufferSize = DefaultPtyBufferSize
	}
	if opts.Service == nil {
		opts.Service, opts.RX, opts.TX = NordicUARTService, NordicUARTRX, NordicUARTTX
	}

	inspectOpts := &inspector.InspectOptions{
		ConnectTimeout:    opts.ConnectTimeout,
		DisconnectTimeout: opts.DisconnectTimeout,
	}
	return inspector.InspectDevice(ctx, a, opts.Address, inspectOpts, logger, inspector.ProgressCallback(progressCallback),
		func(dev *device.Device) (R, error) {
			return run(dev, opts, logger, progressCallback, callback)
		})
}

func run[R any](dev *device.Device, opts *Options, logger *logrus.Logger, progress ProgressCallback, callback BridgeCallback[R]) (R, error) {
	var zero R

	rx, err := dev.FindCharacteristic(opts.Service, opts.RX)
	if err != nil {
		return zero, fmt.Errorf("bridge RX: %w", err)
	}
	tx, err := dev.FindCharacteristic(opts.Service, opts.TX)
	if err != nil {
		return zero, fmt.Errorf("bridge TX: %w", err)
	}

	progress("Setting up PTY")
	p, err := ptyio.NewPtyWithOptions(ptyio.Options{
		ReadCap:  opts.PtyBufferSize,
		WriteCap: opts.PtyBufferSize,
		Logger:   logger,
		OnError: func(err error) {
			logger.WithError(err).Error("PTY failed")
		},
	})
	if err != nil {
		return zero, err
	}
	defer func() { _ = p.Close() }()
	logger.WithField("tty", p.TTYName()).Info("Created PTY device")

	b := &bridgeImpl{dev: dev, pty: p}
	if opts.TTYSymlinkPath != "" {
		if err := os.Symlink(p.TTYName(), opts.TTYSymlinkPath); err != nil {
			return zero, fmt.Errorf("failed to create tty symlink %s -> %s: %w", opts.TTYSymlinkPath, p.TTYName(), err)
		}
		b.symlink = opts.TTYSymlinkPath
		defer func() {
			if err := os.Remove(b.symlink); err != nil {
				logger.WithError(err).WithField("ttySymlink", b.symlink).Warn("Failed to remove tty symlink")
			}
		}()
	}

	if err := tx.Subscribe(func(value []byte) {
		if _, err := p.Write(value); err != nil {
			logger.WithError(err).Debug("Dropping notification for closed PTY")
		}
	}); err != nil {
		return zero, fmt.Errorf("bridge TX subscribe: %w", err)
	}
	defer func() {
		if dev.IsConnected() {
			if err := tx.Unsubscribe(); err != nil {
				logger.WithError(err).Debug("Failed to unsubscribe bridge TX")
			}
		}
	}()

	p.SetReadCallback(func(data []byte) {
		for _, chunk := range Chunk(data, opts.ChunkSize) {
			if err := rx.Write(chunk); err != nil {
				logger.WithError(err).Warn("Failed to forward PTY input")
				return
			}
		}
	})
	defer p.SetReadCallback(nil)

	progress("Running")
	return callback(b)
}

// Chunk splits data into pieces of at most size bytes. The pieces are
// copies.
func Chunk(data []byte, size int) [][]byte {
	var out [][]byte
	for len(data) > 0 {
		n := min(size, len(data))
		out = append(out, append([]byte(nil), data[:n]...))
		data = data[n:]
	}
	return out
}

// Package adapter ties the command channel, the event router and the device
// registry together over one controller gateway.
package adapter

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bgatt/internal/bgapi"
	"github.com/srg/bgatt/internal/cmdq"
	"github.com/srg/bgatt/internal/device"
	"github.com/srg/bgatt/internal/groutine"
	"github.com/srg/bgatt/internal/ringchan"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// DefaultDiscoveryBuffer is the capacity of the Discoveries stream.
const DefaultDiscoveryBuffer = 100

// Config tunes an Adapter. Zero values select the defaults.
type Config struct {
	CommandTimeout  time.Duration
	Device          device.Options
	DiscoveryBuffer int
}

// DiscoveryType tells whether a scan result introduced a device.
type DiscoveryType int

const (
	DiscoveryNew DiscoveryType = iota
	DiscoveryUpdated
)

func (t DiscoveryType) String() string {
	if t == DiscoveryNew {
		return "new"
	}
	return "updated"
}

// Discovery is published for every scan result.
type Discovery struct {
	Type   DiscoveryType
	Device *device.Device
	RSSI   int8
}

// Adapter is the client side of one radio controller.
type Adapter struct {
	gw     bgapi.Gateway
	ch     *cmdq.Channel
	cfg    Config
	logger *logrus.Logger
	router *router

	mu         sync.RWMutex
	devices    *orderedmap.OrderedMap[device.Address, *device.Device]
	registered chan struct{}

	discoveries *ringchan.RingChannel[Discovery]
	scanning    atomic.Bool

	cancel context.CancelFunc
	done   <-chan struct{}
	runErr error
}

// Open starts the worker goroutine that services gw. The adapter stops when
// ctx is cancelled, Close is called or the gateway's message stream ends.
func Open(ctx context.Context, gw bgapi.Gateway, cfg Config, logger *logrus.Logger) *Adapter {
	if logger == nil {
		logger = logrus.New()
	}
	if cfg.DiscoveryBuffer <= 0 {
		cfg.DiscoveryBuffer = DefaultDiscoveryBuffer
	}

	a := &Adapter{
		gw:          gw,
		ch:          cmdq.New(gw, cfg.CommandTimeout, logger),
		cfg:         cfg,
		logger:      logger,
		devices:     orderedmap.New[device.Address, *device.Device](),
		registered:  make(chan struct{}),
		discoveries: ringchan.New[Discovery](cfg.DiscoveryBuffer),
	}
	a.router = newRouter(a, logger)

	runCtx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.done = groutine.Go(runCtx, "bgapi-worker", func(ctx context.Context) {
		err := a.ch.Run(ctx, a.router.dispatch)
		a.mu.Lock()
		a.runErr = err
		a.mu.Unlock()
		a.discoveries.Close()

		if err != nil && !errors.Is(err, context.Canceled) {
			logger.WithError(err).Warn("Adapter worker stopped")
		} else {
			logger.Debug("Adapter worker stopped")
		}
	})
	return a
}

// Close stops the worker and closes the gateway.
func (a *Adapter) Close() error {
	a.cancel()
	<-a.done
	return a.gw.Close()
}

// Done is closed once the worker has stopped.
func (a *Adapter) Done() <-chan struct{} {
	return a.done
}

// Err returns why the worker stopped, or nil while it is running.
func (a *Adapter) Err() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.runErr
}

// Commands exposes the command channel shared by every device.
func (a *Adapter) Commands() *cmdq.Channel {
	return a.ch
}

// Discoveries streams scan results. When the consumer falls behind the
// oldest entries are dropped. The channel is closed when the worker stops.
func (a *Adapter) Discoveries() <-chan Discovery {
	return a.discoveries.C()
}

func (a *Adapter) Scanning() bool {
	return a.scanning.Load()
}

// StartScan puts the controller into general discovery. Calling it while a
// scan is running is a no-op.
func (a *Adapter) StartScan(ctx context.Context) error {
	if a.scanning.Load() {
		return nil
	}
	if _, err := a.ch.Enqueue(bgapi.GapDiscover{Mode: bgapi.DiscoverGeneric}).Wait(ctx); err != nil {
		return fmt.Errorf("start scan: %w", err)
	}
	a.scanning.Store(true)
	a.logger.Info("Scan started")
	return nil
}

// StopScan ends the running discovery procedure.
func (a *Adapter) StopScan(ctx context.Context) error {
	a.scanning.Store(false)
	if _, err := a.ch.Enqueue(bgapi.GapEndProcedure{}).Wait(ctx); err != nil {
		return fmt.Errorf("stop scan: %w", err)
	}
	a.logger.WithField("devices", a.deviceCount()).Info("Scan stopped")
	return nil
}

// ScanFor scans for d, or until ctx is done, then stops the scan.
func (a *Adapter) ScanFor(ctx context.Context, d time.Duration) error {
	if err := a.StartScan(ctx); err != nil {
		return err
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	var waitErr error
	select {
	case <-timer.C:
	case <-ctx.Done():
		waitErr = ctx.Err()
	}

	// the stop must still reach the controller when ctx was cancelled
	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second+a.commandTimeout())
	defer cancel()
	if err := a.StopScan(stopCtx); err != nil {
		return err
	}
	return waitErr
}

// WaitForDevice returns the device with addr, scanning until it shows up
// when it is not known yet.
func (a *Adapter) WaitForDevice(ctx context.Context, addr device.Address) (*device.Device, error) {
	if dev, ok := a.FindDevice(addr); ok {
		return dev, nil
	}

	startedScan := !a.Scanning()
	if err := a.StartScan(ctx); err != nil {
		return nil, err
	}
	if startedScan {
		defer func() {
			stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second+a.commandTimeout())
			defer cancel()
			if err := a.StopScan(stopCtx); err != nil {
				a.logger.WithError(err).Warn("Failed to stop scan")
			}
		}()
	}

	for {
		a.mu.RLock()
		dev, ok := a.devices.Get(addr)
		registered := a.registered
		a.mu.RUnlock()
		if ok {
			return dev, nil
		}

		select {
		case <-registered:
		case <-a.done:
			return nil, fmt.Errorf("wait for %s: %w", addr, cmdq.ErrClosed)
		case <-ctx.Done():
			return nil, fmt.Errorf("wait for %s: %w", addr, ctx.Err())
		}
	}
}

// Reset brings the controller to a known state: connection 0 is closed and
// any running GAP procedure ended. Controller result codes are ignored since
// both commands fail harmlessly when there is nothing to undo.
func (a *Adapter) Reset(ctx context.Context) error {
	disconnect := a.ch.Enqueue(bgapi.ConnectionDisconnect{Connection: 0})
	end := a.ch.Enqueue(bgapi.GapEndProcedure{})
	a.scanning.Store(false)

	for _, req := range []*cmdq.Request{disconnect, end} {
		_, err := req.Wait(ctx)
		var rerr *bgapi.ResultError
		switch {
		case err == nil:
		case errors.As(err, &rerr):
			a.logger.WithFields(logrus.Fields{
				"command": rerr.Command,
				"result":  fmt.Sprintf("0x%04x", rerr.Code),
			}).Debug("Reset command rejected")
		default:
			return fmt.Errorf("reset: %w", err)
		}
	}
	a.logger.Info("Controller reset")
	return nil
}

// FindDevice looks a device up by address.
func (a *Adapter) FindDevice(addr device.Address) (*device.Device, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.devices.Get(addr)
}

// Devices returns every known device in discovery order.
func (a *Adapter) Devices() []*device.Device {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*device.Device, 0, a.devices.Len())
	for p := a.devices.Oldest(); p != nil; p = p.Next() {
		out = append(out, p.Value)
	}
	return out
}

func (a *Adapter) deviceCount() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.devices.Len()
}

func (a *Adapter) commandTimeout() time.Duration {
	if a.cfg.CommandTimeout > 0 {
		return a.cfg.CommandTimeout
	}
	return cmdq.DefaultResponseTimeout
}

// onScanResult creates the device on first sight and refreshes its
// advertisement otherwise.
func (a *Adapter) onScanResult(m bgapi.ScanResponse) {
	addr := device.Address(m.Sender)
	ad := device.ParseAdvertisingData(m.Data)

	a.mu.Lock()
	dev, known := a.devices.Get(addr)
	if !known {
		dev = device.New(addr, m.AddressType, a.ch, a.cfg.Device, a.logger)
		a.devices.Set(addr, dev)
		close(a.registered)
		a.registered = make(chan struct{})
	}
	a.mu.Unlock()

	dev.ObserveScan(m.RSSI, ad)

	ev := Discovery{Type: DiscoveryUpdated, Device: dev, RSSI: m.RSSI}
	if !known {
		ev.Type = DiscoveryNew
		a.logger.WithFields(logrus.Fields{
			"address": addr.String(),
			"name":    dev.Name(),
			"rssi":    m.RSSI,
		}).Info("Discovered new device")
	}
	if a.discoveries.ForceSend(ev) {
		a.logger.Debug("Discovery stream full, oldest entry dropped")
	}
}

package device

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bgatt/internal/bgapi"
	"github.com/srg/bgatt/internal/cmdq"
)

// NotifyHandler receives pushed values. It runs on the worker goroutine and
// must not block.
type NotifyHandler func(value []byte)

// Characteristic is one attribute handle inside a Service. Every attribute
// reported by find-information becomes a Characteristic, declarations and
// descriptors included.
type Characteristic struct {
	svc    *Service
	uuid   UUID
	handle uint16

	mu       sync.Mutex
	waiting  bool
	pending  *cmdq.Request
	inbox    chan []byte
	abortCh  chan struct{}
	abortErr error
	onNotify NotifyHandler
}

func newCharacteristic(svc *Service, uuid UUID, handle uint16) *Characteristic {
	return &Characteristic{
		svc:    svc,
		uuid:   uuid,
		handle: handle,
		inbox:  make(chan []byte, 1),
	}
}

func (c *Characteristic) UUID() UUID        { return c.uuid }
func (c *Characteristic) Handle() uint16    { return c.handle }
func (c *Characteristic) Service() *Service { return c.svc }

// IsDeclaration reports whether the attribute is a service, include or
// characteristic declaration (0x2800-0x2803).
func (c *Characteristic) IsDeclaration() bool {
	v, ok := c.uuid.Short()
	return ok && c.uuid.IsShort() && v >= 0x2800 && v <= 0x2803
}

// IsDescriptor reports whether the attribute is a GATT descriptor (0x29xx).
func (c *Characteristic) IsDescriptor() bool {
	v, ok := c.uuid.Short()
	return ok && c.uuid.IsShort() && v&0xFF00 == 0x2900
}

func (c *Characteristic) log() *logrus.Entry {
	return c.svc.dev.log().WithFields(logrus.Fields{
		"handle": c.handle,
		"uuid":   c.uuid.String(),
	})
}

// Read fetches the attribute value. It waits for the read response routed to
// this characteristic; a notification does not satisfy it. Exceeding timeout
// yields ErrReadTimeout. A read the peer rejects fails with a wrapped
// *bgapi.ResultError.
//
// Only one Read per characteristic may be outstanding at a time.
func (c *Characteristic) Read(ctx context.Context, timeout time.Duration) ([]byte, error) {
	conn, ok := c.svc.dev.ConnectionHandle()
	if !ok {
		return nil, ErrNotConnected
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	abort := make(chan struct{})

	// The value may be routed before Enqueue returns, so the request is
	// recorded under the same lock onAttributeValue takes.
	c.mu.Lock()
	select {
	case <-c.inbox:
	default:
	}
	c.waiting = true
	c.abortCh = abort
	c.abortErr = nil
	req := c.svc.dev.cmd.Enqueue(bgapi.AttClientReadByHandle{Connection: conn, Handle: c.handle})
	c.pending = req
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.waiting = false
		c.pending = nil
		if c.abortCh == abort {
			c.abortCh = nil
		}
		c.mu.Unlock()
	}()

	reqDone := req.Done()
	for {
		select {
		case v := <-c.inbox:
			return v, nil
		case <-reqDone:
			if err := req.Err(); err != nil {
				return nil, fmt.Errorf("read handle %d: %w", c.handle, err)
			}
			reqDone = nil
		case <-abort:
			c.mu.Lock()
			err := c.abortErr
			c.mu.Unlock()
			return nil, err
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				c.log().Warn("Read timed out")
				return nil, fmt.Errorf("%w: handle %d", ErrReadTimeout, c.handle)
			}
			return nil, ctx.Err()
		}
	}
}

// Write sends value without waiting for any acknowledgement.
func (c *Characteristic) Write(value []byte) error {
	conn, ok := c.svc.dev.ConnectionHandle()
	if !ok {
		return ErrNotConnected
	}
	c.svc.dev.cmd.Enqueue(bgapi.AttClientAttributeWrite{
		Connection: conn,
		Handle:     c.handle,
		Data:       append([]byte(nil), value...),
	})
	return nil
}

// SetNotifyHandler installs (or, with nil, removes) the callback for pushed
// values without touching the peer's client configuration.
func (c *Characteristic) SetNotifyHandler(h NotifyHandler) {
	c.mu.Lock()
	c.onNotify = h
	c.mu.Unlock()
}

// ClientConfig returns the Client Characteristic Configuration descriptor
// that belongs to this characteristic: the first 0x2902 attribute after it
// and before the next characteristic declaration.
func (c *Characteristic) ClientConfig() (*Characteristic, error) {
	for _, a := range c.svc.Characteristics() {
		if a.handle <= c.handle {
			continue
		}
		if a.uuid.Equal(UUIDCharacteristicDecl) {
			break
		}
		if a.uuid.Equal(UUIDClientConfig) {
			return a, nil
		}
	}
	return nil, &NotFoundError{Resource: "descriptor", UUIDs: []string{c.uuid.String(), UUIDClientConfig.String()}}
}

// Subscribe installs h and enables notifications on the peer.
func (c *Characteristic) Subscribe(h NotifyHandler) error {
	cccd, err := c.ClientConfig()
	if err != nil {
		return err
	}
	c.SetNotifyHandler(h)
	if err := cccd.Write(ClientConfig{Notifications: true}.Bytes()); err != nil {
		c.SetNotifyHandler(nil)
		return err
	}
	c.log().Debug("Subscribed")
	return nil
}

// Unsubscribe disables notifications on the peer and removes the handler.
func (c *Characteristic) Unsubscribe() error {
	c.SetNotifyHandler(nil)
	cccd, err := c.ClientConfig()
	if err != nil {
		return err
	}
	return cccd.Write(ClientConfig{}.Bytes())
}

func (c *Characteristic) onAttributeValue(e bgapi.AttributeValue) {
	value := append([]byte(nil), e.Value...)

	if e.Type.IsPush() {
		c.mu.Lock()
		h := c.onNotify
		c.mu.Unlock()
		if h == nil {
			c.log().WithField("type", e.Type).Warn("Notification without handler dropped")
			return
		}
		h(value)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.waiting || c.pending == nil {
		c.log().Debug("Read response without waiting reader discarded")
		return
	}
	// A value routed before this read's command was acknowledged answers an
	// earlier, abandoned read.
	select {
	case <-c.pending.Done():
	default:
		c.log().Debug("Stale read response discarded")
		return
	}
	select {
	case c.inbox <- value:
	default:
	}
}

// onReadFailed fails the pending Read with the controller's result code.
func (c *Characteristic) onReadFailed(result uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.waiting || c.pending == nil {
		c.log().WithField("result", fmt.Sprintf("0x%04x", result)).Debug("Read failure without waiting reader discarded")
		return
	}
	select {
	case <-c.pending.Done():
	default:
		c.log().Debug("Stale read failure discarded")
		return
	}
	c.failLocked(fmt.Errorf("read handle %d: %w", c.handle,
		&bgapi.ResultError{Command: bgapi.CmdAttClientReadByHandle, Code: result}))
}

// abort fails a pending Read with err.
func (c *Characteristic) abort(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.failLocked(err)
}

func (c *Characteristic) failLocked(err error) {
	if c.abortCh != nil {
		c.abortErr = err
		close(c.abortCh)
		c.abortCh = nil
	}
}

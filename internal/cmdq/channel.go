// Package cmdq implements the command channel: an unbounded FIFO of commands
// drained by a single worker that keeps at most one command outstanding on the
// gateway and correlates each response back to its request.
package cmdq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bgatt/internal/bgapi"
)

// DefaultResponseTimeout bounds the wait for a command's response.
const DefaultResponseTimeout = 5 * time.Second

var (
	ErrCommandTimeout = errors.New("command response timeout")
	ErrClosed         = errors.New("command channel closed")
)

// MessageHandler receives every inbound message on the worker goroutine.
// Responses must be handed back through Channel.Deliver.
type MessageHandler func(msg bgapi.Message)

// Channel serializes commands onto a gateway.
type Channel struct {
	gw      bgapi.Gateway
	logger  *logrus.Logger
	timeout time.Duration

	mu       sync.Mutex
	queue    []*Request
	inflight *Request
	closed   bool
	wake     chan struct{}
}

// New creates a channel over gw. A non-positive timeout selects
// DefaultResponseTimeout.
func New(gw bgapi.Gateway, timeout time.Duration, logger *logrus.Logger) *Channel {
	if timeout <= 0 {
		timeout = DefaultResponseTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Channel{
		gw:      gw,
		logger:  logger,
		timeout: timeout,
		wake:    make(chan struct{}, 1),
	}
}

// Enqueue appends cmd to the queue and returns its request. It never blocks.
// After the channel has stopped, the returned request is already failed with
// ErrClosed.
func (c *Channel) Enqueue(cmd bgapi.Command) *Request {
	req := newRequest(cmd)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		req.finish(bgapi.Response{}, ErrClosed)
		return req
	}
	c.queue = append(c.queue, req)
	pending := len(c.queue)
	c.mu.Unlock()

	select {
	case c.wake <- struct{}{}:
	default:
	}

	c.logger.WithFields(logrus.Fields{
		"command": cmd.ID(),
		"pending": pending,
	}).Debug("Command enqueued")

	return req
}

// Pending returns the number of queued commands, including the in-flight one.
func (c *Channel) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.queue)
	if c.inflight != nil {
		n++
	}
	return n
}

// Deliver completes the in-flight request if resp answers it. Responses that
// match nothing (late answers to timed-out commands) are dropped and false is
// returned.
func (c *Channel) Deliver(resp bgapi.Response) bool {
	c.mu.Lock()
	req := c.inflight
	if req == nil || req.cmd.ID() != resp.Command {
		c.mu.Unlock()
		c.logger.WithField("command", resp.Command).Warn("Dropping uncorrelated command response")
		return false
	}
	c.inflight = nil
	c.mu.Unlock()

	c.logger.WithFields(logrus.Fields{
		"command": resp.Command,
		"result":  resp.Result,
		"elapsed": time.Since(req.enqueuedAt),
	}).Debug("Command response received")

	req.finish(resp, nil)
	return true
}

// Run services the gateway until ctx is done or the gateway closes its
// message stream. Every inbound message is passed to handle; queued commands
// are sent one at a time between messages.
func (c *Channel) Run(ctx context.Context, handle MessageHandler) error {
	msgs := c.gw.Messages()

	var timer *time.Timer
	var timeoutC <-chan time.Time
	stopTimer := func() {
		if timer != nil {
			timer.Stop()
			timer = nil
			timeoutC = nil
		}
	}
	defer stopTimer()

	for {
		if c.dispatchNext() {
			stopTimer()
			timer = time.NewTimer(c.timeout)
			timeoutC = timer.C
		}

		select {
		case <-ctx.Done():
			c.shutdown(ErrClosed)
			return ctx.Err()

		case <-c.wake:

		case msg, ok := <-msgs:
			if !ok {
				c.shutdown(bgapi.ErrGatewayClosed)
				return bgapi.ErrGatewayClosed
			}
			handle(msg)

		case <-timeoutC:
			timer = nil
			timeoutC = nil
			c.expireInflight()
		}

		if !c.hasInflight() {
			stopTimer()
		}
	}
}

// dispatchNext sends queued commands until one is accepted by the gateway.
// It returns true when a new command became in-flight.
func (c *Channel) dispatchNext() bool {
	for {
		c.mu.Lock()
		if c.inflight != nil || len(c.queue) == 0 {
			c.mu.Unlock()
			return false
		}
		req := c.queue[0]
		c.queue[0] = nil
		c.queue = c.queue[1:]
		c.inflight = req
		c.mu.Unlock()

		c.logger.WithField("command", req.cmd.ID()).Debug("Sending command")

		if err := c.gw.Send(req.cmd); err != nil {
			c.mu.Lock()
			c.inflight = nil
			c.mu.Unlock()

			c.logger.WithFields(logrus.Fields{
				"command": req.cmd.ID(),
				"error":   err,
			}).Error("Failed to send command")
			req.finish(bgapi.Response{}, fmt.Errorf("send %s: %w", req.cmd.ID(), err))
			continue
		}
		return true
	}
}

func (c *Channel) hasInflight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight != nil
}

func (c *Channel) expireInflight() {
	c.mu.Lock()
	req := c.inflight
	c.inflight = nil
	c.mu.Unlock()

	if req == nil {
		return
	}

	c.logger.WithFields(logrus.Fields{
		"command": req.cmd.ID(),
		"timeout": c.timeout,
	}).Warn("Command response timed out")
	req.finish(bgapi.Response{}, fmt.Errorf("%s: %w", req.cmd.ID(), ErrCommandTimeout))
}

// shutdown fails every outstanding request and rejects further enqueues.
func (c *Channel) shutdown(err error) {
	c.mu.Lock()
	c.closed = true
	pending := c.queue
	c.queue = nil
	if c.inflight != nil {
		pending = append([]*Request{c.inflight}, pending...)
		c.inflight = nil
	}
	c.mu.Unlock()

	for _, req := range pending {
		req.finish(bgapi.Response{}, err)
	}
}

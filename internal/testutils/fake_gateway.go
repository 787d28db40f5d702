package testutils

import (
	"sync"
	"testing"
	"time"

	"github.com/srg/bgatt/internal/bgapi"
)

// FakeGateway is a scripted bgapi.Gateway for tests.
//
// Every sent command is recorded. By default each command is answered with a
// successful Response; set Responder to script replies (return nil to leave
// the command unanswered) and use Emit to inject events.
type FakeGateway struct {
	// Responder builds the messages the controller sends back for cmd.
	// When nil, every command gets a zero-result Response.
	Responder func(cmd bgapi.Command) []bgapi.Message

	mu      sync.Mutex
	sent    []bgapi.Command
	sendErr error
	closed  bool
	sentSig chan struct{}

	msgs chan bgapi.Message
}

// NewFakeGateway returns a gateway that acknowledges every command.
func NewFakeGateway() *FakeGateway {
	return &FakeGateway{
		sentSig: make(chan struct{}, 1),
		msgs:    make(chan bgapi.Message, 1024),
	}
}

// Silent returns a gateway that never answers commands on its own.
func Silent() *FakeGateway {
	g := NewFakeGateway()
	g.Responder = func(bgapi.Command) []bgapi.Message { return nil }
	return g
}

// Send enqueues the scripted reply and records cmd. Replies are queued before
// the command becomes visible through Sent, so a test that waits for a command
// and then emits an event observes the reply first.
func (g *FakeGateway) Send(cmd bgapi.Command) error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return bgapi.ErrGatewayClosed
	}
	if g.sendErr != nil {
		err := g.sendErr
		g.mu.Unlock()
		return err
	}
	responder := g.Responder
	g.mu.Unlock()

	var replies []bgapi.Message
	if responder != nil {
		replies = responder(cmd)
	} else {
		replies = []bgapi.Message{bgapi.Response{Command: cmd.ID()}}
	}
	for _, m := range replies {
		g.msgs <- m
	}

	g.mu.Lock()
	g.sent = append(g.sent, cmd)
	g.mu.Unlock()

	select {
	case g.sentSig <- struct{}{}:
	default:
	}
	return nil
}

func (g *FakeGateway) Messages() <-chan bgapi.Message {
	return g.msgs
}

// Close closes the message stream. It is safe to call more than once.
func (g *FakeGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.closed {
		g.closed = true
		close(g.msgs)
	}
	return nil
}

// FailSends makes every following Send return err (nil restores).
func (g *FakeGateway) FailSends(err error) {
	g.mu.Lock()
	g.sendErr = err
	g.mu.Unlock()
}

// Emit injects an inbound message as if the controller had produced it.
func (g *FakeGateway) Emit(msgs ...bgapi.Message) {
	for _, m := range msgs {
		g.msgs <- m
	}
}

// Sent returns a copy of every command sent so far.
func (g *FakeGateway) Sent() []bgapi.Command {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]bgapi.Command, len(g.sent))
	copy(out, g.sent)
	return out
}

// SentIDs returns the IDs of every command sent so far.
func (g *FakeGateway) SentIDs() []bgapi.CommandID {
	cmds := g.Sent()
	ids := make([]bgapi.CommandID, len(cmds))
	for i, c := range cmds {
		ids[i] = c.ID()
	}
	return ids
}

// WaitSent blocks until at least n commands have been sent and returns them.
// The test fails if that does not happen within timeout.
func (g *FakeGateway) WaitSent(t testing.TB, n int, timeout time.Duration) []bgapi.Command {
	t.Helper()
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if cmds := g.Sent(); len(cmds) >= n {
			return cmds
		}
		select {
		case <-g.sentSig:
		case <-time.After(5 * time.Millisecond):
		case <-deadline.C:
			t.Fatalf("timed out waiting for %d sent commands, got %d: %v", n, len(g.Sent()), g.SentIDs())
			return nil
		}
	}
}

package bgapi

import "errors"

// ErrGatewayClosed is returned by Send after the gateway has been closed.
var ErrGatewayClosed = errors.New("gateway closed")

// Gateway is the transport codec seen from the client: it accepts typed
// commands and produces typed messages.
//
// Send must not block on inbound traffic; the command channel's worker both
// sends and drains Messages from the same goroutine. Messages is closed when
// the gateway shuts down.
type Gateway interface {
	Send(cmd Command) error
	Messages() <-chan Message
	Close() error
}

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/srg/bgatt/internal/cmdq"
	"github.com/srg/bgatt/internal/device"
	"github.com/srg/bgatt/internal/ptyio"
)

// ErrConnectionLost means the link dropped while a command was using it.
// device.ErrNotConnected is returned when it was never up.
var ErrConnectionLost = errors.New("connection lost")

// FormatUserError turns library errors into one-line messages for the
// terminal. Unrecognised errors are printed as they are.
func FormatUserError(err error) string {
	var nf *device.NotFoundError
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrConnectionLost):
		return "connection to the device was lost"
	case errors.Is(err, device.ErrConnectTimeout):
		return "device did not connect in time; is it advertising and in range?"
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Sprintf("timed out: %v", err)
	case errors.Is(err, device.ErrReadTimeout):
		return "device did not answer the read in time"
	case errors.Is(err, cmdq.ErrCommandTimeout):
		return "radio controller did not respond; check the transport"
	case errors.Is(err, cmdq.ErrClosed):
		return "radio controller connection is closed"
	case errors.Is(err, device.ErrNotConnected):
		return "device is not connected"
	case errors.Is(err, ptyio.ErrUnavailable):
		return "no pseudo-terminal available on this system"
	case errors.As(err, &nf):
		return nf.Error()
	default:
		return err.Error()
	}
}

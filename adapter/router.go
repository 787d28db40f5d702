package adapter

import (
	"fmt"

	"github.com/cornelk/hashmap"
	"github.com/sirupsen/logrus"
	"github.com/srg/bgatt/internal/bgapi"
	"github.com/srg/bgatt/internal/device"
)

// router classifies inbound controller traffic. It runs on the worker
// goroutine only.
type router struct {
	a        *Adapter
	logger   *logrus.Logger
	byHandle *hashmap.Map[uint8, *device.Device]
}

func newRouter(a *Adapter, logger *logrus.Logger) *router {
	return &router{
		a:        a,
		logger:   logger,
		byHandle: hashmap.New[uint8, *device.Device](),
	}
}

func (r *router) dispatch(msg bgapi.Message) {
	switch m := msg.(type) {
	case bgapi.Response:
		r.a.ch.Deliver(m)
	case bgapi.ScanResponse:
		r.a.onScanResult(m)
	case bgapi.ConnectionStatus:
		r.onConnectionStatus(m)
	case bgapi.ConnectionDisconnected:
		if dev := r.owner(m.Connection); dev != nil {
			dev.HandleEvent(m)
			r.byHandle.Del(m.Connection)
		} else {
			r.drop(m, m.Connection)
		}
	case bgapi.ProcedureCompleted:
		r.toOwner(m, m.Connection)
	case bgapi.GroupFound:
		r.toOwner(m, m.Connection)
	case bgapi.FindInformationFound:
		r.toOwner(m, m.Connection)
	case bgapi.AttributeValue:
		r.toOwner(m, m.Connection)
	default:
		r.logger.WithField("message", fmt.Sprintf("%T", msg)).Debug("Unroutable message dropped")
	}
}

func (r *router) onConnectionStatus(m bgapi.ConnectionStatus) {
	addr := device.Address(m.Address)
	dev, ok := r.a.FindDevice(addr)
	if !ok {
		r.logger.WithFields(logrus.Fields{
			"address":    addr.String(),
			"connection": m.Connection,
		}).Debug("Connection status for unknown device dropped")
		return
	}
	dev.HandleEvent(m)
	if h, ok := dev.ConnectionHandle(); ok && h == m.Connection {
		r.byHandle.Set(h, dev)
	}
}

// owner returns the device whose current connection handle is conn. Index
// entries left behind by abandoned connects are pruned here.
func (r *router) owner(conn uint8) *device.Device {
	dev, ok := r.byHandle.Get(conn)
	if !ok {
		return nil
	}
	if h, live := dev.ConnectionHandle(); !live || h != conn {
		r.byHandle.Del(conn)
		return nil
	}
	return dev
}

func (r *router) toOwner(ev bgapi.Event, conn uint8) {
	dev := r.owner(conn)
	if dev == nil {
		r.drop(ev, conn)
		return
	}
	dev.HandleEvent(ev)
}

func (r *router) drop(ev bgapi.Event, conn uint8) {
	r.logger.WithFields(logrus.Fields{
		"event":      fmt.Sprintf("%T", ev),
		"connection": conn,
	}).Debug("Event for unknown connection dropped")
}

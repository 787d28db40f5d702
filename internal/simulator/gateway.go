package simulator

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bgatt/internal/bgapi"
	"github.com/srg/bgatt/internal/device"
	"github.com/srg/bgatt/internal/groutine"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Controller result and disconnect reason codes.
const (
	ResultWrongState       uint16 = 0x0181
	ResultNotConnected     uint16 = 0x0186
	ResultInvalidHandle    uint16 = 0x0401
	ResultAttrNotFound     uint16 = 0x040A
	ReasonLocalTerminated  uint16 = 0x0216
	ReasonSupervisionTimer uint16 = 0x0208
)

// DefaultScanInterval is how often scan responses repeat while scanning.
const DefaultScanInterval = 100 * time.Millisecond

type peripheral struct {
	def      Peripheral
	addr     device.Address
	addrType bgapi.AddressType
	adv      []byte
	db       *attrDB

	conn      uint8
	connected bool
}

// Gateway is a simulated controller. Send never blocks: replies are queued
// and delivered by a pump goroutine.
type Gateway struct {
	logger       *logrus.Logger
	scanInterval time.Duration

	mu          sync.Mutex
	peripherals *orderedmap.OrderedMap[device.Address, *peripheral]
	conns       map[uint8]*peripheral
	nextConn    uint8
	scanning    bool
	connecting  bool
	out         []bgapi.Message
	closed      bool

	outSig   chan struct{}
	msgs     chan bgapi.Message
	done     chan struct{}
	pumpDone <-chan struct{}
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithScanInterval sets how often scan responses repeat while scanning.
func WithScanInterval(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.scanInterval = d
		}
	}
}

// New builds a simulated controller for profile and starts its pump.
func New(profile *Profile, logger *logrus.Logger, opts ...Option) (*Gateway, error) {
	if logger == nil {
		logger = logrus.New()
	}
	g := &Gateway{
		logger:       logger,
		scanInterval: DefaultScanInterval,
		peripherals:  orderedmap.New[device.Address, *peripheral](),
		conns:        make(map[uint8]*peripheral),
		outSig:       make(chan struct{}, 1),
		msgs:         make(chan bgapi.Message, 64),
		done:         make(chan struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}

	for _, def := range profile.Peripherals {
		p, err := newPeripheral(def)
		if err != nil {
			return nil, err
		}
		if _, dup := g.peripherals.Get(p.addr); dup {
			return nil, fmt.Errorf("duplicate simulated peripheral %s", p.addr)
		}
		g.peripherals.Set(p.addr, p)
	}

	g.pumpDone = groutine.Go(context.Background(), "bgapi-simulator", g.pump)
	return g, nil
}

func newPeripheral(def Peripheral) (*peripheral, error) {
	addr, err := device.ParseAddress(def.Address)
	if err != nil {
		return nil, err
	}
	db, err := buildAttrDB(def.Services)
	if err != nil {
		return nil, fmt.Errorf("peripheral %s: %w", def.Address, err)
	}
	adv, err := advertisingData(def)
	if err != nil {
		return nil, fmt.Errorf("peripheral %s: %w", def.Address, err)
	}
	p := &peripheral{def: def, addr: addr, adv: adv, db: db}
	if def.Random {
		p.addrType = bgapi.AddressRandom
	}
	return p, nil
}

// advertisingData encodes flags, 16-bit and 128-bit service lists, the
// complete name and manufacturer data as [len][type][payload] records.
func advertisingData(def Peripheral) ([]byte, error) {
	out := []byte{0x02, 0x01, 0x06}
	record := func(typ byte, payload []byte) {
		out = append(out, byte(len(payload)+1), typ)
		out = append(out, payload...)
	}

	var short, long []byte
	for _, s := range def.AdvServices {
		u, err := device.ParseUUID(s)
		if err != nil {
			return nil, fmt.Errorf("adv_services: %w", err)
		}
		if u.IsShort() {
			short = append(short, u...)
		} else {
			long = append(long, u...)
		}
	}
	if len(short) > 0 {
		record(0x03, short)
	}
	if len(long) > 0 {
		record(0x07, long)
	}
	if def.Name != "" {
		record(0x09, []byte(def.Name))
	}
	if def.ManufacturerData != "" {
		md, err := hex.DecodeString(def.ManufacturerData)
		if err != nil {
			return nil, fmt.Errorf("manufacturer_data: %w", err)
		}
		record(0xFF, md)
	}
	return out, nil
}

// Messages implements bgapi.Gateway. The channel is closed after Close.
func (g *Gateway) Messages() <-chan bgapi.Message {
	return g.msgs
}

// Close stops the pump and closes the message stream.
func (g *Gateway) Close() error {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return nil
	}
	g.closed = true
	close(g.done)
	g.mu.Unlock()

	<-g.pumpDone
	return nil
}

// Send implements bgapi.Gateway.
func (g *Gateway) Send(cmd bgapi.Command) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.closed {
		return bgapi.ErrGatewayClosed
	}

	g.logger.WithField("command", cmd.ID()).Debug("Simulator received command")

	switch c := cmd.(type) {
	case bgapi.GapDiscover:
		if g.connecting {
			g.emitLocked(bgapi.Response{Command: c.ID(), Result: ResultWrongState})
			return nil
		}
		g.scanning = true
		g.emitLocked(bgapi.Response{Command: c.ID()})
		g.emitScanResultsLocked()

	case bgapi.GapEndProcedure:
		g.scanning = false
		g.connecting = false
		g.emitLocked(bgapi.Response{Command: c.ID()})

	case bgapi.GapConnectDirect:
		g.connectLocked(c)

	case bgapi.ConnectionDisconnect:
		p, ok := g.conns[c.Connection]
		if !ok {
			g.emitLocked(bgapi.Response{Command: c.ID(), Connection: c.Connection, Result: ResultNotConnected})
			return nil
		}
		g.emitLocked(bgapi.Response{Command: c.ID(), Connection: c.Connection})
		g.dropLocked(p, ReasonLocalTerminated)

	case bgapi.AttClientReadByGroupType:
		p, ok := g.connectedLocked(c.ID(), c.Connection)
		if !ok {
			return nil
		}
		groups := p.db.groups(c.GroupType, c.Start, c.End)
		for _, a := range groups {
			g.emitLocked(bgapi.GroupFound{Connection: c.Connection, Start: a.handle, End: a.groupEnd, UUID: clone(a.value)})
		}
		result := uint16(0)
		if len(groups) == 0 {
			result = ResultAttrNotFound
		}
		g.emitLocked(bgapi.ProcedureCompleted{Connection: c.Connection, Result: result})

	case bgapi.AttClientFindInformation:
		p, ok := g.connectedLocked(c.ID(), c.Connection)
		if !ok {
			return nil
		}
		for _, a := range p.db.between(c.Start, c.End) {
			g.emitLocked(bgapi.FindInformationFound{Connection: c.Connection, ChrHandle: a.handle, UUID: clone(a.uuid)})
		}
		g.emitLocked(bgapi.ProcedureCompleted{Connection: c.Connection})

	case bgapi.AttClientReadByHandle:
		p, ok := g.connectedLocked(c.ID(), c.Connection)
		if !ok {
			return nil
		}
		a, found := p.db.get(c.Handle)
		switch {
		case !found:
			g.emitLocked(bgapi.ProcedureCompleted{Connection: c.Connection, Result: ResultInvalidHandle, ChrHandle: c.Handle})
		case a.silent:
		default:
			g.emitLocked(bgapi.AttributeValue{Connection: c.Connection, AttHandle: a.handle, Type: bgapi.ValueRead, Value: clone(a.value)})
		}

	case bgapi.AttClientAttributeWrite:
		p, ok := g.connectedLocked(c.ID(), c.Connection)
		if !ok {
			return nil
		}
		a, found := p.db.get(c.Handle)
		if !found {
			g.emitLocked(bgapi.ProcedureCompleted{Connection: c.Connection, Result: ResultInvalidHandle, ChrHandle: c.Handle})
			return nil
		}
		g.writeLocked(p, a, c.Data)
		g.emitLocked(bgapi.ProcedureCompleted{Connection: c.Connection, ChrHandle: c.Handle})

	default:
		return fmt.Errorf("simulator: unsupported command %s", cmd.ID())
	}
	return nil
}

func (g *Gateway) connectLocked(c bgapi.GapConnectDirect) {
	if g.connecting {
		g.emitLocked(bgapi.Response{Command: c.ID(), Result: ResultWrongState})
		return
	}
	conn := g.nextConn
	g.nextConn++
	g.emitLocked(bgapi.Response{Command: c.ID(), Connection: conn})

	p, ok := g.peripherals.Get(device.Address(c.Address))
	if !ok || p.def.Unreachable || p.connected {
		// The controller keeps trying until the procedure is ended.
		g.connecting = true
		return
	}

	p.conn = conn
	p.connected = true
	g.conns[conn] = p
	g.emitLocked(bgapi.ConnectionStatus{
		Connection:  conn,
		Flags:       bgapi.ConnFlagConnected | bgapi.ConnFlagCompleted,
		Address:     c.Address,
		AddressType: p.addrType,
		Interval:    c.IntervalMax,
		Timeout:     c.Timeout,
		Latency:     c.Latency,
		Bonding:     0xFF,
	})
	g.logger.WithFields(logrus.Fields{
		"address":    p.addr.String(),
		"connection": conn,
	}).Debug("Simulated peripheral connected")
}

func (g *Gateway) connectedLocked(id bgapi.CommandID, conn uint8) (*peripheral, bool) {
	p, ok := g.conns[conn]
	if !ok {
		g.emitLocked(bgapi.Response{Command: id, Connection: conn, Result: ResultNotConnected})
		return nil, false
	}
	g.emitLocked(bgapi.Response{Command: id, Connection: conn})
	return p, true
}

func (g *Gateway) writeLocked(p *peripheral, a *attribute, data []byte) {
	a.value = clone(data)

	if a.owner != 0 {
		if target, ok := p.db.get(a.owner); ok {
			target.notify = len(data) > 0 && data[0]&0x03 != 0
		}
		return
	}
	if a.echoTo != nil {
		if target, ok := p.db.valueByUUID(a.echoTo); ok && target.notify {
			target.value = clone(data)
			g.emitLocked(bgapi.AttributeValue{Connection: p.conn, AttHandle: target.handle, Type: bgapi.ValueNotify, Value: clone(data)})
		}
	}
}

func (g *Gateway) dropLocked(p *peripheral, reason uint16) {
	delete(g.conns, p.conn)
	p.connected = false
	p.db.resetNotifications()
	g.emitLocked(bgapi.ConnectionDisconnected{Connection: p.conn, Reason: reason})
}

// Notify pushes value from the characteristic uuid of the peripheral at addr,
// as the peer would when notifications are enabled.
func (g *Gateway) Notify(addr device.Address, uuid device.UUID, value []byte) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.peripherals.Get(addr)
	if !ok || !p.connected {
		return fmt.Errorf("simulated peripheral %s is not connected", addr)
	}
	a, ok := p.db.valueByUUID(uuid)
	if !ok {
		return fmt.Errorf("simulated peripheral %s has no characteristic %s", addr, uuid)
	}
	if !a.notify {
		return fmt.Errorf("notifications not enabled for %s", uuid)
	}
	a.value = clone(value)
	g.emitLocked(bgapi.AttributeValue{Connection: p.conn, AttHandle: a.handle, Type: bgapi.ValueNotify, Value: clone(value)})
	return nil
}

// DropConnection simulates link loss for the peripheral at addr.
func (g *Gateway) DropConnection(addr device.Address) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	p, ok := g.peripherals.Get(addr)
	if !ok || !p.connected {
		return fmt.Errorf("simulated peripheral %s is not connected", addr)
	}
	g.dropLocked(p, ReasonSupervisionTimer)
	return nil
}

func (g *Gateway) emitScanResultsLocked() {
	for pair := g.peripherals.Oldest(); pair != nil; pair = pair.Next() {
		p := pair.Value
		if p.connected {
			continue
		}
		g.emitLocked(bgapi.ScanResponse{
			RSSI:        p.def.RSSI,
			Sender:      p.addr,
			AddressType: p.addrType,
			Bond:        0xFF,
			Data:        clone(p.adv),
		})
	}
}

func (g *Gateway) emitLocked(msg bgapi.Message) {
	g.out = append(g.out, msg)
	select {
	case g.outSig <- struct{}{}:
	default:
	}
}

// pump moves queued replies onto the message channel and repeats scan
// responses while scanning.
func (g *Gateway) pump(ctx context.Context) {
	defer close(g.msgs)

	ticker := time.NewTicker(g.scanInterval)
	defer ticker.Stop()

	for {
		g.mu.Lock()
		var head bgapi.Message
		if len(g.out) > 0 {
			head = g.out[0]
		}
		g.mu.Unlock()

		var send chan<- bgapi.Message
		if head != nil {
			send = g.msgs
		}

		select {
		case send <- head:
			g.mu.Lock()
			g.out[0] = nil
			g.out = g.out[1:]
			g.mu.Unlock()
		case <-g.outSig:
		case <-ticker.C:
			g.mu.Lock()
			if g.scanning {
				g.emitScanResultsLocked()
			}
			g.mu.Unlock()
		case <-g.done:
			g.logger.WithField("goroutine", groutine.GetName(ctx)).Debug("Simulator stopped")
			return
		}
	}
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}

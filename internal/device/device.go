package device

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bgatt/internal/bgapi"
	"github.com/srg/bgatt/internal/cmdq"
)

// Commander queues commands for the controller. *cmdq.Channel implements it.
type Commander interface {
	Enqueue(cmd bgapi.Command) *cmdq.Request
}

// ConnParams are the link parameters requested by Connect.
type ConnParams struct {
	IntervalMin uint16 // 1.25 ms units
	IntervalMax uint16 // 1.25 ms units
	Timeout     uint16 // supervision timeout, 10 ms units
	Latency     uint16 // slave latency, connection events
}

// DefaultConnParams suit most peripherals: 7.5-15 ms interval, 1 s supervision timeout.
var DefaultConnParams = ConnParams{IntervalMin: 6, IntervalMax: 12, Timeout: 100, Latency: 0}

// DefaultReadTimeout is used by the typed service views.
const DefaultReadTimeout = 2 * time.Second

const (
	firstHandle = 0x0001
	lastHandle  = 0xFFFF
)

// Options tune a Device.
type Options struct {
	ConnParams  ConnParams
	ReadTimeout time.Duration
}

// CustomService binds a vendor-specific service, recognised by the 16-bit
// value carried in bytes 12-13 of its 128-bit UUID.
type CustomService struct {
	Name string
	// OnDisconnect is invoked with the service instance when the connection
	// that discovered it goes away.
	OnDisconnect func(*Service)
}

// Device is one remote peripheral known to the adapter.
type Device struct {
	addr     Address
	addrType bgapi.AddressType
	cmd      Commander
	opts     Options
	logger   *logrus.Logger

	mu         sync.RWMutex
	adv        AdvertisingData
	rssi       int8
	lastSeen   time.Time
	handle     uint8
	hasHandle  bool
	state      State
	changed    chan struct{}
	services   []*Service
	custom     map[uint16]CustomService
	rejectNext bool
}

// New creates a disconnected device. Zero-valued options select the defaults.
func New(addr Address, addrType bgapi.AddressType, cmd Commander, opts Options, logger *logrus.Logger) *Device {
	if opts.ConnParams == (ConnParams{}) {
		opts.ConnParams = DefaultConnParams
	}
	if opts.ReadTimeout <= 0 {
		opts.ReadTimeout = DefaultReadTimeout
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Device{
		addr:     addr,
		addrType: addrType,
		cmd:      cmd,
		opts:     opts,
		logger:   logger,
		changed:  make(chan struct{}),
		custom:   make(map[uint16]CustomService),
	}
}

func (d *Device) log() *logrus.Entry {
	return d.logger.WithField("address", d.addr.String())
}

func (d *Device) Address() Address { return d.addr }

func (d *Device) AddressType() bgapi.AddressType { return d.addrType }

// ReadTimeout is the default timeout used by the typed service views.
func (d *Device) ReadTimeout() time.Duration { return d.opts.ReadTimeout }

// Name returns the advertised local name, or "" if none was seen.
func (d *Device) Name() string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.adv.LocalName()
}

// RSSI returns the signal strength of the last scan result.
func (d *Device) RSSI() int8 {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.rssi
}

// LastSeen returns when the last scan result for this device arrived.
func (d *Device) LastSeen() time.Time {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.lastSeen
}

// Advertisement returns the accumulated advertising data.
func (d *Device) Advertisement() AdvertisingData {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.adv
}

// ServiceID returns the raw 128-bit service list from advertising data.
func (d *Device) ServiceID() []byte {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.adv.ServiceID
}

// ConnectionHandle returns the controller's connection handle, if any.
func (d *Device) ConnectionHandle() (uint8, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.handle, d.hasHandle
}

func (d *Device) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// IsConnected reports whether discovery has finished on a live connection.
func (d *Device) IsConnected() bool {
	return d.State() == StateConnected
}

// Changed returns a channel that is closed on the next state change.
func (d *Device) Changed() <-chan struct{} {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.changed
}

// WaitState blocks until the device is in target or ctx is done.
func (d *Device) WaitState(ctx context.Context, target State) error {
	for {
		d.mu.RLock()
		state, changed := d.state, d.changed
		d.mu.RUnlock()
		if state == target {
			return nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ObserveScan records a scan result for this device. A name, once learned,
// is only replaced by a newer non-empty one.
func (d *Device) ObserveScan(rssi int8, ad AdvertisingData) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.rssi = rssi
	d.lastSeen = time.Now()
	d.adv.Flags |= ad.Flags
	if ad.Name != "" {
		d.adv.Name = ad.Name
	}
	if ad.ShortName != "" {
		d.adv.ShortName = ad.ShortName
	}
	if len(ad.Services) > 0 {
		d.adv.Services = ad.Services
	}
	if len(ad.ServiceID) > 0 {
		d.adv.ServiceID = ad.ServiceID
	}
	if ad.TxPower != nil {
		d.adv.TxPower = ad.TxPower
	}
	if len(ad.ManufacturerData) > 0 {
		d.adv.ManufacturerData = ad.ManufacturerData
	}
}

// RegisterCustomService binds id (bytes 12-13 of a 128-bit service UUID) to
// def. Bindings apply to every subsequent discovery and may be registered
// before the device is connected.
func (d *Device) RegisterCustomService(id uint16, def CustomService) {
	if def.Name == "" {
		def.Name = fmt.Sprintf("CustomService(0x%04x)", id)
	}
	d.mu.Lock()
	d.custom[id] = def
	d.mu.Unlock()

	d.log().WithFields(logrus.Fields{
		"id":   fmt.Sprintf("0x%04x", id),
		"name": def.Name,
	}).Debug("Registered custom service")
}

// Services returns a snapshot of the discovered services in discovery order.
func (d *Device) Services() []*Service {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Service, len(d.services))
	copy(out, d.services)
	return out
}

// FindService returns the first service whose UUID equals uuid under the
// short/long equivalence rule.
func (d *Device) FindService(uuid UUID) (*Service, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.services {
		if s.uuid.Equal(uuid) {
			return s, true
		}
	}
	return nil, false
}

// FindServiceByName returns the first service with the given name.
func (d *Device) FindServiceByName(name string) (*Service, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.services {
		if s.name == name {
			return s, true
		}
	}
	return nil, false
}

// FindCharacteristic looks a characteristic up by service and characteristic UUID.
func (d *Device) FindCharacteristic(service, char UUID) (*Characteristic, error) {
	svc, ok := d.FindService(service)
	if !ok {
		return nil, &NotFoundError{Resource: "service", UUIDs: []string{service.String()}}
	}
	c, ok := svc.CharacteristicByUUID(char)
	if !ok {
		return nil, &NotFoundError{Resource: "characteristic", UUIDs: []string{service.String(), char.String()}}
	}
	return c, nil
}

// CharacteristicByHandle searches every service for the attribute handle.
func (d *Device) CharacteristicByHandle(handle uint16) (*Characteristic, bool) {
	svc := d.serviceContaining(handle)
	if svc == nil {
		return nil, false
	}
	return svc.CharacteristicByHandle(handle)
}

func (d *Device) serviceContaining(handle uint16) *Service {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, s := range d.services {
		if s.Contains(handle) {
			return s
		}
	}
	return nil
}

// Connect opens a connection and blocks until service and attribute discovery
// has finished. If timeout (or ctx) expires first, the attempt is abandoned,
// the device is reset to StateDisconnected and ErrConnectTimeout is returned.
func (d *Device) Connect(ctx context.Context, timeout time.Duration) error {
	d.mu.Lock()
	if d.state != StateDisconnected || d.hasHandle {
		state := d.state
		d.mu.Unlock()
		return &ConnectionError{State: AlreadyConnected, Msg: fmt.Sprintf("%s is %s", d.addr, state)}
	}
	d.rejectNext = false
	d.setStateLocked(StateConnecting)
	d.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	p := d.opts.ConnParams
	d.log().WithFields(logrus.Fields{
		"interval_min": p.IntervalMin,
		"interval_max": p.IntervalMax,
		"supervision":  p.Timeout,
		"latency":      p.Latency,
		"timeout":      timeout,
	}).Info("Connecting")

	req := d.cmd.Enqueue(bgapi.GapConnectDirect{
		Address:     d.addr,
		AddressType: d.addrType,
		IntervalMin: p.IntervalMin,
		IntervalMax: p.IntervalMax,
		Timeout:     p.Timeout,
		Latency:     p.Latency,
	})

	err := d.awaitConnected(ctx, req)
	if err == nil {
		d.log().WithField("services", len(d.Services())).Info("Connected")
		return nil
	}

	d.abortConnect()
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s after %s", ErrConnectTimeout, d.addr, timeout)
	}
	return fmt.Errorf("connect %s: %w", d.addr, err)
}

func (d *Device) awaitConnected(ctx context.Context, req *cmdq.Request) error {
	reqDone := req.Done()
	for {
		d.mu.RLock()
		state, changed := d.state, d.changed
		d.mu.RUnlock()

		switch state {
		case StateConnected:
			return nil
		case StateDisconnected:
			return ErrConnectionLost
		}

		select {
		case <-reqDone:
			if err := req.Err(); err != nil {
				return err
			}
			reqDone = nil
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// abortConnect undoes a failed Connect: the pending connect procedure is
// cancelled, or the half-discovered connection is closed.
func (d *Device) abortConnect() {
	d.mu.Lock()
	handle, had := d.handle, d.hasHandle
	wasConnecting := d.state == StateConnecting
	if wasConnecting && !had {
		// The controller may still report the connection after end-procedure.
		d.rejectNext = true
	}
	services := d.resetLocked()
	d.mu.Unlock()

	if wasConnecting {
		d.cmd.Enqueue(bgapi.GapEndProcedure{})
	}
	if had {
		d.cmd.Enqueue(bgapi.ConnectionDisconnect{Connection: handle})
	}
	teardown(services)

	d.log().WithField("had_connection", had).Warn("Connect abandoned")
}

// Disconnect closes the connection and blocks until the controller reports it closed.
func (d *Device) Disconnect(ctx context.Context, timeout time.Duration) error {
	handle, ok := d.ConnectionHandle()
	if !ok {
		return ErrNotConnected
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	d.log().WithField("connection", handle).Info("Disconnecting")
	req := d.cmd.Enqueue(bgapi.ConnectionDisconnect{Connection: handle})

	reqDone := req.Done()
	for {
		d.mu.RLock()
		has, current, changed := d.hasHandle, d.handle, d.changed
		d.mu.RUnlock()

		if !has || current != handle {
			return nil
		}

		select {
		case <-reqDone:
			if err := req.Err(); err != nil {
				return fmt.Errorf("disconnect %s: %w", d.addr, err)
			}
			reqDone = nil
		case <-changed:
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return fmt.Errorf("%w: %s", ErrDisconnectTimeout, d.addr)
			}
			return ctx.Err()
		}
	}
}

// HandleEvent applies one routed controller event. It must only be called by
// the event router, on the worker goroutine.
func (d *Device) HandleEvent(ev bgapi.Event) {
	switch e := ev.(type) {
	case bgapi.ConnectionStatus:
		d.onConnectionStatus(e)
	case bgapi.ConnectionDisconnected:
		d.onDisconnected(e)
	case bgapi.ProcedureCompleted:
		d.onProcedureCompleted(e)
	case bgapi.GroupFound:
		d.onGroupFound(e)
	case bgapi.FindInformationFound:
		d.onInformationFound(e)
	case bgapi.AttributeValue:
		d.onAttributeValue(e)
	default:
		d.log().WithField("event", fmt.Sprintf("%T", ev)).Debug("Ignoring event")
	}
}

func (d *Device) onConnectionStatus(e bgapi.ConnectionStatus) {
	if e.Flags&bgapi.ConnFlagConnected == 0 {
		d.log().WithField("flags", e.Flags).Debug("Connection status without connected flag")
		return
	}

	d.mu.Lock()
	if d.hasHandle || (d.state != StateDisconnected && d.state != StateConnecting) {
		d.mu.Unlock()
		d.log().WithFields(logrus.Fields{
			"connection": e.Connection,
			"flags":      e.Flags,
		}).Debug("Connection status update")
		return
	}
	if d.rejectNext {
		d.rejectNext = false
		d.mu.Unlock()
		d.log().WithField("connection", e.Connection).Warn("Closing connection established after connect was abandoned")
		d.cmd.Enqueue(bgapi.ConnectionDisconnect{Connection: e.Connection})
		return
	}

	d.handle = e.Connection
	d.hasHandle = true
	d.cmd.Enqueue(bgapi.AttClientReadByGroupType{
		Connection: e.Connection,
		Start:      firstHandle,
		End:        lastHandle,
		GroupType:  bgapi.GroupPrimaryService,
	})
	d.setStateLocked(StateDiscoveringPrimary)
	d.mu.Unlock()
}

func (d *Device) onDisconnected(e bgapi.ConnectionDisconnected) {
	d.mu.Lock()
	if !d.hasHandle || d.handle != e.Connection {
		d.mu.Unlock()
		return
	}
	services := d.resetLocked()
	d.mu.Unlock()

	d.log().WithFields(logrus.Fields{
		"connection": e.Connection,
		"reason":     fmt.Sprintf("0x%04x", e.Reason),
	}).Info("Disconnected")

	teardown(services)
}

func (d *Device) onProcedureCompleted(e bgapi.ProcedureCompleted) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.hasHandle || d.handle != e.Connection {
		return
	}
	if d.state == StateConnected {
		if e.Result != 0 {
			// A rejected read reports the attribute it was aimed at.
			d.failReadLocked(e)
		}
		return
	}

	d.log().WithFields(logrus.Fields{
		"state":  d.state,
		"result": fmt.Sprintf("0x%04x", e.Result),
	}).Debug("Procedure completed")

	switch d.state {
	case StateDiscoveringPrimary:
		d.cmd.Enqueue(bgapi.AttClientReadByGroupType{
			Connection: d.handle,
			Start:      firstHandle,
			End:        lastHandle,
			GroupType:  bgapi.GroupSecondaryService,
		})
		d.setStateLocked(StateDiscoveringSecondary)
	case StateDiscoveringSecondary:
		d.cmd.Enqueue(bgapi.AttClientFindInformation{
			Connection: d.handle,
			Start:      firstHandle,
			End:        lastHandle,
		})
		d.setStateLocked(StateDiscoveringCharacteristics)
	case StateDiscoveringCharacteristics:
		d.setStateLocked(StateConnected)
	}
}

func (d *Device) onGroupFound(e bgapi.GroupFound) {
	uuid := UUID(append([]byte(nil), e.UUID...))

	d.mu.Lock()
	defer d.mu.Unlock()

	if !d.hasHandle || d.handle != e.Connection {
		return
	}
	for _, s := range d.services {
		if bytes.Equal(s.uuid, uuid) {
			return
		}
	}

	svc := d.resolveServiceLocked(uuid, e.Start, e.End)
	d.services = append(d.services, svc)

	d.log().WithFields(logrus.Fields{
		"uuid":  uuid.String(),
		"name":  svc.name,
		"start": e.Start,
		"end":   e.End,
	}).Debug("Service discovered")
}

func (d *Device) resolveServiceLocked(uuid UUID, start, end uint16) *Service {
	svc := newService(d, uuid, start, end)

	if uuid.IsShort() {
		short, _ := uuid.Short()
		switch short {
		case 0x1800:
			svc.kind, svc.name = KindGenericAccess, NameGenericAccess
		case 0x1801:
			svc.kind, svc.name = KindGenericAttribute, NameGenericAttribute
		case 0x180A:
			svc.kind, svc.name = KindDeviceInformation, NameDeviceInformation
		case 0x180F:
			svc.kind, svc.name = KindBattery, NameBattery
		}
		return svc
	}

	if id, ok := uuid.Short(); ok {
		if def, found := d.custom[id]; found {
			svc.kind = KindCustom
			svc.customID = id
			svc.name = def.Name
			svc.onDisconnect = def.OnDisconnect
		}
	}
	return svc
}

func (d *Device) onInformationFound(e bgapi.FindInformationFound) {
	d.mu.RLock()
	if !d.hasHandle || d.handle != e.Connection {
		d.mu.RUnlock()
		return
	}
	var svc *Service
	for _, s := range d.services {
		if s.Contains(e.ChrHandle) {
			svc = s
			break
		}
	}
	d.mu.RUnlock()

	if svc == nil {
		d.log().WithField("handle", e.ChrHandle).Debug("Attribute outside any discovered service")
		return
	}
	svc.AddCharacteristic(UUID(append([]byte(nil), e.UUID...)), e.ChrHandle)
}

func (d *Device) failReadLocked(e bgapi.ProcedureCompleted) {
	for _, svc := range d.services {
		if !svc.Contains(e.ChrHandle) {
			continue
		}
		if c, ok := svc.CharacteristicByHandle(e.ChrHandle); ok {
			c.onReadFailed(e.Result)
			return
		}
	}
	d.log().WithField("handle", e.ChrHandle).Debug("Procedure failure for unknown attribute dropped")
}

func (d *Device) onAttributeValue(e bgapi.AttributeValue) {
	c, ok := d.CharacteristicByHandle(e.AttHandle)
	if !ok {
		d.log().WithField("handle", e.AttHandle).Debug("Value for unknown attribute dropped")
		return
	}
	c.onAttributeValue(e)
}

// resetLocked returns the device to StateDisconnected and hands back the
// services that must be torn down once the lock is released.
func (d *Device) resetLocked() []*Service {
	services := d.services
	d.services = nil
	d.handle = 0
	d.hasHandle = false
	d.setStateLocked(StateDisconnected)
	return services
}

func (d *Device) setStateLocked(s State) {
	if d.state == s {
		return
	}
	d.log().WithFields(logrus.Fields{
		"from": d.state,
		"to":   s,
	}).Debug("State changed")
	d.state = s
	close(d.changed)
	d.changed = make(chan struct{})
}

func teardown(services []*Service) {
	for _, s := range services {
		s.disconnect()
	}
}

package device_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bgatt/internal/bgapi"
	"github.com/srg/bgatt/internal/cmdq"
	"github.com/srg/bgatt/internal/device"
	"github.com/srg/bgatt/internal/testutils"
	"github.com/stretchr/testify/suite"
)

var widgetAddr = device.MustParseAddress("AA:BB:CC:DD:EE:FF")

// DeviceTestSuite drives a single Device through a real command channel over
// a scripted gateway. Events reach the device the way the adapter's router
// delivers them.
type DeviceTestSuite struct {
	suite.Suite

	gw     *testutils.FakeGateway
	ch     *cmdq.Channel
	dev    *device.Device
	cancel context.CancelFunc
	done   chan struct{}
}

func (s *DeviceTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	s.gw = testutils.NewFakeGateway()
	s.ch = cmdq.New(s.gw, time.Second, logger)
	s.dev = device.New(widgetAddr, bgapi.AddressPublic, s.ch, device.Options{ReadTimeout: 300 * time.Millisecond}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	s.done = make(chan struct{})
	go func() {
		defer close(s.done)
		_ = s.ch.Run(ctx, func(msg bgapi.Message) {
			switch m := msg.(type) {
			case bgapi.Response:
				s.ch.Deliver(m)
			case bgapi.ConnectionStatus:
				if m.Address == [6]byte(widgetAddr) {
					s.dev.HandleEvent(m)
				}
			case bgapi.Event:
				s.dev.HandleEvent(m)
			}
		})
	}()
}

func (s *DeviceTestSuite) TearDownTest() {
	s.cancel()
	<-s.done
}

func (s *DeviceTestSuite) waitState(state device.State) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	s.Require().NoError(s.dev.WaitState(ctx, state), "device MUST reach %s (is %s)", state, s.dev.State())
}

// connectVia emits the events of a successful connection with the given
// services and attributes, then waits for discovery to finish.
func (s *DeviceTestSuite) connectVia(groups []bgapi.GroupFound, attrs []bgapi.FindInformationFound) {
	s.gw.Emit(bgapi.ConnectionStatus{Connection: 1, Flags: bgapi.ConnFlagConnected, Address: widgetAddr})
	s.waitState(device.StateDiscoveringPrimary)
	for _, g := range groups {
		s.gw.Emit(g)
	}
	s.gw.Emit(bgapi.ProcedureCompleted{Connection: 1})
	s.waitState(device.StateDiscoveringSecondary)
	s.gw.Emit(bgapi.ProcedureCompleted{Connection: 1, Result: 0x040A})
	s.waitState(device.StateDiscoveringCharacteristics)
	for _, a := range attrs {
		s.gw.Emit(a)
	}
	s.gw.Emit(bgapi.ProcedureCompleted{Connection: 1})
	s.waitState(device.StateConnected)
}

func batteryService() ([]bgapi.GroupFound, []bgapi.FindInformationFound) {
	return []bgapi.GroupFound{
			{Connection: 1, Start: 10, End: 15, UUID: device.UUID16(0x180F)},
		}, []bgapi.FindInformationFound{
			{Connection: 1, ChrHandle: 10, UUID: device.UUID16(0x2800)},
			{Connection: 1, ChrHandle: 11, UUID: device.UUID16(0x2803)},
			{Connection: 1, ChrHandle: 12, UUID: device.UUID16(0x2A19)},
			{Connection: 1, ChrHandle: 13, UUID: device.UUID16(0x2902)},
		}
}

func (s *DeviceTestSuite) TestDiscoveryChainIssuesThreeCommands() {
	// GOAL: Verify connection status plus three procedure-completed events move the device
	// from Disconnected to Connected, issuing exactly the three discovery commands in order
	//
	// TEST SCENARIO: connectionStatus → primary query → PC → secondary query → PC →
	// find information → PC → Connected

	s.Require().Equal(device.StateDisconnected, s.dev.State())

	s.gw.Emit(
		bgapi.ConnectionStatus{Connection: 3, Flags: bgapi.ConnFlagConnected | bgapi.ConnFlagCompleted, Address: widgetAddr},
		bgapi.ProcedureCompleted{Connection: 3},
		bgapi.ProcedureCompleted{Connection: 3},
		bgapi.ProcedureCompleted{Connection: 3},
	)
	s.waitState(device.StateConnected)

	s.gw.WaitSent(s.T(), 3, time.Second)
	time.Sleep(20 * time.Millisecond)
	sent := s.gw.Sent()
	s.Require().Len(sent, 3, "MUST issue exactly three discovery commands")

	primary, ok := sent[0].(bgapi.AttClientReadByGroupType)
	s.Require().True(ok, "first command MUST be read-by-group-type, got %T", sent[0])
	s.Equal(bgapi.GroupPrimaryService, primary.GroupType)
	s.Equal(uint8(3), primary.Connection)
	s.Equal(uint16(0x0001), primary.Start)
	s.Equal(uint16(0xFFFF), primary.End)

	secondary, ok := sent[1].(bgapi.AttClientReadByGroupType)
	s.Require().True(ok, "second command MUST be read-by-group-type, got %T", sent[1])
	s.Equal(bgapi.GroupSecondaryService, secondary.GroupType)

	info, ok := sent[2].(bgapi.AttClientFindInformation)
	s.Require().True(ok, "third command MUST be find-information, got %T", sent[2])
	s.Equal(uint8(3), info.Connection)

	h, ok := s.dev.ConnectionHandle()
	s.True(ok)
	s.Equal(uint8(3), h)
}

func (s *DeviceTestSuite) TestDisconnectClearsEverything() {
	// GOAL: Verify a disconnected event clears the handle and every service, and
	// fires custom disconnect hooks

	var hookCalls int
	var mu sync.Mutex
	s.dev.RegisterCustomService(0x1530, device.CustomService{
		Name: "DfuService",
		OnDisconnect: func(*device.Service) {
			mu.Lock()
			hookCalls++
			mu.Unlock()
		},
	})

	groups, attrs := batteryService()
	groups = append(groups,
		bgapi.GroupFound{Connection: 1, Start: 1, End: 5, UUID: device.UUID16(0x1800)},
		bgapi.GroupFound{Connection: 1, Start: 16, End: 20, UUID: dfuService},
	)
	s.connectVia(groups, attrs)
	s.Require().Len(s.dev.Services(), 3)

	s.gw.Emit(bgapi.ConnectionDisconnected{Connection: 1, Reason: 0x0213})
	s.waitState(device.StateDisconnected)

	_, ok := s.dev.ConnectionHandle()
	s.False(ok, "handle MUST be absent after disconnect")
	s.Empty(s.dev.Services(), "services MUST be empty after disconnect")

	s.Eventually(func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hookCalls == 1
	}, time.Second, 5*time.Millisecond, "disconnect hook MUST run once")
}

func (s *DeviceTestSuite) TestDuplicateServicesIgnored() {
	groups, attrs := batteryService()
	groups = append(groups, groups[0])
	s.connectVia(groups, attrs)

	services := s.dev.Services()
	s.Require().Len(services, 1, "duplicate group-found MUST NOT add a second service")
	chars := services[0].Characteristics()
	s.Len(chars, 4)
	for _, c := range chars {
		s.True(services[0].Contains(c.Handle()))
	}
}

func (s *DeviceTestSuite) TestAttributesRoutedByHandleRange() {
	s.connectVia(
		[]bgapi.GroupFound{
			{Connection: 1, Start: 1, End: 5, UUID: device.UUID16(0x1800)},
			{Connection: 1, Start: 6, End: 9, UUID: device.UUID16(0x1234)},
		},
		[]bgapi.FindInformationFound{
			{Connection: 1, ChrHandle: 3, UUID: device.UUID16(0x2A00)},
			{Connection: 1, ChrHandle: 8, UUID: device.UUID16(0xABCD)},
			{Connection: 1, ChrHandle: 42, UUID: device.UUID16(0xBEEF)},
		},
	)

	gap, ok := s.dev.FindService(device.UUID16(0x1800))
	s.Require().True(ok)
	_, ok = gap.CharacteristicByUUID(device.UUIDDeviceName)
	s.True(ok)
	_, ok = gap.CharacteristicByUUID(device.UUID16(0xABCD))
	s.False(ok)

	custom, ok := s.dev.FindService(device.UUID16(0x1234))
	s.Require().True(ok)
	c, ok := custom.CharacteristicByHandle(8)
	s.Require().True(ok)
	s.True(c.UUID().Equal(device.UUID16(0xABCD)))

	_, ok = s.dev.CharacteristicByHandle(42)
	s.False(ok, "attribute outside every service MUST be dropped")
}

func (s *DeviceTestSuite) TestReadCorrelation() {
	// GOAL: Verify Read returns exactly the read-response payload and ignores notifications
	//
	// TEST SCENARIO: Read pending → notification for same handle → still pending, handler fires →
	// read response → Read returns payload

	groups, attrs := batteryService()
	s.connectVia(groups, attrs)

	svc, ok := s.dev.FindServiceByName(device.NameBattery)
	s.Require().True(ok)
	level, ok := svc.CharacteristicByUUID(device.UUIDBatteryLevel)
	s.Require().True(ok)

	notified := make(chan []byte, 1)
	level.SetNotifyHandler(func(v []byte) { notified <- v })

	type result struct {
		v   []byte
		err error
	}
	res := make(chan result, 1)
	go func() {
		v, err := level.Read(context.Background(), time.Second)
		res <- result{v, err}
	}()

	s.gw.WaitSent(s.T(), 4, time.Second)
	read, ok := s.gw.Sent()[3].(bgapi.AttClientReadByHandle)
	s.Require().True(ok)
	s.Equal(uint16(12), read.Handle)

	s.gw.Emit(bgapi.AttributeValue{Connection: 1, AttHandle: 12, Type: bgapi.ValueNotify, Value: []byte{7}})
	select {
	case v := <-notified:
		s.Equal([]byte{7}, v)
	case <-time.After(time.Second):
		s.FailNow("notification handler MUST fire")
	}
	select {
	case r := <-res:
		s.FailNow("notification MUST NOT satisfy a pending read", "got %v", r)
	case <-time.After(30 * time.Millisecond):
	}

	s.gw.Emit(bgapi.AttributeValue{Connection: 1, AttHandle: 12, Type: bgapi.ValueRead, Value: []byte{0x55}})
	select {
	case r := <-res:
		s.Require().NoError(r.err)
		s.Equal([]byte{0x55}, r.v)
	case <-time.After(time.Second):
		s.FailNow("read MUST complete")
	}
}

func (s *DeviceTestSuite) TestReadTimeoutDiscardsLateResponse() {
	groups, attrs := batteryService()
	s.connectVia(groups, attrs)

	level, err := s.dev.FindCharacteristic(device.UUIDBattery, device.UUIDBatteryLevel)
	s.Require().NoError(err)

	_, err = level.Read(context.Background(), 50*time.Millisecond)
	s.Require().Error(err)
	s.True(errors.Is(err, device.ErrReadTimeout), "MUST be ErrReadTimeout, got %v", err)

	// late answer to the abandoned read
	s.gw.Emit(bgapi.AttributeValue{Connection: 1, AttHandle: 12, Type: bgapi.ValueRead, Value: []byte{1}})

	res := make(chan []byte, 1)
	go func() {
		v, _ := level.Read(context.Background(), time.Second)
		res <- v
	}()
	s.gw.WaitSent(s.T(), 5, time.Second)
	s.gw.Emit(bgapi.AttributeValue{Connection: 1, AttHandle: 12, Type: bgapi.ValueRead, Value: []byte{2}})

	select {
	case v := <-res:
		s.Equal([]byte{2}, v, "a stale response MUST NOT be returned to a later read")
	case <-time.After(time.Second):
		s.FailNow("read MUST complete")
	}
}

func (s *DeviceTestSuite) TestReadFailsOnDisconnect() {
	groups, attrs := batteryService()
	s.connectVia(groups, attrs)

	level, err := s.dev.FindCharacteristic(device.UUIDBattery, device.UUIDBatteryLevel)
	s.Require().NoError(err)

	errc := make(chan error, 1)
	go func() {
		_, err := level.Read(context.Background(), time.Second)
		errc <- err
	}()
	s.gw.WaitSent(s.T(), 4, time.Second)
	s.gw.Emit(bgapi.ConnectionDisconnected{Connection: 1})

	select {
	case err := <-errc:
		s.ErrorIs(err, device.ErrNotConnected)
	case <-time.After(time.Second):
		s.FailNow("read MUST fail when the connection drops")
	}
}

func (s *DeviceTestSuite) TestReadRejectedByPeer() {
	// GOAL: Verify a read the controller rejects fails with its result code instead of timing out
	//
	// TEST SCENARIO: Read pending → procedure completed with error for the handle → Read returns
	// a ResultError well before its deadline

	groups, attrs := batteryService()
	s.connectVia(groups, attrs)

	level, err := s.dev.FindCharacteristic(device.UUIDBattery, device.UUIDBatteryLevel)
	s.Require().NoError(err)

	errc := make(chan error, 1)
	start := time.Now()
	go func() {
		_, err := level.Read(context.Background(), 2*time.Second)
		errc <- err
	}()
	s.gw.WaitSent(s.T(), 4, time.Second)

	// failure for another attribute leaves the read pending
	s.gw.Emit(bgapi.ProcedureCompleted{Connection: 1, Result: 0x0401, ChrHandle: 13})
	s.gw.Emit(bgapi.ProcedureCompleted{Connection: 1, Result: 0x0402, ChrHandle: 12})

	select {
	case err := <-errc:
		var re *bgapi.ResultError
		s.Require().ErrorAs(err, &re)
		s.Equal(uint16(0x0402), re.Code)
		s.Equal(bgapi.CmdAttClientReadByHandle, re.Command)
		s.False(errors.Is(err, device.ErrReadTimeout), "a rejected read MUST NOT be reported as a timeout")
		s.Less(time.Since(start), time.Second)
	case <-time.After(time.Second):
		s.FailNow("read MUST fail as soon as the peer rejects it")
	}
	s.Equal(device.StateConnected, s.dev.State(), "a failed read MUST NOT change the connection state")

	// the characteristic stays usable
	res := make(chan []byte, 1)
	go func() {
		v, _ := level.Read(context.Background(), time.Second)
		res <- v
	}()
	s.gw.WaitSent(s.T(), 5, time.Second)
	s.gw.Emit(bgapi.AttributeValue{Connection: 1, AttHandle: 12, Type: bgapi.ValueRead, Value: []byte{0x55}})
	select {
	case v := <-res:
		s.Equal([]byte{0x55}, v)
	case <-time.After(time.Second):
		s.FailNow("read MUST complete")
	}
}

func (s *DeviceTestSuite) TestCustomServiceBinding() {
	// GOAL: Verify a custom binding registered before connecting resolves a 128-bit service
	// whose bytes 12-13 match

	s.dev.RegisterCustomService(0x1530, device.CustomService{Name: "DfuService"})
	s.connectVia([]bgapi.GroupFound{
		{Connection: 1, Start: 1, End: 8, UUID: dfuService},
		{Connection: 1, Start: 9, End: 12, UUID: device.MustParseUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e")},
	}, nil)

	svc, ok := s.dev.FindServiceByName("DfuService")
	s.Require().True(ok)
	s.Equal(device.KindCustom, svc.Kind())
	s.Equal(uint16(0x1530), svc.CustomID())

	other, ok := s.dev.FindService(device.MustParseUUID("6e400001-b5a3-f393-e0a9-e50e24dcca9e"))
	s.Require().True(ok)
	s.Equal(device.KindGeneric, other.Kind())
	s.Equal(device.NameUnknown, other.Name())
}

func (s *DeviceTestSuite) TestWellKnownServiceKinds() {
	s.connectVia([]bgapi.GroupFound{
		{Connection: 1, Start: 1, End: 3, UUID: device.UUID16(0x1800)},
		{Connection: 1, Start: 4, End: 6, UUID: device.UUID16(0x1801)},
		{Connection: 1, Start: 7, End: 9, UUID: device.UUID16(0x180A)},
		{Connection: 1, Start: 10, End: 12, UUID: device.UUID16(0x180F)},
		{Connection: 1, Start: 13, End: 15, UUID: device.UUID16(0x1812)},
	}, nil)

	expected := []struct {
		kind device.ServiceKind
		name string
	}{
		{device.KindGenericAccess, device.NameGenericAccess},
		{device.KindGenericAttribute, device.NameGenericAttribute},
		{device.KindDeviceInformation, device.NameDeviceInformation},
		{device.KindBattery, device.NameBattery},
		{device.KindGeneric, device.NameUnknown},
	}
	services := s.dev.Services()
	s.Require().Len(services, len(expected))
	for i, e := range expected {
		s.Equal(e.kind, services[i].Kind())
		s.Equal(e.name, services[i].Name())
	}

	_, ok := services[3].Battery()
	s.True(ok)
	_, ok = services[0].Battery()
	s.False(ok)
}

func (s *DeviceTestSuite) TestConnectTimeoutResetsDevice() {
	// GOAL: Verify a connect that never completes fails with ErrConnectTimeout, leaves the
	// device Disconnected and cancels the controller's connect procedure

	err := s.dev.Connect(context.Background(), 50*time.Millisecond)
	s.Require().Error(err)
	s.True(errors.Is(err, device.ErrConnectTimeout), "MUST be ErrConnectTimeout, got %v", err)
	s.Equal(device.StateDisconnected, s.dev.State())

	s.gw.WaitSent(s.T(), 2, time.Second)
	s.Equal([]bgapi.CommandID{bgapi.CmdGapConnectDirect, bgapi.CmdGapEndProcedure}, s.gw.SentIDs())

	connect := s.gw.Sent()[0].(bgapi.GapConnectDirect)
	s.Equal([6]byte(widgetAddr), connect.Address)
	s.Equal(uint16(6), connect.IntervalMin)
	s.Equal(uint16(12), connect.IntervalMax)
	s.Equal(uint16(100), connect.Timeout)
	s.Equal(uint16(0), connect.Latency)

	// a connection reported after the attempt was abandoned is closed again
	s.gw.Emit(bgapi.ConnectionStatus{Connection: 2, Flags: bgapi.ConnFlagConnected, Address: widgetAddr})
	cmds := s.gw.WaitSent(s.T(), 3, time.Second)
	s.Equal(bgapi.ConnectionDisconnect{Connection: 2}, cmds[2])
	s.Equal(device.StateDisconnected, s.dev.State())
}

func (s *DeviceTestSuite) TestConnectTimeoutDuringDiscovery() {
	errc := make(chan error, 1)
	go func() { errc <- s.dev.Connect(context.Background(), 150*time.Millisecond) }()

	s.gw.WaitSent(s.T(), 1, time.Second)
	s.gw.Emit(bgapi.ConnectionStatus{Connection: 4, Flags: bgapi.ConnFlagConnected, Address: widgetAddr})

	err := <-errc
	s.ErrorIs(err, device.ErrConnectTimeout)
	s.Equal(device.StateDisconnected, s.dev.State())
	_, ok := s.dev.ConnectionHandle()
	s.False(ok)

	cmds := s.gw.WaitSent(s.T(), 3, time.Second)
	s.Equal(bgapi.ConnectionDisconnect{Connection: 4}, cmds[2], "half-open connection MUST be closed")
}

func (s *DeviceTestSuite) TestConnectLostDuringDiscovery() {
	errc := make(chan error, 1)
	go func() { errc <- s.dev.Connect(context.Background(), time.Second) }()

	s.gw.WaitSent(s.T(), 1, time.Second)
	s.gw.Emit(bgapi.ConnectionStatus{Connection: 1, Flags: bgapi.ConnFlagConnected, Address: widgetAddr})
	s.waitState(device.StateDiscoveringPrimary)
	s.gw.Emit(bgapi.GroupFound{Connection: 1, Start: 1, End: 4, UUID: device.UUID16(0x1800)})
	s.gw.Emit(bgapi.ConnectionDisconnected{Connection: 1, Reason: 0x0208})

	err := <-errc
	s.True(device.IsConnectionState(err, device.ConnectionLost), "MUST report the lost connection, got %v", err)
	s.Empty(s.dev.Services())
}

func (s *DeviceTestSuite) TestConnectRejectsWhenBusy() {
	groups, attrs := batteryService()
	s.connectVia(groups, attrs)

	err := s.dev.Connect(context.Background(), time.Second)
	s.True(device.IsConnectionState(err, device.AlreadyConnected))
}

func (s *DeviceTestSuite) TestWriteAndSubscribe() {
	groups, attrs := batteryService()
	s.connectVia(groups, attrs)

	level, err := s.dev.FindCharacteristic(device.UUIDBattery, device.UUIDBatteryLevel)
	s.Require().NoError(err)

	s.Require().NoError(level.Subscribe(func([]byte) {}))
	cmds := s.gw.WaitSent(s.T(), 4, time.Second)
	s.Equal(bgapi.AttClientAttributeWrite{Connection: 1, Handle: 13, Data: []byte{0x01, 0x00}}, cmds[3],
		"subscribe MUST write the CCCD following the characteristic")

	s.Require().NoError(level.Unsubscribe())
	cmds = s.gw.WaitSent(s.T(), 5, time.Second)
	s.Equal(bgapi.AttClientAttributeWrite{Connection: 1, Handle: 13, Data: []byte{0x00, 0x00}}, cmds[4])

	s.Require().NoError(level.Write([]byte{9}))
	cmds = s.gw.WaitSent(s.T(), 6, time.Second)
	s.Equal(bgapi.AttClientAttributeWrite{Connection: 1, Handle: 12, Data: []byte{9}}, cmds[5])

	decl, ok := s.dev.CharacteristicByHandle(10)
	s.Require().True(ok)
	s.True(decl.IsDeclaration())
	_, err = decl.ClientConfig()
	s.Require().Error(err)
	var nf *device.NotFoundError
	s.ErrorAs(err, &nf)
}

func (s *DeviceTestSuite) TestOperationsRequireConnection() {
	s.ErrorIs(s.dev.Disconnect(context.Background(), time.Second), device.ErrNotConnected)
}

func TestDeviceTestSuite(t *testing.T) {
	suite.Run(t, new(DeviceTestSuite))
}

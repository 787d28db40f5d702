package adapter_test

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bgatt/adapter"
	"github.com/srg/bgatt/internal/bgapi"
	"github.com/srg/bgatt/internal/device"
	"github.com/srg/bgatt/internal/simulator"
	"github.com/srg/bgatt/internal/testutils"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

var (
	widgetAddr = device.MustParseAddress("AA:BB:CC:DD:EE:FF")
	otherAddr  = device.MustParseAddress("11:22:33:44:55:66")
)

func widgetScan(addr device.Address, name string, rssi int8) bgapi.ScanResponse {
	data := append([]byte{byte(len(name) + 1), 0x09}, name...)
	return bgapi.ScanResponse{RSSI: rssi, Sender: addr, Data: data}
}

// widgetResponder plays a controller that connects Widget on handle 1 and
// reports Battery (10-15) plus a vendor service 0x1234 (16-20).
func widgetResponder(cmd bgapi.Command) []bgapi.Message {
	ack := bgapi.Response{Command: cmd.ID()}
	switch c := cmd.(type) {
	case bgapi.GapConnectDirect:
		ack.Connection = 1
		return []bgapi.Message{ack, bgapi.ConnectionStatus{Connection: 1, Flags: bgapi.ConnFlagConnected | bgapi.ConnFlagCompleted, Address: c.Address}}
	case bgapi.AttClientReadByGroupType:
		if string(c.GroupType) == string(bgapi.GroupSecondaryService) {
			return []bgapi.Message{ack, bgapi.ProcedureCompleted{Connection: c.Connection, Result: 0x040A}}
		}
		return []bgapi.Message{ack,
			bgapi.GroupFound{Connection: c.Connection, Start: 10, End: 15, UUID: device.UUID16(0x180F)},
			bgapi.GroupFound{Connection: c.Connection, Start: 16, End: 20, UUID: device.UUID16(0x1234)},
			bgapi.ProcedureCompleted{Connection: c.Connection},
		}
	case bgapi.AttClientFindInformation:
		return []bgapi.Message{ack,
			bgapi.FindInformationFound{Connection: c.Connection, ChrHandle: 12, UUID: device.UUID16(0x2A19)},
			bgapi.FindInformationFound{Connection: c.Connection, ChrHandle: 18, UUID: device.UUID16(0x5678)},
			bgapi.ProcedureCompleted{Connection: c.Connection},
		}
	case bgapi.AttClientReadByHandle:
		return []bgapi.Message{ack, bgapi.AttributeValue{Connection: c.Connection, AttHandle: c.Handle, Type: bgapi.ValueRead, Value: []byte{0x64}}}
	case bgapi.ConnectionDisconnect:
		return []bgapi.Message{ack, bgapi.ConnectionDisconnected{Connection: c.Connection, Reason: 0x0216}}
	}
	return []bgapi.Message{ack}
}

type AdapterTestSuite struct {
	suite.Suite

	gw *testutils.FakeGateway
	a  *adapter.Adapter
}

func (s *AdapterTestSuite) SetupTest() {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	s.gw = testutils.NewFakeGateway()
	s.gw.Responder = widgetResponder
	s.a = adapter.Open(context.Background(), s.gw, adapter.Config{CommandTimeout: time.Second}, logger)
}

func (s *AdapterTestSuite) TearDownTest() {
	s.Require().NoError(s.a.Close())
}

func (s *AdapterTestSuite) discover(addr device.Address, name string) *device.Device {
	s.gw.Emit(widgetScan(addr, name, -40))
	var dev *device.Device
	s.Require().Eventually(func() bool {
		var ok bool
		dev, ok = s.a.FindDevice(addr)
		return ok
	}, time.Second, 5*time.Millisecond, "device MUST be created on first scan result")
	return dev
}

func (s *AdapterTestSuite) TestWidgetScenario() {
	// GOAL: Verify the full adapter path from a scan result to typed and generic services
	//
	// TEST SCENARIO: scan result "Widget" → connect → Battery 10-15 and 0x1234 16-20 resolved → read level

	dev := s.discover(widgetAddr, "Widget")
	s.Equal("Widget", dev.Name())

	ctx := context.Background()
	s.Require().NoError(dev.Connect(ctx, time.Second))

	bat, ok := dev.FindServiceByName("BatteryService")
	s.Require().True(ok, "battery service MUST be resolved by name")
	s.Equal(device.KindBattery, bat.Kind())
	s.Equal(uint16(10), bat.Start())
	s.Equal(uint16(15), bat.End())

	vendor, ok := dev.FindService(device.UUID16(0x1234))
	s.Require().True(ok)
	s.Equal(device.KindGeneric, vendor.Kind())
	s.Equal(device.NameUnknown, vendor.Name())
	s.Equal(uint16(16), vendor.Start())
	s.Equal(uint16(20), vendor.End())
	_, ok = vendor.CharacteristicByHandle(18)
	s.True(ok)

	view, ok := bat.Battery()
	s.Require().True(ok)
	level, err := view.Level(ctx)
	s.Require().NoError(err)
	s.Equal(uint8(100), level)

	s.Require().NoError(dev.Disconnect(ctx, time.Second))
	s.Empty(dev.Services())
}

func (s *AdapterTestSuite) TestEventsRoutedByConnectionHandle() {
	// GOAL: Verify connection-scoped events reach only the device owning the handle

	widget := s.discover(widgetAddr, "Widget")
	other := s.discover(otherAddr, "Other")

	s.Require().NoError(widget.Connect(context.Background(), time.Second))
	s.Equal(device.StateDisconnected, other.State())

	// events for a connection nobody owns are dropped
	s.gw.Emit(
		bgapi.ConnectionDisconnected{Connection: 7},
		bgapi.AttributeValue{Connection: 7, AttHandle: 12, Type: bgapi.ValueNotify, Value: []byte{1}},
	)

	got := make(chan []byte, 1)
	level, err := widget.FindCharacteristic(device.UUIDBattery, device.UUIDBatteryLevel)
	s.Require().NoError(err)
	level.SetNotifyHandler(func(v []byte) { got <- v })

	s.gw.Emit(bgapi.AttributeValue{Connection: 1, AttHandle: 12, Type: bgapi.ValueNotify, Value: []byte{2}})
	select {
	case v := <-got:
		s.Equal([]byte{2}, v, "only the owner's notification MUST be delivered")
	case <-time.After(time.Second):
		s.FailNow("notification MUST be routed to the connected device")
	}
	s.True(widget.IsConnected())
}

func (s *AdapterTestSuite) TestConnectionStatusForUnknownAddressDropped() {
	s.gw.Emit(bgapi.ConnectionStatus{Connection: 3, Flags: bgapi.ConnFlagConnected, Address: otherAddr})
	dev := s.discover(widgetAddr, "Widget")
	s.Equal(device.StateDisconnected, dev.State())
	_, ok := s.a.FindDevice(otherAddr)
	s.False(ok)
}

func (s *AdapterTestSuite) TestScanRefreshesKnownDevices() {
	dev := s.discover(widgetAddr, "")
	s.Equal("", dev.Name())
	s.Eventually(func() bool { return !dev.LastSeen().IsZero() }, time.Second, 5*time.Millisecond,
		"a discovered device MUST record when it was seen")
	firstSeen := dev.LastSeen()

	time.Sleep(5 * time.Millisecond)
	s.gw.Emit(widgetScan(widgetAddr, "Widget", -70))
	s.Eventually(func() bool { return dev.Name() == "Widget" }, time.Second, 5*time.Millisecond)
	s.True(dev.LastSeen().After(firstSeen), "a repeated scan result MUST refresh the last-seen time")
	s.Equal(int8(-70), dev.RSSI())
	s.Len(s.a.Devices(), 1, "a repeated scan result MUST NOT create a second device")

	first := <-s.a.Discoveries()
	s.Equal(adapter.DiscoveryNew, first.Type)
	second := <-s.a.Discoveries()
	s.Equal(adapter.DiscoveryUpdated, second.Type)
	s.Same(dev, second.Device)
}

func (s *AdapterTestSuite) TestDevicesInDiscoveryOrder() {
	s.discover(otherAddr, "Other")
	s.discover(widgetAddr, "Widget")

	devs := s.a.Devices()
	s.Require().Len(devs, 2)
	s.Equal(otherAddr, devs[0].Address())
	s.Equal(widgetAddr, devs[1].Address())
}

func (s *AdapterTestSuite) TestResetIgnoresResultCodes() {
	s.gw.Responder = func(cmd bgapi.Command) []bgapi.Message {
		return []bgapi.Message{bgapi.Response{Command: cmd.ID(), Result: 0x0186}}
	}

	s.Require().NoError(s.a.Reset(context.Background()))
	s.Equal([]bgapi.CommandID{bgapi.CmdConnectionDisconnect, bgapi.CmdGapEndProcedure}, s.gw.SentIDs())
	s.Equal(bgapi.ConnectionDisconnect{Connection: 0}, s.gw.Sent()[0])
}

func (s *AdapterTestSuite) TestWaitForDeviceScansUntilSeen() {
	// GOAL: Verify WaitForDevice starts a scan, returns once the address appears and stops the scan

	res := make(chan *device.Device, 1)
	errc := make(chan error, 1)
	go func() {
		dev, err := s.a.WaitForDevice(context.Background(), widgetAddr)
		errc <- err
		res <- dev
	}()

	s.gw.WaitSent(s.T(), 1, time.Second)
	s.Equal(bgapi.CmdGapDiscover, s.gw.SentIDs()[0])

	s.gw.Emit(widgetScan(otherAddr, "Other", -60), widgetScan(widgetAddr, "Widget", -50))
	s.Require().NoError(<-errc)
	dev := <-res
	s.Equal(widgetAddr, dev.Address())

	s.gw.WaitSent(s.T(), 2, time.Second)
	s.Equal(bgapi.CmdGapEndProcedure, s.gw.SentIDs()[1])
	s.False(s.a.Scanning())
}

func (s *AdapterTestSuite) TestWaitForDeviceHonorsContext() {
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := s.a.WaitForDevice(ctx, widgetAddr)
	s.ErrorIs(err, context.DeadlineExceeded)
}

func (s *AdapterTestSuite) TestCloseStopsWorker() {
	s.Require().NoError(s.a.Close())
	select {
	case <-s.a.Done():
	case <-time.After(time.Second):
		s.FailNow("worker MUST stop on Close")
	}
	_, ok := <-s.a.Discoveries()
	s.False(ok, "discovery stream MUST be closed")
}

func TestAdapterTestSuite(t *testing.T) {
	suite.Run(t, new(AdapterTestSuite))
}

func TestScanForWithSimulator(t *testing.T) {
	// GOAL: Verify ScanFor collects every simulated peripheral and leaves the controller idle

	profile, err := simulator.ParseProfile([]byte(simulator.DefaultProfile))
	require.NoError(t, err)
	gw, err := simulator.New(profile, nil, simulator.WithScanInterval(10*time.Millisecond))
	require.NoError(t, err)

	a := adapter.Open(context.Background(), gw, adapter.Config{}, nil)
	defer a.Close()

	require.NoError(t, a.ScanFor(context.Background(), 100*time.Millisecond))
	require.False(t, a.Scanning(), "scan MUST be stopped after ScanFor")

	devs := a.Devices()
	require.Len(t, devs, 2)
	require.Equal(t, "Widget", devs[0].Name())
	require.Equal(t, "DfuTarget", devs[1].Name())
}

package cmdq_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/srg/bgatt/internal/bgapi"
	"github.com/srg/bgatt/internal/cmdq"
	"github.com/srg/bgatt/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
)

type ChannelTestSuite struct {
	suite.Suite

	gw      *testutils.FakeGateway
	ch      *cmdq.Channel
	events  chan bgapi.Message
	cancel  context.CancelFunc
	stopped chan error
}

func (s *ChannelTestSuite) start(gw *testutils.FakeGateway, timeout time.Duration) {
	logger := logrus.New()
	logger.SetLevel(logrus.DebugLevel)

	s.gw = gw
	s.ch = cmdq.New(gw, timeout, logger)
	s.events = make(chan bgapi.Message, 64)
	s.stopped = make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go func() {
		s.stopped <- s.ch.Run(ctx, func(msg bgapi.Message) {
			if resp, ok := msg.(bgapi.Response); ok {
				s.ch.Deliver(resp)
				return
			}
			s.events <- msg
		})
	}()
}

func (s *ChannelTestSuite) TearDownTest() {
	if s.cancel != nil {
		s.cancel()
		<-s.stopped
		s.cancel = nil
	}
}

func (s *ChannelTestSuite) wait(req *cmdq.Request) (bgapi.Response, error) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	return req.Wait(ctx)
}

func (s *ChannelTestSuite) TestSingleOutstandingCommand() {
	// GOAL: Verify the channel never has more than one unanswered command on the gateway
	//
	// TEST SCENARIO: Enqueue three commands on a silent gateway → only the first is sent →
	// answering each releases the next, in enqueue order

	s.start(testutils.Silent(), time.Second)

	r1 := s.ch.Enqueue(bgapi.GapDiscover{Mode: bgapi.DiscoverGeneric})
	r2 := s.ch.Enqueue(bgapi.GapEndProcedure{})
	r3 := s.ch.Enqueue(bgapi.ConnectionDisconnect{Connection: 0})

	s.gw.WaitSent(s.T(), 1, time.Second)
	time.Sleep(30 * time.Millisecond)
	s.Require().Len(s.gw.Sent(), 1, "MUST send only one command while a response is pending")
	s.Equal(3, s.ch.Pending())

	s.gw.Emit(bgapi.Response{Command: bgapi.CmdGapDiscover})
	_, err := s.wait(r1)
	s.Require().NoError(err)

	s.gw.WaitSent(s.T(), 2, time.Second)
	s.gw.Emit(bgapi.Response{Command: bgapi.CmdGapEndProcedure})
	_, err = s.wait(r2)
	s.Require().NoError(err)

	s.gw.WaitSent(s.T(), 3, time.Second)
	s.gw.Emit(bgapi.Response{Command: bgapi.CmdConnectionDisconnect})
	_, err = s.wait(r3)
	s.Require().NoError(err)

	s.Equal([]bgapi.CommandID{
		bgapi.CmdGapDiscover,
		bgapi.CmdGapEndProcedure,
		bgapi.CmdConnectionDisconnect,
	}, s.gw.SentIDs(), "MUST send commands in enqueue order")
}

func (s *ChannelTestSuite) TestEventsInterleaveWithPendingCommand() {
	// GOAL: Verify events are dispatched while a command is still waiting for its response

	s.start(testutils.Silent(), time.Second)

	req := s.ch.Enqueue(bgapi.GapDiscover{Mode: bgapi.DiscoverGeneric})
	s.gw.WaitSent(s.T(), 1, time.Second)

	s.gw.Emit(bgapi.ScanResponse{RSSI: -40, Sender: [6]byte{1, 2, 3, 4, 5, 6}})

	select {
	case msg := <-s.events:
		s.IsType(bgapi.ScanResponse{}, msg)
	case <-time.After(time.Second):
		s.Fail("MUST dispatch events while a command is in flight")
	}

	select {
	case <-req.Done():
		s.Fail("request MUST still be pending")
	default:
	}
}

func (s *ChannelTestSuite) TestResponseTimeout() {
	// GOAL: Verify an unanswered command fails with ErrCommandTimeout and the channel moves on
	//
	// TEST SCENARIO: First command never answered → times out → second command is sent →
	// late response for the first is dropped

	s.start(testutils.Silent(), 50*time.Millisecond)

	r1 := s.ch.Enqueue(bgapi.AttClientReadByHandle{Connection: 0, Handle: 3})
	r2 := s.ch.Enqueue(bgapi.GapEndProcedure{})

	_, err := s.wait(r1)
	s.Require().Error(err)
	s.True(errors.Is(err, cmdq.ErrCommandTimeout), "MUST surface ErrCommandTimeout, got %v", err)

	s.gw.WaitSent(s.T(), 2, time.Second)
	s.False(s.ch.Deliver(bgapi.Response{Command: bgapi.CmdAttClientReadByHandle}),
		"late response MUST NOT match the next in-flight command")

	s.gw.Emit(bgapi.Response{Command: bgapi.CmdGapEndProcedure})
	_, err = s.wait(r2)
	s.NoError(err)
}

func (s *ChannelTestSuite) TestSendErrorFailsRequest() {
	// GOAL: Verify transport errors are reported to the request, and the next command is still sent

	gw := testutils.NewFakeGateway()
	sendErr := errors.New("serial write failed")
	gw.FailSends(sendErr)
	s.start(gw, time.Second)

	req := s.ch.Enqueue(bgapi.GapDiscover{})
	_, err := s.wait(req)
	s.Require().Error(err)
	s.True(errors.Is(err, sendErr), "MUST wrap the transport error")

	gw.FailSends(nil)
	req = s.ch.Enqueue(bgapi.GapEndProcedure{})
	_, err = s.wait(req)
	s.NoError(err)
}

func (s *ChannelTestSuite) TestResultCodeSurfacesAsError() {
	gw := testutils.NewFakeGateway()
	gw.Responder = func(cmd bgapi.Command) []bgapi.Message {
		return []bgapi.Message{bgapi.Response{Command: cmd.ID(), Result: 0x0181}}
	}
	s.start(gw, time.Second)

	resp, err := s.wait(s.ch.Enqueue(bgapi.GapConnectDirect{}))
	s.Require().Error(err)

	var resErr *bgapi.ResultError
	s.Require().True(errors.As(err, &resErr))
	s.Equal(uint16(0x0181), resErr.Code)
	s.Equal(bgapi.CmdGapConnectDirect, resErr.Command)
	s.Equal(uint16(0x0181), resp.Result)
}

func (s *ChannelTestSuite) TestShutdownFailsPendingRequests() {
	// GOAL: Verify no request is silently dropped when the worker stops

	s.start(testutils.Silent(), time.Second)

	r1 := s.ch.Enqueue(bgapi.GapDiscover{})
	r2 := s.ch.Enqueue(bgapi.GapEndProcedure{})
	s.gw.WaitSent(s.T(), 1, time.Second)

	s.cancel()
	s.ErrorIs(<-s.stopped, context.Canceled)
	s.cancel = nil

	_, err := s.wait(r1)
	s.ErrorIs(err, cmdq.ErrClosed)
	_, err = s.wait(r2)
	s.ErrorIs(err, cmdq.ErrClosed)

	r3 := s.ch.Enqueue(bgapi.GapDiscover{})
	s.ErrorIs(r3.Err(), cmdq.ErrClosed, "enqueue after shutdown MUST fail immediately")
}

func (s *ChannelTestSuite) TestGatewayCloseStopsWorker() {
	s.start(testutils.Silent(), time.Second)

	req := s.ch.Enqueue(bgapi.GapDiscover{})
	s.gw.WaitSent(s.T(), 1, time.Second)
	s.Require().NoError(s.gw.Close())

	select {
	case err := <-s.stopped:
		s.ErrorIs(err, bgapi.ErrGatewayClosed)
	case <-time.After(time.Second):
		s.FailNow("worker MUST stop when the gateway closes")
	}
	s.cancel()
	s.cancel = nil

	_, err := s.wait(req)
	s.ErrorIs(err, bgapi.ErrGatewayClosed)
}

func TestChannelTestSuite(t *testing.T) {
	suite.Run(t, new(ChannelTestSuite))
}

func TestRequestErrIsNilWhilePending(t *testing.T) {
	gw := testutils.Silent()
	ch := cmdq.New(gw, 0, nil)

	req := ch.Enqueue(bgapi.GapDiscover{})
	assert.NoError(t, req.Err())
	assert.Equal(t, 1, ch.Pending())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := req.Wait(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

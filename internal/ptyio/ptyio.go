// Package ptyio wraps a pseudo-terminal master in ring buffers so callers
// never block on the terminal: writes are queued, and data typed into the
// slave is buffered and handed to a callback.
//
//	p, err := ptyio.NewPty(4096, 4096, logger)
//	// p.TTYName() -> "/dev/pts/5"
//	p.SetReadCallback(func(b []byte) { ... })
//	p.Write([]byte("hello\n"))
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"github.com/srg/bgatt/internal/groutine"
	"golang.org/x/sys/unix"
	"golang.org/x/term"
)

// ErrUnavailable is returned when the system cannot allocate a terminal.
var ErrUnavailable = errors.New("pty unavailable")

// ErrorCallback is invoked at most once per loop when it dies on an
// unexpected error. The PTY should be closed afterwards.
type ErrorCallback func(err error)

// ReadCallback receives data written into the slave. It runs on a background
// goroutine and must not retain data.
type ReadCallback func(data []byte)

// DefaultPollTimeout bounds how long the loops wait before rechecking for
// shutdown.
const DefaultPollTimeout = 50 * time.Millisecond

type Options struct {
	ReadCap     int // bytes buffered from the slave
	WriteCap    int // bytes queued for the slave
	Logger      *logrus.Logger
	OnError     ErrorCallback
	PollTimeout time.Duration
}

// PTY is a non-blocking pseudo-terminal master.
type PTY interface {
	io.ReadWriteCloser
	Stats() Stats
	TTYName() string
	SetReadCallback(cb ReadCallback)
}

type Stats struct {
	WriteQueueLen int
	ReadQueueLen  int

	DroppedWriteCount uint64
	DroppedReadCount  uint64
	ReadBytesTotal    uint64
	WriteBytesTotal   uint64
}

var discard = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}()

type ringPTY struct {
	logger      *logrus.Logger
	master      *os.File
	slave       *os.File
	ttyName     string
	onError     ErrorCallback
	errOnce     sync.Once
	pollTimeout int // ms

	writeBuf *ringbuffer.RingBuffer
	readBuf  *ringbuffer.RingBuffer

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	readCb      atomic.Pointer[ReadCallback]
	readNotify  chan struct{}
	writeNotify chan struct{}
	closed      atomic.Bool

	droppedWrite atomic.Uint64
	droppedRead  atomic.Uint64
	readBytes    atomic.Uint64
	writeBytes   atomic.Uint64
}

// NewPty opens a raw-mode terminal pair.
func NewPty(readCap, writeCap int, logger *logrus.Logger) (PTY, error) {
	return NewPtyWithOptions(Options{ReadCap: readCap, WriteCap: writeCap, Logger: logger})
}

func NewPtyWithOptions(opts Options) (PTY, error) {
	if opts.ReadCap <= 0 || opts.WriteCap <= 0 {
		return nil, fmt.Errorf("buffer capacities must be > 0")
	}
	master, slave, err := openRaw()
	if err != nil {
		return nil, err
	}

	logger := opts.Logger
	if logger == nil {
		logger = discard
	}
	poll := opts.PollTimeout
	if poll <= 0 {
		poll = DefaultPollTimeout
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &ringPTY{
		logger:      logger,
		master:      master,
		slave:       slave, // kept open so the slave node outlives external openers
		ttyName:     slave.Name(),
		onError:     opts.OnError,
		pollTimeout: int(poll / time.Millisecond),
		writeBuf:    ringbuffer.New(opts.WriteCap),
		readBuf:     ringbuffer.New(opts.ReadCap),
		ctx:         ctx,
		cancel:      cancel,
		readNotify:  make(chan struct{}, 1),
		writeNotify: make(chan struct{}, 1),
	}

	p.wg.Add(3)
	groutine.Go(ctx, "tty-read-loop", func(context.Context) { p.readLoop() })
	groutine.Go(ctx, "tty-write-loop", func(context.Context) { p.writeLoop() })
	groutine.Go(ctx, "tty-dispatcher", func(context.Context) { p.dispatch() })
	return p, nil
}

func openRaw() (*os.File, *os.File, error) {
	master, slave, err := pty.Open()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	fail := func(what string, err error) (*os.File, *os.File, error) {
		name := slave.Name()
		_ = master.Close()
		_ = slave.Close()
		return nil, nil, fmt.Errorf("failed to set %s %s: %w", name, what, err)
	}
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		return fail("raw mode", err)
	}
	if err := syscall.SetNonblock(int(master.Fd()), true); err != nil {
		return fail("nonblocking mode", err)
	}
	return master, slave, nil
}

func (p *ringPTY) fatal(loop string, err error) {
	p.logger.Warnf("%s exiting on error: %v", loop, err)
	if p.onError != nil {
		p.errOnce.Do(func() { p.onError(fmt.Errorf("%s: %w", loop, err)) })
	}
}

func (p *ringPTY) writeLoop() {
	defer p.wg.Done()

	master := p.master
	pollFd := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLOUT}}
	buf := make([]byte, 4096)

	for p.ctx.Err() == nil {
		n, err := p.writeBuf.TryRead(buf)
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			p.logger.Warnf("writeLoop TryRead error: %v", err)
		}
		if n == 0 {
			select {
			case <-p.ctx.Done():
				return
			case <-p.writeNotify:
			}
			continue
		}

		for off := 0; off < n; {
			w, err := master.Write(buf[off:n])
			if w > 0 {
				off += w
				p.writeBytes.Add(uint64(w))
			}
			switch {
			case err == nil:
			case errors.Is(err, syscall.EINTR):
			case errors.Is(err, syscall.EAGAIN):
				if _, perr := unix.Poll(pollFd, p.pollTimeout); perr != nil && !errors.Is(perr, syscall.EINTR) {
					p.logger.Warnf("writeLoop poll error: %v", perr)
				}
				if p.ctx.Err() != nil {
					return
				}
			case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed):
				return
			default:
				p.fatal("writeLoop", err)
				return
			}
		}
	}
}

func (p *ringPTY) readLoop() {
	defer p.wg.Done()

	master := p.master
	pollFd := []unix.PollFd{{Fd: int32(master.Fd()), Events: unix.POLLIN}}
	buf := make([]byte, 4096)

	for p.ctx.Err() == nil {
		ready, err := unix.Poll(pollFd, p.pollTimeout)
		if err != nil && !errors.Is(err, syscall.EINTR) {
			p.logger.Warnf("readLoop poll error: %v", err)
			continue
		}
		if ready == 0 {
			continue
		}

		n, err := master.Read(buf)
		if n > 0 {
			written, werr := p.readBuf.Write(buf[:n])
			if werr != nil && !errors.Is(werr, ringbuffer.ErrIsFull) {
				p.logger.Warnf("readLoop buffer error: %v", werr)
			}
			if written < n {
				p.droppedRead.Add(uint64(n - written))
				p.logger.Warnf("Read buffer overflow: dropped %d bytes", n-written)
			}
			p.readBytes.Add(uint64(written))
			if written > 0 {
				p.notify()
			}
		}

		switch {
		case err == nil:
		case errors.Is(err, syscall.EAGAIN), errors.Is(err, syscall.EINTR):
		case errors.Is(err, syscall.EBADF), errors.Is(err, os.ErrClosed), errors.Is(err, io.EOF):
			return
		case errors.Is(err, syscall.EIO):
			// every slave opener closed; wait for the next one
			time.Sleep(time.Duration(p.pollTimeout) * time.Millisecond)
		default:
			p.fatal("readLoop", err)
			return
		}
	}
}

func (p *ringPTY) notify() {
	select {
	case p.readNotify <- struct{}{}:
	default:
	}
}

// dispatch hands buffered slave input to the read callback.
func (p *ringPTY) dispatch() {
	defer p.wg.Done()

	tmp := make([]byte, 4096)
	for {
		select {
		case <-p.ctx.Done():
			return
		case <-p.readNotify:
		}

		for p.ctx.Err() == nil {
			cb := p.readCb.Load()
			if cb == nil {
				break
			}
			n, _ := p.readBuf.TryRead(tmp)
			if n == 0 {
				break
			}
			p.invoke(*cb, tmp[:n])
		}
	}
}

func (p *ringPTY) invoke(cb ReadCallback, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Errorf("ReadCallback panicked: %v", r)
			p.readCb.Store(nil)
			if p.onError != nil {
				p.errOnce.Do(func() { p.onError(fmt.Errorf("read callback panic: %v", r)) })
			}
		}
	}()
	cb(data)
}

// Write queues data for the slave without blocking. When the queue is full
// the excess is dropped and n reports how much was queued.
func (p *ringPTY) Write(data []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(data) == 0 {
		return 0, nil
	}
	n, err := p.writeBuf.Write(data)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return n, err
	}
	if n < len(data) {
		p.droppedWrite.Add(uint64(len(data) - n))
		p.logger.Warnf("Write buffer overflow: dropped %d bytes", len(data)-n)
	}
	select {
	case p.writeNotify <- struct{}{}:
	default:
	}
	return n, nil
}

// Read returns buffered slave input, or syscall.EAGAIN when there is none.
func (p *ringPTY) Read(b []byte) (int, error) {
	if p.closed.Load() {
		return 0, os.ErrClosed
	}
	if len(b) == 0 {
		return 0, nil
	}
	n, err := p.readBuf.TryRead(b)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
		return 0, err
	}
	if n == 0 {
		return 0, syscall.EAGAIN
	}
	return n, nil
}

// SetReadCallback installs cb (nil unregisters). Data already buffered is
// delivered right away.
func (p *ringPTY) SetReadCallback(cb ReadCallback) {
	if p.closed.Load() {
		return
	}
	if cb == nil {
		p.readCb.Store(nil)
		return
	}
	p.readCb.Store(&cb)
	p.notify()
}

func (p *ringPTY) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()

	var errs []error
	if err := p.master.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close master: %w", err))
	}
	if err := p.slave.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close slave: %w", err))
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		p.logger.Errorf("PTY %s: loops did not exit within 5s", p.ttyName)
	}
	return errors.Join(errs...)
}

func (p *ringPTY) Stats() Stats {
	return Stats{
		WriteQueueLen:     p.writeBuf.Length(),
		ReadQueueLen:      p.readBuf.Length(),
		DroppedWriteCount: p.droppedWrite.Load(),
		DroppedReadCount:  p.droppedRead.Load(),
		ReadBytesTotal:    p.readBytes.Load(),
		WriteBytesTotal:   p.writeBytes.Load(),
	}
}

func (p *ringPTY) TTYName() string {
	return p.ttyName
}

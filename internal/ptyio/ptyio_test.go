package ptyio_test

import (
	"errors"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/srg/bgatt/internal/ptyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newPty(t *testing.T) (ptyio.PTY, *os.File) {
	t.Helper()
	p, err := ptyio.NewPty(1024, 1024, nil)
	if errors.Is(err, ptyio.ErrUnavailable) {
		t.Skipf("no pseudo-terminals on this system: %v", err)
	}
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })

	slave, err := os.OpenFile(p.TTYName(), os.O_RDWR|syscall.O_NOCTTY, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = slave.Close() })
	return p, slave
}

func TestSlaveInputReachesCallback(t *testing.T) {
	p, slave := newPty(t)

	var (
		mu  sync.Mutex
		got []byte
	)
	p.SetReadCallback(func(data []byte) {
		mu.Lock()
		got = append(got, data...)
		mu.Unlock()
	})

	_, err := slave.Write([]byte("hello"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return string(got) == "hello"
	}, 2*time.Second, 10*time.Millisecond, "bytes typed into the slave MUST reach the callback")
	assert.Equal(t, uint64(5), p.Stats().ReadBytesTotal)
}

func TestWriteReachesSlave(t *testing.T) {
	p, slave := newPty(t)

	n, err := p.Write([]byte("pong"))
	require.NoError(t, err)
	require.Equal(t, 4, n)

	result := make(chan string, 1)
	go func() {
		buf := make([]byte, 16)
		n, _ := slave.Read(buf)
		result <- string(buf[:n])
	}()

	select {
	case s := <-result:
		assert.Equal(t, "pong", s)
	case <-time.After(2 * time.Second):
		t.Fatal("queued bytes MUST be written to the slave")
	}
}

func TestReadWithoutCallback(t *testing.T) {
	p, slave := newPty(t)

	buf := make([]byte, 8)
	_, err := p.Read(buf)
	assert.ErrorIs(t, err, syscall.EAGAIN, "an empty buffer MUST report EAGAIN")

	_, err = slave.Write([]byte("xy"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		n, err := p.Read(buf)
		return err == nil && string(buf[:n]) == "xy"
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClose(t *testing.T) {
	p, _ := newPty(t)

	require.NoError(t, p.Close())
	assert.NoError(t, p.Close(), "closing twice MUST be a no-op")

	_, err := p.Write([]byte("x"))
	assert.ErrorIs(t, err, os.ErrClosed)
	_, err = p.Read(make([]byte, 1))
	assert.ErrorIs(t, err, os.ErrClosed)
}

func TestInvalidOptions(t *testing.T) {
	_, err := ptyio.NewPtyWithOptions(ptyio.Options{ReadCap: 0, WriteCap: 8})
	assert.Error(t, err)
}

package bridge_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"syscall"
	"testing"
	"time"

	"github.com/srg/bgatt/bridge"
	"github.com/srg/bgatt/internal/device"
	"github.com/srg/bgatt/internal/ptyio"
	"github.com/srg/bgatt/internal/testutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBridgeEchoesThroughPTY(t *testing.T) {
	// GOAL: Verify bytes typed into the terminal reach RX and TX notifications come back out
	//
	// TEST SCENARIO: bridge simulated Widget UART → write "ping" to slave → read echoed "ping"

	helper := testutils.NewTestHelper(t)
	a, _ := helper.SimulatedAdapter("")
	addr, err := device.ParseAddress("AA:BB:CC:DD:EE:FF")
	require.NoError(t, err)

	link := filepath.Join(t.TempDir(), "widget")
	var phases []string

	echoed, err := bridge.RunDeviceBridge(context.Background(), a, &bridge.Options{
		Address:        addr,
		ConnectTimeout: 2 * time.Second,
		TTYSymlinkPath: link,
		Logger:         helper.Logger,
	}, func(phase string) { phases = append(phases, phase) },
		func(b bridge.Bridge) (string, error) {
			target, err := os.Readlink(link)
			require.NoError(t, err)
			require.Equal(t, b.TTYName(), target, "symlink MUST point at the slave")

			slave, err := os.OpenFile(b.TTYSymlink(), os.O_RDWR|syscall.O_NOCTTY, 0)
			if err != nil {
				return "", err
			}
			defer slave.Close()

			if _, err := slave.Write([]byte("ping")); err != nil {
				return "", err
			}

			result := make(chan string, 1)
			go func() {
				buf := make([]byte, 16)
				n, _ := slave.Read(buf)
				result <- string(buf[:n])
			}()
			select {
			case s := <-result:
				return s, nil
			case <-time.After(2 * time.Second):
				return "", errors.New("no echo from the device")
			}
		})
	if errors.Is(err, ptyio.ErrUnavailable) {
		t.Skipf("no pseudo-terminals on this system: %v", err)
	}
	require.NoError(t, err)

	assert.Equal(t, "ping", echoed)
	assert.Equal(t, []string{"Scanning", "Connecting", "Connected", "Processing results", "Setting up PTY", "Running"}, phases)
	_, err = os.Lstat(link)
	assert.True(t, os.IsNotExist(err), "symlink MUST be removed when the bridge stops")

	dev, ok := a.FindDevice(addr)
	require.True(t, ok)
	assert.Eventually(t, func() bool { return !dev.IsConnected() }, time.Second, 10*time.Millisecond)
}

func TestBridgeRequiresCharacteristics(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	a, _ := helper.SimulatedAdapter("")
	addr, err := device.ParseAddress("11:22:33:44:55:66")
	require.NoError(t, err)

	_, err = bridge.RunDeviceBridge(context.Background(), a, &bridge.Options{
		Address:        addr,
		ConnectTimeout: 2 * time.Second,
	}, nil, func(bridge.Bridge) (struct{}, error) {
		t.Fatal("callback MUST NOT run without a UART service")
		return struct{}{}, nil
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bridge RX")

	var nf *device.NotFoundError
	assert.ErrorAs(t, err, &nf)
}

func TestBridgeRequiresOptions(t *testing.T) {
	helper := testutils.NewTestHelper(t)
	a, _ := helper.SimulatedAdapter("")

	_, err := bridge.RunDeviceBridge[int](context.Background(), a, nil, nil, nil)
	assert.Error(t, err)
}

func TestChunk(t *testing.T) {
	data := make([]byte, 45)
	for i := range data {
		data[i] = byte(i)
	}

	chunks := bridge.Chunk(data, 20)
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 20)
	assert.Len(t, chunks[1], 20)
	assert.Equal(t, data[40:], chunks[2])

	assert.Empty(t, bridge.Chunk(nil, 20))

	data[0] = 0xFF
	assert.Equal(t, byte(0), chunks[0][0], "chunks MUST NOT alias the input")
}

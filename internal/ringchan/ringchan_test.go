package ringchan

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestForceSendDropsOldest(t *testing.T) {
	// GOAL: Verify a full ring keeps the newest values and counts what it dropped

	rc := New[int](3)
	for i := 1; i <= 5; i++ {
		rc.ForceSend(i)
	}

	require.Equal(t, 3, rc.Len())
	var got []int
	for {
		v, ok := rc.TryReceive()
		if !ok {
			break
		}
		got = append(got, v)
	}
	assert.Equal(t, []int{3, 4, 5}, got, "MUST keep the newest values in order")

	m := rc.Metrics()
	assert.Equal(t, int64(5), m.Written)
	assert.Equal(t, int64(2), m.Overwritten)
}

func TestForceSendReportsDrop(t *testing.T) {
	rc := New[string](1)
	assert.False(t, rc.ForceSend("a"))
	assert.True(t, rc.ForceSend("b"))
	assert.Equal(t, "b", <-rc.C())
}

func TestCloseEndsRange(t *testing.T) {
	rc := New[int](2)
	rc.ForceSend(1)
	rc.Close()

	var got []int
	for v := range rc.C() {
		got = append(got, v)
	}
	assert.Equal(t, []int{1}, got)

	_, ok := rc.TryReceive()
	assert.False(t, ok)
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	assert.Panics(t, func() { New[int](0) })
}

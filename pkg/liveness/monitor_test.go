package liveness

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/HMasataka/relay/pkg/domain"
	"github.com/HMasataka/relay/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testInterval = 30 * time.Millisecond
	testDeadline = 15 * time.Millisecond
)

func testOptions(onDead func(error)) Options {
	return Options{
		Interval: testInterval,
		Deadline: testDeadline,
		OnDead:   onDead,
	}
}

func TestMonitorEvictsSilentPeer(t *testing.T) {
	var pings atomic.Int32
	dead := make(chan error, 2)

	m := New(ProberFunc(func() error {
		pings.Add(1)
		return nil
	}), testOptions(func(err error) { dead <- err }))
	m.Start()
	defer m.Stop()

	select {
	case err := <-dead:
		assert.True(t, errors.Is(err, domain.ErrLivenessTimeout))
	case <-time.After(testInterval + testDeadline + 200*time.Millisecond):
		t.Fatal("silent peer was not evicted")
	}

	assert.Equal(t, StateDead, m.State())
	assert.Equal(t, int32(1), pings.Load())

	time.Sleep(2 * testInterval)
	assert.Empty(t, dead, "OnDead must fire once")
}

func TestMonitorKeepsResponsivePeer(t *testing.T) {
	var m *Monitor
	dead := make(chan error, 1)

	m = New(ProberFunc(func() error {
		go m.Pong()
		return nil
	}), testOptions(func(err error) { dead <- err }))
	m.Start()

	time.Sleep(8 * testInterval)
	m.Stop()

	assert.Empty(t, dead)
	assert.GreaterOrEqual(t, m.Confirmed(), int64(3))
	assert.Equal(t, StateStopped, m.State())
}

func TestMonitorProbeFailureIsFatal(t *testing.T) {
	dead := make(chan error, 1)
	cause := fmt.Errorf("broken pipe")

	m := New(ProberFunc(func() error { return cause }), testOptions(func(err error) { dead <- err }))
	m.Start()
	defer m.Stop()

	select {
	case err := <-dead:
		assert.True(t, errors.Is(err, domain.ErrLivenessTimeout))
		assert.ErrorIs(t, err, cause)
	case <-time.After(testInterval + 200*time.Millisecond):
		t.Fatal("probe failure did not kill the monitor")
	}
	assert.Equal(t, StateDead, m.State())
}

func TestMonitorIgnoresUnsolicitedPong(t *testing.T) {
	dead := make(chan error, 1)

	m := New(ProberFunc(func() error { return nil }), testOptions(func(err error) { dead <- err }))
	m.Pong()
	m.Start()
	defer m.Stop()

	select {
	case <-dead:
	case <-time.After(testInterval + testDeadline + 200*time.Millisecond):
		t.Fatal("stale pong answered the probe")
	}
	assert.Equal(t, int64(0), m.Confirmed())
}

func TestMonitorStopPreventsEviction(t *testing.T) {
	var fired atomic.Bool

	m := New(ProberFunc(func() error { return nil }), testOptions(func(error) { fired.Store(true) }))
	m.Start()
	m.Stop()
	m.Stop()

	time.Sleep(testInterval + testDeadline + 30*time.Millisecond)
	assert.False(t, fired.Load())
	require.Equal(t, StateStopped, m.State())
}

func TestMonitorStopWithoutStart(t *testing.T) {
	m := New(ProberFunc(func() error { return nil }), testOptions(nil))
	m.Stop()
	assert.Equal(t, StateIdle, m.State())
}

package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeartbeatMonitor_NeverBeatIsNotTimedOut(t *testing.T) {
	m := NewHeartbeatMonitor(time.Second)

	assert.False(t, m.IsTimedOut(), "a session that never beat must not time out")
	assert.Nil(t, m.SecondsSinceLast())
}

func TestHeartbeatMonitor_TimesOutAfterThreshold(t *testing.T) {
	m := NewHeartbeatMonitor(300 * time.Second)

	base := time.Now()
	m.nowFn = func() time.Time { return base }
	m.Beat()

	assert.False(t, m.IsTimedOut())

	m.nowFn = func() time.Time { return base.Add(301 * time.Second) }
	assert.True(t, m.IsTimedOut())

	since := m.SecondsSinceLast()
	require.NotNil(t, since)
	assert.InDelta(t, 301.0, *since, 0.001)
}

func TestHeartbeatMonitor_BeatResets(t *testing.T) {
	m := NewHeartbeatMonitor(10 * time.Second)

	base := time.Now()
	m.nowFn = func() time.Time { return base }
	m.Beat()

	m.nowFn = func() time.Time { return base.Add(11 * time.Second) }
	require.True(t, m.IsTimedOut())

	m.Beat()
	assert.False(t, m.IsTimedOut())
}

func TestConnectionLossMonitor_Breach(t *testing.T) {
	m := NewConnectionLossMonitor(30 * time.Second)

	assert.False(t, m.Breached(), "connected session must not breach")
	assert.Nil(t, m.SecondsDown())

	base := time.Now()
	m.nowFn = func() time.Time { return base }
	m.OnDisconnected()

	m.nowFn = func() time.Time { return base.Add(10 * time.Second) }
	assert.False(t, m.Breached())

	m.nowFn = func() time.Time { return base.Add(31 * time.Second) }
	assert.True(t, m.Breached())

	down := m.SecondsDown()
	require.NotNil(t, down)
	assert.InDelta(t, 31.0, *down, 0.001)
}

func TestConnectionLossMonitor_RepeatDisconnectKeepsFirstTimestamp(t *testing.T) {
	m := NewConnectionLossMonitor(30 * time.Second)

	base := time.Now()
	m.nowFn = func() time.Time { return base }
	m.OnDisconnected()

	// A second disconnect callback 20s later must not reset the outage clock.
	m.nowFn = func() time.Time { return base.Add(20 * time.Second) }
	m.OnDisconnected()

	m.nowFn = func() time.Time { return base.Add(31 * time.Second) }
	assert.True(t, m.Breached())
}

func TestConnectionLossMonitor_ReconnectClears(t *testing.T) {
	m := NewConnectionLossMonitor(30 * time.Second)

	base := time.Now()
	m.nowFn = func() time.Time { return base }
	m.OnDisconnected()

	m.OnConnected()

	m.nowFn = func() time.Time { return base.Add(time.Hour) }
	assert.False(t, m.Breached())
	assert.Nil(t, m.SecondsDown())
}

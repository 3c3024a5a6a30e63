package risk

import (
	"sync"
	"time"
)

// HeartbeatMonitor tracks agent keepalives. A session that has never beaten
// is not considered timed out.
type HeartbeatMonitor struct {
	mu       sync.Mutex
	timeout  time.Duration
	lastBeat *time.Time

	nowFn func() time.Time
}

// NewHeartbeatMonitor builds a monitor with the given timeout.
func NewHeartbeatMonitor(timeout time.Duration) *HeartbeatMonitor {
	return &HeartbeatMonitor{timeout: timeout, nowFn: time.Now}
}

// Beat records a keepalive.
func (m *HeartbeatMonitor) Beat() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.nowFn()
	m.lastBeat = &now
}

// SecondsSinceLast returns the age of the last beat, or nil if none yet.
func (m *HeartbeatMonitor) SecondsSinceLast() *float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastBeat == nil {
		return nil
	}
	seconds := m.nowFn().Sub(*m.lastBeat).Seconds()
	return &seconds
}

// IsTimedOut reports whether the last beat is older than the timeout.
func (m *HeartbeatMonitor) IsTimedOut() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastBeat == nil {
		return false
	}
	return m.nowFn().Sub(*m.lastBeat) > m.timeout
}

// ConnectionLossMonitor tracks how long the provider has been disconnected.
// Repeated disconnect callbacks keep the first outage timestamp.
type ConnectionLossMonitor struct {
	mu             sync.Mutex
	threshold      time.Duration
	disconnectedAt *time.Time

	nowFn func() time.Time
}

// NewConnectionLossMonitor builds a monitor with the given breach threshold.
func NewConnectionLossMonitor(threshold time.Duration) *ConnectionLossMonitor {
	return &ConnectionLossMonitor{threshold: threshold, nowFn: time.Now}
}

// OnConnected clears any outage.
func (m *ConnectionLossMonitor) OnConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnectedAt = nil
}

// OnDisconnected marks the outage start if one is not already running.
func (m *ConnectionLossMonitor) OnDisconnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disconnectedAt == nil {
		now := m.nowFn()
		m.disconnectedAt = &now
	}
}

// Breached reports whether the outage has lasted longer than the threshold.
func (m *ConnectionLossMonitor) Breached() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disconnectedAt == nil {
		return false
	}
	return m.nowFn().Sub(*m.disconnectedAt) > m.threshold
}

// SecondsDown returns the outage duration, or nil when connected.
func (m *ConnectionLossMonitor) SecondsDown() *float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disconnectedAt == nil {
		return nil
	}
	seconds := m.nowFn().Sub(*m.disconnectedAt).Seconds()
	return &seconds
}

// Package alert fans operator notifications out to configured channels.
// The daemon fires alerts on risk halts and resumes; sends are asynchronous
// so a slow webhook never blocks the halt path.
package alert

import (
	"context"
	"sync"
	"time"

	"brokerd/internal/core"
)

type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

// Payload is one operator notification.
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers a payload to one destination.
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager broadcasts alerts to every registered channel.
type Manager struct {
	channels []Channel
	logger   core.ILogger
	timeout  time.Duration
	mu       sync.RWMutex
	wg       sync.WaitGroup
}

// NewManager builds an empty manager; register destinations with AddChannel.
func NewManager(logger core.ILogger, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Manager{
		channels: make([]Channel, 0),
		logger:   logger.WithField("component", "alert_manager"),
		timeout:  timeout,
	}
}

func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("added alert channel", "name", ch.Name())
}

// Alert dispatches one payload to every channel, each on its own goroutine
// with its own timeout. Failures are logged, never propagated.
func (m *Manager) Alert(ctx context.Context, title, message string, level Level, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now().UTC(),
		Fields:    fields,
	}

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	for _, ch := range channels {
		m.wg.Add(1)
		go func(ch Channel) {
			defer m.wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, m.timeout)
			defer cancel()
			if err := ch.Send(sendCtx, payload); err != nil {
				m.logger.Warn("alert delivery failed", "channel", ch.Name(), "title", title, "error", err)
			}
		}(ch)
	}
}

// Wait blocks until in-flight sends finish. Called during shutdown.
func (m *Manager) Wait() {
	m.wg.Wait()
}

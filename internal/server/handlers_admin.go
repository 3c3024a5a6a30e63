package server

import (
	"context"
	"math"
	"time"

	"brokerd/internal/protocol"
)

func (s *Server) handleDaemonStatus(ctx context.Context, req *protocol.Request) (any, error) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()

	uptime := s.now().Sub(started).Seconds()
	return map[string]any{
		"uptime_seconds":        math.Round(uptime*1000) / 1000,
		"connection":            s.provider.Status(),
		"provider_capabilities": s.provider.Capabilities(),
		"risk_halted":           s.risk.Halted(),
		"time_sync_delta_ms":    nil,
		"socket":                s.cfg.SocketPath,
		"workers":               s.workers.Stats(),
	}, nil
}

// handleDaemonStop acks immediately and shuts the daemon down in the
// background so the reply still reaches the client.
func (s *Server) handleDaemonStop(ctx context.Context, req *protocol.Request) (any, error) {
	go func() {
		if err := s.Stop(context.Background()); err != nil {
			s.logger.Warn("stop failed", "error", err)
		}
	}()
	return map[string]any{"stopping": true}, nil
}

// handleKeepalive refreshes the agent heartbeat and echoes connection
// and halt state. latency_ms is measured against the caller's sent_at
// epoch seconds when provided.
func (s *Server) handleKeepalive(ctx context.Context, req *protocol.Request) (any, error) {
	s.monitor.Beat()

	p := params(req.Params)
	var latency any
	if p.has("sent_at") {
		if sentAt, ok := toFloat(p["sent_at"]); ok {
			elapsed := float64(time.Now().UnixNano())/1e9 - sentAt
			latency = math.Max(0, elapsed*1000)
		}
	}
	return map[string]any{
		"ok":         true,
		"latency_ms": latency,
		"connected":  s.provider.IsConnected(),
		"halted":     s.risk.Halted(),
	}, nil
}

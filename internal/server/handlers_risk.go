package server

import (
	"context"
	"fmt"

	"brokerd/internal/core"
	"brokerd/internal/protocol"
	"brokerd/internal/risk"
	apperrors "brokerd/pkg/errors"
)

// handleRiskCheck evaluates an order against the live portfolio context
// without submitting it. The verdict is returned as-is; denial is data
// here, not an error.
func (s *Server) handleRiskCheck(ctx context.Context, req *protocol.Request) (any, error) {
	p := params(req.Params)

	orderReq, err := orderRequestFromParams(p)
	if err != nil {
		return nil, err
	}
	result, err := s.orders.CheckOrder(ctx, orderReq)
	if err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Server) handleRiskLimits(ctx context.Context, req *protocol.Request) (any, error) {
	return map[string]any{
		"limits":    s.risk.Snapshot(),
		"overrides": s.risk.ListOverrides(),
	}, nil
}

func (s *Server) handleRiskSet(ctx context.Context, req *protocol.Request) (any, error) {
	p := params(req.Params)

	param, err := p.requireStr("param")
	if err != nil {
		return nil, err
	}
	value, ok := p["value"]
	if !ok || value == nil {
		return nil, missingParam("value")
	}

	snapshot, err := s.risk.SetLimit(param, value)
	if err != nil {
		return nil, apperrors.InvalidArgs(err.Error(),
			apperrors.WithDetail("valid_params", risk.MutableParams()),
			apperrors.WithSuggestion("Run `broker risk limits` to see the mutable parameters."),
		)
	}
	s.logRiskEvent(ctx, "limit_changed", map[string]any{"param": param, "value": value})
	return map[string]any{"limits": snapshot}, nil
}

func (s *Server) handleRiskHalt(ctx context.Context, req *protocol.Request) (any, error) {
	s.risk.Halt()
	s.logRiskEvent(ctx, "halt", map[string]any{"reason": "manual", "source": req.Source})
	s.Broadcast(core.NewEvent(core.TopicRisk, map[string]any{"event": "halt", "reason": "manual"}))
	return map[string]any{"halted": true}, nil
}

func (s *Server) handleRiskResume(ctx context.Context, req *protocol.Request) (any, error) {
	s.risk.Resume()
	s.logRiskEvent(ctx, "resume", map[string]any{"reason": "manual", "source": req.Source})
	s.Broadcast(core.NewEvent(core.TopicRisk, map[string]any{"event": "resume", "reason": "manual"}))
	return map[string]any{"halted": false}, nil
}

func (s *Server) handleRiskOverride(ctx context.Context, req *protocol.Request) (any, error) {
	p := params(req.Params)

	param, err := p.requireStr("param")
	if err != nil {
		return nil, err
	}
	value, ok := p["value"]
	if !ok || value == nil {
		return nil, missingParam("value")
	}
	durationRaw, err := p.requireStr("duration")
	if err != nil {
		return nil, err
	}
	durationSeconds, err := risk.ParseDuration(durationRaw)
	if err != nil {
		return nil, apperrors.InvalidArgs(err.Error(),
			apperrors.WithSuggestion("Use a duration like 30s, 15m, 2h, or a bare seconds count."),
		)
	}
	if durationSeconds <= 0 {
		return nil, apperrors.InvalidArgs(
			fmt.Sprintf("override duration must be positive, got '%s'", durationRaw),
			apperrors.WithSuggestion("Use a duration like 30s, 15m, 2h, or a bare seconds count."),
		)
	}
	reason := p.str("reason", "")

	override, err := s.risk.OverrideLimit(param, value, durationSeconds, reason)
	if err != nil {
		return nil, apperrors.InvalidArgs(err.Error(),
			apperrors.WithSuggestion("Overrides apply to numeric risk parameters only."),
		)
	}
	s.logRiskEvent(ctx, "limit_override", map[string]any{
		"param":            override.Param,
		"value":            override.Value,
		"duration_seconds": durationSeconds,
		"reason":           reason,
		"expires_at":       override.ExpiresAt,
	})
	return map[string]any{"override": override}, nil
}

func (s *Server) logRiskEvent(ctx context.Context, eventType string, details map[string]any) {
	if err := s.auditLog.LogRiskEvent(ctx, eventType, details); err != nil {
		s.logger.Warn("audit risk event failed", "event_type", eventType, "error", err)
	}
}

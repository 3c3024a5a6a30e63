package server

import (
	"context"
	"fmt"
	"strings"

	"brokerd/internal/audit"
	"brokerd/internal/protocol"
	apperrors "brokerd/pkg/errors"
)

func (s *Server) handleAuditCommands(ctx context.Context, req *protocol.Request) (any, error) {
	p := params(req.Params)

	rows, err := s.auditLog.QueryCommands(ctx, p.str("source", ""), p.str("since", ""), p.str("request_id", ""))
	if err != nil {
		return nil, apperrors.Internal(fmt.Sprintf("audit query failed: %v", err))
	}
	return map[string]any{"commands": rows}, nil
}

func (s *Server) handleAuditOrders(ctx context.Context, req *protocol.Request) (any, error) {
	p := params(req.Params)

	rows, err := s.auditLog.QueryOrders(ctx, p.str("status", ""), p.str("since", ""))
	if err != nil {
		return nil, apperrors.Internal(fmt.Sprintf("audit query failed: %v", err))
	}
	return map[string]any{"orders": rows}, nil
}

func (s *Server) handleAuditRisk(ctx context.Context, req *protocol.Request) (any, error) {
	p := params(req.Params)

	rows, err := s.auditLog.QueryRiskEvents(ctx, p.str("type", ""))
	if err != nil {
		return nil, apperrors.Internal(fmt.Sprintf("audit query failed: %v", err))
	}
	return map[string]any{"risk_events": rows}, nil
}

func (s *Server) handleAuditExport(ctx context.Context, req *protocol.Request) (any, error) {
	p := params(req.Params)

	output, err := p.requireStr("output")
	if err != nil {
		return nil, err
	}

	table := strings.ToLower(p.str("table", "orders"))
	valid := audit.ValidExportTables()
	if !containsString(valid, table) {
		return nil, apperrors.InvalidArgs(
			fmt.Sprintf("unsupported export table '%s'", table),
			apperrors.WithDetail("valid_tables", valid),
			apperrors.WithSuggestion("Use --table one of: "+strings.Join(valid, ", ")),
		)
	}
	if format := strings.ToLower(p.str("format", "csv")); format != "csv" {
		return nil, apperrors.InvalidArgs(
			fmt.Sprintf("unsupported export format '%s'", format),
			apperrors.WithSuggestion("Only csv export is supported."),
		)
	}

	filter := audit.ExportFilter{
		Source:    p.str("source", ""),
		Since:     p.str("since", ""),
		RequestID: p.str("request_id", ""),
		Status:    p.str("status", ""),
		EventType: p.str("type", ""),
	}
	rows, err := s.auditLog.ExportCSV(ctx, table, output, filter)
	if err != nil {
		return nil, apperrors.Internal(fmt.Sprintf("audit export failed: %v", err))
	}
	return map[string]any{"output": output, "rows": rows}, nil
}

func containsString(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

package audit

import (
	"context"
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
)

// QueryCommands returns command rows, newest first, optionally filtered by
// source, request ID and an inclusive RFC3339 lower bound on timestamp.
func (l *Log) QueryCommands(ctx context.Context, source, since, requestID string) ([]map[string]any, error) {
	query, args := commandsQuery(source, since, requestID)
	_, rows, err := l.fetchAll(ctx, query, args...)
	return rows, err
}

func commandsQuery(source, since, requestID string) (string, []any) {
	query := "SELECT timestamp, source, command, arguments, request_id, result_code FROM commands"
	var args []any
	query, args = appendFilter(query, args, "source", source)
	query, args = appendRangeFilter(query, args, "timestamp", since)
	query, args = appendFilter(query, args, "request_id", requestID)
	return query + " ORDER BY id DESC", args
}

// QueryOrders returns audit order rows, newest first, optionally filtered by
// status and an inclusive lower bound on submitted_at.
func (l *Log) QueryOrders(ctx context.Context, status, since string) ([]map[string]any, error) {
	query, args := ordersQuery(status, since)
	_, rows, err := l.fetchAll(ctx, query, args...)
	return rows, err
}

func ordersQuery(status, since string) (string, []any) {
	query := "SELECT * FROM orders"
	var args []any
	query, args = appendFilter(query, args, "status", status)
	query, args = appendRangeFilter(query, args, "submitted_at", since)
	return query + " ORDER BY id DESC", args
}

// QueryRiskEvents returns risk event rows, newest first, optionally filtered
// by event type.
func (l *Log) QueryRiskEvents(ctx context.Context, eventType string) ([]map[string]any, error) {
	query, args := riskEventsQuery(eventType)
	_, rows, err := l.fetchAll(ctx, query, args...)
	return rows, err
}

func riskEventsQuery(eventType string) (string, []any) {
	query := "SELECT timestamp, event_type, details FROM risk_events"
	var args []any
	query, args = appendFilter(query, args, "event_type", eventType)
	return query + " ORDER BY id DESC", args
}

// ExportFilter narrows an ExportCSV run. Each table honours the subset of
// fields its query supports: commands uses Source, Since and RequestID,
// orders uses Status and Since, risk uses EventType.
type ExportFilter struct {
	Source    string
	Since     string
	RequestID string
	Status    string
	EventType string
}

// ValidExportTables lists the table names accepted by ExportCSV.
func ValidExportTables() []string {
	return []string{"commands", "orders", "risk"}
}

// ExportCSV writes the named table to path as CSV, honouring the filter, and
// returns the row count. An empty result produces an empty file.
func (l *Log) ExportCSV(ctx context.Context, table, path string, filter ExportFilter) (int, error) {
	var (
		query string
		args  []any
	)
	switch table {
	case "commands":
		query, args = commandsQuery(filter.Source, filter.Since, filter.RequestID)
	case "orders":
		query, args = ordersQuery(filter.Status, filter.Since)
	case "risk":
		query, args = riskEventsQuery(filter.EventType)
	default:
		return 0, fmt.Errorf("unknown export table %q", table)
	}

	cols, rows, err := l.fetchAll(ctx, query, args...)
	if err != nil {
		return 0, err
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return 0, fmt.Errorf("failed to create export directory: %w", err)
	}

	if len(rows) == 0 {
		if err := os.WriteFile(path, nil, 0o644); err != nil {
			return 0, err
		}
		return 0, nil
	}

	f, err := os.Create(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	w := csv.NewWriter(f)
	if err := w.Write(cols); err != nil {
		return 0, err
	}
	for _, row := range rows {
		record := make([]string, len(cols))
		for i, col := range cols {
			if v := row[col]; v != nil {
				record[i] = fmt.Sprint(v)
			}
		}
		if err := w.Write(record); err != nil {
			return 0, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return 0, err
	}
	return len(rows), nil
}

func appendFilter(query string, args []any, column, value string) (string, []any) {
	if value == "" {
		return query, args
	}
	return appendClause(query, args, column+" = ?", value)
}

func appendRangeFilter(query string, args []any, column, since string) (string, []any) {
	if since == "" {
		return query, args
	}
	return appendClause(query, args, column+" >= ?", since)
}

func appendClause(query string, args []any, clause string, value any) (string, []any) {
	if len(args) == 0 {
		query += " WHERE " + clause
	} else {
		query += " AND " + clause
	}
	return query, append(args, value)
}

func (l *Log) fetchAll(ctx context.Context, query string, args ...any) ([]string, []map[string]any, error) {
	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	out := []map[string]any{}
	for rows.Next() {
		values := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		row := make(map[string]any, len(cols))
		for i, col := range cols {
			v := values[i]
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			row[col] = v
		}
		out = append(out, row)
	}
	return cols, out, rows.Err()
}

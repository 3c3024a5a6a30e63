// Package audit persists the daemon's durable trail: commands, orders,
// fills, risk events and connection events, in SQLite.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"brokerd/internal/core"
	"brokerd/pkg/telemetry"
)

// schemaStatements creates the five audit tables. client_order_id and
// fill_id carry UNIQUE constraints so replays cannot duplicate rows.
var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS commands (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		source TEXT NOT NULL,
		command TEXT NOT NULL,
		arguments TEXT,
		request_id TEXT,
		result_code INTEGER NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		client_order_id TEXT NOT NULL UNIQUE,
		ib_order_id INTEGER,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		qty REAL NOT NULL,
		order_type TEXT NOT NULL,
		limit_price REAL,
		stop_price REAL,
		tif TEXT,
		status TEXT NOT NULL,
		submitted_at TEXT NOT NULL,
		filled_at TEXT,
		fill_price REAL,
		fill_qty REAL,
		commission REAL,
		risk_check_result TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS fills (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		fill_id TEXT NOT NULL UNIQUE,
		client_order_id TEXT NOT NULL,
		ib_order_id INTEGER,
		symbol TEXT NOT NULL,
		qty REAL NOT NULL,
		price REAL NOT NULL,
		commission REAL,
		timestamp TEXT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS risk_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		event_type TEXT NOT NULL,
		details TEXT
	)`,
	`CREATE TABLE IF NOT EXISTS connection_events (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		timestamp TEXT NOT NULL,
		event TEXT NOT NULL,
		details TEXT
	)`,
}

// Log is the audit store. Writes are serialized through a mutex; SQLite in
// WAL mode handles concurrent readers.
type Log struct {
	db   *sql.DB
	path string

	mu sync.Mutex
}

// Open opens (creating if needed) the audit database at path.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create audit directory: %w", err)
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	// Readers wait out WAL checkpoints instead of failing with SQLITE_BUSY.
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	for _, statement := range schemaStatements {
		if _, err := db.Exec(statement); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to create audit schema: %w", err)
		}
	}

	return &Log{db: db, path: path}, nil
}

// Path returns the database file location.
func (l *Log) Path() string { return l.path }

// Close closes the underlying database.
func (l *Log) Close() error {
	return l.db.Close()
}

func (l *Log) exec(ctx context.Context, table, query string, args ...any) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, err := l.db.ExecContext(ctx, query, args...)
	if err == nil {
		telemetry.GetGlobalMetrics().RecordAuditWrite(ctx, table)
	}
	return err
}

// LogCommand records one handled request with its result exit code.
func (l *Log) LogCommand(ctx context.Context, source, command string, arguments map[string]any, requestID string, resultCode int) error {
	return l.exec(ctx, "commands",
		"INSERT INTO commands (timestamp, source, command, arguments, request_id, result_code) VALUES (?, ?, ?, ?, ?, ?)",
		time.Now().UTC().Format(time.RFC3339Nano),
		source,
		command,
		sortedJSON(arguments),
		requestID,
		resultCode,
	)
}

// UpsertOrder inserts a new order row or updates the mutable columns of an
// existing one, keyed by client_order_id.
func (l *Log) UpsertOrder(ctx context.Context, record *core.OrderRecord) error {
	var filledAt any
	if record.FilledAt != nil {
		filledAt = record.FilledAt.UTC().Format(time.RFC3339Nano)
	}
	return l.exec(ctx, "orders", `
		INSERT INTO orders (
			client_order_id, ib_order_id, symbol, side, qty, order_type, limit_price,
			stop_price, tif, status, submitted_at, filled_at, fill_price, fill_qty,
			commission, risk_check_result
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(client_order_id) DO UPDATE SET
			ib_order_id = excluded.ib_order_id,
			status = excluded.status,
			filled_at = excluded.filled_at,
			fill_price = excluded.fill_price,
			fill_qty = excluded.fill_qty,
			commission = excluded.commission,
			risk_check_result = excluded.risk_check_result
		`,
		record.ClientOrderID,
		nullableInt(record.BrokerOrderID),
		record.Symbol,
		string(record.Side),
		record.Qty,
		string(record.OrderType),
		nullableFloat(record.LimitPrice),
		nullableFloat(record.StopPrice),
		string(record.TIF),
		string(record.Status),
		record.SubmittedAt.UTC().Format(time.RFC3339Nano),
		filledAt,
		nullableFloat(record.FillPrice),
		record.FillQty,
		nullableFloat(record.Commission),
		sortedJSON(record.RiskCheckResult),
	)
}

// LogFill appends one fill. Duplicate fill_ids are ignored, which makes
// provider replays idempotent.
func (l *Log) LogFill(ctx context.Context, fill *core.FillRecord) error {
	return l.exec(ctx, "fills", `
		INSERT OR IGNORE INTO fills (
			fill_id, client_order_id, ib_order_id, symbol, qty, price, commission, timestamp
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
		fill.FillID,
		fill.ClientOrderID,
		nullableInt(fill.BrokerOrderID),
		fill.Symbol,
		fill.Qty,
		fill.Price,
		nullableFloat(fill.Commission),
		fill.Timestamp.UTC().Format(time.RFC3339Nano),
	)
}

// LogRiskEvent records one risk engine event (halt, resume, check_failed...).
func (l *Log) LogRiskEvent(ctx context.Context, eventType string, details map[string]any) error {
	return l.exec(ctx, "risk_events",
		"INSERT INTO risk_events (timestamp, event_type, details) VALUES (?, ?, ?)",
		time.Now().UTC().Format(time.RFC3339Nano),
		eventType,
		sortedJSON(details),
	)
}

// LogConnectionEvent records one provider connectivity transition.
func (l *Log) LogConnectionEvent(ctx context.Context, event string, details map[string]any) error {
	return l.exec(ctx, "connection_events",
		"INSERT INTO connection_events (timestamp, event, details) VALUES (?, ?, ?)",
		time.Now().UTC().Format(time.RFC3339Nano),
		event,
		sortedJSON(details),
	)
}

// sortedJSON serializes v with deterministically sorted keys at every level.
// Structs are round-tripped through a generic value so their keys sort too.
func sortedJSON(v any) string {
	if v == nil {
		return "null"
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%q", fmt.Sprint(v))
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(generic)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

package audit

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"brokerd/internal/core"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	log, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	require.NoError(t, err, "failed to open audit log")
	t.Cleanup(func() { _ = log.Close() })
	return log
}

func testOrder(clientOrderID string) *core.OrderRecord {
	return &core.OrderRecord{
		ClientOrderID: clientOrderID,
		Symbol:        "AAPL",
		Side:          core.SideBuy,
		Qty:           10,
		OrderType:     core.OrderTypeLimit,
		LimitPrice:    core.Float64Ptr(180.0),
		TIF:           core.TIFDay,
		Status:        core.StatusSubmitted,
		SubmittedAt:   time.Now().UTC(),
		RiskCheckResult: map[string]any{
			"ok": true,
		},
	}
}

func TestLogCommand_QueryAndFilter(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	require.NoError(t, log.LogCommand(ctx, "cli", "quote.snapshot", map[string]any{"symbols": []string{"AAPL"}}, "req-1", 0))
	require.NoError(t, log.LogCommand(ctx, "sdk", "order.place", map[string]any{"symbol": "MSFT"}, "req-2", 5))

	rows, err := log.QueryCommands(ctx, "", "", "")
	require.NoError(t, err)
	require.Len(t, rows, 2)

	// Newest first
	assert.Equal(t, "order.place", rows[0]["command"])
	assert.EqualValues(t, 5, rows[0]["result_code"])
	assert.Equal(t, "req-2", rows[0]["request_id"])

	filtered, err := log.QueryCommands(ctx, "cli", "", "")
	require.NoError(t, err)
	require.Len(t, filtered, 1)
	assert.Equal(t, "quote.snapshot", filtered[0]["command"])

	byRequest, err := log.QueryCommands(ctx, "", "", "req-2")
	require.NoError(t, err)
	require.Len(t, byRequest, 1)
	assert.Equal(t, "order.place", byRequest[0]["command"])
}

func TestUpsertOrder_UpdatesInPlace(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	record := testOrder("COID-1")
	require.NoError(t, log.UpsertOrder(ctx, record))

	record.Status = core.StatusFilled
	record.BrokerOrderID = core.Int64Ptr(1001)
	now := time.Now().UTC()
	record.FilledAt = &now
	record.FillPrice = core.Float64Ptr(179.95)
	record.FillQty = 10
	require.NoError(t, log.UpsertOrder(ctx, record))

	rows, err := log.QueryOrders(ctx, "", "")
	require.NoError(t, err)
	require.Len(t, rows, 1, "upsert must not create a second row")

	assert.Equal(t, "Filled", rows[0]["status"])
	assert.EqualValues(t, 1001, rows[0]["ib_order_id"])
	assert.EqualValues(t, 179.95, rows[0]["fill_price"])
	assert.EqualValues(t, 10, rows[0]["fill_qty"])
}

func TestLogFill_DuplicateIgnored(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	fill := &core.FillRecord{
		FillID:        "F-1",
		ClientOrderID: "COID-1",
		Symbol:        "AAPL",
		Qty:           10,
		Price:         179.95,
		Timestamp:     time.Now().UTC(),
	}

	require.NoError(t, log.LogFill(ctx, fill))
	require.NoError(t, log.LogFill(ctx, fill))
	require.NoError(t, log.LogFill(ctx, fill))

	_, rows, err := log.fetchAll(ctx, "SELECT fill_id FROM fills")
	require.NoError(t, err)
	assert.Len(t, rows, 1, "replayed fills must not duplicate")
}

func TestQueryRiskEvents_FilterByType(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	require.NoError(t, log.LogRiskEvent(ctx, "halt", map[string]any{"source": "manual"}))
	require.NoError(t, log.LogRiskEvent(ctx, "check_failed", map[string]any{"symbol": "AAPL"}))
	require.NoError(t, log.LogRiskEvent(ctx, "halt", map[string]any{"source": "drawdown_breaker"}))

	halts, err := log.QueryRiskEvents(ctx, "halt")
	require.NoError(t, err)
	assert.Len(t, halts, 2)

	all, err := log.QueryRiskEvents(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestQueryOrders_SinceFilter(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	old := testOrder("COID-OLD")
	old.SubmittedAt = time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, log.UpsertOrder(ctx, old))

	recent := testOrder("COID-NEW")
	require.NoError(t, log.UpsertOrder(ctx, recent))

	cutoff := time.Now().UTC().Add(-time.Hour).Format(time.RFC3339Nano)
	rows, err := log.QueryOrders(ctx, "", cutoff)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "COID-NEW", rows[0]["client_order_id"])
}

func TestExportCSV(t *testing.T) {
	log := openTestLog(t)
	ctx := context.Background()

	require.NoError(t, log.LogCommand(ctx, "cli", "daemon.status", map[string]any{}, "req-a", 0))
	require.NoError(t, log.LogCommand(ctx, "sdk", "risk.halt", map[string]any{"confirm": true}, "req-b", 0))

	out := filepath.Join(t.TempDir(), "commands.csv")
	count, err := log.ExportCSV(ctx, "commands", out, ExportFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 3, "header plus two rows")
	assert.Equal(t, "timestamp,source,command,arguments,request_id,result_code", lines[0])

	filtered := filepath.Join(t.TempDir(), "cli.csv")
	count, err = log.ExportCSV(ctx, "commands", filtered, ExportFilter{Source: "cli"})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestExportCSV_EmptyTableWritesEmptyFile(t *testing.T) {
	log := openTestLog(t)

	out := filepath.Join(t.TempDir(), "orders.csv")
	count, err := log.ExportCSV(context.Background(), "orders", out, ExportFilter{})
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestExportCSV_UnknownTable(t *testing.T) {
	log := openTestLog(t)
	_, err := log.ExportCSV(context.Background(), "positions", filepath.Join(t.TempDir(), "x.csv"), ExportFilter{})
	assert.Error(t, err)
}

func TestSortedJSON_DeterministicKeys(t *testing.T) {
	first := sortedJSON(map[string]any{"zulu": 1, "alpha": map[string]any{"nested_z": 1, "nested_a": 2}})
	assert.Equal(t, `{"alpha":{"nested_a":2,"nested_z":1},"zulu":1}`, first)

	// Struct values sort the same way.
	type payload struct {
		Zed   int `json:"zed"`
		Alpha int `json:"alpha"`
	}
	assert.Equal(t, `{"alpha":2,"zed":1}`, sortedJSON(payload{Zed: 1, Alpha: 2}))
}

func TestOpen_SetsBusyTimeout(t *testing.T) {
	log := openTestLog(t)

	var timeout int
	require.NoError(t, log.db.QueryRow("PRAGMA busy_timeout").Scan(&timeout))
	assert.Equal(t, 5000, timeout, "readers should wait out WAL checkpoints")

	var mode string
	require.NoError(t, log.db.QueryRow("PRAGMA journal_mode").Scan(&mode))
	assert.Equal(t, "wal", strings.ToLower(mode))
}

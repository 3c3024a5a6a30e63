package server

import (
	"context"
	"strings"

	"brokerd/internal/protocol"
)

// schemaVersion identifies the descriptor format; bump when field shapes
// change incompatibly.
const schemaVersion = "v1"

// field is one JSON-Schema-like parameter or result descriptor.
type field struct {
	Type     string   `msgpack:"type" json:"type"`
	Required bool     `msgpack:"required,omitempty" json:"required,omitempty"`
	Enum     []string `msgpack:"enum,omitempty" json:"enum,omitempty"`
	Items    string   `msgpack:"items,omitempty" json:"items,omitempty"`
	Doc      string   `msgpack:"doc,omitempty" json:"doc,omitempty"`
}

type commandSchema struct {
	Params map[string]field `msgpack:"params" json:"params"`
	Result map[string]field `msgpack:"result" json:"result"`
	Stream bool             `msgpack:"stream,omitempty" json:"stream,omitempty"`
}

func str(doc string) field            { return field{Type: "string", Doc: doc} }
func reqStr(doc string) field         { return field{Type: "string", Required: true, Doc: doc} }
func num(doc string) field            { return field{Type: "number", Doc: doc} }
func reqNum(doc string) field         { return field{Type: "number", Required: true, Doc: doc} }
func boolean(doc string) field        { return field{Type: "boolean", Doc: doc} }
func strList(doc string) field        { return field{Type: "array", Items: "string", Doc: doc} }
func obj(doc string) field            { return field{Type: "object", Doc: doc} }
func objList(doc string) field        { return field{Type: "array", Items: "object", Doc: doc} }
func enum(doc string, vs ...string) field {
	return field{Type: "string", Enum: vs, Doc: doc}
}

var orderParams = map[string]field{
	"side":            {Type: "string", Required: true, Enum: []string{"buy", "sell"}},
	"symbol":          reqStr("ticker symbol, uppercased"),
	"qty":             reqNum("order quantity, > 0"),
	"limit":           num("limit price; with stop makes a stop-limit"),
	"stop":            num("stop price"),
	"tif":             enum("time in force", "DAY", "GTC", "IOC"),
	"client_order_id": str("caller-chosen idempotency key"),
}

// commandSchemas describes every wire command for schema.get. Kept static
// so clients can code-generate against a stable contract.
var commandSchemas = map[string]commandSchema{
	"daemon.status": {
		Params: map[string]field{},
		Result: map[string]field{
			"uptime_seconds":        num("seconds since the daemon started"),
			"connection":            obj("provider session state"),
			"provider_capabilities": obj("capability name to availability"),
			"risk_halted":           boolean("global halt switch"),
			"time_sync_delta_ms":    num("host clock skew estimate, null when unknown"),
			"socket":                str("unix socket path"),
			"workers":               obj("request fan-out pool statistics"),
		},
	},
	"daemon.stop": {
		Params: map[string]field{},
		Result: map[string]field{"stopping": boolean("shutdown has begun")},
	},
	"quote.snapshot": {
		Params: map[string]field{
			"symbols": {Type: "array", Items: "string", Required: true},
			"force":   boolean("bypass the snapshot cache"),
			"intent":  enum("quote shape", "best_effort", "top_of_book", "last_only"),
		},
		Result: map[string]field{
			"quotes":                      objList("one quote per known symbol, caller order"),
			"intent":                      str("effective intent"),
			"provider_capabilities":       obj("per-symbol field availability"),
			"provider_capabilities_cache": obj("capability cache age metadata"),
		},
	},
	"market.capabilities": {
		Params: map[string]field{
			"symbols": strList("probe symbols; defaults from config"),
			"refresh": boolean("bypass the capability cache"),
		},
		Result: map[string]field{
			"capabilities": obj("per-symbol availability plus provider supports map"),
			"cache":        obj("cache_age_ms and cache metadata"),
		},
	},
	"market.history": {
		Params: map[string]field{
			"symbol":   reqStr("ticker symbol"),
			"period":   enum("lookback window", "1d", "5d", "30d", "90d", "1y"),
			"bar":      enum("bar size", "1m", "5m", "15m", "1h", "1d"),
			"rth_only": boolean("regular trading hours only"),
			"strict":   boolean("empty result becomes INVALID_SYMBOL"),
		},
		Result: map[string]field{"bars": objList("OHLCV bars, oldest first")},
	},
	"market.chain": {
		Params: map[string]field{
			"symbol":       reqStr("underlying symbol"),
			"expiry":       str("expiration prefix, e.g. 2026-09"),
			"strike_range": str("multiplier band around the underlying, e.g. 0.9:1.1"),
			"type":         enum("option right", "call", "put"),
			"limit":        num("page size, default 200"),
			"offset":       num("page offset"),
			"fields":       strList("projection of entry columns"),
			"strict":       boolean("empty page becomes INVALID_SYMBOL"),
		},
		Result: map[string]field{
			"symbol":           str("underlying symbol"),
			"underlying_price": num("reference price used for strike scaling"),
			"entries":          objList("option contracts after filters"),
			"pagination":       obj("total_entries, offset, limit, returned_entries"),
			"fields":           strList("echoed projection, when given"),
		},
	},
	"portfolio.positions": {
		Params: map[string]field{"symbol": str("filter to one symbol")},
		Result: map[string]field{"positions": objList("open positions")},
	},
	"portfolio.balance": {
		Params: map[string]field{},
		Result: map[string]field{"balance": obj("account cash and margin summary")},
	},
	"portfolio.pnl": {
		Params: map[string]field{},
		Result: map[string]field{"pnl": obj("daily realized/unrealized/total")},
	},
	"portfolio.exposure": {
		Params: map[string]field{
			"by": enum("grouping", "symbol", "currency", "sector", "asset_class"),
		},
		Result: map[string]field{
			"exposure": objList("exposure buckets, sorted by key"),
			"by":       str("effective grouping"),
		},
	},
	"portfolio.snapshot": {
		Params: map[string]field{
			"symbols":     strList("quote symbols; defaults to held positions"),
			"intent":      enum("quote shape", "best_effort", "top_of_book", "last_only"),
			"force":       boolean("bypass the quote cache"),
			"exposure_by": enum("grouping", "symbol", "currency", "sector", "asset_class"),
		},
		Result: map[string]field{
			"positions":   objList("open positions"),
			"balance":     obj("account summary"),
			"pnl":         obj("daily pnl"),
			"quotes":      objList("quotes for the selected symbols"),
			"exposure":    objList("exposure buckets when supported"),
			"risk_limits": obj("effective risk limits"),
			"connection":  obj("provider session state"),
		},
	},
	"order.place": {
		Params: mergeFields(orderParams, map[string]field{
			"idempotency_key": str("alias for client_order_id"),
			"dry_run":         boolean("risk-check only, never submits"),
		}),
		Result: map[string]field{
			"order":          obj("order record or preview"),
			"dry_run":        boolean("whether this was a preview"),
			"risk_check":     obj("risk check verdict"),
			"submit_allowed": boolean("whether submission was or would be allowed"),
		},
	},
	"order.bracket": {
		Params: map[string]field{
			"side":   {Type: "string", Required: true, Enum: []string{"buy", "sell"}},
			"symbol": reqStr("ticker symbol"),
			"qty":    reqNum("order quantity"),
			"entry":  reqNum("entry limit price"),
			"tp":     reqNum("take profit price"),
			"sl":     reqNum("stop loss price"),
			"tif":    enum("time in force", "DAY", "GTC", "IOC"),
		},
		Result: map[string]field{
			"client_order_id": str("entry leg client id"),
			"ib_order_ids":    {Type: "array", Items: "number", Doc: "broker ids for all legs"},
			"status":          str("normalized entry status"),
		},
	},
	"order.status": {
		Params: map[string]field{"order_id": reqStr("client order id")},
		Result: map[string]field{"order": obj("local record, broker trade row, or null")},
	},
	"orders.list": {
		Params: map[string]field{
			"status": enum("filter", "all", "active", "filled", "cancelled"),
			"since":  str("RFC3339 lower bound on submission time"),
		},
		Result: map[string]field{"orders": objList("order records, newest first")},
	},
	"order.cancel": {
		Params: map[string]field{"order_id": reqStr("client order id")},
		Result: map[string]field{
			"client_order_id": str("echoed id"),
			"cancelled":       boolean("whether a live order was cancelled"),
			"ib_order_id":     num("broker order id when known"),
		},
	},
	"orders.cancel_all": {
		Params: map[string]field{
			"confirm":   {Type: "boolean", Required: true, Doc: "must be true"},
			"json_mode": boolean("machine-readable client rendering hint"),
		},
		Result: map[string]field{
			"cancelled":       boolean("every requested cancel succeeded"),
			"requested":       strList("client ids swept"),
			"cancelled_count": num("how many orders were cancelled"),
			"failed":          strList("client ids that could not be cancelled"),
		},
	},
	"fills.list": {
		Params: map[string]field{
			"symbol": str("filter to one symbol"),
			"since":  str("RFC3339 lower bound on fill time"),
		},
		Result: map[string]field{"fills": objList("fills, local and broker, deduped by fill_id")},
	},
	"risk.check": {
		Params: orderParams,
		Result: map[string]field{
			"ok":         boolean("whether the order would pass"),
			"reasons":    strList("human-readable denial reasons"),
			"details":    obj("violation_codes and check metrics"),
			"suggestion": str("actionable fix when available"),
		},
	},
	"risk.limits": {
		Params: map[string]field{},
		Result: map[string]field{
			"limits":    obj("effective limits, overrides applied"),
			"overrides": objList("unexpired overrides"),
		},
	},
	"risk.set": {
		Params: map[string]field{
			"param": reqStr("risk parameter name"),
			"value": {Type: "any", Required: true, Doc: "coerced per parameter type"},
		},
		Result: map[string]field{"limits": obj("limits after the change")},
	},
	"risk.halt": {
		Params: map[string]field{},
		Result: map[string]field{"halted": boolean("always true")},
	},
	"risk.resume": {
		Params: map[string]field{},
		Result: map[string]field{"halted": boolean("always false")},
	},
	"risk.override": {
		Params: map[string]field{
			"param":    reqStr("numeric risk parameter"),
			"value":    {Type: "number", Required: true},
			"duration": reqStr("Ns|Nm|Nh or bare seconds"),
			"reason":   str("why the override exists"),
		},
		Result: map[string]field{"override": obj("param, value, created_at, expires_at, reason")},
	},
	"runtime.keepalive": {
		Params: map[string]field{"sent_at": num("caller epoch seconds for latency measurement")},
		Result: map[string]field{
			"ok":         boolean("always true"),
			"latency_ms": num("measured against sent_at when provided"),
			"connected":  boolean("provider connectivity"),
			"halted":     boolean("risk halt state"),
		},
	},
	"events.subscribe": {
		Stream: true,
		Params: map[string]field{
			"topics": {Type: "array", Items: "string", Doc: "subset of orders, fills, positions, pnl, risk, connection; empty means all"},
		},
		Result: map[string]field{
			"subscribed": strList("acknowledged topics; event envelopes follow"),
		},
	},
	"audit.commands": {
		Params: map[string]field{
			"source":     str("filter by request source"),
			"since":      str("inclusive RFC3339 lower bound"),
			"request_id": str("filter by request id"),
		},
		Result: map[string]field{"commands": objList("command rows, newest first")},
	},
	"audit.orders": {
		Params: map[string]field{
			"status": str("filter by order status"),
			"since":  str("inclusive lower bound on submitted_at"),
		},
		Result: map[string]field{"orders": objList("audit order rows, newest first")},
	},
	"audit.risk": {
		Params: map[string]field{"type": str("filter by event type")},
		Result: map[string]field{"risk_events": objList("risk event rows, newest first")},
	},
	"audit.export": {
		Params: map[string]field{
			"output":     reqStr("destination file path"),
			"table":      enum("source table", "orders", "commands", "risk"),
			"format":     enum("export format", "csv"),
			"source":     str("commands filter"),
			"since":      str("commands/orders filter"),
			"request_id": str("commands filter"),
			"status":     str("orders filter"),
			"type":       str("risk filter"),
		},
		Result: map[string]field{
			"output": str("written file path"),
			"rows":   num("exported row count"),
		},
	},
	"schema.get": {
		Params: map[string]field{"command": str("return one command's schema instead of all")},
		Result: map[string]field{
			"version":  str("schema format version"),
			"commands": obj("command name to params/result descriptors"),
			"envelope": obj("request/response/event envelope shapes"),
		},
	},
}

// envelopeSchema documents the framing contract for SDK authors.
var envelopeSchema = map[string]any{
	"framing": "4-byte big-endian length prefix, msgpack payload",
	"request": map[string]field{
		"request_id": str("client-generated id echoed in the response"),
		"command":    reqStr("one of the registered commands"),
		"params":     obj("named parameters"),
		"stream":     boolean("true only for events.subscribe"),
		"source":     str("cli, sdk, ..."),
	},
	"response": map[string]field{
		"request_id": str("echoed request id"),
		"ok":         boolean("success flag"),
		"data":       obj("present when ok"),
		"error":      obj("code, message, details, suggestion when not ok"),
	},
	"event": map[string]field{
		"topic": str("orders, fills, positions, pnl, risk, connection"),
		"data":  obj("topic, timestamp and event payload"),
	},
}

func (s *Server) handleSchemaGet(ctx context.Context, req *protocol.Request) (any, error) {
	p := params(req.Params)

	if p.has("command") {
		name := strings.ToLower(strings.TrimSpace(p.str("command", "")))
		schema, ok := commandSchemas[name]
		if !ok {
			return nil, unknownCommandError(name)
		}
		return map[string]any{
			"version":  schemaVersion,
			"commands": map[string]commandSchema{name: schema},
			"envelope": envelopeSchema,
		}, nil
	}
	return map[string]any{
		"version":  schemaVersion,
		"commands": commandSchemas,
		"envelope": envelopeSchema,
	}, nil
}

func mergeFields(base, extra map[string]field) map[string]field {
	out := make(map[string]field, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

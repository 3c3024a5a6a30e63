package server

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"brokerd/internal/core"
	apperrors "brokerd/pkg/errors"
)

// paramsSuggestion is the generic pointer attached to request decoding
// failures that have no sharper fix.
const paramsSuggestion = "Run `broker --help` or `<command> --help` for expected parameters."

// params wraps the raw request parameter map with typed accessors. Every
// accessor shapes its failure as an INVALID_ARGS error the CLI can print.
type params map[string]any

func missingParam(name string) *apperrors.Error {
	return apperrors.InvalidArgs(
		fmt.Sprintf("missing required parameter '%s'", name),
		apperrors.WithDetail("missing_param", name),
		apperrors.WithSuggestion(fmt.Sprintf("Include required parameter `%s` and retry.", name)),
	)
}

func (p params) has(key string) bool {
	v, ok := p[key]
	return ok && v != nil
}

// str reads a parameter as text, rendering non-string scalars the way a
// shell would have passed them.
func (p params) str(key, fallback string) string {
	v, ok := p[key]
	if !ok || v == nil {
		return fallback
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprint(v)
}

func (p params) requireStr(key string) (string, error) {
	if !p.has(key) {
		return "", missingParam(key)
	}
	return p.str(key, ""), nil
}

// boolean reads a flag, treating absence and non-bool values as false.
func (p params) boolean(key string) bool {
	b, ok := p[key].(bool)
	return ok && b
}

func (p params) requireFloat(key string) (float64, error) {
	if !p.has(key) {
		return 0, missingParam(key)
	}
	f, ok := toFloat(p[key])
	if !ok {
		return 0, apperrors.InvalidArgs(
			fmt.Sprintf("%s must be a number", key),
			apperrors.WithSuggestion(paramsSuggestion),
		)
	}
	return f, nil
}

func (p params) optFloat(key string) (*float64, error) {
	if !p.has(key) {
		return nil, nil
	}
	f, ok := toFloat(p[key])
	if !ok {
		return nil, apperrors.InvalidArgs(
			fmt.Sprintf("%s must be a number", key),
			apperrors.WithSuggestion(paramsSuggestion),
		)
	}
	return &f, nil
}

// strings reads a list parameter, rendering each element as text. Missing
// and non-list values come back empty.
func (p params) strings(key string) []string {
	list, ok := p[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, item := range list {
		if s, ok := item.(string); ok {
			out = append(out, s)
			continue
		}
		out = append(out, fmt.Sprint(item))
	}
	return out
}

// toFloat coerces any msgpack numeric width, plus numeric strings.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// toInt coerces integral values. Floats truncate, strings must parse as
// whole numbers.
func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int8:
		return int(n), true
	case int16:
		return int(n), true
	case int32:
		return int(n), true
	case int64:
		return int(n), true
	case uint:
		return int(n), true
	case uint8:
		return int(n), true
	case uint16:
		return int(n), true
	case uint32:
		return int(n), true
	case uint64:
		return int(n), true
	case float64:
		return int(n), true
	case float32:
		return int(n), true
	case string:
		i, err := strconv.Atoi(strings.TrimSpace(n))
		return i, err == nil
	default:
		return 0, false
	}
}

// parseStrikeRange accepts "low:high" text or a two-element list of
// multipliers around the underlying price.
func parseStrikeRange(raw any) (*[2]float64, error) {
	if raw == nil {
		return nil, nil
	}
	if list, ok := raw.([]any); ok && len(list) == 2 {
		low, okLow := toFloat(list[0])
		high, okHigh := toFloat(list[1])
		if !okLow || !okHigh {
			return nil, apperrors.InvalidArgs(
				"strike-range must be numeric",
				apperrors.WithSuggestion("Use --strike-range values like 0.8:1.2"),
			)
		}
		return &[2]float64{low, high}, nil
	}

	text := fmt.Sprint(raw)
	if !strings.Contains(text, ":") {
		return nil, apperrors.InvalidArgs(
			"strike-range must be like 0.8:1.2",
			apperrors.WithSuggestion("Example: broker chain AAPL --strike-range 0.8:1.2"),
		)
	}
	parts := strings.SplitN(text, ":", 2)
	low, errLow := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	high, errHigh := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if errLow != nil || errHigh != nil {
		return nil, apperrors.InvalidArgs(
			"strike-range must be numeric, like 0.8:1.2",
			apperrors.WithSuggestion("Example: broker chain AAPL --strike-range 0.8:1.2"),
		)
	}
	return &[2]float64{low, high}, nil
}

// parsePositiveInt validates a count parameter with a floor.
func parsePositiveInt(raw any, field string, minValue int) (int, error) {
	value, ok := toInt(raw)
	if !ok {
		return 0, apperrors.InvalidArgs(
			fmt.Sprintf("%s must be an integer", field),
			apperrors.WithDetail(field, raw),
			apperrors.WithSuggestion(fmt.Sprintf("Use --%s %d", field, minValue)),
		)
	}
	if value < minValue {
		return 0, apperrors.InvalidArgs(
			fmt.Sprintf("%s must be >= %d", field, minValue),
			apperrors.WithDetail(field, value),
			apperrors.WithSuggestion(fmt.Sprintf("Use --%s %d", field, minValue)),
		)
	}
	return value, nil
}

// optionChainFields lists the selectable option chain entry columns.
var optionChainFields = map[string]struct{}{
	"symbol":      {},
	"right":       {},
	"strike":      {},
	"expiry":      {},
	"bid":         {},
	"ask":         {},
	"implied_vol": {},
	"delta":       {},
	"gamma":       {},
	"theta":       {},
	"vega":        {},
}

func chainFieldNames() []string {
	names := make([]string, 0, len(optionChainFields))
	for name := range optionChainFields {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// parseChainFields validates a --fields selection, which may arrive as a
// list or a comma-separated string. Order is preserved, duplicates drop.
func parseChainFields(raw any) ([]string, error) {
	if raw == nil {
		return nil, nil
	}

	var values []string
	switch v := raw.(type) {
	case string:
		for _, part := range strings.Split(v, ",") {
			if trimmed := strings.ToLower(strings.TrimSpace(part)); trimmed != "" {
				values = append(values, trimmed)
			}
		}
	case []any:
		for _, part := range v {
			if trimmed := strings.ToLower(strings.TrimSpace(fmt.Sprint(part))); trimmed != "" {
				values = append(values, trimmed)
			}
		}
	default:
		return nil, apperrors.InvalidArgs(
			"fields must be a list or comma-separated string",
			apperrors.WithSuggestion("Use --fields symbol,strike,expiry,bid,ask"),
		)
	}

	if len(values) == 0 {
		return nil, apperrors.InvalidArgs(
			"fields must contain at least one value",
			apperrors.WithSuggestion("Use --fields symbol,strike,expiry,bid,ask"),
		)
	}

	var invalid []string
	for _, field := range values {
		if _, ok := optionChainFields[field]; !ok {
			invalid = append(invalid, field)
		}
	}
	if len(invalid) > 0 {
		valid := chainFieldNames()
		return nil, apperrors.InvalidArgs(
			fmt.Sprintf("unsupported chain field(s): %s", strings.Join(invalid, ", ")),
			apperrors.WithDetail("valid_fields", valid),
			apperrors.WithSuggestion("Use fields from: "+strings.Join(valid, ", ")),
		)
	}

	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, field := range values {
		if _, dup := seen[field]; dup {
			continue
		}
		seen[field] = struct{}{}
		out = append(out, field)
	}
	return out, nil
}

// orderRequestFromParams builds and validates an order request from wire
// parameters. An idempotency_key doubles as the client order id when no
// explicit one is given.
func orderRequestFromParams(p params) (*core.OrderRequest, error) {
	sideRaw, err := p.requireStr("side")
	if err != nil {
		return nil, err
	}
	side, err := core.ParseSide(sideRaw)
	if err != nil {
		return nil, apperrors.InvalidArgs(err.Error(), apperrors.WithSuggestion(paramsSuggestion))
	}

	symbol, err := p.requireStr("symbol")
	if err != nil {
		return nil, err
	}
	qty, err := p.requireFloat("qty")
	if err != nil {
		return nil, err
	}
	limit, err := p.optFloat("limit")
	if err != nil {
		return nil, err
	}
	stop, err := p.optFloat("stop")
	if err != nil {
		return nil, err
	}
	tif, err := core.ParseTIF(p.str("tif", ""))
	if err != nil {
		return nil, apperrors.InvalidArgs(err.Error(), apperrors.WithSuggestion(paramsSuggestion))
	}

	clientOrderID := p.str("client_order_id", "")
	if clientOrderID == "" {
		clientOrderID = p.str("idempotency_key", "")
	}

	req := &core.OrderRequest{
		Side:          side,
		Symbol:        symbol,
		Qty:           qty,
		Limit:         limit,
		Stop:          stop,
		TIF:           tif,
		ClientOrderID: clientOrderID,
	}
	req.Normalize()
	if err := req.Validate(); err != nil {
		return nil, apperrors.InvalidArgs(err.Error(), apperrors.WithSuggestion(paramsSuggestion))
	}
	return req, nil
}

// subscriptionTopics normalizes and validates an events.subscribe topic
// list. An empty selection subscribes to every topic.
func subscriptionTopics(p params) ([]string, error) {
	requested := make(map[string]struct{})
	for _, topic := range p.strings("topics") {
		requested[strings.ToLower(topic)] = struct{}{}
	}

	valid := core.ValidTopicNames()
	if len(requested) == 0 {
		return valid, nil
	}

	validSet := make(map[string]struct{}, len(valid))
	for _, name := range valid {
		validSet[name] = struct{}{}
	}

	var invalid []string
	topics := make([]string, 0, len(requested))
	for topic := range requested {
		if _, ok := validSet[topic]; !ok {
			invalid = append(invalid, topic)
			continue
		}
		topics = append(topics, topic)
	}
	if len(invalid) > 0 {
		sort.Strings(invalid)
		return nil, apperrors.InvalidArgs(
			fmt.Sprintf("unsupported subscription topic(s): %s", strings.Join(invalid, ", ")),
			apperrors.WithDetails(map[string]any{"invalid_topics": invalid, "valid_topics": valid}),
			apperrors.WithSuggestion("Use topics from: "+strings.Join(valid, ", ")),
		)
	}
	sort.Strings(topics)
	return topics, nil
}

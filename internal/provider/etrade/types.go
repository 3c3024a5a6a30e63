package etrade

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"

	"brokerd/internal/core"
)

// The E*Trade JSON API grew out of an XML surface and still carries the
// scars: one-element collections arrive as bare objects, numbers arrive as
// strings, and key casing varies between endpoints. The decode types below
// absorb all of that.

// flexList accepts either a JSON array or a single object.
type flexList[T any] []T

func (f *flexList[T]) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = nil
		return nil
	}
	if trimmed[0] == '[' {
		var items []T
		if err := json.Unmarshal(trimmed, &items); err != nil {
			return err
		}
		*f = items
		return nil
	}
	var item T
	if err := json.Unmarshal(trimmed, &item); err != nil {
		return err
	}
	*f = flexList[T]{item}
	return nil
}

// flexFloat decodes a float that may arrive as a number or a string.
// Missing, null and unparseable values leave OK false.
type flexFloat struct {
	Value float64
	OK    bool
}

func (f *flexFloat) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = flexFloat{}
		return nil
	}
	raw := string(trimmed)
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			*f = flexFloat{}
			return nil
		}
		raw = strings.TrimSpace(s)
	}
	parsed, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		*f = flexFloat{}
		return nil
	}
	*f = flexFloat{Value: parsed, OK: true}
	return nil
}

// Ptr returns the decoded value or nil when absent.
func (f flexFloat) Ptr() *float64 {
	if !f.OK {
		return nil
	}
	v := f.Value
	return &v
}

// flexString decodes strings that may arrive as bare JSON numbers.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*f = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return err
		}
		*f = flexString(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return err
	}
	*f = flexString(n.String())
	return nil
}

// firstValue returns the first decoded value, zero included.
func firstValue(values ...flexFloat) *float64 {
	for _, v := range values {
		if v.OK {
			value := v.Value
			return &value
		}
	}
	return nil
}

// firstNonzero mirrors loose fallback chains where zero falls through to
// the next candidate.
func firstNonzero(values ...flexFloat) *float64 {
	for _, v := range values {
		if v.OK && v.Value != 0 {
			value := v.Value
			return &value
		}
	}
	return nil
}

func firstString(values ...string) string {
	for _, v := range values {
		if trimmed := strings.TrimSpace(v); trimmed != "" {
			return trimmed
		}
	}
	return ""
}

// asList mirrors the value-or-list shape of decoded payloads.
func asList(value any) []any {
	switch typed := value.(type) {
	case nil:
		return nil
	case []any:
		return typed
	default:
		return []any{typed}
	}
}

func asMaps(value any) []map[string]any {
	items := asList(value)
	out := make([]map[string]any, 0, len(items))
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			out = append(out, m)
		}
	}
	return out
}

func asFloat(value any) *float64 {
	switch typed := value.(type) {
	case float64:
		v := typed
		return &v
	case json.Number:
		if parsed, err := typed.Float64(); err == nil {
			return &parsed
		}
	case string:
		if parsed, err := strconv.ParseFloat(strings.TrimSpace(typed), 64); err == nil {
			return &parsed
		}
	}
	return nil
}

func firstFloat(values ...any) *float64 {
	for _, value := range values {
		if parsed := asFloat(value); parsed != nil {
			return parsed
		}
	}
	return nil
}

func asInt64(value any) *int64 {
	switch typed := value.(type) {
	case float64:
		v := int64(typed)
		return &v
	case json.Number:
		if parsed, err := typed.Int64(); err == nil {
			return &parsed
		}
	case string:
		if parsed, err := strconv.ParseInt(strings.TrimSpace(typed), 10, 64); err == nil {
			return &parsed
		}
	}
	return nil
}

// stringValue renders the first present scalar, formatting bare numeric ids
// without a trailing fraction.
func stringValue(values ...any) string {
	for _, value := range values {
		switch typed := value.(type) {
		case string:
			if typed != "" {
				return typed
			}
		case float64:
			if typed == math.Trunc(typed) {
				return strconv.FormatInt(int64(typed), 10)
			}
			return strconv.FormatFloat(typed, 'f', -1, 64)
		case json.Number:
			return typed.String()
		}
	}
	return ""
}

// extractErrorMessage digs a human-readable message out of an error body,
// which the API nests at unpredictable depths.
func extractErrorMessage(raw []byte) string {
	var payload any
	if err := json.Unmarshal(raw, &payload); err != nil {
		return ""
	}
	m, ok := payload.(map[string]any)
	if !ok {
		return ""
	}
	return findErrorMessage(m)
}

func findErrorMessage(payload map[string]any) string {
	for _, key := range []string{"message", "Message", "error", "Error", "error_description"} {
		if s, ok := payload[key].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	for _, value := range payload {
		switch typed := value.(type) {
		case map[string]any:
			if nested := findErrorMessage(typed); nested != "" {
				return nested
			}
		case []any:
			for _, item := range typed {
				if m, ok := item.(map[string]any); ok {
					if nested := findErrorMessage(m); nested != "" {
						return nested
					}
				} else if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
					return strings.TrimSpace(s)
				}
			}
		}
	}
	return ""
}

// productInfo is the instrument block shared by quote and portfolio rows.
type productInfo struct {
	Symbol   string `json:"symbol"`
	Exchange string `json:"exchange"`
	Currency string `json:"currency"`
}

// normalizeOrderStatus folds the E*Trade status vocabulary into the daemon
// taxonomy. Unknown non-empty statuses pass through untouched.
func normalizeOrderStatus(raw string) core.OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "OPEN", "WORKING":
		return core.StatusSubmitted
	case "ACKNOWLEDGED":
		return core.StatusAcknowledged
	case "PENDING", "PENDING_SUBMIT", "PENDING CANCEL":
		return core.StatusPendingSubmit
	case "EXECUTED", "FILLED":
		return core.StatusFilled
	case "CANCELED", "CANCELLED":
		return core.StatusCancelled
	case "REJECTED":
		return core.StatusRejected
	case "INACTIVE":
		return core.StatusInactive
	case "":
		return core.StatusSubmitted
	default:
		return core.OrderStatus(raw)
	}
}

func orderTerm(tif core.TIF) string {
	switch tif {
	case core.TIFGTC:
		return "GOOD_UNTIL_CANCEL"
	case core.TIFIOC:
		return "IMMEDIATE_OR_CANCEL"
	default:
		return "GOOD_FOR_DAY"
	}
}

func priceType(req *core.OrderRequest) string {
	switch {
	case req.Limit != nil && req.Stop != nil:
		return "STOP_LIMIT"
	case req.Limit != nil:
		return "LIMIT"
	case req.Stop != nil:
		return "STOP"
	default:
		return "MARKET"
	}
}

func orderAction(side core.Side) string {
	if side == core.SideSell {
		return "SELL"
	}
	return "BUY"
}

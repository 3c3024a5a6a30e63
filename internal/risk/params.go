package risk

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// paramKind describes how a mutable risk parameter coerces its values.
type paramKind int

const (
	paramFloat paramKind = iota
	paramInt
	paramSymbolList
)

// mutableParamKinds is the registry of runtime-settable risk parameters.
var mutableParamKinds = map[string]paramKind{
	"max_position_pct":         paramFloat,
	"max_order_value":          paramFloat,
	"max_daily_loss_pct":       paramFloat,
	"max_sector_exposure_pct":  paramFloat,
	"max_single_name_pct":      paramFloat,
	"max_open_orders":          paramInt,
	"order_rate_limit":         paramInt,
	"duplicate_window_seconds": paramInt,
	"symbol_allowlist":         paramSymbolList,
	"symbol_blocklist":         paramSymbolList,
}

// MutableParams returns the settable parameter names, sorted.
func MutableParams() []string {
	names := make([]string, 0, len(mutableParamKinds))
	for name := range mutableParamKinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ValidateParam checks a parameter name, returning it on success.
func ValidateParam(name string) (string, error) {
	if _, ok := mutableParamKinds[name]; !ok {
		return "", fmt.Errorf("unknown risk parameter '%s'. valid params: %s", name, strings.Join(MutableParams(), ", "))
	}
	return name, nil
}

// CoerceParam converts a raw (wire-decoded) value into the parameter's
// canonical type.
func CoerceParam(name string, value any) (any, error) {
	kind, ok := mutableParamKinds[name]
	if !ok {
		_, err := ValidateParam(name)
		return nil, err
	}
	switch kind {
	case paramFloat:
		return toFloat(value)
	case paramInt:
		f, err := toFloat(value)
		if err != nil {
			return nil, err
		}
		return int(f), nil
	default:
		return toSymbolList(value)
	}
}

func toFloat(value any) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int8:
		return float64(v), nil
	case int16:
		return float64(v), nil
	case int32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint8:
		return float64(v), nil
	case uint16:
		return float64(v), nil
	case uint32:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("invalid numeric value %q", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("invalid numeric value %v", value)
	}
}

func toSymbolList(value any) ([]string, error) {
	switch v := value.(type) {
	case string:
		out := []string{}
		for _, part := range strings.Split(v, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				out = append(out, strings.ToUpper(trimmed))
			}
		}
		return out, nil
	case []string:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, strings.ToUpper(strings.TrimSpace(item)))
		}
		return out, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, strings.ToUpper(strings.TrimSpace(fmt.Sprint(item))))
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported symbol list value: %v", value)
	}
}

// ParseDuration converts "2h", "30m", "45s" or a bare seconds count into
// seconds.
func ParseDuration(value string) (int, error) {
	raw := strings.ToLower(strings.TrimSpace(value))
	if raw == "" {
		return 0, fmt.Errorf("invalid duration '%s'", value)
	}
	unit := 1
	digits := raw
	switch {
	case strings.HasSuffix(raw, "h"):
		unit, digits = 3600, raw[:len(raw)-1]
	case strings.HasSuffix(raw, "m"):
		unit, digits = 60, raw[:len(raw)-1]
	case strings.HasSuffix(raw, "s"):
		digits = raw[:len(raw)-1]
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("invalid duration '%s'", value)
	}
	return n * unit, nil
}

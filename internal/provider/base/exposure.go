package base

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"brokerd/internal/core"
	apperrors "brokerd/pkg/errors"
)

// ValidateExposureGroup rejects groupings outside the accepted set.
func ValidateExposureGroup(group string) error {
	if core.IsValidExposureGroup(group) {
		return nil
	}
	allowed := core.ValidExposureGroups()
	return apperrors.New(apperrors.CodeInvalidArgs,
		fmt.Sprintf("unsupported exposure group '%s'", group),
		apperrors.WithDetail("allowed", allowed),
		apperrors.WithSuggestion("Use one of: "+strings.Join(allowed, ", ")),
	)
}

// ComputeExposure buckets positions by the requested grouping and expresses
// each bucket as a percentage of net liquidation value. Sector and asset
// class collapse into a single "portfolio" bucket because broker position
// rows carry no classification. Pass nlv <= 0 to fall back to gross position
// value (or 1.0 when flat, avoiding a zero divisor).
func ComputeExposure(positions []core.Position, group string, nlv float64) []core.ExposureEntry {
	if nlv <= 0 {
		for _, pos := range positions {
			nlv += math.Abs(pos.MarketValue)
		}
		if nlv == 0 {
			nlv = 1.0
		}
	}

	buckets := map[string]float64{}
	for _, pos := range positions {
		var key string
		switch group {
		case "symbol":
			key = pos.Symbol
		case "currency":
			key = pos.Currency
		default:
			key = "portfolio"
		}
		value := pos.MarketValue
		if value == 0 {
			value = pos.AvgCost * pos.Qty
		}
		buckets[key] += math.Abs(value)
	}

	keys := make([]string, 0, len(buckets))
	for key := range buckets {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	out := make([]core.ExposureEntry, 0, len(keys))
	for _, key := range keys {
		value := buckets[key]
		out = append(out, core.ExposureEntry{
			Key:           key,
			ExposureValue: value,
			ExposurePct:   (value / nlv) * 100.0,
		})
	}
	return out
}

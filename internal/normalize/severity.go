package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// DefaultSeverity is returned for labels outside the known set.
const DefaultSeverity = 60

var severityLabels = map[string]int{
	"informational": 20,
	"low":           30,
	"medium":        60,
	"med":           60,
	"high":          80,
	"critical":      90,
}

// NormalizeSeverity converts a vendor severity to the canonical numeric scale.
// Params: value is a raw severity (number, json.Number, or label string).
// Returns: numeric input unchanged (truncated to int), mapped label value, or DefaultSeverity.
func NormalizeSeverity(value any) int {
	switch typed := value.(type) {
	case int:
		return typed
	case int8:
		return int(typed)
	case int16:
		return int(typed)
	case int32:
		return int(typed)
	case int64:
		return int(typed)
	case uint8:
		return int(typed)
	case uint16:
		return int(typed)
	case uint32:
		return int(typed)
	case uint64:
		if typed > math.MaxInt64 {
			return math.MaxInt
		}
		return int(typed)
	case float32:
		return floatSeverity(float64(typed))
	case float64:
		return floatSeverity(typed)
	case json.Number:
		if parsed, err := typed.Int64(); err == nil {
			return int(parsed)
		}
		if parsed, err := typed.Float64(); err == nil {
			return floatSeverity(parsed)
		}
		return DefaultSeverity
	case string:
		return labelSeverity(typed)
	case nil:
		return DefaultSeverity
	default:
		return labelSeverity(fmt.Sprint(typed))
	}
}

func labelSeverity(label string) int {
	if mapped, ok := severityLabels[strings.ToLower(strings.TrimSpace(label))]; ok {
		return mapped
	}
	return DefaultSeverity
}

func floatSeverity(value float64) int {
	if math.IsNaN(value) || math.IsInf(value, 0) {
		return DefaultSeverity
	}
	return int(value)
}

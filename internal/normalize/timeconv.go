package normalize

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// isoLayout renders UTC with an explicit +00:00 offset and trims zero milliseconds.
const isoLayout = "2006-01-02T15:04:05.999-07:00"

var isoParseLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999-0700",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// maxExtendedYear keeps parsed instants inside the int64 millisecond range.
const maxExtendedYear = 292_000_000

// ParseError reports malformed timestamps or payload values.
// Params: Input is the offending raw text; Err is the underlying parse failure.
// Returns: error value usable with errors.As.
type ParseError struct {
	Input string
	Err   error
}

// Error renders parse failure context.
// Params: none.
// Returns: error text.
func (e *ParseError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("parse %q", e.Input)
	}
	return fmt.Sprintf("parse %q: %v", e.Input, e.Err)
}

// Unwrap exposes the underlying parse failure.
// Params: none.
// Returns: wrapped error.
func (e *ParseError) Unwrap() error {
	return e.Err
}

// EpochMillisToISO8601 formats epoch milliseconds as ISO-8601 UTC.
// Params: ms milliseconds since Unix epoch.
// Returns: timestamp like 2023-09-29T15:06:40+00:00 (fraction only when ms%1000 != 0).
func EpochMillisToISO8601(ms int64) string {
	return time.UnixMilli(ms).UTC().Format(isoLayout)
}

// ISOToEpochMillis parses ISO-8601 text into epoch milliseconds.
// Params: s timestamp; trailing Z means UTC, values without offset are read as UTC.
// Returns: epoch milliseconds or *ParseError on malformed input.
func ISOToEpochMillis(s string) (int64, error) {
	value := strings.TrimSpace(s)
	if value == "" {
		return 0, &ParseError{Input: s, Err: fmt.Errorf("empty timestamp")}
	}

	for _, layout := range isoParseLayouts {
		parsed, err := time.Parse(layout, value)
		if err == nil {
			return parsed.UnixMilli(), nil
		}
	}
	if ms, ok := parseExtendedYear(value); ok {
		return ms, nil
	}
	return 0, &ParseError{Input: s, Err: fmt.Errorf("unsupported timestamp format")}
}

// parseExtendedYear handles years outside 0000..9999 as written by EpochMillisToISO8601.
// Params: value timestamp with a signed or longer-than-four-digit year.
// Returns: epoch milliseconds and true when the remainder parses with a standard layout.
func parseExtendedYear(value string) (int64, bool) {
	sign, rest := 1, value
	if strings.HasPrefix(rest, "-") {
		sign, rest = -1, rest[1:]
	}
	idx := strings.IndexByte(rest, '-')
	if idx < 4 || (sign > 0 && idx == 4) {
		return 0, false
	}
	yearText := rest[:idx]
	for _, r := range yearText {
		if r < '0' || r > '9' {
			return 0, false
		}
	}
	year, err := strconv.Atoi(yearText)
	if err != nil || year > maxExtendedYear {
		return 0, false
	}
	year *= sign

	// Substitute a year with the same leap status so Feb 29 still validates.
	proxy := "2001"
	if year%4 == 0 && (year%100 != 0 || year%400 == 0) {
		proxy = "2000"
	}
	for _, layout := range isoParseLayouts {
		parsed, err := time.Parse(layout, proxy+rest[idx:])
		if err != nil {
			continue
		}
		rebuilt := time.Date(year, parsed.Month(), parsed.Day(), parsed.Hour(), parsed.Minute(),
			parsed.Second(), parsed.Nanosecond(), parsed.Location())
		return rebuilt.UnixMilli(), true
	}
	return 0, false
}

// EpochMillis extracts epoch milliseconds from a decoded JSON value.
// Params: value is json.Number, float, integer, or ISO-8601 string.
// Returns: milliseconds or *ParseError when value cannot represent a timestamp.
func EpochMillis(value any) (int64, error) {
	switch typed := value.(type) {
	case json.Number:
		if parsed, err := typed.Int64(); err == nil {
			return parsed, nil
		}
		parsed, err := typed.Float64()
		if err != nil {
			return 0, &ParseError{Input: typed.String(), Err: err}
		}
		return floatMillis(parsed, typed.String())
	case float64:
		return floatMillis(typed, fmt.Sprint(typed))
	case float32:
		return floatMillis(float64(typed), fmt.Sprint(typed))
	case int:
		return int64(typed), nil
	case int64:
		return typed, nil
	case int32:
		return int64(typed), nil
	case uint32:
		return int64(typed), nil
	case uint64:
		if typed > math.MaxInt64 {
			return 0, &ParseError{Input: fmt.Sprint(typed), Err: fmt.Errorf("overflows int64")}
		}
		return int64(typed), nil
	case string:
		return ISOToEpochMillis(typed)
	default:
		return 0, &ParseError{Input: fmt.Sprint(typed), Err: fmt.Errorf("unsupported timestamp type %T", typed)}
	}
}

func floatMillis(value float64, raw string) (int64, error) {
	if math.IsNaN(value) || math.IsInf(value, 0) || value > math.MaxInt64 || value < math.MinInt64 {
		return 0, &ParseError{Input: raw, Err: fmt.Errorf("non-finite or out of range")}
	}
	return int64(value), nil
}

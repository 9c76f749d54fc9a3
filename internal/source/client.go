package source

import (
	"context"
	"fmt"
	"strings"

	"xdrforward/internal/mapping"
)

// Kind identifies one upstream event collection.
type Kind string

const (
	KindAlerts    Kind = "alerts"
	KindIncidents Kind = "incidents"
)

// Mode selects which kinds one poll cycle fetches.
type Mode string

const (
	ModeAlerts    Mode = "alerts"
	ModeIncidents Mode = "incidents"
	ModeBoth      Mode = "both"
)

// ParseMode validates a configured fetch mode.
// Params: raw mode text (case-insensitive).
// Returns: Mode or error for unknown values.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeAlerts:
		return ModeAlerts, nil
	case ModeIncidents:
		return ModeIncidents, nil
	case ModeBoth:
		return ModeBoth, nil
	default:
		return "", fmt.Errorf("unsupported mode %q (want alerts, incidents or both)", raw)
	}
}

// Kinds lists fetch kinds in cycle order.
// Params: none.
// Returns: kinds covered by the mode.
func (m Mode) Kinds() []Kind {
	switch m {
	case ModeAlerts:
		return []Kind{KindAlerts}
	case ModeIncidents:
		return []Kind{KindIncidents}
	case ModeBoth:
		return []Kind{KindAlerts, KindIncidents}
	default:
		return nil
	}
}

// Client fetches raw vendor events created at or after a cursor.
// Implementations return the whole result set of one poll for that kind.
type Client interface {
	FetchAlertsSince(ctx context.Context, cursor int64) ([]mapping.RawEvent, error)
	FetchIncidentsSince(ctx context.Context, cursor int64) ([]mapping.RawEvent, error)
}

// FetchSince dispatches to the kind-specific client operation.
// Params: ctx request lifecycle; client source implementation; kind collection; cursor watermark.
// Returns: fetched events or error.
func FetchSince(ctx context.Context, client Client, kind Kind, cursor int64) ([]mapping.RawEvent, error) {
	switch kind {
	case KindAlerts:
		return client.FetchAlertsSince(ctx, cursor)
	case KindIncidents:
		return client.FetchIncidentsSince(ctx, cursor)
	default:
		return nil, fmt.Errorf("unsupported kind %q", kind)
	}
}

// FetchError reports a network, HTTP or body failure while polling one kind.
type FetchError struct {
	Kind Kind
	Page int
	Err  error
}

// Error renders fetch failure context.
// Params: none.
// Returns: error text.
func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s page %d: %v", e.Kind, e.Page, e.Err)
}

// Unwrap exposes the underlying transport or decode error.
// Params: none.
// Returns: wrapped error.
func (e *FetchError) Unwrap() error {
	return e.Err
}

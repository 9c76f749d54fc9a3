package source

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"

	"xdrforward/internal/mapping"
	"xdrforward/internal/normalize"
)

// FixtureConfig points to JSON array files replayed instead of the live API.
type FixtureConfig struct {
	AlertsFile    string
	IncidentsFile string
}

// FixtureReplayClient serves events from disk with the same cursor semantics as the API:
// only events created at or after the cursor, ascending by creation_time.
// Events without creation_time are always returned, after the timed ones.
type FixtureReplayClient struct {
	cfg    FixtureConfig
	logger *slog.Logger
}

// NewFixtureReplayClient builds a replay client.
// Params: cfg fixture paths; logger receives per-event parse warnings.
// Returns: client or error when no fixture file is configured.
func NewFixtureReplayClient(cfg FixtureConfig, logger *slog.Logger) (*FixtureReplayClient, error) {
	if strings.TrimSpace(cfg.AlertsFile) == "" && strings.TrimSpace(cfg.IncidentsFile) == "" {
		return nil, fmt.Errorf("at least one fixture file is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	return &FixtureReplayClient{cfg: cfg, logger: logger}, nil
}

// FetchAlertsSince replays alerts fixture.
// Params: ctx unused beyond cancellation check; cursor epoch milliseconds.
// Returns: filtered events or *FetchError.
func (c *FixtureReplayClient) FetchAlertsSince(ctx context.Context, cursor int64) ([]mapping.RawEvent, error) {
	return c.replay(ctx, KindAlerts, c.cfg.AlertsFile, cursor)
}

// FetchIncidentsSince replays incidents fixture.
// Params: ctx unused beyond cancellation check; cursor epoch milliseconds.
// Returns: filtered events or *FetchError.
func (c *FixtureReplayClient) FetchIncidentsSince(ctx context.Context, cursor int64) ([]mapping.RawEvent, error) {
	return c.replay(ctx, KindIncidents, c.cfg.IncidentsFile, cursor)
}

func (c *FixtureReplayClient) replay(ctx context.Context, kind Kind, path string, cursor int64) ([]mapping.RawEvent, error) {
	if err := ctx.Err(); err != nil {
		return nil, &FetchError{Kind: kind, Err: err}
	}
	if strings.TrimSpace(path) == "" {
		return nil, &FetchError{Kind: kind, Err: fmt.Errorf("no fixture file configured for %s", kind)}
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, &FetchError{Kind: kind, Err: fmt.Errorf("read fixture %q: %w", path, err)}
	}

	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, &FetchError{Kind: kind, Err: &normalize.ParseError{Input: path, Err: err}}
	}

	type timedEvent struct {
		event mapping.RawEvent
		ms    int64
		timed bool
	}
	selected := make([]timedEvent, 0, len(items))
	for idx, item := range items {
		event, err := DecodeEvent(item)
		if err != nil {
			c.logger.Warn(
				"skipping malformed fixture event",
				slog.String("kind", string(kind)),
				slog.String("file", path),
				slog.Int("index", idx),
				slog.String("error", err.Error()),
			)
			continue
		}
		ms, ok, _ := CreationTime(event)
		if ok && ms < cursor {
			continue
		}
		selected = append(selected, timedEvent{event: event, ms: ms, timed: ok})
	}

	sort.SliceStable(selected, func(i, j int) bool {
		if selected[i].timed != selected[j].timed {
			return selected[i].timed
		}
		return selected[i].ms < selected[j].ms
	})

	out := make([]mapping.RawEvent, 0, len(selected))
	for _, item := range selected {
		out = append(out, item.event)
	}
	return out, nil
}

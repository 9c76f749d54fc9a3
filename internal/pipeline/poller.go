package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"xdrforward/internal/mapping"
	"xdrforward/internal/sink"
	"xdrforward/internal/source"
)

// CycleReport summarizes one fetch → map → send cycle.
type CycleReport struct {
	ID          string
	Started     time.Time
	Duration    time.Duration
	Fetched     map[source.Kind]int
	Mapped      int
	Dropped     int
	Sent        int
	FetchErrors map[source.Kind]error
	SendErr     error
}

// Healthy reports whether every kind was fetched and the batch was delivered.
func (r CycleReport) Healthy() bool {
	return len(r.FetchErrors) == 0 && r.SendErr == nil
}

// CycleObserver is notified after every completed cycle.
type CycleObserver interface {
	ObserveCycle(CycleReport)
}

// PollerConfig holds scheduling settings.
// Params: Mode selects fetched kinds; Interval separates cycles; StartCursor seeds every kind;
// Resume carries watermarks of a previous poller (config reload) and wins when ahead of StartCursor;
// Once stops after one cycle.
// Returns: poller settings.
type PollerConfig struct {
	Mode        source.Mode
	Interval    time.Duration
	StartCursor int64
	Resume      map[source.Kind]int64
	Once        bool
}

// Poller runs strictly sequential poll cycles and owns the per-kind cursors.
type Poller struct {
	cfg       PollerConfig
	client    source.Client
	mapper    *mapping.Mapper
	sink      sink.Sink
	filter    *DropFilter
	logger    *slog.Logger
	cursors   map[source.Kind]*source.Cursor
	observers []CycleObserver

	now   func() time.Time
	newID func() string
}

// NewPoller validates collaborators and seeds cursors.
// Params: cfg scheduling; client event source; mapper; out batch sink; filter optional drop filter; logger.
// Returns: poller or validation error.
func NewPoller(
	cfg PollerConfig,
	client source.Client,
	mapper *mapping.Mapper,
	out sink.Sink,
	filter *DropFilter,
	logger *slog.Logger,
) (*Poller, error) {
	if client == nil {
		return nil, fmt.Errorf("source client is nil")
	}
	if mapper == nil {
		return nil, fmt.Errorf("mapper is nil")
	}
	if out == nil {
		return nil, fmt.Errorf("sink is nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is nil")
	}
	if cfg.Interval <= 0 && !cfg.Once {
		return nil, fmt.Errorf("poll interval must be > 0")
	}
	kinds := cfg.Mode.Kinds()
	if len(kinds) == 0 {
		return nil, fmt.Errorf("unsupported mode %q", cfg.Mode)
	}

	cursors := make(map[source.Kind]*source.Cursor, len(kinds))
	for _, kind := range kinds {
		start := cfg.StartCursor
		if previous, ok := cfg.Resume[kind]; ok && previous > start {
			start = previous
		}
		cursors[kind] = source.NewCursor(start)
	}

	return &Poller{
		cfg:     cfg,
		client:  client,
		mapper:  mapper,
		sink:    out,
		filter:  filter,
		logger:  logger,
		cursors: cursors,
		now:     time.Now,
		newID:   uuid.NewString,
	}, nil
}

// AddObserver registers a cycle observer; call before Run.
func (p *Poller) AddObserver(observer CycleObserver) {
	if observer != nil {
		p.observers = append(p.observers, observer)
	}
}

// Cursor returns the current watermark of kind.
// Params: kind alerts or incidents.
// Returns: epoch milliseconds and false when the kind is not polled.
func (p *Poller) Cursor(kind source.Kind) (int64, bool) {
	cursor, ok := p.cursors[kind]
	if !ok {
		return 0, false
	}
	return cursor.Value(), true
}

// Cursors snapshots every watermark; read it only while Run is not executing.
// Params: none.
// Returns: epoch milliseconds per polled kind.
func (p *Poller) Cursors() map[source.Kind]int64 {
	out := make(map[source.Kind]int64, len(p.cursors))
	for kind, cursor := range p.cursors {
		out[kind] = cursor.Value()
	}
	return out
}

// Run executes cycles until ctx is canceled, waiting the full interval after each cycle completes.
// Params: ctx lifecycle context.
// Returns: nil on cancellation or after the single cycle in run-once mode.
func (p *Poller) Run(ctx context.Context) error {
	attrs := []any{
		slog.String("mode", string(p.cfg.Mode)),
		slog.Duration("interval", p.cfg.Interval),
	}
	for _, kind := range p.cfg.Mode.Kinds() {
		attrs = append(attrs, slog.Int64("cursor_"+string(kind), p.cursors[kind].Value()))
	}
	p.logger.Info("poller started", attrs...)

	for {
		if ctx.Err() != nil {
			return nil
		}
		p.RunCycle(ctx)
		if p.cfg.Once {
			return nil
		}

		timer := time.NewTimer(p.cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// RunCycle fetches every configured kind, maps and filters events, sends one batch,
// and advances cursors only after the batch has been delivered.
// Params: ctx cycle context.
// Returns: cycle report; errors are logged and reported, never returned.
func (p *Poller) RunCycle(ctx context.Context) CycleReport {
	report := CycleReport{
		ID:          p.newID(),
		Started:     p.now(),
		Fetched:     make(map[source.Kind]int),
		FetchErrors: make(map[source.Kind]error),
	}
	logger := p.logger.With(slog.String("cycle", report.ID))

	var docs []mapping.Document
	watermarks := make(map[source.Kind]int64)

	for _, kind := range p.cfg.Mode.Kinds() {
		cursor := p.cursors[kind]
		events, err := source.FetchSince(ctx, p.client, kind, cursor.Value())
		if err != nil {
			report.FetchErrors[kind] = err
			logger.Error(
				"fetch failed",
				slog.String("kind", string(kind)),
				slog.Int64("cursor", cursor.Value()),
				slog.String("error", err.Error()),
			)
			continue
		}

		report.Fetched[kind] = len(events)
		if newest, ok := source.MaxCreationTime(events); ok {
			watermarks[kind] = newest
		}

		for _, raw := range events {
			doc := p.mapper.Map(raw)
			report.Mapped++
			if p.filter.ShouldDrop(doc) {
				report.Dropped++
				continue
			}
			docs = append(docs, doc)
		}
	}

	if err := p.sink.SendBatch(ctx, docs); err != nil {
		report.SendErr = err
		logger.Error(
			"send failed",
			slog.Int("events", len(docs)),
			slog.String("error", err.Error()),
		)
	} else {
		report.Sent = len(docs)
		for kind, newest := range watermarks {
			if p.cursors[kind].Advance(newest) {
				logger.Debug("cursor advanced", slog.String("kind", string(kind)), slog.Int64("cursor", newest))
			}
		}
	}

	report.Duration = p.now().Sub(report.Started)
	logger.Info(
		"poll cycle completed",
		slog.Int("fetched_alerts", report.Fetched[source.KindAlerts]),
		slog.Int("fetched_incidents", report.Fetched[source.KindIncidents]),
		slog.Int("mapped", report.Mapped),
		slog.Int("dropped", report.Dropped),
		slog.Int("sent", report.Sent),
		slog.Int("fetch_errors", len(report.FetchErrors)),
		slog.Bool("send_ok", report.SendErr == nil),
		slog.Duration("duration", report.Duration),
	)

	for _, observer := range p.observers {
		observer.ObserveCycle(report)
	}
	return report
}

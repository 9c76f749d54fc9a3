package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"xdrforward/internal/mapping"
)

// LogSink writes documents into debug logs.
// Params: logger used for output.
// Returns: debug sink instance.
type LogSink struct {
	logger *slog.Logger
}

// NewLogSink creates a debug sink.
// Params: logger instance.
// Returns: document sink implementation.
func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

// SendBatch logs every document as compact JSON when debug level is enabled.
// Params: ctx logging context; docs batch.
// Returns: marshal error when a document cannot be encoded.
func (s *LogSink) SendBatch(ctx context.Context, docs []mapping.Document) error {
	if !s.logger.Enabled(ctx, slog.LevelDebug) {
		return nil
	}

	for _, doc := range docs {
		payload, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("marshal document: %w", err)
		}
		id, _ := doc.Get("event.id")
		s.logger.Debug(
			"normalized document",
			slog.String("event_id", fmt.Sprint(id)),
			slog.String("payload", string(payload)),
		)
	}
	return nil
}

// Printer writes indented JSON documents to a stream, used by dry runs.
type Printer struct {
	mu  sync.Mutex
	out io.Writer
}

// NewPrinter creates a printer over out.
// Params: out destination stream.
// Returns: printer sink.
func NewPrinter(out io.Writer) *Printer {
	return &Printer{out: out}
}

// SendBatch prints every document followed by a blank line.
// Params: ctx unused; docs batch.
// Returns: encode or write error.
func (p *Printer) SendBatch(_ context.Context, docs []mapping.Document) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	encoder := json.NewEncoder(p.out)
	encoder.SetEscapeHTML(false)
	encoder.SetIndent("", "  ")
	for _, doc := range docs {
		if err := encoder.Encode(doc); err != nil {
			return &SendError{Target: "stdout", Events: len(docs), Err: err}
		}
	}
	return nil
}

package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"xdrforward/internal/mapping"
)

// Sink delivers one batch of canonical documents.
// Params: context and the whole batch of one poll cycle.
// Returns: error when the batch cannot be delivered; partial delivery is not tracked.
type Sink interface {
	SendBatch(ctx context.Context, docs []mapping.Document) error
}

// SendError reports a failed batch delivery.
type SendError struct {
	Target string
	Events int
	Err    error
}

// Error renders delivery failure context.
// Params: none.
// Returns: error text.
func (e *SendError) Error() string {
	return fmt.Sprintf("send %d events to %s: %v", e.Events, e.Target, e.Err)
}

// Unwrap exposes the underlying transport error.
// Params: none.
// Returns: wrapped error.
func (e *SendError) Unwrap() error {
	return e.Err
}

// EncodeLines serializes documents as newline-delimited JSON.
// Params: docs canonical documents.
// Returns: UTF-8 payload with one object per line or marshal error.
func EncodeLines(docs []mapping.Document) ([]byte, error) {
	var buf bytes.Buffer
	encoder := json.NewEncoder(&buf)
	encoder.SetEscapeHTML(false)
	for idx, doc := range docs {
		// Encode appends the trailing newline.
		if err := encoder.Encode(doc); err != nil {
			return nil, fmt.Errorf("encode document[%d]: %w", idx, err)
		}
	}
	return buf.Bytes(), nil
}

// MultiSink dispatches one batch to several sinks.
// Params: sink list.
// Returns: composite sink.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink builds composite sink from sink list, skipping nil entries.
// Params: sinks target list.
// Returns: multi sink implementation.
func NewMultiSink(sinks ...Sink) *MultiSink {
	out := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s == nil {
			continue
		}
		out = append(out, s)
	}
	return &MultiSink{sinks: out}
}

// SendBatch forwards the batch to each child sink.
// Params: ctx delivery context; docs batch.
// Returns: first error from downstream sinks, if any; every sink is attempted.
func (s *MultiSink) SendBatch(ctx context.Context, docs []mapping.Document) error {
	var firstErr error
	for _, child := range s.sinks {
		if err := child.SendBatch(ctx, docs); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close closes every child sink implementing io.Closer-like Close.
// Params: none.
// Returns: first close error.
func (s *MultiSink) Close() error {
	var firstErr error
	for _, child := range s.sinks {
		closer, ok := child.(interface{ Close() error })
		if !ok {
			continue
		}
		if err := closer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

package source

import (
	"xdrforward/internal/mapping"
	"xdrforward/internal/normalize"
)

const fieldCreationTime = "creation_time"

// Cursor is the per-kind "fetch since" watermark in epoch milliseconds.
// It only moves forward and is owned by a single poller goroutine.
type Cursor struct {
	value int64
}

// NewCursor creates a cursor at the initial watermark.
// Params: initial epoch milliseconds.
// Returns: cursor pointer.
func NewCursor(initial int64) *Cursor {
	return &Cursor{value: initial}
}

// Value returns the current watermark.
// Params: none.
// Returns: epoch milliseconds.
func (c *Cursor) Value() int64 {
	return c.value
}

// Advance moves the watermark to candidate when it is ahead.
// Params: candidate epoch milliseconds.
// Returns: true when the watermark moved.
func (c *Cursor) Advance(candidate int64) bool {
	if candidate <= c.value {
		return false
	}
	c.value = candidate
	return true
}

// MaxCreationTime scans a batch for its newest creation_time.
// Params: events fetched batch.
// Returns: max epoch milliseconds and true when at least one event carried a valid creation_time.
func MaxCreationTime(events []mapping.RawEvent) (int64, bool) {
	var (
		newest int64
		found  bool
	)
	for _, event := range events {
		ms, ok, err := CreationTime(event)
		if err != nil || !ok {
			continue
		}
		if !found || ms > newest {
			newest = ms
			found = true
		}
	}
	return newest, found
}

// CreationTime extracts creation_time from one raw event.
// Params: event raw vendor document.
// Returns: milliseconds, presence flag, and *normalize.ParseError when present but malformed.
func CreationTime(event mapping.RawEvent) (int64, bool, error) {
	value, ok := event[fieldCreationTime]
	if !ok || value == nil {
		return 0, false, nil
	}
	ms, err := normalize.EpochMillis(value)
	if err != nil {
		return 0, true, err
	}
	return ms, true, nil
}

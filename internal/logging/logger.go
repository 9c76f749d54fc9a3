package logging

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"xdrforward/internal/config"
)

const (
	ansiReset   = "\x1b[0m"
	ansiRed     = "\x1b[31m"
	ansiGreen   = "\x1b[32m"
	ansiYellow  = "\x1b[33m"
	ansiBlue    = "\x1b[34m"
	ansiMagenta = "\x1b[35m"
	ansiCyan    = "\x1b[36m"
	ansiGray    = "\x1b[90m"
)

var consoleOutput io.Writer = os.Stderr

// New builds the process logger from console/file sink settings.
// Params: cfg validated logging config.
// Returns: logger, close func for file resources, and setup error.
func New(cfg config.LogConfig) (*slog.Logger, func(), error) {
	handlers := make([]slog.Handler, 0, 2)
	closers := make([]io.Closer, 0, 1)

	if cfg.Console.Enabled {
		var out io.Writer = consoleOutput
		if cfg.Console.Color && cfg.Console.Format == "line" {
			out = &colorLineWriter{dst: out}
		}
		handler, err := newHandler(out, cfg.Console)
		if err != nil {
			return nil, nil, fmt.Errorf("log.console: %w", err)
		}
		handlers = append(handlers, handler)
	}

	if cfg.File.Enabled {
		if err := os.MkdirAll(filepath.Dir(cfg.File.Path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("log.file: create dir: %w", err)
		}
		file, err := os.OpenFile(cfg.File.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("log.file: open %q: %w", cfg.File.Path, err)
		}
		handler, err := newHandler(file, cfg.File)
		if err != nil {
			_ = file.Close()
			return nil, nil, fmt.Errorf("log.file: %w", err)
		}
		handlers = append(handlers, handler)
		closers = append(closers, file)
	}

	closeFn := func() {
		for _, closer := range closers {
			_ = closer.Close()
		}
	}

	switch len(handlers) {
	case 0:
		return slog.New(slog.NewTextHandler(io.Discard, nil)), closeFn, nil
	case 1:
		return slog.New(handlers[0]), closeFn, nil
	default:
		return slog.New(fanoutHandler(handlers)), closeFn, nil
	}
}

func newHandler(out io.Writer, sink config.LogSinkConfig) (slog.Handler, error) {
	level, err := parseLevel(sink.Level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: level}

	switch strings.ToLower(strings.TrimSpace(sink.Format)) {
	case "", "line":
		return slog.NewTextHandler(out, opts), nil
	case "json":
		return slog.NewJSONHandler(out, opts), nil
	default:
		return nil, fmt.Errorf("unsupported format %q", sink.Format)
	}
}

func parseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unsupported level %q", raw)
	}
}

// fanoutHandler sends every record to all handlers that accept its level.
type fanoutHandler []slog.Handler

func (h fanoutHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, handler := range h {
		if handler.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h fanoutHandler) Handle(ctx context.Context, record slog.Record) error {
	var errs []error
	for _, handler := range h {
		if !handler.Enabled(ctx, record.Level) {
			continue
		}
		if err := handler.Handle(ctx, record.Clone()); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (h fanoutHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	out := make(fanoutHandler, len(h))
	for i, handler := range h {
		out[i] = handler.WithAttrs(attrs)
	}
	return out
}

func (h fanoutHandler) WithGroup(name string) slog.Handler {
	out := make(fanoutHandler, len(h))
	for i, handler := range h {
		out[i] = handler.WithGroup(name)
	}
	return out
}

// colorLineWriter colours text-handler lines: the whole line by level,
// quoted values green, IP addresses cyan and numbers yellow.
// Lines without a recognised level pass through unchanged.
type colorLineWriter struct {
	dst io.Writer
}

func (w *colorLineWriter) Write(p []byte) (int, error) {
	line := p
	newline := false
	if bytes.HasSuffix(line, []byte("\n")) {
		line = line[:len(line)-1]
		newline = true
	}

	base := levelColor(line)
	if base == "" {
		if _, err := w.dst.Write(p); err != nil {
			return 0, err
		}
		return len(p), nil
	}

	var out bytes.Buffer
	out.Grow(len(p) + 64)
	out.WriteString(base)
	colorizeValues(&out, string(line), base)
	out.WriteString(ansiReset)
	if newline {
		out.WriteByte('\n')
	}

	if _, err := w.dst.Write(out.Bytes()); err != nil {
		return 0, err
	}
	return len(p), nil
}

func levelColor(line []byte) string {
	switch {
	case bytes.Contains(line, []byte("level=ERROR")):
		return ansiRed
	case bytes.Contains(line, []byte("level=WARN")):
		return ansiMagenta
	case bytes.Contains(line, []byte("level=INFO")):
		return ansiBlue
	case bytes.Contains(line, []byte("level=DEBUG")):
		return ansiGray
	default:
		return ""
	}
}

// colorizeValues copies line into out, wrapping recognised values of key=value pairs.
func colorizeValues(out *bytes.Buffer, line, base string) {
	i := 0
	for i < len(line) {
		eq := strings.IndexByte(line[i:], '=')
		if eq < 0 {
			out.WriteString(line[i:])
			return
		}
		out.WriteString(line[i : i+eq+1])
		i += eq + 1

		end := valueEnd(line, i)
		value := line[i:end]
		if color := valueColor(value); color != "" {
			out.WriteString(color)
			out.WriteString(value)
			out.WriteString(ansiReset)
			out.WriteString(base)
		} else {
			out.WriteString(value)
		}
		i = end
	}
}

func valueEnd(line string, start int) int {
	if start < len(line) && line[start] == '"' {
		for j := start + 1; j < len(line); j++ {
			switch line[j] {
			case '\\':
				j++
			case '"':
				return j + 1
			}
		}
		return len(line)
	}
	if space := strings.IndexByte(line[start:], ' '); space >= 0 {
		return start + space
	}
	return len(line)
}

func valueColor(value string) string {
	switch {
	case value == "":
		return ""
	case strings.HasPrefix(value, `"`):
		return ansiGreen
	case net.ParseIP(value) != nil:
		return ansiCyan
	default:
		if _, err := strconv.ParseFloat(value, 64); err == nil {
			return ansiYellow
		}
		return ""
	}
}

package app

import (
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"xdrforward/internal/config"
	"xdrforward/internal/source"
)

func TestPprofMux_ServesProfileIndex(t *testing.T) {
	server := httptest.NewServer(pprofMux())
	defer server.Close()

	resp, err := http.Get(server.URL + "/debug/pprof/cmdline")
	if err != nil {
		t.Fatalf("get cmdline: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status: %d", resp.StatusCode)
	}
}

func TestStartPprofServer_DisabledIsNoop(t *testing.T) {
	stop, err := startPprofServer(context.Background(), config.PprofConfig{Enabled: false}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("startPprofServer: %v", err)
	}
	stop()
	stop()
}

func TestStopOnDone_RunsShutdownOnce(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := make(chan struct{}, 2)
	stop := stopOnDone(ctx, func() { calls <- struct{}{} })

	cancel()
	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("shutdown not triggered by context cancellation")
	}
	stop()
	select {
	case <-calls:
		t.Fatal("shutdown must run only once")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestCursorAttrs_StableKindOrder(t *testing.T) {
	attrs := cursorAttrs(map[source.Kind]int64{
		source.KindIncidents: 20,
		source.KindAlerts:    10,
	})
	if len(attrs) != 2 {
		t.Fatalf("unexpected attrs: %v", attrs)
	}
	first, _ := attrs[0].(slog.Attr)
	second, _ := attrs[1].(slog.Attr)
	if first.Key != "cursor_alerts" || first.Value.Int64() != 10 {
		t.Fatalf("unexpected first attr: %v", first)
	}
	if second.Key != "cursor_incidents" || second.Value.Int64() != 20 {
		t.Fatalf("unexpected second attr: %v", second)
	}
	if got := cursorAttrs(nil); len(got) != 0 {
		t.Fatalf("nil cursors must render no attrs: %v", got)
	}
}

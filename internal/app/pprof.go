package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	pprofhttp "net/http/pprof"
	"sync"
	"time"

	"xdrforward/internal/config"
)

const (
	pprofShutdownTimeout = 3 * time.Second
	pprofReadHeaderTO    = 2 * time.Second
)

// startPprofServer starts optional pprof HTTP endpoint and wires graceful shutdown.
// Params: ctx controls lifecycle; cfg provides enabled/listen options; logger reports runtime events.
// Returns: stop function (idempotent) and startup error.
func startPprofServer(ctx context.Context, cfg config.PprofConfig, logger *slog.Logger) (func(), error) {
	if !cfg.Enabled {
		return func() {}, nil
	}

	listener, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen %q: %w", cfg.Listen, err)
	}

	server := &http.Server{
		Handler:           pprofMux(),
		ReadHeaderTimeout: pprofReadHeaderTO,
	}

	stop := stopOnDone(ctx, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), pprofShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("pprof shutdown error", slog.String("error", err.Error()))
		}
	})

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("pprof server failed", slog.String("addr", listener.Addr().String()), slog.String("error", err.Error()))
		}
	}()

	logger.Info("pprof server started", slog.String("addr", listener.Addr().String()))
	return stop, nil
}

func pprofMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/debug/pprof/", pprofhttp.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprofhttp.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprofhttp.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprofhttp.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprofhttp.Trace)
	return mux
}

// stopOnDone wraps shutdown into an idempotent stop function that also fires on ctx cancellation.
// Params: ctx runtime lifecycle; shutdown releases the listener.
// Returns: stop function safe to call more than once.
func stopOnDone(ctx context.Context, shutdown func()) func() {
	var once sync.Once
	stop := func() {
		once.Do(shutdown)
	}
	go func() {
		<-ctx.Done()
		stop()
	}()
	return stop
}

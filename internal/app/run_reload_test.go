package app

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"xdrforward/internal/config"
	"xdrforward/internal/pipeline"
	"xdrforward/internal/source"
)

type fakeEngine struct {
	stopped chan struct{}
	cursors map[source.Kind]int64
}

type immediateEngine struct {
	err error
}

// Cursors returns the watermarks assigned at build time.
// Params: none.
// Returns: cursor per kind.
func (e *fakeEngine) Cursors() map[source.Kind]int64 {
	return e.cursors
}

// Cursors reports no watermarks.
func (e *immediateEngine) Cursors() map[source.Kind]int64 {
	return nil
}

// Run blocks until context cancellation and marks engine stop.
// Params: ctx lifecycle context.
// Returns: nil on graceful stop.
func (e *fakeEngine) Run(ctx context.Context) error {
	<-ctx.Done()
	close(e.stopped)
	return nil
}

// Run exits immediately with predefined error.
// Params: _ ignored context.
// Returns: predefined run error.
func (e *immediateEngine) Run(_ context.Context) error {
	return e.err
}

type fakeEngineFactory struct {
	mu      sync.Mutex
	engines []*fakeEngine
	cfgs    []*config.Config
	opts    []pipeline.Options
	failAt  map[int]error
}

// build creates one fake engine and records config snapshot.
// Params: _ ignored runtime context; cfg runtime config snapshot; _ ignored logger; opts engine options.
// Returns: fake engine or configured build error.
func (f *fakeEngineFactory) build(_ context.Context, cfg *config.Config, _ *slog.Logger, opts pipeline.Options) (engineRunner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	index := len(f.engines)
	if err, exists := f.failAt[index]; exists {
		return nil, err
	}

	engine := &fakeEngine{
		stopped: make(chan struct{}),
		cursors: map[source.Kind]int64{source.KindAlerts: int64(index+1) * 1000},
	}
	f.engines = append(f.engines, engine)
	f.cfgs = append(f.cfgs, cfg)
	f.opts = append(f.opts, opts)
	return engine, nil
}

// count returns created engines count.
// Params: none.
// Returns: number of created engine instances.
func (f *fakeEngineFactory) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.engines)
}

// waitCount waits until created engines reaches expected value.
// Params: t test context; expected desired count.
// Returns: none; fails test on timeout.
func (f *fakeEngineFactory) waitCount(t *testing.T, expected int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if f.count() >= expected {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for engine count=%d (have=%d)", expected, f.count())
}

// waitStopped waits for specific engine stop signal.
// Params: t test context; index engine index.
// Returns: none; fails test on timeout.
func (f *fakeEngineFactory) waitStopped(t *testing.T, index int) {
	t.Helper()

	f.mu.Lock()
	if index >= len(f.engines) {
		f.mu.Unlock()
		t.Fatalf("engine index %d not found", index)
	}
	stopped := f.engines[index].stopped
	f.mu.Unlock()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatalf("timeout waiting engine[%d] stop", index)
	}
}

// isStopped checks whether specific engine has been stopped.
// Params: index engine index.
// Returns: true when engine stop signal is closed.
func (f *fakeEngineFactory) isStopped(index int) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if index >= len(f.engines) {
		return false
	}
	select {
	case <-f.engines[index].stopped:
		return true
	default:
		return false
	}
}

// resumes returns cursors handed to each engine build.
// Params: none.
// Returns: resume maps by build order.
func (f *fakeEngineFactory) resumes() []map[source.Kind]int64 {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]map[source.Kind]int64, 0, len(f.opts))
	for _, opts := range f.opts {
		out = append(out, opts.Resume)
	}
	return out
}

// modes returns source mode per engine build.
// Params: none.
// Returns: slice of source modes by build order.
func (f *fakeEngineFactory) modes() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]string, 0, len(f.cfgs))
	for _, cfg := range f.cfgs {
		out = append(out, cfg.Source.Mode)
	}
	return out
}

// intervals returns poll interval per engine build.
// Params: none.
// Returns: slice of poll intervals by build order.
func (f *fakeEngineFactory) intervals() []time.Duration {
	f.mu.Lock()
	defer f.mu.Unlock()

	out := make([]time.Duration, 0, len(f.cfgs))
	for _, cfg := range f.cfgs {
		out = append(out, cfg.Source.PollInterval.Duration)
	}
	return out
}

type loaderResponse struct {
	cfg *config.Config
	err error
}

type loaderSequence struct {
	mu        sync.Mutex
	responses []loaderResponse
	calls     int
}

// load returns next preconfigured response for config loading.
// Params: _ ignored path.
// Returns: config or error based on configured sequence.
func (l *loaderSequence) load(_ string) (*config.Config, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	index := l.calls
	l.calls++
	if index >= len(l.responses) {
		return nil, errors.New("unexpected config load call")
	}

	response := l.responses[index]
	if response.err != nil {
		return nil, response.err
	}
	return response.cfg, nil
}

type fakeLoggerFactory struct {
	created atomic.Int32
	closed  atomic.Int32
}

// create builds disposable logger and tracks create/close counts.
// Params: _ ignored log config.
// Returns: logger, close callback, and nil error.
func (f *fakeLoggerFactory) create(_ config.LogConfig) (*slog.Logger, func(), error) {
	f.created.Add(1)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return logger, func() {
		f.closed.Add(1)
	}, nil
}

type fakePprofFactory struct {
	started atomic.Int32
	stopped atomic.Int32
}

// start tracks pprof start and returns tracked stop callback.
// Params: _ ignored context; _ ignored config; _ ignored logger.
// Returns: stop callback and nil error.
func (f *fakePprofFactory) start(_ context.Context, _ config.PprofConfig, _ *slog.Logger) (func(), error) {
	f.started.Add(1)
	var once sync.Once
	return func() {
		once.Do(func() {
			f.stopped.Add(1)
		})
	}, nil
}

type fakeHealthFactory struct {
	started atomic.Int32
	stopped atomic.Int32
}

type nopObserver struct{}

func (nopObserver) ObserveCycle(pipeline.CycleReport) {}

// start tracks health start and returns a no-op observer.
// Params: _ ignored context; _ ignored config; _ ignored logger.
// Returns: observer, stop callback, and nil error.
func (f *fakeHealthFactory) start(_ context.Context, _ config.HealthConfig, _ *slog.Logger) (pipeline.CycleObserver, func(), error) {
	f.started.Add(1)
	var once sync.Once
	return nopObserver{}, func() {
		once.Do(func() {
			f.stopped.Add(1)
		})
	}, nil
}

// buildTestDeps creates run deps from fake components.
// Params: loader, loggers, pprof, and engines fakes.
// Returns: dependency set for runWithDeps tests.
func buildTestDeps(
	loader *loaderSequence,
	loggers *fakeLoggerFactory,
	pprof *fakePprofFactory,
	engines *fakeEngineFactory,
) runDeps {
	health := &fakeHealthFactory{}
	return runDeps{
		loadConfig:  loader.load,
		newLogger:   loggers.create,
		startPprof:  pprof.start,
		startHealth: health.start,
		newEngine:   engines.build,
	}
}

// testConfig creates minimal config snapshot for runtime reload tests.
// Params: name agent name; mode source mode; interval poll interval.
// Returns: config snapshot instance.
func testConfig(name string, mode string, interval time.Duration) *config.Config {
	return &config.Config{
		Global: config.GlobalConfig{
			Name: name,
			Host: "host1",
		},
		Log: config.LogConfig{
			Console: config.LogSinkConfig{
				Enabled: true,
				Level:   "info",
				Format:  "line",
			},
		},
		Source: config.SourceConfig{
			Type:         "fixture",
			Mode:         mode,
			PageSize:     100,
			PollInterval: config.Duration{Duration: interval},
			Fixture:      config.FixtureConfig{AlertsFile: "alerts.json", IncidentsFile: "incidents.json"},
		},
		Mapping: config.MappingConfig{File: "mapping.yaml"},
		Output: config.OutputConfig{
			Stdout: config.StdoutConfig{Enabled: true},
		},
	}
}

// TestRunWithDeps_ReloadValidConfig verifies successful runtime swap on valid reload.
// Params: t test context.
// Returns: none.
func TestRunWithDeps_ReloadValidConfig(t *testing.T) {
	loader := &loaderSequence{
		responses: []loaderResponse{
			{cfg: testConfig("fwd1", "both", time.Minute)},
			{cfg: testConfig("fwd2", "alerts", time.Minute)},
		},
	}
	loggers := &fakeLoggerFactory{}
	pprof := &fakePprofFactory{}
	engines := &fakeEngineFactory{}
	deps := buildTestDeps(loader, loggers, pprof, engines)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reload := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- runWithDeps(ctx, Runtime{ConfigPath: "test.toml", Reload: reload}, deps)
	}()

	engines.waitCount(t, 1)
	reload <- struct{}{}
	engines.waitCount(t, 2)
	engines.waitStopped(t, 0)

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runWithDeps: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting runWithDeps stop")
	}

	if got := loggers.created.Load(); got != 2 {
		t.Fatalf("logger created=%d, want=2", got)
	}
	if got := loggers.closed.Load(); got != 2 {
		t.Fatalf("logger closed=%d, want=2", got)
	}
	if got := pprof.started.Load(); got != 2 {
		t.Fatalf("pprof started=%d, want=2", got)
	}
	if got := pprof.stopped.Load(); got != 2 {
		t.Fatalf("pprof stopped=%d, want=2", got)
	}
}

// TestRunWithDeps_ReloadInvalidConfigKeepsRuntime verifies invalid reload keeps current runtime active.
// Params: t test context.
// Returns: none.
func TestRunWithDeps_ReloadInvalidConfigKeepsRuntime(t *testing.T) {
	loader := &loaderSequence{
		responses: []loaderResponse{
			{cfg: testConfig("fwd1", "both", time.Minute)},
			{err: errors.New("invalid config")},
		},
	}
	loggers := &fakeLoggerFactory{}
	pprof := &fakePprofFactory{}
	engines := &fakeEngineFactory{}
	deps := buildTestDeps(loader, loggers, pprof, engines)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reload := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- runWithDeps(ctx, Runtime{ConfigPath: "test.toml", Reload: reload}, deps)
	}()

	engines.waitCount(t, 1)
	reload <- struct{}{}
	time.Sleep(100 * time.Millisecond)

	if got := engines.count(); got != 1 {
		t.Fatalf("engine count=%d, want=1", got)
	}
	if engines.isStopped(0) {
		t.Fatal("runtime stopped after invalid reload")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runWithDeps: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting runWithDeps stop")
	}
}

// TestRunWithDeps_ReloadApplySourceModeChanges verifies runtime rebuild when the polled kinds change.
// Params: t test context.
// Returns: none.
func TestRunWithDeps_ReloadApplySourceModeChanges(t *testing.T) {
	loader := &loaderSequence{
		responses: []loaderResponse{
			{cfg: testConfig("fwd1", "both", time.Minute)},
			{cfg: testConfig("fwd1", "alerts", time.Minute)},
			{cfg: testConfig("fwd1", "incidents", time.Minute)},
		},
	}
	loggers := &fakeLoggerFactory{}
	pprof := &fakePprofFactory{}
	engines := &fakeEngineFactory{}
	deps := buildTestDeps(loader, loggers, pprof, engines)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reload := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- runWithDeps(ctx, Runtime{ConfigPath: "test.toml", Reload: reload}, deps)
	}()

	engines.waitCount(t, 1)
	reload <- struct{}{}
	engines.waitCount(t, 2)
	reload <- struct{}{}
	engines.waitCount(t, 3)

	modes := engines.modes()
	want := []string{"both", "alerts", "incidents"}
	for idx := range want {
		if modes[idx] != want[idx] {
			t.Fatalf("mode[%d]=%s, want=%s", idx, modes[idx], want[idx])
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runWithDeps: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting runWithDeps stop")
	}
}

// TestRunWithDeps_ReloadApplyPollIntervalChanges verifies runtime rebuild on poll interval change.
// Params: t test context.
// Returns: none.
func TestRunWithDeps_ReloadApplyPollIntervalChanges(t *testing.T) {
	loader := &loaderSequence{
		responses: []loaderResponse{
			{cfg: testConfig("fwd1", "both", time.Minute)},
			{cfg: testConfig("fwd1", "both", 30*time.Second)},
			{cfg: testConfig("fwd1", "both", time.Minute)},
		},
	}
	loggers := &fakeLoggerFactory{}
	pprof := &fakePprofFactory{}
	engines := &fakeEngineFactory{}
	deps := buildTestDeps(loader, loggers, pprof, engines)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reload := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- runWithDeps(ctx, Runtime{ConfigPath: "test.toml", Reload: reload}, deps)
	}()

	engines.waitCount(t, 1)
	reload <- struct{}{}
	engines.waitCount(t, 2)
	reload <- struct{}{}
	engines.waitCount(t, 3)

	intervals := engines.intervals()
	want := []time.Duration{time.Minute, 30 * time.Second, time.Minute}
	for idx := range want {
		if intervals[idx] != want[idx] {
			t.Fatalf("interval[%d]=%s, want=%s", idx, intervals[idx], want[idx])
		}
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runWithDeps: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting runWithDeps stop")
	}
}

// TestRunWithDeps_EngineStopsUnexpectedly verifies run loop returns error when engine exits before context cancellation.
// Params: t test context.
// Returns: none.
func TestRunWithDeps_EngineStopsUnexpectedly(t *testing.T) {
	loader := &loaderSequence{
		responses: []loaderResponse{
			{cfg: testConfig("fwd1", "both", time.Minute)},
		},
	}
	loggers := &fakeLoggerFactory{}
	pprof := &fakePprofFactory{}
	engineErr := errors.New("boom")
	health := &fakeHealthFactory{}
	deps := runDeps{
		loadConfig:  loader.load,
		newLogger:   loggers.create,
		startPprof:  pprof.start,
		startHealth: health.start,
		newEngine: func(_ context.Context, _ *config.Config, _ *slog.Logger, _ pipeline.Options) (engineRunner, error) {
			return &immediateEngine{err: engineErr}, nil
		},
	}

	err := runWithDeps(context.Background(), Runtime{ConfigPath: "test.toml"}, deps)
	if err == nil {
		t.Fatal("expected runWithDeps error")
	}
	if !errors.Is(err, engineErr) {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := loggers.closed.Load(); got != 1 {
		t.Fatalf("logger closed=%d, want=1", got)
	}
	if got := pprof.stopped.Load(); got != 1 {
		t.Fatalf("pprof stopped=%d, want=1", got)
	}
	if got := health.stopped.Load(); got != 1 {
		t.Fatalf("health stopped=%d, want=1", got)
	}
}

// TestRunWithDeps_ReloadInterruptedByShutdown verifies graceful stop when shutdown interrupts reload apply.
// Params: t test context.
// Returns: none.
func TestRunWithDeps_ReloadInterruptedByShutdown(t *testing.T) {
	loader := &loaderSequence{
		responses: []loaderResponse{
			{cfg: testConfig("fwd1", "both", time.Minute)},
			{cfg: testConfig("fwd2", "both", time.Minute)},
		},
	}
	loggers := &fakeLoggerFactory{}
	pprof := &fakePprofFactory{}

	secondBuildStarted := make(chan struct{})
	var buildCount atomic.Int32
	health := &fakeHealthFactory{}
	deps := runDeps{
		loadConfig:  loader.load,
		newLogger:   loggers.create,
		startPprof:  pprof.start,
		startHealth: health.start,
		newEngine: func(ctx context.Context, _ *config.Config, _ *slog.Logger, _ pipeline.Options) (engineRunner, error) {
			call := buildCount.Add(1)
			if call == 1 {
				return &fakeEngine{stopped: make(chan struct{})}, nil
			}
			close(secondBuildStarted)
			<-ctx.Done()
			return nil, ctx.Err()
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reload := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- runWithDeps(ctx, Runtime{ConfigPath: "test.toml", Reload: reload}, deps)
	}()

	reload <- struct{}{}
	select {
	case <-secondBuildStarted:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting second build start")
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runWithDeps: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting runWithDeps stop")
	}
}

// TestRunWithDeps_OnceCompletesWithoutCancellation verifies run-once mode treats a clean engine exit as success.
// Params: t test context.
// Returns: none.
func TestRunWithDeps_OnceCompletesWithoutCancellation(t *testing.T) {
	loader := &loaderSequence{
		responses: []loaderResponse{
			{cfg: testConfig("fwd1", "both", time.Minute)},
		},
	}
	loggers := &fakeLoggerFactory{}
	pprof := &fakePprofFactory{}
	health := &fakeHealthFactory{}

	var captured pipeline.Options
	deps := runDeps{
		loadConfig:  loader.load,
		newLogger:   loggers.create,
		startPprof:  pprof.start,
		startHealth: health.start,
		newEngine: func(_ context.Context, _ *config.Config, _ *slog.Logger, opts pipeline.Options) (engineRunner, error) {
			captured = opts
			return &immediateEngine{}, nil
		},
	}

	if err := runWithDeps(context.Background(), Runtime{ConfigPath: "test.toml", Once: true}, deps); err != nil {
		t.Fatalf("runWithDeps: %v", err)
	}
	if !captured.Once {
		t.Fatal("engine was not built in run-once mode")
	}
	if captured.Observer == nil {
		t.Fatal("health observer was not passed to engine")
	}
	if got := loggers.closed.Load(); got != 1 {
		t.Fatalf("logger closed=%d, want=1", got)
	}
	if got := health.stopped.Load(); got != 1 {
		t.Fatalf("health stopped=%d, want=1", got)
	}
}

func TestRunWithDeps_CleanExitWithoutOnceIsError(t *testing.T) {
	loader := &loaderSequence{
		responses: []loaderResponse{
			{cfg: testConfig("fwd1", "both", time.Minute)},
		},
	}
	health := &fakeHealthFactory{}
	deps := runDeps{
		loadConfig:  loader.load,
		newLogger:   (&fakeLoggerFactory{}).create,
		startPprof:  (&fakePprofFactory{}).start,
		startHealth: health.start,
		newEngine: func(_ context.Context, _ *config.Config, _ *slog.Logger, _ pipeline.Options) (engineRunner, error) {
			return &immediateEngine{}, nil
		},
	}

	if err := runWithDeps(context.Background(), Runtime{ConfigPath: "test.toml"}, deps); err == nil {
		t.Fatal("expected error when runner exits without cancellation")
	}
}

func TestRunWithDeps_HealthStartFailureReleasesResources(t *testing.T) {
	loader := &loaderSequence{
		responses: []loaderResponse{
			{cfg: testConfig("fwd1", "both", time.Minute)},
		},
	}
	loggers := &fakeLoggerFactory{}
	pprof := &fakePprofFactory{}
	engines := &fakeEngineFactory{}
	deps := buildTestDeps(loader, loggers, pprof, engines)
	healthErr := errors.New("address in use")
	deps.startHealth = func(context.Context, config.HealthConfig, *slog.Logger) (pipeline.CycleObserver, func(), error) {
		return nil, nil, healthErr
	}

	err := runWithDeps(context.Background(), Runtime{ConfigPath: "test.toml"}, deps)
	if !errors.Is(err, healthErr) {
		t.Fatalf("unexpected error: %v", err)
	}
	if engines.count() != 0 {
		t.Fatal("engine must not be built when health fails")
	}
	if got := pprof.stopped.Load(); got != 1 {
		t.Fatalf("pprof stopped=%d, want=1", got)
	}
	if got := loggers.closed.Load(); got != 1 {
		t.Fatalf("logger closed=%d, want=1", got)
	}
}

func TestEnabledOutputs(t *testing.T) {
	enabled := false
	cfg := config.OutputConfig{
		Logstash: config.LogstashConfig{Enabled: &enabled},
		Kafka:    config.KafkaConfig{Enabled: true},
		Stdout:   config.StdoutConfig{Enabled: true},
	}
	got := enabledOutputs(cfg)
	if len(got) != 2 || got[0] != "kafka" || got[1] != "stdout" {
		t.Fatalf("unexpected outputs: %v", got)
	}
}

// TestRunWithDeps_ReloadCarriesCursors verifies the next engine resumes from the stopped engine watermarks.
// Params: t test context.
// Returns: none.
func TestRunWithDeps_ReloadCarriesCursors(t *testing.T) {
	loader := &loaderSequence{
		responses: []loaderResponse{
			{cfg: testConfig("fwd1", "both", time.Minute)},
			{cfg: testConfig("fwd1", "both", 30*time.Second)},
		},
	}
	engines := &fakeEngineFactory{}
	deps := buildTestDeps(loader, &fakeLoggerFactory{}, &fakePprofFactory{}, engines)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reload := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- runWithDeps(ctx, Runtime{ConfigPath: "test.toml", Reload: reload}, deps)
	}()

	engines.waitCount(t, 1)
	reload <- struct{}{}
	engines.waitCount(t, 2)

	resumes := engines.resumes()
	if resumes[0] != nil {
		t.Fatalf("first engine must start without resume cursors: %v", resumes[0])
	}
	if got := resumes[1][source.KindAlerts]; got != 1000 {
		t.Fatalf("resume cursor=%d, want=1000", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runWithDeps: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting runWithDeps stop")
	}
}

type fetchRecorder struct {
	fetched chan int
}

func (r *fetchRecorder) ObserveCycle(report pipeline.CycleReport) {
	r.fetched <- report.Fetched[source.KindAlerts]
}

func (r *fetchRecorder) next(t *testing.T) int {
	t.Helper()
	select {
	case count := <-r.fetched:
		return count
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting poll cycle")
		return 0
	}
}

// TestRunWithDeps_ReloadDoesNotRefetchDeliveredEvents verifies a reload with a real engine keeps the fixture cursor.
// Params: t test context.
// Returns: none.
func TestRunWithDeps_ReloadDoesNotRefetchDeliveredEvents(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		path := filepath.Join(dir, name)
		if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
		return path
	}
	alerts := write("alerts.json", `[
		{"alert_id":"1","severity":"high","creation_time":1000},
		{"alert_id":"2","severity":"high","creation_time":2000},
		{"alert_id":"3","severity":"high","creation_time":3000}
	]`)
	mappingPath := write("mapping.yaml", "field_mappings: []\n")
	configPath := write("config.toml", `
[global]
host = "reload-host"

[source]
type = "fixture"
mode = "alerts"
since = "1970-01-01T00:00:00Z"
poll_interval = "1h"

[source.fixture]
alerts_file = "`+alerts+`"

[mapping]
file = "`+mappingPath+`"

[output.logstash]
enabled = false

[output.stdout]
enabled = true
`)

	recorder := &fetchRecorder{fetched: make(chan int, 4)}
	health := &fakeHealthFactory{}
	deps := runDeps{
		loadConfig:  config.Load,
		newLogger:   (&fakeLoggerFactory{}).create,
		startPprof:  (&fakePprofFactory{}).start,
		startHealth: health.start,
		newEngine: func(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts pipeline.Options) (engineRunner, error) {
			opts.Stdout = io.Discard
			opts.Observer = recorder
			return pipeline.NewFromConfig(ctx, cfg, logger, opts)
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reload := make(chan struct{}, 1)
	done := make(chan error, 1)
	go func() {
		done <- runWithDeps(ctx, Runtime{ConfigPath: configPath, Reload: reload}, deps)
	}()

	if got := recorder.next(t); got != 3 {
		t.Fatalf("first cycle fetched=%d, want=3", got)
	}
	reload <- struct{}{}
	if got := recorder.next(t); got != 1 {
		t.Fatalf("cycle after reload fetched=%d, want=1 (boundary event only)", got)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("runWithDeps: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting runWithDeps stop")
	}
}

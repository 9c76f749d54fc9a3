package pipeline

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"xdrforward/internal/agentinfo"
	"xdrforward/internal/config"
	"xdrforward/internal/mapping"
	"xdrforward/internal/sink"
	"xdrforward/internal/source"
)

// Options adjusts engine construction for CLI modes.
// Params: Once stops after one cycle; Observer receives cycle reports; Stdout is the printer destination;
// Resume carries cursors of the engine being replaced on config reload.
// Returns: build options.
type Options struct {
	Once     bool
	Observer CycleObserver
	Stdout   io.Writer
	Resume   map[source.Kind]int64
}

// Engine owns the poller and the lifecycle of its outputs.
type Engine struct {
	poller  *Poller
	outputs *sink.MultiSink
	logger  *slog.Logger
}

// NewFromConfig builds source, mapper, filter and outputs from validated config.
// Params: ctx for host lookups; cfg validated config; logger root logger; opts CLI adjustments.
// Returns: engine or startup error (unreadable mapping file, bad TLS material, ...).
func NewFromConfig(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts Options) (*Engine, error) {
	mode, err := source.ParseMode(cfg.Source.Mode)
	if err != nil {
		return nil, fmt.Errorf("source.mode: %w", err)
	}

	mapper, err := BuildMapper(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}

	client, err := BuildSource(cfg.Source, logger)
	if err != nil {
		return nil, err
	}

	filter, err := NewDropFilter(cfg.Filter.DropEvent)
	if err != nil {
		return nil, fmt.Errorf("filter: %w", err)
	}

	start, err := cfg.Source.StartCursor(time.Now())
	if err != nil {
		return nil, err
	}

	outputs, err := BuildOutputs(cfg.Output, logger, opts.Stdout)
	if err != nil {
		return nil, err
	}

	poller, err := NewPoller(PollerConfig{
		Mode:        mode,
		Interval:    cfg.Source.PollInterval.Duration,
		StartCursor: start,
		Resume:      opts.Resume,
		Once:        opts.Once,
	}, client, mapper, outputs, filter, logger)
	if err != nil {
		_ = outputs.Close()
		return nil, fmt.Errorf("build poller: %w", err)
	}
	poller.AddObserver(opts.Observer)
	poller.AddObserver(&footprintObserver{logger: logger})

	return &Engine{poller: poller, outputs: outputs, logger: logger}, nil
}

// Run polls until ctx is canceled (or after one cycle in run-once mode) and closes outputs.
// Params: ctx lifecycle context.
// Returns: nil on graceful stop.
func (e *Engine) Run(ctx context.Context) error {
	defer func() {
		if err := e.outputs.Close(); err != nil {
			e.logger.Warn("close outputs failed", slog.String("error", err.Error()))
		}
	}()
	return e.poller.Run(ctx)
}

// Cursors snapshots the poller watermarks; call after Run has returned.
func (e *Engine) Cursors() map[source.Kind]int64 {
	return e.poller.Cursors()
}

// Poller exposes the underlying poller.
func (e *Engine) Poller() *Poller {
	return e.poller
}

// BuildMapper loads the mapping table and resolves static document metadata.
// Params: ctx for host lookup; cfg validated config; logger for degraded host info.
// Returns: mapper or error when the mapping file is unreadable or invalid.
func BuildMapper(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*mapping.Mapper, error) {
	rules, err := mapping.LoadRules(cfg.Mapping.File)
	if err != nil {
		return nil, fmt.Errorf("mapping.file: %w", err)
	}

	agent, err := agentinfo.NewDescriber().Describe(ctx, cfg.Global.Name, cfg.Global.Host)
	if err != nil {
		logger.Warn("host info unavailable, agent.id omitted", slog.String("error", err.Error()))
	}

	logger.Info("mapping loaded", slog.String("file", cfg.Mapping.File), slog.Int("rules", len(rules)))
	return mapping.NewMapper(rules, mapping.Options{
		Observer: mapping.Observer{
			Product: cfg.Mapping.Observer.Product,
			Vendor:  cfg.Mapping.Observer.Vendor,
			Type:    cfg.Mapping.Observer.Type,
		},
		Agent:    agent,
		Tags:     cfg.Mapping.Tags,
		RawField: cfg.Mapping.RawField,
	}), nil
}

// BuildSource selects the live API client or the fixture replay client.
// Params: cfg source section; logger for per-event warnings.
// Returns: client implementation.
func BuildSource(cfg config.SourceConfig, logger *slog.Logger) (source.Client, error) {
	if !cfg.LiveSource() {
		client, err := source.NewFixtureReplayClient(source.FixtureConfig{
			AlertsFile:    cfg.Fixture.AlertsFile,
			IncidentsFile: cfg.Fixture.IncidentsFile,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("source.fixture: %w", err)
		}
		return client, nil
	}

	client, err := source.NewLiveClient(source.LiveConfig{
		BaseURL:   cfg.BaseURL,
		APIKey:    cfg.APIKey,
		APIKeyID:  cfg.APIKeyID,
		PageSize:  cfg.PageSize,
		Timeout:   cfg.Timeout.Duration,
		VerifyTLS: cfg.VerifyTLSEnabled(),
		UserAgent: "xdrforward/" + agentinfo.Version,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("source: %w", err)
	}
	return client, nil
}

// BuildOutputs creates every enabled output plus the debug log sink.
// Params: cfg output section; logger; stdout printer destination (os.Stdout when nil).
// Returns: composite sink; already-opened outputs are closed on error.
func BuildOutputs(cfg config.OutputConfig, logger *slog.Logger, stdout io.Writer) (*sink.MultiSink, error) {
	outputs := make([]sink.Sink, 0, 5)
	fail := func(err error) (*sink.MultiSink, error) {
		_ = sink.NewMultiSink(outputs...).Close()
		return nil, err
	}

	if cfg.Logstash.IsEnabled() {
		forwarderCfg := sink.ForwarderConfig{
			Addr:    cfg.Logstash.Addr,
			Timeout: cfg.Logstash.Timeout.Duration,
		}
		if cfg.Logstash.TLS.Enabled {
			tlsCfg, err := sink.BuildTLSConfig(sink.TLSOptions{
				CAFile:     cfg.Logstash.TLS.CAFile,
				CertFile:   cfg.Logstash.TLS.CertFile,
				KeyFile:    cfg.Logstash.TLS.KeyFile,
				Verify:     cfg.Logstash.TLS.VerifyEnabled(),
				ServerName: cfg.Logstash.TLS.ServerName,
			})
			if err != nil {
				return fail(fmt.Errorf("output.logstash.tls: %w", err))
			}
			forwarderCfg.TLS = tlsCfg
		}
		forwarder, err := sink.NewForwarder(forwarderCfg, logger)
		if err != nil {
			return fail(fmt.Errorf("output.logstash: %w", err))
		}
		outputs = append(outputs, forwarder)
	}

	if cfg.Kafka.Enabled {
		kafkaSink, err := sink.NewKafkaSink(sink.KafkaConfig{
			Brokers: cfg.Kafka.Brokers,
			Topic:   cfg.Kafka.Topic,
			Timeout: cfg.Kafka.Timeout.Duration,
		})
		if err != nil {
			return fail(fmt.Errorf("output.kafka: %w", err))
		}
		outputs = append(outputs, kafkaSink)
	}

	if cfg.Archive.Enabled {
		archive, err := sink.OpenArchive(cfg.Archive.Path)
		if err != nil {
			return fail(fmt.Errorf("output.archive: %w", err))
		}
		outputs = append(outputs, archive)
	}

	if cfg.Stdout.Enabled {
		if stdout == nil {
			stdout = os.Stdout
		}
		outputs = append(outputs, sink.NewPrinter(stdout))
	}

	outputs = append(outputs, sink.NewLogSink(logger))
	return sink.NewMultiSink(outputs...), nil
}

// footprintObserver logs process resource usage after each cycle at debug level.
type footprintObserver struct {
	logger *slog.Logger
}

func (o *footprintObserver) ObserveCycle(report CycleReport) {
	ctx := context.Background()
	if !o.logger.Enabled(ctx, slog.LevelDebug) {
		return
	}
	stats, err := agentinfo.ReadSelfStats(ctx)
	if err != nil {
		o.logger.Debug("self stats unavailable", slog.String("error", err.Error()))
		return
	}
	o.logger.Debug(
		"forwarder footprint",
		slog.String("cycle", report.ID),
		slog.Uint64("rss_bytes", stats.RSSBytes),
		slog.Float64("cpu_percent", stats.CPUPercent),
		slog.Float64("host_mem_util", stats.HostMemUtilPct),
	)
}

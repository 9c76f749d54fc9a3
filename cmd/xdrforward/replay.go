package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"xdrforward/internal/config"
	"xdrforward/internal/logging"
	"xdrforward/internal/normalize"
	"xdrforward/internal/pipeline"
)

type replayOptions struct {
	alertsFile    string
	incidentsFile string
	since         string
	forward       bool
}

// newReplayCommand builds the fixture dry-run command.
// Params: configPath shared --config flag value.
// Returns: replay command.
func newReplayCommand(configPath *string) *cobra.Command {
	opts := replayOptions{}
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Map fixture files through the configured pipeline and print the documents",
		Long: `Replay reads alerts and incidents from JSON array files instead of the API,
runs one poll cycle with the configured mapping and filters, and prints every
document to stdout. Documents are sent to Logstash only with --forward.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runReplay(cmd.Context(), *configPath, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.alertsFile, "alerts", "", "JSON array file with alerts")
	cmd.Flags().StringVar(&opts.incidentsFile, "incidents", "", "JSON array file with incidents")
	cmd.Flags().StringVar(&opts.since, "since", "1970-01-01T00:00:00Z", "replay events created at or after this ISO-8601 time")
	cmd.Flags().BoolVar(&opts.forward, "forward", false, "also send documents to the configured logstash output")
	return cmd
}

// runReplay loads config, swaps the source for fixture files and runs one cycle.
// Params: ctx lifecycle; configPath config location; opts replay flags; stdout printer destination.
// Returns: startup error; per-cycle failures are logged.
func runReplay(ctx context.Context, configPath string, opts replayOptions, stdout io.Writer) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if err := applyReplay(cfg, opts); err != nil {
		return err
	}

	logger, closeLogger, err := logging.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	defer closeLogger()

	engine, err := pipeline.NewFromConfig(ctx, cfg, logger, pipeline.Options{Once: true, Stdout: stdout})
	if err != nil {
		return fmt.Errorf("build pipeline: %w", err)
	}
	return engine.Run(ctx)
}

// applyReplay rewrites a loaded config for fixture replay.
// Params: cfg loaded config; opts replay flags.
// Returns: error when no fixture file is given or --since is not a timestamp.
func applyReplay(cfg *config.Config, opts replayOptions) error {
	since := strings.TrimSpace(opts.since)
	if since != "" {
		if _, err := normalize.ISOToEpochMillis(since); err != nil {
			return fmt.Errorf("replay --since: %w", err)
		}
	}

	alerts := strings.TrimSpace(opts.alertsFile)
	incidents := strings.TrimSpace(opts.incidentsFile)
	switch {
	case alerts != "" && incidents != "":
		cfg.Source.Mode = "both"
	case alerts != "":
		cfg.Source.Mode = "alerts"
	case incidents != "":
		cfg.Source.Mode = "incidents"
	default:
		return fmt.Errorf("replay: at least one of --alerts or --incidents is required")
	}

	cfg.Source.Type = "fixture"
	cfg.Source.Since = since
	cfg.Source.Fixture = config.FixtureConfig{AlertsFile: alerts, IncidentsFile: incidents}

	forward := opts.forward
	cfg.Output.Logstash.Enabled = &forward
	cfg.Output.Kafka.Enabled = false
	cfg.Output.Archive.Enabled = false
	cfg.Output.Stdout.Enabled = true
	cfg.Health.Enabled = false
	cfg.Pprof.Enabled = false
	return nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"xdrforward/internal/agentinfo"
	"xdrforward/internal/app"
)

const (
	exitCodeFailure = 1
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

// newRootCommand builds the CLI: the root command runs the forwarder, subcommands cover replay and build info.
// Params: none.
// Returns: configured root command.
func newRootCommand() *cobra.Command {
	var (
		configPath string
		once       bool
	)

	root := &cobra.Command{
		Use:           "xdrforward",
		Short:         "Poll Cortex XDR alerts and incidents and forward them to Logstash",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runForwarder(cmd.Context(), configPath, once)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.toml", "path to TOML config file or directory")
	root.Flags().BoolVar(&once, "once", false, "run a single poll cycle and exit")

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the forwarder (default command)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runForwarder(cmd.Context(), configPath, once)
		},
	}
	runCmd.Flags().BoolVar(&once, "once", false, "run a single poll cycle and exit")

	root.AddCommand(runCmd)
	root.AddCommand(newReplayCommand(&configPath))
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show build information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "xdrforward version=%s commit=%s date=%s\n", version, commit, date)
		},
	})
	return root
}

// runForwarder starts the runtime with SIGHUP-triggered config reload.
// Params: ctx canceled on SIGINT/SIGTERM; configPath config location; once single-cycle mode.
// Returns: runtime error.
func runForwarder(ctx context.Context, configPath string, once bool) error {
	reloadSignal := make(chan os.Signal, 1)
	signal.Notify(reloadSignal, syscall.SIGHUP)
	defer signal.Stop(reloadSignal)

	reload := make(chan struct{}, 1)
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-reloadSignal:
				select {
				case reload <- struct{}{}:
				default:
				}
			}
		}
	}()

	return app.Run(ctx, app.Runtime{ConfigPath: configPath, Reload: reload, Once: once})
}

// run starts the forwarder process.
// Params: none.
// Returns: process exit code.
func run() int {
	if version != "dev" {
		agentinfo.Version = version
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCommand().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return exitCodeFailure
	}
	return 0
}

func main() {
	os.Exit(run())
}

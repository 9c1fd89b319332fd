package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/tonimelisma/tusup/internal/config"
)

// version is set at build time via ldflags.
var version = "dev"

// Global persistent flags, bound in newRootCmd().
var (
	flagConfigPath string
	flagVerbose    bool
	flagQuiet      bool
)

// Upload flags that feed the config override chain. Bound in newUploadCmd().
var (
	flagEndpoint    string
	flagChunkSize   string
	flagPayloadSize string
	flagParallel    int
)

// cliFlags snapshots the global output flags for a command invocation.
type cliFlags struct {
	Verbose bool
	Quiet   bool
}

// CLIContext carries the resolved config and logger from PersistentPreRunE
// to the subcommands.
type CLIContext struct {
	Cfg    *config.Resolved
	Logger *slog.Logger
	Flags  cliFlags
}

type cliContextKey struct{}

// mustCLIContext returns the CLIContext stored by the root pre-run.
func mustCLIContext(ctx context.Context) *CLIContext {
	cc, ok := ctx.Value(cliContextKey{}).(*CLIContext)
	if !ok {
		panic("BUG: CLIContext missing from command context")
	}

	return cc
}

// newRootCmd builds and returns the fully-assembled root command with all
// subcommands registered. Called once from main().
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tusup",
		Short: "Resumable encrypted uploads to tus servers",
		Long: "tusup uploads files to a tus resumable-upload server. Each chunk is " +
			"encrypted before it leaves the machine, and interrupted uploads resume " +
			"from the last offset the server acknowledged.",
		Version: version,
		// Silence Cobra's default error/usage printing; main reports errors.
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cc, err := loadCLIContext(cmd)
			if err != nil {
				return err
			}

			cmd.SetContext(context.WithValue(cmd.Context(), cliContextKey{}, cc))

			return nil
		},
	}

	cmd.PersistentFlags().StringVar(&flagConfigPath, "config", "", "config file path")
	cmd.PersistentFlags().BoolVarP(&flagVerbose, "verbose", "v", false, "enable debug logging")
	cmd.PersistentFlags().BoolVarP(&flagQuiet, "quiet", "q", false, "suppress informational output")

	cmd.AddCommand(newUploadCmd())
	cmd.AddCommand(newSessionsCmd())
	cmd.AddCommand(newOffsetCmd())

	return cmd
}

// loadCLIContext resolves the effective configuration from the four-layer
// override chain and builds the logger for the command.
func loadCLIContext(cmd *cobra.Command) (*CLIContext, error) {
	cli := config.CLIOverrides{ConfigPath: flagConfigPath}

	// Only flags the user explicitly set override the config file.
	if cmd.Flags().Changed("endpoint") {
		cli.Endpoint = &flagEndpoint
	}

	if cmd.Flags().Changed("chunk-size") {
		cli.ChunkSize = &flagChunkSize
	}

	if cmd.Flags().Changed("payload-size") {
		cli.RequestPayloadSize = &flagPayloadSize
	}

	if cmd.Flags().Changed("parallel") {
		cli.ParallelUploads = &flagParallel
	}

	bootstrap := bootstrapLogger()
	env := config.ReadEnvOverrides(bootstrap)

	resolved, err := config.Resolve(env, cli, bootstrap)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	return &CLIContext{
		Cfg:    resolved,
		Logger: buildLogger(resolved, os.Stderr),
		Flags:  cliFlags{Verbose: flagVerbose, Quiet: flagQuiet},
	}, nil
}

// bootstrapLogger is used before the config is loaded. Warn by default,
// debug with --verbose, error with --quiet.
func bootstrapLogger() *slog.Logger {
	level := slog.LevelWarn

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// buildLogger creates an slog.Logger configured by the resolved config and
// CLI flags. Config-file log level provides the baseline; --verbose and
// --quiet override it because CLI flags always win.
func buildLogger(cfg *config.Resolved, w io.Writer) *slog.Logger {
	level := slog.LevelInfo
	format := "auto"

	if cfg != nil {
		switch cfg.LogLevel {
		case "debug":
			level = slog.LevelDebug
		case "warn":
			level = slog.LevelWarn
		case "error":
			level = slog.LevelError
		}

		format = cfg.LogFormat
	}

	if flagVerbose {
		level = slog.LevelDebug
	}

	if flagQuiet {
		level = slog.LevelError
	}

	opts := &slog.HandlerOptions{Level: level}

	// "auto" writes text to a terminal and JSON everywhere else.
	if format == "json" || (format == "auto" && !isTerminal(w)) {
		return slog.New(slog.NewJSONHandler(w, opts))
	}

	return slog.New(slog.NewTextHandler(w, opts))
}

// isTerminal reports whether w is a terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}

	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// exitOnError prints a user-friendly error message to stderr and exits.
func exitOnError(err error) {
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

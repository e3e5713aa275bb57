// prune: structural surgery on saved models
package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"prune_lib/utils"

	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
)

// cli carries the root flags and the state they configure.
type cli struct {
	logLevel  string
	logFormat string
	trace     bool

	logger   *slog.Logger
	shutdown func(context.Context) error
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "prune",
		Short: "Delete channels and layers from saved models and rebuild them",
		Long: `prune performs structural surgery on models stored as JSON model files:
channel deletion with propagation through the graph, layer deletion and
replacement, and rebuilding. Every command that changes a model writes the
result to a new file.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			logger, err := newLogger(cmd.ErrOrStderr(), c.logLevel, c.logFormat)
			if err != nil {
				return err
			}
			c.logger = logger
			slog.SetDefault(logger)
			utils.Output = cmd.OutOrStdout()
			if c.trace {
				if c.shutdown, err = setupTracing(cmd.ErrOrStderr()); err != nil {
					return err
				}
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if c.shutdown == nil {
				return nil
			}
			return c.shutdown(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&c.logFormat, "log-format", "text", "log format (text, json)")
	root.PersistentFlags().BoolVar(&c.trace, "trace", false, "print surgery spans to stderr")

	root.AddCommand(
		c.summaryCmd(),
		c.channelsCmd(),
		c.deleteChannelsCmd(),
		c.deleteLayerCmd(),
		c.replaceLayerCmd(),
		c.rebuildCmd(),
		c.applyCmd(),
		c.verifyCmd(),
	)
	return root
}

func newLogger(w io.Writer, level, format string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q", level)
	}
	opts := &slog.HandlerOptions{Level: lvl}
	switch strings.ToLower(format) {
	case "text":
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case "json":
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	}
	return nil, fmt.Errorf("invalid --log-format %q", format)
}

// setupTracing installs a tracer provider that prints spans to w and returns
// its shutdown function.
func setupTracing(w io.Writer) (func(context.Context) error, error) {
	exporter, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithPrettyPrint())
	if err != nil {
		return nil, fmt.Errorf("create exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSyncer(exporter),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)
	otel.SetTracerProvider(tp)
	return tp.Shutdown, nil
}

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/driftchat/driftchat/internal/relay"
)

// Version information set at build time.
var (
	version = "dev"
	commit  = "none"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "driftchat",
		Short: "Ephemeral device-bound chat relay",
		Long: `Driftchat is a real-time, ephemeral chat relay. Clients connect over
WebSocket, identified by a device token, and exchange short text messages
through a shared public room or one-to-one private pairings. Nothing is
stored; state lives only as long as the connections do.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(
		serveCmd(),
		versionCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		configName string
		debug      bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the relay server",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := newLogger(debug)

			cfg, err := relay.LoadConfig(logger, configName)
			if err != nil {
				return fmt.Errorf("load configuration: %w", err)
			}

			registry := prometheus.NewRegistry()
			metrics := relay.NewMetrics(registry)
			hub := relay.NewHub(cfg, logger, metrics)
			handler := relay.NewHandler(hub, logger, registry)
			server := relay.NewServer(cfg, handler.Routes())

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			return relay.Serve(ctx, server, hub, logger)
		},
	}

	cmd.Flags().StringVarP(&configName, "config", "c", "driftchat", "config file name (without extension), looked up in the working directory")
	cmd.Flags().BoolVar(&debug, "debug", false, "enable debug logging")

	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("driftchat %s (commit %s, %s)\n", version, commit, runtime.Version())
		},
	}
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	return zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
}

package main

import (
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/cuemby/relaybroker/pkg/broker"
	"github.com/cuemby/relaybroker/pkg/config"
	"github.com/cuemby/relaybroker/pkg/log"
	"github.com/cuemby/relaybroker/pkg/metrics"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:     "relaybrokerd",
	Short:   "relaybrokerd - tree-structured overlay message broker",
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("relaybrokerd version %s\nCommit: %s\n", Version, Commit))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(startCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start a broker process",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		diagDir, _ := cmd.Flags().GetString("diag-dir")
		metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

		var cfg *config.Config
		if configPath != "" {
			loaded, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			cfg = loaded
		} else {
			cfg = config.Default()
		}

		b, err := broker.NewBroker(broker.Config{Config: cfg, DiagDir: diagDir})
		if err != nil {
			return fmt.Errorf("create broker: %w", err)
		}

		metrics.SetVersion(Version)
		metrics.RegisterComponent("overlay", false, "starting")
		metrics.RegisterComponent("router", false, "starting")
		metrics.RegisterComponent("modules", false, "starting")

		go func() {
			http.Handle("/metrics", metrics.Handler())
			http.Handle("/health", metrics.HealthHandler())
			http.Handle("/ready", metrics.ReadyHandler())
			http.Handle("/live", metrics.LivenessHandler())
			if err := http.ListenAndServe(metricsAddr, nil); err != nil {
				log.Logger.Error().Err(err).Msg("metrics server exited")
			}
		}()
		log.Logger.Info().Str("addr", metricsAddr).Msg("metrics endpoint listening")

		if err := b.Start(); err != nil {
			return fmt.Errorf("start broker: %w", err)
		}
		log.Logger.Info().Int("rank", cfg.Rank).Str("listen", cfg.ListenAddr).Msg("broker started")

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
		<-sigCh

		log.Logger.Info().Msg("shutting down")
		b.Stop()
		log.Logger.Info().Msg("shutdown complete")
		return nil
	},
}

func init() {
	startCmd.Flags().String("config", "", "Path to YAML config file (default: built-in single-rank config)")
	startCmd.Flags().String("diag-dir", "/var/lib/relaybrokerd", "Directory for the diagnostics database")
	startCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address to serve /metrics, /health, /ready, /live on")
}

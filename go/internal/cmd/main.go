package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/mcdev12/deadeye/go/internal/config"
)

type rootOptions struct {
	configPath string
	logLevel   string
	insecure   bool
}

func main() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		log.Error().Err(err).Msg("deadeye relay failed")
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var opts rootOptions

	rootCmd := &cobra.Command{
		Use:   "deadeye-relay",
		Short: "Relay live dart throws from darts-caller to browser games",
		Long: `deadeye-relay keeps a Socket.IO session open to darts-caller and
forwards every dart throw to the browsers connected on /ws.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			setupLogging(zerolog.InfoLevel)

			// Load .env file if it exists
			if err := godotenv.Load(); err != nil {
				log.Debug().Err(err).Msg("could not load .env file")
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			setupLogging(cfg.Level())
			return run(cmd.Context(), cfg)
		},
	}

	opts.bind(rootCmd)
	rootCmd.AddCommand(versionCmd())
	return rootCmd
}

func (o *rootOptions) bind(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&o.configPath, "config", "c", "", "YAML config file (default $"+config.EnvConfigPath+")")
	cmd.Flags().StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn or error")
	cmd.Flags().BoolVar(&o.insecure, "insecure", false, "accept a self-signed darts-caller certificate")
}

// loadConfig applies command line flags on top of the loaded configuration
func loadConfig(cmd *cobra.Command, opts rootOptions) (config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}

	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = opts.logLevel
	}
	if cmd.Flags().Changed("insecure") {
		cfg.Upstream.InsecureSkipVerify = opts.insecure
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func setupLogging(level zerolog.Level) {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	zerolog.SetGlobalLevel(level)
}

func run(ctx context.Context, cfg config.Config) error {
	services, err := setupServices(cfg)
	if err != nil {
		return err
	}
	defer services.Close()

	server := setupServer(cfg, services)

	// Context for graceful shutdown
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().
		Str("upstream", cfg.Upstream.URL).
		Strs("transports", cfg.Upstream.Transports).
		Bool("mirror", cfg.MirrorEnabled()).
		Str("addr", server.Addr).
		Msg("starting deadeye relay")

	// Start relay service (upstream client and subscriber fan-out)
	relayDone := make(chan struct{})
	go func() {
		defer close(relayDone)
		if err := services.Relay.Start(ctx); err != nil {
			log.Error().Err(err).Msg("relay service failed")
		}
	}()

	// Start HTTP server
	serverErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
	}()

	var runErr error
	select {
	case <-ctx.Done():
		log.Info().Msg("received shutdown signal")
	case runErr = <-serverErr:
		log.Error().Err(runErr).Msg("HTTP server failed")
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	select {
	case <-relayDone:
	case <-shutdownCtx.Done():
		log.Warn().Msg("relay service did not stop before the shutdown timeout")
	}

	log.Info().Msg("deadeye relay shutdown complete")
	return runErr
}

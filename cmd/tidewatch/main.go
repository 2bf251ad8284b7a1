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

	"github.com/MarcoPoloResearchLab/tidewatch/internal/auth"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/config"
	"github.com/MarcoPoloResearchLab/tidewatch/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "tidewatch",
		Short: "AIS ingestion and vessel tracking service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API, source adapters and background workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer(cmd.Context())
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "ingest <file>",
		Short: "Replay an AIS log file into the datastore and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIngest(cmd.Context(), args[0])
		},
	})
	rootCmd.AddCommand(&cobra.Command{
		Use:   "token <operator>",
		Short: "Issue an operator token for the mutating API routes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runIssueToken(cmd.Context(), cmd, args[0])
		},
	})

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-driver", defaults.GetString("database.driver"), "Database driver (sqlite, postgres, mysql)")
	cmd.PersistentFlags().String("database-dsn", "", "Database DSN for postgres and mysql")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-format", defaults.GetString("log.format"), "Log format (json, console)")
	cmd.PersistentFlags().Int("token-ttl-minutes", defaults.GetInt("auth.token_ttl_minutes"), "Operator token TTL in minutes")
	cmd.PersistentFlags().String("signing-secret", "", "Operator token signing secret (overrides env)")
	cmd.PersistentFlags().String("enrichment-api-key", "", "Vessel profile service API key")
	cmd.PersistentFlags().String("nats-url", "", "NATS server URL for event relay")
	cmd.PersistentFlags().String("upload-dir", defaults.GetString("upload.dir"), "Directory for uploaded log files")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.driver", "database-driver")
	bindFlag(cmd, "database.dsn", "database-dsn")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.format", "log-format")
	bindFlag(cmd, "auth.token_ttl_minutes", "token-ttl-minutes")
	bindFlag(cmd, "auth.signing_secret", "signing-secret")
	bindFlag(cmd, "enrichment.api_key", "enrichment-api-key")
	bindFlag(cmd, "nats.url", "nats-url")
	bindFlag(cmd, "upload.dir", "upload-dir")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func loadConfig() (config.AppConfig, *zap.Logger, error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	logger, err := logging.NewLogger(appConfig.LogLevel, appConfig.LogFormat)
	if err != nil {
		return config.AppConfig{}, nil, err
	}
	return appConfig, logger, nil
}

func runServer(ctx context.Context) error {
	appConfig, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(appConfig, logger, true)
	if err != nil {
		return err
	}
	defer app.closeDatabase()

	if err := app.start(signalCtx); err != nil {
		app.shutdown()
		return err
	}

	handler, err := app.httpHandler()
	if err != nil {
		app.shutdown()
		return err
	}

	httpServer := &http.Server{
		Addr:              appConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		serveErr = httpServer.Shutdown(shutdownCtx)
	case serveErr = <-errCh:
	}
	app.shutdown()
	logger.Info("server stopped")
	return serveErr
}

func runIngest(ctx context.Context, path string) error {
	appConfig, logger, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	app, err := newApplication(appConfig, logger, false)
	if err != nil {
		return err
	}
	defer app.closeDatabase()

	status, err := app.replayFile(signalCtx, path)
	if err != nil {
		return err
	}
	logger.Info("replay finished",
		zap.String("path", path),
		zap.Int64("messages", status.Messages),
		zap.Int64("positions", status.Positions),
		zap.Int64("vessels", status.Vessels))
	return nil
}

func runIssueToken(ctx context.Context, cmd *cobra.Command, operator string) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}
	if !appConfig.AuthEnabled() {
		return fmt.Errorf("auth.signing_secret must be set to issue operator tokens")
	}
	issuer, err := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte(appConfig.SigningSecret),
		Issuer:        appConfig.AuthIssuer,
		TokenTTL:      appConfig.TokenTTL,
	})
	if err != nil {
		return err
	}
	token, err := issuer.Issue(ctx, operator)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), token.Token)
	return err
}

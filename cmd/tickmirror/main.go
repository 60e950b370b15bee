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

	"github.com/fetchlab/tickmirror/internal/config"
	"github.com/fetchlab/tickmirror/internal/database"
	"github.com/fetchlab/tickmirror/internal/logging"
	"github.com/fetchlab/tickmirror/internal/remote"
	"github.com/fetchlab/tickmirror/internal/server"
	"github.com/fetchlab/tickmirror/internal/store"
	"github.com/fetchlab/tickmirror/internal/syncer"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "tickmirror",
		Short: "Read-through cache mirror for a remote task service",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
	}

	syncCmd := &cobra.Command{
		Use:   "sync [kind]",
		Short: "Run a full or entity-scoped synchronization and exit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind := ""
			if len(args) == 1 {
				kind = args[0]
			}
			return runSync(cmd.Context(), kind)
		},
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the read-only cache query API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context())
		},
	}

	rootCmd.AddCommand(syncCmd, serveCmd)
	setupFlags(rootCmd)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "HTTP listen address")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("remote-base-url", defaults.GetString("remote.base_url"), "Remote task service base URL")
	cmd.PersistentFlags().String("remote-access-token", "", "Remote access token (overrides env)")
	cmd.PersistentFlags().Int("batch-size", defaults.GetInt("sync.batch_size"), "Documents per store write batch")
	cmd.PersistentFlags().Int("worker-limit", defaults.GetInt("sync.worker_limit"), "Concurrent entity kinds after the project phase")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "remote.base_url", "remote-base-url")
	bindFlag(cmd, "remote.access_token", "remote-access-token")
	bindFlag(cmd, "sync.batch_size", "batch-size")
	bindFlag(cmd, "sync.worker_limit", "worker-limit")
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

func runSync(ctx context.Context, kind string) error {
	appConfig, logger, cacheStore, cleanup, err := buildCore()
	if err != nil {
		return err
	}
	defer cleanup()

	client, err := remote.NewClient(remote.ClientConfig{
		BaseURL:          appConfig.RemoteBaseURL,
		AccessToken:      appConfig.RemoteAccessToken,
		MaxRetries:       appConfig.MaxRetries,
		TransientRetries: appConfig.TransientRetry,
		BackoffBase:      appConfig.BackoffBase,
		BackoffCap:       appConfig.BackoffCap,
		RequestInterval:  appConfig.RequestInterval,
		Logger:           logging.Component(logger, "remote"),
	})
	if err != nil {
		return err
	}

	orchestrator, err := syncer.NewService(syncer.ServiceConfig{
		Fetcher:     client,
		Cache:       cacheStore,
		IDProvider:  syncer.NewUUIDProvider(),
		BatchSize:   appConfig.BatchSize,
		WorkerLimit: appConfig.WorkerLimit,
		Logger:      logging.Component(logger, "syncer"),
	})
	if err != nil {
		return err
	}

	var result syncer.RunResult
	if kind == "" {
		result, err = orchestrator.SyncAll(ctx)
	} else {
		var entityKind remote.EntityKind
		entityKind, err = remote.ParseEntityKind(kind)
		if err != nil {
			return err
		}
		result, err = orchestrator.SyncEntityKind(ctx, entityKind)
	}

	if err != nil {
		return fmt.Errorf("sync run %s: %w", result.RunID, err)
	}
	// Partial failures leave the cache stale but present; the run still
	// exits zero so schedulers only alert on aborts.
	return nil
}

func runServe(ctx context.Context) error {
	appConfig, logger, cacheStore, cleanup, err := buildCore()
	if err != nil {
		return err
	}
	defer cleanup()

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Cache:  cacheStore,
		Logger: logging.Component(logger, "server"),
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
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

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// buildCore loads configuration and wires the logger and cache store shared
// by both subcommands. The returned cleanup closes the database and flushes
// the logger.
func buildCore() (config.AppConfig, *zap.Logger, *store.Store, func(), error) {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return config.AppConfig{}, nil, nil, nil, err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel)
	if err != nil {
		return config.AppConfig{}, nil, nil, nil, err
	}

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		logger.Sync() //nolint:errcheck
		return config.AppConfig{}, nil, nil, nil, err
	}

	cacheStore, err := store.New(store.Config{
		Database:   db,
		Logger:     logging.Component(logger, "store"),
		ProjectTTL: appConfig.ProjectTTL,
		TaskTTL:    appConfig.TaskTTL,
		NoteTTL:    appConfig.NoteTTL,
	})
	if err != nil {
		logger.Sync() //nolint:errcheck
		return config.AppConfig{}, nil, nil, nil, err
	}

	cleanup := func() {
		if sqlDB, dbErr := db.DB(); dbErr == nil {
			sqlDB.Close()
		}
		logger.Sync() //nolint:errcheck
	}
	return appConfig, logger, cacheStore, cleanup, nil
}

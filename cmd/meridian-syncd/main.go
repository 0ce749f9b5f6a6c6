package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MarcoPoloResearchLab/meridian/internal/auth"
	"github.com/MarcoPoloResearchLab/meridian/internal/config"
	"github.com/MarcoPoloResearchLab/meridian/internal/database"
	"github.com/MarcoPoloResearchLab/meridian/internal/engine"
	"github.com/MarcoPoloResearchLab/meridian/internal/logging"
	"github.com/MarcoPoloResearchLab/meridian/internal/remote"
	"github.com/MarcoPoloResearchLab/meridian/internal/server"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "meridian-syncd",
		Short: "Meridian local-first sync daemon",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig()
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd.Context())
		},
	}

	setupFlags(rootCmd)

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("http-address", defaults.GetString("http.address"), "Control API listen address")
	cmd.PersistentFlags().String("backend-url", defaults.GetString("backend.url"), "Backend base URL")
	cmd.PersistentFlags().String("backend-api-key", "", "Backend anonymous API key (overrides env)")
	cmd.PersistentFlags().String("backend-table", defaults.GetString("backend.table"), "Backend item table name")
	cmd.PersistentFlags().String("token-url", defaults.GetString("auth.token_url"), "Identity bridge token endpoint")
	cmd.PersistentFlags().String("database-path", defaults.GetString("database.path"), "SQLite database path")
	cmd.PersistentFlags().String("device-id", defaults.GetString("device.id"), "Stable device identifier")
	cmd.PersistentFlags().String("log-level", defaults.GetString("log.level"), "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", defaults.GetString("log.file"), "Rotating log file path (empty for stderr only)")

	bindFlag(cmd, "http.address", "http-address")
	bindFlag(cmd, "backend.url", "backend-url")
	bindFlag(cmd, "backend.api_key", "backend-api-key")
	bindFlag(cmd, "backend.table", "backend-table")
	bindFlag(cmd, "auth.token_url", "token-url")
	bindFlag(cmd, "database.path", "database-path")
	bindFlag(cmd, "device.id", "device-id")
	bindFlag(cmd, "log.level", "log-level")
	bindFlag(cmd, "log.file", "log-file")
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

func runDaemon(ctx context.Context) error {
	appConfig, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(appConfig.LogLevel, logging.FileOptions{
		Path:       appConfig.LogFile,
		MaxSizeMB:  appConfig.LogMaxSizeMB,
		MaxBackups: appConfig.LogMaxBackups,
		MaxAgeDays: appConfig.LogMaxAgeDays,
	})
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenSQLite(appConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	kv, err := database.NewKV(db, time.Now, logger)
	if err != nil {
		return err
	}

	remoteClient, err := remote.NewClient(remote.Config{
		BaseURL: appConfig.BackendURL,
		APIKey:  appConfig.BackendAPIKey,
		Table:   appConfig.BackendTable,
		Logger:  logger.Named("remote"),
	})
	if err != nil {
		return err
	}

	listener, err := remote.NewListener(remoteClient, logger.Named("realtime"))
	if err != nil {
		return err
	}

	tokens, err := auth.NewCachedTokenSource(
		auth.HTTPFetch(appConfig.TokenURL, appConfig.TokenTemplate, nil),
		time.Now,
	)
	if err != nil {
		return err
	}

	deviceID := appConfig.DeviceID
	if deviceID == "" {
		deviceID = uuid.NewString()
	}

	dispatcher := server.NewDispatcher(time.Now)

	syncEngine, err := engine.New(engine.Config{
		Store:    remoteClient,
		Feed:     listener,
		Tokens:   tokens,
		KV:       kv,
		Notifier: server.NewDispatchNotifier(dispatcher),
		DeviceID: deviceID,
		Logger:   logger.Named("engine"),
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		Engine:       syncEngine,
		Dispatcher:   dispatcher,
		AllowOrigins: appConfig.AllowOrigins,
		Logger:       logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:    appConfig.HTTPAddress,
		Handler: handler,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// The first login happens over the control API once the identity bridge
	// has a token; an eager attempt here just covers daemon restarts.
	if err := syncEngine.Login(signalCtx); err != nil {
		logger.Info("deferred login, waiting for control API", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("control API starting", zap.String("address", appConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		syncEngine.Logout(context.Background())
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

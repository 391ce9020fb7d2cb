package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"chatguard/internal/api"
	"chatguard/internal/config"
	"chatguard/internal/logging"
	"chatguard/internal/redis"
	"chatguard/internal/service/ai"
	"chatguard/internal/service/moderation"
	"chatguard/internal/storage"
	"chatguard/internal/worker"
)

// Version info set via ldflags at build time.
var (
	Version = "dev"
	Commit  = "none"
)

const shutdownTimeout = 15 * time.Second

func newRootCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:           "chatguard",
		Short:         "Chat moderation service",
		Long:          "chatguard stores chat messages, classifies them for toxicity in the background and queues risky ones for moderators.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config file (default $"+config.EnvPath+" or config.json)")

	cmd.AddCommand(newServeCmd(&configPath))
	cmd.AddCommand(newWatchCmd(&configPath))
	cmd.AddCommand(newSendCmd(&configPath))
	cmd.AddCommand(newClassifyCmd(&configPath))
	cmd.AddCommand(newVersionCmd())
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "chatguard %s (commit: %s)\n", Version, Commit)
		},
	}
}

// loadConfig reads the config file. Without an explicit path a missing file
// falls back to the built-in defaults.
func loadConfig(path string) (*config.Config, error) {
	explicit := path != "" || os.Getenv(config.EnvPath) != ""
	if path == "" {
		path = config.Path()
	}
	cfg, err := config.Load(path)
	if err != nil {
		if !explicit && errors.Is(err, fs.ErrNotExist) {
			return config.Default(), nil
		}
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the classification workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			logger, err := logging.New(cfg.BasicConfig.LogLevel, cfg.BasicConfig.Development)
			if err != nil {
				return err
			}
			defer logger.Sync()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg, logger)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	dbType, dbCfg := cfg.ActiveDatabase()
	logger.Info("opening database", zap.String("driver", dbType))
	db, err := storage.Open(dbType, dbCfg)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if err := storage.Migrate(db, dbType); err != nil {
		return fmt.Errorf("migrate database: %w", err)
	}

	store := storage.NewStore(db, dbType)
	var tail *storage.TailCache
	if cfg.Redis.Enabled {
		rdb, err := redis.NewRedisClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("create redis client: %w", err)
		}
		defer rdb.Close()
		tail = storage.NewTailCache(rdb, cfg.Redis.TailTTL(), logger.Named("tail"))
		store.WithTailCache(tail)
		logger.Info("channel tail cache enabled", zap.String("addr", cfg.Redis.Addr()))
	}

	classifier, err := ai.NewClassifier(ctx, cfg.Classifier, logger.Named("classifier"))
	if err != nil {
		return fmt.Errorf("init classifier: %w", err)
	}
	pipeline := moderation.NewPipeline(store, classifier, cfg.Classifier.Timeout(), logger.Named("pipeline"))
	dispatcher := worker.NewDispatcher(worker.Config{
		MinWorkers:  cfg.BasicConfig.MinWorkers,
		MaxWorkers:  cfg.BasicConfig.MaxWorkers,
		QueueSize:   cfg.BasicConfig.QueueSize,
		IdleTimeout: cfg.BasicConfig.WorkerIdleTimeout(),
	}, worker.ClassifyHandler(pipeline), logger.Named("worker"))
	ingestor := moderation.NewIngestor(store, dispatcher, cfg.BasicConfig.DefaultChannel, logger.Named("ingest"))
	actions := moderation.NewActions(store, logger.Named("actions"))

	opts := api.Options{
		Classifier:      classifier,
		ClassifyTimeout: cfg.Classifier.Timeout(),
		PollInterval:    cfg.Sync.PollInterval(),
		WindowLimit:     cfg.Sync.WindowLimit,
		Logger:          logger.Named("api"),
	}
	if tail != nil {
		opts.Wakeups = tail.Updates
	}
	handlers := api.NewHandler(store, ingestor, actions, opts)

	if !cfg.BasicConfig.Development {
		gin.SetMode(gin.ReleaseMode)
	}
	server := &http.Server{
		Addr:    cfg.BasicConfig.ServerAddress,
		Handler: api.NewRouter(handlers, logger.Named("http")),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case serveErr = <-errCh:
		logger.Error("server stopped", zap.Error(serveErr))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := dispatcher.Shutdown(shutdownCtx); err != nil {
		logger.Warn("worker shutdown", zap.Error(err))
	}
	return serveErr
}

func execute(cmd *cobra.Command) int {
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "error:", err)
		return 1
	}
	return 0
}

func main() {
	os.Exit(execute(newRootCmd()))
}

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

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"relay-queue-backend/config"
	"relay-queue-backend/internal/alert"
	"relay-queue-backend/internal/api"
	"relay-queue-backend/internal/db"
	"relay-queue-backend/internal/logger"
	"relay-queue-backend/internal/metrics"
	"relay-queue-backend/internal/queue"
	"relay-queue-backend/internal/recovery"
	"relay-queue-backend/internal/store"
)

const defaultConfigPath = "./config/config.yaml"

// app is shared by every subcommand once the root has loaded config and logger.
type app struct {
	configPath string
	cfg        *config.Config
	log        *zap.Logger
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "relayqd",
		Short:         "Relay command queue server",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.log != nil {
				_ = a.log.Sync()
			}
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve()
		},
	}
	cmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default $CONFIG_PATH or "+defaultConfigPath+")")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "serve",
			Short: "Run the HTTP API, recovery sweep and alert workers",
			RunE: func(cmd *cobra.Command, args []string) error {
				return a.serve()
			},
		},
		newMigrateCommand(a),
		newSweepCommand(a),
		newAcksCommand(a),
	)
	return cmd
}

func (a *app) load() error {
	path := a.configPath
	if path == "" {
		path = os.Getenv("CONFIG_PATH")
	}
	if path == "" {
		path = defaultConfigPath
	}

	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load configuration from %s: %w", path, err)
	}
	log, err := logger.New(cfg.Log)
	if err != nil {
		return fmt.Errorf("failed to initialise logger: %w", err)
	}
	log.Info("configuration loaded", zap.String("path", path))

	a.cfg = cfg
	a.log = log
	return nil
}

// service opens the database without migrating and builds a queue service.
func (a *app) service() (*queue.Service, error) {
	gormDB, err := db.Open(&a.cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return queue.NewService(store.NewGormStore(gormDB), a.cfg.Queue, a.log.Named("queue")), nil
}

func (a *app) serve() error {
	cfg, log := a.cfg, a.log
	if cfg.Log.Level != "debug" {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gormDB, err := db.Init(&cfg.Database, log)
	if err != nil {
		return fmt.Errorf("failed to initialise database: %w", err)
	}
	metrics.Init()
	appStore := store.NewGormStore(gormDB)

	var (
		webpushOptions *webpush.Options
		opts           []queue.Option
	)
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := alert.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, appStore, webpushOptions, log.Named("alert"))
		pool.Start(ctx)
		opts = append(opts, queue.WithNotifier(pool))
	} else {
		log.Warn("VAPID keys are not configured, failure alerts are disabled")
	}

	svc := queue.NewService(appStore, cfg.Queue, log.Named("queue"), opts...)
	go recovery.NewService(svc, cfg.Recovery, log.Named("recovery")).Run(ctx)

	router := api.NewRouter(api.NewHandler(svc, appStore, webpushOptions, log.Named("api")), cfg.Server, log.Named("http"))
	server := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-stop:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case err := <-serveErr:
		return fmt.Errorf("HTTP server failed: %w", err)
	}

	// stop background loops before draining requests
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("HTTP server shutdown: %w", err)
	}

	log.Info("server gracefully stopped")
	return nil
}

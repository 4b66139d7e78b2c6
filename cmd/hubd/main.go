package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"gaiola-hub-backend/config"
	"gaiola-hub-backend/internal/api"
	"gaiola-hub-backend/internal/db"
	"gaiola-hub-backend/internal/feed"
	"gaiola-hub-backend/internal/hub"
	"gaiola-hub-backend/internal/logging"
	"gaiola-hub-backend/internal/mw"
	"gaiola-hub-backend/internal/notification"
	"gaiola-hub-backend/internal/store"
	"gaiola-hub-backend/internal/syncbus"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config/config.yaml" // Default path for local development
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration from %s: %v\n", configPath, err)
		os.Exit(1)
	}

	logger, err := logging.NewLogger(cfg.Log.Level, cfg.Log.Format, "hubd")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()
	logger.Info("configuration loaded", zap.String("path", configPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("hubd stopped with error", zap.Error(err))
	}
	logger.Info("server gracefully stopped")
}

func instanceID(cfg *config.HubConfig) string {
	if cfg.InstanceID != "" {
		return cfg.InstanceID
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "hubd"
	}
	return host + "-" + uuid.NewString()[:8]
}

// openStore builds the configured backend and, when Redis is enabled, the
// change feed shared with other processes.
func openStore(ctx context.Context, cfg *config.Config, node string, logger *zap.Logger) (store.Backend, func(), error) {
	var changes store.Feed
	cleanup := func() {}
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := client.Ping(ctx).Err(); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		redisFeed := store.NewRedisFeed(client, cfg.Redis.ChannelPrefix, node, logger.Named("feed"))
		if err := redisFeed.Start(ctx); err != nil {
			client.Close()
			return nil, nil, fmt.Errorf("subscribe to change feed: %w", err)
		}
		changes = redisFeed
		cleanup = func() { client.Close() }
		logger.Info("cross-process change feed enabled", zap.String("addr", cfg.Redis.Addr), zap.String("prefix", cfg.Redis.ChannelPrefix))
	}

	if cfg.Database.Driver == config.DriverMemory {
		logger.Warn("using in-memory storage, state is lost on restart")
		return store.NewMemoryStore(changes), cleanup, nil
	}

	gormDB, err := db.Init(&cfg.Database, logger.Named("db"))
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("initialize database: %w", err)
	}
	logger.Info("database initialized", zap.String("driver", cfg.Database.Driver))
	return store.NewGormStore(gormDB, changes), cleanup, nil
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	id := instanceID(&cfg.Hub)
	logger = logger.With(zap.String("instance_id", id))

	backend, closeStore, err := openStore(ctx, cfg, id, logger)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.EnsureSlots(ctx, backend, cfg.Hub.SlotCount); err != nil {
		return fmt.Errorf("seed slots: %w", err)
	}

	bus := syncbus.New(logger.Named("bus"))
	defer bus.Close()

	engine := hub.New(backend, bus, hub.Options{
		ContextID:      id,
		Logger:         logger.Named("hub"),
		DelayRetention: cfg.Hub.DelayRetention,
	})
	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("start engine: %w", err)
	}
	defer engine.Close()
	logger.Info("engine started", zap.Int("slots", len(engine.Slots())), zap.Int("drivers", len(engine.Drivers())))

	go hub.NewReconciler(engine, cfg.Hub.ReconcileInterval, logger.Named("reconcile")).Run(ctx)

	feedSvc := feed.NewService(cfg.Feed, engine, logger.Named("manifest"))
	go feedSvc.Run(ctx)

	var webpushOptions *webpush.Options
	if cfg.Push.PublicKey != "" && cfg.Push.PrivateKey != "" {
		webpushOptions = &webpush.Options{
			VAPIDPublicKey:  cfg.Push.PublicKey,
			VAPIDPrivateKey: cfg.Push.PrivateKey,
			Subscriber:      cfg.Push.Subject,
			TTL:             cfg.Push.TTL,
		}
		pool := notification.NewWorkerPool(cfg.WorkerPool.Size, cfg.WorkerPool.QueueSize, backend, webpushOptions, logger.Named("push"))
		pool.Start(ctx)
		detach := pool.Attach(bus)
		defer detach()
	} else {
		logger.Warn("VAPID keys are not configured, push notifications disabled")
	}

	limiter := mw.NewIPRateLimiter(rate.Limit(cfg.Server.RateLimitPerSec), cfg.Server.RateLimitBurst)
	go limiter.Run(ctx, time.Minute, 10*time.Minute)

	router, detachCache := api.NewRouter(api.RouterOptions{
		Engine:        engine,
		Subscriptions: backend,
		WebPush:       webpushOptions,
		Server:        cfg.Server,
		Limiter:       limiter,
		Logger:        logger.Named("api"),
	})
	defer detachCache()

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
		// event streams end when the process is asked to stop
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server starting", zap.Int("port", cfg.Server.Port))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err, ok := <-serveErr:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
	case <-ctx.Done():
	}
	logger.Info("shutdown signal received, stopping services")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return nil
}

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"

	"dispatchcore/internal/core"
	"dispatchcore/internal/devicechannel"
	"dispatchcore/internal/eventbus"
	"dispatchcore/internal/httpapi"
	"dispatchcore/internal/mlclient"
	"dispatchcore/internal/routing"
	"dispatchcore/internal/store"
	"dispatchcore/pkg/cache"
	"dispatchcore/pkg/config"
	"dispatchcore/pkg/database"
	"dispatchcore/pkg/logger"
	"dispatchcore/pkg/metrics"
	"dispatchcore/pkg/otelient"
)

const statusHealthy = "ok"

func main() {
	cfg, err := config.LoadWithServiceDefaults("dispatchcore", 8080)
	if err != nil {
		logger.Init("error")
		logger.Fatal("failed to load config", "error", err)
	}
	if err := cfg.Validate(); err != nil {
		logger.Init("error")
		logger.Fatal("invalid config", "error", err)
	}

	logger.InitWithConfig(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})

	logger.Log.Info("starting dispatchcore",
		"version", cfg.App.Version,
		"environment", cfg.App.Environment,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tracerProvider, err := otelient.Init(ctx, otelient.Config{
		Enabled:     cfg.Tracing.Enabled,
		ServiceName: cfg.Tracing.ServiceName,
		Version:     cfg.App.Version,
		Environment: cfg.App.Environment,
		SampleRate:  cfg.Tracing.SampleRate,
	})
	if err != nil {
		logger.Fatal("failed to init tracing", "error", err)
	}
	defer func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := tracerProvider.Shutdown(shutdownCtx); err != nil {
			logger.Log.Error("tracer shutdown error", "error", err)
		}
	}()

	if cfg.Metrics.Enabled {
		m := metrics.InitMetrics(cfg.Metrics.Namespace, cfg.Metrics.Subsystem)
		m.SetServiceInfo(cfg.App.Version, cfg.App.Environment)
	}

	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()

	if err := database.RunMigrations(ctx, db.Pool(), &cfg.Database, store.Migrations, store.MigrationsDir); err != nil {
		logger.Fatal("failed to run migrations", "error", err)
	}

	gateway := store.NewPostgres(db)

	var appCache cache.Cache
	if cfg.Cache.Enabled {
		appCache, err = cache.New(cache.FromConfig(&cfg.Cache))
		if err != nil {
			logger.Fatal("failed to init cache", "error", err)
		}
		defer appCache.Close()
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Cache.Address(),
		Password: cfg.Cache.Password,
		DB:       cfg.Cache.DB,
	})
	defer redisClient.Close()

	bus := eventbus.New(redisClient)

	var routeCache *cache.RouteCache
	if appCache != nil {
		routeCache = cache.NewRouteCache(appCache, cfg.Routing.CacheTTL)
	}
	routingClient := routing.New(routing.Config{
		ServiceURL:      cfg.Routing.ServiceURL,
		Timeout:         cfg.Routing.Timeout,
		BreakerMaxFails: cfg.Routing.BreakerMaxFails,
		BreakerOpenFor:  cfg.Routing.BreakerOpenPeriod,
	}, routeCache)

	var mlClient *mlclient.Client
	if cfg.ML.Enabled {
		mlClient = mlclient.New(mlclient.Config{
			ServiceURL: cfg.ML.ServiceURL,
			Timeout:    cfg.ML.Timeout,
			HealthPath: cfg.ML.HealthPath,
			HealthTTL:  cfg.ML.HealthTTL,
		})
	}

	device := devicechannel.New(redisClient, devicechannel.Config{
		OutboundQueueSize: cfg.Device.OutboundQueueSize,
		ReconnectMaxTries: cfg.Device.ReconnectMaxTries,
		ReconnectBackoff:  cfg.Device.ReconnectBackoff,
	})

	dispatchCore := core.New(core.Config{
		PrototypeMode:       cfg.Dispatch.PrototypeMode,
		AckDeadline:         cfg.Dispatch.AckDeadline,
		AutoResolveDeadline: cfg.Dispatch.AutoResolveDeadline,
		SweeperInterval:     cfg.Dispatch.SweeperInterval,
		ArrivalThresholdM:   cfg.Dispatch.ArrivalThresholdMeters,
		DeviationThresholdM: cfg.Dispatch.DeviationThresholdMeters,
		MinDistForRecalcM:   cfg.Dispatch.MinDistForRecalcMeters,
		DefaultLocationLat:  cfg.Dispatch.DefaultLocationLat,
		DefaultLocationLon:  cfg.Dispatch.DefaultLocationLon,
	}, gateway, bus, routingClient, mlClient, device, appCache)

	if err := dispatchCore.Start(ctx); err != nil {
		logger.Fatal("failed to start dispatch core", "error", err)
	}
	defer dispatchCore.Stop()

	api := httpapi.New(dispatchCore)
	mux := api.Mux()
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/ready", handleReady(db))
	if cfg.Metrics.Enabled {
		mux.Handle("/metrics", metrics.Handler())
	}

	var rootHandler http.Handler = otelient.HTTPMiddleware(mux)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      rootHandler,
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
	}

	go func() {
		logger.Log.Info("dispatchcore listening", "port", cfg.HTTP.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("server failed", "error", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Log.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Log.Error("server shutdown error", "error", err)
	}

	logger.Log.Info("server stopped")
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(`{"status":"` + statusHealthy + `"}`))
}

func handleReady(db *database.PostgresDB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := db.HealthCheck(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = w.Write([]byte(`{"ready":false}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"ready":true}`))
	}
}

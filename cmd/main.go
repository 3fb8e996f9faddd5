package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/l0p7/skycast/internal/cache"
	"github.com/l0p7/skycast/internal/config"
	"github.com/l0p7/skycast/internal/logging"
	"github.com/l0p7/skycast/internal/metrics"
	"github.com/l0p7/skycast/internal/offline"
	"github.com/l0p7/skycast/internal/server"
	"github.com/l0p7/skycast/internal/weather"
	"github.com/l0p7/skycast/internal/web"
)

func main() {
	var (
		configFile = flag.String("config", "", "path to server configuration file")
		envPrefix  = flag.String("env-prefix", "SKYCAST", "environment variable prefix")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loader := config.NewLoader(*envPrefix, *configFile)
	cfg, err := loader.Load(ctx)
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	logger, err := logging.New(cfg.Server.Logging)
	if err != nil {
		log.Fatalf("failed to configure logger: %v", err)
	}

	promRegistry := prometheus.NewRegistry()
	metricsRecorder := metrics.NewRecorder(promRegistry)

	cacheLogger := logger.With(slog.String("component", "cache_factory"))
	store := buildStore(cacheLogger, cfg.Server.Cache)
	cacheTTL := time.Duration(cfg.Server.Cache.TTLSeconds) * time.Second
	weatherCache := cache.NewWeatherCache(store, cacheTTL, logger, metricsRecorder)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		if err := weatherCache.Close(shutdownCtx); err != nil {
			logger.Error("cache shutdown failed", slog.Any("error", err))
		}
	}()

	source := weather.NewClient(cfg.Server.Upstream, logger, metricsRecorder)
	if !source.Configured() {
		logger.Warn("upstream api key not configured, weather lookups will fail")
	}

	site, err := web.New(web.Params{
		CacheVersion: cfg.Server.Edge.Version,
		APITTLMillis: cfg.Server.Edge.APITTLMillis,
	})
	if err != nil {
		logger.Error("unable to render web assets", slog.Any("error", err))
		os.Exit(1)
	}

	handler, err := server.NewHandler(source, weatherCache, site.Handler(), logger, metricsRecorder)
	if err != nil {
		logger.Error("unable to construct handler", slog.Any("error", err))
		os.Exit(1)
	}
	handler.SetRoster(cfg.Cities)

	if cfg.Server.Cities.CitiesFile != "" {
		watcher, err := loader.WatchCities(ctx, cfg, func(cities []config.City) {
			handler.SetRoster(cities)
			logger.Info("city roster reloaded", slog.Int("cities", len(cities)))
		}, func(err error) {
			if err != nil {
				logger.Error("cities watcher error", slog.Any("error", err))
			}
		})
		if err != nil {
			logger.Error("cities watcher setup failed", slog.Any("error", err))
		} else {
			defer watcher.Stop()
		}
	}

	var app http.Handler = handler
	if cfg.Server.Edge.Enabled {
		edge, err := offline.NewEdgeHandler(ctx, handler, offline.NewMemoryStorage(), offline.Options{
			Version:           cfg.Server.Edge.Version,
			APITTL:            time.Duration(cfg.Server.Edge.APITTLMillis) * time.Millisecond,
			RuntimeMaxEntries: cfg.Server.Edge.RuntimeMaxEntries,
			Precache:          site.PrecachePaths(),
		}, logger)
		if err != nil {
			logger.Error("edge cache setup failed", slog.Any("error", err))
			os.Exit(1)
		}
		app = edge
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", metricsRecorder.Handler())
	mux.Handle("/", app)

	srv, err := server.New(cfg, logger, mux)
	if err != nil {
		logger.Error("unable to construct server", slog.Any("error", err))
		os.Exit(1)
	}

	if err := srv.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("server terminated unexpectedly", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	logger.Info("server shutdown complete")
}

// buildStore picks the response cache backend, falling back to memory when
// redis is unreachable so startup never blocks on the cache tier.
func buildStore(logger *slog.Logger, cfg config.ServerCacheConfig) cache.Store {
	ttl := time.Duration(cfg.TTLSeconds) * time.Second
	backend := strings.TrimSpace(strings.ToLower(cfg.Backend))
	switch backend {
	case "", "memory":
		if logger != nil {
			logger.Info("using memory response cache",
				slog.Duration("ttl", ttl), slog.Int("capacity", cfg.Capacity))
		}
		return cache.NewMemory(ttl, cfg.Capacity)
	case "redis":
		redisStore, err := cache.NewRedis(cache.RedisConfig{
			Address:  cfg.Redis.Address,
			Username: cfg.Redis.Username,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			TLS: cache.RedisTLSConfig{
				Enabled: cfg.Redis.TLS.Enabled,
				CAFile:  cfg.Redis.TLS.CAFile,
			},
		})
		if err != nil {
			if logger != nil {
				logger.Error("redis cache initialization failed", slog.Any("error", err))
				logger.Info("falling back to memory cache")
			}
			return cache.NewMemory(ttl, cfg.Capacity)
		}
		if logger != nil {
			logger.Info("using redis response cache", slog.String("address", cfg.Redis.Address))
		}
		return redisStore
	default:
		if logger != nil {
			logger.Warn("unsupported cache backend, defaulting to memory", slog.String("backend", cfg.Backend))
		}
		return cache.NewMemory(ttl, cfg.Capacity)
	}
}

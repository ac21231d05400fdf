package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/ngoyal88/recordreplay/pkg/api"
	"github.com/ngoyal88/recordreplay/pkg/cache"
	"github.com/ngoyal88/recordreplay/pkg/config"
	"github.com/ngoyal88/recordreplay/pkg/extension"
	"github.com/ngoyal88/recordreplay/pkg/logging"
	"github.com/ngoyal88/recordreplay/pkg/middleware"
	"github.com/ngoyal88/recordreplay/pkg/proxy"
	"github.com/ngoyal88/recordreplay/pkg/recorder"
	"github.com/ngoyal88/recordreplay/pkg/storage"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to config file (default ./configs/config.yaml)")
	pflag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "recorder:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	// 1. Config, read once up front so the logger can be built from it
	boot, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log, level, err := logging.New(boot.Logging)
	if err != nil {
		return err
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	// 2. Hot reload from here on
	cfgStore, err := config.LoadAndWatch(configPath, log.Named("config"))
	if err != nil {
		return fmt.Errorf("watch config: %w", err)
	}
	logging.FollowConfig(cfgStore, level, log)
	cfg := cfgStore.Get()

	// 3. Redis (storage backend and/or distributed rate limiting)
	var rdb *cache.Client
	if cfg.RedisRequired() {
		rdb, err = cache.NewRedis(cfg.Redis.Address, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			return err
		}
		defer rdb.Close()
		log.Info("connected to redis", zap.String("address", cfg.Redis.Address))
	}

	// 4. Record store and recording service
	store, err := storage.Open(cfg.Storage, rdb, log.Named("storage"))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer store.Close()

	svc := recorder.New(store, log.Named("recorder"), recorder.WithRefreshTimeout(cfg.Recorder.RefreshTimeout))
	// Replay right after a restart needs the cache warm.
	warmCtx, cancel := context.WithTimeout(context.Background(), cfg.Recorder.RefreshTimeout)
	err = svc.Refresh(warmCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("warm record cache: %w", err)
	}

	// 5. Routes
	mux := http.NewServeMux()
	if cfg.Metrics.Enabled {
		mux.Handle(cfg.Metrics.Path, promhttp.Handler())
	}
	mux.HandleFunc("/health", api.HealthHandler(svc))
	api.NewAdminAPI(svc, cfg.Recorder, log.Named("api")).RegisterRoutes(mux)
	log.Info("management API mounted", zap.String("root", cfg.Recorder.RootPath))

	registry := extension.Default()
	for _, pc := range cfg.Proxies {
		h, err := proxy.New(pc, svc, registry, log.Named("proxy"),
			proxy.WithPersistTimeout(cfg.Recorder.RequestTimeout))
		if err != nil {
			return err
		}
		root := strings.TrimSuffix(pc.RootPath, "/")
		if root == "" {
			mux.Handle("/", h)
		} else {
			mux.Handle(root, h)
			mux.Handle(root+"/", h)
		}
	}

	// 6. Middleware, inner-most first
	var handler http.Handler = mux
	handler = middleware.NewRateLimiter(rdb, cfgStore, log.Named("ratelimit"))(handler)
	handler = middleware.Metrics(handler)
	handler = middleware.RequestLogger(log.Named("http"))(handler)

	// 7. Serve until signalled
	srv := &http.Server{
		Addr:              cfg.Server.Address,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		log.Info("listening", zap.String("address", cfg.Server.Address),
			zap.Int("proxies", len(cfg.Proxies)), zap.String("storage", cfg.Storage.Backend))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
		log.Info("shutting down")
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancelShutdown()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Warn("graceful shutdown incomplete", zap.Error(err))
	}
	svc.Wait()
	return nil
}

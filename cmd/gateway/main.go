package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/coregate/gateway/internal/authn"
	"github.com/coregate/gateway/internal/config"
	"github.com/coregate/gateway/internal/gateway"
	"github.com/coregate/gateway/internal/loader"
	"github.com/coregate/gateway/internal/metrics"
	"github.com/coregate/gateway/internal/state"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
	commit    = "none"
)

func main() {
	var (
		configPath  = flag.String("config", "configs/gateway.yaml", "path to config file")
		stateRedis  = flag.String("state-redis-url", "", "redis URL for shared circuit-breaker state; empty uses an in-process store (single replica only)")
		showVersion = flag.Bool("version", false, "show version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("gateway version=%s commit=%s buildTime=%s\n", version, commit, buildTime)
		os.Exit(0)
	}

	rawLogger, _ := zap.NewProduction()
	log := rawLogger.Sugar()
	defer log.Sync() //nolint:errcheck

	log.Infow("starting gateway", "version", version, "config", *configPath)

	cfg, watcher, err := config.LoadAndWatch(*configPath, log)
	if err != nil {
		log.Fatalw("failed to load config", "err", err)
	}
	defer watcher.Close()

	store, err := newStateStore(*stateRedis)
	if err != nil {
		log.Fatalw("failed to construct breaker state store", "err", err)
	}

	registry := loader.NewRegistry()
	authn.RegisterDefaults(registry)

	sink := metrics.NewSink()

	gw := gateway.New(store, registry, sink, log)
	if err := gw.Configure(cfg); err != nil {
		log.Fatalw("initial configure failed", "err", err)
	}

	// Wire hot-reload: C8's watcher feeds straight into C7's Configure,
	// which serializes against itself and swaps routes atomically.
	go func() {
		for newCfg := range watcher.Updates() {
			log.Infow("config reloaded, applying changes")
			if err := gw.Reload(newCfg); err != nil {
				log.Errorw("reload failed", "err", err)
			}
		}
	}()

	readTimeout := time.Duration(cfg.Server.ReadTimeoutSeconds) * time.Second
	writeTimeout := time.Duration(cfg.Server.WriteTimeoutSeconds) * time.Second

	go func() {
		log.Infow("gateway listening", "addr", cfg.Server.Addr, "admin_addr", cfg.Admin.Addr)
		if err := gw.Start(cfg.Server.Addr, cfg.Admin.Addr, readTimeout, writeTimeout); err != nil {
			log.Fatalw("gateway server failed", "err", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGTERM, syscall.SIGINT)
	<-quit

	log.Infow("shutting down gracefully…")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := gw.Stop(ctx); err != nil {
		log.Errorw("graceful shutdown failed", "err", err)
	}
	log.Infow("goodbye")
}

func newStateStore(redisURL string) (state.Store, error) {
	if redisURL == "" {
		return state.NewMemoryStore(), nil
	}
	return state.NewRedisStore(redisURL)
}

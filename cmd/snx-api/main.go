package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/Synthetixio/snx-api/internal/api"
	"github.com/Synthetixio/snx-api/internal/cache"
	"github.com/Synthetixio/snx-api/internal/config"
	"github.com/Synthetixio/snx-api/internal/failover"
	"github.com/Synthetixio/snx-api/internal/metrics"
	"github.com/Synthetixio/snx-api/internal/observ"
	"github.com/Synthetixio/snx-api/internal/refresh"
	"github.com/Synthetixio/snx-api/internal/source"
	"github.com/Synthetixio/snx-api/internal/source/ledger"
	"github.com/Synthetixio/snx-api/internal/source/warehouse"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "", "optional YAML config file")
	flag.Parse()

	cfg, err := config.Load(cfgPath)
	if err != nil {
		fatal("config_load_failed", err)
	}
	if err := cfg.Validate(); err != nil {
		fatal("config_invalid", err)
	}
	if err := observ.SetLevel(cfg.Log.Level); err != nil {
		fatal("log_level_invalid", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, closeStore := openStore(ctx, cfg)
	defer closeStore()

	var runner source.QueryRunner
	if cfg.Warehouse.Enabled() {
		w, err := warehouse.Open(ctx, cfg.Warehouse)
		if err != nil {
			fatal("warehouse_connect_failed", err)
		}
		defer w.Close()
		runner = w
		observ.Log("warehouse_connected", map[string]any{"host": cfg.Warehouse.Host, "db": cfg.Warehouse.Name})
	} else {
		observ.Warn("warehouse_disabled", nil)
	}

	primary, err := ledger.DialPool(cfg.Networks, ledger.Primary)
	if err != nil {
		fatal("ledger_dial_failed", err)
	}
	contracts := registry(cfg.Networks)
	reader := source.NewReader(primary, runner, contracts)
	src := &failover.Source{
		Primary: reader,
		// dialed on the first escalation and reused after that
		Backup: sync.OnceValues(func() (*source.Reader, error) {
			backup, err := ledger.DialPool(cfg.Networks, ledger.Backup)
			if err != nil {
				return nil, err
			}
			return reader.WithLedger(backup), nil
		}),
	}

	gate := cache.NewGate(store,
		cache.WithCoalescing(cfg.Cache.CoalesceEnabled()),
		cache.WithTTLOverride(time.Duration(cfg.Cache.TTLOverrideSeconds)*time.Second),
	)
	svc := metrics.NewService(gate, src, contracts)

	var refresher *refresh.Refresher
	if !cfg.Refresh.Disabled && runner != nil {
		refresher = refresh.New(svc, cfg.RefreshInterval())
		if err := refresher.Start(); err != nil {
			fatal("refresher_start_failed", err)
		}
	}

	srv := &http.Server{
		Addr: cfg.Server.Addr(),
		Handler: api.NewRouter(svc, api.Options{
			Health:         cfg.Health,
			RateLimitRPS:   cfg.Server.RateLimitRPS,
			RateLimitBurst: cfg.Server.RateLimitBurst,
		}),
		ReadTimeout:  time.Duration(cfg.Server.ReadTimeoutMs) * time.Millisecond,
		WriteTimeout: time.Duration(cfg.Server.WriteTimeoutMs) * time.Millisecond,
	}

	errCh := make(chan error, 1)
	go func() {
		observ.Log("http_listen", map[string]any{"addr": srv.Addr, "metrics": len(svc.Metrics())})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		observ.Log("shutdown_signal", nil)
	case err := <-errCh:
		observ.Error("http_serve_failed", err, nil)
	}

	if refresher != nil {
		refresher.Stop()
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout(cfg))
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		observ.Error("http_shutdown_failed", err, nil)
	}
	observ.Log("stopped", nil)
}

func openStore(ctx context.Context, cfg config.Root) (cache.Store, func()) {
	if cfg.Cache.Backend == "redis" {
		rs, err := cache.DialRedis(ctx, cfg.Redis)
		if err != nil {
			fatal("redis_connect_failed", err)
		}
		observ.Log("cache_backend", map[string]any{"backend": "redis", "addr": cfg.Redis.Addr()})
		return rs, func() { _ = rs.Close() }
	}
	ms := cache.NewMemoryStore(clockwork.NewRealClock())
	if cfg.Cache.CleanupIntervalMs > 0 {
		ms.StartCleanup(ctx, time.Duration(cfg.Cache.CleanupIntervalMs)*time.Millisecond)
	}
	observ.Log("cache_backend", map[string]any{"backend": "memory"})
	return ms, func() { _ = ms.Close() }
}

func registry(networks map[string]config.Network) source.Registry {
	reg := source.Registry{}
	for name, n := range networks {
		reg[name] = n.Contracts
	}
	return reg
}

func shutdownTimeout(cfg config.Root) time.Duration {
	if cfg.Server.ShutdownTimeoutMs > 0 {
		return time.Duration(cfg.Server.ShutdownTimeoutMs) * time.Millisecond
	}
	return 10 * time.Second
}

func fatal(event string, err error) {
	observ.Error(event, err, nil)
	os.Exit(1)
}

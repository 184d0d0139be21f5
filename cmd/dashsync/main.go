// Command dashsync keeps a launchpad dashboard's data warm: it prefetches the
// landing page, follows the chain height and the configured wallet's
// portfolio, and logs every change until it is interrupted.
//
// Configuration comes from the environment (see package config); a .env file
// in the working directory is read first when present.
package main

import (
	"context"
	"errors"
	"fmt"
	stdlog "log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	goredis "github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"go.uber.org/zap"

	qs "github.com/unkn0wn-root/querysync"
	"github.com/unkn0wn-root/querysync/codec"
	"github.com/unkn0wn-root/querysync/config"
	"github.com/unkn0wn-root/querysync/dashboard"
	gen "github.com/unkn0wn-root/querysync/genstore"
	asynchook "github.com/unkn0wn-root/querysync/hooks/async"
	qslogrus "github.com/unkn0wn-root/querysync/log/logrus"
	qsslog "github.com/unkn0wn-root/querysync/log/slog"
	qszap "github.com/unkn0wn-root/querysync/log/zap"
	"github.com/unkn0wn-root/querysync/metrics/promhooks"
	"github.com/unkn0wn-root/querysync/persist"
	pr "github.com/unkn0wn-root/querysync/provider"
	bcp "github.com/unkn0wn-root/querysync/provider/bigcache"
	rp "github.com/unkn0wn-root/querysync/provider/redis"
	rtp "github.com/unkn0wn-root/querysync/provider/ristretto"
	"github.com/unkn0wn-root/querysync/remote/httpsource"
	"github.com/unkn0wn-root/querysync/sloghooks"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.LoadFromEnv()
	if err != nil {
		stdlog.Fatalf("dashsync: %v", err)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		stdlog.Fatalf("dashsync: %v", err)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	logger, sl, flush := newLogger(cfg)
	defer flush()
	logger.Info("configuration loaded", qs.Fields{"config": cfg.String()})

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	hooks := asynchook.New(qs.MultiHooks{
		promhooks.New(reg, "dashsync"),
		sloghooks.New(sl, sloghooks.Options{RetryEvery: 10, EvictEvery: 100}),
	}, 1, 1024)
	defer hooks.Close()

	persisters, closePersist, err := newPersisters(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closePersist()

	eng, err := qs.New(qs.Options{
		Logger:        logger,
		Hooks:         hooks,
		DefaultPolicy: cfg.Policy(),
		SweepInterval: cfg.SweepInterval,
		Persisters:    persisters,
	})
	if err != nil {
		return fmt.Errorf("engine: %w", err)
	}

	header := http.Header{}
	if cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+cfg.APIKey)
	}
	client, err := httpsource.New(httpsource.Options{
		BaseURL:   cfg.APIURL,
		Header:    header,
		Logger:    logger,
		UserAgent: "dashsync",
	})
	if err != nil {
		return fmt.Errorf("api client: %w", err)
	}
	svc, err := dashboard.NewService(eng, dashboard.NewHTTPAPI(client), dashboard.ServiceOptions{Logger: logger})
	if err != nil {
		return err
	}

	var srv *http.Server
	if cfg.MetricsAddr != "" {
		srv = serveMetrics(cfg.MetricsAddr, reg, logger)
	}

	if n, err := eng.Hydrate(ctx); err != nil {
		logger.Warn("warm start failed", qs.Fields{"err": err})
	} else if n > 0 {
		logger.Info("warm start", qs.Fields{"entries": n})
	}
	if err := svc.PrefetchLanding(ctx, cfg.Address); err != nil {
		logger.Warn("landing prefetch incomplete", qs.Fields{"err": err})
	}

	unwatch := []func(){
		svc.WatchChainHeight(func(cs dashboard.ChainState, en qs.Entry) {
			logger.Info("chain height", qs.Fields{"height": cs.Height, "status": en.Status().String()})
		}),
	}
	if cfg.Address != "" {
		unwatch = append(unwatch, svc.WatchPortfolio(cfg.Address, func(pf dashboard.Portfolio, en qs.Entry) {
			logger.Info("portfolio", qs.Fields{
				"address":    pf.Address,
				"invested":   pf.TotalInvested,
				"value":      pf.CurrentValue,
				"status":     en.Status().String(),
				"optimistic": en.Optimistic,
			})
		}))
	}

	<-ctx.Done()
	logger.Info("shutting down", nil)
	for _, u := range unwatch {
		u()
	}

	sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if n, err := eng.Dehydrate(sctx); err != nil {
		logger.Warn("dehydrate failed", qs.Fields{"err": err})
	} else {
		logger.Info("dehydrated", qs.Fields{"entries": n})
	}
	if err := eng.Close(sctx); err != nil {
		logger.Warn("engine close", qs.Fields{"err": err})
	}
	if srv != nil {
		if err := srv.Shutdown(sctx); err != nil {
			logger.Warn("metrics server shutdown", qs.Fields{"err": err})
		}
	}
	if d := hooks.Dropped(); d > 0 {
		logger.Warn("hook events dropped", qs.Fields{"count": d})
	}
	return nil
}

// newLogger builds the engine logger for the configured backend plus the
// slog logger the event hooks write to. The returned func flushes buffers.
func newLogger(cfg *config.Config) (qs.Logger, *slog.Logger, func()) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
		lvl = slog.LevelInfo
	}
	hopts := &slog.HandlerOptions{Level: lvl}
	var h slog.Handler = slog.NewTextHandler(os.Stderr, hopts)
	if cfg.LogFormat == "json" {
		h = slog.NewJSONHandler(os.Stderr, hopts)
	}
	sl := slog.New(h).With("component", "dashsync")

	switch cfg.LogBackend {
	case "zap":
		zc := zap.NewProductionConfig()
		if cfg.LogFormat == "text" {
			zc = zap.NewDevelopmentConfig()
		}
		if zl, err := zap.ParseAtomicLevel(cfg.LogLevel); err == nil {
			zc.Level = zl
		}
		z, err := zc.Build()
		if err != nil {
			stdlog.Printf("dashsync: zap: %v; falling back to slog", err)
			return qsslog.Logger{L: sl}, sl, func() {}
		}
		return qszap.ZapLogger{L: z}, sl, func() { _ = z.Sync() }
	case "slog":
		return qsslog.Logger{L: sl}, sl, func() {}
	default:
		l := logrus.New()
		l.SetOutput(os.Stderr)
		if lv, err := logrus.ParseLevel(cfg.LogLevel); err == nil {
			l.SetLevel(lv)
		}
		if cfg.LogFormat == "json" {
			l.SetFormatter(&logrus.JSONFormatter{})
		} else {
			l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		}
		return qslogrus.New(l), sl, func() {}
	}
}

// newPersisters wires warm-start stores for the portfolio summaries and the
// chain state on the configured backend. Each store owns its provider; a
// shared Redis client is closed last.
func newPersisters(ctx context.Context, cfg *config.Config, logger qs.Logger) (map[string]qs.Persister, func(), error) {
	backend := cfg.PersistBackend()
	if backend == "none" {
		return nil, func() {}, nil
	}

	var (
		rdb      goredis.UniversalClient
		genStore gen.GenStore
	)
	if backend == "redis" {
		rdb = goredis.NewClient(&goredis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := rdb.Ping(pctx).Err(); err != nil {
			_ = rdb.Close()
			return nil, nil, fmt.Errorf("redis %s: %w", cfg.RedisAddr, err)
		}
		genStore = gen.NewRedisGenStoreWithTTL(rdb, "dashsync", 30*24*time.Hour)
	}

	newProvider := func() (pr.Provider, error) {
		switch backend {
		case "redis":
			return rp.New(rp.Config{Client: rdb, Prefix: "dashsync:"})
		case "ristretto":
			return rtp.New(rtp.Config{NumCounters: 100_000, MaxCost: 10_000, BufferItems: 64, SyncWrites: true})
		default:
			return bcp.New(bcp.Config{LifeWindow: cfg.PersistTTL, MaxEntrySize: 4 << 10, HardMaxCacheSizeMB: 64})
		}
	}

	var closers []func(context.Context) error
	closeAll := func() {
		cctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		var errs []error
		for _, c := range closers {
			errs = append(errs, c(cctx))
		}
		if rdb != nil {
			errs = append(errs, rdb.Close())
		}
		if err := errors.Join(errs...); err != nil {
			logger.Warn("persistence close", qs.Fields{"err": err})
		}
	}

	pfProv, err := newProvider()
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("persist provider: %w", err)
	}
	portfolios, err := persist.New(persist.Options[dashboard.Portfolio]{
		Namespace: dashboard.NamespacePortfolio,
		Provider:  pfProv,
		Codec:     portfolioCodec(cfg),
		Logger:    logger,
		TTL:       cfg.PersistTTL,
		GenStore:  genStore,
		Accept:    dashboard.IsPortfolioSummary,
	})
	if err != nil {
		_ = pfProv.Close(ctx)
		closeAll()
		return nil, nil, err
	}
	closers = append(closers, portfolios.Close)

	chProv, err := newProvider()
	if err != nil {
		closeAll()
		return nil, nil, fmt.Errorf("persist provider: %w", err)
	}
	chain, err := persist.New(persist.Options[dashboard.ChainState]{
		Namespace: dashboard.NamespaceChain,
		Provider:  chProv,
		Codec:     codec.Limit[dashboard.ChainState]{Inner: codec.Msgpack[dashboard.ChainState]{}, MaxDecode: cfg.PersistMaxValue},
		Logger:    logger,
		TTL:       cfg.PersistTTL,
		GenStore:  genStore,
	})
	if err != nil {
		_ = chProv.Close(ctx)
		closeAll()
		return nil, nil, err
	}
	closers = append(closers, chain.Close)

	logger.Info("persistence enabled", qs.Fields{"backend": backend})
	return map[string]qs.Persister{
		dashboard.NamespacePortfolio: portfolios,
		dashboard.NamespaceChain:     chain,
	}, closeAll, nil
}

// portfolioCodec encodes summaries as canonical CBOR, or as JSON when the
// stored copies should be readable with redis-cli.
func portfolioCodec(cfg *config.Config) codec.Codec[dashboard.Portfolio] {
	var inner codec.Codec[dashboard.Portfolio] = codec.MustCBOR[dashboard.Portfolio](true)
	if cfg.PersistCodec == "json" {
		inner = codec.JSON[dashboard.Portfolio]{}
	}
	return codec.Limit[dashboard.Portfolio]{Inner: inner, MaxDecode: cfg.PersistMaxValue}
}

func serveMetrics(addr string, reg *prometheus.Registry, logger qs.Logger) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening", qs.Fields{"addr": addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server", qs.Fields{"err": err})
		}
	}()
	return srv
}

package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/uhyunpark/growswap/params"
	"github.com/uhyunpark/growswap/pkg/api"
	"github.com/uhyunpark/growswap/pkg/app/core/audit"
	"github.com/uhyunpark/growswap/pkg/app/core/catalog"
	"github.com/uhyunpark/growswap/pkg/app/core/exchange"
	"github.com/uhyunpark/growswap/pkg/app/core/ledger"
	"github.com/uhyunpark/growswap/pkg/auth"
	"github.com/uhyunpark/growswap/pkg/storage"
	"github.com/uhyunpark/growswap/pkg/util"
)

func main() {
	envPath := flag.String("env", "", "path to .env file (default: ./.env)")
	flag.Parse()

	cfg := params.LoadFromEnv(*envPath)

	logger, err := util.NewLoggerWithFile(cfg.Log.File, cfg.Log.Verbose)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatalw("exchanged_failed", "err", err)
	}
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) error {
	store, err := storage.Open(cfg.Storage.Path, cfg.StorageOptions())
	if err != nil {
		return err
	}
	defer store.Close()
	sugar.Infow("store_opened", "path", cfg.Storage.Path, "in_memory", cfg.StorageOptions().InMemory)

	var sink interface {
		audit.Sink
		Close() error
	} = storage.NewNopWAL()
	if cfg.Storage.AuditLogFile != "" {
		wal, err := storage.NewFileWAL(cfg.Storage.AuditLogFile)
		if err != nil {
			return err
		}
		sink = wal
		sugar.Infow("audit_log_opened", "path", cfg.Storage.AuditLogFile)
	}
	defer sink.Close()

	var cat catalog.Catalog = catalog.Default()
	if cfg.CatalogFile != "" {
		loaded, err := catalog.Load(cfg.CatalogFile)
		if err != nil {
			return err
		}
		cat = loaded
		sugar.Infow("catalog_loaded", "path", cfg.CatalogFile, "strains", len(loaded))
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	hub := api.NewHub(sugar.Named("ws"))
	engine := exchange.NewEngine(store, cfg.Exchange, util.RealClock{}, sugar.Named("exchange"),
		exchange.WithMetrics(exchange.NewMetrics(reg)),
		exchange.WithAuditSink(sink),
		exchange.WithCatalog(cat),
		exchange.WithNotifier(hub),
	)

	if cfg.GenesisFile != "" {
		seed, err := ledger.LoadSeed(cfg.GenesisFile)
		if err != nil {
			return err
		}
		if _, err := engine.Seed(ctx, seed); err != nil {
			return err
		}
	}

	authn := auth.NewSignatureAuthenticator(cfg.Domain(), cfg.Auth.MaxAge, util.RealClock{})
	server := api.NewServer(engine, authn, hub, reg, api.Config{
		Addr:        cfg.API.Addr,
		CORSOrigins: cfg.API.CORSOrigins,
	}, sugar.Named("api"))

	sugar.Infow("exchanged_starting",
		"api_addr", cfg.API.Addr,
		"default_ttl", cfg.Exchange.DefaultTTL,
		"sweep_interval", cfg.Exchange.SweepInterval,
		"auth_domain", cfg.Auth.DomainName,
		"auth_chain_id", cfg.Auth.ChainID)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		hub.Run(gctx)
		return nil
	})
	g.Go(func() error { return engine.RunSweeper(gctx) })
	g.Go(func() error { return server.Run(gctx) })

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	sugar.Infow("exchanged_stopped")
	return nil
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"marketrails/internal/config"
	"marketrails/internal/domain"
	"marketrails/internal/escrow"
	"marketrails/internal/events"
	"marketrails/internal/idempotency"
	"marketrails/internal/ledger"
	"marketrails/internal/logging"
	"marketrails/internal/market"
	"marketrails/internal/server"
	"marketrails/internal/store"
)

type ledgerBackend interface {
	ledger.Ledger
	Seed(ctx context.Context, addr domain.Address, amount *big.Int) error
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config error: %v\n", err)
		os.Exit(1)
	}
	logger := logging.Setup("marketrails", cfg.Service.Env, cfg.Service.LogLevel)

	if err := run(cfg, logger); err != nil {
		logger.Error("service stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.AppConfig, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	health := make(map[string]func(context.Context) error)

	st, err := openStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer st.Close()
	if p, ok := st.(interface{ Ping(context.Context) error }); ok {
		health["store"] = p.Ping
	}

	lg, closeLedger, err := openLedger(ctx, cfg, st)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer closeLedger()
	if p, ok := lg.(interface{ Ping(context.Context) error }); ok {
		health["ledger"] = p.Ping
	}
	// Seed only opens accounts that do not exist yet.
	for addr, amount := range cfg.Ledger.Genesis {
		if err := lg.Seed(ctx, addr, amount); err != nil {
			return fmt.Errorf("seed %s: %w", addr.Hex(), err)
		}
	}

	hub := events.NewHub(cfg.Events.Backlog)
	var emitter events.Emitter = hub
	if len(cfg.Events.KafkaBrokers) > 0 {
		kafka, err := events.NewKafkaEmitter(cfg.Events.KafkaBrokers, cfg.Events.KafkaTopic, logger)
		if err != nil {
			return fmt.Errorf("kafka emitter: %w", err)
		}
		defer kafka.Close()
		emitter = events.Multi{hub, kafka}
	}

	book := escrow.NewBook(escrow.Config{
		FeeBps:   cfg.Settlement.FeeBps,
		Timeout:  cfg.Settlement.Timeout,
		Platform: cfg.Settlement.PlatformAddress,
		MaxOpen:  cfg.Settlement.MaxOpenEscrows,
	}, lg, st, logger)
	book.SetEmitter(emitter)

	registry := market.NewRegistry(cfg.Settlement.RegistryAddress, book, lg, st, logger)
	registry.SetEmitter(emitter)
	if err := registry.Load(ctx); err != nil {
		return fmt.Errorf("restore state: %w", err)
	}
	stats := book.Stats()
	logger.Info("state restored", "open_escrows", stats.Open, "held", stats.Held.String())

	idem, closeIdem, err := openIdempotency(ctx, cfg)
	if err != nil {
		return fmt.Errorf("idempotency store: %w", err)
	}
	defer closeIdem()

	srv := server.NewServer(cfg, server.Deps{
		Registry:    registry,
		Book:        book,
		Balances:    lg,
		Idempotency: idem,
		Hub:         hub,
		Logger:      logger,
		Health:      health,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Service.ShutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Driver {
	case "file":
		return store.NewFileStore(cfg.Path)
	case "leveldb":
		return store.NewLevelDBStore(cfg.Path)
	case "postgres":
		return store.NewPostgresStore(ctx, cfg.DSN)
	default:
		return store.NewMemoryStore(), nil
	}
}

// openLedger returns the configured ledger. A postgres ledger on the store's
// own database shares its pool so settlements commit in one transaction.
func openLedger(ctx context.Context, cfg *config.AppConfig, st store.Store) (ledgerBackend, func(), error) {
	if cfg.Ledger.Driver != "postgres" {
		return ledger.NewMemory(), func() {}, nil
	}
	if pgStore, ok := st.(*store.PostgresStore); ok && cfg.Ledger.DSN == cfg.Store.DSN {
		pg, err := pgStore.Ledger(ctx)
		if err != nil {
			return nil, nil, err
		}
		return pg, func() {}, nil
	}
	pg, err := ledger.NewPostgresLedger(ctx, cfg.Ledger.DSN)
	if err != nil {
		return nil, nil, err
	}
	return pg, pg.Close, nil
}

func openIdempotency(ctx context.Context, cfg *config.AppConfig) (idempotency.Store, func(), error) {
	if cfg.Store.Driver == "postgres" {
		pg, err := idempotency.NewPostgresStore(ctx, cfg.Store.DSN)
		if err != nil {
			return nil, nil, err
		}
		return pg, pg.Close, nil
	}
	fs, err := idempotency.NewFileStore(cfg.Service.IdempotencyStorePath)
	if err != nil {
		return nil, nil, err
	}
	return fs, func() {}, nil
}

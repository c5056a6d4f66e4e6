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

	"github.com/rs/zerolog"

	"github.com/punchamoorthee/fxledger/internal/api"
	"github.com/punchamoorthee/fxledger/internal/chatlock"
	"github.com/punchamoorthee/fxledger/internal/config"
	"github.com/punchamoorthee/fxledger/internal/logger"
	"github.com/punchamoorthee/fxledger/internal/registry"
	"github.com/punchamoorthee/fxledger/internal/service"
	"github.com/punchamoorthee/fxledger/internal/store"
)

func main() {
	if err := run(); err != nil {
		log := logger.New()
		log.Fatal().Err(err).Msg("Server failed")
	}
}

// run wires the service and serves until SIGINT or SIGTERM. Every resource
// opened here is released before it returns.
func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	log, logCloser := logger.NewFromOptions(logger.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		File:   cfg.Log.File,
	})
	defer logCloser.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	ledgerStore, err := openStore(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("open %s store: %w", cfg.DBDriver, err)
	}
	defer ledgerStore.Close()

	undo, err := registry.NewUndo(cfg.UndoCacheSize)
	if err != nil {
		return fmt.Errorf("undo registry: %w", err)
	}
	requests, err := registry.NewRequestIndex(cfg.RequestIndexSize)
	if err != nil {
		return fmt.Errorf("request index: %w", err)
	}

	defaults := make([]service.Currency, 0, len(cfg.DefaultCurrencies))
	for _, c := range cfg.DefaultCurrencies {
		defaults = append(defaults, service.Currency{Code: c.Code, Precision: c.Precision})
	}

	// Initialize Layers
	ledger := service.NewLedger(ledgerStore, chatlock.New(), undo, requests, service.Options{
		AllowNonZeroRemoval: cfg.AllowNonZeroRemoval,
		RatePivot:           cfg.RatePivotCurrency,
		DefaultCurrencies:   defaults,
	}, log)
	handler := api.NewHandler(ledger, ledgerStore, log)

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           api.NewRouter(handler),
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Graceful shutdown failed")
		}
	}()

	log.Info().Str("port", cfg.Port).Str("env", cfg.Env).Str("driver", cfg.DBDriver).Msg("Server starting")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen: %w", err)
	}
	log.Info().Msg("Server stopped")
	return nil
}

func openStore(ctx context.Context, cfg *config.Config, log zerolog.Logger) (store.Store, error) {
	switch cfg.DBDriver {
	case config.DriverSQLite:
		return store.NewSQLiteStore(cfg.DBSource)
	default:
		pg, err := store.NewPostgresStore(ctx, cfg.DBSource)
		if err != nil {
			return nil, err
		}
		if err := pg.Migrate(ctx); err != nil {
			pg.Close()
			return nil, err
		}
		log.Debug().Msg("Postgres schema ready")
		return pg, nil
	}
}

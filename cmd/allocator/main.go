package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/lychee-technology/formsync"
	"github.com/lychee-technology/formsync/internal/allocator"
	"github.com/lychee-technology/formsync/internal/telemetry"
	"go.uber.org/zap"
)

func main() {
	configPath := flag.String("config", os.Getenv("FORMSYNC_CONFIG"), "path to a YAML config file")
	initSchema := flag.Bool("init", false, "create the form_id_pool table before serving")
	seedType := flag.String("seed-type", "", "seed identifiers of this form type and exit")
	seedPrefix := flag.String("seed-prefix", "", "identifier prefix for -seed-type (default: the form type)")
	seedFrom := flag.Int("seed-from", 1, "first sequence number for -seed-type")
	seedCount := flag.Int("seed-count", 0, "number of identifiers for -seed-type")
	flag.Parse()

	cfg, err := formsync.LoadConfig(*configPath)
	if err != nil {
		panic(fmt.Errorf("failed to load config: %w", err))
	}
	logger, err := telemetry.NewLogger(cfg.Logging)
	if err != nil {
		panic(fmt.Errorf("failed to set up logger: %w", err))
	}
	defer logger.Sync()
	zap.ReplaceGlobals(logger)
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := allocator.NewPool(ctx, cfg.Allocator)
	if err != nil {
		sugar.Fatalf("failed to create database pool: %v", err)
	}
	defer pool.Close()

	svc := allocator.NewService(pool, cfg.Allocator)
	if *initSchema || *seedType != "" {
		if err := svc.EnsureSchema(ctx); err != nil {
			sugar.Fatalf("failed to create schema: %v", err)
		}
	}

	if *seedType != "" {
		prefix := *seedPrefix
		if prefix == "" {
			prefix = *seedType
		}
		ids := make([]string, 0, *seedCount)
		for i := 0; i < *seedCount; i++ {
			ids = append(ids, fmt.Sprintf("%s-%06d", prefix, *seedFrom+i))
		}
		n, err := svc.Seed(ctx, formsync.FormType(*seedType), ids)
		if err != nil {
			sugar.Fatalf("seed failed: %v", err)
		}
		sugar.Infow("seeded identifiers", "form_type", *seedType, "inserted", n, "requested", len(ids))
		return
	}

	server := &http.Server{
		Addr:              cfg.Allocator.ListenAddr,
		Handler:           svc.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			sugar.Warnw("shutdown failed", "err", err)
		}
	}()

	sugar.Infow("starting allocation service", "addr", cfg.Allocator.ListenAddr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		sugar.Fatalf("server error: %v", err)
	}
}

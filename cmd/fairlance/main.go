// Package main запускает HTTP-сервер платёжной книги.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mmeshcher/fairlance-ledger/internal/config"
	"github.com/mmeshcher/fairlance-ledger/internal/gateway"
	"github.com/mmeshcher/fairlance-ledger/internal/handler"
	"github.com/mmeshcher/fairlance-ledger/internal/ledger"
	"github.com/mmeshcher/fairlance-ledger/internal/middleware"
	"github.com/mmeshcher/fairlance-ledger/internal/repository"
	"github.com/mmeshcher/fairlance-ledger/internal/service"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	repo, err := repository.NewPostgresRepository(cfg.DatabaseURI)
	if err != nil {
		sugar.Fatalw("database initialization error", "error", err.Error())
	}
	defer repo.Close()

	// Без настроенного шлюза финальные выплаты фиксируются в книге сразу.
	var gw ledger.Gateway
	if cfg.GatewayAddress != "" {
		gw = gateway.NewClient(cfg.GatewayAddress)
	}

	gate := ledger.NewGate(repo, repo, repo)
	validator := ledger.NewValidator(repo, repo)
	orchestrator := ledger.NewOrchestrator(repo, gate, validator, repo, gw, logger, cfg.ReconcileInterval)

	svc := service.NewService(repo, orchestrator, validator)
	defer svc.Close()

	authMiddleware := middleware.NewAuthMiddleware(cfg.AuthSecret)
	h := handler.NewHandler(svc, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:    cfg.RunAddress,
		Handler: r,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Запуск фоновой выверки зависших финальных счетов
	g.Go(func() error {
		svc.StartReconciliation(ctx)
		return nil
	})

	// Запуск HTTP-сервера
	g.Go(func() error {
		sugar.Infow("starting fairlance ledger server", "addr", cfg.RunAddress)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	// Graceful shutdown при отмене контекста (сигнал или ошибка в другой горутине)
	g.Go(func() error {
		<-ctx.Done()
		sugar.Info("shutting down server...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		sugar.Info("server stopped gracefully")
		return nil
	})

	if err := g.Wait(); err != nil {
		sugar.Fatalw("application terminated with error", "error", err)
	}
}

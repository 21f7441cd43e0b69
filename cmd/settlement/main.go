// Package main запускает HTTP-сервер сервиса расчётов.
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

	"github.com/mmeshcher/settlement-system/internal/app"
	"github.com/mmeshcher/settlement-system/internal/config"
	"github.com/mmeshcher/settlement-system/internal/handler"
	"github.com/mmeshcher/settlement-system/internal/middleware"
)

func main() {
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	sugar := logger.Sugar()

	cfg, err := config.Parse()
	if err != nil {
		sugar.Fatalw("configuration error", "error", err.Error())
	}

	a, err := app.New(cfg, logger)
	if err != nil {
		sugar.Fatalw("initialization error", "error", err.Error())
	}
	defer a.Close()

	if cfg.OperatorToken == "" {
		sugar.Warn("OPERATOR_TOKEN is empty, admin endpoints are disabled")
	}

	authMiddleware := middleware.NewAuthMiddleware(cfg.WebhookSecret, cfg.OperatorToken)
	h := handler.NewHandler(a.Service, logger, authMiddleware)

	r := h.SetupRouter()

	server := &http.Server{
		Addr:              cfg.RunAddress,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	g, ctx := errgroup.WithContext(ctx)

	// Периодическая сверка с внешней системой
	g.Go(func() error {
		a.Service.StartReconcileUpdates(ctx, cfg.ReconcileInterval)
		return nil
	})

	g.Go(func() error {
		sugar.Infow("starting settlement server", "addr", cfg.RunAddress)
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

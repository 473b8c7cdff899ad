package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/xela07ax/spotguard/internal/app"
	"github.com/xela07ax/spotguard/internal/console/handler"
	"github.com/xela07ax/spotguard/internal/console/server"
	"github.com/xela07ax/spotguard/internal/console/service"
	"github.com/xela07ax/spotguard/internal/engine"
	"github.com/xela07ax/spotguard/internal/infra"
	"github.com/xela07ax/spotguard/internal/infra/auth"
)

func main() {
	cfg, err := infra.LoadConfig(os.Args[1:])
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	logger, err := infra.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	pubKey, err := auth.ParseRSAPublicKey(cfg.Auth.PublicKey)
	if err != nil {
		logger.Fatal("operator token key is required", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Инициализация ресурсов
	initCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	core, err := app.Build(initCtx, cfg, logger, prometheus.NewRegistry())
	cancel()
	if err != nil {
		logger.Fatal("core init failed", zap.Error(err))
	}
	defer core.Close()

	// 2. Инициализация слоев (Dependency Injection)
	// Реконсиляцию консоль не запускает: control plane получит сигнал смены режима через Redis
	registry := engine.NewRegistry(core.Ledger, nil, core.ModePublisher(), logger)
	agentService := service.NewAgentService(registry, core.Queue, core.Store, logger)
	auditService := service.NewAuditService(core.Store)

	consoleSrv := server.NewConsoleServer(
		logger,
		auth.NewBaseValidator(pubKey, cfg.Auth.Issuer),
		handler.NewAgentHandler(agentService, logger),
		handler.NewAuditHandler(auditService),
	)

	// 3. Запуск сервера
	srv := &http.Server{
		Addr:         cfg.Console.Addr(),
		Handler:      consoleSrv,
		ReadTimeout:  cfg.Console.ReadTimeout,
		WriteTimeout: cfg.Console.WriteTimeout,
	}

	go func() {
		logger.Info("console API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("listen", zap.Error(err))
		}
	}()

	<-ctx.Done()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("console shutdown failed", zap.Error(err))
	}
	logger.Info("console API exited properly")
}

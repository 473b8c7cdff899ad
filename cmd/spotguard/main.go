package main

import (
	"context"
	"errors"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/xela07ax/spotguard/internal/app"
	"github.com/xela07ax/spotguard/internal/decision"
	"github.com/xela07ax/spotguard/internal/domain"
	"github.com/xela07ax/spotguard/internal/engine"
	"github.com/xela07ax/spotguard/internal/gateway"
	"github.com/xela07ax/spotguard/internal/infra"
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

	if err := run(cfg, logger); err != nil {
		logger.Fatal("control plane failed", zap.Error(err))
	}
	logger.Info("control plane exited properly")
}

func run(cfg *infra.Config, logger *zap.Logger) error {
	// Контекст жизненного цикла: SIGINT/SIGTERM останавливают фоновые циклы и серверы
	appCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 1. Инфраструктура и ядро
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	initCtx, cancel := context.WithTimeout(appCtx, 10*time.Second)
	core, err := app.Build(initCtx, cfg, logger, reg)
	cancel()
	if err != nil {
		return err
	}
	defer core.Close()

	// 2. Control Plane
	enforcer := engine.NewEnforcer(core.Ledger, core.Idem, logger)
	orch := engine.NewOrchestrator(core.Ledger, core.Idem, logger)
	registry := engine.NewRegistry(core.Ledger, enforcer, core.ModePublisher(), logger)

	// 3. Agent API
	gw := gateway.New(registry, orch, core.Queue, logger, gateway.Options{
		AgentTokens: cfg.Auth.AgentTokens,
		MaxWait:     cfg.Engine.MaxPollWait,
		Metrics:     core.Metrics,
	})
	srv := &http.Server{
		Addr:         cfg.Server.Addr(),
		Handler:      gw,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Метрики
	metricsSrv := &http.Server{
		Addr:    cfg.Metrics.Addr,
		Handler: promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
	}

	// 4. gRPC: локальная стратегия выбора пула для соседних сервисов + health
	grpcSrv := grpc.NewServer(grpc.UnaryInterceptor(decision.UnaryTokenInterceptor(cfg.GRPC.Token)))
	decision.RegisterServer(grpcSrv, core.Local, logger)
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcSrv, healthSrv)

	g, ctx := errgroup.WithContext(appCtx)

	g.Go(func() error {
		enforcer.Run(ctx)
		return nil
	})
	g.Go(func() error {
		orch.RunDeadlines(ctx)
		return nil
	})
	if core.Redis != nil {
		g.Go(func() error {
			engine.ListenModeSignals(ctx, core.Redis, logger.Named("mode-signals"), nil, func(agentID string, mode domain.Mode) {
				enforcer.ModeChanged(agentID, mode)
			})
			return nil
		})
	}

	g.Go(func() error {
		lis, err := net.Listen("tcp", cfg.GRPC.Addr)
		if err != nil {
			return err
		}
		logger.Info("decision gRPC server started", zap.String("addr", cfg.GRPC.Addr))
		healthSrv.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
		return grpcSrv.Serve(lis)
	})
	g.Go(func() error {
		logger.Info("metrics server started", zap.String("addr", metricsSrv.Addr))
		if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		logger.Info("agent API started", zap.String("addr", srv.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})

	// 5. Graceful Shutdown
	g.Go(func() error {
		<-ctx.Done()
		logger.Info("control plane stopping...")
		healthSrv.Shutdown()

		// Даем 5 секунд на завершение запросов
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("agent API shutdown failed", zap.Error(err))
		}
		if err := metricsSrv.Shutdown(shutdownCtx); err != nil {
			logger.Error("metrics server shutdown failed", zap.Error(err))
		}
		grpcSrv.GracefulStop()
		return nil
	})

	return g.Wait()
}

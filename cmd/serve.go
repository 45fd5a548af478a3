package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"assetvault/internal/auth"
	"assetvault/internal/handler"
	"assetvault/internal/queue"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Запустить HTTP и gRPC серверы",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, log, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	// холодный старт: пустой каталог заполняется из последнего дампа до открытия порта
	if cfg.Server.RestoreOnStartup {
		res, err := a.dumps.RestoreIfEmpty(ctx)
		switch {
		case err != nil:
			log.Error("startup restore failed", "error", err)
		case res != nil:
			log.Info("catalog restored on startup", "status", res.Status, "errors", len(res.Errors))
		}
	}

	limiter := queue.NewRateLimiter(cfg.Limits.RateLimitCount, cfg.Limits.RateLimitWindow, log)
	defer limiter.Stop()

	router := handler.NewRouter(handler.RouterDeps{
		Assets:  handler.NewAssetHandler(a.assets, cfg.Limits.MaxPayloadSize, a.placeholder(), log),
		Dumps:   handler.NewDumpHandler(a.dumps, log),
		Health:  handler.NewHealthHandler(a.catalog, a.blobs.Name()),
		Auth:    auth.NewVerifier(cfg.Server.AuthTokens),
		Limiter: limiter,
		Timeout: cfg.Server.RequestTimeout,
		Log:     log.With("component", "HTTP"),
	})
	if len(cfg.Server.AuthTokens) == 0 {
		log.Warn("no auth tokens configured, /v1 routes are open")
	}

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%s", cfg.Server.Port),
		Handler: router,
	}

	grpcServer := grpc.NewServer()
	healthServer := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthServer)
	reflection.Register(grpcServer)

	lis, err := net.Listen("tcp", fmt.Sprintf(":%s", cfg.Server.GRPCPort))
	if err != nil {
		return fmt.Errorf("failed to listen for gRPC: %w", err)
	}

	errCh := make(chan error, 2)
	go func() {
		log.Info("starting gRPC server", "port", cfg.Server.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- fmt.Errorf("gRPC server: %w", err)
		}
	}()
	go func() {
		log.Info("starting HTTP server", "port", cfg.Server.Port)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("HTTP server: %w", err)
		}
	}()
	healthServer.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)

	var runErr error
	select {
	case <-ctx.Done():
		log.Info("shutting down servers")
	case runErr = <-errCh:
		log.Error("server failed", "error", runErr)
	}

	healthServer.Shutdown()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP server forced to shutdown", "error", err)
	}
	grpcServer.GracefulStop()

	log.Info("server exited properly")
	return runErr
}

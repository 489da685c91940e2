package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/triage-ai/agentgate/internal/api"
	"github.com/triage-ai/agentgate/internal/auth"
	"github.com/triage-ai/agentgate/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API and the gRPC health server",
	RunE:  serveCommand,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func serveCommand(cmd *cobra.Command, _ []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}

	logger.Info("starting agentgate",
		zap.String("http_port", cfg.HTTPPort),
		zap.String("grpc_port", cfg.GRPCPort),
		zap.Int("security_timeout_ms", cfg.Security.TimeoutMs),
		zap.Bool("passthrough_diagnostics", cfg.Security.PassthroughDiagnostics),
	)

	rt, err := newRuntime(cmd.Context(), cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	deps := &api.Dependencies{
		Chat:     rt.app,
		Scanner:  rt.scanner,
		Recorder: rt.app.Recorder(),
		Logger:   logger.Named("http"),
	}
	if rt.reader != nil {
		deps.History = rt.reader
	}
	if rt.store != nil {
		deps.Sessions = rt.store
	}
	if cfg.APIKeyHash != "" {
		deps.Auth = auth.NewAuthenticator(auth.StaticKeyStore{Hash: cfg.APIKeyHash}, cfg.AuthCacheTTL(), logger.Named("auth"))
		logger.Info("http api key authentication enabled")
	} else {
		logger.Warn("no AGENTGATE_API_KEY_HASH set, HTTP API is unauthenticated")
	}

	httpServer := &http.Server{
		Addr:         ":" + cfg.HTTPPort,
		Handler:      api.NewRouter(deps),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 2 * time.Minute, // a chat turn waits on two scans and the model
		IdleTimeout:  60 * time.Second,
	}

	grpcServer := server.New(logger.Named("grpc"))
	grpcServer.SetScannerStatus(rt.scanner.Configured())
	lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		logger.Info("http server listening", zap.String("addr", httpServer.Addr))
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	go func() {
		if err := grpcServer.Serve(lis); err != nil {
			errCh <- err
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		logger.Info("received signal, shutting down", zap.String("signal", sig.String()))
	case err = <-errCh:
		logger.Error("server failed, shutting down", zap.Error(err))
	}

	grpcServer.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Error("http server shutdown error", zap.Error(err))
	}

	logger.Info("agentgate stopped")
	return err
}

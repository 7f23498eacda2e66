package main

import (
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"chatrelay/internal/config"
	"chatrelay/internal/identity"
	"chatrelay/internal/obs"
	"chatrelay/internal/presence"
	"chatrelay/internal/server"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		obs.NewLogger("dev").Error("invalid configuration", "err", err)
		os.Exit(1)
	}

	logger := obs.NewLogger(cfg.Env)
	logger.Info("starting chat relay", "addr", cfg.Addr, "env", cfg.Env)

	registry := presence.NewRegistry()
	hub := server.NewHub(cfg, logger, registry)
	go hub.Run()

	var provider identity.Provider
	if cfg.JWTSecret != "" {
		provider = identity.NewJWTProvider(cfg.JWTSecret)
		logger.Info("identity provider enabled")
	}

	handlers := server.NewHandlers(hub, provider, logger)
	mux := server.SetupRoutes(handlers)
	httpServer := server.CreateServer(cfg.Addr, mux)

	go func() {
		logger.Info("server listening", "addr", cfg.Addr)
		if err := server.StartServer(httpServer); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	sig := <-quit
	logger.Info("shutting down", "signal", sig.String())

	if err := server.ShutdownServer(httpServer, cfg.ShutdownTimeout); err != nil {
		logger.Warn("http shutdown incomplete", "err", err)
	}
	if err := hub.Shutdown(cfg.ShutdownTimeout); err != nil {
		logger.Warn("hub shutdown incomplete", "err", err)
	}
	logger.Info("shutdown complete")
}

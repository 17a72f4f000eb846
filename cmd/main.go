package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"

	"github.com/luminadesk/gateway/internal/api"
	"github.com/luminadesk/gateway/internal/config"
	"github.com/luminadesk/gateway/internal/gateway"
	"github.com/luminadesk/gateway/internal/speech"
	"github.com/luminadesk/gateway/internal/system"
)

func main() {
	logger, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Logger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORS())

	tokens := speech.NewTokenProvider(
		cfg.Speech.AccessKeyID,
		cfg.Speech.AccessKeySecret,
		cfg.Speech.StaticToken,
		cfg.Speech.TokenEndpoint,
	)
	bridgeFactory := func(events speech.Events) gateway.VoiceBridge {
		return speech.NewSession(cfg.Speech.AppKey, cfg.Speech.StreamEndpoint, tokens, events, logger)
	}

	hub := gateway.NewHub(gateway.Options{
		ServerVersion:  cfg.ServerVersion,
		UpdateInterval: cfg.BroadcastInterval,
		BridgeFactory:  bridgeFactory,
	}, logger)

	supervisor := gateway.NewSupervisor(
		hub,
		system.NewMonitor(),
		cfg.HeartbeatInterval,
		cfg.HeartbeatTimeout,
		cfg.BroadcastInterval,
		logger,
	)
	supervisor.Start()
	defer supervisor.Stop()

	api.InitRoutes(e, hub, logger)

	go func() {
		if err := e.Start(":" + cfg.Port); err != nil {
			logger.Info("Server stopped", zap.Error(err))
		}
	}()

	logger.Info("Gateway started",
		zap.String("port", cfg.Port),
		zap.String("version", cfg.ServerVersion),
	)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info("Shutting down gracefully")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.Shutdown(ctx); err != nil {
		logger.Error("Server shutdown error", zap.Error(err))
	}
}

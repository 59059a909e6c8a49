// Package main is the custody ledger daemon. It serves the ledger HTTP API
// and runs the indexer, withdrawal expiry and pending transfer sweeps.
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

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"

	app "github.com/R3E-Network/custody_ledger/internal/app"
	"github.com/R3E-Network/custody_ledger/internal/app/httpapi"
	"github.com/R3E-Network/custody_ledger/internal/config"
	"github.com/R3E-Network/custody_ledger/internal/middleware"
	"github.com/R3E-Network/custody_ledger/pkg/logger"
)

func main() {
	var (
		configPath = flag.String("config", os.Getenv("LEDGER_CONFIG"), "Path to the YAML config file")
		envFile    = flag.String("env", ".env", "Optional .env file loaded before the environment is read")
	)
	flag.Parse()

	if err := run(*configPath, *envFile); err != nil {
		fmt.Fprintf(os.Stderr, "ledgerd: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, envFile string) error {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("load env (%s): %w", envFile, err)
		}
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	log := logger.New(cfg.Logging).Component("ledgerd")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	application, err := app.Open(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("build application: %w", err)
	}
	defer func() {
		if err := application.Close(); err != nil {
			log.WithError(err).Warn("close connections")
		}
	}()

	opts := httpapi.Options{OperatorRole: cfg.Auth.OperatorRole, Log: log.Component("http")}
	publicKey, err := middleware.LoadRSAPublicKey(cfg.Auth.PublicKey, cfg.Auth.PublicKeyFile)
	if err != nil {
		return err
	}
	if publicKey != nil {
		opts.Auth = middleware.NewAuthMiddleware(middleware.AuthConfig{
			PublicKey: publicKey,
			Issuer:    cfg.Auth.Issuer,
			Audience:  cfg.Auth.Audience,
			SkipPaths: []string{"/healthz", "/metrics"},
		}, log.Component("auth"))
	} else {
		log.Warn("no auth public key configured; API authentication is disabled")
	}
	if cfg.RateLimit.RequestsPerSecond > 0 {
		limiter := middleware.NewRateLimiter(cfg.RateLimit.RequestsPerSecond, cfg.RateLimit.Burst, log.Component("ratelimit"))
		limiter.StartCleanup(ctx, 5*time.Minute)
		opts.RateLimiter = limiter
	}

	if err := application.Start(ctx); err != nil {
		return fmt.Errorf("start services: %w", err)
	}

	server := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           httpapi.NewHandler(application, opts),
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.WithFields(logrus.Fields{
			"addr":     cfg.Server.Addr,
			"services": application.Services(),
		}).Info("ledgerd listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErr <- err
		}
		close(serverErr)
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	var runErr error
	select {
	case sig := <-sigCh:
		log.WithField("signal", sig.String()).Info("shutdown signal received")
	case err, ok := <-serverErr:
		if ok {
			runErr = fmt.Errorf("http server: %w", err)
			log.WithError(err).Error("http server failed")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	if err := application.Stop(shutdownCtx); err != nil {
		log.WithError(err).Warn("stop services")
	}
	cancel()

	log.Info("ledgerd stopped")
	return runErr
}

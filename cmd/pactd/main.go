package main

import (
	"context"
	"errors"
	"flag"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"pact/config"
	"pact/crypto"
	gwconfig "pact/gateway/config"
	"pact/observability/logging"
	telemetry "pact/observability/otel"
	"pact/services/pactd"
)

const shutdownTimeout = 15 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to the pactd YAML configuration")
	flag.Parse()

	if err := run(*configPath); err != nil {
		log.Fatalf("pactd failed: %v", err)
	}
}

func run(configPath string) error {
	cfg, err := gwconfig.Load(configPath)
	if err != nil {
		return err
	}
	logger := logging.SetupWithOptions(logging.Options{
		Service: cfg.Observability.ServiceName,
		Env:     cfg.Environment,
		Level:   logging.ParseLevel(cfg.Observability.LogLevel),
		File:    cfg.Observability.LogFile,
	})

	telCfg := telemetry.ConfigFromEnv(cfg.Observability.ServiceName, cfg.Environment)
	telCfg.Metrics = telCfg.Metrics && cfg.Observability.Metrics
	telCfg.Traces = telCfg.Traces && cfg.Observability.Tracing
	shutdownTelemetry, err := telemetry.Init(context.Background(), telCfg)
	if err != nil {
		return err
	}
	defer func() {
		_ = shutdownTelemetry(context.Background())
	}()

	policy := config.Default()
	if path := strings.TrimSpace(cfg.Pact.PolicyFile); path != "" {
		if policy, err = config.Load(path); err != nil {
			return err
		}
	}
	var arbiter *crypto.KeyPair
	if path := strings.TrimSpace(cfg.Pact.ArbiterKeyFile); path != "" {
		if arbiter, err = crypto.LoadKeyFile(path); err != nil {
			return err
		}
		logger.Info("arbiter key loaded",
			logging.MaskField("signer_b58", arbiter.PublicKeyB58()),
			logging.MaskField("key_file", path))
	}

	server, err := pactd.New(pactd.Options{
		Config:  cfg,
		Policy:  policy,
		Arbiter: arbiter,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	defer server.Close()

	srv := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      server.Handler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("pactd listening", slog.String("addr", cfg.ListenAddress))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("pactd shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

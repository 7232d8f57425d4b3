package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	auth "github.com/goliatone/go-authcore"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "authd:", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", os.Getenv(auth.EnvPrefix+"CONFIG"), "path to the YAML config file")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig(ctx, *configPath)
	if err != nil {
		return err
	}

	logger := newLogger(cfg.LogLevel, os.Stdout)
	srv, err := newServer(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer srv.close()

	srv.scheduler.Start(ctx)
	defer srv.scheduler.Stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("authd listening", "addr", cfg.Server.Addr)
		errCh <- srv.srv.Serve(cfg.Server.Addr)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.srv.Shutdown(shutdownCtx)
}

// loadConfig reads the config and, when configured, replaces the signing
// secret with the one stored in AWS Secrets Manager.
func loadConfig(ctx context.Context, path string) (auth.Config, error) {
	secret, err := signingSecretFromAWS(ctx)
	if err != nil {
		return auth.Config{}, err
	}
	if secret != "" {
		if err := os.Setenv(auth.EnvPrefix+"SIGNING_KEY", secret); err != nil {
			return auth.Config{}, err
		}
	}
	return auth.LoadConfig(path)
}

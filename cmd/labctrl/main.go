// Package main implements the labctrl server. It loads the configuration,
// starts the configured and catalogued sources and serves them to websocket
// clients until interrupted.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/c360/labctrl/auth"
	"github.com/c360/labctrl/config"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "labctrl"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run(args []string) error {
	fs := flag.NewFlagSet(appName, flag.ContinueOnError)
	cliCfg, err := parseFlags(fs, args)
	if err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return fmt.Errorf("parse flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}
	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp(fs)
		return nil
	}

	logger := setupLogger(os.Stdout, cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}
	if cliCfg.Validate {
		slog.Info("Configuration is valid")
		return nil
	}
	if cliCfg.IssueToken != "" {
		return issueToken(cfg, cliCfg)
	}

	slog.Info("Starting labctrl",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath)
	slog.Debug("Effective configuration", "config", cfg.String())

	signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	a, err := newApp(signalCtx, cfg, logger)
	if err != nil {
		return err
	}
	if err := a.start(); err != nil {
		_ = a.shutdown(cliCfg.ShutdownTimeout)
		return err
	}
	slog.Info("labctrl started", "addr", a.addr())

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	if err := a.shutdown(cliCfg.ShutdownTimeout); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	slog.Info("labctrl shutdown complete")
	return nil
}

// loadConfig applies the optional file over the defaults, then the
// LABCTRL_* environment overrides, and validates the result.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(true)
	if path != "" {
		loader.AddLayer(path)
	}
	cfg, err := loader.Load()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func issueToken(cfg *config.Config, cliCfg *CLIConfig) error {
	if cfg.Auth.Mode != config.AuthJWT {
		return fmt.Errorf("auth.mode is %q, tokens are only used in %q mode", cfg.Auth.Mode, config.AuthJWT)
	}
	a, err := auth.NewJWTAuthorizer(cfg.Auth.Secret, cfg.Auth.CacheTTL.Std(), nil)
	if err != nil {
		return err
	}
	defer a.Stop()

	token, err := a.Issue(cliCfg.IssueToken, cliCfg.TokenTTL)
	if err != nil {
		return err
	}
	fmt.Println(token)
	return nil
}

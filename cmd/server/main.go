package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"

	"github.com/pttdictation/dictation-gateway/internal/config"
	"github.com/pttdictation/dictation-gateway/internal/gateway"
	"github.com/pttdictation/dictation-gateway/internal/injection"
	"github.com/pttdictation/dictation-gateway/internal/observability"
	"github.com/pttdictation/dictation-gateway/internal/registry"
	"github.com/pttdictation/dictation-gateway/internal/rules"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("addr", cfg.Addr()).
		Str("injector", cfg.Injector).
		Int("heartbeat_timeout", cfg.HeartbeatTimeout).
		Str("rules_file", cfg.RulesFile).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Dictation Gateway starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Text rules are optional
	var store *rules.Store
	if cfg.RulesFile != "" {
		store, err = rules.NewStore(cfg.RulesFile, logger)
		if err != nil {
			logger.Fatal().Err(err).Str("path", cfg.RulesFile).Msg("Failed to load rules")
		}
		observability.SetRulesetVersion(store.Version())
		store.OnChange(observability.SetRulesetVersion)

		go func() {
			if err := store.Watch(ctx); err != nil {
				logger.Error().Err(err).Msg("Rules watcher stopped")
			}
		}()
	}

	guardedCfg := injection.GuardedConfig{
		Name:                "injector",
		MaxFailures:         cfg.CircuitBreakerMaxFailures,
		ResetTimeout:        cfg.CircuitBreakerResetDuration(),
		RetryAttempts:       cfg.InjectRetryAttempts,
		RetryInitialBackoff: cfg.InjectRetryBackoffDuration(),
	}
	if cfg.RulesApplyOnInject && store != nil {
		guardedCfg.Rewriter = store
	}
	injector := injection.NewGuarded(newInjector(cfg, logger), guardedCfg, logger)

	server := gateway.New(cfg, gateway.Deps{
		Registry: registry.NewRegistry(),
		Injector: injector,
		Rules:    store,
		Checks: map[string]observability.HealthCheckFunc{
			"injector": injector.HealthCheck,
		},
	}, logger)

	if cfg.GRPCHealthPort != "" {
		hs := observability.NewGRPCHealthServer(":"+cfg.GRPCHealthPort, server.Readiness(), logger)
		go func() {
			if err := hs.Serve(ctx); err != nil {
				logger.Error().Err(err).Msg("gRPC health server failed")
			}
		}()
	}

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-quit
		logger.Info().Str("signal", sig.String()).Msg("Shutdown requested")
		cancel()
	}()

	if err := server.ListenAndServe(ctx); err != nil {
		logger.Fatal().Err(err).Msg("Server failed")
	}

	logger.Info().Msg("Server exited gracefully")
}

// newInjector builds the configured desktop injector. A clipboard that cannot
// be initialized falls back to logging so the relay keeps acknowledging text.
func newInjector(cfg *config.Config, logger zerolog.Logger) injection.TextInjector {
	switch cfg.Injector {
	case config.InjectorClipboard:
		clip := injection.NewClipboardInjector()
		if err := clip.Init(); err != nil {
			logger.Error().Err(err).Msg("Clipboard unavailable, falling back to log injector")
			return injection.NewLogInjector(logger)
		}
		return clip
	case config.InjectorLog:
		return injection.NewLogInjector(logger)
	default:
		return injection.NopInjector{}
	}
}

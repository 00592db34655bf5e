package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/relves/cidroute/pkg/config"
	"github.com/relves/cidroute/pkg/router"
)

func main() {
	configPath := getEnv("ROUTER_CONFIG", "router.yaml")

	levelStr := getEnv("LOG_LEVEL", "info")
	var level slog.Level
	if err := level.UnmarshalText([]byte(levelStr)); err != nil {
		level = slog.LevelInfo
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	cfg, err := config.LoadRouter(configPath)
	if err != nil {
		logger.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	providers, err := buildProviders(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build providers", "error", err)
		os.Exit(1)
	}

	resolver := router.NewResolver(providers, cfg.ResolveTimeout.Std(), logger)
	srv := router.NewServer(router.ServerConfig{Addr: cfg.Listen}, resolver, logger)

	fmt.Println("CID Router Startup")
	fmt.Println("===================================")
	fmt.Printf("Providers: %d\n", len(providers))
	for _, p := range providers {
		fmt.Printf("  %-6s %s\n", p.Kind(), p.ID())
	}
	fmt.Println()
	fmt.Println("Routing API:")
	fmt.Printf("  GET http://localhost%s/v1/routes/{cid}\n", cfg.Listen)
	fmt.Printf("  GET http://localhost%s/v1/providers\n", cfg.Listen)
	fmt.Printf("  GET http://localhost%s/v1/status\n", cfg.Listen)

	if err := srv.ListenAndServe(ctx); err != nil && ctx.Err() == nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func buildProviders(ctx context.Context, cfg *config.Router, logger *slog.Logger) ([]router.Provider, error) {
	var providers []router.Provider
	for i, entry := range cfg.Providers {
		switch entry.Kind {
		case "local":
			p, err := router.NewLocalProvider(*entry.Local)
			if err != nil {
				return nil, fmt.Errorf("provider %d: %w", i, err)
			}
			providers = append(providers, p)
		case "remote":
			p, err := router.NewRemoteProvider(ctx, *entry.Remote, logger)
			if err != nil {
				return nil, fmt.Errorf("provider %d: %w", i, err)
			}
			providers = append(providers, p)
		default:
			return nil, fmt.Errorf("provider %d: unknown kind %q", i, entry.Kind)
		}
	}
	return providers, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/sync/errgroup"

	"github.com/relves/cidroute/internal/scanner"
	"github.com/relves/cidroute/internal/storage/index"
	"github.com/relves/cidroute/pkg/cidkit"
	"github.com/relves/cidroute/pkg/config"
	"github.com/relves/cidroute/pkg/crp"
	"github.com/relves/cidroute/pkg/indexer"

	gcsscanner "github.com/relves/cidroute/internal/scanner/gcs"
	githubscanner "github.com/relves/cidroute/internal/scanner/github"
)

func main() {
	configPath := getEnv("CRPD_CONFIG", "crpd.yaml")

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

	cfg, err := config.LoadCRP(configPath)
	if err != nil {
		logger.Error("failed to load config", "path", configPath, "error", err)
		os.Exit(1)
	}

	alg, codec, err := cfg.Hash.Resolve()
	if err != nil {
		logger.Error("invalid hash config", "error", err)
		os.Exit(1)
	}

	store, err := index.Open(cfg.IndexPath)
	if err != nil {
		logger.Error("failed to open index", "path", cfg.IndexPath, "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	sources, err := buildSources(ctx, cfg, logger)
	if err != nil {
		logger.Error("failed to build sources", "error", err)
		os.Exit(1)
	}

	ix, err := indexer.New(indexer.Config{
		Interval:         cfg.Interval.Std(),
		FetchConcurrency: cfg.FetchConcurrency,
		Algorithm:        alg,
		Codec:            codec,
	}, store, sources, logger)
	if err != nil {
		logger.Error("failed to build indexer", "error", err)
		os.Exit(1)
	}

	srv := crp.New(crp.Config{
		Addr:      cfg.Listen,
		AuthToken: cfg.AuthToken,
		Filter:    cidkit.EligibilityFilter(alg, codec),
	}, store, ix, logger)

	fmt.Println("CRP Indexer Startup")
	fmt.Println("===================================")
	fmt.Printf("Index: %s\n", store.Path())
	fmt.Printf("Hash: %s / %s\n", alg, codec)
	fmt.Printf("Sources: %d, every %s\n", len(sources), cfg.Interval.Std())
	fmt.Println()
	fmt.Println("Query API:")
	fmt.Printf("  GET http://localhost%s/v1/crp/routes/{cid}\n", cfg.Listen)
	fmt.Printf("  GET http://localhost%s/v1/crp/filter\n", cfg.Listen)
	fmt.Printf("  GET http://localhost%s/v1/crp/status\n", cfg.Listen)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return ix.Run(gctx)
	})
	g.Go(func() error {
		return srv.ListenAndServe(gctx)
	})

	if err := g.Wait(); err != nil && ctx.Err() == nil {
		logger.Error("service stopped", "error", err)
		os.Exit(1)
	}
}

func buildSources(ctx context.Context, cfg *config.CRP, logger *slog.Logger) ([]indexer.Source, error) {
	var sources []indexer.Source
	for i, entry := range cfg.Sources {
		var sc scanner.Scanner
		switch entry.Kind {
		case "gcs":
			s, err := gcsscanner.New(ctx, *entry.GCS)
			if err != nil {
				return nil, fmt.Errorf("source %d: %w", i, err)
			}
			sc = s
		case "github":
			s, err := githubscanner.New(*entry.Github, logger)
			if err != nil {
				return nil, fmt.Errorf("source %d: %w", i, err)
			}
			sc = s
		default:
			return nil, fmt.Errorf("source %d: unknown kind %q", i, entry.Kind)
		}
		sources = append(sources, indexer.Source{Scanner: sc, Filter: entry.Filter})
	}
	return sources, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/docweave/docweave/api"
	"github.com/docweave/docweave/internal/access"
	"github.com/docweave/docweave/internal/config"
	"github.com/docweave/docweave/internal/database"
	"github.com/docweave/docweave/internal/embed"
	"github.com/docweave/docweave/internal/index"
	"github.com/docweave/docweave/internal/ingest"
	"github.com/docweave/docweave/internal/org"
	"github.com/docweave/docweave/internal/quota"
	"github.com/docweave/docweave/internal/retrieval"
	"github.com/docweave/docweave/internal/store"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the retrieval API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// runServe wires the full stack and blocks until SIGINT/SIGTERM.
func runServe() error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	logger := slog.Default()
	logger.Info("starting docweave", "version", AppVersion)

	if err := database.Migrate(cfg.PostgresConnectionString()); err != nil {
		return fmt.Errorf("migrating database: %w", err)
	}

	pool, err := database.Open(ctx, cfg.PostgresConnectionString())
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer pool.Close()

	cache := access.NewCache(time.Duration(cfg.AuthorizedCacheTTL) * time.Second)
	st := store.New(pool, cache, logger.With("component", "store"))

	orgs, err := st.LoadOrganizations(ctx)
	if err != nil {
		return fmt.Errorf("loading organizations: %w", err)
	}
	graph, err := org.NewGraph(orgs)
	if err != nil {
		return fmt.Errorf("building organization graph: %w", err)
	}
	logger.Info("organization graph loaded", "organizations", graph.Len())

	resolver := access.NewResolver(st, graph, cache, logger.With("component", "resolver"))

	var gateway index.Gateway
	switch cfg.IndexBackend {
	case config.BackendQdrant:
		qg, err := index.NewQdrantGateway(ctx, cfg.QdrantHost, cfg.QdrantPort,
			"document_chunks", cfg.VectorDimension, logger.With("component", "index"))
		if err != nil {
			return fmt.Errorf("connecting to qdrant: %w", err)
		}
		defer func() { _ = qg.Close() }()
		gateway = qg
	default:
		gateway = index.NewPgvectorGateway(pool, cfg.VectorDimension, logger.With("component", "index"))
	}

	embedder := embed.NewClient(cfg.EmbedderURL, cfg.VectorDimension, logger.With("component", "embed"))

	tracker := quota.NewTracker(quota.Limits{
		UserTokens:        cfg.UserTokensPerDay,
		OrgTokens:         cfg.OrgTokensPerDay,
		RequestsPerMinute: cfg.RequestsPerMinute,
		RequestBurst:      cfg.RequestBurst,
	}, logger.With("component", "quota"))

	svc := retrieval.NewService(embedder, resolver, gateway, tracker, st, retrieval.Config{
		MaxChunks:       cfg.MaxChunks,
		TokenBudget:     cfg.TokenBudget,
		OverfetchFactor: cfg.OverfetchFactor,
		DedupThreshold:  cfg.DedupThreshold,
	}, logger.With("component", "retrieval"))

	ing := ingest.NewService(st, gateway, resolver, logger.With("component", "ingest"))

	server := api.NewServer(svc, ing, tracker, pool, gateway, logger.With("component", "api"))
	return server.Run(ctx, cfg.ServerAddr)
}

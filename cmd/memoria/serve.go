package main

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	_ "modernc.org/sqlite"

	"memoria/internal/auth"
	"memoria/internal/config"
	"memoria/internal/embedding"
	"memoria/internal/gateway"
	"memoria/internal/logging"
	"memoria/internal/memory"
	"memoria/internal/metadata"
	"memoria/internal/ratelimit"
	"memoria/internal/scheduler"
	"memoria/internal/similarity"
	"memoria/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the memoria HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe()
	},
}

func init() {
	serveCmd.Flags().IntVarP(&servePort, "port", "p", 0, "HTTP port (overrides config)")
}

func runServe() error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if servePort != 0 {
		cfg.Port = servePort
	}

	log := logging.New("memoria", logging.ParseLevel(cfg.LogLevel))

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}

	metaStore, err := metadata.Open(filepath.Join(cfg.DataDir, "memoria.db"))
	if err != nil {
		return fmt.Errorf("open metadata store: %w", err)
	}
	defer metaStore.Close()

	vectorStore, err := store.New(store.Config{
		MaxMemoryBytes: cfg.MaxMemoryBytes(),
		Dimensions:     cfg.DefaultDimensions,
		Metric:         similarity.Metric(cfg.DistanceMetric),
		IndexThreshold: cfg.HNSWIndexThreshold(),
	}, metaStore)
	if err != nil {
		return fmt.Errorf("init vector store: %w", err)
	}

	embedder, err := buildEmbedder(cfg)
	if err != nil {
		return fmt.Errorf("init embedder: %w", err)
	}

	manager := memory.New(memory.Config{
		Store:    vectorStore,
		Metadata: metaStore,
		Embedder: embedder,
		Logger:   log.With("memory"),
	})

	rebuilt, err := manager.Rebuild(context.Background())
	if err != nil {
		return fmt.Errorf("rebuild vector store: %w", err)
	}
	log.Infof("rebuilt %d memories from metadata store", rebuilt)

	authDB, err := sql.Open("sqlite", filepath.Join(cfg.DataDir, "auth.db"))
	if err != nil {
		return fmt.Errorf("open auth db: %w", err)
	}
	defer authDB.Close()
	authStore := auth.NewStore(authDB, cfg.APIKeySaltRounds)
	if err := authStore.Migrate(); err != nil {
		return fmt.Errorf("migrate auth db: %w", err)
	}

	limiter := ratelimit.New(cfg.RateLimitWindow(), cfg.RateLimit.MaxRequests, 10*time.Minute)
	defer limiter.Stop()

	sched := scheduler.New(scheduler.Config{Manager: manager, Logger: log.With("scheduler")})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := sched.Start(ctx, scheduler.Config{}); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}
	defer sched.Stop()

	gw := gateway.New(gateway.Config{
		Manager:  manager,
		Store:    vectorStore,
		Embedder: embedder,
		Auth:     authStore,
		Limiter:  limiter,
		Logger:   log.With("gateway"),
	})

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: gw.Routes(),
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infof("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	case <-sig:
		log.Infof("shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer shutdownCancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func buildEmbedder(cfg *config.Config) (embedding.Embedder, error) {
	switch cfg.Embedding.Provider {
	case "local":
		return embedding.NewLocal(cfg.DefaultDimensions), nil
	case "openai":
		if cfg.Embedding.APIKey == "" {
			return nil, newUsageError("embedding.provider is \"openai\" but embedding.api_key is empty")
		}
		return embedding.NewOpenAI(cfg.Embedding.APIKey, cfg.Embedding.Model, cfg.DefaultDimensions), nil
	default:
		return nil, newUsageError("embedding.provider must be \"openai\" or \"local\", got %q", cfg.Embedding.Provider)
	}
}

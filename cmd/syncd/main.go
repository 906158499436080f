package main

import (
	"context"
	"crypto/sha256"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/cuemby/syncd/pkg/catalog"
	"github.com/cuemby/syncd/pkg/log"
	"github.com/cuemby/syncd/pkg/metrics"
	"github.com/cuemby/syncd/pkg/storage"
	"github.com/cuemby/syncd/pkg/syncservice"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "syncd",
	Short: "syncd - bidirectional Marketplace inventory sync daemon",
	Long: `syncd keeps a seller's local inventory mirror in sync with their
Marketplace listings: it ingests the full catalog on connect, pushes local
writes back out, applies webhook deliveries, and periodically reconciles
drift between the two sides.`,
	Version: Version,
	RunE:    runServe,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"syncd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")

	rootCmd.Flags().String("postgres-dsn", "", "Postgres connection string (required)")
	rootCmd.Flags().String("redis-addr", "127.0.0.1:6379", "Redis address")
	rootCmd.Flags().String("marketplace-url", "", "Marketplace API base URL (required)")
	rootCmd.Flags().String("encryption-key", "", "32-byte access-token encryption key, or a password to derive one from")
	rootCmd.Flags().StringSlice("deny-tables", nil, "Catalog tables whose products are never synced")
	rootCmd.Flags().Int("workers", 8, "Background job dispatcher worker count")
	rootCmd.Flags().Duration("drift-interval", 0, "Periodic drift sync interval (defaults to 15m)")
	rootCmd.Flags().String("metrics-addr", "127.0.0.1:9090", "Address for the metrics/health HTTP server")

	cobra.OnInitialize(initLogging)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	dsn, _ := cmd.Flags().GetString("postgres-dsn")
	redisAddr, _ := cmd.Flags().GetString("redis-addr")
	marketplaceURL, _ := cmd.Flags().GetString("marketplace-url")
	encryptionKey, _ := cmd.Flags().GetString("encryption-key")
	denyTables, _ := cmd.Flags().GetStringSlice("deny-tables")
	workers, _ := cmd.Flags().GetInt("workers")
	driftInterval, _ := cmd.Flags().GetDuration("drift-interval")
	metricsAddr, _ := cmd.Flags().GetString("metrics-addr")

	if dsn == "" {
		return fmt.Errorf("--postgres-dsn is required")
	}
	if marketplaceURL == "" {
		return fmt.Errorf("--marketplace-url is required")
	}
	if encryptionKey == "" {
		return fmt.Errorf("--encryption-key is required")
	}

	store, err := storage.Open(dsn)
	if err != nil {
		return fmt.Errorf("connect to postgres: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{Addr: redisAddr})
	if err := redisClient.Ping(cmd.Context()).Err(); err != nil {
		return fmt.Errorf("connect to redis: %w", err)
	}

	key, err := resolveEncryptionKey(encryptionKey)
	if err != nil {
		return fmt.Errorf("resolve encryption key: %w", err)
	}

	svc, err := syncservice.New(syncservice.Config{
		Store:          store,
		Redis:          redisClient,
		Lookup:         catalog.New(store.DB()),
		MarketplaceURL: marketplaceURL,
		EncryptionKey:  key,
		DenyTables:     denyTables,
		DriftInterval:  driftInterval,
		WorkerCount:    workers,
	})
	if err != nil {
		return fmt.Errorf("wire syncd service: %w", err)
	}

	metrics.SetVersion(Version)
	metrics.RegisterComponent("postgres", true, "connected")
	metrics.RegisterComponent("redis", true, "connected")
	metrics.RegisterComponent("marketplace", false, "not yet exercised")

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		mux.Handle("/health", metrics.HealthHandler())
		mux.Handle("/ready", metrics.ReadyHandler())
		mux.Handle("/live", metrics.LivenessHandler())
		if err := http.ListenAndServe(metricsAddr, mux); err != nil && err != http.ErrServerClosed {
			log.Logger.Error().Err(err).Msg("metrics server error")
		}
	}()
	log.Logger.Info().Str("addr", metricsAddr).Msg("metrics and health endpoints listening")

	collector := metrics.NewCollector(store)
	collector.Start()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	log.Logger.Info().Msg("syncd started")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh

	log.Logger.Info().Msg("shutting down")
	cancel()
	svc.Stop()
	collector.Stop()
	redisClient.Close()
	store.Close()

	// give in-flight log writes a moment to flush before the process exits.
	time.Sleep(100 * time.Millisecond)
	log.Logger.Info().Msg("shutdown complete")
	return nil
}

// resolveEncryptionKey accepts either a raw 32-byte key or, for local
// development, an arbitrary password hashed down to 32 bytes — the same
// derivation pkg/envelope.NewFromPassword uses.
func resolveEncryptionKey(raw string) ([]byte, error) {
	if len(raw) == 32 {
		return []byte(raw), nil
	}
	if raw == "" {
		return nil, fmt.Errorf("encryption key cannot be empty")
	}
	hash := sha256.Sum256([]byte(raw))
	return hash[:], nil
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/gitvault/gitvault/internal/blobstore"
	"github.com/gitvault/gitvault/internal/config"
	"github.com/gitvault/gitvault/internal/gateway"
	"github.com/gitvault/gitvault/internal/ledger"
	"github.com/gitvault/gitvault/internal/observability"
	"github.com/gitvault/gitvault/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the git smart HTTP gateway",
	Long: "Starts the HTTP server, serving cached repositories and hydrating " +
		"absent ones from the configured ledger and blob store.",
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("listen", "", "listen address (default :8417)")
	viper.BindPFlag("listen", serveCmd.Flags().Lookup("listen"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(viper.GetViper())
	if err != nil {
		return err
	}

	logger := observability.InitLogger("gitvault", cfg.LogLevel)

	led, err := buildLedger(cfg)
	if err != nil {
		return err
	}
	blobs, err := buildBlobStore(cfg)
	if err != nil {
		return err
	}

	gw, err := gateway.New(cfg.DataDir, led, blobs, gatewayOptions(cfg, logger)...)
	if err != nil {
		return fmt.Errorf("initialize gateway: %w", err)
	}

	srv := server.New(gw, cfg.Listen, logger)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return srv.Shutdown(ctx)
}

func gatewayOptions(cfg config.Config, logger zerolog.Logger) []gateway.Option {
	opts := []gateway.Option{
		gateway.WithDefaultBranch(cfg.DefaultBranch),
		gateway.WithPropagationWorkers(cfg.Propagation.Workers),
		gateway.WithRemoteTimeout(cfg.RemoteTimeout),
		gateway.WithCompression(cfg.Compression.Level, cfg.Compression.Enabled),
		gateway.WithLogger(logger),
	}
	if cfg.Propagation.Sync {
		opts = append(opts, gateway.WithSyncPropagation())
	}
	return opts
}

func buildLedger(cfg config.Config) (ledger.Ledger, error) {
	switch cfg.Ledger.Backend {
	case config.BackendMemory:
		return ledger.NewMemory(), nil
	case config.BackendRedis:
		return ledger.NewRedis(ledger.RedisConfig{
			Addr:     cfg.Ledger.Redis.Addr,
			Username: cfg.Ledger.Redis.Username,
			Password: cfg.Ledger.Redis.Password,
			Database: cfg.Ledger.Redis.Database,
		}), nil
	case config.BackendHTTP:
		return ledger.NewHTTPClient(cfg.Ledger.URL, cfg.RemoteTimeout), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.Ledger.Backend)
	}
}

func buildBlobStore(cfg config.Config) (blobstore.Store, error) {
	switch cfg.BlobStore.Backend {
	case config.BackendMemory:
		return blobstore.NewMemory(), nil
	case config.BackendHTTP:
		return blobstore.NewHTTPStore(cfg.BlobStore.URL, cfg.RemoteTimeout), nil
	case config.BackendOCI:
		return blobstore.NewOCIStore(cfg.BlobStore.ImageRef, nil)
	default:
		return nil, fmt.Errorf("unknown blobstore backend %q", cfg.BlobStore.Backend)
	}
}

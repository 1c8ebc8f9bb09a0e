package cmd

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/require"

	"github.com/gitvault/gitvault/internal/config"
	"github.com/gitvault/gitvault/internal/ledger"
)

func defaultConfig(t *testing.T) config.Config {
	t.Helper()
	v := viper.New()
	config.SetDefaults(v)
	cfg, err := config.Load(v)
	require.NoError(t, err)
	return cfg
}

func TestGatewayOptions(t *testing.T) {
	cfg := defaultConfig(t)
	base := gatewayOptions(cfg, zerolog.Nop())

	cfg.Propagation.Sync = true
	withSync := gatewayOptions(cfg, zerolog.Nop())
	require.Len(t, withSync, len(base)+1, "propagation.sync must add the sync option")
}

func TestBuildBackends(t *testing.T) {
	t.Run("ledger backend selection", func(t *testing.T) {
		cfg := defaultConfig(t)
		led, err := buildLedger(cfg)
		require.NoError(t, err)
		require.IsType(t, &ledger.Memory{}, led)

		cfg.Ledger.Backend = config.BackendRedis
		led, err = buildLedger(cfg)
		require.NoError(t, err)
		require.IsType(t, &ledger.Redis{}, led)

		cfg.Ledger.Backend = config.BackendHTTP
		cfg.Ledger.URL = "http://ledger.internal:9000"
		led, err = buildLedger(cfg)
		require.NoError(t, err)
		require.IsType(t, &ledger.HTTPClient{}, led)
	})

	t.Run("unknown blobstore backend errors", func(t *testing.T) {
		cfg := defaultConfig(t)
		cfg.BlobStore.Backend = "tape"
		_, err := buildBlobStore(cfg)
		require.Error(t, err)
	})
}

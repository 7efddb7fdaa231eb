package redis

import (
	"context"
	"crypto/tls"
	"encoding/base64"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/novair/lib-eventflow/log"
)

func TestNewConnectsAndRoundTrips(t *testing.T) {
	mr := miniredis.RunT(t)
	ctx := context.Background()

	client, err := New(ctx, Config{
		Topology: Topology{Standalone: &StandaloneTopology{Address: mr.Addr()}},
		Logger:   log.NewNop(),
	})
	require.NoError(t, err)

	t.Cleanup(func() { _ = client.Close() })

	require.True(t, client.IsConnected())
	require.NoError(t, client.HealthCheck(ctx))

	rdb, err := client.GetClient(ctx)
	require.NoError(t, err)

	require.NoError(t, rdb.Set(ctx, "k", "v", 0).Err())

	got, err := rdb.Get(ctx, "k").Result()
	require.NoError(t, err)
	assert.Equal(t, "v", got)
}

func standaloneConfig() Config {
	return Config{
		Topology: Topology{Standalone: &StandaloneTopology{Address: "localhost:6379"}},
	}
}

func TestNormalizeConfigDefaults(t *testing.T) {
	cfg, err := normalizeConfig(standaloneConfig())
	require.NoError(t, err)

	assert.NotNil(t, cfg.Logger)
	assert.Equal(t, 10, cfg.Options.PoolSize)
	assert.Equal(t, 3*time.Second, cfg.Options.ReadTimeout)
	assert.Equal(t, 5*time.Second, cfg.Options.DialTimeout)
	assert.Equal(t, 3, cfg.Options.MaxRetries)
}

func TestNormalizeConfigCapsPoolSize(t *testing.T) {
	cfg := standaloneConfig()
	cfg.Options.PoolSize = 50000

	normalized, err := normalizeConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, maxPoolSize, normalized.Options.PoolSize)
}

func TestValidateTopology(t *testing.T) {
	tests := []struct {
		name     string
		topology Topology
		wantErr  string
	}{
		{
			name:    "none configured",
			wantErr: "exactly one topology",
		},
		{
			name: "multiple configured",
			topology: Topology{
				Standalone: &StandaloneTopology{Address: "a:6379"},
				Cluster:    &ClusterTopology{Addresses: []string{"b:6379"}},
			},
			wantErr: "exactly one topology",
		},
		{
			name:     "standalone empty address",
			topology: Topology{Standalone: &StandaloneTopology{Address: "  "}},
			wantErr:  "standalone address",
		},
		{
			name:     "sentinel missing master",
			topology: Topology{Sentinel: &SentinelTopology{Addresses: []string{"a:26379"}}},
			wantErr:  "master name",
		},
		{
			name:     "cluster no addresses",
			topology: Topology{Cluster: &ClusterTopology{}},
			wantErr:  "cluster addresses",
		},
		{
			name:     "valid standalone",
			topology: Topology{Standalone: &StandaloneTopology{Address: "localhost:6379"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateTopology(tt.topology)
			if tt.wantErr == "" {
				assert.NoError(t, err)

				return
			}

			require.ErrorIs(t, err, ErrInvalidConfig)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateConfigRequiresTLSCert(t *testing.T) {
	cfg := standaloneConfig()
	cfg.TLS = &TLSConfig{}

	_, err := normalizeConfig(cfg)
	require.ErrorIs(t, err, ErrInvalidConfig)
	assert.Contains(t, err.Error(), "CA cert")
}

func TestBuildUniversalOptions(t *testing.T) {
	cfg, err := normalizeConfig(Config{
		Topology: Topology{Sentinel: &SentinelTopology{
			Addresses:  []string{"s1:26379", "s2:26379"},
			MasterName: "mymaster",
		}},
		Password: "secret",
	})
	require.NoError(t, err)

	client := &Client{cfg: cfg, logger: cfg.Logger}

	opts, err := client.buildUniversalOptionsLocked()
	require.NoError(t, err)

	assert.Equal(t, []string{"s1:26379", "s2:26379"}, opts.Addrs)
	assert.Equal(t, "mymaster", opts.MasterName)
	assert.Equal(t, "secret", opts.Password)
}

func TestBuildUniversalOptionsRejectsEmptyAddrs(t *testing.T) {
	client := &Client{logger: standaloneConfig().Logger}

	_, err := client.buildUniversalOptionsLocked()
	require.ErrorIs(t, err, ErrInvalidConfig)
}

func TestBuildTLSConfig(t *testing.T) {
	_, err := buildTLSConfig(TLSConfig{CACertBase64: "not-base64!!"})
	require.Error(t, err)

	_, err = buildTLSConfig(TLSConfig{CACertBase64: base64.StdEncoding.EncodeToString([]byte("not a pem"))})
	require.Error(t, err)
}

func TestNormalizeTLSDefaultsFloorsMinVersion(t *testing.T) {
	tlsCfg := &TLSConfig{CACertBase64: "x", MinVersion: tls.VersionTLS10}
	normalizeTLSDefaults(tlsCfg)
	assert.Equal(t, uint16(tls.VersionTLS12), tlsCfg.MinVersion)

	tlsCfg.MinVersion = tls.VersionTLS13
	normalizeTLSDefaults(tlsCfg)
	assert.Equal(t, uint16(tls.VersionTLS13), tlsCfg.MinVersion)
}

func TestGetClientRateLimitsReconnects(t *testing.T) {
	// No topology makes connect fail before touching the network.
	cfg := Config{}
	normalizeConnectionOptionsDefaults(&cfg.Options)

	failing := &Client{cfg: cfg, logger: log.NewNop()}

	_, err := failing.GetClient(context.Background())
	require.ErrorIs(t, err, ErrInvalidConfig)

	// Immediate retry is rate-limited rather than re-dialing.
	_, err = failing.GetClient(context.Background())
	require.ErrorIs(t, err, ErrNotConnected)
	assert.Contains(t, err.Error(), "rate-limited")
}

func TestNilClientGuards(t *testing.T) {
	var client *Client

	require.ErrorIs(t, client.Connect(context.Background()), ErrClientRequired)
	require.ErrorIs(t, client.Close(), ErrClientRequired)
	require.ErrorIs(t, client.HealthCheck(context.Background()), ErrClientRequired)

	_, err := client.GetClient(context.Background())
	require.ErrorIs(t, err, ErrClientRequired)

	assert.False(t, client.IsConnected())
}

func TestHealthCheckRequiresConnection(t *testing.T) {
	client := &Client{logger: log.NewNop()}

	require.ErrorIs(t, client.HealthCheck(context.Background()), ErrNotConnected)
}

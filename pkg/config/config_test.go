package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("HUB_INSTANCE_CODE", "")
	t.Setenv("MONGODB_URI", "")
	t.Setenv("FEDERATION_SYNC_INTERVAL", "")
	t.Setenv("MAX_CONCURRENT_REQUESTS", "")
	t.Setenv("HEARTBEAT_INTERVAL_MS", "")
	t.Setenv("BUNDLE_SIGNING_KEY_ID", "")

	cfg := Load()

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "INFO", cfg.LogLevel)
	assert.Equal(t, "HUB", cfg.InstanceCode)
	assert.Contains(t, cfg.MongoURI, "localhost")
	assert.Equal(t, 5*time.Minute, cfg.FederationSyncEvery)
	assert.Equal(t, 10, cfg.MaxConcurrentRequests)
	assert.Equal(t, 30*time.Second, cfg.HeartbeatInterval)
	assert.Equal(t, "hub-signing-1", cfg.BundleSigningKeyID)
	assert.NoError(t, cfg.Validate())
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("HUB_INSTANCE_CODE", "fra")
	t.Setenv("MONGODB_URI", "mongodb://db.internal:27017")
	t.Setenv("FEDERATION_SYNC_INTERVAL", "60")
	t.Setenv("MAX_CONCURRENT_REQUESTS", "25")
	t.Setenv("HEARTBEAT_INTERVAL_MS", "10000")

	cfg := Load()

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "FRA", cfg.InstanceCode)
	assert.Equal(t, "mongodb://db.internal:27017", cfg.MongoURI)
	assert.Equal(t, time.Minute, cfg.FederationSyncEvery)
	assert.Equal(t, 25, cfg.MaxConcurrentRequests)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
}

func TestLoadPeersFromEnviron(t *testing.T) {
	peers := loadPeers([]string{
		"USA_FEDERATION_ENDPOINT=https://usa.example.org",
		"DEU_FEDERATION_ENDPOINT=https://deu.example.org",
		"NOTACODE_FEDERATION_ENDPOINT=https://bad.example.org",
		"USA_FEDERATION_ENDPOINT_EXTRA=ignored",
		"PATH=/usr/bin",
	})

	require.Len(t, peers, 2)
	assert.Equal(t, Peer{Code: "USA", Endpoint: "https://usa.example.org"}, peers[0])
	assert.Equal(t, Peer{Code: "DEU", Endpoint: "https://deu.example.org"}, peers[1])
}

func TestValidateRejectsBadInstanceCode(t *testing.T) {
	cfg := &Config{MongoURI: "mongodb://localhost", InstanceCode: "TOOLONG"}
	assert.Error(t, cfg.Validate())
}

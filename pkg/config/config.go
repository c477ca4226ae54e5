// Package config loads hub configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Peer is one configured remote instance endpoint.
type Peer struct {
	Code     string
	Endpoint string
}

// Config holds the hub's runtime configuration.
type Config struct {
	Port         string
	LogLevel     string
	InstanceCode string

	MongoURI string
	MongoDB  string
	RedisURL string
	OTLPAddr string

	FederationJWTSecret   string
	FederationSyncEvery   time.Duration
	MaxConcurrentRequests int
	HeartbeatInterval     time.Duration
	BundleSigningKeyID    string
	PolicySourceDir       string
	DataPlaneURL          string
	DataPlaneToken        string

	Peers []Peer
}

const peerSuffix = "_FEDERATION_ENDPOINT"

// Load reads configuration from environment variables, applying
// defaults where the variable is unset.
func Load() *Config {
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	logLevel := os.Getenv("LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	instanceCode := strings.ToUpper(os.Getenv("HUB_INSTANCE_CODE"))
	if instanceCode == "" {
		instanceCode = "HUB"
	}

	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI == "" {
		mongoURI = "mongodb://localhost:27017"
	}
	mongoDB := os.Getenv("MONGODB_DATABASE")
	if mongoDB == "" {
		mongoDB = "fedhub"
	}

	syncEvery := 5 * time.Minute
	if raw := os.Getenv("FEDERATION_SYNC_INTERVAL"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			syncEvery = time.Duration(secs) * time.Second
		}
	}

	maxConcurrent := 10
	if raw := os.Getenv("MAX_CONCURRENT_REQUESTS"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			maxConcurrent = n
		}
	}

	heartbeat := 30 * time.Second
	if raw := os.Getenv("HEARTBEAT_INTERVAL_MS"); raw != "" {
		if ms, err := strconv.Atoi(raw); err == nil && ms > 0 {
			heartbeat = time.Duration(ms) * time.Millisecond
		}
	}

	keyID := os.Getenv("BUNDLE_SIGNING_KEY_ID")
	if keyID == "" {
		keyID = "hub-signing-1"
	}

	sourceDir := os.Getenv("POLICY_SOURCE_DIR")
	if sourceDir == "" {
		sourceDir = "./policies"
	}

	return &Config{
		Port:         port,
		LogLevel:     logLevel,
		InstanceCode: instanceCode,

		MongoURI: mongoURI,
		MongoDB:  mongoDB,
		RedisURL: os.Getenv("REDIS_URL"),
		OTLPAddr: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		FederationJWTSecret:   os.Getenv("FEDERATION_JWT_SECRET"),
		FederationSyncEvery:   syncEvery,
		MaxConcurrentRequests: maxConcurrent,
		HeartbeatInterval:     heartbeat,
		BundleSigningKeyID:    keyID,
		PolicySourceDir:       sourceDir,
		DataPlaneURL:          os.Getenv("DATA_PLANE_URL"),
		DataPlaneToken:        os.Getenv("DATA_PLANE_TOKEN"),

		Peers: loadPeers(os.Environ()),
	}
}

// loadPeers discovers peer endpoints from <CODE>_FEDERATION_ENDPOINT
// variables, e.g. USA_FEDERATION_ENDPOINT=https://usa.example.org.
func loadPeers(environ []string) []Peer {
	var peers []Peer
	for _, kv := range environ {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || value == "" || !strings.HasSuffix(key, peerSuffix) {
			continue
		}
		code := strings.TrimSuffix(key, peerSuffix)
		if len(code) != 3 {
			continue
		}
		peers = append(peers, Peer{Code: strings.ToUpper(code), Endpoint: value})
	}
	return peers
}

// Validate reports fatal configuration errors.
func (c *Config) Validate() error {
	if c.MongoURI == "" {
		return fmt.Errorf("MONGODB_URI must be set")
	}
	if len(c.InstanceCode) != 3 {
		return fmt.Errorf("HUB_INSTANCE_CODE %q is not alpha-3", c.InstanceCode)
	}
	return nil
}

package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the application.
type Config struct {
	// Hostname is the public hostname where this service is reachable (used for did:web).
	Hostname string

	// Port is the HTTP server port.
	Port int

	// PublisherDID is the DID of the account that published the feed generator record.
	PublisherDID string

	// FirehoseURL is the Jetstream WebSocket endpoint.
	FirehoseURL string

	// ReconnectDelay is how long to wait before redialing the firehose
	// after a connection error.
	ReconnectDelay time.Duration

	// PLCDirectoryURL is the PLC directory used for primary handle resolution.
	PLCDirectoryURL string

	// AppViewURL is the public AppView used as the resolution fallback.
	AppViewURL string

	// ResolverTimeout bounds the primary handle lookup.
	ResolverTimeout time.Duration

	// ResolverFallbackTimeout bounds the fallback lookup; it is shorter
	// than ResolverTimeout.
	ResolverFallbackTimeout time.Duration

	// ResolverNegativeTTL is how long a failed resolution is remembered.
	ResolverNegativeTTL time.Duration

	// LogFormat is "json" or "text".
	LogFormat string
}

// ServiceDID returns the did:web for this feed generator based on the hostname.
func (c *Config) ServiceDID() string {
	return "did:web:" + c.Hostname
}

// Load reads configuration from the environment with sensible defaults. A
// .env file in the working directory is loaded first if present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	port := 3000
	if p := os.Getenv("PORT"); p != "" {
		var err error
		port, err = strconv.Atoi(p)
		if err != nil {
			return nil, fmt.Errorf("invalid PORT: %w", err)
		}
	}

	hostname := envOrDefault("FEEDGEN_HOSTNAME", "localhost")

	publisherDID := os.Getenv("FEEDGEN_PUBLISHER_DID")
	if publisherDID == "" {
		return nil, fmt.Errorf("FEEDGEN_PUBLISHER_DID is required")
	}

	reconnectDelay, err := envDuration("FEEDGEN_RECONNECT_DELAY", 5*time.Second)
	if err != nil {
		return nil, err
	}
	resolverTimeout, err := envDuration("RESOLVER_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	fallbackTimeout, err := envDuration("RESOLVER_FALLBACK_TIMEOUT", 2*time.Second)
	if err != nil {
		return nil, err
	}
	negativeTTL, err := envDuration("RESOLVER_NEGATIVE_TTL", time.Minute)
	if err != nil {
		return nil, err
	}

	return &Config{
		Hostname:                hostname,
		Port:                    port,
		PublisherDID:            publisherDID,
		FirehoseURL:             envOrDefault("FEEDGEN_FIREHOSE_URL", "wss://jetstream1.us-east.bsky.network/subscribe"),
		ReconnectDelay:          reconnectDelay,
		PLCDirectoryURL:         envOrDefault("RESOLVER_PLC_URL", "https://plc.directory"),
		AppViewURL:              envOrDefault("RESOLVER_APPVIEW_URL", "https://public.api.bsky.app"),
		ResolverTimeout:         resolverTimeout,
		ResolverFallbackTimeout: fallbackTimeout,
		ResolverNegativeTTL:     negativeTTL,
		LogFormat:               envOrDefault("LOG_FORMAT", "json"),
	}, nil
}

func envOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

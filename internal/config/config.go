// Package config provides configuration for mcptap.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/xiaot623/mcptap/internal/domain"
)

// Config holds the mcptap configuration.
type Config struct {
	// Server settings
	HTTPPort int

	// Database
	DatabaseURL string

	// Call forwarding
	ForwardTimeout time.Duration

	// Recording
	MaxPayloadBytes int
	SinkQueueSize   int

	// Upstreams: inline JSON takes precedence over the file path.
	UpstreamsJSON string
	UpstreamsFile string

	// Recording policy (rego source); empty means the built-in default.
	PolicyFile string

	// Logging
	LogLevel string
}

// Load loads configuration from environment variables.
func Load() *Config {
	cfg := &Config{
		HTTPPort:        getEnvInt("HTTP_PORT", 8080),
		DatabaseURL:     getEnv("DATABASE_URL", "file:mcptap.db?cache=shared&mode=rwc"),
		ForwardTimeout:  time.Duration(getEnvInt("FORWARD_TIMEOUT_MS", 60000)) * time.Millisecond,
		MaxPayloadBytes: getEnvInt("MAX_PAYLOAD_BYTES", 4096),
		SinkQueueSize:   getEnvInt("SINK_QUEUE_SIZE", 1024),
		UpstreamsJSON:   getEnv("MCPTAP_UPSTREAMS_JSON", ""),
		UpstreamsFile:   getEnv("MCPTAP_UPSTREAMS", ""),
		PolicyFile:      getEnv("MCPTAP_POLICY", ""),
		LogLevel:        getEnv("LOG_LEVEL", "info"),
	}
	return cfg
}

// upstreamsDoc is the JSON document shape supplied by the host runtime
// configuration: {"upstreams": {"key": {...}, ...}} or a bare map.
type upstreamsDoc struct {
	Upstreams map[string]upstreamEntry `json:"upstreams"`
}

type upstreamEntry struct {
	Kind    string   `json:"kind,omitempty"`
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	URL     string   `json:"url,omitempty"`
}

// ParseUpstreams parses an upstream descriptor document. The transport
// kind may be omitted and is then inferred: url implies http, command
// implies stdio.
func ParseUpstreams(data []byte) (map[string]domain.Upstream, error) {
	var doc upstreamsDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse upstreams: %w", err)
	}
	entries := doc.Upstreams
	if entries == nil {
		// Accept a bare key->entry map as well.
		if err := json.Unmarshal(data, &entries); err != nil {
			return nil, fmt.Errorf("parse upstreams: %w", err)
		}
	}

	out := make(map[string]domain.Upstream, len(entries))
	for key, e := range entries {
		u := domain.Upstream{
			Key:     key,
			Kind:    domain.UpstreamKind(e.Kind),
			Command: e.Command,
			Args:    e.Args,
			URL:     e.URL,
		}
		if u.Kind == "" {
			if u.URL != "" {
				u.Kind = domain.UpstreamKindHTTP
			} else {
				u.Kind = domain.UpstreamKindStdio
			}
		}
		switch u.Kind {
		case domain.UpstreamKindStdio:
			if u.Command == "" {
				return nil, fmt.Errorf("upstream %q: stdio transport requires a command", key)
			}
		case domain.UpstreamKindHTTP:
			if u.URL == "" {
				return nil, fmt.Errorf("upstream %q: http transport requires a url", key)
			}
		default:
			return nil, fmt.Errorf("upstream %q: unknown transport kind %q", key, e.Kind)
		}
		out[key] = u
	}
	return out, nil
}

// LoadUpstreams resolves the configured upstream descriptors, preferring
// inline JSON over the file path. Returns an empty table when neither is
// configured (single-upstream mode is then unavailable until reload).
func (c *Config) LoadUpstreams() (map[string]domain.Upstream, error) {
	if c.UpstreamsJSON != "" {
		return ParseUpstreams([]byte(c.UpstreamsJSON))
	}
	if c.UpstreamsFile != "" {
		data, err := os.ReadFile(c.UpstreamsFile)
		if err != nil {
			return nil, fmt.Errorf("read upstreams file: %w", err)
		}
		return ParseUpstreams(data)
	}
	return map[string]domain.Upstream{}, nil
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

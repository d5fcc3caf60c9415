// Package config loads the accelerator's environment-driven configuration.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Config is the application's configuration, loaded from environment
// variables. Fractional and optional numeric knobs are stored as pointers
// so "unset" is distinguishable from "explicitly zero"; callers read them
// through the Get* accessors, which apply the documented default.
type Config struct {
	// Host is the interface the proxy and dashboard servers bind to.
	Host string
	// ProxyPort is the port the client-facing proxy listens on.
	ProxyPort int
	// DashboardPort is the port the dashboard HTTP/WS surface listens on.
	DashboardPort int
	// UpstreamBaseURL is the real API's base URL.
	UpstreamBaseURL string

	// Passthrough disables all substitution; every request is forwarded.
	Passthrough bool

	// CheckpointThreshold is the utilization fraction that starts a
	// background checkpoint. nil means default (0.70).
	CheckpointThreshold *float64
	// SwapThreshold is the utilization fraction that makes a checkpoint
	// swap-eligible. nil means default (0.80).
	SwapThreshold *float64

	// ConversationTTLSeconds is how long an idle conversation survives
	// before eviction. nil means default (7200).
	ConversationTTLSeconds *int
	// CompactTriggerTokens is the minimum token count a conversation must
	// have before CheckpointExecutor will attempt a summary. nil means
	// default (50000).
	CompactTriggerTokens *int
	// CheckpointTimeoutSeconds bounds a single checkpoint upstream call.
	// nil means default (120).
	CheckpointTimeoutSeconds *int

	// LogLevel is passed to logging.SetLogLevel.
	LogLevel string
	// LogFilePath is the rotating log file destination; empty disables
	// file logging.
	LogFilePath string
	// StateDBPath is the embedded sqlite file backing crash-survival
	// persistence.
	StateDBPath string
}

// GetCheckpointThreshold returns the checkpoint threshold, defaulting to 0.70.
func (c *Config) GetCheckpointThreshold() float64 {
	if c == nil || c.CheckpointThreshold == nil {
		return 0.70
	}
	return *c.CheckpointThreshold
}

// GetSwapThreshold returns the swap threshold, defaulting to 0.80.
func (c *Config) GetSwapThreshold() float64 {
	if c == nil || c.SwapThreshold == nil {
		return 0.80
	}
	return *c.SwapThreshold
}

// GetConversationTTL returns the idle-conversation TTL, defaulting to 2 hours.
func (c *Config) GetConversationTTL() time.Duration {
	if c == nil || c.ConversationTTLSeconds == nil {
		return 7200 * time.Second
	}
	return time.Duration(*c.ConversationTTLSeconds) * time.Second
}

// GetCompactTriggerTokens returns the minimum token count eligible for a
// checkpoint attempt, defaulting to 50000.
func (c *Config) GetCompactTriggerTokens() int {
	if c == nil || c.CompactTriggerTokens == nil {
		return 50000
	}
	return *c.CompactTriggerTokens
}

// GetCheckpointTimeout returns the per-checkpoint upstream call ceiling,
// defaulting to 120 seconds.
func (c *Config) GetCheckpointTimeout() time.Duration {
	if c == nil || c.CheckpointTimeoutSeconds == nil {
		return 120 * time.Second
	}
	return time.Duration(*c.CheckpointTimeoutSeconds) * time.Second
}

// Load reads the recognized environment variables into a Config, applying
// documented defaults for anything unset or unparseable. It does not read
// a .env file itself; callers that want local-dev .env support should call
// godotenv.Load before Load.
func Load() *Config {
	cfg := &Config{
		Host:            envOr("HOST", "127.0.0.1"),
		ProxyPort:       envInt("PROXY_PORT", 8090),
		DashboardPort:   envInt("DASHBOARD_PORT", 8091),
		UpstreamBaseURL: envOr("UPSTREAM_BASE_URL", ""),
		Passthrough:     envBool("PASSTHROUGH", false),
		LogLevel:        envOr("LOG_LEVEL", "info"),
		LogFilePath:     envOr("LOG_FILE_PATH", "./logs/proxy.log"),
		StateDBPath:     envOr("STATE_DB_PATH", "./data/proxypilot-state.db"),
	}
	if v, ok := envFloatPtr("CHECKPOINT_THRESHOLD"); ok {
		cfg.CheckpointThreshold = v
	}
	if v, ok := envFloatPtr("SWAP_THRESHOLD"); ok {
		cfg.SwapThreshold = v
	}
	if v, ok := envIntPtr("CONVERSATION_TTL_SECONDS"); ok {
		cfg.ConversationTTLSeconds = v
	}
	if v, ok := envIntPtr("COMPACT_TRIGGER_TOKENS"); ok {
		cfg.CompactTriggerTokens = v
	}
	if v, ok := envIntPtr("CHECKPOINT_TIMEOUT_SECONDS"); ok {
		cfg.CheckpointTimeoutSeconds = v
	}
	return cfg
}

func envOr(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(strings.TrimSpace(v))
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v, ok := os.LookupEnv(key)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.WithField("key", key).WithField("value", v).Warn("malformed integer env var, using default")
		return def
	}
	return n
}

func envIntPtr(key string) (*int, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil, false
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil {
		log.WithField("key", key).WithField("value", v).Warn("malformed integer env var, using default")
		return nil, false
	}
	return &n, true
}

func envFloatPtr(key string) (*float64, bool) {
	v, ok := os.LookupEnv(key)
	if !ok {
		return nil, false
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		log.WithField("key", key).WithField("value", v).Warn("malformed float env var, using default")
		return nil, false
	}
	return &f, true
}

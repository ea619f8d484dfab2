// Package config loads the gateway configuration from a YAML file with
// environment overrides. Every knob has a default; an empty config is a
// valid standalone gateway.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/AltairaLabs/agentgate/registry"
)

// EnvPrefix is the prefix for environment variable overrides.
const EnvPrefix = "AGENTGATE_"

// ServerConfig configures the gateway HTTP listener.
type ServerConfig struct {
	Addr string `yaml:"addr"`
}

// AgentDefaults are the worker tuning fallbacks applied when an agent's own
// tuning leaves a field unset.
type AgentDefaults struct {
	MaxInFlight      int `yaml:"maxInFlight"`
	FailureThreshold int `yaml:"failureThreshold"`
	FailureWindowMs  int `yaml:"failureWindowMs"`
	CooldownMs       int `yaml:"cooldownMs"`
	CallTimeoutMs    int `yaml:"callTimeoutMs"`
}

// PushConfig configures the webhook delivery engine.
type PushConfig struct {
	MaxAttempts    int `yaml:"maxAttempts"`
	RetryBaseMs    int `yaml:"retryBaseMs"`
	JWTTTLSeconds  int `yaml:"jwtTtlSeconds"`
	JWTSkewSeconds int `yaml:"jwtSkewSeconds"`
}

// HTTPConfig configures the shared outbound HTTP client.
type HTTPConfig struct {
	PoolSize int `yaml:"poolSize"`
}

// SubscriberConfig configures task-update subscribers.
type SubscriberConfig struct {
	QueueSize int `yaml:"queueSize"`
}

// ClusterConfig configures multi-node operation. An empty RedisAddr runs the
// gateway standalone.
type ClusterConfig struct {
	RedisAddr     string `yaml:"redisAddr"`
	NodeID        string `yaml:"nodeId"`
	AdvertiseAddr string `yaml:"advertiseAddr"`
	KeyPrefix     string `yaml:"keyPrefix"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// TracingConfig configures OTLP trace export. An empty endpoint disables
// span export; outbound requests still propagate incoming trace context.
type TracingConfig struct {
	OTLPEndpoint string `yaml:"otlpEndpoint"`
	ServiceName  string `yaml:"serviceName"`
}

// Config is the full gateway configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Agent      AgentDefaults    `yaml:"agent"`
	Push       PushConfig       `yaml:"push"`
	HTTP       HTTPConfig       `yaml:"http"`
	Subscriber SubscriberConfig `yaml:"subscriber"`
	Cluster    ClusterConfig    `yaml:"cluster"`
	Logging    LoggingConfig    `yaml:"logging"`
	Tracing    TracingConfig    `yaml:"tracing"`

	// Agents preloads the registry at boot. Each entry is validated the
	// same way agents.upsert validates.
	Agents []registry.Agent `yaml:"agents"`
}

// Default returns the configuration with every knob at its default.
func Default() *Config {
	cfg := &Config{}
	cfg.withDefaults()
	return cfg
}

// Load reads the YAML file at path, applies environment overrides, and fills
// defaults. An empty path skips the file and loads env plus defaults only.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	cfg.withDefaults()

	for i := range cfg.Agents {
		if err := cfg.Agents[i].Validate(); err != nil {
			return nil, fmt.Errorf("config: agents[%d]: %w", i, err)
		}
	}
	return cfg, nil
}

func (c *Config) withDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Agent.MaxInFlight <= 0 {
		c.Agent.MaxInFlight = 10
	}
	if c.Agent.FailureThreshold <= 0 {
		c.Agent.FailureThreshold = 5
	}
	if c.Agent.FailureWindowMs <= 0 {
		c.Agent.FailureWindowMs = 30000
	}
	if c.Agent.CooldownMs <= 0 {
		c.Agent.CooldownMs = 30000
	}
	if c.Agent.CallTimeoutMs <= 0 {
		c.Agent.CallTimeoutMs = 15000
	}
	if c.Push.MaxAttempts <= 0 {
		c.Push.MaxAttempts = 3
	}
	if c.Push.RetryBaseMs <= 0 {
		c.Push.RetryBaseMs = 200
	}
	if c.Push.JWTTTLSeconds <= 0 {
		c.Push.JWTTTLSeconds = 300
	}
	if c.Push.JWTSkewSeconds <= 0 {
		c.Push.JWTSkewSeconds = 120
	}
	if c.HTTP.PoolSize <= 0 {
		c.HTTP.PoolSize = 50
	}
	if c.Subscriber.QueueSize <= 0 {
		c.Subscriber.QueueSize = 64
	}
	if c.Cluster.NodeID == "" {
		if host, err := os.Hostname(); err == nil {
			c.Cluster.NodeID = host
		} else {
			c.Cluster.NodeID = "node-1"
		}
	}
	if c.Cluster.AdvertiseAddr == "" {
		c.Cluster.AdvertiseAddr = "localhost" + c.Server.Addr
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Tracing.ServiceName == "" {
		c.Tracing.ServiceName = "agentgate"
	}
}

// applyEnv overlays AGENTGATE_* environment variables onto the config.
func (c *Config) applyEnv() error {
	strs := map[string]*string{
		"SERVER_ADDR":            &c.Server.Addr,
		"CLUSTER_REDIS_ADDR":     &c.Cluster.RedisAddr,
		"CLUSTER_NODE_ID":        &c.Cluster.NodeID,
		"CLUSTER_ADVERTISE_ADDR": &c.Cluster.AdvertiseAddr,
		"CLUSTER_KEY_PREFIX":     &c.Cluster.KeyPrefix,
		"LOG_LEVEL":              &c.Logging.Level,
		"LOG_FORMAT":             &c.Logging.Format,
		"TRACING_OTLP_ENDPOINT":  &c.Tracing.OTLPEndpoint,
		"TRACING_SERVICE_NAME":   &c.Tracing.ServiceName,
	}
	for key, dst := range strs {
		if v := os.Getenv(EnvPrefix + key); v != "" {
			*dst = v
		}
	}

	ints := map[string]*int{
		"AGENT_MAX_IN_FLIGHT":     &c.Agent.MaxInFlight,
		"AGENT_FAILURE_THRESHOLD": &c.Agent.FailureThreshold,
		"AGENT_FAILURE_WINDOW_MS": &c.Agent.FailureWindowMs,
		"AGENT_COOLDOWN_MS":       &c.Agent.CooldownMs,
		"AGENT_CALL_TIMEOUT_MS":   &c.Agent.CallTimeoutMs,
		"PUSH_MAX_ATTEMPTS":       &c.Push.MaxAttempts,
		"PUSH_RETRY_BASE_MS":      &c.Push.RetryBaseMs,
		"PUSH_JWT_TTL_SECONDS":    &c.Push.JWTTTLSeconds,
		"PUSH_JWT_SKEW_SECONDS":   &c.Push.JWTSkewSeconds,
		"HTTP_POOL_SIZE":          &c.HTTP.PoolSize,
		"SUBSCRIBER_QUEUE_SIZE":   &c.Subscriber.QueueSize,
	}
	for key, dst := range ints {
		v := os.Getenv(EnvPrefix + key)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, key, err)
		}
		*dst = n
	}
	return nil
}

// CallTimeout returns the default per-call deadline as a duration.
func (c *Config) CallTimeout() time.Duration {
	return time.Duration(c.Agent.CallTimeoutMs) * time.Millisecond
}

// RetryBase returns the webhook backoff base as a duration.
func (c *Config) RetryBase() time.Duration {
	return time.Duration(c.Push.RetryBaseMs) * time.Millisecond
}

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

type Config struct {
	Call struct {
		RingTimeout         time.Duration `yaml:"ring_timeout"`
		Retention           time.Duration `yaml:"retention"`
		SweepInterval       time.Duration `yaml:"sweep_interval"`
		CandidatesPerSecond float64       `yaml:"candidates_per_second"`
	} `yaml:"call"`

	Signaling struct {
		RedisAddress  string `yaml:"redis_address"`
		RedisPassword string `yaml:"redis_password"`
		RedisDB       int    `yaml:"redis_db"`
		RedisPoolSize int    `yaml:"redis_pool_size"`
	} `yaml:"signaling"`

	WebRTC struct {
		ICEServers []struct {
			URLs       []string `yaml:"urls"`
			Username   string   `yaml:"username,omitempty"`
			Credential string   `yaml:"credential,omitempty"`
		} `yaml:"ice_servers"`
	} `yaml:"webrtc"`

	UIStream struct {
		Address      string        `yaml:"address"`
		PingInterval time.Duration `yaml:"ping_interval"`
	} `yaml:"uistream"`

	Monitoring struct {
		PrometheusEnabled bool `yaml:"prometheus_enabled"`
		PrometheusPort    int  `yaml:"prometheus_port"`
	} `yaml:"monitoring"`

	Logging struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`

	Tracing struct {
		Enabled    bool    `yaml:"enabled"`
		JaegerURL  string  `yaml:"jaeger_url"`
		SampleRate float64 `yaml:"sample_rate"`
	} `yaml:"tracing"`
}

// Validate checks that configuration values are within acceptable ranges.
func (c *Config) Validate() error {
	if c.Call.RingTimeout <= 0 {
		return fmt.Errorf("call.ring_timeout must be > 0")
	}
	if c.Call.Retention <= 0 {
		return fmt.Errorf("call.retention must be > 0")
	}
	if c.Call.SweepInterval <= 0 {
		return fmt.Errorf("call.sweep_interval must be > 0")
	}
	if c.Call.CandidatesPerSecond <= 0 {
		return fmt.Errorf("call.candidates_per_second must be > 0")
	}

	if c.Signaling.RedisAddress == "" {
		return fmt.Errorf("signaling.redis_address must not be empty")
	}
	if c.Signaling.RedisPoolSize <= 0 {
		return fmt.Errorf("signaling.redis_pool_size must be > 0")
	}

	if c.UIStream.Address == "" {
		return fmt.Errorf("uistream.address must not be empty")
	}
	if c.UIStream.PingInterval <= 0 {
		return fmt.Errorf("uistream.ping_interval must be > 0")
	}

	if c.Monitoring.PrometheusEnabled && c.Monitoring.PrometheusPort <= 0 {
		return fmt.Errorf("monitoring.prometheus_port must be > 0 when prometheus_enabled=true")
	}

	if c.Logging.Level == "" {
		return fmt.Errorf("logging.level must not be empty")
	}

	if c.Tracing.Enabled {
		if c.Tracing.JaegerURL == "" {
			return fmt.Errorf("tracing.jaeger_url must not be empty when tracing.enabled=true")
		}
		if c.Tracing.SampleRate <= 0 || c.Tracing.SampleRate > 1 {
			return fmt.Errorf("tracing.sample_rate must be in (0, 1]")
		}
	}

	return nil
}

// Load reads configuration from a YAML file, applies defaults and env
// overrides.
func Load(configPath string) (*Config, error) {
	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		cfg.applyEnvOverrides()
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config yaml: %w", err)
	}

	cfg.applyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// DefaultConfig returns configuration with sane defaults.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Call.RingTimeout = 45 * time.Second
	cfg.Call.Retention = 24 * time.Hour
	cfg.Call.SweepInterval = 30 * time.Second
	cfg.Call.CandidatesPerSecond = 20

	cfg.Signaling.RedisAddress = "localhost:6379"
	cfg.Signaling.RedisDB = 0
	cfg.Signaling.RedisPoolSize = 10

	cfg.UIStream.Address = ":8082"
	cfg.UIStream.PingInterval = 30 * time.Second

	cfg.Monitoring.PrometheusEnabled = true
	cfg.Monitoring.PrometheusPort = 9090

	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"

	cfg.Tracing.Enabled = false
	cfg.Tracing.JaegerURL = "http://localhost:14268/api/traces"
	cfg.Tracing.SampleRate = 1.0

	return cfg
}

func (c *Config) applyEnvOverrides() {
	if addr := os.Getenv("CALLKIT_REDIS_ADDRESS"); addr != "" {
		c.Signaling.RedisAddress = addr
	}
	if pass := os.Getenv("CALLKIT_REDIS_PASSWORD"); pass != "" {
		c.Signaling.RedisPassword = pass
	}
	if level := os.Getenv("CALLKIT_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}
	if addr := os.Getenv("CALLKIT_UISTREAM_ADDRESS"); addr != "" {
		c.UIStream.Address = addr
	}
}

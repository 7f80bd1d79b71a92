package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type AppConfig struct {
	App     AppSettings     `mapstructure:"app"`
	Session SessionSettings `mapstructure:"session"`
	Csrf    CsrfSettings    `mapstructure:"csrf"`
	Backend BackendSettings `mapstructure:"backend"`
	Marker  MarkerSettings  `mapstructure:"marker"`
	Redis   RedisSettings   `mapstructure:"redis"`
	Kafka   KafkaSettings   `mapstructure:"kafka"`
}

type AppSettings struct {
	Name string `mapstructure:"name"`
	Env  string `mapstructure:"env"`
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// SessionSettings configures the lifecycle manager's poll loop and renewal
// policy.
type SessionSettings struct {
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RenewThreshold float64       `mapstructure:"renew_threshold"`
	ExpiryWarning  time.Duration `mapstructure:"expiry_warning"`
	// Duration is the nominal session length used to derive the elapsed
	// fraction. The server-supplied expiry always wins.
	Duration time.Duration `mapstructure:"duration"`
}

// CsrfSettings configures the double-submit token cache.
type CsrfSettings struct {
	MaxAge time.Duration `mapstructure:"max_age"`
	// EndpointRate caps calls to the CSRF endpoints per minute, matching
	// the backend's documented limit so the client never trips it.
	EndpointRate int `mapstructure:"endpoint_rate"`
}

// BackendSettings configures the REST boundary client.
type BackendSettings struct {
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// MarkerSettings configures the persisted session marker.
type MarkerSettings struct {
	Path   string `mapstructure:"path"`
	Secret string `mapstructure:"secret"`
}

// RedisSettings configures the cross-context broadcast transport.
type RedisSettings struct {
	Enabled       bool   `mapstructure:"enabled"`
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	DB            int    `mapstructure:"db"`
	Password      string `mapstructure:"password"`
	TLSEnabled    bool   `mapstructure:"tls_enabled"`
	ChannelPrefix string `mapstructure:"channel_prefix"`
}

// KafkaSettings configures the audit event producer.
type KafkaSettings struct {
	Brokers     []string `mapstructure:"brokers"`
	TopicPrefix string   `mapstructure:"topic_prefix"`
	Async       bool     `mapstructure:"async"`
}

func Load() (*AppConfig, error) {
	v := viper.New()

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetEnvPrefix("CONSOLE")

	setDefaults(v)

	if err := bindEnvs(v, []string{
		"app.name",
		"app.env",
		"app.host",
		"app.port",
		"session.poll_interval",
		"session.renew_threshold",
		"session.expiry_warning",
		"session.duration",
		"csrf.max_age",
		"csrf.endpoint_rate",
		"backend.base_url",
		"backend.timeout",
		"marker.path",
		"marker.secret",
		"redis.enabled",
		"redis.host",
		"redis.port",
		"redis.db",
		"redis.password",
		"redis.tls_enabled",
		"redis.channel_prefix",
		"kafka.brokers",
		"kafka.topic_prefix",
		"kafka.async",
	}); err != nil {
		return nil, err
	}

	v.AutomaticEnv()

	var cfg AppConfig
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "console-agent")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.host", "127.0.0.1")
	v.SetDefault("app.port", 7678)

	v.SetDefault("session.poll_interval", "5m")
	v.SetDefault("session.renew_threshold", 0.5)
	v.SetDefault("session.expiry_warning", "5m")
	v.SetDefault("session.duration", "24h")

	v.SetDefault("csrf.max_age", "1h")
	v.SetDefault("csrf.endpoint_rate", 10)

	v.SetDefault("backend.base_url", "http://localhost:8080")
	v.SetDefault("backend.timeout", "30s")

	v.SetDefault("marker.path", ".console-session")
	v.SetDefault("marker.secret", "")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.tls_enabled", false)
	v.SetDefault("redis.channel_prefix", "console:session")

	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic_prefix", "console")
	v.SetDefault("kafka.async", true)
}

func bindEnvs(v *viper.Viper, keys []string) error {
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return fmt.Errorf("bind env %s: %w", key, err)
		}
	}
	return nil
}

// Validate rejects configurations the lifecycle manager cannot operate on.
func (c *AppConfig) Validate() error {
	if c.Session.PollInterval <= 0 {
		return fmt.Errorf("session.poll_interval must be positive")
	}
	if c.Session.RenewThreshold <= 0 || c.Session.RenewThreshold >= 1 {
		return fmt.Errorf("session.renew_threshold must be in (0, 1)")
	}
	if c.Session.Duration <= 0 {
		return fmt.Errorf("session.duration must be positive")
	}
	if c.Csrf.MaxAge <= 0 {
		return fmt.Errorf("csrf.max_age must be positive")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}
	return nil
}

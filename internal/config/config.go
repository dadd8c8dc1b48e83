// Package config loads and validates rotator configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/proxy-session-rotator/internal/rotation"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server          ServerConfig      `mapstructure:"server"`
	Auth            AuthConfig        `mapstructure:"auth"`
	Rotation        RotationConfig    `mapstructure:"rotation"`
	Proxy           ProxyConfig       `mapstructure:"proxy"`
	HTTP            HTTPConfig        `mapstructure:"http"`
	Headless        HeadlessConfig    `mapstructure:"headless"`
	Workers         WorkersConfig     `mapstructure:"workers"`
	Storage         StorageConfig     `mapstructure:"storage"`
	DB              DBConfig          `mapstructure:"db"`
	PubSub          PubSubConfig      `mapstructure:"pubsub"`
	Publisher       PublisherConfig   `mapstructure:"publisher"`
	RateLimit       RateLimitConfig   `mapstructure:"rate_limit"`
	Bypass          BypassConfig      `mapstructure:"bypass"`
	Detector        DetectorConfig    `mapstructure:"detector"`
	Logging         LoggingConfig     `mapstructure:"logging"`
	Progress        ProgressConfig    `mapstructure:"progress"`
	StandardTargets map[string]Target `mapstructure:"standard_targets"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// RotationConfig governs the session pool and rotation engine.
type RotationConfig struct {
	MaxSessions        int    `mapstructure:"max_sessions"`
	RotationInterval   int    `mapstructure:"rotation_interval"`
	Policy             string `mapstructure:"policy"`
	AcquireTimeoutSec  int    `mapstructure:"acquire_timeout_seconds"`
	MaxRetries         int    `mapstructure:"max_retries"`
	BlacklistThreshold int    `mapstructure:"blacklist_threshold"`
	BlacklistMinutes   int    `mapstructure:"blacklist_minutes"`
	Seed               int64  `mapstructure:"seed"`
	SweepSeconds       int    `mapstructure:"sweep_seconds"`
}

// ProxyConfig holds the rotation endpoint credentials. All fields also bind
// to the provider's conventional BRIGHTDATA_* environment variables.
type ProxyConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Zone     string `mapstructure:"zone"`
	Country  string `mapstructure:"country"`
}

// HTTPConfig configures the plain-HTTP transport.
type HTTPConfig struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
	MaxBodyBytes   int `mapstructure:"max_body_bytes"`
}

// HeadlessConfig configures the headless rendering transport.
type HeadlessConfig struct {
	Enabled       bool `mapstructure:"enabled"`
	MaxParallel   int  `mapstructure:"max_parallel"`
	NavTimeoutSec int  `mapstructure:"nav_timeout_seconds"`
}

// WorkersConfig sizes the dispatch loop.
type WorkersConfig struct {
	Count         int `mapstructure:"count"`
	QueueCapacity int `mapstructure:"queue_capacity"`
}

// StorageConfig selects and configures the artifact blob store.
type StorageConfig struct {
	// Backend is one of "memory", "local" or "gcs".
	Backend     string `mapstructure:"backend"`
	GCSBucket   string `mapstructure:"gcs_bucket"`
	LocalDir    string `mapstructure:"local_dir"`
	Prefix      string `mapstructure:"prefix"`
	ContentType string `mapstructure:"content_type"`
}

// DBConfig controls access to the relational database. An empty DSN keeps
// run bookkeeping in memory.
type DBConfig struct {
	DSN             string `mapstructure:"dsn"`
	SessionTable    string `mapstructure:"session_table"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	ConnLifetimeMin int    `mapstructure:"conn_lifetime_minutes"`
}

// PubSubConfig holds the queue's Pub/Sub coordinates. An empty project ID
// keeps the dispatch queue in memory.
type PubSubConfig struct {
	ProjectID      string `mapstructure:"project_id"`
	TopicID        string `mapstructure:"topic_id"`
	SubscriptionID string `mapstructure:"subscription_id"`
	MaxOutstanding int    `mapstructure:"max_outstanding"`
}

// PublisherConfig names the topic for completed-dispatch notifications. An
// empty topic disables publishing.
type PublisherConfig struct {
	Topic string `mapstructure:"topic"`
}

// RateLimitConfig paces outbound dispatches per host.
type RateLimitConfig struct {
	RPS        float64 `mapstructure:"rps"`
	Burst      int     `mapstructure:"burst"`
	MaxPerHost int     `mapstructure:"max_per_host"`
}

// BypassConfig lists path basenames that skip session acquisition.
type BypassConfig struct {
	Names []string `mapstructure:"names"`
}

// DetectorConfig tunes the soft-block heuristics applied to response bodies.
type DetectorConfig struct {
	MinBodyBytes int      `mapstructure:"min_body_bytes"`
	Markers      []string `mapstructure:"markers"`
	Keywords     []string `mapstructure:"keywords"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// ProgressConfig sizes the progress event hub.
type ProgressConfig struct {
	BufferSize   int `mapstructure:"buffer_size"`
	BatchSize    int `mapstructure:"batch_size"`
	FlushSeconds int `mapstructure:"flush_seconds"`
}

// Target describes a named preset of dispatch requests submittable in one
// call via the standard-targets API.
type Target struct {
	URLs        []string          `mapstructure:"urls"`
	Method      string            `mapstructure:"method"`
	UseHeadless bool              `mapstructure:"use_headless"`
	Headers     map[string]string `mapstructure:"headers"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ROTATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	bindProxyEnv(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	} else {
		// No explicit path: search the conventional locations and fall
		// back to defaults plus environment when nothing is found.
		v.SetConfigName("config")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/rotator/")
		v.AddConfigPath("$HOME/.rotator")
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return Config{}, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("rotation.max_sessions", 5)
	v.SetDefault("rotation.rotation_interval", 10)
	v.SetDefault("rotation.policy", rotation.PolicyRoundRobin)
	v.SetDefault("rotation.acquire_timeout_seconds", 30)
	v.SetDefault("rotation.max_retries", 3)
	v.SetDefault("rotation.blacklist_threshold", 3)
	v.SetDefault("rotation.blacklist_minutes", 30)
	v.SetDefault("rotation.sweep_seconds", 60)
	v.SetDefault("proxy.host", "brd.superproxy.io")
	v.SetDefault("proxy.port", 33335)
	v.SetDefault("http.timeout_seconds", 30)
	v.SetDefault("http.max_body_bytes", 10*1024*1024)
	v.SetDefault("headless.enabled", false)
	v.SetDefault("headless.max_parallel", 2)
	v.SetDefault("headless.nav_timeout_seconds", 45)
	v.SetDefault("workers.count", 4)
	v.SetDefault("workers.queue_capacity", 256)
	v.SetDefault("storage.backend", "memory")
	v.SetDefault("storage.local_dir", "data/artifacts")
	v.SetDefault("storage.prefix", "pages")
	v.SetDefault("storage.content_type", "text/html; charset=utf-8")
	v.SetDefault("db.session_table", "run_sessions")
	v.SetDefault("db.max_conns", 8)
	v.SetDefault("db.min_conns", 2)
	v.SetDefault("db.conn_lifetime_minutes", 30)
	v.SetDefault("pubsub.max_outstanding", 16)
	v.SetDefault("rate_limit.rps", 2.0)
	v.SetDefault("rate_limit.burst", 4)
	v.SetDefault("rate_limit.max_per_host", 1024)
	v.SetDefault("bypass.names", []string{"robots.txt", "favicon.ico", "sitemap.xml"})
	v.SetDefault("detector.min_body_bytes", 512)
	v.SetDefault("logging.development", false)
	v.SetDefault("progress.buffer_size", 256)
	v.SetDefault("progress.batch_size", 16)
	v.SetDefault("progress.flush_seconds", 2)
}

// bindProxyEnv accepts the proxy provider's conventional variable names
// alongside the ROTATOR_ prefixed ones.
func bindProxyEnv(v *viper.Viper) {
	_ = v.BindEnv("proxy.enabled", "ROTATOR_PROXY_ENABLED", "USE_PROXIES")
	_ = v.BindEnv("proxy.host", "ROTATOR_PROXY_HOST", "BRIGHTDATA_ENDPOINT")
	_ = v.BindEnv("proxy.port", "ROTATOR_PROXY_PORT", "BRIGHTDATA_PORT")
	_ = v.BindEnv("proxy.username", "ROTATOR_PROXY_USERNAME", "BRIGHTDATA_USERNAME")
	_ = v.BindEnv("proxy.password", "ROTATOR_PROXY_PASSWORD", "BRIGHTDATA_PASSWORD")
	_ = v.BindEnv("proxy.zone", "ROTATOR_PROXY_ZONE", "BRIGHTDATA_ZONE")
	_ = v.BindEnv("proxy.country", "ROTATOR_PROXY_COUNTRY", "BRIGHTDATA_COUNTRY")
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Rotation.MaxSessions <= 0 {
		return fmt.Errorf("rotation.max_sessions must be > 0")
	}
	if c.Rotation.MaxRetries < 0 {
		return fmt.Errorf("rotation.max_retries must be >= 0")
	}
	switch c.Rotation.Policy {
	case rotation.PolicyRoundRobin, rotation.PolicyWeighted, rotation.PolicyRandom:
	default:
		return fmt.Errorf("rotation.policy must be one of roundRobin, weighted, random")
	}
	if c.Proxy.Enabled && (c.Proxy.Username == "" || c.Proxy.Password == "") {
		return fmt.Errorf("proxy.username and proxy.password must be set when the proxy is enabled")
	}
	if c.HTTP.TimeoutSeconds <= 0 {
		return fmt.Errorf("http.timeout_seconds must be > 0")
	}
	if c.Headless.Enabled && c.Headless.MaxParallel <= 0 {
		return fmt.Errorf("headless.max_parallel must be > 0 when headless is enabled")
	}
	if c.Workers.Count <= 0 {
		return fmt.Errorf("workers.count must be > 0")
	}
	switch c.Storage.Backend {
	case "memory", "local":
	case "gcs":
		if c.Storage.GCSBucket == "" {
			return fmt.Errorf("storage.gcs_bucket must be set when storage.backend is gcs")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, local, gcs")
	}
	if c.PubSub.ProjectID != "" && (c.PubSub.TopicID == "" || c.PubSub.SubscriptionID == "") {
		return fmt.Errorf("pubsub.topic_id and pubsub.subscription_id must be set when pubsub.project_id is set")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	return nil
}

// EngineConfig converts the rotation section into engine settings.
func (c Config) EngineConfig() rotation.Config {
	return rotation.Config{
		MaxSessions:        c.Rotation.MaxSessions,
		RotationInterval:   c.Rotation.RotationInterval,
		Policy:             c.Rotation.Policy,
		AcquisitionTimeout: time.Duration(c.Rotation.AcquireTimeoutSec) * time.Second,
		MaxRetries:         c.Rotation.MaxRetries,
		BlacklistThreshold: c.Rotation.BlacklistThreshold,
		BlacklistDuration:  time.Duration(c.Rotation.BlacklistMinutes) * time.Minute,
		Seed:               c.Rotation.Seed,
		SweepInterval:      time.Duration(c.Rotation.SweepSeconds) * time.Second,
	}
}

// ProxyCredential converts the proxy section into the shared credential all
// sessions derive from.
func (c Config) ProxyCredential() rotation.Credential {
	return rotation.Credential{
		Host:     c.Proxy.Host,
		Port:     c.Proxy.Port,
		Username: c.Proxy.Username,
		Password: c.Proxy.Password,
		Zone:     c.Proxy.Zone,
		Country:  c.Proxy.Country,
	}
}

// HTTPTimeout exposes the transport timeout as a duration.
func (c Config) HTTPTimeout() time.Duration {
	return time.Duration(c.HTTP.TimeoutSeconds) * time.Second
}

// NavTimeout exposes the headless navigation timeout as a duration.
func (c Config) NavTimeout() time.Duration {
	return time.Duration(c.Headless.NavTimeoutSec) * time.Second
}

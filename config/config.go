package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	InstanceConfig       InstanceConfig       `json:"instance"`
	BrokerConfig         BrokerConfig         `json:"broker"`
	CoordinatorConfig    CoordinatorConfig    `json:"coordinator"`
	CircuitBreakerConfig CircuitBreakerConfig `json:"circuit_breaker"`
	DegradationConfig    DegradationConfig    `json:"degradation"`
	CacheConfig          CacheConfig          `json:"cache"`
	AlertingConfig       AlertingConfig       `json:"alerting"`
	LoggingConfig        LoggingConfig        `json:"logging"`
	MetricsConfig        MetricsConfig        `json:"metrics"`
	// Service plumbing
	ServerConfig   ServerConfig   `json:"server"`
	AuthConfig     AuthConfig     `json:"auth"`
	VaultConfig    VaultConfig    `json:"vault"`
	RedisConfig    RedisConfig    `json:"redis"`
	DatabaseConfig DatabaseConfig `json:"database"`
}

// InstanceConfig identifies this instance within the cluster
type InstanceConfig struct {
	ID         string  `json:"id"`          // Unique instance ID (generated if empty)
	Hostname   string  `json:"hostname"`    // Defaults to os.Hostname()
	Region     string  `json:"region"`      // Deployment region label
	Version    string  `json:"version"`     // Build version label
	LoadFactor float64 `json:"load_factor"` // Relative weight for weighted voting
}

// BrokerConfig holds broker API configuration
type BrokerConfig struct {
	APIToken    string `json:"api_token"`
	AccountID   string `json:"account_id"`
	BaseURL     string `json:"base_url"`
	Environment string `json:"environment"` // "practice" or "live"
	Timeout     int    `json:"timeout"`     // Request timeout in seconds
	MockMode    bool   `json:"mock_mode"`   // Use simulated broker when API is unavailable
}

// CoordinatorConfig holds distributed coordination configuration
type CoordinatorConfig struct {
	Enabled            bool   `json:"enabled"`
	HeartbeatInterval  int    `json:"heartbeat_interval"`   // Seconds between heartbeats
	CleanupInterval    int    `json:"cleanup_interval"`     // Seconds between stale-instance sweeps
	InstanceTimeout    int    `json:"instance_timeout"`     // Seconds before a silent peer is dropped
	DecisionRetention  int    `json:"decision_retention"`   // Seconds to keep decision history
	VoteTimeout        int    `json:"vote_timeout"`         // Seconds to wait for peer votes
	VotePollMillis     int    `json:"vote_poll_millis"`     // Milliseconds between vote polls
	VotingStrategy     string `json:"voting_strategy"`      // "majority" or "weighted"
	PeerFailureVoteMin int    `json:"peer_failure_vote_min"` // Local failures before agreeing to open
}

// CircuitBreakerConfig holds per-resource circuit breaker configuration
type CircuitBreakerConfig struct {
	Enabled          bool `json:"enabled"`
	FailureThreshold int  `json:"failure_threshold"` // Consecutive failures before opening
	CooldownSeconds  int  `json:"cooldown_seconds"`  // Open duration before half-open probe
	HalfOpenProbes   int  `json:"half_open_probes"`  // Successes needed to close from half-open
}

// DegradationConfig holds graceful degradation configuration
type DegradationConfig struct {
	Enabled             bool     `json:"enabled"`
	AutoRecovery        bool     `json:"auto_recovery"`
	CriticalServices    []string `json:"critical_services"`     // Services whose joint failure is cascading
	CascadeWindowSecs   int      `json:"cascade_window_secs"`   // Recent-failure window for cascade detection
	CascadeMinErrors    int      `json:"cascade_min_errors"`    // Error count for a service to join a cascade
	FullRecoveryRatio   float64  `json:"full_recovery_ratio"`   // Healthy fraction for full recovery
	PartialRecoveryRatio float64 `json:"partial_recovery_ratio"` // Healthy fraction for partial recovery
	// Auto-recovery delay per level, minutes
	RateLimitedRecoveryMins int `json:"rate_limited_recovery_mins"`
	CachedDataRecoveryMins  int `json:"cached_data_recovery_mins"`
	ReadOnlyRecoveryMins    int `json:"read_only_recovery_mins"`
	EmergencyRecoveryMins   int `json:"emergency_recovery_mins"`
	// Fallback cache TTL per level, minutes
	RateLimitedCacheTTLMins int `json:"rate_limited_cache_ttl_mins"`
	CachedDataCacheTTLMins  int `json:"cached_data_cache_ttl_mins"`
	ReadOnlyCacheTTLMins    int `json:"read_only_cache_ttl_mins"`
	EmergencyCacheTTLMins   int `json:"emergency_cache_ttl_mins"`
	// Permitted operations per level name. Levels absent from the map
	// allow everything; nil falls back to the built-in tables.
	AllowedOperations map[string][]string `json:"allowed_operations,omitempty"`
}

// CacheConfig holds fallback cache configuration
type CacheConfig struct {
	Backend    string `json:"backend"`     // "memory" or "redis"
	DefaultTTL int    `json:"default_ttl"` // Base TTL in seconds
	KeyPrefix  string `json:"key_prefix"`  // Prefix for redis keys
}

// AlertingConfig holds alert sink configuration
type AlertingConfig struct {
	Enabled        bool          `json:"enabled"`
	MinSeverity    string        `json:"min_severity"`    // "info", "warning", "critical", "emergency"
	RepeatInterval int           `json:"repeat_interval"` // Seconds before re-sending an identical alert
	Slack          SlackConfig   `json:"slack"`
	Webhook        WebhookConfig `json:"webhook"`
}

type SlackConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
	Channel    string `json:"channel"`
}

type WebhookConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

type LoggingConfig struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Output     string `json:"output"`      // stdout, stderr, or file path
	JSONFormat bool   `json:"json_format"` // JSON output; console writer otherwise
	IncludeCaller bool `json:"include_caller"` // Include file:line
}

// MetricsConfig holds Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"` // Scrape endpoint path
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Enabled         bool   `json:"enabled"`
	Port            int    `json:"port"`
	Host            string `json:"host"`
	AllowedOrigins  string `json:"allowed_origins"` // CORS allowed origins
	ReadTimeout     int    `json:"read_timeout"`    // Seconds
	WriteTimeout    int    `json:"write_timeout"`   // Seconds
	ShutdownTimeout int    `json:"shutdown_timeout"` // Seconds
}

// AuthConfig holds admin API authentication configuration
type AuthConfig struct {
	Enabled             bool          `json:"enabled"`
	JWTSecret           string        `json:"jwt_secret"`
	AdminUsername       string        `json:"admin_username"`
	AdminPasswordHash   string        `json:"admin_password_hash"` // bcrypt hash
	AccessTokenDuration time.Duration `json:"access_token_duration"`
}

// VaultConfig holds HashiCorp Vault configuration
type VaultConfig struct {
	Enabled    bool   `json:"enabled"`
	Address    string `json:"address"`
	Token      string `json:"token"`
	MountPath  string `json:"mount_path"`  // KV secrets engine mount path
	SecretPath string `json:"secret_path"` // Path prefix for broker credentials
	TLSEnabled bool   `json:"tls_enabled"`
	CACert     string `json:"ca_cert"`
}

// RedisConfig holds Redis configuration for the message bus and shared cache
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// DatabaseConfig holds Postgres configuration for decision history
type DatabaseConfig struct {
	Enabled bool   `json:"enabled"`
	URL     string `json:"url"`
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile("config.json")
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)

	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Note: BROKER_API_TOKEN is read from the environment only when Vault is
// disabled; with Vault enabled, credentials come from the secrets engine.
func applyEnvOverrides(cfg *Config) {
	// Instance config
	cfg.InstanceConfig.ID = getEnvOrDefault("INSTANCE_ID", cfg.InstanceConfig.ID)
	cfg.InstanceConfig.Hostname = getEnvOrDefault("INSTANCE_HOSTNAME", cfg.InstanceConfig.Hostname)
	if cfg.InstanceConfig.Hostname == "" {
		if hn, err := os.Hostname(); err == nil {
			cfg.InstanceConfig.Hostname = hn
		}
	}
	cfg.InstanceConfig.Region = getEnvOrDefault("INSTANCE_REGION", cfg.InstanceConfig.Region)
	cfg.InstanceConfig.Version = getEnvOrDefault("INSTANCE_VERSION", cfg.InstanceConfig.Version)
	cfg.InstanceConfig.LoadFactor = getEnvFloatOrDefault("INSTANCE_LOAD_FACTOR", defaultFloat(cfg.InstanceConfig.LoadFactor, 1.0))

	// Broker config
	cfg.BrokerConfig.APIToken = getEnvOrDefault("BROKER_API_TOKEN", cfg.BrokerConfig.APIToken)
	cfg.BrokerConfig.AccountID = getEnvOrDefault("BROKER_ACCOUNT_ID", cfg.BrokerConfig.AccountID)
	cfg.BrokerConfig.BaseURL = getEnvOrDefault("BROKER_BASE_URL", cfg.BrokerConfig.BaseURL)
	if cfg.BrokerConfig.BaseURL == "" {
		cfg.BrokerConfig.BaseURL = "https://api-fxpractice.oanda.com"
	}
	cfg.BrokerConfig.Environment = getEnvOrDefault("BROKER_ENVIRONMENT", defaultString(cfg.BrokerConfig.Environment, "practice"))
	cfg.BrokerConfig.Timeout = getEnvIntOrDefault("BROKER_TIMEOUT", defaultInt(cfg.BrokerConfig.Timeout, 10))
	cfg.BrokerConfig.MockMode = getEnvOrDefault("BROKER_MOCK_MODE", "false") == "true"

	// Coordinator config
	cfg.CoordinatorConfig.Enabled = getEnvOrDefault("COORDINATOR_ENABLED", "true") == "true"
	cfg.CoordinatorConfig.HeartbeatInterval = getEnvIntOrDefault("COORDINATOR_HEARTBEAT_INTERVAL", defaultInt(cfg.CoordinatorConfig.HeartbeatInterval, 30))
	cfg.CoordinatorConfig.CleanupInterval = getEnvIntOrDefault("COORDINATOR_CLEANUP_INTERVAL", defaultInt(cfg.CoordinatorConfig.CleanupInterval, 60))
	cfg.CoordinatorConfig.InstanceTimeout = getEnvIntOrDefault("COORDINATOR_INSTANCE_TIMEOUT", defaultInt(cfg.CoordinatorConfig.InstanceTimeout, 120))
	cfg.CoordinatorConfig.DecisionRetention = getEnvIntOrDefault("COORDINATOR_DECISION_RETENTION", defaultInt(cfg.CoordinatorConfig.DecisionRetention, 3600))
	cfg.CoordinatorConfig.VoteTimeout = getEnvIntOrDefault("COORDINATOR_VOTE_TIMEOUT", defaultInt(cfg.CoordinatorConfig.VoteTimeout, 10))
	cfg.CoordinatorConfig.VotePollMillis = getEnvIntOrDefault("COORDINATOR_VOTE_POLL_MILLIS", defaultInt(cfg.CoordinatorConfig.VotePollMillis, 100))
	cfg.CoordinatorConfig.VotingStrategy = getEnvOrDefault("COORDINATOR_VOTING_STRATEGY", defaultString(cfg.CoordinatorConfig.VotingStrategy, "majority"))
	cfg.CoordinatorConfig.PeerFailureVoteMin = getEnvIntOrDefault("COORDINATOR_PEER_FAILURE_VOTE_MIN", defaultInt(cfg.CoordinatorConfig.PeerFailureVoteMin, 2))

	// Circuit breaker config
	cfg.CircuitBreakerConfig.Enabled = getEnvOrDefault("CIRCUIT_BREAKER_ENABLED", "true") == "true"
	cfg.CircuitBreakerConfig.FailureThreshold = getEnvIntOrDefault("CIRCUIT_FAILURE_THRESHOLD", defaultInt(cfg.CircuitBreakerConfig.FailureThreshold, 5))
	cfg.CircuitBreakerConfig.CooldownSeconds = getEnvIntOrDefault("CIRCUIT_COOLDOWN_SECONDS", defaultInt(cfg.CircuitBreakerConfig.CooldownSeconds, 60))
	cfg.CircuitBreakerConfig.HalfOpenProbes = getEnvIntOrDefault("CIRCUIT_HALF_OPEN_PROBES", defaultInt(cfg.CircuitBreakerConfig.HalfOpenProbes, 1))

	// Degradation config
	cfg.DegradationConfig.Enabled = getEnvOrDefault("DEGRADATION_ENABLED", "true") == "true"
	cfg.DegradationConfig.AutoRecovery = getEnvOrDefault("DEGRADATION_AUTO_RECOVERY", "true") == "true"
	if len(cfg.DegradationConfig.CriticalServices) == 0 {
		cfg.DegradationConfig.CriticalServices = []string{"oanda_api", "pricing_stream", "order_execution"}
	}
	cfg.DegradationConfig.CascadeWindowSecs = getEnvIntOrDefault("DEGRADATION_CASCADE_WINDOW", defaultInt(cfg.DegradationConfig.CascadeWindowSecs, 300))
	cfg.DegradationConfig.CascadeMinErrors = getEnvIntOrDefault("DEGRADATION_CASCADE_MIN_ERRORS", defaultInt(cfg.DegradationConfig.CascadeMinErrors, 3))
	cfg.DegradationConfig.FullRecoveryRatio = getEnvFloatOrDefault("DEGRADATION_FULL_RECOVERY_RATIO", defaultFloat(cfg.DegradationConfig.FullRecoveryRatio, 0.8))
	cfg.DegradationConfig.PartialRecoveryRatio = getEnvFloatOrDefault("DEGRADATION_PARTIAL_RECOVERY_RATIO", defaultFloat(cfg.DegradationConfig.PartialRecoveryRatio, 0.6))
	cfg.DegradationConfig.RateLimitedRecoveryMins = defaultInt(cfg.DegradationConfig.RateLimitedRecoveryMins, 5)
	cfg.DegradationConfig.CachedDataRecoveryMins = defaultInt(cfg.DegradationConfig.CachedDataRecoveryMins, 15)
	cfg.DegradationConfig.ReadOnlyRecoveryMins = defaultInt(cfg.DegradationConfig.ReadOnlyRecoveryMins, 30)
	cfg.DegradationConfig.EmergencyRecoveryMins = defaultInt(cfg.DegradationConfig.EmergencyRecoveryMins, 60)
	cfg.DegradationConfig.RateLimitedCacheTTLMins = defaultInt(cfg.DegradationConfig.RateLimitedCacheTTLMins, 10)
	cfg.DegradationConfig.CachedDataCacheTTLMins = defaultInt(cfg.DegradationConfig.CachedDataCacheTTLMins, 30)
	cfg.DegradationConfig.ReadOnlyCacheTTLMins = defaultInt(cfg.DegradationConfig.ReadOnlyCacheTTLMins, 60)
	cfg.DegradationConfig.EmergencyCacheTTLMins = defaultInt(cfg.DegradationConfig.EmergencyCacheTTLMins, 120)

	// Cache config
	cfg.CacheConfig.Backend = getEnvOrDefault("CACHE_BACKEND", defaultString(cfg.CacheConfig.Backend, "memory"))
	cfg.CacheConfig.DefaultTTL = getEnvIntOrDefault("CACHE_DEFAULT_TTL", defaultInt(cfg.CacheConfig.DefaultTTL, 300))
	cfg.CacheConfig.KeyPrefix = getEnvOrDefault("CACHE_KEY_PREFIX", defaultString(cfg.CacheConfig.KeyPrefix, "resilience"))

	// Alerting config
	cfg.AlertingConfig.Enabled = getEnvOrDefault("ALERTING_ENABLED", "true") == "true"
	cfg.AlertingConfig.MinSeverity = getEnvOrDefault("ALERTING_MIN_SEVERITY", defaultString(cfg.AlertingConfig.MinSeverity, "warning"))
	cfg.AlertingConfig.RepeatInterval = getEnvIntOrDefault("ALERTING_REPEAT_INTERVAL", defaultInt(cfg.AlertingConfig.RepeatInterval, 300))
	cfg.AlertingConfig.Slack.Enabled = getEnvOrDefault("SLACK_ENABLED", "false") == "true"
	cfg.AlertingConfig.Slack.WebhookURL = getEnvOrDefault("SLACK_WEBHOOK_URL", cfg.AlertingConfig.Slack.WebhookURL)
	cfg.AlertingConfig.Slack.Channel = getEnvOrDefault("SLACK_CHANNEL", cfg.AlertingConfig.Slack.Channel)
	cfg.AlertingConfig.Webhook.Enabled = getEnvOrDefault("ALERT_WEBHOOK_ENABLED", "false") == "true"
	cfg.AlertingConfig.Webhook.URL = getEnvOrDefault("ALERT_WEBHOOK_URL", cfg.AlertingConfig.Webhook.URL)

	// Logging config
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", defaultString(cfg.LoggingConfig.Level, "info"))
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", defaultString(cfg.LoggingConfig.Output, "stdout"))
	cfg.LoggingConfig.JSONFormat = getEnvOrDefault("LOG_JSON", "true") == "true"
	cfg.LoggingConfig.IncludeCaller = getEnvOrDefault("LOG_INCLUDE_CALLER", "false") == "true"

	// Metrics config
	cfg.MetricsConfig.Enabled = getEnvOrDefault("METRICS_ENABLED", "true") == "true"
	cfg.MetricsConfig.Path = getEnvOrDefault("METRICS_PATH", defaultString(cfg.MetricsConfig.Path, "/metrics"))

	// Server config
	cfg.ServerConfig.Enabled = getEnvOrDefault("SERVER_ENABLED", "true") == "true"
	cfg.ServerConfig.Port = getEnvIntOrDefault("WEB_PORT", defaultInt(cfg.ServerConfig.Port, 8080))
	cfg.ServerConfig.Host = getEnvOrDefault("WEB_HOST", defaultString(cfg.ServerConfig.Host, "0.0.0.0"))
	cfg.ServerConfig.AllowedOrigins = getEnvOrDefault("SERVER_ALLOWED_ORIGINS", defaultString(cfg.ServerConfig.AllowedOrigins, "*"))
	cfg.ServerConfig.ReadTimeout = getEnvIntOrDefault("SERVER_READ_TIMEOUT", defaultInt(cfg.ServerConfig.ReadTimeout, 30))
	cfg.ServerConfig.WriteTimeout = getEnvIntOrDefault("SERVER_WRITE_TIMEOUT", defaultInt(cfg.ServerConfig.WriteTimeout, 30))
	cfg.ServerConfig.ShutdownTimeout = getEnvIntOrDefault("SERVER_SHUTDOWN_TIMEOUT", defaultInt(cfg.ServerConfig.ShutdownTimeout, 10))

	// Auth config - ALWAYS apply from environment
	cfg.AuthConfig.Enabled = getEnvOrDefault("AUTH_ENABLED", "false") == "true"
	cfg.AuthConfig.JWTSecret = getEnvOrDefault("AUTH_JWT_SECRET", cfg.AuthConfig.JWTSecret)
	cfg.AuthConfig.AdminUsername = getEnvOrDefault("AUTH_ADMIN_USERNAME", defaultString(cfg.AuthConfig.AdminUsername, "admin"))
	cfg.AuthConfig.AdminPasswordHash = getEnvOrDefault("AUTH_ADMIN_PASSWORD_HASH", cfg.AuthConfig.AdminPasswordHash)
	cfg.AuthConfig.AccessTokenDuration = getEnvDurationOrDefault("AUTH_ACCESS_TOKEN_DURATION", 15*time.Minute)

	// Vault config
	cfg.VaultConfig.Enabled = getEnvOrDefault("VAULT_ENABLED", "false") == "true"
	cfg.VaultConfig.Address = getEnvOrDefault("VAULT_ADDR", defaultString(cfg.VaultConfig.Address, "http://localhost:8200"))
	cfg.VaultConfig.Token = getEnvOrDefault("VAULT_TOKEN", cfg.VaultConfig.Token)
	cfg.VaultConfig.MountPath = getEnvOrDefault("VAULT_MOUNT_PATH", defaultString(cfg.VaultConfig.MountPath, "secret"))
	cfg.VaultConfig.SecretPath = getEnvOrDefault("VAULT_SECRET_PATH", defaultString(cfg.VaultConfig.SecretPath, "resilience/broker-credentials"))
	cfg.VaultConfig.TLSEnabled = getEnvOrDefault("VAULT_TLS_ENABLED", "false") == "true"

	// Redis config
	cfg.RedisConfig.Enabled = getEnvOrDefault("REDIS_ENABLED", "false") == "true"
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", defaultString(cfg.RedisConfig.Address, "localhost:6379"))
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)
	cfg.RedisConfig.DB = getEnvIntOrDefault("REDIS_DB", cfg.RedisConfig.DB)
	cfg.RedisConfig.PoolSize = getEnvIntOrDefault("REDIS_POOL_SIZE", defaultInt(cfg.RedisConfig.PoolSize, 10))

	// Database config
	cfg.DatabaseConfig.Enabled = getEnvOrDefault("DATABASE_ENABLED", "false") == "true"
	cfg.DatabaseConfig.URL = getEnvOrDefault("DATABASE_URL", cfg.DatabaseConfig.URL)
}

func loadFromFile(filename string) (*Config, error) {
	file, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	var config Config
	if err := json.Unmarshal(file, &config); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return &config, nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvFloatOrDefault(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func defaultString(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

func defaultInt(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func defaultFloat(v, def float64) float64 {
	if v == 0 {
		return def
	}
	return v
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	config := Config{
		InstanceConfig: InstanceConfig{
			Region:     "us-east-1",
			Version:    "dev",
			LoadFactor: 1.0,
		},
		BrokerConfig: BrokerConfig{
			APIToken:    "your_api_token_here",
			AccountID:   "your_account_id_here",
			BaseURL:     "https://api-fxpractice.oanda.com",
			Environment: "practice",
			Timeout:     10,
			MockMode:    true,
		},
		CoordinatorConfig: CoordinatorConfig{
			Enabled:            true,
			HeartbeatInterval:  30,
			CleanupInterval:    60,
			InstanceTimeout:    120,
			DecisionRetention:  3600,
			VoteTimeout:        10,
			VotePollMillis:     100,
			VotingStrategy:     "majority",
			PeerFailureVoteMin: 2,
		},
		CircuitBreakerConfig: CircuitBreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			CooldownSeconds:  60,
			HalfOpenProbes:   1,
		},
		DegradationConfig: DegradationConfig{
			Enabled:              true,
			AutoRecovery:         true,
			CriticalServices:     []string{"oanda_api", "pricing_stream", "order_execution"},
			CascadeWindowSecs:    300,
			CascadeMinErrors:     3,
			FullRecoveryRatio:    0.8,
			PartialRecoveryRatio: 0.6,
		},
		CacheConfig: CacheConfig{
			Backend:    "memory",
			DefaultTTL: 300,
			KeyPrefix:  "resilience",
		},
		AlertingConfig: AlertingConfig{
			Enabled:        true,
			MinSeverity:    "warning",
			RepeatInterval: 300,
		},
		LoggingConfig: LoggingConfig{
			Level:      "info",
			Output:     "stdout",
			JSONFormat: true,
		},
		MetricsConfig: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		ServerConfig: ServerConfig{
			Enabled:         true,
			Port:            8080,
			Host:            "0.0.0.0",
			AllowedOrigins:  "*",
			ReadTimeout:     30,
			WriteTimeout:    30,
			ShutdownTimeout: 10,
		},
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}

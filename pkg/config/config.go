package config

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Config holds all configuration settings for the daemon
type Config struct {
	Environment string          `mapstructure:"environment"`
	LogLevel    string          `mapstructure:"log_level"`
	DataDir     string          `mapstructure:"data_dir"`
	Database    DatabaseConfig  `mapstructure:"database"`
	Identity    IdentityConfig  `mapstructure:"identity"`
	Transport   TransportConfig `mapstructure:"transport"`
	Consensus   ConsensusConfig `mapstructure:"consensus"`
	API         APIConfig       `mapstructure:"api"`
	Audit       AuditConfig     `mapstructure:"audit"`
}

// DatabaseConfig holds database connection settings
type DatabaseConfig struct {
	URL      string        `mapstructure:"url"`
	MaxConns int           `mapstructure:"max_conns"`
	Timeout  time.Duration `mapstructure:"timeout"`
	SSLMode  string        `mapstructure:"ssl_mode"`
}

// IdentityConfig holds node key material settings
type IdentityConfig struct {
	KeyFile    string `mapstructure:"key_file"`
	Passphrase string `mapstructure:"passphrase"`
}

// TransportConfig holds peer networking configuration
type TransportConfig struct {
	Port        int           `mapstructure:"port"`
	PeersFile   string        `mapstructure:"peers_file"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
}

// ConsensusConfig holds round and quorum policy parameters.
// ThresholdMode and the deviation parameters may be overridden by the
// peer registry file; the values here are the fallback policy.
type ConsensusConfig struct {
	ThresholdMode        string        `mapstructure:"threshold_mode"`
	RoundTimeout         time.Duration `mapstructure:"round_timeout"`
	DeviationTolerance   float64       `mapstructure:"deviation_tolerance"`
	DeviationWindow      int           `mapstructure:"deviation_window"`
	SignatureStrikeLimit int           `mapstructure:"signature_strike_limit"`
	RetentionRounds      int           `mapstructure:"retention_rounds"`
}

// APIConfig holds local admin API settings
type APIConfig struct {
	SocketPath  string        `mapstructure:"socket_path"`
	JWTSecret   string        `mapstructure:"jwt_secret"`
	TokenExpiry time.Duration `mapstructure:"token_expiry"`
}

// AuditConfig holds local audit producer settings
type AuditConfig struct {
	SpoolDir    string `mapstructure:"spool_dir"`
	WindowHours int    `mapstructure:"window_hours"`
}

// Load reads the configuration file and environment variables
func Load(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, will rely on defaults and env vars
	}

	v.SetEnvPrefix("AUDITMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "production")
	v.SetDefault("log_level", "info")
	v.SetDefault("data_dir", "/var/lib/auditmesh")

	v.SetDefault("database.max_conns", 10)
	v.SetDefault("database.timeout", "30s")
	v.SetDefault("database.ssl_mode", "disable")

	v.SetDefault("identity.key_file", "/var/lib/auditmesh/keys/node.key")

	v.SetDefault("transport.port", 7420)
	v.SetDefault("transport.peers_file", "/etc/auditmesh/peers.yaml")
	v.SetDefault("transport.dial_timeout", "15s")

	v.SetDefault("consensus.threshold_mode", "majority")
	v.SetDefault("consensus.round_timeout", "300s")
	v.SetDefault("consensus.deviation_tolerance", 0.2)
	v.SetDefault("consensus.deviation_window", 3)
	v.SetDefault("consensus.signature_strike_limit", 3)
	v.SetDefault("consensus.retention_rounds", 500)

	v.SetDefault("api.socket_path", "/run/auditmesh/admin.sock")
	v.SetDefault("api.token_expiry", "24h")

	v.SetDefault("audit.spool_dir", "/var/lib/auditmesh/audits")
	v.SetDefault("audit.window_hours", 24)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}
	if err := c.validateTransport(); err != nil {
		return fmt.Errorf("transport config: %w", err)
	}
	if err := c.validateConsensus(); err != nil {
		return fmt.Errorf("consensus config: %w", err)
	}
	if err := c.validateAudit(); err != nil {
		return fmt.Errorf("audit config: %w", err)
	}
	if c.Identity.KeyFile == "" {
		return fmt.Errorf("identity config: key_file cannot be empty")
	}
	c.Identity.KeyFile = filepath.Clean(c.Identity.KeyFile)
	return nil
}

func (c *Config) validateDatabase() error {
	if c.Database.URL == "" {
		return fmt.Errorf("database URL cannot be empty")
	}
	if c.Database.MaxConns <= 0 {
		return fmt.Errorf("max_conns must be positive")
	}
	if c.Database.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

func (c *Config) validateTransport() error {
	if c.Transport.Port <= 0 || c.Transport.Port > 65535 {
		return fmt.Errorf("invalid port number: %d", c.Transport.Port)
	}
	if c.Transport.PeersFile == "" {
		return fmt.Errorf("peers_file cannot be empty")
	}
	return nil
}

func (c *Config) validateConsensus() error {
	switch c.Consensus.ThresholdMode {
	case "majority", "two_thirds":
	default:
		return fmt.Errorf("threshold_mode must be majority or two_thirds, got %q", c.Consensus.ThresholdMode)
	}
	if c.Consensus.RoundTimeout <= 0 {
		return fmt.Errorf("round_timeout must be positive")
	}
	if c.Consensus.DeviationTolerance <= 0 || c.Consensus.DeviationTolerance > 1 {
		return fmt.Errorf("deviation_tolerance must be in (0, 1]")
	}
	if c.Consensus.DeviationWindow <= 0 {
		return fmt.Errorf("deviation_window must be positive")
	}
	if c.Consensus.SignatureStrikeLimit <= 0 {
		return fmt.Errorf("signature_strike_limit must be positive")
	}
	return nil
}

func (c *Config) validateAudit() error {
	if c.Audit.WindowHours <= 0 {
		return fmt.Errorf("window_hours must be positive")
	}
	return nil
}

// GetLogLevel returns a zap log level based on the configured string
func (c *Config) GetLogLevel() zap.AtomicLevel {
	level := zap.NewAtomicLevel()
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		level.SetLevel(zap.DebugLevel)
	case "info":
		level.SetLevel(zap.InfoLevel)
	case "warn":
		level.SetLevel(zap.WarnLevel)
	case "error":
		level.SetLevel(zap.ErrorLevel)
	default:
		level.SetLevel(zap.InfoLevel)
	}
	return level
}

// IsDevelopment returns true if the environment is set to development
func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}

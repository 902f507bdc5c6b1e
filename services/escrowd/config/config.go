package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/ethereum/go-ethereum/common"
	"gopkg.in/yaml.v3"
)

// Chain modes.
const (
	ChainNative = "native"
	ChainEVM    = "evm"
)

// Duration wraps time.Duration so both YAML and TOML accept "90s" style
// strings.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	return d.UnmarshalText([]byte(value.Value))
}

// UnmarshalText implements encoding.TextUnmarshaler for TOML.
func (d *Duration) UnmarshalText(text []byte) error {
	raw := strings.TrimSpace(string(text))
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// Config is the full escrowd runtime configuration.
type Config struct {
	Listen      string          `yaml:"listen" toml:"listen"`
	Environment string          `yaml:"environment" toml:"environment"`
	Log         LogConfig       `yaml:"log" toml:"log"`
	Database    DatabaseConfig  `yaml:"database" toml:"database"`
	Chain       ChainConfig     `yaml:"chain" toml:"chain"`
	Signers     SignersConfig   `yaml:"signers" toml:"signers"`
	Identity    IdentityConfig  `yaml:"identity" toml:"identity"`
	Notify      NotifyConfig    `yaml:"notify" toml:"notify"`
	Evidence    EvidenceConfig  `yaml:"evidence" toml:"evidence"`
	Auth        AuthConfig      `yaml:"auth" toml:"auth"`
	RateLimit   RateLimitConfig `yaml:"rate_limit" toml:"rate_limit"`
	Recon       ReconConfig     `yaml:"recon" toml:"recon"`
	Telemetry   TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
	// Operators may resolve disputes.
	Operators []string `yaml:"operators" toml:"operators"`
}

type LogConfig struct {
	Level      string `yaml:"level" toml:"level"`
	File       string `yaml:"file" toml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb" toml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" toml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" toml:"max_age_days"`
}

type DatabaseConfig struct {
	URL   string `yaml:"url" toml:"url"`
	Quiet bool   `yaml:"quiet" toml:"quiet"`
}

// ChainConfig selects and configures the settlement chain. Native mode runs
// the escrow contract in process and suits development.
type ChainConfig struct {
	Mode           string   `yaml:"mode" toml:"mode"`
	RPCURL         string   `yaml:"rpc_url" toml:"rpc_url"`
	ChainID        uint64   `yaml:"chain_id" toml:"chain_id"`
	Contract       string   `yaml:"contract" toml:"contract"`
	Token          string   `yaml:"token" toml:"token"`
	OwnerKey       string   `yaml:"owner_key" toml:"owner_key"`
	OwnerKeyEnv    string   `yaml:"owner_key_env" toml:"owner_key_env"`
	OwnerKeyFile   string   `yaml:"owner_key_file" toml:"owner_key_file"`
	Confirmations  uint64   `yaml:"confirmations" toml:"confirmations"`
	ConfirmTimeout Duration `yaml:"confirm_timeout" toml:"confirm_timeout"`
	PollInterval   Duration `yaml:"poll_interval" toml:"poll_interval"`
	LookbackBlocks uint64   `yaml:"lookback_blocks" toml:"lookback_blocks"`
	FeeCollector   string   `yaml:"fee_collector" toml:"fee_collector"`
	// NativeState is the LevelDB directory of the native chain. Empty keeps
	// native state in memory.
	NativeState string `yaml:"native_state" toml:"native_state"`
	// DevMint credits hex addresses with token units on native chain start
	// when their balance is zero.
	DevMint map[string]string `yaml:"dev_mint" toml:"dev_mint"`
}

// SignersConfig maps party identities to hex private keys. Intended for
// development and custodial test deployments.
type SignersConfig struct {
	Keys map[string]string `yaml:"keys" toml:"keys"`
}

type IdentityConfig struct {
	BaseURL   string            `yaml:"base_url" toml:"base_url"`
	APIKey    string            `yaml:"api_key" toml:"api_key"`
	APIKeyEnv string            `yaml:"api_key_env" toml:"api_key_env"`
	Timeout   Duration          `yaml:"timeout" toml:"timeout"`
	Static    map[string]string `yaml:"static" toml:"static"`
}

type NotifyConfig struct {
	BridgeURL     string   `yaml:"bridge_url" toml:"bridge_url"`
	Secret        string   `yaml:"secret" toml:"secret"`
	SecretEnv     string   `yaml:"secret_env" toml:"secret_env"`
	RatePerSecond float64  `yaml:"rate_per_second" toml:"rate_per_second"`
	Burst         int      `yaml:"burst" toml:"burst"`
	QueueCapacity int      `yaml:"queue_capacity" toml:"queue_capacity"`
	QueueTTL      Duration `yaml:"queue_ttl" toml:"queue_ttl"`
}

// EvidenceConfig enables S3 evidence storage when Bucket is set.
type EvidenceConfig struct {
	Bucket        string `yaml:"bucket" toml:"bucket"`
	Region        string `yaml:"region" toml:"region"`
	Endpoint      string `yaml:"endpoint" toml:"endpoint"`
	Prefix        string `yaml:"prefix" toml:"prefix"`
	PublicBaseURL string `yaml:"public_base_url" toml:"public_base_url"`
}

type AuthConfig struct {
	Enabled       bool     `yaml:"enabled" toml:"enabled"`
	JWTSecret     string   `yaml:"jwt_secret" toml:"jwt_secret"`
	JWTSecretEnv  string   `yaml:"jwt_secret_env" toml:"jwt_secret_env"`
	JWTSecretFile string   `yaml:"jwt_secret_file" toml:"jwt_secret_file"`
	Issuer        string   `yaml:"issuer" toml:"issuer"`
	Audience      string   `yaml:"audience" toml:"audience"`
	ClockSkew     Duration `yaml:"clock_skew" toml:"clock_skew"`
}

type RateLimitConfig struct {
	RequestsPerMinute float64 `yaml:"requests_per_minute" toml:"requests_per_minute"`
	Burst             int     `yaml:"burst" toml:"burst"`
}

// ReconConfig schedules the sweeps. A zero interval disables a sweep;
// RedisURL switches sweep locks from in-process to Redis.
type ReconConfig struct {
	FundingInterval     Duration `yaml:"funding_interval" toml:"funding_interval"`
	AutoReleaseInterval Duration `yaml:"auto_release_interval" toml:"auto_release_interval"`
	ReminderInterval    Duration `yaml:"reminder_interval" toml:"reminder_interval"`
	BatchLimit          int      `yaml:"batch_limit" toml:"batch_limit"`
	LockTTL             Duration `yaml:"lock_ttl" toml:"lock_ttl"`
	RedisURL            string   `yaml:"redis_url" toml:"redis_url"`
	ReportDir           string   `yaml:"report_dir" toml:"report_dir"`
}

type TelemetryConfig struct {
	Endpoint    string  `yaml:"endpoint" toml:"endpoint"`
	Insecure    bool    `yaml:"insecure" toml:"insecure"`
	Headers     string  `yaml:"headers" toml:"headers"`
	Traces      bool    `yaml:"traces" toml:"traces"`
	Metrics     bool    `yaml:"metrics" toml:"metrics"`
	SampleRatio float64 `yaml:"sample_ratio" toml:"sample_ratio"`
}

// Load reads path (YAML, or TOML for a .toml extension), applies defaults
// and environment overrides, and validates the result.
func Load(path string) (Config, error) {
	cfg := Config{}
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("config: read: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		meta, err := toml.Decode(string(raw), &cfg)
		if err != nil {
			return cfg, fmt.Errorf("config: decode toml: %w", err)
		}
		if undecoded := meta.Undecoded(); len(undecoded) > 0 {
			return cfg, fmt.Errorf("config: unknown key %s", undecoded[0])
		}
	default:
		dec := yaml.NewDecoder(bytes.NewReader(raw))
		dec.KnownFields(true)
		if err := dec.Decode(&cfg); err != nil {
			return cfg, fmt.Errorf("config: decode yaml: %w", err)
		}
	}
	return Finalize(cfg)
}

// Finalize applies defaults, environment overrides and secret indirection,
// then validates cfg.
func Finalize(cfg Config) (Config, error) {
	applyDefaults(&cfg)
	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	if err := cfg.resolveSecrets(); err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen == "" {
		cfg.Listen = ":8080"
	}
	if cfg.Environment == "" {
		cfg.Environment = "development"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Database.URL == "" {
		cfg.Database.URL = "sqlite://escrowd.db"
	}
	cfg.Chain.Mode = strings.ToLower(strings.TrimSpace(cfg.Chain.Mode))
	if cfg.Chain.Mode == "" {
		cfg.Chain.Mode = ChainNative
	}
	if cfg.Chain.Confirmations == 0 {
		cfg.Chain.Confirmations = 2
	}
	if cfg.Chain.ConfirmTimeout.Duration == 0 {
		cfg.Chain.ConfirmTimeout.Duration = 2 * time.Minute
	}
	if cfg.Chain.PollInterval.Duration == 0 {
		cfg.Chain.PollInterval.Duration = 2 * time.Second
	}
	if cfg.Chain.LookbackBlocks == 0 {
		cfg.Chain.LookbackBlocks = 43_200
	}
	if cfg.Identity.Timeout.Duration == 0 {
		cfg.Identity.Timeout.Duration = 10 * time.Second
	}
	if cfg.Notify.RatePerSecond <= 0 {
		cfg.Notify.RatePerSecond = 10
	}
	if cfg.Notify.Burst <= 0 {
		cfg.Notify.Burst = 5
	}
	if cfg.Auth.ClockSkew.Duration == 0 {
		cfg.Auth.ClockSkew.Duration = 2 * time.Minute
	}
	if cfg.Recon.FundingInterval.Duration == 0 {
		cfg.Recon.FundingInterval.Duration = time.Minute
	}
	if cfg.Recon.AutoReleaseInterval.Duration == 0 {
		cfg.Recon.AutoReleaseInterval.Duration = 5 * time.Minute
	}
	if cfg.Recon.ReminderInterval.Duration == 0 {
		cfg.Recon.ReminderInterval.Duration = time.Hour
	}
	if cfg.Recon.BatchLimit <= 0 {
		cfg.Recon.BatchLimit = 500
	}
	if cfg.Recon.LockTTL.Duration == 0 {
		cfg.Recon.LockTTL.Duration = 10 * time.Minute
	}
}

// applyEnv lets deployment environments override the settings most often
// injected as secrets.
func applyEnv(cfg *Config) error {
	strs := map[string]*string{
		"ESCROWD_LISTEN":           &cfg.Listen,
		"ESCROWD_ENV":              &cfg.Environment,
		"ESCROWD_LOG_LEVEL":        &cfg.Log.Level,
		"ESCROWD_DATABASE_URL":     &cfg.Database.URL,
		"ESCROWD_CHAIN_MODE":       &cfg.Chain.Mode,
		"ESCROWD_RPC_URL":          &cfg.Chain.RPCURL,
		"ESCROWD_CONTRACT_ADDRESS": &cfg.Chain.Contract,
		"ESCROWD_TOKEN_ADDRESS":    &cfg.Chain.Token,
		"ESCROWD_OWNER_KEY":        &cfg.Chain.OwnerKey,
		"ESCROWD_JWT_SECRET":       &cfg.Auth.JWTSecret,
		"ESCROWD_NOTIFY_URL":       &cfg.Notify.BridgeURL,
		"ESCROWD_NOTIFY_SECRET":    &cfg.Notify.Secret,
		"ESCROWD_IDENTITY_URL":     &cfg.Identity.BaseURL,
		"ESCROWD_IDENTITY_API_KEY": &cfg.Identity.APIKey,
		"ESCROWD_EVIDENCE_BUCKET":  &cfg.Evidence.Bucket,
		"ESCROWD_REDIS_URL":        &cfg.Recon.RedisURL,
		"ESCROWD_OTLP_ENDPOINT":    &cfg.Telemetry.Endpoint,
	}
	for key, dst := range strs {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	cfg.Chain.Mode = strings.ToLower(cfg.Chain.Mode)
	if v := strings.TrimSpace(os.Getenv("ESCROWD_CHAIN_ID")); v != "" {
		id, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("config: ESCROWD_CHAIN_ID: %w", err)
		}
		cfg.Chain.ChainID = id
	}
	if v := strings.TrimSpace(os.Getenv("ESCROWD_OPERATORS")); v != "" {
		cfg.Operators = nil
		for _, op := range strings.Split(v, ",") {
			if op = strings.TrimSpace(op); op != "" {
				cfg.Operators = append(cfg.Operators, op)
			}
		}
	}
	return nil
}

func (c *Config) resolveSecrets() error {
	var err error
	if c.Chain.OwnerKey, err = secret("owner_key", c.Chain.OwnerKey, c.Chain.OwnerKeyEnv, c.Chain.OwnerKeyFile); err != nil {
		return err
	}
	if c.Auth.JWTSecret, err = secret("jwt_secret", c.Auth.JWTSecret, c.Auth.JWTSecretEnv, c.Auth.JWTSecretFile); err != nil {
		return err
	}
	if c.Notify.Secret, err = secret("notify secret", c.Notify.Secret, c.Notify.SecretEnv, ""); err != nil {
		return err
	}
	if c.Identity.APIKey, err = secret("identity api_key", c.Identity.APIKey, c.Identity.APIKeyEnv, ""); err != nil {
		return err
	}
	return nil
}

// secret returns the inline value, else the named environment variable, else
// the file contents. Naming an empty source is an error.
func secret(name, inline, envName, file string) (string, error) {
	if v := strings.TrimSpace(inline); v != "" {
		return v, nil
	}
	if envName = strings.TrimSpace(envName); envName != "" {
		v := strings.TrimSpace(os.Getenv(envName))
		if v == "" {
			return "", fmt.Errorf("config: %s env %s is empty", name, envName)
		}
		return v, nil
	}
	if file = strings.TrimSpace(file); file != "" {
		contents, err := os.ReadFile(file)
		if err != nil {
			return "", fmt.Errorf("config: read %s file: %w", name, err)
		}
		return strings.TrimSpace(string(contents)), nil
	}
	return "", nil
}

// Validate reports the first configuration error.
func (c Config) Validate() error {
	switch c.Chain.Mode {
	case ChainNative:
	case ChainEVM:
		if strings.TrimSpace(c.Chain.RPCURL) == "" {
			return fmt.Errorf("config: chain.rpc_url is required in evm mode")
		}
		if c.Chain.ChainID == 0 {
			return fmt.Errorf("config: chain.chain_id is required in evm mode")
		}
		if !common.IsHexAddress(c.Chain.Contract) {
			return fmt.Errorf("config: chain.contract must be a hex address")
		}
		if !common.IsHexAddress(c.Chain.Token) {
			return fmt.Errorf("config: chain.token must be a hex address")
		}
		if c.Chain.OwnerKey == "" {
			return fmt.Errorf("config: chain owner key is required in evm mode")
		}
	default:
		return fmt.Errorf("config: unknown chain.mode %q", c.Chain.Mode)
	}
	if c.Chain.FeeCollector != "" && !common.IsHexAddress(c.Chain.FeeCollector) {
		return fmt.Errorf("config: chain.fee_collector must be a hex address")
	}
	if c.Auth.Enabled && c.Auth.JWTSecret == "" {
		return fmt.Errorf("config: auth.jwt_secret is required when auth is enabled")
	}
	if c.Identity.BaseURL == "" && len(c.Identity.Static) == 0 {
		return fmt.Errorf("config: identity.base_url or identity.static must be configured")
	}
	if c.Notify.BridgeURL != "" && c.Notify.Secret == "" {
		return fmt.Errorf("config: notify.secret is required with notify.bridge_url")
	}
	if c.Telemetry.SampleRatio < 0 || c.Telemetry.SampleRatio > 1 {
		return fmt.Errorf("config: telemetry.sample_ratio must be within [0,1]")
	}
	return nil
}

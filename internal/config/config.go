package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds the YAML configuration.
type Config struct {
	Version   int                `yaml:"version"`
	Network   string             `yaml:"network"`
	Networks  map[string]Network `yaml:"networks"`
	Contracts Contracts          `yaml:"contracts"`
	ABIDirs   []string           `yaml:"abi_dirs"`
	Poller    Poller             `yaml:"poller"`
	OnChain   OnChain            `yaml:"onchain"`
	Gasless   Gasless            `yaml:"gasless"`
	Alerts    Alerts             `yaml:"alerts"`
	Lifecycle Lifecycle          `yaml:"lifecycle"`
	Transport Transport          `yaml:"transport"`
	Storage   Storage            `yaml:"storage"`
	Wallet    Wallet             `yaml:"wallet"`
}

type Network struct {
	ChainID         uint64   `yaml:"chain_id"`
	RPCURL          string   `yaml:"rpc_url"`
	FallbackRPCURLs []string `yaml:"fallback_rpc_urls"`
	LookbackBlocks  uint64   `yaml:"lookback_blocks"`
	RPS             float64  `yaml:"rps"`
	Burst           int      `yaml:"burst"`
}

// Endpoints returns the primary URL followed by fallbacks, in priority order.
func (n Network) Endpoints() []string {
	out := make([]string, 0, 1+len(n.FallbackRPCURLs))
	if n.RPCURL != "" {
		out = append(out, n.RPCURL)
	}
	for _, u := range n.FallbackRPCURLs {
		if u = strings.TrimSpace(u); u != "" {
			out = append(out, u)
		}
	}
	return out
}

type Contracts struct {
	Raffle        string `yaml:"raffle"`
	MarketFactory string `yaml:"market_factory"`
	Oracle        string `yaml:"oracle"`
}

type Poller struct {
	Interval       time.Duration `yaml:"interval"`
	MaxBlockRange  uint64        `yaml:"max_block_range"`
	MaxLogFailures int           `yaml:"max_log_failures"`
}

type OnChain struct {
	MaxRetries     int           `yaml:"max_retries"`
	AlertAfter     int           `yaml:"alert_after"`
	BaseDelay      time.Duration `yaml:"base_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	ReceiptTimeout time.Duration `yaml:"receipt_timeout"`
}

type Gasless struct {
	MaxAttempts    int             `yaml:"max_attempts"`
	Delays         []time.Duration `yaml:"delays"`
	ReceiptTimeout time.Duration   `yaml:"receipt_timeout"`
	MarketType     string          `yaml:"market_type"`
}

type Alerts struct {
	Threshold uint32        `yaml:"threshold"`
	Cooldown  time.Duration `yaml:"cooldown"`
	Sinks     []Sink        `yaml:"sinks"`
}

type Lifecycle struct {
	Enabled    *bool         `yaml:"enabled"`
	Interval   time.Duration `yaml:"interval"`
	MaxRetries int           `yaml:"max_retries"`
}

// IsEnabled reports whether the lifecycle sweep should run; default on.
func (l Lifecycle) IsEnabled() bool {
	return l.Enabled == nil || *l.Enabled
}

type Transport struct {
	DemotionCooldown time.Duration `yaml:"demotion_cooldown"`
	ResetInterval    time.Duration `yaml:"reset_interval"`
}

type Storage struct {
	DSN         string `yaml:"dsn"`
	RedisURL    string `yaml:"redis_url"`
	RedisPrefix string `yaml:"redis_prefix"`
}

type Wallet struct {
	PrivateKey        string `yaml:"private_key"`
	SponsorPrivateKey string `yaml:"sponsor_private_key"`
}

type Sink struct {
	ID         string `yaml:"id"`
	Type       string `yaml:"type"`
	WebhookURL string `yaml:"webhook_url"`
	Template   string `yaml:"template"`
	URL        string `yaml:"url"`
	Method     string `yaml:"method"`
}

const (
	DefaultPollInterval     = 4 * time.Second
	DefaultMaxBlockRange    = 2000
	DefaultLocalLookback    = 10_000
	DefaultRemoteLookback   = 50_000
	DefaultMaxRetries       = 5
	DefaultAlertAfter       = 3
	DefaultBaseDelay        = time.Second
	DefaultMaxDelay         = 30 * time.Second
	DefaultReceiptTimeout   = 60 * time.Second
	DefaultAlertThreshold   = 3
	DefaultAlertCooldown    = 5 * time.Minute
	DefaultLifecycleEvery   = 5 * time.Minute
	DefaultLifecycleRetries = 3
	DefaultDemotion         = 5 * time.Minute
	DefaultResetInterval    = 10 * time.Minute
	DefaultDSN              = "season-keeper.db"
	DefaultRedisPrefix      = "season-keeper:"
	DefaultMarketType       = "WINNER_PREDICTION"
)

// DefaultGaslessDelays is the fixed retry schedule for sponsored transactions.
var DefaultGaslessDelays = []time.Duration{5 * time.Second, 15 * time.Second, 45 * time.Second}

const DefaultGaslessAttempts = 3

var envPattern = regexp.MustCompile(`\${([A-Za-z_][A-Za-z0-9_]*)}`)

// Load reads, interpolates env vars, parses YAML, applies overrides and defaults, and validates.
func Load(path string) (*Config, error) {
	if path == "" {
		return nil, errors.New("config path is required")
	}

	if err := loadDotEnv(path); err != nil {
		return nil, err
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg, err := Parse(raw, os.LookupEnv)
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse builds a validated config from raw YAML using lookup for
// interpolation and environment overrides.
func Parse(raw []byte, lookup func(string) (string, bool)) (*Config, error) {
	interpolated, err := interpolateEnv(string(raw), lookup)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal([]byte(interpolated), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func loadDotEnv(configPath string) error {
	envPath := filepath.Join(filepath.Dir(configPath), ".env")
	if _, err := os.Stat(envPath); err == nil {
		if err := godotenv.Load(envPath); err != nil {
			return fmt.Errorf("load .env: %w", err)
		}
	}
	return nil
}

func interpolateEnv(input string, lookup func(string) (string, bool)) (string, error) {
	missing := []string{}
	out := envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		if val, ok := lookup(name); ok {
			return val
		}
		missing = append(missing, name)
		return match
	})

	if len(missing) > 0 {
		return "", fmt.Errorf("missing environment variables: %s", strings.Join(dedup(missing), ", "))
	}
	return out, nil
}

// applyEnv layers the recognized environment options over the file values.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("NETWORK"); ok && v != "" {
		c.Network = strings.ToLower(v)
	}
	if c.Networks == nil {
		c.Networks = map[string]Network{}
	}

	if c.Network != "" {
		suffix := strings.ToUpper(c.Network)
		// A network only the environment describes is created; an unknown
		// selector with no overrides is left for Validate to reject.
		n, set := c.Networks[c.Network]
		if v, ok := lookup("RPC_URL_" + suffix); ok && v != "" {
			n.RPCURL = v
			set = true
		}
		if v, ok := lookup("RPC_FALLBACK_URLS_" + suffix); ok && v != "" {
			n.FallbackRPCURLs = splitList(v)
			set = true
		}
		if v, ok := lookup("LOOKBACK_BLOCKS_" + suffix); ok && v != "" {
			blocks, err := strconv.ParseUint(v, 10, 64)
			if err != nil {
				return fmt.Errorf("LOOKBACK_BLOCKS_%s: %w", suffix, err)
			}
			n.LookbackBlocks = blocks
			set = true
		}
		if set {
			c.Networks[c.Network] = n
		}
	}

	if v, ok := lookup("POLL_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("POLL_INTERVAL: %w", err)
		}
		c.Poller.Interval = d
	}
	if v, ok := lookup("MAX_BLOCK_RANGE"); ok && v != "" {
		n, err := strconv.ParseUint(v, 10, 64)
		if err != nil {
			return fmt.Errorf("MAX_BLOCK_RANGE: %w", err)
		}
		c.Poller.MaxBlockRange = n
	}
	if v, ok := lookup("ONCHAIN_MAX_RETRIES"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ONCHAIN_MAX_RETRIES: %w", err)
		}
		c.OnChain.MaxRetries = n
	}
	if v, ok := lookup("ONCHAIN_ALERT_AFTER"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("ONCHAIN_ALERT_AFTER: %w", err)
		}
		c.OnChain.AlertAfter = n
	}
	if v, ok := lookup("LIFECYCLE_INTERVAL"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return fmt.Errorf("LIFECYCLE_INTERVAL: %w", err)
		}
		c.Lifecycle.Interval = d
	}
	if v, ok := lookup("DATABASE_URL"); ok && v != "" {
		c.Storage.DSN = v
	}
	if v, ok := lookup("REDIS_URL"); ok && v != "" {
		c.Storage.RedisURL = v
	}
	return nil
}

func (c *Config) applyDefaults() {
	for name, n := range c.Networks {
		if n.LookbackBlocks == 0 {
			n.LookbackBlocks = DefaultRemoteLookback
			if name == "local" {
				n.LookbackBlocks = DefaultLocalLookback
			}
		}
		c.Networks[name] = n
	}
	if c.Poller.Interval == 0 {
		c.Poller.Interval = DefaultPollInterval
	}
	if c.Poller.MaxBlockRange == 0 {
		c.Poller.MaxBlockRange = DefaultMaxBlockRange
	}
	if c.OnChain.MaxRetries == 0 {
		c.OnChain.MaxRetries = DefaultMaxRetries
	}
	if c.OnChain.AlertAfter == 0 {
		c.OnChain.AlertAfter = DefaultAlertAfter
	}
	if c.OnChain.BaseDelay == 0 {
		c.OnChain.BaseDelay = DefaultBaseDelay
	}
	if c.OnChain.MaxDelay == 0 {
		c.OnChain.MaxDelay = DefaultMaxDelay
	}
	if c.OnChain.ReceiptTimeout == 0 {
		c.OnChain.ReceiptTimeout = DefaultReceiptTimeout
	}
	if c.Gasless.MaxAttempts == 0 {
		c.Gasless.MaxAttempts = DefaultGaslessAttempts
	}
	if len(c.Gasless.Delays) == 0 {
		c.Gasless.Delays = append([]time.Duration(nil), DefaultGaslessDelays...)
	}
	if c.Gasless.ReceiptTimeout == 0 {
		c.Gasless.ReceiptTimeout = DefaultReceiptTimeout
	}
	if c.Gasless.MarketType == "" {
		c.Gasless.MarketType = DefaultMarketType
	}
	if c.Alerts.Threshold == 0 {
		c.Alerts.Threshold = DefaultAlertThreshold
	}
	if c.Alerts.Cooldown == 0 {
		c.Alerts.Cooldown = DefaultAlertCooldown
	}
	if c.Lifecycle.Interval == 0 {
		c.Lifecycle.Interval = DefaultLifecycleEvery
	}
	if c.Lifecycle.MaxRetries == 0 {
		c.Lifecycle.MaxRetries = DefaultLifecycleRetries
	}
	if c.Transport.DemotionCooldown == 0 {
		c.Transport.DemotionCooldown = DefaultDemotion
	}
	if c.Transport.ResetInterval == 0 {
		c.Transport.ResetInterval = DefaultResetInterval
	}
	if c.Storage.DSN == "" {
		c.Storage.DSN = DefaultDSN
	}
	if c.Storage.RedisPrefix == "" {
		c.Storage.RedisPrefix = DefaultRedisPrefix
	}
	if c.Wallet.SponsorPrivateKey == "" {
		c.Wallet.SponsorPrivateKey = c.Wallet.PrivateKey
	}
}

// ActiveNetwork returns the selected network block.
func (c *Config) ActiveNetwork() Network {
	return c.Networks[c.Network]
}

// Validate performs small, direct schema checks.
func (c *Config) Validate() error {
	if c.Version == 0 {
		return errors.New("version is required")
	}
	if c.Network == "" {
		return errors.New("network is required")
	}
	n, ok := c.Networks[c.Network]
	if !ok {
		return fmt.Errorf("network %s is not configured", c.Network)
	}
	if n.RPCURL == "" {
		return fmt.Errorf("network %s: rpc_url is required", c.Network)
	}
	if n.RPS < 0 {
		return fmt.Errorf("network %s: rps must not be negative", c.Network)
	}

	if err := c.Contracts.Validate(); err != nil {
		return fmt.Errorf("contracts: %w", err)
	}

	if c.Wallet.PrivateKey == "" {
		return errors.New("wallet.private_key is required")
	}

	if c.OnChain.AlertAfter > c.OnChain.MaxRetries {
		return fmt.Errorf("onchain.alert_after (%d) exceeds max_retries (%d)", c.OnChain.AlertAfter, c.OnChain.MaxRetries)
	}
	if c.OnChain.BaseDelay > c.OnChain.MaxDelay {
		return errors.New("onchain.base_delay exceeds max_delay")
	}

	sinkIDs := map[string]struct{}{}
	for i := range c.Alerts.Sinks {
		s := &c.Alerts.Sinks[i]
		if _, exists := sinkIDs[s.ID]; exists {
			return fmt.Errorf("duplicate sink id: %s", s.ID)
		}
		sinkIDs[s.ID] = struct{}{}
		if err := s.Validate(); err != nil {
			return fmt.Errorf("sink %s: %w", s.ID, err)
		}
	}

	return nil
}

func (c Contracts) Validate() error {
	fields := []struct {
		name, value string
	}{
		{"raffle", c.Raffle},
		{"market_factory", c.MarketFactory},
		{"oracle", c.Oracle},
	}
	for _, f := range fields {
		if f.value == "" {
			return fmt.Errorf("%s is required", f.name)
		}
		if !common.IsHexAddress(f.value) {
			return fmt.Errorf("%s: malformed address %q", f.name, f.value)
		}
	}
	return nil
}

func (s *Sink) Validate() error {
	if s.ID == "" {
		return errors.New("id is required")
	}
	if s.Type == "" {
		return errors.New("type is required")
	}

	switch strings.ToLower(s.Type) {
	case "slack", "teams":
		if s.WebhookURL == "" {
			return errors.New("webhook_url is required for slack/teams sinks")
		}
	case "webhook":
		if s.URL == "" {
			return errors.New("url is required for webhook sink")
		}
		if s.Method == "" {
			s.Method = "POST"
		}
	default:
		return fmt.Errorf("unsupported sink type: %s", s.Type)
	}
	return nil
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func dedup(values []string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, len(values))
	for _, v := range values {
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

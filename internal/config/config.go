// Package config handles configuration management with validation: risk
// tuning per capital phase, an asset whitelist, broker credentials, and the
// environment-variable overrides the daemon expects at startup.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Config is the complete runtime configuration.
type Config struct {
	App       AppConfig       `yaml:"app" json:"app"`
	Broker    BrokerConfig    `yaml:"broker" json:"broker"`
	RiskTuner RiskTunerConfig `yaml:"risk_tuner" json:"risk_tuner"`
	Whitelist WhitelistConfig `yaml:"whitelist" json:"whitelist"`
	Safety    SafetyConfig    `yaml:"safety" json:"safety"`
	System    SystemConfig    `yaml:"system" json:"system"`
	Database  DatabaseConfig  `yaml:"database" json:"database"`
	Telemetry TelemetryConfig `yaml:"telemetry" json:"telemetry"`
}

// AppConfig contains application-level settings.
type AppConfig struct {
	Mode          string `yaml:"mode" json:"mode" validate:"required,oneof=live paper mock"`
	ListenAddress string `yaml:"listen_address" json:"listen_address"`
}

// BrokerConfig holds broker API credentials and connection details.
type BrokerConfig struct {
	Name      string `yaml:"name" json:"name" validate:"required"`
	APIKey    Secret `yaml:"api_key" json:"api_key"`
	APISecret Secret `yaml:"api_secret" json:"api_secret"`
	BaseURL   string `yaml:"base_url" json:"base_url"`
}

// RiskTunerConfig holds the per-phase risk percentages and order-size fee
// assumptions used by the order manager's fee-aware routing decision.
type RiskTunerConfig struct {
	MaxRiskPct    float64 `yaml:"max_risk_pct" json:"max_risk_pct" validate:"min=0.01,max=0.20"`
	Phase1RiskPct float64 `yaml:"phase1_risk_pct" json:"phase1_risk_pct" validate:"min=0.01,max=0.50"`
	Phase2RiskPct float64 `yaml:"phase2_risk_pct" json:"phase2_risk_pct" validate:"min=0.01,max=0.50"`
	MakerFeePct   float64 `yaml:"maker_fee_pct" json:"maker_fee_pct"`
	TakerFeePct   float64 `yaml:"taker_fee_pct" json:"taker_fee_pct"`
}

// WhitelistConfig gates which symbols the pipeline will ever act on.
type WhitelistConfig struct {
	Enabled bool     `yaml:"enabled" json:"enabled"`
	Symbols []string `yaml:"symbols" json:"symbols"`
}

// SafetyConfig tunes the rate limiter and HMAC webhook secret.
type SafetyConfig struct {
	HMACSecret      Secret  `yaml:"hmac_secret" json:"hmac_secret"`
	RateLimitPerSec float64 `yaml:"rate_limit_per_sec" json:"rate_limit_per_sec"`
}

// SystemConfig contains logging and general runtime settings.
type SystemConfig struct {
	LogLevel string `yaml:"log_level" json:"log_level" validate:"required,oneof=DEBUG INFO WARN ERROR FATAL"`
}

// DatabaseConfig selects the durable store backend.
type DatabaseConfig struct {
	Type string `yaml:"type" json:"type" validate:"oneof=sqlite"`
	URL  string `yaml:"url" json:"url"`
}

// TelemetryConfig contains telemetry settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port" json:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics" json:"enable_metrics"`
}

// ValidationError represents a single configuration validation failure.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// LoadConfig loads configuration from a YAML file, expands environment
// variables, applies env-var overrides for credentials and safety knobs,
// then validates the result.
func LoadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// applyEnvOverrides lets operators supply credentials and tuning knobs via
// environment variables without editing the YAML file on disk.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("BROKER_API_KEY"); v != "" {
		cfg.Broker.APIKey = Secret(v)
	}
	if v := os.Getenv("BROKER_API_SECRET"); v != "" {
		cfg.Broker.APISecret = Secret(v)
	}
	if v := os.Getenv("HMAC_SECRET"); v != "" {
		cfg.Safety.HMACSecret = Secret(v)
	}
	if v, ok := parseFloatEnv("MAX_RISK_PCT"); ok {
		cfg.RiskTuner.MaxRiskPct = v
	}
	if v, ok := parseFloatEnv("PHASE_1_RISK_PCT"); ok {
		cfg.RiskTuner.Phase1RiskPct = v
	}
	if v, ok := parseFloatEnv("PHASE_2_RISK_PCT"); ok {
		cfg.RiskTuner.Phase2RiskPct = v
	}
	if v, ok := parseFloatEnv("MAKER_FEE_PCT"); ok {
		cfg.RiskTuner.MakerFeePct = v
	}
	if v, ok := parseFloatEnv("TAKER_FEE_PCT"); ok {
		cfg.RiskTuner.TakerFeePct = v
	}
	if v, ok := parseFloatEnv("RATE_LIMIT_PER_SEC"); ok {
		cfg.Safety.RateLimitPerSec = v
	}
	if v := os.Getenv("DATABASE_TYPE"); v != "" {
		cfg.Database.Type = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}

	if cfg.RiskTuner.MakerFeePct == 0 {
		cfg.RiskTuner.MakerFeePct = 0.0002
	}
	if cfg.RiskTuner.TakerFeePct == 0 {
		cfg.RiskTuner.TakerFeePct = 0.0006
	}
	if cfg.Safety.RateLimitPerSec == 0 {
		cfg.Safety.RateLimitPerSec = 12
	}
	if cfg.Database.Type == "" {
		cfg.Database.Type = "sqlite"
	}
}

func parseFloatEnv(key string) (float64, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Validate performs comprehensive validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if err := c.validateBroker(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateRiskTuner(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSafety(); err != nil {
		errs = append(errs, err.Error())
	}
	if err := c.validateSystem(); err != nil {
		errs = append(errs, err.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

func (c *Config) validateBroker() error {
	if c.App.Mode == "mock" {
		return nil
	}
	if c.Broker.APIKey == "" {
		return ValidationError{Field: "broker.api_key", Message: "API key is required outside mock mode"}
	}
	if c.Broker.APISecret == "" {
		return ValidationError{Field: "broker.api_secret", Message: "API secret is required outside mock mode"}
	}
	return nil
}

func (c *Config) validateRiskTuner() error {
	if c.RiskTuner.MaxRiskPct != 0 && (c.RiskTuner.MaxRiskPct < 0.01 || c.RiskTuner.MaxRiskPct > 0.20) {
		return ValidationError{Field: "risk_tuner.max_risk_pct", Value: c.RiskTuner.MaxRiskPct, Message: "must be between 0.01 and 0.20"}
	}
	if c.RiskTuner.Phase1RiskPct != 0 && (c.RiskTuner.Phase1RiskPct < 0.01 || c.RiskTuner.Phase1RiskPct > 0.50) {
		return ValidationError{Field: "risk_tuner.phase1_risk_pct", Value: c.RiskTuner.Phase1RiskPct, Message: "must be between 0.01 and 0.50"}
	}
	if c.RiskTuner.Phase2RiskPct != 0 && (c.RiskTuner.Phase2RiskPct < 0.01 || c.RiskTuner.Phase2RiskPct > 0.50) {
		return ValidationError{Field: "risk_tuner.phase2_risk_pct", Value: c.RiskTuner.Phase2RiskPct, Message: "must be between 0.01 and 0.50"}
	}
	return nil
}

func (c *Config) validateSafety() error {
	if c.App.Mode == "mock" {
		return nil
	}
	if len(c.Safety.HMACSecret) < 32 {
		return ValidationError{Field: "safety.hmac_secret", Message: "must be at least 32 characters"}
	}
	return nil
}

func (c *Config) validateSystem() error {
	validLevels := []string{"DEBUG", "INFO", "WARN", "ERROR", "FATAL"}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
		return nil
	}
	if !contains(validLevels, strings.ToUpper(c.System.LogLevel)) {
		return ValidationError{Field: "system.log_level", Value: c.System.LogLevel, Message: fmt.Sprintf("must be one of: %s", strings.Join(validLevels, ", "))}
	}
	return nil
}

// IsWhitelisted reports whether symbol is tradeable under the current
// whitelist policy.
func (w WhitelistConfig) IsWhitelisted(symbol string) bool {
	if !w.Enabled {
		return true
	}
	for _, s := range w.Symbols {
		if strings.EqualFold(s, symbol) {
			return true
		}
	}
	return false
}

// String returns a string representation of the configuration with secrets
// redacted: yaml.Marshal calls Secret's MarshalYAML, which emits the
// redacted placeholder instead of the value.
func (c *Config) String() string {
	data, _ := yaml.Marshal(c)
	return string(data)
}

func expandEnvVars(s string) string {
	return os.Expand(s, os.Getenv)
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}

// Manager wraps a live Config with thread-safe admin mutations: risk tuner
// updates, whitelist edits, and API key rotation validated against the
// broker before being committed.
type Manager struct {
	mu  sync.RWMutex
	cfg *Config

	publisher  ConfigChangePublisher
}

// ConfigChangePublisher is the narrow event-bus dependency the Manager
// needs to announce a committed change.
type ConfigChangePublisher interface {
	Publish(topic string, event interface{})
}

// NewManager wraps cfg for safe concurrent admin access.
func NewManager(cfg *Config, publisher ConfigChangePublisher) *Manager {
	return &Manager{cfg: cfg, publisher: publisher}
}

// Get returns a shallow copy of the current configuration.
func (m *Manager) Get() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.cfg
}

// UpdateRiskTuner replaces the risk tuner section after validating bounds.
func (m *Manager) UpdateRiskTuner(rt RiskTunerConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := m.cfg.RiskTuner
	m.cfg.RiskTuner = rt
	if err := m.cfg.validateRiskTuner(); err != nil {
		m.cfg.RiskTuner = prev
		return err
	}
	m.announce("risk_tuner")
	return nil
}

// UpdateAssetWhitelist replaces the whitelisted symbol set.
func (m *Manager) UpdateAssetWhitelist(symbols []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Whitelist.Symbols = symbols
	m.announce("whitelist")
}

// SetWhitelistEnabled toggles whitelist enforcement.
func (m *Manager) SetWhitelistEnabled(enabled bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cfg.Whitelist.Enabled = enabled
	m.announce("whitelist")
}

// BrokerTester is the narrow broker dependency credential rotation
// validates against before committing.
type BrokerTester interface {
	TestConnection() error
}

// UpdateAPIKeys rotates broker credentials only after confirming they work
// against a live TestConnection call.
func (m *Manager) UpdateAPIKeys(apiKey, apiSecret string, tester BrokerTester) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	prevKey, prevSecret := m.cfg.Broker.APIKey, m.cfg.Broker.APISecret
	m.cfg.Broker.APIKey = Secret(apiKey)
	m.cfg.Broker.APISecret = Secret(apiSecret)

	if tester != nil {
		if err := tester.TestConnection(); err != nil {
			m.cfg.Broker.APIKey, m.cfg.Broker.APISecret = prevKey, prevSecret
			return fmt.Errorf("credential rotation rejected: %w", err)
		}
	}
	m.announce("broker_credentials")
	return nil
}

// ValidateSignal reports whether symbol is permitted under the whitelist.
func (m *Manager) ValidateSignal(symbol string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg.Whitelist.IsWhitelisted(symbol)
}

func (m *Manager) announce(section string) {
	if m.publisher != nil {
		m.publisher.Publish("config:changed", map[string]interface{}{"section": section})
	}
}

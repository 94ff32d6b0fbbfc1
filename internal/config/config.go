// Package config provides configuration management for the trading gateway.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Config holds all gateway configuration.
type Config struct {
	Gateway   GatewayConfig   `mapstructure:"gateway"`
	Risk      RiskLimits      `mapstructure:"risk"`
	Audit     AuditConfig     `mapstructure:"audit"`
	Store     StoreConfig     `mapstructure:"store"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Reconcile ReconcileConfig `mapstructure:"reconcile"`
}

// GatewayConfig holds gateway-level settings.
type GatewayConfig struct {
	Mode        string  `mapstructure:"mode"` // "live", "paper"
	AccountID   string  `mapstructure:"account_id"`
	Equity      float64 `mapstructure:"equity"`
	MetricsAddr string  `mapstructure:"metrics_addr"`
}

// RiskLimits holds every pre-trade limit consumed by the risk evaluator.
// Values are hot-reloadable; the evaluator reads them through Provider.
type RiskLimits struct {
	MaxOrderNotional    float64  `mapstructure:"max_order_notional"`
	MaxPositionNotional float64  `mapstructure:"max_position_notional"`
	MaxGrossExposure    float64  `mapstructure:"max_gross_exposure"`
	MaxNetExposure      float64  `mapstructure:"max_net_exposure"`
	MaxDailyLoss        float64  `mapstructure:"max_daily_loss"`
	MaxDrawdown         float64  `mapstructure:"max_drawdown"`
	MaxOrdersPerMin     int      `mapstructure:"max_orders_per_min"`
	MaxCancelsPerMin    int      `mapstructure:"max_cancels_per_min"`
	MaxReplacesPerMin   int      `mapstructure:"max_replaces_per_min"`
	MaxDailyTrades      int      `mapstructure:"max_daily_trades"`
	MaxSpreadBps        float64  `mapstructure:"max_spread_bps"`
	MinQuoteSize        int64    `mapstructure:"min_quote_size"`
	RiskPerTradePct     float64  `mapstructure:"risk_per_trade_pct"`
	SymbolAllowlist     []string `mapstructure:"symbol_allowlist"`
	DisabledSymbols     []string `mapstructure:"disabled_symbols"`
	DisabledStrategies  []string `mapstructure:"disabled_strategies"`
}

// AuditConfig holds audit log settings.
type AuditConfig struct {
	Capacity int  `mapstructure:"capacity"`
	Persist  bool `mapstructure:"persist"`
}

// StoreConfig holds persistence settings.
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level   string `mapstructure:"level"`
	Console bool   `mapstructure:"console"`
	File    bool   `mapstructure:"file"`
}

// ReconcileConfig holds reconciliation settings.
type ReconcileConfig struct {
	IntervalSeconds int     `mapstructure:"interval_seconds"`
	PositionEpsilon float64 `mapstructure:"position_epsilon"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/tradegate"
	}
	return filepath.Join(home, ".config", "tradegate")
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("gateway.mode", "paper")
	v.SetDefault("gateway.equity", 100000.0)
	v.SetDefault("risk.max_order_notional", 25000.0)
	v.SetDefault("risk.max_position_notional", 50000.0)
	v.SetDefault("risk.max_gross_exposure", 200000.0)
	v.SetDefault("risk.max_net_exposure", 100000.0)
	v.SetDefault("risk.max_daily_loss", 1000.0)
	v.SetDefault("risk.max_drawdown", 2000.0)
	v.SetDefault("risk.max_orders_per_min", 30)
	v.SetDefault("risk.max_cancels_per_min", 30)
	v.SetDefault("risk.max_replaces_per_min", 15)
	v.SetDefault("risk.max_daily_trades", 50)
	v.SetDefault("risk.max_spread_bps", 50.0)
	v.SetDefault("risk.min_quote_size", 100)
	v.SetDefault("risk.risk_per_trade_pct", 0.01)
	v.SetDefault("audit.capacity", 10000)
	v.SetDefault("audit.persist", true)
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("reconcile.interval_seconds", 30)
	v.SetDefault("reconcile.position_epsilon", 0.0001)
}

// Load loads configuration from the specified directory. If configDir is
// empty, the default config directory is used. A missing config file yields
// the defaults.
func Load(configDir string) (*Config, error) {
	cfg, _, err := load(configDir)
	return cfg, err
}

func load(configDir string) (*Config, *viper.Viper, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, nil, fmt.Errorf("loading config.toml: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, v, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("TRADEGATE_MODE"); v != "" {
		cfg.Gateway.Mode = v
	}
	if v := os.Getenv("TRADEGATE_ACCOUNT_ID"); v != "" {
		cfg.Gateway.AccountID = v
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Gateway.Mode != "" && c.Gateway.Mode != "live" && c.Gateway.Mode != "paper" {
		return fmt.Errorf("invalid gateway mode: %s (must be 'live' or 'paper')", c.Gateway.Mode)
	}
	if c.Risk.MaxDailyLoss < 0 {
		return fmt.Errorf("max_daily_loss must be non-negative")
	}
	if c.Risk.MaxDrawdown < 0 {
		return fmt.Errorf("max_drawdown must be non-negative")
	}
	if c.Risk.RiskPerTradePct < 0 || c.Risk.RiskPerTradePct > 1 {
		return fmt.Errorf("risk_per_trade_pct must be between 0 and 1")
	}
	if c.Audit.Capacity < 2 {
		return fmt.Errorf("audit capacity must be at least 2")
	}
	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Gateway.Mode == "paper"
}

// Snapshot returns a flattened view of the config suitable for the audit
// log's versioned configuration history.
func (c *Config) Snapshot() map[string]interface{} {
	return map[string]interface{}{
		"gateway.mode":              c.Gateway.Mode,
		"gateway.equity":            c.Gateway.Equity,
		"risk.max_order_notional":   c.Risk.MaxOrderNotional,
		"risk.max_position":         c.Risk.MaxPositionNotional,
		"risk.max_gross_exposure":   c.Risk.MaxGrossExposure,
		"risk.max_net_exposure":     c.Risk.MaxNetExposure,
		"risk.max_daily_loss":       c.Risk.MaxDailyLoss,
		"risk.max_drawdown":         c.Risk.MaxDrawdown,
		"risk.max_orders_per_min":   c.Risk.MaxOrdersPerMin,
		"risk.max_cancels_per_min":  c.Risk.MaxCancelsPerMin,
		"risk.max_replaces_per_min": c.Risk.MaxReplacesPerMin,
		"risk.max_daily_trades":     c.Risk.MaxDailyTrades,
		"risk.max_spread_bps":       c.Risk.MaxSpreadBps,
		"risk.min_quote_size":       c.Risk.MinQuoteSize,
		"risk.risk_per_trade_pct":   c.Risk.RiskPerTradePct,
		"risk.symbol_allowlist":     append([]string(nil), c.Risk.SymbolAllowlist...),
		"risk.disabled_symbols":     append([]string(nil), c.Risk.DisabledSymbols...),
		"risk.disabled_strategies":  append([]string(nil), c.Risk.DisabledStrategies...),
		"audit.capacity":            c.Audit.Capacity,
		"reconcile.interval":        c.Reconcile.IntervalSeconds,
	}
}

// Provider serves the current configuration and supports hot reload. The
// evaluator and kill switch read limits through it so a reload takes effect
// on the next evaluation without restart.
type Provider struct {
	mu       sync.RWMutex
	cfg      *Config
	v        *viper.Viper
	onChange []func(*Config)
}

// NewProvider loads configuration and returns a Provider around it.
func NewProvider(configDir string) (*Provider, error) {
	cfg, v, err := load(configDir)
	if err != nil {
		return nil, err
	}
	return &Provider{cfg: cfg, v: v}, nil
}

// NewStaticProvider wraps an already-built Config; used by tests and by
// callers that manage reloads themselves.
func NewStaticProvider(cfg *Config) *Provider {
	return &Provider{cfg: cfg}
}

// Current returns the current configuration.
func (p *Provider) Current() *Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// Limits returns the current risk limits.
func (p *Provider) Limits() RiskLimits {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg.Risk
}

// OnChange registers a callback invoked after every successful reload.
func (p *Provider) OnChange(fn func(*Config)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onChange = append(p.onChange, fn)
}

// Update replaces the current configuration after validating it and notifies
// subscribers. Invalid replacements are rejected and the old config stays.
func (p *Provider) Update(cfg *Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.cfg = cfg
	callbacks := make([]func(*Config), len(p.onChange))
	copy(callbacks, p.onChange)
	p.mu.Unlock()

	for _, fn := range callbacks {
		fn(cfg)
	}
	return nil
}

// Watch begins watching the config file for changes. A change that fails to
// parse or validate is dropped; the previous config stays in effect.
func (p *Provider) Watch() {
	if p.v == nil {
		return
	}
	p.v.OnConfigChange(func(_ fsnotify.Event) {
		cfg := &Config{}
		if err := p.v.Unmarshal(cfg); err != nil {
			return
		}
		applyEnvOverrides(cfg)
		_ = p.Update(cfg)
	})
	p.v.WatchConfig()
}

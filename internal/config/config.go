package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"donut-multiplier/internal/logging"
)

// ErrInvalidConfig marks configuration problems detected before any wallet is evaluated.
var ErrInvalidConfig = errors.New("invalid configuration")

// Config materialises application configuration.
type Config struct {
	App      AppConfig      `mapstructure:"app"`
	Logging  logging.Config `mapstructure:"logging"`
	Database DatabaseConfig `mapstructure:"database"`
	Program  ProgramConfig  `mapstructure:"program"`
	Explorer ExplorerConfig `mapstructure:"explorer"`
	Ethereum EthereumConfig `mapstructure:"ethereum"`
	Retry    RetryConfig    `mapstructure:"retry"`
	Batch    BatchConfig    `mapstructure:"batch"`
	Alerting AlertingConfig `mapstructure:"alerting"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Export   ExportConfig   `mapstructure:"export"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	MigrationsPath  string        `mapstructure:"migrations_path"`
}

// ProgramConfig describes the distribution program being reconciled.
type ProgramConfig struct {
	TokenAddress       string   `mapstructure:"token_address"`
	OriginAddress      string   `mapstructure:"origin_address"`
	LPAddress          string   `mapstructure:"lp_address"`
	TokenDecimals      int32    `mapstructure:"token_decimals"`
	MembershipKeywords []string `mapstructure:"membership_keywords"`
	BlockWindow        uint64   `mapstructure:"block_window"`
}

// ExplorerConfig covers the Etherscan-compatible history API.
type ExplorerConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	APIKey         string        `mapstructure:"api_key"`
	ChainID        int64         `mapstructure:"chain_id"`
	PageSize       int           `mapstructure:"page_size"`
	RateLimit      float64       `mapstructure:"rate_limit"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	UserAgent      string        `mapstructure:"user_agent"`
}

// EthereumConfig covers on-chain balance reads.
type EthereumConfig struct {
	RPCURL         string        `mapstructure:"rpc_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// RetryConfig bounds retries of transient ledger failures.
type RetryConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
}

// BatchConfig tunes per-round evaluation.
type BatchConfig struct {
	Workers         int           `mapstructure:"workers"`
	AddressColumn   string        `mapstructure:"address_column"`
	WalletTimeout   time.Duration `mapstructure:"wallet_timeout"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// AlertingConfig defines batch summary routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig 描述 Telegram 告警参数。
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`

	// AddressLink prefixes wallet addresses in messages, e.g. a block explorer URL.
	AddressLink string `mapstructure:"address_link"`
}

// MetricsConfig points batch runs at a Pushgateway.
type MetricsConfig struct {
	PushgatewayURL string `mapstructure:"pushgateway_url"`
	Job            string `mapstructure:"job"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("DONUTMULT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "donutmult")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 10)
	v.SetDefault("logging.max_age_days", 30)

	// r/EthTrader donut distribution on Arbitrum One
	v.SetDefault("program.token_address", "0xF42e2B8bc2aF8B110b65be98dB1321B1ab8D44f5")
	v.SetDefault("program.origin_address", "0x439ceE4cC4EcBD75DC08D9a17E92bDdCc11CDb8C")
	v.SetDefault("program.lp_address", "0x65f7a98D87BC21A3748545047632FEf4d3Ff9a67")
	v.SetDefault("program.token_decimals", 18)
	v.SetDefault("program.membership_keywords", []string{"EthTrader", "Special", "Membership"})
	v.SetDefault("program.block_window", 5)

	v.SetDefault("explorer.base_url", "https://api.etherscan.io/v2/api")
	v.SetDefault("explorer.api_key", "")
	v.SetDefault("explorer.chain_id", 42161)
	v.SetDefault("explorer.page_size", 100)
	v.SetDefault("explorer.rate_limit", 5.0)
	v.SetDefault("explorer.request_timeout", "15s")
	v.SetDefault("explorer.user_agent", "")

	v.SetDefault("ethereum.rpc_url", "https://arb1.arbitrum.io/rpc")
	v.SetDefault("ethereum.request_timeout", "10s")

	v.SetDefault("retry.max_attempts", 4)
	v.SetDefault("retry.initial_interval", "500ms")
	v.SetDefault("retry.max_interval", "10s")

	v.SetDefault("batch.workers", 4)
	v.SetDefault("batch.address_column", "blockchain_address")
	v.SetDefault("batch.wallet_timeout", "2m")
	v.SetDefault("batch.advisory_lock_key", int64(0x646f6e74))

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"telegram"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")
	v.SetDefault("alerting.telegram.address_link", "https://arbiscan.io/address/")

	v.SetDefault("metrics.pushgateway_url", "")
	v.SetDefault("metrics.job", "donutmult")

	v.SetDefault("export.max_data_points", 100000)

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.migrations_path", "migrations")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs sanity checks on the configuration values. Every failure
// wraps ErrInvalidConfig.
func hasKeyword(keywords []string) bool {
	for _, kw := range keywords {
		if strings.TrimSpace(kw) != "" {
			return true
		}
	}
	return false
}

func (c *Config) Validate() error {
	addresses := []struct {
		key   string
		value string
	}{
		{"program.token_address", c.Program.TokenAddress},
		{"program.origin_address", c.Program.OriginAddress},
		{"program.lp_address", c.Program.LPAddress},
	}
	for _, addr := range addresses {
		if addr.value == "" {
			return fmt.Errorf("%w: %s is required", ErrInvalidConfig, addr.key)
		}
		if !common.IsHexAddress(addr.value) {
			return fmt.Errorf("%w: %s is not a hex address", ErrInvalidConfig, addr.key)
		}
	}
	if c.Program.TokenDecimals < 0 {
		return fmt.Errorf("%w: program.token_decimals cannot be negative", ErrInvalidConfig)
	}
	if !hasKeyword(c.Program.MembershipKeywords) {
		return fmt.Errorf("%w: program.membership_keywords is required", ErrInvalidConfig)
	}
	if c.Explorer.BaseURL == "" {
		return fmt.Errorf("%w: explorer.base_url is required", ErrInvalidConfig)
	}
	if c.Explorer.PageSize <= 0 {
		return fmt.Errorf("%w: explorer.page_size must be greater than zero", ErrInvalidConfig)
	}
	if c.Ethereum.RPCURL == "" {
		return fmt.Errorf("%w: ethereum.rpc_url is required", ErrInvalidConfig)
	}
	if c.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("%w: retry.max_attempts must be greater than zero", ErrInvalidConfig)
	}
	if c.Batch.Workers <= 0 {
		return fmt.Errorf("%w: batch.workers must be greater than zero", ErrInvalidConfig)
	}
	if c.Batch.AddressColumn == "" {
		return fmt.Errorf("%w: batch.address_column is required", ErrInvalidConfig)
	}
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("%w: export.max_data_points must be greater than zero", ErrInvalidConfig)
	}
	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("%w: alerting.telegram.bot_token 必须配置", ErrInvalidConfig)
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("%w: alerting.telegram.chat_id 必须配置", ErrInvalidConfig)
		}
	}
	return nil
}

// ResolveWorkers returns either the CLI override or config default.
func (c *Config) ResolveWorkers(override int) int {
	if override > 0 {
		return override
	}
	return c.Batch.Workers
}

// ResolveMaxPoints returns either the CLI override or the export default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

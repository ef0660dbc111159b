package config

import (
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-viper/mapstructure/v2"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"collateral-keeper/internal/logging"
)

// Config materialises application configuration.
type Config struct {
	App        AppConfig        `mapstructure:"app"`
	Logging    logging.Config   `mapstructure:"logging"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Scheduler  SchedulerConfig  `mapstructure:"scheduler"`
	Ethereum   EthereumConfig   `mapstructure:"ethereum"`
	Collateral CollateralConfig `mapstructure:"collateral"`
	Rewards    RewardsConfig    `mapstructure:"rewards"`
	Alerting   AlertingConfig   `mapstructure:"alerting"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Export     ExportConfig     `mapstructure:"export"`
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
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
}

// SchedulerConfig governs refresh cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	AlignToBucket   bool          `mapstructure:"align_to_bucket"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
	// ClaimLockKey serializes claims across keepers without blocking refreshes.
	ClaimLockKey    int64         `mapstructure:"claim_lock_key"`
	StartupDelay    time.Duration `mapstructure:"startup_delay"`
}

// EthereumConfig covers on-chain access.
type EthereumConfig struct {
	RPCURL          string        `mapstructure:"rpc_url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	BreakerFailures uint32        `mapstructure:"breaker_failures"`
	BreakerCooldown time.Duration `mapstructure:"breaker_cooldown"`
	ReceiptPoll     time.Duration `mapstructure:"receipt_poll"`
	ReceiptTimeout  time.Duration `mapstructure:"receipt_timeout"`
	UseBlockTime    bool          `mapstructure:"use_block_time"`
}

// CollateralConfig holds the plugin construction parameters.
type CollateralConfig struct {
	PriceFeed         string          `mapstructure:"price_feed"`
	ERC20             string          `mapstructure:"erc20"`
	ERC20Decimals     uint8           `mapstructure:"erc20_decimals"`
	PoolProxy         string          `mapstructure:"pool_proxy"`
	PoolKind          string          `mapstructure:"pool_kind"`
	OracleTimeout     time.Duration   `mapstructure:"oracle_timeout"`
	TargetName        string          `mapstructure:"target_name"`
	TargetPerRef      decimal.Decimal `mapstructure:"target_per_ref"`
	PricePerTarget    decimal.Decimal `mapstructure:"price_per_target"`
	DefaultThreshold  decimal.Decimal `mapstructure:"default_threshold"`
	DelayUntilDefault time.Duration   `mapstructure:"delay_until_default"`
	MaxTradeVolume    decimal.Decimal `mapstructure:"max_trade_volume"`
	FallbackPrice     decimal.Decimal `mapstructure:"fallback_price"`
}

// RewardsConfig covers the reward program and the keeper account that claims.
type RewardsConfig struct {
	RewardsProxy      string        `mapstructure:"rewards_proxy"`
	AutoCompoundProxy string        `mapstructure:"auto_compound_proxy"`
	RewardToken       string        `mapstructure:"reward_token"`
	ClaimInterval     time.Duration `mapstructure:"claim_interval"`
	ClaimTimeout      time.Duration `mapstructure:"claim_timeout"`
	KeeperPrivateKey  string        `mapstructure:"keeper_private_key"`
}

// AlertingConfig defines notification routing.
type AlertingConfig struct {
	Enabled  bool           `mapstructure:"enabled"`
	Channels []string       `mapstructure:"channels"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// TelegramConfig describes the Telegram channel.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
	APIBase  string `mapstructure:"api_base"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
	Path    string `mapstructure:"path"`
}

// ExportConfig sets CLI export behaviour.
type ExportConfig struct {
	MaxDataPoints int `mapstructure:"max_data_points"`
}

// Load builds configuration from a .env file, the config file, environment and defaults.
func Load(path string) (*Config, error) {
	if err := loadDotEnv(); err != nil {
		return nil, err
	}

	v := viper.New()
	v.SetEnvPrefix("COLLATERAL")
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

// loadDotEnv reads .env from the working directory when present. Variables
// already set in the environment win.
func loadDotEnv() error {
	if err := godotenv.Load(); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
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
	v.SetDefault("app.name", "collateral-keeper")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")

	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 2)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)

	v.SetDefault("scheduler.interval", "5m")
	v.SetDefault("scheduler.align_to_bucket", true)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x636f6c6c))
	v.SetDefault("scheduler.claim_lock_key", int64(0x636c6d73))
	v.SetDefault("scheduler.startup_delay", "0s")

	v.SetDefault("ethereum.rpc_url", "")
	v.SetDefault("ethereum.request_timeout", "10s")
	v.SetDefault("ethereum.breaker_failures", 5)
	v.SetDefault("ethereum.breaker_cooldown", "30s")
	v.SetDefault("ethereum.receipt_poll", "2s")
	v.SetDefault("ethereum.receipt_timeout", "5m")
	v.SetDefault("ethereum.use_block_time", true)

	v.SetDefault("collateral.price_feed", "")
	v.SetDefault("collateral.erc20", "")
	v.SetDefault("collateral.erc20_decimals", 0)
	v.SetDefault("collateral.pool_proxy", "")
	v.SetDefault("collateral.pool_kind", "erc4626")
	v.SetDefault("collateral.oracle_timeout", "24h")
	v.SetDefault("collateral.target_name", "USD")
	v.SetDefault("collateral.target_per_ref", "1")
	v.SetDefault("collateral.price_per_target", "1")
	v.SetDefault("collateral.default_threshold", "0.05")
	v.SetDefault("collateral.delay_until_default", "24h")
	v.SetDefault("collateral.max_trade_volume", "1000000")
	v.SetDefault("collateral.fallback_price", "1")

	v.SetDefault("rewards.rewards_proxy", "")
	v.SetDefault("rewards.auto_compound_proxy", "")
	v.SetDefault("rewards.reward_token", "")
	v.SetDefault("rewards.claim_interval", "24h")
	v.SetDefault("rewards.claim_timeout", "10m")
	v.SetDefault("rewards.keeper_private_key", "")

	v.SetDefault("alerting.enabled", false)
	v.SetDefault("alerting.channels", []string{"log"})
	v.SetDefault("alerting.telegram.enabled", false)
	v.SetDefault("alerting.telegram.bot_token", "")
	v.SetDefault("alerting.telegram.chat_id", "")
	v.SetDefault("alerting.telegram.api_base", "https://api.telegram.org")

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen", ":9464")
	v.SetDefault("metrics.path", "/metrics")

	v.SetDefault("export.max_data_points", 100000)
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			stringToDecimalHookFunc(),
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

var decimalType = reflect.TypeOf(decimal.Decimal{})

// stringToDecimalHookFunc decodes strings and numbers into decimal.Decimal.
// Strings are preferred in config files so values keep full precision.
func stringToDecimalHookFunc() mapstructure.DecodeHookFuncType {
	return func(from reflect.Type, to reflect.Type, data any) (any, error) {
		if to != decimalType {
			return data, nil
		}
		switch v := data.(type) {
		case string:
			v = strings.TrimSpace(v)
			if v == "" {
				return decimal.Zero, nil
			}
			d, err := decimal.NewFromString(v)
			if err != nil {
				return nil, fmt.Errorf("parse decimal %q: %w", v, err)
			}
			return d, nil
		case float64:
			return decimal.NewFromFloat(v), nil
		case float32:
			return decimal.NewFromFloat32(v), nil
		case int:
			return decimal.NewFromInt(int64(v)), nil
		case int64:
			return decimal.NewFromInt(v), nil
		case decimal.Decimal:
			return v, nil
		}
		return data, nil
	}
}

// Validate performs sanity checks that do not need the chain.
func (c *Config) Validate() error {
	if c.Export.MaxDataPoints <= 0 {
		return fmt.Errorf("export.max_data_points must be greater than zero")
	}
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Rewards.ClaimInterval < 0 {
		return fmt.Errorf("rewards.claim_interval cannot be negative")
	}
	if c.Rewards.ClaimTimeout < 0 || c.Ethereum.ReceiptTimeout < 0 {
		return fmt.Errorf("rewards.claim_timeout and ethereum.receipt_timeout cannot be negative")
	}
	if c.Scheduler.ClaimLockKey != 0 && c.Scheduler.ClaimLockKey == c.Scheduler.AdvisoryLockKey {
		return fmt.Errorf("scheduler.claim_lock_key must differ from scheduler.advisory_lock_key")
	}
	if c.Ethereum.RequestTimeout <= 0 {
		return fmt.Errorf("ethereum.request_timeout must be greater than zero")
	}
	if c.Collateral.DefaultThreshold.IsNegative() {
		return fmt.Errorf("collateral.default_threshold cannot be negative")
	}

	addresses := map[string]string{
		"collateral.price_feed":       c.Collateral.PriceFeed,
		"collateral.erc20":            c.Collateral.ERC20,
		"collateral.pool_proxy":       c.Collateral.PoolProxy,
		"rewards.rewards_proxy":       c.Rewards.RewardsProxy,
		"rewards.auto_compound_proxy": c.Rewards.AutoCompoundProxy,
		"rewards.reward_token":        c.Rewards.RewardToken,
	}
	for key, value := range addresses {
		if value != "" && !common.IsHexAddress(value) {
			return fmt.Errorf("%s is not a hex address: %q", key, value)
		}
	}

	if c.Alerting.Telegram.Enabled {
		if c.Alerting.Telegram.BotToken == "" {
			return fmt.Errorf("alerting.telegram.bot_token is required")
		}
		if c.Alerting.Telegram.ChatID == "" {
			return fmt.Errorf("alerting.telegram.chat_id is required")
		}
	}
	if c.Metrics.Enabled && c.Metrics.Listen == "" {
		return fmt.Errorf("metrics.listen is required when metrics are enabled")
	}
	return nil
}

// ResolveMaxPoints returns either the CLI override or config default.
func (c *Config) ResolveMaxPoints(override int) int {
	if override > 0 {
		return override
	}
	return c.Export.MaxDataPoints
}

// Address parses a configured hex address; empty yields the zero address.
func Address(value string) common.Address {
	if value == "" {
		return common.Address{}
	}
	return common.HexToAddress(value)
}

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all engine configuration.
type Config struct {
	Logging  LoggingConfig  `mapstructure:"logging"`
	Engine   EngineConfig   `mapstructure:"engine"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	Market   MarketConfig   `mapstructure:"market"`
	Decision DecisionConfig `mapstructure:"decision"`
	Risk     RiskConfig     `mapstructure:"risk"`
	Orders   OrderConfig    `mapstructure:"orders"`
	Monitor  MonitorConfig  `mapstructure:"monitor"`
	Sentinel SentinelConfig `mapstructure:"sentinel"`
	Journal  JournalConfig  `mapstructure:"journal"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Telegram TelegramConfig `mapstructure:"telegram"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// LoggingConfig controls the global logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"` // "json" or "console"
}

// EngineConfig drives the cycle orchestrator.
type EngineConfig struct {
	Symbols              []string      `mapstructure:"symbols"`
	CycleInterval        time.Duration `mapstructure:"cycle_interval"`
	CycleTimeout         time.Duration `mapstructure:"cycle_timeout"`
	ReconcileEveryCycles int           `mapstructure:"reconcile_every_cycles"`
	FlushEveryCycles     int           `mapstructure:"flush_every_cycles"`
	EquityDriftThreshold float64       `mapstructure:"equity_drift_threshold"`
	MaxOpenPositions     int           `mapstructure:"max_open_positions"`
	DataDir              string        `mapstructure:"data_dir"`
}

// ExchangeConfig holds venue credentials and transport limits.
type ExchangeConfig struct {
	APIKey    string  `mapstructure:"api_key"`
	APISecret string  `mapstructure:"api_secret"`
	Testnet   bool    `mapstructure:"testnet"`
	DryRun    bool    `mapstructure:"dry_run"`
	RateLimit float64 `mapstructure:"rate_limit"` // requests per second
	RateBurst int     `mapstructure:"rate_burst"`
}

// MarketConfig controls candle fetching and caching.
type MarketConfig struct {
	KlineInterval  string        `mapstructure:"kline_interval"`
	KlineLimit     int           `mapstructure:"kline_limit"`
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	HardRefreshAge time.Duration `mapstructure:"hard_refresh_age"`
}

// DecisionConfig controls the per-agent decision pipeline.
type DecisionConfig struct {
	Endpoint           string        `mapstructure:"endpoint"`
	Model              string        `mapstructure:"model"`
	APIKey             string        `mapstructure:"api_key"`
	Timeout            time.Duration `mapstructure:"timeout"`
	MinConfidence      float64       `mapstructure:"min_confidence"` // entry gate on the arbitrated verdict
	CacheMinConfidence float64       `mapstructure:"cache_min_confidence"`
	CacheMaxAgeCycles  int           `mapstructure:"cache_max_age_cycles"`
	AgentsDir          string        `mapstructure:"agents_dir"`
}

// RiskConfig parameterizes sizing, leverage and kill-switches.
type RiskConfig struct {
	RiskFraction         float64       `mapstructure:"risk_fraction"`
	RiskFractionCeiling  float64       `mapstructure:"risk_fraction_ceiling"`
	MinMarginPerTrade    float64       `mapstructure:"min_margin_per_trade"`
	MaxMarginPerTrade    float64       `mapstructure:"max_margin_per_trade"`
	BaseLeverage         int           `mapstructure:"base_leverage"`
	MaxLeverage          int           `mapstructure:"max_leverage"`
	MaxDailyLossPct      float64       `mapstructure:"max_daily_loss_pct"` // fraction of the day's starting equity
	MaxDrawdown          float64       `mapstructure:"max_drawdown"`       // fraction of peak equity
	MaxConsecutiveLosses int           `mapstructure:"max_consecutive_losses"`
	MaxAvgLatency        time.Duration `mapstructure:"max_avg_latency"`
	LatencyWindow        int           `mapstructure:"latency_window"`
	CorrelationThreshold float64       `mapstructure:"correlation_threshold"`
	CorrelationSizeScale float64       `mapstructure:"correlation_size_scale"`
	BreakerPause         time.Duration `mapstructure:"breaker_pause"`
	CandleSpreadFactor   float64       `mapstructure:"candle_spread_factor"`
	CandleMedianWindow   int           `mapstructure:"candle_median_window"`
	FundingDeltaMax      float64       `mapstructure:"funding_delta_max"` // absolute rate change per hour
	QuoteSpreadMax       float64       `mapstructure:"quote_spread_max"`  // fraction of mid
}

// OrderConfig parameterizes the order lifecycle manager.
type OrderConfig struct {
	SameSideCooldown  time.Duration `mapstructure:"same_side_cooldown"`
	ReversalCooldown  time.Duration `mapstructure:"reversal_cooldown"`
	DuplicateDebounce time.Duration `mapstructure:"duplicate_debounce"`
	ExitDebounce      time.Duration `mapstructure:"exit_debounce"`
	ConfirmTimeout    time.Duration `mapstructure:"confirm_timeout"`
	ConfirmPoll       time.Duration `mapstructure:"confirm_poll"`
	MinNotional       float64       `mapstructure:"min_notional"`
	PartialROI        float64       `mapstructure:"partial_roi"`      // ROI fraction triggering partial close
	PartialFraction   float64       `mapstructure:"partial_fraction"` // fraction of quantity closed
	BreakevenBuffer   float64       `mapstructure:"breakeven_buffer"` // fraction of entry price
	SafetyOffsetTicks int           `mapstructure:"safety_offset_ticks"`
	RejectThrottle    time.Duration `mapstructure:"reject_throttle"`
	DailyOrderCap     int           `mapstructure:"daily_order_cap"`
}

// MonitorConfig drives the live monitor loop.
type MonitorConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	LogDebounce time.Duration `mapstructure:"log_debounce"`
}

// SentinelConfig drives the sentinel loop.
type SentinelConfig struct {
	Interval         time.Duration `mapstructure:"interval"`
	ReattachDebounce time.Duration `mapstructure:"reattach_debounce"`
	ReattachCycles   int           `mapstructure:"reattach_cycles"`
}

// JournalConfig controls the CSV journals.
type JournalConfig struct {
	Dir string `mapstructure:"dir"`
}

// RedisConfig enables the optional Redis market cache.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	TTL      time.Duration `mapstructure:"ttl"`
}

// TelegramConfig enables the notifier channel.
type TelegramConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Token   string `mapstructure:"token"`
	ChatID  int64  `mapstructure:"chat_id"`
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load reads configuration from engine.yaml and environment variables.
// Environment variables use the ALPHAARENA_ prefix with underscores,
// e.g. ALPHAARENA_EXCHANGE_API_KEY.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("engine")
	v.SetConfigType("yaml")
	v.AddConfigPath("./configs")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ALPHAARENA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing file is fine; defaults plus env carry the config.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("engine.symbols", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("engine.cycle_interval", "60s")
	v.SetDefault("engine.cycle_timeout", "90s")
	v.SetDefault("engine.reconcile_every_cycles", 10)
	v.SetDefault("engine.flush_every_cycles", 7)
	v.SetDefault("engine.equity_drift_threshold", 0.01)
	v.SetDefault("engine.max_open_positions", 5)
	v.SetDefault("engine.data_dir", "./data")

	v.SetDefault("exchange.testnet", false)
	v.SetDefault("exchange.dry_run", true)
	v.SetDefault("exchange.rate_limit", 8.0)
	v.SetDefault("exchange.rate_burst", 16)

	v.SetDefault("market.kline_interval", "5m")
	v.SetDefault("market.kline_limit", 100)
	v.SetDefault("market.cache_ttl", "30s")
	v.SetDefault("market.hard_refresh_age", "10s")

	v.SetDefault("decision.timeout", "2s")
	v.SetDefault("decision.min_confidence", 0.65)
	v.SetDefault("decision.cache_min_confidence", 0.8)
	v.SetDefault("decision.cache_max_age_cycles", 4)
	v.SetDefault("decision.agents_dir", "./data/agents")

	v.SetDefault("risk.risk_fraction", 0.025)
	v.SetDefault("risk.risk_fraction_ceiling", 0.03)
	v.SetDefault("risk.min_margin_per_trade", 200.0)
	v.SetDefault("risk.max_margin_per_trade", 600.0)
	v.SetDefault("risk.base_leverage", 2)
	v.SetDefault("risk.max_leverage", 3)
	v.SetDefault("risk.max_daily_loss_pct", 0.05)
	v.SetDefault("risk.max_drawdown", 0.25)
	v.SetDefault("risk.max_consecutive_losses", 3)
	v.SetDefault("risk.max_avg_latency", "5s")
	v.SetDefault("risk.latency_window", 20)
	v.SetDefault("risk.correlation_threshold", 0.8)
	v.SetDefault("risk.correlation_size_scale", 0.5)
	v.SetDefault("risk.breaker_pause", "10m")
	v.SetDefault("risk.candle_spread_factor", 1.2)
	v.SetDefault("risk.candle_median_window", 20)
	v.SetDefault("risk.funding_delta_max", 0.001)
	v.SetDefault("risk.quote_spread_max", 0.0015)

	v.SetDefault("orders.same_side_cooldown", "900s")
	v.SetDefault("orders.reversal_cooldown", "600s")
	v.SetDefault("orders.duplicate_debounce", "2500ms")
	v.SetDefault("orders.exit_debounce", "5s")
	v.SetDefault("orders.confirm_timeout", "2s")
	v.SetDefault("orders.confirm_poll", "200ms")
	v.SetDefault("orders.min_notional", 10.0)
	v.SetDefault("orders.partial_roi", 0.003)
	v.SetDefault("orders.partial_fraction", 0.5)
	v.SetDefault("orders.breakeven_buffer", 0.0005)
	v.SetDefault("orders.safety_offset_ticks", 2)
	v.SetDefault("orders.reject_throttle", "60s")
	v.SetDefault("orders.daily_order_cap", 60)

	v.SetDefault("monitor.interval", "5s")
	v.SetDefault("monitor.log_debounce", "60s")

	v.SetDefault("sentinel.interval", "60s")
	v.SetDefault("sentinel.reattach_debounce", "60s")
	v.SetDefault("sentinel.reattach_cycles", 3)

	v.SetDefault("journal.dir", "./data/journal")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.ttl", "30s")

	v.SetDefault("telegram.enabled", false)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.addr", ":9091")
}

// Validate checks invariants that would otherwise surface mid-trade.
func (c *Config) Validate() error {
	if len(c.Engine.Symbols) == 0 {
		return fmt.Errorf("engine.symbols must not be empty")
	}
	if !c.Exchange.DryRun && (c.Exchange.APIKey == "" || c.Exchange.APISecret == "") {
		return fmt.Errorf("exchange.api_key and exchange.api_secret are required when dry_run is disabled")
	}
	if c.Risk.RiskFraction > c.Risk.RiskFractionCeiling {
		return fmt.Errorf("risk.risk_fraction %.4f exceeds ceiling %.4f",
			c.Risk.RiskFraction, c.Risk.RiskFractionCeiling)
	}
	if c.Risk.MinMarginPerTrade > c.Risk.MaxMarginPerTrade {
		return fmt.Errorf("risk.min_margin_per_trade exceeds max_margin_per_trade")
	}
	if c.Orders.PartialFraction <= 0 || c.Orders.PartialFraction >= 1 {
		return fmt.Errorf("orders.partial_fraction must be in (0, 1)")
	}
	if c.Engine.CycleTimeout <= c.Engine.CycleInterval/2 {
		return fmt.Errorf("engine.cycle_timeout too small relative to cycle_interval")
	}
	return nil
}

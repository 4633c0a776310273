package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"positionEngine/internal/adapters/logger"
	"positionEngine/internal/adapters/paper"
	"positionEngine/internal/adjust"
	"positionEngine/internal/audit"
	"positionEngine/internal/exit"
	"positionEngine/internal/monitor"
	"positionEngine/internal/risk"
	"positionEngine/internal/store"
)

// Config holds all application configuration.
type Config struct {
	// Binance API (market data only)
	APIKey    string
	SecretKey string
	IsTestnet bool

	// Database
	DBPath     string
	QuoteAsset string // Asset credited with realised PnL

	// Logging
	LogLevel   logger.LogLevel
	LogConsole bool

	// Metrics
	MetricsAddr string // Empty disables the /metrics endpoint

	// Components
	Store    store.Config
	Monitor  monitor.Config
	TimeExit exit.TimeExitConfig
	Risk     risk.Config
	Adjust   adjust.Config
	Audit    audit.Config
	Paper    paper.Config
}

// LoadConfig loads configuration from environment variables (.env file).
func LoadConfig() (*Config, error) {
	// Load .env file, but don't fail if it doesn't exist (allow pure env vars)
	_ = godotenv.Load()

	cfg := &Config{}
	var errs []string
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	var err error

	// Binance API
	cfg.APIKey = getEnv("BINANCE_API_KEY", "")
	cfg.SecretKey = getEnv("BINANCE_API_SECRET", "")
	cfg.IsTestnet = getEnvAsBool("IS_TESTNET", false)

	// Database
	cfg.DBPath = getEnv("DB_PATH", "./data/positions.db")
	cfg.QuoteAsset = strings.ToUpper(getEnv("QUOTE_ASSET", "USDT"))

	// Logging
	cfg.LogLevel = logger.ParseLevel(getEnv("LOG_LEVEL", "INFO"))
	cfg.LogConsole = getEnvAsBool("LOG_CONSOLE", false)

	cfg.MetricsAddr = getEnv("METRICS_ADDR", "")

	// Position store
	cfg.Store.PaperOnly = getEnvAsBool("PAPER_ONLY", false)
	cfg.Store.CacheDuration, err = getEnvAsDuration("CACHE_DURATION", 30*time.Second)
	collect(err)
	cfg.Store.QueryTimeout, err = getEnvAsDuration("POSITION_QUERY_TIMEOUT", store.DefaultQueryTimeout)
	collect(err)

	// Monitor
	m := monitor.DefaultConfig()
	m.MonitorInterval, err = getEnvAsDuration("MONITOR_INTERVAL", m.MonitorInterval)
	collect(err)
	m.IdleSleepMultiplier, err = getEnvAsIntRequired("IDLE_SLEEP_MULTIPLIER", m.IdleSleepMultiplier)
	collect(err)
	m.MaxCloseAttempts, err = getEnvAsIntRequired("MAX_CLOSE_ATTEMPTS", m.MaxCloseAttempts)
	collect(err)
	m.PriceCacheTTL, err = getEnvAsDuration("PRICE_CACHE_TTL", m.PriceCacheTTL)
	collect(err)
	m.PriceWorkers = getEnvAsInt("PRICE_WORKERS", m.PriceWorkers)
	m.FetchTimeout, err = getEnvAsDuration("FETCH_TIMEOUT", m.FetchTimeout)
	collect(err)
	m.ShutdownTimeout, err = getEnvAsDuration("SHUTDOWN_TIMEOUT", m.ShutdownTimeout)
	collect(err)
	m.PruneEvery = getEnvAsInt("PRUNE_EVERY_CYCLES", m.PruneEvery)
	m.UseKlineATR = getEnvAsBool("USE_KLINE_ATR", m.UseKlineATR)
	m.ATRPeriod = getEnvAsInt("ATR_PERIOD", m.ATRPeriod)
	m.ATRCacheTTL, err = getEnvAsDuration("ATR_CACHE_TTL", m.ATRCacheTTL)
	collect(err)
	cfg.Monitor = m

	// Time-based exits
	te := exit.DefaultTimeExitConfig()
	te.Enabled = getEnvAsBool("TIME_EXIT_ENABLED", te.Enabled)
	te.ExpectedCandles = getEnvAsInt("TIME_EXIT_EXPECTED_CANDLES", te.ExpectedCandles)
	te.DefaultExpectedDuration, err = getEnvAsDuration("TIME_EXIT_DEFAULT_DURATION", te.DefaultExpectedDuration)
	collect(err)
	te.MaxDurationMultiplier, err = getEnvAsFloatRequired("TIME_EXIT_MAX_MULTIPLIER", te.MaxDurationMultiplier)
	collect(err)
	te.TargetProfitPct, err = getEnvAsFloatRequired("TIME_EXIT_TARGET_PROFIT_PCT", te.TargetProfitPct)
	collect(err)
	te.TargetLossPct, err = getEnvAsFloatRequired("TIME_EXIT_TARGET_LOSS_PCT", te.TargetLossPct)
	collect(err)
	te.DecayStartLossPct = getEnvAsFloat("TIME_EXIT_DECAY_START_LOSS_PCT", te.DecayStartLossPct)
	te.DecayEndLossPct = getEnvAsFloat("TIME_EXIT_DECAY_END_LOSS_PCT", te.DecayEndLossPct)
	cfg.TimeExit = te

	// Level calculator
	r := risk.DefaultConfig()
	r.StopLossPct, err = getEnvAsFloatRequired("STOP_LOSS_PCT", r.StopLossPct)
	collect(err)
	r.TakeProfitPct, err = getEnvAsFloatRequired("TAKE_PROFIT_PCT", r.TakeProfitPct)
	collect(err)
	r.ATREstimationPct, err = getEnvAsFloatRequired("ATR_ESTIMATION_PCT", r.ATREstimationPct)
	collect(err)
	r.TrailingMultiplier = getEnvAsFloat("TRAILING_MULTIPLIER", r.TrailingMultiplier)
	r.TrailingActivationPct, err = getEnvAsFloatRequired("TRAILING_ACTIVATION_PCT", r.TrailingActivationPct)
	collect(err)
	r.TPMinPct = getEnvAsFloat("TP_MIN_PCT", r.TPMinPct)
	r.TPMaxPct = getEnvAsFloat("TP_MAX_PCT", r.TPMaxPct)
	r.DynamicTPActivationPct = getEnvAsFloat("DYNAMIC_TP_ACTIVATION_PCT", r.DynamicTPActivationPct)
	cfg.Risk = r

	// Adjustment controller
	a := adjust.DefaultConfig()
	a.MaxAdjustments, err = getEnvAsIntRequired("MAX_ADJUSTMENTS_PER_POSITION", a.MaxAdjustments)
	collect(err)
	a.ProfitScalingThresholdPct = getEnvAsFloat("ADJUST_PROFIT_SCALING_PCT", a.ProfitScalingThresholdPct)
	a.TrailingThresholdPct = getEnvAsFloat("ADJUST_TRAILING_PCT", a.TrailingThresholdPct)
	a.RiskThresholdPct = getEnvAsFloat("ADJUST_RISK_PCT", a.RiskThresholdPct)
	a.TPMinPct = r.TPMinPct
	a.TPMaxPct = r.TPMaxPct
	cfg.Adjust = a

	// Auditor
	au := audit.DefaultConfig()
	au.DefaultLookback, err = getEnvAsDuration("AUDIT_LOOKBACK", au.DefaultLookback)
	collect(err)
	au.MaxLookback, err = getEnvAsDuration("AUDIT_MAX_LOOKBACK", au.MaxLookback)
	collect(err)
	au.Workers = getEnvAsInt("AUDIT_WORKERS", au.Workers)
	cfg.Audit = au

	// Paper simulator
	p := paper.DefaultConfig()
	p.SlippagePct, err = getEnvAsFloatRequired("PAPER_SLIPPAGE_PCT", p.SlippagePct)
	collect(err)
	p.TickSize, err = getEnvAsFloatRequired("PAPER_TICK_SIZE", p.TickSize)
	collect(err)
	cfg.Paper = p

	if cfg.DBPath == "" {
		errs = append(errs, "DB_PATH must be set")
	}
	if len(errs) == 0 {
		errs = append(errs, cfg.validateComponents()...)
	}

	// Combine validation errors
	if len(errs) > 0 {
		return nil, fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}

	return cfg, nil
}

func (c *Config) validateComponents() []string {
	var errs []string
	for _, err := range []error{
		c.Store.Validate(),
		c.Monitor.Validate(),
		c.TimeExit.Validate(),
		c.Risk.Validate(),
		c.Adjust.Validate(),
		c.Audit.Validate(),
		c.Paper.Validate(),
	} {
		if err != nil {
			errs = append(errs, err.Error())
		}
	}
	return errs
}

// --- Env Var Helpers ---

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

func getEnvAsInt(key string, defaultValue int) int {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsIntRequired(key string, defaultValue int) (int, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid integer value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return defaultValue
	}
	return value
}

func getEnvAsFloatRequired(key string, defaultValue float64) (float64, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	value, err := strconv.ParseFloat(valueStr, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid float value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

func getEnvAsBool(key string, defaultValue bool) bool {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue
	}
	value, err := strconv.ParseBool(valueStr)
	if err != nil {
		return defaultValue
	}
	return value
}

// getEnvAsDuration accepts Go durations ("1m30s") or a bare number of seconds.
func getEnvAsDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	valueStr := os.Getenv(key)
	if valueStr == "" {
		return defaultValue, nil
	}
	if secs, err := strconv.ParseFloat(valueStr, 64); err == nil {
		return time.Duration(secs * float64(time.Second)), nil
	}
	value, err := time.ParseDuration(valueStr)
	if err != nil {
		return 0, fmt.Errorf("invalid duration value '%s' for key %s: %w", valueStr, key, err)
	}
	return value, nil
}

package monitor

import (
	"fmt"
	"strings"
	"time"

	"positionEngine/internal/ports"
)

// Config holds monitor loop parameters.
type Config struct {
	MonitorInterval     time.Duration // Pause between cycles
	IdleSleepMultiplier int           // Interval multiplier when no positions are open
	MaxCloseAttempts    int           // Close attempts per trade before it is abandoned
	PriceCacheTTL       time.Duration
	PriceWorkers        int           // Concurrent feed calls (prices and ATR) per cycle
	FetchTimeout        time.Duration // Per price fetch and per close call
	ShutdownTimeout     time.Duration // Wait for the in-flight cycle on Stop
	PruneEvery          int           // Cycles between bookkeeping prunes

	UseKlineATR bool // Derive trailing distance from minute-kline ATR instead of the estimate
	ATRPeriod   int
	ATRCacheTTL time.Duration
}

// DefaultConfig returns the monitor defaults.
func DefaultConfig() Config {
	return Config{
		MonitorInterval:     10 * time.Second,
		IdleSleepMultiplier: 6,
		MaxCloseAttempts:    3,
		PriceCacheTTL:       5 * time.Second,
		PriceWorkers:        4,
		FetchTimeout:        10 * time.Second,
		ShutdownTimeout:     30 * time.Second,
		PruneEvery:          30,
		UseKlineATR:         false,
		ATRPeriod:           14,
		ATRCacheTTL:         time.Minute,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	var errs []string
	if c.MonitorInterval <= 0 {
		errs = append(errs, fmt.Sprintf("monitor interval must be positive, got %s", c.MonitorInterval))
	}
	if c.IdleSleepMultiplier < 1 {
		errs = append(errs, "idle sleep multiplier must be at least 1")
	}
	if c.MaxCloseAttempts < 1 {
		errs = append(errs, "max close attempts must be at least 1")
	}
	if c.PriceCacheTTL <= 0 {
		errs = append(errs, "price cache TTL must be positive")
	}
	if c.PriceWorkers < 1 {
		errs = append(errs, "price workers must be at least 1")
	}
	if c.FetchTimeout <= 0 || c.ShutdownTimeout <= 0 {
		errs = append(errs, "fetch and shutdown timeouts must be positive")
	}
	if c.PruneEvery < 1 {
		errs = append(errs, "prune interval must be at least 1 cycle")
	}
	if c.UseKlineATR && (c.ATRPeriod < 1 || c.ATRCacheTTL <= 0) {
		errs = append(errs, "kline ATR needs a positive period and cache TTL")
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: monitor: %s", ports.ErrConfigurationError, strings.Join(errs, "; "))
	}
	return nil
}

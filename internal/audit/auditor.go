// Package audit replays historical klines against the targets of open
// positions to find closes that should have happened but did not.
package audit

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"positionEngine/internal/domain"
	"positionEngine/internal/metrics"
	"positionEngine/internal/ports"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// PositionSource supplies the open positions to audit.
type PositionSource interface {
	GetActivePositions(ctx context.Context, refresh bool) ([]*domain.Position, error)
}

// Config holds auditor parameters.
type Config struct {
	DefaultLookback time.Duration // Used when the caller passes no look-back
	MaxLookback     time.Duration // Upper bound on the replayed window
	Workers         int           // Positions audited concurrently
}

// DefaultConfig returns the auditor defaults.
func DefaultConfig() Config {
	return Config{
		DefaultLookback: 24 * time.Hour,
		MaxLookback:     7 * 24 * time.Hour,
		Workers:         4,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.DefaultLookback <= 0 || c.MaxLookback < c.DefaultLookback {
		return fmt.Errorf("%w: audit look-back must satisfy 0 < default <= max", ports.ErrConfigurationError)
	}
	if c.Workers < 1 {
		return fmt.Errorf("%w: audit workers must be at least 1", ports.ErrConfigurationError)
	}
	return nil
}

// Auditor finds missed executions. It never mutates positions.
type Auditor struct {
	cfg     Config
	source  PositionSource
	feed    ports.PriceFeed
	logger  ports.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// New creates an auditor. m may be nil.
func New(cfg Config, source PositionSource, feed ports.PriceFeed, logger ports.Logger, m *metrics.Metrics) (*Auditor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if source == nil || feed == nil || logger == nil {
		return nil, errors.New("position source, price feed and logger are required")
	}
	return &Auditor{cfg: cfg, source: source, feed: feed, logger: logger, metrics: m, now: time.Now}, nil
}

// CheckMissedExecutions audits every open position with a take profit or stop
// loss over the last hoursBack hours (DefaultLookback when hoursBack <= 0,
// capped at MaxLookback). A feed error for one position is logged and the
// rest of the scan continues.
func (a *Auditor) CheckMissedExecutions(ctx context.Context, hoursBack float64) ([]domain.MissedExecution, error) {
	op := "CheckMissedExecutions"
	positions, err := a.source.GetActivePositions(ctx, true)
	if err != nil {
		return nil, fmt.Errorf("%s: load open positions: %w", op, err)
	}

	lookback := a.cfg.DefaultLookback
	if hoursBack > 0 {
		lookback = time.Duration(hoursBack * float64(time.Hour))
	}
	if lookback > a.cfg.MaxLookback {
		lookback = a.cfg.MaxLookback
	}
	now := a.now()

	var (
		mu     sync.Mutex
		missed []domain.MissedExecution
		failed int
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)
	for _, pos := range positions {
		if !pos.IsOpen() || pos.TakeProfit == 0 && pos.StopLoss == 0 {
			continue
		}
		pos := pos
		g.Go(func() error {
			found, err := a.auditPosition(gctx, pos, now, lookback)
			if err != nil {
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return err
				}
				a.logger.Warn(gctx, op+": skipping position", map[string]interface{}{
					"tradeID": pos.TradeID,
					"symbol":  pos.Symbol,
					"error":   err.Error(),
				})
				mu.Lock()
				failed++
				mu.Unlock()
				return nil
			}
			mu.Lock()
			missed = append(missed, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	sort.Slice(missed, func(i, j int) bool {
		if missed[i].TradeID != missed[j].TradeID {
			return missed[i].TradeID < missed[j].TradeID
		}
		return missed[i].TargetType < missed[j].TargetType
	})

	byTarget := map[domain.TargetType]int{}
	for _, m := range missed {
		byTarget[m.TargetType]++
	}
	a.metrics.Missed(string(domain.TargetTakeProfit), byTarget[domain.TargetTakeProfit])
	a.metrics.Missed(string(domain.TargetStopLoss), byTarget[domain.TargetStopLoss])

	a.logger.Info(ctx, op+": audit finished", map[string]interface{}{
		"positions": len(positions),
		"missed":    len(missed),
		"failed":    failed,
		"lookback":  lookback.String(),
	})
	return missed, nil
}

func (a *Auditor) auditPosition(ctx context.Context, pos *domain.Position, now time.Time, lookback time.Duration) ([]domain.MissedExecution, error) {
	from := now.Add(-lookback)
	if pos.EntryTime.After(from) {
		from = pos.EntryTime
	}
	if !from.Before(now) {
		return nil, nil
	}

	klines, err := a.feed.HistoricalKlines(ctx, pos.Symbol, from, now)
	if err != nil {
		return nil, fmt.Errorf("fetch klines: %w", err)
	}
	if len(klines) == 0 {
		return nil, nil
	}

	current := pos.CurrentPrice
	if !domain.IsValidPrice(current) {
		current = klines[len(klines)-1].Close
	}

	out := make([]domain.MissedExecution, 0, 2)
	targets := []struct {
		kind  domain.TargetType
		price float64
	}{
		{domain.TargetTakeProfit, pos.TakeProfit},
		{domain.TargetStopLoss, pos.StopLoss},
	}
	for _, t := range targets {
		if !domain.IsValidPrice(t.price) {
			continue
		}
		k := firstCrossing(klines, pos, t.kind, t.price)
		if k == nil {
			continue
		}
		out = append(out, domain.MissedExecution{
			TradeID:            pos.TradeID,
			Symbol:             pos.Symbol,
			Side:               pos.Side,
			TargetType:         t.kind,
			TargetPrice:        t.price,
			ActualPriceReached: k.Extreme(pos.Side, t.kind),
			TimestampReached:   k.OpenTime,
			CurrentPrice:       current,
			PotentialPnLMissed: potentialPnLMissed(pos, t.price, current),
			Reason:             missReason(t.kind, pos.Side, t.price, k),
		})
	}
	return out, nil
}

// firstCrossing returns the first kline opening strictly after entry whose
// range reached price in the direction that matters for the target.
func firstCrossing(klines []*domain.Kline, pos *domain.Position, target domain.TargetType, price float64) *domain.Kline {
	for _, k := range klines {
		if k == nil || !k.OpenTime.After(pos.EntryTime) {
			continue
		}
		if k.Crosses(pos.Side, target, price) {
			return k
		}
	}
	return nil
}

// potentialPnLMissed is the PnL at the target minus the PnL at the current price.
func potentialPnLMissed(pos *domain.Position, target, current float64) float64 {
	qty := decimal.NewFromFloat(pos.Quantity)
	diff := decimal.NewFromFloat(target).Sub(decimal.NewFromFloat(current))
	if !pos.IsLong() {
		diff = diff.Neg()
	}
	v, _ := diff.Mul(qty).Round(8).Float64()
	return v
}

func missReason(target domain.TargetType, side domain.Side, price float64, k *domain.Kline) string {
	label := "take profit"
	if target == domain.TargetStopLoss {
		label = "stop loss"
	}
	return fmt.Sprintf("%s %s at %s reached by kline %s (high %s, low %s)",
		side, label, formatPrice(price), k.OpenTime.UTC().Format(time.RFC3339),
		formatPrice(k.High), formatPrice(k.Low))
}

func formatPrice(v float64) string {
	return decimal.NewFromFloat(v).String()
}

// Summary renders missed executions as a short plain-text report.
func (a *Auditor) Summary(missed []domain.MissedExecution) string {
	if len(missed) == 0 {
		return "No missed executions found."
	}

	var b strings.Builder
	total := decimal.Zero
	counts := map[domain.TargetType]int{}
	for _, m := range missed {
		counts[m.TargetType]++
		total = total.Add(decimal.NewFromFloat(m.PotentialPnLMissed))
	}
	fmt.Fprintf(&b, "Missed executions: %d (TP: %d, SL: %d)\n",
		len(missed), counts[domain.TargetTakeProfit], counts[domain.TargetStopLoss])
	fmt.Fprintf(&b, "Total potential PnL missed: %s\n", total.StringFixed(2))
	for _, m := range missed {
		fmt.Fprintf(&b, "- trade %d %s %s %s target %s reached %s at %s, now %s, missed %s\n",
			m.TradeID, m.Symbol, m.Side, m.TargetType,
			formatPrice(m.TargetPrice), formatPrice(m.ActualPriceReached),
			m.TimestampReached.UTC().Format(time.RFC3339),
			formatPrice(m.CurrentPrice), decimal.NewFromFloat(m.PotentialPnLMissed).StringFixed(2))
	}
	return b.String()
}

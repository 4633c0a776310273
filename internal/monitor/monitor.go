// Package monitor runs the scheduling loop that prices open positions,
// maintains their protective levels and closes them when an exit rule fires.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"positionEngine/internal/cache"
	"positionEngine/internal/domain"
	"positionEngine/internal/metrics"
	"positionEngine/internal/ports"
	"positionEngine/internal/risk"

	"golang.org/x/sync/errgroup"
)

// PositionStore is the part of the position store the monitor drives.
type PositionStore interface {
	GetActivePositions(ctx context.Context, refresh bool) ([]*domain.Position, error)
	UpdatePrice(tradeID int64, price float64) bool
	UpdateLevels(ctx context.Context, tradeID int64, levels domain.Levels) (bool, error)
	MarkClosed(tradeID int64)
}

// ExitEvaluator decides whether a position must close.
type ExitEvaluator interface {
	Evaluate(pos *domain.Position, price float64, now time.Time) (domain.CloseReason, bool)
}

// LevelCalculator computes trailing stops and dynamic take profits.
type LevelCalculator interface {
	TrailingStop(pos *domain.Position, price, atr float64) (float64, bool)
	DynamicTakeProfit(pos *domain.Position, price float64) (float64, bool)
}

// Adjuster applies capped protective-level adjustments.
type Adjuster interface {
	Evaluate(ctx context.Context, pos *domain.Position) (*domain.AdjustmentRecord, bool)
	Forget(keep map[int64]struct{}) int
}

// ATRProvider returns a true ATR for a symbol.
type ATRProvider interface {
	ATR(ctx context.Context, symbol string) (float64, error)
}

// Deps are the monitor's collaborators. Adjuster, ATR and Metrics are optional.
type Deps struct {
	Store      PositionStore
	Feed       ports.PriceFeed
	Executor   ports.CloseExecutor
	Evaluator  ExitEvaluator
	Calculator LevelCalculator
	Adjuster   Adjuster
	ATR        ATRProvider
	Logger     ports.Logger
	Metrics    *metrics.Metrics
}

// MonitorStats is a read-only snapshot of the monitor.
type MonitorStats struct {
	Running bool
	Cycles  int64

	TakeProfitExecutions   int64
	StopLossExecutions     int64
	TrailingStopExecutions int64
	TimeExitExecutions     int64
	AlreadyClosed          int64
	CloseFailures          int64

	Processed         int     // Trades closed by the engine and not yet pruned
	Abandoned         int     // Trades whose close budget ran out
	AbandonedTradeIDs []int64 // For manual follow-up
	PendingRetries    int     // Trades with failed, not yet exhausted, close attempts

	CacheHits        int64
	CacheMisses      int64
	CacheHitRatio    float64
	PriceFetchErrors int64

	TrailingUpdates   int64
	TakeProfitUpdates int64
	Adjustments       int64
	SkippedPositions  int64

	LastCycleAt        time.Time
	LastCycleDuration  time.Duration
	LastCyclePositions int
}

type closeOutcome int

const (
	outcomeClosed closeOutcome = iota
	outcomeAbandoned
)

// Monitor is the position monitoring loop. One cycle runs at a time.
type Monitor struct {
	cfg  Config
	deps Deps
	now  func() time.Time

	prices *cache.TTLCache[string, float64]

	cycleMu sync.Mutex // serialises cycles

	mu             sync.Mutex // guards processed and failedAttempts
	processed      map[int64]closeOutcome
	failedAttempts map[int64]int

	statsMu sync.Mutex
	stats   MonitorStats

	runMu      sync.Mutex
	running    bool
	stop       chan struct{}
	done       chan struct{}
	hardCancel context.CancelFunc
}

// New creates a monitor. The configuration is validated here so an invalid
// setup is rejected before the loop starts.
func New(cfg Config, deps Deps) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch {
	case deps.Store == nil:
		return nil, errors.New("position store is required")
	case deps.Feed == nil:
		return nil, errors.New("price feed is required")
	case deps.Executor == nil:
		return nil, errors.New("close executor is required")
	case deps.Evaluator == nil:
		return nil, errors.New("exit evaluator is required")
	case deps.Calculator == nil:
		return nil, errors.New("level calculator is required")
	case deps.Logger == nil:
		return nil, errors.New("logger is required")
	}
	if cfg.UseKlineATR && deps.ATR == nil {
		src, err := risk.NewATRSource(deps.Feed, cfg.ATRPeriod, cfg.ATRCacheTTL)
		if err != nil {
			return nil, fmt.Errorf("failed to create ATR source: %w", err)
		}
		deps.ATR = src
	}
	return &Monitor{
		cfg:            cfg,
		deps:           deps,
		now:            time.Now,
		prices:         cache.New[string, float64](cfg.PriceCacheTTL),
		processed:      make(map[int64]closeOutcome),
		failedAttempts: make(map[int64]int),
	}, nil
}

// Start launches the monitoring loop in a background goroutine.
func (m *Monitor) Start(ctx context.Context) error {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if m.running {
		return errors.New("monitor already running")
	}

	// Cycles run on a context that Stop does not cancel so the in-flight cycle
	// can finish; hardCancel is the fallback once ShutdownTimeout passes.
	cycleCtx, hardCancel := context.WithCancel(context.WithoutCancel(ctx))
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.hardCancel = hardCancel
	m.running = true
	m.setRunning(true)

	go m.loop(ctx, cycleCtx, m.stop, m.done)

	m.deps.Logger.Info(ctx, "Position monitor started", map[string]interface{}{
		"interval":         m.cfg.MonitorInterval.String(),
		"maxCloseAttempts": m.cfg.MaxCloseAttempts,
		"priceWorkers":     m.cfg.PriceWorkers,
	})
	return nil
}

func (m *Monitor) loop(ctx, cycleCtx context.Context, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	timer := time.NewTimer(0)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-timer.C:
		}

		n := m.RunCycle(cycleCtx)
		wait := m.cfg.MonitorInterval
		if n == 0 {
			wait *= time.Duration(m.cfg.IdleSleepMultiplier)
		}
		timer.Reset(wait)
	}
}

// Stop signals the loop, waits up to ShutdownTimeout for the in-flight cycle
// and clears the price cache. Calling Stop on a stopped monitor is a no-op.
func (m *Monitor) Stop() {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	if !m.running {
		return
	}
	ctx := context.Background()
	close(m.stop)

	select {
	case <-m.done:
	case <-time.After(m.cfg.ShutdownTimeout):
		m.deps.Logger.Warn(ctx, "Monitor cycle did not finish before shutdown timeout, cancelling", map[string]interface{}{
			"timeout": m.cfg.ShutdownTimeout.String(),
		})
		m.hardCancel()
		<-m.done
	}
	m.hardCancel()

	m.prices.Clear()
	if c, ok := m.deps.ATR.(interface{ Clear() }); ok {
		c.Clear()
	}
	m.running = false
	m.setRunning(false)
	m.deps.Logger.Info(ctx, "Position monitor stopped")
}

// Wait blocks until the loop goroutine exits. It returns immediately if the monitor never started.
func (m *Monitor) Wait() {
	m.runMu.Lock()
	done := m.done
	m.runMu.Unlock()
	if done != nil {
		<-done
	}
}

// RunCycle runs one monitoring cycle and returns the number of open positions seen.
func (m *Monitor) RunCycle(ctx context.Context) int {
	op := "RunCycle"
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	start := time.Now()
	positions, err := m.deps.Store.GetActivePositions(ctx, true)
	if err != nil {
		m.deps.Logger.Warn(ctx, op+": failed to refresh positions", map[string]interface{}{"error": err.Error()})
		m.finishCycle(start, 0)
		return 0
	}

	cycle := m.finishCycleCount()
	if len(positions) == 0 {
		m.prune(ctx, positions)
		m.finishCycle(start, 0)
		return 0
	}

	md := m.resolveMarket(ctx, distinctSymbols(positions))
	now := m.now()
	for _, pos := range positions {
		m.processSafely(ctx, pos, md, now)
	}

	if cycle%int64(m.cfg.PruneEvery) == 0 {
		m.prune(ctx, positions)
	}
	m.finishCycle(start, len(positions))
	return len(positions)
}

// marketData is what one cycle knows about each symbol. A symbol missing from
// prices is skipped this cycle; a missing ATR falls back to the estimate.
type marketData struct {
	prices map[string]float64
	atrs   map[string]float64
}

// resolveMarket resolves a price for every symbol, using the TTL cache first and
// a bounded pool of feed calls for misses. ATR lookups share the pool. Every
// feed call is bounded by FetchTimeout.
func (m *Monitor) resolveMarket(ctx context.Context, symbols []string) marketData {
	op := "resolveMarket"
	md := marketData{
		prices: make(map[string]float64, len(symbols)),
		atrs:   make(map[string]float64, len(symbols)),
	}

	// Cache hits are recorded before any worker starts writing.
	var misses []string
	for _, symbol := range symbols {
		if p, ok := m.prices.Get(symbol); ok {
			md.prices[symbol] = p
			m.deps.Metrics.PriceLookup("hit")
			continue
		}
		m.deps.Metrics.PriceLookup("miss")
		misses = append(misses, symbol)
	}

	var mu sync.Mutex // guards md once workers run
	g := new(errgroup.Group)
	g.SetLimit(m.cfg.PriceWorkers)
	for _, symbol := range misses {
		symbol := symbol
		g.Go(func() error {
			fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
			defer cancel()

			price, err := m.deps.Feed.CurrentPrice(fetchCtx, symbol)
			if err == nil && !domain.IsValidPrice(price) {
				err = fmt.Errorf("price %v: %w", price, ports.ErrInvalidPrice)
			}
			if err != nil {
				m.deps.Metrics.PriceLookup("error")
				m.addStats(func(s *MonitorStats) { s.PriceFetchErrors++ })
				m.deps.Logger.Warn(ctx, op+": price unavailable, skipping symbol this cycle", map[string]interface{}{
					"symbol": symbol,
					"error":  err.Error(),
				})
				return nil // one symbol never aborts the others
			}
			m.prices.Set(symbol, price)
			mu.Lock()
			md.prices[symbol] = price
			mu.Unlock()
			return nil
		})
	}
	if m.deps.ATR != nil {
		for _, symbol := range symbols {
			symbol := symbol
			g.Go(func() error {
				fetchCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
				defer cancel()

				atr, err := m.deps.ATR.ATR(fetchCtx, symbol)
				if err != nil {
					m.deps.Logger.Debug(ctx, op+": ATR unavailable, using estimate", map[string]interface{}{
						"symbol": symbol,
						"error":  err.Error(),
					})
					return nil
				}
				mu.Lock()
				md.atrs[symbol] = atr
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()
	return md
}

// processSafely isolates one position: a panic is logged and the cycle continues.
func (m *Monitor) processSafely(ctx context.Context, pos *domain.Position, md marketData, now time.Time) {
	defer func() {
		if r := recover(); r != nil {
			m.addStats(func(s *MonitorStats) { s.SkippedPositions++ })
			m.deps.Logger.Error(ctx, fmt.Errorf("panic: %v", r), "Position processing failed", map[string]interface{}{
				"tradeID": pos.TradeID,
				"symbol":  pos.Symbol,
			})
		}
	}()
	m.processPosition(ctx, pos, md, now)
}

func (m *Monitor) processPosition(ctx context.Context, pos *domain.Position, md marketData, now time.Time) {
	op := "processPosition"
	if !pos.IsOpen() || m.isProcessed(pos.TradeID) {
		return
	}
	price, ok := md.prices[pos.Symbol]
	if !ok {
		m.addStats(func(s *MonitorStats) { s.SkippedPositions++ })
		return
	}
	if !m.deps.Store.UpdatePrice(pos.TradeID, price) {
		m.deps.Logger.Debug(ctx, op+": position left the snapshot", map[string]interface{}{"tradeID": pos.TradeID})
		return
	}
	pos.MarkToMarket(price)

	m.updateLevels(ctx, pos, price, md.atrs[pos.Symbol])

	if reason, ok := m.deps.Evaluator.Evaluate(pos, price, now); ok {
		m.closePosition(ctx, pos, price, reason)
		return
	}

	if m.deps.Adjuster != nil {
		if rec, ok := m.deps.Adjuster.Evaluate(ctx, pos); ok && rec.Success {
			m.addStats(func(s *MonitorStats) { s.Adjustments++ })
		}
	}
}

// updateLevels persists a better trailing stop and then a better dynamic take
// profit. An atr of 0 makes the calculator use its estimate.
func (m *Monitor) updateLevels(ctx context.Context, pos *domain.Position, price, atr float64) {
	if v, ok := m.deps.Calculator.TrailingStop(pos, price, atr); ok {
		if m.persistLevels(ctx, pos, domain.Levels{TrailingStop: v}) {
			pos.TrailingStop = v
			m.addStats(func(s *MonitorStats) { s.TrailingUpdates++ })
			m.deps.Metrics.LevelUpdate("trailing")
		}
	}

	// A take profit the price already reached is honoured, not moved away.
	if pos.TakeProfit != 0 && (pos.IsLong() && price >= pos.TakeProfit || !pos.IsLong() && price <= pos.TakeProfit) {
		return
	}
	if v, ok := m.deps.Calculator.DynamicTakeProfit(pos, price); ok {
		if m.persistLevels(ctx, pos, domain.Levels{TakeProfit: v}) {
			pos.TakeProfit = v
			m.addStats(func(s *MonitorStats) { s.TakeProfitUpdates++ })
			m.deps.Metrics.LevelUpdate("take_profit")
		}
	}
}

func (m *Monitor) persistLevels(ctx context.Context, pos *domain.Position, levels domain.Levels) bool {
	ok, err := m.deps.Store.UpdateLevels(ctx, pos.TradeID, levels)
	if err != nil {
		m.deps.Logger.Warn(ctx, "persistLevels: level update failed", map[string]interface{}{
			"tradeID":      pos.TradeID,
			"stopLoss":     levels.StopLoss,
			"takeProfit":   levels.TakeProfit,
			"trailingStop": levels.TrailingStop,
			"error":        err.Error(),
		})
		return false
	}
	return ok
}

// closePosition issues the close at most once per successful outcome and at
// most MaxCloseAttempts times overall for a trade.
func (m *Monitor) closePosition(ctx context.Context, pos *domain.Position, price float64, reason domain.CloseReason) {
	op := "closePosition"
	if m.isProcessed(pos.TradeID) {
		return
	}

	callCtx, cancel := context.WithTimeout(ctx, m.cfg.FetchTimeout)
	err := m.deps.Executor.ClosePosition(callCtx, pos.Clone(), price, reason)
	cancel()

	fields := map[string]interface{}{
		"tradeID": pos.TradeID,
		"symbol":  pos.Symbol,
		"side":    pos.Side,
		"price":   price,
		"reason":  reason,
	}

	if err == nil || errors.Is(err, ports.ErrAlreadyClosed) {
		m.mu.Lock()
		m.processed[pos.TradeID] = outcomeClosed
		delete(m.failedAttempts, pos.TradeID)
		m.mu.Unlock()
		m.deps.Store.MarkClosed(pos.TradeID)

		if err != nil {
			m.addStats(func(s *MonitorStats) { s.AlreadyClosed++ })
			m.deps.Logger.Info(ctx, op+": position already closed elsewhere", fields)
			return
		}
		m.addStats(func(s *MonitorStats) { countExecution(s, reason) })
		m.deps.Metrics.Close(string(reason), string(pos.Side))
		fields["pnl"] = pos.PnLAt(price)
		m.deps.Logger.Info(ctx, op+": position closed", fields)
		return
	}

	m.mu.Lock()
	m.failedAttempts[pos.TradeID]++
	attempts := m.failedAttempts[pos.TradeID]
	final := attempts >= m.cfg.MaxCloseAttempts
	if final {
		m.processed[pos.TradeID] = outcomeAbandoned
		delete(m.failedAttempts, pos.TradeID)
	}
	m.mu.Unlock()

	m.addStats(func(s *MonitorStats) { s.CloseFailures++ })
	m.deps.Metrics.CloseFailure(final)
	fields["attempt"] = attempts
	if final {
		m.deps.Logger.Error(ctx, err, op+": close attempts exhausted, position needs manual follow-up", fields)
		return
	}
	m.deps.Logger.Warn(ctx, op+": close failed, will retry next cycle", mergeFields(fields, "error", err.Error()))
}

func countExecution(s *MonitorStats, reason domain.CloseReason) {
	switch {
	case reason == domain.CloseReasonTakeProfit:
		s.TakeProfitExecutions++
	case reason == domain.CloseReasonStopLoss:
		s.StopLossExecutions++
	case reason == domain.CloseReasonTrailingStop:
		s.TrailingStopExecutions++
	case reason.IsTimeBased():
		s.TimeExitExecutions++
	}
}

func (m *Monitor) isProcessed(tradeID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.processed[tradeID]
	return ok
}

// prune forgets bookkeeping for trades that are no longer in the active snapshot.
func (m *Monitor) prune(ctx context.Context, active []*domain.Position) {
	keep := make(map[int64]struct{}, len(active))
	for _, p := range active {
		keep[p.TradeID] = struct{}{}
	}

	m.mu.Lock()
	removed := 0
	for id := range m.processed {
		if _, ok := keep[id]; !ok {
			delete(m.processed, id)
			removed++
		}
	}
	for id := range m.failedAttempts {
		if _, ok := keep[id]; !ok {
			delete(m.failedAttempts, id)
			removed++
		}
	}
	m.mu.Unlock()

	if m.deps.Adjuster != nil {
		removed += m.deps.Adjuster.Forget(keep)
	}
	removed += m.prices.Sweep()
	if removed > 0 {
		m.deps.Logger.Debug(ctx, "prune: bookkeeping pruned", map[string]interface{}{"removed": removed, "active": len(active)})
	}
}

// Stats returns a snapshot of the monitor counters.
func (m *Monitor) Stats() MonitorStats {
	m.statsMu.Lock()
	out := m.stats
	m.statsMu.Unlock()

	m.mu.Lock()
	out.PendingRetries = len(m.failedAttempts)
	out.AbandonedTradeIDs = make([]int64, 0)
	for id, outcome := range m.processed {
		if outcome == outcomeAbandoned {
			out.AbandonedTradeIDs = append(out.AbandonedTradeIDs, id)
		} else {
			out.Processed++
		}
	}
	m.mu.Unlock()
	sort.Slice(out.AbandonedTradeIDs, func(i, j int) bool { return out.AbandonedTradeIDs[i] < out.AbandonedTradeIDs[j] })
	out.Abandoned = len(out.AbandonedTradeIDs)

	cs := m.prices.Stats()
	out.CacheHits = cs.Hits
	out.CacheMisses = cs.Misses
	out.CacheHitRatio = cs.HitRatio()
	return out
}

func (m *Monitor) addStats(f func(*MonitorStats)) {
	m.statsMu.Lock()
	defer m.statsMu.Unlock()
	f(&m.stats)
}

func (m *Monitor) setRunning(running bool) {
	m.addStats(func(s *MonitorStats) { s.Running = running })
}

// finishCycleCount increments the cycle counter and returns the new value.
func (m *Monitor) finishCycleCount() int64 {
	var n int64
	m.addStats(func(s *MonitorStats) {
		s.Cycles++
		n = s.Cycles
	})
	return n
}

func (m *Monitor) finishCycle(start time.Time, positions int) {
	elapsed := time.Since(start)
	m.addStats(func(s *MonitorStats) {
		s.LastCycleAt = m.now()
		s.LastCycleDuration = elapsed
		s.LastCyclePositions = positions
	})
	m.deps.Metrics.ObserveCycle(elapsed.Seconds(), positions)
}

func distinctSymbols(positions []*domain.Position) []string {
	seen := make(map[string]struct{}, len(positions))
	out := make([]string, 0, len(positions))
	for _, p := range positions {
		if _, ok := seen[p.Symbol]; ok {
			continue
		}
		seen[p.Symbol] = struct{}{}
		out = append(out, p.Symbol)
	}
	return out
}

func mergeFields(fields map[string]interface{}, key string, value interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(fields)+1)
	for k, v := range fields {
		out[k] = v
	}
	out[key] = value
	return out
}

// Package store holds the engine's in-memory view of open positions, a
// time-bounded projection of the relational position repository.
package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"positionEngine/internal/cache"
	"positionEngine/internal/domain"
	"positionEngine/internal/ports"

	"golang.org/x/sync/singleflight"
)

// Config holds configuration for the position store.
type Config struct {
	CacheDuration time.Duration // Snapshot age after which reads re-query the repository
	QueryTimeout  time.Duration // Bound on a shared refresh query; 0 uses DefaultQueryTimeout
	PaperOnly     bool          // Track simulated positions only
}

// DefaultQueryTimeout bounds a refresh query when Config.QueryTimeout is unset.
const DefaultQueryTimeout = 15 * time.Second

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.CacheDuration <= 0 {
		return fmt.Errorf("cache duration must be positive, got %s: %w", c.CacheDuration, ports.ErrConfigurationError)
	}
	if c.QueryTimeout < 0 {
		return fmt.Errorf("query timeout must not be negative, got %s: %w", c.QueryTimeout, ports.ErrConfigurationError)
	}
	return nil
}

// PositionStore caches the open positions of the repository. The snapshot map is
// replaced wholesale on refresh so readers never observe a partial rebuild.
type PositionStore struct {
	cfg    Config
	repo   ports.PositionRepository
	logger ports.Logger
	now    func() time.Time

	mu       sync.RWMutex
	snapshot cache.Entry[map[int64]*domain.Position]

	refreshGroup singleflight.Group
}

// New creates a position store backed by repo.
func New(cfg Config, repo ports.PositionRepository, logger ports.Logger) (*PositionStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if repo == nil {
		return nil, errors.New("position repository is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &PositionStore{
		cfg:    cfg,
		repo:   repo,
		logger: logger,
		now:    time.Now,
		snapshot: cache.Entry[map[int64]*domain.Position]{
			Value: map[int64]*domain.Position{},
			TTL:   cfg.CacheDuration,
		},
	}, nil
}

// GetActivePositions returns clones of the open positions sorted by trade ID.
// The cached snapshot is used while fresh unless refresh is set.
func (s *PositionStore) GetActivePositions(ctx context.Context, refresh bool) ([]*domain.Position, error) {
	if !refresh {
		s.mu.RLock()
		fresh := !s.snapshot.StoredAt.IsZero() && !s.snapshot.IsExpired(s.now())
		if fresh {
			out := cloneSorted(s.snapshot.Value)
			s.mu.RUnlock()
			return out, nil
		}
		s.mu.RUnlock()
	}

	if err := s.refresh(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneSorted(s.snapshot.Value), nil
}

// refresh re-queries the repository. Concurrent callers share one query, which
// runs detached from any single caller's cancellation and is bounded by the
// query timeout. A caller whose ctx ends stops waiting without failing the others.
func (s *PositionStore) refresh(ctx context.Context) error {
	op := "PositionStore.refresh"
	timeout := s.cfg.QueryTimeout
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}

	ch := s.refreshGroup.DoChan("refresh", func() (interface{}, error) {
		queryCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
		defer cancel()

		rows, err := s.repo.QueryOpenPositions(queryCtx, s.cfg.PaperOnly)
		if err != nil {
			return nil, fmt.Errorf("%s: query open positions: %w", op, err)
		}

		next := make(map[int64]*domain.Position, len(rows))
		for _, p := range rows {
			if p == nil {
				continue
			}
			if err := p.Validate(); err != nil {
				s.logger.Warn(ctx, op+": skipping invalid position", map[string]interface{}{
					"tradeID": p.TradeID,
					"error":   err.Error(),
				})
				continue
			}
			if !p.IsOpen() {
				continue
			}
			pos := p.Clone()
			if domain.IsValidPrice(pos.CurrentPrice) {
				pos.MarkToMarket(pos.CurrentPrice)
			}
			next[pos.TradeID] = pos
		}

		s.mu.Lock()
		s.snapshot = cache.Entry[map[int64]*domain.Position]{
			Value:    next,
			StoredAt: s.now(),
			TTL:      s.cfg.CacheDuration,
		}
		s.mu.Unlock()

		s.logger.Debug(ctx, op+": snapshot rebuilt", map[string]interface{}{"positions": len(next)})
		return nil, nil
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return fmt.Errorf("%s: %w", op, ctx.Err())
	}
}

// UpdatePrice marks a cached open position to price. It returns false when the
// position is not cached, not open, or the price is not a finite positive number.
func (s *PositionStore) UpdatePrice(tradeID int64, price float64) bool {
	if !domain.IsValidPrice(price) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	pos, ok := s.snapshot.Value[tradeID]
	if !ok || !pos.IsOpen() {
		return false
	}
	pos.MarkToMarket(price)
	return true
}

// Invalidate drops the listed positions from the snapshot. Without arguments the
// whole snapshot is cleared and the next read re-queries the repository.
func (s *PositionStore) Invalidate(tradeIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(tradeIDs) == 0 {
		s.snapshot = cache.Entry[map[int64]*domain.Position]{
			Value: map[int64]*domain.Position{},
			TTL:   s.cfg.CacheDuration,
		}
		return
	}
	for _, id := range tradeIDs {
		delete(s.snapshot.Value, id)
	}
}

// GetByID returns a clone of the cached position, re-querying once if it is not cached.
func (s *PositionStore) GetByID(ctx context.Context, tradeID int64) (*domain.Position, error) {
	if pos := s.lookup(func(p *domain.Position) bool { return p.TradeID == tradeID }); len(pos) > 0 {
		return pos[0], nil
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	if pos := s.lookup(func(p *domain.Position) bool { return p.TradeID == tradeID }); len(pos) > 0 {
		return pos[0], nil
	}
	return nil, fmt.Errorf("trade %d: %w", tradeID, ports.ErrNotFound)
}

// GetBySymbol returns clones of the cached positions for symbol, re-querying once if none are cached.
func (s *PositionStore) GetBySymbol(ctx context.Context, symbol string) ([]*domain.Position, error) {
	match := func(p *domain.Position) bool { return p.Symbol == symbol }
	if pos := s.lookup(match); len(pos) > 0 {
		return pos, nil
	}
	if err := s.refresh(ctx); err != nil {
		return nil, err
	}
	return s.lookup(match), nil
}

func (s *PositionStore) lookup(match func(*domain.Position) bool) []*domain.Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*domain.Position, 0)
	for _, p := range s.snapshot.Value {
		if match(p) {
			out = append(out, p.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeID < out[j].TradeID })
	return out
}

// UpdateLevels persists protective levels and patches the cached position.
// A trailing stop that would loosen is rejected with ports.ErrRatchetViolation;
// a stop loss that would loosen is dropped from the update.
func (s *PositionStore) UpdateLevels(ctx context.Context, tradeID int64, levels domain.Levels) (bool, error) {
	op := "PositionStore.UpdateLevels"

	s.mu.RLock()
	cached, ok := s.snapshot.Value[tradeID]
	var current *domain.Position
	if ok {
		current = cached.Clone()
	}
	s.mu.RUnlock()

	if !ok {
		return false, fmt.Errorf("%s: trade %d: %w", op, tradeID, ports.ErrNotFound)
	}
	if !current.IsOpen() {
		return false, fmt.Errorf("%s: trade %d: %w", op, tradeID, ports.ErrPositionClosed)
	}
	if levels.TrailingStop != 0 && !current.ImprovesTrailingStop(levels.TrailingStop) {
		return false, fmt.Errorf("%s: trade %d trailing stop %v -> %v: %w",
			op, tradeID, current.TrailingStop, levels.TrailingStop, ports.ErrRatchetViolation)
	}
	if levels.StopLoss != 0 && !current.TightensStopLoss(levels.StopLoss) {
		levels.StopLoss = 0
	}
	if levels.IsEmpty() {
		return false, nil
	}

	updated, err := s.repo.UpdateLevels(ctx, tradeID, levels)
	if err != nil {
		return false, fmt.Errorf("%s: trade %d: %w", op, tradeID, err)
	}
	if !updated {
		// The repository no longer has it open; drop it from the snapshot.
		s.Invalidate(tradeID)
		return false, fmt.Errorf("%s: trade %d: %w", op, tradeID, ports.ErrPositionClosed)
	}

	s.mu.Lock()
	if pos, ok := s.snapshot.Value[tradeID]; ok && pos.IsOpen() {
		pos.ApplyLevels(levels)
	}
	s.mu.Unlock()
	return true, nil
}

// MarkClosed flips the cached position to closed and evicts it. Closed is terminal.
func (s *PositionStore) MarkClosed(tradeID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pos, ok := s.snapshot.Value[tradeID]; ok {
		pos.Status = domain.StatusClosed
		delete(s.snapshot.Value, tradeID)
	}
}

// Age returns how old the snapshot is, or 0 if it was never built.
func (s *PositionStore) Age() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.snapshot.StoredAt.IsZero() {
		return 0
	}
	return s.snapshot.Age(s.now())
}

// Len returns the number of cached positions.
func (s *PositionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshot.Value)
}

func cloneSorted(m map[int64]*domain.Position) []*domain.Position {
	out := make([]*domain.Position, 0, len(m))
	for _, p := range m {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TradeID < out[j].TradeID })
	return out
}

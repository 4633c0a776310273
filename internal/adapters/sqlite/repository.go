package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"positionEngine/internal/domain"
	"positionEngine/internal/ports"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Repository implements ports.PositionRepository and ports.TradeRepository using SQLite.
// ApplyClose doubles as the paper ledger: it settles realised PnL into the balances table.
type Repository struct {
	db         *sql.DB
	logger     ports.Logger
	quoteAsset string
	now        func() time.Time
}

var (
	_ ports.PositionRepository = (*Repository)(nil)
	_ ports.TradeRepository    = (*Repository)(nil)
)

// Config holds configuration for the SQLite repository.
type Config struct {
	DBPath     string
	Logger     ports.Logger
	QuoteAsset string // Asset credited with realised PnL, defaults to USDT
}

// NewRepository creates a new SQLite repository instance.
func NewRepository(cfg Config) (*Repository, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for SQLite repository")
	}
	dbPath := cfg.DBPath
	if dbPath == "" {
		dbPath = "./data/positions.db"
	}
	quote := cfg.QuoteAsset
	if quote == "" {
		quote = "USDT"
	}

	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		err = fmt.Errorf("failed to create data directory '%s': %w", filepath.Dir(dbPath), err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		err = fmt.Errorf("failed to open database at '%s': %w", dbPath, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		err = fmt.Errorf("failed to ping database at '%s': %w: %w", dbPath, ports.ErrDBConnection, err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}

	db.SetMaxOpenConns(1) // SQLite allows a single writer
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	cfg.Logger.Info(context.Background(), "SQLite database connection established", map[string]interface{}{"path": dbPath})

	repo := &Repository{db: db, logger: cfg.Logger, quoteAsset: quote, now: time.Now}
	if err := repo.initializeSchema(context.Background()); err != nil {
		db.Close()
		err = fmt.Errorf("failed to initialize database schema: %w", err)
		cfg.Logger.Error(context.Background(), err, "SQLite repository initialization failed")
		return nil, err
	}
	cfg.Logger.Info(context.Background(), "Database schema initialized/verified")

	return repo, nil
}

// initializeSchema creates tables if they don't exist.
func (r *Repository) initializeSchema(ctx context.Context) error {
	const schema = `
	CREATE TABLE IF NOT EXISTS positions (
		trade_id INTEGER PRIMARY KEY AUTOINCREMENT,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		quantity REAL NOT NULL,
		current_price REAL DEFAULT NULL,
		stop_loss REAL DEFAULT NULL,
		take_profit REAL DEFAULT NULL,
		trailing_stop REAL DEFAULT NULL,
		status TEXT NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP DEFAULT NULL,
		exit_price REAL DEFAULT NULL,
		pnl REAL DEFAULT NULL,
		close_reason TEXT DEFAULT NULL,
		strategy_name TEXT NOT NULL DEFAULT '',
		confidence_score REAL NOT NULL DEFAULT 0,
		timeframe TEXT NOT NULL DEFAULT '',
		is_paper INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS trade_history (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		trade_id INTEGER NOT NULL,
		symbol TEXT NOT NULL,
		side TEXT NOT NULL,
		entry_price REAL NOT NULL,
		exit_price REAL NOT NULL,
		quantity REAL NOT NULL,
		pnl REAL NOT NULL,
		entry_time TIMESTAMP NOT NULL,
		exit_time TIMESTAMP NOT NULL,
		close_reason TEXT NOT NULL,
		is_paper INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS balances (
		asset TEXT PRIMARY KEY,
		amount REAL NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_positions_status ON positions (status, is_paper);
	CREATE INDEX IF NOT EXISTS idx_positions_symbol_status ON positions (symbol, status);
	CREATE INDEX IF NOT EXISTS idx_trade_history_symbol_exit_time ON trade_history (symbol, exit_time);
	`
	if _, err := r.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to execute schema initialization: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (r *Repository) Close() error {
	if r.db != nil {
		r.logger.Info(context.Background(), "Closing SQLite database connection")
		return r.db.Close()
	}
	return nil
}

// --- Position writes outside the engine (seeding, entry pipeline) ---

// Create saves a new position and returns its assigned trade ID.
func (r *Repository) Create(ctx context.Context, pos *domain.Position) (int64, error) {
	const query = `
	INSERT INTO positions (symbol, side, entry_price, quantity, current_price, stop_loss, take_profit,
	                       trailing_stop, status, entry_time, strategy_name, confidence_score, timeframe, is_paper)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	status := pos.Status
	if status == "" {
		status = domain.StatusOpen
	}
	result, err := r.db.ExecContext(ctx, query,
		pos.Symbol, pos.Side, pos.EntryPrice, pos.Quantity, nullFloat(pos.CurrentPrice), nullFloat(pos.StopLoss),
		nullFloat(pos.TakeProfit), nullFloat(pos.TrailingStop), status, pos.EntryTime, pos.StrategyName,
		pos.ConfidenceScore, pos.Timeframe, pos.IsPaper)
	if err != nil {
		return 0, fmt.Errorf("failed to insert position for symbol %s: %w", pos.Symbol, err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("failed to get last insert ID for position %s: %w", pos.Symbol, err)
	}
	pos.TradeID = id
	pos.Status = status
	r.logger.Debug(ctx, "Position created", map[string]interface{}{"tradeID": id, "symbol": pos.Symbol, "side": pos.Side})
	return id, nil
}

// FindByID retrieves a position by trade ID regardless of status.
// Returns nil, nil if not found.
func (r *Repository) FindByID(ctx context.Context, tradeID int64) (*domain.Position, error) {
	row := r.db.QueryRowContext(ctx, selectPositions+` WHERE trade_id = ?`, tradeID)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query position by ID %d: %w: %w", tradeID, ports.ErrQueryFailed, err)
	}
	return pos, nil
}

// --- PositionRepository Implementation ---

const selectPositions = `
	SELECT trade_id, symbol, side, entry_price, quantity, current_price, stop_loss, take_profit, trailing_stop,
	       status, entry_time, exit_time, exit_price, pnl, close_reason, strategy_name, confidence_score,
	       timeframe, is_paper
	FROM positions`

// QueryOpenPositions returns all open positions ordered by trade ID.
func (r *Repository) QueryOpenPositions(ctx context.Context, paperOnly bool) ([]*domain.Position, error) {
	query := selectPositions + ` WHERE status = ?`
	args := []interface{}{domain.StatusOpen}
	if paperOnly {
		query += ` AND is_paper = 1`
	}
	query += ` ORDER BY trade_id`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query open positions: %w: %w", ports.ErrQueryFailed, err)
	}
	defer rows.Close()

	positions := make([]*domain.Position, 0)
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan open position: %w", err)
		}
		positions = append(positions, pos)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating position rows: %w", err)
	}
	return positions, nil
}

// ApplyClose closes an open position at exitPrice in one transaction: the position
// row flips to closed, a trade_history row is written and the realised PnL is
// credited to the quote-asset balance. Returns false if the position was not open.
func (r *Repository) ApplyClose(ctx context.Context, tradeID int64, exitPrice float64, reason domain.CloseReason) (bool, error) {
	op := "ApplyClose"
	if !domain.IsValidPrice(exitPrice) {
		return false, fmt.Errorf("%s: exit price %v for trade %d: %w", op, exitPrice, tradeID, ports.ErrInvalidPrice)
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("%s: begin transaction: %w: %w", op, ports.ErrDBConnection, err)
	}
	defer tx.Rollback() // no-op after Commit

	pos, err := scanPosition(tx.QueryRowContext(ctx, selectPositions+` WHERE trade_id = ? AND status = ?`, tradeID, domain.StatusOpen))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			r.logger.Debug(ctx, op+": position not open", map[string]interface{}{"tradeID": tradeID})
			return false, nil
		}
		return false, fmt.Errorf("%s: load trade %d: %w: %w", op, tradeID, ports.ErrQueryFailed, err)
	}

	exitTime := r.now().UTC()
	pnl := pos.PnLAt(exitPrice)

	const closeQuery = `
	UPDATE positions
	SET status = ?, exit_price = ?, exit_time = ?, pnl = ?, close_reason = ?, current_price = ?
	WHERE trade_id = ? AND status = ?`
	res, err := tx.ExecContext(ctx, closeQuery,
		domain.StatusClosed, exitPrice, exitTime, pnl, reason, exitPrice, tradeID, domain.StatusOpen)
	if err != nil {
		return false, fmt.Errorf("%s: update trade %d: %w: %w", op, tradeID, ports.ErrUpdateFailed, err)
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return false, err
	}

	const tradeQuery = `
	INSERT INTO trade_history (trade_id, symbol, side, entry_price, exit_price, quantity, pnl,
	                           entry_time, exit_time, close_reason, is_paper)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, tradeQuery,
		tradeID, pos.Symbol, pos.Side, pos.EntryPrice, exitPrice, pos.Quantity, pnl,
		pos.EntryTime, exitTime, reason, pos.IsPaper); err != nil {
		return false, fmt.Errorf("%s: record trade %d: %w: %w", op, tradeID, ports.ErrUpdateFailed, err)
	}

	const balanceQuery = `
	INSERT INTO balances (asset, amount, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(asset) DO UPDATE SET amount = amount + excluded.amount, updated_at = excluded.updated_at`
	if _, err := tx.ExecContext(ctx, balanceQuery, r.quoteAsset, pnl, exitTime); err != nil {
		return false, fmt.Errorf("%s: credit balance for trade %d: %w: %w", op, tradeID, ports.ErrUpdateFailed, err)
	}

	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("%s: commit trade %d: %w: %w", op, tradeID, ports.ErrUpdateFailed, err)
	}

	r.logger.Info(ctx, op+": position closed", map[string]interface{}{
		"tradeID":   tradeID,
		"symbol":    pos.Symbol,
		"exitPrice": exitPrice,
		"pnl":       pnl,
		"reason":    reason,
	})
	return true, nil
}

// UpdateLevels persists the non-zero fields of levels on an open position.
func (r *Repository) UpdateLevels(ctx context.Context, tradeID int64, levels domain.Levels) (bool, error) {
	if levels.IsEmpty() {
		return false, fmt.Errorf("no levels to update for trade %d: %w", tradeID, ports.ErrInvalidRequest)
	}

	sets := make([]string, 0, 3)
	args := make([]interface{}, 0, 5)
	if levels.StopLoss != 0 {
		sets = append(sets, "stop_loss = ?")
		args = append(args, levels.StopLoss)
	}
	if levels.TakeProfit != 0 {
		sets = append(sets, "take_profit = ?")
		args = append(args, levels.TakeProfit)
	}
	if levels.TrailingStop != 0 {
		sets = append(sets, "trailing_stop = ?")
		args = append(args, levels.TrailingStop)
	}
	args = append(args, tradeID, domain.StatusOpen)

	query := `UPDATE positions SET ` + strings.Join(sets, ", ") + ` WHERE trade_id = ? AND status = ?`
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, fmt.Errorf("failed to update levels for trade %d: %w: %w", tradeID, ports.ErrUpdateFailed, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected for trade %d: %w", tradeID, err)
	}
	if n == 0 {
		return false, nil
	}
	r.logger.Debug(ctx, "Position levels updated", map[string]interface{}{
		"tradeID":      tradeID,
		"stopLoss":     levels.StopLoss,
		"takeProfit":   levels.TakeProfit,
		"trailingStop": levels.TrailingStop,
	})
	return true, nil
}

// --- TradeRepository Implementation ---

// FindTradesBySymbol retrieves the most recent settlements for a symbol, up to a limit.
func (r *Repository) FindTradesBySymbol(ctx context.Context, symbol string, limit int) ([]*domain.Trade, error) {
	const query = `
	SELECT id, trade_id, symbol, side, entry_price, exit_price, quantity, pnl,
	       entry_time, exit_time, close_reason, is_paper
	FROM trade_history
	WHERE symbol = ? ORDER BY exit_time DESC, id DESC LIMIT ?`

	rows, err := r.db.QueryContext(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query trade history for symbol %s: %w", symbol, err)
	}
	defer rows.Close()

	trades := make([]*domain.Trade, 0)
	for rows.Next() {
		tr := &domain.Trade{}
		var side, reason string
		if err := rows.Scan(&tr.ID, &tr.TradeID, &tr.Symbol, &side, &tr.EntryPrice, &tr.ExitPrice, &tr.Quantity,
			&tr.PNL, &tr.EntryTime, &tr.ExitTime, &reason, &tr.IsPaper); err != nil {
			return nil, fmt.Errorf("failed to scan trade history: %w", err)
		}
		tr.Side = domain.Side(side)
		tr.CloseReason = domain.CloseReason(reason)
		trades = append(trades, tr)
	}
	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating trade history rows: %w", err)
	}
	return trades, nil
}

// GetBalance returns the ledger balance for an asset, 0 if none was recorded.
func (r *Repository) GetBalance(ctx context.Context, asset string) (float64, error) {
	var amount float64
	err := r.db.QueryRowContext(ctx, `SELECT amount FROM balances WHERE asset = ?`, asset).Scan(&amount)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read balance for %s: %w", asset, err)
	}
	return amount, nil
}

// SetBalance overwrites the ledger balance for an asset.
func (r *Repository) SetBalance(ctx context.Context, asset string, amount float64) error {
	const query = `
	INSERT INTO balances (asset, amount, updated_at) VALUES (?, ?, ?)
	ON CONFLICT(asset) DO UPDATE SET amount = excluded.amount, updated_at = excluded.updated_at`
	if _, err := r.db.ExecContext(ctx, query, asset, amount, r.now().UTC()); err != nil {
		return fmt.Errorf("failed to set balance for %s: %w", asset, err)
	}
	return nil
}

// --- Helper Scan Functions ---

// scanner defines an interface compatible with *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

// scanPosition scans a row into a domain.Position struct.
func scanPosition(s scanner) (*domain.Position, error) {
	p := &domain.Position{}
	var (
		side, status                         string
		current, sl, tp, trailing, exit, pnl sql.NullFloat64
		exitTime                             sql.NullTime
		closeReason                          sql.NullString
	)
	err := s.Scan(
		&p.TradeID, &p.Symbol, &side, &p.EntryPrice, &p.Quantity, &current, &sl, &tp, &trailing,
		&status, &p.EntryTime, &exitTime, &exit, &pnl, &closeReason, &p.StrategyName, &p.ConfidenceScore,
		&p.Timeframe, &p.IsPaper)
	if err != nil {
		return nil, err // Handle sql.ErrNoRows in the caller
	}
	p.Side = domain.Side(side)
	p.Status = domain.PositionStatus(status)
	p.StopLoss = sl.Float64
	p.TakeProfit = tp.Float64
	p.TrailingStop = trailing.Float64
	p.ExitPrice = exit.Float64
	p.PNL = pnl.Float64
	if exitTime.Valid {
		p.ExitTime = exitTime.Time
	}
	if closeReason.Valid {
		p.CloseReason = domain.CloseReason(closeReason.String)
	}
	if current.Valid {
		p.MarkToMarket(current.Float64)
	}
	return p, nil
}

// nullFloat stores unset (zero) price levels as NULL.
func nullFloat(v float64) sql.NullFloat64 {
	return sql.NullFloat64{Float64: v, Valid: v != 0}
}

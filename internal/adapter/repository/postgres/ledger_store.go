package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"time"

	_ "github.com/lib/pq" // PostgreSQL driver
	"github.com/shopspring/decimal"

	"github.com/quantfolio/quantfolio-backend/internal/domain"
)

// LedgerStore persists positions, orders and entity properties in
// PostgreSQL. It owns the connection pool it opens.
type LedgerStore struct {
	db *sql.DB
}

var _ domain.StorageBackend = (*LedgerStore)(nil)

// pingTimeout bounds the connectivity check in Open.
const pingTimeout = 5 * time.Second

// Open connects to PostgreSQL and verifies the connection. The
// connection string uses lib/pq keyword form, e.g.
// "host=localhost port=5432 user=postgres dbname=quantfolio sslmode=disable".
func Open(connStr string) (*LedgerStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger store: %w", err)
	}
	// A simulation run writes small batches from a bounded worker pool;
	// a modest pool keeps connection churn down without starving it.
	db.SetMaxOpenConns(16)
	db.SetMaxIdleConns(4)
	db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to reach ledger database: %w", err)
	}
	return &LedgerStore{db: db}, nil
}

// Close releases the connection pool.
func (s *LedgerStore) Close() error {
	return s.db.Close()
}

// LoadPositions retrieves the positions written for a portfolio on a date
func (s *LedgerStore) LoadPositions(ctx context.Context, portfolioID int64, date time.Time) ([]domain.Position, error) {
	query := `
		SELECT portfolio_id, instrument_id, unit, ts, strike, strike_ts,
		       initial_strike, initial_strike_ts, aggregated
		FROM positions
		WHERE portfolio_id = $1 AND ts >= $2 AND ts < $3
		ORDER BY ts
	`
	day := domain.Day(date)
	rows, err := s.db.QueryContext(ctx, query, portfolioID, day, day.AddDate(0, 0, 1))
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		var p domain.Position
		var unit, strike, initialStrike string
		if err := rows.Scan(&p.PortfolioID, &p.InstrumentID, &unit, &p.Timestamp,
			&strike, &p.StrikeTimestamp, &initialStrike, &p.InitialStrikeTimestamp, &p.Aggregated); err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		if p.Unit, err = decimal.NewFromString(unit); err != nil {
			return nil, fmt.Errorf("failed to parse position unit: %w", err)
		}
		if p.Strike, err = decimal.NewFromString(strike); err != nil {
			return nil, fmt.Errorf("failed to parse position strike: %w", err)
		}
		if p.InitialStrike, err = decimal.NewFromString(initialStrike); err != nil {
			return nil, fmt.Errorf("failed to parse position initial strike: %w", err)
		}
		positions = append(positions, p)
	}
	return positions, rows.Err()
}

// LoadOrders retrieves the orders dated on the given day
func (s *LedgerStore) LoadOrders(ctx context.Context, portfolioID int64, date time.Time) ([]domain.Order, error) {
	query := `
		SELECT id, portfolio_id, instrument_id, unit, order_date, type, limit_level,
		       status, execution_level, execution_ts, client, destination, account, aggregated
		FROM orders
		WHERE portfolio_id = $1 AND order_date = $2
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, portfolioID, domain.Day(date))
	if err != nil {
		return nil, fmt.Errorf("failed to query orders: %w", err)
	}
	defer rows.Close()

	var orders []domain.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, o)
	}
	return orders, rows.Err()
}

// SaveNewPositions persists freshly created positions
func (s *LedgerStore) SaveNewPositions(ctx context.Context, positions []domain.Position) error {
	if len(positions) == 0 {
		return nil
	}
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback()

	query := `
		INSERT INTO positions (portfolio_id, instrument_id, unit, ts, strike, strike_ts,
		                       initial_strike, initial_strike_ts, aggregated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (portfolio_id, instrument_id, ts, aggregated) DO UPDATE
		SET unit = EXCLUDED.unit, strike = EXCLUDED.strike, strike_ts = EXCLUDED.strike_ts
	`
	for _, p := range positions {
		_, err = dbTx.ExecContext(ctx, query,
			p.PortfolioID,
			p.InstrumentID,
			p.Unit.String(),
			p.Timestamp,
			p.Strike.String(),
			p.StrikeTimestamp,
			p.InitialStrike.String(),
			p.InitialStrikeTimestamp,
			p.Aggregated,
		)
		if err != nil {
			return fmt.Errorf("failed to insert position: %w", err)
		}
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// SaveNewOrders persists freshly created orders
func (s *LedgerStore) SaveNewOrders(ctx context.Context, orders []domain.Order) error {
	if len(orders) == 0 {
		return nil
	}
	dbTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer dbTx.Rollback()

	query := `
		INSERT INTO orders (id, portfolio_id, instrument_id, unit, order_date, type, limit_level,
		                    status, execution_level, execution_ts, client, destination, account, aggregated)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
	`
	for _, o := range orders {
		_, err = dbTx.ExecContext(ctx, query,
			o.ID,
			o.PortfolioID,
			o.InstrumentID,
			o.Unit.String(),
			o.OrderDate,
			string(o.Type),
			o.Limit,
			string(o.Status),
			nullLevel(o.ExecutionLevel),
			nullTime(o.ExecutionDate),
			o.Client,
			o.Destination,
			o.Account,
			o.Aggregated,
		)
		if err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}
	}
	if err := dbTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// UpdateOrder persists a mutated order
func (s *LedgerStore) UpdateOrder(ctx context.Context, o domain.Order) error {
	query := `
		UPDATE orders
		SET unit = $2, limit_level = $3, status = $4, execution_level = $5,
		    execution_ts = $6, client = $7, destination = $8, account = $9
		WHERE id = $1 AND aggregated = $10
	`
	_, err := s.db.ExecContext(ctx, query,
		o.ID,
		o.Unit.String(),
		o.Limit,
		string(o.Status),
		nullLevel(o.ExecutionLevel),
		nullTime(o.ExecutionDate),
		o.Client,
		o.Destination,
		o.Account,
		o.Aggregated,
	)
	if err != nil {
		return fmt.Errorf("failed to update order: %w", err)
	}
	return nil
}

// LastPositionTimestamp returns the latest position timestamp at or before the given date
func (s *LedgerStore) LastPositionTimestamp(ctx context.Context, portfolioID int64, date time.Time) (time.Time, error) {
	query := `
		SELECT MAX(ts) FROM positions
		WHERE portfolio_id = $1 AND ts < $2 AND aggregated = FALSE
	`
	var ts sql.NullTime
	err := s.db.QueryRowContext(ctx, query, portfolioID, domain.Day(date).AddDate(0, 0, 1)).Scan(&ts)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query last position timestamp: %w", err)
	}
	if !ts.Valid {
		return time.Time{}, nil
	}
	return ts.Time, nil
}

// SetProperty persists a single scalar field of an entity
func (s *LedgerStore) SetProperty(ctx context.Context, entity string, id int64, field, value string) error {
	query := `
		INSERT INTO entity_properties (entity, entity_id, field, value)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity, entity_id, field) DO UPDATE SET value = EXCLUDED.value
	`
	if _, err := s.db.ExecContext(ctx, query, entity, id, field, value); err != nil {
		return fmt.Errorf("failed to set property: %w", err)
	}
	return nil
}

func scanOrder(rows *sql.Rows) (domain.Order, error) {
	var o domain.Order
	var unit, orderType, status string
	var level sql.NullFloat64
	var execTS sql.NullTime
	err := rows.Scan(&o.ID, &o.PortfolioID, &o.InstrumentID, &unit, &o.OrderDate,
		&orderType, &o.Limit, &status, &level, &execTS,
		&o.Client, &o.Destination, &o.Account, &o.Aggregated)
	if err != nil {
		return domain.Order{}, fmt.Errorf("failed to scan order: %w", err)
	}
	if o.Unit, err = decimal.NewFromString(unit); err != nil {
		return domain.Order{}, fmt.Errorf("failed to parse order unit: %w", err)
	}
	o.Type = domain.OrderType(orderType)
	o.Status = domain.OrderStatus(status)
	o.ExecutionLevel = math.NaN()
	if level.Valid {
		o.ExecutionLevel = level.Float64
	}
	if execTS.Valid {
		o.ExecutionDate = execTS.Time
	}
	return o, nil
}

// nullLevel maps a NaN execution level to SQL NULL
func nullLevel(level float64) sql.NullFloat64 {
	if math.IsNaN(level) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: level, Valid: true}
}

// nullTime maps the zero time to SQL NULL
func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t, Valid: true}
}

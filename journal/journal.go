// Package journal persists the engine's audit trail: one row per hedge
// cycle, every order placed, income attribution, and application logs, all in
// a single SQLite file an operator can query after the fact.
package journal

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"sync"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pairhedge/pairhedge/hedger"
)

//go:embed schema.sql
var schemaDDL string

// Journal is a SQLite-backed recorder. Writes serialize through one
// connection and a mutex; the driver is not safe for concurrent writers on a
// single file otherwise.
type Journal struct {
	db *sql.DB
	mu sync.Mutex
}

// Open creates or opens the journal file and applies the schema.
func Open(path string) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal db: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set journal mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, schemaDDL); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping journal db: %w", err)
	}

	return &Journal{db: db}, nil
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.db.Close()
}

// RecordCycle stores one finished cycle row.
func (j *Journal) RecordCycle(ctx context.Context, r hedger.CycleRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO cycles (seq, symbol, primary_account, target, executed, hedged,
			rehangs, status, anomaly, started_at_utc, finished_at_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(r.Seq), r.Symbol, r.Primary, r.Target, r.Executed, r.Hedged,
		r.Rehangs, r.Status, nullableText(r.Anomaly),
		r.StartedAt.UTC().UnixMilli(), r.FinishedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert cycle %d: %w", r.Seq, err)
	}
	return nil
}

// RecordOrder stores one placed order.
func (j *Journal) RecordOrder(ctx context.Context, r hedger.OrderRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO orders (cycle_seq, account, client_order_id, order_id, side,
			order_type, quantity, price, executed, status, placed_at_utc)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		int64(r.CycleSeq), r.Account, r.ClientOrderID, r.OrderID, r.Side,
		r.Type, r.Quantity, r.Price, r.Executed, r.Status,
		r.PlacedAt.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert order %s: %w", r.ClientOrderID, err)
	}
	return nil
}

// RecordIncome stores one income attribution row.
func (j *Journal) RecordIncome(ctx context.Context, r hedger.IncomeRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO income (cycle_seq, account, income_type, amount, asset, at_utc)
		VALUES (?, ?, ?, ?, ?, ?)`,
		int64(r.CycleSeq), r.Account, r.Type, r.Amount, r.Asset,
		r.At.UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("insert income for cycle %d: %w", r.CycleSeq, err)
	}
	return nil
}

// Cycles returns every recorded cycle, oldest first.
func (j *Journal) Cycles(ctx context.Context) ([]hedger.CycleRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx, `
		SELECT seq, symbol, primary_account, target, executed, hedged,
			rehangs, status, anomaly, started_at_utc, finished_at_utc
		FROM cycles ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query cycles: %w", err)
	}
	defer rows.Close()

	var out []hedger.CycleRecord
	for rows.Next() {
		var (
			r        hedger.CycleRecord
			seq      int64
			anomaly  sql.NullString
			started  int64
			finished int64
		)
		if err := rows.Scan(&seq, &r.Symbol, &r.Primary, &r.Target, &r.Executed,
			&r.Hedged, &r.Rehangs, &r.Status, &anomaly, &started, &finished); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		r.Seq = uint32(seq)
		r.Anomaly = anomaly.String
		r.StartedAt = time.UnixMilli(started).UTC()
		r.FinishedAt = time.UnixMilli(finished).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// OrdersForCycle returns the cycle's orders in placement order.
func (j *Journal) OrdersForCycle(ctx context.Context, seq uint32) ([]hedger.OrderRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx, `
		SELECT cycle_seq, account, client_order_id, order_id, side, order_type,
			quantity, price, executed, status, placed_at_utc
		FROM orders WHERE cycle_seq = ? ORDER BY id`, int64(seq))
	if err != nil {
		return nil, fmt.Errorf("query orders for cycle %d: %w", seq, err)
	}
	defer rows.Close()

	var out []hedger.OrderRecord
	for rows.Next() {
		var (
			r        hedger.OrderRecord
			cycleSeq int64
			placedAt int64
		)
		if err := rows.Scan(&cycleSeq, &r.Account, &r.ClientOrderID, &r.OrderID,
			&r.Side, &r.Type, &r.Quantity, &r.Price, &r.Executed, &r.Status,
			&placedAt); err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		r.CycleSeq = uint32(cycleSeq)
		r.PlacedAt = time.UnixMilli(placedAt).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

// IncomeForCycle returns the income rows attributed to a cycle.
func (j *Journal) IncomeForCycle(ctx context.Context, seq uint32) ([]hedger.IncomeRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx, `
		SELECT cycle_seq, account, income_type, amount, asset, at_utc
		FROM income WHERE cycle_seq = ? ORDER BY id`, int64(seq))
	if err != nil {
		return nil, fmt.Errorf("query income for cycle %d: %w", seq, err)
	}
	defer rows.Close()

	var out []hedger.IncomeRecord
	for rows.Next() {
		var (
			r        hedger.IncomeRecord
			cycleSeq int64
			at       int64
		)
		if err := rows.Scan(&cycleSeq, &r.Account, &r.Type, &r.Amount, &r.Asset, &at); err != nil {
			return nil, fmt.Errorf("scan income: %w", err)
		}
		r.CycleSeq = uint32(cycleSeq)
		r.At = time.UnixMilli(at).UTC()
		out = append(out, r)
	}
	return out, rows.Err()
}

func (j *Journal) insertLog(ctx context.Context, e logEntry) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	_, err := j.db.ExecContext(ctx, `
		INSERT INTO logs (at_utc, level, scope, message, attrs_json)
		VALUES (?, ?, ?, ?, ?)`,
		e.At.UTC().UnixMilli(), e.Level, nullableText(e.Scope), e.Message,
		string(e.Attrs))
	if err != nil {
		return fmt.Errorf("insert log entry: %w", err)
	}
	return nil
}

// LogRecord is one persisted application log row.
type LogRecord struct {
	At      time.Time
	Level   string
	Scope   string
	Message string
	Attrs   string
}

// Logs returns persisted log rows, oldest first.
func (j *Journal) Logs(ctx context.Context) ([]LogRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	rows, err := j.db.QueryContext(ctx, `
		SELECT at_utc, level, scope, message, attrs_json
		FROM logs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	var out []LogRecord
	for rows.Next() {
		var (
			r     LogRecord
			at    int64
			scope sql.NullString
		)
		if err := rows.Scan(&at, &r.Level, &scope, &r.Message, &r.Attrs); err != nil {
			return nil, fmt.Errorf("scan log row: %w", err)
		}
		r.At = time.UnixMilli(at).UTC()
		r.Scope = scope.String
		out = append(out, r)
	}
	return out, rows.Err()
}

// LogCount reports the number of persisted log rows.
func (j *Journal) LogCount(ctx context.Context) (int, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	var n int
	err := j.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM logs`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count logs: %w", err)
	}
	return n, nil
}

func nullableText(s string) any {
	if s == "" {
		return nil
	}
	return s
}

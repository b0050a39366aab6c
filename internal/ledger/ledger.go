package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"scalpel/internal/logger"
)

// DefaultRetention is how long a record outlives its submission, regardless
// of status. Delayed broker confirmations land well inside this window.
const DefaultRetention = 24 * time.Hour

type Config struct {
	Path      string
	Retention time.Duration
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Retention <= 0 {
		out.Retention = DefaultRetention
	}
	return out
}

// Ledger persists order records in SQLite and serializes every operation
// per client order id, so two racing submitters of the same logical order
// cannot both pass the idempotency gate.
type Ledger struct {
	cfg   Config
	locks *keyedLocks

	mu sync.Mutex
	db *sql.DB

	nowFn func() time.Time
	idFn  func() string
}

func New(cfg Config) (*Ledger, error) {
	final := cfg.withDefaults()
	db, err := openDB(final.Path)
	if err != nil {
		return nil, err
	}
	return &Ledger{
		cfg:   final,
		locks: newKeyedLocks(),
		db:    db,
		nowFn: time.Now,
		idFn:  uuid.NewString,
	}, nil
}

func (l *Ledger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.db == nil {
		return nil
	}
	err := l.db.Close()
	l.db = nil
	return err
}

func (l *Ledger) handle() (*sql.DB, error) {
	l.mu.Lock()
	db := l.db
	l.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("ledger is closed")
	}
	return db, nil
}

// NewClientOrderID mints a fresh identifier. Exactly one per logical order;
// retries of that order reuse it.
func (l *Ledger) NewClientOrderID() string {
	return l.idFn()
}

// IsSubmitted reports whether the id has already been handed to the broker
// (status submitted, confirmed or duplicate). Unknown ids answer false.
func (l *Ledger) IsSubmitted(ctx context.Context, id string) (bool, error) {
	db, err := l.handle()
	if err != nil {
		return false, err
	}
	l.locks.lock(id)
	defer l.locks.unlock(id)

	rec, err := getRecord(ctx, db, id)
	if err == ErrNotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return rec.Status.submitted(), nil
}

// RecordSubmission registers a dispatch attempt atomically with the
// idempotency check. The returned bool is true when this call owns the
// submission; false means the id was already submitted and the record has
// been flagged duplicate, so the caller must not touch the network.
func (l *Ledger) RecordSubmission(ctx context.Context, rec Record) (bool, error) {
	if rec.ClientOrderID == "" {
		return false, fmt.Errorf("ledger: client order id is required")
	}
	db, err := l.handle()
	if err != nil {
		return false, err
	}
	l.locks.lock(rec.ClientOrderID)
	defer l.locks.unlock(rec.ClientOrderID)

	now := l.nowFn()
	existing, err := getRecord(ctx, db, rec.ClientOrderID)
	if err == ErrNotFound {
		rec.Status = StatusSubmitted
		if rec.SubmittedAt.IsZero() {
			rec.SubmittedAt = now
		}
		if err := insertRecord(ctx, db, rec, now); err != nil {
			return false, err
		}
		return true, nil
	}
	if err != nil {
		return false, err
	}

	switch existing.Status {
	case StatusPending, StatusFailed:
		// retried dispatch of the same logical order
		if err := updateStatus(ctx, db, rec.ClientOrderID, StatusSubmitted, now); err != nil {
			return false, err
		}
		return true, nil
	case StatusSubmitted:
		logger.Warnf("ledger: repeat submission attempt for %s (trade %s), flagging duplicate",
			rec.ClientOrderID, existing.TradeID)
		if err := updateStatus(ctx, db, rec.ClientOrderID, StatusDuplicate, now); err != nil {
			return false, err
		}
		return false, nil
	case StatusConfirmed:
		logger.Warnf("ledger: submission attempt for already-confirmed %s ignored", rec.ClientOrderID)
		return false, nil
	default: // StatusDuplicate
		return false, nil
	}
}

// ConfirmSubmission stamps the broker ack. Unknown ids are a consistency
// error surfaced as ErrNotFound. Safe to call repeatedly with the same
// broker order id.
func (l *Ledger) ConfirmSubmission(ctx context.Context, id, brokerOrderID string) error {
	db, err := l.handle()
	if err != nil {
		return err
	}
	l.locks.lock(id)
	defer l.locks.unlock(id)

	rec, err := getRecord(ctx, db, id)
	if err != nil {
		return err
	}
	if rec.Status == StatusConfirmed {
		if rec.BrokerOrderID != "" && rec.BrokerOrderID != brokerOrderID {
			logger.Warnf("ledger: %s already confirmed as broker order %s, ignoring %s",
				id, rec.BrokerOrderID, brokerOrderID)
		}
		return nil
	}
	now := l.nowFn()
	_, err = db.ExecContext(ctx, `
		UPDATE order_records
		SET status = ?, confirmed_at = ?, broker_order_id = ?, updated_at = ?
		WHERE client_order_id = ?`,
		int(StatusConfirmed), now.UnixMilli(), brokerOrderID, now.UnixMilli(), id)
	return err
}

// IncrementRetry bumps the retry counter before a re-dispatch of an id
// already in pending or failed.
func (l *Ledger) IncrementRetry(ctx context.Context, id string) error {
	db, err := l.handle()
	if err != nil {
		return err
	}
	l.locks.lock(id)
	defer l.locks.unlock(id)

	if _, err := getRecord(ctx, db, id); err != nil {
		return err
	}
	_, err = db.ExecContext(ctx, `
		UPDATE order_records SET retry_count = retry_count + 1, updated_at = ?
		WHERE client_order_id = ?`,
		l.nowFn().UnixMilli(), id)
	return err
}

// MarkFailed stores the broker error. A missing id is a silent no-op: the
// janitor may have evicted the record while the failure was in flight.
func (l *Ledger) MarkFailed(ctx context.Context, id, errMsg string) error {
	db, err := l.handle()
	if err != nil {
		return err
	}
	l.locks.lock(id)
	defer l.locks.unlock(id)

	rec, err := getRecord(ctx, db, id)
	if err == ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}
	if rec.Status == StatusConfirmed {
		logger.Warnf("ledger: markFailed on confirmed %s ignored, fill wins", id)
		return nil
	}
	now := l.nowFn()
	_, err = db.ExecContext(ctx, `
		UPDATE order_records SET status = ?, error = ?, updated_at = ?
		WHERE client_order_id = ?`,
		int(StatusFailed), errMsg, now.UnixMilli(), id)
	return err
}

func (l *Ledger) GetOrder(ctx context.Context, id string) (Record, error) {
	db, err := l.handle()
	if err != nil {
		return Record{}, err
	}
	return getRecord(ctx, db, id)
}

func (l *Ledger) GetOrdersByTrade(ctx context.Context, tradeID string) ([]Record, error) {
	db, err := l.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM order_records WHERE trade_id = ? ORDER BY submitted_at ASC`,
		tradeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func (l *Ledger) GetAllOrders(ctx context.Context) ([]Record, error) {
	db, err := l.handle()
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM order_records ORDER BY submitted_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

func collectRecords(rows *sql.Rows) ([]Record, error) {
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (l *Ledger) GetStats(ctx context.Context) (Stats, error) {
	db, err := l.handle()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{ByStatus: make(map[string]int)}

	rows, err := db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM order_records GROUP BY status`)
	if err != nil {
		return stats, err
	}
	defer rows.Close()
	for rows.Next() {
		var status int64
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, err
		}
		stats.ByStatus[Status(status).String()] = count
		stats.Total += count
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	var mean sql.NullFloat64
	if err := db.QueryRowContext(ctx,
		`SELECT AVG(retry_count) FROM order_records`).Scan(&mean); err != nil {
		return stats, err
	}
	if mean.Valid {
		stats.MeanRetries = mean.Float64
	}
	return stats, nil
}

// PurgeStale deletes records submitted more than the retention window ago,
// regardless of status, and returns how many were removed.
func (l *Ledger) PurgeStale(ctx context.Context) (int64, error) {
	db, err := l.handle()
	if err != nil {
		return 0, err
	}
	cutoff := l.nowFn().Add(-l.cfg.Retention).UnixMilli()
	res, err := db.ExecContext(ctx,
		`DELETE FROM order_records WHERE submitted_at < ?`, cutoff)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logger.Infof("ledger: purged %d stale order records", n)
	}
	return n, nil
}

// Retention reports the configured record lifetime.
func (l *Ledger) Retention() time.Duration {
	return l.cfg.Retention
}

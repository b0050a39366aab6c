package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"scalpel/internal/logger"

	_ "modernc.org/sqlite"
)

func openDB(path string) (*sql.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("ledger db path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func ensureSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS order_records (
			client_order_id TEXT PRIMARY KEY,
			trade_id TEXT NOT NULL,
			symbol TEXT NOT NULL,
			side TEXT NOT NULL DEFAULT '',
			quantity INTEGER NOT NULL DEFAULT 0,
			limit_price REAL NOT NULL DEFAULT 0,
			status INTEGER NOT NULL,
			submitted_at INTEGER NOT NULL,
			confirmed_at INTEGER,
			broker_order_id TEXT,
			retry_count INTEGER NOT NULL DEFAULT 0,
			error TEXT,
			metadata TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);
		`,
		`CREATE INDEX IF NOT EXISTS idx_order_records_trade ON order_records(trade_id);`,
		`CREATE INDEX IF NOT EXISTS idx_order_records_submitted ON order_records(submitted_at);`,
		`CREATE INDEX IF NOT EXISTS idx_order_records_status ON order_records(status);`,
	}
	for _, stmt := range stmts {
		if _, err := db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

const recordColumns = `client_order_id, trade_id, symbol, side, quantity, limit_price,
	status, submitted_at, confirmed_at, broker_order_id, retry_count, error, metadata`

func scanRecord(scanner rowScanner) (Record, error) {
	var (
		rec         Record
		status      int64
		submittedAt int64
		confirmedAt sql.NullInt64
		brokerID    sql.NullString
		errStr      sql.NullString
		metaStr     sql.NullString
	)
	if err := scanner.Scan(&rec.ClientOrderID, &rec.TradeID, &rec.Symbol, &rec.Side,
		&rec.Quantity, &rec.LimitPrice, &status, &submittedAt, &confirmedAt,
		&brokerID, &rec.RetryCount, &errStr, &metaStr); err != nil {
		return rec, err
	}
	rec.Status = Status(status)
	rec.SubmittedAt = time.UnixMilli(submittedAt)
	if confirmedAt.Valid {
		t := time.UnixMilli(confirmedAt.Int64)
		rec.ConfirmedAt = &t
	}
	rec.BrokerOrderID = brokerID.String
	rec.Error = errStr.String
	rec.Metadata = decodeMetadata(metaStr.String)
	return rec, nil
}

func getRecord(ctx context.Context, db *sql.DB, id string) (Record, error) {
	row := db.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM order_records WHERE client_order_id = ?`, id)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	return rec, err
}

func insertRecord(ctx context.Context, db *sql.DB, rec Record, now time.Time) error {
	var confirmedAt interface{}
	if rec.ConfirmedAt != nil {
		confirmedAt = rec.ConfirmedAt.UnixMilli()
	}
	_, err := db.ExecContext(ctx, `
		INSERT INTO order_records
			(client_order_id, trade_id, symbol, side, quantity, limit_price,
			 status, submitted_at, confirmed_at, broker_order_id, retry_count,
			 error, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ClientOrderID,
		rec.TradeID,
		rec.Symbol,
		rec.Side,
		rec.Quantity,
		rec.LimitPrice,
		int(rec.Status),
		rec.SubmittedAt.UnixMilli(),
		confirmedAt,
		nullable(rec.BrokerOrderID),
		rec.RetryCount,
		nullable(rec.Error),
		encodeMetadata(rec.Metadata),
		now.UnixMilli(),
		now.UnixMilli(),
	)
	return err
}

func updateStatus(ctx context.Context, db *sql.DB, id string, status Status, now time.Time) error {
	_, err := db.ExecContext(ctx,
		`UPDATE order_records SET status = ?, updated_at = ? WHERE client_order_id = ?`,
		int(status), now.UnixMilli(), id)
	return err
}

func nullable(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func encodeMetadata(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}
	b, err := json.Marshal(meta)
	if err != nil {
		return ""
	}
	return string(b)
}

func decodeMetadata(raw string) map[string]string {
	if raw == "" {
		return nil
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(raw), &meta); err != nil {
		logger.Warnf("ledger: bad metadata blob: %v", err)
		return nil
	}
	return meta
}

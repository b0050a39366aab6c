// Package history archives terminal trades and serves the read-only report
// projection consumed by the JSON API. Nothing here feeds back into live
// execution; the archive is a sink.
package history

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"scalpel/internal/trade"

	"github.com/shopspring/decimal"
	"gorm.io/datatypes"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"
)

// contractMultiplier converts option premium points to dollars. Index and
// equity options both settle 100 units per contract.
const contractMultiplier = 100

const defaultListLimit = 50

// Store is the completed-trade archive. One row per trade, keyed by trade id;
// re-archiving the same trade overwrites the row.
type Store struct {
	db *gorm.DB
}

var _ trade.Archiver = (*Store)(nil)

func New(path string) (*Store, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("history: archive path is required")
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("history: create archive dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger:                                   gormlogger.Default.LogMode(gormlogger.Silent),
		DisableForeignKeyConstraintWhenMigrating: true,
	})
	if err != nil {
		return nil, fmt.Errorf("history: open archive: %w", err)
	}
	if err := db.AutoMigrate(&tradeModel{}); err != nil {
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	// SQLite + WAL: a little parallelism for HTTP reads, low lock contention.
	sqlDB.SetMaxOpenConns(2)
	sqlDB.SetMaxIdleConns(2)
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// Archive upserts one terminal trade. The manager calls this exactly once per
// trade on retirement, but replays after a crash land on the same row.
func (s *Store) Archive(ctx context.Context, tr trade.Trade) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("history: store not initialized")
	}
	if strings.TrimSpace(tr.ID) == "" {
		return fmt.Errorf("history: trade id is required")
	}
	model := newTradeModel(tr)
	cols := []string{
		"underlying", "side", "quantity", "profile", "state",
		"entry_price", "exit_price", "pl_dollar", "pl_percent",
		"exit_reason", "cancel_reason", "chase_info",
		"created_at", "filled_at", "ended_at", "duration_ms",
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "trade_uuid"}},
			DoUpdates: clause.AssignmentColumns(cols),
		}).
		Create(&model).Error
}

// Get returns the report row for one trade id.
func (s *Store) Get(ctx context.Context, id string) (Report, bool, error) {
	if s == nil || s.db == nil {
		return Report{}, false, fmt.Errorf("history: store not initialized")
	}
	var model tradeModel
	err := s.db.WithContext(ctx).Where("trade_uuid = ?", strings.TrimSpace(id)).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Report{}, false, nil
		}
		return Report{}, false, err
	}
	return modelToReport(model), true, nil
}

// List returns archived trades newest first, optionally filtered by
// underlying.
func (s *Store) List(ctx context.Context, underlying string, limit, offset int) ([]Report, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("history: store not initialized")
	}
	if limit <= 0 || limit > 500 {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}
	query := s.db.WithContext(ctx).Model(&tradeModel{})
	if sym := strings.ToUpper(strings.TrimSpace(underlying)); sym != "" {
		query = query.Where("underlying = ?", sym)
	}
	var models []tradeModel
	if err := query.
		Order("ended_at DESC, id DESC").
		Limit(limit).
		Offset(offset).
		Find(&models).Error; err != nil {
		return nil, err
	}
	out := make([]Report, 0, len(models))
	for _, m := range models {
		out = append(out, modelToReport(m))
	}
	return out, nil
}

// Count returns the archive size, optionally filtered by underlying.
func (s *Store) Count(ctx context.Context, underlying string) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("history: store not initialized")
	}
	query := s.db.WithContext(ctx).Model(&tradeModel{})
	if sym := strings.ToUpper(strings.TrimSpace(underlying)); sym != "" {
		query = query.Where("underlying = ?", sym)
	}
	var total int64
	if err := query.Count(&total).Error; err != nil {
		return 0, err
	}
	return int(total), nil
}

// Report is the read-only projection of one completed trade.
type Report struct {
	ID           string          `json:"id"`
	Underlying   string          `json:"underlying"`
	Side         string          `json:"side"`
	Quantity     int64           `json:"quantity"`
	Profile      string          `json:"profile"`
	State        string          `json:"state"`
	Entry        float64         `json:"entry,omitempty"`
	Exit         float64         `json:"exit,omitempty"`
	PLDollar     float64         `json:"plDollar"`
	PLPercent    float64         `json:"plPercent"`
	ExitReason   string          `json:"exitReason,omitempty"`
	CancelReason string          `json:"cancelReason,omitempty"`
	DurationMs   int64           `json:"durationMs"`
	ChaseInfo    trade.ChaseInfo `json:"chaseInfo"`
	CreatedAt    time.Time       `json:"createdAt"`
	FilledAt     *time.Time      `json:"filledAt,omitempty"`
	EndedAt      *time.Time      `json:"endedAt,omitempty"`
}

type tradeModel struct {
	ID           int64          `gorm:"column:id;primaryKey"`
	TradeUUID    string         `gorm:"column:trade_uuid;uniqueIndex"`
	Underlying   string         `gorm:"column:underlying;index"`
	Side         string         `gorm:"column:side"`
	Quantity     int64          `gorm:"column:quantity"`
	Profile      string         `gorm:"column:profile"`
	State        string         `gorm:"column:state;index"`
	EntryPrice   float64        `gorm:"column:entry_price"`
	ExitPrice    float64        `gorm:"column:exit_price"`
	PLDollar     float64        `gorm:"column:pl_dollar"`
	PLPercent    float64        `gorm:"column:pl_percent"`
	ExitReason   string         `gorm:"column:exit_reason"`
	CancelReason string         `gorm:"column:cancel_reason"`
	ChaseInfo    datatypes.JSON `gorm:"column:chase_info"`
	CreatedAt    int64          `gorm:"column:created_at"`
	FilledAt     int64          `gorm:"column:filled_at"`
	EndedAt      int64          `gorm:"column:ended_at;index"`
	DurationMs   int64          `gorm:"column:duration_ms"`
}

func (tradeModel) TableName() string { return "trade_history" }

func newTradeModel(tr trade.Trade) tradeModel {
	plDollar, plPercent := computePL(tr)
	chaseBytes, _ := json.Marshal(tr.ChaseInfo)
	model := tradeModel{
		TradeUUID:    tr.ID,
		Underlying:   tr.Underlying,
		Side:         tr.Side.String(),
		Quantity:     tr.Quantity,
		Profile:      tr.Profile,
		State:        tr.State.String(),
		EntryPrice:   tr.EntryPrice,
		ExitPrice:    tr.ExitPrice,
		PLDollar:     plDollar,
		PLPercent:    plPercent,
		ExitReason:   string(tr.ExitReason),
		CancelReason: tr.CancelReason,
		ChaseInfo:    datatypes.JSON(chaseBytes),
		CreatedAt:    tr.CreatedAt.UnixMilli(),
		FilledAt:     timeToMillis(tr.FilledAt),
		EndedAt:      timeToMillis(tr.EndedAt),
	}
	if tr.EndedAt != nil && !tr.EndedAt.IsZero() && tr.EndedAt.After(tr.CreatedAt) {
		model.DurationMs = tr.EndedAt.Sub(tr.CreatedAt).Milliseconds()
	}
	return model
}

// computePL prices the round trip in dollars and percent of entry premium.
// Cancelled trades never filled, so both come out zero.
func computePL(tr trade.Trade) (plDollar, plPercent float64) {
	if tr.EntryPrice <= 0 || tr.ExitPrice <= 0 {
		return 0, 0
	}
	entry := decimal.NewFromFloat(tr.EntryPrice)
	exit := decimal.NewFromFloat(tr.ExitPrice)
	move := exit.Sub(entry)
	if tr.Side.String() == "sell" {
		move = move.Neg()
	}
	dollars := move.
		Mul(decimal.NewFromInt(tr.Quantity)).
		Mul(decimal.NewFromInt(contractMultiplier))
	percent := move.Div(entry).Mul(decimal.NewFromInt(100))
	plDollar, _ = dollars.Float64()
	plPercent, _ = percent.Float64()
	return plDollar, plPercent
}

func modelToReport(m tradeModel) Report {
	var info trade.ChaseInfo
	if len(m.ChaseInfo) > 0 {
		_ = json.Unmarshal(m.ChaseInfo, &info)
	}
	report := Report{
		ID:           m.TradeUUID,
		Underlying:   m.Underlying,
		Side:         m.Side,
		Quantity:     m.Quantity,
		Profile:      m.Profile,
		State:        m.State,
		Entry:        m.EntryPrice,
		Exit:         m.ExitPrice,
		PLDollar:     m.PLDollar,
		PLPercent:    m.PLPercent,
		ExitReason:   m.ExitReason,
		CancelReason: m.CancelReason,
		DurationMs:   m.DurationMs,
		ChaseInfo:    info,
		CreatedAt:    time.UnixMilli(m.CreatedAt),
	}
	if m.FilledAt > 0 {
		ts := time.UnixMilli(m.FilledAt)
		report.FilledAt = &ts
	}
	if m.EndedAt > 0 {
		ts := time.UnixMilli(m.EndedAt)
		report.EndedAt = &ts
	}
	return report
}

func timeToMillis(t *time.Time) int64 {
	if t == nil || t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Package ledger is the idempotency registry for broker-bound orders. Every
// logical order gets exactly one client order id and one durable record;
// the ledger is the gate a submission must pass before it may touch the
// network, and the only component allowed to mutate a record afterwards.
package ledger

import (
	"errors"
	"time"
)

// ErrNotFound is returned when an operation references an unknown client
// order id. Callers treat it as a data-consistency signal, not a crash.
var ErrNotFound = errors.New("ledger: order record not found")

type Status int

const (
	StatusPending Status = iota
	StatusSubmitted
	StatusConfirmed
	StatusDuplicate
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusSubmitted:
		return "submitted"
	case StatusConfirmed:
		return "confirmed"
	case StatusDuplicate:
		return "duplicate"
	case StatusFailed:
		return "failed"
	default:
		return "unknown"
	}
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// submitted reports whether a record in this status has already been handed
// to the broker. Duplicate counts: it marks a repeat attempt on an id that
// was submitted once, so the guard must keep answering true.
func (s Status) submitted() bool {
	return s == StatusSubmitted || s == StatusConfirmed || s == StatusDuplicate
}

// Record is one broker-bound submission attempt. ClientOrderID is immutable
// once created and unique across the ledger.
type Record struct {
	ClientOrderID string            `json:"client_order_id"`
	TradeID       string            `json:"trade_id"`
	Symbol        string            `json:"symbol"`
	Side          string            `json:"side"`
	Quantity      int64             `json:"quantity"`
	LimitPrice    float64           `json:"limit_price"`
	Status        Status            `json:"status"`
	SubmittedAt   time.Time         `json:"submitted_at"`
	ConfirmedAt   *time.Time        `json:"confirmed_at,omitempty"`
	BrokerOrderID string            `json:"broker_order_id,omitempty"`
	RetryCount    int               `json:"retry_count"`
	Error         string            `json:"error,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

// Stats is the observability projection over all live records.
type Stats struct {
	Total       int            `json:"total"`
	ByStatus    map[string]int `json:"by_status"`
	MeanRetries float64        `json:"mean_retries"`
}

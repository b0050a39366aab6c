// Package broker defines the submission boundary of the execution core and
// a paper implementation of it. The core never talks to a venue directly:
// it hands an OrderSpec carrying the ledger's client order id to a Broker
// and consumes the resulting event stream.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrUnknownOrder is returned by Amend/Cancel when no live order matches
	// the client order id. A cancel racing a fill lands here.
	ErrUnknownOrder = errors.New("broker: unknown or inactive order")
	// ErrAmendUnsupported is returned by brokers that cannot modify a resting
	// order in place. Callers fall back to cancel-and-replace.
	ErrAmendUnsupported = errors.New("broker: in-place amend not supported")
)

type Side int

const (
	Buy Side = iota
	Sell
)

func (s Side) String() string {
	if s == Sell {
		return "sell"
	}
	return "buy"
}

// Opposite is the closing side for a position entered with s.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

func (s Side) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Side) UnmarshalText(text []byte) error {
	parsed, err := ParseSide(string(text))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

func ParseSide(name string) (Side, error) {
	switch name {
	case "buy", "BUY":
		return Buy, nil
	case "sell", "SELL":
		return Sell, nil
	default:
		return Buy, fmt.Errorf("broker: invalid side %q", name)
	}
}

// OrderSpec is one broker-bound limit order. ClientOrderID comes from the
// ledger and must ride along so a venue with client-id dedup gives a second
// line of defense against duplicates.
type OrderSpec struct {
	ClientOrderID string  `json:"clientOrderId"`
	TradeID       string  `json:"tradeId"`
	Symbol        string  `json:"symbol"`
	Side          Side    `json:"side"`
	Quantity      int64   `json:"quantity"`
	LimitPrice    float64 `json:"limitPrice"`
}

func (s OrderSpec) validate() error {
	if s.ClientOrderID == "" {
		return fmt.Errorf("broker: order spec missing client order id")
	}
	if s.Symbol == "" {
		return fmt.Errorf("broker: order spec missing symbol")
	}
	if s.Quantity <= 0 {
		return fmt.Errorf("broker: order quantity must be positive, got %d", s.Quantity)
	}
	if s.LimitPrice <= 0 {
		return fmt.Errorf("broker: limit price must be positive, got %.4f", s.LimitPrice)
	}
	return nil
}

type EventType int

const (
	// EventFill means the resting order matched. Price is the execution price.
	EventFill EventType = iota
	// EventCanceled acknowledges a cancel; the order is no longer live.
	EventCanceled
	// EventRejected means the venue refused the order after the ack.
	EventRejected
)

func (t EventType) String() string {
	switch t {
	case EventFill:
		return "fill"
	case EventCanceled:
		return "canceled"
	case EventRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Event is one asynchronous outcome from the venue. Submit acks are
// synchronous (the returned broker order id); everything that happens to a
// resting order arrives here.
type Event struct {
	Type          EventType `json:"type"`
	ClientOrderID string    `json:"clientOrderId"`
	BrokerOrderID string    `json:"brokerOrderId"`
	TradeID       string    `json:"tradeId"`
	Symbol        string    `json:"symbol"`
	Side          Side      `json:"side"`
	Price         float64   `json:"price,omitempty"`
	Quantity      int64     `json:"quantity,omitempty"`
	Reason        string    `json:"reason,omitempty"`
	At            time.Time `json:"at"`
}

// Broker is the venue port. Submit returns the venue's order id or an
// error; fills, cancel acks and late rejects arrive on Events. All methods
// are safe for concurrent use.
type Broker interface {
	Name() string

	// Submit places a new limit order. The ack (broker order id) is returned
	// synchronously; the fill, if any, arrives as an event.
	Submit(ctx context.Context, spec OrderSpec) (string, error)

	// Amend moves a resting order to a new limit price in place, keeping its
	// client order id. Brokers without native amend return ErrAmendUnsupported.
	Amend(ctx context.Context, clientOrderID string, limitPrice float64) error

	// Cancel requests removal of a resting order. The cancel ack arrives as
	// an event; a fill that beats the cancel wins and no ack is sent.
	Cancel(ctx context.Context, clientOrderID string) error

	SupportsAmend() bool

	Events() <-chan Event

	Close() error
}

// Package trade drives each trade through its lifecycle: enter, work the
// order, chase the market until it fills or a ceiling kills it, then watch
// the position until an exit rule closes it. The transition logic lives in
// a synchronous machine; an actor goroutine per trade feeds it events, and
// the manager owns the actors and routes ticks, broker events and user
// commands between them.
package trade

import (
	"fmt"
	"time"

	"scalpel/internal/broker"
	"scalpel/internal/chase"
)

type State int

const (
	StatePending State = iota
	StateWorking
	StateChasing
	StateFilled
	StateCancelled
	StateClosed
)

var stateNames = map[State]string{
	StatePending:   "PENDING",
	StateWorking:   "WORKING",
	StateChasing:   "CHASING",
	StateFilled:    "FILLED",
	StateCancelled: "CANCELLED",
	StateClosed:    "CLOSED",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return "UNKNOWN"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Terminal reports whether the trade is finished and ready for archival.
// FILLED is not terminal: the position still has to exit.
func (s State) Terminal() bool {
	return s == StateCancelled || s == StateClosed
}

// ExitReason records why a filled position was closed.
type ExitReason string

const (
	ExitTakeProfit ExitReason = "TP"
	ExitStopLoss   ExitReason = "SL"
	ExitTime       ExitReason = "TIME"
	ExitManual     ExitReason = "MANUAL"
)

// ChaseInfo accumulates chase telemetry for one trade. Attempts counts
// every computed re-quote price, dispatched or not; FinalPrice and
// TotalTimeMs are stamped by the fill.
type ChaseInfo struct {
	Attempts     int     `json:"attempts"`
	InitialPrice float64 `json:"initialPrice"`
	FinalPrice   float64 `json:"finalPrice,omitempty"`
	TotalTimeMs  int64   `json:"totalTimeMs,omitempty"`
	Strategy     string  `json:"strategy"`
}

// Trade is the lifecycle record. Only the owning actor mutates it; everyone
// else reads cloned snapshots.
type Trade struct {
	ID           string      `json:"id"`
	Underlying   string      `json:"underlying"`
	Side         broker.Side `json:"side"`
	Quantity     int64       `json:"quantity"`
	Profile      string      `json:"profile"`
	State        State       `json:"state"`
	ChaseInfo    ChaseInfo   `json:"chaseInfo"`
	EntryPrice   float64     `json:"entryPrice,omitempty"`
	ExitPrice    float64     `json:"exitPrice,omitempty"`
	ExitReason   ExitReason  `json:"exitReason,omitempty"`
	CancelReason string      `json:"cancelReason,omitempty"`
	CreatedAt    time.Time   `json:"createdAt"`
	FilledAt     *time.Time  `json:"filledAt,omitempty"`
	EndedAt      *time.Time  `json:"endedAt,omitempty"`
}

func (t *Trade) clone() Trade {
	out := *t
	if t.FilledAt != nil {
		at := *t.FilledAt
		out.FilledAt = &at
	}
	if t.EndedAt != nil {
		at := *t.EndedAt
		out.EndedAt = &at
	}
	return out
}

// Params are the execution knobs one trade runs under: the app config as
// the base, specialized by the trade's profile. All bounds are required;
// there are no baked-in fallbacks for them.
type Params struct {
	Strategy chase.Strategy

	// Grace is how long the initial order may rest before chasing starts.
	Grace time.Duration
	// RetryCap bounds consecutive submission failures per order; the cap-th
	// failure cancels the trade.
	RetryCap int
	// AttemptCeiling bounds computed re-quote prices for one chase.
	AttemptCeiling int
	// ChaseCeiling bounds wall-clock chase duration.
	ChaseCeiling time.Duration
	// TickTolerance is the minimum price move that justifies touching the
	// resting order.
	TickTolerance float64
	// MaxSlippage caps the distance between the initial and any chased
	// price. Chase prices beyond it are clamped, never dispatched as-is.
	MaxSlippage float64
	// Freshness is the maximum tick age the machine will act on.
	Freshness time.Duration

	// Exit rules. Zero disables the rule.
	TakeProfitPct float64
	StopLossPct   float64
	MaxHold       time.Duration
}

func (p Params) validate() error {
	if p.Grace <= 0 {
		return fmt.Errorf("trade: grace interval is required")
	}
	if p.RetryCap < 1 {
		return fmt.Errorf("trade: retry cap must be at least 1, got %d", p.RetryCap)
	}
	if p.AttemptCeiling < 1 {
		return fmt.Errorf("trade: attempt ceiling must be at least 1, got %d", p.AttemptCeiling)
	}
	if p.ChaseCeiling <= 0 {
		return fmt.Errorf("trade: chase time ceiling is required")
	}
	if p.TickTolerance < 0 {
		return fmt.Errorf("trade: tick tolerance must not be negative")
	}
	if p.MaxSlippage <= 0 {
		return fmt.Errorf("trade: max slippage is required")
	}
	if p.Freshness <= 0 {
		return fmt.Errorf("trade: tick freshness window is required")
	}
	return nil
}

// Stats is the metrics hook the lifecycle feeds. A nil Stats is valid.
type Stats interface {
	TradeOpened()
	TradeFinished(terminal string)
	Requote(strategy string)
	SlippageClamp()
	SubmissionResult(ok bool)
	RetryScheduled()
	FillRecorded(exit bool)
}

type noopStats struct{}

func (noopStats) TradeOpened()          {}
func (noopStats) TradeFinished(string)  {}
func (noopStats) Requote(string)        {}
func (noopStats) SlippageClamp()        {}
func (noopStats) SubmissionResult(bool) {}
func (noopStats) RetryScheduled()       {}
func (noopStats) FillRecorded(bool)     {}

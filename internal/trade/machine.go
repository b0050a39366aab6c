package trade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"scalpel/internal/broker"
	"scalpel/internal/chase"
	"scalpel/internal/ledger"
	"scalpel/internal/logger"
	"scalpel/internal/market"
)

// command is a broker effect the machine wants executed. The machine never
// touches the network itself; the actor dispatches commands asynchronously
// and feeds the results back in as events.
type command interface{ isCommand() }

type legKind int

const (
	legEntry legKind = iota
	legExit
)

func (k legKind) String() string {
	if k == legExit {
		return "exit"
	}
	return "entry"
}

type submitCommand struct {
	leg  legKind
	spec broker.OrderSpec
}

type amendCommand struct {
	clientOrderID string
	price         float64
}

type cancelCommand struct {
	clientOrderID string
}

func (submitCommand) isCommand() {}
func (amendCommand) isCommand()  {}
func (cancelCommand) isCommand() {}

// legState tracks the one in-flight-or-resting order of a leg, plus the ids
// of replaced orders whose cancels have not been acked yet. Those can still
// fill; a fill on any of them wins.
type legState struct {
	clientOrderID string
	brokerOrderID string
	price         float64
	pendingPrice  float64
	inFlight      bool
	live          bool
	failures      int
	retired       map[string]struct{}
}

func (l *legState) owns(id string) bool {
	if id == "" {
		return false
	}
	if l.clientOrderID == id {
		return true
	}
	_, ok := l.retired[id]
	return ok
}

func (l *legState) retire(id string) {
	if l.retired == nil {
		l.retired = make(map[string]struct{})
	}
	l.retired[id] = struct{}{}
}

// unresolved reports whether any order of this leg might still be live at
// the venue.
func (l *legState) unresolved() bool {
	return l.live || l.inFlight || len(l.retired) > 0
}

// machine holds the synchronous lifecycle logic for one trade. Every method
// runs on the owning actor's goroutine; ledger calls are synchronous, broker
// effects come back as returned commands. Errors never escape as panics:
// they become state transitions plus logged messages.
type machine struct {
	trade     *Trade
	params    Params
	led       *ledger.Ledger
	stats     Stats
	amendable bool
	greeks    *chase.Greeks

	entry legState
	exit  legState

	cancelRequested bool
	cancelCause     string
	exitPending     bool
	graceElapsed    bool

	startedAt      time.Time
	chaseStartedAt time.Time
	lastQuote      market.Snapshot

	nowFn func() time.Time
}

func newMachine(tr *Trade, params Params, led *ledger.Ledger, amendable bool, stats Stats, greeks *chase.Greeks) *machine {
	if stats == nil {
		stats = noopStats{}
	}
	return &machine{
		trade:     tr,
		params:    params,
		led:       led,
		stats:     stats,
		amendable: amendable,
		greeks:    greeks,
		nowFn:     time.Now,
	}
}

// begin dispatches the entry order at the touch. Called exactly once, with
// a fresh snapshot; a ledger failure here aborts the enter.
func (m *machine) begin(snap market.Snapshot) ([]command, error) {
	m.lastQuote = snap
	m.startedAt = m.nowFn()

	limit := snap.Bid
	if m.trade.Side == broker.Sell {
		limit = snap.Ask
	}
	if limit <= 0 {
		limit = snap.Mid
	}
	if limit <= 0 {
		return nil, fmt.Errorf("trade %s: no usable quote for %s", m.trade.ID, m.trade.Underlying)
	}
	m.trade.ChaseInfo.InitialPrice = limit
	m.trade.ChaseInfo.Strategy = m.params.Strategy.String()

	cmd, err := m.openOrder(legEntry, limit)
	if err != nil {
		return nil, err
	}
	return []command{cmd}, nil
}

// openOrder creates a fresh ledger record and the submit command for it.
func (m *machine) openOrder(kind legKind, limit float64) (command, error) {
	leg := m.leg(kind)
	side := m.trade.Side
	if kind == legExit {
		side = side.Opposite()
	}

	id := m.led.NewClientOrderID()
	owned, err := m.led.RecordSubmission(context.Background(), ledger.Record{
		ClientOrderID: id,
		TradeID:       m.trade.ID,
		Symbol:        m.trade.Underlying,
		Side:          side.String(),
		Quantity:      m.trade.Quantity,
		LimitPrice:    limit,
	})
	if err != nil {
		return nil, fmt.Errorf("trade %s: ledger rejected %s submission: %w", m.trade.ID, kind, err)
	}
	if !owned {
		return nil, fmt.Errorf("trade %s: fresh client order id %s already submitted", m.trade.ID, id)
	}

	leg.clientOrderID = id
	leg.brokerOrderID = ""
	leg.price = limit
	leg.inFlight = true
	leg.live = false
	leg.failures = 0

	return submitCommand{
		leg: kind,
		spec: broker.OrderSpec{
			ClientOrderID: id,
			TradeID:       m.trade.ID,
			Symbol:        m.trade.Underlying,
			Side:          side,
			Quantity:      m.trade.Quantity,
			LimitPrice:    limit,
		},
	}, nil
}

func (m *machine) leg(kind legKind) *legState {
	if kind == legExit {
		return &m.exit
	}
	return &m.entry
}

// orderSettled reports whether the leg's order already reached its outcome,
// so a late ack must not mark it live again.
func (m *machine) orderSettled(kind legKind) bool {
	if m.trade.State.Terminal() {
		return true
	}
	return kind == legEntry && m.trade.State == StateFilled
}

// onTick is the per-quote evaluation. Stale ticks are skipped outright;
// they trigger neither re-quotes nor exit rules.
func (m *machine) onTick(snap market.Snapshot) []command {
	if m.trade.State.Terminal() {
		return nil
	}
	if age := m.nowFn().Sub(snap.Timestamp); age > m.params.Freshness {
		logger.Debugf("trade %s: skipping stale tick for %s (age %s)", m.trade.ID, m.trade.Underlying, age.Round(time.Millisecond))
		return nil
	}
	m.lastQuote = snap

	switch m.trade.State {
	case StateWorking:
		if m.driftedAway(snap) {
			m.enterChasing("price drift")
			return m.chaseTick(snap)
		}
		return nil
	case StateChasing:
		return m.chaseTick(snap)
	case StateFilled:
		return m.checkExitRules(snap)
	default:
		return nil
	}
}

// driftedAway reports whether the market has moved past the resting price
// by more than the tick tolerance, which ends the grace period early.
func (m *machine) driftedAway(snap market.Snapshot) bool {
	if !m.entry.live {
		return false
	}
	if m.trade.Side == broker.Buy {
		return snap.Bid-m.entry.price > m.params.TickTolerance
	}
	return m.entry.price-snap.Ask > m.params.TickTolerance
}

func (m *machine) enterChasing(why string) {
	if m.trade.State != StateWorking && m.trade.State != StatePending {
		return
	}
	m.trade.State = StateChasing
	if m.chaseStartedAt.IsZero() {
		m.chaseStartedAt = m.nowFn()
	}
	logger.Infof("trade %s: %s -> CHASING (%s)", m.trade.ID, m.trade.Underlying, why)
}

// chaseTick computes the next price and decides whether it is worth a
// broker round-trip. Attempts count every computed price, dispatched or not.
func (m *machine) chaseTick(snap market.Snapshot) []command {
	if m.cancelRequested || m.entry.inFlight {
		return nil
	}
	if m.trade.ChaseInfo.Attempts >= m.params.AttemptCeiling {
		return m.abort(fmt.Sprintf("chase attempt ceiling %d reached", m.params.AttemptCeiling))
	}

	m.trade.ChaseInfo.Attempts++
	m.stats.Requote(m.trade.ChaseInfo.Strategy)

	price := m.computePrice(snap)
	price, clamped := m.clampSlippage(price)
	if clamped {
		m.stats.SlippageClamp()
		logger.Warnf("trade %s: chase price clamped to slippage ceiling %.4f (initial %.4f, max %.4f)",
			m.trade.ID, price, m.trade.ChaseInfo.InitialPrice, m.params.MaxSlippage)
	}

	if diff := price - m.entry.price; diff <= m.params.TickTolerance && diff >= -m.params.TickTolerance {
		return nil
	}
	return m.requote(price)
}

// computePrice runs the configured strategy. Strategies price the buy side;
// sell-side chases mirror the result around the spread so a sell walks down
// from the ask exactly as a buy walks up from the bid.
func (m *machine) computePrice(snap market.Snapshot) float64 {
	ctx := chase.Context{
		Snapshot:     snap,
		Attempt:      m.trade.ChaseInfo.Attempts,
		Elapsed:      m.nowFn().Sub(m.chaseStartedAt),
		Symbol:       m.trade.Underlying,
		InitialPrice: m.trade.ChaseInfo.InitialPrice,
		Greeks:       m.greeks,
	}
	buyPrice := chase.ComputePrice(m.params.Strategy, ctx)
	if m.trade.Side == broker.Buy {
		return buyPrice
	}
	return snap.Bid + snap.Ask - buyPrice
}

// clampSlippage bounds the chase to the hard risk ceiling. Buys clamp to
// initial + maxSlippage, sells to initial - maxSlippage.
func (m *machine) clampSlippage(price float64) (float64, bool) {
	initial := m.trade.ChaseInfo.InitialPrice
	if m.trade.Side == broker.Buy {
		return chase.ValidatePrice(price, initial, m.params.MaxSlippage)
	}
	floor := initial - m.params.MaxSlippage
	if price < floor {
		return floor, true
	}
	return price, false
}

// requote moves the working order to price: amend in place when the venue
// supports it, otherwise cancel the old order and submit a fresh one under
// a new client order id.
func (m *machine) requote(price float64) []command {
	if m.amendable && m.entry.live {
		m.entry.inFlight = true
		m.entry.pendingPrice = price
		return []command{amendCommand{clientOrderID: m.entry.clientOrderID, price: price}}
	}

	var oldID string
	if m.entry.live {
		oldID = m.entry.clientOrderID
	}
	cmd, err := m.openOrder(legEntry, price)
	if err != nil {
		// Ledger write failed: leave the old order resting and try again on
		// the next tick.
		logger.Errorf("trade %s: re-quote aborted: %v", m.trade.ID, err)
		return nil
	}
	var cmds []command
	if oldID != "" {
		m.entry.retire(oldID)
		cmds = append(cmds, cancelCommand{clientOrderID: oldID})
	}
	return append(cmds, cmd)
}

// onSubmitResult consumes the asynchronous outcome of a submit dispatch.
func (m *machine) onSubmitResult(kind legKind, clientOrderID, brokerOrderID string, submitErr error) []command {
	leg := m.leg(kind)
	if leg.clientOrderID != clientOrderID {
		return m.onStaleSubmitResult(leg, clientOrderID, submitErr)
	}

	if submitErr != nil {
		m.stats.SubmissionResult(false)
		return m.onSubmitFailure(kind, clientOrderID, submitErr)
	}

	m.stats.SubmissionResult(true)
	leg.inFlight = false
	leg.brokerOrderID = brokerOrderID
	leg.failures = 0
	if err := m.led.ConfirmSubmission(context.Background(), clientOrderID, brokerOrderID); err != nil {
		// Consistency error: the venue accepted an order the ledger no
		// longer knows. Surface loudly, keep running.
		logger.Errorf("trade %s: confirm %s failed: %v", m.trade.ID, clientOrderID, err)
	}
	// A fill can beat its own submit ack; the order is not resting then.
	if m.orderSettled(kind) {
		return nil
	}
	leg.live = true

	if kind == legEntry && m.trade.State == StatePending {
		m.trade.State = StateWorking
		logger.Infof("trade %s: %s PENDING -> WORKING at %.4f", m.trade.ID, m.trade.Underlying, leg.price)
		if m.graceElapsed {
			m.enterChasing("grace elapsed during submission")
		}
	}
	if m.cancelRequested && kind == legEntry {
		// The queued cancel waited for the ack; pull the order now.
		return []command{cancelCommand{clientOrderID: clientOrderID}}
	}
	return nil
}

// onStaleSubmitResult handles a result for an order that was replaced while
// its submit was still in flight. A successful stale submit left a resting
// order nobody wants: cancel it.
func (m *machine) onStaleSubmitResult(leg *legState, clientOrderID string, submitErr error) []command {
	if !leg.owns(clientOrderID) {
		return nil
	}
	if submitErr != nil {
		delete(leg.retired, clientOrderID)
		m.markFailed(clientOrderID, submitErr)
		return m.maybeFinalizeCancel()
	}
	return []command{cancelCommand{clientOrderID: clientOrderID}}
}

func (m *machine) onSubmitFailure(kind legKind, clientOrderID string, submitErr error) []command {
	leg := m.leg(kind)
	leg.inFlight = false
	leg.live = false
	leg.failures++
	m.markFailed(clientOrderID, submitErr)

	logger.Warnf("trade %s: %s submission failure %d/%d: %v",
		m.trade.ID, kind, leg.failures, m.params.RetryCap, submitErr)

	if kind == legExit {
		return m.onExitSubmitFailure(submitErr)
	}

	if m.cancelRequested {
		// A queued cancel plus a dead order: nothing is live, finish now.
		return m.maybeFinalizeCancel()
	}
	if leg.failures >= m.params.RetryCap {
		return m.abort(fmt.Sprintf("submission failed %d times: %v", leg.failures, submitErr))
	}

	// Bounded retry under the same client order id.
	if err := m.led.IncrementRetry(context.Background(), clientOrderID); err != nil {
		logger.Errorf("trade %s: increment retry for %s failed: %v", m.trade.ID, clientOrderID, err)
	}
	owned, err := m.led.RecordSubmission(context.Background(), ledger.Record{
		ClientOrderID: clientOrderID,
		TradeID:       m.trade.ID,
		Symbol:        m.trade.Underlying,
		Side:          m.trade.Side.String(),
		Quantity:      m.trade.Quantity,
		LimitPrice:    leg.price,
	})
	if err != nil || !owned {
		logger.Errorf("trade %s: ledger refused retry of %s (owned=%v err=%v)", m.trade.ID, clientOrderID, owned, err)
		return m.abort(fmt.Sprintf("ledger refused retry: %v", err))
	}
	m.stats.RetryScheduled()
	leg.inFlight = true
	return []command{submitCommand{
		leg: kind,
		spec: broker.OrderSpec{
			ClientOrderID: clientOrderID,
			TradeID:       m.trade.ID,
			Symbol:        m.trade.Underlying,
			Side:          m.trade.Side,
			Quantity:      m.trade.Quantity,
			LimitPrice:    leg.price,
		},
	}}
}

// onExitSubmitFailure keeps the position alive when the exit order cannot
// get out. After the retry cap the machine stays FILLED and re-arms the exit
// rules; the operator sees every failure.
func (m *machine) onExitSubmitFailure(submitErr error) []command {
	if m.exit.failures >= m.params.RetryCap {
		logger.Errorf("trade %s: exit submission exhausted %d retries, position still open: %v",
			m.trade.ID, m.exit.failures, submitErr)
		m.exitPending = false
		m.trade.ExitReason = ""
		m.exit.failures = 0
		return nil
	}
	if err := m.led.IncrementRetry(context.Background(), m.exit.clientOrderID); err != nil {
		logger.Errorf("trade %s: increment retry for %s failed: %v", m.trade.ID, m.exit.clientOrderID, err)
	}
	owned, err := m.led.RecordSubmission(context.Background(), ledger.Record{
		ClientOrderID: m.exit.clientOrderID,
		TradeID:       m.trade.ID,
		Symbol:        m.trade.Underlying,
		Side:          m.trade.Side.Opposite().String(),
		Quantity:      m.trade.Quantity,
		LimitPrice:    m.exit.price,
	})
	if err != nil || !owned {
		logger.Errorf("trade %s: ledger refused exit retry (owned=%v err=%v)", m.trade.ID, owned, err)
		m.exitPending = false
		m.trade.ExitReason = ""
		return nil
	}
	m.stats.RetryScheduled()
	m.exit.inFlight = true
	return []command{submitCommand{
		leg: legExit,
		spec: broker.OrderSpec{
			ClientOrderID: m.exit.clientOrderID,
			TradeID:       m.trade.ID,
			Symbol:        m.trade.Underlying,
			Side:          m.trade.Side.Opposite(),
			Quantity:      m.trade.Quantity,
			LimitPrice:    m.exit.price,
		},
	}}
}

func (m *machine) markFailed(clientOrderID string, cause error) {
	if err := m.led.MarkFailed(context.Background(), clientOrderID, cause.Error()); err != nil {
		logger.Errorf("trade %s: mark failed for %s failed: %v", m.trade.ID, clientOrderID, err)
	}
}

// onAmendResult consumes the outcome of an in-place re-quote. A failed
// amend leaves the old order resting at its old price, which is safe; the
// next tick simply tries again.
func (m *machine) onAmendResult(clientOrderID string, amendErr error) []command {
	if m.entry.clientOrderID != clientOrderID {
		return nil
	}
	m.entry.inFlight = false
	if amendErr == nil {
		m.entry.price = m.entry.pendingPrice
		return nil
	}
	if isUnknownOrder(amendErr) {
		// Filled or canceled under the amend; the broker event resolves it.
		return nil
	}
	logger.Warnf("trade %s: amend of %s failed, order rests at %.4f: %v",
		m.trade.ID, clientOrderID, m.entry.price, amendErr)
	return nil
}

// onCancelResult consumes the outcome of a cancel dispatch. ErrUnknownOrder
// means a fill beat the cancel; the fill event settles the race.
func (m *machine) onCancelResult(clientOrderID string, cancelErr error) []command {
	if cancelErr == nil || isUnknownOrder(cancelErr) {
		return nil
	}
	logger.Errorf("trade %s: cancel of %s failed: %v", m.trade.ID, clientOrderID, cancelErr)
	return nil
}

// onBrokerEvent consumes fills, cancel acks and late rejects from the venue
// stream.
func (m *machine) onBrokerEvent(ev broker.Event) []command {
	switch ev.Type {
	case broker.EventFill:
		return m.onFill(ev)
	case broker.EventCanceled:
		return m.onCancelAck(ev)
	case broker.EventRejected:
		return m.onReject(ev)
	default:
		logger.Warnf("trade %s: unhandled broker event %v", m.trade.ID, ev.Type)
		return nil
	}
}

func (m *machine) onFill(ev broker.Event) []command {
	switch {
	case m.entry.owns(ev.ClientOrderID):
		return m.onEntryFill(ev)
	case m.exit.owns(ev.ClientOrderID):
		return m.onExitFill(ev)
	default:
		logger.Errorf("trade %s: fill for unknown client order id %s (broker %s), ignoring",
			m.trade.ID, ev.ClientOrderID, ev.BrokerOrderID)
		return nil
	}
}

func (m *machine) onEntryFill(ev broker.Event) []command {
	if m.trade.State.Terminal() || m.trade.State == StateFilled {
		logger.Warnf("trade %s: duplicate entry fill %s ignored", m.trade.ID, ev.ClientOrderID)
		return nil
	}
	if err := m.led.ConfirmSubmission(context.Background(), ev.ClientOrderID, ev.BrokerOrderID); err != nil {
		logger.Errorf("trade %s: confirm filled order %s failed: %v", m.trade.ID, ev.ClientOrderID, err)
	}

	now := m.nowFn()
	at := ev.At
	if at.IsZero() {
		at = now
	}
	m.trade.State = StateFilled
	m.trade.EntryPrice = ev.Price
	m.trade.FilledAt = &at
	m.trade.ChaseInfo.FinalPrice = ev.Price
	m.trade.ChaseInfo.TotalTimeMs = at.Sub(m.startedAt).Milliseconds()
	m.stats.FillRecorded(false)

	// A queued cancel lost the race: the position exists now.
	m.cancelRequested = false
	m.cancelCause = ""

	var cmds []command
	if m.entry.clientOrderID != ev.ClientOrderID && (m.entry.live || m.entry.inFlight) {
		// A replaced order filled before its cancel landed; pull the
		// replacement so only one position exists.
		cmds = append(cmds, cancelCommand{clientOrderID: m.entry.clientOrderID})
		m.entry.retire(m.entry.clientOrderID)
	}
	delete(m.entry.retired, ev.ClientOrderID)
	m.entry.live = false
	m.entry.inFlight = false

	logger.Infof("trade %s: %s FILLED at %.4f after %d attempts in %dms",
		m.trade.ID, m.trade.Underlying, ev.Price, m.trade.ChaseInfo.Attempts, m.trade.ChaseInfo.TotalTimeMs)
	return cmds
}

func (m *machine) onExitFill(ev broker.Event) []command {
	if m.trade.State != StateFilled {
		logger.Warnf("trade %s: exit fill in state %s ignored", m.trade.ID, m.trade.State)
		return nil
	}
	if err := m.led.ConfirmSubmission(context.Background(), ev.ClientOrderID, ev.BrokerOrderID); err != nil {
		logger.Errorf("trade %s: confirm exit order %s failed: %v", m.trade.ID, ev.ClientOrderID, err)
	}

	now := m.nowFn()
	at := ev.At
	if at.IsZero() {
		at = now
	}
	m.trade.State = StateClosed
	m.trade.ExitPrice = ev.Price
	m.trade.EndedAt = &at
	m.exitPending = false
	m.exit.live = false
	m.exit.inFlight = false
	m.stats.FillRecorded(true)

	logger.Infof("trade %s: %s CLOSED at %.4f (%s), entry %.4f",
		m.trade.ID, m.trade.Underlying, ev.Price, m.trade.ExitReason, m.trade.EntryPrice)
	return nil
}

func (m *machine) onCancelAck(ev broker.Event) []command {
	id := ev.ClientOrderID
	switch {
	case m.entry.owns(id):
		if m.entry.clientOrderID == id {
			m.entry.live = false
			m.entry.inFlight = false
			if !m.cancelRequested && !m.trade.State.Terminal() && m.trade.State != StateFilled {
				// The venue pulled the order on its own.
				return m.finalizeCancel("canceled by broker")
			}
		} else {
			delete(m.entry.retired, id)
		}
		return m.maybeFinalizeCancel()
	case m.exit.owns(id):
		if m.exit.clientOrderID == id {
			m.exit.live = false
			m.exit.inFlight = false
			if m.trade.State == StateFilled {
				logger.Warnf("trade %s: exit order %s canceled by venue, re-arming exit rules", m.trade.ID, id)
				m.exitPending = false
				m.trade.ExitReason = ""
			}
		} else {
			delete(m.exit.retired, id)
		}
		return nil
	default:
		logger.Debugf("trade %s: cancel ack for unknown order %s", m.trade.ID, id)
		return nil
	}
}

// onReject handles a venue reject arriving after the ack. The order is dead
// at the venue, so it flows through the same bounded-retry path as a
// synchronous submission failure.
func (m *machine) onReject(ev broker.Event) []command {
	kind := legEntry
	if m.exit.owns(ev.ClientOrderID) {
		kind = legExit
	} else if !m.entry.owns(ev.ClientOrderID) {
		logger.Errorf("trade %s: reject for unknown order %s: %s", m.trade.ID, ev.ClientOrderID, ev.Reason)
		return nil
	}
	leg := m.leg(kind)
	if leg.clientOrderID != ev.ClientOrderID {
		delete(leg.retired, ev.ClientOrderID)
		m.markFailed(ev.ClientOrderID, fmt.Errorf("%s", ev.Reason))
		return m.maybeFinalizeCancel()
	}
	return m.onSubmitFailure(kind, ev.ClientOrderID, fmt.Errorf("rejected by venue: %s", ev.Reason))
}

// onGraceExpired fires once per trade, Grace after the entry dispatch.
func (m *machine) onGraceExpired() []command {
	m.graceElapsed = true
	if m.trade.State == StateWorking {
		m.enterChasing("grace interval expired")
	}
	return nil
}

// onCeilingExpired fires ChaseCeiling after the chase began.
func (m *machine) onCeilingExpired() []command {
	if m.trade.State != StateChasing && m.trade.State != StateWorking {
		return nil
	}
	return m.abort(fmt.Sprintf("chase time ceiling %s reached", m.params.ChaseCeiling))
}

// onMaxHoldExpired fires MaxHold after the fill.
func (m *machine) onMaxHoldExpired() []command {
	if m.trade.State != StateFilled || m.exitPending {
		return nil
	}
	return m.initiateExit(ExitTime)
}

// onCancelRequest handles a user cancel. Honored only before the fill; once
// a submission is in flight the cancel queues and the fill, if it races,
// wins.
func (m *machine) onCancelRequest(cause string) ([]command, error) {
	switch m.trade.State {
	case StatePending, StateWorking, StateChasing:
	case StateFilled:
		return nil, fmt.Errorf("trade %s already filled; close it instead", m.trade.ID)
	default:
		return nil, fmt.Errorf("trade %s already %s", m.trade.ID, m.trade.State)
	}
	if cause == "" {
		cause = "user request"
	}
	return m.abort(cause), nil
}

// onCloseRequest handles a manual close of a filled position.
func (m *machine) onCloseRequest() ([]command, error) {
	if m.trade.State != StateFilled {
		return nil, fmt.Errorf("trade %s has no open position to close (state %s)", m.trade.ID, m.trade.State)
	}
	if m.exitPending {
		return nil, fmt.Errorf("trade %s exit already in progress (%s)", m.trade.ID, m.trade.ExitReason)
	}
	return m.initiateExit(ExitManual), nil
}

// abort starts an orderly cancellation: pull whatever might be live, then
// finalize once every order is resolved.
func (m *machine) abort(cause string) []command {
	if m.trade.State.Terminal() {
		return nil
	}
	if !m.cancelRequested {
		m.cancelRequested = true
		m.cancelCause = cause
	}

	var cmds []command
	if m.entry.live {
		cmds = append(cmds, cancelCommand{clientOrderID: m.entry.clientOrderID})
	}
	if len(cmds) == 0 {
		if fin := m.maybeFinalizeCancel(); fin != nil {
			return fin
		}
	}
	return cmds
}

// maybeFinalizeCancel completes a requested cancel once no order of the
// entry leg can still fill.
func (m *machine) maybeFinalizeCancel() []command {
	if !m.cancelRequested || m.trade.State.Terminal() {
		return nil
	}
	if m.entry.unresolved() {
		return nil
	}
	return m.finalizeCancel(m.cancelCause)
}

func (m *machine) finalizeCancel(cause string) []command {
	now := m.nowFn()
	m.trade.State = StateCancelled
	m.trade.CancelReason = cause
	m.trade.EndedAt = &now
	logger.Warnf("trade %s: %s CANCELLED: %s", m.trade.ID, m.trade.Underlying, cause)
	return nil
}

// checkExitRules evaluates take-profit and stop-loss against the mark. The
// comparisons run in decimals: a 0.1-cent float artifact must not fire a
// stop.
func (m *machine) checkExitRules(snap market.Snapshot) []command {
	if m.exitPending || m.trade.EntryPrice <= 0 || snap.Mid <= 0 {
		return nil
	}
	entry := decimal.NewFromFloat(m.trade.EntryPrice)
	mark := decimal.NewFromFloat(snap.Mid)

	move := mark.Sub(entry).Div(entry)
	if m.trade.Side == broker.Sell {
		move = move.Neg()
	}

	if m.params.TakeProfitPct > 0 && move.GreaterThanOrEqual(decimal.NewFromFloat(m.params.TakeProfitPct)) {
		return m.initiateExit(ExitTakeProfit)
	}
	if m.params.StopLossPct > 0 && move.LessThanOrEqual(decimal.NewFromFloat(m.params.StopLossPct).Neg()) {
		return m.initiateExit(ExitStopLoss)
	}
	return nil
}

// initiateExit submits the closing order at the touch so it is immediately
// marketable. The exit runs through the same ledger gate as the entry.
func (m *machine) initiateExit(reason ExitReason) []command {
	price := m.exitPrice()
	if price <= 0 {
		logger.Errorf("trade %s: no usable quote to exit (%s), will retry on next trigger", m.trade.ID, reason)
		return nil
	}
	m.exitPending = true
	m.trade.ExitReason = reason

	cmd, err := m.openOrder(legExit, price)
	if err != nil {
		logger.Errorf("trade %s: exit order rejected by ledger: %v", m.trade.ID, err)
		m.exitPending = false
		m.trade.ExitReason = ""
		return nil
	}
	logger.Infof("trade %s: exiting %s at %.4f (%s)", m.trade.ID, m.trade.Underlying, price, reason)
	return []command{cmd}
}

// exitPrice crosses the spread: sell a long at the bid, cover a short at
// the ask.
func (m *machine) exitPrice() float64 {
	if m.trade.Side == broker.Buy {
		if m.lastQuote.Bid > 0 {
			return m.lastQuote.Bid
		}
	} else if m.lastQuote.Ask > 0 {
		return m.lastQuote.Ask
	}
	return m.trade.EntryPrice
}

func isUnknownOrder(err error) bool {
	return errors.Is(err, broker.ErrUnknownOrder)
}

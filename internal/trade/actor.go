package trade

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"scalpel/internal/broker"
	"scalpel/internal/logger"
	"scalpel/internal/market"
)

const (
	eventBuffer     = 64
	dispatchTimeout = 10 * time.Second
	slowEventWarn   = 100 * time.Millisecond
)

type eventKind int

const (
	evBegin eventKind = iota
	evTick
	evGrace
	evCeiling
	evMaxHold
	evSubmitResult
	evAmendResult
	evCancelResult
	evBroker
	evCancelRequest
	evCloseRequest
)

func (k eventKind) String() string {
	switch k {
	case evBegin:
		return "begin"
	case evTick:
		return "tick"
	case evGrace:
		return "grace"
	case evCeiling:
		return "ceiling"
	case evMaxHold:
		return "max-hold"
	case evSubmitResult:
		return "submit-result"
	case evAmendResult:
		return "amend-result"
	case evCancelResult:
		return "cancel-result"
	case evBroker:
		return "broker"
	case evCancelRequest:
		return "cancel-request"
	case evCloseRequest:
		return "close-request"
	default:
		return "unknown"
	}
}

type submitResult struct {
	leg           legKind
	clientOrderID string
	brokerOrderID string
	err           error
}

type opResult struct {
	clientOrderID string
	err           error
}

type envelope struct {
	kind     eventKind
	snap     market.Snapshot
	submit   submitResult
	op       opResult
	brokerEv broker.Event
	cause    string
	replyCh  chan error
}

// Actor owns one trade. A single goroutine consumes events so no two
// transitions ever interleave; the wall-clock timers for grace, chase
// ceiling and max hold fire as events into the same queue, so deadlines
// hold even when the feed goes quiet.
type Actor struct {
	m   *machine
	brk broker.Broker

	msgCh    chan envelope
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup

	graceTimer   *time.Timer
	ceilingTimer *time.Timer
	holdTimer    *time.Timer

	snapshot atomic.Value // Trade

	onTerminal func(Trade)
}

func newActor(m *machine, brk broker.Broker, onTerminal func(Trade)) *Actor {
	a := &Actor{
		m:          m,
		brk:        brk,
		msgCh:      make(chan envelope, eventBuffer),
		stopCh:     make(chan struct{}),
		onTerminal: onTerminal,
	}
	a.publish()
	return a
}

func (a *Actor) tradeID() string { return a.m.trade.ID }

// Snapshot returns a copy of the trade as of the last handled event.
func (a *Actor) Snapshot() Trade {
	return a.snapshot.Load().(Trade)
}

// start launches the loop and dispatches the entry order. A ledger or
// quote problem fails the enter synchronously.
func (a *Actor) start(ctx context.Context, snap market.Snapshot) error {
	a.wg.Add(1)
	go a.runLoop()
	return a.sendSync(ctx, envelope{kind: evBegin, snap: snap})
}

func (a *Actor) stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

func (a *Actor) send(evt envelope) error {
	select {
	case a.msgCh <- evt:
		return nil
	case <-a.stopCh:
		return fmt.Errorf("trade %s actor is stopped", a.tradeID())
	}
}

// offer is the tick path: never blocks the feed fan-out. Dropping a quote
// under backpressure is fine, the next one supersedes it.
func (a *Actor) offer(evt envelope) bool {
	select {
	case a.msgCh <- evt:
		return true
	case <-a.stopCh:
		return false
	default:
		logger.Debugf("trade %s: event queue full, dropping %s", a.tradeID(), evt.kind)
		return false
	}
}

func (a *Actor) sendSync(ctx context.Context, evt envelope) error {
	if evt.replyCh == nil {
		evt.replyCh = make(chan error, 1)
	}
	if err := a.send(evt); err != nil {
		return err
	}
	select {
	case err := <-evt.replyCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-a.stopCh:
		return fmt.Errorf("trade %s actor stopped during sync call", a.tradeID())
	}
}

func (a *Actor) runLoop() {
	defer a.wg.Done()
	defer a.stopTimers()
	for {
		select {
		case evt := <-a.msgCh:
			a.handleEvent(evt)
		case <-a.stopCh:
			return
		}
	}
}

// handleEvent runs one event to completion: machine transition, command
// dispatch, timer maintenance, snapshot publish. A panicking handler is
// contained here; it must never take the process down.
func (a *Actor) handleEvent(evt envelope) {
	var err error
	start := time.Now()
	prev := a.m.trade.State

	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("trade %s: panic handling %s: %v", a.tradeID(), evt.kind, r)
			debug.PrintStack()
			err = fmt.Errorf("panic: %v", r)
		}
		if evt.replyCh != nil {
			evt.replyCh <- err
			close(evt.replyCh)
		}
		if dur := time.Since(start); dur > slowEventWarn {
			logger.Warnf("trade %s: slow event %s took %v", a.tradeID(), evt.kind, dur)
		}
	}()

	var cmds []command
	switch evt.kind {
	case evBegin:
		cmds, err = a.m.begin(evt.snap)
		if err == nil {
			a.graceTimer = time.AfterFunc(a.m.params.Grace, func() {
				_ = a.send(envelope{kind: evGrace})
			})
		}
	case evTick:
		cmds = a.m.onTick(evt.snap)
	case evGrace:
		cmds = a.m.onGraceExpired()
	case evCeiling:
		cmds = a.m.onCeilingExpired()
	case evMaxHold:
		cmds = a.m.onMaxHoldExpired()
	case evSubmitResult:
		a.auditSubmitResult(evt.submit)
		cmds = a.m.onSubmitResult(evt.submit.leg, evt.submit.clientOrderID, evt.submit.brokerOrderID, evt.submit.err)
	case evAmendResult:
		cmds = a.m.onAmendResult(evt.op.clientOrderID, evt.op.err)
	case evCancelResult:
		cmds = a.m.onCancelResult(evt.op.clientOrderID, evt.op.err)
	case evBroker:
		a.auditBrokerEvent(evt.brokerEv)
		cmds = a.m.onBrokerEvent(evt.brokerEv)
	case evCancelRequest:
		cmds, err = a.m.onCancelRequest(evt.cause)
	case evCloseRequest:
		cmds, err = a.m.onCloseRequest()
	default:
		logger.Warnf("trade %s: unhandled event kind %d", a.tradeID(), evt.kind)
	}

	a.execute(cmds)
	a.syncTimers(prev)
	a.publish()

	cur := a.m.trade.State
	if cur.Terminal() && prev != cur && a.onTerminal != nil {
		a.onTerminal(a.m.trade.clone())
	}
}

// execute dispatches broker commands off the loop goroutine: the network
// call runs detached and its result comes home as an event.
func (a *Actor) execute(cmds []command) {
	for _, c := range cmds {
		switch cmd := c.(type) {
		case submitCommand:
			go a.dispatchSubmit(cmd)
		case amendCommand:
			go a.dispatchAmend(cmd)
		case cancelCommand:
			go a.dispatchCancel(cmd)
		}
	}
}

func (a *Actor) dispatchSubmit(cmd submitCommand) {
	if payload, err := json.Marshal(cmd.spec); err == nil {
		logger.AuditOrderRequest(cmd.spec.Symbol, cmd.spec.ClientOrderID, string(payload))
	}
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	brokerID, err := a.brk.Submit(ctx, cmd.spec)
	_ = a.send(envelope{kind: evSubmitResult, submit: submitResult{
		leg:           cmd.leg,
		clientOrderID: cmd.spec.ClientOrderID,
		brokerOrderID: brokerID,
		err:           err,
	}})
}

func (a *Actor) dispatchAmend(cmd amendCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	err := a.brk.Amend(ctx, cmd.clientOrderID, cmd.price)
	_ = a.send(envelope{kind: evAmendResult, op: opResult{clientOrderID: cmd.clientOrderID, err: err}})
}

func (a *Actor) dispatchCancel(cmd cancelCommand) {
	ctx, cancel := context.WithTimeout(context.Background(), dispatchTimeout)
	defer cancel()
	err := a.brk.Cancel(ctx, cmd.clientOrderID)
	_ = a.send(envelope{kind: evCancelResult, op: opResult{clientOrderID: cmd.clientOrderID, err: err}})
}

// syncTimers arms and disarms the deadline timers on state transitions.
// Timers are only touched from the loop goroutine.
func (a *Actor) syncTimers(prev State) {
	cur := a.m.trade.State
	if cur == prev {
		return
	}
	switch cur {
	case StateChasing:
		if a.ceilingTimer == nil {
			a.ceilingTimer = time.AfterFunc(a.m.params.ChaseCeiling, func() {
				_ = a.send(envelope{kind: evCeiling})
			})
		}
	case StateFilled:
		stopTimer(a.graceTimer)
		stopTimer(a.ceilingTimer)
		if a.m.params.MaxHold > 0 && a.holdTimer == nil {
			a.holdTimer = time.AfterFunc(a.m.params.MaxHold, func() {
				_ = a.send(envelope{kind: evMaxHold})
			})
		}
	case StateCancelled, StateClosed:
		a.stopTimers()
	}
}

func (a *Actor) stopTimers() {
	stopTimer(a.graceTimer)
	stopTimer(a.ceilingTimer)
	stopTimer(a.holdTimer)
}

func stopTimer(t *time.Timer) {
	if t != nil {
		t.Stop()
	}
}

func (a *Actor) publish() {
	a.snapshot.Store(a.m.trade.clone())
}

func (a *Actor) auditSubmitResult(res submitResult) {
	symbol := a.m.trade.Underlying
	if res.err != nil {
		logger.AuditOrderOutcome(symbol, res.clientOrderID, "submit-failed", res.err.Error())
		return
	}
	logger.AuditOrderOutcome(symbol, res.clientOrderID, "acked", "broker order "+res.brokerOrderID)
}

func (a *Actor) auditBrokerEvent(ev broker.Event) {
	detail := fmt.Sprintf("broker=%s price=%.4f qty=%d %s", ev.BrokerOrderID, ev.Price, ev.Quantity, ev.Reason)
	logger.AuditOrderOutcome(ev.Symbol, ev.ClientOrderID, ev.Type.String(), detail)
}

package broker

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"scalpel/internal/logger"
	"scalpel/internal/market"
)

// PaperConfig tunes the simulator. Zero values give an instant-ack venue
// that requires cancel-and-replace.
type PaperConfig struct {
	// AckDelay is slept before each submit ack, simulating venue latency.
	AckDelay time.Duration
	// AllowAmend toggles in-place price amendment. Off forces callers onto
	// the cancel-and-replace path.
	AllowAmend bool
	// EventBuffer sizes the outbound event channel.
	EventBuffer int
}

func (c *PaperConfig) withDefaults() PaperConfig {
	out := *c
	if out.EventBuffer <= 0 {
		out.EventBuffer = 256
	}
	return out
}

type paperOrder struct {
	spec          OrderSpec
	brokerOrderID string
	placedAt      time.Time
}

// Paper simulates a venue against the live quote stream. A resting buy
// fills when the ask trades at or through its limit, a resting sell when
// the bid does. Fills, cancel acks and rejects arrive on Events exactly as
// they would from a real adapter, carrying the ledger client order id.
type Paper struct {
	cfg PaperConfig

	mu        sync.Mutex
	resting   map[string]*paperOrder // by client order id
	seen      map[string]string      // client order id -> broker order id, session-lived
	lastQuote map[string]market.Tick
	seq       int64
	failures  int
	failMsg   string

	events chan Event
	done   chan struct{}
	once   sync.Once

	nowFn func() time.Time
}

func NewPaper(cfg PaperConfig) *Paper {
	final := cfg.withDefaults()
	return &Paper{
		cfg:       final,
		resting:   make(map[string]*paperOrder),
		seen:      make(map[string]string),
		lastQuote: make(map[string]market.Tick),
		events:    make(chan Event, final.EventBuffer),
		done:      make(chan struct{}),
		nowFn:     time.Now,
	}
}

func (p *Paper) Name() string { return "paper" }

func (p *Paper) SupportsAmend() bool { return p.cfg.AllowAmend }

func (p *Paper) Events() <-chan Event { return p.events }

// Close stops event emission. The events channel is left open; consumers
// select on their own context.
func (p *Paper) Close() error {
	p.once.Do(func() { close(p.done) })
	return nil
}

// FailSubmissions makes the next n Submit calls return reason as an error,
// for exercising retry and circuit paths.
func (p *Paper) FailSubmissions(n int, reason string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.failures = n
	p.failMsg = reason
}

// Submit acks a new resting order. A repeated client order id returns the
// original broker order id without creating a second order, mirroring
// venue-side client-id dedup.
func (p *Paper) Submit(ctx context.Context, spec OrderSpec) (string, error) {
	if err := spec.validate(); err != nil {
		return "", err
	}
	if p.cfg.AckDelay > 0 {
		select {
		case <-time.After(p.cfg.AckDelay):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}

	p.mu.Lock()
	if p.failures > 0 {
		p.failures--
		msg := p.failMsg
		p.mu.Unlock()
		return "", fmt.Errorf("paper: submission rejected: %s", msg)
	}
	if existing, ok := p.seen[spec.ClientOrderID]; ok {
		p.mu.Unlock()
		logger.Warnf("paper: duplicate client order id %s, returning original ack %s",
			spec.ClientOrderID, existing)
		return existing, nil
	}
	p.seq++
	ord := &paperOrder{
		spec:          spec,
		brokerOrderID: fmt.Sprintf("PAPER-%06d", p.seq),
		placedAt:      p.nowFn(),
	}
	p.resting[spec.ClientOrderID] = ord
	p.seen[spec.ClientOrderID] = ord.brokerOrderID
	fills := p.sweepLocked(spec.Symbol)
	p.mu.Unlock()

	p.emit(fills...)
	return ord.brokerOrderID, nil
}

// Amend moves a resting order to a new limit in place. The order may fill
// immediately if the new price is marketable against the last quote.
func (p *Paper) Amend(ctx context.Context, clientOrderID string, limitPrice float64) error {
	if !p.cfg.AllowAmend {
		return ErrAmendUnsupported
	}
	if limitPrice <= 0 {
		return fmt.Errorf("paper: amend price must be positive, got %.4f", limitPrice)
	}

	p.mu.Lock()
	ord, ok := p.resting[clientOrderID]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownOrder
	}
	ord.spec.LimitPrice = limitPrice
	fills := p.sweepLocked(ord.spec.Symbol)
	p.mu.Unlock()

	p.emit(fills...)
	return nil
}

// Cancel removes a resting order and acks it. An order that already filled
// is unknown here; the fill event has won the race.
func (p *Paper) Cancel(ctx context.Context, clientOrderID string) error {
	p.mu.Lock()
	ord, ok := p.resting[clientOrderID]
	if !ok {
		p.mu.Unlock()
		return ErrUnknownOrder
	}
	delete(p.resting, clientOrderID)
	ack := p.orderEvent(EventCanceled, ord, 0)
	p.mu.Unlock()

	p.emit(ack)
	return nil
}

// OnTick records the newest quote and fills any resting order the quote
// makes marketable. The app feeds every tick here alongside the quote store.
func (p *Paper) OnTick(t market.Tick) {
	if !t.Valid() {
		return
	}
	p.mu.Lock()
	p.lastQuote[t.Symbol] = t
	fills := p.sweepLocked(t.Symbol)
	p.mu.Unlock()

	p.emit(fills...)
}

// Resting lists the currently resting orders, oldest first.
func (p *Paper) Resting() []OrderSpec {
	p.mu.Lock()
	defer p.mu.Unlock()
	orders := make([]*paperOrder, 0, len(p.resting))
	for _, ord := range p.resting {
		orders = append(orders, ord)
	}
	sort.Slice(orders, func(i, j int) bool {
		return orders[i].brokerOrderID < orders[j].brokerOrderID
	})
	out := make([]OrderSpec, len(orders))
	for i, ord := range orders {
		out[i] = ord.spec
	}
	return out
}

// sweepLocked fills every resting order on symbol the last quote crosses.
// Callers hold p.mu; returned events are emitted after unlock.
func (p *Paper) sweepLocked(symbol string) []Event {
	quote, ok := p.lastQuote[symbol]
	if !ok {
		return nil
	}
	snap := quote.Snapshot()
	var fills []Event
	for id, ord := range p.resting {
		if ord.spec.Symbol != symbol {
			continue
		}
		price, marketable := fillPrice(ord.spec, snap)
		if !marketable {
			continue
		}
		delete(p.resting, id)
		fills = append(fills, p.orderEvent(EventFill, ord, price))
	}
	sort.Slice(fills, func(i, j int) bool {
		return fills[i].BrokerOrderID < fills[j].BrokerOrderID
	})
	return fills
}

// fillPrice applies the marketability rule: a buy fills at the ask once the
// ask is at or below its limit, a sell at the bid once the bid is at or
// above its limit.
func fillPrice(spec OrderSpec, snap market.Snapshot) (float64, bool) {
	switch spec.Side {
	case Buy:
		if snap.Ask > 0 && snap.Ask <= spec.LimitPrice {
			return snap.Ask, true
		}
	case Sell:
		if snap.Bid > 0 && snap.Bid >= spec.LimitPrice {
			return snap.Bid, true
		}
	}
	return 0, false
}

func (p *Paper) orderEvent(typ EventType, ord *paperOrder, price float64) Event {
	return Event{
		Type:          typ,
		ClientOrderID: ord.spec.ClientOrderID,
		BrokerOrderID: ord.brokerOrderID,
		TradeID:       ord.spec.TradeID,
		Symbol:        ord.spec.Symbol,
		Side:          ord.spec.Side,
		Price:         price,
		Quantity:      ord.spec.Quantity,
		At:            p.nowFn(),
	}
}

func (p *Paper) emit(events ...Event) {
	for _, ev := range events {
		select {
		case p.events <- ev:
		case <-p.done:
			return
		}
	}
}

package trade

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"scalpel/internal/broker"
	"scalpel/internal/chase"
	"scalpel/internal/ledger"
	"scalpel/internal/logger"
	"scalpel/internal/market"
	"scalpel/internal/pkg/symbol"
	"scalpel/internal/profile"
)

// ErrTradeNotFound is returned for operations on trade ids the manager does
// not hold. Archived trades are looked up through history, not here.
var ErrTradeNotFound = errors.New("trade not found")

const archiveTimeout = 5 * time.Second

// Archiver persists finished trades. The manager calls it once per trade,
// after the actor has stopped.
type Archiver interface {
	Archive(ctx context.Context, tr Trade) error
}

// EnterRequest describes a new position to open.
type EnterRequest struct {
	Underlying string
	Side       broker.Side
	Quantity   int64
	Profile    string
	Greeks     *chase.Greeks
}

func (r *EnterRequest) validate() error {
	r.Underlying = symbol.Normalize(r.Underlying)
	if !symbol.IsValid(r.Underlying) {
		return fmt.Errorf("invalid underlying %q", r.Underlying)
	}
	if r.Side != broker.Buy && r.Side != broker.Sell {
		return fmt.Errorf("invalid side %q", r.Side)
	}
	if r.Quantity <= 0 {
		return fmt.Errorf("quantity must be positive, got %d", r.Quantity)
	}
	return nil
}

// ManagerConfig wires the manager's collaborators. Ledger, Broker and
// Quotes are required; Profiles, Archiver and Stats are optional.
type ManagerConfig struct {
	Defaults Params
	Ledger   *ledger.Ledger
	Broker   broker.Broker
	Quotes   *market.QuoteStore
	Profiles *profile.Registry
	Archiver Archiver
	Stats    Stats
}

// Manager owns every live trade actor. It fans quotes out by underlying,
// routes broker events by trade id, and archives trades once they go
// terminal. All registry access is lock-guarded; trade state itself is only
// ever touched by the owning actor.
type Manager struct {
	defaults Params
	led      *ledger.Ledger
	brk      broker.Broker
	quotes   *market.QuoteStore
	profiles *profile.Registry
	hist     Archiver
	stats    Stats

	mu       sync.RWMutex
	actors   map[string]*Actor
	bySymbol map[string]map[string]*Actor
	closed   bool
}

func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Ledger == nil {
		return nil, errors.New("trade manager needs a ledger")
	}
	if cfg.Broker == nil {
		return nil, errors.New("trade manager needs a broker")
	}
	if cfg.Quotes == nil {
		return nil, errors.New("trade manager needs a quote store")
	}
	if err := cfg.Defaults.validate(); err != nil {
		return nil, fmt.Errorf("default params: %w", err)
	}
	stats := cfg.Stats
	if stats == nil {
		stats = noopStats{}
	}
	return &Manager{
		defaults: cfg.Defaults,
		led:      cfg.Ledger,
		brk:      cfg.Broker,
		quotes:   cfg.Quotes,
		profiles: cfg.Profiles,
		hist:     cfg.Archiver,
		stats:    stats,
		actors:   make(map[string]*Actor),
		bySymbol: make(map[string]map[string]*Actor),
	}, nil
}

// Enter opens a new trade: resolves the profile, takes a fresh quote and
// starts an actor whose first act is submitting the entry order. The error
// path leaves no actor behind.
func (m *Manager) Enter(ctx context.Context, req EnterRequest) (Trade, error) {
	if err := req.validate(); err != nil {
		return Trade{}, err
	}

	params := m.defaults
	profileName := ""
	if req.Profile != "" {
		if m.profiles == nil {
			return Trade{}, fmt.Errorf("profile %q requested but no profile registry is configured", req.Profile)
		}
		prof, ok := m.profiles.Get(req.Profile)
		if !ok {
			return Trade{}, fmt.Errorf("unknown profile %q", req.Profile)
		}
		params = withProfile(params, prof)
		profileName = prof.Name
	}
	if err := params.validate(); err != nil {
		return Trade{}, fmt.Errorf("profile %q yields invalid params: %w", req.Profile, err)
	}

	// Entering against a missing or stale quote is refused outright rather
	// than submitting at a guessed price.
	snap, err := m.quotes.Snapshot(req.Underlying)
	if err != nil {
		return Trade{}, fmt.Errorf("no tradable quote for %s: %w", req.Underlying, err)
	}

	tr := &Trade{
		ID:         uuid.NewString(),
		Underlying: req.Underlying,
		Side:       req.Side,
		Quantity:   req.Quantity,
		Profile:    profileName,
		State:      StatePending,
		CreatedAt:  time.Now(),
	}
	mach := newMachine(tr, params, m.led, m.brk.SupportsAmend(), m.stats, req.Greeks)
	act := newActor(mach, m.brk, func(done Trade) { go m.retire(done) })

	if err := m.register(act, tr.ID, tr.Underlying); err != nil {
		return Trade{}, err
	}
	if err := act.start(ctx, snap); err != nil {
		m.remove(tr.ID, tr.Underlying)
		act.stop()
		return Trade{}, err
	}

	m.stats.TradeOpened()
	logger.Infof("trade %s: entering %s %s x%d (profile=%s strategy=%s)",
		tr.ID, req.Side, req.Underlying, req.Quantity, orDash(profileName), params.Strategy)
	return act.Snapshot(), nil
}

// Cancel abandons a not-yet-filled trade. Filled trades must be closed.
func (m *Manager) Cancel(ctx context.Context, id, cause string) error {
	act, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("cancel %s: %w", id, ErrTradeNotFound)
	}
	if cause == "" {
		cause = "user cancel"
	}
	return act.sendSync(ctx, envelope{kind: evCancelRequest, cause: cause})
}

// Close exits a filled position at market-touch immediately.
func (m *Manager) Close(ctx context.Context, id string) error {
	act, ok := m.lookup(id)
	if !ok {
		return fmt.Errorf("close %s: %w", id, ErrTradeNotFound)
	}
	return act.sendSync(ctx, envelope{kind: evCloseRequest})
}

// OnTick fans a quote out to every actor trading its symbol. Delivery is
// best-effort; a full actor queue drops the tick.
func (m *Manager) OnTick(t market.Tick) {
	if !t.Valid() {
		return
	}
	snap := t.Snapshot()

	m.mu.RLock()
	group := m.bySymbol[t.Symbol]
	targets := make([]*Actor, 0, len(group))
	for _, act := range group {
		targets = append(targets, act)
	}
	m.mu.RUnlock()

	for _, act := range targets {
		act.offer(envelope{kind: evTick, snap: snap})
	}
}

// Run pumps broker events to their owning actors until ctx is cancelled,
// then stops every actor. Fills and cancel acks must not be dropped, so
// delivery here blocks, unlike the tick path.
func (m *Manager) Run(ctx context.Context) error {
	events := m.brk.Events()
	for {
		select {
		case <-ctx.Done():
			m.shutdown()
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			m.routeBrokerEvent(ev)
		}
	}
}

func (m *Manager) routeBrokerEvent(ev broker.Event) {
	act, ok := m.lookup(ev.TradeID)
	if !ok {
		// Normal after retirement: cancel acks for replaced orders can
		// trail the fill that ended the trade.
		logger.Debugf("broker event %s for unknown trade %s (order %s)", ev.Type, ev.TradeID, ev.ClientOrderID)
		return
	}
	_ = act.send(envelope{kind: evBroker, brokerEv: ev})
}

// ActiveTrades returns snapshots of every trade still owned by the manager,
// oldest first.
func (m *Manager) ActiveTrades() []Trade {
	m.mu.RLock()
	out := make([]Trade, 0, len(m.actors))
	for _, act := range m.actors {
		out = append(out, act.Snapshot())
	}
	m.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Get returns the current snapshot of a live trade.
func (m *Manager) Get(id string) (Trade, bool) {
	act, ok := m.lookup(id)
	if !ok {
		return Trade{}, false
	}
	return act.Snapshot(), true
}

func (m *Manager) register(act *Actor, id, underlying string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errors.New("trade manager is shut down")
	}
	m.actors[id] = act
	group := m.bySymbol[underlying]
	if group == nil {
		group = make(map[string]*Actor)
		m.bySymbol[underlying] = group
	}
	group[id] = act
	return nil
}

func (m *Manager) remove(id, underlying string) *Actor {
	m.mu.Lock()
	defer m.mu.Unlock()
	act := m.actors[id]
	delete(m.actors, id)
	if group := m.bySymbol[underlying]; group != nil {
		delete(group, id)
		if len(group) == 0 {
			delete(m.bySymbol, underlying)
		}
	}
	return act
}

func (m *Manager) lookup(id string) (*Actor, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	act, ok := m.actors[id]
	return act, ok
}

// retire runs off the actor's goroutine: stops the loop, drops the registry
// entries and hands the final snapshot to the archiver.
func (m *Manager) retire(tr Trade) {
	if act := m.remove(tr.ID, tr.Underlying); act != nil {
		act.stop()
	}

	m.stats.TradeFinished(tr.State.String())
	logger.Infof("trade %s: %s %s finished %s (entry=%.4f exit=%.4f attempts=%d)",
		tr.ID, tr.Side, tr.Underlying, tr.State, tr.EntryPrice, tr.ExitPrice, tr.ChaseInfo.Attempts)

	if m.hist == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), archiveTimeout)
	defer cancel()
	if err := m.hist.Archive(ctx, tr); err != nil {
		logger.Errorf("trade %s: archive failed: %v", tr.ID, err)
	}
}

func (m *Manager) shutdown() {
	m.mu.Lock()
	m.closed = true
	targets := make([]*Actor, 0, len(m.actors))
	for _, act := range m.actors {
		targets = append(targets, act)
	}
	m.mu.Unlock()

	for _, act := range targets {
		act.stop()
	}
	logger.Infof("trade manager stopped (%d actors)", len(targets))
}

// withProfile overlays a profile on the app defaults. The strategy always
// comes from the profile; zero-valued overrides inherit.
func withProfile(base Params, p profile.Profile) Params {
	out := base
	out.Strategy = p.Strategy
	if p.Grace > 0 {
		out.Grace = p.Grace
	}
	if p.RetryCap > 0 {
		out.RetryCap = p.RetryCap
	}
	if p.AttemptCeiling > 0 {
		out.AttemptCeiling = p.AttemptCeiling
	}
	if p.ChaseCeiling > 0 {
		out.ChaseCeiling = p.ChaseCeiling
	}
	if p.TickTolerance > 0 {
		out.TickTolerance = p.TickTolerance
	}
	if p.MaxSlippage > 0 {
		out.MaxSlippage = p.MaxSlippage
	}
	if p.TakeProfitPct > 0 {
		out.TakeProfitPct = p.TakeProfitPct
	}
	if p.StopLossPct > 0 {
		out.StopLossPct = p.StopLossPct
	}
	if p.MaxHold > 0 {
		out.MaxHold = p.MaxHold
	}
	return out
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

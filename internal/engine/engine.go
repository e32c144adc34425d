// Package engine implements the grid trading engine: a single-grid state
// machine that keeps a ladder of limit buys on the exchange, opens a
// contract when a buy fills, posts the matching take-profit sell, and
// re-seeds the level when the sell fills.
//
// One engine per process. All state mutation is serialized by a single
// mutex; the monitor goroutine is the only long-lived writer. The engine
// survives restarts by rebuilding its state from the ledger and the
// exchange's live orders (Recover).
package engine

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/gridbot/internal/database"
	"github.com/web3guy0/gridbot/internal/upbit"
)

const configKey = "last_grid_config"

// Exchange is the slice of the exchange adapter the engine needs.
type Exchange interface {
	CurrentPrice(market string) (decimal.Decimal, error)
	PlaceBuy(market string, price, volume decimal.Decimal) (string, error)
	PlaceSell(market string, price, volume decimal.Decimal) (string, error)
	Cancel(orderID string) (bool, error)
	OrderStatus(orderID string) (*upbit.Order, error)
	OpenOrders(market string) ([]upbit.Order, error)
	CompletedOrders(market string, limit int) ([]upbit.Order, error)
	FreeBalance(currency string) (decimal.Decimal, error)
	TotalBalance(currency string) (decimal.Decimal, error)
}

// State is the engine lifecycle state.
type State string

const (
	StateIdle     State = "IDLE"
	StateStarting State = "STARTING"
	StateRunning  State = "RUNNING"
	StateStopping State = "STOPPING"
)

// Notifier receives human-readable event messages (buy fill, take profit,
// self-healing rescue).
type Notifier func(message string)

// Engine drives all order placement and fill processing for one grid.
type Engine struct {
	exchange Exchange
	db       *database.Database

	mu          sync.Mutex
	state       State
	cfg         *GridConfig
	pendingBuys map[string]decimal.Decimal // order id -> quoted grid price
	recovered   bool

	stopCh chan struct{}
	doneCh chan struct{}

	notify Notifier
}

// New creates an engine. Recover must run once before Start is accepted.
func New(exchange Exchange, db *database.Database) *Engine {
	return &Engine{
		exchange:    exchange,
		db:          db,
		state:       StateIdle,
		pendingBuys: make(map[string]decimal.Decimal),
	}
}

// SetNotifier registers the notification callback.
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.notify = n
}

func (e *Engine) sendNotification(message string) {
	e.mu.Lock()
	n := e.notify
	e.mu.Unlock()
	if n == nil {
		return
	}
	n(message)
}

// Config returns the active grid configuration, or nil.
func (e *Engine) Config() *GridConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cfg
}

// Running reports whether the monitor is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state == StateRunning
}

// Recover rebuilds engine state after a restart. For every ACTIVE contract
// it resolves the live sell order (keep / settle / re-place), reloads the
// persisted grid configuration, and re-adopts open buy orders into the
// pending set. It does not start the monitor.
func (e *Engine) Recover() error {
	log.Info().Msg("Starting state recovery")

	active, err := e.db.ListActive()
	if err != nil {
		return fmt.Errorf("recover: list active contracts: %w", err)
	}
	log.Info().Int("count", len(active)).Msg("Active contracts found in ledger")

	for i := range active {
		c := active[i]
		if c.CurrentOrderID == nil {
			// Sell placement failed before the crash, monitor re-places.
			log.Warn().Uint("contract", c.ID).Msg("Contract has no live sell order")
			continue
		}
		st, err := e.exchange.OrderStatus(*c.CurrentOrderID)
		if err != nil {
			log.Error().Err(err).Uint("contract", c.ID).Msg("Recovery status query failed")
			continue
		}
		if st == nil {
			log.Warn().Uint("contract", c.ID).Str("order", *c.CurrentOrderID).
				Msg("Sell order not found on exchange")
			continue
		}
		switch st.State {
		case upbit.StateWait:
			log.Info().Uint("contract", c.ID).Str("order", st.ID).Msg("Sell order still open")
		case upbit.StateDone:
			log.Info().Uint("contract", c.ID).Msg("Sell order filled while offline, settling")
			price := st.Price
			if price.IsZero() {
				price = c.TargetPrice
			}
			e.processSellFill(&c, price)
		case upbit.StateCancel:
			log.Warn().Uint("contract", c.ID).Msg("Sell order was cancelled, re-placing")
			e.replaceSell(&c)
		}
	}

	raw, err := e.db.GetConfig(configKey)
	if err != nil {
		return fmt.Errorf("recover: read config: %w", err)
	}
	if raw == "" {
		e.mu.Lock()
		e.recovered = true
		e.mu.Unlock()
		log.Info().Msg("No persisted grid config, recovery complete")
		return nil
	}

	cfg, err := ParseGridConfig(raw)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}

	// Re-adopt open buy orders that are not yet contracts.
	open, err := e.exchange.OpenOrders(cfg.Market)
	if err != nil {
		log.Error().Err(err).Msg("Recovery open-orders query failed")
		open = nil
	}

	e.mu.Lock()
	e.cfg = cfg
	recoveredBuys := 0
	for _, o := range open {
		if o.Side != upbit.SideBid {
			continue
		}
		exists, err := e.db.ExistsByBuyOrderID(o.ID)
		if err != nil {
			e.mu.Unlock()
			return fmt.Errorf("recover: buy order lookup: %w", err)
		}
		if exists {
			continue
		}
		e.pendingBuys[o.ID] = o.Price
		recoveredBuys++
		log.Info().Str("order", o.ID).Str("price", o.Price.String()).
			Msg("Recovered pending buy order")
	}
	e.recovered = true
	e.mu.Unlock()

	log.Info().Int("pending_buys", recoveredBuys).Str("market", cfg.Market).
		Msg("State recovery complete")
	return nil
}

// Start validates the configuration, persists it, places the initial buy
// ladder and launches the monitor. Refused unless the engine is IDLE and
// Recover has run.
func (e *Engine) Start(cfg *GridConfig) error {
	e.mu.Lock()
	if !e.recovered {
		e.mu.Unlock()
		return fmt.Errorf("engine has not recovered yet")
	}
	if e.state != StateIdle {
		e.mu.Unlock()
		return fmt.Errorf("engine is %s, expected IDLE", e.state)
	}
	e.state = StateStarting
	stale := e.doneCh
	e.mu.Unlock()

	// Drain a monitor left over from a previous run before touching state.
	if stale != nil {
		<-stale
	}

	fail := func(err error) error {
		e.mu.Lock()
		e.state = StateIdle
		e.mu.Unlock()
		return err
	}

	if err := cfg.Validate(); err != nil {
		return fail(fmt.Errorf("invalid grid config: %w", err))
	}

	raw, err := cfg.Marshal()
	if err != nil {
		return fail(err)
	}
	if err := e.db.SetConfig(configKey, raw); err != nil {
		return fail(fmt.Errorf("persist grid config: %w", err))
	}

	e.mu.Lock()
	e.cfg = cfg
	e.pendingBuys = make(map[string]decimal.Decimal)
	if err := e.placeInitialOrdersLocked(); err != nil {
		e.state = StateIdle
		e.mu.Unlock()
		return err
	}
	e.stopCh = make(chan struct{})
	e.doneCh = make(chan struct{})
	e.state = StateRunning
	go e.monitor(e.stopCh, e.doneCh)
	e.mu.Unlock()

	log.Info().Str("market", cfg.Market).
		Str("min", cfg.MinPrice.String()).
		Str("max", cfg.MaxPrice.String()).
		Str("interval", cfg.GridInterval.String()).
		Msg("Trading started")
	return nil
}

// Stop requests monitor cancellation and returns immediately. In-flight
// calls drain before the monitor exits.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state != StateRunning {
		return
	}
	e.state = StateStopping
	close(e.stopCh)
	log.Info().Msg("Trading stop requested")
}

// placeInitialOrdersLocked seeds the buy ladder: one limit buy per grid
// line at or below the market price, skipping lines already taken by an
// active contract or an open bid. Lines above market stay empty; they are
// only seeded by the sell-fill re-entry path.
func (e *Engine) placeInitialOrdersLocked() error {
	cfg := e.cfg

	price, err := e.exchange.CurrentPrice(cfg.Market)
	if err != nil {
		return fmt.Errorf("initial orders: current price: %w", err)
	}
	log.Info().Str("price", price.String()).Msg("Setting up grid")

	active, err := e.db.ListActive()
	if err != nil {
		return fmt.Errorf("initial orders: list active: %w", err)
	}
	taken := make([]decimal.Decimal, 0, len(active))
	for _, c := range active {
		taken = append(taken, c.BuyPrice)
	}

	open, err := e.exchange.OpenOrders(cfg.Market)
	if err != nil {
		return fmt.Errorf("initial orders: open orders: %w", err)
	}
	for _, o := range open {
		if o.Side == upbit.SideBid {
			taken = append(taken, o.Price)
		}
	}

	for _, g := range cfg.Lines() {
		if g.GreaterThan(price) {
			continue
		}
		if containsPrice(taken, g) {
			log.Info().Str("grid", g.String()).Msg("Grid line already occupied, skipping")
			continue
		}
		orderID, err := e.exchange.PlaceBuy(cfg.Market, g, cfg.AmountPerGrid)
		if err != nil {
			// The line stays empty, the refill phase retries next tick.
			log.Error().Err(err).Str("grid", g.String()).Msg("Initial buy rejected")
			continue
		}
		e.pendingBuys[orderID] = g
		log.Info().Str("grid", g.String()).Str("order", orderID).Msg("Initial buy placed")
	}
	return nil
}

// BalanceCheck is the result of the pre-start funds check.
type BalanceCheck struct {
	Valid    bool
	Required decimal.Decimal
	Balance  decimal.Decimal
	Message  string
}

// ValidateBalance estimates the quote currency needed to fund the whole
// ladder (average grid price times volume times line count) and compares it
// with the free balance.
func (e *Engine) ValidateBalance(cfg *GridConfig) (*BalanceCheck, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	gridCount := int64(len(cfg.Lines()))
	avgPrice := cfg.MinPrice.Add(cfg.MaxPrice).Div(decimal.NewFromInt(2))
	required := avgPrice.Mul(cfg.AmountPerGrid).Mul(decimal.NewFromInt(gridCount))

	quote := cfg.QuoteCurrency()
	balance, err := e.exchange.FreeBalance(quote)
	if err != nil {
		return nil, fmt.Errorf("funds check: %w", err)
	}

	check := &BalanceCheck{
		Valid:    balance.GreaterThanOrEqual(required),
		Required: required,
		Balance:  balance,
	}
	msg := fmt.Sprintf("Funds check\n- Required (approx): %s %s\n- Available: %s %s\n",
		required.StringFixed(2), quote, balance.StringFixed(2), quote)
	if check.Valid {
		msg += "✅ Sufficient funds."
	} else {
		msg += fmt.Sprintf("❌ Insufficient funds (short %s %s).",
			required.Sub(balance).StringFixed(2), quote)
	}
	check.Message = msg
	return check, nil
}

// Status is a read-only snapshot for the operator console.
type Status struct {
	Running         bool
	Market          string
	CurrentPrice    decimal.Decimal
	ActiveContracts int
	PendingBuys     []decimal.Decimal
	UnrealizedPnL   decimal.Decimal
	RealizedProfit  decimal.Decimal
}

// Status reports the engine's current view of the grid.
func (e *Engine) Status() (*Status, error) {
	e.mu.Lock()
	s := &Status{Running: e.state == StateRunning}
	var market string
	if e.cfg != nil {
		market = e.cfg.Market
	}
	for _, p := range e.pendingBuys {
		s.PendingBuys = append(s.PendingBuys, p)
	}
	e.mu.Unlock()
	sort.Slice(s.PendingBuys, func(i, j int) bool {
		return s.PendingBuys[i].LessThan(s.PendingBuys[j])
	})
	s.Market = market

	if market == "" {
		return s, nil
	}

	price, err := e.exchange.CurrentPrice(market)
	if err == nil {
		s.CurrentPrice = price
	}

	active, err := e.db.ListActive()
	if err != nil {
		return nil, err
	}
	s.ActiveContracts = len(active)
	for _, c := range active {
		if !s.CurrentPrice.IsZero() {
			s.UnrealizedPnL = s.UnrealizedPnL.Add(s.CurrentPrice.Sub(c.BuyPrice).Mul(c.BuyAmount))
		}
	}

	realized, err := e.db.TotalProfit()
	if err == nil {
		s.RealizedProfit = realized
	}
	return s, nil
}

// timeNow is stubbed in tests.
var timeNow = time.Now

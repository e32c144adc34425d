package engine

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/web3guy0/gridbot/internal/database"
	"github.com/web3guy0/gridbot/internal/upbit"
)

const (
	tickInterval = 2 * time.Second
	errorBackoff = 5 * time.Second

	// Self-healing reconciliation runs every selfHealEvery ticks (~60 s).
	selfHealEvery = 30

	recentFillsLimit = 20
	rescueScanLimit  = 50
)

// gapTolerance absorbs fee-induced fractional slippage when comparing the
// exchange balance against the bookkept amount.
var gapTolerance = decimal.NewFromFloat(0.9)

// monitor is the single long-lived writer. Each tick: sell-fill sweep,
// buy-fill sweep, empty-grid refill, and periodically the balance
// reconciliation. No error escapes; a failed tick backs off 5 s.
func (e *Engine) monitor(stopCh, doneCh chan struct{}) {
	defer func() {
		e.mu.Lock()
		e.state = StateIdle
		e.mu.Unlock()
		close(doneCh)
		log.Info().Msg("Monitor stopped")
	}()

	log.Info().Msg("Monitor started")
	ticker := time.NewTicker(tickInterval)
	defer ticker.Stop()

	syncCounter := 0
	for {
		select {
		case <-stopCh:
			return
		case <-ticker.C:
		}

		if err := e.runTick(stopCh, &syncCounter); err != nil {
			log.Error().Err(err).Msg("Monitor tick failed")
			select {
			case <-stopCh:
				return
			case <-time.After(errorBackoff):
			}
		}
	}
}

func stopped(stopCh chan struct{}) bool {
	select {
	case <-stopCh:
		return true
	default:
		return false
	}
}

func (e *Engine) runTick(stopCh chan struct{}, syncCounter *int) error {
	if stopped(stopCh) {
		return nil
	}
	if err := e.checkSellFills(); err != nil {
		return err
	}

	if stopped(stopCh) {
		return nil
	}
	if err := e.checkBuyFills(); err != nil {
		return err
	}

	if stopped(stopCh) {
		return nil
	}
	if err := e.fillEmptyGrids(); err != nil {
		return err
	}

	if stopped(stopCh) {
		return nil
	}
	*syncCounter++
	if *syncCounter >= selfHealEvery {
		*syncCounter = 0
		if err := e.syncWithExchangeBalance(); err != nil {
			return err
		}
	}
	return nil
}

// checkSellFills sweeps every active contract's sell order. done settles
// the contract, cancel re-places the sell, a nil order id (failed earlier
// placement) also queues a re-place.
func (e *Engine) checkSellFills() error {
	active, err := e.db.ListActive()
	if err != nil {
		return fmt.Errorf("sell sweep: %w", err)
	}

	for i := range active {
		c := active[i]
		if c.CurrentOrderID == nil {
			e.replaceSell(&c)
			continue
		}

		st, err := e.exchange.OrderStatus(*c.CurrentOrderID)
		if err != nil {
			log.Error().Err(err).Uint("contract", c.ID).Msg("Sell status query failed")
			continue
		}
		if st == nil {
			// Not visible yet, retry next tick.
			continue
		}

		switch st.State {
		case upbit.StateDone:
			price := st.Price
			if price.IsZero() {
				price = c.TargetPrice
			}
			e.processSellFill(&c, price)
		case upbit.StateCancel:
			log.Warn().Uint("contract", c.ID).Msg("Sell order cancelled externally, re-placing")
			e.replaceSell(&c)
		}
	}
	return nil
}

// checkBuyFills detects filled buys through two redundant paths: an
// authoritative per-order probe of the pending set, and a scan of the most
// recent completed orders to shave detection latency. Both are idempotent.
func (e *Engine) checkBuyFills() error {
	e.mu.Lock()
	pending := make([]string, 0, len(e.pendingBuys))
	for id := range e.pendingBuys {
		pending = append(pending, id)
	}
	var market string
	if e.cfg != nil {
		market = e.cfg.Market
	}
	e.mu.Unlock()

	if market == "" {
		return nil
	}

	for _, id := range pending {
		st, err := e.exchange.OrderStatus(id)
		if err != nil {
			log.Error().Err(err).Str("order", id).Msg("Buy status query failed")
			continue
		}
		if st == nil || st.State != upbit.StateDone {
			continue
		}
		volume := st.ExecutedVolume
		if volume.IsZero() {
			volume = st.Volume
		}
		log.Info().Str("order", id).Str("price", st.Price.String()).Msg("Buy fill detected")
		e.processBuyFill(id, st.Price, volume)
	}

	done, err := e.exchange.CompletedOrders(market, recentFillsLimit)
	if err != nil {
		log.Error().Err(err).Msg("Completed orders query failed")
		return nil
	}
	for _, o := range done {
		if o.Side != upbit.SideBid || o.State != upbit.StateDone {
			continue
		}
		if !e.isPendingBuy(o.ID) {
			continue
		}
		volume := o.ExecutedVolume
		if volume.IsZero() {
			volume = o.Volume
		}
		log.Info().Str("order", o.ID).Str("price", o.Price.String()).
			Msg("Buy fill detected (recent-fills scan)")
		e.processBuyFill(o.ID, o.Price, volume)
	}
	return nil
}

func (e *Engine) isPendingBuy(orderID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.pendingBuys[orderID]
	return ok
}

// processBuyFill opens a contract for a filled buy and posts the matching
// take-profit sell. Safe to replay: the buy order id is checked against the
// ledger before any write.
func (e *Engine) processBuyFill(orderID string, price, volume decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	exists, err := e.db.ExistsByBuyOrderID(orderID)
	if err != nil {
		log.Error().Err(err).Str("order", orderID).Msg("Buy fill: idempotency check failed")
		return
	}
	if exists {
		log.Warn().Str("order", orderID).Msg("Contract already exists for buy order, skipping")
		delete(e.pendingBuys, orderID)
		return
	}
	if e.cfg == nil {
		log.Error().Str("order", orderID).Msg("Buy fill without grid config, dropping")
		return
	}

	targetPrice := price.Add(e.cfg.ProfitInterval)
	currentID := orderID
	contract := &database.Contract{
		Market:         e.cfg.Market,
		BuyPrice:       price,
		BuyAmount:      volume,
		TargetPrice:    targetPrice,
		Status:         database.StatusActive,
		BuyOrderID:     orderID,
		CurrentOrderID: &currentID, // provisional until the sell is placed
	}
	if err := e.db.CreateContract(contract); err != nil {
		// In-memory state untouched, the next tick replays the event.
		log.Error().Err(err).Str("order", orderID).Msg("Buy fill: contract insert failed")
		return
	}
	delete(e.pendingBuys, orderID)
	log.Info().Uint("contract", contract.ID).Str("order", orderID).
		Str("price", price.String()).Msg("Contract created")

	if err := e.db.AppendTrade(&database.Trade{
		ContractID: contract.ID,
		Type:       database.TradeBuy,
		Price:      price,
		Amount:     volume,
	}); err != nil {
		log.Error().Err(err).Uint("contract", contract.ID).Msg("Buy trade insert failed")
	}

	go e.sendNotification(fmt.Sprintf(
		"🔔 Buy filled\n- Market: %s\n- Price: %s\n- Volume: %s\n- Contract: %d",
		contract.Market, price.String(), volume.String(), contract.ID))

	sellID, err := e.exchange.PlaceSell(contract.Market, targetPrice, volume)
	if err != nil {
		// Clear the order id so the sell sweep queues a re-place instead of
		// polling the filled buy order and mistaking it for a sell fill.
		log.Error().Err(err).Uint("contract", contract.ID).Msg("Sell placement failed")
		if dbErr := e.db.ClearCurrentOrderID(contract.ID); dbErr != nil {
			log.Error().Err(dbErr).Uint("contract", contract.ID).Msg("Clear order id failed")
		}
		return
	}
	if err := e.db.UpdateCurrentOrderID(contract.ID, sellID); err != nil {
		log.Error().Err(err).Uint("contract", contract.ID).Msg("Update order id failed")
		return
	}
	log.Info().Uint("contract", contract.ID).Str("sell_order", sellID).
		Str("target", targetPrice.String()).Msg("Sell order placed")
}

// processSellFill settles a contract and re-seeds its grid line with a new
// buy at the original level. Replays are no-ops: a contract already closed
// is left untouched.
func (e *Engine) processSellFill(contract *database.Contract, sellPrice decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.db.FindByID(contract.ID)
	if err != nil {
		log.Error().Err(err).Uint("contract", contract.ID).Msg("Sell fill: contract lookup failed")
		return
	}
	if current.Status != database.StatusActive {
		return
	}

	profit := sellPrice.Sub(current.BuyPrice).Mul(current.BuyAmount)
	profitRate := sellPrice.Sub(current.BuyPrice).Div(current.BuyPrice)

	if err := e.db.CloseContract(current.ID, sellPrice, profit, profitRate, timeNow()); err != nil {
		log.Error().Err(err).Uint("contract", current.ID).Msg("Close contract failed")
		return
	}
	log.Info().Uint("contract", current.ID).Str("profit", profit.String()).Msg("Contract closed")

	if err := e.db.AppendTrade(&database.Trade{
		ContractID: current.ID,
		Type:       database.TradeSell,
		Price:      sellPrice,
		Amount:     current.BuyAmount,
		Profit:     profit,
	}); err != nil {
		log.Error().Err(err).Uint("contract", current.ID).Msg("Sell trade insert failed")
	}

	go e.sendNotification(fmt.Sprintf(
		"💰 Take profit\n- Market: %s\n- Sell price: %s\n- Profit: %s (%s%%)\n- Contract: %d",
		current.Market, sellPrice.String(), profit.StringFixed(2),
		profitRate.Mul(decimal.NewFromInt(100)).StringFixed(2), current.ID))

	// Re-entry: seed the same grid line again.
	buyID, err := e.exchange.PlaceBuy(current.Market, current.BuyPrice, current.BuyAmount)
	if err != nil {
		// The line stays empty, the refill phase retries next tick.
		log.Error().Err(err).Str("price", current.BuyPrice.String()).Msg("Re-entry buy failed")
		return
	}
	e.pendingBuys[buyID] = current.BuyPrice
	log.Info().Str("order", buyID).Str("price", current.BuyPrice.String()).
		Msg("Re-entry buy placed")
}

// replaceSell posts a fresh take-profit sell for a contract whose previous
// sell order was cancelled or never placed.
func (e *Engine) replaceSell(contract *database.Contract) {
	e.mu.Lock()
	defer e.mu.Unlock()

	current, err := e.db.FindByID(contract.ID)
	if err != nil || current.Status != database.StatusActive {
		return
	}

	sellID, err := e.exchange.PlaceSell(current.Market, current.TargetPrice, current.BuyAmount)
	if err != nil {
		log.Error().Err(err).Uint("contract", current.ID).Msg("Sell re-place failed")
		if dbErr := e.db.ClearCurrentOrderID(current.ID); dbErr != nil {
			log.Error().Err(dbErr).Uint("contract", current.ID).Msg("Clear order id failed")
		}
		return
	}
	if err := e.db.UpdateCurrentOrderID(current.ID, sellID); err != nil {
		log.Error().Err(err).Uint("contract", current.ID).Msg("Update order id failed")
		return
	}
	log.Info().Uint("contract", current.ID).Str("sell_order", sellID).Msg("Sell order re-placed")
}

// fillEmptyGrids re-seeds grid lines that became empty through external
// cancellation or desync. The whole scan holds the engine mutex so that at
// most one outstanding buy can ever exist per grid line.
func (e *Engine) fillEmptyGrids() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.cfg == nil {
		return nil
	}
	cfg := e.cfg

	price, err := e.exchange.CurrentPrice(cfg.Market)
	if err != nil {
		return fmt.Errorf("grid refill: current price: %w", err)
	}

	active, err := e.db.ListActive()
	if err != nil {
		return fmt.Errorf("grid refill: list active: %w", err)
	}
	activePrices := make([]decimal.Decimal, 0, len(active))
	for _, c := range active {
		activePrices = append(activePrices, c.BuyPrice)
	}

	pendingPrices := make([]decimal.Decimal, 0, len(e.pendingBuys))
	for _, p := range e.pendingBuys {
		pendingPrices = append(pendingPrices, p)
	}

	open, err := e.exchange.OpenOrders(cfg.Market)
	if err != nil {
		return fmt.Errorf("grid refill: open orders: %w", err)
	}
	openBidPrices := make([]decimal.Decimal, 0, len(open))
	for _, o := range open {
		if o.Side == upbit.SideBid {
			openBidPrices = append(openBidPrices, o.Price)
		}
	}

	for _, g := range cfg.Lines() {
		if g.GreaterThan(price) {
			continue
		}
		if containsPrice(activePrices, g) || containsPrice(pendingPrices, g) ||
			containsPrice(openBidPrices, g) {
			continue
		}
		log.Info().Str("grid", g.String()).Str("price", price.String()).
			Msg("Empty grid line found")
		e.placeGridOrderLocked(g)
	}
	return nil
}

// placeGridOrderLocked re-checks every occupancy source one last time and
// only then places the buy. Must be called with the engine mutex held.
func (e *Engine) placeGridOrderLocked(gridPrice decimal.Decimal) {
	cfg := e.cfg

	for _, p := range e.pendingBuys {
		if priceEq(p, gridPrice) {
			log.Warn().Str("grid", gridPrice.String()).Msg("Order rejected: pending buy exists")
			return
		}
	}

	active, err := e.db.ListActive()
	if err != nil {
		log.Error().Err(err).Msg("Atomic place: list active failed")
		return
	}
	for _, c := range active {
		if priceEq(c.BuyPrice, gridPrice) {
			log.Warn().Str("grid", gridPrice.String()).Msg("Order rejected: active contract exists")
			return
		}
	}

	open, err := e.exchange.OpenOrders(cfg.Market)
	if err != nil {
		log.Error().Err(err).Msg("Atomic place: open orders failed")
		return
	}
	for _, o := range open {
		if o.Side == upbit.SideBid && priceEq(o.Price, gridPrice) {
			log.Warn().Str("grid", gridPrice.String()).Msg("Order rejected: open order exists")
			return
		}
	}

	orderID, err := e.exchange.PlaceBuy(cfg.Market, gridPrice, cfg.AmountPerGrid)
	if err != nil {
		log.Error().Err(err).Str("grid", gridPrice.String()).Msg("Refill buy rejected")
		return
	}
	e.pendingBuys[orderID] = gridPrice
	log.Info().Str("grid", gridPrice.String()).Str("order", orderID).Msg("Refill buy placed")
}

// syncWithExchangeBalance compares the total base-currency balance against
// the sum bookkept in active contracts. A gap of at least 0.9 grid volumes
// means a buy fill went missing; the most recent completed bids are
// replayed through the buy-fill handler until the gap is covered.
func (e *Engine) syncWithExchangeBalance() error {
	e.mu.Lock()
	cfg := e.cfg
	e.mu.Unlock()
	if cfg == nil {
		return nil
	}

	total, err := e.exchange.TotalBalance(cfg.BaseCurrency())
	if err != nil {
		return fmt.Errorf("self-healing: total balance: %w", err)
	}

	active, err := e.db.ListActive()
	if err != nil {
		return fmt.Errorf("self-healing: list active: %w", err)
	}
	bookkept := decimal.Zero
	for _, c := range active {
		bookkept = bookkept.Add(c.BuyAmount)
	}

	gap := total.Sub(bookkept)
	log.Info().
		Str("total", total.String()).
		Str("bookkept", bookkept.String()).
		Str("gap", gap.String()).
		Msg("Self-healing check")

	if gap.LessThan(cfg.AmountPerGrid.Mul(gapTolerance)) {
		return nil
	}
	log.Warn().Str("gap", gap.String()).Msg("Balance mismatch found, scanning for orphaned fills")

	done, err := e.exchange.CompletedOrders(cfg.Market, rescueScanLimit)
	if err != nil {
		return fmt.Errorf("self-healing: completed orders: %w", err)
	}

	budget := gap.Div(cfg.AmountPerGrid).IntPart()
	rescued := 0
	for _, o := range done {
		if int64(rescued) >= budget {
			break
		}
		if o.Side != upbit.SideBid || o.State != upbit.StateDone {
			continue
		}
		exists, err := e.db.ExistsByBuyOrderID(o.ID)
		if err != nil {
			return fmt.Errorf("self-healing: buy order lookup: %w", err)
		}
		if exists {
			continue
		}
		volume := o.ExecutedVolume
		if volume.IsZero() {
			volume = o.Volume
		}
		log.Info().Str("order", o.ID).Str("price", o.Price.String()).
			Msg("Rescuing orphaned fill")
		e.processBuyFill(o.ID, o.Price, volume)
		rescued++
	}

	if rescued > 0 {
		e.sendNotification(fmt.Sprintf(
			"🚑 Self-healing\nRecovered %d contract(s) missing from the ledger using exchange history.",
			rescued))
	}
	return nil
}

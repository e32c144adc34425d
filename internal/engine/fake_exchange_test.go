package engine

import (
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/web3guy0/gridbot/internal/upbit"
)

// fakeExchange is an in-memory exchange double. Orders rest as wait until a
// test fills or cancels them.
type fakeExchange struct {
	mu     sync.Mutex
	price  decimal.Decimal
	nextID int

	orders map[string]*upbit.Order
	seq    []string // placement order, newest last

	free  map[string]decimal.Decimal
	total map[string]decimal.Decimal

	failBuys  bool
	failSells bool

	// ids OrderStatus pretends not to see, as if the order endpoint lags
	// behind the completed-orders listing.
	hiddenStatus map[string]bool
}

func newFakeExchange(price decimal.Decimal) *fakeExchange {
	return &fakeExchange{
		price:        price,
		orders:       make(map[string]*upbit.Order),
		free:         make(map[string]decimal.Decimal),
		total:        make(map[string]decimal.Decimal),
		hiddenStatus: make(map[string]bool),
	}
}

func (f *fakeExchange) CurrentPrice(market string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.price, nil
}

func (f *fakeExchange) place(market, side string, price, volume decimal.Decimal) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextID++
	id := fmt.Sprintf("order-%d", f.nextID)
	f.orders[id] = &upbit.Order{
		ID:     id,
		Side:   side,
		State:  upbit.StateWait,
		Market: market,
		Price:  price,
		Volume: volume,
	}
	f.seq = append(f.seq, id)
	return id, nil
}

func (f *fakeExchange) PlaceBuy(market string, price, volume decimal.Decimal) (string, error) {
	if f.failBuys {
		return "", fmt.Errorf("buy rejected")
	}
	return f.place(market, upbit.SideBid, price, volume)
}

func (f *fakeExchange) PlaceSell(market string, price, volume decimal.Decimal) (string, error) {
	if f.failSells {
		return "", fmt.Errorf("sell rejected")
	}
	return f.place(market, upbit.SideAsk, price, volume)
}

func (f *fakeExchange) Cancel(orderID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok {
		return false, nil
	}
	o.State = upbit.StateCancel
	return true, nil
}

func (f *fakeExchange) OrderStatus(orderID string) (*upbit.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o, ok := f.orders[orderID]
	if !ok || f.hiddenStatus[orderID] {
		return nil, nil
	}
	copied := *o
	return &copied, nil
}

func (f *fakeExchange) OpenOrders(market string) ([]upbit.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var open []upbit.Order
	for _, id := range f.seq {
		o := f.orders[id]
		if o.Market == market && o.State == upbit.StateWait {
			open = append(open, *o)
		}
	}
	return open, nil
}

func (f *fakeExchange) CompletedOrders(market string, limit int) ([]upbit.Order, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var done []upbit.Order
	// newest first
	for i := len(f.seq) - 1; i >= 0 && len(done) < limit; i-- {
		o := f.orders[f.seq[i]]
		if o.Market == market && o.State == upbit.StateDone {
			done = append(done, *o)
		}
	}
	return done, nil
}

func (f *fakeExchange) FreeBalance(currency string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.free[currency], nil
}

func (f *fakeExchange) TotalBalance(currency string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.total[currency], nil
}

// Test helpers

// fill marks an order as done with the full volume executed.
func (f *fakeExchange) fill(orderID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	o := f.orders[orderID]
	o.State = upbit.StateDone
	o.ExecutedVolume = o.Volume
}

// seedCompleted injects a completed order that the engine never placed,
// as if it predated a crash.
func (f *fakeExchange) seedCompleted(id, market, side string, price, volume decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[id] = &upbit.Order{
		ID:             id,
		Side:           side,
		State:          upbit.StateDone,
		Market:         market,
		Price:          price,
		Volume:         volume,
		ExecutedVolume: volume,
	}
	f.seq = append(f.seq, id)
}

// seedOpen injects a resting order the engine never placed.
func (f *fakeExchange) seedOpen(id, market, side string, price, volume decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.orders[id] = &upbit.Order{
		ID:     id,
		Side:   side,
		State:  upbit.StateWait,
		Market: market,
		Price:  price,
		Volume: volume,
	}
	f.seq = append(f.seq, id)
}

// findOpen returns the id of the open order with the given side and price.
func (f *fakeExchange) findOpen(side string, price decimal.Decimal) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.seq {
		o := f.orders[id]
		if o.State == upbit.StateWait && o.Side == side && o.Price.Equal(price) {
			return id
		}
	}
	return ""
}

// countOpen counts resting orders with the given side and price.
func (f *fakeExchange) countOpen(side string, price decimal.Decimal) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, o := range f.orders {
		if o.State == upbit.StateWait && o.Side == side && o.Price.Equal(price) {
			n++
		}
	}
	return n
}

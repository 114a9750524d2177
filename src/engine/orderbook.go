package engine

import (
	"github.com/google/btree"
	"github.com/shopspring/decimal"

	"market-emulator/src/models"
)

type PriceLevel struct {
	Price  decimal.Decimal
	Volume decimal.Decimal
	orders []orderRef // fifo ordering for time priority
}

func (l *PriceLevel) Orders() int {
	return len(l.orders)
}

type bookSide struct {
	side   models.Side
	levels *btree.BTreeG[*PriceLevel] // best level first
	total  decimal.Decimal
}

func newBookSide(side models.Side) *bookSide {
	less := func(a, b *PriceLevel) bool { return a.Price.LessThan(b.Price) }
	if side == models.SideBuy {
		less = func(a, b *PriceLevel) bool { return a.Price.GreaterThan(b.Price) }
	}
	return &bookSide{
		side:   side,
		levels: btree.NewG(32, less),
		total:  decimal.Zero,
	}
}

func (s *bookSide) best() (*PriceLevel, bool) {
	return s.levels.Min()
}

func (s *bookSide) level(price decimal.Decimal) (*PriceLevel, bool) {
	return s.levels.Get(&PriceLevel{Price: price})
}

// better reports whether price a has priority over price b on this side.
func (s *bookSide) better(a, b decimal.Decimal) bool {
	if s.side == models.SideBuy {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// walk visits levels from best to worst until fn returns false.
func (s *bookSide) walk(fn func(*PriceLevel) bool) {
	s.levels.Ascend(fn)
}

// snapshotLevels copies the level pointers so callers can mutate the tree while iterating.
func (s *bookSide) snapshotLevels() []*PriceLevel {
	out := make([]*PriceLevel, 0, s.levels.Len())
	s.walk(func(l *PriceLevel) bool {
		out = append(out, l)
		return true
	})
	return out
}

// OrderBook is the book of one instrument. It is not safe for concurrent use;
// the owning SecurityEmulator serialises access.
type OrderBook struct {
	Security models.SecurityID

	bids          *bookSide // sorted descending (highest first)
	asks          *bookSide // sorted ascending (lowest first)
	arena         arena
	byTransaction map[int64]orderRef
	changed       bool
}

func NewOrderBook(security models.SecurityID) *OrderBook {
	return &OrderBook{
		Security:      security,
		bids:          newBookSide(models.SideBuy),
		asks:          newBookSide(models.SideSell),
		byTransaction: make(map[int64]orderRef),
	}
}

func (ob *OrderBook) side(s models.Side) *bookSide {
	if s == models.SideBuy {
		return ob.bids
	}
	return ob.asks
}

func (ob *OrderBook) order(ref orderRef) *restingOrder {
	return ob.arena.get(ref)
}

// add appends an order to the tail of its price level.
func (ob *OrderBook) add(o restingOrder) orderRef {
	bs := ob.side(o.side)
	level, ok := bs.level(o.price)
	if !ok {
		level = &PriceLevel{Price: o.price, Volume: decimal.Zero}
		bs.levels.ReplaceOrInsert(level)
	}
	ref := ob.arena.alloc(o)
	level.orders = append(level.orders, ref)
	level.Volume = level.Volume.Add(o.balance)
	bs.total = bs.total.Add(o.balance)
	if o.owned() {
		ob.byTransaction[o.transactionID] = ref
	}
	ob.changed = true
	return ref
}

// addSynthetic adds foreign volume at price, merging into a synthetic tail order when possible.
func (ob *OrderBook) addSynthetic(side models.Side, price, volume decimal.Decimal) {
	if !volume.IsPositive() {
		return
	}
	bs := ob.side(side)
	if level, ok := bs.level(price); ok && len(level.orders) > 0 {
		tail := ob.order(level.orders[len(level.orders)-1])
		if !tail.owned() {
			tail.balance = tail.balance.Add(volume)
			tail.volume = tail.volume.Add(volume)
			level.Volume = level.Volume.Add(volume)
			bs.total = bs.total.Add(volume)
			ob.changed = true
			return
		}
	}
	ob.add(restingOrder{
		side:        side,
		orderType:   models.TypeLimit,
		price:       price,
		volume:      volume,
		balance:     volume,
		timeInForce: models.PutInQueue,
	})
}

// removeSynthetic withdraws up to volume of foreign volume at price, newest first.
// Owned orders are never touched. It returns the volume actually removed.
func (ob *OrderBook) removeSynthetic(side models.Side, price, volume decimal.Decimal) decimal.Decimal {
	bs := ob.side(side)
	level, ok := bs.level(price)
	if !ok || !volume.IsPositive() {
		return decimal.Zero
	}
	removed := decimal.Zero
	for i := len(level.orders) - 1; i >= 0 && removed.LessThan(volume); i-- {
		ref := level.orders[i]
		o := ob.order(ref)
		if o.owned() {
			continue
		}
		take := decimal.Min(o.balance, volume.Sub(removed))
		removed = removed.Add(take)
		ob.reduce(ref, take)
	}
	return removed
}

// reduce lowers an order's balance and drops it once empty.
func (ob *OrderBook) reduce(ref orderRef, volume decimal.Decimal) {
	o := ob.order(ref)
	if volume.GreaterThanOrEqual(o.balance) {
		ob.remove(ref)
		return
	}
	bs := ob.side(o.side)
	level, _ := bs.level(o.price)
	o.balance = o.balance.Sub(volume)
	level.Volume = level.Volume.Sub(volume)
	bs.total = bs.total.Sub(volume)
	ob.changed = true
}

// remove takes an order out of its level and releases it from the arena.
func (ob *OrderBook) remove(ref orderRef) {
	o := ob.order(ref)
	bs := ob.side(o.side)
	level, ok := bs.level(o.price)
	if ok {
		for i, r := range level.orders {
			if r == ref {
				level.orders = append(level.orders[:i], level.orders[i+1:]...)
				break
			}
		}
		level.Volume = level.Volume.Sub(o.balance)
		// edge case: remove empty price level
		if len(level.orders) == 0 {
			bs.levels.Delete(level)
		}
	}
	bs.total = bs.total.Sub(o.balance)
	if o.owned() {
		delete(ob.byTransaction, o.transactionID)
	}
	ob.arena.release(ref)
	ob.changed = true
}

// dropSyntheticLevel removes every synthetic order of a level; owned orders stay.
func (ob *OrderBook) dropSyntheticLevel(side models.Side, level *PriceLevel) decimal.Decimal {
	return ob.removeSynthetic(side, level.Price, level.Volume)
}

func (ob *OrderBook) find(transactionID int64) (orderRef, bool) {
	ref, ok := ob.byTransaction[transactionID]
	return ref, ok
}

func (ob *OrderBook) syntheticVolume(level *PriceLevel) decimal.Decimal {
	v := decimal.Zero
	for _, ref := range level.orders {
		if o := ob.order(ref); !o.owned() {
			v = v.Add(o.balance)
		}
	}
	return v
}

func (ob *OrderBook) BestBid() (models.Quote, bool) {
	return ob.bestQuote(ob.bids)
}

func (ob *OrderBook) BestAsk() (models.Quote, bool) {
	return ob.bestQuote(ob.asks)
}

func (ob *OrderBook) bestQuote(bs *bookSide) (models.Quote, bool) {
	level, ok := bs.best()
	if !ok {
		return models.Quote{}, false
	}
	return models.NewQuote(level.Price, level.Volume), true
}

// Depth returns up to depth levels per side, best first. depth <= 0 returns everything.
func (ob *OrderBook) Depth(depth int) (bids, asks []models.Quote) {
	return ob.sideQuotes(ob.bids, depth), ob.sideQuotes(ob.asks, depth)
}

func (ob *OrderBook) sideQuotes(bs *bookSide, depth int) []models.Quote {
	out := make([]models.Quote, 0, bs.levels.Len())
	bs.walk(func(l *PriceLevel) bool {
		if depth > 0 && len(out) >= depth {
			return false
		}
		count := len(l.orders)
		out = append(out, models.Quote{Price: l.Price, Volume: l.Volume, OrdersCount: &count})
		return true
	})
	return out
}

func (ob *OrderBook) LevelCount(side models.Side) int {
	return ob.side(side).levels.Len()
}

func (ob *OrderBook) TotalVolume(side models.Side) decimal.Decimal {
	return ob.side(side).total
}

func (ob *OrderBook) IsEmpty() bool {
	return ob.bids.levels.Len() == 0 && ob.asks.levels.Len() == 0
}

// Mid returns the mid price, or the only best price when one side is empty.
func (ob *OrderBook) Mid() (decimal.Decimal, bool) {
	bid, hasBid := ob.BestBid()
	ask, hasAsk := ob.BestAsk()
	switch {
	case hasBid && hasAsk:
		return bid.Price.Add(ask.Price).Div(decimal.NewFromInt(2)), true
	case hasBid:
		return bid.Price, true
	case hasAsk:
		return ask.Price, true
	default:
		return decimal.Zero, false
	}
}

func (ob *OrderBook) clear() {
	ob.bids = newBookSide(models.SideBuy)
	ob.asks = newBookSide(models.SideSell)
	ob.arena.reset()
	ob.byTransaction = make(map[int64]orderRef)
	ob.changed = true
}

// takeChanged reports and resets the mutation flag.
func (ob *OrderBook) takeChanged() bool {
	c := ob.changed
	ob.changed = false
	return c
}

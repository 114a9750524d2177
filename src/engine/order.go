package engine

import (
	"time"

	"github.com/shopspring/decimal"

	"market-emulator/src/models"
)

// orderRef is a stable index into the order arena. Levels and lookup maps hold refs, never pointers.
type orderRef int32

// restingOrder is volume sitting in a price level. An empty portfolio marks
// synthetic volume reconstructed from market data.
type restingOrder struct {
	transactionID int64
	orderID       int64
	portfolio     string
	side          models.Side
	orderType     models.OrderType
	price         decimal.Decimal
	volume        decimal.Decimal
	balance       decimal.Decimal
	timeInForce   models.TimeInForce
	expiry        *time.Time
	live          bool
}

func (o *restingOrder) owned() bool {
	return o.portfolio != ""
}

// arena owns every resting order of one book.
type arena struct {
	orders []restingOrder
	free   []orderRef
}

func (a *arena) alloc(o restingOrder) orderRef {
	o.live = true
	if n := len(a.free); n > 0 {
		ref := a.free[n-1]
		a.free = a.free[:n-1]
		a.orders[ref] = o
		return ref
	}
	a.orders = append(a.orders, o)
	return orderRef(len(a.orders) - 1)
}

func (a *arena) get(ref orderRef) *restingOrder {
	return &a.orders[ref]
}

func (a *arena) release(ref orderRef) {
	a.orders[ref] = restingOrder{}
	a.free = append(a.free, ref)
}

func (a *arena) reset() {
	a.orders = a.orders[:0]
	a.free = a.free[:0]
}

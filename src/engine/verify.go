package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	ErrLevelVolumeMismatch = errors.New("level volume does not match its orders")
	ErrSideTotalMismatch   = errors.New("side total does not match its levels")
	ErrEmptyLevel          = errors.New("level without volume")
	ErrCrossedBook         = errors.New("best bid is not below best ask")
	ErrOrphanOrder         = errors.New("order lookup points at a missing order")
)

// Verify recomputes every book invariant. It walks the whole book, so it only
// runs in diagnostic mode.
func (ob *OrderBook) Verify() error {
	for _, bs := range []*bookSide{ob.bids, ob.asks} {
		total := decimal.Zero
		var err error
		bs.walk(func(l *PriceLevel) bool {
			sum := decimal.Zero
			for _, ref := range l.orders {
				o := ob.order(ref)
				if !o.live || o.side != bs.side || !o.price.Equal(l.Price) || !o.balance.IsPositive() {
					err = fmt.Errorf("%w: %s level %s holds a foreign order", ErrLevelVolumeMismatch, bs.side, l.Price)
					return false
				}
				sum = sum.Add(o.balance)
			}
			if len(l.orders) == 0 || !l.Volume.IsPositive() {
				err = fmt.Errorf("%w: %s %s", ErrEmptyLevel, bs.side, l.Price)
				return false
			}
			if !sum.Equal(l.Volume) {
				err = fmt.Errorf("%w: %s %s has %s, orders sum to %s", ErrLevelVolumeMismatch, bs.side, l.Price, l.Volume, sum)
				return false
			}
			total = total.Add(sum)
			return true
		})
		if err != nil {
			return err
		}
		if !total.Equal(bs.total) {
			return fmt.Errorf("%w: %s total %s, levels sum to %s", ErrSideTotalMismatch, bs.side, bs.total, total)
		}
	}

	if bid, ok := ob.BestBid(); ok {
		if ask, ok := ob.BestAsk(); ok && !bid.Price.LessThan(ask.Price) {
			return fmt.Errorf("%w: %s >= %s", ErrCrossedBook, bid.Price, ask.Price)
		}
	}

	for transactionID, ref := range ob.byTransaction {
		if o := ob.order(ref); !o.live || o.transactionID != transactionID {
			return fmt.Errorf("%w: transaction %d", ErrOrphanOrder, transactionID)
		}
	}
	return nil
}

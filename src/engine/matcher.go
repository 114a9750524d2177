package engine

import (
	"slices"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"market-emulator/src/models"
)

// reach reports whether o may trade against a level at price, and whether the
// level's synthetic volume takes part. Owned limit orders only touch synthetic
// volume at their own price with MatchOnTouch.
func (e *SecurityEmulator) reach(o *restingOrder, price decimal.Decimal) (trade, synthetic bool) {
	if o.orderType == models.TypeMarket {
		return true, true
	}
	var through bool
	if o.side == models.SideBuy {
		through = price.LessThan(o.price)
	} else {
		through = price.GreaterThan(o.price)
	}
	if through {
		return true, true
	}
	if !price.Equal(o.price) {
		return false, false
	}
	return true, !o.owned() || e.settings.MatchOnTouch
}

// crossingLevels collects the opposite levels o can reach, best first.
func (e *SecurityEmulator) crossingLevels(o *restingOrder) []*PriceLevel {
	var out []*PriceLevel
	e.book.side(o.side.Opposite()).walk(func(l *PriceLevel) bool {
		if ok, _ := e.reach(o, l.Price); !ok {
			return false
		}
		out = append(out, l)
		return true
	})
	return out
}

// canFill reports whether o could be filled completely right now.
func (e *SecurityEmulator) canFill(o *restingOrder) bool {
	available := decimal.Zero
	for _, level := range e.crossingLevels(o) {
		if _, synthetic := e.reach(o, level.Price); synthetic {
			available = available.Add(level.Volume)
		} else {
			available = available.Add(level.Volume.Sub(e.book.syntheticVolume(level)))
		}
		if available.GreaterThanOrEqual(o.balance) {
			return true
		}
	}
	return false
}

// match walks the opposite side in price priority and lowers o.balance by what traded.
// With ownedOnly the incoming order only trades against portfolio orders.
func (e *SecurityEmulator) match(o *restingOrder, ownedOnly bool) {
	opposite := o.side.Opposite()
	for _, level := range e.crossingLevels(o) {
		if !o.balance.IsPositive() {
			return
		}
		_, synthetic := e.reach(o, level.Price)
		e.matchLevel(o, level, synthetic && !ownedOnly)

		// edge case: an owned order resting at a touched price must not face synthetic volume there
		if !synthetic && !ownedOnly && o.balance.IsPositive() && o.rests() {
			e.book.removeSynthetic(opposite, level.Price, level.Volume)
		}
	}
}

// matchLevel trades o against one level in FIFO order. Every owned resting order
// touched gets its own fill; synthetic volume is filled as one aggregate trade.
func (e *SecurityEmulator) matchLevel(o *restingOrder, level *PriceLevel, synthetic bool) {
	price := level.Price
	aggregate := decimal.Zero

	for _, ref := range slices.Clone(level.orders) {
		if !o.balance.IsPositive() {
			break
		}
		r := e.book.order(ref)
		if !r.owned() && !synthetic {
			continue
		}
		qty := decimal.Min(o.balance, r.balance)
		o.balance = o.balance.Sub(qty)

		if !r.owned() {
			aggregate = aggregate.Add(qty)
			e.book.reduce(ref, qty)
			continue
		}

		resting := *r
		resting.balance = resting.balance.Sub(qty)
		e.book.reduce(ref, qty)
		if !resting.balance.IsPositive() {
			e.forgetExpiry(resting.transactionID)
		}

		tradeID := e.tradeIDs.Next()
		e.fill(&resting, tradeID, price, qty, o.side)
		if o.owned() {
			e.fill(o, tradeID, price, qty, o.side)
			e.marketTrade(tradeID, price, qty, o.side)
		}
		e.markTrade(price)
	}

	if aggregate.IsPositive() && o.owned() {
		tradeID := e.tradeIDs.Next()
		e.fill(o, tradeID, price, aggregate, o.side)
		e.marketTrade(tradeID, price, aggregate, o.side)
		e.markTrade(price)
	}
}

// fill reports a trade of an owned order whose balance already excludes qty.
func (e *SecurityEmulator) fill(o *restingOrder, tradeID int64, price, qty decimal.Decimal, origin models.Side) {
	state := models.OrderActive
	if !o.balance.IsPositive() {
		state = models.OrderDone
	}
	msg := e.orderMessage(o, state)
	msg.TradeID = tradeID
	msg.TradePrice = price
	msg.TradeVolume = qty
	msg.OriginSide = origin
	msg.HasTradeInfo = true

	commission, positions := e.ledger.Trade(msg)
	msg.Commission = commission
	e.emit(msg)
	e.emit(positions...)

	log.Debug().
		Str("security", e.security.String()).
		Int64("transaction_id", o.transactionID).
		Int64("trade_id", tradeID).
		Str("price", price.String()).
		Str("volume", qty.String()).
		Msg("order filled")
}

package engine

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"market-emulator/src/models"
)

// candle fills orders pending in candle mode. It is the fallback when the
// instrument has no book, level-1 or tick data.
func (e *SecurityEmulator) candle(c *models.CandleMessage) {
	e.feeds.candles = true
	e.state.observePrice(c.ClosePrice)
	e.state.observeVolume(c.TotalVolume)

	if e.candleMode() {
		e.adoptBookOrders()
	}

	if len(e.candleOrders) > 0 {
		pending := e.candleOrders
		e.candleOrders = nil
		for _, o := range pending {
			if !e.fillFromCandle(o, c) {
				e.candleOrders = append(e.candleOrders, o)
			}
		}
	}

	if c.ClosePrice.IsPositive() {
		e.markTrade(c.ClosePrice)
	}
}

// adoptBookOrders moves owned orders that rested before the first candle into
// candle matching. Candle mode has no other liquidity, so nothing else is in the book.
func (e *SecurityEmulator) adoptBookOrders() {
	for _, bs := range []*bookSide{e.book.bids, e.book.asks} {
		var refs []orderRef
		bs.walk(func(l *PriceLevel) bool {
			for _, ref := range l.orders {
				if e.book.order(ref).owned() {
					refs = append(refs, ref)
				}
			}
			return true
		})
		for _, ref := range refs {
			o := *e.book.order(ref)
			e.book.remove(ref)
			e.candleOrders = append(e.candleOrders, &o)
		}
	}
}

// fillFromCandle trades o against c and reports whether the order is finished.
func (e *SecurityEmulator) fillFromCandle(o *restingOrder, c *models.CandleMessage) bool {
	price, ok := e.candleFillPrice(o, c)
	if !ok {
		return false
	}
	qty := o.balance
	if c.TotalVolume.IsPositive() {
		qty = decimal.Min(qty, c.TotalVolume)
	}

	if o.timeInForce == models.MatchOrCancel && qty.LessThan(o.balance) {
		e.forgetExpiry(o.transactionID)
		e.done(o).SetError(models.ErrFillOrKillUnfilled)
		return true
	}

	o.balance = o.balance.Sub(qty)
	tradeID := e.tradeIDs.Next()
	e.fill(o, tradeID, price, qty, o.side)
	e.marketTrade(tradeID, price, qty, o.side)

	if !o.balance.IsPositive() {
		e.forgetExpiry(o.transactionID)
		return true
	}
	if o.timeInForce == models.CancelBalance {
		e.forgetExpiry(o.transactionID)
		e.done(o)
		return true
	}
	return false
}

// candleFillPrice picks the execution price of o inside c, if c reached it at all.
// Limit orders trade at their own price clamped to the candle range.
func (e *SecurityEmulator) candleFillPrice(o *restingOrder, c *models.CandleMessage) (decimal.Decimal, bool) {
	if o.orderType == models.TypeMarket {
		price := candleReference(c, e.settings.CandlePrice)
		if price.LessThan(c.LowPrice) || price.GreaterThan(c.HighPrice) {
			log.Debug().
				Str("security", e.security.String()).
				Str("reference", price.String()).
				Msg("candle reference price outside range, using close")
			price = c.ClosePrice
		}
		return price, true
	}
	if o.side == models.SideBuy {
		if c.LowPrice.GreaterThan(o.price) {
			return decimal.Zero, false
		}
		return decimal.Min(o.price, c.HighPrice), true
	}
	if c.HighPrice.LessThan(o.price) {
		return decimal.Zero, false
	}
	return decimal.Max(o.price, c.LowPrice), true
}

func candleReference(c *models.CandleMessage, p models.CandlePrice) decimal.Decimal {
	switch p {
	case models.CandleOpen:
		return c.OpenPrice
	case models.CandleHigh:
		return c.HighPrice
	case models.CandleLow:
		return c.LowPrice
	case models.CandleMiddle:
		return c.HighPrice.Add(c.LowPrice).Div(two)
	default:
		return c.ClosePrice
	}
}

package engine

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"market-emulator/src/models"
)

func (e *SecurityEmulator) execution(m *models.ExecutionMessage) {
	switch m.DataType {
	case models.DataTicks:
		e.feeds.ticks = true
		e.tick(m.TradePrice, m.TradeVolume, m.OriginSide)
	case models.DataOrderLog:
		e.feeds.orderLog = true
		e.orderLogItem(m)
	default:
		log.Debug().Str("security", e.security.String()).Str("data_type", string(m.DataType)).Msg("execution ignored by matching core")
	}
}

// tick infers book changes from a trade print.
func (e *SecurityEmulator) tick(price, volume decimal.Decimal, origin models.Side) {
	if !price.IsPositive() {
		return
	}
	e.state.observePrice(price)
	e.state.observeVolume(volume)
	if !volume.IsPositive() {
		volume = decimal.NewFromInt(1)
		if e.state.VolumeStep.IsPositive() {
			volume = e.state.VolumeStep
		}
	}
	e.markTrade(price)

	if e.bookFed() {
		e.tickAgainstOwned(price, volume)
		return
	}

	bid, hasBid := e.book.BestBid()
	ask, hasAsk := e.book.BestAsk()
	switch {
	case !hasBid && !hasAsk:
		e.coldStart(price, volume, origin)
	case hasBid && price.LessThanOrEqual(bid.Price):
		e.sweep(models.SideSell, price, volume)
	case hasAsk && price.GreaterThanOrEqual(ask.Price):
		e.sweep(models.SideBuy, price, volume)
	case !hasAsk:
		e.book.addSynthetic(models.SideSell, price, volume)
	case !hasBid:
		e.book.addSynthetic(models.SideBuy, price, volume)
	default:
		e.insideSpread(price, volume)
	}
}

// sweep emulates a marketable order of side that printed at price. Unfilled
// volume stays as a level at the trade price; if the sweep ran dry, opposite
// synthetic liquidity better than the print is stale and goes away.
func (e *SecurityEmulator) sweep(side models.Side, price, volume decimal.Decimal) {
	o := restingOrder{
		side:        side,
		orderType:   models.TypeLimit,
		price:       price,
		volume:      volume,
		balance:     volume,
		timeInForce: models.PutInQueue,
	}
	e.match(&o, false)
	if o.balance.IsPositive() {
		e.book.addSynthetic(side, price, o.balance)
		return
	}

	opposite := side.Opposite()
	bs := e.book.side(opposite)
	for _, level := range bs.snapshotLevels() {
		if !bs.better(level.Price, price) {
			break
		}
		e.book.dropSyntheticLevel(opposite, level)
	}
}

// insideSpread models two offsetting orders at the print. Whatever rests at that
// exact price trades; nothing new is left behind.
func (e *SecurityEmulator) insideSpread(price, volume decimal.Decimal) {
	for _, side := range []models.Side{models.SideBuy, models.SideSell} {
		o := restingOrder{
			side:        side,
			orderType:   models.TypeLimit,
			price:       price,
			volume:      volume,
			balance:     volume,
			timeInForce: models.MatchOrCancel,
		}
		e.match(&o, false)
	}
}

// coldStart seeds an empty book with the print and a mirror level SpreadSize steps away.
func (e *SecurityEmulator) coldStart(price, volume decimal.Decimal, origin models.Side) {
	steps := e.settings.SpreadSize
	if steps < 1 {
		steps = 1
	}
	spread := e.state.tick(price).Mul(decimal.NewFromInt(int64(steps)))
	if origin == models.SideBuy {
		e.book.addSynthetic(models.SideSell, price, volume)
		if mirror := price.Sub(spread); mirror.IsPositive() {
			e.book.addSynthetic(models.SideBuy, mirror, volume)
		}
		return
	}
	e.book.addSynthetic(models.SideBuy, price, volume)
	e.book.addSynthetic(models.SideSell, price.Add(spread), volume)
}

// tickAgainstOwned fills owned orders the print went through without touching
// synthetic volume, which the depth feed maintains.
func (e *SecurityEmulator) tickAgainstOwned(price, volume decimal.Decimal) {
	for _, side := range []models.Side{models.SideSell, models.SideBuy} {
		o := restingOrder{
			side:        side,
			orderType:   models.TypeLimit,
			price:       price,
			volume:      volume,
			balance:     volume,
			timeInForce: models.CancelBalance,
		}
		e.match(&o, true)
	}
}

// orderLogItem maintains the book from an order log: new orders add volume,
// removals withdraw it, trades behave as ticks.
func (e *SecurityEmulator) orderLogItem(m *models.ExecutionMessage) {
	volume := m.Balance
	if !volume.IsPositive() {
		volume = m.OrderVolume
	}
	switch {
	case m.HasTradeInfo || m.TradeVolume.IsPositive():
		e.tick(m.TradePrice, m.TradeVolume, m.OriginSide)
	case !m.Side.Valid() || !m.OrderPrice.IsPositive():
		return
	case m.OrderState == models.OrderActive:
		e.state.observePrice(m.OrderPrice)
		e.state.observeVolume(volume)
		e.addLiquidity(m.Side, m.OrderPrice, volume)
	case m.OrderState == models.OrderDone:
		e.book.removeSynthetic(m.Side, m.OrderPrice, volume)
	}
}

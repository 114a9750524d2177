package engine

import (
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"market-emulator/src/models"
)

var two = decimal.NewFromInt(2)

func (e *SecurityEmulator) quotes(m *models.QuoteChangeMessage) {
	incremental := m.IsIncremental()
	switch e.mode {
	case quoteModeUnknown:
		e.mode = quoteModeSnapshot
		if incremental {
			e.mode = quoteModeIncremental
		}
	case quoteModeSnapshot:
		if incremental {
			log.Debug().Str("security", e.security.String()).Msg("incremental depth ignored in snapshot mode")
			return
		}
	case quoteModeIncremental:
		if !incremental {
			log.Debug().Str("security", e.security.String()).Msg("depth snapshot ignored in incremental mode")
			return
		}
	}
	e.feeds.depth = true

	if incremental {
		snapshot, ok := e.builder.Apply(m)
		if !ok {
			return
		}
		m = snapshot
	}
	e.applySnapshot(m.Bids, m.Asks)
}

// applySnapshot turns the synthetic part of the book into the given depth.
// Cancellations go first, then additions in the direction the mid price moved,
// so the book is never crossed in between.
func (e *SecurityEmulator) applySnapshot(bids, asks []models.Quote) {
	e.state.observeQuotes(bids)
	e.state.observeQuotes(asks)

	prevMid, hadMid := e.book.Mid()
	newMid, hasMid := quotesMid(bids, asks)
	up := !hadMid || !hasMid || newMid.GreaterThanOrEqual(prevMid)

	e.withdraw(models.SideBuy, volumesByPrice(bids))
	e.withdraw(models.SideSell, volumesByPrice(asks))

	if up {
		e.supply(models.SideSell, asks)
		e.supply(models.SideBuy, bids)
	} else {
		e.supply(models.SideBuy, bids)
		e.supply(models.SideSell, asks)
	}
}

func volumesByPrice(quotes []models.Quote) map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(quotes))
	for _, q := range quotes {
		key := q.Price.String()
		out[key] = out[key].Add(q.Volume)
	}
	return out
}

func quotesMid(bids, asks []models.Quote) (decimal.Decimal, bool) {
	bid, hasBid := bestOf(bids, true)
	ask, hasAsk := bestOf(asks, false)
	switch {
	case hasBid && hasAsk:
		return bid.Add(ask).Div(two), true
	case hasBid:
		return bid, true
	case hasAsk:
		return ask, true
	default:
		return decimal.Zero, false
	}
}

func bestOf(quotes []models.Quote, highest bool) (decimal.Decimal, bool) {
	var best decimal.Decimal
	found := false
	for _, q := range quotes {
		if !q.Volume.IsPositive() {
			continue
		}
		if !found || (highest && q.Price.GreaterThan(best)) || (!highest && q.Price.LessThan(best)) {
			best = q.Price
			found = true
		}
	}
	return best, found
}

// withdraw cancels synthetic volume above the wanted amount on every level of side.
func (e *SecurityEmulator) withdraw(side models.Side, want map[string]decimal.Decimal) {
	for i, level := range e.book.side(side).snapshotLevels() {
		target := want[level.Price.String()]
		synth := e.book.syntheticVolume(level)
		if !synth.GreaterThan(target) {
			continue
		}
		if i == 0 && target.IsPositive() && e.spreadCross() {
			e.crossSpread(side, level, synth.Sub(target))
			synth = e.book.syntheticVolume(level)
			if !synth.GreaterThan(target) {
				continue
			}
		}
		e.book.removeSynthetic(side, level.Price, synth.Sub(target))
	}
}

// supply adds synthetic volume up to the wanted amount, in the order the quotes are given.
func (e *SecurityEmulator) supply(side models.Side, quotes []models.Quote) {
	want := volumesByPrice(quotes)
	seen := make(map[string]bool, len(quotes))
	bs := e.book.side(side)
	for _, q := range quotes {
		key := q.Price.String()
		if seen[key] || !q.Price.IsPositive() {
			continue
		}
		seen[key] = true
		have := decimal.Zero
		if level, ok := bs.level(q.Price); ok {
			have = e.book.syntheticVolume(level)
		}
		if add := want[key].Sub(have); add.IsPositive() {
			e.addLiquidity(side, q.Price, add)
		}
	}
}

// addLiquidity places synthetic volume, trading first against owned orders it crosses.
func (e *SecurityEmulator) addLiquidity(side models.Side, price, volume decimal.Decimal) {
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
	}
}

func (e *SecurityEmulator) spreadCross() bool {
	p := e.settings.SpreadCrossProbability
	return p > 0 && e.rng.Float64() < p
}

// crossSpread turns half of a shrink of the best level into a trade against it.
func (e *SecurityEmulator) crossSpread(side models.Side, level *PriceLevel, shrink decimal.Decimal) {
	half := shrink.Div(two)
	if step := e.state.VolumeStep; step.IsPositive() {
		half = half.Div(step).Floor().Mul(step)
	}
	if !half.IsPositive() {
		return
	}
	o := restingOrder{
		side:        side.Opposite(),
		orderType:   models.TypeLimit,
		price:       level.Price,
		volume:      half,
		balance:     half,
		timeInForce: models.CancelBalance,
	}
	e.match(&o, false)
	if traded := half.Sub(o.balance); traded.IsPositive() {
		e.marketTrade(e.tradeIDs.Next(), level.Price, traded, o.side)
		e.markTrade(level.Price)
	}
}

func (e *SecurityEmulator) level1(m *models.Level1ChangeMessage) {
	e.state.applyLevel1(m)

	bidPrice, hasBid := m.Get(models.L1BestBidPrice)
	askPrice, hasAsk := m.Get(models.L1BestAskPrice)
	if hasBid || hasAsk {
		e.feeds.level1 = true
		if !e.feeds.depth {
			if hasBid {
				e.l1Bid = level1Quote(bidPrice, m.Changes[models.L1BestBidVolume], e.l1Bid)
			}
			if hasAsk {
				e.l1Ask = level1Quote(askPrice, m.Changes[models.L1BestAskVolume], e.l1Ask)
			}
			var bids, asks []models.Quote
			if e.l1Bid != nil {
				bids = []models.Quote{*e.l1Bid}
			}
			if e.l1Ask != nil {
				asks = []models.Quote{*e.l1Ask}
			}
			e.applySnapshot(bids, asks)
		}
	}

	if price, ok := m.Get(models.L1LastTradePrice); ok && !e.feeds.ticks {
		e.tick(price, m.Changes[models.L1LastTradeVolume], "")
	}
}

// level1Quote builds a best quote. A missing volume keeps the previous one, or one unit.
func level1Quote(price, volume decimal.Decimal, prev *models.Quote) *models.Quote {
	if !price.IsPositive() {
		return nil
	}
	if !volume.IsPositive() {
		volume = decimal.NewFromInt(1)
		if prev != nil {
			volume = prev.Volume
		}
	}
	q := models.NewQuote(price, volume)
	return &q
}

package portfolio

import (
	"github.com/shopspring/decimal"

	"market-emulator/src/models"
)

// Position is the holding of one portfolio in one instrument.
type Position struct {
	Security      models.SecurityID
	BeginValue    decimal.Decimal
	Diff          decimal.Decimal
	AveragePrice  decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Commission    decimal.Decimal

	// resting order exposure, used for margin estimation
	BuyOrdersVolume  decimal.Decimal
	BuyOrdersMargin  decimal.Decimal
	SellOrdersVolume decimal.Decimal
	SellOrdersMargin decimal.Decimal
}

func (p *Position) CurrentValue() decimal.Decimal {
	return p.BeginValue.Add(p.Diff)
}

func (p *Position) addOrders(side models.Side, volume, margin decimal.Decimal) {
	if side == models.SideBuy {
		p.BuyOrdersVolume = p.BuyOrdersVolume.Add(volume)
		p.BuyOrdersMargin = p.BuyOrdersMargin.Add(margin)
		return
	}
	p.SellOrdersVolume = p.SellOrdersVolume.Add(volume)
	p.SellOrdersMargin = p.SellOrdersMargin.Add(margin)
}

// releaseOrders drops volume of resting orders on side, with the margin it blocked
// at the average rate of what is still outstanding.
func (p *Position) releaseOrders(side models.Side, volume decimal.Decimal) {
	vol, margin := &p.SellOrdersVolume, &p.SellOrdersMargin
	if side == models.SideBuy {
		vol, margin = &p.BuyOrdersVolume, &p.BuyOrdersMargin
	}
	if !vol.IsPositive() || !volume.IsPositive() {
		return
	}
	if volume.GreaterThanOrEqual(*vol) {
		*vol, *margin = decimal.Zero, decimal.Zero
		return
	}
	*margin = margin.Sub(margin.Mul(volume).Div(*vol))
	*vol = vol.Sub(volume)
}

// blocked is the money held by the position at mark price with the given margin rates.
func (p *Position) blocked(price decimal.Decimal, r rates) decimal.Decimal {
	cur := p.CurrentValue()
	held := decimal.Zero
	switch {
	case cur.IsPositive():
		held = cur.Mul(r.unit(models.SideBuy, price))
	case cur.IsNegative():
		held = cur.Neg().Mul(r.unit(models.SideSell, price))
	}
	return held.Add(p.BuyOrdersMargin).Add(p.SellOrdersMargin)
}

// rates are the per-unit margin requirements of an instrument. Zero means fully paid.
type rates struct {
	buy  decimal.Decimal
	sell decimal.Decimal
}

func (r rates) unit(side models.Side, price decimal.Decimal) decimal.Decimal {
	if side == models.SideBuy && r.buy.IsPositive() {
		return r.buy
	}
	if side == models.SideSell && r.sell.IsPositive() {
		return r.sell
	}
	return price
}

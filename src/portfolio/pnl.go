package portfolio

import (
	"github.com/shopspring/decimal"

	"market-emulator/src/models"
)

// PnLPolicy books fills into a position.
type PnLPolicy interface {
	// ProcessTrade applies a fill to pos and returns the realized PnL it produced.
	ProcessTrade(pos *Position, side models.Side, price, volume decimal.Decimal) decimal.Decimal
	// Unrealized values the open position at price.
	Unrealized(pos *Position, price decimal.Decimal) decimal.Decimal
}

// AveragePricePnL realizes PnL against the volume-weighted average entry price.
// The average resets to the trade price when a fill flips the position.
type AveragePricePnL struct{}

func (AveragePricePnL) ProcessTrade(pos *Position, side models.Side, price, volume decimal.Decimal) decimal.Decimal {
	signed := volume
	if side == models.SideSell {
		signed = volume.Neg()
	}
	cur := pos.CurrentValue()
	pos.Diff = pos.Diff.Add(signed)
	next := pos.CurrentValue()

	if cur.IsZero() || cur.Sign() == signed.Sign() {
		held := cur.Abs()
		pos.AveragePrice = held.Mul(pos.AveragePrice).Add(volume.Mul(price)).Div(held.Add(volume))
		return decimal.Zero
	}

	closing := decimal.Min(cur.Abs(), volume)
	realized := price.Sub(pos.AveragePrice).Mul(closing)
	if cur.IsNegative() {
		realized = realized.Neg()
	}

	switch {
	case next.IsZero():
		pos.AveragePrice = decimal.Zero
	case next.Sign() != cur.Sign():
		pos.AveragePrice = price
	}
	return realized
}

func (AveragePricePnL) Unrealized(pos *Position, price decimal.Decimal) decimal.Decimal {
	cur := pos.CurrentValue()
	if cur.IsZero() || !price.IsPositive() {
		return decimal.Zero
	}
	return price.Sub(pos.AveragePrice).Mul(cur)
}

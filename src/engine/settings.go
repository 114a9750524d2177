package engine

import (
	"time"

	"market-emulator/src/models"
)

// Settings is the immutable configuration of a SecurityEmulator.
type Settings struct {
	// MatchOnTouch lets an owned limit order trade against synthetic volume at exactly its own price.
	MatchOnTouch bool
	// MaxDepth caps the number of levels per side. Zero disables trimming.
	MaxDepth int
	// Latency parks transactional messages for this much simulated time.
	Latency time.Duration
	// FailingPercent is the chance, 0..100, that a transactional message fails on purpose.
	FailingPercent float64
	// SpreadSize is the distance in price steps of the mirror level created on a cold start.
	SpreadSize int
	// SpreadCrossProbability is the chance, 0..1, that a shrinking best level emits a crossing trade.
	SpreadCrossProbability float64
	Seed                   uint64
	Verify                 bool
	CandlePrice            models.CandlePrice
	EmitBookUpdates        bool
}

func DefaultSettings() Settings {
	return Settings{
		SpreadSize:      2,
		Seed:            1,
		CandlePrice:     models.CandleClose,
		EmitBookUpdates: true,
	}
}

package engine

import (
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-emulator/src/models"
)

var testSecurity = models.SecurityID{Code: "SBER", Board: "TQBR"}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// levels renders quotes as volume@price for compact assertions.
func levels(quotes []models.Quote) []string {
	out := make([]string, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, fmt.Sprintf("%s@%s", q.Volume, q.Price))
	}
	return out
}

func owned(tx int64, portfolio string, side models.Side, price, volume string) restingOrder {
	return restingOrder{
		transactionID: tx,
		portfolio:     portfolio,
		side:          side,
		orderType:     models.TypeLimit,
		price:         d(price),
		volume:        d(volume),
		balance:       d(volume),
		timeInForce:   models.PutInQueue,
	}
}

// TestOrderBookBestBidAsk tests that bids sort descending and asks ascending
func TestOrderBookBestBidAsk(t *testing.T) {
	ob := NewOrderBook(testSecurity)
	ob.addSynthetic(models.SideBuy, d("100"), d("5"))
	ob.addSynthetic(models.SideBuy, d("101"), d("2"))
	ob.addSynthetic(models.SideBuy, d("99"), d("7"))
	ob.addSynthetic(models.SideSell, d("104"), d("1"))
	ob.addSynthetic(models.SideSell, d("103"), d("3"))

	bid, ok := ob.BestBid()
	require.True(t, ok)
	assert.Equal(t, "101", bid.Price.String())

	ask, ok := ob.BestAsk()
	require.True(t, ok)
	assert.Equal(t, "103", ask.Price.String())

	bids, asks := ob.Depth(0)
	assert.Equal(t, []string{"2@101", "5@100", "7@99"}, levels(bids))
	assert.Equal(t, []string{"3@103", "1@104"}, levels(asks))
	assert.Equal(t, "14", ob.TotalVolume(models.SideBuy).String())
	require.NoError(t, ob.Verify())
}

// TestOrderBookDepthLimit tests that Depth truncates each side from the best level
func TestOrderBookDepthLimit(t *testing.T) {
	ob := NewOrderBook(testSecurity)
	for i := 0; i < 5; i++ {
		ob.addSynthetic(models.SideBuy, decimal.NewFromInt(int64(100-i)), d("1"))
	}
	bids, asks := ob.Depth(2)
	assert.Equal(t, []string{"1@100", "1@99"}, levels(bids))
	assert.Empty(t, asks)
}

// TestOrderBookSyntheticMergesIntoTail tests that consecutive synthetic volume shares one resting order
func TestOrderBookSyntheticMergesIntoTail(t *testing.T) {
	ob := NewOrderBook(testSecurity)
	ob.addSynthetic(models.SideSell, d("101"), d("2"))
	ob.addSynthetic(models.SideSell, d("101"), d("3"))

	level, ok := ob.asks.level(d("101"))
	require.True(t, ok)
	assert.Equal(t, 1, level.Orders())
	assert.Equal(t, "5", level.Volume.String())

	// an owned order in between splits the synthetic volume
	ob.add(owned(1, "main", models.SideSell, "101", "4"))
	ob.addSynthetic(models.SideSell, d("101"), d("1"))
	assert.Equal(t, 3, level.Orders())
	assert.Equal(t, "10", level.Volume.String())
	require.NoError(t, ob.Verify())
}

// TestOrderBookRemoveSyntheticSkipsOwned tests that withdrawals never touch portfolio orders
func TestOrderBookRemoveSyntheticSkipsOwned(t *testing.T) {
	ob := NewOrderBook(testSecurity)
	ob.addSynthetic(models.SideBuy, d("100"), d("3"))
	ob.add(owned(7, "main", models.SideBuy, "100", "2"))

	removed := ob.removeSynthetic(models.SideBuy, d("100"), d("10"))
	assert.Equal(t, "3", removed.String())

	level, ok := ob.bids.level(d("100"))
	require.True(t, ok)
	assert.Equal(t, "2", level.Volume.String())
	_, found := ob.find(7)
	assert.True(t, found)
	require.NoError(t, ob.Verify())
}

// TestOrderBookEmptyPriceLevelRemoval tests that a level disappears with its last order
func TestOrderBookEmptyPriceLevelRemoval(t *testing.T) {
	ob := NewOrderBook(testSecurity)
	ref := ob.add(owned(1, "main", models.SideSell, "101", "4"))
	ob.reduce(ref, d("1"))
	assert.Equal(t, "3", ob.TotalVolume(models.SideSell).String())

	ob.reduce(ref, d("3"))
	assert.Equal(t, 0, ob.LevelCount(models.SideSell))
	assert.True(t, ob.TotalVolume(models.SideSell).IsZero())
	_, found := ob.find(1)
	assert.False(t, found)
	assert.True(t, ob.IsEmpty())
}

// TestOrderBookArenaReusesSlots tests that released refs are handed out again
func TestOrderBookArenaReusesSlots(t *testing.T) {
	ob := NewOrderBook(testSecurity)
	first := ob.add(owned(1, "main", models.SideBuy, "100", "1"))
	ob.remove(first)
	second := ob.add(owned(2, "main", models.SideBuy, "99", "1"))
	assert.Equal(t, first, second)
	assert.Equal(t, int64(2), ob.order(second).transactionID)
	require.NoError(t, ob.Verify())
}

// TestOrderBookVerifyDetectsCorruption tests the diagnostic invariant checks
func TestOrderBookVerifyDetectsCorruption(t *testing.T) {
	ob := NewOrderBook(testSecurity)
	ob.addSynthetic(models.SideBuy, d("100"), d("5"))
	level, _ := ob.bids.level(d("100"))
	level.Volume = d("6")
	assert.ErrorIs(t, ob.Verify(), ErrLevelVolumeMismatch)

	crossed := NewOrderBook(testSecurity)
	crossed.addSynthetic(models.SideBuy, d("101"), d("1"))
	crossed.addSynthetic(models.SideSell, d("101"), d("1"))
	assert.ErrorIs(t, crossed.Verify(), ErrCrossedBook)

	totals := NewOrderBook(testSecurity)
	totals.addSynthetic(models.SideSell, d("101"), d("1"))
	totals.asks.total = d("2")
	assert.ErrorIs(t, totals.Verify(), ErrSideTotalMismatch)
}

// TestOrderBookMid tests the mid price with one or both sides present
func TestOrderBookMid(t *testing.T) {
	ob := NewOrderBook(testSecurity)
	_, ok := ob.Mid()
	assert.False(t, ok)

	ob.addSynthetic(models.SideBuy, d("100"), d("1"))
	mid, ok := ob.Mid()
	require.True(t, ok)
	assert.Equal(t, "100", mid.String())

	ob.addSynthetic(models.SideSell, d("101"), d("1"))
	mid, _ = ob.Mid()
	assert.Equal(t, "100.5", mid.String())
}

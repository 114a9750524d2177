package generator

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-emulator/src/models"
	"market-emulator/src/replay"
)

var (
	sber     = models.SecurityID{Code: "SBER", Board: "TQBR"}
	gazp     = models.SecurityID{Code: "GAZP", Board: "TQBR"}
	monday   = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
	saturday = time.Date(2024, 3, 9, 0, 0, 0, 0, time.UTC)
)

func newGenerator(t *testing.T) *Generator {
	t.Helper()
	cfg := DefaultConfig()
	cfg.TickInterval = time.Minute
	cfg.DepthInterval = 10 * time.Minute
	cfg.CandleTimeFrame = 5 * time.Minute
	g, err := New(cfg, nil)
	require.NoError(t, err)
	return g
}

func prices(msgs []models.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.(*models.ExecutionMessage).TradePrice.String())
	}
	return out
}

func load(t *testing.T, g *Generator, security models.SecurityID, dt models.DataType, date time.Time) []models.Message {
	t.Helper()
	it, err := g.Load(context.Background(), security, dt, date)
	require.NoError(t, err)
	defer it.Close()
	var out []models.Message
	for it.Next() {
		out = append(out, it.Message())
	}
	require.NoError(t, it.Err())
	return out
}

// TestTicksAreDeterministic tests that the same seed replays the same path
func TestTicksAreDeterministic(t *testing.T) {
	a := load(t, newGenerator(t), sber, models.DataTicks, monday)
	b := load(t, newGenerator(t), sber, models.DataTicks, monday)
	require.Len(t, a, 525)
	assert.Equal(t, a, b)

	other := load(t, newGenerator(t), gazp, models.DataTicks, monday)
	assert.NotEqual(t, prices(a), prices(other))
}

// TestTicksStayInsideSession tests timestamps, ordering and price steps
func TestTicksStayInsideSession(t *testing.T) {
	msgs := load(t, newGenerator(t), sber, models.DataTicks, monday)
	open := monday.Add(10 * time.Hour)
	closeAt := monday.Add(18*time.Hour + 45*time.Minute)
	step := decimal.RequireFromString("0.01")

	var prev time.Time
	for _, m := range msgs {
		tick := m.(*models.ExecutionMessage)
		assert.False(t, tick.ServerTime.Before(open))
		assert.True(t, tick.ServerTime.Before(closeAt))
		assert.True(t, tick.ServerTime.After(prev))
		assert.True(t, tick.TradePrice.IsPositive())
		assert.True(t, tick.TradePrice.Mod(step).IsZero())
		assert.True(t, tick.TradeVolume.GreaterThanOrEqual(decimal.NewFromInt(1)))
		assert.True(t, tick.TradeVolume.LessThanOrEqual(decimal.NewFromInt(10)))
		assert.Equal(t, models.DataTicks, tick.DataType)
		prev = tick.ServerTime
	}
}

// TestClosedDayIsEmpty tests that nothing is generated outside the calendar
func TestClosedDayIsEmpty(t *testing.T) {
	for _, dt := range []models.DataType{models.DataTicks, models.DataMarketDepth, models.DataLevel1, models.DataCandles} {
		assert.Empty(t, load(t, newGenerator(t), sber, dt, saturday), string(dt))
	}
}

// TestDepthSnapshots tests snapshot spacing and level layout
func TestDepthSnapshots(t *testing.T) {
	g := newGenerator(t)
	ticks := load(t, g, sber, models.DataTicks, monday)
	msgs := load(t, g, sber, models.DataMarketDepth, monday)
	require.Len(t, msgs, 53)

	first := msgs[0].(*models.QuoteChangeMessage)
	mid := ticks[0].(*models.ExecutionMessage).TradePrice
	require.Len(t, first.Bids, 5)
	require.Len(t, first.Asks, 5)
	assert.True(t, first.Bids[0].Price.LessThan(mid))
	assert.True(t, first.Asks[0].Price.GreaterThan(mid))
	assert.True(t, first.Bids[0].Price.GreaterThan(first.Bids[1].Price))
	assert.True(t, first.Asks[0].Price.LessThan(first.Asks[1].Price))
	assert.Equal(t, 10*time.Minute, msgs[1].Time().Sub(msgs[0].Time()))
}

// TestCandlesAggregateTicks tests that candles summarize the tick path
func TestCandlesAggregateTicks(t *testing.T) {
	g := newGenerator(t)
	ticks := load(t, g, sber, models.DataTicks, monday)
	candles := load(t, g, sber, models.DataCandles, monday)
	require.Len(t, candles, 105)

	c := candles[0].(*models.CandleMessage)
	assert.Equal(t, monday.Add(10*time.Hour), c.OpenTime)
	assert.Equal(t, c.CloseTime, c.ServerTime)

	total := decimal.Zero
	high := decimal.Zero
	for _, m := range ticks[:5] {
		tick := m.(*models.ExecutionMessage)
		total = total.Add(tick.TradeVolume)
		high = decimal.Max(high, tick.TradePrice)
	}
	assert.True(t, total.Equal(c.TotalVolume))
	assert.True(t, high.Equal(c.HighPrice))
	assert.True(t, ticks[0].(*models.ExecutionMessage).TradePrice.Equal(c.OpenPrice))
	assert.True(t, ticks[4].(*models.ExecutionMessage).TradePrice.Equal(c.ClosePrice))
	assert.True(t, c.LowPrice.LessThanOrEqual(c.OpenPrice))
}

// TestLevel1 tests best quotes around the last trade
func TestLevel1(t *testing.T) {
	msgs := load(t, newGenerator(t), sber, models.DataLevel1, monday)
	require.NotEmpty(t, msgs)
	l1 := msgs[0].(*models.Level1ChangeMessage)
	last, ok := l1.Get(models.L1LastTradePrice)
	require.True(t, ok)
	bid, ok := l1.Get(models.L1BestBidPrice)
	require.True(t, ok)
	ask, ok := l1.Get(models.L1BestAskPrice)
	require.True(t, ok)
	assert.True(t, bid.LessThan(last))
	assert.True(t, ask.GreaterThan(last))
}

// TestUnsupportedAndInvalid tests config validation and unknown data types
func TestUnsupportedAndInvalid(t *testing.T) {
	_, err := newGenerator(t).Load(context.Background(), sber, models.DataOrderLog, monday)
	assert.ErrorIs(t, err, ErrUnsupportedDataType)

	cfg := DefaultConfig()
	cfg.MaxVolume = 0
	_, err = New(cfg, nil)
	assert.Error(t, err)

	cfg = DefaultConfig()
	cfg.StartPrice = decimal.Zero
	assert.Error(t, cfg.Validate())
}

// TestReplayThroughScheduler tests the generator as a replay source
func TestReplayThroughScheduler(t *testing.T) {
	g := newGenerator(t)
	rec := &counter{}
	s := replay.New(replay.Settings{StartDate: monday, StopDate: monday}, g, rec)
	require.NoError(t, s.Subscribe(&models.MarketDataMessage{SecurityID: sber, DataType: models.DataCandles, IsSubscribe: true}))
	require.NoError(t, s.Start(context.Background()))
	s.Wait()
	assert.Equal(t, 105, rec.data)
	assert.Equal(t, 4, rec.states)
}

type counter struct {
	data   int
	states int
}

func (c *counter) SendInMessage(models.Message) []models.Message {
	c.data++
	return nil
}

func (c *counter) Publish(msgs ...models.Message) {
	c.states += len(msgs)
}

package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-emulator/src/models"
	"market-emulator/src/replay"
)

var (
	sber   = models.SecurityID{Code: "SBER", Board: "TQBR"}
	monday = time.Date(2024, 3, 4, 0, 0, 0, 0, time.UTC)
)

func openTemp(t *testing.T) *SQLiteStorage {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "history.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func tick(t time.Time, price string) *models.ExecutionMessage {
	return &models.ExecutionMessage{
		Header:       models.Header{ServerTime: t},
		SecurityID:   sber,
		DataType:     models.DataTicks,
		TradePrice:   decimal.RequireFromString(price),
		TradeVolume:  decimal.NewFromInt(2),
		OriginSide:   models.SideSell,
		HasTradeInfo: true,
	}
}

func drain(t *testing.T, it replay.MessageIterator) []models.Message {
	t.Helper()
	defer it.Close()
	var out []models.Message
	for it.Next() {
		out = append(out, it.Message())
	}
	require.NoError(t, it.Err())
	return out
}

// TestRoundTrip tests that stored messages come back per day in time order
func TestRoundTrip(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	require.NoError(t, s.Save(ctx, models.DataTicks,
		tick(monday.Add(11*time.Hour), "101"),
		tick(monday.Add(10*time.Hour), "100.5"),
		tick(monday.Add(10*time.Hour), "100.6"),
		tick(monday.AddDate(0, 0, 1).Add(10*time.Hour), "99"),
	))

	it, err := s.Load(ctx, sber, models.DataTicks, monday)
	require.NoError(t, err)
	msgs := drain(t, it)
	require.Len(t, msgs, 3)

	first := msgs[0].(*models.ExecutionMessage)
	assert.True(t, first.ServerTime.Equal(monday.Add(10*time.Hour)))
	assert.Equal(t, "100.5", first.TradePrice.String())
	assert.Equal(t, models.SideSell, first.OriginSide)
	assert.Equal(t, sber, first.SecurityID)
	assert.Equal(t, "100.6", msgs[1].(*models.ExecutionMessage).TradePrice.String())
	assert.Equal(t, "101", msgs[2].(*models.ExecutionMessage).TradePrice.String())

	it, err = s.Load(ctx, sber, models.DataMarketDepth, monday)
	require.NoError(t, err)
	assert.Empty(t, drain(t, it))

	dates, err := s.Dates(ctx, sber, models.DataTicks)
	require.NoError(t, err)
	assert.Equal(t, []time.Time{monday, monday.AddDate(0, 0, 1)}, dates)
}

// TestCandlesAndQuotes tests the other stored kinds
func TestCandlesAndQuotes(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	at := monday.Add(10 * time.Hour)

	require.NoError(t, s.Save(ctx, models.DataCandles, &models.CandleMessage{
		Header:      models.Header{ServerTime: at.Add(time.Minute)},
		SecurityID:  sber,
		TimeFrame:   time.Minute,
		OpenTime:    at,
		CloseTime:   at.Add(time.Minute),
		OpenPrice:   decimal.NewFromInt(100),
		HighPrice:   decimal.NewFromInt(102),
		LowPrice:    decimal.NewFromInt(99),
		ClosePrice:  decimal.NewFromInt(101),
		TotalVolume: decimal.NewFromInt(40),
	}))
	require.NoError(t, s.Save(ctx, models.DataMarketDepth, &models.QuoteChangeMessage{
		Header:     models.Header{ServerTime: at},
		SecurityID: sber,
		Bids:       []models.Quote{models.NewQuote(decimal.NewFromInt(99), decimal.NewFromInt(5))},
		Asks:       []models.Quote{models.NewQuote(decimal.NewFromInt(101), decimal.NewFromInt(3))},
	}))

	it, err := s.Load(ctx, sber, models.DataCandles, monday)
	require.NoError(t, err)
	candles := drain(t, it)
	require.Len(t, candles, 1)
	c := candles[0].(*models.CandleMessage)
	assert.Equal(t, time.Minute, c.TimeFrame)
	assert.Equal(t, "102", c.HighPrice.String())

	it, err = s.Load(ctx, sber, models.DataMarketDepth, monday)
	require.NoError(t, err)
	quotes := drain(t, it)
	require.Len(t, quotes, 1)
	q := quotes[0].(*models.QuoteChangeMessage)
	require.Len(t, q.Asks, 1)
	assert.Equal(t, "3", q.Asks[0].Volume.String())
}

// TestSaveRejectsMessagesWithoutInstrument tests that nothing is written on failure
func TestSaveRejectsMessagesWithoutInstrument(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()

	err := s.Save(ctx, models.DataTicks, tick(monday.Add(10*time.Hour), "100"), &models.TimeMessage{})
	require.Error(t, err)

	dates, err := s.Dates(ctx, sber, models.DataTicks)
	require.NoError(t, err)
	assert.Empty(t, dates)
}

// TestUnknownKind tests the iterator error on a row it cannot decode
func TestUnknownKind(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO market_data (security, data_type, day, ts, kind, payload) VALUES (?, ?, ?, ?, ?, ?)",
		sber.String(), string(models.DataTicks), monday.Format(time.DateOnly), 1, "BOGUS", []byte("{}"))
	require.NoError(t, err)

	it, err := s.Load(ctx, sber, models.DataTicks, monday)
	require.NoError(t, err)
	defer it.Close()
	assert.False(t, it.Next())
	assert.ErrorIs(t, it.Err(), ErrUnknownKind)
}

// TestReplayFromSQLite tests the storage as a replay source
func TestReplayFromSQLite(t *testing.T) {
	s := openTemp(t)
	ctx := context.Background()
	require.NoError(t, s.Save(ctx, models.DataTicks, tick(monday.Add(10*time.Hour), "100"), tick(monday.Add(12*time.Hour), "101")))

	h := &collector{}
	sch := replay.New(replay.Settings{StartDate: monday, StopDate: monday}, s, h)
	require.NoError(t, sch.Subscribe(&models.MarketDataMessage{SecurityID: sber, DataType: models.DataTicks, IsSubscribe: true}))
	require.NoError(t, sch.Start(ctx))
	sch.Wait()

	require.Len(t, h.data, 2)
	assert.Equal(t, "101", h.data[1].(*models.ExecutionMessage).TradePrice.String())
}

type collector struct {
	data []models.Message
}

func (c *collector) SendInMessage(m models.Message) []models.Message {
	c.data = append(c.data, m)
	return nil
}

func (c *collector) Publish(...models.Message) {}

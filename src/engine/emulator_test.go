package engine

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-emulator/src/models"
)

var t0 = time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC)

func at(ms int) models.Header {
	return models.Header{ServerTime: t0.Add(time.Duration(ms) * time.Millisecond)}
}

func newTestEmulator(configure ...func(*Settings)) *SecurityEmulator {
	s := DefaultSettings()
	s.Verify = true
	for _, c := range configure {
		c(&s)
	}
	return NewSecurityEmulator(testSecurity, s)
}

func limit(ms int, tx int64, side models.Side, price, volume string) *models.OrderRegisterMessage {
	return &models.OrderRegisterMessage{
		Header:        at(ms),
		TransactionID: tx,
		SecurityID:    testSecurity,
		PortfolioName: "main",
		Side:          side,
		Type:          models.TypeLimit,
		Price:         d(price),
		Volume:        d(volume),
	}
}

func market(ms int, tx int64, side models.Side, volume string) *models.OrderRegisterMessage {
	return &models.OrderRegisterMessage{
		Header:        at(ms),
		TransactionID: tx,
		SecurityID:    testSecurity,
		PortfolioName: "main",
		Side:          side,
		Type:          models.TypeMarket,
		Volume:        d(volume),
	}
}

func withTIF(m *models.OrderRegisterMessage, tif models.TimeInForce) *models.OrderRegisterMessage {
	m.TimeInForce = tif
	return m
}

func tickAt(ms int, price, volume string, origin models.Side) *models.ExecutionMessage {
	return &models.ExecutionMessage{
		Header:       at(ms),
		SecurityID:   testSecurity,
		DataType:     models.DataTicks,
		TradePrice:   d(price),
		TradeVolume:  d(volume),
		OriginSide:   origin,
		HasTradeInfo: true,
	}
}

func q(price, volume string) models.Quote {
	return models.NewQuote(d(price), d(volume))
}

func snapshotAt(ms int, bids, asks []models.Quote) *models.QuoteChangeMessage {
	return &models.QuoteChangeMessage{Header: at(ms), SecurityID: testSecurity, Bids: bids, Asks: asks}
}

func candleAt(ms int, open, high, low, closePrice, volume string) *models.CandleMessage {
	return &models.CandleMessage{
		Header:      at(ms),
		SecurityID:  testSecurity,
		TimeFrame:   time.Minute,
		OpenPrice:   d(open),
		HighPrice:   d(high),
		LowPrice:    d(low),
		ClosePrice:  d(closePrice),
		TotalVolume: d(volume),
	}
}

func timeAt(ms int) *models.TimeMessage {
	return &models.TimeMessage{Header: at(ms)}
}

// replies returns the transactional executions of out.
func replies(out []models.Message) []*models.ExecutionMessage {
	var res []*models.ExecutionMessage
	for _, m := range out {
		if ex, ok := m.(*models.ExecutionMessage); ok && !ex.IsMarketData() {
			res = append(res, ex)
		}
	}
	return res
}

func fills(out []models.Message) []*models.ExecutionMessage {
	var res []*models.ExecutionMessage
	for _, ex := range replies(out) {
		if ex.HasTradeInfo {
			res = append(res, ex)
		}
	}
	return res
}

func marketTicks(out []models.Message) []*models.ExecutionMessage {
	var res []*models.ExecutionMessage
	for _, m := range out {
		if ex, ok := m.(*models.ExecutionMessage); ok && ex.DataType == models.DataTicks {
			res = append(res, ex)
		}
	}
	return res
}

func bookUpdates(out []models.Message) []*models.QuoteChangeMessage {
	var res []*models.QuoteChangeMessage
	for _, m := range out {
		if qc, ok := m.(*models.QuoteChangeMessage); ok {
			res = append(res, qc)
		}
	}
	return res
}

func bookOf(e *SecurityEmulator) (bids, asks []string) {
	b, a := e.Book().Depth(0)
	return levels(b), levels(a)
}

// TestSimpleFill tests a resting buy filled by a trade print at its price
func TestSimpleFill(t *testing.T) {
	e := newTestEmulator()

	out := e.Process(limit(0, 1, models.SideBuy, "100", "10"))
	rs := replies(out)
	require.Len(t, rs, 1)
	assert.Equal(t, models.OrderActive, rs[0].OrderState)
	assert.Equal(t, "10", rs[0].Balance.String())
	assert.Equal(t, int64(1), rs[0].OriginalTransactionID)
	assert.Equal(t, int64(1), rs[0].OrderID)

	out = e.Process(tickAt(1000, "100", "6", ""))
	fs := fills(out)
	require.Len(t, fs, 1)
	assert.Equal(t, "100", fs[0].TradePrice.String())
	assert.Equal(t, "6", fs[0].TradeVolume.String())
	assert.Equal(t, "4", fs[0].Balance.String())
	assert.Equal(t, models.OrderActive, fs[0].OrderState)

	bids, asks := bookOf(e)
	assert.Equal(t, []string{"4@100"}, bids)
	assert.Empty(t, asks)
}

// TestFillOrKillRejected tests that an unfillable match-or-cancel order leaves the book untouched
func TestFillOrKillRejected(t *testing.T) {
	e := newTestEmulator()
	e.Process(snapshotAt(0, nil, []models.Quote{q("101", "5")}))

	out := e.Process(withTIF(limit(1, 1, models.SideBuy, "101", "10"), models.MatchOrCancel))
	rs := replies(out)
	require.Len(t, rs, 1)
	assert.Equal(t, models.OrderDone, rs[0].OrderState)
	assert.Equal(t, "10", rs[0].Balance.String())
	assert.ErrorIs(t, rs[0].Err, models.ErrFillOrKillUnfilled)
	assert.Equal(t, models.ReasonFillOrKill, models.ReasonOf(rs[0].Err))
	assert.Empty(t, fills(out))
	assert.Empty(t, bookUpdates(out))

	bids, asks := bookOf(e)
	assert.Empty(t, bids)
	assert.Equal(t, []string{"5@101"}, asks)
}

// TestFillOrKillThroughLevels tests a match-or-cancel order that sweeps several levels
func TestFillOrKillThroughLevels(t *testing.T) {
	e := newTestEmulator()
	e.Process(snapshotAt(0, nil, []models.Quote{q("101", "5"), q("102", "5")}))

	out := e.Process(withTIF(limit(1, 1, models.SideBuy, "103", "8"), models.MatchOrCancel))
	fs := fills(out)
	require.Len(t, fs, 2)
	assert.Equal(t, "101", fs[0].TradePrice.String())
	assert.Equal(t, "5", fs[0].TradeVolume.String())
	assert.Equal(t, "102", fs[1].TradePrice.String())
	assert.Equal(t, "3", fs[1].TradeVolume.String())
	assert.Equal(t, models.OrderDone, fs[1].OrderState)
	assert.Len(t, marketTicks(out), 2)

	_, asks := bookOf(e)
	assert.Equal(t, []string{"2@102"}, asks)
}

// TestMatchOnTouch tests that synthetic volume at the order's own price only trades with the setting on
func TestMatchOnTouch(t *testing.T) {
	t.Run("disabled withdraws synthetic volume and rests", func(t *testing.T) {
		e := newTestEmulator()
		e.Process(snapshotAt(0, []models.Quote{q("99", "5")}, []models.Quote{q("101", "5")}))

		out := e.Process(limit(1, 1, models.SideBuy, "101", "3"))
		assert.Empty(t, fills(out))
		bids, asks := bookOf(e)
		assert.Equal(t, []string{"3@101", "5@99"}, bids)
		assert.Empty(t, asks)

		// the next snapshot brings the ask back and it trades with the resting bid
		out = e.Process(snapshotAt(2, []models.Quote{q("99", "5")}, []models.Quote{q("101", "5")}))
		fs := fills(out)
		require.Len(t, fs, 1)
		assert.Equal(t, "3", fs[0].TradeVolume.String())
		assert.Equal(t, models.OrderDone, fs[0].OrderState)
		bids, asks = bookOf(e)
		assert.Equal(t, []string{"5@99"}, bids)
		assert.Equal(t, []string{"2@101"}, asks)
	})

	t.Run("enabled trades at the touch", func(t *testing.T) {
		e := newTestEmulator(func(s *Settings) { s.MatchOnTouch = true })
		e.Process(snapshotAt(0, nil, []models.Quote{q("101", "5")}))

		out := e.Process(withTIF(limit(1, 1, models.SideBuy, "101", "5"), models.MatchOrCancel))
		fs := fills(out)
		require.Len(t, fs, 1)
		assert.Equal(t, "5", fs[0].TradeVolume.String())
		assert.Equal(t, models.OrderDone, fs[0].OrderState)
		_, asks := bookOf(e)
		assert.Empty(t, asks)
	})
}

// TestTimePriority tests FIFO fills across owned orders at one level
func TestTimePriority(t *testing.T) {
	e := newTestEmulator()
	sellA := limit(0, 1, models.SideSell, "101", "3")
	sellA.PortfolioName = "a"
	sellB := limit(1, 2, models.SideSell, "101", "3")
	sellB.PortfolioName = "b"
	e.Process(sellA)
	e.Process(sellB)

	buy := limit(2, 3, models.SideBuy, "102", "4")
	buy.PortfolioName = "c"
	fs := fills(e.Process(buy))
	require.Len(t, fs, 4)

	assert.Equal(t, int64(1), fs[0].OriginalTransactionID)
	assert.Equal(t, models.OrderDone, fs[0].OrderState)
	assert.Equal(t, int64(3), fs[1].OriginalTransactionID)
	assert.Equal(t, "1", fs[1].Balance.String())
	assert.Equal(t, fs[0].TradeID, fs[1].TradeID)

	assert.Equal(t, int64(2), fs[2].OriginalTransactionID)
	assert.Equal(t, "2", fs[2].Balance.String())
	assert.Equal(t, int64(3), fs[3].OriginalTransactionID)
	assert.Equal(t, models.OrderDone, fs[3].OrderState)
	assert.NotEqual(t, fs[0].TradeID, fs[2].TradeID)

	for _, f := range fs {
		assert.Equal(t, "101", f.TradePrice.String())
	}
	_, asks := bookOf(e)
	assert.Equal(t, []string{"2@101"}, asks)
}

// TestCancelBalanceResidual tests that an immediate-or-cancel order drops what did not match
func TestCancelBalanceResidual(t *testing.T) {
	e := newTestEmulator()
	e.Process(snapshotAt(0, nil, []models.Quote{q("101", "5")}))

	rs := replies(e.Process(withTIF(limit(1, 1, models.SideBuy, "102", "8"), models.CancelBalance)))
	require.Len(t, rs, 3)
	assert.Equal(t, models.OrderActive, rs[0].OrderState)
	assert.True(t, rs[1].HasTradeInfo)
	assert.Equal(t, "5", rs[1].TradeVolume.String())
	assert.Equal(t, models.OrderDone, rs[2].OrderState)
	assert.Equal(t, "3", rs[2].Balance.String())

	bids, asks := bookOf(e)
	assert.Empty(t, bids)
	assert.Empty(t, asks)
}

// TestMarketOrderNeverRests tests that a market order releases its unfilled part
func TestMarketOrderNeverRests(t *testing.T) {
	e := newTestEmulator()
	e.Process(snapshotAt(0, []models.Quote{q("99", "2")}, nil))

	rs := replies(e.Process(market(1, 1, models.SideSell, "5")))
	require.Len(t, rs, 3)
	assert.Equal(t, "99", rs[1].TradePrice.String())
	assert.Equal(t, models.OrderDone, rs[2].OrderState)
	assert.Equal(t, "3", rs[2].Balance.String())
	assert.True(t, e.Book().IsEmpty())
}

// recordingLedger keeps the prices the core checked and blocked margin at.
type recordingLedger struct {
	nopLedger
	checked  []decimal.Decimal
	accepted []decimal.Decimal
}

func (l *recordingLedger) CheckRegistration(check RegistrationCheck) error {
	l.checked = append(l.checked, check.Price)
	return nil
}

func (l *recordingLedger) OrderAccepted(check RegistrationCheck) decimal.Decimal {
	l.accepted = append(l.accepted, check.Price)
	return decimal.Zero
}

// TestMarketOrderMarginPrice tests that a market order is accepted at the price it was checked at
func TestMarketOrderMarginPrice(t *testing.T) {
	ledger := &recordingLedger{}
	e := NewSecurityEmulator(testSecurity, DefaultSettings(), WithLedger(ledger))
	e.Process(snapshotAt(0, []models.Quote{q("99", "5")}, []models.Quote{q("101", "5")}))

	e.Process(market(1, 1, models.SideBuy, "3"))
	e.Process(limit(2, 2, models.SideSell, "105", "1"))

	require.Len(t, ledger.checked, 2)
	require.Len(t, ledger.accepted, 2)
	assert.Equal(t, "101", ledger.checked[0].String())
	assert.Equal(t, "101", ledger.accepted[0].String())
	assert.Equal(t, "105", ledger.accepted[1].String())
}

// TestReplaceCarriesBalance tests cancel-then-register with the old balance
func TestReplaceCarriesBalance(t *testing.T) {
	e := newTestEmulator()
	e.Process(limit(0, 1, models.SideBuy, "99", "10"))

	out := e.Process(&models.OrderReplaceMessage{
		OrderRegisterMessage: models.OrderRegisterMessage{
			Header:        at(1),
			TransactionID: 2,
			SecurityID:    testSecurity,
			PortfolioName: "main",
			Side:          models.SideBuy,
			Type:          models.TypeLimit,
			Price:         d("98"),
		},
		OriginalTransactionID: 1,
	})
	rs := replies(out)
	require.Len(t, rs, 2)
	assert.Equal(t, int64(1), rs[0].OriginalTransactionID)
	assert.Equal(t, models.OrderDone, rs[0].OrderState)
	assert.Equal(t, int64(2), rs[1].OriginalTransactionID)
	assert.Equal(t, models.OrderActive, rs[1].OrderState)
	assert.Equal(t, "10", rs[1].OrderVolume.String())

	bids, _ := bookOf(e)
	assert.Equal(t, []string{"10@98"}, bids)
}

// TestReplaceMissingOrder tests that both legs fail when the original is unknown
func TestReplaceMissingOrder(t *testing.T) {
	e := newTestEmulator()
	reg := limit(0, 2, models.SideBuy, "98", "1")
	rs := replies(e.Process(&models.OrderReplaceMessage{OrderRegisterMessage: *reg, OriginalTransactionID: 42}))
	require.Len(t, rs, 2)
	for _, r := range rs {
		assert.Equal(t, models.OrderFailed, r.OrderState)
		assert.ErrorIs(t, r.Err, models.ErrOrderNotFound)
		assert.Equal(t, int64(2), r.OriginalTransactionID)
		assert.Contains(t, r.ErrorText, "42")
	}
	assert.True(t, e.Book().IsEmpty())
}

// TestCancelOrder tests cancelling a resting order and a missing one
func TestCancelOrder(t *testing.T) {
	e := newTestEmulator()
	e.Process(limit(0, 1, models.SideSell, "105", "4"))

	rs := replies(e.Process(&models.OrderCancelMessage{Header: at(1), TransactionID: 2, OriginalTransactionID: 1, SecurityID: testSecurity, PortfolioName: "main"}))
	require.Len(t, rs, 1)
	assert.Equal(t, models.OrderDone, rs[0].OrderState)
	assert.Equal(t, "4", rs[0].Balance.String())
	assert.True(t, e.Book().IsEmpty())

	rs = replies(e.Process(&models.OrderCancelMessage{Header: at(2), TransactionID: 3, OriginalTransactionID: 1, SecurityID: testSecurity, PortfolioName: "main"}))
	require.Len(t, rs, 1)
	assert.Equal(t, models.OrderFailed, rs[0].OrderState)
	assert.Equal(t, int64(3), rs[0].OriginalTransactionID)
	assert.Equal(t, models.ReasonOrderNotFound, models.ReasonOf(rs[0].Err))
}

// TestRegistrationValidation tests the business rejections raised before matching
func TestRegistrationValidation(t *testing.T) {
	shortable := true
	e := newTestEmulator()
	e.Process(&models.SecurityInfoMessage{Header: at(0), SecurityID: testSecurity, PriceStep: d("0.5"), VolumeStep: d("1"), MaxVolume: d("100"), Shortable: &shortable})
	e.Process(&models.Level1ChangeMessage{Header: at(0), SecurityID: testSecurity, Changes: map[models.Level1Field]decimal.Decimal{
		models.L1MinPrice: d("90"),
		models.L1MaxPrice: d("110"),
	}})
	e.Process(limit(0, 1, models.SideBuy, "95", "1"))

	noPortfolio := limit(1, 10, models.SideBuy, "95", "1")
	noPortfolio.PortfolioName = ""
	badSide := limit(1, 11, "HOLD", "95", "1")

	cases := []struct {
		name string
		msg  *models.OrderRegisterMessage
		want error
	}{
		{"price off step", limit(1, 2, models.SideBuy, "95.3", "1"), models.ErrInvalidPrice},
		{"zero volume", limit(1, 3, models.SideBuy, "95", "0"), models.ErrInvalidVolume},
		{"fractional volume", limit(1, 4, models.SideBuy, "95", "1.5"), models.ErrInvalidVolume},
		{"above max volume", limit(1, 5, models.SideBuy, "95", "101"), models.ErrInvalidVolume},
		{"above price band", limit(1, 6, models.SideBuy, "111", "1"), models.ErrPriceOutOfLimits},
		{"below price band", limit(1, 7, models.SideSell, "89.5", "1"), models.ErrPriceOutOfLimits},
		{"duplicate transaction", limit(1, 1, models.SideBuy, "95", "1"), models.ErrDuplicateTransaction},
		{"no portfolio", noPortfolio, models.ErrPortfolioRequired},
		{"bad side", badSide, models.ErrInvalidSide},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rs := replies(e.Process(tc.msg))
			require.Len(t, rs, 1)
			assert.Equal(t, models.OrderFailed, rs[0].OrderState)
			assert.ErrorIs(t, rs[0].Err, tc.want)
			assert.NotEmpty(t, rs[0].ErrorText)
		})
	}

	bids, _ := bookOf(e)
	assert.Equal(t, []string{"1@95"}, bids)
}

// TestTradingHalted tests rejections while the instrument or its board is halted
func TestTradingHalted(t *testing.T) {
	e := newTestEmulator()
	e.Process(&models.SecurityInfoMessage{Header: at(0), SecurityID: testSecurity, Halted: true})
	rs := replies(e.Process(limit(1, 1, models.SideBuy, "100", "1")))
	require.Len(t, rs, 1)
	assert.ErrorIs(t, rs[0].Err, models.ErrTradingHalted)

	e.Process(&models.SecurityInfoMessage{Header: at(2), SecurityID: testSecurity})
	e.Process(&models.BoardStateMessage{Header: at(2), BoardCode: "TQBR", State: models.SessionPaused})
	rs = replies(e.Process(limit(3, 2, models.SideBuy, "100", "1")))
	require.Len(t, rs, 1)
	assert.ErrorIs(t, rs[0].Err, models.ErrTradingHalted)

	e.Process(&models.BoardStateMessage{Header: at(4), BoardCode: "TQBR", State: models.SessionActive})
	rs = replies(e.Process(limit(5, 3, models.SideBuy, "100", "1")))
	require.Len(t, rs, 1)
	assert.Equal(t, models.OrderActive, rs[0].OrderState)
}

// TestDepthTrim tests that the worst synthetic level goes once a side exceeds MaxDepth
func TestDepthTrim(t *testing.T) {
	e := newTestEmulator(func(s *Settings) { s.MaxDepth = 5 })

	bids := []models.Quote{q("100", "1"), q("99", "1"), q("98", "1"), q("97", "1"), q("96", "1"), q("95", "1")}
	out := e.Process(snapshotAt(0, bids, nil))

	assert.Equal(t, 5, e.Book().LevelCount(models.SideBuy))
	got, _ := bookOf(e)
	assert.Equal(t, []string{"1@100", "1@99", "1@98", "1@97", "1@96"}, got)

	updates := bookUpdates(out)
	require.Len(t, updates, 1)
	assert.Len(t, updates[0].Bids, 5)
}

// TestDepthTrimKeepsOwnedOrders tests that trimming skips levels holding portfolio orders
func TestDepthTrimKeepsOwnedOrders(t *testing.T) {
	e := newTestEmulator(func(s *Settings) { s.MaxDepth = 2 })
	e.Process(limit(0, 1, models.SideBuy, "90", "1"))
	e.Process(snapshotAt(1, []models.Quote{q("100", "1"), q("99", "1"), q("98", "1")}, nil))

	got, _ := bookOf(e)
	assert.Equal(t, []string{"1@100", "1@90"}, got)
}

// TestDepthDiffIdempotent tests that re-applying the same snapshot changes nothing
func TestDepthDiffIdempotent(t *testing.T) {
	e := newTestEmulator()
	s := func(ms int) *models.QuoteChangeMessage {
		return snapshotAt(ms, []models.Quote{q("99", "3"), q("98", "2")}, []models.Quote{q("101", "4"), q("102", "1")})
	}

	first := e.Process(s(0))
	require.Len(t, bookUpdates(first), 1)

	second := e.Process(s(1))
	assert.Empty(t, second)

	bids, asks := bookOf(e)
	assert.Equal(t, []string{"3@99", "2@98"}, bids)
	assert.Equal(t, []string{"4@101", "1@102"}, asks)
}

// TestDepthDiffUpdatesLevels tests additions, shrinks and removals between snapshots
func TestDepthDiffUpdatesLevels(t *testing.T) {
	e := newTestEmulator()
	e.Process(snapshotAt(0, []models.Quote{q("99", "3"), q("98", "2")}, []models.Quote{q("101", "4")}))
	e.Process(snapshotAt(1, []models.Quote{q("100", "1"), q("99", "1")}, []models.Quote{q("101", "6"), q("103", "2")}))

	bids, asks := bookOf(e)
	assert.Equal(t, []string{"1@100", "1@99"}, bids)
	assert.Equal(t, []string{"6@101", "2@103"}, asks)
}

// TestDepthAdditionCrossesOwnedOrder tests that new synthetic volume trades with owned orders it crosses
func TestDepthAdditionCrossesOwnedOrder(t *testing.T) {
	e := newTestEmulator()
	e.Process(limit(0, 1, models.SideBuy, "101", "2"))

	out := e.Process(snapshotAt(1, nil, []models.Quote{q("100", "5")}))
	fs := fills(out)
	require.Len(t, fs, 1)
	assert.Equal(t, "2", fs[0].TradeVolume.String())
	assert.Equal(t, "101", fs[0].TradePrice.String())

	bids, asks := bookOf(e)
	assert.Empty(t, bids)
	assert.Equal(t, []string{"3@100"}, asks)
}

// TestSpreadCross tests the optional crossing trade emitted when the best level shrinks
func TestSpreadCross(t *testing.T) {
	e := newTestEmulator(func(s *Settings) { s.SpreadCrossProbability = 1 })
	e.Process(limit(0, 1, models.SideBuy, "100", "2"))
	e.Process(snapshotAt(1, []models.Quote{q("100", "10")}, []models.Quote{q("101", "10")}))

	out := e.Process(snapshotAt(2, []models.Quote{q("100", "4")}, []models.Quote{q("101", "10")}))
	fs := fills(out)
	require.Len(t, fs, 1)
	assert.Equal(t, "2", fs[0].TradeVolume.String())
	assert.Equal(t, models.OrderDone, fs[0].OrderState)

	ticks := marketTicks(out)
	require.Len(t, ticks, 1)
	assert.Equal(t, "3", ticks[0].TradeVolume.String())
	assert.Equal(t, models.SideSell, ticks[0].OriginSide)

	bids, _ := bookOf(e)
	assert.Equal(t, []string{"4@100"}, bids)
}

// TestQuoteModeLock tests that the first observed depth mode wins
func TestQuoteModeLock(t *testing.T) {
	e := newTestEmulator()
	e.Process(&models.QuoteChangeMessage{Header: at(0), SecurityID: testSecurity, State: models.QuoteSnapshotStarted, Bids: []models.Quote{q("99", "1")}})
	e.Process(&models.QuoteChangeMessage{Header: at(1), SecurityID: testSecurity, State: models.QuoteSnapshotComplete, Asks: []models.Quote{q("101", "2")}})

	bids, asks := bookOf(e)
	assert.Equal(t, []string{"1@99"}, bids)
	assert.Equal(t, []string{"2@101"}, asks)

	// a plain snapshot is ignored once the stream is incremental
	assert.Empty(t, e.Process(snapshotAt(2, []models.Quote{q("50", "1")}, nil)))

	e.Process(&models.QuoteChangeMessage{Header: at(3), SecurityID: testSecurity, State: models.QuoteIncrement, Bids: []models.Quote{q("99", "0"), q("98", "4")}})
	bids, _ = bookOf(e)
	assert.Equal(t, []string{"4@98"}, bids)
}

// TestLevel1SynthesizesBook tests one-level books built from best bid and ask
func TestLevel1SynthesizesBook(t *testing.T) {
	e := newTestEmulator()
	e.Process(&models.Level1ChangeMessage{Header: at(0), SecurityID: testSecurity, Changes: map[models.Level1Field]decimal.Decimal{
		models.L1BestBidPrice:  d("99"),
		models.L1BestBidVolume: d("3"),
		models.L1BestAskPrice:  d("101"),
		models.L1BestAskVolume: d("4"),
	}})
	bids, asks := bookOf(e)
	assert.Equal(t, []string{"3@99"}, bids)
	assert.Equal(t, []string{"4@101"}, asks)

	e.Process(&models.Level1ChangeMessage{Header: at(1), SecurityID: testSecurity, Changes: map[models.Level1Field]decimal.Decimal{
		models.L1BestBidPrice: d("100"),
	}})
	bids, asks = bookOf(e)
	assert.Equal(t, []string{"3@100"}, bids)
	assert.Equal(t, []string{"4@101"}, asks)
}

// TestLevel1IgnoredWithDepthFeed tests that best quotes do not touch a book fed by depth
func TestLevel1IgnoredWithDepthFeed(t *testing.T) {
	e := newTestEmulator()
	e.Process(snapshotAt(0, []models.Quote{q("99", "3")}, []models.Quote{q("101", "4")}))
	e.Process(&models.Level1ChangeMessage{Header: at(1), SecurityID: testSecurity, Changes: map[models.Level1Field]decimal.Decimal{
		models.L1BestBidPrice: d("90"),
	}})
	bids, _ := bookOf(e)
	assert.Equal(t, []string{"3@99"}, bids)
}

// TestTickColdStart tests the mirror level created when the first print hits an empty book
func TestTickColdStart(t *testing.T) {
	e := newTestEmulator()
	e.Process(tickAt(0, "100", "5", ""))
	bids, asks := bookOf(e)
	assert.Equal(t, []string{"5@100"}, bids)
	assert.Equal(t, []string{"5@102"}, asks)

	buyer := newTestEmulator()
	buyer.Process(tickAt(0, "100.5", "5", models.SideBuy))
	bids, asks = bookOf(buyer)
	assert.Equal(t, []string{"5@100.3"}, bids)
	assert.Equal(t, []string{"5@100.5"}, asks)
}

// TestTickSweep tests book inference from prints through either side
func TestTickSweep(t *testing.T) {
	e := newTestEmulator()
	e.Process(tickAt(0, "100", "5", ""))

	// sell print below the bid consumes it; leftover bids above the print are stale
	e.Process(tickAt(1, "99", "3", models.SideSell))
	bids, asks := bookOf(e)
	assert.Empty(t, bids)
	assert.Equal(t, []string{"5@102"}, asks)

	// buy print through the ask leaves its unfilled volume at the print
	e.Process(tickAt(2, "103", "7", models.SideBuy))
	bids, asks = bookOf(e)
	assert.Equal(t, []string{"2@103"}, bids)
	assert.Empty(t, asks)
}

// TestTickWithDepthFeedOnlyFillsOwned tests that prints do not rebuild a depth-fed book
func TestTickWithDepthFeedOnlyFillsOwned(t *testing.T) {
	e := newTestEmulator()
	e.Process(snapshotAt(0, []models.Quote{q("99", "3")}, []models.Quote{q("101", "4")}))
	e.Process(limit(1, 1, models.SideBuy, "100", "2"))

	out := e.Process(tickAt(2, "100", "1", models.SideSell))
	fs := fills(out)
	require.Len(t, fs, 1)
	assert.Equal(t, "1", fs[0].TradeVolume.String())

	bids, asks := bookOf(e)
	assert.Equal(t, []string{"1@100", "3@99"}, bids)
	assert.Equal(t, []string{"4@101"}, asks)
}

// TestOrderLog tests a book maintained from order log items
func TestOrderLog(t *testing.T) {
	e := newTestEmulator()
	item := func(ms int, state models.OrderState, side models.Side, price, volume string) *models.ExecutionMessage {
		return &models.ExecutionMessage{
			Header:      at(ms),
			SecurityID:  testSecurity,
			DataType:    models.DataOrderLog,
			Side:        side,
			OrderPrice:  d(price),
			OrderVolume: d(volume),
			OrderState:  state,
		}
	}

	e.Process(item(0, models.OrderActive, models.SideSell, "101", "5"))
	e.Process(item(1, models.OrderActive, models.SideBuy, "99", "2"))
	e.Process(item(2, models.OrderDone, models.SideSell, "101", "2"))

	bids, asks := bookOf(e)
	assert.Equal(t, []string{"2@99"}, bids)
	assert.Equal(t, []string{"3@101"}, asks)
}

// TestExpiry tests that orders expire in simulated time
func TestExpiry(t *testing.T) {
	e := newTestEmulator()
	reg := limit(0, 1, models.SideBuy, "99", "10")
	expiry := t0.Add(time.Minute)
	reg.ExpiryDate = &expiry
	e.Process(reg)

	assert.Empty(t, replies(e.Process(timeAt(30_000))))
	assert.False(t, e.Book().IsEmpty())

	rs := replies(e.Process(timeAt(61_000)))
	require.Len(t, rs, 1)
	assert.Equal(t, models.OrderDone, rs[0].OrderState)
	assert.Equal(t, int64(1), rs[0].OriginalTransactionID)
	assert.True(t, e.Book().IsEmpty())
}

// TestExpiryBeforeClockStarts tests that an order registered without a time still expires
func TestExpiryBeforeClockStarts(t *testing.T) {
	e := newTestEmulator()
	reg := limit(0, 1, models.SideBuy, "99", "10")
	reg.ServerTime = time.Time{}
	expiry := t0.Add(time.Second)
	reg.ExpiryDate = &expiry

	rs := replies(e.Process(reg))
	require.Len(t, rs, 1)
	assert.Equal(t, models.OrderActive, rs[0].OrderState)

	assert.Empty(t, replies(e.Process(timeAt(0))))
	require.Len(t, e.ActiveOrders(""), 1)

	rs = replies(e.Process(timeAt(5_000)))
	require.Len(t, rs, 1)
	assert.Equal(t, models.OrderDone, rs[0].OrderState)
	assert.Equal(t, int64(1), rs[0].OriginalTransactionID)
	assert.Empty(t, e.ActiveOrders(""))
	assert.True(t, e.Book().IsEmpty())
}

// TestExpiryAlreadyPassedOnFirstTime tests that the first timestamp releases deadlines it has already passed
func TestExpiryAlreadyPassedOnFirstTime(t *testing.T) {
	e := newTestEmulator()
	reg := limit(0, 1, models.SideSell, "101", "3")
	reg.ServerTime = time.Time{}
	expiry := t0.Add(time.Second)
	reg.ExpiryDate = &expiry
	e.Process(reg)

	rs := replies(e.Process(timeAt(2_000)))
	require.Len(t, rs, 1)
	assert.Equal(t, models.OrderDone, rs[0].OrderState)
	assert.True(t, e.Book().IsEmpty())
}

// TestLatency tests that transactional messages wait for the simulated latency
func TestLatency(t *testing.T) {
	e := newTestEmulator(func(s *Settings) { s.Latency = time.Second })

	assert.Empty(t, e.Process(limit(0, 1, models.SideBuy, "99", "1")))
	assert.Empty(t, e.Process(timeAt(500)))

	rs := replies(e.Process(timeAt(1000)))
	require.Len(t, rs, 1)
	assert.Equal(t, models.OrderActive, rs[0].OrderState)
	assert.Equal(t, t0.Add(time.Second), rs[0].ServerTime)
}

// TestFailureInjection tests forced failures and their determinism
func TestFailureInjection(t *testing.T) {
	always := newTestEmulator(func(s *Settings) { s.FailingPercent = 100 })
	rs := replies(always.Process(limit(0, 1, models.SideBuy, "99", "1")))
	require.Len(t, rs, 1)
	assert.ErrorIs(t, rs[0].Err, models.ErrSyntheticFailure)
	assert.True(t, always.Book().IsEmpty())

	run := func() []models.OrderState {
		e := newTestEmulator(func(s *Settings) {
			s.FailingPercent = 50
			s.Seed = 7
		})
		var states []models.OrderState
		for i := 0; i < 20; i++ {
			for _, r := range replies(e.Process(limit(i, int64(i+1), models.SideBuy, "90", "1"))) {
				states = append(states, r.OrderState)
			}
		}
		return states
	}
	first := run()
	assert.Len(t, first, 20)
	assert.Equal(t, first, run())
	assert.Contains(t, first, models.OrderFailed)
	assert.Contains(t, first, models.OrderActive)
}

// TestCandleMatching tests fills of pending orders against candles
func TestCandleMatching(t *testing.T) {
	e := newTestEmulator()
	e.Process(candleAt(0, "100", "101", "99", "100", "50"))

	rs := replies(e.Process(limit(1, 1, models.SideBuy, "98", "10")))
	require.Len(t, rs, 1)
	assert.Equal(t, models.OrderActive, rs[0].OrderState)
	assert.True(t, e.Book().IsEmpty())

	fs := fills(e.Process(candleAt(60_000, "99", "100", "97", "99", "4")))
	require.Len(t, fs, 1)
	assert.Equal(t, "98", fs[0].TradePrice.String())
	assert.Equal(t, "4", fs[0].TradeVolume.String())
	assert.Equal(t, "6", fs[0].Balance.String())

	assert.Empty(t, fills(e.Process(candleAt(120_000, "99", "101", "98.5", "100", "40"))))
	require.Len(t, e.ActiveOrders("main"), 1)

	fs = fills(e.Process(candleAt(180_000, "99", "99", "95", "96", "100")))
	require.Len(t, fs, 1)
	assert.Equal(t, "6", fs[0].TradeVolume.String())
	assert.Equal(t, models.OrderDone, fs[0].OrderState)
	assert.Empty(t, e.ActiveOrders(""))
}

// TestCandleMatchingAdoptsEarlierOrders tests that orders resting before the first candle are matched by candles
func TestCandleMatchingAdoptsEarlierOrders(t *testing.T) {
	e := newTestEmulator()
	rs := replies(e.Process(limit(0, 1, models.SideBuy, "98", "10")))
	require.Len(t, rs, 1)
	assert.Equal(t, models.OrderActive, rs[0].OrderState)
	bids, _ := bookOf(e)
	assert.Equal(t, []string{"10@98"}, bids)

	fs := fills(e.Process(candleAt(60_000, "99", "100", "97", "99", "4")))
	require.Len(t, fs, 1)
	assert.Equal(t, "98", fs[0].TradePrice.String())
	assert.Equal(t, "4", fs[0].TradeVolume.String())
	assert.True(t, e.Book().IsEmpty())

	fs = fills(e.Process(candleAt(120_000, "97", "98", "95", "96", "100")))
	require.Len(t, fs, 1)
	assert.Equal(t, "6", fs[0].TradeVolume.String())
	assert.Equal(t, models.OrderDone, fs[0].OrderState)
	assert.Empty(t, e.ActiveOrders(""))
}

// TestCandleMatchingKeepsBookWithDepthFeed tests that owned orders stay in the book when depth data exists
func TestCandleMatchingKeepsBookWithDepthFeed(t *testing.T) {
	e := newTestEmulator()
	e.Process(snapshotAt(0, []models.Quote{q("97", "5")}, []models.Quote{q("101", "5")}))
	e.Process(limit(1, 1, models.SideBuy, "98", "10"))

	assert.Empty(t, fills(e.Process(candleAt(60_000, "99", "100", "95", "99", "50"))))
	bids, _ := bookOf(e)
	assert.Contains(t, bids, "10@98")
}

// TestCandleReferenceFallsBackToClose tests the close price substitute for an out of range reference
func TestCandleReferenceFallsBackToClose(t *testing.T) {
	e := newTestEmulator(func(s *Settings) { s.CandlePrice = models.CandleOpen })
	e.Process(candleAt(0, "100", "101", "99", "100", "50"))
	e.Process(market(1, 1, models.SideBuy, "2"))

	fs := fills(e.Process(candleAt(60_000, "105", "103", "99", "101", "50")))
	require.Len(t, fs, 1)
	assert.Equal(t, "101", fs[0].TradePrice.String())
	assert.Equal(t, models.OrderDone, fs[0].OrderState)
}

// TestCandleFillOrKill tests that a match-or-cancel order is cancelled when a candle is too thin
func TestCandleFillOrKill(t *testing.T) {
	e := newTestEmulator()
	e.Process(candleAt(0, "100", "101", "99", "100", "50"))
	e.Process(withTIF(limit(1, 1, models.SideBuy, "100", "5"), models.MatchOrCancel))

	out := e.Process(candleAt(60_000, "100", "100", "99", "100", "3"))
	assert.Empty(t, fills(out))
	rs := replies(out)
	require.Len(t, rs, 1)
	assert.Equal(t, models.OrderDone, rs[0].OrderState)
	assert.ErrorIs(t, rs[0].Err, models.ErrFillOrKillUnfilled)
}

// TestOrderStatus tests the active order lookup filters
func TestOrderStatus(t *testing.T) {
	e := newTestEmulator()
	e.Process(limit(0, 1, models.SideBuy, "99", "1"))
	other := limit(0, 2, models.SideSell, "105", "1")
	other.PortfolioName = "other"
	e.Process(other)

	rs := replies(e.Process(&models.OrderStatusMessage{Header: at(1), TransactionID: 9}))
	assert.Len(t, rs, 2)

	rs = replies(e.Process(&models.OrderStatusMessage{Header: at(1), TransactionID: 10, PortfolioName: "other"}))
	require.Len(t, rs, 1)
	assert.Equal(t, int64(2), rs[0].OriginalTransactionID)
	assert.Equal(t, int64(10), rs[0].TransactionID)
}

// TestInstrumentStepInference tests steps learned from data and overridden by metadata
func TestInstrumentStepInference(t *testing.T) {
	e := newTestEmulator()
	e.Process(snapshotAt(0, []models.Quote{q("99.5", "10")}, []models.Quote{q("100.25", "1.5")}))
	state := e.State()
	assert.Equal(t, "0.01", state.PriceStep.String())
	assert.Equal(t, "0.1", state.VolumeStep.String())

	e.Process(&models.SecurityInfoMessage{Header: at(1), SecurityID: testSecurity, PriceStep: d("0.05")})
	e.Process(snapshotAt(2, []models.Quote{q("99.001", "10")}, nil))
	assert.Equal(t, "0.05", e.State().PriceStep.String())
}

// TestVerifyPanicsOnCorruption tests that diagnostic mode stops on a broken invariant
func TestVerifyPanicsOnCorruption(t *testing.T) {
	e := newTestEmulator()
	e.Process(snapshotAt(0, []models.Quote{q("99", "3")}, nil))
	e.Book().bids.total = d("4")
	assert.Panics(t, func() { e.Process(timeAt(1)) })
}

// TestResetClearsState tests that a reset empties the book and the pending queues
func TestResetClearsState(t *testing.T) {
	e := newTestEmulator(func(s *Settings) { s.Latency = time.Second })
	e.Process(snapshotAt(0, []models.Quote{q("99", "3")}, nil))
	e.Process(limit(1, 1, models.SideBuy, "98", "1"))

	e.Process(&models.ResetMessage{})
	assert.True(t, e.Book().IsEmpty())
	assert.Empty(t, e.Process(timeAt(5000)))
}

package engine

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"market-emulator/src/models"
)

type quoteMode int

const (
	quoteModeUnknown quoteMode = iota
	quoteModeSnapshot
	quoteModeIncremental
)

// feeds records which kinds of market data the instrument has seen so far.
type feeds struct {
	depth    bool
	level1   bool
	ticks    bool
	orderLog bool
	candles  bool
}

// SecurityEmulator is the matching core of one instrument. It is single threaded:
// callers serialise Process calls, the router does it with a per-core mutex.
type SecurityEmulator struct {
	security models.SecurityID
	settings Settings
	ledger   Ledger
	orderIDs *IDGenerator
	tradeIDs *IDGenerator
	rng      *rand.Rand

	book    *OrderBook
	state   InstrumentState
	builder *IncrementBuilder
	mode    quoteMode
	feeds   feeds
	l1Bid   *models.Quote
	l1Ask   *models.Quote

	now          time.Time
	latency      timedQueue[models.Message]
	expiries     deadlineQueue
	candleOrders []*restingOrder

	out []models.Message
}

type Option func(*SecurityEmulator)

func WithLedger(l Ledger) Option {
	return func(e *SecurityEmulator) {
		if l != nil {
			e.ledger = l
		}
	}
}

// WithIDGenerators shares order and trade id sequences between cores.
func WithIDGenerators(orders, trades *IDGenerator) Option {
	return func(e *SecurityEmulator) {
		if orders != nil {
			e.orderIDs = orders
		}
		if trades != nil {
			e.tradeIDs = trades
		}
	}
}

func NewSecurityEmulator(security models.SecurityID, settings Settings, opts ...Option) *SecurityEmulator {
	e := &SecurityEmulator{
		security: security,
		settings: settings,
		ledger:   nopLedger{},
		orderIDs: NewIDGenerator(1),
		tradeIDs: NewIDGenerator(1),
		rng:      rand.New(rand.NewPCG(settings.Seed, settings.Seed)),
		book:     NewOrderBook(security),
		state:    newInstrumentState(),
		builder:  NewIncrementBuilder(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *SecurityEmulator) Security() models.SecurityID {
	return e.security
}

// Now returns the simulated time of the last processed message.
func (e *SecurityEmulator) Now() time.Time {
	return e.now
}

func (e *SecurityEmulator) Book() *OrderBook {
	return e.book
}

func (e *SecurityEmulator) State() InstrumentState {
	return e.state
}

// Process applies one message and returns everything it produced, in order.
func (e *SecurityEmulator) Process(msg models.Message) []models.Message {
	e.advance(msg.Time())

	switch m := msg.(type) {
	case *models.OrderRegisterMessage, *models.OrderReplaceMessage, *models.OrderCancelMessage:
		if e.settings.Latency > 0 {
			e.latency.push(m, e.settings.Latency)
		} else {
			e.transact(m)
		}
	case *models.OrderStatusMessage:
		e.orderStatus(m)
	case *models.SecurityLookupMessage:
		info := e.state.info(e.security)
		info.ServerTime = e.now
		info.OriginalTransactionID = m.TransactionID
		e.emit(info)
	case *models.QuoteChangeMessage:
		e.quotes(m)
	case *models.Level1ChangeMessage:
		e.level1(m)
	case *models.ExecutionMessage:
		e.execution(m)
	case *models.CandleMessage:
		e.candle(m)
	case *models.SecurityInfoMessage:
		e.state.applySecurity(m)
	case *models.BoardStateMessage:
		e.state.Session = m.State
	case *models.ResetMessage:
		e.reset()
	case *models.TimeMessage:
	default:
		log.Debug().Str("security", e.security.String()).Str("kind", string(msg.Kind())).Msg("message ignored by matching core")
	}

	e.trim()

	if e.settings.Verify {
		if err := e.book.Verify(); err != nil {
			panic(fmt.Errorf("order book %s: %w", e.security, err))
		}
	}

	if e.book.takeChanged() && e.settings.EmitBookUpdates {
		e.emit(e.Snapshot(e.settings.MaxDepth))
	}

	out := e.out
	e.out = nil
	return out
}

// Snapshot returns the current book, depth levels per side. Zero means every level.
func (e *SecurityEmulator) Snapshot(depth int) *models.QuoteChangeMessage {
	bids, asks := e.book.Depth(depth)
	return &models.QuoteChangeMessage{
		Header:     e.header(),
		SecurityID: e.security,
		Bids:       bids,
		Asks:       asks,
	}
}

// advance moves simulated time forward and releases whatever became due.
func (e *SecurityEmulator) advance(t time.Time) {
	if t.IsZero() {
		return
	}
	var delta time.Duration
	if !e.now.IsZero() {
		delta = t.Sub(e.now)
		if delta <= 0 {
			return
		}
	}
	e.now = t

	for _, msg := range e.latency.advance(delta) {
		e.transact(msg)
	}
	for _, transactionID := range e.expiries.due(e.now) {
		if _, ok := e.cancelOrder(transactionID); ok {
			log.Debug().
				Str("security", e.security.String()).
				Int64("transaction_id", transactionID).
				Msg("order expired")
		}
	}
}

// trim cancels synthetic volume from the worst levels until each side fits MaxDepth.
func (e *SecurityEmulator) trim() {
	if e.settings.MaxDepth <= 0 {
		return
	}
	for _, side := range []models.Side{models.SideBuy, models.SideSell} {
		bs := e.book.side(side)
		if bs.levels.Len() <= e.settings.MaxDepth {
			continue
		}
		levels := bs.snapshotLevels()
		for i := len(levels) - 1; i >= 0 && bs.levels.Len() > e.settings.MaxDepth; i-- {
			e.book.dropSyntheticLevel(side, levels[i])
		}
	}
}

func (e *SecurityEmulator) reset() {
	e.book.clear()
	e.state = newInstrumentState()
	e.builder.Reset()
	e.mode = quoteModeUnknown
	e.feeds = feeds{}
	e.l1Bid, e.l1Ask = nil, nil
	e.latency.clear()
	e.expiries.clear()
	e.candleOrders = nil
	e.now = time.Time{}
}

func (e *SecurityEmulator) header() models.Header {
	return models.Header{ServerTime: e.now}
}

func (e *SecurityEmulator) emit(msgs ...models.Message) {
	e.out = append(e.out, msgs...)
}

func (e *SecurityEmulator) markTrade(price decimal.Decimal) {
	e.state.LastTradePrice = price
	e.ledger.MarkPrice(e.security, price)
}

// marketTrade reports a trade to market data subscribers.
func (e *SecurityEmulator) marketTrade(tradeID int64, price, volume decimal.Decimal, origin models.Side) {
	e.emit(&models.ExecutionMessage{
		Header:       e.header(),
		SecurityID:   e.security,
		DataType:     models.DataTicks,
		TradeID:      tradeID,
		TradePrice:   price,
		TradeVolume:  volume,
		OriginSide:   origin,
		HasTradeInfo: true,
	})
}

// bookFed reports whether the synthetic book is maintained by a depth-like feed.
func (e *SecurityEmulator) bookFed() bool {
	return e.feeds.depth || e.feeds.level1 || e.feeds.orderLog
}

func (e *SecurityEmulator) candleMode() bool {
	return e.feeds.candles && !e.feeds.depth && !e.feeds.level1 && !e.feeds.ticks && !e.feeds.orderLog
}

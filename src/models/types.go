package models

import (
	"strings"

	"github.com/shopspring/decimal"
)

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

func (s Side) Valid() bool {
	return s == SideBuy || s == SideSell
}

type OrderType string

const (
	TypeLimit  OrderType = "LIMIT"
	TypeMarket OrderType = "MARKET"
)

// TimeInForce decides what happens to the part of an order that did not match on arrival.
type TimeInForce string

const (
	PutInQueue    TimeInForce = "PUT_IN_QUEUE"
	MatchOrCancel TimeInForce = "MATCH_OR_CANCEL"
	CancelBalance TimeInForce = "CANCEL_BALANCE"
)

type OrderState string

const (
	OrderPending OrderState = "PENDING"
	OrderActive  OrderState = "ACTIVE"
	OrderDone    OrderState = "DONE"
	OrderFailed  OrderState = "FAILED"
)

type DataType string

const (
	DataTicks        DataType = "TICKS"
	DataMarketDepth  DataType = "MARKET_DEPTH"
	DataLevel1       DataType = "LEVEL1"
	DataOrderLog     DataType = "ORDER_LOG"
	DataCandles      DataType = "CANDLES"
	DataTransactions DataType = "TRANSACTIONS"
)

// IsBookCarrying reports whether messages of this type feed the order book or trades.
func (d DataType) IsBookCarrying() bool {
	switch d {
	case DataTicks, DataMarketDepth, DataLevel1, DataOrderLog:
		return true
	default:
		return false
	}
}

type EmulationState string

const (
	EmulationStopped    EmulationState = "STOPPED"
	EmulationStarting   EmulationState = "STARTING"
	EmulationStarted    EmulationState = "STARTED"
	EmulationSuspending EmulationState = "SUSPENDING"
	EmulationSuspended  EmulationState = "SUSPENDED"
	EmulationStopping   EmulationState = "STOPPING"
)

// SessionState is the trading state of a board.
type SessionState string

const (
	SessionActive       SessionState = "ACTIVE"
	SessionPaused       SessionState = "PAUSED"
	SessionForceStopped SessionState = "FORCE_STOPPED"
	SessionEnded        SessionState = "ENDED"
)

func (s SessionState) AllowsTrading() bool {
	return s == "" || s == SessionActive
}

type QuoteChangeState string

const (
	QuoteSnapshot         QuoteChangeState = ""
	QuoteSnapshotStarted  QuoteChangeState = "SNAPSHOT_STARTED"
	QuoteSnapshotBuilding QuoteChangeState = "SNAPSHOT_BUILDING"
	QuoteSnapshotComplete QuoteChangeState = "SNAPSHOT_COMPLETE"
	QuoteIncrement        QuoteChangeState = "INCREMENT"
)

// CandlePrice selects the candle reference point used to fill market orders.
type CandlePrice string

const (
	CandleOpen   CandlePrice = "OPEN"
	CandleHigh   CandlePrice = "HIGH"
	CandleLow    CandlePrice = "LOW"
	CandleClose  CandlePrice = "CLOSE"
	CandleMiddle CandlePrice = "MIDDLE"
)

func ParseCandlePrice(s string) (CandlePrice, bool) {
	switch p := CandlePrice(strings.ToUpper(s)); p {
	case CandleOpen, CandleHigh, CandleLow, CandleClose, CandleMiddle:
		return p, true
	default:
		return "", false
	}
}

type Level1Field string

const (
	L1BestBidPrice    Level1Field = "BEST_BID_PRICE"
	L1BestBidVolume   Level1Field = "BEST_BID_VOLUME"
	L1BestAskPrice    Level1Field = "BEST_ASK_PRICE"
	L1BestAskVolume   Level1Field = "BEST_ASK_VOLUME"
	L1LastTradePrice  Level1Field = "LAST_TRADE_PRICE"
	L1LastTradeVolume Level1Field = "LAST_TRADE_VOLUME"
	L1MinPrice        Level1Field = "MIN_PRICE"
	L1MaxPrice        Level1Field = "MAX_PRICE"
	L1PriceStep       Level1Field = "PRICE_STEP"
	L1VolumeStep      Level1Field = "VOLUME_STEP"
	L1MarginBuy       Level1Field = "MARGIN_BUY"
	L1MarginSell      Level1Field = "MARGIN_SELL"
)

type PositionField string

const (
	PosBeginValue       PositionField = "BEGIN_VALUE"
	PosCurrentValue     PositionField = "CURRENT_VALUE"
	PosAveragePrice     PositionField = "AVERAGE_PRICE"
	PosRealizedPnL      PositionField = "REALIZED_PNL"
	PosUnrealizedPnL    PositionField = "UNREALIZED_PNL"
	PosCommission       PositionField = "COMMISSION"
	PosBlockedValue     PositionField = "BLOCKED_VALUE"
	PosCurrentPrice     PositionField = "CURRENT_PRICE"
	PosBuyOrdersVolume  PositionField = "BUY_ORDERS_VOLUME"
	PosSellOrdersVolume PositionField = "SELL_ORDERS_VOLUME"
)

// SecurityID identifies an instrument on a board.
type SecurityID struct {
	Code  string `json:"code" yaml:"code"`
	Board string `json:"board" yaml:"board"`
}

func (id SecurityID) String() string {
	if id.Board == "" {
		return id.Code
	}
	return id.Code + "@" + id.Board
}

func (id SecurityID) IsZero() bool {
	return id.Code == "" && id.Board == ""
}

// ParseSecurityID accepts CODE@BOARD or a bare code.
func ParseSecurityID(s string) SecurityID {
	code, board, _ := strings.Cut(s, "@")
	return SecurityID{Code: code, Board: board}
}

// Quote is one aggregated price level of a depth feed.
type Quote struct {
	Price       decimal.Decimal `json:"price"`
	Volume      decimal.Decimal `json:"volume"`
	OrdersCount *int            `json:"orders_count,omitempty"`
}

func NewQuote(price, volume decimal.Decimal) Quote {
	return Quote{Price: price, Volume: volume}
}

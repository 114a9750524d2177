package models

import (
	"time"

	"github.com/shopspring/decimal"
)

type MessageKind string

const (
	KindReset           MessageKind = "RESET"
	KindConnect         MessageKind = "CONNECT"
	KindDisconnect      MessageKind = "DISCONNECT"
	KindTime            MessageKind = "TIME"
	KindOrderRegister   MessageKind = "ORDER_REGISTER"
	KindOrderReplace    MessageKind = "ORDER_REPLACE"
	KindOrderCancel     MessageKind = "ORDER_CANCEL"
	KindOrderStatus     MessageKind = "ORDER_STATUS"
	KindPortfolioLookup MessageKind = "PORTFOLIO_LOOKUP"
	KindSecurityLookup  MessageKind = "SECURITY_LOOKUP"
	KindMarketData      MessageKind = "MARKET_DATA"
	KindLevel1Change    MessageKind = "LEVEL1_CHANGE"
	KindQuoteChange     MessageKind = "QUOTE_CHANGE"
	KindExecution       MessageKind = "EXECUTION"
	KindCandle          MessageKind = "CANDLE"
	KindSecurity        MessageKind = "SECURITY"
	KindBoard           MessageKind = "BOARD"
	KindBoardState      MessageKind = "BOARD_STATE"
	KindCommissionRule  MessageKind = "COMMISSION_RULE"
	KindEmulationState  MessageKind = "EMULATION_STATE"
	KindPortfolio       MessageKind = "PORTFOLIO"
	KindPositionChange  MessageKind = "POSITION_CHANGE"
	KindError           MessageKind = "ERROR"
)

// Message is the closed set of messages exchanged with the emulator.
// Only types declared in this package implement it.
type Message interface {
	Kind() MessageKind
	Time() time.Time
	message()
}

// Header carries the simulated timestamp shared by every message.
type Header struct {
	ServerTime time.Time `json:"server_time"`
}

func (h Header) Time() time.Time { return h.ServerTime }
func (Header) message()          {}

// SecurityMessage is implemented by messages addressed to a single instrument.
type SecurityMessage interface {
	Message
	Security() SecurityID
}

type ResetMessage struct {
	Header
}

func (*ResetMessage) Kind() MessageKind { return KindReset }

type ConnectMessage struct {
	Header
	Error string `json:"error,omitempty"`
}

func (*ConnectMessage) Kind() MessageKind { return KindConnect }

type DisconnectMessage struct {
	Header
	Error string `json:"error,omitempty"`
}

func (*DisconnectMessage) Kind() MessageKind { return KindDisconnect }

// TimeMessage advances simulated time. The replay scheduler emits it as a heartbeat.
type TimeMessage struct {
	Header
}

func (*TimeMessage) Kind() MessageKind { return KindTime }

type OrderRegisterMessage struct {
	Header
	TransactionID int64           `json:"transaction_id"`
	SecurityID    SecurityID      `json:"security_id"`
	PortfolioName string          `json:"portfolio"`
	Side          Side            `json:"side"`
	Type          OrderType       `json:"type"`
	Price         decimal.Decimal `json:"price"`
	Volume        decimal.Decimal `json:"volume"`
	TimeInForce   TimeInForce     `json:"time_in_force,omitempty"`
	ExpiryDate    *time.Time      `json:"expiry_date,omitempty"`
}

func (*OrderRegisterMessage) Kind() MessageKind      { return KindOrderRegister }
func (m *OrderRegisterMessage) Security() SecurityID { return m.SecurityID }

// OrderReplaceMessage cancels OriginalTransactionID and registers a new order under TransactionID.
// A zero Volume carries over the balance of the replaced order.
type OrderReplaceMessage struct {
	OrderRegisterMessage
	OriginalTransactionID int64 `json:"original_transaction_id"`
}

func (*OrderReplaceMessage) Kind() MessageKind { return KindOrderReplace }

type OrderCancelMessage struct {
	Header
	TransactionID         int64      `json:"transaction_id"`
	OriginalTransactionID int64      `json:"original_transaction_id"`
	SecurityID            SecurityID `json:"security_id"`
	PortfolioName         string     `json:"portfolio"`
}

func (*OrderCancelMessage) Kind() MessageKind      { return KindOrderCancel }
func (m *OrderCancelMessage) Security() SecurityID { return m.SecurityID }

// OrderStatusMessage looks up active orders. Empty filters match everything.
type OrderStatusMessage struct {
	Header
	TransactionID         int64      `json:"transaction_id"`
	OriginalTransactionID int64      `json:"original_transaction_id,omitempty"`
	SecurityID            SecurityID `json:"security_id"`
	PortfolioName         string     `json:"portfolio,omitempty"`
}

func (*OrderStatusMessage) Kind() MessageKind { return KindOrderStatus }

type PortfolioLookupMessage struct {
	Header
	TransactionID int64  `json:"transaction_id"`
	PortfolioName string `json:"portfolio,omitempty"`
}

func (*PortfolioLookupMessage) Kind() MessageKind { return KindPortfolioLookup }

type SecurityLookupMessage struct {
	Header
	TransactionID int64      `json:"transaction_id"`
	SecurityID    SecurityID `json:"security_id"`
}

func (*SecurityLookupMessage) Kind() MessageKind { return KindSecurityLookup }

// MarketDataMessage is a subscription request, and with Error set, its reply.
type MarketDataMessage struct {
	Header
	TransactionID         int64      `json:"transaction_id"`
	OriginalTransactionID int64      `json:"original_transaction_id,omitempty"`
	SecurityID            SecurityID `json:"security_id"`
	DataType              DataType   `json:"data_type"`
	IsSubscribe           bool       `json:"is_subscribe"`
	Error                 string     `json:"error,omitempty"`
}

func (*MarketDataMessage) Kind() MessageKind      { return KindMarketData }
func (m *MarketDataMessage) Security() SecurityID { return m.SecurityID }

type Level1ChangeMessage struct {
	Header
	SecurityID SecurityID                      `json:"security_id"`
	Changes    map[Level1Field]decimal.Decimal `json:"changes"`
	State      SessionState                    `json:"state,omitempty"`
}

func (*Level1ChangeMessage) Kind() MessageKind      { return KindLevel1Change }
func (m *Level1ChangeMessage) Security() SecurityID { return m.SecurityID }

func (m *Level1ChangeMessage) Get(field Level1Field) (decimal.Decimal, bool) {
	v, ok := m.Changes[field]
	return v, ok
}

// QuoteChangeMessage carries depth. Bids are best (highest) first, asks best (lowest) first.
type QuoteChangeMessage struct {
	Header
	SecurityID SecurityID       `json:"security_id"`
	Bids       []Quote          `json:"bids"`
	Asks       []Quote          `json:"asks"`
	State      QuoteChangeState `json:"state,omitempty"`
}

func (*QuoteChangeMessage) Kind() MessageKind      { return KindQuoteChange }
func (m *QuoteChangeMessage) Security() SecurityID { return m.SecurityID }

func (m *QuoteChangeMessage) IsIncremental() bool {
	return m.State != QuoteSnapshot
}

// ExecutionMessage is an order ack/fill (DataTransactions) or a market trade/order log item.
type ExecutionMessage struct {
	Header
	SecurityID            SecurityID      `json:"security_id"`
	DataType              DataType        `json:"data_type"`
	TransactionID         int64           `json:"transaction_id,omitempty"`
	OriginalTransactionID int64           `json:"original_transaction_id,omitempty"`
	PortfolioName         string          `json:"portfolio,omitempty"`
	OrderID               int64           `json:"order_id,omitempty"`
	Side                  Side            `json:"side,omitempty"`
	OrderType             OrderType       `json:"order_type,omitempty"`
	OrderPrice            decimal.Decimal `json:"order_price"`
	OrderVolume           decimal.Decimal `json:"order_volume"`
	Balance               decimal.Decimal `json:"balance"`
	OrderState            OrderState      `json:"order_state,omitempty"`
	TimeInForce           TimeInForce     `json:"time_in_force,omitempty"`
	TradeID               int64           `json:"trade_id,omitempty"`
	TradePrice            decimal.Decimal `json:"trade_price"`
	TradeVolume           decimal.Decimal `json:"trade_volume"`
	OriginSide            Side            `json:"origin_side,omitempty"`
	Commission            decimal.Decimal `json:"commission"`
	HasOrderInfo          bool            `json:"has_order_info"`
	HasTradeInfo          bool            `json:"has_trade_info"`
	Err                   error           `json:"-"`
	ErrorText             string          `json:"error,omitempty"`
}

func (*ExecutionMessage) Kind() MessageKind      { return KindExecution }
func (m *ExecutionMessage) Security() SecurityID { return m.SecurityID }

func (m *ExecutionMessage) IsMarketData() bool {
	return m.DataType != DataTransactions
}

// SetError marks the reply as failed with err.
func (m *ExecutionMessage) SetError(err error) {
	m.Err = err
	if err != nil {
		m.ErrorText = err.Error()
	}
}

type CandleMessage struct {
	Header
	SecurityID  SecurityID      `json:"security_id"`
	TimeFrame   time.Duration   `json:"time_frame"`
	OpenTime    time.Time       `json:"open_time"`
	CloseTime   time.Time       `json:"close_time"`
	OpenPrice   decimal.Decimal `json:"open"`
	HighPrice   decimal.Decimal `json:"high"`
	LowPrice    decimal.Decimal `json:"low"`
	ClosePrice  decimal.Decimal `json:"close"`
	TotalVolume decimal.Decimal `json:"total_volume"`
}

func (*CandleMessage) Kind() MessageKind      { return KindCandle }
func (m *CandleMessage) Security() SecurityID { return m.SecurityID }

// SecurityInfoMessage carries instrument metadata. Zero decimals mean "not supplied".
type SecurityInfoMessage struct {
	Header
	SecurityID            SecurityID      `json:"security_id"`
	OriginalTransactionID int64           `json:"original_transaction_id,omitempty"`
	PriceStep             decimal.Decimal `json:"price_step"`
	VolumeStep            decimal.Decimal `json:"volume_step"`
	MinVolume             decimal.Decimal `json:"min_volume"`
	MaxVolume             decimal.Decimal `json:"max_volume"`
	MarginBuy             decimal.Decimal `json:"margin_buy"`
	MarginSell            decimal.Decimal `json:"margin_sell"`
	Shortable             *bool           `json:"shortable,omitempty"`
	Halted                bool            `json:"halted"`
}

func (*SecurityInfoMessage) Kind() MessageKind      { return KindSecurity }
func (m *SecurityInfoMessage) Security() SecurityID { return m.SecurityID }

type BoardMessage struct {
	Header
	Board Board `json:"board"`
}

func (*BoardMessage) Kind() MessageKind { return KindBoard }

type BoardStateMessage struct {
	Header
	BoardCode string       `json:"board_code"`
	State     SessionState `json:"state"`
}

func (*BoardStateMessage) Kind() MessageKind { return KindBoardState }

type CommissionKind string

const (
	CommissionPerOrder        CommissionKind = "PER_ORDER"
	CommissionPerTrade        CommissionKind = "PER_TRADE"
	CommissionPerVolume       CommissionKind = "PER_VOLUME"
	CommissionTurnoverPercent CommissionKind = "TURNOVER_PERCENT"
)

// CommissionRule charges Value per order, per trade, per unit of volume or as a
// percentage of turnover. Empty filters apply to everything.
type CommissionRule struct {
	Kind      CommissionKind  `json:"kind" yaml:"kind"`
	Value     decimal.Decimal `json:"value" yaml:"value"`
	Security  SecurityID      `json:"security" yaml:"security"`
	Portfolio string          `json:"portfolio,omitempty" yaml:"portfolio"`
}

type CommissionRuleMessage struct {
	Header
	Rule CommissionRule `json:"rule"`
}

func (*CommissionRuleMessage) Kind() MessageKind { return KindCommissionRule }

type EmulationStateMessage struct {
	Header
	State     EmulationState `json:"state"`
	StartDate time.Time      `json:"start_date,omitempty"`
	StopDate  time.Time      `json:"stop_date,omitempty"`
	Error     string         `json:"error,omitempty"`
}

func (*EmulationStateMessage) Kind() MessageKind { return KindEmulationState }

type PortfolioMessage struct {
	Header
	Name       string          `json:"name"`
	BeginMoney decimal.Decimal `json:"begin_money"`
}

func (*PortfolioMessage) Kind() MessageKind { return KindPortfolio }

// PositionChangeMessage reports position or money state. A zero SecurityID means the money position.
type PositionChangeMessage struct {
	Header
	PortfolioName         string                            `json:"portfolio"`
	SecurityID            SecurityID                        `json:"security_id"`
	OriginalTransactionID int64                             `json:"original_transaction_id,omitempty"`
	Changes               map[PositionField]decimal.Decimal `json:"changes"`
}

func (*PositionChangeMessage) Kind() MessageKind { return KindPositionChange }

func (m *PositionChangeMessage) IsMoney() bool {
	return m.SecurityID.IsZero()
}

func (m *PositionChangeMessage) Add(field PositionField, value decimal.Decimal) *PositionChangeMessage {
	if m.Changes == nil {
		m.Changes = make(map[PositionField]decimal.Decimal)
	}
	m.Changes[field] = value
	return m
}

type ErrorMessage struct {
	Header
	OriginalTransactionID int64  `json:"original_transaction_id,omitempty"`
	Error                 string `json:"error"`
}

func (*ErrorMessage) Kind() MessageKind { return KindError }

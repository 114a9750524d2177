package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// HTTP request and response bodies of the paper-trading gateway.
// Securities are written as CODE@BOARD.

type SubmitOrderRequest struct {
	Security    string          `json:"security"`
	Portfolio   string          `json:"portfolio"`
	Side        string          `json:"side"`
	Type        string          `json:"type"`
	Price       decimal.Decimal `json:"price"` // required for LIMIT, ignored for MARKET
	Volume      decimal.Decimal `json:"volume"`
	TimeInForce string          `json:"time_in_force,omitempty"`
	ExpiryDate  *time.Time      `json:"expiry_date,omitempty"`
}

// ReplaceOrderRequest moves a resting order. Zero fields keep the old values.
type ReplaceOrderRequest struct {
	Price       decimal.Decimal `json:"price"`
	Volume      decimal.Decimal `json:"volume"`
	TimeInForce string          `json:"time_in_force,omitempty"`
}

type OrderResponse struct {
	TransactionID         int64           `json:"transaction_id"`
	ReplacedTransactionID int64           `json:"replaced_transaction_id,omitempty"`
	OrderID               int64           `json:"order_id,omitempty"`
	Security              string          `json:"security"`
	Portfolio             string          `json:"portfolio"`
	Side                  string          `json:"side"`
	Type                  string          `json:"type"`
	Price                 decimal.Decimal `json:"price"`
	Volume                decimal.Decimal `json:"volume"`
	Balance               decimal.Decimal `json:"balance"`
	Status                string          `json:"status"`
	Reason                string          `json:"reason,omitempty"`
	Message               string          `json:"message,omitempty"`
	Commission            decimal.Decimal `json:"commission"`
	Trades                []TradeInfo     `json:"trades,omitempty"`
}

// FilledVolume is the traded part of the order.
func (r *OrderResponse) FilledVolume() decimal.Decimal {
	return r.Volume.Sub(r.Balance)
}

type TradeInfo struct {
	TradeID    int64           `json:"trade_id"`
	Price      decimal.Decimal `json:"price"`
	Volume     decimal.Decimal `json:"volume"`
	Commission decimal.Decimal `json:"commission"`
	Timestamp  int64           `json:"timestamp"` // simulated time, unix milliseconds
}

type CancelOrderResponse struct {
	TransactionID int64  `json:"transaction_id"`
	Status        string `json:"status"`
}

type ErrorResponse struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

type OrderBookResponse struct {
	Security  string           `json:"security"`
	Timestamp int64            `json:"timestamp"` // simulated time, unix milliseconds
	Bids      []PriceLevelInfo `json:"bids"`      // sorted descending (highest first)
	Asks      []PriceLevelInfo `json:"asks"`      // sorted ascending (lowest first)
}

type PriceLevelInfo struct {
	Price  decimal.Decimal `json:"price"`
	Volume decimal.Decimal `json:"volume"`
}

type PortfolioResponse struct {
	Name       string                            `json:"name"`
	BeginMoney decimal.Decimal                   `json:"begin_money"`
	Money      map[PositionField]decimal.Decimal `json:"money"`
	Positions  []PositionInfo                    `json:"positions"`
}

type PositionInfo struct {
	Security string                            `json:"security"`
	Values   map[PositionField]decimal.Decimal `json:"values"`
}

// TickRequest feeds one market trade. A zero Time uses the wall clock.
type TickRequest struct {
	Security string          `json:"security"`
	Price    decimal.Decimal `json:"price"`
	Volume   decimal.Decimal `json:"volume"`
	Side     string          `json:"side,omitempty"`
	Time     time.Time       `json:"time"`
}

// QuotesRequest feeds one depth snapshot.
type QuotesRequest struct {
	Security string           `json:"security"`
	Bids     []PriceLevelInfo `json:"bids"`
	Asks     []PriceLevelInfo `json:"asks"`
	Time     time.Time        `json:"time"`
}

type MarketDataResponse struct {
	Security string `json:"security"`
	Produced int    `json:"produced"`
	Fills    int    `json:"fills"`
}

type EmulationResponse struct {
	State string `json:"state"`
	RunID string `json:"run_id,omitempty"`
}

type ConnectionResponse struct {
	Connected bool `json:"connected"`
}

type HealthResponse struct {
	Status         string `json:"status"`
	UptimeSeconds  int64  `json:"uptime_seconds"`
	Connected      bool   `json:"connected"`
	Securities     int    `json:"securities"`
	EmulationState string `json:"emulation_state,omitempty"`
}

type StatsResponse struct {
	OrdersReceived         int64   `json:"orders_received"`
	OrdersRejected         int64   `json:"orders_rejected"`
	OrdersCancelled        int64   `json:"orders_cancelled"`
	OrdersActive           int64   `json:"orders_active"`
	TradesExecuted         int64   `json:"trades_executed"`
	LatencyP50Ms           float64 `json:"latency_p50_ms"`
	LatencyP99Ms           float64 `json:"latency_p99_ms"`
	LatencyP999Ms          float64 `json:"latency_p999_ms"`
	ThroughputOrdersPerSec float64 `json:"throughput_orders_per_sec"`
}

package models

import "errors"

// RejectReason classifies a business rejection carried on a failed reply.
type RejectReason string

const (
	ReasonNone              RejectReason = ""
	ReasonInvalidPrice      RejectReason = "INVALID_PRICE"
	ReasonInvalidVolume     RejectReason = "INVALID_VOLUME"
	ReasonInvalidSide       RejectReason = "INVALID_SIDE"
	ReasonPriceOutOfLimits  RejectReason = "PRICE_OUT_OF_LIMITS"
	ReasonInsufficientFunds RejectReason = "INSUFFICIENT_FUNDS"
	ReasonShortSale         RejectReason = "SHORT_SALE_NOT_ALLOWED"
	ReasonTradingHalted     RejectReason = "TRADING_HALTED"
	ReasonOrderNotFound     RejectReason = "ORDER_NOT_FOUND"
	ReasonDuplicate         RejectReason = "DUPLICATE_TRANSACTION"
	ReasonFillOrKill        RejectReason = "FILL_OR_KILL_UNFILLED"
	ReasonSyntheticFailure  RejectReason = "SYNTHETIC_FAILURE"
	ReasonNotConnected      RejectReason = "NOT_CONNECTED"
	ReasonNoPortfolio       RejectReason = "PORTFOLIO_REQUIRED"
	ReasonInternal          RejectReason = "INTERNAL"
)

// RejectError is a business rejection. It is returned as a value and never panics.
type RejectError struct {
	Reason  RejectReason
	Message string
}

func (e *RejectError) Error() string {
	return e.Message
}

var (
	ErrInvalidPrice         = &RejectError{Reason: ReasonInvalidPrice, Message: "invalid price"}
	ErrInvalidVolume        = &RejectError{Reason: ReasonInvalidVolume, Message: "invalid volume"}
	ErrInvalidSide          = &RejectError{Reason: ReasonInvalidSide, Message: "invalid side"}
	ErrPriceOutOfLimits     = &RejectError{Reason: ReasonPriceOutOfLimits, Message: "price out of limits"}
	ErrInsufficientFunds    = &RejectError{Reason: ReasonInsufficientFunds, Message: "insufficient funds"}
	ErrShortSaleNotAllowed  = &RejectError{Reason: ReasonShortSale, Message: "short sale not allowed"}
	ErrTradingHalted        = &RejectError{Reason: ReasonTradingHalted, Message: "trading halted"}
	ErrOrderNotFound        = &RejectError{Reason: ReasonOrderNotFound, Message: "order not found"}
	ErrDuplicateTransaction = &RejectError{Reason: ReasonDuplicate, Message: "duplicate transaction id"}
	ErrFillOrKillUnfilled   = &RejectError{Reason: ReasonFillOrKill, Message: "match-or-cancel order cannot be fully filled"}
	ErrSyntheticFailure     = &RejectError{Reason: ReasonSyntheticFailure, Message: "synthetic failure"}
	ErrNotConnected         = &RejectError{Reason: ReasonNotConnected, Message: "emulator is not connected"}
	ErrPortfolioRequired    = &RejectError{Reason: ReasonNoPortfolio, Message: "portfolio is required"}
)

// ReasonOf returns the rejection reason wrapped in err, or ReasonInternal for foreign errors.
func ReasonOf(err error) RejectReason {
	if err == nil {
		return ReasonNone
	}
	var rej *RejectError
	if errors.As(err, &rej) {
		return rej.Reason
	}
	return ReasonInternal
}

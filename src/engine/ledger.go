package engine

import (
	"github.com/shopspring/decimal"

	"market-emulator/src/models"
)

// RegistrationCheck is what the ledger needs to know about an incoming order.
type RegistrationCheck struct {
	Order      *models.OrderRegisterMessage
	Price      decimal.Decimal // limit price, or the best known market price for market orders
	MarginBuy  decimal.Decimal
	MarginSell decimal.Decimal
	Shortable  bool
}

// Ledger is the portfolio bookkeeping a core reports to. Calls happen while the
// core holds its own lock, so implementations must not call back into the core.
type Ledger interface {
	CheckRegistration(check RegistrationCheck) error
	// OrderAccepted blocks margin at check.Price and returns the commission
	// charged for the order itself.
	OrderAccepted(check RegistrationCheck) decimal.Decimal
	OrderCancelled(portfolio string, security models.SecurityID, side models.Side, balance decimal.Decimal)
	// Trade books a fill and returns its commission and the resulting position messages.
	Trade(fill *models.ExecutionMessage) (decimal.Decimal, []models.Message)
	MarkPrice(security models.SecurityID, price decimal.Decimal)
}

type nopLedger struct{}

func (nopLedger) CheckRegistration(RegistrationCheck) error { return nil }

func (nopLedger) OrderAccepted(RegistrationCheck) decimal.Decimal { return decimal.Zero }

func (nopLedger) OrderCancelled(string, models.SecurityID, models.Side, decimal.Decimal) {}

func (nopLedger) Trade(*models.ExecutionMessage) (decimal.Decimal, []models.Message) {
	return decimal.Zero, nil
}

func (nopLedger) MarkPrice(models.SecurityID, decimal.Decimal) {}

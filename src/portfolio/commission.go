package portfolio

import (
	"sync"

	"github.com/shopspring/decimal"

	"market-emulator/src/models"
)

var hundred = decimal.NewFromInt(100)

// CommissionPolicy prices orders and trades.
type CommissionPolicy interface {
	OnOrder(order *models.OrderRegisterMessage) decimal.Decimal
	OnTrade(fill *models.ExecutionMessage) decimal.Decimal
}

// RuleSet is the default CommissionPolicy. Rules arrive as CommissionRule
// messages and every matching rule is charged.
type RuleSet struct {
	mu    sync.RWMutex
	rules []models.CommissionRule
}

func NewRuleSet(rules ...models.CommissionRule) *RuleSet {
	return &RuleSet{rules: rules}
}

func (rs *RuleSet) Add(rule models.CommissionRule) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.rules = append(rs.rules, rule)
}

func (rs *RuleSet) Reset() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.rules = nil
}

func (rs *RuleSet) Rules() []models.CommissionRule {
	rs.mu.RLock()
	defer rs.mu.RUnlock()
	out := make([]models.CommissionRule, len(rs.rules))
	copy(out, rs.rules)
	return out
}

func (rs *RuleSet) OnOrder(order *models.OrderRegisterMessage) decimal.Decimal {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	total := decimal.Zero
	for _, r := range rs.rules {
		if r.Kind == models.CommissionPerOrder && applies(r, order.SecurityID, order.PortfolioName) {
			total = total.Add(r.Value)
		}
	}
	return total
}

func (rs *RuleSet) OnTrade(fill *models.ExecutionMessage) decimal.Decimal {
	rs.mu.RLock()
	defer rs.mu.RUnlock()

	total := decimal.Zero
	for _, r := range rs.rules {
		if !applies(r, fill.SecurityID, fill.PortfolioName) {
			continue
		}
		switch r.Kind {
		case models.CommissionPerTrade:
			total = total.Add(r.Value)
		case models.CommissionPerVolume:
			total = total.Add(r.Value.Mul(fill.TradeVolume))
		case models.CommissionTurnoverPercent:
			total = total.Add(fill.TradePrice.Mul(fill.TradeVolume).Mul(r.Value).Div(hundred))
		}
	}
	return total
}

// applies matches the rule filters. An empty code or board matches any.
func applies(r models.CommissionRule, security models.SecurityID, portfolio string) bool {
	if r.Security.Code != "" && r.Security.Code != security.Code {
		return false
	}
	if r.Security.Board != "" && r.Security.Board != security.Board {
		return false
	}
	return r.Portfolio == "" || r.Portfolio == portfolio
}

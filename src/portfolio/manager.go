package portfolio

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"market-emulator/src/engine"
	"market-emulator/src/models"
)

// Settings are the ledger knobs. They are fixed for the lifetime of a Manager.
type Settings struct {
	CheckMoney          bool
	CheckShortable      bool
	DefaultMoney        decimal.Decimal
	RecalculateInterval time.Duration
}

// Portfolio is the money state of one account plus its positions.
type Portfolio struct {
	Name          string
	BeginMoney    decimal.Decimal
	RealizedPnL   decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Commission    decimal.Decimal
	BlockedMoney  decimal.Decimal

	mu        sync.Mutex
	positions map[models.SecurityID]*Position
}

func (p *Portfolio) CurrentMoney() decimal.Decimal {
	return p.BeginMoney.Add(p.RealizedPnL).Add(p.UnrealizedPnL).Sub(p.Commission)
}

func (p *Portfolio) position(security models.SecurityID) *Position {
	pos, ok := p.positions[security]
	if !ok {
		pos = &Position{Security: security}
		p.positions[security] = pos
	}
	return pos
}

// Manager is the ledger shared by every matching core. Portfolios are created
// on first reference and each one is guarded by its own mutex.
type Manager struct {
	settings   Settings
	commission CommissionPolicy
	pnl        PnLPolicy

	mu         sync.RWMutex
	portfolios map[string]*Portfolio

	marketMu sync.RWMutex
	prices   map[models.SecurityID]decimal.Decimal
	margins  map[models.SecurityID]rates
	last     time.Time
}

var _ engine.Ledger = (*Manager)(nil)

type Option func(*Manager)

func WithCommission(c CommissionPolicy) Option {
	return func(m *Manager) {
		if c != nil {
			m.commission = c
		}
	}
}

func WithPnL(p PnLPolicy) Option {
	return func(m *Manager) {
		if p != nil {
			m.pnl = p
		}
	}
}

func NewManager(settings Settings, opts ...Option) *Manager {
	m := &Manager{
		settings:   settings,
		commission: NewRuleSet(),
		pnl:        AveragePricePnL{},
		portfolios: make(map[string]*Portfolio),
		prices:     make(map[models.SecurityID]decimal.Decimal),
		margins:    make(map[models.SecurityID]rates),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Portfolio returns the named portfolio, creating it with the default money.
func (m *Manager) Portfolio(name string) *Portfolio {
	m.mu.RLock()
	p, ok := m.portfolios[name]
	m.mu.RUnlock()
	if ok {
		return p
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if p, ok := m.portfolios[name]; ok {
		return p
	}
	p = &Portfolio{
		Name:       name,
		BeginMoney: m.settings.DefaultMoney,
		positions:  make(map[models.SecurityID]*Position),
	}
	m.portfolios[name] = p
	log.Debug().Str("portfolio", name).Str("money", p.BeginMoney.String()).Msg("portfolio created")
	return p
}

func (m *Manager) names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Sorted(maps.Keys(m.portfolios))
}

func (m *Manager) CheckRegistration(check engine.RegistrationCheck) error {
	order := check.Order
	security := order.SecurityID

	m.marketMu.Lock()
	r := rates{buy: check.MarginBuy, sell: check.MarginSell}
	m.margins[security] = r
	m.marketMu.Unlock()

	if !m.settings.CheckMoney && !m.settings.CheckShortable {
		return nil
	}

	p := m.Portfolio(order.PortfolioName)
	p.mu.Lock()
	defer p.mu.Unlock()

	if m.settings.CheckShortable && order.Side == models.SideSell && !check.Shortable {
		pos := p.positions[security]
		available := decimal.Zero
		if pos != nil {
			available = pos.CurrentValue().Sub(pos.SellOrdersVolume)
		}
		if available.LessThan(order.Volume) {
			return fmt.Errorf("%w: %s holds %s, sell %s", models.ErrShortSaleNotAllowed, security, available, order.Volume)
		}
	}

	if m.settings.CheckMoney {
		required := m.blockedLocked(p).Add(order.Volume.Mul(r.unit(order.Side, check.Price)))
		if money := p.CurrentMoney(); required.GreaterThan(money) {
			return fmt.Errorf("%w: requires %s, has %s", models.ErrInsufficientFunds, required, money)
		}
	}
	return nil
}

// OrderAccepted blocks the order's margin at the price it was checked against.
func (m *Manager) OrderAccepted(check engine.RegistrationCheck) decimal.Decimal {
	order := check.Order
	commission := m.commission.OnOrder(order)
	price := check.Price

	p := m.Portfolio(order.PortfolioName)
	p.mu.Lock()
	defer p.mu.Unlock()

	pos := p.position(order.SecurityID)
	pos.addOrders(order.Side, order.Volume, order.Volume.Mul(m.rates(order.SecurityID).unit(order.Side, price)))
	pos.Commission = pos.Commission.Add(commission)
	p.Commission = p.Commission.Add(commission)
	p.BlockedMoney = m.blockedLocked(p)
	return commission
}

func (m *Manager) OrderCancelled(portfolio string, security models.SecurityID, side models.Side, balance decimal.Decimal) {
	p := m.Portfolio(portfolio)
	p.mu.Lock()
	defer p.mu.Unlock()

	p.position(security).releaseOrders(side, balance)
	p.BlockedMoney = m.blockedLocked(p)
}

// Trade books a fill of an owned order and returns its commission together with
// the position and money snapshots it produced.
func (m *Manager) Trade(fill *models.ExecutionMessage) (decimal.Decimal, []models.Message) {
	if !fill.TradeVolume.IsPositive() {
		return decimal.Zero, nil
	}
	commission := m.commission.OnTrade(fill)
	mark := m.price(fill.SecurityID)
	if !mark.IsPositive() {
		mark = fill.TradePrice
	}

	p := m.Portfolio(fill.PortfolioName)
	p.mu.Lock()
	defer p.mu.Unlock()

	pos := p.position(fill.SecurityID)
	pos.releaseOrders(fill.Side, fill.TradeVolume)
	realized := m.pnl.ProcessTrade(pos, fill.Side, fill.TradePrice, fill.TradeVolume)
	pos.RealizedPnL = pos.RealizedPnL.Add(realized)
	pos.Commission = pos.Commission.Add(commission)
	pos.UnrealizedPnL = m.pnl.Unrealized(pos, mark)

	p.RealizedPnL = p.RealizedPnL.Add(realized)
	p.Commission = p.Commission.Add(commission)
	m.refreshLocked(p)

	log.Debug().
		Str("portfolio", p.Name).
		Str("security", fill.SecurityID.String()).
		Str("position", pos.CurrentValue().String()).
		Str("realized_pnl", realized.String()).
		Msg("trade booked")

	return commission, []models.Message{
		m.positionMessage(p, pos, fill.ServerTime, fill.OriginalTransactionID),
		m.moneyMessage(p, fill.ServerTime, fill.OriginalTransactionID),
	}
}

func (m *Manager) MarkPrice(security models.SecurityID, price decimal.Decimal) {
	if !price.IsPositive() {
		return
	}
	m.marketMu.Lock()
	m.prices[security] = price
	m.marketMu.Unlock()
}

// Recalculate re-marks every open position once RecalculateInterval of simulated
// time has passed since the previous run and returns consolidated money snapshots.
func (m *Manager) Recalculate(now time.Time) []models.Message {
	interval := m.settings.RecalculateInterval
	if interval <= 0 || now.IsZero() {
		return nil
	}
	m.marketMu.Lock()
	if m.last.IsZero() || now.Before(m.last) {
		m.last = now
		m.marketMu.Unlock()
		return nil
	}
	if now.Sub(m.last) < interval {
		m.marketMu.Unlock()
		return nil
	}
	m.last = now
	m.marketMu.Unlock()

	var out []models.Message
	for _, name := range m.names() {
		p := m.Portfolio(name)
		p.mu.Lock()
		for _, pos := range p.positions {
			pos.UnrealizedPnL = m.pnl.Unrealized(pos, m.markOf(pos))
		}
		m.refreshLocked(p)
		out = append(out, m.moneyMessage(p, now, 0))
		p.mu.Unlock()
	}
	return out
}

// Snapshot reports the money state and positions of one portfolio, or of all of
// them when name is empty.
func (m *Manager) Snapshot(name string, now time.Time, transactionID int64) []models.Message {
	names := []string{name}
	if name == "" {
		names = m.names()
	}
	var out []models.Message
	for _, n := range names {
		p := m.Portfolio(n)
		p.mu.Lock()
		out = append(out, &models.PortfolioMessage{Header: models.Header{ServerTime: now}, Name: p.Name, BeginMoney: p.BeginMoney})
		out = append(out, m.moneyMessage(p, now, transactionID))
		securities := slices.SortedFunc(maps.Keys(p.positions), func(a, b models.SecurityID) int {
			return strings.Compare(a.String(), b.String())
		})
		for _, s := range securities {
			out = append(out, m.positionMessage(p, p.positions[s], now, transactionID))
		}
		p.mu.Unlock()
	}
	return out
}

// SetMoney sets the begin money of a portfolio.
func (m *Manager) SetMoney(name string, money decimal.Decimal) {
	p := m.Portfolio(name)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.BeginMoney = money
}

// SetPosition seeds a position from an inbound position change.
func (m *Manager) SetPosition(msg *models.PositionChangeMessage) {
	if msg.IsMoney() {
		if v, ok := msg.Changes[models.PosBeginValue]; ok {
			m.SetMoney(msg.PortfolioName, v)
		}
		return
	}
	p := m.Portfolio(msg.PortfolioName)
	p.mu.Lock()
	defer p.mu.Unlock()

	pos := p.position(msg.SecurityID)
	if v, ok := msg.Changes[models.PosBeginValue]; ok {
		pos.BeginValue = v
	}
	if v, ok := msg.Changes[models.PosCurrentValue]; ok {
		pos.Diff = v.Sub(pos.BeginValue)
	}
	if v, ok := msg.Changes[models.PosAveragePrice]; ok {
		pos.AveragePrice = v
	}
	m.refreshLocked(p)
}

func (m *Manager) Reset() {
	m.mu.Lock()
	m.portfolios = make(map[string]*Portfolio)
	m.mu.Unlock()

	m.marketMu.Lock()
	m.prices = make(map[models.SecurityID]decimal.Decimal)
	m.margins = make(map[models.SecurityID]rates)
	m.last = time.Time{}
	m.marketMu.Unlock()
}

func (m *Manager) price(security models.SecurityID) decimal.Decimal {
	m.marketMu.RLock()
	defer m.marketMu.RUnlock()
	return m.prices[security]
}

func (m *Manager) rates(security models.SecurityID) rates {
	m.marketMu.RLock()
	defer m.marketMu.RUnlock()
	return m.margins[security]
}

// markOf is the last traded price of the position's instrument, or its entry price.
func (m *Manager) markOf(pos *Position) decimal.Decimal {
	if price := m.price(pos.Security); price.IsPositive() {
		return price
	}
	return pos.AveragePrice
}

func (m *Manager) blockedLocked(p *Portfolio) decimal.Decimal {
	total := decimal.Zero
	for _, pos := range p.positions {
		total = total.Add(pos.blocked(m.markOf(pos), m.rates(pos.Security)))
	}
	return total
}

func (m *Manager) refreshLocked(p *Portfolio) {
	unrealized := decimal.Zero
	for _, pos := range p.positions {
		unrealized = unrealized.Add(pos.UnrealizedPnL)
	}
	p.UnrealizedPnL = unrealized
	p.BlockedMoney = m.blockedLocked(p)
}

func (m *Manager) positionMessage(p *Portfolio, pos *Position, now time.Time, transactionID int64) *models.PositionChangeMessage {
	msg := &models.PositionChangeMessage{
		Header:                models.Header{ServerTime: now},
		PortfolioName:         p.Name,
		SecurityID:            pos.Security,
		OriginalTransactionID: transactionID,
	}
	return msg.
		Add(models.PosBeginValue, pos.BeginValue).
		Add(models.PosCurrentValue, pos.CurrentValue()).
		Add(models.PosAveragePrice, pos.AveragePrice).
		Add(models.PosRealizedPnL, pos.RealizedPnL).
		Add(models.PosUnrealizedPnL, pos.UnrealizedPnL).
		Add(models.PosCommission, pos.Commission).
		Add(models.PosCurrentPrice, m.markOf(pos)).
		Add(models.PosBlockedValue, pos.blocked(m.markOf(pos), m.rates(pos.Security))).
		Add(models.PosBuyOrdersVolume, pos.BuyOrdersVolume).
		Add(models.PosSellOrdersVolume, pos.SellOrdersVolume)
}

func (m *Manager) moneyMessage(p *Portfolio, now time.Time, transactionID int64) *models.PositionChangeMessage {
	msg := &models.PositionChangeMessage{
		Header:                models.Header{ServerTime: now},
		PortfolioName:         p.Name,
		OriginalTransactionID: transactionID,
	}
	return msg.
		Add(models.PosBeginValue, p.BeginMoney).
		Add(models.PosCurrentValue, p.CurrentMoney()).
		Add(models.PosRealizedPnL, p.RealizedPnL).
		Add(models.PosUnrealizedPnL, p.UnrealizedPnL).
		Add(models.PosCommission, p.Commission).
		Add(models.PosBlockedValue, p.BlockedMoney)
}

package engine

import (
	"fmt"

	"github.com/shopspring/decimal"

	"market-emulator/src/models"
)

// InstrumentState is the metadata a core knows about its instrument. Steps are
// inferred from observed prices and volumes until supplied explicitly.
type InstrumentState struct {
	PriceStep      decimal.Decimal
	VolumeStep     decimal.Decimal
	MinVolume      decimal.Decimal
	MaxVolume      decimal.Decimal
	MarginBuy      decimal.Decimal
	MarginSell     decimal.Decimal
	MinPrice       decimal.Decimal
	MaxPrice       decimal.Decimal
	Shortable      bool
	Halted         bool
	Session        models.SessionState
	LastTradePrice decimal.Decimal

	explicitPriceStep  bool
	explicitVolumeStep bool
}

func newInstrumentState() InstrumentState {
	return InstrumentState{Shortable: true}
}

// stepOf returns one unit of the last decimal place of v.
func stepOf(v decimal.Decimal) decimal.Decimal {
	if exp := v.Exponent(); exp < 0 {
		return decimal.New(1, exp)
	}
	return decimal.New(1, 0)
}

func (s *InstrumentState) observePrice(p decimal.Decimal) {
	if s.explicitPriceStep || !p.IsPositive() {
		return
	}
	if step := stepOf(p); s.PriceStep.IsZero() || step.LessThan(s.PriceStep) {
		s.PriceStep = step
	}
}

func (s *InstrumentState) observeVolume(v decimal.Decimal) {
	if s.explicitVolumeStep || !v.IsPositive() {
		return
	}
	if step := stepOf(v); s.VolumeStep.IsZero() || step.LessThan(s.VolumeStep) {
		s.VolumeStep = step
	}
}

func (s *InstrumentState) observeQuotes(quotes []models.Quote) {
	for _, q := range quotes {
		s.observePrice(q.Price)
		s.observeVolume(q.Volume)
	}
}

func (s *InstrumentState) setPriceStep(step decimal.Decimal) {
	if step.IsPositive() {
		s.PriceStep = step
		s.explicitPriceStep = true
	}
}

func (s *InstrumentState) setVolumeStep(step decimal.Decimal) {
	if step.IsPositive() {
		s.VolumeStep = step
		s.explicitVolumeStep = true
	}
}

func (s *InstrumentState) applySecurity(m *models.SecurityInfoMessage) {
	s.setPriceStep(m.PriceStep)
	s.setVolumeStep(m.VolumeStep)
	if m.MinVolume.IsPositive() {
		s.MinVolume = m.MinVolume
	}
	if m.MaxVolume.IsPositive() {
		s.MaxVolume = m.MaxVolume
	}
	if m.MarginBuy.IsPositive() {
		s.MarginBuy = m.MarginBuy
	}
	if m.MarginSell.IsPositive() {
		s.MarginSell = m.MarginSell
	}
	if m.Shortable != nil {
		s.Shortable = *m.Shortable
	}
	s.Halted = m.Halted
}

func (s *InstrumentState) applyLevel1(m *models.Level1ChangeMessage) {
	if v, ok := m.Get(models.L1PriceStep); ok {
		s.setPriceStep(v)
	}
	if v, ok := m.Get(models.L1VolumeStep); ok {
		s.setVolumeStep(v)
	}
	if v, ok := m.Get(models.L1MinPrice); ok {
		s.MinPrice = v
	}
	if v, ok := m.Get(models.L1MaxPrice); ok {
		s.MaxPrice = v
	}
	if v, ok := m.Get(models.L1MarginBuy); ok {
		s.MarginBuy = v
	}
	if v, ok := m.Get(models.L1MarginSell); ok {
		s.MarginSell = v
	}
	if m.State != "" {
		s.Session = m.State
	}
}

// tick returns the price step used for synthetic levels, falling back to the last decimal place of price.
func (s *InstrumentState) tick(price decimal.Decimal) decimal.Decimal {
	if s.PriceStep.IsPositive() {
		return s.PriceStep
	}
	return stepOf(price)
}

func (s *InstrumentState) tradingAllowed() bool {
	return !s.Halted && s.Session.AllowsTrading()
}

// validate checks an order against explicit steps, volume limits and the price band.
// Inferred steps are advisory and never reject an order.
func (s *InstrumentState) validate(m *models.OrderRegisterMessage) error {
	if !m.Side.Valid() {
		return fmt.Errorf("%w: %q", models.ErrInvalidSide, m.Side)
	}
	if !m.Volume.IsPositive() {
		return fmt.Errorf("%w: volume %s must be positive", models.ErrInvalidVolume, m.Volume)
	}
	if s.explicitVolumeStep && !m.Volume.Mod(s.VolumeStep).IsZero() {
		return fmt.Errorf("%w: volume %s is not a multiple of %s", models.ErrInvalidVolume, m.Volume, s.VolumeStep)
	}
	if s.MinVolume.IsPositive() && m.Volume.LessThan(s.MinVolume) {
		return fmt.Errorf("%w: volume %s below minimum %s", models.ErrInvalidVolume, m.Volume, s.MinVolume)
	}
	if s.MaxVolume.IsPositive() && m.Volume.GreaterThan(s.MaxVolume) {
		return fmt.Errorf("%w: volume %s above maximum %s", models.ErrInvalidVolume, m.Volume, s.MaxVolume)
	}
	if m.Type == models.TypeMarket {
		return nil
	}
	if !m.Price.IsPositive() {
		return fmt.Errorf("%w: price %s must be positive", models.ErrInvalidPrice, m.Price)
	}
	if s.explicitPriceStep && !m.Price.Mod(s.PriceStep).IsZero() {
		return fmt.Errorf("%w: price %s is not a multiple of %s", models.ErrInvalidPrice, m.Price, s.PriceStep)
	}
	if s.MinPrice.IsPositive() && m.Price.LessThan(s.MinPrice) {
		return fmt.Errorf("%w: price %s below %s", models.ErrPriceOutOfLimits, m.Price, s.MinPrice)
	}
	if s.MaxPrice.IsPositive() && m.Price.GreaterThan(s.MaxPrice) {
		return fmt.Errorf("%w: price %s above %s", models.ErrPriceOutOfLimits, m.Price, s.MaxPrice)
	}
	return nil
}

func (s *InstrumentState) info(security models.SecurityID) *models.SecurityInfoMessage {
	shortable := s.Shortable
	return &models.SecurityInfoMessage{
		SecurityID: security,
		PriceStep:  s.PriceStep,
		VolumeStep: s.VolumeStep,
		MinVolume:  s.MinVolume,
		MaxVolume:  s.MaxVolume,
		MarginBuy:  s.MarginBuy,
		MarginSell: s.MarginSell,
		Shortable:  &shortable,
		Halted:     s.Halted,
	}
}

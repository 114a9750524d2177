package engine

import (
	"fmt"
	"slices"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"market-emulator/src/models"
)

func newOrder(m *models.OrderRegisterMessage) restingOrder {
	tif := m.TimeInForce
	if tif == "" {
		tif = models.PutInQueue
	}
	typ := m.Type
	if typ == "" {
		typ = models.TypeLimit
	}
	return restingOrder{
		transactionID: m.TransactionID,
		portfolio:     m.PortfolioName,
		side:          m.Side,
		orderType:     typ,
		price:         m.Price,
		volume:        m.Volume,
		balance:       m.Volume,
		timeInForce:   tif,
		expiry:        m.ExpiryDate,
	}
}

// rests reports whether an unmatched remainder of the order stays in the book.
func (o *restingOrder) rests() bool {
	return o.orderType == models.TypeLimit && o.timeInForce == models.PutInQueue
}

func (e *SecurityEmulator) transact(msg models.Message) {
	if e.injectFailure(msg) {
		return
	}
	switch m := msg.(type) {
	case *models.OrderRegisterMessage:
		e.register(m)
	case *models.OrderReplaceMessage:
		e.replace(m)
	case *models.OrderCancelMessage:
		e.cancel(m)
	}
}

func (e *SecurityEmulator) injectFailure(msg models.Message) bool {
	if e.settings.FailingPercent <= 0 || e.rng.Float64()*100 >= e.settings.FailingPercent {
		return false
	}
	err := fmt.Errorf("%w: injected by emulator", models.ErrSyntheticFailure)
	switch m := msg.(type) {
	case *models.OrderRegisterMessage:
		e.rejectRegister(m, err)
	case *models.OrderReplaceMessage:
		e.rejectCancel(m.TransactionID, m.PortfolioName, err)
		e.rejectRegister(&m.OrderRegisterMessage, err)
	case *models.OrderCancelMessage:
		e.rejectCancel(m.TransactionID, m.PortfolioName, err)
	}
	return true
}

func (e *SecurityEmulator) orderMessage(o *restingOrder, state models.OrderState) *models.ExecutionMessage {
	return &models.ExecutionMessage{
		Header:                e.header(),
		SecurityID:            e.security,
		DataType:              models.DataTransactions,
		OriginalTransactionID: o.transactionID,
		PortfolioName:         o.portfolio,
		OrderID:               o.orderID,
		Side:                  o.side,
		OrderType:             o.orderType,
		OrderPrice:            o.price,
		OrderVolume:           o.volume,
		Balance:               o.balance,
		OrderState:            state,
		TimeInForce:           o.timeInForce,
		HasOrderInfo:          true,
	}
}

func (e *SecurityEmulator) rejectRegister(m *models.OrderRegisterMessage, err error) {
	o := newOrder(m)
	reply := e.orderMessage(&o, models.OrderFailed)
	reply.SetError(err)
	e.emit(reply)

	log.Debug().
		Str("security", e.security.String()).
		Int64("transaction_id", m.TransactionID).
		Str("portfolio", m.PortfolioName).
		Err(err).
		Msg("order rejected")
}

func (e *SecurityEmulator) rejectCancel(transactionID int64, portfolio string, err error) {
	reply := &models.ExecutionMessage{
		Header:                e.header(),
		SecurityID:            e.security,
		DataType:              models.DataTransactions,
		OriginalTransactionID: transactionID,
		PortfolioName:         portfolio,
		OrderState:            models.OrderFailed,
		HasOrderInfo:          true,
	}
	reply.SetError(err)
	e.emit(reply)

	log.Debug().
		Str("security", e.security.String()).
		Int64("transaction_id", transactionID).
		Err(err).
		Msg("cancel rejected")
}

func (e *SecurityEmulator) register(m *models.OrderRegisterMessage) {
	check := e.registrationCheck(m)
	if err := e.checkRegistration(check); err != nil {
		e.rejectRegister(m, err)
		return
	}

	o := newOrder(m)

	if e.candleMode() {
		e.accept(&o, check)
		e.candleOrders = append(e.candleOrders, &o)
		e.trackExpiry(&o)
		return
	}

	// edge case: match-or-cancel that cannot complete leaves no trace in the book
	if o.timeInForce == models.MatchOrCancel && !e.canFill(&o) {
		reply := e.orderMessage(&o, models.OrderDone)
		reply.SetError(models.ErrFillOrKillUnfilled)
		e.emit(reply)
		return
	}

	e.accept(&o, check)
	e.match(&o, false)
	e.settle(&o)
}

func (e *SecurityEmulator) registrationCheck(m *models.OrderRegisterMessage) RegistrationCheck {
	return RegistrationCheck{
		Order:      m,
		Price:      e.referencePrice(m),
		MarginBuy:  e.state.MarginBuy,
		MarginSell: e.state.MarginSell,
		Shortable:  e.state.Shortable,
	}
}

func (e *SecurityEmulator) checkRegistration(check RegistrationCheck) error {
	m := check.Order
	if m.PortfolioName == "" {
		return models.ErrPortfolioRequired
	}
	if !e.state.tradingAllowed() {
		return fmt.Errorf("%w: %s", models.ErrTradingHalted, e.security)
	}
	if err := e.state.validate(m); err != nil {
		return err
	}
	if _, ok := e.book.find(m.TransactionID); ok || e.candleOrderIndex(m.TransactionID) >= 0 {
		return fmt.Errorf("%w: %d", models.ErrDuplicateTransaction, m.TransactionID)
	}
	return e.ledger.CheckRegistration(check)
}

// referencePrice is the price margin is blocked at.
func (e *SecurityEmulator) referencePrice(m *models.OrderRegisterMessage) decimal.Decimal {
	if m.Type != models.TypeMarket {
		return m.Price
	}
	var q models.Quote
	var ok bool
	if m.Side == models.SideBuy {
		q, ok = e.book.BestAsk()
	} else {
		q, ok = e.book.BestBid()
	}
	if ok {
		return q.Price
	}
	return e.state.LastTradePrice
}

func (e *SecurityEmulator) accept(o *restingOrder, check RegistrationCheck) {
	o.orderID = e.orderIDs.Next()
	reply := e.orderMessage(o, models.OrderActive)
	reply.Commission = e.ledger.OrderAccepted(check)
	e.emit(reply)
}

// settle applies the time in force to whatever did not match.
func (e *SecurityEmulator) settle(o *restingOrder) {
	if !o.balance.IsPositive() {
		return
	}
	if !o.rests() {
		e.done(o)
		return
	}
	e.book.add(*o)
	e.trackExpiry(o)
}

// done reports an order finished with its remaining balance released.
func (e *SecurityEmulator) done(o *restingOrder) *models.ExecutionMessage {
	e.ledger.OrderCancelled(o.portfolio, e.security, o.side, o.balance)
	reply := e.orderMessage(o, models.OrderDone)
	e.emit(reply)
	return reply
}

func (e *SecurityEmulator) trackExpiry(o *restingOrder) {
	if o.expiry == nil {
		return
	}
	e.expiries.push(o.transactionID, *o.expiry)
}

func (e *SecurityEmulator) forgetExpiry(transactionID int64) {
	e.expiries.remove(transactionID)
}

func (e *SecurityEmulator) cancel(m *models.OrderCancelMessage) {
	if _, ok := e.cancelOrder(m.OriginalTransactionID); !ok {
		e.rejectCancel(m.TransactionID, m.PortfolioName,
			fmt.Errorf("%w: %d", models.ErrOrderNotFound, m.OriginalTransactionID))
	}
}

// cancelOrder removes an active order and reports it done.
func (e *SecurityEmulator) cancelOrder(transactionID int64) (restingOrder, bool) {
	if ref, ok := e.book.find(transactionID); ok {
		o := *e.book.order(ref)
		e.book.remove(ref)
		e.forgetExpiry(transactionID)
		e.done(&o)
		return o, true
	}
	if i := e.candleOrderIndex(transactionID); i >= 0 {
		o := *e.candleOrders[i]
		e.candleOrders = slices.Delete(e.candleOrders, i, i+1)
		e.forgetExpiry(transactionID)
		e.done(&o)
		return o, true
	}
	return restingOrder{}, false
}

// replace cancels the original order and registers the new one under the replacement's transaction id.
func (e *SecurityEmulator) replace(m *models.OrderReplaceMessage) {
	old, ok := e.cancelOrder(m.OriginalTransactionID)
	if !ok {
		err := fmt.Errorf("%w: %d", models.ErrOrderNotFound, m.OriginalTransactionID)
		e.rejectCancel(m.TransactionID, m.PortfolioName, err)
		e.rejectRegister(&m.OrderRegisterMessage, err)
		return
	}

	reg := m.OrderRegisterMessage
	if !reg.Volume.IsPositive() {
		reg.Volume = old.balance
	}
	if reg.PortfolioName == "" {
		reg.PortfolioName = old.portfolio
	}
	if reg.Side == "" {
		reg.Side = old.side
	}
	if reg.Type == "" {
		reg.Type = old.orderType
	}
	if reg.Type == models.TypeLimit && reg.Price.IsZero() {
		reg.Price = old.price
	}
	e.register(&reg)
}

func (e *SecurityEmulator) candleOrderIndex(transactionID int64) int {
	return slices.IndexFunc(e.candleOrders, func(o *restingOrder) bool {
		return o.transactionID == transactionID
	})
}

// orderStatus reports every active owned order matching the request filters.
func (e *SecurityEmulator) orderStatus(m *models.OrderStatusMessage) {
	wanted := func(o *restingOrder) bool {
		if m.PortfolioName != "" && o.portfolio != m.PortfolioName {
			return false
		}
		return m.OriginalTransactionID == 0 || o.transactionID == m.OriginalTransactionID
	}
	for _, o := range e.activeOrders() {
		if wanted(&o) {
			reply := e.orderMessage(&o, models.OrderActive)
			reply.TransactionID = m.TransactionID
			e.emit(reply)
		}
	}
}

// ActiveOrders reports the working orders of a portfolio, or of everyone when portfolio is empty.
func (e *SecurityEmulator) ActiveOrders(portfolio string) []*models.ExecutionMessage {
	var out []*models.ExecutionMessage
	for _, o := range e.activeOrders() {
		if portfolio == "" || o.portfolio == portfolio {
			out = append(out, e.orderMessage(&o, models.OrderActive))
		}
	}
	return out
}

// activeOrders returns copies of the owned orders still working, bids first.
func (e *SecurityEmulator) activeOrders() []restingOrder {
	var out []restingOrder
	for _, bs := range []*bookSide{e.book.bids, e.book.asks} {
		bs.walk(func(l *PriceLevel) bool {
			for _, ref := range l.orders {
				if o := e.book.order(ref); o.owned() {
					out = append(out, *o)
				}
			}
			return true
		})
	}
	for _, o := range e.candleOrders {
		out = append(out, *o)
	}
	return out
}

package handlers

import (
	"slices"
	"sync"

	"market-emulator/src/models"
	"market-emulator/src/sink"
)

// OrderTracker keeps the latest known state of every order submitted through
// the gateway. It is installed as one of the router's sinks, so fills caused
// later by market data are reflected too.
type OrderTracker struct {
	mu     sync.RWMutex
	orders map[int64]*models.OrderResponse
}

var _ sink.Sink = (*OrderTracker)(nil)

func NewOrderTracker() *OrderTracker {
	return &OrderTracker{orders: make(map[int64]*models.OrderResponse)}
}

// Track starts following an order and returns its initial, pending view.
func (t *OrderTracker) Track(m *models.OrderRegisterMessage, replaced int64) models.OrderResponse {
	o := &models.OrderResponse{
		TransactionID:         m.TransactionID,
		ReplacedTransactionID: replaced,
		Security:              m.SecurityID.String(),
		Portfolio:             m.PortfolioName,
		Side:                  string(m.Side),
		Type:                  string(m.Type),
		Price:                 m.Price,
		Volume:                m.Volume,
		Balance:               m.Volume,
		Status:                string(models.OrderPending),
	}
	t.mu.Lock()
	t.orders[m.TransactionID] = o
	t.mu.Unlock()
	return *o
}

// Get returns a copy of the tracked order.
func (t *OrderTracker) Get(transactionID int64) (models.OrderResponse, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.orders[transactionID]
	if !ok {
		return models.OrderResponse{}, false
	}
	cp := *o
	cp.Trades = slices.Clone(o.Trades)
	return cp, true
}

// Active counts the orders still pending or working.
func (t *OrderTracker) Active() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var n int64
	for _, o := range t.orders {
		if !isFinal(o.Status) {
			n++
		}
	}
	return n
}

func (t *OrderTracker) Reset() {
	t.mu.Lock()
	t.orders = make(map[int64]*models.OrderResponse)
	t.mu.Unlock()
}

// Send applies order replies of tracked transactions and forgets everything on reset.
func (t *OrderTracker) Send(msg models.Message) error {
	switch m := msg.(type) {
	case *models.ExecutionMessage:
		if m.IsMarketData() {
			return nil
		}
		t.mu.Lock()
		if o, ok := t.orders[m.OriginalTransactionID]; ok {
			applyExecution(o, m)
		}
		t.mu.Unlock()
	case *models.ResetMessage:
		t.Reset()
	}
	return nil
}

func (t *OrderTracker) Close() error {
	return nil
}

// applyExecution folds one order reply into the order view.
func applyExecution(o *models.OrderResponse, m *models.ExecutionMessage) {
	// a failed replace answers both of its legs on the same transaction; keep the first
	if m.OrderState == models.OrderFailed && isFinal(o.Status) {
		return
	}
	if m.OrderID != 0 {
		o.OrderID = m.OrderID
	}
	if m.OrderState != "" {
		o.Status = string(m.OrderState)
	}
	if m.Side != "" {
		o.Price = m.OrderPrice
		o.Volume = m.OrderVolume
		o.Balance = m.Balance
	}
	o.Commission = o.Commission.Add(m.Commission)
	if m.ErrorText != "" {
		o.Reason = string(models.ReasonOf(m.Err))
		o.Message = m.ErrorText
	}
	if m.HasTradeInfo {
		o.Trades = append(o.Trades, models.TradeInfo{
			TradeID:    m.TradeID,
			Price:      m.TradePrice,
			Volume:     m.TradeVolume,
			Commission: m.Commission,
			Timestamp:  m.ServerTime.UnixMilli(),
		})
	}
}

func isFinal(status string) bool {
	s := models.OrderState(status)
	return s == models.OrderDone || s == models.OrderFailed
}

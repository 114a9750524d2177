package handlers

import (
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"market-emulator/src/config"
	"market-emulator/src/models"
	"market-emulator/src/router"
)

const maxLatencies = 10000

type OrderHandler struct {
	Router          *router.Router
	Tracker         *OrderTracker
	Emulation       Emulation
	StartTime       time.Time
	OrdersReceived  int64
	OrdersRejected  int64
	OrdersCancelled int64
	TradesExecuted  int64

	// OnReset runs after the emulator has been reset, to seed portfolios again.
	OnReset func()

	defaultDepth   int
	maxDepth       int
	transactionIDs atomic.Int64

	latencies   []time.Duration
	latenciesMu sync.RWMutex
}

func NewOrderHandler(r *router.Router, tracker *OrderTracker, cfg config.Server) *OrderHandler {
	if tracker == nil {
		tracker = NewOrderTracker()
	}
	defaultDepth := cfg.OrderBookDefaultDepth
	if defaultDepth <= 0 {
		defaultDepth = 10
	}
	maxDepth := cfg.OrderBookMaxDepth
	if maxDepth < defaultDepth {
		maxDepth = defaultDepth
	}
	return &OrderHandler{
		Router:       r,
		Tracker:      tracker,
		StartTime:    time.Now(),
		defaultDepth: defaultDepth,
		maxDepth:     maxDepth,
		latencies:    make([]time.Duration, 0, maxLatencies),
	}
}

func (h *OrderHandler) nextTransactionID() int64 {
	return h.transactionIDs.Add(1)
}

func (h *OrderHandler) SubmitOrder(c *fiber.Ctx) error {
	var req models.SubmitOrderRequest

	if err := c.BodyParser(&req); err != nil {
		log.Warn().
			Err(err).
			Str("ip", c.IP()).
			Str("path", c.Path()).
			Msg("Invalid request: malformed JSON")
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: "Invalid request: malformed JSON",
		})
	}

	msg, err := validateSubmitOrderRequest(&req)
	if err != nil {
		log.Warn().
			Err(err).
			Str("security", req.Security).
			Str("side", req.Side).
			Str("type", req.Type).
			Str("ip", c.IP()).
			Msg("Invalid order request")
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: err.Error(),
		})
	}
	msg.TransactionID = h.nextTransactionID()

	log.Info().
		Int64("transaction_id", msg.TransactionID).
		Str("security", req.Security).
		Str("portfolio", req.Portfolio).
		Str("side", req.Side).
		Str("type", req.Type).
		Str("price", req.Price.String()).
		Str("volume", req.Volume.String()).
		Str("ip", c.IP()).
		Msg("Order submitted")

	atomic.AddInt64(&h.OrdersReceived, 1)

	resp := h.execute(msg, h.Tracker.Track(msg, 0))

	log.Info().
		Int64("transaction_id", resp.TransactionID).
		Str("status", resp.Status).
		Str("filled_volume", resp.FilledVolume().String()).
		Str("balance", resp.Balance.String()).
		Int("trades_count", len(resp.Trades)).
		Msg("Order processed")

	return h.respond(c, resp)
}

func (h *OrderHandler) ReplaceOrder(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: "Invalid transaction id",
		})
	}

	var req models.ReplaceOrderRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: "Invalid request: malformed JSON",
		})
	}
	if req.Price.IsNegative() || req.Volume.IsNegative() {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: "Invalid replace: price and volume cannot be negative",
		})
	}
	tif, ok := parseTimeInForce(req.TimeInForce)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: "Invalid replace: unknown time in force",
		})
	}

	old, ok := h.Tracker.Get(id)
	if !ok {
		log.Warn().
			Int64("transaction_id", id).
			Str("ip", c.IP()).
			Msg("Replace order: order not found")
		return c.Status(fiber.StatusNotFound).JSON(models.ErrorResponse{
			Error:  "Order not found",
			Reason: string(models.ReasonOrderNotFound),
		})
	}

	msg := &models.OrderReplaceMessage{
		OrderRegisterMessage: models.OrderRegisterMessage{
			TransactionID: h.nextTransactionID(),
			SecurityID:    models.ParseSecurityID(old.Security),
			PortfolioName: old.Portfolio,
			Side:          models.Side(old.Side),
			Type:          models.OrderType(old.Type),
			Price:         req.Price,
			Volume:        req.Volume,
			TimeInForce:   tif,
		},
		OriginalTransactionID: id,
	}

	atomic.AddInt64(&h.OrdersReceived, 1)
	base := h.Tracker.Track(&msg.OrderRegisterMessage, id)
	if base.Volume.IsZero() {
		base.Volume = old.Balance
		base.Balance = old.Balance
	}
	resp := h.execute(msg, base)

	log.Info().
		Int64("transaction_id", resp.TransactionID).
		Int64("replaced_transaction_id", id).
		Str("status", resp.Status).
		Msg("Order replaced")

	return h.respond(c, resp)
}

func (h *OrderHandler) CancelOrder(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: "Invalid transaction id",
		})
	}

	order, ok := h.Tracker.Get(id)
	if !ok {
		log.Warn().
			Int64("transaction_id", id).
			Str("ip", c.IP()).
			Msg("Cancel order: order not found")
		return c.Status(fiber.StatusNotFound).JSON(models.ErrorResponse{
			Error:  "Order not found",
			Reason: string(models.ReasonOrderNotFound),
		})
	}

	// edge case: cannot cancel orders that already finished
	if isFinal(order.Status) {
		log.Warn().
			Int64("transaction_id", id).
			Str("status", order.Status).
			Msg("Cancel order: order already finished")
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: "Cannot cancel: order is " + strings.ToLower(order.Status),
		})
	}

	cancel := &models.OrderCancelMessage{
		TransactionID:         h.nextTransactionID(),
		OriginalTransactionID: id,
		SecurityID:            models.ParseSecurityID(order.Security),
		PortfolioName:         order.Portfolio,
	}
	out := h.Router.SendInMessage(cancel)

	status := models.OrderPending
	for _, msg := range out {
		m, ok := msg.(*models.ExecutionMessage)
		if !ok || m.IsMarketData() {
			continue
		}
		switch {
		case m.OriginalTransactionID == cancel.TransactionID && m.OrderState == models.OrderFailed:
			reason := models.ReasonOf(m.Err)
			return c.Status(rejectStatus(reason)).JSON(models.ErrorResponse{
				Error:  m.ErrorText,
				Reason: string(reason),
			})
		case m.OriginalTransactionID == id && m.OrderState == models.OrderDone:
			status = models.OrderDone
		}
	}

	if status != models.OrderDone {
		return c.Status(fiber.StatusAccepted).JSON(models.CancelOrderResponse{
			TransactionID: id,
			Status:        string(status),
		})
	}

	atomic.AddInt64(&h.OrdersCancelled, 1)

	log.Info().
		Int64("transaction_id", id).
		Str("security", order.Security).
		Str("ip", c.IP()).
		Msg("Order cancelled")

	return c.Status(fiber.StatusOK).JSON(models.CancelOrderResponse{
		TransactionID: id,
		Status:        string(status),
	})
}

func (h *OrderHandler) GetOrderStatus(c *fiber.Ctx) error {
	id, err := strconv.ParseInt(c.Params("id"), 10, 64)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: "Invalid transaction id",
		})
	}

	order, ok := h.Tracker.Get(id)
	if !ok {
		return c.Status(fiber.StatusNotFound).JSON(models.ErrorResponse{
			Error:  "Order not found",
			Reason: string(models.ReasonOrderNotFound),
		})
	}
	return c.Status(fiber.StatusOK).JSON(order)
}

func (h *OrderHandler) GetOrderBook(c *fiber.Ctx) error {
	security := securityParam(c, "security")
	if security.Code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: "Invalid security",
		})
	}

	depth, err := strconv.Atoi(c.Query("depth", strconv.Itoa(h.defaultDepth)))
	if err != nil || depth <= 0 {
		depth = h.defaultDepth
	}

	// edge case: enforce maximum depth limit
	if depth > h.maxDepth {
		depth = h.maxDepth
	}

	resp := models.OrderBookResponse{
		Security: security.String(),
		Bids:     make([]models.PriceLevelInfo, 0),
		Asks:     make([]models.PriceLevelInfo, 0),
	}

	book, ok := h.Router.Snapshot(security, depth)
	if ok {
		if !book.ServerTime.IsZero() {
			resp.Timestamp = book.ServerTime.UnixMilli()
		}
		resp.Bids = levels(book.Bids)
		resp.Asks = levels(book.Asks)
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *OrderHandler) HealthCheck(c *fiber.Ctx) error {
	uptime := time.Since(h.StartTime).Seconds()
	connected := h.Router.Connected()

	status := "healthy"
	if !connected {
		status = "disconnected"
	}

	resp := models.HealthResponse{
		Status:        status,
		UptimeSeconds: int64(uptime),
		Connected:     connected,
		Securities:    len(h.Router.Securities()),
	}
	if h.Emulation != nil {
		resp.EmulationState = string(h.Emulation.State())
	}
	return c.Status(fiber.StatusOK).JSON(resp)
}

func (h *OrderHandler) Stats(c *fiber.Ctx) error {
	p50, p99, p999 := h.calculateLatencyPercentiles()
	throughput := h.calculateThroughput()

	return c.Status(fiber.StatusOK).JSON(models.StatsResponse{
		OrdersReceived:         atomic.LoadInt64(&h.OrdersReceived),
		OrdersRejected:         atomic.LoadInt64(&h.OrdersRejected),
		OrdersCancelled:        atomic.LoadInt64(&h.OrdersCancelled),
		OrdersActive:           h.Tracker.Active(),
		TradesExecuted:         atomic.LoadInt64(&h.TradesExecuted),
		LatencyP50Ms:           p50,
		LatencyP99Ms:           p99,
		LatencyP999Ms:          p999,
		ThroughputOrdersPerSec: throughput,
	})
}

// execute routes an order transaction and folds the replies into base.
func (h *OrderHandler) execute(msg models.Message, base models.OrderResponse) models.OrderResponse {
	startTime := time.Now()
	out := h.Router.SendInMessage(msg)
	h.recordLatency(time.Since(startTime))

	resp := base
	for _, m := range out {
		if e, ok := m.(*models.ExecutionMessage); ok && !e.IsMarketData() && e.OriginalTransactionID == resp.TransactionID {
			applyExecution(&resp, e)
		}
	}

	if models.OrderState(resp.Status) == models.OrderFailed || resp.Reason != "" {
		atomic.AddInt64(&h.OrdersRejected, 1)
	}
	atomic.AddInt64(&h.TradesExecuted, int64(len(resp.Trades)))
	return resp
}

func (h *OrderHandler) respond(c *fiber.Ctx, resp models.OrderResponse) error {
	// a killed match-or-cancel order finishes done but carries its reason
	if resp.Reason != "" {
		return c.Status(rejectStatus(models.RejectReason(resp.Reason))).JSON(resp)
	}
	switch models.OrderState(resp.Status) {
	case models.OrderFailed:
		return c.Status(rejectStatus(models.RejectReason(resp.Reason))).JSON(resp)
	case models.OrderDone:
		return c.Status(fiber.StatusOK).JSON(resp)
	case models.OrderActive:
		if len(resp.Trades) == 0 {
			resp.Message = "Order added to book"
			return c.Status(fiber.StatusCreated).JSON(resp)
		}
		return c.Status(fiber.StatusAccepted).JSON(resp)
	default:
		resp.Message = "Order queued for delivery"
		return c.Status(fiber.StatusAccepted).JSON(resp)
	}
}

func rejectStatus(reason models.RejectReason) int {
	switch reason {
	case models.ReasonOrderNotFound:
		return fiber.StatusNotFound
	case models.ReasonNotConnected:
		return fiber.StatusServiceUnavailable
	case models.ReasonInternal:
		return fiber.StatusInternalServerError
	default:
		return fiber.StatusBadRequest
	}
}

func levels(quotes []models.Quote) []models.PriceLevelInfo {
	out := make([]models.PriceLevelInfo, 0, len(quotes))
	for _, q := range quotes {
		out = append(out, models.PriceLevelInfo{
			Price:  q.Price,
			Volume: q.Volume,
		})
	}
	return out
}

func securityParam(c *fiber.Ctx, name string) models.SecurityID {
	raw := c.Params(name)
	if s, err := url.PathUnescape(raw); err == nil {
		raw = s
	}
	return models.ParseSecurityID(raw)
}

func (h *OrderHandler) recordLatency(latency time.Duration) {
	h.latenciesMu.Lock()
	defer h.latenciesMu.Unlock()

	h.latencies = append(h.latencies, latency)

	// edge case: maintain rolling window by removing oldest measurements
	if len(h.latencies) > maxLatencies {
		h.latencies = h.latencies[len(h.latencies)-maxLatencies:]
	}
}

func (h *OrderHandler) calculateLatencyPercentiles() (p50, p99, p999 float64) {
	h.latenciesMu.RLock()
	sorted := make([]time.Duration, len(h.latencies))
	copy(sorted, h.latencies)
	h.latenciesMu.RUnlock()

	if len(sorted) == 0 {
		return 0, 0, 0
	}

	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i] < sorted[j]
	})

	at := func(q float64) float64 {
		i := int(float64(len(sorted)) * q)
		// edge case: ensure index is within bounds
		if i >= len(sorted) {
			i = len(sorted) - 1
		}
		return float64(sorted[i].Nanoseconds()) / 1e6
	}
	return at(0.50), at(0.99), at(0.999)
}

func (h *OrderHandler) calculateThroughput() float64 {
	uptime := time.Since(h.StartTime).Seconds()
	if uptime <= 0 {
		return 0
	}
	return float64(atomic.LoadInt64(&h.OrdersReceived)) / uptime
}

func validateSubmitOrderRequest(req *models.SubmitOrderRequest) (*models.OrderRegisterMessage, error) {
	security := models.ParseSecurityID(req.Security)
	if security.Code == "" {
		return nil, &ValidationError{Message: "Invalid order: security is required"}
	}

	if req.Portfolio == "" {
		return nil, &ValidationError{Message: "Invalid order: portfolio is required"}
	}

	side := models.Side(strings.ToUpper(req.Side))
	if !side.Valid() {
		return nil, &ValidationError{Message: "Invalid order: side must be BUY or SELL"}
	}

	typ := models.OrderType(strings.ToUpper(req.Type))
	if typ != models.TypeLimit && typ != models.TypeMarket {
		return nil, &ValidationError{Message: "Invalid order: type must be LIMIT or MARKET"}
	}

	if !req.Volume.IsPositive() {
		return nil, &ValidationError{Message: "Invalid order: volume must be positive"}
	}

	// edge case: price required for limit orders
	if typ == models.TypeLimit && !req.Price.IsPositive() {
		return nil, &ValidationError{Message: "Invalid order: price must be positive for LIMIT orders"}
	}

	tif, ok := parseTimeInForce(req.TimeInForce)
	if !ok {
		return nil, &ValidationError{Message: "Invalid order: time_in_force must be PUT_IN_QUEUE, MATCH_OR_CANCEL or CANCEL_BALANCE"}
	}

	msg := &models.OrderRegisterMessage{
		SecurityID:    security,
		PortfolioName: req.Portfolio,
		Side:          side,
		Type:          typ,
		Price:         req.Price,
		Volume:        req.Volume,
		TimeInForce:   tif,
		ExpiryDate:    req.ExpiryDate,
	}
	if typ == models.TypeMarket {
		msg.Price = decimal.Zero
	}
	return msg, nil
}

func parseTimeInForce(s string) (models.TimeInForce, bool) {
	switch tif := models.TimeInForce(strings.ToUpper(s)); tif {
	case "", models.PutInQueue, models.MatchOrCancel, models.CancelBalance:
		return tif, true
	default:
		return "", false
	}
}

type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

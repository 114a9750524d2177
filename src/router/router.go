package router

import (
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"market-emulator/src/engine"
	"market-emulator/src/metrics"
	"market-emulator/src/models"
	"market-emulator/src/portfolio"
	"market-emulator/src/sink"
)

// SubscriptionHandler receives market data subscriptions, typically the replay scheduler.
type SubscriptionHandler interface {
	Subscribe(msg *models.MarketDataMessage) error
}

// Controller drives the emulation state machine on request.
type Controller interface {
	RequestState(state models.EmulationState) error
}

// Settings configure every core and the id sequences.
type Settings struct {
	Engine      engine.Settings
	OrderIDSeed int64
	TradeIDSeed int64
}

type core struct {
	mu  sync.Mutex
	emu *engine.SecurityEmulator
}

// Router owns the matching cores and the ledger, and dispatches messages to them.
// Cores are created on first reference; each one is serialised by its own mutex.
type Router struct {
	settings Settings
	ledger   *portfolio.Manager
	rules    *portfolio.RuleSet
	orderIDs *engine.IDGenerator
	tradeIDs *engine.IDGenerator

	mu          sync.RWMutex
	cores       map[models.SecurityID]*core
	boards      map[string]models.Board
	boardStates map[string]models.SessionState

	connected atomic.Bool

	subscriptions SubscriptionHandler
	controller    Controller
	out           sink.Sink
	metrics       *metrics.Collector
	engineOpts    []engine.Option
	sendMu        sync.Mutex
}

type Option func(*Router)

func WithSink(s sink.Sink) Option {
	return func(r *Router) { r.out = s }
}

func WithMetrics(c *metrics.Collector) Option {
	return func(r *Router) { r.metrics = c }
}

func WithSubscriptionHandler(h SubscriptionHandler) Option {
	return func(r *Router) { r.subscriptions = h }
}

func WithController(c Controller) Option {
	return func(r *Router) { r.controller = c }
}

// WithEngineOptions applies extra options to every core the router creates.
func WithEngineOptions(opts ...engine.Option) Option {
	return func(r *Router) { r.engineOpts = append(r.engineOpts, opts...) }
}

func New(settings Settings, ledger *portfolio.Manager, rules *portfolio.RuleSet, opts ...Option) *Router {
	if settings.OrderIDSeed == 0 {
		settings.OrderIDSeed = 1
	}
	if settings.TradeIDSeed == 0 {
		settings.TradeIDSeed = 1
	}
	if rules == nil {
		rules = portfolio.NewRuleSet()
	}
	r := &Router{
		settings:    settings,
		ledger:      ledger,
		rules:       rules,
		orderIDs:    engine.NewIDGenerator(settings.OrderIDSeed),
		tradeIDs:    engine.NewIDGenerator(settings.TradeIDSeed),
		cores:       make(map[models.SecurityID]*core),
		boards:      make(map[string]models.Board),
		boardStates: make(map[string]models.SessionState),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetSubscriptionHandler and SetController wire collaborators built after the router.
func (r *Router) SetSubscriptionHandler(h SubscriptionHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscriptions = h
}

func (r *Router) SetController(c Controller) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.controller = c
}

func (r *Router) Connected() bool {
	return r.connected.Load()
}

func (r *Router) Ledger() *portfolio.Manager {
	return r.ledger
}

// Board returns a registered board, or the default calendar for unknown codes.
func (r *Router) Board(code string) models.Board {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if b, ok := r.boards[code]; ok {
		return b
	}
	return models.DefaultBoard(code)
}

// Securities lists the instruments that have a core, sorted.
func (r *Router) Securities() []models.SecurityID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.SortedFunc(maps.Keys(r.cores), func(a, b models.SecurityID) int {
		return strings.Compare(a.String(), b.String())
	})
}

// Snapshot returns the current book of an instrument, if it has a core.
func (r *Router) Snapshot(security models.SecurityID, depth int) (*models.QuoteChangeMessage, bool) {
	c, ok := r.lookup(security)
	if !ok {
		return nil, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emu.Snapshot(depth), true
}

// SendInMessage processes msg and delivers the outputs to the sink.
func (r *Router) SendInMessage(msg models.Message) []models.Message {
	start := time.Now()
	out := r.Process(msg)
	r.metrics.Inbound(msg, time.Since(start))
	r.Publish(out...)
	return out
}

// Publish delivers messages to the sink without processing them.
func (r *Router) Publish(msgs ...models.Message) {
	r.metrics.Outbound(msgs)
	if r.out == nil {
		return
	}
	r.sendMu.Lock()
	defer r.sendMu.Unlock()
	for _, m := range msgs {
		if err := r.out.Send(m); err != nil {
			log.Error().Err(err).Str("kind", string(m.Kind())).Msg("sink delivery failed")
		}
	}
}

// Process applies msg and returns what it produced.
func (r *Router) Process(msg models.Message) []models.Message {
	var out []models.Message

	switch m := msg.(type) {
	case *models.ResetMessage:
		r.reset()
		out = append(out, &models.ResetMessage{Header: m.Header})
	case *models.ConnectMessage:
		r.connected.Store(true)
		out = append(out, &models.ConnectMessage{Header: m.Header})
	case *models.DisconnectMessage:
		r.connected.Store(false)
		out = append(out, &models.DisconnectMessage{Header: m.Header})
	case *models.OrderRegisterMessage:
		out = r.transactional(m, m.SecurityID, func() []models.Message {
			return []models.Message{notConnected(m.Header, m.TransactionID, m.SecurityID, m.PortfolioName)}
		})
	case *models.OrderReplaceMessage:
		out = r.transactional(m, m.SecurityID, func() []models.Message {
			return []models.Message{
				// both legs answer the replacement's own transaction
				notConnected(m.Header, m.TransactionID, m.SecurityID, m.PortfolioName),
				notConnected(m.Header, m.TransactionID, m.SecurityID, m.PortfolioName),
			}
		})
	case *models.OrderCancelMessage:
		out = r.transactional(m, m.SecurityID, func() []models.Message {
			return []models.Message{notConnected(m.Header, m.TransactionID, m.SecurityID, m.PortfolioName)}
		})
	case *models.OrderStatusMessage:
		out = r.broadcast(m, m.SecurityID)
	case *models.SecurityLookupMessage:
		out = r.broadcast(m, m.SecurityID)
	case *models.PortfolioLookupMessage:
		out = r.ledger.Snapshot(m.PortfolioName, m.ServerTime, m.TransactionID)
	case *models.MarketDataMessage:
		out = append(out, r.subscribe(m))
	case *models.Level1ChangeMessage:
		out = r.marketData(m, m.SecurityID)
	case *models.QuoteChangeMessage:
		out = r.marketData(m, m.SecurityID)
	case *models.ExecutionMessage:
		out = r.marketData(m, m.SecurityID)
	case *models.CandleMessage:
		out = r.marketData(m, m.SecurityID)
	case *models.SecurityInfoMessage:
		out = r.marketData(m, m.SecurityID)
	case *models.BoardMessage:
		r.mu.Lock()
		r.boards[m.Board.Code] = m.Board
		r.mu.Unlock()
		out = append(out, m)
	case *models.BoardStateMessage:
		out = r.boardState(m)
	case *models.CommissionRuleMessage:
		r.rules.Add(m.Rule)
	case *models.EmulationStateMessage:
		out = r.emulationState(m)
	case *models.PortfolioMessage:
		r.ledger.SetMoney(m.Name, m.BeginMoney)
		out = r.ledger.Snapshot(m.Name, m.ServerTime, 0)
	case *models.PositionChangeMessage:
		r.ledger.SetPosition(m)
		out = append(out, m)
	case *models.TimeMessage:
		out = r.broadcast(m, models.SecurityID{})
		out = append(out, m)
	default:
		log.Debug().Str("kind", string(msg.Kind())).Msg("message ignored by router")
	}

	return append(out, r.ledger.Recalculate(msg.Time())...)
}

func notConnected(h models.Header, transactionID int64, security models.SecurityID, portfolio string) *models.ExecutionMessage {
	reply := &models.ExecutionMessage{
		Header:                h,
		SecurityID:            security,
		DataType:              models.DataTransactions,
		OriginalTransactionID: transactionID,
		PortfolioName:         portfolio,
		OrderState:            models.OrderFailed,
		HasOrderInfo:          true,
	}
	reply.SetError(models.ErrNotConnected)
	return reply
}

func (r *Router) transactional(msg models.Message, security models.SecurityID, reject func() []models.Message) []models.Message {
	if !r.connected.Load() {
		log.Debug().Str("security", security.String()).Str("kind", string(msg.Kind())).Msg("transaction while disconnected")
		return reject()
	}
	return r.dispatch(r.core(security), security, msg)
}

// marketData echoes the inbound message and applies it to the instrument's core.
func (r *Router) marketData(msg models.Message, security models.SecurityID) []models.Message {
	out := []models.Message{msg}
	return append(out, r.dispatch(r.core(security), security, msg)...)
}

// broadcast sends msg to one core, or to every core when security is zero.
func (r *Router) broadcast(msg models.Message, security models.SecurityID) []models.Message {
	if !security.IsZero() {
		return r.dispatch(r.core(security), security, msg)
	}
	var out []models.Message
	for _, s := range r.Securities() {
		if c, ok := r.lookup(s); ok {
			out = append(out, r.dispatch(c, s, msg)...)
		}
	}
	return out
}

func (r *Router) boardState(m *models.BoardStateMessage) []models.Message {
	r.mu.Lock()
	r.boardStates[m.BoardCode] = m.State
	r.mu.Unlock()

	out := []models.Message{m}
	for _, s := range r.Securities() {
		if s.Board != m.BoardCode {
			continue
		}
		if c, ok := r.lookup(s); ok {
			out = append(out, r.dispatch(c, s, m)...)
		}
	}
	return out
}

func (r *Router) subscribe(m *models.MarketDataMessage) *models.MarketDataMessage {
	reply := &models.MarketDataMessage{
		Header:                m.Header,
		OriginalTransactionID: m.TransactionID,
		SecurityID:            m.SecurityID,
		DataType:              m.DataType,
		IsSubscribe:           m.IsSubscribe,
	}
	r.core(m.SecurityID)

	r.mu.RLock()
	h := r.subscriptions
	r.mu.RUnlock()
	if h == nil {
		return reply
	}
	if err := h.Subscribe(m); err != nil {
		log.Warn().Err(err).Str("security", m.SecurityID.String()).Str("data_type", string(m.DataType)).Msg("subscription failed")
		reply.Error = err.Error()
	}
	return reply
}

func (r *Router) emulationState(m *models.EmulationStateMessage) []models.Message {
	r.mu.RLock()
	c := r.controller
	r.mu.RUnlock()
	if c == nil {
		return []models.Message{m}
	}
	if err := c.RequestState(m.State); err != nil {
		return []models.Message{&models.ErrorMessage{Header: m.Header, Error: err.Error()}}
	}
	return nil
}

func (r *Router) lookup(security models.SecurityID) (*core, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.cores[security]
	return c, ok
}

// core returns the instrument's core, creating it on first reference.
func (r *Router) core(security models.SecurityID) *core {
	if c, ok := r.lookup(security); ok {
		return c
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	// edge case: double-check after acquiring write lock
	if c, ok := r.cores[security]; ok {
		return c
	}

	opts := append([]engine.Option{
		engine.WithLedger(r.ledger),
		engine.WithIDGenerators(r.orderIDs, r.tradeIDs),
	}, r.engineOpts...)
	emu := engine.NewSecurityEmulator(security, r.settings.Engine, opts...)
	if state, ok := r.boardStates[security.Board]; ok {
		emu.Process(&models.BoardStateMessage{BoardCode: security.Board, State: state})
	}
	c := &core{emu: emu}
	r.cores[security] = c
	log.Debug().Str("security", security.String()).Msg("matching core created")
	return c
}

// dispatch runs msg on c. A panic is contained to the instrument: its core is
// dropped and the router reports the fault and disconnects.
func (r *Router) dispatch(c *core, security models.SecurityID, msg models.Message) (out []models.Message) {
	defer func() {
		if rec := recover(); rec != nil {
			r.metrics.Panic()
			r.drop(security, c)
			r.connected.Store(false)
			text := fmt.Sprintf("%s: %v", security, rec)
			log.Error().Str("security", security.String()).Str("kind", string(msg.Kind())).Interface("panic", rec).Msg("matching core failed")
			h := models.Header{ServerTime: msg.Time()}
			out = []models.Message{
				&models.ErrorMessage{Header: h, OriginalTransactionID: transactionOf(msg), Error: text},
				&models.DisconnectMessage{Header: h, Error: text},
			}
		}
	}()

	c.mu.Lock()
	defer c.mu.Unlock()
	return c.emu.Process(msg)
}

func (r *Router) drop(security models.SecurityID, c *core) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cores[security] == c {
		delete(r.cores, security)
	}
}

func (r *Router) reset() {
	r.mu.Lock()
	r.cores = make(map[models.SecurityID]*core)
	r.boardStates = make(map[string]models.SessionState)
	r.mu.Unlock()

	r.ledger.Reset()
	r.orderIDs.Reset()
	r.tradeIDs.Reset()
	log.Info().Msg("emulator reset")
}

func transactionOf(msg models.Message) int64 {
	switch m := msg.(type) {
	case *models.OrderRegisterMessage:
		return m.TransactionID
	case *models.OrderReplaceMessage:
		return m.TransactionID
	case *models.OrderCancelMessage:
		return m.TransactionID
	case *models.OrderStatusMessage:
		return m.TransactionID
	case *models.SecurityLookupMessage:
		return m.TransactionID
	default:
		return 0
	}
}

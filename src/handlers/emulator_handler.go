package handlers

import (
	"strings"
	"sync/atomic"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"market-emulator/src/models"
)

// Emulation exposes the replay state to the gateway. State changes themselves
// travel through the router as EmulationStateMessage.
type Emulation interface {
	State() models.EmulationState
	RunID() uuid.UUID
}

var emulationActions = map[string]models.EmulationState{
	"start":   models.EmulationStarting,
	"resume":  models.EmulationStarted,
	"suspend": models.EmulationSuspended,
	"stop":    models.EmulationStopped,
}

// PostTick feeds one market trade into the instrument's core.
func (h *OrderHandler) PostTick(c *fiber.Ctx) error {
	var req models.TickRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: "Invalid request: malformed JSON",
		})
	}

	security := models.ParseSecurityID(req.Security)
	switch {
	case security.Code == "":
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{Error: "Invalid tick: security is required"})
	case !req.Price.IsPositive():
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{Error: "Invalid tick: price must be positive"})
	case !req.Volume.IsPositive():
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{Error: "Invalid tick: volume must be positive"})
	}
	side := models.Side(strings.ToUpper(req.Side))
	if side != "" && !side.Valid() {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{Error: "Invalid tick: side must be BUY or SELL"})
	}

	return h.feed(c, security, &models.ExecutionMessage{
		Header:       models.Header{ServerTime: timeOrNow(req.Time)},
		SecurityID:   security,
		DataType:     models.DataTicks,
		TradePrice:   req.Price,
		TradeVolume:  req.Volume,
		OriginSide:   side,
		HasTradeInfo: true,
	})
}

// PostQuotes feeds one depth snapshot into the instrument's core.
func (h *OrderHandler) PostQuotes(c *fiber.Ctx) error {
	var req models.QuotesRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: "Invalid request: malformed JSON",
		})
	}

	security := models.ParseSecurityID(req.Security)
	if security.Code == "" {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{Error: "Invalid quotes: security is required"})
	}
	bids, err := quotes(req.Bids)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{Error: err.Error()})
	}
	asks, err := quotes(req.Asks)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{Error: err.Error()})
	}

	return h.feed(c, security, &models.QuoteChangeMessage{
		Header:     models.Header{ServerTime: timeOrNow(req.Time)},
		SecurityID: security,
		Bids:       bids,
		Asks:       asks,
	})
}

func (h *OrderHandler) feed(c *fiber.Ctx, security models.SecurityID, msg models.Message) error {
	out := h.Router.SendInMessage(msg)

	fills := 0
	for _, m := range out {
		if e, ok := m.(*models.ExecutionMessage); ok && !e.IsMarketData() && e.HasTradeInfo {
			fills++
		}
	}
	atomic.AddInt64(&h.TradesExecuted, int64(fills))

	log.Debug().
		Str("security", security.String()).
		Str("kind", string(msg.Kind())).
		Int("produced", len(out)).
		Int("fills", fills).
		Msg("Market data applied")

	return c.Status(fiber.StatusAccepted).JSON(models.MarketDataResponse{
		Security: security.String(),
		Produced: len(out),
		Fills:    fills,
	})
}

// ChangeEmulation asks the replay scheduler for a state change.
func (h *OrderHandler) ChangeEmulation(c *fiber.Ctx) error {
	if h.Emulation == nil {
		return c.Status(fiber.StatusNotFound).JSON(models.ErrorResponse{
			Error: "Replay is not configured",
		})
	}

	action := strings.ToLower(c.Params("action"))
	state, ok := emulationActions[action]
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(models.ErrorResponse{
			Error: "Invalid action: must be start, resume, suspend or stop",
		})
	}

	out := h.Router.SendInMessage(&models.EmulationStateMessage{State: state})
	for _, m := range out {
		if e, ok := m.(*models.ErrorMessage); ok {
			log.Warn().
				Str("action", action).
				Str("state", string(h.Emulation.State())).
				Str("error", e.Error).
				Msg("Emulation state change refused")
			return c.Status(fiber.StatusConflict).JSON(models.ErrorResponse{
				Error: e.Error,
			})
		}
	}

	log.Info().
		Str("action", action).
		Str("state", string(h.Emulation.State())).
		Msg("Emulation state change requested")

	return c.Status(fiber.StatusAccepted).JSON(models.EmulationResponse{
		State: string(h.Emulation.State()),
		RunID: h.Emulation.RunID().String(),
	})
}

func (h *OrderHandler) GetEmulation(c *fiber.Ctx) error {
	if h.Emulation == nil {
		return c.Status(fiber.StatusNotFound).JSON(models.ErrorResponse{
			Error: "Replay is not configured",
		})
	}
	return c.Status(fiber.StatusOK).JSON(models.EmulationResponse{
		State: string(h.Emulation.State()),
		RunID: h.Emulation.RunID().String(),
	})
}

func (h *OrderHandler) GetPortfolio(c *fiber.Ctx) error {
	name := c.Params("name")
	resp := models.PortfolioResponse{
		Name:      name,
		Positions: make([]models.PositionInfo, 0),
	}

	for _, m := range h.Router.Ledger().Snapshot(name, time.Time{}, 0) {
		switch msg := m.(type) {
		case *models.PortfolioMessage:
			resp.BeginMoney = msg.BeginMoney
		case *models.PositionChangeMessage:
			if msg.IsMoney() {
				resp.Money = msg.Changes
				continue
			}
			resp.Positions = append(resp.Positions, models.PositionInfo{
				Security: msg.SecurityID.String(),
				Values:   msg.Changes,
			})
		}
	}

	return c.Status(fiber.StatusOK).JSON(resp)
}

// Reset clears books, positions and tracked orders.
func (h *OrderHandler) Reset(c *fiber.Ctx) error {
	h.Router.SendInMessage(&models.ResetMessage{})
	h.Tracker.Reset()
	if h.OnReset != nil {
		h.OnReset()
	}

	log.Info().Str("ip", c.IP()).Msg("Emulator reset")

	return c.Status(fiber.StatusOK).JSON(fiber.Map{
		"status": "reset",
	})
}

func (h *OrderHandler) Connect(c *fiber.Ctx) error {
	h.Router.SendInMessage(&models.ConnectMessage{})
	return c.Status(fiber.StatusOK).JSON(models.ConnectionResponse{Connected: h.Router.Connected()})
}

func (h *OrderHandler) Disconnect(c *fiber.Ctx) error {
	h.Router.SendInMessage(&models.DisconnectMessage{})
	return c.Status(fiber.StatusOK).JSON(models.ConnectionResponse{Connected: h.Router.Connected()})
}

func quotes(levels []models.PriceLevelInfo) ([]models.Quote, error) {
	out := make([]models.Quote, 0, len(levels))
	for _, l := range levels {
		if !l.Price.IsPositive() || !l.Volume.IsPositive() {
			return nil, &ValidationError{Message: "Invalid quotes: price and volume must be positive"}
		}
		out = append(out, models.NewQuote(l.Price, l.Volume))
	}
	return out, nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

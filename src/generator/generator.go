package generator

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/shopspring/decimal"

	"market-emulator/src/models"
	"market-emulator/src/replay"
)

var ErrUnsupportedDataType = errors.New("generator cannot produce data type")

// Config controls the synthetic market.
type Config struct {
	Seed            uint64          `yaml:"seed"`
	StartPrice      decimal.Decimal `yaml:"start_price"`
	PriceStep       decimal.Decimal `yaml:"price_step"`
	VolumeStep      decimal.Decimal `yaml:"volume_step"`
	MaxVolume       int             `yaml:"max_volume"`
	MaxMove         int             `yaml:"max_move"`
	TickInterval    time.Duration   `yaml:"tick_interval"`
	DepthInterval   time.Duration   `yaml:"depth_interval"`
	Depth           int             `yaml:"depth"`
	CandleTimeFrame time.Duration   `yaml:"candle_time_frame"`
}

func DefaultConfig() Config {
	return Config{
		Seed:            1,
		StartPrice:      decimal.NewFromInt(100),
		PriceStep:       decimal.RequireFromString("0.01"),
		VolumeStep:      decimal.NewFromInt(1),
		MaxVolume:       10,
		MaxMove:         3,
		TickInterval:    time.Second,
		DepthInterval:   10 * time.Second,
		Depth:           5,
		CandleTimeFrame: time.Minute,
	}
}

// Validate ensures the config is within supported ranges.
func (c Config) Validate() error {
	if !c.StartPrice.IsPositive() {
		return fmt.Errorf("start_price must be positive")
	}
	if !c.PriceStep.IsPositive() || !c.VolumeStep.IsPositive() {
		return fmt.Errorf("price_step and volume_step must be positive")
	}
	if c.MaxVolume < 1 {
		return fmt.Errorf("max_volume must be >= 1")
	}
	if c.MaxMove < 0 {
		return fmt.Errorf("max_move must be >= 0")
	}
	if c.TickInterval <= 0 || c.DepthInterval <= 0 || c.CandleTimeFrame <= 0 {
		return fmt.Errorf("intervals must be positive")
	}
	if c.Depth < 1 {
		return fmt.Errorf("depth must be >= 1")
	}
	return nil
}

// Generator produces a seeded random walk per instrument and date. Every data type of
// the same instrument and date follows the same price path.
type Generator struct {
	cfg      Config
	calendar replay.Calendar
}

var _ replay.Storage = (*Generator)(nil)

func New(cfg Config, calendar replay.Calendar) (*Generator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("generator config: %w", err)
	}
	return &Generator{cfg: cfg, calendar: calendar}, nil
}

type point struct {
	t      time.Time
	price  decimal.Decimal
	volume decimal.Decimal
	side   models.Side
}

func (g *Generator) Load(ctx context.Context, security models.SecurityID, dataType models.DataType, date time.Time) (replay.MessageIterator, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	path := g.path(security, date)

	var msgs []models.Message
	switch dataType {
	case models.DataTicks:
		msgs = g.ticks(security, path)
	case models.DataMarketDepth:
		msgs = g.depths(security, date, path)
	case models.DataLevel1:
		msgs = g.level1(security, path)
	case models.DataCandles:
		msgs = g.candles(security, path)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedDataType, dataType)
	}
	return replay.NewSliceIterator(msgs), nil
}

func (g *Generator) board(code string) models.Board {
	if g.calendar == nil {
		return models.DefaultBoard(code)
	}
	return g.calendar.Board(code)
}

// rng is seeded from the instrument, the date and a stream name.
func (g *Generator) rng(security models.SecurityID, date time.Time, stream string) *rand.Rand {
	h := fnv.New64a()
	h.Write([]byte(security.String()))
	h.Write([]byte(date.Format(time.DateOnly)))
	h.Write([]byte(stream))
	return rand.New(rand.NewPCG(g.cfg.Seed, h.Sum64()))
}

func (g *Generator) path(security models.SecurityID, date time.Time) []point {
	b := g.board(security.Board)
	sessions := b.SessionsOn(date)
	if len(sessions) == 0 {
		return nil
	}
	rng := g.rng(security, b.Date(date), "path")
	steps := g.cfg.StartPrice.Div(g.cfg.PriceStep).IntPart()

	var out []point
	for _, s := range sessions {
		for t := s.Open; t.Before(s.Close); t = t.Add(g.cfg.TickInterval) {
			steps += int64(rng.IntN(2*g.cfg.MaxMove+1) - g.cfg.MaxMove)
			steps = max(steps, 1)
			side := models.SideBuy
			if rng.IntN(2) == 1 {
				side = models.SideSell
			}
			out = append(out, point{
				t:      t,
				price:  g.cfg.PriceStep.Mul(decimal.NewFromInt(steps)),
				volume: g.volume(rng),
				side:   side,
			})
		}
	}
	return out
}

func (g *Generator) volume(rng *rand.Rand) decimal.Decimal {
	return g.cfg.VolumeStep.Mul(decimal.NewFromInt(int64(rng.IntN(g.cfg.MaxVolume) + 1)))
}

func (g *Generator) ticks(security models.SecurityID, path []point) []models.Message {
	out := make([]models.Message, 0, len(path))
	for _, p := range path {
		out = append(out, &models.ExecutionMessage{
			Header:       models.Header{ServerTime: p.t},
			SecurityID:   security,
			DataType:     models.DataTicks,
			TradePrice:   p.price,
			TradeVolume:  p.volume,
			OriginSide:   p.side,
			HasTradeInfo: true,
		})
	}
	return out
}

// depths builds a full snapshot around the path price every DepthInterval.
func (g *Generator) depths(security models.SecurityID, date time.Time, path []point) []models.Message {
	if len(path) == 0 {
		return nil
	}
	rng := g.rng(security, date, "depth")
	var out []models.Message
	next := path[0].t
	for _, p := range path {
		if p.t.Before(next) {
			continue
		}
		next = p.t.Add(g.cfg.DepthInterval)
		bids := make([]models.Quote, 0, g.cfg.Depth)
		asks := make([]models.Quote, 0, g.cfg.Depth)
		for k := 1; k <= g.cfg.Depth; k++ {
			offset := g.cfg.PriceStep.Mul(decimal.NewFromInt(int64(k)))
			if bid := p.price.Sub(offset); bid.IsPositive() {
				bids = append(bids, models.NewQuote(bid, g.volume(rng)))
			}
			asks = append(asks, models.NewQuote(p.price.Add(offset), g.volume(rng)))
		}
		out = append(out, &models.QuoteChangeMessage{
			Header:     models.Header{ServerTime: p.t},
			SecurityID: security,
			Bids:       bids,
			Asks:       asks,
		})
	}
	return out
}

func (g *Generator) level1(security models.SecurityID, path []point) []models.Message {
	out := make([]models.Message, 0, len(path))
	for _, p := range path {
		changes := map[models.Level1Field]decimal.Decimal{
			models.L1BestAskPrice:    p.price.Add(g.cfg.PriceStep),
			models.L1BestAskVolume:   p.volume,
			models.L1LastTradePrice:  p.price,
			models.L1LastTradeVolume: p.volume,
		}
		if bid := p.price.Sub(g.cfg.PriceStep); bid.IsPositive() {
			changes[models.L1BestBidPrice] = bid
			changes[models.L1BestBidVolume] = p.volume
		}
		out = append(out, &models.Level1ChangeMessage{
			Header:     models.Header{ServerTime: p.t},
			SecurityID: security,
			Changes:    changes,
		})
	}
	return out
}

// candles aggregates the path into time-frame buckets stamped at their close.
func (g *Generator) candles(security models.SecurityID, path []point) []models.Message {
	var out []models.Message
	var c *models.CandleMessage
	for _, p := range path {
		open := p.t.Truncate(g.cfg.CandleTimeFrame)
		if c != nil && !c.OpenTime.Equal(open) {
			out = append(out, c)
			c = nil
		}
		if c == nil {
			end := open.Add(g.cfg.CandleTimeFrame)
			c = &models.CandleMessage{
				Header:      models.Header{ServerTime: end},
				SecurityID:  security,
				TimeFrame:   g.cfg.CandleTimeFrame,
				OpenTime:    open,
				CloseTime:   end,
				OpenPrice:   p.price,
				HighPrice:   p.price,
				LowPrice:    p.price,
				ClosePrice:  p.price,
				TotalVolume: decimal.Zero,
			}
		}
		c.HighPrice = decimal.Max(c.HighPrice, p.price)
		c.LowPrice = decimal.Min(c.LowPrice, p.price)
		c.ClosePrice = p.price
		c.TotalVolume = c.TotalVolume.Add(p.volume)
	}
	if c != nil {
		out = append(out, c)
	}
	return out
}

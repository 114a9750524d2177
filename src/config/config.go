package config

import (
	"errors"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"market-emulator/src/engine"
	"market-emulator/src/generator"
	"market-emulator/src/models"
	"market-emulator/src/portfolio"
	"market-emulator/src/replay"
	"market-emulator/src/router"
)

const (
	StorageNone      = "none"
	StorageSQLite    = "sqlite"
	StorageGenerator = "generator"
)

type Config struct {
	Server      Server                     `yaml:"server"`
	Log         Log                        `yaml:"log"`
	Emulator    Emulator                   `yaml:"emulator"`
	Replay      Replay                     `yaml:"replay"`
	Sink        Sink                       `yaml:"sink"`
	Boards      []models.Board             `yaml:"boards"`
	Commission  []models.CommissionRule    `yaml:"commission"`
	Portfolios  map[string]decimal.Decimal `yaml:"portfolios"`
	Maintenance bool                       `yaml:"maintenance"`
}

type Server struct {
	Port                  int           `yaml:"port"`
	ShutdownTimeout       time.Duration `yaml:"shutdown_timeout"`
	RateLimitMax          int           `yaml:"rate_limit_max"`
	RateLimitWindow       time.Duration `yaml:"rate_limit_window"`
	RateLimitDisabled     bool          `yaml:"rate_limit_disabled"`
	MaxConcurrentRequests int64         `yaml:"max_concurrent_requests"`
	RequestLogging        bool          `yaml:"request_logging"`
	OrderBookDefaultDepth int           `yaml:"orderbook_default_depth"`
	OrderBookMaxDepth     int           `yaml:"orderbook_max_depth"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Emulator holds the matching and ledger knobs.
type Emulator struct {
	MatchOnTouch           bool            `yaml:"match_on_touch"`
	MaxDepth               int             `yaml:"max_depth"`
	Latency                time.Duration   `yaml:"latency"`
	FailingPercent         float64         `yaml:"failing_percent"`
	SpreadSize             int             `yaml:"spread_size"`
	SpreadCrossProbability float64         `yaml:"spread_cross_probability"`
	Seed                   uint64          `yaml:"seed"`
	Verify                 bool            `yaml:"verify"`
	CheckMoney             bool            `yaml:"check_money"`
	CheckShortable         bool            `yaml:"check_shortable"`
	CandlePrice            string          `yaml:"candle_price"`
	RecalculateInterval    time.Duration   `yaml:"recalculate_interval"`
	OrderIDSeed            int64           `yaml:"order_id_seed"`
	TradeIDSeed            int64           `yaml:"trade_id_seed"`
	DefaultMoney           decimal.Decimal `yaml:"default_money"`
	EmitBookUpdates        bool            `yaml:"emit_book_updates"`
}

type Subscription struct {
	Security string          `yaml:"security"`
	DataType models.DataType `yaml:"data_type"`
}

func (s Subscription) dataType() models.DataType {
	return models.DataType(strings.ToUpper(string(s.DataType)))
}

type Replay struct {
	StartDate            time.Time        `yaml:"start_date"`
	StopDate             time.Time        `yaml:"stop_date"`
	PostTradeHeartbeats  int              `yaml:"post_trade_heartbeats"`
	HeartbeatInterval    time.Duration    `yaml:"heartbeat_interval"`
	DefaultBoard         string           `yaml:"default_board"`
	Storage              string           `yaml:"storage"`
	StoragePath          string           `yaml:"storage_path"`
	BufferSize           int              `yaml:"buffer_size"`
	WaitForSubscriptions bool             `yaml:"wait_for_subscriptions"`
	AutoStart            bool             `yaml:"auto_start"`
	Subscriptions        []Subscription   `yaml:"subscriptions"`
	Generator            generator.Config `yaml:"generator"`
}

type Sink struct {
	NATSURL     string `yaml:"nats_url"`
	NATSPrefix  string `yaml:"nats_prefix"`
	LogMessages bool   `yaml:"log_messages"`
}

func Default() *Config {
	es := engine.DefaultSettings()
	return &Config{
		Server: Server{
			Port:                  8080,
			ShutdownTimeout:       10 * time.Second,
			RateLimitMax:          100,
			RateLimitWindow:       time.Second,
			RequestLogging:        true,
			OrderBookDefaultDepth: 10,
			OrderBookMaxDepth:     1000,
		},
		Log: Log{Level: "info"},
		Emulator: Emulator{
			SpreadSize:          es.SpreadSize,
			Seed:                es.Seed,
			CandlePrice:         string(es.CandlePrice),
			RecalculateInterval: time.Minute,
			OrderIDSeed:         1,
			TradeIDSeed:         1,
			EmitBookUpdates:     es.EmitBookUpdates,
		},
		Replay: Replay{
			HeartbeatInterval: time.Minute,
			DefaultBoard:      "EMU",
			Storage:           StorageNone,
			BufferSize:        1024,
			Generator:         generator.DefaultConfig(),
		},
		Sink: Sink{NATSPrefix: "emulator"},
	}
}

// Load reads the YAML file at path over the defaults, then applies env overrides
// and validates. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func overrideWithEnv(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			cfg.Server.Port = parsed
		}
	}
	envDuration("SHUTDOWN_TIMEOUT", &cfg.Server.ShutdownTimeout)
	envInt("RATE_LIMIT_MAX", &cfg.Server.RateLimitMax)
	envDuration("RATE_LIMIT_WINDOW", &cfg.Server.RateLimitWindow)
	if os.Getenv("RATE_LIMIT_DISABLED") == "1" {
		cfg.Server.RateLimitDisabled = true
	}
	if v := os.Getenv("MAX_CONCURRENT_REQUESTS"); v != "" {
		if parsed, err := strconv.ParseInt(v, 10, 64); err == nil && parsed > 0 {
			cfg.Server.MaxConcurrentRequests = parsed
		}
	}
	if os.Getenv("REQUEST_LOGGING_DISABLED") == "1" {
		cfg.Server.RequestLogging = false
	}
	envInt("ORDERBOOK_DEFAULT_DEPTH", &cfg.Server.OrderBookDefaultDepth)
	envInt("ORDERBOOK_MAX_DEPTH", &cfg.Server.OrderBookMaxDepth)
	if os.Getenv("MAINTENANCE_MODE") == "1" {
		cfg.Maintenance = true
	}

	envString("LOG_LEVEL", &cfg.Log.Level)
	envString("LOG_FORMAT", &cfg.Log.Format)
	envString("LOG_FILE", &cfg.Log.File)

	envDuration("EMULATOR_LATENCY", &cfg.Emulator.Latency)
	if v := os.Getenv("EMULATOR_MAX_DEPTH"); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed >= 0 {
			cfg.Emulator.MaxDepth = parsed
		}
	}
	envBool("EMULATOR_MATCH_ON_TOUCH", &cfg.Emulator.MatchOnTouch)
	envBool("EMULATOR_VERIFY", &cfg.Emulator.Verify)
	envBool("EMULATOR_CHECK_MONEY", &cfg.Emulator.CheckMoney)
	envBool("EMULATOR_CHECK_SHORTABLE", &cfg.Emulator.CheckShortable)
	if v := os.Getenv("EMULATOR_DEFAULT_MONEY"); v != "" {
		d, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("EMULATOR_DEFAULT_MONEY: %w", err)
		}
		cfg.Emulator.DefaultMoney = d
	}

	envString("REPLAY_STORAGE", &cfg.Replay.Storage)
	envString("REPLAY_STORAGE_PATH", &cfg.Replay.StoragePath)
	if err := envDate("REPLAY_START", &cfg.Replay.StartDate); err != nil {
		return err
	}
	if err := envDate("REPLAY_STOP", &cfg.Replay.StopDate); err != nil {
		return err
	}

	envString("NATS_URL", &cfg.Sink.NATSURL)
	envString("NATS_PREFIX", &cfg.Sink.NATSPrefix)
	return nil
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil && parsed > 0 {
			*dst = parsed
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			*dst = parsed
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil && parsed > 0 {
			*dst = parsed
		}
	}
}

func envDate(key string, dst *time.Time) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	for _, layout := range []string{time.DateOnly, time.RFC3339} {
		if t, err := time.Parse(layout, v); err == nil {
			*dst = t
			return nil
		}
	}
	return fmt.Errorf("%s: %q is neither a date nor RFC3339", key, v)
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid port: %d", c.Server.Port))
	}
	if c.Server.OrderBookMaxDepth < c.Server.OrderBookDefaultDepth {
		errs = append(errs, fmt.Errorf("orderbook_max_depth %d below orderbook_default_depth %d", c.Server.OrderBookMaxDepth, c.Server.OrderBookDefaultDepth))
	}

	e := c.Emulator
	if e.FailingPercent < 0 || e.FailingPercent > 100 {
		errs = append(errs, fmt.Errorf("failing_percent must be between 0 and 100"))
	}
	if e.SpreadCrossProbability < 0 || e.SpreadCrossProbability > 1 {
		errs = append(errs, fmt.Errorf("spread_cross_probability must be between 0 and 1"))
	}
	if e.MaxDepth < 0 {
		errs = append(errs, fmt.Errorf("max_depth must be >= 0"))
	}
	if e.Latency < 0 {
		errs = append(errs, fmt.Errorf("latency must be >= 0"))
	}
	if e.SpreadSize < 1 {
		errs = append(errs, fmt.Errorf("spread_size must be >= 1"))
	}
	if _, ok := models.ParseCandlePrice(e.CandlePrice); !ok {
		errs = append(errs, fmt.Errorf("unknown candle_price %q", e.CandlePrice))
	}
	if e.DefaultMoney.IsNegative() {
		errs = append(errs, fmt.Errorf("default_money must be >= 0"))
	}

	for i, rule := range c.Commission {
		switch rule.Kind {
		case models.CommissionPerOrder, models.CommissionPerTrade, models.CommissionPerVolume, models.CommissionTurnoverPercent:
		default:
			errs = append(errs, fmt.Errorf("commission[%d]: unknown kind %q", i, rule.Kind))
		}
		if rule.Value.IsNegative() {
			errs = append(errs, fmt.Errorf("commission[%d]: value must be >= 0", i))
		}
	}
	for i, b := range c.Boards {
		if b.Code == "" {
			errs = append(errs, fmt.Errorf("boards[%d]: code is required", i))
		}
		if b.Location != "" {
			if _, err := time.LoadLocation(b.Location); err != nil {
				errs = append(errs, fmt.Errorf("boards[%d]: %w", i, err))
			}
		}
	}

	errs = append(errs, c.Replay.validate()...)
	return errors.Join(errs...)
}

func (r Replay) validate() []error {
	var errs []error
	if !slices.Contains([]string{"", StorageNone, StorageSQLite, StorageGenerator}, r.Storage) {
		return append(errs, fmt.Errorf("unknown replay storage %q", r.Storage))
	}
	if !r.Enabled() {
		return nil
	}
	if r.Storage == StorageSQLite && r.StoragePath == "" {
		errs = append(errs, fmt.Errorf("replay storage_path is required for sqlite"))
	}
	if r.Storage == StorageGenerator {
		if err := r.Generator.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("replay generator: %w", err))
		}
	}
	if r.StartDate.IsZero() || r.StopDate.IsZero() {
		errs = append(errs, fmt.Errorf("replay start_date and stop_date are required"))
	} else if r.StopDate.Before(r.StartDate) {
		errs = append(errs, fmt.Errorf("replay stop_date before start_date"))
	}
	if r.PostTradeHeartbeats < 0 {
		errs = append(errs, fmt.Errorf("replay post_trade_heartbeats must be >= 0"))
	}
	for i, s := range r.Subscriptions {
		if models.ParseSecurityID(s.Security).Code == "" {
			errs = append(errs, fmt.Errorf("replay subscriptions[%d]: security is required", i))
		}
		if dt := s.dataType(); !dt.IsBookCarrying() && dt != models.DataCandles {
			errs = append(errs, fmt.Errorf("replay subscriptions[%d]: data type %q cannot be replayed", i, s.DataType))
		}
	}
	return errs
}

// Enabled reports whether a replay source is configured.
func (r Replay) Enabled() bool {
	return r.Storage != "" && r.Storage != StorageNone
}

func (r Replay) Settings() replay.Settings {
	return replay.Settings{
		StartDate:            r.StartDate,
		StopDate:             r.StopDate,
		PostTradeHeartbeats:  r.PostTradeHeartbeats,
		HeartbeatInterval:    r.HeartbeatInterval,
		DefaultBoard:         r.DefaultBoard,
		BufferSize:           r.BufferSize,
		WaitForSubscriptions: r.WaitForSubscriptions,
	}
}

// SubscriptionMessages turns the configured subscriptions into requests.
func (r Replay) SubscriptionMessages() []*models.MarketDataMessage {
	out := make([]*models.MarketDataMessage, 0, len(r.Subscriptions))
	for i, s := range r.Subscriptions {
		out = append(out, &models.MarketDataMessage{
			TransactionID: int64(i + 1),
			SecurityID:    models.ParseSecurityID(s.Security),
			DataType:      s.dataType(),
			IsSubscribe:   true,
		})
	}
	return out
}

func (e Emulator) EngineSettings() engine.Settings {
	price, _ := models.ParseCandlePrice(e.CandlePrice)
	return engine.Settings{
		MatchOnTouch:           e.MatchOnTouch,
		MaxDepth:               e.MaxDepth,
		Latency:                e.Latency,
		FailingPercent:         e.FailingPercent,
		SpreadSize:             e.SpreadSize,
		SpreadCrossProbability: e.SpreadCrossProbability,
		Seed:                   e.Seed,
		Verify:                 e.Verify,
		CandlePrice:            price,
		EmitBookUpdates:        e.EmitBookUpdates,
	}
}

func (e Emulator) LedgerSettings() portfolio.Settings {
	return portfolio.Settings{
		CheckMoney:          e.CheckMoney,
		CheckShortable:      e.CheckShortable,
		DefaultMoney:        e.DefaultMoney,
		RecalculateInterval: e.RecalculateInterval,
	}
}

func (e Emulator) RouterSettings() router.Settings {
	return router.Settings{
		Engine:      e.EngineSettings(),
		OrderIDSeed: e.OrderIDSeed,
		TradeIDSeed: e.TradeIDSeed,
	}
}

func (s Server) Addr() string {
	return ":" + strconv.Itoa(s.Port)
}

package main

import (
	"context"
	"errors"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/rs/zerolog"

	"market-emulator/src/config"
	"market-emulator/src/generator"
	"market-emulator/src/handlers"
	"market-emulator/src/logger"
	"market-emulator/src/metrics"
	"market-emulator/src/models"
	"market-emulator/src/portfolio"
	"market-emulator/src/replay"
	"market-emulator/src/router"
	"market-emulator/src/routes"
	"market-emulator/src/sink"
	"market-emulator/src/storage"
)

func main() {
	configPath := flag.String("config", os.Getenv("EMULATOR_CONFIG"), "path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.InitLogger("", "", "")
		bootLog := logger.GetLogger()
		bootLog.Fatal().
			Err(err).
			Str("config", *configPath).
			Msg("Invalid configuration")
	}

	logger.InitLogger(cfg.Log.Level, cfg.Log.Format, cfg.Log.File)
	log := logger.GetLogger()

	log.Info().Msg("Initializing Market Emulator")

	collector := metrics.New("emulator")
	rules := portfolio.NewRuleSet()
	ledger := portfolio.NewManager(cfg.Emulator.LedgerSettings(), portfolio.WithCommission(rules))

	tracker := handlers.NewOrderTracker()
	out := sink.Fanout{tracker}
	if cfg.Sink.NATSURL != "" {
		nc, err := sink.DialNATS(cfg.Sink.NATSURL, cfg.Sink.NATSPrefix)
		if err != nil {
			log.Fatal().
				Err(err).
				Str("url", cfg.Sink.NATSURL).
				Msg("NATS sink unavailable")
		}
		out = append(out, nc)
	}
	if cfg.Sink.LogMessages {
		out = append(out, sink.NewLog(log, zerolog.DebugLevel))
	}

	r := router.New(cfg.Emulator.RouterSettings(), ledger, rules,
		router.WithSink(out),
		router.WithMetrics(collector),
	)

	// boards and commission rules survive a reset, portfolios do not
	for _, b := range cfg.Boards {
		r.SendInMessage(&models.BoardMessage{Board: b})
	}
	for _, rule := range cfg.Commission {
		r.SendInMessage(&models.CommissionRuleMessage{Rule: rule})
	}
	seedPortfolios := func() {
		for name, money := range cfg.Portfolios {
			r.SendInMessage(&models.PortfolioMessage{Name: name, BeginMoney: money})
		}
	}
	seedPortfolios()

	orderHandler := handlers.NewOrderHandler(r, tracker, cfg.Server)
	orderHandler.OnReset = seedPortfolios

	var scheduler *replay.Scheduler
	closeStorage := func() error { return nil }
	if cfg.Replay.Enabled() {
		source, closer, err := openStorage(cfg.Replay, r)
		if err != nil {
			log.Fatal().
				Err(err).
				Str("storage", cfg.Replay.Storage).
				Msg("Replay storage unavailable")
		}
		closeStorage = closer

		scheduler = replay.New(cfg.Replay.Settings(), source, r,
			replay.WithCalendar(r),
			replay.WithMetrics(collector),
		)
		r.SetSubscriptionHandler(scheduler)
		r.SetController(scheduler)
		orderHandler.Emulation = scheduler
	}

	r.SendInMessage(&models.ConnectMessage{})

	if scheduler != nil {
		for _, sub := range cfg.Replay.SubscriptionMessages() {
			r.SendInMessage(sub)
		}
		if cfg.Replay.AutoStart {
			r.SendInMessage(&models.EmulationStateMessage{State: models.EmulationStarting})
		}
	}

	app := fiber.New(fiber.Config{
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			if e, ok := err.(*fiber.Error); ok {
				code = e.Code
			}

			log.Error().
				Str("path", c.Path()).
				Str("method", c.Method()).
				Int("status", code).
				Str("error", err.Error()).
				Msg("Request error")

			return c.Status(code).JSON(fiber.Map{
				"error": err.Error(),
			})
		},
	})

	app.Use(recover.New())
	routes.SetupRoutes(app, orderHandler, cfg, collector)

	addr := cfg.Server.Addr()
	serverError := make(chan error, 1)

	go func() {
		if err := app.Listen(addr); err != nil {
			// edge case: ignore shutdown errors, only report real errors
			if err.Error() != "server is shutting down" {
				serverError <- err
			}
		}
	}()

	select {
	case err := <-serverError:
		log.Fatal().
			Err(err).
			Str("addr", addr).
			Str("hint", "Port may be already in use. Try: PORT=3000 go run main.go").
			Msg("Server failed to start")
	case <-time.After(100 * time.Millisecond):
		log.Info().
			Str("addr", addr).
			Bool("replay", scheduler != nil).
			Msg("Market Emulator started")

		log.Info().
			Strs("endpoints", routes.Endpoints()).
			Msg("API endpoints registered")
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	<-quit
	log.Info().Msg("Received shutdown signal, shutting down...")

	shutdownTimeout := cfg.Server.ShutdownTimeout
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		// edge case: timeout during shutdown is acceptable
		if errors.Is(err, context.DeadlineExceeded) {
			log.Warn().
				Dur("timeout", shutdownTimeout).
				Msg("Timeout exceeded, shutting down...")
		} else {
			log.Error().
				Err(err).
				Msg("Error during shutdown")
		}
	}

	if scheduler != nil {
		if err := scheduler.Stop(); err != nil && !errors.Is(err, replay.ErrIllegalState) {
			log.Error().Err(err).Msg("Error stopping replay")
		}
		scheduler.Wait()
	}
	r.SendInMessage(&models.DisconnectMessage{})

	if err := out.Close(); err != nil {
		log.Error().Err(err).Msg("Error closing sinks")
	}
	if err := closeStorage(); err != nil {
		log.Error().Err(err).Msg("Error closing replay storage")
	}

	log.Info().Msg("Shutdown complete")
	logger.CloseLogger()
}

// openStorage builds the configured historical source. The returned closer is never nil.
func openStorage(cfg config.Replay, calendar replay.Calendar) (replay.Storage, func() error, error) {
	switch cfg.Storage {
	case config.StorageSQLite:
		s, err := storage.Open(cfg.StoragePath)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Close, nil
	default:
		g, err := generator.New(cfg.Generator, calendar)
		if err != nil {
			return nil, nil, err
		}
		return g, func() error { return nil }, nil
	}
}

package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"market-emulator/src/config"
	"market-emulator/src/handlers"
	"market-emulator/src/metrics"
	"market-emulator/src/middleware"
)

// SetupRoutes registers the gateway on app and returns the availability gate
// so callers can toggle maintenance mode.
func SetupRoutes(app *fiber.App, orderHandler *handlers.OrderHandler, cfg *config.Config, collector *metrics.Collector) *middleware.ServiceAvailability {
	serviceAvailability := middleware.NewServiceAvailability(
		cfg.Server.MaxConcurrentRequests,
		cfg.Maintenance,
		orderHandler.Router.Connected,
		"/api/v1/orders",
	)
	app.Use(serviceAvailability.Middleware())
	app.Use(middleware.RequestLogger(cfg.Server.RequestLogging))

	api := app.Group("/api/v1")

	if !cfg.Server.RateLimitDisabled {
		rateLimiter := middleware.NewRateLimiter(cfg.Server.RateLimitMax, cfg.Server.RateLimitWindow)
		api.Use(rateLimiter.Middleware())
	}

	api.Post("/orders", orderHandler.SubmitOrder)
	api.Put("/orders/:id", orderHandler.ReplaceOrder)
	api.Delete("/orders/:id", orderHandler.CancelOrder)
	api.Get("/orders/:id", orderHandler.GetOrderStatus)
	api.Get("/orderbook/:security", orderHandler.GetOrderBook)
	api.Get("/portfolios/:name", orderHandler.GetPortfolio)
	api.Post("/marketdata/ticks", orderHandler.PostTick)
	api.Post("/marketdata/quotes", orderHandler.PostQuotes)
	api.Get("/emulation", orderHandler.GetEmulation)
	api.Post("/emulation/:action", orderHandler.ChangeEmulation)
	api.Post("/connect", orderHandler.Connect)
	api.Post("/disconnect", orderHandler.Disconnect)
	api.Post("/reset", orderHandler.Reset)
	api.Get("/stats", orderHandler.Stats)

	app.Get("/health", orderHandler.HealthCheck)
	if registry := collector.Registry(); registry != nil {
		app.Get("/metrics", adaptor.HTTPHandler(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	}

	return serviceAvailability
}

// Endpoints lists the registered routes for the startup log.
func Endpoints() []string {
	return []string{
		"POST   /api/v1/orders",
		"PUT    /api/v1/orders/:id",
		"DELETE /api/v1/orders/:id",
		"GET    /api/v1/orders/:id",
		"GET    /api/v1/orderbook/:security",
		"GET    /api/v1/portfolios/:name",
		"POST   /api/v1/marketdata/ticks",
		"POST   /api/v1/marketdata/quotes",
		"GET    /api/v1/emulation",
		"POST   /api/v1/emulation/:action",
		"POST   /api/v1/connect",
		"POST   /api/v1/disconnect",
		"POST   /api/v1/reset",
		"GET    /api/v1/stats",
		"GET    /health",
		"GET    /metrics",
	}
}

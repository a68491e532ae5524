// Package api serves the operational HTTP surface: health probes and
// processing statistics. The product API lives upstream; this server
// exists for load balancers and dashboards.
package api

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/requestid"

	"github.com/stackwatch/vigil/internal/database"
)

type Router struct {
	app    *fiber.App
	logger *slog.Logger
	pool   database.PgxPool
	checks Checks
}

func NewRouter(logger *slog.Logger, pool database.PgxPool, checks Checks) *Router {
	app := fiber.New(fiber.Config{
		ErrorHandler: errorHandler(logger),
		AppName:      "Vigil Ops",
	})

	return &Router{
		app:    app,
		logger: logger,
		pool:   pool,
		checks: checks,
	}
}

func (r *Router) Setup() {
	r.app.Use(requestid.New())
	r.app.Use(recoverPanic(r.logger))
	r.app.Use(requestLogger(r.logger))

	health := newHealthHandler(r.checks)
	r.app.Get("/health", health.Health)
	r.app.Get("/ready", health.Ready)

	stats := newStatsHandler(r.pool)
	r.app.Get("/stats", stats.Stats)
}

func (r *Router) App() *fiber.App {
	return r.app
}

func (r *Router) Listen(addr string) error {
	return r.app.Listen(addr)
}

func (r *Router) Shutdown() error {
	return r.app.Shutdown()
}

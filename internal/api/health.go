package api

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Checks probes the processor's external dependencies. Any nil check is
// skipped, which keeps tests off live backends.
type Checks struct {
	Postgres func(ctx context.Context) error
	Redis    func(ctx context.Context) error
	NATS     func(ctx context.Context) error
}

type healthHandler struct {
	checks Checks
}

func newHealthHandler(checks Checks) *healthHandler {
	return &healthHandler{checks: checks}
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func (h *healthHandler) Health(c *fiber.Ctx) error {
	return c.JSON(healthResponse{Status: "ok"})
}

// Ready reports per-dependency status; a single failing dependency makes
// the whole probe 503 so the instance drops out of rotation.
func (h *healthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 3*time.Second)
	defer cancel()

	results := make(map[string]string)
	healthy := true

	probe := func(name string, check func(ctx context.Context) error) {
		if check == nil {
			return
		}
		if err := check(ctx); err != nil {
			results[name] = err.Error()
			healthy = false
			return
		}
		results[name] = "ok"
	}

	probe("postgres", h.checks.Postgres)
	probe("redis", h.checks.Redis)
	probe("nats", h.checks.NATS)

	resp := healthResponse{Status: "ready", Checks: results}
	if !healthy {
		resp.Status = "degraded"
		return c.Status(fiber.StatusServiceUnavailable).JSON(resp)
	}
	return c.JSON(resp)
}

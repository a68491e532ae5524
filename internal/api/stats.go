package api

import (
	"github.com/gofiber/fiber/v2"

	"github.com/stackwatch/vigil/internal/database"
)

type statsHandler struct {
	pool database.PgxPool
}

func newStatsHandler(pool database.PgxPool) *statsHandler {
	return &statsHandler{pool: pool}
}

type statsResponse struct {
	OpenIncidents       int64 `json:"open_incidents"`
	ActiveSubscriptions int64 `json:"active_subscriptions"`
	AlertRules          int64 `json:"alert_rules"`
}

func (h *statsHandler) Stats(c *fiber.Ctx) error {
	ctx := c.Context()

	var resp statsResponse
	row := h.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM incidents WHERE status != 'closed'),
			(SELECT COUNT(*) FROM subscriptions WHERE status = 'active'),
			(SELECT COUNT(*) FROM alert_rules)
	`)
	if err := row.Scan(&resp.OpenIncidents, &resp.ActiveSubscriptions, &resp.AlertRules); err != nil {
		return fiber.NewError(fiber.StatusInternalServerError, "stats query failed")
	}

	return c.JSON(resp)
}

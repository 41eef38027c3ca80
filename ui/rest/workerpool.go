package rest

import (
	"github.com/AzielCF/az-filter/pkg/evworker"
	"github.com/gofiber/fiber/v2"
)

// GetEventPoolStats returns real-time event worker pool statistics
func GetEventPoolStats(c *fiber.Ctx) error {
	stats := evworker.GetGlobalStats()
	return c.JSON(stats)
}

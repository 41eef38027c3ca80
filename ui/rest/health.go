package rest

import (
	coreconfig "github.com/AzielCF/az-filter/core/config"
	"github.com/AzielCF/az-filter/domains/health"
	"github.com/AzielCF/az-filter/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

type Health struct {
	Service health.IHealthUsecase
}

func InitRestHealth(app fiber.Router, service health.IHealthUsecase) Health {
	handler := Health{Service: service}

	group := app.Group("/health")
	group.Get("/status", handler.GetStatus)
	group.Get("/settings", handler.GetSettings)
	group.Post("/check-all", handler.CheckAll)
	group.Post("/store/check", handler.CheckStore)
	group.Post("/cache/check", handler.CheckCache)

	return handler
}

func (h *Health) GetStatus(c *fiber.Ctx) error {
	summary, err := h.Service.GetStatus(c.UserContext())
	if err != nil {
		return c.Status(500).JSON(utils.ResponseData{
			Status:  500,
			Code:    "INTERNAL_SERVER_ERROR",
			Message: err.Error(),
		})
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Health status retrieved",
		Results: summary,
	})
}

func (h *Health) CheckAll(c *fiber.Ctx) error {
	records, err := h.Service.CheckAll(c.UserContext())
	if err != nil {
		return c.Status(500).JSON(utils.ResponseData{
			Status:  500,
			Code:    "INTERNAL_SERVER_ERROR",
			Message: err.Error(),
		})
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Verification completed for all entities",
		Results: records,
	})
}

func (h *Health) CheckStore(c *fiber.Ctx) error {
	record, err := h.Service.CheckStore(c.UserContext())
	if err != nil {
		return c.Status(500).JSON(utils.ResponseData{
			Status:  500,
			Code:    "INTERNAL_SERVER_ERROR",
			Message: err.Error(),
		})
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Rule store health check completed",
		Results: record,
	})
}

func (h *Health) CheckCache(c *fiber.Ctx) error {
	record, err := h.Service.CheckCache(c.UserContext())
	if err != nil {
		return c.Status(500).JSON(utils.ResponseData{
			Status:  500,
			Code:    "INTERNAL_SERVER_ERROR",
			Message: err.Error(),
		})
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Rule cache health check completed",
		Results: record,
	})
}

// GetSettings exposes the effective runtime settings for operators. Values
// only, never credentials.
func (h *Health) GetSettings(c *fiber.Ctx) error {
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Runtime settings retrieved",
		Results: coreconfig.GetAllSettings(),
	})
}

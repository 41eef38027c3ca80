package rest

import (
	domainFilter "github.com/AzielCF/az-filter/domains/filter"
	pkgError "github.com/AzielCF/az-filter/pkg/error"
	"github.com/AzielCF/az-filter/pkg/utils"
	"github.com/gofiber/fiber/v2"
)

// Check exposes the evaluation surface the messaging protocol consults as a
// delivery gate. Read-only, open to any authenticated caller.
type Check struct {
	Service domainFilter.IFilterUsecase
}

func InitRestCheck(app fiber.Router, service domainFilter.IFilterUsecase) Check {
	handler := Check{Service: service}

	group := app.Group("/check")
	group.Get("/contact", handler.CanContact)
	group.Get("/category", handler.CanSendCategory)

	return handler
}

func (handler *Check) CanContact(c *fiber.Ctx) error {
	owner := c.Query("owner")
	sender := c.Query("sender")
	if owner == "" || sender == "" {
		utils.PanicIfNeeded(pkgError.ValidationError("owner and sender query parameters are required"))
	}

	decision, err := handler.Service.Evaluate(c.UserContext(), owner, sender, "")
	panicIfFailed(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Contact check evaluated",
		Results: domainFilter.EvaluationResponse{
			Owner:   owner,
			Sender:  sender,
			Allowed: decision.Allowed,
			Reason:  string(decision.Reason),
		},
	})
}

func (handler *Check) CanSendCategory(c *fiber.Ctx) error {
	owner := c.Query("owner")
	sender := c.Query("sender")
	category := c.Query("category")
	if owner == "" || sender == "" || category == "" {
		utils.PanicIfNeeded(pkgError.ValidationError("owner, sender and category query parameters are required"))
	}

	decision, err := handler.Service.Evaluate(c.UserContext(), owner, sender, category)
	panicIfFailed(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Category check evaluated",
		Results: domainFilter.EvaluationResponse{
			Owner:    owner,
			Sender:   sender,
			Category: category,
			Allowed:  decision.Allowed,
			Reason:   string(decision.Reason),
		},
	})
}

package rest

import (
	"errors"
	"sort"

	domainFilter "github.com/AzielCF/az-filter/domains/filter"
	"github.com/AzielCF/az-filter/filter/domain/rule"
	pkgError "github.com/AzielCF/az-filter/pkg/error"
	"github.com/AzielCF/az-filter/pkg/utils"
	"github.com/AzielCF/az-filter/ui/rest/middleware"
	"github.com/AzielCF/az-filter/validations"
	"github.com/gofiber/fiber/v2"
)

type Filter struct {
	Service domainFilter.IFilterUsecase
}

func InitRestFilter(app fiber.Router, service domainFilter.IFilterUsecase) Filter {
	handler := Filter{Service: service}

	group := app.Group("/filter")
	group.Get("/:owner", handler.GetRuleSet)
	group.Put("/:owner/policy", handler.SetPolicy)
	group.Get("/:owner/optin", handler.GetOptIn)
	group.Put("/:owner/optin", handler.SetOptIn)
	group.Post("/:owner/entries", handler.UpsertEntry)
	group.Get("/:owner/entries", handler.ListEntries)
	group.Delete("/:owner/entries/:sender", handler.RemoveEntry)
	group.Delete("/:owner/entries", handler.ClearEntries)
	group.Get("/:owner/events", handler.ListEvents)

	return handler
}

// translateError wraps domain sentinels into the typed errors the Recovery
// middleware renders. Unknown errors become 500s, never a permissive answer.
func translateError(err error) error {
	if err == nil {
		return nil
	}
	switch {
	case errors.Is(err, rule.ErrUnauthorized):
		return pkgError.UnauthorizedError(err.Error())
	case errors.Is(err, rule.ErrInvalidAccount),
		errors.Is(err, rule.ErrInvalidPolicy),
		errors.Is(err, rule.ErrSelfTarget),
		errors.Is(err, rule.ErrCategoriesOnDeny),
		errors.Is(err, rule.ErrUnknownCategory),
		errors.Is(err, rule.ErrEntryLimit):
		return pkgError.ValidationError(err.Error())
	case errors.Is(err, rule.ErrRuleSetNotFound):
		return pkgError.NotFoundError(err.Error())
	default:
		return pkgError.InternalServerError(err.Error())
	}
}

func panicIfFailed(err error) {
	if err != nil {
		utils.PanicIfNeeded(translateError(err))
	}
}

func toRuleSetResponse(rs rule.RuleSet, stored bool) domainFilter.RuleSetResponse {
	entries := make([]rule.PermissionEntry, 0, len(rs.Entries))
	for _, e := range rs.Entries {
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Sender < entries[j].Sender })

	resp := domainFilter.RuleSetResponse{
		Owner:         string(rs.Owner),
		DefaultPolicy: string(rs.DefaultPolicy),
		Entries:       entries,
		Revision:      rs.Revision,
		Stored:        stored,
	}
	if stored {
		resp.CreatedAt = rs.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
		resp.UpdatedAt = rs.UpdatedAt.UTC().Format("2006-01-02T15:04:05Z07:00")
	}
	return resp
}

func (handler *Filter) GetRuleSet(c *fiber.Ctx) error {
	owner := c.Params("owner")
	rs, stored, err := handler.Service.GetRuleSet(c.UserContext(), owner)
	panicIfFailed(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Rule set retrieved",
		Results: toRuleSetResponse(rs, stored),
	})
}

func (handler *Filter) SetPolicy(c *fiber.Ctx) error {
	var request domainFilter.SetPolicyRequest
	err := c.BodyParser(&request)
	utils.PanicIfNeeded(err)
	request.Owner = c.Params("owner")

	utils.PanicIfNeeded(validations.ValidateSetPolicy(c.UserContext(), request))

	rs, err := handler.Service.SetDefaultPolicy(c.UserContext(), middleware.CallerFrom(c), request.Owner, request.DefaultPolicy)
	panicIfFailed(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Default policy updated",
		Results: toRuleSetResponse(rs, true),
	})
}

func (handler *Filter) GetOptIn(c *fiber.Ctx) error {
	optedIn, err := handler.Service.GetOptInStatus(c.UserContext(), c.Params("owner"))
	panicIfFailed(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Opt-in status retrieved",
		Results: map[string]any{
			"opted_in": optedIn,
		},
	})
}

func (handler *Filter) SetOptIn(c *fiber.Ctx) error {
	var request domainFilter.OptInRequest
	err := c.BodyParser(&request)
	utils.PanicIfNeeded(err)
	request.Owner = c.Params("owner")

	changed, err := handler.Service.SetOptIn(c.UserContext(), middleware.CallerFrom(c), request.Owner, request.OptedIn)
	panicIfFailed(err)

	message := "Opt-in status unchanged"
	if changed {
		if request.OptedIn {
			message = "Opted in"
		} else {
			message = "Opted out, rule set removed"
		}
	}
	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: message,
		Results: map[string]any{
			"opted_in": request.OptedIn,
			"changed":  changed,
		},
	})
}

func (handler *Filter) UpsertEntry(c *fiber.Ctx) error {
	var request domainFilter.UpsertEntryRequest
	err := c.BodyParser(&request)
	utils.PanicIfNeeded(err)
	request.Owner = c.Params("owner")

	utils.PanicIfNeeded(validations.ValidateUpsertEntry(c.UserContext(), request))

	entry, err := handler.Service.UpsertEntry(c.UserContext(), middleware.CallerFrom(c), request.Owner, request.Sender, request.Allowed, request.Categories)
	panicIfFailed(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Entry saved",
		Results: entry,
	})
}

func (handler *Filter) ListEntries(c *fiber.Ctx) error {
	entries, err := handler.Service.ListEntries(c.UserContext(), c.Params("owner"))
	panicIfFailed(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Entries retrieved",
		Results: entries,
	})
}

func (handler *Filter) RemoveEntry(c *fiber.Ctx) error {
	err := handler.Service.RemoveEntry(c.UserContext(), middleware.CallerFrom(c), c.Params("owner"), c.Params("sender"))
	panicIfFailed(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Entry removed",
	})
}

func (handler *Filter) ClearEntries(c *fiber.Ctx) error {
	removed, err := handler.Service.ClearEntries(c.UserContext(), middleware.CallerFrom(c), c.Params("owner"))
	panicIfFailed(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Entries cleared",
		Results: map[string]any{
			"removed": removed,
		},
	})
}

func (handler *Filter) ListEvents(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	events, err := handler.Service.ListEvents(c.UserContext(), c.Params("owner"), limit)
	panicIfFailed(err)

	return c.JSON(utils.ResponseData{
		Status:  200,
		Code:    "SUCCESS",
		Message: "Events retrieved",
		Results: events,
	})
}

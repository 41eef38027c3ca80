package middleware

import (
	"strings"

	"github.com/gofiber/fiber/v2"
)

const callerLocalKey = "caller_account"

// CallerIdentity extracts the authenticated account of the calling party from
// the X-Account-ID header. The upstream gateway owns authentication; this
// value is trusted as-is and only compared against the targeted owner.
func CallerIdentity() fiber.Handler {
	return func(c *fiber.Ctx) error {
		caller := strings.TrimSpace(c.Get("X-Account-ID"))
		c.Locals(callerLocalKey, caller)
		return c.Next()
	}
}

// CallerFrom returns the caller account set by CallerIdentity, empty when the
// header was absent.
func CallerFrom(c *fiber.Ctx) string {
	caller, _ := c.Locals(callerLocalKey).(string)
	return caller
}

// Package auth provides the token middleware for the HTTP API: a static
// per-organization API token on the integration endpoints and the platform
// verification token on the interpreter endpoints.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/teampayhq/megatron/internal/directory"
)

// Scheme is the Authorization scheme for organization API tokens.
const Scheme = "MegatronToken"

const orgContextKey = "megatron.organization"

// OrganizationResolver looks up the organization owning an API token.
type OrganizationResolver interface {
	OrganizationByAPIToken(ctx context.Context, token string) (directory.Organization, error)
}

// OrganizationMiddleware authenticates requests carrying
// "Authorization: MegatronToken <token>" and stores the organization in the
// request context. Paths accepted by skip pass through unauthenticated.
func OrganizationMiddleware(resolver OrganizationResolver, skip func(c echo.Context) bool) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if skip != nil && skip(c) {
				return next(c)
			}
			token, ok := bearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing or malformed authorization header")
			}
			org, err := resolver.OrganizationByAPIToken(c.Request().Context(), token)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			c.Set(orgContextKey, org)
			return next(c)
		}
	}
}

// OrganizationFromContext returns the organization set by the middleware.
func OrganizationFromContext(c echo.Context) (directory.Organization, bool) {
	org, ok := c.Get(orgContextKey).(directory.Organization)
	return org, ok
}

func bearerToken(header string) (string, bool) {
	scheme, token, found := strings.Cut(header, " ")
	if !found || !strings.EqualFold(scheme, Scheme) {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

// VerifySlackToken checks a verification token sent inside a platform
// payload against the configured one. An empty configured token rejects
// everything.
func VerifySlackToken(configured, received string) error {
	if configured == "" || received != configured {
		return echo.NewHTTPError(http.StatusUnauthorized, "incorrect validation token")
	}
	return nil
}

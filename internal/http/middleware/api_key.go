package middleware

import (
	"context"
	"net/http"
	"strings"

	echo "github.com/labstack/echo/v4"
	"github.com/mshirdel/campaign-core/internal/repository"
)

// UserIDFromCtx extracts the authenticated owner user id set by APIKeyMiddleware.
func UserIDFromCtx(c echo.Context) (int64, bool) {
	v := c.Get("user_id")
	id, ok := v.(int64)
	return id, ok
}

// SubscriptionIDFromCtx extracts the partner app's subscription id.
func SubscriptionIDFromCtx(c echo.Context) (int64, bool) {
	v := c.Get("subscription_id")
	id, ok := v.(int64)
	return id, ok
}

// APICallCounter charges one API call against a subscription's daily
// allowance. The returned bool reports whether the call fit under the limit.
type APICallCounter interface {
	IncrAPICalls(ctx context.Context, subscriptionID int64) (bool, error)
}

// APIKeyMiddleware authenticates requests using the X-API-Key header against
// partner applications. On success it charges the subscription's daily API
// call allowance and stores the owning user and subscription in context;
// suspended apps are rejected, exhausted allowances get 429.
func APIKeyMiddleware(apps repository.PartnerAppsRepository, calls APICallCounter) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := strings.TrimSpace(c.Request().Header.Get("X-API-Key"))
			if key == "" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "missing api key"})
			}
			app, err := apps.GetByAPIKey(c.Request().Context(), key)
			if err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "auth error"})
			}
			if app == nil || app.Status != "active" {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			}
			ok, err := calls.IncrAPICalls(c.Request().Context(), app.SubscriptionID)
			if err != nil {
				return c.JSON(http.StatusInternalServerError, map[string]string{"error": "auth error"})
			}
			if !ok {
				return c.JSON(http.StatusTooManyRequests, map[string]string{"error": "daily api call limit reached"})
			}
			c.Set("user_id", app.UserID)
			c.Set("subscription_id", app.SubscriptionID)
			if app.RateLimitRPS != nil {
				c.Set("app_rps", *app.RateLimitRPS)
			}
			return next(c)
		}
	}
}

package http

import (
	"net/http"

	echo "github.com/labstack/echo/v4"
	"github.com/mshirdel/campaign-core/internal/http/middleware"
	"github.com/mshirdel/campaign-core/internal/repository"
)

// usageHandler reports the authenticated subscription's quota consumption so
// partners can check remaining capacity before queuing a large campaign.
func usageHandler(subs repository.SubscriptionsRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		subID, ok := middleware.SubscriptionIDFromCtx(c)
		if !ok || subID <= 0 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		usage, err := subs.GetBySubscriptionID(c.Request().Context(), subID)
		if err != nil {
			c.Logger().Errorf("usage lookup failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		if usage == nil {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"subscription_id":  usage.SubscriptionID,
			"status":           usage.Status,
			"sms_used":         usage.SMSUsed,
			"sms_limit":        usage.SMSLimit,
			"whatsapp_used":    usage.WhatsAppUsed,
			"whatsapp_limit":   usage.WhatsAppLimit,
			"api_calls_today":  usage.APICallsToday,
			"api_calls_limit":  usage.APICallsLimit,
			"daily_reset_at":   usage.DailyResetAt,
			"monthly_reset_at": usage.MonthlyResetAt,
		})
	}
}

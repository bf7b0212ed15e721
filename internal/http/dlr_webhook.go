package http

import (
	"net/http"
	"strings"
	"time"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/mshirdel/campaign-core/internal/dlr"
	"github.com/mshirdel/campaign-core/internal/model"
)

type dlrWebhookReq struct {
	ProviderMessageID string `json:"provider_message_id"`
	StatusCode        string `json:"status_code"`
	ReceivedAt        string `json:"received_at"` // RFC3339, optional
}

// dlrWebhookHandler is the synchronous receipt ingress. Providers deliver
// at-least-once, so the handler answers 200 for duplicates, unknown targets,
// and stale transitions alike; only a storage failure earns a 5xx retry.
func dlrWebhookHandler(processor *dlr.Processor) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req dlrWebhookReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		req.ProviderMessageID = strings.TrimSpace(req.ProviderMessageID)
		req.StatusCode = strings.TrimSpace(req.StatusCode)
		if req.ProviderMessageID == "" || req.StatusCode == "" {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid payload"})
		}

		receivedAt := time.Now()
		if req.ReceivedAt != "" {
			if t, err := time.Parse(time.RFC3339, req.ReceivedAt); err == nil {
				receivedAt = t
			}
		}

		err := processor.Ingest(c.Request().Context(), model.DeliveryReceipt{
			ProviderMsgID: req.ProviderMessageID,
			StatusCode:    req.StatusCode,
			ReceivedAt:    receivedAt,
		})
		if err != nil {
			log.Errorf("receipt ingest failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "ingest failed"})
		}

		return c.JSON(http.StatusOK, map[string]string{"status": "accepted"})
	}
}

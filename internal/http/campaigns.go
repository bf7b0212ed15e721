package http

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	echo "github.com/labstack/echo/v4"
	"github.com/labstack/gommon/log"
	"github.com/mshirdel/campaign-core/internal/campaign"
	"github.com/mshirdel/campaign-core/internal/http/middleware"
	"github.com/mshirdel/campaign-core/internal/model"
	"github.com/mshirdel/campaign-core/internal/quota"
	"github.com/mshirdel/campaign-core/internal/repository"
)

type createCampaignReq struct {
	Recipients  []string `json:"recipients"`
	GroupID     string   `json:"group_id"`
	Channel     string   `json:"channel"` // "sms" | "whatsapp"
	Content     string   `json:"content"`
	ScheduledAt string   `json:"scheduled_at"` // RFC3339, optional
}

func createCampaignHandler(mgr *campaign.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		var req createCampaignReq
		if err := c.Bind(&req); err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}

		req.Content = strings.TrimSpace(req.Content)
		req.GroupID = strings.TrimSpace(req.GroupID)

		if req.Content == "" || (len(req.Recipients) == 0 && req.GroupID == "") {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "bad request"})
		}
		if utf8.RuneCountInString(req.Content) > 1600 {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "content too long"})
		}

		ch, ok := model.ParseChannel(req.Channel)
		if !ok {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid channel"})
		}

		userID, ok := middleware.UserIDFromCtx(c)
		if !ok || userID <= 0 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}
		subID, _ := middleware.SubscriptionIDFromCtx(c)

		var scheduledAt *time.Time
		if s := strings.TrimSpace(req.ScheduledAt); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "invalid scheduled_at"})
			}
			scheduledAt = &t
		}

		created, err := mgr.CreateCampaign(c.Request().Context(), campaign.CreateRequest{
			UserID:         userID,
			SubscriptionID: subID,
			GroupID:        req.GroupID,
			Recipients:     req.Recipients,
			Channel:        ch,
			Content:        req.Content,
			ScheduledAt:    scheduledAt,
		})
		if err != nil {
			if errors.Is(err, quota.ErrQuotaExceeded) {
				// the rejected campaign exists, terminally, with zero messages
				return c.JSON(http.StatusPaymentRequired, map[string]any{
					"campaign_id": created.ID,
					"status":      model.BulkStatusQuotaRejected.String(),
					"error":       "quota_exceeded",
				})
			}
			if errors.Is(err, campaign.ErrNoRecipients) {
				return c.JSON(http.StatusBadRequest, map[string]string{"error": "no valid recipients"})
			}

			log.Errorf("create campaign failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusAccepted, map[string]any{
			"campaign_id": created.ID,
			"status":      model.BulkStatusQueued.String(),
			"total":       created.Total,
			"channel":     ch.String(),
		})
	}
}

func getCampaignHandler(mgr *campaign.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := middleware.UserIDFromCtx(c)
		if !ok || userID <= 0 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		found, err := mgr.FindByBulkID(c.Request().Context(), c.Param("id"))
		if err != nil {
			if errors.Is(err, campaign.ErrNotFound) {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
			}
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		if found.UserID != userID {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		}

		stats, err := mgr.Stats(c.Request().Context(), found.ID)
		if err != nil {
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"campaign_id":  found.ID,
			"channel":      found.Channel.String(),
			"bulk_status":  found.BulkStatus.String(),
			"in_process":   found.InProcess,
			"total":        found.Total,
			"sent":         found.Sent,
			"delivered":    found.Delivered,
			"read":         found.ReadCount,
			"failed":       found.Failed,
			"undelivered":  found.Undelivered,
			"message_view": stats,
		})
	}
}

func listCampaignsHandler(mgr *campaign.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := middleware.UserIDFromCtx(c)
		if !ok || userID <= 0 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		limit := 50
		offset := 0
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		status := model.BulkStatus(strings.TrimSpace(c.QueryParam("status")))

		items, err := mgr.List(c.Request().Context(), userID, status, limit, offset)
		if err != nil {
			c.Logger().Errorf("list campaigns failed: %v", err)
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(items),
			"results": items,
		})
	}
}

// dispatchCampaignHandler kicks off (or resumes) dispatch of a scheduled or
// partially-sent campaign. One pass at a time; a second call while a pass is
// active answers 409.
func dispatchCampaignHandler(mgr *campaign.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := middleware.UserIDFromCtx(c)
		if !ok || userID <= 0 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		id := c.Param("id")
		found, err := mgr.FindByBulkID(c.Request().Context(), id)
		if err != nil {
			if errors.Is(err, campaign.ErrNotFound) {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
			}
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		if found.UserID != userID {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		}

		switch err := mgr.StartDispatch(c.Request().Context(), id); {
		case err == nil:
			return c.JSON(http.StatusAccepted, map[string]string{"campaign_id": id, "status": "dispatching"})
		case errors.Is(err, campaign.ErrAlreadyTerminal):
			return c.JSON(http.StatusConflict, map[string]string{"error": "campaign already terminal"})
		case errors.Is(err, campaign.ErrDispatchInProgress):
			return c.JSON(http.StatusConflict, map[string]string{"error": "dispatch already in progress"})
		case errors.Is(err, campaign.ErrNotDue):
			return c.JSON(http.StatusConflict, map[string]string{"error": "campaign not due yet"})
		default:
			log.Errorf("start dispatch failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
	}
}

func cancelCampaignHandler(mgr *campaign.Manager) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := middleware.UserIDFromCtx(c)
		if !ok || userID <= 0 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		id := c.Param("id")
		found, err := mgr.FindByBulkID(c.Request().Context(), id)
		if err != nil {
			if errors.Is(err, campaign.ErrNotFound) {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
			}
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		if found.UserID != userID {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		}

		if err := mgr.Cancel(c.Request().Context(), id); err != nil {
			if errors.Is(err, campaign.ErrAlreadyTerminal) {
				return c.JSON(http.StatusConflict, map[string]string{"error": "campaign already terminal"})
			}
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"campaign_id": id,
			"status":      model.BulkStatusCancelled.String(),
		})
	}
}

// listCampaignMessagesHandler serves the paginated per-message detail from
// the ClickHouse read model.
func listCampaignMessagesHandler(mgr *campaign.Manager, chRepo repository.CHMessagesRepository) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID, ok := middleware.UserIDFromCtx(c)
		if !ok || userID <= 0 {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
		}

		id := c.Param("id")
		found, err := mgr.FindByBulkID(c.Request().Context(), id)
		if err != nil {
			if errors.Is(err, campaign.ErrNotFound) {
				return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
			}
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "db error"})
		}
		if found.UserID != userID {
			return c.JSON(http.StatusNotFound, map[string]string{"error": "not found"})
		}

		limit := 50
		offset := 0
		if v := c.QueryParam("limit"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
				limit = n
			}
		}
		if v := c.QueryParam("offset"); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n >= 0 {
				offset = n
			}
		}

		var st model.SendStatus
		if raw := strings.TrimSpace(c.QueryParam("status")); raw != "" {
			tmp := model.SendStatus(raw)
			if tmp.Valid() {
				st = tmp
			}
		}

		msgs, err := chRepo.ListByCampaign(c.Request().Context(), id, st, limit, offset)
		if err != nil {
			c.Logger().Errorf("clickhouse list failed: %v", err)

			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "query failed"})
		}

		return c.JSON(http.StatusOK, map[string]any{
			"limit":   limit,
			"offset":  offset,
			"count":   len(msgs),
			"results": msgs,
		})
	}
}

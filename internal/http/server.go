package http

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/labstack/echo/v4"
	echoMid "github.com/labstack/echo/v4/middleware"
	"github.com/mshirdel/campaign-core/internal/campaign"
	"github.com/mshirdel/campaign-core/internal/config"
	"github.com/mshirdel/campaign-core/internal/dlr"
	"github.com/mshirdel/campaign-core/internal/http/middleware"
	"github.com/mshirdel/campaign-core/internal/metrics"
	"github.com/mshirdel/campaign-core/internal/quota"
	"github.com/mshirdel/campaign-core/internal/repository"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
)

type Server struct{ e *echo.Echo }

func NewServer(cfg config.Config, mysqlDB, clickhouseDB *sqlx.DB, rds *redis.Client) *Server {
	// repos (MySQL)
	appsRepo := repository.NewPartnerAppsRepository(mysqlDB)
	campaignsRepo := repository.NewCampaignsRepository(mysqlDB)
	messagesRepo := repository.NewMessagesRepository(mysqlDB)
	outboxRepo := repository.NewOutboxRepository(mysqlDB)
	subsRepo := repository.NewSubscriptionsRepository(mysqlDB)
	receiptsRepo := repository.NewReceiptsRepository(mysqlDB)

	// repos (ClickHouse)
	chMessagesRepo := repository.NewCHMessagesRepository(clickhouseDB)

	// services
	guard := quota.NewGuard(subsRepo)
	groups := campaign.NewHTTPGroupResolver(cfg.Contacts.BaseURL, cfg.Contacts.TimeoutMs)
	mgr := campaign.NewManager(mysqlDB, campaignsRepo, messagesRepo, outboxRepo, guard, groups)
	processor := dlr.NewProcessor(receiptsRepo, messagesRepo, campaignsRepo, nil)

	// echo
	e := echo.New()
	e.HideBanner = true
	e.Use(echoMid.Recover(), echoMid.Logger())

	metrics.MustRegister(prometheus.DefaultRegisterer)

	e.GET("/metrics", echo.WrapHandler(promhttp.Handler()))

	// health
	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })

	// middlewares
	authMW := middleware.APIKeyMiddleware(appsRepo, subsRepo)
	rlMW := middleware.RateLimitMiddleware(middleware.RateLimitConfig{
		Redis:          rds,
		DefaultRPS:     cfg.RateLimit.RPS,
		KeyPrefix:      "rl:user:",
		Window:         time.Second,
		RetryAfterHint: true,
	})

	// routes
	v1 := e.Group("/v1", authMW, rlMW)
	v1.POST("/campaigns", createCampaignHandler(mgr))
	v1.GET("/campaigns", listCampaignsHandler(mgr))
	v1.GET("/campaigns/:id", getCampaignHandler(mgr))
	v1.POST("/campaigns/:id/dispatch", dispatchCampaignHandler(mgr))
	v1.POST("/campaigns/:id/cancel", cancelCampaignHandler(mgr))
	v1.GET("/campaigns/:id/messages", listCampaignMessagesHandler(mgr, chMessagesRepo))
	v1.POST("/dlr", dlrWebhookHandler(processor))
	v1.GET("/usage", usageHandler(subsRepo))

	return &Server{e: e}
}

func (s *Server) Start(addr string) error {
	log.Printf("http: listening on %s", addr)
	return s.e.Start(addr)
}
func (s *Server) Shutdown(ctx context.Context) error { return s.e.Shutdown(ctx) }

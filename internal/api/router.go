package api

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/patrickmn/go-cache"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"relay-queue-backend/config"
	"relay-queue-backend/internal/mw"
)

// NewRouter creates and configures a new Gin router.
func NewRouter(h *Handler, cfg config.ServerConfig, log *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(
		mw.RequestID(),
		mw.Logger(log),
		mw.Recovery(log),
		mw.Timeout(time.Duration(cfg.RequestTimeoutSeconds)*time.Second),
	)

	r.GET("/healthz", h.Healthz)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	limit := rate.Limit(cfg.RateLimitPerSec)
	perIP := mw.RateLimiter(limit, cfg.RateLimitBurst, mw.ByClientIP)
	perDevice := mw.RateLimiter(limit, cfg.RateLimitBurst, mw.ByParamOrIP("device_id"))

	ttl := time.Duration(cfg.CacheTTLSeconds) * time.Second
	caching := mw.Cache(cache.New(ttl, 2*ttl), ttl)

	api := r.Group("/api")
	{
		api.POST("/commands/:partition", perIP, h.SubmitCommand)
		api.GET("/commands/:partition/:id", perIP, h.GetCommand)
		api.PATCH("/commands/:partition/:id", perIP, h.CompleteCommand)
		api.DELETE("/commands/:partition/:id", perIP, h.CancelCommand)
		api.POST("/rules/execute", perIP, h.ExecuteRule)

		// Hubs poll here
		api.GET("/devices/:device_id/commands", perDevice, h.ClaimCommands)

		api.GET("/acks", perIP, caching, h.ListAcks)

		api.GET("/subscriptions", perIP, h.GetSubscription)
		api.PUT("/subscriptions", perIP, h.PutSubscription)
		api.DELETE("/subscriptions", perIP, h.DeleteSubscription)
		api.GET("/vapid_public_key", h.GetVAPIDPublicKey)
	}

	return r
}

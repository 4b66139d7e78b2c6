package api

import (
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"gaiola-hub-backend/config"
	"gaiola-hub-backend/internal/hub"
	"gaiola-hub-backend/internal/mw"
	"gaiola-hub-backend/internal/store"
	"gaiola-hub-backend/internal/syncbus"
)

// RouterOptions carries the router's collaborators.
type RouterOptions struct {
	Engine        *hub.Engine
	Subscriptions store.Subscriptions
	WebPush       *webpush.Options
	Server        config.ServerConfig
	// Limiter is shared with the caller so it can prune idle clients.
	Limiter *mw.IPRateLimiter
	Logger  *zap.Logger
}

// NewRouter creates and configures a new Gin router. The returned stop
// function detaches the response cache from the bus.
func NewRouter(opts RouterOptions) (*gin.Engine, func()) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	r := gin.New()
	r.Use(gin.Recovery())

	handler := NewHandler(opts.Engine, opts.Subscriptions, opts.WebPush, logger)

	limiter := opts.Limiter
	if limiter == nil {
		limiter = mw.NewIPRateLimiter(0, 1)
	}
	rateLimiter := mw.RateLimiter(limiter, opts.Server.RequestIPHeader, logger)

	// any state change, local or from another context, invalidates cached reads
	responses := mw.NewResponseCache(time.Duration(opts.Server.CacheTTLSeconds) * time.Second)
	stop := opts.Engine.Bus().SubscribeAll(func(syncbus.Event) { responses.Flush() })
	caching := responses.Middleware()

	r.GET("/api/health", handler.Health)

	api := r.Group("/api")
	api.Use(rateLimiter)
	{
		api.GET("/slots", caching, handler.ListSlots)
		api.GET("/slots/:id", caching, handler.GetSlot)
		api.POST("/slots/:id/call", handler.CallDriver)
		api.POST("/slots/:id/loading", handler.BeginLoading)
		api.POST("/slots/:id/finish", handler.FinishLoading)
		api.POST("/slots/:id/reset", handler.ResetSlot)
		api.PUT("/slots/:id/checked_in", handler.SetCheckedIn)
		api.POST("/slots/:id/delay_requests", handler.CreateDelayRequest)

		api.GET("/drivers", caching, handler.ListDrivers)
		api.POST("/drivers/import", handler.ImportDrivers)
		api.POST("/drivers/:code/arrived", handler.MarkDriverArrived)
		api.POST("/drivers/:code/delayed", handler.MarkDriverDelayed)
		api.POST("/drivers/:code/reset", handler.ResetDriver)
		api.DELETE("/drivers/:code", handler.RemoveDriver)

		api.GET("/delay_requests", caching, handler.ListDelayRequests)
		api.POST("/delay_requests/:id/response", handler.RespondToDelayRequest)

		api.POST("/reconcile", handler.Reconcile)

		api.GET("/subscriptions", handler.GetSubscription)
		api.PUT("/subscriptions", handler.PutSubscription)
		api.DELETE("/subscriptions", handler.DeleteSubscription)
		api.GET("/vapid_public_key", handler.GetVAPIDPublicKey)
	}

	// long-lived; kept out of the rate limiter and the cache
	r.GET("/api/events", handler.StreamEvents)

	return r, stop
}

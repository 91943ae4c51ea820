// Package httpapi exposes dispatch, delivery logs, bot lifecycle and provider
// webhooks over HTTP.
package httpapi

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	common "github.com/example/billing-messenger/internal/adapters/common"
	"github.com/example/billing-messenger/internal/apperr"
	"github.com/example/billing-messenger/internal/dispatch"
	"github.com/example/billing-messenger/internal/lifecycle"
	"github.com/example/billing-messenger/internal/logger"
	"github.com/example/billing-messenger/internal/models"
	"github.com/example/billing-messenger/internal/store"
	"github.com/example/billing-messenger/internal/webhook"
)

// Dispatcher runs single dispatches and provider health checks.
type Dispatcher interface {
	Dispatch(ctx context.Context, req dispatch.Request) (*models.DeliveryLogEntry, error)
	Health(ctx context.Context, channel models.Channel) (*common.HealthReport, error)
}

// BulkJobs queues background bulk runs.
type BulkJobs interface {
	Submit(req dispatch.BulkRequest) (dispatch.Job, error)
	Get(id string) (dispatch.Job, bool)
}

// Bot is the connection lifecycle surface.
type Bot interface {
	Start(ctx context.Context) (models.ConnectionState, error)
	Stop(ctx context.Context) models.ConnectionState
	State() models.ConnectionState
	QRCode() *models.Challenge
	Subscribe() (<-chan models.ConnectionState, func())
	VerifyContact(ctx context.Context, phone, name string) (lifecycle.Contact, error)
}

// Inbound handles provider callbacks.
type Inbound interface {
	HandleInbound(ctx context.Context, in webhook.Inbound) (*webhook.Result, error)
	DeliverReply(ctx context.Context, sender string, res *webhook.Result) error
}

// Dependencies collects the collaborators the API serves.
type Dependencies struct {
	Dispatcher   Dispatcher
	Jobs         BulkJobs
	Deliveries   store.DeliveryLog
	Interactions store.InteractionStore
	Bot          Bot
	Webhook      Inbound
	// APIToken guards the admin routes; empty disables authentication.
	APIToken string
	// VerifyToken answers the Meta subscription handshake.
	VerifyToken string
	Logger      zerolog.Logger
}

// Server owns the gin engine.
type Server struct {
	deps   Dependencies
	engine *gin.Engine
	logger zerolog.Logger
}

// New validates deps and registers every route.
func New(deps Dependencies) (*Server, error) {
	switch {
	case deps.Dispatcher == nil:
		return nil, errors.New("httpapi: dispatcher dependency is required")
	case deps.Jobs == nil:
		return nil, errors.New("httpapi: bulk jobs dependency is required")
	case deps.Deliveries == nil:
		return nil, errors.New("httpapi: delivery log dependency is required")
	case deps.Interactions == nil:
		return nil, errors.New("httpapi: interaction store dependency is required")
	case deps.Bot == nil:
		return nil, errors.New("httpapi: bot dependency is required")
	case deps.Webhook == nil:
		return nil, errors.New("httpapi: webhook dependency is required")
	}

	s := &Server{
		deps:   deps,
		engine: gin.New(),
		logger: logger.Component(deps.Logger, "http_api"),
	}
	s.engine.Use(gin.Recovery(), s.requestLogger())
	s.routes()
	return s, nil
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) routes() {
	s.engine.GET("/healthz", s.healthz)

	hooks := s.engine.Group("/v1/webhooks")
	hooks.GET("/whatsapp", s.verifyMetaWebhook)
	hooks.POST("/whatsapp", s.receiveMetaWebhook)
	hooks.POST("/bridge", s.receiveBridgeWebhook)

	api := s.engine.Group("/v1", s.auth())
	api.GET("/providers/:channel/health", s.providerHealth)
	api.POST("/templates/:code/dispatch", s.dispatchTemplate)
	api.POST("/dispatch/bulk", s.submitBulk)
	api.GET("/dispatch/bulk/:id", s.getBulk)
	api.GET("/delivery-logs", s.listDeliveries)
	api.GET("/delivery-logs/summary", s.deliverySummary)
	api.GET("/interactions", s.listInteractions)

	bot := api.Group("/bot")
	bot.GET("/status", s.botStatus)
	bot.POST("/start", s.botStart)
	bot.POST("/stop", s.botStop)
	bot.GET("/qr", s.botQR)
	bot.GET("/events", s.botEvents)
	bot.POST("/contacts/verify", s.verifyContact)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "ok",
		"bot":    s.deps.Bot.State().Status,
	})
}

// auth accepts the token as a bearer header or, for websocket clients, a
// token query parameter.
func (s *Server) auth() gin.HandlerFunc {
	return func(c *gin.Context) {
		if s.deps.APIToken == "" {
			c.Next()
			return
		}
		token := strings.TrimPrefix(c.GetHeader("Authorization"), "Bearer ")
		if token == "" {
			token = c.Query("token")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.deps.APIToken)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token", "code": "unauthorized"})
			return
		}
		c.Next()
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		ev := s.logger.Info()
		if c.Writer.Status() >= http.StatusInternalServerError {
			ev = s.logger.Error()
		}
		ev.Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("duration", time.Since(start)).
			Msg("http request")
	}
}

// abortWithError maps err onto a status code and a machine readable code.
func (s *Server) abortWithError(c *gin.Context, err error) {
	status, code := apperr.HTTPStatus(err), apperr.Code(err)
	switch {
	case errors.Is(err, dispatch.ErrInvalidRequest):
		status, code = http.StatusBadRequest, "invalid_request"
	case errors.Is(err, store.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, dispatch.ErrJobsClosed):
		status, code = http.StatusServiceUnavailable, "shutting_down"
	case errors.Is(err, lifecycle.ErrSessionUnavailable):
		status, code = http.StatusServiceUnavailable, "session_unavailable"
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error().Str("path", c.FullPath()).Err(err).Msg("request failed")
	}
	c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "code": code})
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": msg, "code": "invalid_request"})
}

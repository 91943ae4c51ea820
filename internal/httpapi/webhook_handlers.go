package httpapi

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/example/billing-messenger/internal/webhook"
)

const maxWebhookBody = 1 << 20

type metaResult struct {
	*webhook.Result
	Error string `json:"error,omitempty"`
}

func (s *Server) verifyMetaWebhook(c *gin.Context) {
	challenge, ok := webhook.VerifySubscription(
		c.Query("hub.mode"),
		c.Query("hub.verify_token"),
		c.Query("hub.challenge"),
		s.deps.VerifyToken,
	)
	if !ok {
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "verification failed", "code": "forbidden"})
		return
	}
	c.String(http.StatusOK, challenge)
}

// receiveMetaWebhook handles every message in a Cloud API callback and sends
// the auto-replies through the provider. Per-message failures are reported in
// the body with a 200 so the provider does not redeliver the batch.
func (s *Server) receiveMetaWebhook(c *gin.Context) {
	body, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		badRequest(c, "unreadable body")
		return
	}
	messages, err := webhook.ParseMeta(body)
	if err != nil {
		if errors.Is(err, webhook.ErrMalformedPayload) {
			badRequest(c, err.Error())
			return
		}
		s.abortWithError(c, err)
		return
	}

	ctx := c.Request.Context()
	results := make([]metaResult, 0, len(messages))
	for _, msg := range messages {
		res, err := s.deps.Webhook.HandleInbound(ctx, msg)
		if err != nil {
			s.logger.Error().Str("event_id", msg.EventID).Err(err).Msg("inbound message failed")
			results = append(results, metaResult{Result: &webhook.Result{}, Error: err.Error()})
			continue
		}
		if err := s.deps.Webhook.DeliverReply(ctx, msg.Sender, res); err != nil {
			results = append(results, metaResult{Result: res, Error: err.Error()})
			continue
		}
		results = append(results, metaResult{Result: res})
	}
	c.JSON(http.StatusOK, gin.H{"received": len(messages), "results": results})
}

// receiveBridgeWebhook handles one message relayed by the bot bridge. The
// bridge sends auto_reply itself.
func (s *Server) receiveBridgeWebhook(c *gin.Context) {
	var event webhook.BridgeEvent
	if err := c.ShouldBindJSON(&event); err != nil {
		badRequest(c, err.Error())
		return
	}
	res, err := s.deps.Webhook.HandleInbound(c.Request.Context(), event.Inbound())
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

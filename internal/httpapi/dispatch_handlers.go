package httpapi

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/example/billing-messenger/internal/apperr"
	"github.com/example/billing-messenger/internal/dispatch"
	"github.com/example/billing-messenger/internal/models"
)

const (
	defaultListLimit   = 50
	maxListLimit       = 500
	defaultSummaryDays = 30
)

type dispatchBody struct {
	RecipientID string             `json:"recipient_id"`
	MessageKind models.MessageKind `json:"message_kind"`
	Initiator   string             `json:"initiator"`
	Extra       map[string]string  `json:"extra_context"`
}

// providerHealth answers 200 when the provider is reachable, 500 when the
// adapter is misconfigured and 503 otherwise.
func (s *Server) providerHealth(c *gin.Context) {
	channel := models.Channel(c.Param("channel"))
	report, err := s.deps.Dispatcher.Health(c.Request.Context(), channel)
	if err != nil {
		status := http.StatusServiceUnavailable
		if errors.Is(err, apperr.ErrConfiguration) {
			status = http.StatusInternalServerError
		}
		c.JSON(status, gin.H{"reachable": false, "error": err.Error(), "code": apperr.Code(err)})
		return
	}
	if !report.Reachable {
		c.JSON(http.StatusServiceUnavailable, report)
		return
	}
	c.JSON(http.StatusOK, report)
}

// dispatchTemplate returns the log entry for every attempted send, including
// failed ones, with 201.
func (s *Server) dispatchTemplate(c *gin.Context) {
	var body dispatchBody
	if err := c.ShouldBindJSON(&body); err != nil {
		badRequest(c, err.Error())
		return
	}
	if body.RecipientID == "" {
		badRequest(c, "recipient_id is required")
		return
	}
	entry, err := s.deps.Dispatcher.Dispatch(c.Request.Context(), dispatch.Request{
		RecipientID:  body.RecipientID,
		TemplateCode: c.Param("code"),
		Kind:         body.MessageKind,
		Initiator:    body.Initiator,
		Extra:        body.Extra,
	})
	if entry != nil {
		if err != nil {
			s.logger.Error().Str("entry_id", entry.ID).Err(err).Msg("delivery log write failed after send")
		}
		c.JSON(http.StatusCreated, entry)
		return
	}
	s.abortWithError(c, err)
}

func (s *Server) submitBulk(c *gin.Context) {
	var req dispatch.BulkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	job, err := s.deps.Jobs.Submit(req)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, job)
}

func (s *Server) getBulk(c *gin.Context) {
	job, ok := s.deps.Jobs.Get(c.Param("id"))
	if !ok {
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"error": "bulk job not found", "code": "not_found"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) listDeliveries(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	filter := models.DeliveryFilter{
		RecipientID: c.Query("recipient_id"),
		Kind:        models.MessageKind(c.Query("kind")),
		Outcome:     models.Outcome(c.Query("outcome")),
		Limit:       limit,
	}
	if raw := c.Query("since"); raw != "" {
		since, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			badRequest(c, "since must be an RFC3339 timestamp")
			return
		}
		filter.Since = since
	}
	entries, err := s.deps.Deliveries.ListDeliveries(c.Request.Context(), filter)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if entries == nil {
		entries = []models.DeliveryLogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "count": len(entries)})
}

// deliverySummary aggregates the last ?days days, thirty by default.
func (s *Server) deliverySummary(c *gin.Context) {
	days := defaultSummaryDays
	if raw := c.Query("days"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			badRequest(c, "days must be a positive integer")
			return
		}
		days = n
	}
	since := time.Now().UTC().AddDate(0, 0, -days)
	summary, err := s.deps.Deliveries.Summary(c.Request.Context(), since)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) listInteractions(c *gin.Context) {
	limit, err := parseLimit(c.Query("limit"))
	if err != nil {
		badRequest(c, err.Error())
		return
	}
	items, err := s.deps.Interactions.ListInteractions(c.Request.Context(), c.Query("recipient_id"), limit)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if items == nil {
		items = []models.Interaction{}
	}
	c.JSON(http.StatusOK, gin.H{"interactions": items, "count": len(items)})
}

func parseLimit(raw string) (int, error) {
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return 0, errors.New("limit must be a positive integer")
	}
	if n > maxListLimit {
		n = maxListLimit
	}
	return n, nil
}

package api

import (
	"net/http"
	"time"

	"conversation-engine/backend/internal/models"
	"conversation-engine/backend/internal/repository"
	"conversation-engine/backend/internal/service"
	apperrors "conversation-engine/backend/pkg/errors"
	"conversation-engine/backend/pkg/logger"
	"conversation-engine/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// EventHandler receives chat events from the messaging gateway. Requests
// reach it only after the gateway signature has been verified.
type EventHandler struct {
	ingestor *service.Ingestor
	messages repository.MessageRepository
}

func NewEventHandler(ingestor *service.Ingestor, messages repository.MessageRepository) *EventHandler {
	return &EventHandler{ingestor: ingestor, messages: messages}
}

// RegisterRoutes mounts the webhook routes on a group already carrying the
// signature and rate limit middleware.
func (h *EventHandler) RegisterRoutes(g *gin.RouterGroup) {
	g.POST("/tenants/:tenantId/events", h.Ingest)
	g.PATCH("/tenants/:tenantId/messages/:id/metadata", h.EnrichMessage)
}

type eventRequest struct {
	From          string            `json:"from" binding:"required"`
	To            string            `json:"to" binding:"required"`
	ChannelType   string            `json:"channel_type"`
	ExternalToken string            `json:"external_token" binding:"required"`
	Body          string            `json:"body"`
	Direction     models.Direction  `json:"direction" binding:"required"`
	SenderRole    models.SenderRole `json:"sender_role"`
	CorrelationID string            `json:"correlation_id"`
	Timestamp     *time.Time        `json:"timestamp"`
	Metadata      map[string]any    `json:"metadata"`
}

type closureView struct {
	Score    float64 `json:"score"`
	Band     string  `json:"band"`
	Explicit bool    `json:"explicit,omitempty"`
}

type transitionView struct {
	Outcome service.Outcome `json:"outcome"`
	From    models.Status   `json:"from,omitempty"`
	To      models.Status   `json:"to,omitempty"`
	Reason  string          `json:"reason,omitempty"`
}

type eventResponse struct {
	Outcome        string          `json:"outcome"`
	Duplicate      bool            `json:"duplicate"`
	MessageID      string          `json:"message_id"`
	ConversationID string          `json:"conversation_id"`
	Status         models.Status   `json:"status"`
	Version        int64           `json:"version"`
	Closure        *closureView    `json:"closure,omitempty"`
	Transition     *transitionView `json:"transition,omitempty"`
	FollowupJobID  string          `json:"followup_job_id,omitempty"`
}

// Ingest stores one event. New events answer 202; redelivered ones answer
// 200 with duplicate set so the gateway stops retrying either way.
func (h *EventHandler) Ingest(c *gin.Context) {
	var req eventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewValidationError("invalid event payload").WithDetails(err.Error()))
		return
	}

	ev := service.InboundEvent{
		TenantID:      c.Param("tenantId"),
		From:          req.From,
		To:            req.To,
		ChannelType:   req.ChannelType,
		ExternalToken: req.ExternalToken,
		Body:          req.Body,
		Direction:     req.Direction,
		SenderRole:    req.SenderRole,
		CorrelationID: req.CorrelationID,
		Metadata:      req.Metadata,
	}
	if ev.CorrelationID == "" {
		ev.CorrelationID = middleware.GetCorrelationID(c.Request.Context())
	}
	if req.Timestamp != nil {
		ev.Timestamp = *req.Timestamp
	}

	res, err := h.ingestor.Ingest(c.Request.Context(), ev)
	if err != nil {
		c.Error(err)
		return
	}

	status := http.StatusAccepted
	if res.Duplicate {
		status = http.StatusOK
		logger.FromContext(c.Request.Context()).Info("duplicate event absorbed",
			"tenant_id", ev.TenantID,
			"external_token", ev.ExternalToken,
			"message_id", res.Message.ID,
		)
	}
	c.JSON(status, newEventResponse(res))
}

func newEventResponse(res *service.IngestResult) eventResponse {
	out := eventResponse{
		Outcome:        "accepted",
		Duplicate:      res.Duplicate,
		MessageID:      res.Message.ID,
		ConversationID: res.Conversation.ID,
		Status:         res.Conversation.Status,
		Version:        res.Conversation.Version,
		FollowupJobID:  res.FollowupJobID,
	}
	if res.Duplicate {
		out.Outcome = "duplicate"
	}
	if res.Closure != nil {
		out.Closure = &closureView{Score: res.Closure.Score, Band: res.Closure.Band.String(), Explicit: res.Closure.Explicit}
	}
	if tr := res.Transition; tr != nil {
		out.Transition = &transitionView{Outcome: tr.Outcome}
		if tr.Record != nil {
			out.Transition.From = tr.Record.FromStatus
			out.Transition.To = tr.Record.ToStatus
			out.Transition.Reason = tr.Record.Reason
		}
	}
	return out
}

type enrichRequest struct {
	Metadata map[string]any `json:"metadata" binding:"required"`
}

// EnrichMessage merges gateway metadata (transcriptions, receipts) into a
// stored message. The body is never touched.
func (h *EventHandler) EnrichMessage(c *gin.Context) {
	mergeMetadata(c, h.messages, c.Param("tenantId"))
}

// mergeMetadata binds an enrichment body and merges it into the message
// named by the id param. A non-empty tenant must own the message.
func mergeMetadata(c *gin.Context, messages repository.MessageRepository, tenant string) {
	var req enrichRequest
	if err := c.ShouldBindJSON(&req); err != nil || len(req.Metadata) == 0 {
		c.Error(apperrors.NewValidationError("metadata object is required"))
		return
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	msg, err := messages.Get(ctx, id)
	if err != nil {
		c.Error(err)
		return
	}
	if tenant != "" && msg.TenantID != tenant {
		c.Error(apperrors.NotFound("message", id))
		return
	}

	msg, err = messages.MergeMetadata(ctx, id, req.Metadata)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, msg)
}

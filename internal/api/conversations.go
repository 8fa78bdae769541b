package api

import (
	"net/http"
	"strconv"

	"conversation-engine/backend/internal/models"
	"conversation-engine/backend/internal/repository"
	"conversation-engine/backend/internal/service"
	apperrors "conversation-engine/backend/pkg/errors"
	"conversation-engine/backend/pkg/jwt"
	"conversation-engine/backend/pkg/middleware"

	"github.com/gin-gonic/gin"
)

const (
	defaultMessageLimit = 50
	maxMessageLimit     = 500
)

// ConversationHandler serves the operator API: reads, history, manual
// transitions and message annotation. All routes sit behind JWTAuthMiddleware.
type ConversationHandler struct {
	convs     repository.ConversationRepository
	messages  repository.MessageRepository
	lifecycle *service.Lifecycle
}

func NewConversationHandler(convs repository.ConversationRepository, messages repository.MessageRepository, lifecycle *service.Lifecycle) *ConversationHandler {
	return &ConversationHandler{convs: convs, messages: messages, lifecycle: lifecycle}
}

func (h *ConversationHandler) RegisterRoutes(g *gin.RouterGroup) {
	read := middleware.RequirePermission(jwt.PermReadConversations)

	g.GET("/conversations/stats", read, h.Stats)
	g.GET("/conversations/:id", read, h.Get)
	g.GET("/conversations/:id/history", read, h.History)
	g.GET("/conversations/:id/messages", read, h.Messages)
	g.POST("/conversations/:id/transitions", middleware.RequirePermission(jwt.PermTransition), h.Transition)
	g.PATCH("/messages/:id/metadata", middleware.RequirePermission(jwt.PermEnrichMessages), h.EnrichMessage)
}

// EnrichMessage lets an admin annotate any stored message, for example to
// correct a transcription the gateway got wrong.
func (h *ConversationHandler) EnrichMessage(c *gin.Context) {
	mergeMetadata(c, h.messages, "")
}

func (h *ConversationHandler) Get(c *gin.Context) {
	conv, err := h.convs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *ConversationHandler) History(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.convs.Get(ctx, id); err != nil {
		c.Error(err)
		return
	}

	history, err := h.convs.History(ctx, id)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation_id": id,
		"transitions":     history,
		"count":           len(history),
	})
}

func (h *ConversationHandler) Messages(c *gin.Context) {
	limit := defaultMessageLimit
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxMessageLimit {
			c.Error(apperrors.NewValidationError("limit must be between 1 and " + strconv.Itoa(maxMessageLimit)))
			return
		}
		limit = n
	}

	ctx := c.Request.Context()
	id := c.Param("id")
	if _, err := h.convs.Get(ctx, id); err != nil {
		c.Error(err)
		return
	}
	msgs, err := h.messages.ListRecent(ctx, id, limit)
	if err != nil {
		c.Error(err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"conversation_id": id,
		"messages":        msgs,
		"count":           len(msgs),
	})
}

type transitionRequest struct {
	To     models.Status `json:"to" binding:"required"`
	Reason string        `json:"reason" binding:"required"`
	Force  bool          `json:"force"`
}

// Transition applies an operator-requested status change. Forcing needs the
// force permission on top of the route's transition permission.
func (h *ConversationHandler) Transition(c *gin.Context) {
	var req transitionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.Error(apperrors.NewValidationError("invalid transition request").WithDetails(err.Error()))
		return
	}

	claims, _ := middleware.Claims(c)
	actor := models.Actor{Kind: models.ActorOperator, ID: claims.Operator()}
	if req.Force && !claims.HasPermission(jwt.PermForceTransition) {
		c.Error(apperrors.OverrideForbidden(actor.String()))
		return
	}

	res, err := h.lifecycle.Transition(c.Request.Context(), service.TransitionRequest{
		ConversationID: c.Param("id"),
		To:             req.To,
		Reason:         req.Reason,
		Actor:          actor,
		Force:          req.Force,
	})
	if err != nil {
		c.Error(err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"outcome":      res.Outcome,
		"conversation": res.Conversation,
		"record":       res.Record,
	})
}

func (h *ConversationHandler) Stats(c *gin.Context) {
	counts, err := h.convs.CountByStatus(c.Request.Context())
	if err != nil {
		c.Error(err)
		return
	}

	byStatus := make(map[models.Status]int64, len(models.AllStatuses))
	var open, total int64
	for _, s := range models.AllStatuses {
		n := counts[s]
		byStatus[s] = n
		total += n
		if !s.Terminal() {
			open += n
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"by_status": byStatus,
		"open":      open,
		"total":     total,
	})
}

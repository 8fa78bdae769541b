package external

import (
	"context"
	"errors"
	"time"

	apperrors "conversation-engine/backend/pkg/errors"
	"conversation-engine/backend/pkg/logger"
)

type HistoryMessage struct {
	Role      string    `json:"role"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

type GenerateRequest struct {
	TenantID       string           `json:"tenant_id"`
	ConversationID string           `json:"conversation_id"`
	MessageID      string           `json:"message_id"`
	Context        map[string]any   `json:"context,omitempty"`
	History        []HistoryMessage `json:"history"`
}

type Reply struct {
	Body string `json:"response"`
	// Close asks the engine to end the conversation after this reply.
	Close bool   `json:"close_conversation,omitempty"`
	Error string `json:"error,omitempty"`
}

type ResponseGenerator struct {
	c *httpClient
}

func NewResponseGenerator(cfg ClientConfig, log *logger.Logger) (*ResponseGenerator, error) {
	if cfg.Name == "" {
		cfg.Name = "response-generator"
	}
	c, err := newHTTPClient(cfg, log)
	if err != nil {
		return nil, err
	}
	return &ResponseGenerator{c: c}, nil
}

func (g *ResponseGenerator) Generate(ctx context.Context, req GenerateRequest) (*Reply, error) {
	var reply Reply
	if err := g.c.do(ctx, "POST", "/v1/responses", req, &reply); err != nil {
		return nil, err
	}
	if reply.Error != "" || reply.Body == "" {
		return nil, errGeneration(reply.Error)
	}
	return &reply, nil
}

func errGeneration(reason string) error {
	if reason == "" {
		reason = "empty response"
	}
	return apperrors.Transient("response-generator", errors.New(reason))
}

package external

import (
	"context"
	"errors"

	apperrors "conversation-engine/backend/pkg/errors"
	"conversation-engine/backend/pkg/logger"
)

type OutboundMessage struct {
	TenantID  string `json:"tenant_id"`
	Channel   string `json:"channel"`
	From      string `json:"from"`
	To        string `json:"to"`
	Body      string `json:"body"`
	MessageID string `json:"client_reference"`
}

type sendResponse struct {
	ProviderMessageID string `json:"provider_message_id"`
}

type Gateway struct {
	c *httpClient
}

func NewGateway(cfg ClientConfig, log *logger.Logger) (*Gateway, error) {
	if cfg.Name == "" {
		cfg.Name = "gateway"
	}
	c, err := newHTTPClient(cfg, log)
	if err != nil {
		return nil, err
	}
	return &Gateway{c: c}, nil
}

// Send delivers msg and returns the provider's message id. The gateway
// dedupes on MessageID, so a retried send is safe.
func (g *Gateway) Send(ctx context.Context, msg OutboundMessage) (string, error) {
	var out sendResponse
	if err := g.c.do(ctx, "POST", "/v1/messages", msg, &out); err != nil {
		return "", err
	}
	return out.ProviderMessageID, nil
}

// IsPermanent reports whether retrying a call cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, apperrors.ErrFatal) || errors.Is(err, apperrors.ErrNotFound)
}

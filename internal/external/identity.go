package external

import (
	"context"
	"errors"
	"net/url"

	apperrors "conversation-engine/backend/pkg/errors"
	"conversation-engine/backend/pkg/logger"
)

// Identity is the user an address belongs to within a tenant.
type Identity struct {
	TenantID    string `json:"tenant_id"`
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
}

type IdentityClient struct {
	c *httpClient
}

func NewIdentityClient(cfg ClientConfig, log *logger.Logger) (*IdentityClient, error) {
	if cfg.Name == "" {
		cfg.Name = "identity"
	}
	c, err := newHTTPClient(cfg, log)
	if err != nil {
		return nil, err
	}
	return &IdentityClient{c: c}, nil
}

// Resolve looks up the user behind address. An unknown tenant is NotFound.
// The lookup is not retried here.
func (c *IdentityClient) Resolve(ctx context.Context, tenantID, address string) (*Identity, error) {
	path := "/tenants/" + url.PathEscape(tenantID) + "/identities?address=" + url.QueryEscape(address)

	var ident Identity
	if err := c.c.do(ctx, "GET", path, nil, &ident); err != nil {
		if errors.Is(err, apperrors.ErrNotFound) {
			return nil, apperrors.NotFound("tenant", tenantID)
		}
		return nil, err
	}
	if ident.TenantID == "" {
		ident.TenantID = tenantID
	}
	return &ident, nil
}

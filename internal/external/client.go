// Package external holds the HTTP clients for the collaborators the engine
// calls out to: the identity provider, the response generator and the
// messaging gateway. Every client runs behind a circuit breaker and maps
// failures onto the engine's error taxonomy.
package external

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "conversation-engine/backend/pkg/errors"
	"conversation-engine/backend/pkg/logger"
	"conversation-engine/backend/pkg/resilience"
)

type ClientConfig struct {
	Name    string
	BaseURL string
	APIKey  string
	Timeout time.Duration

	BreakerThreshold uint
	BreakerReset     time.Duration
}

// errClient marks 4xx responses other than 404 and 429. They are the
// caller's fault and do not trip the breaker.
var errClient = errors.New("client error")

type httpClient struct {
	name    string
	baseURL string
	apiKey  string
	http    *http.Client
	breaker *resilience.CircuitBreaker
}

func newHTTPClient(cfg ClientConfig, log *logger.Logger) (*httpClient, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("external: %s base url is required", cfg.Name)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 20 * time.Second
	}
	bc := resilience.DefaultConfig(cfg.Name)
	if cfg.BreakerThreshold > 0 {
		bc.FailureThreshold = cfg.BreakerThreshold
	}
	if cfg.BreakerReset > 0 {
		bc.ResetTimeout = cfg.BreakerReset
	}
	bc.IsFailure = func(err error) bool {
		return !errors.Is(err, errClient) && !errors.Is(err, apperrors.ErrNotFound)
	}

	return &httpClient{
		name:    cfg.Name,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		http:    &http.Client{Timeout: cfg.Timeout},
		breaker: resilience.NewCircuitBreaker(bc, log),
	}, nil
}

// do sends body as JSON and decodes a JSON response into out. Network
// failures, 5xx and 429 are transient; 404 is NotFound; other 4xx are fatal
// for the request.
func (c *httpClient) do(ctx context.Context, method, path string, body, out any) error {
	err := c.breaker.Execute(func() error {
		return c.roundTrip(ctx, method, path, body, out)
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, resilience.ErrCircuitOpen):
		return apperrors.Transient(c.name, err)
	case errors.Is(err, errClient):
		return apperrors.Fatal(c.name, err)
	}
	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		return err
	}
	return apperrors.Transient(c.name, err)
}

func (c *httpClient) roundTrip(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%w: encode request: %v", errClient, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("%w: build request: %v", errClient, err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return apperrors.NotFound(c.name+" resource", path)
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return fmt.Errorf("%s %s: status %d", method, path, resp.StatusCode)
	case resp.StatusCode >= 400:
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%w: %s %s: status %d: %s", errClient, method, path, resp.StatusCode, bytes.TrimSpace(snippet))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

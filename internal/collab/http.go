package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/scanforge/orchestrator/internal/retry"
	"github.com/scanforge/orchestrator/internal/taskerr"
	"github.com/scanforge/orchestrator/internal/tracing"
)

// ClientConfig holds the connection settings for one collaborator service.
type ClientConfig struct {
	BaseURL string        `mapstructure:"base_url"`
	APIKey  string        `mapstructure:"api_key"`
	Timeout time.Duration `mapstructure:"timeout"`
}

func (c ClientConfig) validate(name string) error {
	if c.BaseURL == "" {
		return taskerr.Configf("collab."+name, "base_url is required")
	}
	if c.APIKey == "" {
		return taskerr.Configf("collab."+name, "api_key is required")
	}
	return nil
}

// httpClient is the shared transport for all collaborator implementations:
// JSON in/out, per-call timeout, uniform retry policy, trace propagation.
type httpClient struct {
	name    string
	baseURL string
	apiKey  string
	client  *http.Client
	policy  retry.Policy
	logger  *zap.Logger
}

const defaultCallTimeout = 8 * time.Second

func newHTTPClient(name string, cfg ClientConfig, policy retry.Policy, logger *zap.Logger) (*httpClient, error) {
	if err := cfg.validate(name); err != nil {
		return nil, err
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultCallTimeout
	}
	return &httpClient{
		name:    name,
		baseURL: cfg.BaseURL,
		apiKey:  cfg.APIKey,
		client:  &http.Client{Timeout: timeout},
		policy:  policy,
		logger:  logger.With(zap.String("collaborator", name)),
	}, nil
}

// postJSON sends the request body and decodes the response into out under
// the retry policy. Network failures and 5xx/429 statuses classify as
// transient; 4xx as permanent; an undecodable body as a schema failure.
func (h *httpClient) postJSON(ctx context.Context, path string, body, out any) error {
	op := h.name + path
	return h.policy.Do(ctx, h.logger, op, func(ctx context.Context) error {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s: marshal request: %w", op, err)
		}

		url := h.baseURL + path
		ctx, span := tracing.StartHTTPSpan(ctx, http.MethodPost, url)
		defer span.End()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("%s: build request: %w", op, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+h.apiKey)
		tracing.InjectTraceparent(ctx, req)

		resp, err := h.client.Do(req)
		if err != nil {
			return taskerr.Transient(op, err)
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
			io.Copy(io.Discard, resp.Body)
			return taskerr.Transient(op, fmt.Errorf("status %d", resp.StatusCode))
		case resp.StatusCode < 200 || resp.StatusCode >= 300:
			io.Copy(io.Discard, resp.Body)
			return fmt.Errorf("%s: status %d", op, resp.StatusCode)
		}

		if out == nil {
			return nil
		}
		dec := json.NewDecoder(resp.Body)
		dec.DisallowUnknownFields()
		if err := dec.Decode(out); err != nil {
			return taskerr.SchemaValidation(op, fmt.Errorf("decode response: %w", err))
		}
		return nil
	})
}

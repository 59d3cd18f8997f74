package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"
)

// HTTPTransport posts payloads to a tenant messaging gateway.
type HTTPTransport struct {
	client *http.Client
	config HTTPConfig
	logger *zap.Logger
}

type HTTPConfig struct {
	// GatewayURL is the delivery endpoint of the external channel.
	GatewayURL string

	// APIKey is sent as a bearer token when set.
	APIKey string

	// Timeout for the whole request; the dispatcher's per-send context
	// still applies on top.
	Timeout time.Duration
}

// NewHTTPTransport creates a gateway-backed transport.
func NewHTTPTransport(cfg HTTPConfig, logger *zap.Logger) *HTTPTransport {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &HTTPTransport{
		client: &http.Client{Timeout: timeout},
		config: cfg,
		logger: logger,
	}
}

// Send posts the payload as JSON. Any non-2xx response is a delivery
// failure; the first bytes of the response body end up in the stored error.
func (t *HTTPTransport) Send(ctx context.Context, p Payload) error {
	if t.config.GatewayURL == "" {
		return fmt.Errorf("gateway URL not configured")
	}

	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.GatewayURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.config.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.config.APIKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return fmt.Errorf("gateway returned %d: %s", resp.StatusCode, string(snippet))
	}

	t.logger.Debug("message delivered via gateway",
		zap.String("recipient", p.Recipient),
		zap.String("tenant_id", p.TenantID.String()),
		zap.Int("status", resp.StatusCode),
	)

	return nil
}

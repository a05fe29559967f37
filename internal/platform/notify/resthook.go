package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ehr/fhirsub/internal/platform/fhir"
)

// RestHookClient delivers notifications by POSTing to the subscription's
// endpoint. Bodies are history Bundles naming only the focus resource; an
// empty payload type sends an empty body.
type RestHookClient struct {
	client *http.Client
}

// NewRestHookClient creates a client whose requests time out after timeout.
// Redirects are not followed: the endpoint was vetted at registration and a
// redirect could point anywhere.
func NewRestHookClient(timeout time.Duration) *RestHookClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &RestHookClient{client: &http.Client{
		Timeout: timeout,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}}
}

// Deliver implements Deliverer.
func (c *RestHookClient) Deliver(ctx context.Context, sub SubscriptionInfo, n Notification) error {
	var body []byte
	if sub.ChannelPayload != "" {
		raw, err := json.Marshal(fhir.NewHistoryBundle(n.Focus(), n.Action, n.Timestamp))
		if err != nil {
			return fmt.Errorf("marshal notification bundle: %w", err)
		}
		body = raw
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.ChannelEndpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("%w: build request: %v", ErrDeliveryFailed, err)
	}
	if sub.ChannelPayload != "" {
		req.Header.Set("Content-Type", sub.ChannelPayload)
	}
	applyHeaders(req, sub.ChannelHeaders)

	return c.do(req)
}

// Handshake POSTs an empty FHIR object to endpoint and succeeds on any 2xx.
func (c *RestHookClient) Handshake(ctx context.Context, endpoint string, headers []string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader([]byte("{}")))
	if err != nil {
		return fmt.Errorf("build handshake request: %w", err)
	}
	req.Header.Set("Content-Type", "application/fhir+json")
	applyHeaders(req, headers)

	if err := c.do(req); err != nil {
		return fmt.Errorf("handshake: %w", err)
	}
	return nil
}

func (c *RestHookClient) do(req *http.Request) error {
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: http post: %v", ErrDeliveryFailed, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: http status %d", ErrDeliveryFailed, resp.StatusCode)
	}
	return nil
}

// applyHeaders sets "Name: value" header strings on req.
func applyHeaders(req *http.Request, headers []string) {
	for _, h := range headers {
		name, value, ok := strings.Cut(h, ":")
		if !ok {
			continue
		}
		req.Header.Set(strings.TrimSpace(name), strings.TrimSpace(value))
	}
}

// Package webhook posts normalized emails to the MailVoid API webhook. The
// client performs a single attempt per call; all retry logic lives in the
// outbound queue.
package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/timothydodd/MailVoid-sub000/internal/email"
)

// requestTimeout bounds a single webhook POST.
const requestTimeout = 30 * time.Second

// payload is the JSON body posted to the webhook. Only the first recipient is
// forwarded; the remaining recipients stay on the normalized email. That
// matches the webhook API's contract and is not a bug to fix here.
type payload struct {
	From    string            `json:"from"`
	To      string            `json:"to"`
	Headers map[string]string `json:"headers"`
	HTML    *string           `json:"html"`
	Text    *string           `json:"text"`
}

// Client posts normalized emails to a configured webhook endpoint with an
// ApiKey credential.
type Client struct {
	url        string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client for baseURL + endpointPath. The ApiKey header is
// omitted when apiKey is empty.
func New(baseURL, endpointPath, apiKey string) *Client {
	return &Client{
		url:    strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(endpointPath, "/"),
		apiKey: apiKey,
		httpClient: &http.Client{
			Timeout: requestTimeout,
		},
	}
}

// Forward posts the email to the webhook. Network errors, timeouts, and
// non-2xx responses are all reported uniformly as an error for the caller's
// retry machinery.
func (c *Client) Forward(ctx context.Context, msg *email.Email) error {
	body := payload{
		From:    msg.From,
		Headers: msg.Headers,
	}
	if len(msg.To) > 0 {
		body.To = msg.To[0]
	}
	if msg.HTMLBody != "" {
		html := msg.HTMLBody
		body.HTML = &html
	}
	if msg.TextBody != "" {
		text := msg.TextBody
		body.Text = &text
	}

	bodyJSON, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(bodyJSON))
	if err != nil {
		return fmt.Errorf("failed to create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "ApiKey "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		slog.Debug("webhook delivery succeeded",
			"status", resp.StatusCode,
			"to", body.To,
		)
		return nil
	}

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	return fmt.Errorf("webhook returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
}

// URL returns the fully assembled webhook URL.
func (c *Client) URL() string {
	return c.url
}

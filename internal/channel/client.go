// Package channel talks to the messaging-channel gateway that owns the customer connection.
package channel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// PresenceComposing is the typing indicator shown while a reply is generated
const PresenceComposing = "composing"

// Media is a downloaded attachment
type Media struct {
	Data     []byte
	MimeType string
}

// Client sends messages and presence updates and downloads media through the gateway HTTP API
type Client struct {
	baseURL     string
	apiKey      string
	httpClient  *http.Client
	RateLimiter *rate.Limiter
}

// NewClient creates a gateway client; ratePerSecond <= 0 disables limiting
func NewClient(baseURL, apiKey string, ratePerSecond float64) *Client {
	limit := rate.Inf
	burst := 1
	if ratePerSecond > 0 {
		limit = rate.Limit(ratePerSecond)
		burst = int(ratePerSecond)
		if burst < 1 {
			burst = 1
		}
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		apiKey:      apiKey,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		RateLimiter: rate.NewLimiter(limit, burst),
	}
}

// SendMessage delivers a text reply to remoteAddress
func (c *Client) SendMessage(ctx context.Context, instanceID, remoteAddress, text string) error {
	body := map[string]any{
		"number": remoteAddress,
		"text":   text,
	}
	return c.post(ctx, "/message/sendText/"+url.PathEscape(instanceID), body, nil)
}

// SendPresence shows a presence state such as PresenceComposing to remoteAddress
func (c *Client) SendPresence(ctx context.Context, instanceID, remoteAddress, presence string) error {
	body := map[string]any{
		"number":   remoteAddress,
		"presence": presence,
		"delay":    1200,
	}
	return c.post(ctx, "/chat/sendPresence/"+url.PathEscape(instanceID), body, nil)
}

// FetchMedia downloads the binary attached to messageID
func (c *Client) FetchMedia(ctx context.Context, instanceID, messageID string) (*Media, error) {
	body := map[string]any{
		"message": map[string]any{
			"key": map[string]any{"id": messageID},
		},
	}
	var out struct {
		Base64   string `json:"base64"`
		MimeType string `json:"mimetype"`
	}
	if err := c.post(ctx, "/chat/getBase64FromMediaMessage/"+url.PathEscape(instanceID), body, &out); err != nil {
		return nil, err
	}
	if out.Base64 == "" {
		return nil, fmt.Errorf("gateway returned no media for message %s", messageID)
	}
	data, err := base64.StdEncoding.DecodeString(out.Base64)
	if err != nil {
		return nil, fmt.Errorf("failed to decode media: %w", err)
	}
	return &Media{Data: data, MimeType: out.MimeType}, nil
}

func (c *Client) post(ctx context.Context, path string, payload any, out any) error {
	if err := c.RateLimiter.Wait(ctx); err != nil {
		return err
	}

	buf, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request %s failed: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("gateway request %s failed: %s, response: %s", path, resp.Status, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}

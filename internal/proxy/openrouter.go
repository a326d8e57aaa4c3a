package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strings"
	"time"

	"github.com/kalambet/chatcore/internal/chat"
)

const (
	DefaultBaseURL = "https://openrouter.ai/api/v1"
	defaultTimeout = 60 * time.Second
	pingTimeout    = 5 * time.Second
	maxRetries     = 3
	initialBackoff = 500 * time.Millisecond
)

// Client delivers queued messages to the OpenRouter chat completion API.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	httpClient *http.Client
	referer    string
	title      string
}

// NewClient creates an OpenRouter client that sends to model.
func NewClient(apiKey, model string) *Client {
	return &Client{
		apiKey:  apiKey,
		model:   model,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		referer: "https://github.com/kalambet/chatcore",
		title:   "chatcore",
	}
}

// NewClientWithBaseURL creates a client pointing at a custom base URL.
func NewClientWithBaseURL(apiKey, model, baseURL string) *Client {
	c := NewClient(apiKey, model)
	if baseURL != "" {
		c.baseURL = strings.TrimRight(baseURL, "/")
	}
	return c
}

// Deliver sends msg as a chat completion and returns the upstream id and the
// assistant reply. Rate-limited requests are retried with exponential backoff
// within ctx. Every failure is a *chat.ProviderError.
func (c *Client) Deliver(ctx context.Context, msg chat.OutboundMessage) (chat.Ack, error) {
	role := msg.Message.Role
	if role == "" {
		role = chat.RoleUser
	}
	body, err := json.Marshal(ChatRequest{
		Model:    c.model,
		Messages: []ChatMessage{{Role: string(role), Content: msg.Message.Content}},
		User:     msg.ConversationID,
	})
	if err != nil {
		return chat.Ack{}, chat.NewProviderError("delivery", "marshaling request", err)
	}

	var lastErr error
	for attempt := range maxRetries {
		ack, err := c.doChat(ctx, body)
		if err == nil {
			return ack, nil
		}
		if !isRateLimit(err) {
			return chat.Ack{}, chat.NewProviderError("delivery", "sending chat completion", err)
		}

		lastErr = err
		if attempt < maxRetries-1 {
			backoff := time.Duration(float64(initialBackoff) * math.Pow(2, float64(attempt)))
			select {
			case <-ctx.Done():
				return chat.Ack{}, chat.NewProviderError("delivery", "waiting for rate limit", ctx.Err())
			case <-time.After(backoff):
			}
		}
	}

	return chat.Ack{}, chat.NewProviderError("delivery", "sending chat completion",
		fmt.Errorf("rate limited after %d retries: %w", maxRetries, lastErr))
}

// rateLimitError is returned on HTTP 429.
type rateLimitError struct {
	status int
}

func (e *rateLimitError) Error() string {
	return fmt.Sprintf("rate limited (HTTP %d)", e.status)
}

func isRateLimit(err error) bool {
	var rl *rateLimitError
	return errors.As(err, &rl)
}

func (c *Client) doChat(ctx context.Context, body []byte) (chat.Ack, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return chat.Ack{}, fmt.Errorf("creating request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return chat.Ack{}, fmt.Errorf("executing request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return chat.Ack{}, &rateLimitError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return chat.Ack{}, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var cr ChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return chat.Ack{}, fmt.Errorf("decoding response: %w", err)
	}
	ack := chat.Ack{ID: cr.ID}
	if len(cr.Choices) > 0 {
		ack.Reply = cr.Choices[0].Message.Content
	}
	return ack, nil
}

// Ping reports whether the API host answers at all. Any HTTP response below
// 500 counts as reachable, including authentication failures.
func (c *Client) Ping(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return false
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode < http.StatusInternalServerError
}

func (c *Client) setHeaders(req *http.Request) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("HTTP-Referer", c.referer)
	req.Header.Set("X-Title", c.title)
}

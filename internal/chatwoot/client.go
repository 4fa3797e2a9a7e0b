package chatwoot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/JorgeAlan/tagers-platform-sub003/internal/circuitbreaker"
)

// ApologyMessage is the only text a customer sees when processing fails
// terminally. Internal reasons are never leaked.
const ApologyMessage = "Lo sentimos, tuvimos un problema procesando tu mensaje. " +
	"Un agente te atenderá en breve. 🙏"

// API is the outbound surface the processor core needs from the platform.
type API interface {
	SendMessage(ctx context.Context, conversationID, content string) error
	ToggleTyping(ctx context.Context, conversationID string, on bool) error
}

// Client talks to the Chatwoot REST API. Outbound calls share a token-bucket
// throttle and a circuit breaker so a degraded platform does not absorb the
// whole worker pool.
type Client struct {
	baseURL   string
	accountID string
	token     string
	http      *http.Client
	limiter   *rate.Limiter
	breaker   *circuitbreaker.Breaker
	logger    *slog.Logger
}

// Options for NewClient; zero values get defaults.
type Options struct {
	BaseURL   string
	AccountID string
	APIToken  string
	RPS       float64
	Burst     int
}

// NewClient creates a platform client.
func NewClient(opts Options) *Client {
	if opts.RPS <= 0 {
		opts.RPS = 10
	}
	if opts.Burst <= 0 {
		opts.Burst = 20
	}
	return &Client{
		baseURL:   opts.BaseURL,
		accountID: opts.AccountID,
		token:     opts.APIToken,
		http:      &http.Client{Timeout: 10 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
		breaker: circuitbreaker.New(circuitbreaker.Config{
			Name:             "chatwoot-api",
			FailureThreshold: 5,
			OpenTimeout:      30 * time.Second,
		}),
		logger: slog.With("component", "chatwoot"),
	}
}

// SendMessage posts an outgoing message to a conversation.
func (c *Client) SendMessage(ctx context.Context, conversationID, content string) error {
	body := map[string]interface{}{
		"content":      content,
		"message_type": "outgoing",
	}
	path := fmt.Sprintf("/api/v1/accounts/%s/conversations/%s/messages", c.accountID, conversationID)
	return c.post(ctx, path, body)
}

// ToggleTyping surfaces or clears the "agent is typing" indicator.
func (c *Client) ToggleTyping(ctx context.Context, conversationID string, on bool) error {
	status := "off"
	if on {
		status = "on"
	}
	path := fmt.Sprintf("/api/v1/accounts/%s/conversations/%s/toggle_typing_status?typing_status=%s",
		c.accountID, conversationID, status)
	return c.post(ctx, path, nil)
}

func (c *Client) post(ctx context.Context, path string, body interface{}) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("chatwoot throttle: %w", err)
	}
	return c.breaker.Do(func() error {
		var reader io.Reader
		if body != nil {
			payload, err := json.Marshal(body)
			if err != nil {
				return fmt.Errorf("marshal request: %w", err)
			}
			reader = bytes.NewReader(payload)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, reader)
		if err != nil {
			return fmt.Errorf("build request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("api_access_token", c.token)

		resp, err := c.http.Do(req)
		if err != nil {
			return fmt.Errorf("chatwoot request: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		if resp.StatusCode >= 500 {
			return fmt.Errorf("chatwoot %s: server error %d", path, resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			// Client errors are not retryable and must not trip the breaker
			// path into masking a configuration problem silently.
			c.logger.Warn("Chatwoot rejected request", "path", path, "status", resp.StatusCode)
			return nil
		}
		return nil
	})
}

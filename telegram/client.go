package telegram

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

// DefaultAPIURL is the Telegram Bot API root.
const DefaultAPIURL = "https://api.telegram.org"

// APIError is an unsuccessful Bot API response.
type APIError struct {
	Method      string
	StatusCode  int
	Description string
	RetryAfter  time.Duration
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telegram %s: HTTP %d: %s", e.Method, e.StatusCode, e.Description)
}

func (e *APIError) transient() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Config configures a Bot API client.
type Config struct {
	Token              string
	ChatID             string
	APIURL             string
	DisableLinkPreview bool
	Attempts           uint
	RetryDelay         time.Duration
	HTTPClient         *http.Client
	Logger             *slog.Logger
}

// Client sends messages through the Telegram Bot API.
type Client struct {
	token          string
	chatID         string
	apiURL         string
	disablePreview bool
	attempts       uint
	delay          time.Duration
	client         *http.Client
	logger         *slog.Logger
}

// NewClient creates a Bot API client bound to one chat.
func NewClient(cfg Config) *Client {
	c := &Client{
		token:          cfg.Token,
		chatID:         cfg.ChatID,
		apiURL:         strings.TrimSuffix(cfg.APIURL, "/"),
		disablePreview: cfg.DisableLinkPreview,
		attempts:       cfg.Attempts,
		delay:          cfg.RetryDelay,
		client:         cfg.HTTPClient,
		logger:         cfg.Logger,
	}
	if c.apiURL == "" {
		c.apiURL = DefaultAPIURL
	}
	if c.attempts == 0 {
		c.attempts = 3
	}
	if c.delay == 0 {
		c.delay = time.Second
	}
	if c.client == nil {
		c.client = &http.Client{Timeout: 30 * time.Second}
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	return c
}

type sendMessageRequest struct {
	ChatID             string              `json:"chat_id"`
	Text               string              `json:"text"`
	ParseMode          string              `json:"parse_mode,omitempty"`
	LinkPreviewOptions *linkPreviewOptions `json:"link_preview_options,omitempty"`
}

type linkPreviewOptions struct {
	IsDisabled bool `json:"is_disabled"`
}

type apiResponse struct {
	OK          bool            `json:"ok"`
	Result      json.RawMessage `json:"result"`
	Description string          `json:"description"`
	ErrorCode   int             `json:"error_code"`
	Parameters  *struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}

// Send sends text to the configured chat. Markup rejections are returned
// immediately; rate limits and server errors are retried.
func (c *Client) Send(ctx context.Context, text string, rich bool) error {
	req := sendMessageRequest{
		ChatID: c.chatID,
		Text:   text,
	}
	if rich {
		req.ParseMode = "HTML"
	}
	if c.disablePreview {
		req.LinkPreviewOptions = &linkPreviewOptions{IsDisabled: true}
	}

	var sent struct {
		MessageID int64 `json:"message_id"`
	}
	if err := c.call(ctx, "sendMessage", req, &sent); err != nil {
		return err
	}
	c.logger.Debug("Telegram message accepted", "message_id", sent.MessageID, "rich", rich, "text_length", len(text))
	return nil
}

// GetMe checks the bot token and returns the bot's username.
func (c *Client) GetMe(ctx context.Context) (string, error) {
	var me struct {
		Username string `json:"username"`
	}
	if err := c.call(ctx, "getMe", nil, &me); err != nil {
		return "", err
	}
	return me.Username, nil
}

func (c *Client) call(ctx context.Context, method string, args, result any) error {
	var payload []byte
	if args != nil {
		var err error
		payload, err = json.Marshal(args)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var lastErr error
	err := retry.Do(
		func() error {
			err := c.callOnce(ctx, method, payload, result)
			if err == nil {
				return nil
			}
			lastErr = err

			var apiErr *APIError
			if errors.As(err, &apiErr) {
				if !apiErr.transient() {
					return retry.Unrecoverable(err)
				}
				if apiErr.RetryAfter > 0 {
					c.logger.Warn("Telegram rate limited, waiting", "method", method, "wait", apiErr.RetryAfter.String())
					if !sleep(ctx, apiErr.RetryAfter) {
						return retry.Unrecoverable(ctx.Err())
					}
				}
			}
			return err
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.MaxDelay(time.Minute),
		retry.MaxJitter(c.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying Telegram request after error", "attempt", n, "method", method, "error", err)
		}),
	)
	if err == nil {
		return nil
	}
	if lastErr != nil && ctx.Err() == nil {
		return lastErr
	}
	return err
}

func (c *Client) callOnce(ctx context.Context, method string, payload []byte, result any) error {
	c.logger.Info("Telegram API request starting", "method", "POST", "endpoint", method)

	var body io.Reader = http.NoBody
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.apiURL+"/bot"+c.token+"/"+method, body)
	if err != nil {
		return fmt.Errorf("create request: %s", c.scrub(err.Error()))
	}
	req.Header.Set("Content-Type", "application/json")

	startTime := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("Telegram API request failed",
			"endpoint", method,
			"duration_ms", duration.Milliseconds(),
			"error", c.scrub(err.Error()))
		// The request URL carries the bot token.
		return errors.New(c.scrub(err.Error()))
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	var ar apiResponse
	decodeErr := json.NewDecoder(resp.Body).Decode(&ar)

	if resp.StatusCode != http.StatusOK || !ar.OK {
		apiErr := &APIError{Method: method, StatusCode: resp.StatusCode, Description: ar.Description}
		if apiErr.Description == "" {
			apiErr.Description = http.StatusText(resp.StatusCode)
		}
		if ar.Parameters != nil && ar.Parameters.RetryAfter > 0 {
			apiErr.RetryAfter = time.Duration(ar.Parameters.RetryAfter) * time.Second
		}
		c.logger.Warn("Telegram API returned error",
			"endpoint", method,
			"status_code", resp.StatusCode,
			"duration_ms", duration.Milliseconds(),
			"description", apiErr.Description)
		return apiErr
	}
	if decodeErr != nil {
		return fmt.Errorf("decode %s response: %w", method, decodeErr)
	}

	c.logger.Info("Telegram API request completed",
		"endpoint", method,
		"duration_ms", duration.Milliseconds(),
		"status", "success")

	if result != nil && len(ar.Result) > 0 {
		if err := json.Unmarshal(ar.Result, result); err != nil {
			return fmt.Errorf("decode %s result: %w", method, err)
		}
	}
	return nil
}

func (c *Client) scrub(s string) string {
	if c.token == "" {
		return s
	}
	return strings.ReplaceAll(s, c.token, "EXPUNGED")
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

var _ Provider = (*Client)(nil)
var _ Provider = (*MockProvider)(nil)

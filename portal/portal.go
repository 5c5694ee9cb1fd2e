// Package portal fetches notices from the placement portal's tRPC API.
package portal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"notice-relay/pkg/notifier"
	"strings"
	"time"

	"github.com/codeGROOVE-dev/retry"
)

const (
	// DefaultBaseURL is the portal's tRPC root.
	DefaultBaseURL = "https://www.aitplacements.in/api/trpc"
	// DefaultCookieName is the cookie that carries a bare session credential.
	DefaultCookieName = "__Secure-next-auth.csrf-token"

	listProcedure   = "notice.publishedNoticeList,user.getUserProfileDetails"
	detailProcedure = "notice.noticeDetail"
	userAgent       = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
	maxErrorBody    = 512
)

// FetchError indicates a failed or unusable response from the portal.
type FetchError struct {
	URL        string
	StatusCode int // 0 when the request never got a response
	Err        error

	retryable bool
}

func (e *FetchError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d: %v", e.URL, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("fetch %s: %v", e.URL, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// IsFetchError checks if an error is a portal fetch error.
func IsFetchError(err error) bool {
	var fe *FetchError
	return errors.As(err, &fe)
}

// Config configures a portal client.
type Config struct {
	BaseURL    string
	Cookie     string // COOKIE_VALUE; sent verbatim when it already looks like "name=value"
	CookieName string
	Attempts   uint
	RetryDelay time.Duration
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Client fetches the notice list and notice details.
type Client struct {
	baseURL    string
	cookie     string
	cookieName string
	attempts   uint
	delay      time.Duration
	client     *http.Client
	logger     *slog.Logger
}

// New creates a new portal client.
func New(cfg Config) *Client {
	c := &Client{
		baseURL:    strings.TrimSuffix(cfg.BaseURL, "/"),
		cookie:     cfg.Cookie,
		cookieName: cfg.CookieName,
		attempts:   cfg.Attempts,
		delay:      cfg.RetryDelay,
		client:     cfg.HTTPClient,
		logger:     cfg.Logger,
	}
	if c.baseURL == "" {
		c.baseURL = DefaultBaseURL
	}
	if c.cookieName == "" {
		c.cookieName = DefaultCookieName
	}
	if c.attempts == 0 {
		c.attempts = 1
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

// tRPC batch responses are arrays with one element per procedure.
type batchEnvelope[T any] []struct {
	Result *struct {
		Data *T `json:"data"`
	} `json:"result"`
}

type listData struct {
	Notices []noticeJSON `json:"notices"`
}

type noticeJSON struct {
	ID        string `json:"id"`
	UpdatedAt string `json:"updatedAt"`
	Title     string `json:"title"`
	Admin     poster `json:"admin"`
}

type detailData struct {
	ID    string `json:"id"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Admin poster `json:"admin"`
}

// poster accepts the admin field either as a plain string or as an object.
type poster string

func (p *poster) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*p = poster(s)
		return nil
	}
	var obj struct {
		Name  string `json:"name"`
		Email string `json:"email"`
	}
	if err := json.Unmarshal(b, &obj); err != nil {
		return fmt.Errorf("decode admin: %w", err)
	}
	if obj.Name != "" {
		*p = poster(obj.Name)
	} else {
		*p = poster(obj.Email)
	}
	return nil
}

// ListURL returns the notice list endpoint for page 1 of published notices.
func (c *Client) ListURL() string {
	return c.procedureURL(listProcedure, map[string]any{"pageNos": 1})
}

// DetailURL returns the notice detail endpoint for id.
func (c *Client) DetailURL(id string) string {
	return c.procedureURL(detailProcedure, map[string]any{"id": id})
}

func (c *Client) procedureURL(procedure string, input map[string]any) string {
	raw, err := json.Marshal(map[string]any{"0": input})
	if err != nil {
		// Only maps of strings and ints are passed in.
		panic(err)
	}
	q := url.Values{}
	q.Set("batch", "1")
	q.Set("input", string(raw))
	return c.baseURL + "/" + procedure + "?" + q.Encode()
}

// ListNotices fetches the published notice list, newest first.
// On failure it returns an empty slice and a *FetchError.
func (c *Client) ListNotices(ctx context.Context) ([]*notifier.Notice, error) {
	listURL := c.ListURL()

	var env batchEnvelope[listData]
	if err := c.fetchJSON(ctx, listURL, "fetch_notice_list", &env); err != nil {
		return []*notifier.Notice{}, err
	}
	if len(env) == 0 || env[0].Result == nil || env[0].Result.Data == nil || env[0].Result.Data.Notices == nil {
		return []*notifier.Notice{}, &FetchError{URL: listURL, Err: errors.New("response has no result.data.notices")}
	}

	raw := env[0].Result.Data.Notices
	notices := make([]*notifier.Notice, 0, len(raw))
	for i, n := range raw {
		if n.ID == "" {
			c.logger.Warn("Skipping notice without id", "index", i)
			continue
		}
		notices = append(notices, &notifier.Notice{
			ID:        n.ID,
			UpdatedAt: n.UpdatedAt,
			Author:    string(n.Admin),
			Title:     n.Title,
		})
	}

	c.logger.Info("Fetched notices", "count", len(notices))
	return notices, nil
}

// FetchDetail fetches the full notice for id.
func (c *Client) FetchDetail(ctx context.Context, id string) (*notifier.NoticeDetail, error) {
	detailURL := c.DetailURL(id)

	var env batchEnvelope[detailData]
	if err := c.fetchJSON(ctx, detailURL, "fetch_notice_detail", &env); err != nil {
		return nil, err
	}
	if len(env) == 0 || env[0].Result == nil || env[0].Result.Data == nil {
		return nil, &FetchError{URL: detailURL, Err: errors.New("response has no result.data")}
	}

	d := env[0].Result.Data
	detailID := d.ID
	if detailID == "" {
		detailID = id
	}
	c.logger.Info("Fetched notice details", "notice_id", id, "body_length", len(d.Body))
	return &notifier.NoticeDetail{
		ID:     detailID,
		Title:  d.Title,
		Body:   d.Body,
		Author: string(d.Admin),
	}, nil
}

func (c *Client) fetchJSON(ctx context.Context, reqURL, purpose string, v any) error {
	var lastErr *FetchError
	err := retry.Do(
		func() error {
			fe := c.fetchOnce(ctx, reqURL, purpose, v)
			if fe == nil {
				return nil
			}
			lastErr = fe
			if !fe.retryable {
				return retry.Unrecoverable(fe)
			}
			return fe
		},
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.MaxDelay(30*time.Second),
		retry.MaxJitter(c.delay),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Info("Retrying fetch after error", "attempt", n, "purpose", purpose, "error", err)
		}),
	)
	if err == nil {
		return nil
	}
	if lastErr != nil && ctx.Err() == nil {
		return lastErr
	}
	return &FetchError{URL: reqURL, Err: err}
}

func (c *Client) fetchOnce(ctx context.Context, reqURL, purpose string, v any) *FetchError {
	c.logger.Info("HTTP request starting",
		"method", "GET",
		"url", reqURL,
		"purpose", purpose)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, http.NoBody)
	if err != nil {
		return &FetchError{URL: reqURL, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	c.setCookie(req)

	startTime := time.Now()
	resp, err := c.client.Do(req)
	duration := time.Since(startTime)
	if err != nil {
		c.logger.Warn("HTTP request failed",
			"url", reqURL,
			"duration_ms", duration.Milliseconds(),
			"error", err)
		return &FetchError{URL: reqURL, Err: err, retryable: ctx.Err() == nil}
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Warn("Failed to close response body", "error", closeErr)
		}
	}()

	c.logger.Info("HTTP request completed",
		"url", reqURL,
		"status_code", resp.StatusCode,
		"duration_ms", duration.Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Error("Error fetching data",
			"url", reqURL,
			"status_code", resp.StatusCode,
			"response", string(snippet))
		return &FetchError{
			URL:        reqURL,
			StatusCode: resp.StatusCode,
			Err:        errors.New(http.StatusText(resp.StatusCode)),
			retryable:  resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500,
		}
	}

	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		c.logger.Error("Failed to decode JSON response", "url", reqURL, "error", err)
		return &FetchError{URL: reqURL, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}

func (c *Client) setCookie(req *http.Request) {
	if c.cookie == "" {
		return
	}
	if strings.Contains(c.cookie, "=") {
		req.Header.Set("Cookie", c.cookie)
		return
	}
	req.AddCookie(&http.Cookie{Name: c.cookieName, Value: c.cookie})
}

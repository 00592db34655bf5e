// Package github scans GitHub-hosted repositories for the CRP indexer.
//
// The API client is deliberately small: token auth, pinned API version,
// Link-header pagination, and one backoff retry on rate limiting.
package github

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// apiVersion pins the GitHub REST API version header for consistent
// behavior as GitHub evolves the API.
const apiVersion = "2022-11-28"

const defaultBaseURL = "https://api.github.com"

// Client is a minimal GitHub REST client covering the endpoints the
// scanner needs.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a client. An empty token uses unauthenticated access,
// which GitHub rate-limits aggressively; fine for small public scopes.
func NewClient(baseURL, token string, logger *slog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      token,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// apiError is a non-2xx GitHub response.
type apiError struct {
	StatusCode int
	Message    string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("github: %d %s", e.StatusCode, e.Message)
}

// doRaw executes one request. The caller closes the response body.
func (c *Client) doRaw(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("github: create request: %w", err)
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("X-GitHub-Api-Version", apiVersion)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("github: GET %s: %w", url, err)
	}
	return resp, nil
}

// do executes a request with one rate-limit retry, returning the body.
func (c *Client) do(ctx context.Context, url string) ([]byte, http.Header, error) {
	for attempt := 0; ; attempt++ {
		resp, err := c.doRaw(ctx, url)
		if err != nil {
			return nil, nil, err
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
		resp.Body.Close()
		if err != nil {
			return nil, nil, fmt.Errorf("github: read response: %w", err)
		}

		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return body, resp.Header, nil
		}

		if attempt == 0 && (resp.StatusCode == http.StatusTooManyRequests ||
			(resp.StatusCode == http.StatusForbidden && resp.Header.Get("Retry-After") != "")) {
			delay := retryAfter(resp.Header)
			if delay > 0 && delay <= 2*time.Minute {
				c.logger.Info("github rate limited, backing off", "delay", delay, "url", url)
				select {
				case <-time.After(delay):
					continue
				case <-ctx.Done():
					return nil, nil, ctx.Err()
				}
			}
		}

		msg := string(body)
		var wire struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &wire) == nil && wire.Message != "" {
			msg = wire.Message
		}
		return nil, nil, &apiError{StatusCode: resp.StatusCode, Message: msg}
	}
}

func (c *Client) get(ctx context.Context, path string, result any) error {
	body, _, err := c.do(ctx, c.baseURL+path)
	if err != nil {
		return err
	}
	return json.Unmarshal(body, result)
}

// listPages fetches a paginated endpoint to exhaustion, following the
// RFC 5988 Link header's rel="next" URL.
func listPages[T any](ctx context.Context, c *Client, path string) ([]T, error) {
	url := c.baseURL + path
	var all []T
	for url != "" {
		body, headers, err := c.do(ctx, url)
		if err != nil {
			return nil, err
		}
		var page []T
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, fmt.Errorf("github: decode page: %w", err)
		}
		all = append(all, page...)
		url = parseLinkNext(headers.Get("Link"))
	}
	return all, nil
}

func retryAfter(h http.Header) time.Duration {
	if v := h.Get("Retry-After"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return 0
}

// parseLinkNext extracts the rel="next" URL from a Link header, or "".
func parseLinkNext(header string) string {
	for _, part := range strings.Split(header, ",") {
		part = strings.TrimSpace(part)
		segments := strings.SplitN(part, ";", 2)
		if len(segments) != 2 || !strings.Contains(segments[1], `rel="next"`) {
			continue
		}
		urlPart := strings.TrimSpace(segments[0])
		if strings.HasPrefix(urlPart, "<") && strings.HasSuffix(urlPart, ">") {
			return urlPart[1 : len(urlPart)-1]
		}
	}
	return ""
}

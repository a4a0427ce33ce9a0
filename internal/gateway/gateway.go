// Package gateway talks to the remote rewards API: claiming a reward and
// fetching the visitor's dashboard.
package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/jredh-dev/spinwheel/pkg/models"
)

// Client is the remote rewards API.
type Client interface {
	ClaimReward(ctx context.Context, token string, req models.ClaimRequest) (*models.ClaimResponse, error)
	FetchDashboard(ctx context.Context, token string) (*models.DashboardResponse, error)
}

// APIError is a non-2xx response. Detail is the server's "detail" field
// when present.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return e.Detail
}

// HTTPClient implements Client over HTTP.
type HTTPClient struct {
	baseURL    string
	httpClient *http.Client
	log        *slog.Logger
}

// New returns an HTTP client for the API rooted at baseURL.
func New(baseURL string) *HTTPClient {
	return &HTTPClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 10 * time.Second},
		log:        slog.Default().With("component", "gateway"),
	}
}

// ClaimReward posts a claim for the won reward.
func (c *HTTPClient) ClaimReward(ctx context.Context, token string, req models.ClaimRequest) (*models.ClaimResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	form := url.Values{}
	form.Set("name", req.Name)
	form.Set("whatsapp", req.WhatsApp)
	form.Set("reward", req.Reward)
	if req.Email != "" {
		form.Set("email", req.Email)
	}
	form.Set("spend_amount", strconv.FormatFloat(req.SpendAmount, 'f', -1, 64))

	u := c.baseURL + "/api/claim-reward?restaurant_id=" + url.QueryEscape(req.RestaurantID)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("claim reward: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	var out models.ClaimResponse
	if err := c.do(httpReq, token, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// FetchDashboard returns the visitor's claim history and loyalty settings.
func (c *HTTPClient) FetchDashboard(ctx context.Context, token string) (*models.DashboardResponse, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/user-dashboard", nil)
	if err != nil {
		return nil, fmt.Errorf("fetch dashboard: %w", err)
	}
	var out models.DashboardResponse
	if err := c.do(httpReq, token, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *HTTPClient) do(req *http.Request, token string, out any) error {
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	c.log.Debug("request", "method", req.Method, "path", req.URL.Path)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Detail: errorDetail(resp.StatusCode, body)}
		c.log.Warn("request failed", "path", req.URL.Path, "status", resp.StatusCode, "detail", apiErr.Detail)
		return apiErr
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// errorDetail prefers the "detail" field, then the raw JSON body, then the
// status line.
func errorDetail(status int, body []byte) string {
	var parsed map[string]json.RawMessage
	if err := json.Unmarshal(body, &parsed); err != nil {
		return fmt.Sprintf("%d %s", status, http.StatusText(status))
	}
	if raw, ok := parsed["detail"]; ok {
		var s string
		if json.Unmarshal(raw, &s) == nil && s != "" {
			return s
		}
		return string(raw)
	}
	return strings.TrimSpace(string(body))
}

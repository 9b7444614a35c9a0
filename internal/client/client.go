// Package client is an HTTP client for the credit score API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/mbd888/creditscore/internal/profile"
	"github.com/mbd888/creditscore/internal/scoring"
)

// Config holds the connection settings.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
	APIKey string // optional; required for mutations
}

// Client talks to a credit score server.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// New creates a client.
func New(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// APIError is an error response from the server.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"error"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("API error (%d): %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("API error (%d)", e.StatusCode)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, code int) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == code
}

// do sends a request and decodes a JSON response into out (which may be nil).
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	u, err := url.Parse(c.cfg.APIURL + path)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if query != nil {
		u.RawQuery = query.Encode()
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(respBody)
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(respBody, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// GetCreditScore returns the account's current score.
func (c *Client) GetCreditScore(ctx context.Context, address string) (int, error) {
	var resp struct {
		CreditScore string `json:"creditScore"`
	}
	if err := c.do(ctx, http.MethodGet, "/credit-score/"+url.PathEscape(address), nil, nil, &resp); err != nil {
		return 0, err
	}
	score, err := strconv.Atoi(resp.CreditScore)
	if err != nil {
		return 0, fmt.Errorf("unexpected credit score %q", resp.CreditScore)
	}
	return score, nil
}

// ProfileResponse is the body of profile reads and updates.
type ProfileResponse struct {
	Profile   *profile.Profile  `json:"profile"`
	Breakdown scoring.Breakdown `json:"breakdown"`
}

// GetProfile returns the account's full profile with its score breakdown.
func (c *Client) GetProfile(ctx context.Context, address string) (*ProfileResponse, error) {
	var resp ProfileResponse
	if err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(address), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetHistory returns one page of the account's score events.
func (c *Client) GetHistory(ctx context.Context, address string, limit int, cursor string) (*profile.HistoryPage, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	var page profile.HistoryPage
	if err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(address)+"/history", q, nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

// GetOwner returns the engine owner's address.
func (c *Client) GetOwner(ctx context.Context) (string, error) {
	var resp struct {
		Owner string `json:"owner"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/owner", nil, nil, &resp); err != nil {
		return "", err
	}
	return resp.Owner, nil
}

// UpdateField sets one field of the caller's own profile.
func (c *Client) UpdateField(ctx context.Context, address string, field profile.Field, value uint64) (*ProfileResponse, error) {
	body := map[string]string{"value": strconv.FormatUint(value, 10)}
	var resp ProfileResponse
	path := "/v1/accounts/" + url.PathEscape(address) + "/" + string(field)
	if err := c.do(ctx, http.MethodPut, path, nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Integrate pushes external data for user. The client's key must belong to
// the engine owner.
func (c *Client) Integrate(ctx context.Context, user string, data profile.ExternalData) (*ProfileResponse, error) {
	// Values travel as decimal strings so the full uint64 range survives
	// JSON decoders that use float64.
	body := map[string]string{
		"user":      user,
		"volume":    strconv.FormatUint(data.Volume, 10),
		"balance":   strconv.FormatUint(data.Balance, 10),
		"frequency": strconv.FormatUint(data.Frequency, 10),
		"mix":       strconv.FormatUint(data.Mix, 10),
		"newTx":     strconv.FormatUint(data.NewTx, 10),
	}
	var resp ProfileResponse
	if err := c.do(ctx, http.MethodPost, "/v1/admin/integrate", nil, body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

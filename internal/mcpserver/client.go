package mcpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/mbd888/keyshield/internal/shield"
)

// Config holds the configuration for connecting to a keyshield server.
type Config struct {
	APIURL string // Base URL, e.g. "http://localhost:8080"
}

// Client is a plain HTTP client for the keyshield API.
type Client struct {
	cfg        Config
	httpClient *http.Client
}

// NewClient creates a new API client.
func NewClient(cfg Config) *Client {
	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// apiError represents an error response from the server.
type apiError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) doRequest(ctx context.Context, method, path string, body any) (json.RawMessage, error) {
	u, err := url.JoinPath(c.cfg.APIURL, path)
	if err != nil {
		return nil, fmt.Errorf("invalid URL: %w", err)
	}

	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reqBody)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var apiErr apiError
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Message != "" {
			return json.RawMessage(respBody), fmt.Errorf("API error (%d): %s", resp.StatusCode, apiErr.Message)
		}
		return nil, fmt.Errorf("API error (%d): %s", resp.StatusCode, string(respBody))
	}

	return json.RawMessage(respBody), nil
}

// ListShields returns every stored shield.
func (c *Client) ListShields(ctx context.Context) ([]*shield.SecurityShield, error) {
	raw, err := c.doRequest(ctx, http.MethodGet, "/v1/shields", nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Shields []*shield.SecurityShield `json:"shields"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode shields: %w", err)
	}
	return resp.Shields, nil
}

// GetShield returns one shield.
func (c *Client) GetShield(ctx context.Context, id string) (*shield.SecurityShield, error) {
	raw, err := c.doRequest(ctx, http.MethodGet, "/v1/shields/"+url.PathEscape(id), nil)
	if err != nil {
		return nil, err
	}
	var resp struct {
		Shield *shield.SecurityShield `json:"shield"`
	}
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode shield: %w", err)
	}
	return resp.Shield, nil
}

// CreateShield builds and stores a shield from an edit script. When the
// script does not build, the server's report is returned with the error.
func (c *Client) CreateShield(ctx context.Context, name string, ops []shield.Operation) (*shield.SecurityShield, *shield.Report, error) {
	raw, err := c.doRequest(ctx, http.MethodPost, "/v1/shields", map[string]any{"name": name, "operations": ops})
	var resp struct {
		Shield *shield.SecurityShield `json:"shield"`
		Report *shield.Report         `json:"report"`
	}
	if raw != nil {
		if jerr := json.Unmarshal(raw, &resp); jerr != nil && err == nil {
			return nil, nil, fmt.Errorf("decode shield: %w", jerr)
		}
	}
	return resp.Shield, resp.Report, err
}

// ListEntities returns the raw entity listing.
func (c *Client) ListEntities(ctx context.Context) (json.RawMessage, error) {
	return c.doRequest(ctx, http.MethodGet, "/v1/entities", nil)
}

package stripeapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

// Error is a non-2xx response from the source API.
type Error struct {
	StatusCode int
	Method     string
	URL        string
	RequestID  string
	Body       string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s %s failed with status %d: %s", e.Method, e.URL, e.StatusCode, e.Body)
}

// RetryConfig configures the retry behavior for API calls.
type RetryConfig struct {
	MaxRetries           int
	InitialInterval      time.Duration
	MaxInterval          time.Duration
	Multiplier           float64
	MaxElapsedTime       time.Duration
	RetryableStatusCodes []int
}

// DefaultRetryConfig provides sensible defaults for retries.
func DefaultRetryConfig() *RetryConfig {
	return &RetryConfig{
		MaxRetries:           3,
		InitialInterval:      500 * time.Millisecond,
		MaxInterval:          10 * time.Second,
		Multiplier:           2.0,
		MaxElapsedTime:       60 * time.Second,
		RetryableStatusCodes: []int{408, 429, 500, 502, 503, 504},
	}
}

// Config holds the credentials and endpoint for the source API.
type Config struct {
	APIKey     string
	BaseURL    string
	APIVersion string
	Timeout    time.Duration
}

// Client is a thin REST client for the source API. List and Retrieve return
// decoded JSON objects rather than typed structs; projection into typed
// columns happens in the database layer.
type Client struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	apiVersion string
	retry      *RetryConfig
	logger     *zap.Logger
}

// New creates a Client. The zero Timeout defaults to 80 seconds, matching the
// source vendor's own client default.
func New(cfg Config, logger *zap.Logger) *Client {
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 80 * time.Second
	}
	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.stripe.com"
	}
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
		apiKey:     cfg.APIKey,
		apiVersion: cfg.APIVersion,
		retry:      DefaultRetryConfig(),
		logger:     logger,
	}
}

// ListPage is one page of a list endpoint response.
type ListPage struct {
	Object  string           `json:"object"`
	Data    []map[string]any `json:"data"`
	HasMore bool             `json:"has_more"`
	URL     string           `json:"url"`
}

// LastID returns the id of the final record, used as starting_after for the
// next page. Empty when the page is empty.
func (p *ListPage) LastID() string {
	if len(p.Data) == 0 {
		return ""
	}
	id, _ := p.Data[len(p.Data)-1]["id"].(string)
	return id
}

// List fetches one page of a list endpoint, e.g. "/v1/products". The path may
// already carry a query string, as sub-list urls returned by the API do.
func (c *Client) List(ctx context.Context, path string, params url.Values) (*ListPage, error) {
	fullPath := path
	if encoded := params.Encode(); encoded != "" {
		if strings.Contains(path, "?") {
			fullPath += "&" + encoded
		} else {
			fullPath += "?" + encoded
		}
	}
	body, err := c.do(ctx, http.MethodGet, fullPath, nil)
	if err != nil {
		return nil, err
	}
	var page ListPage
	if err := json.Unmarshal(body, &page); err != nil {
		return nil, fmt.Errorf("failed to decode list response for %s: %w", path, err)
	}
	return &page, nil
}

// Retrieve fetches a single record, e.g. "/v1/customers/cus_123".
func (c *Client) Retrieve(ctx context.Context, path string) (map[string]any, error) {
	body, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var record map[string]any
	if err := json.Unmarshal(body, &record); err != nil {
		return nil, fmt.Errorf("failed to decode record from %s: %w", path, err)
	}
	return record, nil
}

// GetAccountID returns the id of the account the API key belongs to.
func (c *Client) GetAccountID(ctx context.Context) (string, error) {
	record, err := c.Retrieve(ctx, "/v1/account")
	if err != nil {
		return "", err
	}
	id, ok := record["id"].(string)
	if !ok || id == "" {
		return "", fmt.Errorf("account response carries no id")
	}
	return id, nil
}

// WebhookEndpoint is a provider-side webhook endpoint. Secret is only
// populated on creation.
type WebhookEndpoint struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Secret  string `json:"secret"`
	Status  string `json:"status"`
	Created int64  `json:"created"`
}

// CreateWebhookEndpoint registers a webhook endpoint subscribed to the given
// event types ("*" for all).
func (c *Client) CreateWebhookEndpoint(ctx context.Context, endpointURL, description string, enabledEvents []string) (*WebhookEndpoint, error) {
	form := url.Values{}
	form.Set("url", endpointURL)
	if description != "" {
		form.Set("description", description)
	}
	for _, ev := range enabledEvents {
		form.Add("enabled_events[]", ev)
	}
	body, err := c.do(ctx, http.MethodPost, "/v1/webhook_endpoints", form)
	if err != nil {
		return nil, err
	}
	var endpoint WebhookEndpoint
	if err := json.Unmarshal(body, &endpoint); err != nil {
		return nil, fmt.Errorf("failed to decode webhook endpoint: %w", err)
	}
	return &endpoint, nil
}

// DeleteWebhookEndpoint removes a provider-side webhook endpoint.
func (c *Client) DeleteWebhookEndpoint(ctx context.Context, id string) error {
	_, err := c.do(ctx, http.MethodDelete, "/v1/webhook_endpoints/"+id, nil)
	return err
}

// CLISession is a live-stream session ticket. The secret signs events
// delivered over the WebSocket and must be installed before connecting.
type CLISession struct {
	WebSocketURL               string `json:"websocket_url"`
	WebSocketID                string `json:"websocket_id"`
	WebSocketAuthorizedFeature string `json:"websocket_authorized_feature"`
	Secret                     string `json:"secret"`
	ReconnectDelay             int    `json:"reconnect_delay"`
	DisplayConnectMessage      bool   `json:"display_connect_message"`
}

// CreateCLISession opens a live-stream session for the given device.
func (c *Client) CreateCLISession(ctx context.Context, deviceName string) (*CLISession, error) {
	form := url.Values{}
	form.Set("device_name", deviceName)
	form.Set("websocket_features[]", "webhooks")
	body, err := c.do(ctx, http.MethodPost, "/v1/stripecli/sessions", form)
	if err != nil {
		return nil, err
	}
	var session CLISession
	if err := json.Unmarshal(body, &session); err != nil {
		return nil, fmt.Errorf("failed to decode CLI session: %w", err)
	}
	return &session, nil
}

// do executes one request with retries on transient failures and returns the
// response body.
func (c *Client) do(ctx context.Context, method, path string, form url.Values) ([]byte, error) {
	fullURL := c.baseURL + path
	start := time.Now()

	operation := func() ([]byte, error) {
		var bodyReader io.Reader
		if form != nil {
			bodyReader = strings.NewReader(form.Encode())
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL, bodyReader)
		if err != nil {
			return nil, backoff.Permanent(fmt.Errorf("failed to create request: %w", err))
		}
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
		if form != nil {
			req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		}
		if c.apiVersion != "" {
			req.Header.Set("Stripe-Version", c.apiVersion)
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("http request failed: %w", err)
		}
		defer resp.Body.Close()

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to read response body: %w", err)
		}

		if resp.StatusCode >= 400 {
			apiErr := &Error{
				StatusCode: resp.StatusCode,
				Method:     method,
				URL:        fullURL,
				RequestID:  resp.Header.Get("Request-Id"),
				Body:       strings.TrimSpace(string(body)),
			}
			for _, code := range c.retry.RetryableStatusCodes {
				if resp.StatusCode == code {
					return nil, apiErr
				}
			}
			return nil, backoff.Permanent(apiErr)
		}
		return body, nil
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.retry.InitialInterval
	expBackoff.MaxInterval = c.retry.MaxInterval
	expBackoff.Multiplier = c.retry.Multiplier
	expBackoff.MaxElapsedTime = c.retry.MaxElapsedTime

	body, err := backoff.RetryWithData(operation,
		backoff.WithContext(backoff.WithMaxRetries(expBackoff, uint64(c.retry.MaxRetries)), ctx))

	duration := time.Since(start)
	if err != nil {
		c.logger.Warn("Source API request failed",
			zap.String("method", method),
			zap.String("path", path),
			zap.Duration("duration", duration),
			zap.Error(err))
		return nil, err
	}

	c.logger.Debug("Source API request",
		zap.String("method", method),
		zap.String("path", path),
		zap.Duration("duration", duration))
	return body, nil
}

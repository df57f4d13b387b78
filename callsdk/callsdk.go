/* SPDX-License-Identifier: MPL-2.0
 * Copyright 2026 BDIC Virtual Market
 */

// Package callsdk provides the core HTTP client shared by the BDIC calling
// packages. It owns the base URL of the call-control service, the caller's
// identity token, transient-error retry, and the structured error taxonomy.
package callsdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Logger is the interface for SDK logging. Any logger that implements Printf
// (such as the standard library's *log.Logger) can be used.
type Logger interface {
	Printf(format string, v ...any)
}

// Client is the core HTTP client for the BDIC call-control service.
type Client struct {
	// HTTP client used to communicate with the service
	httpClient *http.Client

	// Base URL for API requests
	BaseURL *url.URL

	// Identity token presented as a Bearer credential
	identityToken string

	// UserEmail is the signed-in identity, extracted from the token's
	// claims or supplied explicitly via Config.UserEmail.
	UserEmail string

	// Configuration for the client
	Config *Config

	// Logger for SDK operations
	logger Logger
}

// GetIdentityToken returns the identity token used for authentication.
func (c *Client) GetIdentityToken() string {
	return c.identityToken
}

// GetHTTPClient returns the HTTP client used for API requests.
func (c *Client) GetHTTPClient() *http.Client {
	return c.httpClient
}

// GetLogger returns the logger used by the SDK.
func (c *Client) GetLogger() Logger {
	return c.logger
}

// Config holds the configuration for the core client.
type Config struct {
	// BaseURL is the base URL of the call-control service
	BaseURL string

	// SignalingURL is the websocket endpoint of the message bus.
	// Derived from BaseURL (http->ws, path /ws) when empty.
	SignalingURL string

	// UserEmail overrides the identity extracted from the token claims.
	// Required when the token carries no email claim.
	UserEmail string

	// Timeout for API requests
	Timeout time.Duration

	// Default headers to include in API requests
	DefaultHeaders map[string]string

	// Custom HTTP client to use instead of the default one.
	// If nil, a default client will be created with the specified Timeout.
	HttpClient *http.Client

	// MaxRetries is the maximum number of retries for transient errors
	// (429, 502, 503, 504). Set to 0 to disable retries. Default: 3.
	MaxRetries int

	// RetryBaseDelay is the initial delay between retries. Default: 1s.
	// Subsequent retries use exponential backoff (delay * 2^attempt).
	RetryBaseDelay time.Duration

	// Logger is the logger for SDK operations. If nil, the standard
	// library's default logger (log.Default()) is used.
	Logger Logger
}

// DefaultConfig returns a default configuration for the core client.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:        "https://api.bdicmarket.com",
		Timeout:        30 * time.Second,
		DefaultHeaders: make(map[string]string),
		HttpClient:     nil,
		MaxRetries:     3,
		RetryBaseDelay: 1 * time.Second,
	}
}

// NewClient creates a new core client with the given identity token and
// optional configuration. The signed-in email is taken from Config.UserEmail
// when set, otherwise from the token's claims.
func NewClient(identityToken string, config *Config) (*Client, error) {
	if identityToken == "" {
		return nil, fmt.Errorf("identity token cannot be empty")
	}

	if config == nil {
		config = DefaultConfig()
	}
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}

	baseURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, err
	}

	userEmail := config.UserEmail
	if userEmail == "" {
		userEmail, err = EmailFromToken(identityToken)
		if err != nil {
			return nil, fmt.Errorf("resolve identity: %w", err)
		}
	}

	httpClient := config.HttpClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: config.Timeout,
		}
	}

	logger := config.Logger
	if logger == nil {
		logger = log.Default()
	}

	return &Client{
		httpClient:    httpClient,
		BaseURL:       baseURL,
		identityToken: identityToken,
		UserEmail:     userEmail,
		Config:        config,
		logger:        logger,
	}, nil
}

// SignalingURL returns the websocket endpoint of the message bus.
func (c *Client) SignalingURL() string {
	if c.Config.SignalingURL != "" {
		return c.Config.SignalingURL
	}

	u := *c.BaseURL
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/ws"
	return u.String()
}

// Request performs an HTTP request to the call-control service with automatic
// retry for transient errors (429, 502, 503, 504).
// The caller is responsible for closing the response body when done.
func (c *Client) Request(method, path string, params url.Values, body interface{}) (*http.Response, error) {
	return c.RequestWithRetry(context.Background(), method, path, params, body)
}

// RequestWithContext performs an HTTP request with the given context.
// The context can be used for per-request timeouts and cancellation.
// The caller is responsible for closing the response body when done.
func (c *Client) RequestWithContext(ctx context.Context, method, path string, params url.Values, body interface{}) (*http.Response, error) {
	u, err := url.Parse(c.BaseURL.String() + "/" + path)
	if err != nil {
		return nil, err
	}

	if params != nil {
		u.RawQuery = params.Encode()
	}

	var bodyReader io.Reader
	if body != nil {
		bodyBytes, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(bodyBytes)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+c.identityToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("trackingid", fmt.Sprintf("bdic-calls-go_%s", uuid.New().String()))

	for k, v := range c.Config.DefaultHeaders {
		req.Header.Set(k, v)
	}

	return c.httpClient.Do(req)
}

// RequestWithRetry performs an HTTP request with automatic retry for transient
// errors. It retries on HTTP 429 (respecting the Retry-After header) and
// transient gateway errors (502, 503, 504) using exponential backoff.
// The caller is responsible for closing the response body when done.
func (c *Client) RequestWithRetry(ctx context.Context, method, path string, params url.Values, body interface{}) (*http.Response, error) {
	maxRetries := c.Config.MaxRetries
	baseDelay := c.Config.RetryBaseDelay
	if baseDelay == 0 {
		baseDelay = 1 * time.Second
	}

	var resp *http.Response
	var err error

	for attempt := 0; attempt <= maxRetries; attempt++ {
		resp, err = c.RequestWithContext(ctx, method, path, params, body)
		if err != nil {
			return nil, err
		}

		if !isRetryableStatus(resp.StatusCode) || attempt == maxRetries {
			return resp, nil
		}

		delay := retryDelay(resp, baseDelay, attempt)

		// Close the response body before retrying
		resp.Body.Close()

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}

	return resp, err
}

// isRetryableStatus returns true for HTTP status codes that should be retried.
func isRetryableStatus(statusCode int) bool {
	return statusCode == http.StatusTooManyRequests ||
		statusCode == http.StatusBadGateway ||
		statusCode == http.StatusServiceUnavailable ||
		statusCode == http.StatusGatewayTimeout
}

// retryDelay calculates the delay before the next retry attempt.
// For 429 responses, it respects the Retry-After header if present.
// Otherwise, it uses exponential backoff: baseDelay * 2^attempt.
func retryDelay(resp *http.Response, baseDelay time.Duration, attempt int) time.Duration {
	if resp.StatusCode == http.StatusTooManyRequests {
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			if seconds, err := strconv.Atoi(ra); err == nil && seconds > 0 {
				return time.Duration(seconds) * time.Second
			}
		}
	}
	return baseDelay * (1 << uint(attempt))
}

// ParseResponse parses an HTTP response into the given value. Non-2xx
// responses are converted into the structured error taxonomy via NewAPIError.
// The response body is always closed.
func ParseResponse(resp *http.Response, v interface{}) error {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("error reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return NewAPIError(resp, body)
	}

	if v == nil || len(body) == 0 {
		return nil
	}

	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("error parsing response body: %w", err)
	}

	return nil
}

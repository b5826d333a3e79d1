package broker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

const defaultTimeoutSeconds = 10

// TokenSource returns the bearer token for a client account.
type TokenSource interface {
	Token(clientCode string) (string, error)
}

// StaticTokens is a TokenSource backed by a fixed map of client code to
// token.
type StaticTokens map[string]string

func (s StaticTokens) Token(clientCode string) (string, error) {
	tok, ok := s[clientCode]
	if !ok || tok == "" {
		return "", fmt.Errorf("no access token configured for client %s", clientCode)
	}
	return tok, nil
}

// Client is a JSON client for the venue's REST API.
type Client struct {
	httpClient     *http.Client
	baseURL        string
	tokens         TokenSource
	rateLimiter    *RateLimiter
	defaultHeaders http.Header
}

// NewClient creates a Client. apiKey is sent as X-PrivateKey on every
// request.
func NewClient(baseURL, apiKey string, tokens TokenSource, timeout time.Duration) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("base URL cannot be empty")
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid base URL '%s': %w", baseURL, err)
	}
	if tokens == nil {
		return nil, fmt.Errorf("token source cannot be nil")
	}
	if timeout <= 0 {
		timeout = defaultTimeoutSeconds * time.Second
	}

	c := &Client{
		httpClient:     &http.Client{Timeout: timeout},
		baseURL:        baseURL,
		tokens:         tokens,
		rateLimiter:    NewRateLimiter(DefaultLowRequestsThreshold),
		defaultHeaders: make(http.Header),
	}
	c.defaultHeaders.Set("Accept", "application/json")
	c.defaultHeaders.Set("X-UserType", "USER")
	c.defaultHeaders.Set("X-SourceID", "WEB")
	if apiKey != "" {
		c.defaultHeaders.Set("X-PrivateKey", apiKey)
	}
	return c, nil
}

// doRequest sends one call on behalf of clientCode and decodes the envelope's
// data into out (which may be nil). A 429 is retried once after the rate
// limiter wait.
func (c *Client) doRequest(ctx context.Context, method, path, clientCode string, body interface{}, out interface{}) (*envelope, error) {
	fullURL, err := url.Parse(c.baseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse base API URL '%s': %w", c.baseURL, err)
	}
	fullURL.Path = strings.TrimRight(fullURL.Path, "/") + "/" + strings.TrimLeft(path, "/")

	var payload []byte
	if body != nil {
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("failed to marshal request body for %s %s: %w", method, path, err)
		}
	}

	token, err := c.tokens.Token(clientCode)
	if err != nil {
		return nil, err
	}

	var httpResp *http.Response
	for attempt := 0; attempt < 2; attempt++ {
		if err := c.rateLimiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter wait for %s %s: %w", method, path, err)
		}

		var reqBody io.Reader
		if payload != nil {
			reqBody = bytes.NewReader(payload)
		}
		req, err := http.NewRequestWithContext(ctx, method, fullURL.String(), reqBody)
		if err != nil {
			return nil, fmt.Errorf("failed to create HTTP request for %s %s: %w", method, fullURL.String(), err)
		}
		for key, values := range c.defaultHeaders {
			for _, value := range values {
				req.Header.Add(key, value)
			}
		}
		req.Header.Set("Authorization", "Bearer "+token)
		if payload != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		logrus.Debugf("Broker API Request: %s %s", method, req.URL.String())

		httpResp, err = c.httpClient.Do(req)
		if err != nil {
			if ctx.Err() != nil {
				return nil, fmt.Errorf("HTTP request context cancelled for %s %s: %w", method, fullURL.String(), ctx.Err())
			}
			return nil, fmt.Errorf("HTTP request execution failed for %s %s: %w", method, fullURL.String(), err)
		}
		c.rateLimiter.UpdateLimits(httpResp.Header)

		if httpResp.StatusCode == http.StatusTooManyRequests && attempt == 0 {
			logrus.Warnf("Rate limit hit (429). Waiting as per rate limiter and retrying once for %s %s.", method, fullURL.String())
			io.Copy(io.Discard, httpResp.Body)
			httpResp.Body.Close()
			continue
		}
		break
	}
	defer httpResp.Body.Close()

	bodyBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body for %s %s: %w", method, fullURL.String(), err)
	}
	if httpResp.StatusCode >= 400 {
		return nil, NewAPIError(httpResp.StatusCode, httpResp.Status, string(bodyBytes))
	}

	var env envelope
	if err := json.Unmarshal(bodyBytes, &env); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response (status %d) for %s %s: %w. Body: %s",
			httpResp.StatusCode, method, fullURL.String(), err, string(bodyBytes))
	}
	if out != nil && env.Status && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return &env, fmt.Errorf("failed to unmarshal response data for %s %s: %w", method, fullURL.String(), err)
		}
	}
	return &env, nil
}

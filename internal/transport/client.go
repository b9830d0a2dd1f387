// Package transport is the HTTP helper every record service talks through.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/sumandas0/fleetadmin/internal/observability"
	"github.com/sumandas0/fleetadmin/internal/resilience"
	"github.com/sumandas0/fleetadmin/internal/security"
)

const defaultTimeout = 30 * time.Second

// TokenSource supplies the session token sent with every request.
type TokenSource interface {
	Token() string
}

// TokenFunc adapts a plain function to TokenSource.
type TokenFunc func() string

func (f TokenFunc) Token() string { return f() }

// Envelope is what every successful call returns. FromCache is always false
// here; the record services set it when they answer from cache.
type Envelope struct {
	Data      json.RawMessage `json:"data"`
	FromCache bool            `json:"fromCache"`
	Timestamp time.Time       `json:"timestamp"`
}

// Decode unmarshals the payload into v.
func (e *Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("empty response payload")
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// File is one part of a multipart upload.
type File struct {
	Field  string
	Name   string
	Reader io.Reader
}

type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
	tokens     TokenSource

	retry    *resilience.RetryManager
	breakers *resilience.CircuitBreakerManager
	limiter  *security.RateLimiter

	metrics *observability.MetricsManager
	tracing *observability.TracingManager
	logger  zerolog.Logger
	now     func() time.Time
}

type ClientOption func(*Client)

func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient.Timeout = timeout
		}
	}
}

func WithTokenSource(tokens TokenSource) ClientOption {
	return func(c *Client) {
		c.tokens = tokens
	}
}

// WithRetry retries idempotent reads. Writes are never retried.
func WithRetry(retry *resilience.RetryManager) ClientOption {
	return func(c *Client) {
		c.retry = retry
	}
}

func WithCircuitBreaker(breakers *resilience.CircuitBreakerManager) ClientOption {
	return func(c *Client) {
		c.breakers = breakers
	}
}

func WithRateLimiter(limiter *security.RateLimiter) ClientOption {
	return func(c *Client) {
		c.limiter = limiter
	}
}

func WithMetrics(metrics *observability.MetricsManager) ClientOption {
	return func(c *Client) {
		c.metrics = metrics
	}
}

func WithTracing(tracing *observability.TracingManager) ClientOption {
	return func(c *Client) {
		c.tracing = tracing
	}
}

func WithLogger(logger zerolog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	parsedURL, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base URL: %w", err)
	}
	if parsedURL.Scheme == "" || parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid base URL: %q", baseURL)
	}

	client := &Client{
		baseURL: parsedURL,
		httpClient: &http.Client{
			Timeout: defaultTimeout,
		},
		logger: zerolog.Nop(),
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(client)
	}

	return client, nil
}

// BaseURL returns the backend origin the client was built with.
func (c *Client) BaseURL() string {
	return strings.TrimRight(c.baseURL.String(), "/")
}

func (c *Client) GetList(ctx context.Context, endpoint string, query url.Values) (*Envelope, error) {
	return c.execute(ctx, http.MethodGet, endpoint, query, nil, "")
}

func (c *Client) GetByID(ctx context.Context, endpoint string, query url.Values) (*Envelope, error) {
	return c.execute(ctx, http.MethodGet, endpoint, query, nil, "")
}

func (c *Client) Create(ctx context.Context, endpoint string, body any) (*Envelope, error) {
	payload, err := marshalBody(body)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, http.MethodPost, endpoint, nil, payload, "application/json")
}

// Update sends a PATCH to {endpoint}/{id}. Only the fields present in body
// change on the backend.
func (c *Client) Update(ctx context.Context, endpoint, id string, body any) (*Envelope, error) {
	payload, err := marshalBody(body)
	if err != nil {
		return nil, err
	}
	return c.execute(ctx, http.MethodPatch, joinEndpoint(endpoint, id), nil, payload, "application/json")
}

func (c *Client) Delete(ctx context.Context, endpoint string) error {
	_, err := c.execute(ctx, http.MethodDelete, endpoint, nil, nil, "")
	return err
}

// Upload PATCHes a multipart form with plain fields and file parts to a
// record endpoint.
func (c *Client) Upload(ctx context.Context, endpoint string, fields map[string]string, files ...File) (*Envelope, error) {
	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)

	for name, value := range fields {
		if err := writer.WriteField(name, value); err != nil {
			return nil, fmt.Errorf("failed to write form field %s: %w", name, err)
		}
	}

	for _, file := range files {
		part, err := writer.CreateFormFile(file.Field, file.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to create form file %s: %w", file.Name, err)
		}
		if _, err := io.Copy(part, file.Reader); err != nil {
			return nil, fmt.Errorf("failed to copy file %s: %w", file.Name, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to finish multipart body: %w", err)
	}

	return c.execute(ctx, http.MethodPatch, endpoint, nil, buf.Bytes(), writer.FormDataContentType())
}

// Ping checks the backend answers on endpoint with a 2xx.
func (c *Client) Ping(ctx context.Context, endpoint string) error {
	_, err := c.execute(ctx, http.MethodGet, endpoint, nil, nil, "")
	return err
}

func (c *Client) execute(ctx context.Context, method, endpoint string, query url.Values, payload []byte, contentType string) (*Envelope, error) {
	var data []byte

	attempt := func() error {
		result, err := c.breakerCall(ctx, func(ctx context.Context) (any, error) {
			return c.doRequest(ctx, method, endpoint, query, payload, contentType)
		})
		if err != nil {
			return err
		}
		data = result.([]byte)
		return nil
	}

	var err error
	if method == http.MethodGet && c.retry != nil {
		err = c.retry.Execute(ctx, attempt, resilience.TransportRetryableErrors)
	} else {
		err = attempt()
	}
	if err != nil {
		return nil, err
	}

	return &Envelope{
		Data:      json.RawMessage(data),
		Timestamp: c.now(),
	}, nil
}

func (c *Client) breakerCall(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	if c.breakers == nil {
		return fn(ctx)
	}
	return c.breakers.ExecuteWithContext(ctx, c.baseURL.Host, fn)
}

// doRequest performs a single HTTP exchange and returns the response body of
// a 2xx answer.
func (c *Client) doRequest(ctx context.Context, method, endpoint string, query url.Values, payload []byte, contentType string) ([]byte, error) {
	if err := c.limiter.Wait(ctx, endpoint); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	u := *c.baseURL
	u.Path = strings.TrimRight(c.baseURL.Path, "/") + endpoint
	if len(query) > 0 {
		u.RawQuery = query.Encode()
	}

	var bodyReader io.Reader
	if payload != nil {
		bodyReader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, u.String(), bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")
	if c.tokens != nil {
		if token := c.tokens.Token(); token != "" {
			req.Header.Set("Authorization", token)
		}
	}

	req, span := c.tracing.StartRequest(req)
	defer span.End()

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		observability.SetSpanError(span, err)
		c.metrics.RecordRequest(method, 0, time.Since(start))
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	c.metrics.RecordRequest(method, resp.StatusCode, time.Since(start))

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		observability.SetSpanError(span, err)
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := c.handleErrorResponse(req, resp.StatusCode, body)
		observability.SetSpanError(span, apiErr)
		c.logger.Debug().
			Str("method", method).
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Msg("backend returned error")
		return nil, apiErr
	}

	return body, nil
}

func (c *Client) handleErrorResponse(req *http.Request, status int, body []byte) error {
	apiErr := &APIError{}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
	}

	apiErr.Code = status
	apiErr.Type = errorTypeForStatus(status)
	apiErr.Method = req.Method
	apiErr.URL = req.URL.Path

	return apiErr
}

func marshalBody(body any) ([]byte, error) {
	if body == nil {
		return []byte("{}"), nil
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request body: %w", err)
	}
	return payload, nil
}

func joinEndpoint(endpoint, id string) string {
	return strings.TrimRight(endpoint, "/") + "/" + url.PathEscape(id)
}

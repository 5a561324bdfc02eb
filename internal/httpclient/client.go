package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	apperrors "github.com/naotama2002/mcp-sse-connector/internal/errors"
)

// maxErrorBody bounds how much of a failed response body ends up in an error.
const maxErrorBody = 512

// Config holds HTTP client configuration
type Config struct {
	// Timeout bounds a single request, including reading its body.
	Timeout        time.Duration
	MaxRetries     int
	RetryDelay     time.Duration
	DefaultHeaders map[string]string
	// HTTPClient is used for transport; its own Timeout is ignored in favour of Timeout.
	HTTPClient *http.Client
}

// DefaultConfig returns a default HTTP client configuration
func DefaultConfig() *Config {
	return &Config{
		Timeout:        30 * time.Second,
		MaxRetries:     0,
		RetryDelay:     time.Second,
		DefaultHeaders: make(map[string]string),
	}
}

// Client wraps http.Client with per-request timeouts and typed errors
type Client struct {
	httpClient *http.Client
	config     *Config
}

// New creates a new HTTP client with the given configuration
func New(config *Config) *Client {
	if config == nil {
		config = DefaultConfig()
	}

	hc := config.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}

	return &Client{
		httpClient: hc,
		config:     config,
	}
}

// Request represents an HTTP request
type Request struct {
	Method  string
	URL     string
	Headers map[string]string
	Body    interface{}
}

// Response represents a fully read HTTP response
type Response struct {
	StatusCode int
	Header     http.Header
	BodyBytes  []byte
}

// JSON unmarshals the response body into the provided interface
func (r *Response) JSON(v interface{}) error {
	if len(r.BodyBytes) == 0 {
		return fmt.Errorf("empty response body")
	}
	return json.Unmarshal(r.BodyBytes, v)
}

// String returns the response body as a string
func (r *Response) String() string {
	return string(r.BodyBytes)
}

// Do performs an HTTP request, retrying transient failures up to MaxRetries.
//
// Every failure is an *errors.AppError: 401/403 become authentication and
// authorization errors and are returned together with the response.
func (c *Client) Do(ctx context.Context, req *Request) (*Response, error) {
	var lastErr error

	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.config.RetryDelay):
			}
		}

		resp, err := c.doSingle(ctx, req)
		if err == nil {
			return resp, nil
		}

		lastErr = err

		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		// 4xx will not change on retry
		if resp != nil && resp.StatusCode >= 400 && resp.StatusCode < 500 {
			return resp, err
		}
	}

	if c.config.MaxRetries == 0 {
		return nil, lastErr
	}
	return nil, fmt.Errorf("request failed after %d attempts: %w", c.config.MaxRetries+1, lastErr)
}

// doSingle performs a single HTTP request
func (c *Client) doSingle(ctx context.Context, req *Request) (*Response, error) {
	var bodyReader io.Reader
	if req.Body != nil {
		switch body := req.Body.(type) {
		case string:
			bodyReader = bytes.NewBufferString(body)
		case []byte:
			bodyReader = bytes.NewReader(body)
		case json.RawMessage:
			bodyReader = bytes.NewReader(body)
		case io.Reader:
			bodyReader = body
		default:
			jsonBytes, err := json.Marshal(req.Body)
			if err != nil {
				return nil, apperrors.Wrap(err, apperrors.ValidationError, "failed to marshal request body")
			}
			bodyReader = bytes.NewReader(jsonBytes)
		}
	}

	reqCtx := ctx
	if c.config.Timeout > 0 {
		var cancel context.CancelFunc
		reqCtx, cancel = context.WithTimeout(ctx, c.config.Timeout)
		defer cancel()
	}

	httpReq, err := http.NewRequestWithContext(reqCtx, req.Method, req.URL, bodyReader)
	if err != nil {
		return nil, apperrors.Wrap(err, apperrors.ValidationError, "failed to create HTTP request")
	}

	for key, value := range c.config.DefaultHeaders {
		httpReq.Header.Set(key, value)
	}
	for key, value := range req.Headers {
		httpReq.Header.Set(key, value)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classify(ctx, reqCtx, err, "HTTP request failed")
	}
	defer func() { _ = httpResp.Body.Close() }()

	bodyBytes, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, classify(ctx, reqCtx, err, "failed to read response body")
	}

	resp := &Response{
		StatusCode: httpResp.StatusCode,
		Header:     httpResp.Header,
		BodyBytes:  bodyBytes,
	}

	if httpResp.StatusCode >= 400 {
		detail := bodyBytes
		if len(detail) > maxErrorBody {
			detail = detail[:maxErrorBody]
		}
		return resp, apperrors.FromHTTPStatus(httpResp.StatusCode,
			fmt.Sprintf("%s %s returned %d", req.Method, req.URL, httpResp.StatusCode)).
			WithDetails(string(bytes.TrimSpace(detail)))
	}

	return resp, nil
}

// classify turns a transport error into a timeout or network AppError. A
// cancelled parent context is returned unchanged.
func classify(parent, reqCtx context.Context, err error, msg string) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if errors.Is(reqCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return apperrors.Wrap(err, apperrors.TimeoutError, msg).WithStatusCode(http.StatusGatewayTimeout)
	}
	return apperrors.Wrap(err, apperrors.NetworkError, msg).WithStatusCode(http.StatusServiceUnavailable)
}

// Get performs a GET request
func (c *Client) Get(ctx context.Context, url string, headers map[string]string) (*Response, error) {
	return c.Do(ctx, &Request{
		Method:  http.MethodGet,
		URL:     url,
		Headers: headers,
	})
}

// Post performs a POST request
func (c *Client) Post(ctx context.Context, url string, body interface{}, headers map[string]string) (*Response, error) {
	if headers == nil {
		headers = make(map[string]string)
	}

	if _, exists := headers["Content-Type"]; !exists {
		headers["Content-Type"] = "application/json"
	}

	return c.Do(ctx, &Request{
		Method:  http.MethodPost,
		URL:     url,
		Headers: headers,
		Body:    body,
	})
}

// Package client provides the compression backend HTTP client. It speaks the
// TinyPNG protocol, classifies every failure and leaves retry and credential
// rotation to its caller.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/Sternrassler/squeeze/pkg/credentials"
	"github.com/Sternrassler/squeeze/pkg/pipeline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for backend calls.
var (
	backendRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "squeeze_backend_requests_total",
		Help: "Total backend requests by stage and status",
	}, []string{"stage", "status"})

	backendRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "squeeze_backend_request_duration_seconds",
		Help:    "Backend request duration in seconds by stage",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"stage"})

	backendErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "squeeze_backend_errors_total",
		Help: "Total classified backend errors by class",
	}, []string{"class"})
)

// DefaultBaseURL is the public TinyPNG API endpoint.
const DefaultBaseURL = "https://api.tinify.com"

// compressionCountHeader carries the per-key usage for the current month.
const compressionCountHeader = "Compression-Count"

// UsageRecorder receives the backend's usage counter after every call.
type UsageRecorder interface {
	Record(ctx context.Context, key credentials.Credential, count int) error
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the backend, without trailing slash.
	BaseURL string

	// UserAgent sent with every request.
	UserAgent string

	// Timeout bounds one compression call (shrink plus download).
	Timeout time.Duration

	// Usage is optional; when set it receives Compression-Count updates.
	Usage UsageRecorder
}

// DefaultConfig returns a configuration pointing at the public backend.
func DefaultConfig(userAgent string) Config {
	return Config{
		BaseURL:   DefaultBaseURL,
		UserAgent: userAgent,
		Timeout:   60 * time.Second,
	}
}

// Client talks to the compression backend.
type Client struct {
	httpClient       *http.Client
	baseURL          *url.URL
	config           Config
	compressionCount atomic.Int64
	logger           zerolog.Logger
}

// New creates a new backend client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	base, err := url.Parse(strings.TrimRight(cfg.BaseURL, "/"))
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 60 * time.Second
	}

	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		baseURL: base,
		config:  cfg,
		logger:  log.With().Str("component", "compression-client").Logger(),
	}
	c.compressionCount.Store(-1)
	return c, nil
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// CompressionCount returns the last usage counter reported by the backend,
// or -1 if no call has been made yet.
func (c *Client) CompressionCount() int {
	return int(c.compressionCount.Load())
}

// backendError is the JSON error body returned by the backend.
type backendError struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// Compress uploads source, applies the request and downloads the result.
// It never retries; every failure is a *CompressionError.
func (c *Client) Compress(ctx context.Context, source []byte, req *pipeline.Request, key credentials.Credential) (*Result, error) {
	originalSize := int64(len(source))
	if originalSize == 0 {
		return nil, c.fail(&CompressionError{
			Class:   ErrorClassInvalidInput,
			Message: "nothing to compress",
			Err:     ErrEmptySource,
		})
	}

	logger := c.logger.With().Str("key", key.Fingerprint()).Logger()

	// Step 1: upload and shrink
	resp, err := c.do(ctx, "shrink", http.MethodPost, c.endpoint("/shrink"), bytes.NewReader(source), "", key)
	if err != nil {
		return nil, c.fail(err)
	}
	c.recordUsage(ctx, key, resp.Header)

	if resp.StatusCode != http.StatusCreated {
		return nil, c.fail(responseError(resp))
	}
	drain(resp)

	location := resp.Header.Get("Location")
	if location == "" {
		return nil, c.fail(&CompressionError{
			Class:      ErrorClassFatal,
			StatusCode: resp.StatusCode,
			Message:    "backend response has no output location",
		})
	}
	outputURL, err := c.resolve(location)
	if err != nil {
		return nil, c.fail(&CompressionError{
			Class:      ErrorClassFatal,
			StatusCode: resp.StatusCode,
			Message:    "invalid output location",
			Err:        err,
		})
	}

	// Step 2: fetch the output, applying transformations if any
	method := http.MethodGet
	var body io.Reader
	contentType := ""
	if !req.IsEmpty() {
		payload, err := json.Marshal(req)
		if err != nil {
			return nil, c.fail(&CompressionError{Class: ErrorClassFatal, Message: "encode request", Err: err})
		}
		method = http.MethodPost
		body = bytes.NewReader(payload)
		contentType = "application/json"
	}

	out, err := c.do(ctx, "output", method, outputURL, body, contentType, key)
	if err != nil {
		return nil, c.fail(err)
	}
	defer out.Body.Close()
	c.recordUsage(ctx, key, out.Header)

	if out.StatusCode != http.StatusOK {
		return nil, c.fail(responseError(out))
	}

	data, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, c.fail(&CompressionError{
			Class:      ErrorClassTransient,
			StatusCode: out.StatusCode,
			Message:    "read compressed image",
			Err:        err,
		})
	}

	outputType := out.Header.Get("Content-Type")
	if i := strings.IndexByte(outputType, ';'); i >= 0 {
		outputType = strings.TrimSpace(outputType[:i])
	}

	result := &Result{
		Success:        true,
		OriginalSize:   originalSize,
		CompressedSize: int64(len(data)),
		Data:           data,
		OutputType:     outputType,
		Extension:      ExtensionFor(outputType),
	}

	logger.Debug().
		Int64("original_size", result.OriginalSize).
		Int64("compressed_size", result.CompressedSize).
		Str("output_type", outputType).
		Strs("steps", kindStrings(req)).
		Msg("Image compressed")

	return result, nil
}

// ValidateKey checks a key by sending an empty shrink request. The backend
// answers 400 (input missing) for a valid key and 401 for an unknown one; a
// key that hit its monthly limit (429) is still valid.
func (c *Client) ValidateKey(ctx context.Context, key credentials.Credential) (bool, error) {
	resp, err := c.do(ctx, "validate", http.MethodPost, c.endpoint("/shrink"), nil, "", key)
	if err != nil {
		return false, err
	}
	defer drain(resp)
	c.recordUsage(ctx, key, resp.Header)

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return false, nil
	case resp.StatusCode == http.StatusTooManyRequests:
		return true, nil
	case resp.StatusCode >= 500:
		return false, responseError(resp)
	default:
		return true, nil
	}
}

// do executes one backend call. Transport failures come back classified.
func (c *Client) do(ctx context.Context, stage, method, target string, body io.Reader, contentType string, key credentials.Credential) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, &CompressionError{Class: ErrorClassFatal, Message: "create request", Err: err}
	}
	req.SetBasicAuth("api", key.String())
	req.Header.Set("User-Agent", c.config.UserAgent)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	backendRequestDuration.WithLabelValues(stage).Observe(time.Since(start).Seconds())

	if err != nil {
		backendRequestsTotal.WithLabelValues(stage, "network_error").Inc()
		return nil, transportError(err)
	}
	backendRequestsTotal.WithLabelValues(stage, strconv.Itoa(resp.StatusCode)).Inc()
	return resp, nil
}

// fail records metrics and logs a classified error before returning it.
func (c *Client) fail(err error) error {
	class := ClassOf(err)
	backendErrorsTotal.WithLabelValues(string(class)).Inc()

	c.logger.Debug().
		Err(err).
		Str("error_class", string(class)).
		Msg("Compression call failed")
	return err
}

func (c *Client) recordUsage(ctx context.Context, key credentials.Credential, headers http.Header) {
	raw := headers.Get(compressionCountHeader)
	if raw == "" {
		return
	}
	count, err := strconv.Atoi(raw)
	if err != nil {
		c.logger.Warn().Err(err).Str("value", raw).Msg("Failed to parse Compression-Count header")
		return
	}
	c.compressionCount.Store(int64(count))

	if c.config.Usage == nil {
		return
	}
	if err := c.config.Usage.Record(ctx, key, count); err != nil {
		c.logger.Warn().Err(err).Str("key", key.Fingerprint()).Msg("Failed to record usage")
	}
}

func (c *Client) endpoint(path string) string {
	return c.baseURL.String() + path
}

func (c *Client) resolve(location string) (string, error) {
	ref, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return c.baseURL.ResolveReference(ref).String(), nil
}

// responseError builds a classified error from a non-success response and
// closes its body.
func responseError(resp *http.Response) *CompressionError {
	defer drain(resp)

	ce := &CompressionError{
		Class:      classifyStatus(resp.StatusCode),
		StatusCode: resp.StatusCode,
		Message:    resp.Status,
	}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	var be backendError
	if json.Unmarshal(data, &be) == nil && be.Message != "" {
		ce.Message = be.Message
		if be.Error != "" {
			ce.Message = be.Error + ": " + be.Message
		}
	}
	return ce
}

// transportError classifies errors returned by http.Client.Do.
func transportError(err error) *CompressionError {
	ce := &CompressionError{
		Class:   ErrorClassTransient,
		Message: "backend unreachable",
		Err:     err,
	}

	var netErr net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		ce.Message = "backend call timed out"
	case errors.As(err, &netErr) && netErr.Timeout():
		ce.Message = "backend call timed out"
	case errors.Is(err, context.Canceled):
		ce.Message = "backend call cancelled"
	}
	return ce
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}

func kindStrings(req *pipeline.Request) []string {
	kinds := req.Kinds()
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

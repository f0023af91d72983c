// Package idgen is the client of the identifier generation service that
// issues primary identifiers for newly registered persons.
package idgen

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"github.com/ehr/intake/internal/platform/metrics"
	"github.com/ehr/intake/internal/platform/tracing"
)

// Issuer issues a fresh identifier on behalf of an operator.
type Issuer interface {
	Issue(ctx context.Context, operatorID string) (string, error)
}

var ErrNoIdentifier = errors.New("idgen: response carried no identifier")

// StatusError is returned for a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("idgen: non-2xx response: %d %s", e.StatusCode, e.Body)
}

// IsRetryable reports whether err is transient: a timeout, a connection
// failure, a 429 or a 5xx.
func IsRetryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode == http.StatusTooManyRequests || se.StatusCode >= 500
	}
	var ne net.Error
	if errors.As(err, &ne) {
		return true
	}
	return false
}

type Client struct {
	url         string
	httpClient  *http.Client
	maxRetries  int
	retryDelays []time.Duration
	signingKey  []byte
	logger      zerolog.Logger
}

type Option func(*Client)

func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithTimeout bounds each request, including reading the response.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.httpClient.Timeout = d }
}

func WithMaxRetries(n int) Option {
	return func(cl *Client) { cl.maxRetries = n }
}

// WithRetryDelays sets the wait before each retry; the last entry repeats.
func WithRetryDelays(delays ...time.Duration) Option {
	return func(cl *Client) { cl.retryDelays = delays }
}

// WithSigningKey makes the client send an HS256 bearer token whose subject
// is the operator id.
func WithSigningKey(key string) Option {
	return func(cl *Client) {
		if key != "" {
			cl.signingKey = []byte(key)
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(cl *Client) { cl.logger = l }
}

func NewClient(url string, opts ...Option) *Client {
	c := &Client{
		url: url,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
		maxRetries:  3,
		retryDelays: []time.Duration{200 * time.Millisecond, 1 * time.Second, 5 * time.Second},
		logger:      zerolog.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

type issueRequest struct {
	User interface{} `json:"user"`
}

type issueResponse struct {
	Identifier string `json:"identifier"`
}

// Issue requests one identifier, retrying transient failures up to the
// configured limit.
func (c *Client) Issue(ctx context.Context, operatorID string) (string, error) {
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			delay := c.delay(attempt - 1)
			c.logger.Warn().Err(lastErr).Int("attempt", attempt).Dur("delay", delay).Msg("retrying identifier request")
			select {
			case <-ctx.Done():
				return "", fmt.Errorf("idgen: %w (last error: %v)", ctx.Err(), lastErr)
			case <-time.After(delay):
			}
		}

		id, err := c.issueOnce(ctx, operatorID)
		if err == nil {
			return id, nil
		}
		lastErr = err
		if !IsRetryable(err) {
			break
		}
	}
	return "", lastErr
}

// MaxIssueDuration is the longest Issue can block with the default backoff:
// every attempt running to timeout plus the waits between them.
func MaxIssueDuration(timeout time.Duration, maxRetries int) time.Duration {
	c := NewClient("", WithTimeout(timeout), WithMaxRetries(maxRetries))
	return c.maxIssueDuration()
}

func (c *Client) maxIssueDuration() time.Duration {
	total := time.Duration(c.maxRetries+1) * c.httpClient.Timeout
	for i := 0; i < c.maxRetries; i++ {
		total += c.delay(i)
	}
	return total
}

func (c *Client) delay(i int) time.Duration {
	if len(c.retryDelays) == 0 {
		return 0
	}
	if i >= len(c.retryDelays) {
		i = len(c.retryDelays) - 1
	}
	return c.retryDelays[i]
}

func (c *Client) issueOnce(ctx context.Context, operatorID string) (string, error) {
	start := time.Now()
	status := "error"
	defer func() {
		metrics.IdgenRequests.WithLabelValues(status).Inc()
		metrics.IdgenDuration.Observe(time.Since(start).Seconds())
	}()

	body, err := json.Marshal(issueRequest{User: userValue(operatorID)})
	if err != nil {
		return "", fmt.Errorf("idgen: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("idgen: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	trace := map[string]string{}
	tracing.Inject(ctx, trace)
	for k, v := range trace {
		req.Header.Set(k, v)
	}

	if c.signingKey != nil {
		token, err := c.sign(operatorID)
		if err != nil {
			return "", err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		status = "transport_error"
		return "", fmt.Errorf("idgen: request: %w", err)
	}
	defer resp.Body.Close()

	// Read at most 64KB of response body.
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err != nil {
		return "", fmt.Errorf("idgen: read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		status = strconv.Itoa(resp.StatusCode)
		return "", &StatusError{StatusCode: resp.StatusCode, Body: truncate(string(raw), 256)}
	}

	var out issueResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("idgen: decode response: %w", err)
	}
	id := strings.TrimSpace(out.Identifier)
	if id == "" {
		return "", ErrNoIdentifier
	}

	status = "ok"
	return id, nil
}

func (c *Client) sign(operatorID string) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   operatorID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(time.Minute)),
		Issuer:    "intake-worker",
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(c.signingKey)
	if err != nil {
		return "", fmt.Errorf("idgen: sign request: %w", err)
	}
	return token, nil
}

// userValue sends numeric operator ids as JSON numbers.
func userValue(operatorID string) interface{} {
	if n, err := strconv.ParseInt(operatorID, 10, 64); err == nil {
		return n
	}
	return operatorID
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

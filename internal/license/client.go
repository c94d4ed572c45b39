package license

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/failsafe-go/failsafe-go/timeout"
	"go.uber.org/zap"
)

const (
	defaultClientTimeout = 10 * time.Second
	defaultMaxRetries    = 2
	defaultBaseDelay     = 250 * time.Millisecond
	defaultMaxDelay      = 2 * time.Second
	maxResponseBytes     = 64 << 10
)

var (
	// ErrRejected means the license server answered and refused the key.
	ErrRejected = errors.New("license rejected by server")
	// ErrUnavailable means the license server could not be reached or failed.
	ErrUnavailable = errors.New("license server unavailable")
)

// Request is the fixed body of every license RPC.
type Request struct {
	LicenseKey string `json:"license_key"`
	SiteURL    string `json:"site_url"`
	Product    string `json:"product"`
}

// Response is the payload unwrapped from the "data" envelope key.
type Response struct {
	Status    string          `json:"status"`
	Plan      string          `json:"plan"`
	Features  map[string]bool `json:"features"`
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	Message   string          `json:"message,omitempty"`
}

func (r Response) valid() bool {
	switch strings.ToLower(strings.TrimSpace(r.Status)) {
	case "active", "valid":
		return true
	default:
		return false
	}
}

type envelope struct {
	Data Response `json:"data"`
}

// Remote is the license server RPC surface.
type Remote interface {
	Activate(ctx context.Context, req Request) (Response, error)
	Validate(ctx context.Context, req Request) (Response, error)
	Deactivate(ctx context.Context, req Request) (Response, error)
}

// ClientConfig configures the HTTP license client. Timeout bounds each RPC
// including its retries.
type ClientConfig struct {
	ServerURL  string
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *zap.Logger
}

type httpResult struct {
	statusCode int
	body       []byte
}

// Client talks to the license server over HTTP.
type Client struct {
	serverURL string
	client    *http.Client
	executor  failsafe.Executor[*httpResult]
	logger    *zap.Logger
}

// NewClient builds a license client. MaxRetries below zero disables retries.
func NewClient(cfg ClientConfig) (*Client, error) {
	serverURL := strings.TrimRight(strings.TrimSpace(cfg.ServerURL), "/")
	if serverURL == "" {
		return nil, errors.New("license server url is required")
	}
	timeLimit := cfg.Timeout
	if timeLimit <= 0 {
		timeLimit = defaultClientTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	maxRetries := cfg.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	baseDelay := cfg.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := cfg.MaxDelay
	if maxDelay < baseDelay {
		maxDelay = baseDelay
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	retry := retrypolicy.NewBuilder[*httpResult]().
		HandleIf(func(result *httpResult, err error) bool {
			if err != nil {
				return !errors.Is(err, context.Canceled)
			}
			return result == nil || result.statusCode == http.StatusTooManyRequests || result.statusCode >= http.StatusInternalServerError
		}).
		WithBackoff(baseDelay, maxDelay).
		WithMaxRetries(maxRetries).
		ReturnLastFailure().
		Build()

	return &Client{
		serverURL: serverURL,
		client:    client,
		executor:  failsafe.With[*httpResult](timeout.New[*httpResult](timeLimit), retry),
		logger:    logger,
	}, nil
}

func (c *Client) Activate(ctx context.Context, req Request) (Response, error) {
	return c.call(ctx, "activate", req, true)
}

func (c *Client) Validate(ctx context.Context, req Request) (Response, error) {
	return c.call(ctx, "validate", req, true)
}

// Deactivate succeeds on any 2xx answer.
func (c *Client) Deactivate(ctx context.Context, req Request) (Response, error) {
	return c.call(ctx, "deactivate", req, false)
}

func (c *Client) call(ctx context.Context, action string, req Request, requireValid bool) (Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return Response{}, err
	}
	endpoint := c.serverURL + "/" + action

	result, err := c.executor.WithContext(ctx).GetWithExecution(func(exec failsafe.Execution[*httpResult]) (*httpResult, error) {
		request, err := http.NewRequestWithContext(exec.Context(), http.MethodPost, endpoint, bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		request.Header.Set("Content-Type", "application/json")
		request.Header.Set("Accept", "application/json")
		response, err := c.client.Do(request)
		if err != nil {
			return nil, err
		}
		defer response.Body.Close()
		body, err := io.ReadAll(io.LimitReader(response.Body, maxResponseBytes))
		if err != nil {
			return nil, err
		}
		return &httpResult{statusCode: response.StatusCode, body: body}, nil
	})
	if err != nil {
		c.logger.Warn("license request failed", zap.String("action", action), zap.Error(err))
		return Response{}, fmt.Errorf("%w: %s: %v", ErrUnavailable, action, err)
	}
	if result == nil {
		return Response{}, fmt.Errorf("%w: %s: empty response", ErrUnavailable, action)
	}
	if result.statusCode == http.StatusTooManyRequests || result.statusCode >= http.StatusInternalServerError {
		return Response{}, fmt.Errorf("%w: %s: status %d", ErrUnavailable, action, result.statusCode)
	}

	var decoded envelope
	if len(bytes.TrimSpace(result.body)) > 0 {
		if err := json.Unmarshal(result.body, &decoded); err != nil {
			if result.statusCode >= 300 {
				return Response{}, fmt.Errorf("%w: %s: status %d", ErrRejected, action, result.statusCode)
			}
			return Response{}, fmt.Errorf("%w: %s: decode response: %v", ErrUnavailable, action, err)
		}
	}
	if result.statusCode >= 300 {
		return decoded.Data, fmt.Errorf("%w: %s: %s", ErrRejected, action, rejectionMessage(decoded.Data, result.statusCode))
	}
	if requireValid && !decoded.Data.valid() {
		return decoded.Data, fmt.Errorf("%w: %s: %s", ErrRejected, action, rejectionMessage(decoded.Data, result.statusCode))
	}
	return decoded.Data, nil
}

func rejectionMessage(data Response, status int) string {
	if data.Message != "" {
		return data.Message
	}
	if data.Status != "" {
		return "status " + data.Status
	}
	return fmt.Sprintf("http status %d", status)
}

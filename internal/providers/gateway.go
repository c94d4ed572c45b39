package providers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/mediavault/internal/media"
	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
	"github.com/failsafe-go/failsafe-go/timeout"
	"go.uber.org/zap"
)

const (
	defaultTimeout    = 10 * time.Second
	defaultMaxRetries = 2
	defaultBaseDelay  = 200 * time.Millisecond
	defaultMaxDelay   = 2 * time.Second
	maxResponseBytes  = 1 << 20
)

// Gateway is the uniform capability set over remote video APIs. Gateways only
// ever receive plaintext credentials.
type Gateway interface {
	Provider() media.Provider
	GetVideo(ctx context.Context, videoID string) (media.Descriptor, error)
	DeleteVideo(ctx context.Context, videoID string) error
	ListCollections(ctx context.Context) ([]Collection, error)
}

// Collection is a provider-side folder of videos.
type Collection struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	VideoCount int    `json:"video_count"`
}

// Options tunes the HTTP transport shared by gateways. Timeout bounds a whole
// operation, retries and backoff included.
type Options struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Logger     *zap.Logger
}

type response struct {
	statusCode int
	body       []byte
}

type transport struct {
	provider media.Provider
	client   *http.Client
	executor failsafe.Executor[*response]
	logger   *zap.Logger
}

func newTransport(provider media.Provider, opts Options) *transport {
	timeLimit := opts.Timeout
	if timeLimit <= 0 {
		timeLimit = defaultTimeout
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{}
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	} else if maxRetries == 0 {
		maxRetries = defaultMaxRetries
	}
	baseDelay := opts.BaseDelay
	if baseDelay <= 0 {
		baseDelay = defaultBaseDelay
	}
	maxDelay := opts.MaxDelay
	if maxDelay < baseDelay {
		maxDelay = defaultMaxDelay
		if maxDelay < baseDelay {
			maxDelay = baseDelay
		}
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	retry := retrypolicy.NewBuilder[*response]().
		HandleIf(func(resp *response, err error) bool {
			return shouldRetry(resp, err)
		}).
		WithBackoff(baseDelay, maxDelay).
		WithMaxRetries(maxRetries).
		ReturnLastFailure().
		Build()

	return &transport{
		provider: provider,
		client:   client,
		executor: failsafe.With[*response](timeout.New[*response](timeLimit), retry),
		logger:   logger.With(zap.String("provider", provider.String())),
	}
}

func shouldRetry(resp *response, err error) bool {
	if err != nil {
		return !errors.Is(err, context.Canceled)
	}
	if resp == nil {
		return true
	}
	return resp.statusCode == http.StatusTooManyRequests || resp.statusCode >= http.StatusInternalServerError
}

// do performs the request through the retry executor and classifies the
// terminal outcome. 2xx bodies are returned; everything else becomes a typed error.
func (t *transport) do(ctx context.Context, operation, method, url string, headers map[string]string) ([]byte, error) {
	resp, err := t.executor.WithContext(ctx).GetWithExecution(func(exec failsafe.Execution[*response]) (*response, error) {
		request, err := http.NewRequestWithContext(exec.Context(), method, url, nil)
		if err != nil {
			return nil, err
		}
		request.Header.Set("Accept", "application/json")
		for key, value := range headers {
			request.Header.Set(key, value)
		}
		httpResponse, err := t.client.Do(request)
		if err != nil {
			return nil, err
		}
		defer httpResponse.Body.Close()
		body, err := io.ReadAll(io.LimitReader(httpResponse.Body, maxResponseBytes))
		if err != nil {
			return nil, err
		}
		return &response{statusCode: httpResponse.StatusCode, body: body}, nil
	})
	if err != nil {
		t.logger.Warn("provider request failed",
			zap.String("operation", operation),
			zap.Bool("timeout", isContextError(err)),
			zap.Error(err))
		return nil, &TransientError{Provider: t.provider, Operation: operation, Err: err}
	}
	if resp == nil {
		return nil, &TransientError{Provider: t.provider, Operation: operation, Err: errors.New("empty response")}
	}
	if classified := classifyStatus(t.provider, operation, resp.statusCode, resp.body); classified != nil {
		if Classify(classified) != ClassNotFound {
			t.logger.Warn("provider request rejected",
				zap.String("operation", operation),
				zap.Int("status", resp.statusCode))
		}
		return nil, classified
	}
	return resp.body, nil
}

func classifyStatus(provider media.Provider, operation string, status int, body []byte) error {
	switch {
	case status >= 200 && status < 300:
		return nil
	case status == http.StatusNotFound:
		return fmt.Errorf("%s %s: %w", provider, operation, ErrNotFound)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return &ConfigError{Provider: provider, Reason: fmt.Sprintf("credentials rejected (status %d)", status)}
	case status == http.StatusTooManyRequests || status >= 500:
		return &TransientError{Provider: provider, Operation: operation, StatusCode: status}
	case strings.Contains(strings.ToLower(string(body)), "not found"):
		return fmt.Errorf("%s %s: %w", provider, operation, ErrNotFound)
	default:
		return &ConfigError{Provider: provider, Reason: fmt.Sprintf("request rejected (status %d)", status)}
	}
}

func missingCredential(provider media.Provider, field string) error {
	return &ConfigError{Provider: provider, Reason: field + " is required"}
}

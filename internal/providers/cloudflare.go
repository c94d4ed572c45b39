package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/MarcoPoloResearchLab/mediavault/internal/media"
)

const defaultCloudflareBaseURL = "https://api.cloudflare.com/client/v4"

// CloudflareCredentials are the plaintext Stream credentials.
type CloudflareCredentials struct {
	AccountID         string
	APIToken          string
	CustomerSubdomain string
}

// CloudflareGateway talks to the Cloudflare Stream API.
type CloudflareGateway struct {
	credentials CloudflareCredentials
	baseURL     string
	transport   *transport
}

// NewCloudflareGateway validates credentials and builds a gateway.
func NewCloudflareGateway(credentials CloudflareCredentials, opts Options) (*CloudflareGateway, error) {
	credentials.AccountID = strings.TrimSpace(credentials.AccountID)
	credentials.APIToken = strings.TrimSpace(credentials.APIToken)
	credentials.CustomerSubdomain = strings.TrimSpace(credentials.CustomerSubdomain)
	if credentials.AccountID == "" {
		return nil, missingCredential(media.ProviderCloudflare, "account_id")
	}
	if credentials.APIToken == "" {
		return nil, missingCredential(media.ProviderCloudflare, "api_token")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultCloudflareBaseURL
	}
	return &CloudflareGateway{
		credentials: credentials,
		baseURL:     baseURL,
		transport:   newTransport(media.ProviderCloudflare, opts),
	}, nil
}

// Provider reports media.ProviderCloudflare.
func (g *CloudflareGateway) Provider() media.Provider {
	return media.ProviderCloudflare
}

type cloudflareEnvelope struct {
	Success bool                `json:"success"`
	Errors  []cloudflareMessage `json:"errors"`
	Result  json.RawMessage     `json:"result"`
}

type cloudflareMessage struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// CloudflareVideo is the subset of the Stream video object the engine reads.
// Webhook deliveries carry the same shape.
type CloudflareVideo struct {
	UID           string  `json:"uid"`
	Thumbnail     string  `json:"thumbnail"`
	ReadyToStream bool    `json:"readyToStream"`
	Duration      float64 `json:"duration"`
	Status        struct {
		State       string      `json:"state"`
		PctComplete flexiblePct `json:"pctComplete"`
		ErrorReason string      `json:"errReasonText"`
	} `json:"status"`
}

// Descriptor normalizes the video object.
func (v CloudflareVideo) Descriptor(customerSubdomain string) media.Descriptor {
	return media.Descriptor{
		VideoID:       v.UID,
		Exists:        true,
		ReadyToStream: v.ReadyToStream,
		PctComplete:   float64(v.Status.PctComplete),
		Thumbnail:     v.Thumbnail,
		Duration:      v.Duration,
		Routing:       media.Routing{CustomerSubdomain: customerSubdomain},
	}
}

// flexiblePct accepts pctComplete as either a JSON string or number.
type flexiblePct float64

func (p *flexiblePct) UnmarshalJSON(data []byte) error {
	trimmed := bytes.Trim(bytes.TrimSpace(data), `"`)
	if len(trimmed) == 0 || string(trimmed) == "null" {
		*p = 0
		return nil
	}
	value, err := strconv.ParseFloat(string(trimmed), 64)
	if err != nil {
		return fmt.Errorf("invalid pctComplete %q: %w", string(data), err)
	}
	*p = flexiblePct(value)
	return nil
}

func (g *CloudflareGateway) videoURL(videoID string) string {
	return fmt.Sprintf("%s/accounts/%s/stream/%s", g.baseURL, url.PathEscape(g.credentials.AccountID), url.PathEscape(videoID))
}

func (g *CloudflareGateway) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + g.credentials.APIToken}
}

// GetVideo fetches the video object.
func (g *CloudflareGateway) GetVideo(ctx context.Context, videoID string) (media.Descriptor, error) {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return media.Descriptor{}, fmt.Errorf("cloudflare get_video: %w", ErrNotFound)
	}
	body, err := g.transport.do(ctx, "get_video", http.MethodGet, g.videoURL(videoID), g.headers())
	if err != nil {
		return media.Descriptor{}, err
	}
	var envelope cloudflareEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return media.Descriptor{}, &TransientError{Provider: media.ProviderCloudflare, Operation: "get_video", Err: err}
	}
	if !envelope.Success {
		if envelopeNotFound(envelope.Errors) {
			return media.Descriptor{}, fmt.Errorf("cloudflare get_video: %w", ErrNotFound)
		}
		return media.Descriptor{}, &TransientError{Provider: media.ProviderCloudflare, Operation: "get_video", Err: fmt.Errorf("unsuccessful response: %v", envelope.Errors)}
	}
	var video CloudflareVideo
	if err := json.Unmarshal(envelope.Result, &video); err != nil {
		return media.Descriptor{}, &TransientError{Provider: media.ProviderCloudflare, Operation: "get_video", Err: err}
	}
	if video.UID == "" {
		video.UID = videoID
	}
	return video.Descriptor(g.credentials.CustomerSubdomain), nil
}

// DeleteVideo removes the video. A missing video reports ErrNotFound.
func (g *CloudflareGateway) DeleteVideo(ctx context.Context, videoID string) error {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return fmt.Errorf("cloudflare delete_video: %w", ErrNotFound)
	}
	_, err := g.transport.do(ctx, "delete_video", http.MethodDelete, g.videoURL(videoID), g.headers())
	return err
}

// ListCollections verifies the token with a one-item listing. Stream has no
// collection concept, so the result is always empty.
func (g *CloudflareGateway) ListCollections(ctx context.Context) ([]Collection, error) {
	listURL := fmt.Sprintf("%s/accounts/%s/stream?limit=1", g.baseURL, url.PathEscape(g.credentials.AccountID))
	body, err := g.transport.do(ctx, "list_collections", http.MethodGet, listURL, g.headers())
	if err != nil {
		return nil, err
	}
	var envelope cloudflareEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, &TransientError{Provider: media.ProviderCloudflare, Operation: "list_collections", Err: err}
	}
	if !envelope.Success {
		return nil, &ConfigError{Provider: media.ProviderCloudflare, Reason: "token verification failed"}
	}
	return []Collection{}, nil
}

func envelopeNotFound(messages []cloudflareMessage) bool {
	for _, message := range messages {
		if strings.Contains(strings.ToLower(message.Message), "not found") {
			return true
		}
	}
	return false
}

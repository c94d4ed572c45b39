package media

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// MetadataKey is the entity metadata key holding the embedded video asset.
const MetadataKey = "media_preview"

// Provider identifies a remote video host.
type Provider string

const (
	// ProviderCloudflare is Cloudflare Stream.
	ProviderCloudflare Provider = "cloudflare"
	// ProviderBunny is Bunny.net Stream.
	ProviderBunny Provider = "bunny"
)

// Status is the playable state of a video asset.
type Status string

const (
	// StatusPending covers every state short of a fully encoded, streamable video.
	StatusPending Status = "pending"
	// StatusReady means the provider reported ready-to-stream with encoding complete.
	StatusReady Status = "ready"
)

var (
	// ErrUnknownProvider indicates a provider name outside the supported set.
	ErrUnknownProvider = errors.New("media: unknown provider")
	// ErrInvalidPreview indicates a media_preview value that cannot be decoded.
	ErrInvalidPreview = errors.New("media: invalid media_preview")
)

// Providers lists every supported provider.
func Providers() []Provider {
	return []Provider{ProviderCloudflare, ProviderBunny}
}

// ParseProvider normalizes raw input into a Provider.
func ParseProvider(raw string) (Provider, error) {
	switch Provider(strings.ToLower(strings.TrimSpace(raw))) {
	case ProviderCloudflare:
		return ProviderCloudflare, nil
	case ProviderBunny:
		return ProviderBunny, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, raw)
	}
}

func (p Provider) String() string {
	return string(p)
}

// Routing carries the provider-specific datum needed to build playback URLs.
type Routing struct {
	CustomerSubdomain string `json:"customer_subdomain,omitempty"`
	LibraryID         string `json:"library_id,omitempty"`
	CDNHostname       string `json:"cdn_hostname,omitempty"`
}

// Preview is the media_preview blob embedded on a content entity.
type Preview struct {
	Provider         Provider   `json:"provider"`
	VideoID          string     `json:"video_id"`
	Status           Status     `json:"status"`
	Thumbnail        string     `json:"thumbnail,omitempty"`
	Routing          Routing    `json:"routing,omitempty"`
	ReplacesVideoID  string     `json:"replaces_video_id,omitempty"`
	ReplacesProvider Provider   `json:"replaces_provider,omitempty"`
	ConfirmedAt      *time.Time `json:"confirmed_at,omitempty"`
}

// HasVideo reports whether the preview references a remote asset.
func (p Preview) HasVideo() bool {
	return strings.TrimSpace(p.VideoID) != ""
}

// Ref returns the asset reference for the preview.
func (p Preview) Ref() AssetRef {
	return AssetRef{Provider: p.Provider, VideoID: strings.TrimSpace(p.VideoID)}
}

// AssetRef identifies one remote video.
type AssetRef struct {
	Provider Provider
	VideoID  string
}

// Key returns a stable composite key for deduplication.
func (r AssetRef) Key() string {
	return string(r.Provider) + ":" + r.VideoID
}

// EntityType names the kind of content entity a preview is attached to.
type EntityType string

const (
	EntityPost    EntityType = "post"
	EntityComment EntityType = "comment"
)

// ErrUnknownEntityType indicates an entity type outside the supported set.
var ErrUnknownEntityType = errors.New("media: unknown entity type")

// ParseEntityType normalizes raw input into an EntityType.
func ParseEntityType(raw string) (EntityType, error) {
	switch EntityType(strings.ToLower(strings.TrimSpace(raw))) {
	case EntityPost:
		return EntityPost, nil
	case EntityComment:
		return EntityComment, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownEntityType, raw)
	}
}

// EntityRef identifies one content entity.
type EntityRef struct {
	Type EntityType `json:"type"`
	ID   string     `json:"id"`
}

// Key returns the composite "type:id" key.
func (r EntityRef) Key() string {
	return string(r.Type) + ":" + r.ID
}

// Metadata is the arbitrary key/value map a host persists per entity.
type Metadata map[string]json.RawMessage

// Clone returns a shallow copy safe for independent mutation of keys.
func (m Metadata) Clone() Metadata {
	out := make(Metadata, len(m))
	for key, value := range m {
		out[key] = append(json.RawMessage(nil), value...)
	}
	return out
}

// PreviewFrom extracts the media_preview blob. A missing or null key reports false.
func PreviewFrom(meta Metadata) (Preview, bool, error) {
	raw, ok := meta[MetadataKey]
	if !ok || len(raw) == 0 || string(raw) == "null" {
		return Preview{}, false, nil
	}
	var preview Preview
	if err := json.Unmarshal(raw, &preview); err != nil {
		return Preview{}, false, fmt.Errorf("%w: %v", ErrInvalidPreview, err)
	}
	if !preview.HasVideo() {
		return Preview{}, false, nil
	}
	if preview.Status == "" {
		preview.Status = StatusPending
	}
	return preview, true, nil
}

// WithPreview returns a copy of meta carrying the encoded preview.
func WithPreview(meta Metadata, preview Preview) (Metadata, error) {
	encoded, err := json.Marshal(preview)
	if err != nil {
		return nil, err
	}
	out := meta.Clone()
	out[MetadataKey] = encoded
	return out, nil
}

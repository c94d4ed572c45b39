package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/MarcoPoloResearchLab/mediavault/internal/media"
)

const (
	defaultBunnyBaseURL     = "https://video.bunnycdn.com"
	bunnyCollectionsPerPage = 100
	bunnyMaxCollectionPages = 50
)

// Bunny Stream video status codes.
const (
	BunnyStatusCreated             = 0
	BunnyStatusUploaded            = 1
	BunnyStatusProcessing          = 2
	BunnyStatusTranscoding         = 3
	BunnyStatusFinished            = 4
	BunnyStatusError               = 5
	BunnyStatusUploadFailed        = 6
	BunnyStatusJitSegmenting       = 7
	BunnyStatusJitPlaylistsCreated = 8
)

// BunnyCredentials are the plaintext Stream library credentials.
type BunnyCredentials struct {
	LibraryID   string
	APIKey      string
	CDNHostname string
}

// BunnyGateway talks to the Bunny.net Stream API.
type BunnyGateway struct {
	credentials BunnyCredentials
	baseURL     string
	transport   *transport
}

// NewBunnyGateway validates credentials and builds a gateway.
func NewBunnyGateway(credentials BunnyCredentials, opts Options) (*BunnyGateway, error) {
	credentials.LibraryID = strings.TrimSpace(credentials.LibraryID)
	credentials.APIKey = strings.TrimSpace(credentials.APIKey)
	credentials.CDNHostname = strings.TrimSpace(credentials.CDNHostname)
	if credentials.LibraryID == "" {
		return nil, missingCredential(media.ProviderBunny, "library_id")
	}
	if credentials.APIKey == "" {
		return nil, missingCredential(media.ProviderBunny, "api_key")
	}
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBunnyBaseURL
	}
	return &BunnyGateway{
		credentials: credentials,
		baseURL:     baseURL,
		transport:   newTransport(media.ProviderBunny, opts),
	}, nil
}

// Provider reports media.ProviderBunny.
func (g *BunnyGateway) Provider() media.Provider {
	return media.ProviderBunny
}

type bunnyVideo struct {
	GUID              string  `json:"guid"`
	Status            int     `json:"status"`
	EncodeProgress    float64 `json:"encodeProgress"`
	ThumbnailFileName string  `json:"thumbnailFileName"`
	Length            float64 `json:"length"`
}

type bunnyCollectionPage struct {
	TotalItems int `json:"totalItems"`
	Items      []struct {
		GUID       string `json:"guid"`
		Name       string `json:"name"`
		VideoCount int    `json:"videoCount"`
	} `json:"items"`
}

func (g *BunnyGateway) headers() map[string]string {
	return map[string]string{"AccessKey": g.credentials.APIKey}
}

func (g *BunnyGateway) videoURL(videoID string) string {
	return fmt.Sprintf("%s/library/%s/videos/%s", g.baseURL, url.PathEscape(g.credentials.LibraryID), url.PathEscape(videoID))
}

// GetVideo fetches the video. Bunny reports playable once transcoding of the
// first resolution finishes, so readiness also depends on encodeProgress.
func (g *BunnyGateway) GetVideo(ctx context.Context, videoID string) (media.Descriptor, error) {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return media.Descriptor{}, fmt.Errorf("bunny get_video: %w", ErrNotFound)
	}
	body, err := g.transport.do(ctx, "get_video", http.MethodGet, g.videoURL(videoID), g.headers())
	if err != nil {
		return media.Descriptor{}, err
	}
	var video bunnyVideo
	if err := json.Unmarshal(body, &video); err != nil {
		return media.Descriptor{}, &TransientError{Provider: media.ProviderBunny, Operation: "get_video", Err: err}
	}
	if video.GUID == "" {
		video.GUID = videoID
	}
	thumbnail := ""
	if g.credentials.CDNHostname != "" && video.ThumbnailFileName != "" {
		thumbnail = fmt.Sprintf("https://%s/%s/%s", g.credentials.CDNHostname, video.GUID, video.ThumbnailFileName)
	}
	return media.Descriptor{
		VideoID:       video.GUID,
		Exists:        true,
		ReadyToStream: BunnyStatusPlayable(video.Status),
		PctComplete:   video.EncodeProgress,
		Thumbnail:     thumbnail,
		Duration:      video.Length,
		Routing: media.Routing{
			LibraryID:   g.credentials.LibraryID,
			CDNHostname: g.credentials.CDNHostname,
		},
	}, nil
}

// BunnyStatusPlayable reports whether a status code means the video can stream.
func BunnyStatusPlayable(status int) bool {
	switch status {
	case BunnyStatusFinished, BunnyStatusJitSegmenting, BunnyStatusJitPlaylistsCreated:
		return true
	default:
		return false
	}
}

// DeleteVideo removes the video. A missing video reports ErrNotFound.
func (g *BunnyGateway) DeleteVideo(ctx context.Context, videoID string) error {
	videoID = strings.TrimSpace(videoID)
	if videoID == "" {
		return fmt.Errorf("bunny delete_video: %w", ErrNotFound)
	}
	_, err := g.transport.do(ctx, "delete_video", http.MethodDelete, g.videoURL(videoID), g.headers())
	return err
}

// ListCollections pages through the library collections.
func (g *BunnyGateway) ListCollections(ctx context.Context) ([]Collection, error) {
	collections := make([]Collection, 0)
	for page := 1; page <= bunnyMaxCollectionPages; page++ {
		pageURL := fmt.Sprintf("%s/library/%s/collections?page=%d&itemsPerPage=%d",
			g.baseURL, url.PathEscape(g.credentials.LibraryID), page, bunnyCollectionsPerPage)
		body, err := g.transport.do(ctx, "list_collections", http.MethodGet, pageURL, g.headers())
		if err != nil {
			return nil, err
		}
		var decoded bunnyCollectionPage
		if err := json.Unmarshal(body, &decoded); err != nil {
			return nil, &TransientError{Provider: media.ProviderBunny, Operation: "list_collections", Err: err}
		}
		for _, item := range decoded.Items {
			collections = append(collections, Collection{ID: item.GUID, Name: item.Name, VideoCount: item.VideoCount})
		}
		if len(decoded.Items) == 0 || len(collections) >= decoded.TotalItems {
			break
		}
	}
	return collections, nil
}

package media

// Descriptor is the normalized view of a remote asset returned by a gateway.
type Descriptor struct {
	VideoID       string
	Exists        bool
	ReadyToStream bool
	PctComplete   float64
	Thumbnail     string
	Duration      float64
	Routing       Routing
}

// Evaluate applies the readiness rule. Providers may report ready-to-stream
// before every rendition exists, so both conditions must hold.
func Evaluate(descriptor Descriptor) Status {
	if descriptor.ReadyToStream && descriptor.PctComplete >= 100 {
		return StatusReady
	}
	return StatusPending
}

// Advance folds an observed status into the recorded one. READY never regresses.
func Advance(current, observed Status) Status {
	if current == StatusReady {
		return StatusReady
	}
	if observed == StatusReady {
		return StatusReady
	}
	return StatusPending
}

// RenderMode selects what the widget shows for an asset.
type RenderMode string

const (
	// RenderThumbnail shows the thumbnail with a processing overlay.
	RenderThumbnail RenderMode = "thumbnail_progress"
	// RenderPlayer shows the embeddable player.
	RenderPlayer RenderMode = "player"
)

// RenderState is the presentation derived from stored status.
type RenderState struct {
	Mode      RenderMode `json:"mode"`
	Thumbnail string     `json:"thumbnail,omitempty"`
	EmbedURL  string     `json:"embed_url,omitempty"`
}

// Render derives presentation from a preview whose status the engine recorded.
// A player is produced only for READY with a confirmation stamp, so a READY
// written by a client without reconciliation still renders as pending.
func Render(preview Preview) RenderState {
	if preview.Status != StatusReady || preview.ConfirmedAt == nil {
		return RenderState{Mode: RenderThumbnail, Thumbnail: preview.Thumbnail}
	}
	return RenderState{Mode: RenderPlayer, Thumbnail: preview.Thumbnail, EmbedURL: EmbedURL(preview)}
}

// EmbedURL builds the provider iframe URL for a preview.
func EmbedURL(preview Preview) string {
	switch preview.Provider {
	case ProviderCloudflare:
		if preview.Routing.CustomerSubdomain == "" {
			return "https://iframe.videodelivery.net/" + preview.VideoID
		}
		return "https://" + preview.Routing.CustomerSubdomain + "/" + preview.VideoID + "/iframe"
	case ProviderBunny:
		return "https://iframe.mediadelivery.net/embed/" + preview.Routing.LibraryID + "/" + preview.VideoID
	default:
		return ""
	}
}

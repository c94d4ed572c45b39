package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/mediavault/internal/content"
	"github.com/MarcoPoloResearchLab/mediavault/internal/media"
	"github.com/MarcoPoloResearchLab/mediavault/internal/providers"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const maxFlipAttempts = 3

// Webhook outcomes.
const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeDeferred  = "deferred"
	OutcomeRejected  = "rejected"
)

// Bunny webhook status codes. These differ from the API's video status field.
const (
	BunnyWebhookQueued             = 0
	BunnyWebhookProcessing         = 1
	BunnyWebhookEncoding           = 2
	BunnyWebhookFinished           = 3
	BunnyWebhookResolutionFinished = 4
	BunnyWebhookFailed             = 5
)

var (
	// ErrUnknownVideo means no entity embeds the requested video.
	ErrUnknownVideo = errors.New("reconcile: video is not referenced by any entity")

	errMissingEntities    = errors.New("entity store is required")
	errMissingCredentials = errors.New("credential source is required")
	errMissingLedger      = errors.New("webhook ledger is required")
)

// EntityStore is the entity persistence the reconciler reads and flips.
type EntityStore interface {
	Get(ctx context.Context, ref media.EntityRef) (content.Entity, error)
	FindByVideo(ctx context.Context, provider media.Provider, videoID string) ([]content.Entity, error)
	CompareAndSetMetadata(ctx context.Context, ref media.EntityRef, parentID string, meta media.Metadata, expected int64) (content.Entity, error)
}

// CredentialSource yields gateways and webhook secrets from stored config.
type CredentialSource interface {
	Gateway(ctx context.Context, provider media.Provider) (providers.Gateway, error)
	WebhookSecret(ctx context.Context, provider media.Provider) (string, error)
}

// StatusEvent announces a status transition of one entity's video.
type StatusEvent struct {
	VideoID    string            `json:"video_id"`
	Provider   media.Provider    `json:"provider"`
	Status     media.Status      `json:"status"`
	Entity     media.EntityRef   `json:"entity"`
	Render     media.RenderState `json:"render"`
	OccurredAt time.Time         `json:"occurred_at"`
}

// Publisher fans status events out to live subscribers.
type Publisher interface {
	Publish(event StatusEvent)
}

// Observer receives reconciliation counters.
type Observer interface {
	ObserveWebhook(provider, outcome string)
	ObserveSignatureFailure(provider, reason string)
	ObserveStatusFlip(provider string)
}

// Config describes Reconciler dependencies.
type Config struct {
	Entities    EntityStore
	Credentials CredentialSource
	Ledger      *Ledger
	Verifiers   map[media.Provider]Verifier
	Publisher   Publisher
	Observer    Observer
	Clock       func() time.Time
	Logger      *zap.Logger
}

// Reconciler moves video assets from PENDING to READY from webhook
// deliveries and status polls.
type Reconciler struct {
	entities    EntityStore
	credentials CredentialSource
	ledger      *Ledger
	verifiers   map[media.Provider]Verifier
	publisher   Publisher
	observer    Observer
	clock       func() time.Time
	logger      *zap.Logger

	fetches singleflight.Group
}

// New constructs a Reconciler. Without explicit verifiers Cloudflare and
// Bunny are registered with default settings.
func New(cfg Config) (*Reconciler, error) {
	if cfg.Entities == nil {
		return nil, errMissingEntities
	}
	if cfg.Credentials == nil {
		return nil, errMissingCredentials
	}
	if cfg.Ledger == nil {
		return nil, errMissingLedger
	}
	verifiers := cfg.Verifiers
	if len(verifiers) == 0 {
		verifiers = map[media.Provider]Verifier{
			media.ProviderCloudflare: CloudflareVerifier{},
			media.ProviderBunny:      BunnyVerifier{},
		}
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reconciler{
		entities:    cfg.Entities,
		credentials: cfg.Credentials,
		ledger:      cfg.Ledger,
		verifiers:   verifiers,
		publisher:   cfg.Publisher,
		observer:    cfg.Observer,
		clock:       clock,
		logger:      logger,
	}, nil
}

// WebhookResult describes how a delivery was handled.
type WebhookResult struct {
	Outcome  string         `json:"status"`
	Provider media.Provider `json:"provider"`
	VideoID  string         `json:"video_id,omitempty"`
	Status   media.Status   `json:"video_status,omitempty"`
	Updated  int            `json:"updated"`
}

type webhookPayload struct {
	videoID    string
	descriptor *media.Descriptor
	lookup     bool
	failed     bool
}

type bunnyWebhook struct {
	VideoLibraryID int64  `json:"VideoLibraryId"`
	VideoGUID      string `json:"VideoGuid"`
	Status         int    `json:"Status"`
}

// HandleWebhook verifies and applies one provider delivery. Signature
// failures return *SecurityError before the body is parsed. A verified body
// seen before returns OutcomeDuplicate without side effects.
func (r *Reconciler) HandleWebhook(ctx context.Context, provider media.Provider, header http.Header, body []byte) (WebhookResult, error) {
	result := WebhookResult{Provider: provider}
	verifier, ok := r.verifiers[provider]
	if !ok {
		return result, fmt.Errorf("%w: %s", media.ErrUnknownProvider, provider)
	}

	secret, err := r.credentials.WebhookSecret(ctx, provider)
	if err != nil {
		if providers.Classify(err) != providers.ClassConfig {
			return result, err
		}
		secret = ""
	}
	now := r.clock()
	if err := verifier.Verify(secret, header, body, now); err != nil {
		var securityErr *SecurityError
		reason := ReasonMismatch
		if errors.As(err, &securityErr) {
			reason = securityErr.Reason
		}
		r.logger.Warn("webhook signature rejected",
			zap.String("provider", provider.String()),
			zap.String("reason", reason))
		if r.observer != nil {
			r.observer.ObserveSignatureFailure(provider.String(), reason)
		}
		r.observe(provider, OutcomeRejected)
		return WebhookResult{Outcome: OutcomeRejected, Provider: provider}, err
	}

	payload, err := parseWebhook(provider, body)
	if err != nil || payload.videoID == "" {
		r.logger.Warn("webhook payload ignored",
			zap.String("provider", provider.String()),
			zap.Error(err))
		result.Outcome = OutcomeIgnored
		r.observe(provider, result.Outcome)
		return result, nil
	}
	result.VideoID = payload.videoID

	key := EventKey(body)
	fresh, err := r.ledger.Claim(ctx, provider, key, payload.videoID, now)
	if err != nil {
		return result, err
	}
	if !fresh {
		result.Outcome = OutcomeDuplicate
		r.observe(provider, result.Outcome)
		return result, nil
	}

	result, err = r.applyWebhook(ctx, provider, payload)
	if err != nil || result.Outcome == OutcomeDeferred {
		if releaseErr := r.ledger.Release(ctx, provider, key); releaseErr != nil {
			r.logger.Error("failed to release webhook claim",
				zap.String("provider", provider.String()),
				zap.Error(releaseErr))
		}
	}
	r.observe(provider, result.Outcome)
	return result, err
}

func (r *Reconciler) applyWebhook(ctx context.Context, provider media.Provider, payload webhookPayload) (WebhookResult, error) {
	result := WebhookResult{Provider: provider, VideoID: payload.videoID, Status: media.StatusPending, Outcome: OutcomeProcessed}
	if payload.failed {
		r.logger.Warn("provider reported encoding failure",
			zap.String("provider", provider.String()),
			zap.String("video_id", payload.videoID))
		return result, nil
	}

	descriptor := payload.descriptor
	if payload.lookup {
		fetched, err := r.fetch(ctx, provider, payload.videoID)
		switch providers.PolicyFor(err) {
		case providers.PolicyProceed:
			descriptor = &fetched
		case providers.PolicyAssumeGone:
			result.Outcome = OutcomeIgnored
			return result, nil
		default:
			r.logger.Warn("webhook status lookup failed, deferring",
				zap.String("provider", provider.String()),
				zap.String("video_id", payload.videoID),
				zap.String("class", string(providers.Classify(err))),
				zap.Error(err))
			result.Outcome = OutcomeDeferred
			return result, nil
		}
	}
	if descriptor == nil || media.Evaluate(*descriptor) != media.StatusReady {
		return result, nil
	}
	updated, err := r.flip(ctx, provider, payload.videoID, *descriptor)
	if err != nil {
		return result, err
	}
	result.Status = media.StatusReady
	result.Updated = updated
	return result, nil
}

func parseWebhook(provider media.Provider, body []byte) (webhookPayload, error) {
	switch provider {
	case media.ProviderCloudflare:
		var video providers.CloudflareVideo
		if err := json.Unmarshal(body, &video); err != nil {
			return webhookPayload{}, err
		}
		descriptor := video.Descriptor("")
		return webhookPayload{
			videoID:    strings.TrimSpace(video.UID),
			descriptor: &descriptor,
			failed:     strings.EqualFold(video.Status.State, "error"),
		}, nil
	case media.ProviderBunny:
		var event bunnyWebhook
		if err := json.Unmarshal(body, &event); err != nil {
			return webhookPayload{}, err
		}
		payload := webhookPayload{videoID: strings.TrimSpace(event.VideoGUID)}
		switch event.Status {
		case BunnyWebhookFinished, BunnyWebhookResolutionFinished:
			payload.lookup = true
		case BunnyWebhookFailed:
			payload.failed = true
		}
		return payload, nil
	default:
		return webhookPayload{}, fmt.Errorf("%w: %s", media.ErrUnknownProvider, provider)
	}
}

// PollResult is the status view returned to polling clients.
type PollResult struct {
	VideoID  string            `json:"video_id"`
	Provider media.Provider    `json:"provider"`
	Status   media.Status      `json:"status"`
	Progress float64           `json:"progress"`
	Gone     bool              `json:"gone,omitempty"`
	Preview  media.Preview     `json:"-"`
	Render   media.RenderState `json:"render"`
	Checked  bool              `json:"-"`
}

// Poll reports the status of videoID. A video already READY on any owner
// is answered without calling the provider. Otherwise the provider is asked
// once per concurrent burst and a READY answer is written to every owner.
func (r *Reconciler) Poll(ctx context.Context, videoID string) (PollResult, error) {
	return r.poll(ctx, videoID, true)
}

// Stored reports the status recorded on the owners of videoID and never
// calls the provider.
func (r *Reconciler) Stored(ctx context.Context, videoID string) (PollResult, error) {
	return r.poll(ctx, videoID, false)
}

func (r *Reconciler) poll(ctx context.Context, videoID string, query bool) (PollResult, error) {
	videoID = strings.TrimSpace(videoID)
	owners, err := r.entities.FindByVideo(ctx, "", videoID)
	if err != nil {
		return PollResult{}, err
	}
	var current media.Preview
	var confirmed *media.Preview
	found := false
	for _, owner := range owners {
		preview, ok, err := owner.Preview()
		if err != nil || !ok || preview.VideoID != videoID {
			continue
		}
		if preview.Status == media.StatusReady && preview.ConfirmedAt != nil {
			if confirmed == nil {
				confirmed = &preview
			}
			continue
		}
		if !found {
			current = preview
			found = true
		}
	}
	if confirmed != nil {
		if found {
			r.propagate(ctx, *confirmed)
		}
		return pollResult(*confirmed, false), nil
	}
	if !found {
		return PollResult{}, ErrUnknownVideo
	}
	if !query {
		return pollResult(current, false), nil
	}

	descriptor, err := r.fetch(ctx, current.Provider, videoID)
	result := pollResult(current, true)
	switch providers.PolicyFor(err) {
	case providers.PolicyAssumeGone:
		result.Gone = true
		return result, nil
	case providers.PolicyAssumeExists:
		r.logger.Debug("status poll deferred by transient provider failure",
			zap.String("provider", current.Provider.String()),
			zap.String("video_id", videoID),
			zap.Error(err))
		return result, nil
	case providers.PolicyFailed:
		r.logger.Error("status poll failed",
			zap.String("operation", "reconcile.poll"),
			zap.String("reason", "config"),
			zap.String("provider", current.Provider.String()),
			zap.Error(err))
		return result, nil
	}

	result.Progress = descriptor.PctComplete
	if media.Evaluate(descriptor) != media.StatusReady {
		if result.Render.Thumbnail == "" {
			result.Render.Thumbnail = descriptor.Thumbnail
		}
		return result, nil
	}
	if _, err := r.flip(ctx, current.Provider, videoID, descriptor); err != nil {
		return result, err
	}
	flipped := applyDescriptor(current, descriptor, r.clock().UTC())
	ready := pollResult(flipped, true)
	ready.Progress = descriptor.PctComplete
	return ready, nil
}

// propagate writes an already confirmed READY onto owners that still read
// PENDING, such as an entity saved after the flip.
func (r *Reconciler) propagate(ctx context.Context, confirmed media.Preview) {
	descriptor := media.Descriptor{
		VideoID:       confirmed.VideoID,
		Exists:        true,
		ReadyToStream: true,
		PctComplete:   100,
		Thumbnail:     confirmed.Thumbnail,
		Routing:       confirmed.Routing,
	}
	if _, err := r.flip(ctx, confirmed.Provider, confirmed.VideoID, descriptor); err != nil {
		r.logger.Warn("failed to propagate ready status",
			zap.String("provider", confirmed.Provider.String()),
			zap.String("video_id", confirmed.VideoID),
			zap.Error(err))
	}
}

func pollResult(preview media.Preview, checked bool) PollResult {
	result := PollResult{
		VideoID:  preview.VideoID,
		Provider: preview.Provider,
		Status:   preview.Status,
		Preview:  preview,
		Render:   media.Render(preview),
		Checked:  checked,
	}
	if result.Status != media.StatusReady || preview.ConfirmedAt == nil {
		result.Status = media.StatusPending
	}
	if result.Status == media.StatusReady {
		result.Progress = 100
	}
	return result
}

// fetch collapses concurrent lookups of the same asset into one call.
func (r *Reconciler) fetch(ctx context.Context, provider media.Provider, videoID string) (media.Descriptor, error) {
	asset := media.AssetRef{Provider: provider, VideoID: videoID}
	value, err, _ := r.fetches.Do(asset.Key(), func() (interface{}, error) {
		gateway, err := r.credentials.Gateway(ctx, provider)
		if err != nil {
			return media.Descriptor{}, err
		}
		return gateway.GetVideo(ctx, videoID)
	})
	descriptor, _ := value.(media.Descriptor)
	return descriptor, err
}

// flip marks every owner of the asset READY with compare-and-set, retrying
// each owner on revision conflicts. Owners already confirmed are skipped.
func (r *Reconciler) flip(ctx context.Context, provider media.Provider, videoID string, descriptor media.Descriptor) (int, error) {
	owners, err := r.entities.FindByVideo(ctx, provider, videoID)
	if err != nil {
		return 0, err
	}
	updated := 0
	for _, owner := range owners {
		changed, err := r.flipOwner(ctx, owner, media.AssetRef{Provider: provider, VideoID: videoID}, descriptor)
		if err != nil {
			r.logger.Error("failed to record ready status",
				zap.String("operation", "reconcile.flip"),
				zap.String("entity", owner.Ref().Key()),
				zap.Error(err))
			continue
		}
		if changed {
			updated++
		}
	}
	return updated, nil
}

func (r *Reconciler) flipOwner(ctx context.Context, entity content.Entity, asset media.AssetRef, descriptor media.Descriptor) (bool, error) {
	for attempt := 0; attempt < maxFlipAttempts; attempt++ {
		meta, err := entity.Metadata()
		if err != nil {
			return false, err
		}
		preview, ok, err := media.PreviewFrom(meta)
		if err != nil || !ok || preview.Ref() != asset {
			return false, err
		}
		if preview.Status == media.StatusReady && preview.ConfirmedAt != nil {
			return false, nil
		}
		now := r.clock().UTC()
		confirmed := applyDescriptor(preview, descriptor, now)
		next, err := media.WithPreview(meta, confirmed)
		if err != nil {
			return false, err
		}
		_, err = r.entities.CompareAndSetMetadata(ctx, entity.Ref(), entity.ParentID, next, entity.Revision)
		if errors.Is(err, content.ErrRevisionConflict) {
			entity, err = r.entities.Get(ctx, entity.Ref())
			if errors.Is(err, content.ErrNotFound) {
				return false, nil
			}
			if err != nil {
				return false, err
			}
			continue
		}
		if err != nil {
			return false, err
		}

		r.logger.Info("video asset ready",
			zap.String("provider", asset.Provider.String()),
			zap.String("video_id", asset.VideoID),
			zap.String("entity", entity.Ref().Key()))
		if r.observer != nil {
			r.observer.ObserveStatusFlip(asset.Provider.String())
		}
		if r.publisher != nil {
			r.publisher.Publish(StatusEvent{
				VideoID:    asset.VideoID,
				Provider:   asset.Provider,
				Status:     confirmed.Status,
				Entity:     entity.Ref(),
				Render:     media.Render(confirmed),
				OccurredAt: now,
			})
		}
		return true, nil
	}
	return false, content.ErrRevisionConflict
}

func applyDescriptor(preview media.Preview, descriptor media.Descriptor, now time.Time) media.Preview {
	preview.Status = media.Advance(preview.Status, media.Evaluate(descriptor))
	if preview.Status == media.StatusReady && preview.ConfirmedAt == nil {
		preview.ConfirmedAt = &now
	}
	if descriptor.Thumbnail != "" {
		preview.Thumbnail = descriptor.Thumbnail
	}
	if descriptor.Routing.CustomerSubdomain != "" {
		preview.Routing.CustomerSubdomain = descriptor.Routing.CustomerSubdomain
	}
	if descriptor.Routing.LibraryID != "" {
		preview.Routing.LibraryID = descriptor.Routing.LibraryID
	}
	if descriptor.Routing.CDNHostname != "" {
		preview.Routing.CDNHostname = descriptor.Routing.CDNHostname
	}
	return preview
}

func (r *Reconciler) observe(provider media.Provider, outcome string) {
	if r.observer != nil {
		r.observer.ObserveWebhook(provider.String(), outcome)
	}
}

package metadiff

import (
	"context"

	"github.com/MarcoPoloResearchLab/mediavault/internal/media"
	"github.com/MarcoPoloResearchLab/mediavault/internal/providers"
	"go.uber.org/zap"
)

// Deletion outcomes reported to observers.
const (
	OutcomeDeleted      = "deleted"
	OutcomeAlreadyGone  = "already_gone"
	OutcomeTransient    = "transient"
	OutcomeConfig       = "config"
	OutcomeUnconfigured = "unconfigured"
)

// AssetDeleter removes a remote asset. It never returns an error: true means
// the asset is gone (deleted now or already missing).
type AssetDeleter interface {
	Delete(ctx context.Context, provider media.Provider, videoID string) bool
}

// GatewayResolver builds a gateway for a provider from stored credentials.
type GatewayResolver interface {
	Gateway(ctx context.Context, provider media.Provider) (providers.Gateway, error)
}

// DeletionObserver receives one outcome per deletion attempt.
type DeletionObserver interface {
	ObserveDeletion(provider, outcome string)
}

// GatewayDeleter deletes through provider gateways and applies the shared
// error policy.
type GatewayDeleter struct {
	resolver GatewayResolver
	observer DeletionObserver
	logger   *zap.Logger
}

// NewGatewayDeleter constructs a GatewayDeleter. observer may be nil.
func NewGatewayDeleter(resolver GatewayResolver, observer DeletionObserver, logger *zap.Logger) *GatewayDeleter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GatewayDeleter{resolver: resolver, observer: observer, logger: logger}
}

func (d *GatewayDeleter) Delete(ctx context.Context, provider media.Provider, videoID string) bool {
	fields := []zap.Field{zap.String("provider", provider.String()), zap.String("video_id", videoID)}

	gateway, err := d.resolver.Gateway(ctx, provider)
	if err != nil {
		d.logger.Error("remote asset deletion skipped", append(fields,
			zap.String("operation", "metadiff.delete"),
			zap.String("reason", "gateway_unavailable"),
			zap.Error(err))...)
		d.observe(provider, OutcomeUnconfigured)
		return false
	}

	err = gateway.DeleteVideo(ctx, videoID)
	switch providers.PolicyFor(err) {
	case providers.PolicyProceed:
		d.logger.Info("remote asset deleted", fields...)
		d.observe(provider, OutcomeDeleted)
		return true
	case providers.PolicyAssumeGone:
		d.logger.Info("remote asset already gone", fields...)
		d.observe(provider, OutcomeAlreadyGone)
		return true
	case providers.PolicyAssumeExists:
		d.logger.Warn("remote asset deletion failed, asset assumed to exist", append(fields, zap.Error(err))...)
		d.observe(provider, OutcomeTransient)
		return false
	default:
		d.logger.Error("remote asset deletion failed", append(fields,
			zap.String("operation", "metadiff.delete"),
			zap.String("reason", "config"),
			zap.Error(err))...)
		d.observe(provider, OutcomeConfig)
		return false
	}
}

func (d *GatewayDeleter) observe(provider media.Provider, outcome string) {
	if d.observer != nil {
		d.observer.ObserveDeletion(provider.String(), outcome)
	}
}

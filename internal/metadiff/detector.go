package metadiff

import (
	"context"
	"errors"

	"github.com/MarcoPoloResearchLab/mediavault/internal/media"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var errMissingDeleter = errors.New("asset deleter is required")

// Node is an entity and its metadata as seen by the deletion cascade.
type Node struct {
	Ref  media.EntityRef
	Meta media.Metadata
}

// ChildLister lists entities owned by a post.
type ChildLister interface {
	Children(ctx context.Context, parent media.EntityRef) ([]Node, error)
}

// DetectorConfig describes Detector dependencies.
type DetectorConfig struct {
	Deleter     AssetDeleter
	Children    ChildLister
	OperationID func() string
	Logger      *zap.Logger
}

// Detector turns content lifecycle events into remote asset deletions.
type Detector struct {
	deleter     AssetDeleter
	children    ChildLister
	operationID func() string
	logger      *zap.Logger
}

// NewDetector constructs a Detector. Children may be nil when the host has
// no nested entities.
func NewDetector(cfg DetectorConfig) (*Detector, error) {
	if cfg.Deleter == nil {
		return nil, errMissingDeleter
	}
	operationID := cfg.OperationID
	if operationID == nil {
		operationID = uuid.NewString
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Detector{
		deleter:     cfg.Deleter,
		children:    cfg.Children,
		operationID: operationID,
		logger:      logger,
	}, nil
}

// BeforeUpdate snapshots the entity's media state ahead of a write.
func (d *Detector) BeforeUpdate(ref media.EntityRef, meta media.Metadata) Snapshot {
	return TakeSnapshot(ref, meta)
}

// AfterUpdate classifies the change against snapshot and deletes the old
// asset when the decision calls for it. A snapshot that is missing or was
// taken for another entity results in no action.
func (d *Detector) AfterUpdate(ctx context.Context, ref media.EntityRef, snapshot Snapshot, newMeta media.Metadata) Decision {
	if !snapshot.Taken() || snapshot.Entity != ref {
		d.logger.Warn("metadata snapshot unavailable, skipping diff",
			zap.String("entity", ref.Key()),
			zap.Bool("taken", snapshot.Taken()))
		return Decision{Change: ChangeNone}
	}
	decision := classify(snapshot.state, readPreview(newMeta))
	if decision.Preserved {
		d.logger.Info("video replaced without marker, previous asset kept",
			zap.String("entity", ref.Key()),
			zap.String("previous", decision.Old.Key()))
	}
	if decision.Delete != nil {
		target := *decision.Delete
		d.deleter.Delete(ctx, target.Provider, target.VideoID)
	}
	return decision
}

// DeleteResult summarises one cascading delete.
type DeleteResult struct {
	OperationID string
	Attempted   []media.AssetRef
	Deleted     int
}

// BeforeDelete removes every remote asset owned by ref ahead of a local
// delete. Posts cascade to their children first. Each distinct asset is
// attempted at most once per call; failures never block the local delete.
func (d *Detector) BeforeDelete(ctx context.Context, ref media.EntityRef, meta media.Metadata) DeleteResult {
	result := DeleteResult{OperationID: d.operationID()}
	logger := d.logger.With(zap.String("operation_id", result.OperationID), zap.String("entity", ref.Key()))

	nodes := make([]Node, 0, 1)
	if ref.Type == media.EntityPost && d.children != nil {
		children, err := d.children.Children(ctx, ref)
		if err != nil {
			logger.Error("failed to list child entities",
				zap.String("operation", "metadiff.before_delete"),
				zap.String("reason", "children_failed"),
				zap.Error(err))
		}
		nodes = append(nodes, children...)
	}
	nodes = append(nodes, Node{Ref: ref, Meta: meta})

	seen := make(map[string]struct{}, len(nodes))
	for _, node := range nodes {
		state := readPreview(node.Meta)
		if !state.present {
			continue
		}
		asset := state.preview.Ref()
		if _, dup := seen[asset.Key()]; dup {
			continue
		}
		seen[asset.Key()] = struct{}{}
		result.Attempted = append(result.Attempted, asset)
		if d.deleter.Delete(ctx, asset.Provider, asset.VideoID) {
			result.Deleted++
		}
	}
	if len(result.Attempted) > 0 {
		logger.Info("remote asset cleanup finished",
			zap.Int("attempted", len(result.Attempted)),
			zap.Int("deleted", result.Deleted))
	}
	return result
}

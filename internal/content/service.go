package content

import (
	"context"
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/mediavault/internal/media"
	"github.com/MarcoPoloResearchLab/mediavault/internal/metadiff"
	"go.uber.org/zap"
)

const maxWriteAttempts = 3

const (
	opServiceNew = "content.service.new"
	opUpdate     = "content.update_metadata"
	opDelete     = "content.delete"
	opGet        = "content.get"
)

var (
	errMissingStore    = errors.New("content store is required")
	errMissingDetector = errors.New("metadata diff detector is required")
)

// ServiceError carries a stable "<operation>.<reason>" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	return &ServiceError{code: operation + "." + reason, err: cause}
}

// Detector is the lifecycle hook surface the service drives.
type Detector interface {
	BeforeUpdate(ref media.EntityRef, meta media.Metadata) metadiff.Snapshot
	AfterUpdate(ctx context.Context, ref media.EntityRef, snapshot metadiff.Snapshot, newMeta media.Metadata) metadiff.Decision
	BeforeDelete(ctx context.Context, ref media.EntityRef, meta media.Metadata) metadiff.DeleteResult
}

// ServiceConfig describes Service dependencies.
type ServiceConfig struct {
	Store    *Store
	Detector Detector
	Logger   *zap.Logger
}

// Service is the host-side entity API. It emits the before/after update and
// before delete events the diff detector consumes.
type Service struct {
	store    *Store
	detector Detector
	logger   *zap.Logger
}

// NewService constructs a Service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, newServiceError(opServiceNew, "missing_store", errMissingStore)
	}
	if cfg.Detector == nil {
		return nil, newServiceError(opServiceNew, "missing_detector", errMissingDetector)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: cfg.Store, detector: cfg.Detector, logger: logger}, nil
}

// NewChildLister adapts a Store to the detector's cascade lookup.
func NewChildLister(store *Store) metadiff.ChildLister {
	return childLister{store: store}
}

type childLister struct {
	store *Store
}

func (c childLister) Children(ctx context.Context, parent media.EntityRef) ([]metadiff.Node, error) {
	children, err := c.store.Children(ctx, parent)
	if err != nil {
		return nil, err
	}
	nodes := make([]metadiff.Node, 0, len(children))
	for _, child := range children {
		meta, err := child.Metadata()
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, metadiff.Node{Ref: child.Ref(), Meta: meta})
	}
	return nodes, nil
}

// UpdateResult is the persisted entity and the diff decision for the write.
type UpdateResult struct {
	Entity   Entity
	Decision metadiff.Decision
}

// Get loads one entity.
func (s *Service) Get(ctx context.Context, ref media.EntityRef) (Entity, error) {
	entity, err := s.store.Get(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return Entity{}, newServiceError(opGet, "not_found", err)
	}
	if err != nil {
		s.logError(opGet, "store_failed", err, ref)
		return Entity{}, newServiceError(opGet, "store_failed", err)
	}
	return entity, nil
}

// UpdateMetadata creates or replaces the entity's metadata. The stored
// status of an unchanged video is carried over; any client-supplied status
// for a new video is reset to pending.
func (s *Service) UpdateMetadata(ctx context.Context, ref media.EntityRef, parentID string, meta media.Metadata) (UpdateResult, error) {
	for attempt := 0; attempt < maxWriteAttempts; attempt++ {
		current, err := s.store.Get(ctx, ref)
		exists := true
		if errors.Is(err, ErrNotFound) {
			exists = false
		} else if err != nil {
			s.logError(opUpdate, "store_failed", err, ref)
			return UpdateResult{}, newServiceError(opUpdate, "store_failed", err)
		}

		oldMeta := media.Metadata{}
		parent := parentID
		if exists {
			oldMeta, err = current.Metadata()
			if err != nil {
				return UpdateResult{}, newServiceError(opUpdate, "decode_failed", err)
			}
			if parent == "" {
				parent = current.ParentID
			}
		}
		if err := validateParent(ref, parent); err != nil {
			return UpdateResult{}, newServiceError(opUpdate, "invalid_parent", err)
		}
		newMeta, err := carryStatus(oldMeta, meta)
		if err != nil {
			return UpdateResult{}, newServiceError(opUpdate, "invalid_preview", err)
		}

		snapshot := s.detector.BeforeUpdate(ref, oldMeta)
		saved, err := s.store.CompareAndSetMetadata(ctx, ref, parent, newMeta, current.Revision)
		if errors.Is(err, ErrRevisionConflict) {
			continue
		}
		if err != nil {
			s.logError(opUpdate, "store_failed", err, ref)
			return UpdateResult{}, newServiceError(opUpdate, "store_failed", err)
		}
		decision := s.detector.AfterUpdate(ctx, ref, snapshot, newMeta)
		return UpdateResult{Entity: saved, Decision: decision}, nil
	}
	return UpdateResult{}, newServiceError(opUpdate, "conflict", ErrRevisionConflict)
}

// Delete removes remote assets owned by the entity, then the entity. Remote
// cleanup failures are logged by the detector and never block the delete.
func (s *Service) Delete(ctx context.Context, ref media.EntityRef) (metadiff.DeleteResult, error) {
	current, err := s.store.Get(ctx, ref)
	if errors.Is(err, ErrNotFound) {
		return metadiff.DeleteResult{}, nil
	}
	if err != nil {
		s.logError(opDelete, "store_failed", err, ref)
		return metadiff.DeleteResult{}, newServiceError(opDelete, "store_failed", err)
	}
	meta, err := current.Metadata()
	if err != nil {
		s.logger.Warn("entity metadata undecodable, deleting without remote cleanup",
			zap.String("entity", ref.Key()), zap.Error(err))
		meta = media.Metadata{}
	}
	result := s.detector.BeforeDelete(ctx, ref, meta)
	if err := s.store.Delete(ctx, ref); err != nil {
		s.logError(opDelete, "store_failed", err, ref)
		return result, newServiceError(opDelete, "store_failed", err)
	}
	return result, nil
}

func validateParent(ref media.EntityRef, parentID string) error {
	switch ref.Type {
	case media.EntityComment:
		if parentID == "" {
			return fmt.Errorf("%w: comment requires a parent post", ErrInvalidParent)
		}
	case media.EntityPost:
		if parentID != "" {
			return fmt.Errorf("%w: posts have no parent", ErrInvalidParent)
		}
	}
	return nil
}

func carryStatus(oldMeta, newMeta media.Metadata) (media.Metadata, error) {
	incoming, ok, err := media.PreviewFrom(newMeta)
	if err != nil {
		return nil, err
	}
	if !ok {
		return newMeta.Clone(), nil
	}
	previous, hadPrevious, _ := media.PreviewFrom(oldMeta)
	if hadPrevious && previous.Ref() == incoming.Ref() {
		incoming.Status = previous.Status
		incoming.ConfirmedAt = previous.ConfirmedAt
		if incoming.Thumbnail == "" {
			incoming.Thumbnail = previous.Thumbnail
		}
		if incoming.Routing == (media.Routing{}) {
			incoming.Routing = previous.Routing
		}
	} else {
		incoming.Status = media.StatusPending
		incoming.ConfirmedAt = nil
	}
	return media.WithPreview(newMeta, incoming)
}

func (s *Service) logError(operation, reason string, err error, ref media.EntityRef) {
	fields := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
		zap.String("entity", ref.Key()),
	}
	if err != nil {
		fields = append(fields, zap.Error(err))
	}
	s.logger.Error("content service error", fields...)
}

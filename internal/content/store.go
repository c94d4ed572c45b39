package content

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/MarcoPoloResearchLab/mediavault/internal/media"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates the entity does not exist.
	ErrNotFound = errors.New("content: entity not found")
	// ErrRevisionConflict indicates the entity changed since it was read.
	ErrRevisionConflict = errors.New("content: revision conflict")
)

// StoreConfig describes Store dependencies.
type StoreConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Store persists content entities with revision compare-and-set writes.
type Store struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("content: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, clock: clock, logger: logger}, nil
}

// Get loads one entity.
func (s *Store) Get(ctx context.Context, ref media.EntityRef) (Entity, error) {
	var entity Entity
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND entity_id = ?", string(ref.Type), ref.ID).
		Take(&entity).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entity{}, ErrNotFound
	}
	if err != nil {
		return Entity{}, err
	}
	return entity, nil
}

// CompareAndSetMetadata writes meta when the stored revision equals
// expected. An expected revision of zero creates the entity.
func (s *Store) CompareAndSetMetadata(ctx context.Context, ref media.EntityRef, parentID string, meta media.Metadata, expected int64) (Entity, error) {
	encoded, err := encodeMetadata(meta)
	if err != nil {
		return Entity{}, err
	}
	provider, videoID := videoColumns(meta)
	now := s.clock().UTC()

	if expected == 0 {
		entity := Entity{
			EntityType:    string(ref.Type),
			EntityID:      ref.ID,
			ParentID:      parentID,
			Meta:          encoded,
			VideoProvider: provider,
			VideoID:       videoID,
			Revision:      1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		result := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&entity)
		if result.Error != nil {
			return Entity{}, result.Error
		}
		if result.RowsAffected == 0 {
			return Entity{}, ErrRevisionConflict
		}
		return entity, nil
	}

	var updated Entity
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result := tx.Model(&Entity{}).
			Where("entity_type = ? AND entity_id = ? AND revision = ?", string(ref.Type), ref.ID, expected).
			Updates(map[string]interface{}{
				"meta":           encoded,
				"video_provider": provider,
				"video_id":       videoID,
				"revision":       expected + 1,
				"updated_at":     now,
			})
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrRevisionConflict
		}
		return tx.Where("entity_type = ? AND entity_id = ?", string(ref.Type), ref.ID).Take(&updated).Error
	})
	if err != nil {
		if errors.Is(err, ErrRevisionConflict) {
			s.logger.Debug("content revision conflict",
				zap.String("entity", ref.Key()),
				zap.Int64("expected_revision", expected))
		}
		return Entity{}, err
	}
	return updated, nil
}

// Children lists the comments of a post ordered by id.
func (s *Store) Children(ctx context.Context, parent media.EntityRef) ([]Entity, error) {
	if parent.Type != media.EntityPost {
		return nil, nil
	}
	var children []Entity
	err := s.db.WithContext(ctx).
		Where("entity_type = ? AND parent_id = ?", string(media.EntityComment), parent.ID).
		Order("entity_id ASC").
		Find(&children).Error
	return children, err
}

// FindByVideo lists entities embedding videoID. An empty provider matches any.
func (s *Store) FindByVideo(ctx context.Context, provider media.Provider, videoID string) ([]Entity, error) {
	if videoID == "" {
		return nil, nil
	}
	query := s.db.WithContext(ctx).Where("video_id = ?", videoID)
	if provider != "" {
		query = query.Where("video_provider = ?", provider.String())
	}
	var owners []Entity
	err := query.Order("entity_type ASC, entity_id ASC").Find(&owners).Error
	return owners, err
}

// Delete removes the entity and, for posts, its comments. Deleting a
// missing entity is not an error.
func (s *Store) Delete(ctx context.Context, ref media.EntityRef) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if ref.Type == media.EntityPost {
			if err := tx.Where("entity_type = ? AND parent_id = ?", string(media.EntityComment), ref.ID).
				Delete(&Entity{}).Error; err != nil {
				return err
			}
		}
		return tx.Where("entity_type = ? AND entity_id = ?", string(ref.Type), ref.ID).
			Delete(&Entity{}).Error
	})
}

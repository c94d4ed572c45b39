package settings

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrNotFound indicates no value is stored under the key.
	ErrNotFound = errors.New("settings: not found")
	// ErrRevisionConflict indicates the stored revision moved since it was read.
	ErrRevisionConflict = errors.New("settings: revision conflict")
	// ErrInvalidKey indicates an empty namespace or key.
	ErrInvalidKey = errors.New("settings: invalid key")
)

// Setting is one namespaced value. Values are opaque to the store; callers
// encrypt before writing.
type Setting struct {
	Namespace string    `gorm:"column:namespace;primaryKey;size:64;not null"`
	Key       string    `gorm:"column:setting_key;primaryKey;size:190;not null"`
	Value     string    `gorm:"column:value;type:text;not null"`
	Revision  int64     `gorm:"column:revision;not null;default:1"`
	UpdatedAt time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

// TableName binds Setting to its table.
func (Setting) TableName() string {
	return "settings"
}

// Entry is a value together with the revision it was read at.
type Entry struct {
	Value    string
	Revision int64
}

// StoreConfig describes Store dependencies.
type StoreConfig struct {
	Database *gorm.DB
	Logger   *zap.Logger
}

// Store is a gorm-backed key/value store with compare-and-set writes.
type Store struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewStore constructs a Store.
func NewStore(cfg StoreConfig) (*Store, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("settings: database connection required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: cfg.Database, logger: logger}, nil
}

// Get returns the entry stored under namespace/key.
func (s *Store) Get(ctx context.Context, namespace, key string) (Entry, error) {
	if err := validateKey(namespace, key); err != nil {
		return Entry{}, err
	}
	var setting Setting
	err := s.db.WithContext(ctx).
		Where("namespace = ? AND setting_key = ?", namespace, key).
		Take(&setting).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Entry{}, ErrNotFound
	}
	if err != nil {
		return Entry{}, err
	}
	return Entry{Value: setting.Value, Revision: setting.Revision}, nil
}

// CompareAndSwap writes value when the stored revision equals expected.
// An expected revision of zero means the key must not exist yet.
// It returns the new revision.
func (s *Store) CompareAndSwap(ctx context.Context, namespace, key, value string, expected int64) (int64, error) {
	if err := validateKey(namespace, key); err != nil {
		return 0, err
	}
	if expected == 0 {
		result := s.db.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&Setting{Namespace: namespace, Key: key, Value: value, Revision: 1})
		if result.Error != nil {
			return 0, result.Error
		}
		if result.RowsAffected == 0 {
			return 0, ErrRevisionConflict
		}
		return 1, nil
	}

	result := s.db.WithContext(ctx).
		Model(&Setting{}).
		Where("namespace = ? AND setting_key = ? AND revision = ?", namespace, key, expected).
		Updates(map[string]interface{}{
			"value":      value,
			"revision":   expected + 1,
			"updated_at": time.Now().UTC(),
		})
	if result.Error != nil {
		return 0, result.Error
	}
	if result.RowsAffected == 0 {
		s.logger.Debug("settings revision conflict",
			zap.String("namespace", namespace),
			zap.String("key", key),
			zap.Int64("expected_revision", expected))
		return 0, ErrRevisionConflict
	}
	return expected + 1, nil
}

// Update re-reads the entry, applies mutate and writes it back, retrying on
// revision conflicts. mutate receives ErrNotFound-free input: a missing key is
// presented as found=false.
func (s *Store) Update(ctx context.Context, namespace, key string, mutate func(current string, found bool) (string, error)) error {
	const maxAttempts = 5
	for attempt := 0; attempt < maxAttempts; attempt++ {
		entry, err := s.Get(ctx, namespace, key)
		found := true
		if errors.Is(err, ErrNotFound) {
			found = false
		} else if err != nil {
			return err
		}
		next, err := mutate(entry.Value, found)
		if err != nil {
			return err
		}
		if _, err := s.CompareAndSwap(ctx, namespace, key, next, entry.Revision); err != nil {
			if errors.Is(err, ErrRevisionConflict) {
				continue
			}
			return err
		}
		return nil
	}
	return ErrRevisionConflict
}

// Put overwrites the value unconditionally.
func (s *Store) Put(ctx context.Context, namespace, key, value string) error {
	return s.Update(ctx, namespace, key, func(string, bool) (string, error) {
		return value, nil
	})
}

// Delete removes the key. Deleting a missing key is not an error.
func (s *Store) Delete(ctx context.Context, namespace, key string) error {
	if err := validateKey(namespace, key); err != nil {
		return err
	}
	return s.db.WithContext(ctx).
		Where("namespace = ? AND setting_key = ?", namespace, key).
		Delete(&Setting{}).Error
}

func validateKey(namespace, key string) error {
	if strings.TrimSpace(namespace) == "" || strings.TrimSpace(key) == "" {
		return ErrInvalidKey
	}
	return nil
}

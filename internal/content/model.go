package content

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/mediavault/internal/media"
	"gorm.io/datatypes"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidEntityID indicates an empty or oversized entity identifier.
	ErrInvalidEntityID = errors.New("content: invalid entity id")
	// ErrInvalidParent indicates a comment without a parent post or a post with one.
	ErrInvalidParent = errors.New("content: invalid parent")
)

// NewEntityRef validates raw input and returns an entity reference.
func NewEntityRef(rawType, rawID string) (media.EntityRef, error) {
	entityType, err := media.ParseEntityType(rawType)
	if err != nil {
		return media.EntityRef{}, err
	}
	id := strings.TrimSpace(rawID)
	if id == "" {
		return media.EntityRef{}, fmt.Errorf("%w: empty", ErrInvalidEntityID)
	}
	if len(id) > maxIdentifierLength {
		return media.EntityRef{}, fmt.Errorf("%w: exceeds %d characters", ErrInvalidEntityID, maxIdentifierLength)
	}
	return media.EntityRef{Type: entityType, ID: id}, nil
}

// Entity is a post or comment and its metadata. The video columns mirror
// the media_preview blob so webhooks can find owners without scanning JSON.
type Entity struct {
	EntityType    string         `gorm:"column:entity_type;primaryKey;size:32;not null"`
	EntityID      string         `gorm:"column:entity_id;primaryKey;size:190;not null"`
	ParentID      string         `gorm:"column:parent_id;size:190;index:idx_content_parent"`
	Meta          datatypes.JSON `gorm:"column:meta;not null"`
	VideoProvider string         `gorm:"column:video_provider;size:32;index:idx_content_video,priority:1"`
	VideoID       string         `gorm:"column:video_id;size:190;index:idx_content_video,priority:2"`
	Revision      int64          `gorm:"column:revision;not null;default:1"`
	CreatedAt     time.Time      `gorm:"column:created_at"`
	UpdatedAt     time.Time      `gorm:"column:updated_at"`
}

// TableName binds Entity to its table.
func (Entity) TableName() string {
	return "content_entities"
}

// Ref returns the entity reference.
func (e Entity) Ref() media.EntityRef {
	return media.EntityRef{Type: media.EntityType(e.EntityType), ID: e.EntityID}
}

// Metadata decodes the stored metadata map.
func (e Entity) Metadata() (media.Metadata, error) {
	meta := media.Metadata{}
	if len(e.Meta) == 0 {
		return meta, nil
	}
	if err := json.Unmarshal(e.Meta, &meta); err != nil {
		return nil, fmt.Errorf("content: decode metadata: %w", err)
	}
	return meta, nil
}

// Preview returns the embedded media preview, if any.
func (e Entity) Preview() (media.Preview, bool, error) {
	meta, err := e.Metadata()
	if err != nil {
		return media.Preview{}, false, err
	}
	return media.PreviewFrom(meta)
}

func encodeMetadata(meta media.Metadata) (datatypes.JSON, error) {
	if meta == nil {
		meta = media.Metadata{}
	}
	encoded, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("content: encode metadata: %w", err)
	}
	return datatypes.JSON(encoded), nil
}

// videoColumns derives the denormalised video index from meta. An
// undecodable preview indexes as no video.
func videoColumns(meta media.Metadata) (string, string) {
	preview, ok, err := media.PreviewFrom(meta)
	if err != nil || !ok {
		return "", ""
	}
	return preview.Provider.String(), preview.VideoID
}

// SyncVideoIndex recomputes the video columns from Meta and reports
// whether they changed.
func (e *Entity) SyncVideoIndex() (bool, error) {
	meta, err := e.Metadata()
	if err != nil {
		return false, err
	}
	provider, videoID := videoColumns(meta)
	if provider == e.VideoProvider && videoID == e.VideoID {
		return false, nil
	}
	e.VideoProvider = provider
	e.VideoID = videoID
	return true, nil
}

package reconcile

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/mediavault/internal/media"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// WebhookEvent records a verified delivery so redelivery is a no-op.
type WebhookEvent struct {
	Provider   string    `gorm:"column:provider;primaryKey;size:32;not null"`
	EventKey   string    `gorm:"column:event_key;primaryKey;size:64;not null"`
	VideoID    string    `gorm:"column:video_id;size:190"`
	ReceivedAt time.Time `gorm:"column:received_at;not null"`
}

// TableName binds WebhookEvent to its table.
func (WebhookEvent) TableName() string {
	return "webhook_events"
}

// EventKey is the SHA-256 of a verified body.
func EventKey(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

const (
	// DefaultRetention keeps claims well past any provider redelivery window.
	DefaultRetention = 30 * 24 * time.Hour
	pruneInterval    = time.Hour
)

// Ledger is the processed-event table. Claims older than the retention are
// pruned at most once per hour, piggybacking on Claim.
type Ledger struct {
	db        *gorm.DB
	retention time.Duration

	mu         sync.Mutex
	lastPruned time.Time
}

// NewLedger wraps db with DefaultRetention.
func NewLedger(db *gorm.DB) *Ledger {
	return &Ledger{db: db, retention: DefaultRetention}
}

// WithRetention overrides how long claims are kept. Non-positive values keep
// the current setting.
func (l *Ledger) WithRetention(retention time.Duration) *Ledger {
	if retention > 0 {
		l.retention = retention
	}
	return l
}

// Claim inserts the event and reports whether this call was first.
func (l *Ledger) Claim(ctx context.Context, provider media.Provider, key, videoID string, at time.Time) (bool, error) {
	l.maybePrune(ctx, at)
	result := l.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(&WebhookEvent{Provider: provider.String(), EventKey: key, VideoID: videoID, ReceivedAt: at.UTC()})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Release forgets a claim so a later redelivery is processed again.
func (l *Ledger) Release(ctx context.Context, provider media.Provider, key string) error {
	return l.db.WithContext(ctx).
		Where("provider = ? AND event_key = ?", provider.String(), key).
		Delete(&WebhookEvent{}).Error
}

// Prune deletes claims received before now minus the retention.
func (l *Ledger) Prune(ctx context.Context, now time.Time) (int64, error) {
	result := l.db.WithContext(ctx).
		Where("received_at < ?", now.UTC().Add(-l.retention)).
		Delete(&WebhookEvent{})
	return result.RowsAffected, result.Error
}

func (l *Ledger) maybePrune(ctx context.Context, now time.Time) {
	l.mu.Lock()
	due := now.Sub(l.lastPruned) >= pruneInterval
	if due {
		l.lastPruned = now
	}
	l.mu.Unlock()
	if !due {
		return
	}
	// A failed prune is retried on the next interval; the claim itself proceeds.
	_, _ = l.Prune(ctx, now)
}

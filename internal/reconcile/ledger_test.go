package reconcile

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/mediavault/internal/media"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func TestLedgerPrunesClaimsPastRetention(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(filepath.Join(t.TempDir(), "ledger.db")), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&WebhookEvent{}); err != nil {
		t.Fatalf("failed to migrate: %v", err)
	}
	ledger := NewLedger(db).WithRetention(24 * time.Hour)
	ctx := context.Background()
	start := time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC)

	fresh, err := ledger.Claim(ctx, media.ProviderBunny, "old-event", "bn-1", start)
	if err != nil || !fresh {
		t.Fatalf("expected first claim, fresh=%v err=%v", fresh, err)
	}
	fresh, err = ledger.Claim(ctx, media.ProviderBunny, "old-event", "bn-1", start.Add(time.Minute))
	if err != nil || fresh {
		t.Fatalf("expected redelivery inside retention to be a duplicate, fresh=%v err=%v", fresh, err)
	}

	later := start.Add(25 * time.Hour)
	if _, err := ledger.Claim(ctx, media.ProviderBunny, "new-event", "bn-2", later); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	var remaining int64
	if err := db.Model(&WebhookEvent{}).Count(&remaining).Error; err != nil {
		t.Fatalf("failed to count events: %v", err)
	}
	if remaining != 1 {
		t.Fatalf("expected expired claim to be pruned, %d rows remain", remaining)
	}

	pruned, err := ledger.Prune(ctx, later.Add(48*time.Hour))
	if err != nil || pruned != 1 {
		t.Fatalf("expected explicit prune to remove one row, got %d err=%v", pruned, err)
	}
}

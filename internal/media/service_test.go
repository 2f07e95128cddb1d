package media

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/chats"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:media_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := db.AutoMigrate(&Media{}); err != nil {
		t.Fatalf("failed to migrate media: %v", err)
	}
	service, err := NewService(ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service, db
}

func mustCreate(t *testing.T, service *Service, mediaID string) Media {
	t.Helper()
	contentType := "image/png"
	item, err := service.Change(context.Background(), ChangeCommand{
		MediaID: mediaID,
		Change:  chats.CreateChange(MediaDiff{ContentType: &contentType}),
	})
	if err != nil {
		t.Fatalf("failed to create %s: %v", mediaID, err)
	}
	return item
}

func TestSplitID(t *testing.T) {
	scopeID, localID, err := SplitID("place:p1:general:photo")
	if err != nil {
		t.Fatalf("SplitID failed: %v", err)
	}
	if scopeID != "place:p1:general" || localID != "photo" {
		t.Fatalf("unexpected parts %q %q", scopeID, localID)
	}
	for _, input := range []string{"", "photo", ":photo", "c1:"} {
		if _, _, err := SplitID(input); err == nil {
			t.Fatalf("expected %q to be rejected", input)
		}
	}
}

func TestCopyRescopesOnlySourceMedia(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()
	mustCreate(t, service, "c1:photo")
	mustCreate(t, service, "c1:video")
	mustCreate(t, service, "c2:forwarded")

	remap, err := service.Copy(ctx, "c1", "place:p1:c1", []string{"c1:photo", "c2:forwarded", "c1:photo", "c1:missing"})
	if err != nil {
		t.Fatalf("Copy failed: %v", err)
	}
	if len(remap) != 1 || remap["c1:photo"] != "place:p1:c1:photo" {
		t.Fatalf("unexpected remap %v", remap)
	}
	copied, err := service.Get(ctx, "place:p1:c1:photo")
	if err != nil || copied == nil {
		t.Fatalf("expected copied media, got %v (%v)", copied, err)
	}
	if copied.ScopeID != "place:p1:c1" || copied.LocalID != "photo" || copied.ContentType != "image/png" {
		t.Fatalf("unexpected copy %+v", copied)
	}

	again, err := service.Copy(ctx, "c1", "place:p1:c1", []string{"c1:photo"})
	if err != nil {
		t.Fatalf("second Copy failed: %v", err)
	}
	if again["c1:photo"] != "place:p1:c1:photo" {
		t.Fatalf("expected repeated copy to report the existing item, got %v", again)
	}
	var count int64
	if err := db.Model(&Media{}).Where("scope_id = ?", "place:p1:c1").Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one copied row, got %d", count)
	}
}

func TestChangeVersioning(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	generated, err := service.Change(ctx, ChangeCommand{ScopeID: "c1", Change: chats.CreateChange(MediaDiff{})})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if generated.ScopeID != "c1" || generated.LocalID == "" {
		t.Fatalf("unexpected generated media %+v", generated)
	}
	if _, err := service.Change(ctx, ChangeCommand{MediaID: generated.ID, Change: chats.CreateChange(MediaDiff{})}); !errors.Is(err, chats.ErrConstraint) {
		t.Fatalf("expected duplicate create to fail, got %v", err)
	}

	width := 640
	_, err = service.Change(ctx, ChangeCommand{
		MediaID:         generated.ID,
		ExpectedVersion: generated.Version + 1,
		Change:          chats.UpdateChange(MediaDiff{Width: &width}),
	})
	if !errors.Is(err, chats.ErrConcurrency) {
		t.Fatalf("expected concurrency error, got %v", err)
	}
	updated, err := service.Change(ctx, ChangeCommand{
		MediaID:         generated.ID,
		ExpectedVersion: generated.Version,
		Change:          chats.UpdateChange(MediaDiff{Width: &width}),
	})
	if err != nil {
		t.Fatalf("update failed: %v", err)
	}
	if updated.Width != 640 || updated.Version <= generated.Version {
		t.Fatalf("unexpected update %+v", updated)
	}

	if _, err := service.Change(ctx, ChangeCommand{
		MediaID:         generated.ID,
		ExpectedVersion: updated.Version,
		Change:          chats.RemoveChange[MediaDiff](),
	}); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	missing, err := service.Get(ctx, generated.ID)
	if err != nil || missing != nil {
		t.Fatalf("expected media to be gone, got %v (%v)", missing, err)
	}
	if _, err := service.Change(ctx, ChangeCommand{MediaID: generated.ID, Change: chats.RemoveChange[MediaDiff]()}); !errors.Is(err, chats.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

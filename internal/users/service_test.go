package users

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/auth"
	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:users_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
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
	if err := db.AutoMigrate(&Account{}); err != nil {
		t.Fatalf("failed to migrate account schema: %v", err)
	}
	service, err := NewService(ServiceConfig{
		Database: db,
		Clock: func() time.Time {
			return time.Unix(1, 0)
		},
	})
	if err != nil {
		t.Fatalf("failed to create service: %v", err)
	}
	return service
}

func TestResolveUserIDCreatesAccountOnce(t *testing.T) {
	service := newTestService(t)
	principal := auth.Principal{UserID: "12345", DisplayName: "Example User"}
	userID, err := service.ResolveUserID(context.Background(), principal)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("unexpected user id %q", userID)
	}

	// second call should hit cache and not create a duplicate record.
	userID, err = service.ResolveUserID(context.Background(), auth.Principal{UserID: "12345", DisplayName: "Renamed"})
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if userID != "12345" {
		t.Fatalf("expected user id to remain stable, got %q", userID)
	}

	account, err := service.GetAccount(context.Background(), "12345")
	if err != nil || account == nil {
		t.Fatalf("expected account to exist: %v", err)
	}
	if account.IsGuest || account.IsAdmin || account.DisplayName != "Example User" {
		t.Fatalf("unexpected account %+v", account)
	}
	if _, err := service.ResolveUserID(context.Background(), auth.Principal{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected empty principal to be rejected, got %v", err)
	}
}

func TestResolveUserIDMarksGuestsAndAdmins(t *testing.T) {
	service := newTestService(t)
	guestID, err := service.ResolveUserID(context.Background(), auth.Principal{UserID: "guest-1", IsGuest: true})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	adminID, err := service.ResolveUserID(context.Background(), auth.Principal{UserID: "root", IsAdmin: true})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	guest, err := service.GetAccount(context.Background(), guestID)
	if err != nil || guest == nil || !guest.IsGuest {
		t.Fatalf("expected guest account, got %+v (%v)", guest, err)
	}
	admin, err := service.GetAccount(context.Background(), adminID)
	if err != nil || admin == nil || !admin.IsAdmin {
		t.Fatalf("expected admin account, got %+v (%v)", admin, err)
	}
}

func TestGetAccountMissingReturnsNil(t *testing.T) {
	service := newTestService(t)
	account, err := service.GetAccount(context.Background(), "nobody")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if account != nil {
		t.Fatalf("expected nil account, got %+v", account)
	}
}

func TestUpsertAccountRefreshesCache(t *testing.T) {
	service := newTestService(t)
	if _, err := service.UpsertAccount(context.Background(), Account{ID: "u1"}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	if _, err := service.UpsertAccount(context.Background(), Account{ID: "u1", IsAdmin: true}); err != nil {
		t.Fatalf("second upsert failed: %v", err)
	}
	account, err := service.GetAccount(context.Background(), "u1")
	if err != nil || account == nil {
		t.Fatalf("expected account: %v", err)
	}
	if !account.IsAdmin {
		t.Fatalf("expected updated admin flag")
	}
	if _, err := service.UpsertAccount(context.Background(), Account{ID: " "}); err == nil {
		t.Fatalf("expected empty id to be rejected")
	}
}

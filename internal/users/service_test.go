package users

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/auth"
)

func newTestService(t *testing.T) (*Service, *gorm.DB) {
	t.Helper()
	dsn := fmt.Sprintf("file:users_test_%d?mode=memory&cache=shared", time.Now().UnixNano())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	if err := db.AutoMigrate(&Profile{}); err != nil {
		t.Fatalf("failed to migrate profile schema: %v", err)
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
	return service, db
}

func TestResolveOwnerStripsProviderPrefix(t *testing.T) {
	service, db := newTestService(t)

	claims := auth.SessionClaims{
		UserID:          "google:12345",
		UserEmail:       "user@example.com",
		UserDisplayName: "Example User",
	}
	owner, err := service.ResolveOwner(context.Background(), claims)
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if owner.Key != "12345" {
		t.Fatalf("expected owner key without provider prefix, got %q", owner.Key)
	}
	if owner.DisplayName != "Example User" {
		t.Fatalf("unexpected display name %q", owner.DisplayName)
	}

	// second call should hit cache and not create a duplicate profile.
	owner, err = service.ResolveOwner(context.Background(), claims)
	if err != nil {
		t.Fatalf("second resolve failed: %v", err)
	}
	if owner.Key != "12345" {
		t.Fatalf("expected owner key to remain stable, got %q", owner.Key)
	}
	var count int64
	if err := db.Model(&Profile{}).Count(&count).Error; err != nil {
		t.Fatalf("count failed: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected a single profile, got %d", count)
	}
}

func TestResolveOwnerRefreshesDisplayName(t *testing.T) {
	service, db := newTestService(t)
	ctx := context.Background()

	if _, err := service.ResolveOwner(ctx, auth.SessionClaims{UserID: "u1", UserDisplayName: "Old Name"}); err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	owner, err := service.ResolveOwner(ctx, auth.SessionClaims{UserID: "u1", UserDisplayName: "New Name"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if owner.DisplayName != "New Name" {
		t.Fatalf("expected refreshed display name, got %q", owner.DisplayName)
	}

	var stored Profile
	if err := db.Where("subject = ?", "u1").First(&stored).Error; err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if stored.DisplayName != "New Name" {
		t.Fatalf("expected persisted display name, got %q", stored.DisplayName)
	}
}

func TestResolveOwnerDisplayNameFallbacks(t *testing.T) {
	service, _ := newTestService(t)
	ctx := context.Background()

	fromEmail, err := service.ResolveOwner(ctx, auth.SessionClaims{UserID: "u2", UserEmail: "lucky.farmer@example.com"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if fromEmail.DisplayName != "lucky.farmer" {
		t.Fatalf("expected email local part, got %q", fromEmail.DisplayName)
	}

	anonymous, err := service.ResolveOwner(ctx, auth.SessionClaims{UserID: "u3"})
	if err != nil {
		t.Fatalf("resolve failed: %v", err)
	}
	if anonymous.DisplayName != AnonymousDisplayName {
		t.Fatalf("expected anonymous display name, got %q", anonymous.DisplayName)
	}
}

func TestResolveOwnerRejectsEmptyClaims(t *testing.T) {
	service, _ := newTestService(t)
	if _, err := service.ResolveOwner(context.Background(), auth.SessionClaims{}); !errors.Is(err, ErrInvalidIdentity) {
		t.Fatalf("expected invalid identity, got %v", err)
	}
}

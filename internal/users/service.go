package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/auth"
	"github.com/MarcoPoloResearchLab/tokenfarm/backend/internal/records"
)

// AnonymousDisplayName is used when neither the claims nor the profile carry a usable name.
const AnonymousDisplayName = "Anonymous Farmer"

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// Owner is the verified submitter as seen by the ingestion guard.
type Owner struct {
	Key         records.OwnerKey
	DisplayName string
}

// ServiceConfig describes the dependencies required for owner resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service resolves session claims to owners and keeps their profiles current.
type Service struct {
	db     *gorm.DB
	now    func() time.Time
	logger *zap.Logger
	cache  sync.Map
}

func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{db: cfg.Database, now: clock, logger: logger}, nil
}

// ResolveOwner returns the owner for the provided session claims, creating a profile on first sight.
func (s *Service) ResolveOwner(ctx context.Context, claims auth.SessionClaims) (Owner, error) {
	provider, subject := deriveProviderSubject(claims)
	if subject == "" {
		return Owner{}, ErrInvalidIdentity
	}
	claimedName := normalize(claims.UserDisplayName)

	cacheKey := provider + ":" + subject
	if cached, ok := s.cache.Load(cacheKey); ok {
		owner, ok := cached.(Owner)
		if ok && (claimedName == "" || claimedName == owner.DisplayName) {
			return owner, nil
		}
	}

	db := s.db.WithContext(ctx)
	var profile Profile
	err := db.Where("provider = ? AND subject = ?", provider, subject).First(&profile).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		profile = Profile{
			Provider:    provider,
			Subject:     subject,
			OwnerKey:    subject,
			Email:       normalize(claims.UserEmail),
			DisplayName: claimedName,
			LastSeenAt:  s.now(),
		}
		if err := db.Create(&profile).Error; err != nil {
			return Owner{}, err
		}
	case err != nil:
		return Owner{}, err
	default:
		updates := map[string]interface{}{"last_seen_at": s.now()}
		if email := normalize(claims.UserEmail); email != "" && email != profile.Email {
			updates["email"] = email
			profile.Email = email
		}
		if claimedName != "" && claimedName != profile.DisplayName {
			updates["display_name"] = claimedName
			profile.DisplayName = claimedName
		}
		if err := db.Model(&Profile{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(updates).Error; err != nil {
			s.logger.Warn("owner profile update failed",
				zap.String("owner_key", profile.OwnerKey),
				zap.Error(err))
		}
	}

	key, err := records.NewOwnerKey(profile.OwnerKey)
	if err != nil {
		return Owner{}, fmt.Errorf("%w: %v", ErrInvalidIdentity, err)
	}
	owner := Owner{Key: key, DisplayName: displayName(profile)}
	s.cache.Store(cacheKey, owner)
	return owner, nil
}

func displayName(profile Profile) string {
	if profile.DisplayName != "" {
		return profile.DisplayName
	}
	if local, _, found := strings.Cut(profile.Email, "@"); found && normalize(local) != "" {
		return normalize(local)
	}
	return AnonymousDisplayName
}

func deriveProviderSubject(claims auth.SessionClaims) (string, string) {
	provider := "default"
	subject := normalize(claims.Subject)

	raw := normalize(claims.UserID)
	if raw != "" {
		if strings.Contains(raw, ":") {
			segments := strings.SplitN(raw, ":", 2)
			if normalize(segments[0]) != "" && normalize(segments[1]) != "" {
				provider = normalize(segments[0])
				subject = normalize(segments[1])
			}
		} else if subject == "" {
			subject = raw
		}
	}

	if subject == "" {
		subject = normalize(claims.UserEmail)
	}

	return provider, subject
}

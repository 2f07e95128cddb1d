package users

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/MarcoPoloResearchLab/gravity-chat/backend/internal/auth"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrInvalidIdentity indicates the claims did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// ServiceConfig describes the dependencies required for account resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service resolves accounts by user id with a read-through cache.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:    cfg.Database,
		now:   clock,
		cache: sync.Map{},
	}, nil
}

// GetAccount returns the account of userID, or nil when none exists.
func (s *Service) GetAccount(ctx context.Context, userID string) (*Account, error) {
	userID = normalize(userID)
	if userID == "" {
		return nil, nil
	}
	if cached, ok := s.cache.Load(userID); ok {
		if account, ok := cached.(Account); ok {
			return &account, nil
		}
	}

	var account Account
	err := s.db.WithContext(ctx).Where("id = ?", userID).First(&account).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	s.cache.Store(userID, account)
	return &account, nil
}

// UpsertAccount creates or replaces the account and refreshes the cache.
func (s *Service) UpsertAccount(ctx context.Context, account Account) (Account, error) {
	account.ID = normalize(account.ID)
	if account.ID == "" {
		return Account{}, ErrInvalidIdentity
	}
	if account.Status == "" {
		account.Status = AccountStatusActive
	}
	account.LastSeenAt = s.now()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"display_name", "avatar_id", "is_guest", "is_admin", "status", "last_seen_at"}),
	}).Create(&account).Error
	if err != nil {
		return Account{}, err
	}
	s.cache.Store(account.ID, account)
	return account, nil
}

// ResolveUserID returns the user id of the session principal, creating the
// account on first sight.
func (s *Service) ResolveUserID(ctx context.Context, principal auth.Principal) (string, error) {
	userID := normalize(principal.UserID)
	if userID == "" {
		return "", ErrInvalidIdentity
	}
	if _, ok := s.cache.Load(userID); ok {
		return userID, nil
	}
	existing, err := s.GetAccount(ctx, userID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		return userID, nil
	}
	_, err = s.UpsertAccount(ctx, Account{
		ID:          userID,
		DisplayName: normalize(principal.DisplayName),
		IsGuest:     principal.IsGuest,
		IsAdmin:     principal.IsAdmin,
	})
	if err != nil {
		return "", err
	}
	return userID, nil
}

// Package users resolves login credentials to canonical tenant-scoped user ids.
package users

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"gorm.io/gorm"
)

// ErrInvalidAccount indicates the login request did not carry a usable identity.
var ErrInvalidAccount = errors.New("users: invalid account")

// IDProvider issues identifiers for first-seen accounts.
type IDProvider interface {
	NewID() (string, error)
}

// ServiceConfig describes the dependencies required for account resolution.
type ServiceConfig struct {
	Database   *gorm.DB
	Clock      func() time.Time
	IDProvider IDProvider
}

// Service manages canonical user identifiers within a tenant.
type Service struct {
	db         *gorm.DB
	now        func() time.Time
	idProvider IDProvider
	cache      sync.Map
}

// NewService constructs the account service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	if cfg.IDProvider == nil {
		return nil, fmt.Errorf("users: id provider required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{
		db:         cfg.Database,
		now:        clock,
		idProvider: cfg.IDProvider,
		cache:      sync.Map{},
	}, nil
}

// ResolveUserID returns the canonical user id for the tenant and email,
// registering the account when the pair has not been seen before.
func (s *Service) ResolveUserID(tenantID, email string) (string, error) {
	tenant := normalize(tenantID)
	login := strings.ToLower(normalize(email))
	if tenant == "" || login == "" {
		return "", ErrInvalidAccount
	}

	cacheKey := tenant + ":" + login
	if cachedIdentifier, ok := s.cache.Load(cacheKey); ok {
		canonicalIdentifier, ok := cachedIdentifier.(string)
		if ok {
			return canonicalIdentifier, nil
		}
	}

	var account Account
	err := s.db.
		Where("tenant_id = ? AND email = ?", tenant, login).
		First(&account).
		Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		userID, idErr := s.idProvider.NewID()
		if idErr != nil {
			return "", idErr
		}
		account = Account{
			TenantID:   tenant,
			Email:      login,
			UserID:     userID,
			LastSeenAt: s.now(),
		}
		if err := s.db.Create(&account).Error; err != nil {
			return "", err
		}
	} else if err != nil {
		return "", err
	} else {
		_ = s.db.Model(&Account{}).
			Where("tenant_id = ? AND email = ?", tenant, login).
			Update("last_seen_at", s.now()).
			Error
	}

	s.cache.Store(cacheKey, account.UserID)
	return account.UserID, nil
}

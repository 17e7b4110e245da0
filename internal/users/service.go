// Package users resolves provider logins to stable account ids on the server.
package users

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const defaultProvider = "local"

// ErrInvalidIdentity indicates the login did not contain a usable identifier.
var ErrInvalidIdentity = errors.New("users: invalid identity")

// Login describes who is signing in. Subject may carry a "provider:" prefix.
type Login struct {
	Provider    string
	Subject     string
	Email       string
	DisplayName string
}

// ServiceConfig describes the dependencies required for identity resolution.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
}

// Service manages account ids and provider-specific identities.
type Service struct {
	db    *gorm.DB
	now   func() time.Time
	cache sync.Map
}

// NewService constructs the identity service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, fmt.Errorf("users: database connection required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Service{db: cfg.Database, now: clock}, nil
}

// ResolveUserID returns the account id for login, creating one on first sight.
// New accounts get a UUIDv7 so ids never leak the provider subject.
func (s *Service) ResolveUserID(ctx context.Context, login Login) (string, error) {
	provider, subject := deriveProviderSubject(login)
	if subject == "" {
		return "", ErrInvalidIdentity
	}

	cacheKey := identityKey(provider, subject)
	if cached, ok := s.cache.Load(cacheKey); ok {
		if userID, ok := cached.(string); ok {
			return userID, nil
		}
	}

	db := s.db.WithContext(ctx)
	seenAt := s.now().UTC()
	var identity Identity
	err := db.Where("provider = ? AND subject = ?", provider, subject).First(&identity).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		generated, err := uuid.NewV7()
		if err != nil {
			return "", err
		}
		identity = newIdentity(provider, subject, generated.String(), login, seenAt)
		if err := db.Create(&identity).Error; err != nil {
			return "", err
		}
	case err != nil:
		return "", err
	default:
		if err := db.Model(&Identity{}).
			Where("provider = ? AND subject = ?", provider, subject).
			Updates(identity.changes(login, seenAt)).Error; err != nil {
			return "", err
		}
	}

	s.cache.Store(cacheKey, identity.UserID)
	return identity.UserID, nil
}

func deriveProviderSubject(login Login) (string, string) {
	provider := strings.ToLower(strings.TrimSpace(login.Provider))
	subject := strings.TrimSpace(login.Subject)

	if provider == "" {
		if prefix, rest, found := strings.Cut(subject, ":"); found {
			prefix, rest = strings.TrimSpace(prefix), strings.TrimSpace(rest)
			if prefix != "" && rest != "" {
				provider, subject = strings.ToLower(prefix), rest
			}
		}
	}
	if subject == "" {
		subject = strings.ToLower(strings.TrimSpace(login.Email))
	}
	if provider == "" {
		provider = defaultProvider
	}
	return provider, subject
}

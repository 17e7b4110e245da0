package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoSession indicates that no user is signed in.
	ErrNoSession = errors.New("auth: no active session")
	// ErrMalformedToken indicates an access token without a readable subject.
	ErrMalformedToken = errors.New("auth: malformed access token")
)

// Session is the signed-in identity the sync core acts for.
type Session struct {
	UserID      string
	AccessToken string
	ExpiresAt   time.Time
}

// SessionProvider returns the current session, or nil when browsing as a guest.
type SessionProvider interface {
	Session(ctx context.Context) (*Session, error)
}

// TokenSession is a client-side SessionProvider backed by an access token issued
// by the remote API. The signature is verified by the server; the client only
// reads the subject and expiry.
type TokenSession struct {
	mu    sync.RWMutex
	token string
	clock func() time.Time
}

// NewTokenSession builds a session around token. An empty token means guest mode.
func NewTokenSession(token string, clock func() time.Time) *TokenSession {
	if clock == nil {
		clock = time.Now
	}
	return &TokenSession{token: strings.TrimSpace(token), clock: clock}
}

// SetToken switches the signed-in identity. An empty token signs out.
func (s *TokenSession) SetToken(token string) {
	s.mu.Lock()
	s.token = strings.TrimSpace(token)
	s.mu.Unlock()
}

// Session returns the current session, nil for guests or expired tokens.
func (s *TokenSession) Session(_ context.Context) (*Session, error) {
	s.mu.RLock()
	token := s.token
	s.mu.RUnlock()
	if token == "" {
		return nil, nil
	}

	claims := &jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}
	subject := strings.TrimSpace(claims.Subject)
	if subject == "" {
		return nil, ErrMalformedToken
	}
	session := &Session{UserID: subject, AccessToken: token}
	if claims.ExpiresAt != nil {
		session.ExpiresAt = claims.ExpiresAt.Time
		if !s.clock().Before(session.ExpiresAt) {
			return nil, nil
		}
	}
	return session, nil
}

// AccessToken returns the bearer token for remote calls.
func (s *TokenSession) AccessToken(ctx context.Context) (string, error) {
	session, err := s.Session(ctx)
	if err != nil {
		return "", err
	}
	if session == nil {
		return "", ErrNoSession
	}
	return session.AccessToken, nil
}

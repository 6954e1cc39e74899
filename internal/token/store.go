// Package token holds the access tokens obtained by completed handshakes.
// Tokens live only in memory for the lifetime of the process.
package token

import (
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/Dicklesworthstone/iiif_auth_broker/internal/relay"
)

// ErrNoAccessToken is returned by Set for a message without a token.
var ErrNoAccessToken = errors.New("message has no access token")

// Token is the credential for one auth service.
type Token struct {
	AccessToken string
	ServiceID   string
	LogoutURL   string
	ExpiresIn   time.Duration
	IssuedAt    time.Time
}

// ExpiresAt returns the zero time for tokens without an expiry.
func (t Token) ExpiresAt() time.Time {
	if t.ExpiresIn <= 0 {
		return time.Time{}
	}
	return t.IssuedAt.Add(t.ExpiresIn)
}

// Expired reports whether the token is past its expiry at now.
func (t Token) Expired(now time.Time) bool {
	exp := t.ExpiresAt()
	return !exp.IsZero() && !now.Before(exp)
}

// Store is the single source of truth for credentials attached to
// outbound resource requests.
type Store struct {
	mu     sync.RWMutex
	tokens map[string]Token
	now    func() time.Time
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{
		tokens: make(map[string]Token),
		now:    time.Now,
	}
}

// Set stores the token from msg under serviceID, replacing any prior one.
func (s *Store) Set(msg relay.Message, serviceID, logoutURL string) error {
	if strings.TrimSpace(msg.AccessToken) == "" {
		return ErrNoAccessToken
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens[serviceID] = Token{
		AccessToken: msg.AccessToken,
		ServiceID:   serviceID,
		LogoutURL:   logoutURL,
		ExpiresIn:   lifetime(msg.ExpiresIn),
		IssuedAt:    s.now(),
	}
	return nil
}

// lifetime converts seconds to a Duration without wrapping.
func lifetime(seconds int64) time.Duration {
	if seconds <= 0 {
		return 0
	}
	if seconds > relay.MaxExpiresIn {
		seconds = relay.MaxExpiresIn
	}
	return time.Duration(seconds) * time.Second
}

// Get returns the live token for serviceID. Expired tokens are absent.
func (s *Store) Get(serviceID string) (Token, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.tokens[serviceID]
	if !ok || t.Expired(s.now()) {
		return Token{}, false
	}
	return t, true
}

// Has reports whether a live token exists for serviceID.
func (s *Store) Has(serviceID string) bool {
	_, ok := s.Get(serviceID)
	return ok
}

// Delete drops the token for serviceID and returns it, e.g. on logout.
func (s *Store) Delete(serviceID string) (Token, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[serviceID]
	delete(s.tokens, serviceID)
	return t, ok
}

// AuthorizationHeader returns the Authorization header value for
// serviceID.
func (s *Store) AuthorizationHeader(serviceID string) (string, bool) {
	t, ok := s.Get(serviceID)
	if !ok {
		return "", false
	}
	return "Bearer " + t.AccessToken, true
}

// Len returns the number of stored tokens, expired ones included.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tokens)
}

// RedactToken returns a token form that is safe to log.
func RedactToken(tok string) string {
	if len(tok) <= 4 {
		return "[REDACTED]"
	}
	return tok[:2] + "..." + tok[len(tok)-2:]
}

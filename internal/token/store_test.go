package token

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Dicklesworthstone/iiif_auth_broker/internal/relay"
)

func TestStoreSetGet(t *testing.T) {
	s := NewStore()

	assert.False(t, s.Has("svc"))
	_, ok := s.Get("svc")
	assert.False(t, ok)

	require.NoError(t, s.Set(relay.Message{AccessToken: "abc"}, "svc", "https://auth/logout"))

	tok, ok := s.Get("svc")
	require.True(t, ok)
	assert.Equal(t, "abc", tok.AccessToken)
	assert.Equal(t, "svc", tok.ServiceID)
	assert.Equal(t, "https://auth/logout", tok.LogoutURL)
	assert.True(t, tok.ExpiresAt().IsZero())
	assert.True(t, s.Has("svc"))
}

func TestStoreSetRejectsEmptyToken(t *testing.T) {
	s := NewStore()
	err := s.Set(relay.Message{}, "svc", "")
	assert.ErrorIs(t, err, ErrNoAccessToken)
	assert.Equal(t, 0, s.Len())
}

func TestStoreOverwrite(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Set(relay.Message{AccessToken: "first"}, "svc", ""))
	require.NoError(t, s.Set(relay.Message{AccessToken: "second"}, "svc", ""))

	tok, ok := s.Get("svc")
	require.True(t, ok)
	assert.Equal(t, "second", tok.AccessToken)
	assert.Equal(t, 1, s.Len())
}

func TestStoreExpiry(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore()
	s.now = func() time.Time { return now }

	require.NoError(t, s.Set(relay.Message{AccessToken: "abc", ExpiresIn: 60}, "svc", ""))
	tok, ok := s.Get("svc")
	require.True(t, ok)
	assert.Equal(t, now.Add(time.Minute), tok.ExpiresAt())

	now = now.Add(59 * time.Second)
	assert.True(t, s.Has("svc"))

	now = now.Add(time.Second)
	assert.False(t, s.Has("svc"))
	_, ok = s.AuthorizationHeader("svc")
	assert.False(t, ok)
	assert.Equal(t, 1, s.Len(), "expired tokens stay until replaced or deleted")
}

func TestStoreHugeExpiryStaysLive(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := NewStore()
	s.now = func() time.Time { return now }

	msg, err := relay.Parse([]byte(`{"accessToken":"abc","expiresIn":18446744074}`))
	require.NoError(t, err)
	require.NoError(t, s.Set(msg, "svc", ""))

	// Built directly, bypassing Parse.
	require.NoError(t, s.Set(relay.Message{AccessToken: "def", ExpiresIn: math.MaxInt64}, "other", ""))

	now = now.Add(time.Second)
	assert.True(t, s.Has("svc"))
	assert.True(t, s.Has("other"))
	tok, ok := s.Get("other")
	require.True(t, ok)
	assert.True(t, tok.ExpiresAt().After(now.AddDate(200, 0, 0)))
}

func TestStoreDeleteAndHeader(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Set(relay.Message{AccessToken: "abc"}, "svc", "https://auth/logout"))

	h, ok := s.AuthorizationHeader("svc")
	require.True(t, ok)
	assert.Equal(t, "Bearer abc", h)

	tok, ok := s.Delete("svc")
	require.True(t, ok)
	assert.Equal(t, "https://auth/logout", tok.LogoutURL)
	assert.False(t, s.Has("svc"))

	_, ok = s.Delete("svc")
	assert.False(t, ok)
}

func TestStoreKeysAreIndependent(t *testing.T) {
	s := NewStore()
	require.NoError(t, s.Set(relay.Message{AccessToken: "a"}, "svc-a", ""))
	require.NoError(t, s.Set(relay.Message{AccessToken: "b"}, "svc-b", ""))

	a, _ := s.Get("svc-a")
	b, _ := s.Get("svc-b")
	assert.Equal(t, "a", a.AccessToken)
	assert.Equal(t, "b", b.AccessToken)
}

func TestRedactToken(t *testing.T) {
	assert.Equal(t, "[REDACTED]", RedactToken("abcd"))
	assert.Equal(t, "ab...yz", RedactToken("abcdefwxyz"))
}

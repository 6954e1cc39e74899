package authreq

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validService() AuthService {
	return AuthService{
		ID:              "https://auth.example.org/login",
		Profile:         ProfileInteractive,
		TokenServiceURL: "https://auth.example.org/token",
		Header:          "Please log in",
		ConfirmLabel:    "Login",
		ErrorMessage:    "Access denied",
	}
}

func TestProfileRequiresInteraction(t *testing.T) {
	tests := []struct {
		profile Profile
		want    bool
	}{
		{ProfileKiosk, false},
		{ProfileURIKiosk, false},
		{ProfileURIExternal, false},
		{ProfileInteractive, true},
		{ProfileURILogin, true},
		{ProfileURIClickthrough, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.profile), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.profile.RequiresInteraction())
		})
	}
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(validService()))

	t.Run("missing token service", func(t *testing.T) {
		svc := validService()
		svc.TokenServiceURL = ""
		err := Validate(svc)
		require.Error(t, err)
		assert.True(t, errors.Is(err, ErrInvalidService))

		var ve *ValidationError
		require.True(t, errors.As(err, &ve))
		assert.Equal(t, svc.ID, ve.ServiceID)
		assert.Contains(t, ve.Fields[0], "TokenServiceURL")
	})

	t.Run("unknown profile", func(t *testing.T) {
		svc := validService()
		svc.Profile = "telepathy"
		assert.ErrorIs(t, Validate(svc), ErrInvalidService)
	})

	t.Run("bad logout url", func(t *testing.T) {
		svc := validService()
		svc.LogoutURL = "not a url"
		assert.ErrorIs(t, Validate(svc), ErrInvalidService)
	})
}

func TestOriginOf(t *testing.T) {
	assert.Equal(t, "https://auth.example.org", OriginOf("https://auth.example.org/token?x=1"))
	assert.Equal(t, "http://localhost:8080", OriginOf("http://LOCALHOST:8080/a"))
	assert.Equal(t, "", OriginOf("/relative/path"))
	assert.Equal(t, "https://auth.example.org", OriginOf("https://auth.example.org:443/token"))
	assert.Equal(t, "http://localhost", OriginOf("http://localhost:80/a"))
	assert.Equal(t, "https://auth.example.org:80", OriginOf("https://Auth.Example.org:80/token"))
	assert.Equal(t, "http://[::1]:7891", OriginOf("http://[::1]:7891/relay"))
	assert.Equal(t, "https://auth.example.org", validService().Origin())
}

func TestLoadServices(t *testing.T) {
	dir := t.TempDir()

	t.Run("top-level list", func(t *testing.T) {
		path := filepath.Join(dir, "list.yaml")
		content := `
- id: https://auth.example.org/login
  profile: kiosk
  token_service_url: https://auth.example.org/token
- id: https://other.example.org/login
  profile: http://iiif.io/api/auth/1/login
  token_service_url: https://other.example.org/token
  error_message: Nope
`
		require.NoError(t, os.WriteFile(path, []byte(content), 0600))

		services, err := LoadServices(path)
		require.NoError(t, err)
		require.Len(t, services, 2)
		assert.Equal(t, ProfileKiosk, services[0].Profile)

		svc, ok := Find(services, "https://other.example.org/login")
		require.True(t, ok)
		assert.Equal(t, "Nope", svc.ErrorMessage)

		_, ok = Find(services, "https://missing.example.org")
		assert.False(t, ok)
	})

	t.Run("services key as json", func(t *testing.T) {
		path := filepath.Join(dir, "wrapped.json")
		content := `{"services": [{"id": "https://a.example/login", "profile": "interactive", "token_service_url": "https://a.example/token"}]}`
		require.NoError(t, os.WriteFile(path, []byte(content), 0600))

		services, err := LoadServices(path)
		require.NoError(t, err)
		require.Len(t, services, 1)
		assert.Equal(t, "https://a.example/login", services[0].ID)
	})

	t.Run("invalid entry", func(t *testing.T) {
		path := filepath.Join(dir, "bad.yaml")
		require.NoError(t, os.WriteFile(path, []byte("- id: https://a.example/login\n  profile: kiosk\n"), 0600))

		_, err := LoadServices(path)
		assert.ErrorIs(t, err, ErrInvalidService)
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadServices(filepath.Join(dir, "nope.yaml"))
		assert.Error(t, err)
	})
}

func TestSurfaceRequestLogin(t *testing.T) {
	s := NewSurface(1)
	svc := validService()

	require.NoError(t, s.RequestLogin(context.Background(), svc))
	got := <-s.Requests()
	assert.Equal(t, svc.ID, got.ID)

	// Fill the buffer, then a cancelled context must not block.
	require.NoError(t, s.RequestLogin(context.Background(), svc))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, s.RequestLogin(ctx, svc), context.Canceled)
}

func TestSurfaceNotifyLoginSucceeded(t *testing.T) {
	s := NewSurface(0)

	first, cancelFirst := s.Subscribe()
	second, cancelSecond := s.Subscribe()
	assert.Equal(t, 2, s.Subscribers())

	s.NotifyLoginSucceeded()

	for _, ch := range []<-chan struct{}{first, second} {
		select {
		case <-ch:
		case <-time.After(time.Second):
			t.Fatal("subscriber was not notified")
		}
	}

	cancelSecond()
	cancelSecond()
	assert.Equal(t, 1, s.Subscribers())

	s.NotifyLoginSucceeded()
	select {
	case <-second:
		t.Fatal("cancelled subscriber was notified")
	default:
	}
	<-first
	cancelFirst()
	assert.Equal(t, 0, s.Subscribers())
}

func TestSurfaceNotifyNeverBlocks(t *testing.T) {
	s := NewSurface(0)
	_, cancel := s.Subscribe()
	defer cancel()

	done := make(chan struct{})
	go func() {
		for i := 0; i < defaultSubscriberBuffer*4; i++ {
			s.NotifyLoginSucceeded()
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("NotifyLoginSucceeded blocked on a slow subscriber")
	}
}

// Package fetch retrieves protected resources, attaching access tokens and
// raising a login request when a resource answers 401.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/Dicklesworthstone/iiif_auth_broker/internal/authreq"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/cache"
	"github.com/Dicklesworthstone/iiif_auth_broker/internal/token"
)

const defaultMaxBodyBytes = 64 << 20

// Client fetches resources on behalf of the viewer.
type Client struct {
	// HTTP defaults to a client with a 30s timeout.
	HTTP *http.Client
	// Tokens supplies bearer tokens. Required.
	Tokens *token.Store
	// Surface receives login requests. Without it a 401 is returned as is.
	Surface *authreq.Surface
	// Cache, if set, holds successful responses by URL.
	Cache *cache.Cache[[]byte]
	// MaxBodyBytes caps response bodies. Zero means 64 MiB.
	MaxBodyBytes int64
	Logger       *slog.Logger
}

// Get returns the body at resourceURL. When svc is non-nil its token is
// attached, and a 401 raises a login request for it, waits for
// loginSucceeded, and retries once.
func (c *Client) Get(ctx context.Context, resourceURL string, svc *authreq.AuthService) ([]byte, error) {
	if c.Cache != nil {
		if body, ok := c.Cache.Get(resourceURL); ok {
			return body, nil
		}
	}

	body, err := c.get(ctx, resourceURL, svc)
	if err == nil || svc == nil || c.Surface == nil || !isUnauthorized(err) {
		return body, c.finish(resourceURL, body, err)
	}

	// Subscribe first so a fast handshake cannot complete unseen.
	succeeded, cancel := c.Surface.Subscribe()
	defer cancel()

	c.logger().Info("resource requires login",
		"url", resourceURL,
		"service_id", svc.ID)
	if err := c.Surface.RequestLogin(ctx, *svc); err != nil {
		return nil, fmt.Errorf("request login: %w", err)
	}

	select {
	case <-succeeded:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	body, err = c.get(ctx, resourceURL, svc)
	return body, c.finish(resourceURL, body, err)
}

func (c *Client) finish(resourceURL string, body []byte, err error) error {
	if err != nil {
		return err
	}
	if c.Cache != nil {
		c.Cache.Put(resourceURL, body)
	}
	return nil
}

func (c *Client) get(ctx context.Context, resourceURL string, svc *authreq.AuthService) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, resourceURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}

	if svc != nil && c.Tokens != nil {
		if header, ok := c.Tokens.AuthorizationHeader(svc.ID); ok {
			if err := validateBearerTarget(resourceURL); err != nil {
				return nil, err
			}
			req.Header.Set("Authorization", header)
		}
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", resourceURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, &StatusError{URL: resourceURL, StatusCode: resp.StatusCode}
	}

	limit := c.MaxBodyBytes
	if limit <= 0 {
		limit = defaultMaxBodyBytes
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *Client) logger() *slog.Logger {
	if c.Logger != nil {
		return c.Logger
	}
	return slog.Default()
}

func isUnauthorized(err error) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == http.StatusUnauthorized
}

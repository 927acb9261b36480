package ereceipt

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"etabridge.org/internal/obs"
)

const (
	defaultSafetyMargin   = 60 * time.Second
	defaultRefreshTimeout = 30 * time.Second
)

// TokenCache hands out a currently valid AccessToken per credential
// identity. Concurrent callers that find no valid token collapse into a
// single authenticate call; every waiter receives that call's token or its
// error. The refresh itself runs detached from any individual caller's
// cancellation so that abandoning one request cannot fail the others.
type TokenCache struct {
	gw             Gateway
	margin         time.Duration
	refreshTimeout time.Duration
	now            func() time.Time

	mu    sync.RWMutex
	slots map[string]AccessToken
	group singleflight.Group
}

// TokenCacheOption configures TokenCache behavior.
type TokenCacheOption func(*TokenCache)

// WithSafetyMargin sets how long before hard expiry a token is treated as
// stale.
func WithSafetyMargin(d time.Duration) TokenCacheOption {
	return func(c *TokenCache) {
		if d > 0 {
			c.margin = d
		}
	}
}

// WithRefreshTimeout bounds a detached refresh call.
func WithRefreshTimeout(d time.Duration) TokenCacheOption {
	return func(c *TokenCache) {
		if d > 0 {
			c.refreshTimeout = d
		}
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) TokenCacheOption {
	return func(c *TokenCache) {
		if fn != nil {
			c.now = fn
		}
	}
}

// NewTokenCache constructs a TokenCache over the given gateway.
func NewTokenCache(gw Gateway, opts ...TokenCacheOption) *TokenCache {
	c := &TokenCache{
		gw:             gw,
		margin:         defaultSafetyMargin,
		refreshTimeout: defaultRefreshTimeout,
		now:            time.Now,
		slots:          make(map[string]AccessToken),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetToken returns a valid token for the credential set, refreshing through
// the single-flight section when the cached one is missing or inside the
// safety margin.
func (c *TokenCache) GetToken(ctx context.Context, creds CredentialSet) (AccessToken, error) {
	key := creds.Identity()

	c.mu.RLock()
	tok, ok := c.slots[key]
	c.mu.RUnlock()
	if ok && tok.ValidAt(c.now(), c.margin) {
		return tok, nil
	}
	return c.refresh(ctx, key, creds)
}

// ForceRefresh discards any cached token for the credential set and
// authenticates again. Used for the single unauthorized retry.
func (c *TokenCache) ForceRefresh(ctx context.Context, creds CredentialSet) (AccessToken, error) {
	key := creds.Identity()

	c.mu.Lock()
	delete(c.slots, key)
	c.mu.Unlock()

	// Drop any in-flight refresh result: it may be the very token the
	// authority just rejected.
	c.group.Forget(key)
	return c.refresh(ctx, key, creds)
}

func (c *TokenCache) refresh(ctx context.Context, key string, creds CredentialSet) (AccessToken, error) {
	ch := c.group.DoChan(key, func() (any, error) {
		// Another waiter may have completed a refresh between our cache miss
		// and entering the flight.
		c.mu.RLock()
		tok, ok := c.slots[key]
		c.mu.RUnlock()
		if ok && tok.ValidAt(c.now(), c.margin) {
			return tok, nil
		}

		rctx, cancel := context.WithTimeout(context.Background(), c.refreshTimeout)
		defer cancel()

		tok, err := c.gw.Authenticate(rctx, creds)
		if err != nil {
			c.mu.Lock()
			delete(c.slots, key)
			c.mu.Unlock()
			obs.CountTokenRefresh("error")
			return AccessToken{}, err
		}

		c.mu.Lock()
		c.slots[key] = tok
		c.mu.Unlock()
		obs.CountTokenRefresh("ok")
		obs.LogEvent("token.refreshed", map[string]any{
			"identity":    key,
			"fingerprint": tok.Fingerprint(),
			"expires_at":  tok.ExpiresAt,
		})
		return tok, nil
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return AccessToken{}, res.Err
		}
		return res.Val.(AccessToken), nil
	case <-ctx.Done():
		// The caller gives up; the refresh keeps running for other waiters.
		return AccessToken{}, &AuthError{Kind: ErrTransport, Err: ctx.Err()}
	}
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

const refreshTimeout = 5 * time.Second

// Authenticator verifies API keys against a KeyStore with an AuthCache in
// front of it. Failures never fall back to allowing the request.
type Authenticator struct {
	store  KeyStore
	cache  *AuthCache
	logger *zap.Logger
}

// NewAuthenticator creates an Authenticator. ttl defaults to 30s.
func NewAuthenticator(store KeyStore, ttl time.Duration, logger *zap.Logger) *Authenticator {
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	return &Authenticator{
		store:  store,
		cache:  NewAuthCache(ttl),
		logger: logger,
	}
}

// Authenticate verifies token and returns the caller identity.
//
// Fresh cache hits return immediately; stale hits return the cached identity
// and re-verify in the background; misses verify synchronously.
func (a *Authenticator) Authenticate(ctx context.Context, token string) (*Identity, error) {
	result := a.cache.Get(token)
	if result.Hit {
		if result.NeedsRefresh {
			go a.backgroundRefresh(token)
		}
		return result.Identity, nil
	}

	identity, err := a.lookupAndVerify(ctx, token)
	if err != nil {
		return nil, a.handleLookupError(err)
	}

	a.cache.Set(token, identity)
	return identity, nil
}

func (a *Authenticator) backgroundRefresh(token string) {
	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	identity, err := a.lookupAndVerify(ctx, token)
	if err != nil {
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		// Dropping the entry forces the next request through a full check.
		a.cache.Delete(token)
		return
	}
	a.cache.Set(token, identity)
}

func (a *Authenticator) lookupAndVerify(ctx context.Context, token string) (*Identity, error) {
	if len(token) < prefixLen {
		return nil, ErrInvalidAPIKey
	}

	rec, err := a.store.LookupKey(ctx, token[:prefixLen])
	if err != nil {
		return nil, fmt.Errorf("lookupAndVerify: %w", err)
	}
	if rec == nil {
		return nil, ErrInvalidAPIKey
	}

	if err := bcrypt.CompareHashAndPassword([]byte(rec.Hash), []byte(token)); err != nil {
		return nil, ErrInvalidAPIKey
	}
	return &Identity{KeyID: rec.ID}, nil
}

func (a *Authenticator) handleLookupError(err error) error {
	if errors.Is(err, ErrInvalidAPIKey) {
		return ErrInvalidAPIKey
	}
	a.logger.Warn("auth key store unreachable", zap.Error(err))
	return fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
}

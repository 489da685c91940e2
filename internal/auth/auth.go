// Package auth verifies bearer API keys for the HTTP surface.
package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrMissingAPIKey   = errors.New("missing authorization header")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrAuthUnavailable = errors.New("auth backend unavailable")
)

// KeyPrefix starts every key minted by GenerateKey.
const KeyPrefix = "agk_"

// prefixLen is how much of a key is used to look up its record.
const prefixLen = 8

// Identity is the authenticated caller.
type Identity struct {
	KeyID string
}

// KeyRecord is a stored API key: its id and bcrypt hash.
type KeyRecord struct {
	ID   string
	Hash string
}

// KeyStore finds the key record for a key prefix. It returns nil, nil when
// no key matches.
type KeyStore interface {
	LookupKey(ctx context.Context, prefix string) (*KeyRecord, error)
}

// StaticKeyStore serves a single configured hash for any prefix.
type StaticKeyStore struct {
	ID   string
	Hash string
}

func (s StaticKeyStore) LookupKey(_ context.Context, _ string) (*KeyRecord, error) {
	if s.Hash == "" {
		return nil, nil
	}
	id := s.ID
	if id == "" {
		id = "static"
	}
	return &KeyRecord{ID: id, Hash: s.Hash}, nil
}

// GenerateKey creates a new agk_ API key and its bcrypt hash.
// The key is shown to the operator once; only the hash is configured.
func GenerateKey() (string, string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("GenerateKey: %w", err)
	}
	key := KeyPrefix + hex.EncodeToString(raw)

	hash, err := bcrypt.GenerateFromPassword([]byte(key), bcrypt.DefaultCost)
	if err != nil {
		return "", "", fmt.Errorf("GenerateKey: %w", err)
	}
	return key, string(hash), nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, error) {
	if header == "" {
		return "", ErrMissingAPIKey
	}
	// RFC 6750: the "Bearer" scheme is case-insensitive.
	if len(header) <= 7 || !strings.EqualFold(header[:7], "bearer ") {
		return "", ErrInvalidAPIKey
	}
	token := strings.TrimSpace(header[7:])
	if len(token) < prefixLen || !strings.HasPrefix(token, KeyPrefix) {
		return "", ErrInvalidAPIKey
	}
	return token, nil
}

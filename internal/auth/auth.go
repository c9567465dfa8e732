// Package auth checks account secrets and issues the session keys the
// sync server hands out from hostAuth.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"

	"github.com/mesh-intelligence/decksync/pkg/types"
)

// DefaultKeyTTL is how long a session key stays valid.
const DefaultKeyTTL = 24 * time.Hour

// HashSecret returns the bcrypt hash stored for an account.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret is empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing secret: %w", err)
	}
	return string(h), nil
}

// Accounts maps account names to bcrypt hashes.
type Accounts struct {
	mu     sync.RWMutex
	hashes map[string]string
}

// NewAccounts copies hashes into a new account set.
func NewAccounts(hashes map[string]string) *Accounts {
	a := &Accounts{hashes: make(map[string]string, len(hashes))}
	for user, h := range hashes {
		a.hashes[strings.ToLower(user)] = h
	}
	return a
}

// Set stores the hash for user.
func (a *Accounts) Set(user, hash string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.hashes[strings.ToLower(user)] = hash
}

// Verify returns ErrAuth unless secret matches user's hash. Unknown users
// and wrong secrets are indistinguishable to the caller.
func (a *Accounts) Verify(user, secret string) error {
	a.mu.RLock()
	h, ok := a.hashes[strings.ToLower(user)]
	a.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: unknown user or wrong secret", types.ErrAuth)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(h), []byte(secret)); err != nil {
		return fmt.Errorf("%w: unknown user or wrong secret", types.ErrAuth)
	}
	return nil
}

// Keys issues and checks HMAC-signed session keys.
type Keys struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

// NewKeys returns a key issuer. The secret must not be empty.
func NewKeys(secret string, ttl time.Duration) (*Keys, error) {
	if secret == "" {
		return nil, errors.New("jwt secret is empty")
	}
	if ttl <= 0 {
		ttl = DefaultKeyTTL
	}
	return &Keys{secret: []byte(secret), ttl: ttl, now: time.Now}, nil
}

// Issue returns a session key for user.
func (k *Keys) Issue(user string) (string, error) {
	now := k.now()
	claims := jwt.RegisteredClaims{
		Subject:   strings.ToLower(user),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(k.ttl)),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(k.secret)
	if err != nil {
		return "", fmt.Errorf("signing session key: %w", err)
	}
	return signed, nil
}

// Verify returns the user a session key was issued to, or ErrAuth when the
// key is malformed, forged or expired.
func (k *Keys) Verify(key string) (string, error) {
	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(key, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return k.secret, nil
	}, jwt.WithTimeFunc(k.now))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: invalid session key: %v", types.ErrAuth, err)
	}
	if claims.Subject == "" {
		return "", fmt.Errorf("%w: session key has no subject", types.ErrAuth)
	}
	return claims.Subject, nil
}

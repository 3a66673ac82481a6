package identity

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/Misty4119/nds-api/internal/ir"
)

// Token issuer and audience.
const (
	Issuer   = "nds/identity"
	Audience = "nds.ledger"
)

// Claims are the JWT claims of an origin identity token.
type Claims struct {
	jwt.RegisteredClaims
	Origin string          `json:"origin"`
	Type   ir.IdentityType `json:"type"`
	Roles  []string        `json:"roles,omitempty"`
}

// KeySet holds Ed25519 keys by kid. One key is active for signing; all
// are accepted for verification, so keys can rotate without downtime.
type KeySet struct {
	mu     sync.RWMutex
	active string
	keys   map[string]ed25519.PrivateKey
}

// NewKeySet returns an empty key set.
func NewKeySet() *KeySet {
	return &KeySet{keys: make(map[string]ed25519.PrivateKey)}
}

// KeySetFromSeed derives a single-key set from a 32-byte seed, so every node
// configured with the same seed accepts the same tokens.
func KeySetFromSeed(kid string, seed []byte) (*KeySet, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("identity seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}
	ks := NewKeySet()
	ks.Add(kid, ed25519.NewKeyFromSeed(seed))
	return ks, nil
}

// Add registers key under kid and makes it the active signing key.
func (ks *KeySet) Add(kid string, key ed25519.PrivateKey) {
	ks.mu.Lock()
	defer ks.mu.Unlock()
	ks.keys[kid] = key
	ks.active = kid
}

// Rotate generates a fresh active key.
func (ks *KeySet) Rotate(kid string) error {
	_, key, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return fmt.Errorf("failed to generate key: %w", err)
	}
	ks.Add(kid, key)
	return nil
}

func (ks *KeySet) sign(claims jwt.Claims) (string, error) {
	ks.mu.RLock()
	key := ks.keys[ks.active]
	kid := ks.active
	ks.mu.RUnlock()

	if key == nil {
		return "", fmt.Errorf("no active key")
	}
	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	token.Header["kid"] = kid
	return token.SignedString(key)
}

func (ks *KeySet) keyFunc(token *jwt.Token) (any, error) {
	if _, ok := token.Method.(*jwt.SigningMethodEd25519); !ok {
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}
	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, fmt.Errorf("missing kid in header")
	}
	ks.mu.RLock()
	defer ks.mu.RUnlock()
	key, exists := ks.keys[kid]
	if !exists {
		return nil, fmt.Errorf("key not found: %s", kid)
	}
	return key.Public(), nil
}

// TokenIssuer signs identity tokens.
type TokenIssuer struct {
	keys *KeySet
	now  func() time.Time
}

// NewTokenIssuer creates an issuer. now defaults to time.Now.
func NewTokenIssuer(keys *KeySet, now func() time.Time) *TokenIssuer {
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{keys: keys, now: now}
}

// Issue signs a token for id valid for ttl.
func (ti *TokenIssuer) Issue(id Identity, ttl time.Duration) (string, error) {
	now := ti.now().UTC()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.Subject,
			Issuer:    Issuer,
			Audience:  jwt.ClaimStrings{Audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Origin: string(id.Origin),
		Type:   id.Type,
		Roles:  id.Roles,
	}
	return ti.keys.sign(claims)
}

// JWTVerifier verifies tokens signed by a KeySet.
type JWTVerifier struct {
	keys *KeySet
	now  func() time.Time
}

// NewJWTVerifier creates a verifier. now defaults to time.Now.
func NewJWTVerifier(keys *KeySet, now func() time.Time) *JWTVerifier {
	if now == nil {
		now = time.Now
	}
	return &JWTVerifier{keys: keys, now: now}
}

// Verify parses and validates token.
func (v *JWTVerifier) Verify(_ context.Context, token string) (Identity, error) {
	if token == "" {
		return Identity{}, &PermissionDeniedError{Reason: "missing token"}
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, v.keys.keyFunc,
		jwt.WithIssuer(Issuer),
		jwt.WithAudience(Audience),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	)
	if err != nil {
		reason := "invalid token"
		if errors.Is(err, jwt.ErrTokenExpired) {
			reason = "token expired"
		}
		return Identity{}, &PermissionDeniedError{Reason: reason, Err: err}
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid {
		return Identity{}, &PermissionDeniedError{Reason: "invalid token", Err: jwt.ErrTokenSignatureInvalid}
	}
	typ := claims.Type
	if typ == "" {
		typ = ir.IdentityUnknown
	}
	return Identity{
		Subject: claims.Subject,
		Origin:  ir.OriginID(claims.Origin),
		Type:    typ,
		Roles:   claims.Roles,
	}, nil
}

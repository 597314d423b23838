// Package auth verifies bearer credentials and resolves them to identities.
// Tokens are HS256 JWTs; a revocation list stands in for the upstream
// login/logout service's token blacklist.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

var (
	ErrNoToken      = errors.New("no authentication token provided")
	ErrInvalidToken = errors.New("invalid authentication token")
	ErrExpiredToken = errors.New("token has expired")
	ErrRevokedToken = errors.New("token has been revoked")
)

// CookieName is the cookie the web client stores its token under.
const CookieName = "token"

// Identity is the resolved participant behind a verified credential.
// It is immutable for the lifetime of a connection.
type Identity struct {
	Email       string `json:"id"`
	DisplayName string `json:"displayName"`
}

// AssistantSenderID marks automated replies on the wire.
const AssistantSenderID = "assistant"

// AssistantIdentity is the sender attached to automated room messages.
func AssistantIdentity() Identity {
	return Identity{Email: AssistantSenderID, DisplayName: "AI Assistant"}
}

// Claims are the JWT claims carried by a participant token.
type Claims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// Verifier validates participant JWTs against a shared secret.
type Verifier struct {
	secretKey []byte
	mu        sync.RWMutex
	revoked   map[string]time.Time // token ID -> revocation time
}

// NewVerifier creates a verifier with the given secret key.
func NewVerifier(secretKey string) *Verifier {
	return &Verifier{
		secretKey: []byte(secretKey),
		revoked:   make(map[string]time.Time),
	}
}

// Issue generates a signed token for the given email. The login and register
// endpoints mint session tokens through here.
func (v *Verifier) Issue(email string, duration time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Subject:   email,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(duration)),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secretKey)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// Verify validates a token's signature and expiry and resolves the identity.
func (v *Verifier) Verify(tokenString string) (*Identity, error) {
	if strings.TrimSpace(tokenString) == "" {
		return nil, ErrNoToken
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secretKey, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	email := strings.TrimSpace(strings.ToLower(claims.Email))
	if email == "" {
		email = strings.TrimSpace(strings.ToLower(claims.Subject))
	}
	if email == "" {
		return nil, ErrInvalidToken
	}

	v.mu.RLock()
	_, revoked := v.revoked[claims.ID]
	v.mu.RUnlock()
	if revoked {
		return nil, ErrRevokedToken
	}

	return &Identity{Email: email, DisplayName: displayName(email)}, nil
}

// Revoke adds a token to the revocation list. Used on logout.
func (v *Verifier) Revoke(tokenString string) error {
	token, _, err := jwt.NewParser().ParseUnverified(tokenString, &Claims{})
	if err != nil {
		return fmt.Errorf("failed to parse token: %w", err)
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || claims.ID == "" {
		return ErrInvalidToken
	}

	v.mu.Lock()
	v.revoked[claims.ID] = time.Now()
	v.mu.Unlock()
	return nil
}

// CleanupRevoked drops revocation entries older than maxAge. Revoked tokens
// expire on their own; the list only needs to outlive the longest token TTL.
func (v *Verifier) CleanupRevoked(maxAge time.Duration) {
	cutoff := time.Now().Add(-maxAge)
	v.mu.Lock()
	for id, at := range v.revoked {
		if at.Before(cutoff) {
			delete(v.revoked, id)
		}
	}
	v.mu.Unlock()
}

// CredentialFromRequest extracts the bearer credential from the token cookie
// or the Authorization header, cookie first, matching the web client.
func CredentialFromRequest(r *http.Request) (string, error) {
	if c, err := r.Cookie(CookieName); err == nil && strings.TrimSpace(c.Value) != "" {
		return c.Value, nil
	}
	authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(authHeader), "bearer ") {
		token := strings.TrimSpace(authHeader[len("Bearer "):])
		if token != "" {
			return token, nil
		}
	}
	return "", ErrNoToken
}

// displayName derives a human label from the email local part.
func displayName(email string) string {
	if at := strings.IndexByte(email, '@'); at > 0 {
		return email[:at]
	}
	return email
}

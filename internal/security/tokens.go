package security

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/centrorum/community-service/internal/config"
)

const (
	tokenTypeAccess  = "access"
	tokenTypeRefresh = "refresh"
)

// ErrInvalidToken is returned for tokens that fail signature, expiry, or
// type checks.
var ErrInvalidToken = errors.New("invalid token")

// TokenPair is an issued access/refresh token pair.
type TokenPair struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// TokenIssuer issues and verifies HMAC-signed bearer tokens.
type TokenIssuer struct {
	key        []byte
	accessTTL  time.Duration
	refreshTTL time.Duration
}

type tokenClaims struct {
	Type string `json:"typ"`
	jwt.RegisteredClaims
}

// NewTokenIssuer builds a TokenIssuer from the application config.
func NewTokenIssuer(cfg *config.Config) (*TokenIssuer, error) {
	key, err := cfg.SigningKey()
	if err != nil {
		return nil, err
	}
	return &TokenIssuer{
		key:        key,
		accessTTL:  cfg.AccessTokenTTL,
		refreshTTL: cfg.RefreshTokenTTL,
	}, nil
}

// IssuePair issues a fresh access/refresh pair for the user.
func (t *TokenIssuer) IssuePair(userID uint64) (*TokenPair, error) {
	access, err := t.issue(userID, tokenTypeAccess, t.accessTTL)
	if err != nil {
		return nil, err
	}
	refresh, err := t.issue(userID, tokenTypeRefresh, t.refreshTTL)
	if err != nil {
		return nil, err
	}
	return &TokenPair{Access: access, Refresh: refresh}, nil
}

func (t *TokenIssuer) issue(userID uint64, tokenType string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := tokenClaims{
		Type: tokenType,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   strconv.FormatUint(userID, 10),
			ID:        uuid.NewString(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign %s token: %w", tokenType, err)
	}
	return signed, nil
}

// VerifyAccess validates an access token and returns the user ID it was
// issued to.
func (t *TokenIssuer) VerifyAccess(token string) (uint64, error) {
	return t.verify(token, tokenTypeAccess)
}

// VerifyRefresh validates a refresh token and returns the user ID it was
// issued to.
func (t *TokenIssuer) VerifyRefresh(token string) (uint64, error) {
	return t.verify(token, tokenTypeRefresh)
}

func (t *TokenIssuer) verify(token, wantType string) (uint64, error) {
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(tok *jwt.Token) (interface{}, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.key, nil
	})
	if err != nil || !parsed.Valid {
		return 0, ErrInvalidToken
	}
	if claims.Type != wantType {
		return 0, ErrInvalidToken
	}
	userID, err := strconv.ParseUint(claims.Subject, 10, 64)
	if err != nil {
		return 0, ErrInvalidToken
	}
	return userID, nil
}

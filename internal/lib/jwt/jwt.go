package jwt

import (
	"errors"
	"time"

	"secureuser/internal/domain/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// minSecretLen is the minimum HMAC key length for HS256.
const minSecretLen = 32

const serviceRole = "USER"

var (
	ErrWeakKey      = errors.New("signing secret is too short")
	ErrInvalidToken = errors.New("invalid token")
)

// TokenClaims is the payload of every signed token issued by the service.
type TokenClaims struct {
	TokenType   string `json:"token_type"`
	SessionID   string `json:"session_id"`
	ServiceRole string `json:"service_role"`
	jwt.RegisteredClaims
}

// Signer signs and verifies compact tokens with a single symmetric secret.
type Signer struct {
	secret   []byte
	issuer   string
	audience string
}

// New returns a Signer, rejecting secrets too short for HS256.
func New(secret, issuer, audience string) (*Signer, error) {
	if len(secret) < minSecretLen {
		return nil, ErrWeakKey
	}
	return &Signer{
		secret:   []byte(secret),
		issuer:   issuer,
		audience: audience,
	}, nil
}

// Sign issues a token for the given owner and session.
func (s *Signer) Sign(
	jti uuid.UUID,
	ownerID uuid.UUID,
	sessionID uuid.UUID,
	tokenType models.TokenType,
	issuedAt time.Time,
	ttl time.Duration,
) (string, error) {
	claims := TokenClaims{
		TokenType:   string(tokenType),
		SessionID:   sessionID.String(),
		ServiceRole: serviceRole,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti.String(),
			Issuer:    s.issuer,
			Subject:   ownerID.String(),
			Audience:  jwt.ClaimStrings{s.audience},
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Parse validates the signature and structure of a signed value and
// returns its claims. Every failure mode collapses to ErrInvalidToken;
// callers must not learn why a token failed to parse.
func (s *Signer) Parse(tokenString string) (*TokenClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &TokenClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*TokenClaims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}

	return claims, nil
}

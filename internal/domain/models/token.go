package models

import (
	"time"

	"github.com/google/uuid"
)

type TokenType string

const (
	TokenTypeAccess  TokenType = "ACCESS"
	TokenTypeRefresh TokenType = "REFRESH"
)

// Token is a ledger row for an issued token. The row id doubles as the
// jti claim of the signed value. Immutable except for Revoked, which
// flips false->true exactly once.
type Token struct {
	ID        uuid.UUID
	Token     string
	Revoked   bool
	CreatedAt time.Time
	ExpiresAt time.Time
	TokenType TokenType
	SessionID uuid.UUID
	OwnerID   uuid.UUID
}

// TokenPair is the result of issuing one session: an access and a
// refresh token sharing a session id. ExpiresIn is the access token
// lifetime in seconds.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    int64
	SessionID    uuid.UUID
}

package models

import (
	"time"

	"github.com/google/uuid"
)

// User is an account record. Mutated only by registration and
// verification confirmation; never deleted.
type User struct {
	ID        uuid.UUID
	Login     string
	Email     string
	PassHash  []byte
	Verified  bool
	CreatedAt time.Time
	UpdatedAt time.Time
}

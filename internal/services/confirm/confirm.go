package confirm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"secureuser/internal/cache"
	"secureuser/internal/domain/models"
	"secureuser/internal/lib/sl"
	"secureuser/internal/storage"

	"github.com/google/uuid"
)

// Confirmation issues and redeems single-use registration confirmation
// tokens. Tokens live only in the cache layer; redemption consumes them.
type Confirmation struct {
	log          *slog.Logger
	userProvider UserProvider
	userVerifier UserVerifier
	store        Store
	required     bool
	baseURL      string
	endpoint     string
	tokenTTL     time.Duration
}

type UserProvider interface {
	UserByLogin(ctx context.Context, login string) (*models.User, error)
}

type UserVerifier interface {
	SetUserVerified(ctx context.Context, userID uuid.UUID) error
}

// Store is the ephemeral token -> login mapping. Save must be
// first-writer-wins: it reports false instead of overwriting.
type Store interface {
	SaveConfirmation(ctx context.Context, token, login string, ttl time.Duration) (bool, error)
	Confirmation(ctx context.Context, token string) (string, error)
	DeleteConfirmation(ctx context.Context, token string) error
}

var (
	ErrNotRequired           = errors.New("registration verification is not required")
	ErrTokenExpiredOrUnknown = errors.New("confirmation token is unknown or expired")
	ErrUserNotFound          = errors.New("user not found")
	ErrConflict              = errors.New("confirmation token already present")
)

// Link is a freshly issued confirmation token and the URL embedding it.
type Link struct {
	URL   string
	Token string
}

func New(
	log *slog.Logger,
	userProvider UserProvider,
	userVerifier UserVerifier,
	store Store,
	required bool,
	baseURL string,
	endpoint string,
	tokenTTL time.Duration,
) *Confirmation {
	return &Confirmation{
		log:          log,
		userProvider: userProvider,
		userVerifier: userVerifier,
		store:        store,
		required:     required,
		baseURL:      baseURL,
		endpoint:     endpoint,
		tokenTTL:     tokenTTL,
	}
}

// Save issues a confirmation link for a freshly registered login.
// Returns nil when verification is disabled.
func (c *Confirmation) Save(ctx context.Context, login string) (*Link, error) {
	const op = "confirm.Save"
	log := c.log.With(slog.String("op", op), slog.String("login", login))

	if !c.required {
		log.Info("registration confirmation is disabled")
		return nil, nil
	}

	token := uuid.NewString()

	saved, err := c.store.SaveConfirmation(ctx, token, login, c.tokenTTL)
	if err != nil {
		log.Error("failed to save confirmation token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if !saved {
		log.Error("confirmation token key already present")
		return nil, fmt.Errorf("%s: %w", op, ErrConflict)
	}

	log.Info("confirmation token saved", slog.Duration("ttl", c.tokenTTL))

	return &Link{
		URL:   fmt.Sprintf("%s%s/%s", c.baseURL, c.endpoint, token),
		Token: token,
	}, nil
}

// Confirm redeems a confirmation token: marks its owner verified and
// consumes the token. The token survives a failed persistence write so
// the link stays valid for retry.
func (c *Confirmation) Confirm(ctx context.Context, token string) error {
	const op = "confirm.Confirm"
	log := c.log.With(slog.String("op", op))

	if !c.required {
		return fmt.Errorf("%s: %w", op, ErrNotRequired)
	}

	login, err := c.store.Confirmation(ctx, token)
	if err != nil {
		if errors.Is(err, cache.ErrNotFound) {
			log.Warn("invalid or expired confirmation token")
			return fmt.Errorf("%s: %w", op, ErrTokenExpiredOrUnknown)
		}
		log.Error("failed to look up confirmation token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	user, err := c.userProvider.UserByLogin(ctx, login)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			// Integrity signal: a live token pointing at a missing account.
			log.Warn("user not found for confirmation token", slog.String("login", login))
			return fmt.Errorf("%s: %w", op, ErrUserNotFound)
		}
		log.Error("failed to get user", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := c.userVerifier.SetUserVerified(ctx, user.ID); err != nil {
		log.Error("failed to persist verification status", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := c.store.DeleteConfirmation(ctx, token); err != nil {
		// The user is verified; a leftover entry just expires by TTL.
		log.Warn("failed to delete consumed confirmation token", sl.Err(err))
	}

	log.Info("user verified", slog.String("login", user.Login))
	return nil
}

package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"secureuser/internal/domain/models"
	"secureuser/internal/lib/jwt"
	"secureuser/internal/lib/sl"
	"secureuser/internal/storage"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// Auth is the token/session lifecycle service: credential verification,
// signed-token issuance, session-scoped revocation and refresh rotation.
type Auth struct {
	log                 *slog.Logger
	userSaver           UserSaver
	userProvider        UserProvider
	ledger              TokenLedger
	cache               TokenCache
	signer              *jwt.Signer
	accessTokenTTL      time.Duration
	refreshTokenTTL     time.Duration
	requireVerification bool
}

type UserSaver interface {
	SaveUser(
		ctx context.Context,
		login string,
		email string,
		passHash []byte,
		verified bool,
	) (uuid.UUID, error)
}

type UserProvider interface {
	UserByLoginOrEmail(
		ctx context.Context,
		identifier string,
	) (*models.User, error)
}

// TokenLedger is the durable, authoritative record of issued tokens.
type TokenLedger interface {
	SaveTokens(ctx context.Context, tokens []models.Token) error
	TokenBySignedValue(ctx context.Context, signed string) (*models.Token, error)
	ActiveTokensByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Token, error)
	ActiveTokensBySession(ctx context.Context, ownerID, sessionID uuid.UUID) ([]models.Token, error)
	ClaimToken(ctx context.Context, tokenID uuid.UUID) error
	RevokeTokens(ctx context.Context, tokenIDs []uuid.UUID) error
}

// TokenCache is the TTL-keyed fast-lookup mirror. Best effort only: it
// never decides revocation state.
type TokenCache interface {
	SaveToken(ctx context.Context, tokenType, jti, signed string, ttl time.Duration) error
	DeleteToken(ctx context.Context, tokenType, jti string) error
}

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAccountNotVerified = errors.New("account not verified")
	ErrUserAlreadyExists  = errors.New("user already exists")
)

// New returns a new instance of the Auth service.
func New(
	log *slog.Logger,
	userSaver UserSaver,
	userProvider UserProvider,
	ledger TokenLedger,
	cache TokenCache,
	signer *jwt.Signer,
	accessTokenTTL time.Duration,
	refreshTokenTTL time.Duration,
	requireVerification bool,
) *Auth {
	return &Auth{
		log:                 log,
		userSaver:           userSaver,
		userProvider:        userProvider,
		ledger:              ledger,
		cache:               cache,
		signer:              signer,
		accessTokenTTL:      accessTokenTTL,
		refreshTokenTTL:     refreshTokenTTL,
		requireVerification: requireVerification,
	}
}

// Register creates a new account. The account starts unverified when
// confirmation is required, verified otherwise.
func (a *Auth) Register(
	ctx context.Context,
	login string,
	email string,
	password string,
) (uuid.UUID, error) {
	const op = "auth.Register"
	log := a.log.With(
		slog.String("op", op),
		slog.String("login", login),
	)
	log.Info("register request")

	passHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		log.Error("failed to generate password hash", sl.Err(err))
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	userID, err := a.userSaver.SaveUser(ctx, login, email, passHash, !a.requireVerification)
	if err != nil {
		if errors.Is(err, storage.ErrUserAlreadyExists) {
			log.Warn("user already exists", sl.Err(err))
			return uuid.Nil, fmt.Errorf("%s: %w", op, ErrUserAlreadyExists)
		}
		log.Error("failed to save user", sl.Err(err))
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user registered", slog.String("userID", userID.String()))

	return userID, nil
}

// Login authenticates by login or email and issues a fresh session.
// An unknown identifier and a wrong password are indistinguishable to
// the caller.
func (a *Auth) Login(
	ctx context.Context,
	identifier string,
	password string,
) (*models.TokenPair, error) {
	const op = "auth.Login"
	log := a.log.With(slog.String("op", op))
	log.Info("login request")

	user, err := a.userProvider.UserByLoginOrEmail(ctx, identifier)
	if err != nil {
		if errors.Is(err, storage.ErrUserNotFound) {
			log.Warn("user not found", sl.Err(err))
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		log.Error("failed to get user", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if a.requireVerification && !user.Verified {
		log.Warn("account not verified", slog.String("login", user.Login))
		return nil, fmt.Errorf("%s: %w", op, ErrAccountNotVerified)
	}

	if err := bcrypt.CompareHashAndPassword(user.PassHash, []byte(password)); err != nil {
		log.Warn("invalid password")
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	pair, err := a.issuePair(ctx, user.ID, uuid.New())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("user logged in",
		slog.String("userID", user.ID.String()),
		slog.String("sessionID", pair.SessionID.String()),
	)

	return pair, nil
}

// Refresh rotates a session: the presented refresh token is claimed
// atomically, its whole session is revoked, and a brand-new session is
// issued for the same owner. Of concurrent rotations of one token
// exactly one succeeds.
func (a *Auth) Refresh(
	ctx context.Context,
	refreshToken string,
) (*models.TokenPair, error) {
	const op = "auth.Refresh"
	log := a.log.With(slog.String("op", op))
	log.Info("refresh request")

	if _, err := a.signer.Parse(refreshToken); err != nil {
		log.Warn("presented token failed verification")
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	token, err := a.ledger.TokenBySignedValue(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			log.Warn("refresh token not found")
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		log.Error("failed to get token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if token.Revoked || token.TokenType != models.TokenTypeRefresh {
		log.Warn("token is revoked or not a refresh token")
		return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	// Serialization point: only one concurrent rotation claims the row.
	if err := a.ledger.ClaimToken(ctx, token.ID); err != nil {
		if errors.Is(err, storage.ErrTokenRevoked) || errors.Is(err, storage.ErrTokenNotFound) {
			log.Warn("lost rotation race, token already claimed")
			return nil, fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		log.Error("failed to claim token", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	// The claimed row is out of the active set already, so the session
	// purge below never sees it; drop its mirror here.
	if err := a.cache.DeleteToken(ctx, string(token.TokenType), token.ID.String()); err != nil {
		log.Warn("failed to purge claimed token mirror",
			slog.String("jti", token.ID.String()),
			sl.Err(err),
		)
	}

	if err := a.revokeSession(ctx, token.OwnerID, token.SessionID); err != nil {
		log.Error("failed to revoke session", sl.Err(err))
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	pair, err := a.issuePair(ctx, token.OwnerID, uuid.New())
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	log.Info("session rotated",
		slog.String("oldSessionID", token.SessionID.String()),
		slog.String("newSessionID", pair.SessionID.String()),
	)

	return pair, nil
}

// Logout revokes the presented refresh token's session, or every
// session of its owner when allSessions is set.
func (a *Auth) Logout(
	ctx context.Context,
	refreshToken string,
	allSessions bool,
) error {
	const op = "auth.Logout"
	log := a.log.With(slog.String("op", op))
	log.Info("logout request", slog.Bool("allSessions", allSessions))

	if _, err := a.signer.Parse(refreshToken); err != nil {
		log.Warn("presented token failed verification")
		return fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	token, err := a.ledger.TokenBySignedValue(ctx, refreshToken)
	if err != nil {
		if errors.Is(err, storage.ErrTokenNotFound) {
			log.Warn("refresh token not found")
			return fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
		}
		log.Error("failed to get token", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	if token.TokenType != models.TokenTypeRefresh {
		log.Warn("presented token is not a refresh token")
		return fmt.Errorf("%s: %w", op, ErrInvalidCredentials)
	}

	if allSessions {
		err = a.revokeAll(ctx, token.OwnerID)
	} else {
		err = a.revokeSession(ctx, token.OwnerID, token.SessionID)
	}
	if err != nil {
		log.Error("failed to revoke tokens", sl.Err(err))
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

// issuePair mints an access/refresh pair sharing one session id. Both
// ledger rows are written in a single transaction before the cache
// mirror; a failed mirror write degrades to a cold cache.
func (a *Auth) issuePair(ctx context.Context, ownerID, sessionID uuid.UUID) (*models.TokenPair, error) {
	const op = "auth.issuePair"

	access, err := a.buildToken(ownerID, sessionID, models.TokenTypeAccess)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	refresh, err := a.buildToken(ownerID, sessionID, models.TokenTypeRefresh)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	if err := a.ledger.SaveTokens(ctx, []models.Token{*access, *refresh}); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	for _, token := range []*models.Token{access, refresh} {
		ttl := time.Until(token.ExpiresAt)
		err := a.cache.SaveToken(ctx, string(token.TokenType), token.ID.String(), token.Token, ttl)
		if err != nil {
			a.log.Warn("failed to mirror token in cache",
				slog.String("op", op),
				slog.String("jti", token.ID.String()),
				sl.Err(err),
			)
		}
	}

	return &models.TokenPair{
		AccessToken:  access.Token,
		RefreshToken: refresh.Token,
		ExpiresIn:    int64(a.accessTokenTTL.Seconds()),
		SessionID:    sessionID,
	}, nil
}

func (a *Auth) buildToken(ownerID, sessionID uuid.UUID, tokenType models.TokenType) (*models.Token, error) {
	ttl := a.accessTokenTTL
	if tokenType == models.TokenTypeRefresh {
		ttl = a.refreshTokenTTL
	}

	jti := uuid.New()
	now := time.Now()

	signed, err := a.signer.Sign(jti, ownerID, sessionID, tokenType, now, ttl)
	if err != nil {
		return nil, err
	}

	return &models.Token{
		ID:        jti,
		Token:     signed,
		CreatedAt: now,
		ExpiresAt: now.Add(ttl),
		TokenType: tokenType,
		SessionID: sessionID,
		OwnerID:   ownerID,
	}, nil
}

func (a *Auth) revokeAll(ctx context.Context, ownerID uuid.UUID) error {
	const op = "auth.revokeAll"

	tokens, err := a.ledger.ActiveTokensByOwner(ctx, ownerID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return a.revokeBatch(ctx, op, tokens)
}

func (a *Auth) revokeSession(ctx context.Context, ownerID, sessionID uuid.UUID) error {
	const op = "auth.revokeSession"

	tokens, err := a.ledger.ActiveTokensBySession(ctx, ownerID, sessionID)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return a.revokeBatch(ctx, op, tokens)
}

// revokeBatch purges the cache mirror entries, then persists the
// revoked flags in one batch. Mirror failures are never fatal.
func (a *Auth) revokeBatch(ctx context.Context, op string, tokens []models.Token) error {
	if len(tokens) == 0 {
		return nil
	}

	ids := make([]uuid.UUID, 0, len(tokens))
	for _, token := range tokens {
		ids = append(ids, token.ID)

		if err := a.cache.DeleteToken(ctx, string(token.TokenType), token.ID.String()); err != nil {
			a.log.Warn("failed to purge token mirror",
				slog.String("op", op),
				slog.String("jti", token.ID.String()),
				sl.Err(err),
			)
		}
	}

	if err := a.ledger.RevokeTokens(ctx, ids); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

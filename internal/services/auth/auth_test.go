package auth

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"secureuser/internal/domain/models"
	"secureuser/internal/lib/jwt"
	"secureuser/internal/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

const testSecret = "0123456789abcdef0123456789abcdef"

type fakeStore struct {
	mu     sync.Mutex
	users  map[uuid.UUID]*models.User
	tokens map[uuid.UUID]*models.Token
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:  make(map[uuid.UUID]*models.User),
		tokens: make(map[uuid.UUID]*models.Token),
	}
}

func (f *fakeStore) SaveUser(_ context.Context, login, email string, passHash []byte, verified bool) (uuid.UUID, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, u := range f.users {
		if u.Login == login || u.Email == email {
			return uuid.Nil, storage.ErrUserAlreadyExists
		}
	}
	id := uuid.New()
	f.users[id] = &models.User{ID: id, Login: login, Email: email, PassHash: passHash, Verified: verified}
	return id, nil
}

func (f *fakeStore) UserByLoginOrEmail(_ context.Context, identifier string) (*models.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, u := range f.users {
		if u.Login == identifier || u.Email == identifier {
			copied := *u
			return &copied, nil
		}
	}
	return nil, storage.ErrUserNotFound
}

func (f *fakeStore) SaveTokens(_ context.Context, tokens []models.Token) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, t := range tokens {
		copied := t
		f.tokens[t.ID] = &copied
	}
	return nil
}

func (f *fakeStore) TokenBySignedValue(_ context.Context, signed string) (*models.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, t := range f.tokens {
		if t.Token == signed {
			copied := *t
			return &copied, nil
		}
	}
	return nil, storage.ErrTokenNotFound
}

func (f *fakeStore) ActiveTokensByOwner(_ context.Context, ownerID uuid.UUID) ([]models.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []models.Token
	for _, t := range f.tokens {
		if t.OwnerID == ownerID && !t.Revoked {
			result = append(result, *t)
		}
	}
	return result, nil
}

func (f *fakeStore) ActiveTokensBySession(_ context.Context, ownerID, sessionID uuid.UUID) ([]models.Token, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var result []models.Token
	for _, t := range f.tokens {
		if t.OwnerID == ownerID && t.SessionID == sessionID && !t.Revoked {
			result = append(result, *t)
		}
	}
	return result, nil
}

func (f *fakeStore) ClaimToken(_ context.Context, tokenID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	t, ok := f.tokens[tokenID]
	if !ok {
		return storage.ErrTokenNotFound
	}
	if t.Revoked {
		return storage.ErrTokenRevoked
	}
	t.Revoked = true
	return nil
}

func (f *fakeStore) RevokeTokens(_ context.Context, tokenIDs []uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	for _, id := range tokenIDs {
		if t, ok := f.tokens[id]; ok {
			t.Revoked = true
		}
	}
	return nil
}

type fakeCache struct {
	mu       sync.Mutex
	entries  map[string]string
	failSave bool
}

func newFakeCache() *fakeCache {
	return &fakeCache{entries: make(map[string]string)}
}

func (f *fakeCache) SaveToken(_ context.Context, tokenType, jti, signed string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.failSave {
		return errors.New("cache unavailable")
	}
	f.entries["jwt:"+tokenType+":"+jti] = signed
	return nil
}

func (f *fakeCache) DeleteToken(_ context.Context, tokenType, jti string) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	delete(f.entries, "jwt:"+tokenType+":"+jti)
	return nil
}

func (f *fakeCache) len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.entries)
}

func (f *fakeCache) has(tokenType, jti string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.entries["jwt:"+tokenType+":"+jti]
	return ok
}

func newTestAuth(t *testing.T, store *fakeStore, cache *fakeCache, requireVerification bool) (*Auth, *jwt.Signer) {
	t.Helper()

	signer, err := jwt.New(testSecret, "secureuser", "classmate-bot")
	require.NoError(t, err)

	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	a := New(log, store, store, store, cache, signer, 15*time.Minute, 24*time.Hour, requireVerification)
	return a, signer
}

func registerVerified(t *testing.T, store *fakeStore, login, email, password string) uuid.UUID {
	t.Helper()

	passHash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	require.NoError(t, err)
	id, err := store.SaveUser(context.Background(), login, email, passHash, true)
	require.NoError(t, err)
	return id
}

func TestRegister_VerifiedFlagFollowsConfig(t *testing.T) {
	ctx := context.Background()

	store := newFakeStore()
	a, _ := newTestAuth(t, store, newFakeCache(), true)

	id, err := a.Register(ctx, "alice", "a@x.com", "password1")
	require.NoError(t, err)
	assert.False(t, store.users[id].Verified)

	store = newFakeStore()
	a, _ = newTestAuth(t, store, newFakeCache(), false)

	id, err = a.Register(ctx, "alice", "a@x.com", "password1")
	require.NoError(t, err)
	assert.True(t, store.users[id].Verified)
}

func TestRegister_Duplicate(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	a, _ := newTestAuth(t, store, newFakeCache(), false)

	_, err := a.Register(ctx, "alice", "a@x.com", "password1")
	require.NoError(t, err)

	_, err = a.Register(ctx, "alice", "other@x.com", "password1")
	require.ErrorIs(t, err, ErrUserAlreadyExists)
}

func TestLogin_IssuesSessionPair(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	cache := newFakeCache()
	a, signer := newTestAuth(t, store, cache, false)

	userID := registerVerified(t, store, "alice", "a@x.com", "password1")

	pair, err := a.Login(ctx, "alice", "password1")
	require.NoError(t, err)
	require.NotEmpty(t, pair.AccessToken)
	require.NotEmpty(t, pair.RefreshToken)
	assert.Equal(t, int64((15 * time.Minute).Seconds()), pair.ExpiresIn)

	accessClaims, err := signer.Parse(pair.AccessToken)
	require.NoError(t, err)
	refreshClaims, err := signer.Parse(pair.RefreshToken)
	require.NoError(t, err)

	assert.Equal(t, pair.SessionID.String(), accessClaims.SessionID)
	assert.Equal(t, accessClaims.SessionID, refreshClaims.SessionID)
	assert.NotEqual(t, accessClaims.ID, refreshClaims.ID)
	assert.Equal(t, string(models.TokenTypeAccess), accessClaims.TokenType)
	assert.Equal(t, string(models.TokenTypeRefresh), refreshClaims.TokenType)
	assert.Equal(t, userID.String(), accessClaims.Subject)

	// Two unrevoked ledger rows with distinct lifetimes, both mirrored.
	tokens, err := store.ActiveTokensBySession(ctx, userID, pair.SessionID)
	require.NoError(t, err)
	require.Len(t, tokens, 2)
	for _, token := range tokens {
		assert.False(t, token.Revoked)
	}
	assert.Equal(t, 2, cache.len())
	assert.NotEqual(t, accessClaims.ExpiresAt.Time, refreshClaims.ExpiresAt.Time)
}

func TestLogin_ByEmail(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	a, _ := newTestAuth(t, store, newFakeCache(), false)

	registerVerified(t, store, "alice", "a@x.com", "password1")

	_, err := a.Login(ctx, "a@x.com", "password1")
	require.NoError(t, err)
}

func TestLogin_UnknownUserAndWrongPasswordIndistinguishable(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	a, _ := newTestAuth(t, store, newFakeCache(), false)

	registerVerified(t, store, "alice", "a@x.com", "password1")

	_, errUnknown := a.Login(ctx, "nobody", "password1")
	_, errWrongPass := a.Login(ctx, "alice", "wrong-password")

	require.ErrorIs(t, errUnknown, ErrInvalidCredentials)
	require.ErrorIs(t, errWrongPass, ErrInvalidCredentials)
}

func TestLogin_UnverifiedAccount(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	a, _ := newTestAuth(t, store, newFakeCache(), true)

	_, err := a.Register(ctx, "alice", "a@x.com", "password1")
	require.NoError(t, err)

	_, err = a.Login(ctx, "alice", "password1")
	require.ErrorIs(t, err, ErrAccountNotVerified)
}

func TestLogin_CacheDownStillIssues(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	cache := newFakeCache()
	cache.failSave = true
	a, _ := newTestAuth(t, store, cache, false)

	registerVerified(t, store, "alice", "a@x.com", "password1")

	pair, err := a.Login(ctx, "alice", "password1")
	require.NoError(t, err)
	assert.NotEmpty(t, pair.AccessToken)
	assert.Equal(t, 0, cache.len())
}

func TestRefresh_RotatesSession(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	cache := newFakeCache()
	a, _ := newTestAuth(t, store, cache, false)

	userID := registerVerified(t, store, "alice", "a@x.com", "password1")

	pair, err := a.Login(ctx, "alice", "password1")
	require.NoError(t, err)

	rotated, err := a.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)
	assert.NotEqual(t, pair.SessionID, rotated.SessionID)

	// The prior session is fully revoked, the new one fully active.
	oldTokens, err := store.ActiveTokensBySession(ctx, userID, pair.SessionID)
	require.NoError(t, err)
	assert.Empty(t, oldTokens)

	newTokens, err := store.ActiveTokensBySession(ctx, userID, rotated.SessionID)
	require.NoError(t, err)
	assert.Len(t, newTokens, 2)

	// Only the new pair remains mirrored.
	assert.Equal(t, 2, cache.len())

	// Replay of the consumed refresh token fails.
	_, err = a.Refresh(ctx, pair.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRefresh_PurgesConsumedTokenMirror(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	cache := newFakeCache()
	a, signer := newTestAuth(t, store, cache, false)

	registerVerified(t, store, "alice", "a@x.com", "password1")
	pair, err := a.Login(ctx, "alice", "password1")
	require.NoError(t, err)

	accessClaims, err := signer.Parse(pair.AccessToken)
	require.NoError(t, err)
	refreshClaims, err := signer.Parse(pair.RefreshToken)
	require.NoError(t, err)
	require.True(t, cache.has(string(models.TokenTypeRefresh), refreshClaims.ID))

	_, err = a.Refresh(ctx, pair.RefreshToken)
	require.NoError(t, err)

	// The consumed refresh token's mirror must not outlive rotation.
	assert.False(t, cache.has(string(models.TokenTypeRefresh), refreshClaims.ID))
	assert.False(t, cache.has(string(models.TokenTypeAccess), accessClaims.ID))
	assert.Equal(t, 2, cache.len())
}

func TestRefresh_ExpiredTokenRejected(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	a, signer := newTestAuth(t, store, newFakeCache(), false)

	owner := registerVerified(t, store, "alice", "a@x.com", "password1")

	// Unrevoked ledger row whose signed value is past its exp claim.
	jti := uuid.New()
	session := uuid.New()
	issuedAt := time.Now().Add(-2 * time.Hour)
	signed, err := signer.Sign(jti, owner, session, models.TokenTypeRefresh, issuedAt, time.Hour)
	require.NoError(t, err)
	require.NoError(t, store.SaveTokens(ctx, []models.Token{{
		ID:        jti,
		Token:     signed,
		CreatedAt: issuedAt,
		ExpiresAt: issuedAt.Add(time.Hour),
		TokenType: models.TokenTypeRefresh,
		SessionID: session,
		OwnerID:   owner,
	}}))

	_, err = a.Refresh(ctx, signed)
	require.ErrorIs(t, err, ErrInvalidCredentials)

	active, err := store.ActiveTokensByOwner(ctx, owner)
	require.NoError(t, err)
	assert.Len(t, active, 1)
}

func TestRefresh_RejectsAccessToken(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	a, _ := newTestAuth(t, store, newFakeCache(), false)

	registerVerified(t, store, "alice", "a@x.com", "password1")
	pair, err := a.Login(ctx, "alice", "password1")
	require.NoError(t, err)

	_, err = a.Refresh(ctx, pair.AccessToken)
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRefresh_UnknownToken(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAuth(t, newFakeStore(), newFakeCache(), false)

	_, err := a.Refresh(ctx, "never-issued")
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRefresh_ConcurrentRotation_SingleWinner(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	a, _ := newTestAuth(t, store, newFakeCache(), false)

	registerVerified(t, store, "alice", "a@x.com", "password1")
	pair, err := a.Login(ctx, "alice", "password1")
	require.NoError(t, err)

	const attempts = 8
	results := make(chan error, attempts)

	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := a.Refresh(ctx, pair.RefreshToken)
			results <- err
		}()
	}
	wg.Wait()
	close(results)

	var succeeded, lost int
	for err := range results {
		if err == nil {
			succeeded++
			continue
		}
		require.ErrorIs(t, err, ErrInvalidCredentials)
		lost++
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, attempts-1, lost)
}

func TestLogout_SessionScoped(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	a, _ := newTestAuth(t, store, newFakeCache(), false)

	userID := registerVerified(t, store, "alice", "a@x.com", "password1")

	first, err := a.Login(ctx, "alice", "password1")
	require.NoError(t, err)
	second, err := a.Login(ctx, "alice", "password1")
	require.NoError(t, err)

	require.NoError(t, a.Logout(ctx, first.RefreshToken, false))

	// The sibling session survives a scoped logout.
	firstTokens, err := store.ActiveTokensBySession(ctx, userID, first.SessionID)
	require.NoError(t, err)
	assert.Empty(t, firstTokens)

	secondTokens, err := store.ActiveTokensBySession(ctx, userID, second.SessionID)
	require.NoError(t, err)
	assert.Len(t, secondTokens, 2)

	_, err = a.Refresh(ctx, first.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = a.Refresh(ctx, second.RefreshToken)
	require.NoError(t, err)
}

func TestLogout_AllSessions(t *testing.T) {
	ctx := context.Background()
	store := newFakeStore()
	a, _ := newTestAuth(t, store, newFakeCache(), false)

	userID := registerVerified(t, store, "alice", "a@x.com", "password1")

	first, err := a.Login(ctx, "alice", "password1")
	require.NoError(t, err)
	second, err := a.Login(ctx, "alice", "password1")
	require.NoError(t, err)

	require.NoError(t, a.Logout(ctx, first.RefreshToken, true))

	active, err := store.ActiveTokensByOwner(ctx, userID)
	require.NoError(t, err)
	assert.Empty(t, active)

	_, err = a.Refresh(ctx, second.RefreshToken)
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestLogout_UnknownToken(t *testing.T) {
	ctx := context.Background()
	a, _ := newTestAuth(t, newFakeStore(), newFakeCache(), false)

	err := a.Logout(ctx, "never-issued", false)
	require.ErrorIs(t, err, ErrInvalidCredentials)
}

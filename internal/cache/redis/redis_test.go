package redisx

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"secureuser/internal/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) (*Cache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	c := New(Config{Addr: mr.Addr(), Timeout: time.Second}, log)
	t.Cleanup(func() { _ = c.Close() })

	return c, mr
}

func TestSaveToken_KeyFormatAndTTL(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	jti := uuid.NewString()
	require.NoError(t, c.SaveToken(ctx, "ACCESS", jti, "signed-value", 15*time.Minute))

	got, err := mr.Get("jwt:ACCESS:" + jti)
	require.NoError(t, err)
	assert.Equal(t, "signed-value", got)
	assert.Equal(t, 15*time.Minute, mr.TTL("jwt:ACCESS:"+jti))

	signed, err := c.Token(ctx, "ACCESS", jti)
	require.NoError(t, err)
	assert.Equal(t, "signed-value", signed)
}

func TestToken_MissAfterDelete(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	jti := uuid.NewString()
	require.NoError(t, c.SaveToken(ctx, "REFRESH", jti, "signed-value", time.Hour))
	require.NoError(t, c.DeleteToken(ctx, "REFRESH", jti))

	_, err := c.Token(ctx, "REFRESH", jti)
	require.ErrorIs(t, err, cache.ErrNotFound)
}

func TestToken_MissAfterExpiry(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	jti := uuid.NewString()
	require.NoError(t, c.SaveToken(ctx, "ACCESS", jti, "signed-value", time.Minute))

	mr.FastForward(2 * time.Minute)

	_, err := c.Token(ctx, "ACCESS", jti)
	require.ErrorIs(t, err, cache.ErrNotFound)
}

func TestSaveConfirmation_FirstWriterWins(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	token := uuid.NewString()

	ok, err := c.SaveConfirmation(ctx, token, "alice", 30*time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = c.SaveConfirmation(ctx, token, "mallory", 30*time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	login, err := c.Confirmation(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, "alice", login)
}

func TestConfirmation_UnknownAndDeleted(t *testing.T) {
	c, _ := newTestCache(t)
	ctx := context.Background()

	_, err := c.Confirmation(ctx, uuid.NewString())
	require.ErrorIs(t, err, cache.ErrNotFound)

	token := uuid.NewString()
	ok, err := c.SaveConfirmation(ctx, token, "alice", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, c.DeleteConfirmation(ctx, token))

	_, err = c.Confirmation(ctx, token)
	require.ErrorIs(t, err, cache.ErrNotFound)
}

func TestToken_ServerDownDegradesToMiss(t *testing.T) {
	c, mr := newTestCache(t)
	ctx := context.Background()

	jti := uuid.NewString()
	require.NoError(t, c.SaveToken(ctx, "ACCESS", jti, "signed-value", time.Hour))

	mr.Close()

	_, err := c.Token(ctx, "ACCESS", jti)
	require.ErrorIs(t, err, cache.ErrNotFound)
}

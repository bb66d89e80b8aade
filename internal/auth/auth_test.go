package auth

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pulsehq/pulse/internal/storage/sqlite"
	"github.com/pulsehq/pulse/internal/types"
)

func newTestService(t *testing.T) (*Service, *sqlite.Store) {
	t.Helper()
	st, err := sqlite.New(context.Background(), filepath.Join(t.TempDir(), "pulse.db"), sqlite.Options{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return New(st, zerolog.Nop()), st
}

func seedOperator(t *testing.T, st *sqlite.Store, username, password string) *types.SystemUser {
	t.Helper()
	hash, err := HashPassword(password)
	require.NoError(t, err)
	u := &types.SystemUser{Username: username, PasswordHash: hash, Role: types.RoleAdministrator}
	require.NoError(t, st.CreateSystemUser(context.Background(), u))
	return u
}

func TestHashPasswordRoundTrip(t *testing.T) {
	hash, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, "s3cret", hash)
	assert.NotEmpty(t, hash)

	// Hashing is salted: two hashes of the same input differ.
	hash2, err := HashPassword("s3cret")
	require.NoError(t, err)
	assert.NotEqual(t, hash, hash2)
}

func TestLogin(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	seedOperator(t, st, "op", "s3cret")

	user, err := svc.Login(ctx, "op", "s3cret", "10.0.0.1", "test-agent")
	require.NoError(t, err)
	assert.Equal(t, "op", user.Username)
	assert.NotNil(t, user.LastLogin)

	_, err = svc.Login(ctx, "op", "wrong", "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	// Unknown usernames produce the same error as wrong passwords.
	_, err = svc.Login(ctx, "ghost", "s3cret", "10.0.0.1", "test-agent")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRememberTokenLifecycle(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	op := seedOperator(t, st, "op", "s3cret")

	plaintext, token, err := svc.IssueRememberToken(ctx, op.ID, 0, "10.0.0.1", "test-agent")
	require.NoError(t, err)
	assert.NotEmpty(t, plaintext)
	assert.NotEqual(t, plaintext, token.TokenHash, "plaintext never stored")
	assert.Equal(t, HashToken(plaintext), token.TokenHash)
	assert.WithinDuration(t, time.Now().Add(DefaultTokenTTL), token.ExpiresAt, time.Minute)

	got, err := svc.ValidateRememberToken(ctx, plaintext)
	require.NoError(t, err)
	assert.Equal(t, token.ID, got.ID)
	assert.Equal(t, op.ID, got.UserID)

	_, err = svc.ValidateRememberToken(ctx, "bogus")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	require.NoError(t, svc.RevokeToken(ctx, got))
	_, err = svc.ValidateRememberToken(ctx, plaintext)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestRotateRememberToken(t *testing.T) {
	ctx := context.Background()
	svc, st := newTestService(t)
	op := seedOperator(t, st, "op", "s3cret")

	oldPlain, _, err := svc.IssueRememberToken(ctx, op.ID, 0, "10.0.0.1", "test-agent")
	require.NoError(t, err)

	newPlain, newToken, err := svc.RotateRememberToken(ctx, oldPlain, 0, "10.0.0.2", "test-agent")
	require.NoError(t, err)
	assert.NotEqual(t, oldPlain, newPlain)
	assert.Equal(t, op.ID, newToken.UserID)

	// The rotated-away token is dead; the fresh one lives.
	_, err = svc.ValidateRememberToken(ctx, oldPlain)
	assert.ErrorIs(t, err, ErrInvalidCredentials)
	_, err = svc.ValidateRememberToken(ctx, newPlain)
	require.NoError(t, err)
}

func TestHashTokenIsDeterministic(t *testing.T) {
	assert.Equal(t, HashToken("abc"), HashToken("abc"))
	assert.NotEqual(t, HashToken("abc"), HashToken("abd"))
	assert.Len(t, HashToken("abc"), 64)
}

// Package auth manages operator accounts: password verification,
// persistent remember tokens, and the append-only login audit. Tokens
// are stored hashed only; the plaintext leaves this package exactly once
// at issue time.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/pulsehq/pulse/internal/storage"
	"github.com/pulsehq/pulse/internal/types"
)

// ErrInvalidCredentials covers unknown usernames and wrong passwords
// alike, so responses do not leak which one failed.
var ErrInvalidCredentials = errors.New("invalid credentials")

// DefaultTokenTTL is how long a remember token stays valid.
const DefaultTokenTTL = 30 * 24 * time.Hour

// Service wraps the storage identity operations.
type Service struct {
	store storage.Store
	log   zerolog.Logger
}

func New(store storage.Store, log zerolog.Logger) *Service {
	return &Service{store: store, log: log.With().Str("component", "auth").Logger()}
}

// HashPassword produces a bcrypt hash for storage.
func HashPassword(password string) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}

// HashToken derives the stored lookup key from a plaintext token.
func HashToken(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Login verifies a password, records the attempt in the audit log, and
// stamps last_login on success.
func (s *Service) Login(ctx context.Context, username, password, ip, userAgent string) (*types.SystemUser, error) {
	user, err := s.store.GetSystemUserByUsername(ctx, username)
	if err != nil {
		if storage.IsNotFound(err) {
			s.audit(ctx, username, nil, false, ip, userAgent)
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	if bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)) != nil {
		s.audit(ctx, username, &user.ID, false, ip, userAgent)
		return nil, ErrInvalidCredentials
	}

	now := time.Now().UTC()
	if err := s.store.TouchLastLogin(ctx, user.ID, now); err != nil {
		s.log.Warn().Err(err).Str("username", username).Msg("last_login update failed")
	}
	s.audit(ctx, username, &user.ID, true, ip, userAgent)
	user.LastLogin = &now
	return user, nil
}

// IssueRememberToken mints a token for a user. The returned plaintext is
// shown to the caller once; only its hash persists.
func (s *Service) IssueRememberToken(ctx context.Context, userID int64, ttl time.Duration, ip, userAgent string) (string, *types.RememberToken, error) {
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, err
	}
	plaintext := hex.EncodeToString(buf)

	token := &types.RememberToken{
		UserID:    userID,
		TokenHash: HashToken(plaintext),
		ExpiresAt: time.Now().UTC().Add(ttl),
		UserAgent: userAgent,
		IP:        ip,
	}
	if err := s.store.CreateRememberToken(ctx, token); err != nil {
		return "", nil, err
	}
	return plaintext, token, nil
}

// ValidateRememberToken resolves a plaintext token to its live record.
// The lookup hashes the input and matches by hash, so timing reveals
// nothing about stored tokens. Expired or revoked tokens are invalid
// credentials, not distinguishable errors.
func (s *Service) ValidateRememberToken(ctx context.Context, plaintext string) (*types.RememberToken, error) {
	token, err := s.store.GetRememberTokenByHash(ctx, HashToken(plaintext))
	if err != nil {
		if storage.IsNotFound(err) {
			return nil, ErrInvalidCredentials
		}
		return nil, err
	}
	return token, nil
}

// RotateRememberToken revokes the presented token and issues a fresh one
// for the same user.
func (s *Service) RotateRememberToken(ctx context.Context, plaintext string, ttl time.Duration, ip, userAgent string) (string, *types.RememberToken, error) {
	old, err := s.ValidateRememberToken(ctx, plaintext)
	if err != nil {
		return "", nil, err
	}
	if err := s.store.RevokeRememberToken(ctx, old.ID, time.Now().UTC()); err != nil {
		return "", nil, err
	}
	return s.IssueRememberToken(ctx, old.UserID, ttl, ip, userAgent)
}

// RevokeToken invalidates one remember token.
func (s *Service) RevokeToken(ctx context.Context, token *types.RememberToken) error {
	return s.store.RevokeRememberToken(ctx, token.ID, time.Now().UTC())
}

func (s *Service) audit(ctx context.Context, username string, userID *int64, success bool, ip, userAgent string) {
	entry := &types.LoginAudit{
		Username:  username,
		UserID:    userID,
		Success:   success,
		IP:        ip,
		UserAgent: userAgent,
	}
	if err := s.store.AppendLoginAudit(ctx, entry); err != nil {
		s.log.Warn().Err(err).Str("username", username).Msg("login audit append failed")
	}
}

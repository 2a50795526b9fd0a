package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"secureuser/internal/domain/models"
	"secureuser/internal/storage"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

type Storage struct {
	db *sql.DB
}

// New returns a new instance of the Storage.
func New(storagePath string) (*Storage, error) {
	const op = "storage.sqlite.New"

	db, err := sql.Open("sqlite3", storagePath)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &Storage{db: db}, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

// DB exposes the underlying handle for migrations in tests.
func (s *Storage) DB() *sql.DB {
	return s.db
}

func (s *Storage) SaveUser(ctx context.Context, login, email string, passHash []byte, verified bool) (uuid.UUID, error) {
	const op = "storage.sqlite.SaveUser"

	id := uuid.New()
	now := time.Now()

	_, err := s.db.ExecContext(ctx,
		"INSERT INTO users (id, login, email, pass_hash, is_verified, created_at, updated_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		id.String(), login, email, passHash, verified, now, now,
	)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			return uuid.Nil, fmt.Errorf("%s: %w", op, storage.ErrUserAlreadyExists)
		}
		return uuid.Nil, fmt.Errorf("%s: %w", op, err)
	}
	return id, nil
}

func (s *Storage) UserByLogin(ctx context.Context, login string) (*models.User, error) {
	const op = "storage.sqlite.UserByLogin"
	return s.user(ctx, op, "SELECT id, login, email, pass_hash, is_verified, created_at, updated_at FROM users WHERE login = ?", login)
}

// UserByLoginOrEmail resolves a login identifier that may be either a
// login or an email address.
func (s *Storage) UserByLoginOrEmail(ctx context.Context, identifier string) (*models.User, error) {
	const op = "storage.sqlite.UserByLoginOrEmail"
	return s.user(ctx, op, "SELECT id, login, email, pass_hash, is_verified, created_at, updated_at FROM users WHERE login = ? OR email = ?", identifier, identifier)
}

func (s *Storage) user(ctx context.Context, op, query string, args ...any) (*models.User, error) {
	row := s.db.QueryRowContext(ctx, query, args...)

	var user models.User
	var id string
	err := row.Scan(&id, &user.Login, &user.Email, &user.PassHash, &user.Verified, &user.CreatedAt, &user.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	user.ID, err = uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return &user, nil
}

func (s *Storage) SetUserVerified(ctx context.Context, userID uuid.UUID) error {
	const op = "storage.sqlite.SetUserVerified"

	result, err := s.db.ExecContext(ctx,
		"UPDATE users SET is_verified = 1, updated_at = ? WHERE id = ?",
		time.Now(), userID.String(),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrUserNotFound)
	}
	return nil
}

// SaveTokens inserts a batch of token rows in a single transaction, so a
// session's access/refresh pair appears atomically.
func (s *Storage) SaveTokens(ctx context.Context, tokens []models.Token) error {
	const op = "storage.sqlite.SaveTokens"

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT INTO tokens (id, token, revoked, created_at, expires_at, token_type, session_id, owner_id) VALUES (?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()

	for _, t := range tokens {
		_, err := stmt.ExecContext(ctx,
			t.ID.String(), t.Token, t.Revoked, t.CreatedAt, t.ExpiresAt,
			string(t.TokenType), t.SessionID.String(), t.OwnerID.String(),
		)
		if err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

func (s *Storage) TokenBySignedValue(ctx context.Context, signed string) (*models.Token, error) {
	const op = "storage.sqlite.TokenBySignedValue"

	row := s.db.QueryRowContext(ctx,
		"SELECT id, token, revoked, created_at, expires_at, token_type, session_id, owner_id FROM tokens WHERE token = ?",
		signed,
	)

	token, err := scanToken(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%s: %w", op, storage.ErrTokenNotFound)
		}
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return token, nil
}

func (s *Storage) ActiveTokensByOwner(ctx context.Context, ownerID uuid.UUID) ([]models.Token, error) {
	const op = "storage.sqlite.ActiveTokensByOwner"
	return s.tokens(ctx, op,
		"SELECT id, token, revoked, created_at, expires_at, token_type, session_id, owner_id FROM tokens WHERE owner_id = ? AND revoked = 0",
		ownerID.String(),
	)
}

func (s *Storage) ActiveTokensBySession(ctx context.Context, ownerID, sessionID uuid.UUID) ([]models.Token, error) {
	const op = "storage.sqlite.ActiveTokensBySession"
	return s.tokens(ctx, op,
		"SELECT id, token, revoked, created_at, expires_at, token_type, session_id, owner_id FROM tokens WHERE owner_id = ? AND session_id = ? AND revoked = 0",
		ownerID.String(), sessionID.String(),
	)
}

func (s *Storage) tokens(ctx context.Context, op, query string, args ...any) ([]models.Token, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var result []models.Token
	for rows.Next() {
		token, err := scanToken(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		result = append(result, *token)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return result, nil
}

// ClaimToken flips the revoked flag of a single still-active token. Of
// any number of concurrent claims on the same row exactly one observes
// revoked=0; the rest get storage.ErrTokenRevoked. This is the
// serialization point for refresh rotation.
func (s *Storage) ClaimToken(ctx context.Context, tokenID uuid.UUID) error {
	const op = "storage.sqlite.ClaimToken"

	result, err := s.db.ExecContext(ctx,
		"UPDATE tokens SET revoked = 1 WHERE id = ? AND revoked = 0",
		tokenID.String(),
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if affected == 0 {
		return fmt.Errorf("%s: %w", op, storage.ErrTokenRevoked)
	}
	return nil
}

// RevokeTokens marks the batch revoked in one transaction. Rows already
// revoked stay revoked; the flag never reverts.
func (s *Storage) RevokeTokens(ctx context.Context, tokenIDs []uuid.UUID) error {
	const op = "storage.sqlite.RevokeTokens"

	if len(tokenIDs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, "UPDATE tokens SET revoked = 1 WHERE id = ?")
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer stmt.Close()

	for _, id := range tokenIDs {
		if _, err := stmt.ExecContext(ctx, id.String()); err != nil {
			return fmt.Errorf("%s: %w", op, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanToken(row scanner) (*models.Token, error) {
	var token models.Token
	var id, tokenType, sessionID, ownerID string

	err := row.Scan(&id, &token.Token, &token.Revoked, &token.CreatedAt, &token.ExpiresAt, &tokenType, &sessionID, &ownerID)
	if err != nil {
		return nil, err
	}

	token.TokenType = models.TokenType(tokenType)
	if token.ID, err = uuid.Parse(id); err != nil {
		return nil, err
	}
	if token.SessionID, err = uuid.Parse(sessionID); err != nil {
		return nil, err
	}
	if token.OwnerID, err = uuid.Parse(ownerID); err != nil {
		return nil, err
	}
	return &token, nil
}

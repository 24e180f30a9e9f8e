package storage

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
)

// CreateAuthToken issues a fresh session token for the user. Any prior token
// the user held is deleted in the same transaction, so a login elsewhere
// invalidates the old session immediately rather than at its natural expiry.
func (s *Store) CreateAuthToken(ctx context.Context, userID string, nowMs, expiresAtMs int64) (AuthTokenRow, error) {
	if s == nil || s.db == nil {
		return AuthTokenRow{}, fmt.Errorf("db not initialized")
	}

	token, err := generateToken()
	if err != nil {
		return AuthTokenRow{}, err
	}

	row := AuthTokenRow{
		Token:       token,
		UserID:      userID,
		CreatedAtMs: nowMs,
		ExpiresAtMs: expiresAtMs,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return AuthTokenRow{}, err
	}
	defer func() { _ = tx.Rollback() }()

	deleteQ := `DELETE FROM auth_tokens WHERE user_id = ?;`
	if _, err := tx.ExecContext(ctx, s.rebind(deleteQ), userID); err != nil {
		return AuthTokenRow{}, err
	}

	insertQ := `INSERT INTO auth_tokens (token, user_id, created_at_ms, expires_at_ms)
		VALUES (?, ?, ?, ?);`
	if _, err := tx.ExecContext(ctx, s.rebind(insertQ),
		row.Token, row.UserID, row.CreatedAtMs, row.ExpiresAtMs,
	); err != nil {
		return AuthTokenRow{}, err
	}

	if err := tx.Commit(); err != nil {
		return AuthTokenRow{}, err
	}

	return row, nil
}

// ValidateToken resolves a token to its row. Expiry is evaluated lazily here;
// there is no eager eviction on the read path.
func (s *Store) ValidateToken(ctx context.Context, token string, nowMs int64) (AuthTokenRow, error) {
	if s == nil || s.db == nil {
		return AuthTokenRow{}, fmt.Errorf("db not initialized")
	}

	q := `SELECT token, user_id, created_at_ms, expires_at_ms
		FROM auth_tokens WHERE token = ?;`

	var row AuthTokenRow
	if err := s.db.QueryRowContext(ctx, s.rebind(q), token).Scan(
		&row.Token, &row.UserID, &row.CreatedAtMs, &row.ExpiresAtMs,
	); err != nil {
		if err == sql.ErrNoRows {
			return AuthTokenRow{}, ErrTokenInvalid
		}
		return AuthTokenRow{}, err
	}

	if nowMs > row.ExpiresAtMs {
		return AuthTokenRow{}, ErrTokenExpired
	}

	return row, nil
}

func (s *Store) DeleteToken(ctx context.Context, token string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db not initialized")
	}

	q := `DELETE FROM auth_tokens WHERE token = ?;`
	_, err := s.db.ExecContext(ctx, s.rebind(q), token)
	return err
}

func (s *Store) DeleteUserTokens(ctx context.Context, userID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db not initialized")
	}

	q := `DELETE FROM auth_tokens WHERE user_id = ?;`
	_, err := s.db.ExecContext(ctx, s.rebind(q), userID)
	return err
}

func (s *Store) CleanExpiredTokens(ctx context.Context, nowMs int64) (int64, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("db not initialized")
	}

	q := `DELETE FROM auth_tokens WHERE expires_at_ms < ?;`
	result, err := s.db.ExecContext(ctx, s.rebind(q), nowMs)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}

func generateToken() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

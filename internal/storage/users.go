package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const userColumns = `id, username, password_hash, nickname, first_name, last_name, email,
	avatar, visible_in_searches, last_login_ms, created_at_ms, updated_at_ms`

func (s *Store) CreateUser(ctx context.Context, username, passwordHash, nickname, firstName, lastName, email string, nowMs int64) (UserRow, error) {
	if s == nil || s.db == nil {
		return UserRow{}, fmt.Errorf("db not initialized")
	}

	user := UserRow{
		ID:                uuid.NewString(),
		Username:          username,
		PasswordHash:      passwordHash,
		Nickname:          nickname,
		FirstName:         firstName,
		LastName:          lastName,
		Email:             email,
		VisibleInSearches: true,
		CreatedAtMs:       nowMs,
		UpdatedAtMs:       nowMs,
	}

	q := `INSERT INTO users (id, username, password_hash, nickname, first_name, last_name, email, visible_in_searches, created_at_ms, updated_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, 1, ?, ?);`
	if _, err := s.db.ExecContext(ctx, s.rebind(q),
		user.ID, user.Username, user.PasswordHash, user.Nickname,
		user.FirstName, user.LastName, user.Email, nowMs, nowMs,
	); err != nil {
		if isUniqueViolation(err) {
			return UserRow{}, ErrUsernameExists
		}
		return UserRow{}, err
	}

	return user, nil
}

func (s *Store) GetUserByID(ctx context.Context, userID string) (UserRow, error) {
	if s == nil || s.db == nil {
		return UserRow{}, fmt.Errorf("db not initialized")
	}

	q := `SELECT ` + userColumns + ` FROM users WHERE id = ?;`
	return scanUser(s.db.QueryRowContext(ctx, s.rebind(q), userID))
}

func (s *Store) GetUserByUsername(ctx context.Context, username string) (UserRow, error) {
	if s == nil || s.db == nil {
		return UserRow{}, fmt.Errorf("db not initialized")
	}

	q := `SELECT ` + userColumns + ` FROM users WHERE username = ?;`
	return scanUser(s.db.QueryRowContext(ctx, s.rebind(q), username))
}

// ListVisibleUsers returns every account that opted into search visibility,
// excluding the requesting user.
func (s *Store) ListVisibleUsers(ctx context.Context, excludeUserID string) ([]UserRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("db not initialized")
	}

	q := `SELECT ` + userColumns + ` FROM users
		WHERE visible_in_searches = 1 AND id != ?
		ORDER BY nickname ASC, username ASC;`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), excludeUserID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectUsers(rows)
}

func (s *Store) UpdateUserAvatar(ctx context.Context, userID, avatar string, nowMs int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db not initialized")
	}

	q := `UPDATE users SET avatar = ?, updated_at_ms = ? WHERE id = ?;`
	res, err := s.db.ExecContext(ctx, s.rebind(q), avatar, nowMs, userID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: user", ErrNotFound)
	}
	return nil
}

func (s *Store) SetSearchVisibility(ctx context.Context, userID string, visible bool, nowMs int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db not initialized")
	}

	visibleInt := 0
	if visible {
		visibleInt = 1
	}

	q := `UPDATE users SET visible_in_searches = ?, updated_at_ms = ? WHERE id = ?;`
	res, err := s.db.ExecContext(ctx, s.rebind(q), visibleInt, nowMs, userID)
	if err != nil {
		return err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("%w: user", ErrNotFound)
	}
	return nil
}

func (s *Store) TouchLastLogin(ctx context.Context, userID string, nowMs int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db not initialized")
	}

	q := `UPDATE users SET last_login_ms = ? WHERE id = ?;`
	_, err := s.db.ExecContext(ctx, s.rebind(q), nowMs, userID)
	return err
}

func scanUser(row *sql.Row) (UserRow, error) {
	var user UserRow
	var avatar sql.NullString
	var visible int
	var lastLogin sql.NullInt64
	if err := row.Scan(
		&user.ID, &user.Username, &user.PasswordHash, &user.Nickname,
		&user.FirstName, &user.LastName, &user.Email,
		&avatar, &visible, &lastLogin, &user.CreatedAtMs, &user.UpdatedAtMs,
	); err != nil {
		if err == sql.ErrNoRows {
			return UserRow{}, fmt.Errorf("%w: user", ErrNotFound)
		}
		return UserRow{}, err
	}
	if avatar.Valid {
		user.Avatar = &avatar.String
	}
	user.VisibleInSearches = visible == 1
	if lastLogin.Valid {
		user.LastLoginMs = &lastLogin.Int64
	}
	return user, nil
}

func collectUsers(rows *sql.Rows) ([]UserRow, error) {
	var users []UserRow
	for rows.Next() {
		var user UserRow
		var avatar sql.NullString
		var visible int
		var lastLogin sql.NullInt64
		if err := rows.Scan(
			&user.ID, &user.Username, &user.PasswordHash, &user.Nickname,
			&user.FirstName, &user.LastName, &user.Email,
			&avatar, &visible, &lastLogin, &user.CreatedAtMs, &user.UpdatedAtMs,
		); err != nil {
			return nil, err
		}
		if avatar.Valid {
			user.Avatar = &avatar.String
		}
		user.VisibleInSearches = visible == 1
		if lastLogin.Valid {
			user.LastLoginMs = &lastLogin.Int64
		}
		users = append(users, user)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return users, nil
}

func isUniqueViolation(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "duplicate key") ||
		strings.Contains(msg, "unique_violation")
}

package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateCircle posts a feed entry visible to the author's friends as they
// are right now. The visibility set is a snapshot: friendships made later
// never see this entry. Returns the circle and the friend IDs captured in
// the snapshot (for live fan-out).
func (s *Store) CreateCircle(ctx context.Context, author UserRow, content string, image *string, nowMs int64) (CircleRow, []string, error) {
	if s == nil || s.db == nil {
		return CircleRow{}, nil, fmt.Errorf("db not initialized")
	}
	if author.ID == "" {
		return CircleRow{}, nil, fmt.Errorf("missing author")
	}

	friends, err := s.ListFriends(ctx, author.ID)
	if err != nil {
		return CircleRow{}, nil, err
	}

	circle := CircleRow{
		ID:             uuid.NewString(),
		AuthorID:       author.ID,
		AuthorUsername: author.Username,
		AuthorNickname: author.Nickname,
		AuthorAvatar:   author.Avatar,
		Content:        content,
		Image:          image,
		CreatedAtMs:    nowMs,
	}

	txCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(txCtx, nil)
	if err != nil {
		return CircleRow{}, nil, err
	}
	defer func() { _ = tx.Rollback() }()

	var imageVal any
	if image != nil {
		imageVal = *image
	}

	insertQ := rebindQuery(s.driver, `INSERT INTO circles (id, author_id, author_nickname, content, image, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?);`)
	if _, err := tx.ExecContext(txCtx, insertQ,
		circle.ID, circle.AuthorID, circle.AuthorNickname, circle.Content, imageVal, circle.CreatedAtMs,
	); err != nil {
		return CircleRow{}, nil, err
	}

	visibilityQ := rebindQuery(s.driver, `INSERT INTO circle_visibility (circle_id, user_id) VALUES (?, ?);`)
	if _, err := tx.ExecContext(txCtx, visibilityQ, circle.ID, author.ID); err != nil {
		return CircleRow{}, nil, err
	}

	friendIDs := make([]string, 0, len(friends))
	for _, friend := range friends {
		if _, err := tx.ExecContext(txCtx, visibilityQ, circle.ID, friend.ID); err != nil {
			return CircleRow{}, nil, err
		}
		friendIDs = append(friendIDs, friend.ID)
	}

	if err := tx.Commit(); err != nil {
		return CircleRow{}, nil, err
	}

	return circle, friendIDs, nil
}

// ListCirclesFor returns the newest circles visible to the user.
func (s *Store) ListCirclesFor(ctx context.Context, userID string, limit int) ([]CircleRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("db not initialized")
	}
	if userID == "" {
		return nil, fmt.Errorf("missing userID")
	}
	if limit <= 0 {
		limit = 10
	}

	q := `SELECT c.id, c.author_id, u.username, c.author_nickname, u.avatar, c.content, c.image, c.created_at_ms
		FROM circles c
		JOIN circle_visibility v ON v.circle_id = c.id
		JOIN users u ON u.id = c.author_id
		WHERE v.user_id = ?
		ORDER BY c.created_at_ms DESC
		LIMIT ?;`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var circles []CircleRow
	for rows.Next() {
		var circle CircleRow
		var avatar, image sql.NullString
		if err := rows.Scan(
			&circle.ID, &circle.AuthorID, &circle.AuthorUsername, &circle.AuthorNickname,
			&avatar, &circle.Content, &image, &circle.CreatedAtMs,
		); err != nil {
			return nil, err
		}
		if avatar.Valid {
			circle.AuthorAvatar = &avatar.String
		}
		if image.Valid {
			circle.Image = &image.String
		}
		circles = append(circles, circle)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return circles, nil
}

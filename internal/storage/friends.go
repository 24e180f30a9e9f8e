package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

func (s *Store) AreFriends(ctx context.Context, userID, friendID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("db not initialized")
	}
	if userID == "" || friendID == "" {
		return false, fmt.Errorf("missing user ids")
	}

	q := `SELECT 1 FROM friendships WHERE user_id = ? AND friend_id = ?;`
	var one int
	if err := s.db.QueryRowContext(ctx, s.rebind(q), userID, friendID).Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return one == 1, nil
}

func (s *Store) ListFriends(ctx context.Context, userID string) ([]UserRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("db not initialized")
	}
	if userID == "" {
		return nil, fmt.Errorf("missing userID")
	}

	q := `SELECT u.id, u.username, u.password_hash, u.nickname, u.first_name, u.last_name, u.email,
		u.avatar, u.visible_in_searches, u.last_login_ms, u.created_at_ms, u.updated_at_ms
		FROM friendships f
		JOIN users u ON u.id = f.friend_id
		WHERE f.user_id = ?
		ORDER BY u.nickname ASC, u.username ASC;`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectUsers(rows)
}

// CreateFriendRequestNotice records a friend request as a typed notice on the
// recipient. The request is deduplicated: already-friends and an outstanding
// non-dismissed request from the same sender are both conflicts.
func (s *Store) CreateFriendRequestNotice(ctx context.Context, sender UserRow, recipientID string, nowMs int64) (NoticeRow, error) {
	if s == nil || s.db == nil {
		return NoticeRow{}, fmt.Errorf("db not initialized")
	}
	if sender.ID == "" || recipientID == "" {
		return NoticeRow{}, fmt.Errorf("missing user ids")
	}
	if sender.ID == recipientID {
		return NoticeRow{}, ErrCannotFriendSelf
	}

	if _, err := s.GetUserByID(ctx, recipientID); err != nil {
		return NoticeRow{}, err
	}

	alreadyFriends, err := s.AreFriends(ctx, recipientID, sender.ID)
	if err != nil {
		return NoticeRow{}, err
	}
	if alreadyFriends {
		return NoticeRow{}, ErrAlreadyFriends
	}

	pendingQ := `SELECT 1 FROM notices
		WHERE recipient_id = ? AND sender = ? AND type = ? AND dismissed = 0;`
	var one int
	err = s.db.QueryRowContext(ctx, s.rebind(pendingQ), recipientID, sender.Username, NoticeTypeFriendRequest).Scan(&one)
	if err == nil {
		return NoticeRow{}, ErrRequestExists
	}
	if err != sql.ErrNoRows {
		return NoticeRow{}, err
	}

	notice := newNotice(recipientID, NoticeTypeFriendRequest, sender,
		fmt.Sprintf("%s sent you a friend request", sender.Nickname), nowMs)

	if err := s.insertNotice(ctx, s.db, notice); err != nil {
		return NoticeRow{}, err
	}
	return notice, nil
}

// AcceptFriendRequest resolves a friend-request notice: both friendship
// edges, deletion of the request notice and the acceptance notice for the
// original sender are committed as one unit.
func (s *Store) AcceptFriendRequest(ctx context.Context, noticeID string, accepter UserRow, nowMs int64) (UserRow, NoticeRow, error) {
	if s == nil || s.db == nil {
		return UserRow{}, NoticeRow{}, fmt.Errorf("db not initialized")
	}
	if noticeID == "" || accepter.ID == "" {
		return UserRow{}, NoticeRow{}, fmt.Errorf("missing ids")
	}

	txCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(txCtx, nil)
	if err != nil {
		return UserRow{}, NoticeRow{}, err
	}
	defer func() { _ = tx.Rollback() }()

	notice, err := getNoticeByID(txCtx, tx, s.driver, noticeID)
	if err != nil {
		return UserRow{}, NoticeRow{}, err
	}
	if notice.RecipientID != accepter.ID || notice.Type != NoticeTypeFriendRequest {
		return UserRow{}, NoticeRow{}, ErrAccessDenied
	}

	senderQ := rebindQuery(s.driver, `SELECT id, username, password_hash, nickname, first_name, last_name, email,
		avatar, visible_in_searches, last_login_ms, created_at_ms, updated_at_ms
		FROM users WHERE username = ?;`)
	sender, err := scanUser(tx.QueryRowContext(txCtx, senderQ, notice.Sender))
	if err != nil {
		return UserRow{}, NoticeRow{}, err
	}

	// The edge is mirrored; both inserts land or neither does.
	if err := upsertFriendship(txCtx, tx, s.driver, sender.ID, accepter.ID, nowMs); err != nil {
		return UserRow{}, NoticeRow{}, err
	}
	if err := upsertFriendship(txCtx, tx, s.driver, accepter.ID, sender.ID, nowMs); err != nil {
		return UserRow{}, NoticeRow{}, err
	}

	deleteQ := rebindQuery(s.driver, `DELETE FROM notices WHERE id = ?;`)
	if _, err := tx.ExecContext(txCtx, deleteQ, notice.ID); err != nil {
		return UserRow{}, NoticeRow{}, err
	}

	acceptance := newNotice(sender.ID, NoticeTypeRequestAccepted, accepter,
		fmt.Sprintf("%s accepted your friend request.", accepter.Nickname), nowMs)
	if err := s.insertNotice(txCtx, tx, acceptance); err != nil {
		return UserRow{}, NoticeRow{}, err
	}

	if err := tx.Commit(); err != nil {
		return UserRow{}, NoticeRow{}, err
	}

	return sender, acceptance, nil
}

// RemoveFriend deletes the edge from both sides atomically.
func (s *Store) RemoveFriend(ctx context.Context, userID, friendID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db not initialized")
	}
	if userID == "" || friendID == "" {
		return fmt.Errorf("missing user ids")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	q := rebindQuery(s.driver, `DELETE FROM friendships
		WHERE (user_id = ? AND friend_id = ?) OR (user_id = ? AND friend_id = ?);`)
	if _, err := tx.ExecContext(ctx, q, userID, friendID, friendID, userID); err != nil {
		return err
	}

	return tx.Commit()
}

func upsertFriendship(ctx context.Context, exec sqlExecer, driver, userID, friendID string, nowMs int64) error {
	query := rebindQuery(driver, `INSERT INTO friendships (user_id, friend_id, created_at_ms)
		VALUES (?, ?, ?)
		ON CONFLICT(user_id, friend_id) DO NOTHING;`)
	_, err := exec.ExecContext(ctx, query, userID, friendID, nowMs)
	return err
}

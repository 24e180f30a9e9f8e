package storage

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

func newNotice(recipientID, noticeType string, sender UserRow, message string, nowMs int64) NoticeRow {
	return NoticeRow{
		ID:             uuid.NewString(),
		RecipientID:    recipientID,
		Type:           noticeType,
		Sender:         sender.Username,
		SenderNickname: sender.Nickname,
		Avatar:         sender.Avatar,
		Message:        message,
		CreatedAtMs:    nowMs,
	}
}

func (s *Store) insertNotice(ctx context.Context, exec sqlExecer, notice NoticeRow) error {
	q := rebindQuery(s.driver, `INSERT INTO notices (id, recipient_id, type, sender, sender_nickname, avatar, message, dismissed, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);`)

	var avatarVal any
	if notice.Avatar != nil {
		avatarVal = *notice.Avatar
	}
	dismissedInt := 0
	if notice.Dismissed {
		dismissedInt = 1
	}

	_, err := exec.ExecContext(ctx, q,
		notice.ID, notice.RecipientID, notice.Type, notice.Sender, notice.SenderNickname,
		avatarVal, notice.Message, dismissedInt, notice.CreatedAtMs,
	)
	return err
}

func (s *Store) ListNotices(ctx context.Context, recipientID string) ([]NoticeRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("db not initialized")
	}
	if recipientID == "" {
		return nil, fmt.Errorf("missing recipientID")
	}

	q := `SELECT id, recipient_id, type, sender, sender_nickname, avatar, message, dismissed, created_at_ms
		FROM notices WHERE recipient_id = ?
		ORDER BY created_at_ms ASC;`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), recipientID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notices []NoticeRow
	for rows.Next() {
		notice, err := scanNotice(rows)
		if err != nil {
			return nil, err
		}
		notices = append(notices, notice)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return notices, nil
}

func (s *Store) GetNoticeByID(ctx context.Context, noticeID string) (NoticeRow, error) {
	if s == nil || s.db == nil {
		return NoticeRow{}, fmt.Errorf("db not initialized")
	}
	return getNoticeByID(ctx, s.db, s.driver, noticeID)
}

// DeleteNotice removes the notice if present. Absence is not an error so a
// client that is out of sync can still clear its copy.
func (s *Store) DeleteNotice(ctx context.Context, noticeID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("db not initialized")
	}

	q := `DELETE FROM notices WHERE id = ?;`
	res, err := s.db.ExecContext(ctx, s.rebind(q), noticeID)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// DismissNotice flags the notice as read without deleting it.
func (s *Store) DismissNotice(ctx context.Context, noticeID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("db not initialized")
	}

	q := `UPDATE notices SET dismissed = 1 WHERE id = ?;`
	res, err := s.db.ExecContext(ctx, s.rebind(q), noticeID)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

// CreateErrorNotice persists a system error notice for the recipient. Used
// by the realtime layer to surface handler failures in-band.
func (s *Store) CreateErrorNotice(ctx context.Context, recipientID, message string, nowMs int64) (NoticeRow, error) {
	if s == nil || s.db == nil {
		return NoticeRow{}, fmt.Errorf("db not initialized")
	}
	if recipientID == "" {
		return NoticeRow{}, fmt.Errorf("missing recipientID")
	}

	system := UserRow{Username: "System", Nickname: "System"}
	notice := newNotice(recipientID, NoticeTypeError, system, message, nowMs)
	if err := s.insertNotice(ctx, s.db, notice); err != nil {
		return NoticeRow{}, err
	}
	return notice, nil
}

func getNoticeByID(ctx context.Context, q sqlQueryer, driver, noticeID string) (NoticeRow, error) {
	query := rebindQuery(driver, `SELECT id, recipient_id, type, sender, sender_nickname, avatar, message, dismissed, created_at_ms
		FROM notices WHERE id = ?;`)

	var notice NoticeRow
	var avatar sql.NullString
	var dismissed int
	if err := q.QueryRowContext(ctx, query, noticeID).Scan(
		&notice.ID, &notice.RecipientID, &notice.Type, &notice.Sender, &notice.SenderNickname,
		&avatar, &notice.Message, &dismissed, &notice.CreatedAtMs,
	); err != nil {
		if err == sql.ErrNoRows {
			return NoticeRow{}, fmt.Errorf("%w: notice", ErrNotFound)
		}
		return NoticeRow{}, err
	}
	if avatar.Valid {
		notice.Avatar = &avatar.String
	}
	notice.Dismissed = dismissed == 1
	return notice, nil
}

func scanNotice(rows *sql.Rows) (NoticeRow, error) {
	var notice NoticeRow
	var avatar sql.NullString
	var dismissed int
	if err := rows.Scan(
		&notice.ID, &notice.RecipientID, &notice.Type, &notice.Sender, &notice.SenderNickname,
		&avatar, &notice.Message, &dismissed, &notice.CreatedAtMs,
	); err != nil {
		return NoticeRow{}, err
	}
	if avatar.Valid {
		notice.Avatar = &avatar.String
	}
	notice.Dismissed = dismissed == 1
	return notice, nil
}

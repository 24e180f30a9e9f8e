package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CreateChat inserts the chat and its full membership in one transaction.
// memberIDs should include the creator; duplicates are collapsed.
func (s *Store) CreateChat(ctx context.Context, name, creatorID string, memberIDs []string, nowMs int64) (ChatRow, error) {
	if s == nil || s.db == nil {
		return ChatRow{}, fmt.Errorf("db not initialized")
	}
	if creatorID == "" {
		return ChatRow{}, fmt.Errorf("missing creatorID")
	}
	if len(memberIDs) == 0 {
		return ChatRow{}, fmt.Errorf("missing members")
	}

	chat := ChatRow{
		ID:          uuid.NewString(),
		Name:        name,
		CreatorID:   creatorID,
		CreatedAtMs: nowMs,
	}

	txCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	tx, err := s.db.BeginTx(txCtx, nil)
	if err != nil {
		return ChatRow{}, err
	}
	defer func() { _ = tx.Rollback() }()

	insertChatQ := `INSERT INTO chats (id, name, creator_id, created_at_ms) VALUES (?, ?, ?, ?);`
	if _, err := tx.ExecContext(txCtx, s.rebind(insertChatQ),
		chat.ID, chat.Name, chat.CreatorID, chat.CreatedAtMs,
	); err != nil {
		return ChatRow{}, err
	}

	seen := make(map[string]struct{}, len(memberIDs)+1)
	insertMemberQ := `INSERT INTO chat_members (chat_id, user_id) VALUES (?, ?);`
	for _, userID := range append([]string{creatorID}, memberIDs...) {
		if userID == "" {
			continue
		}
		if _, ok := seen[userID]; ok {
			continue
		}
		seen[userID] = struct{}{}
		if _, err := tx.ExecContext(txCtx, s.rebind(insertMemberQ), chat.ID, userID); err != nil {
			return ChatRow{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return ChatRow{}, err
	}

	return chat, nil
}

func (s *Store) GetChatByID(ctx context.Context, chatID string) (ChatRow, error) {
	if s == nil || s.db == nil {
		return ChatRow{}, fmt.Errorf("db not initialized")
	}

	q := `SELECT id, name, creator_id, last_message, last_message_at_ms, created_at_ms
		FROM chats WHERE id = ?;`

	var chat ChatRow
	var lastMessage sql.NullString
	var lastMessageAt sql.NullInt64
	if err := s.db.QueryRowContext(ctx, s.rebind(q), chatID).Scan(
		&chat.ID, &chat.Name, &chat.CreatorID, &lastMessage, &lastMessageAt, &chat.CreatedAtMs,
	); err != nil {
		if err == sql.ErrNoRows {
			return ChatRow{}, fmt.Errorf("%w: chat", ErrNotFound)
		}
		return ChatRow{}, err
	}
	if lastMessage.Valid {
		chat.LastMessage = &lastMessage.String
	}
	if lastMessageAt.Valid {
		chat.LastMessageAtMs = &lastMessageAt.Int64
	}
	return chat, nil
}

// ListChatsFor returns every chat containing the user, most recently
// active first.
func (s *Store) ListChatsFor(ctx context.Context, userID string) ([]ChatRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("db not initialized")
	}
	if userID == "" {
		return nil, fmt.Errorf("missing userID")
	}

	q := `SELECT c.id, c.name, c.creator_id, c.last_message, c.last_message_at_ms, c.created_at_ms
		FROM chats c
		JOIN chat_members m ON m.chat_id = c.id
		WHERE m.user_id = ?
		ORDER BY COALESCE(c.last_message_at_ms, c.created_at_ms) DESC;`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var chats []ChatRow
	for rows.Next() {
		var chat ChatRow
		var lastMessage sql.NullString
		var lastMessageAt sql.NullInt64
		if err := rows.Scan(
			&chat.ID, &chat.Name, &chat.CreatorID, &lastMessage, &lastMessageAt, &chat.CreatedAtMs,
		); err != nil {
			return nil, err
		}
		if lastMessage.Valid {
			chat.LastMessage = &lastMessage.String
		}
		if lastMessageAt.Valid {
			chat.LastMessageAtMs = &lastMessageAt.Int64
		}
		chats = append(chats, chat)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return chats, nil
}

func (s *Store) ListChatMembers(ctx context.Context, chatID string) ([]UserRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("db not initialized")
	}
	if chatID == "" {
		return nil, fmt.Errorf("missing chatID")
	}

	q := `SELECT u.id, u.username, u.password_hash, u.nickname, u.first_name, u.last_name, u.email,
		u.avatar, u.visible_in_searches, u.last_login_ms, u.created_at_ms, u.updated_at_ms
		FROM users u
		JOIN chat_members m ON m.user_id = u.id
		WHERE m.chat_id = ?
		ORDER BY u.username ASC;`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), chatID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return collectUsers(rows)
}

func (s *Store) IsChatMember(ctx context.Context, chatID, userID string) (bool, error) {
	if s == nil || s.db == nil {
		return false, fmt.Errorf("db not initialized")
	}

	q := `SELECT 1 FROM chat_members WHERE chat_id = ? AND user_id = ?;`
	var one int
	if err := s.db.QueryRowContext(ctx, s.rebind(q), chatID, userID).Scan(&one); err != nil {
		if err == sql.ErrNoRows {
			return false, nil
		}
		return false, err
	}
	return one == 1, nil
}

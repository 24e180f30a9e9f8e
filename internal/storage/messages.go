package storage

import (
	"context"
	"database/sql"
	"fmt"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Chat list previews show at most this many runes of the latest message.
const previewPrefixLen = 16

// ImagePreview is the preview text used when the latest message is an image.
const ImagePreview = "Image"

// AppendMessage persists a message and updates the chat's denormalized
// preview in the same transaction. Exactly one of text/image must be set;
// the caller validates that. The updated preview is returned so it can be
// fanned out without a re-read.
func (s *Store) AppendMessage(ctx context.Context, chatID, senderID string, text, image *string, nowMs int64) (MessageRow, string, error) {
	if s == nil || s.db == nil {
		return MessageRow{}, "", fmt.Errorf("db not initialized")
	}

	isMember, err := s.IsChatMember(ctx, chatID, senderID)
	if err != nil {
		return MessageRow{}, "", err
	}
	if !isMember {
		return MessageRow{}, "", ErrAccessDenied
	}

	if text != nil && utf8.RuneCountInString(*text) > MaxMessageLen {
		return MessageRow{}, "", ErrMessageTooLong
	}

	msg := MessageRow{
		ID:          uuid.NewString(),
		ChatID:      chatID,
		SenderID:    senderID,
		Text:        text,
		Image:       image,
		CreatedAtMs: nowMs,
	}

	preview := MessagePreview(text, image)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return MessageRow{}, "", err
	}
	defer func() { _ = tx.Rollback() }()

	insertQ := `INSERT INTO messages (id, chat_id, sender_id, text, image, created_at_ms)
		VALUES (?, ?, ?, ?, ?, ?);`

	var textVal, imageVal any
	if text != nil {
		textVal = *text
	}
	if image != nil {
		imageVal = *image
	}

	if _, err := tx.ExecContext(ctx, s.rebind(insertQ),
		msg.ID, msg.ChatID, msg.SenderID, textVal, imageVal, msg.CreatedAtMs,
	); err != nil {
		return MessageRow{}, "", err
	}

	updateQ := `UPDATE chats SET last_message = ?, last_message_at_ms = ? WHERE id = ?;`
	res, err := tx.ExecContext(ctx, s.rebind(updateQ), preview, nowMs, chatID)
	if err != nil {
		return MessageRow{}, "", err
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return MessageRow{}, "", fmt.Errorf("%w: chat", ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return MessageRow{}, "", err
	}

	return msg, preview, nil
}

// MessagePreview derives the chat-list preview for a message. Images always
// show the literal "Image"; text longer than the prefix window is truncated
// with an ellipsis.
func MessagePreview(text, image *string) string {
	if image != nil {
		return ImagePreview
	}
	if text == nil {
		return ""
	}
	runes := []rune(*text)
	if len(runes) <= previewPrefixLen {
		return *text
	}
	return string(runes[:previewPrefixLen]) + "..."
}

// ListChatMessages returns the most recent messages for a chat in
// chronological order.
func (s *Store) ListChatMessages(ctx context.Context, chatID string, limit int) ([]MessageRow, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("db not initialized")
	}
	if limit <= 0 {
		limit = 50
	}

	q := `SELECT id, chat_id, sender_id, text, image, read_at_ms, created_at_ms
		FROM messages
		WHERE chat_id = ?
		ORDER BY created_at_ms DESC
		LIMIT ?;`

	rows, err := s.db.QueryContext(ctx, s.rebind(q), chatID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []MessageRow
	for rows.Next() {
		var msg MessageRow
		var text, image sql.NullString
		var readAt sql.NullInt64
		if err := rows.Scan(&msg.ID, &msg.ChatID, &msg.SenderID, &text, &image, &readAt, &msg.CreatedAtMs); err != nil {
			return nil, err
		}
		if text.Valid {
			msg.Text = &text.String
		}
		if image.Valid {
			msg.Image = &image.String
		}
		if readAt.Valid {
			msg.ReadAtMs = &readAt.Int64
		}
		messages = append(messages, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}

	return messages, nil
}

// MarkMessageRead stamps the read timestamp once; later calls are no-ops.
func (s *Store) MarkMessageRead(ctx context.Context, messageID string, nowMs int64) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db not initialized")
	}

	q := `UPDATE messages SET read_at_ms = ? WHERE id = ? AND read_at_ms IS NULL;`
	_, err := s.db.ExecContext(ctx, s.rebind(q), nowMs, messageID)
	return err
}

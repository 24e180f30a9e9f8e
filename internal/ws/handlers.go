package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/zhangzhuoran997997/OnlineChat/internal/storage"
)

const historyPageSize = 50

type inboundEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

type addMessageIn struct {
	ChatID    string `json:"chatId"`
	Message   string `json:"message"`
	Image     string `json:"image"`
	Extension string `json:"extension"`
}

type loadMessagesIn struct {
	ChatID string `json:"chatId"`
}

type addChatIn struct {
	Usernames []string `json:"usernames"`
	Name      string   `json:"name"`
}

type addCircleIn struct {
	Circle    string `json:"circle"`
	Image     string `json:"image"`
	Extension string `json:"extension"`
}

type friendRequestIn struct {
	Username string `json:"username"`
}

type noticeIDIn struct {
	ID string `json:"id"`
}

type accountUpdateIn struct {
	Avatar            *string `json:"avatar"`
	Extension         string  `json:"extension"`
	VisibleInSearches *bool   `json:"visibleInSearches"`
}

// handleEvent dispatches one inbound frame. Events for a connection run
// serially on its read loop, so a client observes its own effects in order.
func (m *Manager) handleEvent(c *client, raw []byte) {
	var env inboundEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		m.logger.Warn("ws malformed frame", "userID", c.user.ID, "error", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch env.Type {
	case EvtAddMessageToChat:
		m.onAddMessage(ctx, c, env.Payload)
	case EvtLoadActiveChatMessages:
		m.onLoadMessages(ctx, c, env.Payload)
	case EvtAddChat:
		m.onAddChat(ctx, c, env.Payload)
	case EvtAddCircle:
		m.onAddCircle(ctx, c, env.Payload)
	case EvtFriendRequest:
		m.onFriendRequest(ctx, c, env.Payload)
	case EvtFriendRequestAccepted:
		m.onFriendRequestAccepted(ctx, c, env.Payload)
	case EvtDeleteNotification:
		m.onDeleteNotification(ctx, c, env.Payload)
	case EvtDismissNotification:
		m.onDismissNotification(ctx, c, env.Payload)
	case EvtAccountUpdate:
		m.onAccountUpdate(ctx, c, env.Payload)
	case EvtLoadUsers:
		m.onLoadUsers(ctx, c)
	default:
		m.logger.Warn("ws unknown event", "type", env.Type, "userID", c.user.ID)
	}
}

func (m *Manager) onAddMessage(ctx context.Context, c *client, raw json.RawMessage) {
	var in addMessageIn
	if err := json.Unmarshal(raw, &in); err != nil {
		m.reportError(ctx, c, "Malformed message payload.")
		return
	}
	if in.ChatID == "" || (in.Message == "" && in.Image == "") {
		m.reportError(ctx, c, "A message needs a chat and either text or an image.")
		return
	}

	var image *string
	if in.Image != "" {
		name, err := m.images.SaveBase64(in.Image, in.Extension)
		if err != nil {
			m.logger.Warn("message image rejected", "userID", c.user.ID, "error", err)
			m.reportError(ctx, c, "The image could not be saved.")
			return
		}
		image = &name
	}

	var text *string
	if in.Message != "" {
		text = &in.Message
	}

	msg, preview, err := m.store.AppendMessage(ctx, in.ChatID, c.user.ID, text, image, time.Now().UnixMilli())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrAccessDenied):
			m.reportError(ctx, c, "You are not a member of that chat.")
		case errors.Is(err, storage.ErrMessageTooLong):
			m.reportError(ctx, c, "Messages are limited to 500 characters.")
		case errors.Is(err, storage.ErrNotFound):
			m.reportError(ctx, c, "That chat no longer exists.")
		default:
			m.logger.Error("append message failed", "error", err, "chatID", in.ChatID)
			m.reportError(ctx, c, "The message could not be delivered.")
		}
		return
	}

	m.SendToRoom(in.ChatID, Envelope{Type: EvtAddMessageToChat, Payload: chatMessagePayload{
		ChatID:        in.ChatID,
		LastMessage:   preview,
		LastMessageAt: msg.CreatedAtMs,
		Message:       messageToView(msg, c.user),
	}})
}

func messageToView(msg storage.MessageRow, sender storage.UserRow) messageView {
	return messageView{
		ID:           msg.ID,
		Username:     sender.Username,
		UserNickname: sender.Nickname,
		Message:      msg.Text,
		Image:        msg.Image,
		Timestamp:    msg.CreatedAtMs,
	}
}

func (m *Manager) onLoadMessages(ctx context.Context, c *client, raw json.RawMessage) {
	var in loadMessagesIn
	if err := json.Unmarshal(raw, &in); err != nil {
		// The payload may be a bare chat id string.
		if err2 := json.Unmarshal(raw, &in.ChatID); err2 != nil {
			m.reportError(ctx, c, "Malformed chat payload.")
			return
		}
	}

	member, err := m.store.IsChatMember(ctx, in.ChatID, c.user.ID)
	if err != nil {
		m.logger.Error("membership check failed", "error", err, "chatID", in.ChatID)
		return
	}
	if !member {
		m.reportError(ctx, c, "You are not a member of that chat.")
		return
	}

	members, err := m.store.ListChatMembers(ctx, in.ChatID)
	if err != nil {
		m.logger.Error("load chat members failed", "error", err, "chatID", in.ChatID)
		return
	}
	byID := make(map[string]storage.UserRow, len(members))
	for _, member := range members {
		byID[member.ID] = member
	}

	msgs, err := m.store.ListChatMessages(ctx, in.ChatID, historyPageSize)
	if err != nil {
		m.logger.Error("load messages failed", "error", err, "chatID", in.ChatID)
		return
	}

	views := make([]messageView, 0, len(msgs))
	for _, msg := range msgs {
		views = append(views, messageToView(msg, byID[msg.SenderID]))
	}
	m.sendToClient(c, Envelope{Type: EvtLoadActiveChatMessages, Payload: views})
}

func (m *Manager) onAddChat(ctx context.Context, c *client, raw json.RawMessage) {
	var in addChatIn
	if err := json.Unmarshal(raw, &in); err != nil || len(in.Usernames) == 0 {
		m.reportError(ctx, c, "A chat needs at least one other member.")
		return
	}

	memberIDs := make([]string, 0, len(in.Usernames))
	for _, username := range in.Usernames {
		user, err := m.store.GetUserByUsername(ctx, username)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				m.reportError(ctx, c, "User "+username+" was not found.")
				return
			}
			m.logger.Error("resolve username failed", "error", err, "username", username)
			return
		}
		memberIDs = append(memberIDs, user.ID)
	}

	chat, err := m.store.CreateChat(ctx, in.Name, c.user.ID, memberIDs, time.Now().UnixMilli())
	if err != nil {
		m.logger.Error("create chat failed", "error", err)
		m.reportError(ctx, c, "The chat could not be created.")
		return
	}

	members, err := m.store.ListChatMembers(ctx, chat.ID)
	if err != nil {
		m.logger.Error("load chat members failed", "error", err, "chatID", chat.ID)
		return
	}

	// Each online member sees the chat titled from their own side, and their
	// connection joins the new room immediately.
	for _, member := range members {
		m.JoinRoom(chat.ID, member.ID)
		m.SendToUser(member.ID, Envelope{
			Type:    EvtAddChat,
			Payload: m.composeChatView(member.ID, chat, members),
		})
	}
}

func (m *Manager) onAddCircle(ctx context.Context, c *client, raw json.RawMessage) {
	var in addCircleIn
	if err := json.Unmarshal(raw, &in); err != nil || (in.Circle == "" && in.Image == "") {
		m.reportError(ctx, c, "A circle needs text or an image.")
		return
	}

	var image *string
	if in.Image != "" {
		name, err := m.images.SaveBase64(in.Image, in.Extension)
		if err != nil {
			m.logger.Warn("circle image rejected", "userID", c.user.ID, "error", err)
			m.reportError(ctx, c, "The image could not be saved.")
			return
		}
		image = &name
	}

	// The author is always the session identity, never a payload field.
	circle, friendIDs, err := m.store.CreateCircle(ctx, c.user, in.Circle, image, time.Now().UnixMilli())
	if err != nil {
		m.logger.Error("create circle failed", "error", err)
		m.reportError(ctx, c, "The circle could not be posted.")
		return
	}

	env := Envelope{Type: EvtAddCircle, Payload: circleToView(circle)}
	m.sendToClient(c, env)
	for _, friendID := range friendIDs {
		m.SendToUser(friendID, env)
	}
}

func (m *Manager) onFriendRequest(ctx context.Context, c *client, raw json.RawMessage) {
	var in friendRequestIn
	if err := json.Unmarshal(raw, &in); err != nil || in.Username == "" {
		m.reportError(ctx, c, "Malformed friend request.")
		return
	}

	recipient, err := m.store.GetUserByUsername(ctx, in.Username)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			m.reportError(ctx, c, "User "+in.Username+" was not found.")
		} else {
			m.logger.Error("resolve username failed", "error", err, "username", in.Username)
		}
		return
	}

	notice, err := m.store.CreateFriendRequestNotice(ctx, c.user, recipient.ID, time.Now().UnixMilli())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrRequestExists), errors.Is(err, storage.ErrAlreadyFriends):
			// Repeat requests are swallowed so the recipient is not spammed.
			return
		case errors.Is(err, storage.ErrCannotFriendSelf):
			m.reportError(ctx, c, "You cannot send a friend request to yourself.")
		default:
			m.logger.Error("create friend request failed", "error", err)
			m.reportError(ctx, c, "The friend request could not be sent.")
		}
		return
	}

	m.SendToUser(recipient.ID, Envelope{Type: EvtAddNotification, Payload: noticeToView(notice)})
}

func (m *Manager) onFriendRequestAccepted(ctx context.Context, c *client, raw json.RawMessage) {
	var in noticeIDIn
	if err := json.Unmarshal(raw, &in); err != nil || in.ID == "" {
		m.reportError(ctx, c, "Malformed acceptance payload.")
		return
	}

	sender, acceptance, err := m.store.AcceptFriendRequest(ctx, in.ID, c.user, time.Now().UnixMilli())
	if err != nil {
		switch {
		case errors.Is(err, storage.ErrNotFound):
			m.reportError(ctx, c, "That friend request no longer exists.")
		case errors.Is(err, storage.ErrAccessDenied):
			m.reportError(ctx, c, "That friend request is not addressed to you.")
		default:
			m.logger.Error("accept friend request failed", "error", err)
			m.reportError(ctx, c, "The friend request could not be accepted.")
		}
		return
	}

	m.sendToClient(c, Envelope{Type: EvtDeleteNotification, Payload: in.ID})
	m.sendToClient(c, Envelope{Type: EvtAddFriend, Payload: friendToView(sender, false)})

	if m.IsOnline(sender.ID) {
		m.SendToUser(sender.ID, Envelope{Type: EvtAddNotification, Payload: noticeToView(acceptance)})
		m.SendToUser(sender.ID, Envelope{Type: EvtAddFriend, Payload: friendToView(c.user, true)})
	}
}

func (m *Manager) onDeleteNotification(ctx context.Context, c *client, raw json.RawMessage) {
	id, ok := m.noticeID(ctx, c, raw)
	if !ok {
		return
	}
	if _, err := m.store.DeleteNotice(ctx, id); err != nil {
		m.logger.Error("delete notice failed", "error", err, "noticeID", id)
		return
	}
	// Echo even when the notice was already gone so the client view settles.
	m.sendToClient(c, Envelope{Type: EvtDeleteNotification, Payload: id})
}

func (m *Manager) onDismissNotification(ctx context.Context, c *client, raw json.RawMessage) {
	id, ok := m.noticeID(ctx, c, raw)
	if !ok {
		return
	}
	if _, err := m.store.DismissNotice(ctx, id); err != nil {
		m.logger.Error("dismiss notice failed", "error", err, "noticeID", id)
		return
	}
	m.sendToClient(c, Envelope{Type: EvtDismissNotification, Payload: id})
}

func (m *Manager) noticeID(ctx context.Context, c *client, raw json.RawMessage) (string, bool) {
	var in noticeIDIn
	if err := json.Unmarshal(raw, &in); err != nil {
		if err2 := json.Unmarshal(raw, &in.ID); err2 != nil {
			m.reportError(ctx, c, "Malformed notification payload.")
			return "", false
		}
	}
	if in.ID == "" {
		m.reportError(ctx, c, "Malformed notification payload.")
		return "", false
	}
	return in.ID, true
}

func (m *Manager) onAccountUpdate(ctx context.Context, c *client, raw json.RawMessage) {
	var in accountUpdateIn
	if err := json.Unmarshal(raw, &in); err != nil {
		m.reportError(ctx, c, "Malformed account payload.")
		return
	}

	nowMs := time.Now().UnixMilli()
	if in.Avatar != nil && *in.Avatar != "" {
		name, err := m.images.SaveBase64(*in.Avatar, in.Extension)
		if err != nil {
			m.logger.Warn("avatar rejected", "userID", c.user.ID, "error", err)
			m.reportError(ctx, c, "The avatar could not be saved.")
			return
		}
		if err := m.store.UpdateUserAvatar(ctx, c.user.ID, name, nowMs); err != nil {
			m.logger.Error("update avatar failed", "error", err, "userID", c.user.ID)
			return
		}
	}
	if in.VisibleInSearches != nil {
		if err := m.store.SetSearchVisibility(ctx, c.user.ID, *in.VisibleInSearches, nowMs); err != nil {
			m.logger.Error("update search visibility failed", "error", err, "userID", c.user.ID)
			return
		}
	}

	user, err := m.store.GetUserByID(ctx, c.user.ID)
	if err != nil {
		m.logger.Error("reload user failed", "error", err, "userID", c.user.ID)
		return
	}
	c.user = user
	m.sendToClient(c, Envelope{Type: EvtAccountUpdate, Payload: userToView(user)})
}

func (m *Manager) onLoadUsers(ctx context.Context, c *client) {
	users, err := m.store.ListVisibleUsers(ctx, c.user.ID)
	if err != nil {
		m.logger.Error("load users failed", "error", err, "userID", c.user.ID)
		return
	}

	views := make([]userView, 0, len(users))
	for _, user := range users {
		views = append(views, userToView(user))
	}
	m.sendToClient(c, Envelope{Type: EvtLoadUsers, Payload: views})
}

// reportError persists a system error notice for the user and pushes it to
// the originating session only.
func (m *Manager) reportError(ctx context.Context, c *client, message string) {
	notice, err := m.store.CreateErrorNotice(ctx, c.user.ID, message, time.Now().UnixMilli())
	if err != nil {
		m.logger.Error("create error notice failed", "error", err, "userID", c.user.ID)
		return
	}
	m.sendToClient(c, Envelope{Type: EvtAddNotification, Payload: noticeToView(notice)})
}

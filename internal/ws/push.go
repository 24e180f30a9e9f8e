package ws

import (
	"context"
	"strings"

	"github.com/zhangzhuoran997997/OnlineChat/internal/storage"
)

// circlePageSize caps the moments feed pushed on connect.
const circlePageSize = 10

// pushChats sends the viewer's chat list and joins the connection to the
// room of every chat it belongs to.
func (m *Manager) pushChats(ctx context.Context, c *client) {
	chats, err := m.store.ListChatsFor(ctx, c.user.ID)
	if err != nil {
		m.logger.Error("load chats failed", "error", err, "userID", c.user.ID)
		return
	}

	views := make([]chatView, 0, len(chats))
	for _, chat := range chats {
		members, err := m.store.ListChatMembers(ctx, chat.ID)
		if err != nil {
			m.logger.Error("load chat members failed", "error", err, "chatID", chat.ID)
			continue
		}
		views = append(views, m.composeChatView(c.user.ID, chat, members))

		m.mu.Lock()
		m.joinRoomLocked(chat.ID, c)
		m.mu.Unlock()
	}

	m.sendToClient(c, Envelope{Type: EvtLoadChats, Payload: views})
}

// composeChatView renders a chat for one viewer. A two-party chat is titled
// with the other party's nickname and carries their avatar; larger chats
// join all the other nicknames.
func (m *Manager) composeChatView(viewerID string, chat storage.ChatRow, members []storage.UserRow) chatView {
	others := make([]storage.UserRow, 0, len(members))
	for _, member := range members {
		if member.ID != viewerID {
			others = append(others, member)
		}
	}

	view := chatView{
		ID:           chat.ID,
		Recipients:   make([]string, 0, len(others)),
		RecipientIDs: make([]string, 0, len(others)),
	}
	nicknames := make([]string, 0, len(others))
	for _, other := range others {
		view.Recipients = append(view.Recipients, other.Username)
		view.RecipientIDs = append(view.RecipientIDs, other.ID)
		nicknames = append(nicknames, other.Nickname)
		if m.IsOnline(other.ID) {
			view.Active = true
		}
	}

	switch len(others) {
	case 0:
		view.ChatName = chat.Name
	case 1:
		view.ChatName = others[0].Nickname
		if others[0].Avatar != nil {
			view.Avatar = *others[0].Avatar
		}
	default:
		view.ChatName = strings.Join(nicknames, "、")
	}

	if chat.LastMessage != nil {
		view.LastMessage = *chat.LastMessage
	}
	if chat.LastMessageAtMs != nil {
		view.LastMessageAt = *chat.LastMessageAtMs
	}
	return view
}

func (m *Manager) pushFriends(ctx context.Context, c *client) {
	friends, err := m.store.ListFriends(ctx, c.user.ID)
	if err != nil {
		m.logger.Error("load friends failed", "error", err, "userID", c.user.ID)
		return
	}

	views := make([]friendView, 0, len(friends))
	for _, friend := range friends {
		views = append(views, friendToView(friend, m.IsOnline(friend.ID)))
	}
	m.sendToClient(c, Envelope{Type: EvtLoadFriends, Payload: views})
}

func (m *Manager) pushNotices(ctx context.Context, c *client) {
	notices, err := m.store.ListNotices(ctx, c.user.ID)
	if err != nil {
		m.logger.Error("load notifications failed", "error", err, "userID", c.user.ID)
		return
	}

	views := make([]noticeView, 0, len(notices))
	for _, n := range notices {
		views = append(views, noticeToView(n))
	}
	m.sendToClient(c, Envelope{Type: EvtLoadNotifications, Payload: views})
}

func (m *Manager) pushCircles(ctx context.Context, c *client) {
	circles, err := m.store.ListCirclesFor(ctx, c.user.ID, circlePageSize)
	if err != nil {
		m.logger.Error("load circles failed", "error", err, "userID", c.user.ID)
		return
	}

	views := make([]circleView, 0, len(circles))
	for _, circle := range circles {
		views = append(views, circleToView(circle))
	}
	m.sendToClient(c, Envelope{Type: EvtLoadCircles, Payload: views})
}

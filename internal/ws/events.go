package ws

import (
	"github.com/zhangzhuoran997997/OnlineChat/internal/storage"
)

// Event names shared with the client. Incoming and outgoing events use the
// same envelope: {"type": ..., "payload": ...}.
const (
	EvtLoadChats         = "LOAD_CHATS"
	EvtLoadFriends       = "LOAD_FRIENDS"
	EvtLoadNotifications = "LOAD_NOTIFICATIONS"
	EvtLoadCircles       = "LOAD_CIRCLES"
	EvtLoadUsers         = "LOAD_USERS"

	EvtSetFriendOnline  = "SET_FRIEND_ONLINE"
	EvtSetFriendOffline = "SET_FRIEND_OFFLINE"

	EvtAddMessageToChat       = "ADD_MESSAGE_TO_CHAT"
	EvtLoadActiveChatMessages = "LOAD_ACTIVE_CHAT_MESSAGES"
	EvtAddChat                = "ADD_CHAT"
	EvtAddCircle              = "ADD_CIRCLE"

	EvtFriendRequest         = "FRIEND_REQUEST"
	EvtFriendRequestAccepted = "FRIEND_REQUEST_ACCEPTED"
	EvtAddFriend             = "ADD_FRIEND"

	EvtAddNotification     = "ADD_NOTIFICATION"
	EvtDeleteNotification  = "DELETE_NOTIFICATION"
	EvtDismissNotification = "DISMISS_NOTIFICATION"

	EvtAccountUpdate = "ACCOUNT_UPDATE"
	EvtLogout        = "LOGOUT"
)

type Envelope struct {
	Type    string `json:"type"`
	Payload any    `json:"payload,omitempty"`
}

type chatView struct {
	ID            string   `json:"id"`
	ChatName      string   `json:"chatName"`
	Recipients    []string `json:"recipients"`
	RecipientIDs  []string `json:"recipientIds"`
	Active        bool     `json:"active"`
	Avatar        string   `json:"avatar,omitempty"`
	LastMessage   string   `json:"lastMessage,omitempty"`
	LastMessageAt int64    `json:"lastMessageAt,omitempty"`
}

type friendView struct {
	ID           string  `json:"id"`
	Username     string  `json:"username"`
	UserNickname string  `json:"userNickname"`
	Avatar       *string `json:"avatar,omitempty"`
	Active       bool    `json:"active"`
}

type noticeView struct {
	ID             string  `json:"id"`
	Type           string  `json:"type"`
	Sender         string  `json:"sender"`
	SenderNickname string  `json:"senderNickname"`
	Message        string  `json:"message"`
	Avatar         *string `json:"avatar,omitempty"`
	Dismissed      bool    `json:"dismissed"`
}

type circleView struct {
	ID           string  `json:"id"`
	Username     string  `json:"username"`
	UserNickname string  `json:"userNickname"`
	Avatar       *string `json:"avatar,omitempty"`
	Circle       string  `json:"circle"`
	Image        *string `json:"image,omitempty"`
	CreatedAt    int64   `json:"createdAt"`
}

type messageView struct {
	ID           string  `json:"id"`
	Username     string  `json:"username"`
	UserNickname string  `json:"userNickname"`
	Message      *string `json:"message,omitempty"`
	Image        *string `json:"image,omitempty"`
	Timestamp    int64   `json:"timestamp"`
}

type chatMessagePayload struct {
	ChatID        string      `json:"chatId"`
	LastMessage   string      `json:"lastMessage"`
	LastMessageAt int64       `json:"lastMessageAt"`
	Message       messageView `json:"message"`
}

type userView struct {
	ID           string  `json:"id"`
	Username     string  `json:"username"`
	UserNickname string  `json:"userNickname"`
	Avatar       *string `json:"avatar,omitempty"`
}

func noticeToView(n storage.NoticeRow) noticeView {
	return noticeView{
		ID:             n.ID,
		Type:           n.Type,
		Sender:         n.Sender,
		SenderNickname: n.SenderNickname,
		Message:        n.Message,
		Avatar:         n.Avatar,
		Dismissed:      n.Dismissed,
	}
}

func circleToView(c storage.CircleRow) circleView {
	return circleView{
		ID:           c.ID,
		Username:     c.AuthorUsername,
		UserNickname: c.AuthorNickname,
		Avatar:       c.AuthorAvatar,
		Circle:       c.Content,
		Image:        c.Image,
		CreatedAt:    c.CreatedAtMs,
	}
}

func userToView(u storage.UserRow) userView {
	return userView{
		ID:           u.ID,
		Username:     u.Username,
		UserNickname: u.Nickname,
		Avatar:       u.Avatar,
	}
}

func friendToView(u storage.UserRow, active bool) friendView {
	return friendView{
		ID:           u.ID,
		Username:     u.Username,
		UserNickname: u.Nickname,
		Avatar:       u.Avatar,
		Active:       active,
	}
}

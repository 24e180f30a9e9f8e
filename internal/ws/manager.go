package ws

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"log/slog"

	"github.com/zhangzhuoran997997/OnlineChat/internal/storage"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMessage = 1 << 20
)

const sendBuffer = 128

type TokenValidator interface {
	ValidateToken(ctx context.Context, token string) (userID string, err error)
}

// ImageStore persists uploaded image bytes and hands back a stable filename.
type ImageStore interface {
	SaveBase64(data, extension string) (string, error)
}

// Store is the persistence surface the realtime layer depends on.
type Store interface {
	GetUserByID(ctx context.Context, userID string) (storage.UserRow, error)
	GetUserByUsername(ctx context.Context, username string) (storage.UserRow, error)
	ListVisibleUsers(ctx context.Context, excludeUserID string) ([]storage.UserRow, error)
	UpdateUserAvatar(ctx context.Context, userID, avatar string, nowMs int64) error
	SetSearchVisibility(ctx context.Context, userID string, visible bool, nowMs int64) error

	ListChatsFor(ctx context.Context, userID string) ([]storage.ChatRow, error)
	ListChatMembers(ctx context.Context, chatID string) ([]storage.UserRow, error)
	IsChatMember(ctx context.Context, chatID, userID string) (bool, error)
	CreateChat(ctx context.Context, name, creatorID string, memberIDs []string, nowMs int64) (storage.ChatRow, error)
	AppendMessage(ctx context.Context, chatID, senderID string, text, image *string, nowMs int64) (storage.MessageRow, string, error)
	ListChatMessages(ctx context.Context, chatID string, limit int) ([]storage.MessageRow, error)

	ListFriends(ctx context.Context, userID string) ([]storage.UserRow, error)
	CreateFriendRequestNotice(ctx context.Context, sender storage.UserRow, recipientID string, nowMs int64) (storage.NoticeRow, error)
	AcceptFriendRequest(ctx context.Context, noticeID string, accepter storage.UserRow, nowMs int64) (storage.UserRow, storage.NoticeRow, error)

	ListNotices(ctx context.Context, recipientID string) ([]storage.NoticeRow, error)
	DeleteNotice(ctx context.Context, noticeID string) (bool, error)
	DismissNotice(ctx context.Context, noticeID string) (bool, error)
	CreateErrorNotice(ctx context.Context, recipientID, message string, nowMs int64) (storage.NoticeRow, error)

	CreateCircle(ctx context.Context, author storage.UserRow, content string, image *string, nowMs int64) (storage.CircleRow, []string, error)
	ListCirclesFor(ctx context.Context, userID string, limit int) ([]storage.CircleRow, error)
}

type client struct {
	conn      *websocket.Conn
	user      storage.UserRow
	send      chan []byte
	closeOnce sync.Once
}

func (c *client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

// Manager is the connection gateway: it admits authenticated connections,
// keeps the user->connection binding (at most one live connection per user),
// mirrors chat membership into broadcast rooms and fans events out to rooms
// or individual sessions.
type Manager struct {
	logger *slog.Logger
	tokens TokenValidator
	store  Store
	images ImageStore

	mu     sync.Mutex
	byUser map[string]*client
	rooms  map[string]map[*client]struct{}
	joined map[*client]map[string]struct{}
}

func NewManager(logger *slog.Logger, tokens TokenValidator, store Store, images ImageStore) *Manager {
	return &Manager{
		logger: logger.With("component", "ws"),
		tokens: tokens,
		store:  store,
		images: images,
		byUser: make(map[string]*client),
		rooms:  make(map[string]map[*client]struct{}),
		joined: make(map[*client]map[string]struct{}),
	}
}

func (m *Manager) Handler() http.Handler {
	return http.HandlerFunc(m.handle)
}

// IsOnline reports whether the user currently holds a connection binding.
func (m *Manager) IsOnline(userID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.byUser[userID]
	return ok
}

func (m *Manager) CloseAll() {
	m.mu.Lock()
	clients := make([]*client, 0, len(m.byUser))
	for _, c := range m.byUser {
		clients = append(clients, c)
	}
	m.byUser = make(map[string]*client)
	m.rooms = make(map[string]map[*client]struct{})
	m.joined = make(map[*client]map[string]struct{})
	m.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "server shutdown"),
			time.Now().Add(writeWait),
		)
		c.close()
	}
}

// DisconnectUser force-closes the user's live connection after delivering a
// final LOGOUT event. Used by the HTTP logout path. Returns true if a
// connection was bound.
func (m *Manager) DisconnectUser(userID string) bool {
	m.SendToUser(userID, Envelope{Type: EvtLogout})

	m.mu.Lock()
	c, ok := m.byUser[userID]
	m.mu.Unlock()
	if !ok {
		return false
	}

	// Give the write pump a moment to flush the LOGOUT event.
	time.AfterFunc(100*time.Millisecond, c.close)
	return true
}

func (m *Manager) SendToUser(userID string, env Envelope) {
	b, err := encodeJSON(env)
	if err != nil {
		m.logger.Error("ws send to user marshal failed", "error", err, "type", env.Type, "userID", userID)
		return
	}

	m.mu.Lock()
	c, ok := m.byUser[userID]
	m.mu.Unlock()
	if !ok {
		// Best-effort delivery: offline recipients catch up from the
		// initial payloads on their next connect.
		return
	}
	m.deliver(c, b)
}

// SendToRoom fans the event out to every connection joined to the chat room.
func (m *Manager) SendToRoom(chatID string, env Envelope) {
	b, err := encodeJSON(env)
	if err != nil {
		m.logger.Error("ws send to room marshal failed", "error", err, "type", env.Type, "chatID", chatID)
		return
	}

	m.mu.Lock()
	members := make([]*client, 0, len(m.rooms[chatID]))
	for c := range m.rooms[chatID] {
		members = append(members, c)
	}
	m.mu.Unlock()

	for _, c := range members {
		m.deliver(c, b)
	}
}

func (m *Manager) sendToClient(c *client, env Envelope) {
	b, err := encodeJSON(env)
	if err != nil {
		m.logger.Error("ws send marshal failed", "error", err, "type", env.Type)
		return
	}
	m.deliver(c, b)
}

func (m *Manager) deliver(c *client, b []byte) {
	select {
	case c.send <- b:
	default:
		m.logger.Warn("ws slow client dropped", "userID", c.user.ID)
		m.detach(c)
		c.close()
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

func (m *Manager) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	// No admission without a resolvable session.
	token := extractToken(r)
	if token == "" {
		http.Error(w, "authentication required", http.StatusUnauthorized)
		return
	}

	userID, err := m.tokens.ValidateToken(r.Context(), token)
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	user, err := m.store.GetUserByID(r.Context(), userID)
	if err != nil {
		http.Error(w, "invalid or expired token", http.StatusUnauthorized)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Warn("ws upgrade failed", "error", err)
		return
	}

	c := &client{
		conn: conn,
		user: user,
		send: make(chan []byte, sendBuffer),
	}

	m.logger.Info("ws connected", "remoteAddr", r.RemoteAddr, "userID", user.ID, "username", user.Username)

	conn.SetReadLimit(maxMessage)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go m.writePump(c, r.RemoteAddr)

	m.admit(r.Context(), c)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			m.logger.Info("ws disconnected", "remoteAddr", r.RemoteAddr, "userID", user.ID, "error", err)
			break
		}
		m.handleEvent(c, msg)
	}

	m.disconnect(c)
	c.close()
}

// admit registers the connection binding, joins the connection to every room
// of the user's chats, pushes the initial payloads and announces presence to
// online friends. A previous connection for the same user is superseded
// silently: it is detached and closed without an offline broadcast.
func (m *Manager) admit(ctx context.Context, c *client) {
	m.mu.Lock()
	prev := m.byUser[c.user.ID]
	m.byUser[c.user.ID] = c
	if prev != nil {
		m.detachLocked(prev)
	}
	m.mu.Unlock()

	if prev != nil {
		prev.close()
	}

	m.pushChats(ctx, c)
	m.pushFriends(ctx, c)
	m.pushNotices(ctx, c)
	m.pushCircles(ctx, c)

	m.broadcastPresence(ctx, c, EvtSetFriendOnline)
}

// disconnect reverses admission, but only if this connection is still the
// bound one for its user. A connection superseded by a newer device must not
// announce the user offline.
func (m *Manager) disconnect(c *client) {
	m.mu.Lock()
	current := m.byUser[c.user.ID] == c
	if current {
		delete(m.byUser, c.user.ID)
		m.detachLocked(c)
	}
	m.mu.Unlock()

	if !current {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m.broadcastPresence(ctx, c, EvtSetFriendOffline)
}

// JoinRoom binds the connection of each listed user to the chat room, if
// that user is currently online.
func (m *Manager) JoinRoom(chatID string, userIDs ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, userID := range userIDs {
		c, ok := m.byUser[userID]
		if !ok {
			continue
		}
		m.joinRoomLocked(chatID, c)
	}
}

func (m *Manager) joinRoomLocked(chatID string, c *client) {
	room, ok := m.rooms[chatID]
	if !ok {
		room = make(map[*client]struct{})
		m.rooms[chatID] = room
	}
	room[c] = struct{}{}

	set, ok := m.joined[c]
	if !ok {
		set = make(map[string]struct{})
		m.joined[c] = set
	}
	set[chatID] = struct{}{}
}

// detach removes a client from the room index. The user binding is managed
// by the caller.
func (m *Manager) detach(c *client) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.byUser[c.user.ID] == c {
		delete(m.byUser, c.user.ID)
	}
	m.detachLocked(c)
}

func (m *Manager) detachLocked(c *client) {
	for chatID := range m.joined[c] {
		room := m.rooms[chatID]
		delete(room, c)
		if len(room) == 0 {
			delete(m.rooms, chatID)
		}
	}
	delete(m.joined, c)
}

func (m *Manager) broadcastPresence(ctx context.Context, c *client, event string) {
	friends, err := m.store.ListFriends(ctx, c.user.ID)
	if err != nil {
		m.logger.Error("presence broadcast failed", "error", err, "userID", c.user.ID)
		return
	}
	for _, friend := range friends {
		m.SendToUser(friend.ID, Envelope{Type: event, Payload: c.user.ID})
	}
}

func extractToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	if strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimPrefix(auth, "Bearer ")
	}

	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}

	return ""
}

func (m *Manager) writePump(c *client, remoteAddr string) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				m.logger.Info("ws write failed", "remoteAddr", remoteAddr, "error", err)
				c.close()
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.close()
				return
			}
		}
	}
}

func encodeJSON(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}

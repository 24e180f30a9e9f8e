package ws

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/zhangzhuoran997997/OnlineChat/internal/storage"
)

// drainInitial reads past the four payloads pushed on connect.
func drainInitial(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	readUntil(t, conn, EvtLoadCircles)
}

func TestAddMessage_FanoutToRoom(t *testing.T) {
	h := newTestHub(t)
	alice := h.addUser(t, "alice")
	bob := h.addUser(t, "bob")
	h.addUser(t, "carol")

	chat, err := h.store.CreateChat(context.Background(), "", alice.ID, []string{bob.ID}, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}

	aliceConn := h.connect(t, "alice")
	drainInitial(t, aliceConn)
	bobConn := h.connect(t, "bob")
	drainInitial(t, bobConn)
	carolConn := h.connect(t, "carol")
	drainInitial(t, carolConn)

	sendEnvelope(t, aliceConn, EvtAddMessageToChat, map[string]any{
		"chatId":  chat.ID,
		"message": "hello",
	})

	for _, conn := range []*websocket.Conn{aliceConn, bobConn} {
		env := readUntil(t, conn, EvtAddMessageToChat)
		var got chatMessagePayload
		if err := json.Unmarshal(env.Payload, &got); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if got.ChatID != chat.ID {
			t.Fatalf("chatId = %q, want %q", got.ChatID, chat.ID)
		}
		if got.LastMessage != "hello" {
			t.Fatalf("lastMessage = %q, want %q", got.LastMessage, "hello")
		}
		if got.Message.Username != "alice" {
			t.Fatalf("sender = %q, want %q", got.Message.Username, "alice")
		}
		if got.Message.Message == nil || *got.Message.Message != "hello" {
			t.Fatalf("message text = %v, want %q", got.Message.Message, "hello")
		}
	}

	expectSilence(t, carolConn, 300*time.Millisecond)
}

func TestAddMessage_TruncatedPreview(t *testing.T) {
	h := newTestHub(t)
	alice := h.addUser(t, "alice")
	bob := h.addUser(t, "bob")

	chat, err := h.store.CreateChat(context.Background(), "", alice.ID, []string{bob.ID}, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}

	conn := h.connect(t, "alice")
	drainInitial(t, conn)

	long := strings.Repeat("a", 40)
	sendEnvelope(t, conn, EvtAddMessageToChat, map[string]any{
		"chatId":  chat.ID,
		"message": long,
	})

	env := readUntil(t, conn, EvtAddMessageToChat)
	var got chatMessagePayload
	if err := json.Unmarshal(env.Payload, &got); err != nil {
		t.Fatalf("payload: %v", err)
	}
	want := strings.Repeat("a", 16) + "..."
	if got.LastMessage != want {
		t.Fatalf("lastMessage = %q, want %q", got.LastMessage, want)
	}
	if got.Message.Message == nil || *got.Message.Message != long {
		t.Fatalf("full text must be carried untruncated")
	}
}

func TestAddMessage_OversizeRejectedToSenderOnly(t *testing.T) {
	h := newTestHub(t)
	alice := h.addUser(t, "alice")
	bob := h.addUser(t, "bob")

	chat, err := h.store.CreateChat(context.Background(), "", alice.ID, []string{bob.ID}, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}

	aliceConn := h.connect(t, "alice")
	drainInitial(t, aliceConn)
	bobConn := h.connect(t, "bob")
	drainInitial(t, bobConn)

	sendEnvelope(t, aliceConn, EvtAddMessageToChat, map[string]any{
		"chatId":  chat.ID,
		"message": strings.Repeat("x", storage.MaxMessageLen+1),
	})

	env := readUntil(t, aliceConn, EvtAddNotification)
	var notice noticeView
	if err := json.Unmarshal(env.Payload, &notice); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if notice.Type != storage.NoticeTypeError {
		t.Fatalf("notice type = %q, want %q", notice.Type, storage.NoticeTypeError)
	}

	expectSilence(t, bobConn, 300*time.Millisecond)
}

func TestAddMessage_NonMemberDenied(t *testing.T) {
	h := newTestHub(t)
	alice := h.addUser(t, "alice")
	bob := h.addUser(t, "bob")
	h.addUser(t, "carol")

	chat, err := h.store.CreateChat(context.Background(), "", alice.ID, []string{bob.ID}, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}

	carolConn := h.connect(t, "carol")
	drainInitial(t, carolConn)

	sendEnvelope(t, carolConn, EvtAddMessageToChat, map[string]any{
		"chatId":  chat.ID,
		"message": "sneaky",
	})

	env := readUntil(t, carolConn, EvtAddNotification)
	var notice noticeView
	if err := json.Unmarshal(env.Payload, &notice); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if notice.Type != storage.NoticeTypeError {
		t.Fatalf("notice type = %q, want %q", notice.Type, storage.NoticeTypeError)
	}

	msgs, err := h.store.ListChatMessages(context.Background(), chat.ID, 10)
	if err != nil {
		t.Fatalf("ListChatMessages() error = %v", err)
	}
	if len(msgs) != 0 {
		t.Fatalf("denied message was stored")
	}
}

func TestAddChat_PerViewerTitles(t *testing.T) {
	h := newTestHub(t)
	h.addUser(t, "alice")
	h.addUser(t, "bob")

	aliceConn := h.connect(t, "alice")
	drainInitial(t, aliceConn)
	bobConn := h.connect(t, "bob")
	drainInitial(t, bobConn)

	sendEnvelope(t, aliceConn, EvtAddChat, map[string]any{
		"usernames": []string{"bob"},
	})

	env := readUntil(t, aliceConn, EvtAddChat)
	var aliceView chatView
	if err := json.Unmarshal(env.Payload, &aliceView); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if aliceView.ChatName != "bob-nick" {
		t.Fatalf("alice sees chat %q, want %q", aliceView.ChatName, "bob-nick")
	}

	env = readUntil(t, bobConn, EvtAddChat)
	var bobView chatView
	if err := json.Unmarshal(env.Payload, &bobView); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if bobView.ChatName != "alice-nick" {
		t.Fatalf("bob sees chat %q, want %q", bobView.ChatName, "alice-nick")
	}
	if bobView.ID != aliceView.ID {
		t.Fatalf("views disagree on chat id")
	}

	// Both connections joined the new room, so a message fans out at once.
	sendEnvelope(t, aliceConn, EvtAddMessageToChat, map[string]any{
		"chatId":  aliceView.ID,
		"message": "first",
	})
	readUntil(t, aliceConn, EvtAddMessageToChat)
	readUntil(t, bobConn, EvtAddMessageToChat)
}

func TestAddChat_GroupTitleJoinsNicknames(t *testing.T) {
	h := newTestHub(t)
	h.addUser(t, "alice")
	h.addUser(t, "bob")
	h.addUser(t, "carol")

	aliceConn := h.connect(t, "alice")
	drainInitial(t, aliceConn)

	sendEnvelope(t, aliceConn, EvtAddChat, map[string]any{
		"usernames": []string{"bob", "carol"},
	})

	env := readUntil(t, aliceConn, EvtAddChat)
	var view chatView
	if err := json.Unmarshal(env.Payload, &view); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if view.ChatName != "bob-nick、carol-nick" {
		t.Fatalf("group title = %q, want %q", view.ChatName, "bob-nick、carol-nick")
	}
}

func TestAddChat_UnknownUsernameReported(t *testing.T) {
	h := newTestHub(t)
	h.addUser(t, "alice")

	conn := h.connect(t, "alice")
	drainInitial(t, conn)

	sendEnvelope(t, conn, EvtAddChat, map[string]any{
		"usernames": []string{"ghost"},
	})

	env := readUntil(t, conn, EvtAddNotification)
	var notice noticeView
	if err := json.Unmarshal(env.Payload, &notice); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if notice.Type != storage.NoticeTypeError {
		t.Fatalf("notice type = %q, want %q", notice.Type, storage.NoticeTypeError)
	}
}

func TestLoadActiveChatMessages_ChronologicalWindow(t *testing.T) {
	h := newTestHub(t)
	alice := h.addUser(t, "alice")
	bob := h.addUser(t, "bob")

	ctx := context.Background()
	base := time.Now().UnixMilli()
	chat, err := h.store.CreateChat(ctx, "", alice.ID, []string{bob.ID}, base)
	if err != nil {
		t.Fatalf("CreateChat() error = %v", err)
	}
	for i, text := range []string{"one", "two", "three"} {
		msgText := text
		if _, _, err := h.store.AppendMessage(ctx, chat.ID, alice.ID, &msgText, nil, base+int64(i+1)); err != nil {
			t.Fatalf("AppendMessage(%q) error = %v", text, err)
		}
	}

	conn := h.connect(t, "bob")
	drainInitial(t, conn)

	sendEnvelope(t, conn, EvtLoadActiveChatMessages, map[string]any{"chatId": chat.ID})

	env := readUntil(t, conn, EvtLoadActiveChatMessages)
	var views []messageView
	if err := json.Unmarshal(env.Payload, &views); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(views) != 3 {
		t.Fatalf("got %d messages, want 3", len(views))
	}
	for i, want := range []string{"one", "two", "three"} {
		if views[i].Message == nil || *views[i].Message != want {
			t.Fatalf("message[%d] = %v, want %q", i, views[i].Message, want)
		}
		if views[i].Username != "alice" {
			t.Fatalf("message[%d] sender = %q, want %q", i, views[i].Username, "alice")
		}
	}
}

func TestFriendRequest_DeliveredToRecipient(t *testing.T) {
	h := newTestHub(t)
	h.addUser(t, "alice")
	h.addUser(t, "bob")

	aliceConn := h.connect(t, "alice")
	drainInitial(t, aliceConn)
	bobConn := h.connect(t, "bob")
	drainInitial(t, bobConn)

	sendEnvelope(t, aliceConn, EvtFriendRequest, map[string]any{"username": "bob"})

	env := readUntil(t, bobConn, EvtAddNotification)
	var notice noticeView
	if err := json.Unmarshal(env.Payload, &notice); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if notice.Type != storage.NoticeTypeFriendRequest {
		t.Fatalf("notice type = %q, want %q", notice.Type, storage.NoticeTypeFriendRequest)
	}
	if notice.Sender != "alice" {
		t.Fatalf("notice sender = %q, want %q", notice.Sender, "alice")
	}

	// A repeat request is swallowed: no second notification, no error back.
	sendEnvelope(t, aliceConn, EvtFriendRequest, map[string]any{"username": "bob"})
	expectSilence(t, bobConn, 300*time.Millisecond)
	expectSilence(t, aliceConn, 300*time.Millisecond)
}

func TestFriendRequestAccepted_FullExchange(t *testing.T) {
	h := newTestHub(t)
	alice := h.addUser(t, "alice")
	bob := h.addUser(t, "bob")

	notice, err := h.store.CreateFriendRequestNotice(context.Background(), alice, bob.ID, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("CreateFriendRequestNotice() error = %v", err)
	}

	aliceConn := h.connect(t, "alice")
	drainInitial(t, aliceConn)
	bobConn := h.connect(t, "bob")
	drainInitial(t, bobConn)

	sendEnvelope(t, bobConn, EvtFriendRequestAccepted, map[string]any{"id": notice.ID})

	// The accepter's view: request notice removed, new friend marked inactive
	// until the next presence update.
	env := readUntil(t, bobConn, EvtDeleteNotification)
	var noticeID string
	if err := json.Unmarshal(env.Payload, &noticeID); err != nil || noticeID != notice.ID {
		t.Fatalf("deleted notice = %s (err %v), want %q", env.Payload, err, notice.ID)
	}

	env = readUntil(t, bobConn, EvtAddFriend)
	var bobSide friendView
	if err := json.Unmarshal(env.Payload, &bobSide); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if bobSide.Username != "alice" || bobSide.Active {
		t.Fatalf("accepter friend view = %+v, want alice inactive", bobSide)
	}

	// The original sender hears about the acceptance and gets the live view.
	env = readUntil(t, aliceConn, EvtAddNotification)
	var accepted noticeView
	if err := json.Unmarshal(env.Payload, &accepted); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if accepted.Type != storage.NoticeTypeRequestAccepted {
		t.Fatalf("notice type = %q, want %q", accepted.Type, storage.NoticeTypeRequestAccepted)
	}

	env = readUntil(t, aliceConn, EvtAddFriend)
	var aliceSide friendView
	if err := json.Unmarshal(env.Payload, &aliceSide); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if aliceSide.Username != "bob" || !aliceSide.Active {
		t.Fatalf("sender friend view = %+v, want bob active", aliceSide)
	}

	ok, err := h.store.AreFriends(context.Background(), alice.ID, bob.ID)
	if err != nil || !ok {
		t.Fatalf("AreFriends() = %v, %v, want friendship", ok, err)
	}
}

func TestFriendRequestAccepted_WrongRecipient(t *testing.T) {
	h := newTestHub(t)
	alice := h.addUser(t, "alice")
	bob := h.addUser(t, "bob")
	h.addUser(t, "carol")

	notice, err := h.store.CreateFriendRequestNotice(context.Background(), alice, bob.ID, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("CreateFriendRequestNotice() error = %v", err)
	}

	carolConn := h.connect(t, "carol")
	drainInitial(t, carolConn)

	sendEnvelope(t, carolConn, EvtFriendRequestAccepted, map[string]any{"id": notice.ID})

	env := readUntil(t, carolConn, EvtAddNotification)
	var errNotice noticeView
	if err := json.Unmarshal(env.Payload, &errNotice); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if errNotice.Type != storage.NoticeTypeError {
		t.Fatalf("notice type = %q, want %q", errNotice.Type, storage.NoticeTypeError)
	}
}

func TestAddCircle_VisibleToOnlineFriends(t *testing.T) {
	h := newTestHub(t)
	alice := h.addUser(t, "alice")
	bob := h.addUser(t, "bob")
	h.addUser(t, "carol")
	h.befriend(t, alice, bob)

	aliceConn := h.connect(t, "alice")
	drainInitial(t, aliceConn)
	bobConn := h.connect(t, "bob")
	drainInitial(t, bobConn)
	readUntil(t, aliceConn, EvtSetFriendOnline)
	carolConn := h.connect(t, "carol")
	drainInitial(t, carolConn)

	sendEnvelope(t, aliceConn, EvtAddCircle, map[string]any{"circle": "out for noodles"})

	for _, conn := range []*websocket.Conn{aliceConn, bobConn} {
		env := readUntil(t, conn, EvtAddCircle)
		var view circleView
		if err := json.Unmarshal(env.Payload, &view); err != nil {
			t.Fatalf("payload: %v", err)
		}
		if view.Circle != "out for noodles" {
			t.Fatalf("circle = %q, want %q", view.Circle, "out for noodles")
		}
		if view.Username != "alice" {
			t.Fatalf("author = %q, want %q", view.Username, "alice")
		}
	}

	expectSilence(t, carolConn, 300*time.Millisecond)
}

func TestAddCircle_WithImage(t *testing.T) {
	h := newTestHub(t)
	h.addUser(t, "alice")

	conn := h.connect(t, "alice")
	drainInitial(t, conn)

	sendEnvelope(t, conn, EvtAddCircle, map[string]any{
		"circle":    "snapshot",
		"image":     "aGVsbG8=",
		"extension": "png",
	})

	env := readUntil(t, conn, EvtAddCircle)
	var view circleView
	if err := json.Unmarshal(env.Payload, &view); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if view.Image == nil || *view.Image != "stored.png" {
		t.Fatalf("image = %v, want stored.png", view.Image)
	}
}

func TestNotificationLifecycleEvents(t *testing.T) {
	h := newTestHub(t)
	alice := h.addUser(t, "alice")
	bob := h.addUser(t, "bob")

	ctx := context.Background()
	notice, err := h.store.CreateFriendRequestNotice(ctx, alice, bob.ID, time.Now().UnixMilli())
	if err != nil {
		t.Fatalf("CreateFriendRequestNotice() error = %v", err)
	}

	conn := h.connect(t, "bob")
	drainInitial(t, conn)

	sendEnvelope(t, conn, EvtDismissNotification, map[string]any{"id": notice.ID})
	env := readUntil(t, conn, EvtDismissNotification)
	var id string
	if err := json.Unmarshal(env.Payload, &id); err != nil || id != notice.ID {
		t.Fatalf("dismiss echo = %s (err %v), want %q", env.Payload, err, notice.ID)
	}

	sendEnvelope(t, conn, EvtDeleteNotification, map[string]any{"id": notice.ID})
	env = readUntil(t, conn, EvtDeleteNotification)
	if err := json.Unmarshal(env.Payload, &id); err != nil || id != notice.ID {
		t.Fatalf("delete echo = %s (err %v), want %q", env.Payload, err, notice.ID)
	}

	// Deleting again still echoes so a stale client view settles.
	sendEnvelope(t, conn, EvtDeleteNotification, map[string]any{"id": notice.ID})
	readUntil(t, conn, EvtDeleteNotification)
}

func TestAccountUpdate_AvatarAndVisibility(t *testing.T) {
	h := newTestHub(t)
	alice := h.addUser(t, "alice")

	conn := h.connect(t, "alice")
	drainInitial(t, conn)

	avatar := "aGVsbG8="
	sendEnvelope(t, conn, EvtAccountUpdate, map[string]any{
		"avatar":            avatar,
		"extension":         "png",
		"visibleInSearches": false,
	})

	env := readUntil(t, conn, EvtAccountUpdate)
	var view userView
	if err := json.Unmarshal(env.Payload, &view); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if view.Avatar == nil || *view.Avatar != "stored.png" {
		t.Fatalf("avatar = %v, want stored.png", view.Avatar)
	}

	user, err := h.store.GetUserByID(context.Background(), alice.ID)
	if err != nil {
		t.Fatalf("GetUserByID() error = %v", err)
	}
	if user.VisibleInSearches {
		t.Fatalf("visibility flag not persisted")
	}
}

func TestLoadUsers_RespectsVisibility(t *testing.T) {
	h := newTestHub(t)
	h.addUser(t, "alice")
	h.addUser(t, "bob")
	hidden := h.addUser(t, "carol")

	if err := h.store.SetSearchVisibility(context.Background(), hidden.ID, false, time.Now().UnixMilli()); err != nil {
		t.Fatalf("SetSearchVisibility() error = %v", err)
	}

	conn := h.connect(t, "alice")
	drainInitial(t, conn)

	sendEnvelope(t, conn, EvtLoadUsers, nil)

	env := readUntil(t, conn, EvtLoadUsers)
	var views []userView
	if err := json.Unmarshal(env.Payload, &views); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if len(views) != 1 || views[0].Username != "bob" {
		t.Fatalf("visible users = %+v, want just bob", views)
	}
}

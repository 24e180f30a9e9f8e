package storage

import (
	"context"
	"strings"
	"testing"
	"time"
)

func TestCreateChat_MembershipIsExact(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	nowMs := time.Now().UnixMilli()

	alice := mustCreateUser(t, store, "alice")
	bob := mustCreateUser(t, store, "bob")
	carol := mustCreateUser(t, store, "carol")
	dave := mustCreateUser(t, store, "dave")

	chat, err := store.CreateChat(ctx, "bob-nick", alice.ID, []string{alice.ID, bob.ID, carol.ID}, nowMs)
	if err != nil {
		t.Fatalf("CreateChat error = %v", err)
	}

	members, err := store.ListChatMembers(ctx, chat.ID)
	if err != nil {
		t.Fatalf("ListChatMembers error = %v", err)
	}
	if len(members) != 3 {
		t.Fatalf("len(members) = %d, want 3", len(members))
	}

	for _, user := range []UserRow{alice, bob, carol} {
		ok, err := store.IsChatMember(ctx, chat.ID, user.ID)
		if err != nil {
			t.Fatalf("IsChatMember error = %v", err)
		}
		if !ok {
			t.Errorf("expected %q to be a member", user.Username)
		}
	}
	ok, err := store.IsChatMember(ctx, chat.ID, dave.ID)
	if err != nil {
		t.Fatalf("IsChatMember error = %v", err)
	}
	if ok {
		t.Error("dave should not be a member")
	}

	// ListChatsFor mirrors membership: no extra, no missing.
	for _, user := range []UserRow{alice, bob, carol} {
		chats, err := store.ListChatsFor(ctx, user.ID)
		if err != nil {
			t.Fatalf("ListChatsFor error = %v", err)
		}
		if len(chats) != 1 || chats[0].ID != chat.ID {
			t.Errorf("ListChatsFor(%q) = %+v, want exactly the created chat", user.Username, chats)
		}
	}
	chats, err := store.ListChatsFor(ctx, dave.ID)
	if err != nil {
		t.Fatalf("ListChatsFor error = %v", err)
	}
	if len(chats) != 0 {
		t.Errorf("ListChatsFor(dave) = %+v, want empty", chats)
	}
}

func TestAppendMessage_UpdatesPreview(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	nowMs := time.Now().UnixMilli()

	alice := mustCreateUser(t, store, "alice")
	bob := mustCreateUser(t, store, "bob")
	chat, err := store.CreateChat(ctx, "bob-nick", alice.ID, []string{bob.ID}, nowMs)
	if err != nil {
		t.Fatalf("CreateChat error = %v", err)
	}

	short := "hi bob"
	_, preview, err := store.AppendMessage(ctx, chat.ID, alice.ID, &short, nil, nowMs+1)
	if err != nil {
		t.Fatalf("AppendMessage error = %v", err)
	}
	if preview != "hi bob" {
		t.Errorf("preview = %q, want %q", preview, "hi bob")
	}

	long := "this message is much longer than the preview window"
	_, preview, err = store.AppendMessage(ctx, chat.ID, alice.ID, &long, nil, nowMs+2)
	if err != nil {
		t.Fatalf("AppendMessage error = %v", err)
	}
	want := "this message is " + "..."
	if preview != want {
		t.Errorf("preview = %q, want %q", preview, want)
	}

	image := "abc123.png"
	_, preview, err = store.AppendMessage(ctx, chat.ID, bob.ID, nil, &image, nowMs+3)
	if err != nil {
		t.Fatalf("AppendMessage error = %v", err)
	}
	if preview != ImagePreview {
		t.Errorf("preview = %q, want %q", preview, ImagePreview)
	}

	got, err := store.GetChatByID(ctx, chat.ID)
	if err != nil {
		t.Fatalf("GetChatByID error = %v", err)
	}
	if got.LastMessage == nil || *got.LastMessage != ImagePreview {
		t.Errorf("chat.LastMessage = %v, want %q", got.LastMessage, ImagePreview)
	}
	if got.LastMessageAtMs == nil || *got.LastMessageAtMs != nowMs+3 {
		t.Errorf("chat.LastMessageAtMs = %v, want %d", got.LastMessageAtMs, nowMs+3)
	}
}

func TestAppendMessage_NonMemberDenied(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	nowMs := time.Now().UnixMilli()

	alice := mustCreateUser(t, store, "alice")
	bob := mustCreateUser(t, store, "bob")
	eve := mustCreateUser(t, store, "eve")
	chat, err := store.CreateChat(ctx, "bob-nick", alice.ID, []string{bob.ID}, nowMs)
	if err != nil {
		t.Fatalf("CreateChat error = %v", err)
	}

	text := "let me in"
	if _, _, err := store.AppendMessage(ctx, chat.ID, eve.ID, &text, nil, nowMs); err != ErrAccessDenied {
		t.Fatalf("AppendMessage error = %v, want ErrAccessDenied", err)
	}
}

func TestAppendMessage_RejectsOversizeText(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	nowMs := time.Now().UnixMilli()

	alice := mustCreateUser(t, store, "alice")
	bob := mustCreateUser(t, store, "bob")
	chat, err := store.CreateChat(ctx, "bob-nick", alice.ID, []string{bob.ID}, nowMs)
	if err != nil {
		t.Fatalf("CreateChat error = %v", err)
	}

	huge := strings.Repeat("x", MaxMessageLen+1)
	if _, _, err := store.AppendMessage(ctx, chat.ID, alice.ID, &huge, nil, nowMs); err != ErrMessageTooLong {
		t.Fatalf("AppendMessage error = %v, want ErrMessageTooLong", err)
	}
}

func TestListChatMessages_ChronologicalWindow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	nowMs := time.Now().UnixMilli()

	alice := mustCreateUser(t, store, "alice")
	bob := mustCreateUser(t, store, "bob")
	chat, err := store.CreateChat(ctx, "bob-nick", alice.ID, []string{bob.ID}, nowMs)
	if err != nil {
		t.Fatalf("CreateChat error = %v", err)
	}

	for i := 0; i < 5; i++ {
		text := string(rune('a' + i))
		if _, _, err := store.AppendMessage(ctx, chat.ID, alice.ID, &text, nil, nowMs+int64(i)); err != nil {
			t.Fatalf("AppendMessage error = %v", err)
		}
	}

	messages, err := store.ListChatMessages(ctx, chat.ID, 3)
	if err != nil {
		t.Fatalf("ListChatMessages error = %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("len(messages) = %d, want 3", len(messages))
	}
	for i := 1; i < len(messages); i++ {
		if messages[i].CreatedAtMs < messages[i-1].CreatedAtMs {
			t.Fatalf("messages out of order: %d before %d", messages[i].CreatedAtMs, messages[i-1].CreatedAtMs)
		}
	}
	if *messages[2].Text != "e" {
		t.Errorf("latest message = %q, want %q", *messages[2].Text, "e")
	}
}

func TestMarkMessageRead_SetsOnce(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	nowMs := time.Now().UnixMilli()

	alice := mustCreateUser(t, store, "alice")
	bob := mustCreateUser(t, store, "bob")
	chat, err := store.CreateChat(ctx, "bob-nick", alice.ID, []string{bob.ID}, nowMs)
	if err != nil {
		t.Fatalf("CreateChat error = %v", err)
	}

	text := "read me"
	msg, _, err := store.AppendMessage(ctx, chat.ID, alice.ID, &text, nil, nowMs)
	if err != nil {
		t.Fatalf("AppendMessage error = %v", err)
	}

	if err := store.MarkMessageRead(ctx, msg.ID, nowMs+10); err != nil {
		t.Fatalf("MarkMessageRead error = %v", err)
	}
	if err := store.MarkMessageRead(ctx, msg.ID, nowMs+99); err != nil {
		t.Fatalf("MarkMessageRead error = %v", err)
	}

	messages, err := store.ListChatMessages(ctx, chat.ID, 10)
	if err != nil {
		t.Fatalf("ListChatMessages error = %v", err)
	}
	if messages[0].ReadAtMs == nil || *messages[0].ReadAtMs != nowMs+10 {
		t.Fatalf("ReadAtMs = %v, want %d", messages[0].ReadAtMs, nowMs+10)
	}
}

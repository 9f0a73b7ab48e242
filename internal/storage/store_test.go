package storage

import (
	"context"
	"testing"

	"tabletalk/internal/domain"
)

func TestUserLifecycle(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	id, err := store.CreateUser(ctx, "alice", "", []byte("hash"))
	if err != nil {
		t.Fatalf("CreateUser: %v", err)
	}
	if id == "" {
		t.Fatalf("expected non-empty id")
	}
	if _, err := store.CreateUser(ctx, "alice", "", []byte("hash2")); err != ErrUserExists {
		t.Fatalf("expected ErrUserExists, got %v", err)
	}

	user, err := store.GetUserByNickname(ctx, "alice")
	if err != nil {
		t.Fatalf("GetUserByNickname: %v", err)
	}
	if user == nil || user.ID != id || user.Nickname != "alice" {
		t.Fatalf("unexpected user: %+v", user)
	}

	missing, err := store.GetUserByID(ctx, "nope")
	if err != nil {
		t.Fatalf("GetUserByID: %v", err)
	}
	if missing != nil {
		t.Fatalf("expected nil for unknown id, got %+v", missing)
	}
}

func TestRoomMembership(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	aliceID, _ := store.CreateUser(ctx, "alice", "", []byte("h1"))
	bobID, _ := store.CreateUser(ctx, "bob", "", []byte("h2"))

	roomID, err := store.CreateRoom(ctx, "generals")
	if err != nil {
		t.Fatalf("CreateRoom: %v", err)
	}
	exists, err := store.RoomExists(ctx, roomID)
	if err != nil || !exists {
		t.Fatalf("expected room to exist, err=%v", err)
	}

	if err := store.AddParticipant(ctx, roomID, aliceID); err != nil {
		t.Fatalf("AddParticipant: %v", err)
	}
	if err := store.AddParticipant(ctx, roomID, aliceID); err != nil {
		t.Fatalf("AddParticipant idempotent: %v", err)
	}
	if err := store.AddParticipant(ctx, roomID, bobID); err != nil {
		t.Fatalf("AddParticipant bob: %v", err)
	}

	participants, err := store.RoomParticipants(ctx, roomID)
	if err != nil {
		t.Fatalf("RoomParticipants: %v", err)
	}
	if len(participants) != 2 {
		t.Fatalf("expected 2 participants, got %v", participants)
	}

	if err := store.RemoveParticipant(ctx, roomID, bobID); err != nil {
		t.Fatalf("RemoveParticipant: %v", err)
	}
	participants, _ = store.RoomParticipants(ctx, roomID)
	if len(participants) != 1 || participants[0] != aliceID {
		t.Fatalf("unexpected participants after removal: %v", participants)
	}

	if _, err := store.RoomParticipants(ctx, "unknown-room"); err != ErrRoomNotFound {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}
}

func TestAppendMessageAssignsSequence(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	aliceID, _ := store.CreateUser(ctx, "alice", "", []byte("h1"))
	roomID, _ := store.CreateRoom(ctx, "generals")
	_ = store.AddParticipant(ctx, roomID, aliceID)
	sender := domain.Identity{ID: aliceID, Nickname: "alice"}

	first, err := store.AppendMessage(ctx, roomID, sender, "hello")
	if err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	second, err := store.AppendMessage(ctx, roomID, sender, "world")
	if err != nil {
		t.Fatalf("AppendMessage second: %v", err)
	}
	if first.ID == "" || first.ID == second.ID {
		t.Fatalf("expected distinct ids, got %q and %q", first.ID, second.ID)
	}
	if second.Seq <= first.Seq {
		t.Fatalf("expected increasing sequence, got %d then %d", first.Seq, second.Seq)
	}
	if len(first.ReadBy) != 1 || first.ReadBy[0] != aliceID {
		t.Fatalf("expected sender read receipt, got %v", first.ReadBy)
	}

	if _, err := store.AppendMessage(ctx, "unknown-room", sender, "hi"); err != ErrRoomNotFound {
		t.Fatalf("expected ErrRoomNotFound, got %v", err)
	}

	messages, err := store.RoomMessages(ctx, roomID)
	if err != nil {
		t.Fatalf("RoomMessages: %v", err)
	}
	if len(messages) != 2 || messages[0].Content != "hello" || messages[1].Content != "world" {
		t.Fatalf("unexpected messages: %+v", messages)
	}
}

func TestMarkMessagesRead(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	aliceID, _ := store.CreateUser(ctx, "alice", "", []byte("h1"))
	bobID, _ := store.CreateUser(ctx, "bob", "", []byte("h2"))
	roomID, _ := store.CreateRoom(ctx, "generals")
	_ = store.AddParticipant(ctx, roomID, aliceID)
	_ = store.AddParticipant(ctx, roomID, bobID)

	sender := domain.Identity{ID: aliceID, Nickname: "alice"}
	if _, err := store.AppendMessage(ctx, roomID, sender, "one"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}
	if _, err := store.AppendMessage(ctx, roomID, sender, "two"); err != nil {
		t.Fatalf("AppendMessage: %v", err)
	}

	updated, err := store.MarkMessagesRead(ctx, roomID, bobID)
	if err != nil {
		t.Fatalf("MarkMessagesRead: %v", err)
	}
	if updated != 2 {
		t.Fatalf("expected 2 newly read, got %d", updated)
	}
	updated, err = store.MarkMessagesRead(ctx, roomID, bobID)
	if err != nil {
		t.Fatalf("MarkMessagesRead repeat: %v", err)
	}
	if updated != 0 {
		t.Fatalf("expected repeat to be a no-op, got %d", updated)
	}

	messages, _ := store.RoomMessages(ctx, roomID)
	if len(messages) != 2 || len(messages[0].ReadBy) != 2 {
		t.Fatalf("expected both readers on first message: %+v", messages)
	}
}

func TestPushTokens(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	aliceID, _ := store.CreateUser(ctx, "alice", "", []byte("h1"))

	if err := store.RegisterPushToken(ctx, aliceID, "device-1"); err != nil {
		t.Fatalf("RegisterPushToken: %v", err)
	}
	if err := store.RegisterPushToken(ctx, aliceID, "device-1"); err != nil {
		t.Fatalf("RegisterPushToken idempotent: %v", err)
	}
	if err := store.RegisterPushToken(ctx, aliceID, "device-2"); err != nil {
		t.Fatalf("RegisterPushToken second: %v", err)
	}

	tokens, err := store.PushTokens(ctx, aliceID)
	if err != nil {
		t.Fatalf("PushTokens: %v", err)
	}
	if len(tokens) != 2 {
		t.Fatalf("expected 2 tokens, got %v", tokens)
	}

	if err := store.RemovePushToken(ctx, aliceID, "device-1"); err != nil {
		t.Fatalf("RemovePushToken: %v", err)
	}
	tokens, _ = store.PushTokens(ctx, aliceID)
	if len(tokens) != 1 || tokens[0] != "device-2" {
		t.Fatalf("unexpected tokens after removal: %v", tokens)
	}
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	path := "sqlite://file:" + t.Name() + "?mode=memory&cache=shared"
	store, err := NewStore(path)
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

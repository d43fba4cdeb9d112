package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/espresso-chat/internal/store"
)

// flakyStore fails PutMessage while failPut is set.
type flakyStore struct {
	*store.MemoryStore
	failPut atomic.Bool
}

func (f *flakyStore) PutMessage(ctx context.Context, conversationID string, msg store.Message) error {
	if f.failPut.Load() {
		return errors.New("disk full")
	}
	return f.MemoryStore.PutMessage(ctx, conversationID, msg)
}

func seedDirectory(t *testing.T, st store.Directory) {
	t.Helper()
	ctx := context.Background()
	for id, name := range map[string]string{"alice": "Alice", "bob": "Bob", "carol": "Carol"} {
		require.NoError(t, st.PutUser(ctx, &store.User{ID: id, DisplayName: name, Groups: []string{"g1"}}))
	}
	require.NoError(t, st.PutGroup(ctx, &store.Group{
		ID: "g1", Name: "Espresso", OwnerID: "alice", Members: []string{"alice", "bob", "carol"},
	}))
}

func startRoom(t *testing.T, chatID string, st store.Store, opts Options) *Room {
	t.Helper()
	id, err := ParseChatID(chatID)
	require.NoError(t, err)
	if opts.HistoryLimit == 0 {
		opts.HistoryLimit = DefaultHistoryLimit
	}
	r := NewRoom(id, st, st, opts, zerolog.Nop())
	go r.Start()
	t.Cleanup(func() {
		r.Stop()
		r.Wait()
	})
	return r
}

func openSession(t *testing.T, r *Room, userID string) *Session {
	t.Helper()
	s := NewSession(userID, newFakeConn(), 256)
	require.NoError(t, r.Open(context.Background(), s))
	return s
}

func frameJSON(action, chatID, content string) []byte {
	data, _ := json.Marshal(map[string]any{
		"action":      action,
		"chatId":      chatID,
		"content":     content,
		"timestamp":   time.Now().UnixMilli(),
		"messageType": "text",
	})
	return data
}

func sendText(r *Room, s *Session, content string) {
	r.Dispatch(s.ID, frameJSON(ActionSendMessage, r.ID().String(), content))
}

func recv(t *testing.T, s *Session) Event {
	t.Helper()
	select {
	case data, ok := <-s.Send:
		require.True(t, ok, "session %s was closed", s.UserID)
		var ev Event
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for an event for %s", s.UserID)
		return Event{}
	}
}

// recvType skips events until one of the given type arrives.
func recvType(t *testing.T, s *Session, typ EventType) Event {
	t.Helper()
	for {
		if ev := recv(t, s); ev.Type == typ {
			return ev
		}
	}
}

func drain(s *Session) {
	for {
		select {
		case _, ok := <-s.Send:
			if !ok {
				return
			}
		default:
			return
		}
	}
}

func assertClosed(t *testing.T, s *Session) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case _, ok := <-s.Send:
			if !ok {
				return
			}
		case <-deadline:
			t.Fatalf("session %s still open", s.UserID)
		}
	}
}

func storedTexts(t *testing.T, st store.MessageStore, chatID string) []string {
	t.Helper()
	msgs, err := st.ListMessages(context.Background(), chatID, 0)
	require.NoError(t, err)
	h := NewHistory(len(msgs) + 1)
	h.Hydrate(msgs)
	return contents(h.Messages())
}

func TestRoom_DirectConversationReplay(t *testing.T) {
	st := store.NewMemoryStore()
	seedDirectory(t, st)
	r := startRoom(t, "dm_alice_bob", st, Options{})

	alice := openSession(t, r, "alice")
	bob := openSession(t, r, "bob")
	assert.Equal(t, EventUserJoined, recv(t, alice).Type)

	sendText(r, alice, "hi")
	assert.Equal(t, "hi", recv(t, bob).Content)
	sendText(r, bob, "hello")
	assert.Equal(t, "hello", recv(t, bob).Content)

	again := openSession(t, r, "alice")
	first, second := recv(t, again), recv(t, again)
	assert.Equal(t, []string{"hi", "hello"}, []string{first.Content, second.Content})
	assert.Equal(t, "Alice", first.SenderName)
	assert.Equal(t, "bob", second.SenderID)
	assert.Less(t, first.Timestamp, second.Timestamp+1)
	assert.Less(t, first.MessageID, second.MessageID)

	sendText(r, bob, "new")
	assert.Equal(t, "new", recvType(t, again, EventMessage).Content)
}

func TestRoom_SendBroadcastsToEveryoneIncludingSender(t *testing.T) {
	st := store.NewMemoryStore()
	seedDirectory(t, st)
	r := startRoom(t, "group_g1", st, Options{})

	alice := openSession(t, r, "alice")
	bob := openSession(t, r, "bob")
	carol := openSession(t, r, "carol")
	drain(alice)
	drain(bob)

	sendText(r, bob, "  coffee?  ")

	for _, s := range []*Session{alice, bob, carol} {
		ev := recv(t, s)
		assert.Equal(t, EventMessage, ev.Type)
		assert.Equal(t, "coffee?", ev.Content)
		assert.Equal(t, "bob", ev.SenderID)
		assert.Equal(t, "Bob", ev.SenderName)
		assert.Equal(t, "group_g1", ev.ChatID)
		assert.NotEmpty(t, ev.MessageID)
	}
	assert.Equal(t, []string{"coffee?"}, storedTexts(t, st, "group_g1"))
}

func TestRoom_InvalidInputOnlyReachesSender(t *testing.T) {
	tests := []struct {
		name  string
		frame []byte
		code  string
	}{
		{name: "empty content", frame: frameJSON(ActionSendMessage, "group_g1", "   "), code: CodeEmptyContent},
		{name: "too long", frame: frameJSON(ActionSendMessage, "group_g1", strings.Repeat("x", MaxContentLength+1)), code: CodeContentTooLong},
		{name: "malformed", frame: []byte("{oops"), code: CodeMalformedFrame},
		{name: "unknown action", frame: frameJSON("typing", "group_g1", ""), code: CodeUnknownAction},
		{name: "wrong chat", frame: frameJSON(ActionSendMessage, "group_other", "hi"), code: CodeChatMismatch},
		{name: "unsupported type", frame: []byte(`{"action":"send_message","content":"hi","messageType":"image"}`), code: CodeUnsupportedType},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemoryStore()
			seedDirectory(t, st)
			r := startRoom(t, "group_g1", st, Options{})
			alice := openSession(t, r, "alice")
			bob := openSession(t, r, "bob")
			drain(alice)

			r.Dispatch(bob.ID, tt.frame)

			ev := recv(t, bob)
			assert.Equal(t, EventError, ev.Type)
			assert.Equal(t, tt.code, ev.Code)
			assert.Empty(t, alice.Send)
			assert.Empty(t, storedTexts(t, st, "group_g1"))

			// the session stays usable
			sendText(r, bob, "still here")
			assert.Equal(t, "still here", recv(t, bob).Content)
		})
	}
}

func TestRoom_JoinChatIsANoop(t *testing.T) {
	st := store.NewMemoryStore()
	seedDirectory(t, st)
	r := startRoom(t, "dm_alice_bob", st, Options{})
	alice := openSession(t, r, "alice")
	bob := openSession(t, r, "bob")
	drain(alice)

	r.Dispatch(bob.ID, frameJSON(ActionJoinChat, "dm_alice_bob", ""))
	sendText(r, bob, "ping")

	assert.Equal(t, "ping", recv(t, alice).Content)
	assert.Equal(t, "ping", recv(t, bob).Content)
}

func TestRoom_JoinedEventSkipsJoiner(t *testing.T) {
	st := store.NewMemoryStore()
	seedDirectory(t, st)
	r := startRoom(t, "group_g1", st, Options{})

	alice := openSession(t, r, "alice")
	bob := openSession(t, r, "bob")

	ev := recv(t, alice)
	assert.Equal(t, EventUserJoined, ev.Type)
	assert.Equal(t, "bob", ev.SenderID)
	assert.Equal(t, "Bob", ev.SenderName)
	assert.Empty(t, bob.Send)
	assert.Empty(t, storedTexts(t, st, "group_g1"), "presence is not recorded by default")
}

func TestRoom_Authorization(t *testing.T) {
	st := store.NewMemoryStore()
	seedDirectory(t, st)
	require.NoError(t, st.PutUser(context.Background(), &store.User{ID: "mallory", DisplayName: "Mallory"}))

	direct := startRoom(t, "dm_alice_bob", st, Options{})
	err := direct.Open(context.Background(), NewSession("mallory", newFakeConn(), 8))
	assert.ErrorIs(t, err, ErrForbidden)

	group := startRoom(t, "group_g1", st, Options{})
	err = group.Open(context.Background(), NewSession("mallory", newFakeConn(), 8))
	assert.ErrorIs(t, err, ErrForbidden)

	missing := startRoom(t, "group_gone", st, Options{})
	err = missing.Open(context.Background(), NewSession("alice", newFakeConn(), 8))
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrForbidden)
}

func TestRoom_DisconnectIsIdempotent(t *testing.T) {
	st := store.NewMemoryStore()
	seedDirectory(t, st)
	r := startRoom(t, "group_g1", st, Options{})
	alice := openSession(t, r, "alice")
	bob := openSession(t, r, "bob")
	drain(alice)

	r.Disconnect(bob.ID)
	r.Disconnect(bob.ID)
	sendText(r, alice, "after")

	left := recv(t, alice)
	assert.Equal(t, EventUserLeft, left.Type)
	assert.Equal(t, "bob", left.SenderID)
	assert.Equal(t, "after", recv(t, alice).Content, "exactly one user_left for a double close")
	assertClosed(t, bob)

	presence, err := r.Presence(context.Background())
	require.NoError(t, err)
	require.Len(t, presence, 2)
	assert.Equal(t, "alice", presence[0].UserID)
	assert.True(t, presence[0].Online)
	assert.Equal(t, "bob", presence[1].UserID)
	assert.False(t, presence[1].Online)

	// membership is untouched by an ungraceful disconnect
	g, err := st.GetGroup(context.Background(), "g1")
	require.NoError(t, err)
	assert.True(t, g.HasMember("bob"))
}

func TestRoom_OwnerCannotLeaveGroup(t *testing.T) {
	st := store.NewMemoryStore()
	seedDirectory(t, st)
	r := startRoom(t, "group_g1", st, Options{})
	alice := openSession(t, r, "alice")
	bob := openSession(t, r, "bob")
	drain(alice)

	r.Dispatch(alice.ID, frameJSON(ActionLeaveChat, "group_g1", ""))

	ev := recv(t, alice)
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, CodeOwnerCannotLeave, ev.Code)
	assert.Empty(t, bob.Send)

	g, err := st.GetGroup(context.Background(), "g1")
	require.NoError(t, err)
	assert.True(t, g.HasMember("alice"))

	sendText(r, alice, "still the owner")
	assert.Equal(t, "still the owner", recv(t, bob).Content)
}

func TestRoom_MemberLeavesGroup(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedDirectory(t, st)
	r := startRoom(t, "group_g1", st, Options{})
	alice := openSession(t, r, "alice")
	bob := openSession(t, r, "bob")
	drain(alice)

	r.Dispatch(bob.ID, frameJSON(ActionLeaveChat, "group_g1", ""))

	ev := recv(t, alice)
	assert.Equal(t, EventUserLeft, ev.Type)
	assert.Equal(t, "bob", ev.SenderID)
	assertClosed(t, bob)

	g, err := st.GetGroup(ctx, "g1")
	require.NoError(t, err)
	assert.False(t, g.HasMember("bob"))
	assert.True(t, g.HasMember("carol"))

	u, err := st.GetUser(ctx, "bob")
	require.NoError(t, err)
	assert.NotContains(t, u.Groups, "g1")

	// bob is no longer admitted
	err = r.Open(ctx, NewSession("bob", newFakeConn(), 8))
	assert.ErrorIs(t, err, ErrForbidden)
}

func TestRoom_LeaveDirectChat(t *testing.T) {
	st := store.NewMemoryStore()
	seedDirectory(t, st)
	r := startRoom(t, "dm_alice_bob", st, Options{})
	alice := openSession(t, r, "alice")
	bob := openSession(t, r, "bob")
	drain(alice)

	r.Dispatch(bob.ID, frameJSON(ActionLeaveChat, "dm_alice_bob", ""))

	assert.Equal(t, EventUserLeft, recv(t, alice).Type)
	assertClosed(t, bob)

	// a direct leave is only a presence change
	again := openSession(t, r, "bob")
	assert.Empty(t, again.Send)
}

func TestRoom_DirectLeaveClosesOnlyThatSession(t *testing.T) {
	st := store.NewMemoryStore()
	seedDirectory(t, st)
	r := startRoom(t, "dm_alice_bob", st, Options{})
	alice := openSession(t, r, "alice")
	phone := openSession(t, r, "bob")
	laptop := openSession(t, r, "bob")
	drain(alice)
	drain(phone)

	r.Dispatch(phone.ID, frameJSON(ActionLeaveChat, "dm_alice_bob", ""))

	assertClosed(t, phone)
	assert.Equal(t, EventUserLeft, recv(t, alice).Type)
	assert.Equal(t, EventUserLeft, recv(t, laptop).Type)

	sendText(r, alice, "still there?")
	assert.Equal(t, "still there?", recv(t, laptop).Content)
}

func TestRoom_GroupLeaveClosesEverySessionOfTheUser(t *testing.T) {
	st := store.NewMemoryStore()
	seedDirectory(t, st)
	r := startRoom(t, "group_g1", st, Options{})
	alice := openSession(t, r, "alice")
	phone := openSession(t, r, "carol")
	laptop := openSession(t, r, "carol")
	drain(alice)
	drain(phone)

	r.Dispatch(phone.ID, frameJSON(ActionLeaveChat, "group_g1", ""))

	assertClosed(t, phone)
	assertClosed(t, laptop)
	assert.Equal(t, EventUserLeft, recv(t, alice).Type)
}

func TestRoom_PersistFailureBlocksBroadcast(t *testing.T) {
	st := &flakyStore{MemoryStore: store.NewMemoryStore()}
	seedDirectory(t, st)
	r := startRoom(t, "dm_alice_bob", st, Options{})
	alice := openSession(t, r, "alice")
	bob := openSession(t, r, "bob")
	drain(alice)

	st.failPut.Store(true)
	sendText(r, bob, "lost")

	ev := recv(t, bob)
	assert.Equal(t, EventError, ev.Type)
	assert.Equal(t, CodePersistFailed, ev.Code)
	assert.Empty(t, alice.Send)

	st.failPut.Store(false)
	sendText(r, bob, "kept")
	assert.Equal(t, "kept", recv(t, alice).Content)

	late := openSession(t, r, "alice")
	assert.Equal(t, "kept", recv(t, late).Content)
	assert.Empty(t, late.Send, "the failed send must not be replayed")
}

func TestRoom_HistoryCapacity(t *testing.T) {
	st := store.NewMemoryStore()
	seedDirectory(t, st)
	r := startRoom(t, "group_g1", st, Options{HistoryLimit: 100})
	alice := openSession(t, r, "alice")

	for i := 1; i <= 101; i++ {
		sendText(r, alice, fmt.Sprintf("#%d", i))
	}
	for i := 1; i <= 101; i++ {
		require.Equal(t, fmt.Sprintf("#%d", i), recv(t, alice).Content)
	}

	bob := openSession(t, r, "bob")
	require.Len(t, bob.Send, 100)
	assert.Equal(t, "#2", recv(t, bob).Content)
	for i := 3; i <= 101; i++ {
		assert.Equal(t, fmt.Sprintf("#%d", i), recv(t, bob).Content)
	}

	// all 101 remain durable
	assert.Len(t, storedTexts(t, st, "group_g1"), 101)

	// a fresh actor hydrates the same window
	restarted := startRoom(t, "group_g1", st, Options{HistoryLimit: 100})
	carol := openSession(t, restarted, "carol")
	require.Len(t, carol.Send, 100)
	assert.Equal(t, "#2", recv(t, carol).Content)
}

func TestRoom_HistorySurvivesRestart(t *testing.T) {
	ctx := context.Background()
	st := store.NewMemoryStore()
	seedDirectory(t, st)

	r := startRoom(t, "dm_alice_bob", st, Options{})
	alice := openSession(t, r, "alice")
	sendText(r, alice, "before restart")
	sent := recv(t, alice)
	r.Stop()
	r.Wait()
	assertClosed(t, alice)

	// a later rename does not rewrite history
	require.NoError(t, st.PutUser(ctx, &store.User{ID: "alice", DisplayName: "Alice Renamed"}))

	r2 := startRoom(t, "dm_alice_bob", st, Options{})
	bob := openSession(t, r2, "bob")
	replayed := recv(t, bob)
	assert.Equal(t, sent, replayed)
	assert.Equal(t, "Alice", replayed.SenderName)

	alice2 := openSession(t, r2, "alice")
	recv(t, alice2)
	sendText(r2, alice2, "after restart")
	ev := recvType(t, bob, EventMessage)
	assert.Equal(t, "Alice Renamed", ev.SenderName)
	assert.Greater(t, ev.MessageID, replayed.MessageID)
}

func TestRoom_UnknownSenderFallsBackToID(t *testing.T) {
	st := store.NewMemoryStore()
	require.NoError(t, st.PutGroup(context.Background(), &store.Group{ID: "g2", OwnerID: "ghost", Members: []string{"ghost"}}))
	r := startRoom(t, "group_g2", st, Options{})
	ghost := openSession(t, r, "ghost")

	sendText(r, ghost, "boo")

	ev := recv(t, ghost)
	assert.Equal(t, "ghost", ev.SenderName)
}

func TestRoom_SlowSessionIsDropped(t *testing.T) {
	st := store.NewMemoryStore()
	seedDirectory(t, st)
	r := startRoom(t, "dm_alice_bob", st, Options{})

	slow := NewSession("alice", newFakeConn(), 1)
	require.NoError(t, r.Open(context.Background(), slow))
	bob := openSession(t, r, "bob") // fills alice's buffer with user_joined

	sendText(r, bob, "flood")

	assert.Equal(t, "flood", recv(t, bob).Content)
	left := recv(t, bob)
	assert.Equal(t, EventUserLeft, left.Type)
	assert.Equal(t, "alice", left.SenderID)
	assert.Equal(t, EventUserJoined, recv(t, slow).Type)
	assertClosed(t, slow)
}

func TestRoom_RecordPresence(t *testing.T) {
	st := store.NewMemoryStore()
	seedDirectory(t, st)
	r := startRoom(t, "group_g1", st, Options{RecordPresence: true})

	alice := openSession(t, r, "alice")
	bob := openSession(t, r, "bob")
	recv(t, alice)
	r.Disconnect(bob.ID)
	assert.Equal(t, EventUserLeft, recv(t, alice).Type)

	carol := openSession(t, r, "carol")
	var types []EventType
	for len(carol.Send) > 0 {
		types = append(types, recv(t, carol).Type)
	}
	assert.Equal(t, []EventType{EventUserJoined, EventUserJoined, EventUserLeft}, types)
	assert.Len(t, storedTexts(t, st, "group_g1"), 4)
}

func TestRoom_StoppedRoomRefusesWork(t *testing.T) {
	st := store.NewMemoryStore()
	seedDirectory(t, st)
	id, err := ParseChatID("dm_alice_bob")
	require.NoError(t, err)
	r := NewRoom(id, st, st, Options{}, zerolog.Nop())
	go r.Start()
	r.Stop()
	r.Wait()

	err = r.Open(context.Background(), NewSession("alice", newFakeConn(), 8))
	assert.ErrorIs(t, err, ErrRoomClosed)
	r.Dispatch("nobody", []byte("{}"))
	r.Disconnect("nobody")

	_, err = r.Presence(context.Background())
	assert.ErrorIs(t, err, ErrRoomClosed)
}

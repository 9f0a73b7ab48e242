package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testRoomManager(ttl time.Duration) *RoomManager {
	return NewRoomManager(ttl, zerolog.Nop())
}

func TestSubscribeIdempotent(t *testing.T) {
	rooms := testRoomManager(0)
	sub := newFakeSubscriber("c1", "u1", "alice")

	rooms.Subscribe("room-1", sub)
	rooms.Subscribe("room-1", sub)
	assert.Equal(t, 1, rooms.SubscriberCount("room-1"))
	assert.True(t, rooms.Subscribed("room-1", sub))

	rooms.Unsubscribe("room-1", sub)
	assert.False(t, rooms.Subscribed("room-1", sub))
	assert.Equal(t, 0, rooms.SubscriberCount("room-1"))
}

func TestBroadcastOrderIsFIFO(t *testing.T) {
	rooms := testRoomManager(0)
	sub := newFakeSubscriber("c1", "u1", "alice")
	rooms.Subscribe("room-1", sub)

	for i := 0; i < 20; i++ {
		rooms.Broadcast("room-1", EventReceiveMessage, map[string]int{"n": i}, nil)
	}

	envelopes := sub.received()
	require.Len(t, envelopes, 20)
	for i, env := range envelopes {
		var payload map[string]int
		require.NoError(t, json.Unmarshal(env.Payload, &payload))
		assert.Equal(t, i, payload["n"], "frame %d out of order", i)
	}
}

func TestBroadcastSkipsExcept(t *testing.T) {
	rooms := testRoomManager(0)
	origin := newFakeSubscriber("c1", "u1", "alice")
	other := newFakeSubscriber("c2", "u2", "bob")
	rooms.Subscribe("room-1", origin)
	rooms.Subscribe("room-1", other)

	rooms.Broadcast("room-1", EventUserTyping, nil, origin)
	assert.Empty(t, origin.received())
	assert.Len(t, other.received(), 1)
}

func TestBroadcastDropsSlowSubscriber(t *testing.T) {
	rooms := testRoomManager(0)
	healthy := newFakeSubscriber("c1", "u1", "alice")
	slow := newFakeSubscriber("c2", "u2", "bob")
	slow.full = true
	rooms.Subscribe("room-1", healthy)
	rooms.Subscribe("room-1", slow)

	rooms.Broadcast("room-1", EventReceiveMessage, "hi", nil)

	assert.Len(t, healthy.received(), 1)
	assert.False(t, rooms.Subscribed("room-1", slow), "slow subscriber must be evicted")
	assert.True(t, rooms.Subscribed("room-1", healthy))
}

func TestSubscribeSurvivesConcurrentTeardown(t *testing.T) {
	rooms := testRoomManager(0)
	for i := 0; i < 5000; i++ {
		leaver := newFakeSubscriber("c-leaver", "u1", "alice")
		rooms.Subscribe("room-1", leaver)
		joiner := newFakeSubscriber("c-joiner", "u2", "bob")

		// the last member leaving tears the room down while someone else is
		// joining; the joiner must end up in a room broadcasts can reach
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			rooms.Unsubscribe("room-1", leaver)
		}()
		go func() {
			defer wg.Done()
			rooms.Subscribe("room-1", joiner)
		}()
		wg.Wait()

		require.True(t, rooms.Subscribed("room-1", joiner),
			"iteration %d: joiner lost its subscription to a torn-down room", i)
		rooms.Broadcast("room-1", EventReceiveMessage, "ping", nil)
		require.NotEmpty(t, joiner.received(), "iteration %d: broadcast missed the joiner", i)
		rooms.Unsubscribe("room-1", joiner)
	}
}

func TestTypingBroadcastExcludesOrigin(t *testing.T) {
	rooms := testRoomManager(0)
	origin := newFakeSubscriber("c1", "u1", "alice")
	other := newFakeSubscriber("c2", "u2", "bob")
	rooms.Subscribe("room-1", origin)
	rooms.Subscribe("room-1", other)

	rooms.SetTyping("room-1", origin.Identity(), true, origin)

	require.Len(t, rooms.TypingIdentities("room-1"), 1)
	assert.Empty(t, origin.eventsNamed(EventUserTyping), "origin must not see its own typing echo")

	events := other.eventsNamed(EventUserTyping)
	require.Len(t, events, 1)
	var payload userTypingPayload
	require.NoError(t, json.Unmarshal(events[0].Payload, &payload))
	assert.True(t, payload.IsTyping)
	assert.Equal(t, "u1", payload.User.ID)
}

func TestClearTypingBroadcastsStop(t *testing.T) {
	rooms := testRoomManager(0)
	origin := newFakeSubscriber("c1", "u1", "alice")
	other := newFakeSubscriber("c2", "u2", "bob")
	rooms.Subscribe("room-1", origin)
	rooms.Subscribe("room-1", other)

	rooms.SetTyping("room-1", origin.Identity(), true, origin)
	rooms.ClearTyping("room-1", "u1")

	assert.Empty(t, rooms.TypingIdentities("room-1"))
	events := other.eventsNamed(EventUserTyping)
	require.Len(t, events, 2)
	var payload userTypingPayload
	require.NoError(t, json.Unmarshal(events[1].Payload, &payload))
	assert.False(t, payload.IsTyping)

	// clearing again is silent
	rooms.ClearTyping("room-1", "u1")
	assert.Len(t, other.eventsNamed(EventUserTyping), 2)
}

func TestTypingExpirySweep(t *testing.T) {
	rooms := testRoomManager(50 * time.Millisecond)
	origin := newFakeSubscriber("c1", "u1", "alice")
	other := newFakeSubscriber("c2", "u2", "bob")
	rooms.Subscribe("room-1", origin)
	rooms.Subscribe("room-1", other)

	rooms.SetTyping("room-1", origin.Identity(), true, origin)
	require.Len(t, rooms.TypingIdentities("room-1"), 1)

	rooms.sweepTyping(time.Now().Add(time.Second))

	assert.Empty(t, rooms.TypingIdentities("room-1"))
	events := other.eventsNamed(EventUserTyping)
	require.Len(t, events, 2)
	var payload userTypingPayload
	require.NoError(t, json.Unmarshal(events[1].Payload, &payload))
	assert.False(t, payload.IsTyping, "sweep must announce the stop")
}

func TestUnsubscribeClearsTypingState(t *testing.T) {
	rooms := testRoomManager(0)
	sub := newFakeSubscriber("c1", "u1", "alice")
	rooms.Subscribe("room-1", sub)
	rooms.SetTyping("room-1", sub.Identity(), true, sub)

	rooms.Unsubscribe("room-1", sub)
	assert.Empty(t, rooms.TypingIdentities("room-1"))
}

func TestRoomsDoNotInterfere(t *testing.T) {
	rooms := testRoomManager(0)
	var subs []*fakeSubscriber
	for i := 0; i < 3; i++ {
		sub := newFakeSubscriber(fmt.Sprintf("c%d", i), fmt.Sprintf("u%d", i), "user")
		rooms.Subscribe(fmt.Sprintf("room-%d", i), sub)
		subs = append(subs, sub)
	}

	rooms.Broadcast("room-1", EventReceiveMessage, "only for room 1", nil)

	assert.Empty(t, subs[0].received())
	assert.Len(t, subs[1].received(), 1)
	assert.Empty(t, subs[2].received())
}

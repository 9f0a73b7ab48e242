package realtime

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"tabletalk/internal/domain"
)

// RoomManager keeps the live subscriber set and typing state per room and
// performs ordered fan-out. Broadcasts for the same room serialize on the
// room's lock, so per-room delivery order is FIFO; rooms never block each
// other.
type RoomManager struct {
	mu        sync.RWMutex
	rooms     map[string]*room
	typingTTL time.Duration
	logger    zerolog.Logger
}

type room struct {
	id          string
	mu          sync.Mutex
	subscribers map[Subscriber]struct{}
	typing      map[string]typingEntry // identity id -> state
	// dead marks a room removed from the manager's map; a subscriber must
	// never be added to one, broadcasts can no longer find it
	dead bool
}

type typingEntry struct {
	user      domain.Identity
	startedAt time.Time
}

func NewRoomManager(typingTTL time.Duration, logger zerolog.Logger) *RoomManager {
	if typingTTL <= 0 {
		typingTTL = 10 * time.Second
	}
	return &RoomManager{
		rooms:     make(map[string]*room),
		typingTTL: typingTTL,
		logger:    logger,
	}
}

// Run sweeps expired typing state until the context is cancelled.
func (m *RoomManager) Run(ctx context.Context) {
	ticker := time.NewTicker(m.typingTTL / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweepTyping(time.Now())
		case <-ctx.Done():
			return
		}
	}
}

func (m *RoomManager) getOrCreateRoom(id string) *room {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rm, exists := m.rooms[id]; exists {
		return rm
	}
	rm := &room{
		id:          id,
		subscribers: make(map[Subscriber]struct{}),
		typing:      make(map[string]typingEntry),
	}
	m.rooms[id] = rm
	return rm
}

func (m *RoomManager) getRoom(id string) *room {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.rooms[id]
}

func (m *RoomManager) deleteRoomIfEmpty(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rm, exists := m.rooms[id]; exists {
		// the dead flag is set while both locks are held, so a Subscribe that
		// already fetched this room pointer sees it and retries
		rm.mu.Lock()
		if len(rm.subscribers) == 0 {
			rm.dead = true
			delete(m.rooms, id)
		}
		rm.mu.Unlock()
	}
}

// Subscribe registers a session as a live listener of the room. Idempotent.
func (m *RoomManager) Subscribe(roomID string, sub Subscriber) {
	for {
		rm := m.getOrCreateRoom(roomID)
		rm.mu.Lock()
		if rm.dead {
			// lost the race against the last member leaving; the manager no
			// longer knows this room object, get a fresh one
			rm.mu.Unlock()
			continue
		}
		rm.subscribers[sub] = struct{}{}
		rm.mu.Unlock()
		return
	}
}

// Unsubscribe removes a session from the room; the room itself is dropped
// once nobody listens. Idempotent.
func (m *RoomManager) Unsubscribe(roomID string, sub Subscriber) {
	rm := m.getRoom(roomID)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	delete(rm.subscribers, sub)
	delete(rm.typing, sub.Identity().ID)
	rm.mu.Unlock()
	m.deleteRoomIfEmpty(roomID)
}

// Subscribed reports whether the session currently listens to the room.
func (m *RoomManager) Subscribed(roomID string, sub Subscriber) bool {
	rm := m.getRoom(roomID)
	if rm == nil {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	_, ok := rm.subscribers[sub]
	return ok
}

// SubscriberCount returns how many sessions listen to the room.
func (m *RoomManager) SubscriberCount(roomID string) int {
	rm := m.getRoom(roomID)
	if rm == nil {
		return 0
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.subscribers)
}

// Broadcast delivers the event to every current subscriber of the room,
// skipping except when set. A subscriber that cannot keep up is dropped from
// the room; that is a delivery failure, never an error for the caller.
func (m *RoomManager) Broadcast(roomID, event string, payload any, except Subscriber) {
	rm := m.getRoom(roomID)
	if rm == nil {
		return
	}
	frame := encodeFrame(event, payload)
	if frame == nil {
		return
	}
	rm.mu.Lock()
	for sub := range rm.subscribers {
		if sub == except {
			continue
		}
		if !sub.Send(frame) {
			// slow or dead; drop it from the room and move on. The session
			// cleans the rest of its state up itself on close.
			delete(rm.subscribers, sub)
			m.logger.Warn().
				Str("room_id", roomID).
				Str("conn_id", sub.ID()).
				Str("event", event).
				Msg("dropped subscriber during broadcast")
		}
	}
	rm.mu.Unlock()
}

// SetTyping records or clears typing presence for the identity and broadcasts
// a userTyping event to everyone in the room except the originating session.
func (m *RoomManager) SetTyping(roomID string, user domain.Identity, isTyping bool, origin Subscriber) {
	rm := m.getRoom(roomID)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	if isTyping {
		rm.typing[user.ID] = typingEntry{user: user, startedAt: time.Now()}
	} else {
		delete(rm.typing, user.ID)
	}
	rm.mu.Unlock()
	m.Broadcast(roomID, EventUserTyping, userTypingPayload{RoomID: roomID, User: user, IsTyping: isTyping}, origin)
}

// ClearTyping removes the identity's typing state, broadcasting the stop to
// the room if it was set. Called when the typer's message goes out.
func (m *RoomManager) ClearTyping(roomID, identityID string) {
	rm := m.getRoom(roomID)
	if rm == nil {
		return
	}
	rm.mu.Lock()
	entry, wasTyping := rm.typing[identityID]
	delete(rm.typing, identityID)
	rm.mu.Unlock()
	if wasTyping {
		m.Broadcast(roomID, EventUserTyping, userTypingPayload{RoomID: roomID, User: entry.user, IsTyping: false}, nil)
	}
}

// TypingIdentities returns who is currently marked typing in the room.
func (m *RoomManager) TypingIdentities(roomID string) []domain.Identity {
	rm := m.getRoom(roomID)
	if rm == nil {
		return nil
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	users := make([]domain.Identity, 0, len(rm.typing))
	for _, entry := range rm.typing {
		users = append(users, entry.user)
	}
	return users
}

func (m *RoomManager) sweepTyping(now time.Time) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.rooms))
	for id := range m.rooms {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	cutoff := now.Add(-m.typingTTL)
	for _, roomID := range ids {
		rm := m.getRoom(roomID)
		if rm == nil {
			continue
		}
		var expired []domain.Identity
		rm.mu.Lock()
		for identityID, entry := range rm.typing {
			if entry.startedAt.Before(cutoff) {
				delete(rm.typing, identityID)
				expired = append(expired, entry.user)
			}
		}
		rm.mu.Unlock()
		for _, user := range expired {
			m.Broadcast(roomID, EventUserTyping, userTypingPayload{RoomID: roomID, User: user, IsTyping: false}, nil)
		}
	}
}

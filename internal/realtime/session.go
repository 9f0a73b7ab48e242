package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tabletalk/internal/domain"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 8192
	sendBuffer = 256
)

type sessionState int32

const (
	stateConnecting sessionState = iota
	stateAuthenticated
	stateClosed
)

// Session owns one websocket connection and mediates every inbound and
// outbound event for it. Inbound events are processed one at a time on the
// read pump; nothing but the authentication handshake is accepted before the
// session reaches the authenticated state.
type Session struct {
	id     string
	conn   *websocket.Conn
	server *Server
	send   chan []byte
	done   chan struct{}

	state    atomic.Int32
	identity domain.Identity

	joinedMu sync.Mutex
	joined   map[string]struct{}

	stopOnce  sync.Once
	closeOnce sync.Once

	logger zerolog.Logger
}

func newSession(server *Server, conn *websocket.Conn) *Session {
	id := uuid.NewString()
	return &Session{
		id:     id,
		conn:   conn,
		server: server,
		send:   make(chan []byte, sendBuffer),
		done:   make(chan struct{}),
		joined: make(map[string]struct{}),
		logger: server.logger.With().Str("conn_id", id).Logger(),
	}
}

// ID returns the unique connection id.
func (s *Session) ID() string { return s.id }

// Identity returns the authenticated principal. Zero before authentication.
func (s *Session) Identity() domain.Identity { return s.identity }

// Send queues a frame without blocking. A full buffer means the peer cannot
// keep up; the session is shut down and false is returned so the caller can
// drop it.
func (s *Session) Send(frame []byte) bool {
	if frame == nil {
		return true
	}
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.send <- frame:
		return true
	default:
		s.stop()
		return false
	}
}

func (s *Session) sendEvent(event string, payload any) {
	s.Send(encodeFrame(event, payload))
}

func (s *Session) currentState() sessionState {
	return sessionState(s.state.Load())
}

// stop signals the write pump to shut the transport down. Safe to call from
// any goroutine, including under a room lock; it never takes locks itself.
func (s *Session) stop() {
	s.stopOnce.Do(func() { close(s.done) })
}

// close tears the session down: terminal state, synchronous removal from the
// presence registry and every room subscription, so no further broadcast can
// reach it.
func (s *Session) close() {
	s.closeOnce.Do(func() {
		wasAuthenticated := s.currentState() == stateAuthenticated
		s.state.Store(int32(stateClosed))
		if wasAuthenticated {
			s.server.registry.Unregister(s)
		}
		s.joinedMu.Lock()
		rooms := make([]string, 0, len(s.joined))
		for roomID := range s.joined {
			rooms = append(rooms, roomID)
		}
		s.joined = make(map[string]struct{})
		s.joinedMu.Unlock()
		for _, roomID := range rooms {
			s.server.rooms.Unsubscribe(roomID, s)
		}
		s.stop()
		_ = s.conn.Close()
		s.server.metrics.DecConn()
		s.logger.Info().Msg("session closed")
	})
}

func (s *Session) trackJoin(roomID string) {
	s.joinedMu.Lock()
	s.joined[roomID] = struct{}{}
	s.joinedMu.Unlock()
}

func (s *Session) trackLeave(roomID string) {
	s.joinedMu.Lock()
	delete(s.joined, roomID)
	s.joinedMu.Unlock()
}

func (s *Session) hasJoined(roomID string) bool {
	s.joinedMu.Lock()
	defer s.joinedMu.Unlock()
	_, ok := s.joined[roomID]
	return ok
}

func (s *Session) readPump() {
	defer s.close()
	s.conn.SetReadLimit(maxMsgSize)
	// the handshake deadline: if the client does not authenticate in time the
	// read fails and the transport is released
	_ = s.conn.SetReadDeadline(time.Now().Add(s.server.cfg.AuthTimeout))
	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			return
		}
		var env Envelope
		if err := json.Unmarshal(payload, &env); err != nil {
			s.logger.Debug().Err(err).Msg("dropping malformed frame")
			continue
		}
		s.dispatch(env)
		if s.currentState() == stateClosed {
			return
		}
	}
}

func (s *Session) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()
	for {
		select {
		case frame := <-s.send:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-s.done:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = s.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case <-ticker.C:
			_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (s *Session) dispatch(env Envelope) {
	switch s.currentState() {
	case stateConnecting:
		if env.Event != EventAuthenticate {
			// nothing but the handshake is accepted here
			s.logger.Debug().Err(ErrUnauthenticated).Str("event", env.Event).Msg("dropping event")
			return
		}
		s.handleAuthenticate(env.Payload)
	case stateAuthenticated:
		switch env.Event {
		case EventJoinRoom:
			s.handleJoin(env.Payload)
		case EventLeaveRoom:
			s.handleLeave(env.Payload)
		case EventTypingStart:
			s.handleTyping(env.Payload, true)
		case EventTypingStop:
			s.handleTyping(env.Payload, false)
		case EventSendMessage:
			s.handleSendMessage(env.Payload)
		case EventMarkRead:
			s.handleMarkRead(env.Payload)
		default:
			s.logger.Debug().Str("event", env.Event).Msg("dropping unknown event")
		}
	}
}

func (s *Session) handleAuthenticate(raw json.RawMessage) {
	var req authenticatePayload
	if err := json.Unmarshal(raw, &req); err != nil || req.Token == "" {
		s.server.metrics.IncAuthFailure()
		s.logger.Warn().Msg("handshake with missing token")
		s.stop()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.server.cfg.OpTimeout)
	defer cancel()
	ident, err := s.server.verifier.VerifyToken(ctx, req.Token)
	if err != nil {
		// connection-fatal per the taxonomy: close, never linger
		s.server.metrics.IncAuthFailure()
		s.logger.Warn().Err(err).Msg("authentication failed")
		s.stop()
		return
	}
	s.identity = *ident
	s.state.Store(int32(stateAuthenticated))
	s.logger = s.logger.With().Str("user_id", ident.ID).Str("nickname", ident.Nickname).Logger()

	// handshake done, switch to the keepalive deadline regime
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	s.server.registry.Register(s)
	s.sendEvent(EventAuthenticated, ident)
	s.logger.Info().Msg("session authenticated")
}

func (s *Session) handleJoin(raw json.RawMessage) {
	var req roomPayload
	if err := json.Unmarshal(raw, &req); err != nil || req.RoomID == "" {
		return
	}
	if s.hasJoined(req.RoomID) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.server.cfg.OpTimeout)
	defer cancel()
	if !s.server.authz.CanJoin(ctx, s.identity.ID, req.RoomID) {
		// a rejected join is silent: not fatal, no broadcast, just a log line
		s.logger.Warn().Str("room_id", req.RoomID).Msg("unauthorized join attempt")
		return
	}
	s.server.rooms.Subscribe(req.RoomID, s)
	s.trackJoin(req.RoomID)
	s.logger.Info().Str("room_id", req.RoomID).Msg("joined room")
}

func (s *Session) handleLeave(raw json.RawMessage) {
	var req roomPayload
	if err := json.Unmarshal(raw, &req); err != nil || req.RoomID == "" {
		return
	}
	s.server.rooms.Unsubscribe(req.RoomID, s)
	s.trackLeave(req.RoomID)
}

func (s *Session) handleTyping(raw json.RawMessage, isTyping bool) {
	var req roomPayload
	if err := json.Unmarshal(raw, &req); err != nil || req.RoomID == "" {
		return
	}
	if !s.hasJoined(req.RoomID) {
		return
	}
	if !s.server.limiter.Allow(s.identity.ID, ActionTyping, s.server.cfg.TypingPolicy) {
		s.server.metrics.IncRateLimited()
		return
	}
	s.server.rooms.SetTyping(req.RoomID, s.identity, isTyping, s)
}

func (s *Session) handleSendMessage(raw json.RawMessage) {
	var req sendMessagePayload
	if err := json.Unmarshal(raw, &req); err != nil || req.RoomID == "" {
		// req.Ref survives a partial decode, so the client can still
		// correlate the rejection
		s.sendEvent(EventMessageAck, messageAckPayload{Ref: req.Ref, Success: false, Error: "invalid_message"})
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.server.cfg.OpTimeout)
	defer cancel()
	msg, err := s.server.pipeline.Send(ctx, s, req.RoomID, req.Content)
	if err != nil {
		s.logger.Debug().Err(err).Str("room_id", req.RoomID).Msg("send rejected")
		s.sendEvent(EventMessageAck, messageAckPayload{Ref: req.Ref, Success: false, Error: ackCode(err)})
		return
	}
	s.sendEvent(EventMessageAck, messageAckPayload{Ref: req.Ref, Success: true, Message: msg})
}

func (s *Session) handleMarkRead(raw json.RawMessage) {
	var req roomPayload
	if err := json.Unmarshal(raw, &req); err != nil || req.RoomID == "" {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.server.cfg.OpTimeout)
	defer cancel()
	if err := s.server.pipeline.MarkRead(ctx, s, req.RoomID); err != nil {
		s.logger.Debug().Err(err).Str("room_id", req.RoomID).Msg("mark read rejected")
	}
}

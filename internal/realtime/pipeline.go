package realtime

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/rs/zerolog"

	"tabletalk/internal/domain"
)

// ChatRepository is the persistence collaborator the realtime layer talks to.
// Append is atomic and ordering-preserving per room.
type ChatRepository interface {
	RoomParticipants(ctx context.Context, roomID string) ([]string, error)
	AppendMessage(ctx context.Context, roomID string, sender domain.Identity, content string) (*domain.Message, error)
	MarkMessagesRead(ctx context.Context, roomID, userID string) (int64, error)
}

// Notifier receives the hand-off once a message is durably stored and
// broadcast. Implementations must not block.
type Notifier interface {
	MessageSent(roomID string, msg *domain.Message, participants []string)
}

// PipelineConfig carries the send-path policy knobs.
type PipelineConfig struct {
	MaxMessageLen int
	MessagePolicy RatePolicy
}

// Pipeline runs the send-message protocol end to end: validate, rate-check,
// authorize, persist, broadcast, then hand off to the notifier. A message is
// never broadcast unless it was durably recorded first, and broadcast order
// equals persisted order because both happen under the room's order lock.
type Pipeline struct {
	repo     ChatRepository
	rooms    *RoomManager
	limiter  *Limiter
	notifier Notifier
	cfg      PipelineConfig
	metrics  *Metrics
	logger   zerolog.Logger

	mu        sync.Mutex
	roomOrder map[string]*sync.Mutex
}

func NewPipeline(repo ChatRepository, rooms *RoomManager, limiter *Limiter, notifier Notifier, cfg PipelineConfig, metrics *Metrics, logger zerolog.Logger) *Pipeline {
	if cfg.MaxMessageLen <= 0 {
		cfg.MaxMessageLen = 500
	}
	return &Pipeline{
		repo:      repo,
		rooms:     rooms,
		limiter:   limiter,
		notifier:  notifier,
		cfg:       cfg,
		metrics:   metrics,
		logger:    logger,
		roomOrder: make(map[string]*sync.Mutex),
	}
}

func (p *Pipeline) orderLock(roomID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.roomOrder[roomID]
	if !ok {
		lock = &sync.Mutex{}
		p.roomOrder[roomID] = lock
	}
	return lock
}

// Send pushes one message through the pipeline on behalf of the sender and
// returns the canonical stored message, or one of the taxonomy errors. The
// sender's own connections receive the broadcast too, so multi-device senders
// see their message echoed back.
func (p *Pipeline) Send(ctx context.Context, sender Subscriber, roomID, content string) (*domain.Message, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, ErrEmptyMessage
	}
	if utf8.RuneCountInString(content) > p.cfg.MaxMessageLen {
		return nil, ErrMessageTooLong
	}

	ident := sender.Identity()
	if !p.limiter.Allow(ident.ID, ActionMessage, p.cfg.MessagePolicy) {
		p.metrics.IncRateLimited()
		return nil, ErrRateLimited
	}

	// membership is re-checked at send time, not only at join time; any
	// repository failure fails closed
	participants, err := p.repo.RoomParticipants(ctx, roomID)
	if err != nil {
		p.logger.Warn().Err(err).Str("room_id", roomID).Msg("participant lookup failed, rejecting send")
		return nil, ErrUnauthorized
	}
	if !containsID(participants, ident.ID) {
		return nil, ErrUnauthorized
	}

	order := p.orderLock(roomID)
	order.Lock()
	msg, err := p.repo.AppendMessage(ctx, roomID, ident, content)
	if err != nil {
		order.Unlock()
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	p.rooms.ClearTyping(roomID, ident.ID)
	p.rooms.Broadcast(roomID, EventReceiveMessage, msg, nil)
	order.Unlock()

	p.metrics.IncMessageSent()
	if p.notifier != nil {
		p.notifier.MessageSent(roomID, msg, participants)
	}
	return msg, nil
}

// MarkRead records read receipts for the caller across the room's messages
// and tells the other subscribers. Fails closed on membership like Send.
func (p *Pipeline) MarkRead(ctx context.Context, sender Subscriber, roomID string) error {
	ident := sender.Identity()
	participants, err := p.repo.RoomParticipants(ctx, roomID)
	if err != nil {
		return ErrUnauthorized
	}
	if !containsID(participants, ident.ID) {
		return ErrUnauthorized
	}
	updated, err := p.repo.MarkMessagesRead(ctx, roomID, ident.ID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	if updated > 0 {
		p.rooms.Broadcast(roomID, EventMessagesRead, messagesReadPayload{RoomID: roomID, User: ident}, sender)
	}
	return nil
}

func containsID(ids []string, id string) bool {
	for _, candidate := range ids {
		if candidate == id {
			return true
		}
	}
	return false
}

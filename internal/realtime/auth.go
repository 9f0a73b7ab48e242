package realtime

import (
	"context"

	"github.com/rs/zerolog"
)

// Authorizer is the gatekeeper for room access. It always consults the
// repository, never a cache, so an answer is never staler than the check.
type Authorizer struct {
	repo   ChatRepository
	logger zerolog.Logger
}

func NewAuthorizer(repo ChatRepository, logger zerolog.Logger) *Authorizer {
	return &Authorizer{repo: repo, logger: logger}
}

// CanJoin reports whether the identity is a current participant of the room.
// Fails closed: a repository error or unknown room yields false, never true.
func (a *Authorizer) CanJoin(ctx context.Context, identityID, roomID string) bool {
	participants, err := a.repo.RoomParticipants(ctx, roomID)
	if err != nil {
		a.logger.Warn().Err(err).Str("room_id", roomID).Msg("membership lookup failed, denying join")
		return false
	}
	return containsID(participants, identityID)
}

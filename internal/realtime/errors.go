package realtime

import "errors"

// The error taxonomy of the send path. Everything except ErrUnauthenticated
// is request-fatal only: the connection survives and the client gets an
// explicit ack carrying the matching code.
var (
	// ErrUnauthenticated is connection-fatal: a protocol event arrived before
	// the handshake completed, or the handshake itself failed.
	ErrUnauthenticated = errors.New("not authenticated")

	ErrEmptyMessage   = errors.New("message is empty")
	ErrMessageTooLong = errors.New("message exceeds maximum length")
	ErrRateLimited    = errors.New("rate limit exceeded")
	ErrUnauthorized   = errors.New("not a room participant")
	ErrPersistence    = errors.New("message could not be stored")
)

// ackCode maps a pipeline error to the stable string a client sees in a
// messageAck. Unknown errors collapse to server_error so internals never leak.
func ackCode(err error) string {
	switch {
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrMessageTooLong):
		return "invalid_message"
	case errors.Is(err, ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	case errors.Is(err, ErrPersistence):
		return "persistence_failed"
	default:
		return "server_error"
	}
}

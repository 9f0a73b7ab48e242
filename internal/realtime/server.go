package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"tabletalk/internal/domain"
)

// TokenVerifier is the external identity collaborator: it validates a signed
// credential and resolves the identity behind it.
type TokenVerifier interface {
	VerifyToken(ctx context.Context, token string) (*domain.Identity, error)
}

// Config carries the session-level policy knobs.
type Config struct {
	// AuthTimeout bounds the handshake: a connection that has not
	// authenticated by then is closed.
	AuthTimeout time.Duration
	// OpTimeout bounds each repository/identity lookup a session performs.
	OpTimeout time.Duration
	// TypingPolicy rate-limits typing signals per identity.
	TypingPolicy RatePolicy
}

func (c *Config) applyDefaults() {
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = 5 * time.Second
	}
	if c.OpTimeout <= 0 {
		c.OpTimeout = 10 * time.Second
	}
	if c.TypingPolicy.Max <= 0 {
		c.TypingPolicy = RatePolicy{Max: 20, Window: 5 * time.Second}
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// all origins allowed in development; tighten when exposing publicly
		return true
	},
}

// Server upgrades http requests to websocket sessions and hands them the
// shared components.
type Server struct {
	cfg      Config
	verifier TokenVerifier
	registry *Registry
	rooms    *RoomManager
	pipeline *Pipeline
	authz    *Authorizer
	limiter  *Limiter
	metrics  *Metrics
	logger   zerolog.Logger
}

func NewServer(cfg Config, verifier TokenVerifier, registry *Registry, rooms *RoomManager, pipeline *Pipeline, authz *Authorizer, limiter *Limiter, metrics *Metrics, logger zerolog.Logger) *Server {
	cfg.applyDefaults()
	return &Server{
		cfg:      cfg,
		verifier: verifier,
		registry: registry,
		rooms:    rooms,
		pipeline: pipeline,
		authz:    authz,
		limiter:  limiter,
		metrics:  metrics,
		logger:   logger,
	}
}

// Registry exposes the presence registry for collaborators that route on
// liveness, like the notification dispatcher.
func (s *Server) Registry() *Registry { return s.registry }

// ServeWS upgrades the request and runs a session until the transport dies.
func (s *Server) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	session := newSession(s, conn)
	s.metrics.IncConn()
	session.logger.Info().Str("remote", conn.RemoteAddr().String()).Msg("connection opened")

	go session.writePump()
	go session.readPump()
}

// Package httpapi is the minimal http surface around the realtime subsystem:
// credential issuance for the socket handshake, push handle registration, and
// operational probes.
package httpapi

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"tabletalk/internal/domain"
	"tabletalk/internal/identity"
	"tabletalk/internal/realtime"
	"tabletalk/internal/storage"
)

type loginRequest struct {
	Nickname string `json:"nickname"`
	Password string `json:"password"`
}

type loginResponse struct {
	Token     string    `json:"token"`
	UserID    string    `json:"userId"`
	Nickname  string    `json:"nickname"`
	ExpiresAt time.Time `json:"expiresAt"`
}

type registerDeviceRequest struct {
	Token string `json:"token"`
}

// Server holds the handlers' collaborators.
type Server struct {
	store       *storage.Store
	provider    *identity.Provider
	authLimiter *realtime.Limiter
	authPolicy  realtime.RatePolicy
	metrics     *realtime.Metrics
	tokenTTL    time.Duration
	logger      zerolog.Logger
}

func NewServer(store *storage.Store, provider *identity.Provider, authLimiter *realtime.Limiter, authPolicy realtime.RatePolicy, metrics *realtime.Metrics, tokenTTL time.Duration, logger zerolog.Logger) *Server {
	if tokenTTL <= 0 {
		tokenTTL = 24 * time.Hour
	}
	return &Server{
		store:       store,
		provider:    provider,
		authLimiter: authLimiter,
		authPolicy:  authPolicy,
		metrics:     metrics,
		tokenTTL:    tokenTTL,
		logger:      logger,
	}
}

// HandleLogin checks a nickname/password pair and issues the signed token the
// websocket handshake consumes.
func (s *Server) HandleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	if !s.authLimiter.Allow(s.clientIP(r), realtime.ActionAuth, s.authPolicy) {
		http.Error(w, http.StatusText(http.StatusTooManyRequests), http.StatusTooManyRequests)
		return
	}
	var req loginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	nickname := strings.TrimSpace(req.Nickname)
	password := strings.TrimSpace(req.Password)
	if nickname == "" || password == "" {
		writeError(w, http.StatusBadRequest, errors.New("nickname and password are required"))
		return
	}
	user, err := s.store.GetUserByNickname(r.Context(), nickname)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if user == nil || bcrypt.CompareHashAndPassword(user.PasswordHash, []byte(password)) != nil {
		s.metrics.IncAuthFailure()
		writeError(w, http.StatusUnauthorized, errors.New("invalid credentials"))
		return
	}
	token, expiresAt, err := s.provider.IssueToken(user.ID, user.Nickname, s.tokenTTL)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.metrics.IncLogin()
	writeJSON(w, http.StatusOK, loginResponse{
		Token:     token,
		UserID:    user.ID,
		Nickname:  user.Nickname,
		ExpiresAt: expiresAt,
	})
}

// HandleRegisterDevice stores an external push handle for the authenticated
// caller; the notification dispatcher fans out to these.
func (s *Server) HandleRegisterDevice(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}
	ident, err := s.authenticateRequest(r)
	if err != nil {
		http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
		return
	}
	var req registerDeviceRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	token := strings.TrimSpace(req.Token)
	if token == "" {
		writeError(w, http.StatusBadRequest, errors.New("device token is required"))
		return
	}
	if err := s.store.RegisterPushToken(r.Context(), ident.ID, token); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleRoomExists is a lightweight probe for a room id.
func (s *Server) HandleRoomExists(w http.ResponseWriter, r *http.Request) {
	roomID := r.URL.Query().Get("room")
	if roomID == "" {
		http.Error(w, "missing room", http.StatusBadRequest)
		return
	}
	exists, err := s.store.RoomExists(r.Context(), roomID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if exists {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
		return
	}
	http.Error(w, "not found", http.StatusNotFound)
}

// MetricsHandler exposes the realtime counters.
func (s *Server) MetricsHandler() http.Handler {
	return s.metrics
}

func (s *Server) authenticateRequest(r *http.Request) (*domain.Identity, error) {
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, errors.New("missing bearer token")
	}
	return s.provider.VerifyToken(r.Context(), strings.TrimSpace(parts[1]))
}

func (s *Server) clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		if idx := strings.IndexByte(forwarded, ','); idx >= 0 {
			return strings.TrimSpace(forwarded[:idx])
		}
		return strings.TrimSpace(forwarded)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func decodeJSON(r *http.Request, out any) error {
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(out)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func methodNotAllowed(w http.ResponseWriter, allowed string) {
	w.Header().Set("Allow", allowed)
	http.Error(w, http.StatusText(http.StatusMethodNotAllowed), http.StatusMethodNotAllowed)
}

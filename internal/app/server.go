package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"tabletalk/internal/httpapi"
	"tabletalk/internal/identity"
	"tabletalk/internal/notify"
	"tabletalk/internal/realtime"
	"tabletalk/internal/storage"
)

// ServerHandle represents a running chat backend instance.
type ServerHandle struct {
	addr       string
	server     *http.Server
	store      *storage.Store
	dispatcher *notify.Dispatcher
	done       chan struct{}
	err        error
}

// Addr returns the actual listen address (after the OS allocated a port).
func (h *ServerHandle) Addr() string {
	return h.addr
}

// Stop triggers a graceful shutdown with the provided context deadline.
func (h *ServerHandle) Stop(ctx context.Context) error {
	if h == nil || h.server == nil {
		return nil
	}
	if ctx == nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	return h.server.Shutdown(ctx)
}

// Wait blocks until the server exits.
func (h *ServerHandle) Wait() error {
	if h == nil {
		return nil
	}
	<-h.done
	return h.err
}

// RunServer wires the whole backend together, opens the SQLite store, runs
// migrations, and starts serving in the background. Call Stop/Wait to manage
// its lifecycle.
func RunServer(ctx context.Context, cfg Config) (*ServerHandle, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.WSPath = NormalizeWSPath(cfg.WSPath)

	logger := newLogger(cfg.LogLevel)

	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}
	store, err := storage.NewStore(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if err := store.Migrate(context.Background()); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	metrics := realtime.NewMetrics()
	registry := realtime.NewRegistry()
	limiter := realtime.NewLimiter()
	rooms := realtime.NewRoomManager(cfg.TypingTTL, logger)

	provider := identity.NewProvider(cfg.JWTSecret, cfg.JWTIssuer, store, logger)

	var gateway notify.Gateway
	if cfg.PushGatewayURL != "" {
		gateway = notify.NewHTTPGateway(cfg.PushGatewayURL, &http.Client{Timeout: cfg.PushTimeout})
	} else {
		gateway = notify.NewLogGateway(logger)
	}
	dispatcher := notify.NewDispatcher(gateway, store, registry, metrics, notify.Options{
		SkipOnline: cfg.PushSkipOnline,
		Timeout:    cfg.PushTimeout,
	}, logger)

	pipeline := realtime.NewPipeline(store, rooms, limiter, dispatcher, realtime.PipelineConfig{
		MaxMessageLen: storage.MaxMessageLength,
		MessagePolicy: cfg.MessagePolicy,
	}, metrics, logger)

	authz := realtime.NewAuthorizer(store, logger)
	rtServer := realtime.NewServer(realtime.Config{
		AuthTimeout:  cfg.AuthTimeout,
		OpTimeout:    cfg.OpTimeout,
		TypingPolicy: cfg.TypingPolicy,
	}, provider, registry, rooms, pipeline, authz, limiter, metrics, logger)

	api := httpapi.NewServer(store, provider, limiter, cfg.AuthPolicy, metrics, cfg.TokenTTL, logger)

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.WSPath, rtServer.ServeWS)
	mux.HandleFunc("/login", api.HandleLogin)
	mux.HandleFunc("/devices", api.HandleRegisterDevice)
	mux.HandleFunc("/rooms/exists", api.HandleRoomExists)
	mux.Handle("/metrics", api.MetricsHandler())

	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: mux,
	}

	listener, err := net.Listen("tcp", cfg.Addr)
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("listen: %w", err)
	}

	handle := &ServerHandle{
		addr:       listener.Addr().String(),
		server:     httpServer,
		store:      store,
		dispatcher: dispatcher,
		done:       make(chan struct{}),
	}

	runCtx := ctx
	if runCtx == nil {
		runCtx = context.Background()
	}
	go rooms.Run(runCtx)

	go func() {
		if ctx == nil {
			return
		}
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("server shutdown error")
		}
	}()

	go handle.serve(listener, logger)

	logger.Info().Str("addr", handle.addr).Str("ws_path", cfg.WSPath).Msg("tabletalk server listening")
	return handle, nil
}

func (h *ServerHandle) serve(listener net.Listener, logger zerolog.Logger) {
	defer close(h.done)
	err := h.server.Serve(listener)
	if errors.Is(err, http.ErrServerClosed) {
		err = nil
	}
	// Let in-flight push deliveries finish before the store goes away.
	h.dispatcher.Flush()
	if err := h.store.Close(); err != nil {
		logger.Error().Err(err).Msg("store close error")
	}
	h.err = err
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(os.Stderr).Level(lvl).With().Timestamp().Logger()
}

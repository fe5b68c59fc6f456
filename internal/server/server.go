// ABOUTME: Server wiring the store, registry, connection manager and HTTP surface
// ABOUTME: Run starts the listener and drives graceful shutdown on context cancel

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/parley-chat/parley/internal/actor"
	"github.com/parley-chat/parley/internal/agent"
	"github.com/parley-chat/parley/internal/auth"
	"github.com/parley-chat/parley/internal/config"
	"github.com/parley-chat/parley/internal/connection"
	"github.com/parley-chat/parley/internal/ratelimit"
	"github.com/parley-chat/parley/internal/registry"
	"github.com/parley-chat/parley/internal/screen"
	"github.com/parley-chat/parley/internal/store"
)

const shutdownTimeout = 5 * time.Second

// Server owns every component of the conversation layer and the HTTP
// surface in front of it.
type Server struct {
	cfg    *config.Config
	logger *slog.Logger
	base   *slog.Logger

	store    store.Store
	registry *registry.Registry
	manager  *connection.Manager
	authn    *auth.JWTAuthenticator
	shares   *auth.ShareTokens

	httpServer *http.Server

	// Echo runners keyed by conversation id, present only when the demo
	// echo agent is enabled.
	mu      sync.Mutex
	runners map[string]*agent.Runner
}

// New builds a fully wired Server from configuration.
func New(cfg *config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	st, err := openStore(cfg)
	if err != nil {
		return nil, err
	}

	limiter := ratelimit.New(cfg.Limits.RateCapacity, cfg.Limits.RateRefillPerSec)
	screener := screen.New(cfg.Limits.MaxPayloadBytes)
	reg := registry.New(st, limiter, screener, actor.Config{
		QueueBound: cfg.Limits.QueueBound,
		SinkBuffer: cfg.Limits.SessionBuffer,
	}, logger)

	authn, err := auth.NewJWTAuthenticator([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("configuring authenticator: %w", err)
	}
	shares, err := auth.NewShareTokens([]byte(cfg.Auth.JWTSecret), cfg.Auth.ShareTokenTTL)
	if err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("configuring share tokens: %w", err)
	}

	manager := connection.NewManager(reg, st, authn, shares, connection.Config{
		AuthTimeout: cfg.Auth.AuthTimeout,
		IdleTimeout: cfg.Limits.IdleTimeout,
	}, logger)

	s := &Server{
		cfg:      cfg,
		logger:   logger.With("component", "server"),
		base:     logger,
		store:    st,
		registry: reg,
		manager:  manager,
		authn:    authn,
		shares:   shares,
		runners:  make(map[string]*agent.Runner),
	}

	s.httpServer = &http.Server{
		Addr:              cfg.Server.HTTPAddr,
		Handler:           s.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

func openStore(cfg *config.Config) (store.Store, error) {
	switch cfg.Database.Driver {
	case "memory":
		return store.NewMemoryStore(), nil
	default:
		st, err := store.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening event store: %w", err)
		}
		return st, nil
	}
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /ws", s.handleWS)

	mux.HandleFunc("POST /api/conversations", s.requireAuth(s.handleCreateConversation))
	mux.HandleFunc("GET /api/conversations", s.requireAuth(s.handleListConversations))
	mux.HandleFunc("GET /api/conversations/{id}", s.requireAuth(s.handleGetConversation))
	mux.HandleFunc("POST /api/conversations/{id}/join", s.requireAuth(s.handleJoin))
	mux.HandleFunc("POST /api/conversations/{id}/leave", s.requireAuth(s.handleLeave))
	mux.HandleFunc("GET /api/conversations/{id}/events", s.requireAuth(s.handleListEvents))
	mux.HandleFunc("POST /api/conversations/{id}/share", s.requireAuth(s.handleShare))
	mux.HandleFunc("POST /api/conversations/{id}/events/{seq}/redact", s.requireAuth(s.handleRedact))

	return mux
}

// Run serves HTTP until ctx is cancelled or the listener fails, then shuts
// everything down in dependency order.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("server starting", "addr", s.cfg.Server.HTTPAddr)

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		return s.Shutdown()
	})

	return g.Wait()
}

// Shutdown stops the HTTP listener, disconnects sessions, stops agent
// runners and actors, and closes the store.
func (s *Server) Shutdown() error {
	s.logger.Info("server shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	s.manager.Close()

	s.mu.Lock()
	runners := make([]*agent.Runner, 0, len(s.runners))
	for _, r := range s.runners {
		runners = append(runners, r)
	}
	s.runners = make(map[string]*agent.Runner)
	s.mu.Unlock()
	for _, r := range runners {
		r.Stop()
	}

	s.registry.Close()

	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("closing store: %w", err))
	}

	return errors.Join(errs...)
}

// startEchoRunner attaches the demo echo agent to a new conversation when
// enabled by config.
func (s *Server) startEchoRunner(ctx context.Context, conversationID string) {
	if !s.cfg.Agents.EchoEnabled {
		return
	}

	r := agent.NewRunner("echo", "Echo", conversationID, s.registry, s.store, agent.EchoProcessor{}, s.base)
	if err := r.Start(ctx); err != nil {
		s.logger.Error("starting echo agent failed", "conversation_id", conversationID, "error", err)
		return
	}

	s.mu.Lock()
	s.runners[conversationID] = r
	s.mu.Unlock()
}

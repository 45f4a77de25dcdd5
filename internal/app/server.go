// Package server hosts the sync HTTP process: the bi-directional WebSocket
// rail, the one-way SSE rails, and the liveness endpoint. It wires the Event
// Bus, Command Engine, and Presence Tracker behind a single listener and
// stays transport-only: all domain decisions happen in the core packages.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/driftwire/driftwire/internal/bus"
	"github.com/driftwire/driftwire/internal/envelope"
	"github.com/driftwire/driftwire/internal/platform/timeouts"
	"github.com/driftwire/driftwire/internal/presence"
	"github.com/driftwire/driftwire/internal/revision"
	"github.com/driftwire/driftwire/internal/routing"
	"github.com/driftwire/driftwire/internal/storage"
	"github.com/driftwire/driftwire/internal/storage/sqlite"
)

// Config defines the inputs for the sync transport boundary.
type Config struct {
	HTTPAddr string
	// JWTSecret verifies access tokens from the identity collaborator.
	// Empty disables transport auth (tests, local development).
	JWTSecret string
	// StoragePath locates the SQLite commit journal. Empty runs without
	// durable history: delta-only recovery, head revisions start at zero.
	StoragePath string

	BufferLen         int
	CommitWindowSize  int
	ReadHeaderTimeout time.Duration
	ShutdownTimeout   time.Duration
}

// Server hosts the sync HTTP process.
type Server struct {
	httpAddr        string
	shutdownTimeout time.Duration
	httpServer      *http.Server

	core  *core
	store *sqlite.Store
}

// core bundles the domain collaborators the transport handlers share.
type core struct {
	validator *routing.Validator
	bus       *bus.Bus
	engine    *revision.Engine
	presence  *presence.Tracker
}

func newCore(registry *routing.Registry, journal storage.Store, config Config) *core {
	validator := routing.NewValidator(registry)

	var snapshots bus.SnapshotRefProvider
	if journal != nil {
		snapshots = journal
	}
	eventBus := bus.New(validator, bus.Options{
		BufferLen: config.BufferLen,
		Snapshots: snapshots,
	})
	engine := revision.New(validator, eventBus, journal, revision.Options{
		WindowSize: config.CommitWindowSize,
	})
	tracker := presence.New(eventBus, presence.Options{})

	return &core{
		validator: validator,
		bus:       eventBus,
		engine:    engine,
		presence:  tracker,
	}
}

func (c *core) close() {
	if c == nil {
		return
	}
	c.engine.Close()
	c.bus.Close()
}

// NewHandler creates sync routes for tests and offline paths.
// Transport auth is intentionally disabled in this constructor.
func NewHandler(registry *routing.Registry) http.Handler {
	handler, _ := newHandler(newCore(registry, nil, Config{}), nil)
	return handler
}

// NewHandlerWithAuthorizer creates sync routes with enforced token checks.
func NewHandlerWithAuthorizer(registry *routing.Registry, auth authorizer) http.Handler {
	handler, _ := newHandler(newCore(registry, nil, Config{}), auth)
	return handler
}

func newHandler(c *core, auth authorizer) (http.Handler, *core) {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.Handle("/v1/sync", newWSHandler(c, auth))
	mux.HandleFunc("/v1/stream/commits", newSSEHandler(c, auth, envelope.ChannelCommit))
	mux.HandleFunc("/v1/stream/artifacts", newSSEHandler(c, auth, envelope.ChannelArtifact))
	return mux, c
}

// NewServer builds a configured sync server. The registry holds tenant
// resource ownership and is mutated only by the provisioning collaborator.
func NewServer(config Config, registry *routing.Registry) (*Server, error) {
	httpAddr := strings.TrimSpace(config.HTTPAddr)
	if httpAddr == "" {
		return nil, errors.New("http address is required")
	}
	if registry == nil {
		return nil, errors.New("isolation registry is required")
	}
	if config.ReadHeaderTimeout <= 0 {
		config.ReadHeaderTimeout = timeouts.ReadHeader
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = timeouts.Shutdown
	}

	var store *sqlite.Store
	var journal storage.Store
	if strings.TrimSpace(config.StoragePath) != "" {
		opened, err := sqlite.Open(config.StoragePath)
		if err != nil {
			return nil, fmt.Errorf("open journal: %w", err)
		}
		store = opened
		journal = opened
	}

	auth := newJWTAuthorizer(config.JWTSecret)
	if auth == nil {
		log.Printf("sync: transport auth disabled, no JWT secret configured")
	}

	c := newCore(registry, journal, config)
	handler, _ := newHandler(c, auth)
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           handler,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	return &Server{
		httpAddr:        httpAddr,
		shutdownTimeout: config.ShutdownTimeout,
		httpServer:      httpServer,
		core:            c,
		store:           store,
	}, nil
}

// Run creates and serves a sync server until the context ends.
func Run(ctx context.Context, config Config, registry *routing.Registry) error {
	server, err := NewServer(config, registry)
	if err != nil {
		return fmt.Errorf("init sync server: %w", err)
	}
	defer server.Close()

	if err := server.ListenAndServe(ctx); err != nil {
		return fmt.Errorf("serve sync: %w", err)
	}
	return nil
}

// ListenAndServe runs the HTTP server until the context ends.
func (s *Server) ListenAndServe(ctx context.Context) error {
	if s == nil {
		return errors.New("sync server is nil")
	}
	if ctx == nil {
		return errors.New("context is required")
	}

	serveErr := make(chan error, 1)
	log.Printf("sync server listening on %s", s.httpAddr)
	go func() {
		serveErr <- s.httpServer.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		err := s.httpServer.Shutdown(shutdownCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("shutdown http server: %w", err)
		}
		return nil
	case err := <-serveErr:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("serve http: %w", err)
	}
}

// Close releases server resources: the engine drains its write-behind queue
// before the journal closes.
func (s *Server) Close() {
	if s == nil {
		return
	}
	s.core.close()
	if s.store != nil {
		if err := s.store.Close(); err != nil {
			log.Printf("sync: close journal: %v", err)
		}
	}
}

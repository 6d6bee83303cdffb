package gateway

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pttdictation/dictation-gateway/internal/config"
	"github.com/pttdictation/dictation-gateway/internal/events"
	"github.com/pttdictation/dictation-gateway/internal/injection"
	"github.com/pttdictation/dictation-gateway/internal/observability"
	"github.com/pttdictation/dictation-gateway/internal/registry"
	"github.com/pttdictation/dictation-gateway/internal/relay"
	"github.com/pttdictation/dictation-gateway/internal/rules"
)

const (
	// Buffered events per UI subscriber before events are dropped for it
	eventBuffer = 256

	shutdownTimeout = 30 * time.Second
)

// Deps are the collaborators a Server is built from. Only Registry is
// required.
type Deps struct {
	Registry *registry.Registry
	Injector injection.TextInjector

	// Sink receives every event in addition to the log and UI stream
	Sink events.Sink

	// Rules is nil when rule sync is disabled
	Rules *rules.Store

	// Checks are extra readiness checks keyed by dependency name
	Checks map[string]observability.HealthCheckFunc
}

// Server accepts phone WebSocket connections, relays their messages and
// evicts clients that stop sending heartbeats.
type Server struct {
	cfg         *config.Config
	registry    *registry.Registry
	relay       *relay.Handler
	broadcaster *events.Broadcaster
	rules       *rules.Store
	readiness   *observability.Readiness
	logger      zerolog.Logger
	upgrader    websocket.Upgrader
	router      *mux.Router
	now         func() time.Time

	mu    sync.Mutex
	conns map[*websocket.Conn]struct{}
}

// New creates a Server. Nothing is bound until ListenAndServe or Serve.
func New(cfg *config.Config, deps Deps, logger zerolog.Logger) *Server {
	reg := deps.Registry
	if reg == nil {
		reg = registry.NewRegistry()
	}

	logger = observability.WithComponent(logger, "gateway")
	broadcaster := events.NewBroadcaster(eventBuffer, logger)

	sinks := events.MultiSink{events.NewLogSink(logger), broadcaster}
	if deps.Sink != nil {
		sinks = append(sinks, deps.Sink)
	}
	sink := events.NewMetricsSink(sinks)

	observability.TrackConnectedClients(reg.ConnectedCount)

	checks := map[string]observability.HealthCheckFunc{
		"registry": func(context.Context) (bool, error) {
			reg.ConnectedCount()
			return true, nil
		},
	}
	for name, check := range deps.Checks {
		checks[name] = check
	}

	s := &Server{
		cfg:         cfg,
		registry:    reg,
		relay:       relay.NewHandler(reg, deps.Injector, sink, logger),
		broadcaster: broadcaster,
		rules:       deps.Rules,
		readiness:   observability.NewReadiness(checks),
		logger:      logger,
		upgrader: websocket.Upgrader{
			// Phones and the desktop UI connect from arbitrary origins on the LAN
			CheckOrigin:     func(r *http.Request) bool { return true },
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
		},
		now:   time.Now,
		conns: make(map[*websocket.Conn]struct{}),
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() *mux.Router {
	router := mux.NewRouter()

	// Phone endpoint
	router.HandleFunc("/", s.handlePhone)
	router.HandleFunc("/ws", s.handlePhone)

	// Desktop UI event stream
	router.HandleFunc("/events", s.handleEvents)

	router.HandleFunc("/health", observability.HealthCheckHandler()).Methods("GET")
	router.HandleFunc("/ready", observability.ReadinessHandler(s.readiness)).Methods("GET")
	if s.cfg.MetricsEnabled {
		router.Handle("/metrics", promhttp.Handler()).Methods("GET")
	}

	router.HandleFunc("/api/clients", s.handleListClients).Methods("GET")
	router.HandleFunc("/api/clients/{clientID}", s.handleGetClient).Methods("GET")

	router.HandleFunc("/v1/rules/version", rules.VersionHandler(s.rules)).Methods("GET")
	router.HandleFunc("/v1/rules/changes", rules.ChangesHandler(s.rules)).Methods("GET")

	return router
}

// Handler returns the HTTP handler serving every route
func (s *Server) Handler() http.Handler {
	return s.router
}

// Registry returns the client registry
func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Broadcaster returns the UI event fan-out
func (s *Server) Broadcaster() *events.Broadcaster {
	return s.broadcaster
}

// Readiness returns the readiness evaluator used by /ready
func (s *Server) Readiness() *observability.Readiness {
	return s.readiness
}

// ListenAndServe binds the configured address and serves until ctx is
// cancelled. A bind failure is returned immediately.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := s.cfg.Addr()
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	return s.Serve(ctx, lis)
}

// Serve serves on lis and runs the heartbeat sweeper. When ctx is cancelled
// the HTTP server is shut down and open WebSocket connections are closed.
func (s *Server) Serve(ctx context.Context, lis net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	go s.RunSweeper(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().
			Str("addr", lis.Addr().String()).
			Str("endpoint", fmt.Sprintf("ws://%s/ws", lis.Addr())).
			Msg("Server listening")
		errCh <- httpServer.Serve(lis)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server failed: %w", err)
	case <-ctx.Done():
	}

	s.logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	err := httpServer.Shutdown(shutdownCtx)
	// Hijacked connections are not closed by Shutdown
	s.closeConnections()
	if err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	return nil
}

// Sweep evicts every client whose last heartbeat is older than the
// heartbeat timeout and emits ClientDisconnected for each. The check and the
// removal happen under one registry lock.
func (s *Server) Sweep(now time.Time) []registry.ClientRecord {
	evicted := s.relay.Evict(now, s.cfg.HeartbeatTimeoutDuration())
	if len(evicted) == 0 {
		return nil
	}
	observability.RecordEvictions(len(evicted))
	return evicted
}

// RunSweeper calls Sweep every sweep interval until ctx is cancelled
func (s *Server) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(s.cfg.SweepIntervalDuration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

func (s *Server) track(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conns[conn] = struct{}{}
}

func (s *Server) untrack(conn *websocket.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.conns, conn)
}

func (s *Server) closeConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

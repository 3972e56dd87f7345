// Package api exposes the admin HTTP endpoint of relay and node processes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/VanDung-dev/eventnet/bridge"
	"github.com/VanDung-dev/eventnet/logging"
	"github.com/VanDung-dev/eventnet/relay"
)

// PeerLister is implemented by *relay.Server.
type PeerLister interface {
	Peers() []relay.PeerInfo
}

// StatusProvider is implemented by *bridge.Service.
type StatusProvider interface {
	Status() bridge.Status
}

// Option configures a Server.
type Option func(*Server)

// WithPeers serves GET /peers from l.
func WithPeers(l PeerLister) Option {
	return func(s *Server) { s.peers = l }
}

// WithStatus serves GET /status from p.
func WithStatus(p StatusProvider) Option {
	return func(s *Server) { s.status = p }
}

// WithGatherer serves /metrics from g instead of the default registry.
func WithGatherer(g prometheus.Gatherer) Option {
	return func(s *Server) { s.gatherer = g }
}

// WithLogger sets the server logger.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Server) { s.log = log }
}

// Server runs an HTTP server exposing /metrics, /health and, when
// configured, /peers and /status.
type Server struct {
	addr     string
	router   chi.Router
	peers    PeerLister
	status   StatusProvider
	gatherer prometheus.Gatherer
	log      zerolog.Logger

	mu     sync.Mutex
	server *http.Server
	ln     net.Listener
	done   chan struct{}
}

// NewServer creates an admin server for addr.
func NewServer(addr string, opts ...Option) *Server {
	s := &Server{
		addr:     addr,
		router:   chi.NewRouter(),
		gatherer: prometheus.DefaultGatherer,
		log:      logging.Component("api"),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet},
		MaxAge:         300,
	}))

	s.router.Get("/health", s.handleHealth)
	s.router.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	if s.peers != nil {
		s.router.Get("/peers", s.handlePeers)
	}
	if s.status != nil {
		s.router.Get("/status", s.handleStatus)
	}
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start listens on the configured address and serves in a goroutine.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.server != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	s.ln = ln
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.done = make(chan struct{})

	srv, done := s.server, s.done
	go func() {
		defer close(done)
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("admin server failed")
		}
	}()
	s.log.Info().Str("addr", ln.Addr().String()).Msg("admin server listening")
	return nil
}

// Addr returns the bound address once started.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln == nil {
		return s.addr
	}
	return s.ln.Addr().String()
}

// Stop gracefully stops the server.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.server, s.done
	s.server, s.ln = nil, nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}

	err := srv.Shutdown(ctx)
	<-done
	return err
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handlePeers(w http.ResponseWriter, r *http.Request) {
	peers := s.peers.Peers()
	if peers == nil {
		peers = []relay.PeerInfo{}
	}
	writeJSON(w, http.StatusOK, peers)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.status.Status())
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

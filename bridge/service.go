package bridge

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/VanDung-dev/eventnet/eventbus"
	"github.com/VanDung-dev/eventnet/metrics"
	"github.com/VanDung-dev/eventnet/network"
	"github.com/VanDung-dev/eventnet/relay"
	"github.com/VanDung-dev/eventnet/wire"
)

// ReconnectConfig bounds connect retries. MaxElapsedTime caps one retry
// series; when it runs out the node stays local-only until restarted. A zero
// MaxElapsedTime retries until the context ends.
type ReconnectConfig struct {
	Enabled         bool          `yaml:"enabled" env:"ENABLED"`
	InitialInterval time.Duration `yaml:"initial_interval" env:"INITIAL_INTERVAL"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"MAX_INTERVAL"`
	MaxElapsedTime  time.Duration `yaml:"max_elapsed_time" env:"MAX_ELAPSED_TIME"`
}

// ServiceConfig defines configuration for the bridge service.
type ServiceConfig struct {
	Address   string          `yaml:"address" env:"RELAY_ADDRESS"`
	Bridge    Config          `yaml:"bridge" envPrefix:"BRIDGE_"`
	Reconnect ReconnectConfig `yaml:"reconnect" envPrefix:"RECONNECT_"`
}

// DefaultServiceConfig returns a configuration with sensible defaults.
func DefaultServiceConfig() ServiceConfig {
	return ServiceConfig{
		Address: "tcp://127.0.0.1:7400",
		Bridge:  DefaultConfig(),
		Reconnect: ReconnectConfig{
			Enabled:         true,
			InitialInterval: 500 * time.Millisecond,
			MaxInterval:     15 * time.Second,
			MaxElapsedTime:  2 * time.Minute,
		},
	}
}

// Status represents the current status of the bridge service.
type Status struct {
	NodeID     string   `json:"node_id"`
	Address    string   `json:"address"`
	Running    bool     `json:"running"`
	State      string   `json:"state"`
	Session    string   `json:"session,omitempty"`
	Reconnects uint64   `json:"reconnects"`
	LastError  string   `json:"last_error,omitempty"`
	Networked  []string `json:"networked_types"`
}

// sessionBackend is implemented by backends whose sessions can end on their
// own, such as the relay client.
type sessionBackend interface {
	Done() <-chan struct{}
	Err() error
}

// Service owns a Bridge and keeps its backend connected.
type Service struct {
	cfg     ServiceConfig
	bus     *eventbus.Bus
	backend network.Backend
	bridge  *Bridge

	log     zerolog.Logger
	metrics *metrics.Metrics

	reconnects atomic.Uint64

	mu          sync.RWMutex
	running     bool
	cancelStart context.CancelFunc
	cancel      context.CancelFunc
	done        chan struct{}
	lastErr     error
}

// NewService creates a service that bridges bus to backend.
func NewService(bus *eventbus.Bus, backend network.Backend, cfg ServiceConfig, opts ...Option) *Service {
	log, m := applyOptions("bridge.service", opts)

	return &Service{
		cfg:     cfg,
		bus:     bus,
		backend: backend,
		bridge:  New(bus, backend, cfg.Bridge, opts...),
		log:     log.With().Stringer("node", backend.NodeID()).Logger(),
		metrics: m,
	}
}

// Bridge returns the underlying bridge.
func (s *Service) Bridge() *Bridge { return s.bridge }

// Start connects the backend and starts the bridge workers. The connect
// honors ctx and the reconnect policy and runs without holding the service
// lock, so Status stays responsive; Stop abandons a pending Start. The
// workers run until Stop.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running || s.cancelStart != nil {
		s.mu.Unlock()
		return nil
	}
	startCtx, cancelStart := context.WithCancel(ctx)
	s.cancelStart = cancelStart
	s.mu.Unlock()

	err := s.connect(startCtx)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelStart = nil
	aborted := startCtx.Err()
	cancelStart()

	if aborted != nil {
		if err == nil {
			_ = s.backend.Disconnect()
		}
		err = aborted
	}
	if err != nil {
		s.lastErr = err
		return fmt.Errorf("failed to connect to %s: %w", s.cfg.Address, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error { return s.bridge.Run(gctx) })
	if sb, ok := s.backend.(sessionBackend); ok && s.cfg.Reconnect.Enabled {
		g.Go(func() error { return s.supervise(gctx, sb) })
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := g.Wait(); err != nil {
			s.log.Error().Err(err).Msg("bridge workers stopped")
		}
	}()

	s.cancel = cancel
	s.done = done
	s.running = true
	s.log.Info().Str("address", s.cfg.Address).Msg("bridge service started")
	return nil
}

// Stop halts the workers and disconnects the backend.
func (s *Service) Stop() error {
	s.mu.Lock()
	if s.cancelStart != nil {
		s.cancelStart()
	}
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel, done := s.cancel, s.done
	s.mu.Unlock()

	cancel()
	<-done
	err := s.backend.Disconnect()
	s.log.Info().Msg("bridge service stopped")
	return err
}

// Close stops the service and detaches the bridge from the bus.
func (s *Service) Close() error {
	err := s.Stop()
	s.bridge.Close()
	return err
}

// IsRunning reports whether the service has been started.
func (s *Service) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// Status returns the current status of the service.
func (s *Service) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Status{
		NodeID:     s.backend.NodeID().String(),
		Address:    s.cfg.Address,
		Running:    s.running,
		State:      s.backend.State().String(),
		Reconnects: s.reconnects.Load(),
		Networked:  s.bus.NetworkedTypes(),
	}
	if sess, ok := s.backend.(interface{ Session() string }); ok {
		st.Session = sess.Session()
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	return st
}

func (s *Service) setLastErr(err error) {
	s.mu.Lock()
	s.lastErr = err
	s.mu.Unlock()
}

// supervise waits for the session to end and reconnects unless the end was
// clean or the relay handed the NodeID to a newer session.
func (s *Service) supervise(ctx context.Context, sb sessionBackend) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-sb.Done():
		}
		if ctx.Err() != nil {
			return nil
		}

		err := sb.Err()
		if err == nil {
			return nil
		}
		s.setLastErr(err)

		var bye *relay.ByeError
		if errors.As(err, &bye) && bye.Reason == wire.NoticeReplaced {
			s.log.Warn().Msg("session replaced by another connection with the same node id, not reconnecting")
			return nil
		}

		s.log.Warn().Err(err).Msg("relay session lost, reconnecting")
		if err := s.connect(ctx); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			s.setLastErr(err)
			s.log.Error().Err(err).Msg("giving up reconnect, networked events stay local")
			return nil
		}
		s.reconnects.Add(1)
		s.metrics.Reconnects.Inc()
	}
}

func (s *Service) connect(ctx context.Context) error {
	if !s.cfg.Reconnect.Enabled {
		return s.backend.Connect(ctx, s.cfg.Address)
	}

	op := func() error {
		err := s.backend.Connect(ctx, s.cfg.Address)
		if err == nil {
			return nil
		}
		var rej *relay.RejectError
		if errors.As(err, &rej) || errors.Is(err, network.ErrAlreadyRunning) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, next time.Duration) {
		s.log.Warn().Err(err).Dur("retry_in", next).Msg("connect failed")
	}
	return backoff.RetryNotify(op, s.newBackoff(ctx), notify)
}

func (s *Service) newBackoff(ctx context.Context) backoff.BackOff {
	rc := s.cfg.Reconnect
	b := backoff.NewExponentialBackOff()
	if rc.InitialInterval > 0 {
		b.InitialInterval = rc.InitialInterval
	}
	if rc.MaxInterval > 0 {
		b.MaxInterval = rc.MaxInterval
	}
	b.MaxElapsedTime = rc.MaxElapsedTime
	b.RandomizationFactor = 0.5
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(b, ctx)
}

// Package qnetd implements the quorum arbitrator: it accepts quorum device
// connections, groups them by cluster and answers their vote requests
// with the cluster's decision algorithm.
package qnetd

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"qnet/pkg/algorithm"
	"qnet/pkg/cluster"
	"qnet/pkg/tlv"
)

const (
	DefaultPort = 5403

	DefaultHeartbeatMin     = time.Second
	DefaultHeartbeatMax     = 120 * time.Second
	DefaultInitTimeout      = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultWatchdogInterval = 500 * time.Millisecond

	DefaultQueueFrames = 16
	DefaultQueueBytes  = 1024 * 1024

	// Silence tolerated from an initialized client, in heartbeats.
	inactivityFactor = 3
)

// Config controls the arbitrator.
type Config struct {
	Addr string

	// MaxSessions bounds the number of open connections; accepting is
	// deferred while the limit is reached. Zero means no limit.
	MaxSessions int

	TLSMode tlv.TLSSupported
	// TLSConfig carries the server certificate. Required unless TLSMode
	// is off.
	TLSConfig          *tls.Config
	ClientCertRequired bool

	HeartbeatMin time.Duration
	HeartbeatMax time.Duration

	MaxRequestSize uint32
	MaxReplySize   uint32

	InitTimeout      time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	WatchdogInterval time.Duration

	QueueFrames int
	QueueBytes  int

	AllowedClusters []string

	Logger hclog.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.HeartbeatMin <= 0 {
		cfg.HeartbeatMin = DefaultHeartbeatMin
	}
	if cfg.HeartbeatMax <= 0 {
		cfg.HeartbeatMax = DefaultHeartbeatMax
	}
	if cfg.MaxRequestSize == 0 {
		cfg.MaxRequestSize = tlv.DefaultMaxFrameSize
	}
	if cfg.MaxReplySize == 0 {
		cfg.MaxReplySize = tlv.DefaultMaxFrameSize
	}
	if cfg.InitTimeout <= 0 {
		cfg.InitTimeout = DefaultInitTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.WatchdogInterval <= 0 {
		cfg.WatchdogInterval = DefaultWatchdogInterval
	}
	if cfg.QueueFrames <= 0 {
		cfg.QueueFrames = DefaultQueueFrames
	}
	if cfg.QueueBytes <= 0 {
		cfg.QueueBytes = DefaultQueueBytes
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
}

// Server is the arbitrator. All cluster state is owned by the goroutine
// running the event loop; connection goroutines only move frames.
type Server struct {
	cfg    Config
	logger hclog.Logger

	tlsConfig *tls.Config

	listener net.Listener
	started  time.Time

	// Accept slots, nil without a session limit.
	slots chan struct{}

	events chan interface{}
	quit   chan struct{}

	stopOnce sync.Once
	wg       sync.WaitGroup

	connsMu sync.Mutex
	conns   map[net.Conn]struct{}

	// Owned by the event loop.
	registry   *cluster.Registry
	algorithms map[tlv.DecisionAlgorithm]algorithm.Algorithm
	sessions   map[string]*session
}

func New(cfg Config) (*Server, error) {
	cfg.setDefaults()

	if cfg.HeartbeatMin > cfg.HeartbeatMax {
		return nil, fmt.Errorf("minimum heartbeat %v above maximum %v",
			cfg.HeartbeatMin, cfg.HeartbeatMax)
	}

	if cfg.MaxRequestSize < tlv.LengthSize+tlv.TypeSize {
		return nil, fmt.Errorf("maximum request size %d too small", cfg.MaxRequestSize)
	}

	s := &Server{
		cfg:      cfg,
		logger:   cfg.Logger,
		events:   make(chan interface{}),
		quit:     make(chan struct{}),
		conns:    make(map[net.Conn]struct{}),
		sessions: make(map[string]*session),
	}

	if cfg.TLSMode != tlv.TLSOff {
		if cfg.TLSConfig == nil || len(cfg.TLSConfig.Certificates) == 0 {
			return nil, fmt.Errorf("tls mode %v requires a server certificate", cfg.TLSMode)
		}

		s.tlsConfig = cfg.TLSConfig.Clone()
		if cfg.ClientCertRequired {
			if s.tlsConfig.ClientCAs != nil {
				s.tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
			} else {
				s.tlsConfig.ClientAuth = tls.RequireAnyClientCert
			}
		}
	}

	if cfg.MaxSessions > 0 {
		s.slots = make(chan struct{}, cfg.MaxSessions)
	}

	s.registry = cluster.NewRegistry(cluster.Config{
		AllowedClusters: cfg.AllowedClusters,
		OnPreempt:       s.preempt,
	})

	s.algorithms = make(map[tlv.DecisionAlgorithm]algorithm.Algorithm)
	for _, t := range algorithm.Supported() {
		alg, err := algorithm.New(t, algorithm.Options{
			Logger: s.logger.Named("algorithm"),
		})
		if err != nil {
			return nil, err
		}

		s.algorithms[t] = alg
	}

	return s, nil
}

// Listen binds the listening socket. Start calls it if needed.
func (s *Server) Listen() error {
	if s.listener != nil {
		return nil
	}

	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.cfg.Addr, err)
	}

	s.listener = ln

	return nil
}

// Addr returns the bound address, nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Start serves until ctx is done, then stops the server.
func (s *Server) Start(ctx context.Context) error {
	if err := s.Listen(); err != nil {
		return err
	}

	s.started = time.Now()

	s.logger.Info("listening", "address", s.listener.Addr().String(),
		"tls", s.cfg.TLSMode, "max_sessions", s.cfg.MaxSessions)

	s.wg.Add(2)
	go s.run()
	go s.acceptLoop()

	select {
	case <-ctx.Done():
	case <-s.quit:
	}

	s.Stop()

	return nil
}

// Stop closes the listener and every connection, and waits for all
// goroutines of the server.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.logger.Info("stopping")

		close(s.quit)

		if s.listener != nil {
			s.listener.Close()
		}

		s.connsMu.Lock()
		for conn := range s.conns {
			conn.Close()
		}
		s.connsMu.Unlock()
	})

	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	var delay time.Duration

	for {
		if s.slots != nil {
			select {
			case s.slots <- struct{}{}:
			case <-s.quit:
				return
			}
		}

		conn, err := s.listener.Accept()
		if err != nil {
			s.releaseSlot()

			select {
			case <-s.quit:
				return
			default:
			}

			if errors.Is(err, net.ErrClosed) {
				return
			}

			if delay == 0 {
				delay = 5 * time.Millisecond
			} else if delay *= 2; delay > time.Second {
				delay = time.Second
			}

			s.logger.Error("cannot accept connection", "error", err, "retry_in", delay)

			select {
			case <-time.After(delay):
			case <-s.quit:
				return
			}

			continue
		}

		delay = 0

		if !s.trackConn(conn) {
			conn.Close()
			s.releaseSlot()
			return
		}

		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) releaseSlot() {
	if s.slots != nil {
		<-s.slots
	}
}

func (s *Server) trackConn(conn net.Conn) bool {
	s.connsMu.Lock()
	defer s.connsMu.Unlock()

	select {
	case <-s.quit:
		return false
	default:
	}

	s.conns[conn] = struct{}{}

	return true
}

func (s *Server) untrackConn(conn net.Conn) {
	s.connsMu.Lock()
	delete(s.conns, conn)
	s.connsMu.Unlock()
}

// post hands an event to the loop. It returns false once the server is
// stopping.
func (s *Server) post(ev interface{}) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.quit:
		return false
	}
}

// Package qdevice implements the node side of the quorum device: it keeps
// a session with the arbitrator, reports the local cluster state to it and
// hands the verdicts to the local voting subsystem.
package qdevice

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"

	"qnet/pkg/tlv"
)

const (
	DefaultPort             = 5403
	DefaultHeartbeat        = 8 * time.Second
	DefaultSyncHeartbeat    = 24 * time.Second
	DefaultConnectTimeout   = 10 * time.Second
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultWriteTimeout     = 10 * time.Second
	DefaultReaskDelay       = time.Second
)

// Votequorum is the local voting subsystem the verdicts are delivered to.
type Votequorum interface {
	// PublishVote casts or withdraws the device vote for ring.
	PublishVote(cast bool, ring tlv.RingID) error
	// PublishNodeList tells which membership the device now votes for.
	PublishNodeList(ring tlv.RingID, nodes []uint32) error
}

// Algorithms the client knows how to run with, and whether the vote is
// withdrawn while the arbitrator cannot be reached.
var clientAlgorithms = map[tlv.DecisionAlgorithm]bool{
	tlv.AlgorithmFFSplit:  true,
	tlv.Algorithm2NodeLMS: false,
	tlv.AlgorithmLMS:      false,
}

type Config struct {
	// Addr is the arbitrator endpoint, host:port.
	Addr        string
	NodeID      uint32
	ClusterName string

	Heartbeat     time.Duration
	SyncHeartbeat time.Duration

	Algorithm  tlv.DecisionAlgorithm
	TieBreaker tlv.TieBreaker

	TLSMode   tlv.TLSSupported
	TLSConfig *tls.Config
	// VerifyServer is called with the arbitrator certificate once the
	// standard verification succeeded.
	VerifyServer func(*x509.Certificate) error

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	// ReaskDelay is the wait before asking again after wait-for-reply. It
	// never exceeds the heartbeat interval.
	ReaskDelay time.Duration

	Backoff *Backoff
	Logger  hclog.Logger
}

func (cfg *Config) setDefaults() {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = DefaultHeartbeat
	}
	if cfg.SyncHeartbeat <= 0 {
		cfg.SyncHeartbeat = DefaultSyncHeartbeat
	}
	if cfg.Algorithm == tlv.AlgorithmUndefined {
		cfg.Algorithm = tlv.AlgorithmFFSplit
	}
	if cfg.TieBreaker.Mode == 0 {
		cfg.TieBreaker = tlv.TieBreaker{Mode: tlv.TieBreakerLowest}
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	if cfg.ReaskDelay <= 0 {
		cfg.ReaskDelay = DefaultReaskDelay
	}
	if cfg.Backoff == nil {
		cfg.Backoff = NewBackoff()
	}
	if cfg.Logger == nil {
		cfg.Logger = hclog.NewNullLogger()
	}
}

func (cfg *Config) validate() error {
	if cfg.Addr == "" {
		return errors.New("arbitrator address is not set")
	}

	if cfg.NodeID == 0 {
		return errors.New("node id must not be 0")
	}

	if cfg.ClusterName == "" {
		return errors.New("cluster name is not set")
	}

	if _, found := clientAlgorithms[cfg.Algorithm]; !found {
		return fmt.Errorf("unsupported decision algorithm %v", cfg.Algorithm)
	}

	if !cfg.TieBreaker.Valid() {
		return fmt.Errorf("invalid tie breaker %v", cfg.TieBreaker)
	}

	if cfg.TLSMode == tlv.TLSRequired && cfg.TLSConfig == nil {
		return errors.New("tls is required but not configured")
	}

	return nil
}

// State is the connection state of an instance.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateTLSHandshaking
	StatePreinit
	StateInit
	StateRunning
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateTLSHandshaking:
		return "tls-handshaking"
	case StatePreinit:
		return "preinit"
	case StateInit:
		return "init"
	case StateRunning:
		return "running"
	case StateClosing:
		return "closing"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// LocalState is what the node knows about its own cluster.
type LocalState struct {
	ConfigList       tlv.NodeList
	ConfigVersion    uint64
	HasConfigVersion bool

	RingID        tlv.RingID
	Membership    tlv.NodeList
	HasMembership bool
	ExpectedVotes uint32

	Quorate    bool
	QuorumList tlv.NodeList
	HasQuorum  bool

	// Reloading is set while the configuration is being reloaded; config
	// list changes are held back until it clears.
	Reloading bool
}

type changeSet uint8

const (
	changedConfig changeSet = 1 << iota
	changedMembership
	changedQuorum
	changedExpectedVotes
	changedReload
)

type vote struct {
	known bool
	cast  bool
	ring  tlv.RingID
}

// Instance is one quorum device. Local state updates may come from any
// goroutine; everything else is owned by Run.
type Instance struct {
	cfg    Config
	logger hclog.Logger
	vq     Votequorum

	state atomic.Int32

	mu      sync.Mutex
	local   LocalState
	changes changeSet
	notify  chan struct{}

	// Owned by Run.
	serverTLS bool
	vote      vote
}

func New(cfg Config, vq Votequorum) (*Instance, error) {
	cfg.setDefaults()

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return &Instance{
		cfg:    cfg,
		logger: cfg.Logger,
		vq:     vq,
		notify: make(chan struct{}, 1),
	}, nil
}

func (i *Instance) State() State {
	return State(i.state.Load())
}

func (i *Instance) setState(s State) {
	if old := State(i.state.Swap(int32(s))); old != s {
		i.logger.Trace("state changed", "from", old, "to", s)
	}
}

// Local returns a copy of the local state last reported.
func (i *Instance) Local() LocalState {
	i.mu.Lock()
	defer i.mu.Unlock()

	return i.local
}

func (i *Instance) update(c changeSet, fn func(l *LocalState)) {
	i.mu.Lock()
	fn(&i.local)
	i.changes |= c
	i.mu.Unlock()

	select {
	case i.notify <- struct{}{}:
	default:
	}
}

// takeChanges returns the local state and the changes since the last call.
func (i *Instance) takeChanges() (LocalState, changeSet) {
	i.mu.Lock()
	defer i.mu.Unlock()

	c := i.changes
	i.changes = 0

	return i.local, c
}

// UpdateConfig records the configured node list.
func (i *Instance) UpdateConfig(list tlv.NodeList, version uint64, hasVersion bool) {
	i.update(changedConfig, func(l *LocalState) {
		l.ConfigList = list
		l.ConfigVersion = version
		l.HasConfigVersion = hasVersion
	})
}

// UpdateMembership records a new membership and the expected votes that
// go with it.
func (i *Instance) UpdateMembership(ring tlv.RingID, list tlv.NodeList, expectedVotes uint32) {
	i.update(changedMembership, func(l *LocalState) {
		l.RingID = ring
		l.Membership = list
		l.HasMembership = true
		l.ExpectedVotes = expectedVotes
	})
}

func (i *Instance) UpdateQuorum(quorate bool, list tlv.NodeList) {
	i.update(changedQuorum, func(l *LocalState) {
		l.Quorate = quorate
		l.QuorumList = list
		l.HasQuorum = true
	})
}

func (i *Instance) UpdateExpectedVotes(n uint32) {
	i.update(changedExpectedVotes, func(l *LocalState) {
		l.ExpectedVotes = n
	})
}

// SetReloading marks the start or the end of a configuration reload.
func (i *Instance) SetReloading(reloading bool) {
	i.update(changedReload, func(l *LocalState) {
		l.Reloading = reloading
	})
}

// Run keeps a session with the arbitrator until ctx is done, reconnecting
// with backoff. It returns an error only when the arbitrator refused the
// node itself.
func (i *Instance) Run(ctx context.Context) error {
	defer i.setState(StateDisconnected)

	backoff := i.cfg.Backoff

	for {
		ran, err := i.runSession(ctx)

		i.disconnected()

		if ctx.Err() != nil {
			return nil
		}

		if errors.Is(err, errUpgradeTLS) {
			i.logger.Info("arbitrator supports tls, reconnecting with tls")
			continue
		}

		if IsFatal(err) {
			i.logger.Error("arbitrator refused this node", "error", err)
			return err
		}

		delay := backoff.Next(ran)

		var qerr *Error
		if errors.As(err, &qerr) && qerr.Kind == KindNegotiation {
			i.logger.Error("cannot agree with the arbitrator, configuration change needed",
				"error", err, "retry_in", delay)
		} else {
			i.logger.Warn("session with arbitrator ended", "error", err, "retry_in", delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
	}
}

// disconnected applies the disconnect policy of the algorithm to the vote.
func (i *Instance) disconnected() {
	if !clientAlgorithms[i.cfg.Algorithm] || !i.vote.known || !i.vote.cast {
		return
	}

	i.logger.Info("withdrawing vote while disconnected", "ring_id", i.vote.ring)

	i.vote.cast = false
	if err := i.vq.PublishVote(false, i.vote.ring); err != nil {
		i.logger.Error("cannot withdraw vote", "error", err)
	}
}

// publish delivers a verdict upstream.
func (i *Instance) publish(cast bool, ring tlv.RingID) error {
	if !i.vote.known || i.vote.cast != cast || i.vote.ring != ring {
		i.logger.Info("vote changed", "cast", cast, "ring_id", ring)
	}

	i.vote = vote{known: true, cast: cast, ring: ring}

	if err := i.vq.PublishVote(cast, ring); err != nil {
		return fmt.Errorf("%w: %v", ErrVotequorumFailure, err)
	}

	return nil
}

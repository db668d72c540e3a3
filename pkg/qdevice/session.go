package qdevice

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"qnet/pkg/msg"
	"qnet/pkg/tlv"
)

type session struct {
	inst   *Instance
	cfg    *Config
	logger hclog.Logger

	conn net.Conn
	r    *bufio.Reader
	tls  bool

	maxRequest uint32
	maxReply   uint32

	seq         uint32
	lastSeq     uint32
	nodeListSeq uint32
	// Reply type expected for each outstanding request.
	outstanding map[uint32]tlv.MsgType

	heartbeat time.Duration
	hbTimer   *time.Timer
	hbPending bool
	syncing   bool

	reask *time.Timer

	// Local state as last sent to the arbitrator.
	sent LocalState

	// Latched reason to end the session once the current handler is done.
	disconnect error

	frames  chan []byte
	readErr chan error
	done    chan struct{}
	wg      sync.WaitGroup
}

func (i *Instance) runSession(ctx context.Context) (time.Duration, error) {
	i.setState(StateConnecting)

	dialer := net.Dialer{Timeout: i.cfg.ConnectTimeout}

	conn, err := dialer.DialContext(ctx, "tcp", i.cfg.Addr)
	if err != nil {
		return 0, transportError(fmt.Errorf("cannot connect to %s: %w", i.cfg.Addr, err))
	}

	useTLS := i.cfg.TLSMode == tlv.TLSRequired ||
		(i.cfg.TLSMode == tlv.TLSOn && i.serverTLS && i.cfg.TLSConfig != nil)

	if useTLS {
		i.setState(StateTLSHandshaking)

		conn, err = i.startTLS(ctx, conn)
		if err != nil {
			return 0, err
		}
	}

	s := &session{
		inst:        i,
		cfg:         &i.cfg,
		logger:      i.logger.With("arbitrator", i.cfg.Addr),
		conn:        conn,
		r:           bufio.NewReader(conn),
		tls:         useTLS,
		maxRequest:  tlv.DefaultMaxFrameSize,
		maxReply:    tlv.DefaultMaxFrameSize,
		outstanding: make(map[uint32]tlv.MsgType),
		heartbeat:   i.cfg.Heartbeat,
		frames:      make(chan []byte),
		readErr:     make(chan error, 1),
		done:        make(chan struct{}),
	}
	defer s.close()

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := s.handshake(); err != nil {
		return 0, err
	}

	i.setState(StateRunning)
	s.logger.Info("connected to arbitrator", "tls", s.tls, "heartbeat", s.heartbeat,
		"algorithm", i.cfg.Algorithm)

	start := time.Now()
	err = s.run(ctx)

	return time.Since(start), err
}

func (i *Instance) startTLS(ctx context.Context, conn net.Conn) (net.Conn, error) {
	cfg := &tls.Config{}
	if i.cfg.TLSConfig != nil {
		cfg = i.cfg.TLSConfig.Clone()
	}

	if cfg.ServerName == "" {
		if host, _, err := net.SplitHostPort(i.cfg.Addr); err == nil {
			cfg.ServerName = host
		}
	}

	if hook := i.cfg.VerifyServer; hook != nil {
		cfg.VerifyConnection = func(cs tls.ConnectionState) error {
			if len(cs.PeerCertificates) == 0 {
				return errors.New("arbitrator sent no certificate")
			}

			return hook(cs.PeerCertificates[0])
		}
	}

	hctx, cancel := context.WithTimeout(ctx, i.cfg.HandshakeTimeout)
	defer cancel()

	tc := tls.Client(conn, cfg)
	if err := tc.HandshakeContext(hctx); err != nil {
		conn.Close()
		return nil, transportError(fmt.Errorf("tls handshake failed: %w", err))
	}

	return tc, nil
}

func (s *session) close() {
	s.inst.setState(StateClosing)

	close(s.done)
	s.conn.Close()
	s.wg.Wait()

	if s.reask != nil {
		s.reask.Stop()
	}

	if s.hbTimer != nil {
		s.hbTimer.Stop()
	}
}

func (s *session) nextSeq() uint32 {
	s.seq++
	return s.seq
}

// send writes m and records the reply it expects.
func (s *session) send(m *msg.Message) error {
	data, err := msg.Encode(m)
	if err != nil {
		return newError(KindInternal, tlv.CodeOf(err), "cannot encode %v: %v", m.Type, err)
	}

	if uint32(len(data)) > s.maxRequest {
		return newError(KindResource, tlv.ErrMessageTooLong,
			"%v of %d bytes exceeds the arbitrator limit of %d", m.Type, len(data), s.maxRequest)
	}

	s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))

	if _, err := s.conn.Write(data); err != nil {
		return transportError(fmt.Errorf("cannot send %v: %w", m.Type, err))
	}

	if reply, ok := msg.ReplyType(m.Type); ok {
		s.outstanding[m.Seq] = reply
	}

	s.logger.Trace("sent", "message", m)

	return nil
}

// exchange sends a handshake request and waits for its answer.
func (s *session) exchange(m *msg.Message) (*msg.Message, error) {
	if err := s.send(m); err != nil {
		return nil, err
	}

	s.conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	defer s.conn.SetReadDeadline(time.Time{})

	data, err := tlv.ReadFrame(s.r, s.maxReply)
	if err != nil {
		if code := tlv.CodeOf(err); code != tlv.ErrInternal {
			return nil, newError(KindProtocol, code, "invalid frame from arbitrator: %v", err)
		}

		return nil, transportError(fmt.Errorf("waiting for reply to %v: %w", m.Type, err))
	}

	reply, err := msg.Decode(data)
	if err != nil {
		return nil, newError(KindProtocol, tlv.CodeOf(err), "invalid reply to %v: %v", m.Type, err)
	}

	s.lastSeq = reply.Seq

	if reply.Type == tlv.MsgServerError {
		return nil, serverError(reply)
	}

	want := s.outstanding[m.Seq]
	delete(s.outstanding, m.Seq)

	if reply.Seq != m.Seq {
		return nil, newError(KindProtocol, tlv.ErrSequenceMismatch,
			"reply seq %d to %v seq %d", reply.Seq, m.Type, m.Seq)
	}

	if reply.Type != want {
		return nil, newError(KindProtocol, tlv.ErrUnexpectedMessage,
			"got %v in answer to %v", reply.Type, m.Type)
	}

	return reply, nil
}

func serverError(m *msg.Message) *Error {
	code := m.ReplyErrorCode

	err := newError(KindOf(code), code, "arbitrator reported an error")
	err.remote = true

	return err
}

func (s *session) handshake() error {
	s.inst.setState(StatePreinit)

	reply, err := s.exchange(msg.NewPreinit(s.nextSeq(), tlv.CurrentVersionRange))
	if err != nil {
		return s.fail(err)
	}

	if _, ok := tlv.CurrentVersionRange.Intersect(reply.VersionRange); !ok {
		return s.fail(newError(KindNegotiation, tlv.ErrIncompatibleProtocol,
			"arbitrator speaks %v, we speak %v", reply.VersionRange, tlv.CurrentVersionRange))
	}

	if !s.tls && reply.TLSSupported != tlv.TLSOff {
		if s.cfg.TLSMode == tlv.TLSOn && s.cfg.TLSConfig != nil {
			s.inst.serverTLS = true
			return errUpgradeTLS
		}

		if reply.TLSSupported == tlv.TLSRequired {
			return newError(KindNegotiation, tlv.ErrTLSRequired,
				"arbitrator requires tls, which is disabled here")
		}
	}

	if s.tls && reply.TLSClientCertRequired &&
		(s.cfg.TLSConfig == nil || (len(s.cfg.TLSConfig.Certificates) == 0 &&
			s.cfg.TLSConfig.GetClientCertificate == nil)) {
		return newError(KindNegotiation, tlv.ErrTLSRequired,
			"arbitrator requires a client certificate, none is configured")
	}

	if reply.Has(tlv.OptServerMaxRequestSize) {
		s.maxRequest = reply.ServerMaxRequestSize
	}
	if reply.Has(tlv.OptServerMaxReplySize) {
		s.maxReply = reply.ServerMaxReplySize
	}

	s.inst.setState(StateInit)

	init := msg.NewInit(s.nextSeq(), s.cfg.NodeID, s.cfg.ClusterName, s.cfg.Heartbeat).
		SetDecisionAlgorithm(s.cfg.Algorithm).
		SetTieBreaker(s.cfg.TieBreaker)

	reply, err = s.exchange(init)
	if err != nil {
		return s.fail(err)
	}

	if code := reply.ReplyErrorCode; code != tlv.ErrNone {
		return newError(KindOf(code), code, "arbitrator refused init")
	}

	if reply.Has(tlv.OptDecisionAlgorithm) {
		if _, found := clientAlgorithms[reply.DecisionAlgorithm]; !found ||
			reply.DecisionAlgorithm != s.cfg.Algorithm {
			return s.fail(newError(KindNegotiation, tlv.ErrUnsupportedDecisionAlgorithm,
				"arbitrator chose algorithm %v", reply.DecisionAlgorithm))
		}
	}

	if reply.Has(tlv.OptHeartbeatInterval) && reply.HeartbeatInterval > 0 {
		if reply.HeartbeatInterval != s.heartbeat {
			s.logger.Info("arbitrator adjusted heartbeat interval",
				"requested", s.heartbeat, "heartbeat", reply.HeartbeatInterval)
		}

		s.heartbeat = reply.HeartbeatInterval
	}

	return nil
}

// fail reports a protocol error to the arbitrator before the session
// ends.
func (s *session) fail(err error) error {
	var qerr *Error
	if !errors.As(err, &qerr) {
		return err
	}

	switch qerr.Kind {
	case KindProtocol, KindNegotiation:
	default:
		return err
	}

	if qerr.remote || qerr.Code == tlv.ErrNone || qerr.Code == tlv.ErrInternal {
		return err
	}

	if data, eerr := msg.Encode(msg.NewServerError(s.lastSeq, qerr.Code)); eerr == nil {
		s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))
		s.conn.Write(data)
	}

	return err
}

func (s *session) readLoop() {
	defer s.wg.Done()

	for {
		data, err := tlv.ReadFrame(s.r, s.maxReply)
		if err != nil {
			select {
			case s.readErr <- err:
			case <-s.done:
			}
			return
		}

		select {
		case s.frames <- data:
		case <-s.done:
			return
		}
	}
}

func (s *session) run(ctx context.Context) error {
	s.wg.Add(1)
	go s.readLoop()

	s.hbTimer = time.NewTimer(s.heartbeat)

	if err := s.sendInitialLists(); err != nil {
		return s.fail(err)
	}

	for {
		var reask <-chan time.Time
		if s.reask != nil {
			reask = s.reask.C
		}

		var err error

		select {
		case <-ctx.Done():
			return nil

		case data := <-s.frames:
			err = s.handleFrame(data)

		case rerr := <-s.readErr:
			if code := tlv.CodeOf(rerr); code != tlv.ErrInternal {
				err = newError(KindProtocol, code, "invalid frame from arbitrator: %v", rerr)
			} else {
				err = transportError(fmt.Errorf("connection lost: %w", rerr))
			}

		case <-s.hbTimer.C:
			err = s.tick()
			s.hbTimer.Reset(s.heartbeat)

		case <-reask:
			s.reask = nil
			err = s.askForVote()

		case <-s.inst.notify:
			err = s.syncLocal()
		}

		if err != nil {
			return s.fail(err)
		}

		if s.disconnect != nil {
			s.logger.Warn("closing session", "reason", s.disconnect)
			return &Error{Kind: KindInternal, Err: s.disconnect}
		}
	}
}

// tick sends a heartbeat and re-publishes the current vote.
func (s *session) tick() error {
	if s.hbPending {
		return transportError(fmt.Errorf("no heartbeat reply within %v", s.heartbeat))
	}

	if err := s.send(msg.NewHeartbeatRequest(s.nextSeq())); err != nil {
		return err
	}

	s.hbPending = true

	if v := s.inst.vote; v.known {
		if err := s.inst.vq.PublishVote(v.cast, v.ring); err != nil {
			s.latch(fmt.Errorf("%w: %v", ErrVotequorumFailure, err))
		}
	}

	return nil
}

func (s *session) latch(reason error) {
	if s.disconnect == nil {
		s.logger.Error("scheduling disconnect", "reason", reason)
		s.disconnect = reason
	}
}

func (s *session) setHeartbeat(d time.Duration) {
	if d == s.heartbeat {
		return
	}

	s.heartbeat = d

	if !s.hbTimer.Stop() {
		select {
		case <-s.hbTimer.C:
		default:
		}
	}

	s.hbTimer.Reset(d)
}

func (s *session) handleFrame(data []byte) error {
	m, err := msg.Decode(data)
	if err != nil {
		if seq, ok := msg.SeqOf(data); ok {
			s.lastSeq = seq
		}

		return newError(KindProtocol, tlv.CodeOf(err), "invalid frame from arbitrator: %v", err)
	}

	s.lastSeq = m.Seq

	s.logger.Trace("received", "message", m)

	switch m.Type {
	case tlv.MsgServerError:
		return serverError(m)

	case tlv.MsgVoteInfo:
		if err := s.send(msg.NewVoteInfoReply(m.Seq)); err != nil {
			return err
		}

		return s.deliver(m)
	}

	if !m.IsReply() {
		return newError(KindProtocol, tlv.ErrUnexpectedMessage, "unexpected %v", m.Type)
	}

	want, found := s.outstanding[m.Seq]
	if !found {
		return newError(KindProtocol, tlv.ErrSequenceMismatch,
			"%v seq %d answers no request", m.Type, m.Seq)
	}

	delete(s.outstanding, m.Seq)

	if want != m.Type {
		return newError(KindProtocol, tlv.ErrUnexpectedMessage,
			"got %v, expected %v for seq %d", m.Type, want, m.Seq)
	}

	switch m.Type {
	case tlv.MsgHeartbeatReply:
		s.hbPending = false

	case tlv.MsgSetOptionReply:
		if code := m.ReplyErrorCode; code != tlv.ErrNone {
			s.logger.Warn("arbitrator refused option", "code", code)
			return nil
		}

		if m.Has(tlv.OptHeartbeatInterval) && m.HeartbeatInterval > 0 {
			s.setHeartbeat(m.HeartbeatInterval)
		}

	case tlv.MsgNodeListReply, tlv.MsgAskForVoteReply:
		return s.deliver(m)
	}

	return nil
}

// deliver maps a verdict to the local voting subsystem.
func (s *session) deliver(m *msg.Message) error {
	ring := s.sent.RingID
	if m.Has(tlv.OptRingID) {
		if s.sent.HasMembership && m.RingID != s.sent.RingID {
			s.logger.Debug("ignoring vote for an old ring", "ring_id", m.RingID,
				"current_ring_id", s.sent.RingID, "vote", m.Vote)
			return nil
		}

		ring = m.RingID
	}

	if m.Has(tlv.OptDecisionAlgorithmReplyBytes) {
		if p, err := msg.DecodeReplyPayload(m.ReplyPayload); err == nil {
			s.logger.Debug("verdict", "vote", m.Vote, "ring_id", ring, "detail", p)
		}
	}

	switch m.Vote {
	case tlv.VoteACK, tlv.VoteNACK:
		s.cancelReask()

		if err := s.inst.publish(m.Vote == tlv.VoteACK, ring); err != nil {
			s.latch(err)
		}

	case tlv.VoteWaitForReply:
		s.scheduleReask()

	case tlv.VoteAskLater, tlv.VoteNoChange:
	}

	return nil
}

func (s *session) scheduleReask() {
	if s.reask != nil {
		return
	}

	delay := s.cfg.ReaskDelay
	if delay > s.heartbeat {
		delay = s.heartbeat
	}

	s.reask = time.NewTimer(delay)
}

func (s *session) cancelReask() {
	if s.reask != nil {
		s.reask.Stop()
		s.reask = nil
	}
}

func (s *session) askForVote() error {
	m := msg.NewAskForVote(s.nextSeq())
	if s.sent.ExpectedVotes > 0 {
		m.SetExpectedVotes(s.sent.ExpectedVotes)
	}

	return s.send(m)
}

func (s *session) nodeList(t tlv.NodeListType, list tlv.NodeList) *msg.Message {
	s.nodeListSeq++

	return msg.NewNodeList(s.nextSeq(), t, list).SetNodeListSeq(s.nodeListSeq)
}

func (s *session) sendConfig(local LocalState, t tlv.NodeListType) error {
	m := s.nodeList(t, local.ConfigList)
	if local.HasConfigVersion {
		m.SetConfigVersion(local.ConfigVersion)
	}

	if err := s.send(m); err != nil {
		return err
	}

	s.sent.ConfigList = local.ConfigList
	s.sent.ConfigVersion = local.ConfigVersion
	s.sent.HasConfigVersion = local.HasConfigVersion

	return nil
}

func (s *session) sendMembership(local LocalState) error {
	m := s.nodeList(tlv.NodeListMembership, local.Membership).SetRingID(local.RingID)
	if local.ExpectedVotes > 0 {
		m.SetExpectedVotes(local.ExpectedVotes)
	}

	s.sent.RingID = local.RingID
	s.sent.Membership = local.Membership
	s.sent.HasMembership = true
	s.sent.ExpectedVotes = local.ExpectedVotes

	if err := s.send(m); err != nil {
		return err
	}

	if err := s.inst.vq.PublishNodeList(local.RingID, local.Membership.IDs()); err != nil {
		s.latch(fmt.Errorf("%w: %v", ErrVotequorumFailure, err))
	}

	return nil
}

func (s *session) sendQuorum(local LocalState) error {
	m := s.nodeList(tlv.NodeListQuorum, local.QuorumList).SetQuorate(local.Quorate)

	if err := s.send(m); err != nil {
		return err
	}

	s.sent.Quorate = local.Quorate
	s.sent.QuorumList = local.QuorumList
	s.sent.HasQuorum = true

	return nil
}

// sendInitialLists reports the whole local state right after Init.
func (s *session) sendInitialLists() error {
	local, _ := s.inst.takeChanges()

	if err := s.sendConfig(local, tlv.NodeListInitialConfig); err != nil {
		return err
	}

	if local.HasMembership {
		if err := s.sendMembership(local); err != nil {
			return err
		}
	}

	if local.HasQuorum {
		if err := s.sendQuorum(local); err != nil {
			return err
		}
	}

	s.sent.Reloading = local.Reloading

	return nil
}

// syncLocal reports local changes to the arbitrator.
func (s *session) syncLocal() error {
	local, changes := s.inst.takeChanges()

	if changes&changedMembership != 0 && (!s.sent.HasMembership ||
		local.RingID != s.sent.RingID || !local.Membership.SameMembers(s.sent.Membership)) {
		if err := s.startSync(local); err != nil {
			return err
		}
	} else if changes&(changedExpectedVotes|changedMembership) != 0 &&
		local.ExpectedVotes != s.sent.ExpectedVotes {
		s.sent.ExpectedVotes = local.ExpectedVotes

		if err := s.askForVote(); err != nil {
			return err
		}
	}

	if changes&changedReload != 0 && local.Reloading != s.sent.Reloading {
		s.sent.Reloading = local.Reloading

		if local.Reloading {
			s.logger.Info("configuration reload in progress, holding node list changes")
		} else {
			s.logger.Info("configuration reload finished")
		}
	}

	if changes&(changedConfig|changedReload) != 0 && !local.Reloading &&
		configChanged(local, s.sent) {
		if err := s.sendConfig(local, tlv.NodeListChangedConfig); err != nil {
			return err
		}
	}

	if changes&changedQuorum != 0 && (s.syncing || !s.sent.HasQuorum ||
		local.Quorate != s.sent.Quorate || !local.QuorumList.SameMembers(s.sent.QuorumList)) {
		if err := s.sendQuorum(local); err != nil {
			return err
		}

		if s.syncing {
			s.syncing = false
			s.logger.Info("membership settled, back to normal heartbeat",
				"heartbeat", s.cfg.Heartbeat)

			if err := s.send(msg.NewSetOption(s.nextSeq(), s.cfg.Heartbeat)); err != nil {
				return err
			}
		}
	}

	return nil
}

// startSync reports a new membership: the local cluster is voting again,
// so the heartbeat switches to the sync interval until quorum settles.
func (s *session) startSync(local LocalState) error {
	if err := s.send(msg.NewStartingVoting(s.nextSeq()).SetRingID(local.RingID)); err != nil {
		return err
	}

	if !s.syncing {
		s.syncing = true
		s.logger.Info("membership changed, switching to sync heartbeat",
			"ring_id", local.RingID, "heartbeat", s.cfg.SyncHeartbeat)

		if err := s.send(msg.NewSetOption(s.nextSeq(), s.cfg.SyncHeartbeat)); err != nil {
			return err
		}
	}

	if err := s.sendMembership(local); err != nil {
		return err
	}

	return s.askForVote()
}

func configChanged(local, sent LocalState) bool {
	if local.HasConfigVersion != sent.HasConfigVersion ||
		local.ConfigVersion != sent.ConfigVersion ||
		len(local.ConfigList) != len(sent.ConfigList) {
		return true
	}

	for i := range local.ConfigList {
		if local.ConfigList[i] != sent.ConfigList[i] {
			return true
		}
	}

	return false
}

package qnetd

import (
	"errors"
	"time"

	"qnet/pkg/algorithm"
	"qnet/pkg/cluster"
	"qnet/pkg/msg"
	"qnet/pkg/tlv"
)

func (s *Server) dispatch(sess *session, data []byte) {
	c := sess.client
	c.Touch(time.Now())

	m, err := msg.Decode(data)
	if err != nil {
		if seq, ok := msg.SeqOf(data); ok {
			c.LastSeq = seq
		}

		sess.logger.Warn("invalid message", "error", err)
		s.closeSession(sess, tlv.CodeOf(err))
		return
	}

	c.LastSeq = m.Seq

	sess.logger.Trace("received", "message", m)

	switch m.Type {
	case tlv.MsgEchoRequest:
		s.send(sess, msg.NewEchoReply(m.Seq))
		return

	case tlv.MsgServerError:
		sess.logger.Warn("client reported an error", "code", m.ReplyErrorCode)
		s.closeSession(sess, tlv.ErrNone)
		return
	}

	switch sess.state {
	case statePreinit:
		if m.Type != tlv.MsgPreinit {
			s.unexpected(sess, m)
			return
		}

		s.handlePreinit(sess, m)

	case stateInit:
		if m.Type != tlv.MsgInit {
			s.unexpected(sess, m)
			return
		}

		s.handleInit(sess, m)

	case stateRunning:
		s.handleRunning(sess, m)
	}
}

func (s *Server) unexpected(sess *session, m *msg.Message) {
	sess.logger.Warn("unexpected message", "type", m.Type, "state", sess.state)
	s.closeSession(sess, tlv.ErrUnexpectedMessage)
}

func (s *Server) handlePreinit(sess *session, m *msg.Message) {
	if _, ok := tlv.CurrentVersionRange.Intersect(m.VersionRange); !ok {
		sess.logger.Warn("no common protocol version", "client", m.VersionRange,
			"server", tlv.CurrentVersionRange)
		s.closeSession(sess, tlv.ErrIncompatibleProtocol)
		return
	}

	reply := msg.NewPreinitReply(m.Seq, tlv.CurrentVersionRange, s.cfg.TLSMode,
		s.cfg.ClientCertRequired).
		SetServerLimits(s.cfg.MaxRequestSize, s.cfg.MaxReplySize)

	if s.send(sess, reply) {
		sess.state = stateInit
	}
}

func (s *Server) handleInit(sess *session, m *msg.Message) {
	c := sess.client

	code := s.checkInit(sess, m)
	if code != tlv.ErrNone {
		sess.logger.Warn("init rejected", "node_id", m.NodeID, "cluster", m.ClusterName,
			"code", code)
		s.send(sess, msg.NewInitReply(m.Seq, code))
		s.closeSession(sess, tlv.ErrNone)
		return
	}

	c.NodeID = m.NodeID
	c.ClusterName = m.ClusterName
	c.Heartbeat = s.clampHeartbeat(m.HeartbeatInterval)
	c.Algorithm = tlv.AlgorithmFFSplit
	if m.Has(tlv.OptDecisionAlgorithm) {
		c.Algorithm = m.DecisionAlgorithm
	}
	c.TieBreaker = tlv.TieBreaker{Mode: tlv.TieBreakerLowest}
	if m.Has(tlv.OptTieBreaker) {
		c.TieBreaker = m.TieBreaker
	}

	alg := s.algorithms[c.Algorithm]

	if code := alg.ClientInit(c); code != tlv.ErrNone {
		s.send(sess, msg.NewInitReply(m.Seq, code))
		s.closeSession(sess, tlv.ErrNone)
		return
	}

	if code := s.registry.Register(c); code != tlv.ErrNone {
		sess.logger.Warn("client refused by cluster", "node_id", c.NodeID,
			"cluster", c.ClusterName, "code", code)
		s.send(sess, msg.NewInitReply(m.Seq, code))
		s.closeSession(sess, tlv.ErrNone)
		return
	}

	c.Initialized = true

	reply := msg.NewInitReply(m.Seq, tlv.ErrNone).
		SetDecisionAlgorithm(c.Algorithm).
		SetHeartbeatInterval(c.Heartbeat).
		SetServerLimits(s.cfg.MaxRequestSize, s.cfg.MaxReplySize).
		SetSupported(tlv.SupportedMessages(), tlv.SupportedOptions(), algorithm.Supported())

	if !s.send(sess, reply) {
		return
	}

	sess.state = stateRunning

	sess.logger.Info("client joined cluster", "node_id", c.NodeID, "cluster", c.ClusterName,
		"algorithm", c.Algorithm, "tie_breaker", c.TieBreaker, "heartbeat", c.Heartbeat)
}

func (s *Server) checkInit(sess *session, m *msg.Message) tlv.ErrorCode {
	if s.cfg.TLSMode == tlv.TLSRequired && !sess.tls {
		return tlv.ErrTLSRequired
	}

	if m.NodeID == 0 || m.ClusterName == "" {
		return tlv.ErrMalformed
	}

	if m.HeartbeatInterval <= 0 {
		return tlv.ErrInvalidHeartbeatInterval
	}

	if m.Has(tlv.OptDecisionAlgorithm) && !algorithm.IsSupported(m.DecisionAlgorithm) {
		return tlv.ErrUnsupportedDecisionAlgorithm
	}

	return tlv.ErrNone
}

func (s *Server) clampHeartbeat(d time.Duration) time.Duration {
	if d < s.cfg.HeartbeatMin {
		return s.cfg.HeartbeatMin
	}

	if d > s.cfg.HeartbeatMax {
		return s.cfg.HeartbeatMax
	}

	return d
}

func (s *Server) handleRunning(sess *session, m *msg.Message) {
	c := sess.client
	alg := s.algorithms[c.Algorithm]

	switch m.Type {
	case tlv.MsgSetOption:
		reply := msg.NewSetOptionReply(m.Seq, c.Heartbeat)

		if m.Has(tlv.OptHeartbeatInterval) {
			if m.HeartbeatInterval <= 0 {
				reply.SetReplyErrorCode(tlv.ErrInvalidHeartbeatInterval)
			} else {
				c.Heartbeat = s.clampHeartbeat(m.HeartbeatInterval)
				reply.SetHeartbeatInterval(c.Heartbeat)
				sess.logger.Debug("heartbeat interval changed", "node_id", c.NodeID,
					"heartbeat", c.Heartbeat)
			}
		}

		s.send(sess, reply)

	case tlv.MsgNodeList:
		s.handleNodeList(sess, alg, m)

	case tlv.MsgAskForVote:
		if m.Has(tlv.OptExpectedVotes) {
			c.ExpectedVotes = m.ExpectedVotes
		}

		r := alg.Decide(c)

		reply := msg.NewAskForVoteReply(m.Seq, r.Vote)
		s.decorateVote(reply, c, alg.Type(), r)

		if s.send(sess, reply) && m.Has(tlv.OptExpectedVotes) {
			s.reevaluate(c.Cluster, c)
		}

	case tlv.MsgHeartbeatRequest:
		if !s.send(sess, msg.NewHeartbeatReply(m.Seq)) {
			return
		}

		if r := alg.Heartbeat(c); r.Vote != tlv.VoteNoChange {
			s.pushVote(sess, alg, r)
		}

	case tlv.MsgVoteInfoReply:
		if !sess.pendingVoteInfo[m.Seq] {
			sess.logger.Warn("vote reply does not match any vote sent", "seq", m.Seq)
			s.closeSession(sess, tlv.ErrSequenceMismatch)
			return
		}

		delete(sess.pendingVoteInfo, m.Seq)

	case tlv.MsgStartingVoting:
		c.Syncing = true

		sess.logger.Debug("client is resynchronizing", "node_id", c.NodeID)

		s.reevaluate(c.Cluster, c)

	default:
		s.unexpected(sess, m)
	}
}

func (s *Server) handleNodeList(sess *session, alg algorithm.Algorithm, m *msg.Message) {
	c := sess.client

	var r algorithm.Result

	switch m.NodeListType {
	case tlv.NodeListInitialConfig, tlv.NodeListChangedConfig:
		c.SetConfig(m.NodeList, m.ConfigVersion, m.Has(tlv.OptConfigVersion))
		r = alg.ConfigNodeList(c, m.NodeListType == tlv.NodeListInitialConfig)

	case tlv.NodeListMembership:
		if err := c.SetMembership(m.RingID, m.NodeList); err != nil {
			if !errors.Is(err, cluster.ErrStaleRing) {
				s.closeSession(sess, tlv.ErrInternal)
				return
			}

			sess.logger.Warn("ignoring membership with an old ring id", "node_id", c.NodeID,
				"ring_id", m.RingID, "current_ring_id", c.RingID)

			reply := msg.NewNodeListReply(m.Seq, m.NodeListType, tlv.VoteNoChange).
				SetRingID(c.RingID)
			s.send(sess, reply)

			return
		}

		if m.Has(tlv.OptExpectedVotes) {
			c.ExpectedVotes = m.ExpectedVotes
		}

		sess.logger.Debug("membership changed", "node_id", c.NodeID, "ring_id", c.RingID,
			"members", c.Membership)

		r = alg.MembershipNodeList(c)

	case tlv.NodeListQuorum:
		c.SetQuorum(m.Quorate, m.NodeList)
		r = alg.QuorumNodeList(c)
	}

	reply := msg.NewNodeListReply(m.Seq, m.NodeListType, r.Vote)
	if m.Has(tlv.OptNodeListSeq) {
		reply.SetNodeListSeq(m.NodeListSeq)
	}
	s.decorateVote(reply, c, alg.Type(), r)

	if s.send(sess, reply) {
		s.reevaluate(c.Cluster, c)
	}
}

// decorateVote attaches the ring the vote is about and the algorithm
// reply payload.
func (s *Server) decorateVote(m *msg.Message, c *cluster.Client, alg tlv.DecisionAlgorithm, r algorithm.Result) {
	if c.HasMembership {
		m.SetRingID(c.RingID)
	}

	if r.Reason == "" {
		return
	}

	payload, err := msg.EncodeReplyPayload(r.Payload(alg))
	if err != nil {
		s.logger.Warn("cannot encode reply payload", "error", err)
		return
	}

	m.SetReplyPayload(payload)
}

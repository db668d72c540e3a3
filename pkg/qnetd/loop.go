package qnetd

import (
	"runtime/debug"
	"time"

	"qnet/pkg/algorithm"
	"qnet/pkg/cluster"
	"qnet/pkg/msg"
	"qnet/pkg/tlv"
)

func (s *Server) run() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.WatchdogInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.quit:
			s.closeAll()
			return

		case now := <-ticker.C:
			s.watchdog(now)

		case ev := <-s.events:
			s.handleEvent(ev)
		}
	}
}

func (s *Server) handleEvent(ev interface{}) {
	switch ev := ev.(type) {
	case openEvent:
		s.openSession(ev.sess)

	case frameEvent:
		if ev.sess.state == stateClosing {
			return
		}

		s.safeDispatch(ev.sess, ev.data)

	case readErrorEvent:
		s.readError(ev.sess, ev.err)

	case statusEvent:
		ev.reply <- s.status(ev.filter)
	}
}

func (s *Server) openSession(sess *session) {
	now := time.Now()

	sess.client = cluster.NewClient(sess.id, sess.conn.RemoteAddr().String(), 0, now)
	sess.state = statePreinit
	s.sessions[sess.id] = sess

	sess.logger.Debug("connection accepted", "tls", sess.tls)
}

func (s *Server) readError(sess *session, err error) {
	defer delete(s.sessions, sess.id)

	if sess.state == stateClosing {
		return
	}

	code := tlv.CodeOf(err)

	switch {
	case isClosedConn(err):
		sess.logger.Info("connection closed by peer", "node_id", sess.client.NodeID)
		s.closeSession(sess, tlv.ErrNone)

	case code != tlv.ErrInternal:
		sess.logger.Warn("invalid frame", "error", err)
		s.closeSession(sess, code)

	default:
		sess.logger.Warn("read failed", "error", err)
		s.closeSession(sess, tlv.ErrNone)
	}
}

// safeDispatch handles one frame, turning a panic of the handler into the
// closing of that session only.
func (s *Server) safeDispatch(sess *session, data []byte) {
	defer func() {
		if r := recover(); r != nil {
			sess.logger.Error("panic while handling message", "error", r,
				"stack", string(debug.Stack()))
			s.closeSession(sess, tlv.ErrInternal)
		}
	}()

	s.dispatch(sess, data)
}

// watchdog closes sessions that did not complete Init in time and
// clients that went silent.
func (s *Server) watchdog(now time.Time) {
	for _, sess := range s.sessions {
		if sess.state == stateClosing {
			continue
		}

		c := sess.client

		if !c.Initialized {
			if now.Sub(sess.created) > s.cfg.InitTimeout {
				sess.logger.Warn("client did not complete init in time")
				s.closeSession(sess, tlv.ErrNone)
			}

			continue
		}

		if c.Expired(now, inactivityFactor) {
			sess.logger.Warn("client inactive, closing", "node_id", c.NodeID,
				"cluster", c.ClusterName, "last_seen", c.LastSeen)
			s.closeSession(sess, tlv.ErrNone)
		}
	}
}

// closeSession removes the client from its cluster, lets the remaining
// members be re-evaluated, queues a ServerError carrying code if any, and
// closes the outbound queue so pending frames are flushed.
func (s *Server) closeSession(sess *session, code tlv.ErrorCode) {
	if sess.state == stateClosing {
		return
	}

	c := sess.client

	if code != tlv.ErrNone {
		if data, err := msg.Encode(msg.NewServerError(c.LastSeq, code)); err == nil {
			if err := sess.enqueue(data); err != nil {
				sess.logger.Debug("cannot queue server error", "error", err)
			}
		}
	}

	sess.state = stateClosing
	close(sess.out)

	cl := c.Cluster
	if cl == nil {
		return
	}

	s.registry.Deregister(c)

	sess.logger.Info("client left cluster", "node_id", c.NodeID,
		"cluster", cl.Name, "reason", code)

	if alg, found := s.algorithms[cl.Algorithm]; found {
		alg.ClientDisconnect(c, cl)
		s.reevaluate(cl, nil)
	}
}

func (s *Server) closeAll() {
	for _, sess := range s.sessions {
		if sess.state != stateClosing {
			sess.state = stateClosing
			close(sess.out)
		}
	}

	s.sessions = make(map[string]*session)
}

// preempt is called by the registry when a new session claims the node
// id of c.
func (s *Server) preempt(c *cluster.Client) {
	sess, found := s.sessions[c.SessionID]
	if !found {
		return
	}

	sess.logger.Warn("node id claimed by a new connection", "node_id", c.NodeID,
		"cluster", c.ClusterName)
	s.closeSession(sess, tlv.ErrDuplicateNodeID)
}

// reevaluate recomputes the verdict of every member of cl but skip that
// already reported a membership, and pushes the changed ones with
// VoteInfo.
func (s *Server) reevaluate(cl *cluster.Cluster, skip *cluster.Client) {
	if cl == nil {
		return
	}

	alg, found := s.algorithms[cl.Algorithm]
	if !found {
		return
	}

	for _, c := range cl.Members() {
		if c == skip || !c.HasMembership {
			continue
		}

		sess, found := s.sessions[c.SessionID]
		if !found || sess.state != stateRunning {
			continue
		}

		r := alg.Decide(c)
		if r.Vote == tlv.VoteNoChange {
			continue
		}

		s.pushVote(sess, alg, r)
	}
}

func (s *Server) pushVote(sess *session, alg algorithm.Algorithm, r algorithm.Result) {
	sess.seq++
	seq := sess.seq

	m := msg.NewVoteInfo(seq, r.Vote)
	s.decorateVote(m, sess.client, alg.Type(), r)

	sess.logger.Debug("pushing vote", "node_id", sess.client.NodeID, "vote", r.Vote,
		"reason", r.Reason)

	if s.send(sess, m) {
		sess.pendingVoteInfo[seq] = true
	}
}

// send encodes and queues m, closing the session if the queue is full.
func (s *Server) send(sess *session, m *msg.Message) bool {
	data, err := msg.Encode(m)
	if err != nil {
		sess.logger.Error("cannot encode message", "type", m.Type, "error", err)
		s.closeSession(sess, tlv.ErrInternal)
		return false
	}

	if uint32(len(data)) > s.cfg.MaxReplySize {
		sess.logger.Error("reply exceeds maximum size", "type", m.Type, "size", len(data))
		s.closeSession(sess, tlv.ErrInternal)
		return false
	}

	if err := sess.enqueue(data); err != nil {
		sess.logger.Warn("closing slow client", "node_id", sess.client.NodeID, "error", err)
		s.closeSession(sess, tlv.ErrQueueOverflow)
		return false
	}

	return true
}

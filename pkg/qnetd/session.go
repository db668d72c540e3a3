package qnetd

import (
	"bufio"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-hclog"

	"qnet/pkg/cluster"
	"qnet/pkg/tlv"
)

type sessionState int

const (
	statePreinit sessionState = iota
	stateInit
	stateRunning
	stateClosing
)

func (s sessionState) String() string {
	switch s {
	case statePreinit:
		return "preinit"
	case stateInit:
		return "init"
	case stateRunning:
		return "running"
	case stateClosing:
		return "closing"
	default:
		return fmt.Sprintf("sessionState(%d)", int(s))
	}
}

// First byte of a TLS record carrying a handshake message.
const tlsHandshakeRecord = 0x16

type session struct {
	id      string
	conn    net.Conn
	tls     bool
	created time.Time
	logger  hclog.Logger

	out        chan []byte
	queued     atomic.Int64
	queueBytes int
	writerDone chan struct{}

	// Owned by the event loop.
	state  sessionState
	client *cluster.Client
	seq    uint32
	// Seq numbers of VoteInfo messages waiting for their reply.
	pendingVoteInfo map[uint32]bool
}

// Events posted to the loop by connection goroutines.
type (
	openEvent struct {
		sess *session
	}

	frameEvent struct {
		sess *session
		data []byte
	}

	readErrorEvent struct {
		sess *session
		err  error
	}

	statusEvent struct {
		filter string
		reply  chan Status
	}
)

// sniffConn lets the first byte of a connection be inspected before the
// TLS decision.
type sniffConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *sniffConn) Read(p []byte) (int, error) {
	return c.r.Read(p)
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer s.releaseSlot()
	defer s.untrackConn(conn)

	remote := conn.RemoteAddr().String()

	rw, isTLS, err := s.negotiateTLS(conn)
	if err != nil {
		s.logger.Warn("tls negotiation failed", "remote", remote, "error", err)
		conn.Close()
		return
	}

	sess := &session{
		id:              uuid.NewString(),
		conn:            rw,
		tls:             isTLS,
		created:         time.Now(),
		out:             make(chan []byte, s.cfg.QueueFrames),
		queueBytes:      s.cfg.QueueBytes,
		writerDone:      make(chan struct{}),
		pendingVoteInfo: make(map[uint32]bool),
	}
	sess.logger = s.logger.With("session", sess.id, "remote", remote)

	if !s.post(openEvent{sess: sess}) {
		rw.Close()
		return
	}

	go sess.writeLoop(s.cfg.WriteTimeout)

	s.readLoop(sess)

	<-sess.writerDone
}

// negotiateTLS applies the TLS policy to a fresh connection. With policy
// on or required, a client opening with a TLS handshake record gets a TLS
// session; anything else stays plain text.
func (s *Server) negotiateTLS(conn net.Conn) (net.Conn, bool, error) {
	if s.cfg.TLSMode == tlv.TLSOff {
		return conn, false, nil
	}

	conn.SetReadDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	defer conn.SetReadDeadline(time.Time{})

	sc := &sniffConn{Conn: conn, r: bufio.NewReader(conn)}

	first, err := sc.r.Peek(1)
	if err != nil {
		return nil, false, fmt.Errorf("cannot read first byte: %w", err)
	}

	if first[0] != tlsHandshakeRecord {
		return sc, false, nil
	}

	tc := tls.Server(sc, s.tlsConfig)

	conn.SetDeadline(time.Now().Add(s.cfg.HandshakeTimeout))
	if err := tc.Handshake(); err != nil {
		return nil, false, fmt.Errorf("tls handshake failed: %w", err)
	}
	conn.SetDeadline(time.Time{})

	return tc, true, nil
}

func (s *Server) readLoop(sess *session) {
	r := bufio.NewReader(sess.conn)

	for {
		data, err := tlv.ReadFrame(r, s.cfg.MaxRequestSize)
		if err != nil {
			s.post(readErrorEvent{sess: sess, err: err})
			return
		}

		if !s.post(frameEvent{sess: sess, data: data}) {
			return
		}
	}
}

// writeLoop sends queued frames until the queue is closed, then closes
// the connection.
func (sess *session) writeLoop(timeout time.Duration) {
	defer close(sess.writerDone)
	defer sess.conn.Close()

	failed := false

	for data := range sess.out {
		sess.queued.Add(-int64(len(data)))

		if failed {
			continue
		}

		sess.conn.SetWriteDeadline(time.Now().Add(timeout))

		if _, err := sess.conn.Write(data); err != nil {
			sess.logger.Debug("write failed", "error", err)
			failed = true
			sess.conn.Close()
		}
	}
}

var errQueueOverflow = errors.New("outbound queue overflow")

// enqueue queues a frame for the writer. Called from the loop only.
func (sess *session) enqueue(data []byte) error {
	if sess.state == stateClosing {
		return nil
	}

	if len(sess.out) >= cap(sess.out) ||
		sess.queued.Load()+int64(len(data)) > int64(sess.queueBytes) {
		return errQueueOverflow
	}

	sess.queued.Add(int64(len(data)))
	sess.out <- data

	return nil
}

// isClosedConn reports errors caused by the connection going away rather
// than by a misbehaving peer.
func isClosedConn(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed)
}

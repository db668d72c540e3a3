// Package algorithm implements the decision algorithms run by the
// arbitrator for every client of a cluster.
//
// Handlers act on the client view after the dispatcher stored the new
// node list in it, and return the verdict to send. A verdict equal to the
// last one sent to the client for the same ring comes back as no-change.
package algorithm

import (
	"fmt"
	"time"

	"github.com/hashicorp/go-hclog"

	"qnet/pkg/cluster"
	"qnet/pkg/msg"
	"qnet/pkg/tlv"
)

// Result is a verdict and the information explaining it.
type Result struct {
	Vote   tlv.Vote
	Reason string
	// Winner is the ring that won a tie, if any.
	Winner tlv.RingID
}

func (r Result) String() string {
	return fmt.Sprintf("%v (%s)", r.Vote, r.Reason)
}

// Payload converts the result into the reply payload attached to votes.
func (r Result) Payload(alg tlv.DecisionAlgorithm) msg.ReplyPayload {
	return msg.ReplyPayload{
		Algorithm:     alg.String(),
		Reason:        r.Reason,
		WinnerNodeID:  r.Winner.NodeID,
		WinnerRingSeq: r.Winner.Seq,
	}
}

// Algorithm decides the votes of the clients of a cluster.
type Algorithm interface {
	Type() tlv.DecisionAlgorithm

	// ClientInit is called once a client passed Init and joined its
	// cluster. A code other than ErrNone rejects the client.
	ClientInit(c *cluster.Client) tlv.ErrorCode

	ConfigNodeList(c *cluster.Client, initial bool) Result
	MembershipNodeList(c *cluster.Client) Result
	QuorumNodeList(c *cluster.Client) Result

	// Heartbeat may produce a verdict to push; most algorithms return
	// no-change.
	Heartbeat(c *cluster.Client) Result

	// ClientDisconnect is called after c left cl.
	ClientDisconnect(c *cluster.Client, cl *cluster.Cluster)

	// Decide evaluates c against the current cluster view.
	Decide(c *cluster.Client) Result
}

type Options struct {
	Logger hclog.Logger
	// Now is the clock used for liveness decisions. Defaults to time.Now.
	Now func() time.Time
}

// Supported lists the implemented algorithms.
func Supported() []tlv.DecisionAlgorithm {
	return []tlv.DecisionAlgorithm{
		tlv.AlgorithmFFSplit,
		tlv.Algorithm2NodeLMS,
		tlv.AlgorithmLMS,
	}
}

func IsSupported(t tlv.DecisionAlgorithm) bool {
	for _, s := range Supported() {
		if s == t {
			return true
		}
	}

	return false
}

func New(t tlv.DecisionAlgorithm, opts Options) (Algorithm, error) {
	if opts.Logger == nil {
		opts.Logger = hclog.NewNullLogger()
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}

	var p policy

	switch t {
	case tlv.AlgorithmFFSplit:
		p = &ffsplit{}
	case tlv.AlgorithmLMS:
		p = &lms{}
	case tlv.Algorithm2NodeLMS:
		p = &twoNodeLMS{now: opts.Now}
	default:
		return nil, fmt.Errorf("unsupported decision algorithm %v", t)
	}

	return &engine{
		typ:    t,
		policy: p,
		logger: opts.Logger.Named(t.String()),
	}, nil
}

// policy is the algorithm specific part of an engine.
type policy interface {
	decide(c *cluster.Client) Result
	disconnect(c *cluster.Client, cl *cluster.Cluster)
	// heartbeatSensitive policies are re-evaluated on every heartbeat.
	heartbeatSensitive() bool
}

type engine struct {
	typ    tlv.DecisionAlgorithm
	policy policy
	logger hclog.Logger
}

func (e *engine) Type() tlv.DecisionAlgorithm {
	return e.typ
}

func (e *engine) ClientInit(c *cluster.Client) tlv.ErrorCode {
	if !c.TieBreaker.Valid() {
		return tlv.ErrMalformed
	}

	return tlv.ErrNone
}

func (e *engine) ConfigNodeList(c *cluster.Client, initial bool) Result {
	if !c.HasMembership {
		return Result{Vote: tlv.VoteNoChange, Reason: "config node list stored"}
	}

	return e.Decide(c)
}

func (e *engine) MembershipNodeList(c *cluster.Client) Result {
	return e.Decide(c)
}

func (e *engine) QuorumNodeList(c *cluster.Client) Result {
	if !c.HasMembership {
		return Result{Vote: tlv.VoteNoChange, Reason: "membership unknown"}
	}

	return e.Decide(c)
}

func (e *engine) Heartbeat(c *cluster.Client) Result {
	if !e.policy.heartbeatSensitive() || !c.HasMembership {
		return Result{Vote: tlv.VoteNoChange}
	}

	return e.Decide(c)
}

func (e *engine) ClientDisconnect(c *cluster.Client, cl *cluster.Cluster) {
	if cl == nil {
		return
	}

	e.policy.disconnect(c, cl)
}

func (e *engine) Decide(c *cluster.Client) Result {
	if c.Cluster == nil {
		return Result{Vote: tlv.VoteAskLater, Reason: "client is not part of a cluster"}
	}

	r := e.policy.decide(c)

	e.logger.Debug("verdict", "cluster", c.ClusterName, "node_id", c.NodeID,
		"ring_id", c.RingID, "vote", r.Vote, "reason", r.Reason)

	return settle(c, r)
}

// settle records the verdict as sent to c, or turns it into no-change if
// it repeats the previous one.
func settle(c *cluster.Client, r Result) Result {
	if r.Vote == c.LastVote && c.LastVoteRing == c.RingID {
		r.Vote = tlv.VoteNoChange
		return r
	}

	c.LastVote = r.Vote
	c.LastVoteRing = c.RingID

	return r
}

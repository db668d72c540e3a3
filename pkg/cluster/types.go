package cluster

import (
	"errors"
	"time"

	"qnet/pkg/tlv"
)

// ErrStaleRing is returned when a client reports a ring id older than the
// one already stored for it.
var ErrStaleRing = errors.New("stale ring id")

// Client is the arbitrator's view of one connected quorum device.
type Client struct {
	// SessionID identifies the connection in logs and admin output.
	SessionID  string
	RemoteAddr string

	// Zero until the Init message has been accepted.
	NodeID      uint32
	ClusterName string
	Initialized bool

	Heartbeat time.Duration
	LastSeen  time.Time
	LastSeq   uint32

	Algorithm  tlv.DecisionAlgorithm
	TieBreaker tlv.TieBreaker

	ConfigList       tlv.NodeList
	ConfigVersion    uint64
	HasConfigVersion bool

	Membership    tlv.NodeList
	RingID        tlv.RingID
	HasMembership bool
	ExpectedVotes uint32

	QuorumList tlv.NodeList
	Quorate    bool
	HasQuorum  bool

	// Set by StartingVoting, cleared by the next quorum node list.
	Syncing bool

	LastVote tlv.Vote
	// LastVoteRing is the ring the last ack or nack was given for.
	LastVoteRing tlv.RingID

	// AlgorithmData is private to the decision algorithm of the cluster.
	AlgorithmData interface{}

	Cluster *Cluster
}

// NewClient creates the view of a freshly accepted connection.
func NewClient(sessionID, remoteAddr string, heartbeat time.Duration, now time.Time) *Client {
	return &Client{
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Heartbeat:  heartbeat,
		LastSeen:   now,
	}
}

// Touch records activity from the client.
func (c *Client) Touch(now time.Time) {
	c.LastSeen = now
}

// Expired reports whether the client has been silent for more than
// factor heartbeat intervals.
func (c *Client) Expired(now time.Time, factor int) bool {
	if c.Heartbeat <= 0 {
		return false
	}

	return now.Sub(c.LastSeen) > time.Duration(factor)*c.Heartbeat
}

// SetMembership stores a membership node list. Ring ids never move
// backwards: an older ring is rejected with ErrStaleRing and leaves the
// client untouched.
func (c *Client) SetMembership(ring tlv.RingID, list tlv.NodeList) error {
	if c.HasMembership && ring.Less(c.RingID) {
		return ErrStaleRing
	}

	c.RingID = ring
	c.Membership = list
	c.HasMembership = true

	return nil
}

func (c *Client) SetConfig(list tlv.NodeList, version uint64, hasVersion bool) {
	c.ConfigList = list
	c.ConfigVersion = version
	c.HasConfigVersion = hasVersion
}

func (c *Client) SetQuorum(quorate bool, list tlv.NodeList) {
	c.Quorate = quorate
	c.QuorumList = list
	c.HasQuorum = true
	c.Syncing = false
}

// InMembership reports whether nodeID is part of the client's last
// membership.
func (c *Client) InMembership(nodeID uint32) bool {
	return c.HasMembership && c.Membership.Contains(nodeID)
}

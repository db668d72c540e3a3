package algorithm

import (
	"time"

	"qnet/pkg/cluster"
	"qnet/pkg/tlv"
)

// twoNodeLMS lets a single surviving node of a two node cluster keep
// quorum. Larger clusters are handled like lms.
type twoNodeLMS struct {
	now func() time.Time
	lms lms
}

func (t *twoNodeLMS) heartbeatSensitive() bool {
	return true
}

func (t *twoNodeLMS) disconnect(*cluster.Client, *cluster.Cluster) {}

func (t *twoNodeLMS) decide(c *cluster.Client) Result {
	if len(c.ConfigList) > 2 {
		return t.lms.decide(c)
	}

	if !c.HasMembership {
		return Result{Vote: tlv.VoteAskLater, Reason: "membership unknown"}
	}

	if len(c.Membership) >= 2 {
		return Result{Vote: tlv.VoteACK, Reason: "both nodes are members"}
	}

	peerID, found := peerOf(c)
	if !found {
		return Result{Vote: tlv.VoteACK, Reason: "no peer configured"}
	}

	peer, found := c.Cluster.Member(peerID)
	if !found {
		return Result{Vote: tlv.VoteACK, Reason: "peer is not connected"}
	}

	if t.now().Sub(peer.LastSeen) >= peer.Heartbeat {
		return Result{Vote: tlv.VoteACK, Reason: "peer is silent"}
	}

	if !peer.HasMembership || peer.Syncing || peer.InMembership(c.NodeID) {
		return Result{Vote: tlv.VoteWaitForReply, Reason: "peer has not reported the split yet"}
	}

	if peer.LastVote == tlv.VoteACK && peer.LastVoteRing == peer.RingID {
		return Result{Vote: tlv.VoteNACK, Reason: "peer holds the vote", Winner: peer.RingID}
	}

	sides := []side{
		{ring: c.RingID, members: c.Membership},
		{ring: peer.RingID, members: peer.Membership},
	}

	idx, reason := evenSplitSide(c.Cluster.TieBreaker, sides)

	if idx == 0 {
		return Result{Vote: tlv.VoteACK, Reason: reason, Winner: c.RingID}
	}

	return Result{Vote: tlv.VoteNACK, Reason: reason, Winner: peer.RingID}
}

// peerOf returns the other node of a two node cluster, from the config
// list or else from the nodes the cluster has seen.
func peerOf(c *cluster.Client) (uint32, bool) {
	for _, n := range c.ConfigList {
		if n.NodeID != c.NodeID {
			return n.NodeID, true
		}
	}

	for _, id := range c.Cluster.SeenNodes() {
		if id != c.NodeID {
			return id, true
		}
	}

	return 0, false
}

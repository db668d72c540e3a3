package algorithm

import (
	"fmt"

	"qnet/pkg/cluster"
	"qnet/pkg/tlv"
)

// ffsplit gives the vote to the partition holding more than half of the
// expected votes, and to exactly one side of an even split.
type ffsplit struct{}

// ffsplitData is kept per cluster.
type ffsplitData struct {
	// winner is the ring that won the last even split.
	winner    tlv.RingID
	hasWinner bool
}

func ffsplitDataOf(cl *cluster.Cluster) *ffsplitData {
	data, ok := cl.AlgorithmData.(*ffsplitData)
	if !ok {
		data = &ffsplitData{}
		cl.AlgorithmData = data
	}

	return data
}

func (f *ffsplit) heartbeatSensitive() bool {
	return false
}

func (f *ffsplit) decide(c *cluster.Client) Result {
	if !c.HasMembership {
		return Result{Vote: tlv.VoteAskLater, Reason: "membership unknown"}
	}

	n := expectedVotes(c)
	k := uint32(len(c.Membership))

	switch {
	case 2*k > n:
		return Result{
			Vote:   tlv.VoteACK,
			Reason: fmt.Sprintf("partition holds %d of %d votes", k, n),
		}
	case 2*k < n:
		return Result{
			Vote:   tlv.VoteNACK,
			Reason: fmt.Sprintf("partition holds only %d of %d votes", k, n),
		}
	}

	all, pending := partitions(c)
	if pending {
		return Result{
			Vote:   tlv.VoteWaitForReply,
			Reason: "even split, other members have not reported yet",
		}
	}

	// Only the halves of the split compete.
	sides := all[:0:0]
	for _, s := range all {
		if 2*uint32(len(s.members)) == n {
			sides = append(sides, s)
		}
	}

	data := ffsplitDataOf(c.Cluster)

	idx := -1
	reason := ""

	if data.hasWinner {
		if idx = ringSide(sides, data.winner); idx >= 0 {
			reason = fmt.Sprintf("ring %v already won the split", data.winner)
		}
	}

	if idx < 0 {
		idx, reason = evenSplitSide(c.Cluster.TieBreaker, sides)
	}

	winner := sides[idx].ring
	data.winner = winner
	data.hasWinner = true

	if winner == c.RingID {
		return Result{Vote: tlv.VoteACK, Reason: "even split won: " + reason, Winner: winner}
	}

	return Result{Vote: tlv.VoteNACK, Reason: "even split lost: " + reason, Winner: winner}
}

// disconnect forgets the sticky winner once no member reports it.
func (f *ffsplit) disconnect(c *cluster.Client, cl *cluster.Cluster) {
	data, ok := cl.AlgorithmData.(*ffsplitData)
	if !ok || !data.hasWinner {
		return
	}

	for _, m := range cl.Members() {
		if m.HasMembership && m.RingID == data.winner {
			return
		}
	}

	data.hasWinner = false
}

// expectedVotes is the largest expected votes value reported in the
// cluster, falling back to the size of the configured node list.
func expectedVotes(c *cluster.Client) uint32 {
	var n uint32
	for _, m := range c.Cluster.Members() {
		if m.ExpectedVotes > n {
			n = m.ExpectedVotes
		}
	}

	if c.ExpectedVotes > n {
		n = c.ExpectedVotes
	}

	if n == 0 {
		n = uint32(len(c.ConfigList))
	}

	if n == 0 {
		n = uint32(len(c.Cluster.KnownNodes()))
	}

	return n
}

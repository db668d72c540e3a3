package algorithm

import (
	"fmt"

	"qnet/pkg/cluster"
	"qnet/pkg/tlv"
)

// lms gives the vote to the last partition standing. Members the
// arbitrator no longer hears from are considered lost.
type lms struct{}

func (l *lms) heartbeatSensitive() bool {
	return false
}

func (l *lms) disconnect(*cluster.Client, *cluster.Cluster) {}

func (l *lms) decide(c *cluster.Client) Result {
	if !c.HasMembership {
		return Result{Vote: tlv.VoteAskLater, Reason: "membership unknown"}
	}

	sides, pending := partitions(c)
	if pending {
		return Result{
			Vote:   tlv.VoteWaitForReply,
			Reason: "members outside the partition have not reported yet",
		}
	}

	if len(sides) == 1 {
		return Result{Vote: tlv.VoteACK, Reason: "no competing partition"}
	}

	// A strictly larger partition wins outright. The tie-breaker only
	// settles partitions of equal size.
	largest := 0
	for _, s := range sides {
		if len(s.members) > largest {
			largest = len(s.members)
		}
	}

	if len(c.Membership) < largest {
		return Result{
			Vote:   tlv.VoteNACK,
			Reason: fmt.Sprintf("a partition of %d nodes exists", largest),
		}
	}

	var candidates []side
	for _, s := range sides {
		if len(s.members) == largest {
			candidates = append(candidates, s)
		}
	}

	if len(candidates) == 1 {
		return Result{Vote: tlv.VoteACK, Reason: "largest partition"}
	}

	idx, reason := tieBreakerSide(c.Cluster.TieBreaker, candidates)
	if idx < 0 {
		return Result{Vote: tlv.VoteNACK, Reason: reason}
	}

	winner := candidates[idx].ring
	if winner == c.RingID {
		return Result{Vote: tlv.VoteACK, Reason: reason, Winner: winner}
	}

	return Result{Vote: tlv.VoteNACK, Reason: "competing partition won: " + reason, Winner: winner}
}

package algorithm

import (
	"fmt"

	"qnet/pkg/cluster"
	"qnet/pkg/tlv"
)

// side is one partition of a cluster as reported by its members.
type side struct {
	ring    tlv.RingID
	members tlv.NodeList
}

func (s side) String() string {
	return fmt.Sprintf("%v%v", s.ring, s.members)
}

// partitions returns the partition of c followed by every disjoint
// partition reported by other connected members. pending is true if some
// member outside the partition of c has not settled on a view disjoint
// from it yet.
func partitions(c *cluster.Client) (sides []side, pending bool) {
	sides = []side{{ring: c.RingID, members: c.Membership}}

	rings := map[tlv.RingID]bool{c.RingID: true}

	for _, p := range c.Cluster.Members() {
		if p == c || c.Membership.Contains(p.NodeID) {
			continue
		}

		if !p.HasMembership || p.Syncing || overlaps(p.Membership, c.Membership) {
			pending = true
			continue
		}

		if rings[p.RingID] {
			continue
		}

		rings[p.RingID] = true
		sides = append(sides, side{ring: p.RingID, members: p.Membership})
	}

	return sides, pending
}

func overlaps(a, b tlv.NodeList) bool {
	for _, n := range a {
		if b.Contains(n.NodeID) {
			return true
		}
	}

	return false
}

// tieBreakerSide returns the index of the side designated by tb, or -1
// when tb names a node present in no side.
func tieBreakerSide(tb tlv.TieBreaker, sides []side) (int, string) {
	switch tb.Mode {
	case tlv.TieBreakerNodeID:
		for i, s := range sides {
			if s.members.Contains(tb.NodeID) {
				return i, fmt.Sprintf("partition holds tie-breaker node %d", tb.NodeID)
			}
		}

		return -1, fmt.Sprintf("tie-breaker node %d is in no partition", tb.NodeID)

	case tlv.TieBreakerLowest, tlv.TieBreakerHighest:
		var target uint32
		found := false

		for _, s := range sides {
			for _, n := range s.members {
				switch {
				case !found:
					target = n.NodeID
					found = true
				case tb.Mode == tlv.TieBreakerLowest && n.NodeID < target:
					target = n.NodeID
				case tb.Mode == tlv.TieBreakerHighest && n.NodeID > target:
					target = n.NodeID
				}
			}
		}

		for i, s := range sides {
			if found && s.members.Contains(target) {
				return i, fmt.Sprintf("partition holds %v node %d", tb, target)
			}
		}
	}

	return -1, "tie-breaker designates no partition"
}

// evenSplitSide picks the winner of an even split: the side holding the
// tie-breaker node, then the side holding the lowest node id, then the
// side with the smallest ring.
func evenSplitSide(tb tlv.TieBreaker, sides []side) (int, string) {
	idx, reason := tieBreakerSide(tb, sides)
	if idx >= 0 {
		return idx, reason
	}

	if tb.Mode == tlv.TieBreakerNodeID {
		if idx, reason = tieBreakerSide(tlv.TieBreaker{Mode: tlv.TieBreakerLowest}, sides); idx >= 0 {
			return idx, reason
		}
	}

	return smallestRingSide(sides), "partition has the smallest ring id"
}

// smallestRingSide returns the index of the side with the smallest ring.
func smallestRingSide(sides []side) int {
	best := 0
	for i := 1; i < len(sides); i++ {
		if sides[i].ring.Less(sides[best].ring) {
			best = i
		}
	}

	return best
}

func ringSide(sides []side, ring tlv.RingID) int {
	for i, s := range sides {
		if s.ring == ring {
			return i
		}
	}

	return -1
}

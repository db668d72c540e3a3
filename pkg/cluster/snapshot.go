package cluster

import (
	"time"
)

// MemberSnapshot is a copy of a client view safe to hand to other
// goroutines.
type MemberSnapshot struct {
	NodeID        uint32
	SessionID     string
	RemoteAddr    string
	RingID        string
	Membership    []uint32
	ExpectedVotes uint32
	Quorate       bool
	Syncing       bool
	ConfigVersion uint64
	LastVote      string
	Heartbeat     time.Duration
	LastSeen      time.Time
}

type ClusterSnapshot struct {
	Name       string
	Algorithm  string
	TieBreaker string
	Created    time.Time
	Members    []MemberSnapshot
	SeenNodes  []uint32
}

func (cl *Cluster) Snapshot() ClusterSnapshot {
	s := ClusterSnapshot{
		Name:       cl.Name,
		Algorithm:  cl.Algorithm.String(),
		TieBreaker: cl.TieBreaker.String(),
		Created:    cl.Created,
		SeenNodes:  cl.SeenNodes(),
	}

	for _, c := range cl.Members() {
		s.Members = append(s.Members, MemberSnapshot{
			NodeID:        c.NodeID,
			SessionID:     c.SessionID,
			RemoteAddr:    c.RemoteAddr,
			RingID:        c.RingID.String(),
			Membership:    c.Membership.IDs(),
			ExpectedVotes: c.ExpectedVotes,
			Quorate:       c.Quorate,
			Syncing:       c.Syncing,
			ConfigVersion: c.ConfigVersion,
			LastVote:      c.LastVote.String(),
			Heartbeat:     c.Heartbeat,
			LastSeen:      c.LastSeen,
		})
	}

	return s
}

// Snapshot returns a copy of the named cluster.
func (r *Registry) Snapshot(name string) (ClusterSnapshot, bool) {
	cl, found := r.clusters[name]
	if !found {
		return ClusterSnapshot{}, false
	}

	return cl.Snapshot(), true
}

// Snapshots returns a copy of every cluster, ordered by name.
func (r *Registry) Snapshots() []ClusterSnapshot {
	out := make([]ClusterSnapshot, 0, len(r.clusters))
	for _, name := range r.Names() {
		out = append(out, r.clusters[name].Snapshot())
	}

	return out
}

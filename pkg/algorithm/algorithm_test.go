package algorithm

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qnet/pkg/cluster"
	"qnet/pkg/tlv"
)

type testCluster struct {
	t        *testing.T
	alg      Algorithm
	registry *cluster.Registry
	tb       tlv.TieBreaker
	config   tlv.NodeList
	now      time.Time
}

func newTestCluster(t *testing.T, typ tlv.DecisionAlgorithm, tb tlv.TieBreaker, nodes ...uint32) *testCluster {
	tc := &testCluster{
		t:        t,
		registry: cluster.NewRegistry(cluster.Config{}),
		tb:       tb,
		config:   tlv.NodeListFromIDs(nodes...),
		now:      time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	alg, err := New(typ, Options{Now: func() time.Time { return tc.now }})
	require.NoError(t, err)
	tc.alg = alg

	return tc
}

func (tc *testCluster) join(nodeID uint32) *cluster.Client {
	c := cluster.NewClient(fmt.Sprintf("session-%d", nodeID), "", time.Second, tc.now)
	c.NodeID = nodeID
	c.ClusterName = "alpha"
	c.Algorithm = tc.alg.Type()
	c.TieBreaker = tc.tb
	c.Initialized = true

	require.Equal(tc.t, tlv.ErrNone, tc.registry.Register(c))
	require.Equal(tc.t, tlv.ErrNone, tc.alg.ClientInit(c))

	c.SetConfig(tc.config, 1, true)
	tc.alg.ConfigNodeList(c, true)

	return c
}

func (tc *testCluster) leave(c *cluster.Client) {
	cl := c.Cluster
	tc.registry.Deregister(c)
	tc.alg.ClientDisconnect(c, cl)
}

func (tc *testCluster) report(c *cluster.Client, ring tlv.RingID, ids ...uint32) tlv.Vote {
	require.NoError(tc.t, c.SetMembership(ring, tlv.NodeListFromIDs(ids...)))
	c.ExpectedVotes = uint32(len(tc.config))
	c.Touch(tc.now)

	return tc.alg.MembershipNodeList(c).Vote
}

// current is the verdict held by the client, whatever was last sent.
func current(tc *testCluster, c *cluster.Client) tlv.Vote {
	tc.alg.Decide(c)
	return c.LastVote
}

var lowest = tlv.TieBreaker{Mode: tlv.TieBreakerLowest}

func TestFFSplitTwoNodeSplit(t *testing.T) {
	tc := newTestCluster(t, tlv.AlgorithmFFSplit, lowest, 1, 2)

	n1 := tc.join(1)
	n2 := tc.join(2)

	assert.Equal(t, tlv.VoteACK, tc.report(n1, tlv.RingID{NodeID: 1, Seq: 10}, 1, 2))
	assert.Equal(t, tlv.VoteACK, tc.report(n2, tlv.RingID{NodeID: 1, Seq: 10}, 1, 2))

	// Node 2 still reports the old ring.
	assert.Equal(t, tlv.VoteWaitForReply, tc.report(n1, tlv.RingID{NodeID: 1, Seq: 11}, 1))

	assert.Equal(t, tlv.VoteNACK, tc.report(n2, tlv.RingID{NodeID: 2, Seq: 11}, 2))
	assert.Equal(t, tlv.VoteACK, tc.alg.Decide(n1).Vote)

	// Nothing new: no-change.
	assert.Equal(t, tlv.VoteNoChange, tc.alg.Decide(n1).Vote)
	assert.Equal(t, tlv.VoteNoChange, tc.alg.Decide(n2).Vote)
}

func TestFFSplitTieBreakerNode(t *testing.T) {
	tc := newTestCluster(t, tlv.AlgorithmFFSplit,
		tlv.TieBreaker{Mode: tlv.TieBreakerNodeID, NodeID: 3}, 1, 2, 3, 4)

	nodes := []*cluster.Client{tc.join(1), tc.join(2), tc.join(3), tc.join(4)}

	old := tlv.RingID{NodeID: 1, Seq: 1}
	for _, n := range nodes {
		assert.Equal(t, tlv.VoteACK, tc.report(n, old, 1, 2, 3, 4))
	}

	left := tlv.RingID{NodeID: 1, Seq: 2}
	right := tlv.RingID{NodeID: 3, Seq: 2}

	assert.Equal(t, tlv.VoteWaitForReply, tc.report(nodes[0], left, 1, 2))
	assert.Equal(t, tlv.VoteWaitForReply, tc.report(nodes[1], left, 1, 2))
	assert.Equal(t, tlv.VoteACK, tc.report(nodes[2], right, 3, 4))
	assert.Equal(t, tlv.VoteACK, tc.report(nodes[3], right, 3, 4))

	assert.Equal(t, tlv.VoteNACK, current(tc, nodes[0]))
	assert.Equal(t, tlv.VoteNACK, current(tc, nodes[1]))
	assert.Equal(t, tlv.VoteACK, current(tc, nodes[2]))
	assert.Equal(t, tlv.VoteACK, current(tc, nodes[3]))
}

func TestFFSplitTieBreakerNodeAbsent(t *testing.T) {
	tc := newTestCluster(t, tlv.AlgorithmFFSplit,
		tlv.TieBreaker{Mode: tlv.TieBreakerNodeID, NodeID: 9}, 1, 2, 3, 4)

	nodes := []*cluster.Client{tc.join(1), tc.join(2), tc.join(3), tc.join(4)}

	old := tlv.RingID{NodeID: 1, Seq: 1}
	for _, n := range nodes {
		assert.Equal(t, tlv.VoteACK, tc.report(n, old, 1, 2, 3, 4))
	}

	// The side holding node 1 has the larger ring: the lowest node id
	// decides before the ring id does.
	left := tlv.RingID{NodeID: 4, Seq: 2}
	right := tlv.RingID{NodeID: 3, Seq: 2}

	assert.Equal(t, tlv.VoteWaitForReply, tc.report(nodes[0], left, 1, 2))
	assert.Equal(t, tlv.VoteWaitForReply, tc.report(nodes[1], left, 1, 2))
	assert.Equal(t, tlv.VoteWaitForReply, tc.report(nodes[2], right, 3, 4))
	assert.Equal(t, tlv.VoteNACK, tc.report(nodes[3], right, 3, 4))

	assert.Equal(t, tlv.VoteACK, current(tc, nodes[0]))
	assert.Equal(t, tlv.VoteACK, current(tc, nodes[1]))
	assert.Equal(t, tlv.VoteNACK, current(tc, nodes[2]))
	assert.Equal(t, tlv.VoteNACK, current(tc, nodes[3]))
}

func TestFFSplitExclusive(t *testing.T) {
	tieBreakers := []tlv.TieBreaker{
		lowest,
		{Mode: tlv.TieBreakerHighest},
		{Mode: tlv.TieBreakerNodeID, NodeID: 2},
		{Mode: tlv.TieBreakerNodeID, NodeID: 9},
	}

	orders := [][]int{{0, 1, 2, 3}, {3, 2, 1, 0}, {1, 3, 0, 2}, {2, 0, 3, 1}}

	for _, tb := range tieBreakers {
		for _, order := range orders {
			t.Run(fmt.Sprintf("%v %v", tb, order), func(t *testing.T) {
				tc := newTestCluster(t, tlv.AlgorithmFFSplit, tb, 1, 2, 3, 4)

				nodes := []*cluster.Client{tc.join(1), tc.join(2), tc.join(3), tc.join(4)}
				for _, n := range nodes {
					tc.report(n, tlv.RingID{NodeID: 1, Seq: 5}, 1, 2, 3, 4)
				}

				rings := []tlv.RingID{
					{NodeID: 1, Seq: 6}, {NodeID: 1, Seq: 6},
					{NodeID: 2, Seq: 6}, {NodeID: 2, Seq: 6},
				}
				members := [][]uint32{{1, 4}, {1, 4}, {2, 3}, {2, 3}}
				index := []int{0, 3, 1, 2}

				for _, i := range order {
					n := nodes[index[i]]
					tc.report(n, rings[i], members[i]...)
				}

				acks := 0
				for _, n := range nodes {
					if current(tc, n) == tlv.VoteACK {
						acks++
					}
				}

				assert.Equal(t, 2, acks, "exactly one side of two nodes holds the vote")
				assert.Equal(t, current(tc, nodes[0]), current(tc, nodes[3]))
				assert.Equal(t, current(tc, nodes[1]), current(tc, nodes[2]))
			})
		}
	}
}

func TestFFSplitSticky(t *testing.T) {
	tc := newTestCluster(t, tlv.AlgorithmFFSplit, lowest, 1, 2)

	n2 := tc.join(2)

	// Alone, node 2 wins the even split.
	assert.Equal(t, tlv.VoteACK, tc.report(n2, tlv.RingID{NodeID: 2, Seq: 11}, 2))

	// Node 1 shows up in its own partition later: the vote stays put
	// although node 1 would win the tie-breaker.
	n1 := tc.join(1)
	assert.Equal(t, tlv.VoteNACK, tc.report(n1, tlv.RingID{NodeID: 1, Seq: 11}, 1))

	// Once node 2 is gone the winner is forgotten.
	tc.leave(n2)
	assert.Equal(t, tlv.VoteACK, tc.alg.Decide(n1).Vote)
}

func TestFFSplitMajority(t *testing.T) {
	tc := newTestCluster(t, tlv.AlgorithmFFSplit, lowest, 1, 2, 3)

	n1 := tc.join(1)
	n3 := tc.join(3)

	assert.Equal(t, tlv.VoteAskLater, tc.alg.Decide(n1).Vote)
	assert.Equal(t, tlv.VoteACK, tc.report(n1, tlv.RingID{NodeID: 1, Seq: 3}, 1, 2))
	assert.Equal(t, tlv.VoteNACK, tc.report(n3, tlv.RingID{NodeID: 3, Seq: 3}, 3))
}

func TestStaleRingKeepsState(t *testing.T) {
	tc := newTestCluster(t, tlv.AlgorithmFFSplit, lowest, 1, 2)

	n1 := tc.join(1)
	tc.report(n1, tlv.RingID{NodeID: 1, Seq: 5}, 1, 2)

	err := n1.SetMembership(tlv.RingID{NodeID: 1, Seq: 4}, tlv.NodeListFromIDs(1))
	assert.ErrorIs(t, err, cluster.ErrStaleRing)
	assert.Equal(t, tlv.VoteNoChange, tc.alg.Decide(n1).Vote)
}

func TestLMS(t *testing.T) {
	tc := newTestCluster(t, tlv.AlgorithmLMS, lowest, 1, 2, 3)

	n1 := tc.join(1)
	n2 := tc.join(2)
	n3 := tc.join(3)

	old := tlv.RingID{NodeID: 1, Seq: 1}
	for _, n := range []*cluster.Client{n1, n2, n3} {
		assert.Equal(t, tlv.VoteACK, tc.report(n, old, 1, 2, 3))
	}

	// Node 3 still believes it is with us.
	assert.Equal(t, tlv.VoteWaitForReply, tc.report(n1, tlv.RingID{NodeID: 1, Seq: 2}, 1, 2))
	assert.Equal(t, tlv.VoteWaitForReply, tc.report(n2, tlv.RingID{NodeID: 1, Seq: 2}, 1, 2))

	assert.Equal(t, tlv.VoteNACK, tc.report(n3, tlv.RingID{NodeID: 3, Seq: 2}, 3))
	assert.Equal(t, tlv.VoteACK, tc.alg.Decide(n1).Vote)

	// The last man standing keeps the vote.
	tc.leave(n1)
	tc.leave(n3)
	assert.Equal(t, tlv.VoteACK, tc.report(n2, tlv.RingID{NodeID: 2, Seq: 3}, 2))
}

func TestLMSLargerPartitionBeatsTieBreaker(t *testing.T) {
	tc := newTestCluster(t, tlv.AlgorithmLMS,
		tlv.TieBreaker{Mode: tlv.TieBreakerNodeID, NodeID: 3}, 1, 2, 3)

	n1 := tc.join(1)
	n2 := tc.join(2)
	n3 := tc.join(3)

	old := tlv.RingID{NodeID: 1, Seq: 1}
	for _, n := range []*cluster.Client{n1, n2, n3} {
		tc.report(n, old, 1, 2, 3)
	}

	tc.report(n1, tlv.RingID{NodeID: 1, Seq: 2}, 1, 2)
	tc.report(n2, tlv.RingID{NodeID: 1, Seq: 2}, 1, 2)
	assert.Equal(t, tlv.VoteNACK, tc.report(n3, tlv.RingID{NodeID: 3, Seq: 2}, 3))

	assert.Equal(t, tlv.VoteACK, current(tc, n1))
	assert.Equal(t, tlv.VoteACK, current(tc, n2))
	assert.Equal(t, tlv.VoteNACK, current(tc, n3))
}

func TestLMSEqualPartitions(t *testing.T) {
	tc := newTestCluster(t, tlv.AlgorithmLMS, lowest, 1, 2, 3, 4)

	n1 := tc.join(1)
	n3 := tc.join(3)

	tc.report(n1, tlv.RingID{NodeID: 1, Seq: 2}, 1, 2)
	tc.report(n3, tlv.RingID{NodeID: 3, Seq: 2}, 3, 4)

	assert.Equal(t, tlv.VoteACK, current(tc, n1))
	assert.Equal(t, tlv.VoteNACK, current(tc, n3))
}

func TestLMSTieBreakerNodeAbsent(t *testing.T) {
	tc := newTestCluster(t, tlv.AlgorithmLMS,
		tlv.TieBreaker{Mode: tlv.TieBreakerNodeID, NodeID: 5}, 1, 2, 3, 4, 5)

	n1 := tc.join(1)
	n3 := tc.join(3)

	tc.report(n1, tlv.RingID{NodeID: 1, Seq: 2}, 1, 2)
	tc.report(n3, tlv.RingID{NodeID: 3, Seq: 2}, 3, 4)

	assert.Equal(t, tlv.VoteNACK, current(tc, n1))
	assert.Equal(t, tlv.VoteNACK, current(tc, n3))
}

func TestTwoNodeLMS(t *testing.T) {
	tc := newTestCluster(t, tlv.Algorithm2NodeLMS, lowest, 1, 2)

	n1 := tc.join(1)
	n2 := tc.join(2)

	ring := tlv.RingID{NodeID: 1, Seq: 1}
	assert.Equal(t, tlv.VoteACK, tc.report(n1, ring, 1, 2))
	assert.Equal(t, tlv.VoteACK, tc.report(n2, ring, 1, 2))

	// Node 2 still reports both nodes.
	assert.Equal(t, tlv.VoteWaitForReply, tc.report(n1, tlv.RingID{NodeID: 1, Seq: 2}, 1))

	assert.Equal(t, tlv.VoteNACK, tc.report(n2, tlv.RingID{NodeID: 2, Seq: 2}, 2))
	assert.Equal(t, tlv.VoteACK, tc.alg.Decide(n1).Vote)
}

func TestTwoNodeLMSPeerSilent(t *testing.T) {
	tc := newTestCluster(t, tlv.Algorithm2NodeLMS, lowest, 1, 2)

	n1 := tc.join(1)
	n2 := tc.join(2)

	ring := tlv.RingID{NodeID: 1, Seq: 1}
	tc.report(n1, ring, 1, 2)
	tc.report(n2, ring, 1, 2)

	assert.Equal(t, tlv.VoteWaitForReply, tc.report(n2, tlv.RingID{NodeID: 2, Seq: 2}, 2))

	// Node 1 goes quiet for a heartbeat: node 2 survives alone.
	tc.now = tc.now.Add(2 * time.Second)
	n2.Touch(tc.now)
	assert.Equal(t, tlv.VoteACK, tc.alg.Heartbeat(n2).Vote)
}

func TestTwoNodeLMSPeerGone(t *testing.T) {
	tc := newTestCluster(t, tlv.Algorithm2NodeLMS, lowest, 1, 2)

	n2 := tc.join(2)
	assert.Equal(t, tlv.VoteACK, tc.report(n2, tlv.RingID{NodeID: 2, Seq: 1}, 2))
}

func TestTwoNodeLMSFallsBackToLMS(t *testing.T) {
	tc := newTestCluster(t, tlv.Algorithm2NodeLMS, lowest, 1, 2, 3)

	n1 := tc.join(1)
	n3 := tc.join(3)

	tc.report(n1, tlv.RingID{NodeID: 1, Seq: 2}, 1, 2)
	tc.report(n3, tlv.RingID{NodeID: 3, Seq: 2}, 3)

	assert.Equal(t, tlv.VoteACK, current(tc, n1))
	assert.Equal(t, tlv.VoteNACK, current(tc, n3))
}

func TestNewUnsupported(t *testing.T) {
	_, err := New(tlv.DecisionAlgorithm(42), Options{})
	assert.Error(t, err)
	assert.False(t, IsSupported(tlv.DecisionAlgorithm(42)))
	assert.True(t, IsSupported(tlv.AlgorithmLMS))
}

func TestResultPayload(t *testing.T) {
	r := Result{Vote: tlv.VoteACK, Reason: "won", Winner: tlv.RingID{NodeID: 1, Seq: 2}}
	p := r.Payload(tlv.AlgorithmFFSplit)

	assert.Equal(t, "ffsplit", p.Algorithm)
	w, ok := p.Winner()
	assert.True(t, ok)
	assert.Equal(t, r.Winner, w)
}

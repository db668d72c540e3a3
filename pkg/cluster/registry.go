package cluster

import (
	"sort"
	"time"

	"qnet/pkg/tlv"
)

// Config controls the registry.
type Config struct {
	// AllowedClusters restricts the cluster names accepted at Init. Empty
	// means any name.
	AllowedClusters []string

	// OnPreempt is called with a member replaced by a newer session
	// claiming the same node id. The callee closes it with
	// duplicate-node-id.
	OnPreempt func(old *Client)
}

// Cluster groups the clients claiming the same cluster name.
type Cluster struct {
	Name       string
	Algorithm  tlv.DecisionAlgorithm
	TieBreaker tlv.TieBreaker
	Created    time.Time

	// AlgorithmData is shared state of the decision algorithm.
	AlgorithmData interface{}

	members map[uint32]*Client
	seen    map[uint32]bool
}

func newCluster(name string, alg tlv.DecisionAlgorithm, tb tlv.TieBreaker) *Cluster {
	return &Cluster{
		Name:       name,
		Algorithm:  alg,
		TieBreaker: tb,
		Created:    time.Now(),
		members:    make(map[uint32]*Client),
		seen:       make(map[uint32]bool),
	}
}

// Members returns the connected members ordered by node id.
func (cl *Cluster) Members() []*Client {
	out := make([]*Client, 0, len(cl.members))
	for _, c := range cl.members {
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool { return out[i].NodeID < out[j].NodeID })

	return out
}

func (cl *Cluster) Member(nodeID uint32) (*Client, bool) {
	c, found := cl.members[nodeID]
	return c, found
}

func (cl *Cluster) Size() int {
	return len(cl.members)
}

// SeenNodes returns every node id that ever joined the cluster, sorted.
func (cl *Cluster) SeenNodes() []uint32 {
	ids := make([]uint32, 0, len(cl.seen))
	for id := range cl.seen {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// KnownNodes returns the union of the config lists and memberships
// reported by the connected members, sorted.
func (cl *Cluster) KnownNodes() []uint32 {
	set := make(map[uint32]bool)
	for _, c := range cl.members {
		set[c.NodeID] = true
		for _, n := range c.ConfigList {
			set[n.NodeID] = true
		}
		for _, n := range c.Membership {
			set[n.NodeID] = true
		}
	}

	ids := make([]uint32, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	return ids
}

// CheckCompatible verifies that a joining client uses the algorithm and
// tie-breaker the cluster was established with.
func (cl *Cluster) CheckCompatible(alg tlv.DecisionAlgorithm, tb tlv.TieBreaker) tlv.ErrorCode {
	if alg != cl.Algorithm {
		return tlv.ErrAlgorithmDiffers
	}

	if tb != cl.TieBreaker {
		return tlv.ErrTieBreakerDiffers
	}

	return tlv.ErrNone
}

// Registry maps cluster names to clusters. It is owned by a single
// goroutine and does no locking.
type Registry struct {
	cfg      Config
	allowed  map[string]bool
	clusters map[string]*Cluster
}

func NewRegistry(cfg Config) *Registry {
	r := &Registry{
		cfg:      cfg,
		clusters: make(map[string]*Cluster),
	}

	if len(cfg.AllowedClusters) > 0 {
		r.allowed = make(map[string]bool, len(cfg.AllowedClusters))
		for _, name := range cfg.AllowedClusters {
			r.allowed[name] = true
		}
	}

	return r
}

// Register adds an initialized client to its cluster, creating the
// cluster if needed. A member with the same node id is removed and handed
// to OnPreempt. The returned code is ErrNone on success.
func (r *Registry) Register(c *Client) tlv.ErrorCode {
	if r.allowed != nil && !r.allowed[c.ClusterName] {
		return tlv.ErrClusterPolicyDenied
	}

	cl, found := r.clusters[c.ClusterName]
	if !found {
		cl = newCluster(c.ClusterName, c.Algorithm, c.TieBreaker)
		r.clusters[c.ClusterName] = cl
	}

	old, dup := cl.members[c.NodeID]

	others := cl.Size()
	if dup {
		others--
	}

	if others > 0 {
		if code := cl.CheckCompatible(c.Algorithm, c.TieBreaker); code != tlv.ErrNone {
			return code
		}
	} else {
		cl.Algorithm = c.Algorithm
		cl.TieBreaker = c.TieBreaker
	}

	if dup {
		delete(cl.members, c.NodeID)
		old.Cluster = nil

		if r.cfg.OnPreempt != nil {
			r.cfg.OnPreempt(old)
		}
	}

	cl.members[c.NodeID] = c
	cl.seen[c.NodeID] = true
	c.Cluster = cl

	return tlv.ErrNone
}

// Deregister removes c from its cluster and retires the cluster when it
// becomes empty. It reports whether c was a member.
func (r *Registry) Deregister(c *Client) bool {
	cl := c.Cluster
	if cl == nil {
		return false
	}

	c.Cluster = nil

	if cur, found := cl.members[c.NodeID]; !found || cur != c {
		return false
	}

	delete(cl.members, c.NodeID)

	if cl.Size() == 0 {
		delete(r.clusters, cl.Name)
	}

	return true
}

func (r *Registry) Cluster(name string) (*Cluster, bool) {
	cl, found := r.clusters[name]
	return cl, found
}

// Names returns the cluster names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.clusters))
	for name := range r.clusters {
		names = append(names, name)
	}

	sort.Strings(names)

	return names
}

func (r *Registry) Len() int {
	return len(r.clusters)
}

// ClientCount returns the number of registered clients over all
// clusters.
func (r *Registry) ClientCount() int {
	n := 0
	for _, cl := range r.clusters {
		n += cl.Size()
	}

	return n
}

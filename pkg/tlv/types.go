package tlv

import (
	"fmt"
	"sort"
	"strings"
)

// MsgType is the message kind carried right after the length prefix.
type MsgType uint16

const (
	MsgPreinit          MsgType = 0
	MsgPreinitReply     MsgType = 1
	MsgInit             MsgType = 3
	MsgInitReply        MsgType = 4
	MsgServerError      MsgType = 5
	MsgSetOption        MsgType = 6
	MsgSetOptionReply   MsgType = 7
	MsgEchoRequest      MsgType = 8
	MsgEchoReply        MsgType = 9
	MsgNodeList         MsgType = 10
	MsgNodeListReply    MsgType = 11
	MsgAskForVote       MsgType = 12
	MsgAskForVoteReply  MsgType = 13
	MsgVoteInfo         MsgType = 14
	MsgVoteInfoReply    MsgType = 15
	MsgHeartbeatRequest MsgType = 16
	MsgHeartbeatReply   MsgType = 17
	MsgStartingVoting   MsgType = 18
)

var msgTypeNames = map[MsgType]string{
	MsgPreinit:          "Preinit",
	MsgPreinitReply:     "PreinitReply",
	MsgInit:             "Init",
	MsgInitReply:        "InitReply",
	MsgServerError:      "ServerError",
	MsgSetOption:        "SetOption",
	MsgSetOptionReply:   "SetOptionReply",
	MsgEchoRequest:      "EchoRequest",
	MsgEchoReply:        "EchoReply",
	MsgNodeList:         "NodeList",
	MsgNodeListReply:    "NodeListReply",
	MsgAskForVote:       "AskForVote",
	MsgAskForVoteReply:  "AskForVoteReply",
	MsgVoteInfo:         "VoteInfo",
	MsgVoteInfoReply:    "VoteInfoReply",
	MsgHeartbeatRequest: "HeartbeatRequest",
	MsgHeartbeatReply:   "HeartbeatReply",
	MsgStartingVoting:   "StartingVoting",
}

func (t MsgType) String() string {
	if name, found := msgTypeNames[t]; found {
		return name
	}

	return fmt.Sprintf("MsgType(%d)", uint16(t))
}

// Known reports whether t is part of the published message table.
func (t MsgType) Known() bool {
	_, found := msgTypeNames[t]
	return found
}

// SupportedMessages returns every message type, sorted by code.
func SupportedMessages() []uint16 {
	codes := make([]uint16, 0, len(msgTypeNames))
	for t := range msgTypeNames {
		codes = append(codes, uint16(t))
	}

	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	return codes
}

// Vote is the verdict of the arbitrator for a client.
type Vote uint8

const (
	VoteUndefined    Vote = 0
	VoteACK          Vote = 1
	VoteNACK         Vote = 2
	VoteAskLater     Vote = 3
	VoteWaitForReply Vote = 4
	VoteNoChange     Vote = 5
)

func (v Vote) String() string {
	switch v {
	case VoteACK:
		return "ack"
	case VoteNACK:
		return "nack"
	case VoteAskLater:
		return "ask-later"
	case VoteWaitForReply:
		return "wait-for-reply"
	case VoteNoChange:
		return "no-change"
	case VoteUndefined:
		return "undefined"
	default:
		return fmt.Sprintf("Vote(%d)", uint8(v))
	}
}

// Valid reports whether v may appear on the wire.
func (v Vote) Valid() bool {
	return v >= VoteACK && v <= VoteNoChange
}

type NodeListType uint8

const (
	NodeListInitialConfig NodeListType = 1
	NodeListChangedConfig NodeListType = 2
	NodeListMembership    NodeListType = 3
	NodeListQuorum        NodeListType = 4
)

func (t NodeListType) String() string {
	switch t {
	case NodeListInitialConfig:
		return "initial-config"
	case NodeListChangedConfig:
		return "changed-config"
	case NodeListMembership:
		return "membership"
	case NodeListQuorum:
		return "quorum"
	default:
		return fmt.Sprintf("NodeListType(%d)", uint8(t))
	}
}

func (t NodeListType) Valid() bool {
	return t >= NodeListInitialConfig && t <= NodeListQuorum
}

type NodeState uint8

const (
	NodeStateNotSet  NodeState = 0
	NodeStateMember  NodeState = 1
	NodeStateDead    NodeState = 2
	NodeStateLeaving NodeState = 3
)

func (s NodeState) String() string {
	switch s {
	case NodeStateNotSet:
		return "not-set"
	case NodeStateMember:
		return "member"
	case NodeStateDead:
		return "dead"
	case NodeStateLeaving:
		return "leaving"
	default:
		return fmt.Sprintf("NodeState(%d)", uint8(s))
	}
}

type DecisionAlgorithm uint16

const (
	AlgorithmUndefined DecisionAlgorithm = 0
	AlgorithmFFSplit   DecisionAlgorithm = 1
	Algorithm2NodeLMS  DecisionAlgorithm = 2
	AlgorithmLMS       DecisionAlgorithm = 3
)

func (a DecisionAlgorithm) String() string {
	switch a {
	case AlgorithmFFSplit:
		return "ffsplit"
	case Algorithm2NodeLMS:
		return "2nodelms"
	case AlgorithmLMS:
		return "lms"
	case AlgorithmUndefined:
		return "undefined"
	default:
		return fmt.Sprintf("DecisionAlgorithm(%d)", uint16(a))
	}
}

// ParseDecisionAlgorithm accepts the configuration spelling of an
// algorithm name.
func ParseDecisionAlgorithm(s string) (DecisionAlgorithm, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "ffsplit":
		return AlgorithmFFSplit, nil
	case "2nodelms":
		return Algorithm2NodeLMS, nil
	case "lms":
		return AlgorithmLMS, nil
	default:
		return AlgorithmUndefined, fmt.Errorf("unknown decision algorithm %q", s)
	}
}

// TLSSupported is the TLS policy of one side of a connection.
type TLSSupported uint8

const (
	TLSOff      TLSSupported = 0
	TLSOn       TLSSupported = 1
	TLSRequired TLSSupported = 2
)

func (t TLSSupported) String() string {
	switch t {
	case TLSOff:
		return "off"
	case TLSOn:
		return "on"
	case TLSRequired:
		return "required"
	default:
		return fmt.Sprintf("TLSSupported(%d)", uint8(t))
	}
}

func ParseTLSSupported(s string) (TLSSupported, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "no", "":
		return TLSOff, nil
	case "on", "yes":
		return TLSOn, nil
	case "required":
		return TLSRequired, nil
	default:
		return TLSOff, fmt.Errorf("unknown tls mode %q", s)
	}
}

// RingID identifies a membership epoch.
type RingID struct {
	NodeID uint32
	Seq    uint64
}

// Less orders ring ids lexicographically on (Seq, NodeID).
func (r RingID) Less(o RingID) bool {
	if r.Seq != o.Seq {
		return r.Seq < o.Seq
	}

	return r.NodeID < o.NodeID
}

func (r RingID) IsZero() bool {
	return r.NodeID == 0 && r.Seq == 0
}

func (r RingID) String() string {
	return fmt.Sprintf("(%d.%d)", r.NodeID, r.Seq)
}

type TieBreakerMode uint8

const (
	TieBreakerLowest  TieBreakerMode = 1
	TieBreakerHighest TieBreakerMode = 2
	TieBreakerNodeID  TieBreakerMode = 3
)

type TieBreaker struct {
	Mode   TieBreakerMode
	NodeID uint32
}

func (tb TieBreaker) String() string {
	switch tb.Mode {
	case TieBreakerLowest:
		return "lowest"
	case TieBreakerHighest:
		return "highest"
	case TieBreakerNodeID:
		return fmt.Sprintf("%d", tb.NodeID)
	default:
		return fmt.Sprintf("TieBreaker(%d)", uint8(tb.Mode))
	}
}

func (tb TieBreaker) Valid() bool {
	switch tb.Mode {
	case TieBreakerLowest, TieBreakerHighest:
		return true
	case TieBreakerNodeID:
		return tb.NodeID != 0
	default:
		return false
	}
}

// ParseTieBreaker accepts "lowest", "highest" or a decimal node id.
func ParseTieBreaker(s string) (TieBreaker, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "lowest", "":
		return TieBreaker{Mode: TieBreakerLowest}, nil
	case "highest":
		return TieBreaker{Mode: TieBreakerHighest}, nil
	}

	var id uint32
	if _, err := fmt.Sscanf(strings.TrimSpace(s), "%d", &id); err != nil || id == 0 {
		return TieBreaker{}, fmt.Errorf("invalid tie breaker %q", s)
	}

	return TieBreaker{Mode: TieBreakerNodeID, NodeID: id}, nil
}

type NodeInfo struct {
	NodeID       uint32
	DataCenterID uint32
	State        NodeState
}

// NodeList keeps insertion order; config lists are positional.
type NodeList []NodeInfo

// IDs returns the node ids in list order.
func (l NodeList) IDs() []uint32 {
	ids := make([]uint32, len(l))
	for i, n := range l {
		ids[i] = n.NodeID
	}

	return ids
}

func (l NodeList) Contains(nodeID uint32) bool {
	for _, n := range l {
		if n.NodeID == nodeID {
			return true
		}
	}

	return false
}

// SameMembers compares two lists as sets of node ids.
func (l NodeList) SameMembers(o NodeList) bool {
	if len(l) != len(o) {
		return false
	}

	for _, n := range l {
		if !o.Contains(n.NodeID) {
			return false
		}
	}

	return true
}

func (l NodeList) String() string {
	parts := make([]string, len(l))
	for i, n := range l {
		parts[i] = fmt.Sprintf("%d", n.NodeID)
	}

	return "{" + strings.Join(parts, ",") + "}"
}

// NodeListFromIDs builds a membership list of member nodes.
func NodeListFromIDs(ids ...uint32) NodeList {
	l := make(NodeList, len(ids))
	for i, id := range ids {
		l[i] = NodeInfo{NodeID: id, State: NodeStateMember}
	}

	return l
}

type Version struct {
	Major uint16
	Minor uint16
}

func (v Version) Less(o Version) bool {
	if v.Major != o.Major {
		return v.Major < o.Major
	}

	return v.Minor < o.Minor
}

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major, v.Minor)
}

type VersionRange struct {
	Min Version
	Max Version
}

// Intersect returns the common part of two ranges and whether it is
// non-empty.
func (r VersionRange) Intersect(o VersionRange) (VersionRange, bool) {
	res := r

	if res.Min.Less(o.Min) {
		res.Min = o.Min
	}

	if o.Max.Less(res.Max) {
		res.Max = o.Max
	}

	if res.Max.Less(res.Min) {
		return VersionRange{}, false
	}

	return res, true
}

func (r VersionRange) String() string {
	return fmt.Sprintf("%v-%v", r.Min, r.Max)
}

// CurrentVersionRange is the protocol version range spoken by this
// implementation.
var CurrentVersionRange = VersionRange{
	Min: Version{Major: 0, Minor: 1},
	Max: Version{Major: 0, Minor: 1},
}

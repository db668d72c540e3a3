// Package msg implements the message layer of the quorum device protocol:
// typed messages on top of the TLV codec, their builders, and the
// per-kind option rules.
package msg

import (
	"fmt"
	"strings"
	"time"

	"qnet/pkg/tlv"
)

// Message is a decoded or pending protocol message. Only the fields whose
// option is marked present are meaningful.
type Message struct {
	Type tlv.MsgType

	Seq                   uint32
	ClusterName           string
	TLSSupported          tlv.TLSSupported
	TLSClientCertRequired bool
	SupportedMessages     []uint16
	SupportedOptions      []uint16
	ReplyErrorCode        tlv.ErrorCode
	ServerMaxRequestSize  uint32
	ServerMaxReplySize    uint32
	NodeID                uint32
	SupportedAlgorithms   []tlv.DecisionAlgorithm
	DecisionAlgorithm     tlv.DecisionAlgorithm
	HeartbeatInterval     time.Duration
	RingID                tlv.RingID
	ConfigVersion         uint64
	NodeList              tlv.NodeList
	NodeListType          tlv.NodeListType
	NodeListSeq           uint32
	Vote                  tlv.Vote
	Quorate               bool
	TieBreaker            tlv.TieBreaker
	VersionRange          tlv.VersionRange
	ExpectedVotes         uint32
	ReplyPayload          []byte

	present uint64
}

func (m *Message) Has(t tlv.OptType) bool {
	return m.present&(1<<uint(t)) != 0
}

func (m *Message) mark(opts ...tlv.OptType) {
	for _, t := range opts {
		m.present |= 1 << uint(t)
	}
}

func (m *Message) unmark(t tlv.OptType) {
	m.present &^= 1 << uint(t)
}

// IsReply reports whether the message answers a request of the peer.
func (m *Message) IsReply() bool {
	switch m.Type {
	case tlv.MsgPreinitReply, tlv.MsgInitReply, tlv.MsgSetOptionReply,
		tlv.MsgEchoReply, tlv.MsgNodeListReply, tlv.MsgAskForVoteReply,
		tlv.MsgVoteInfoReply, tlv.MsgHeartbeatReply:
		return true
	default:
		return false
	}
}

// ReplyType returns the message type answering a request of type t, or
// false if t does not expect a reply.
func ReplyType(t tlv.MsgType) (tlv.MsgType, bool) {
	switch t {
	case tlv.MsgPreinit:
		return tlv.MsgPreinitReply, true
	case tlv.MsgInit:
		return tlv.MsgInitReply, true
	case tlv.MsgSetOption:
		return tlv.MsgSetOptionReply, true
	case tlv.MsgEchoRequest:
		return tlv.MsgEchoReply, true
	case tlv.MsgNodeList:
		return tlv.MsgNodeListReply, true
	case tlv.MsgAskForVote:
		return tlv.MsgAskForVoteReply, true
	case tlv.MsgVoteInfo:
		return tlv.MsgVoteInfoReply, true
	case tlv.MsgHeartbeatRequest:
		return tlv.MsgHeartbeatReply, true
	default:
		return 0, false
	}
}

func (m *Message) String() string {
	var buf strings.Builder

	fmt.Fprintf(&buf, "%v{seq: %d", m.Type, m.Seq)

	if m.Has(tlv.OptNodeID) {
		fmt.Fprintf(&buf, ", nodeId: %d", m.NodeID)
	}
	if m.Has(tlv.OptClusterName) {
		fmt.Fprintf(&buf, ", cluster: %q", m.ClusterName)
	}
	if m.Has(tlv.OptReplyErrorCode) {
		fmt.Fprintf(&buf, ", error: %v", m.ReplyErrorCode)
	}
	if m.Has(tlv.OptNodeListType) {
		fmt.Fprintf(&buf, ", listType: %v", m.NodeListType)
	}
	if m.Has(tlv.OptRingID) {
		fmt.Fprintf(&buf, ", ringId: %v", m.RingID)
	}
	if m.Has(tlv.OptNodeList) {
		fmt.Fprintf(&buf, ", nodes: %v", m.NodeList)
	}
	if m.Has(tlv.OptQuorate) {
		fmt.Fprintf(&buf, ", quorate: %v", m.Quorate)
	}
	if m.Has(tlv.OptVote) {
		fmt.Fprintf(&buf, ", vote: %v", m.Vote)
	}
	if m.Has(tlv.OptHeartbeatInterval) {
		fmt.Fprintf(&buf, ", heartbeat: %v", m.HeartbeatInterval)
	}
	if m.Has(tlv.OptDecisionAlgorithm) {
		fmt.Fprintf(&buf, ", algorithm: %v", m.DecisionAlgorithm)
	}

	buf.WriteString("}")

	return buf.String()
}

// Optional field setters.

func (m *Message) SetDecisionAlgorithm(a tlv.DecisionAlgorithm) *Message {
	m.DecisionAlgorithm = a
	m.mark(tlv.OptDecisionAlgorithm)
	return m
}

func (m *Message) SetTieBreaker(tb tlv.TieBreaker) *Message {
	m.TieBreaker = tb
	m.mark(tlv.OptTieBreaker)
	return m
}

func (m *Message) SetRingID(r tlv.RingID) *Message {
	m.RingID = r
	m.mark(tlv.OptRingID)
	return m
}

func (m *Message) SetVote(v tlv.Vote) *Message {
	m.Vote = v
	m.mark(tlv.OptVote)
	return m
}

func (m *Message) SetExpectedVotes(n uint32) *Message {
	m.ExpectedVotes = n
	m.mark(tlv.OptExpectedVotes)
	return m
}

func (m *Message) SetConfigVersion(v uint64) *Message {
	m.ConfigVersion = v
	m.mark(tlv.OptConfigVersion)
	return m
}

func (m *Message) SetNodeListSeq(seq uint32) *Message {
	m.NodeListSeq = seq
	m.mark(tlv.OptNodeListSeq)
	return m
}

func (m *Message) SetQuorate(q bool) *Message {
	m.Quorate = q
	m.mark(tlv.OptQuorate)
	return m
}

func (m *Message) SetHeartbeatInterval(d time.Duration) *Message {
	m.HeartbeatInterval = d
	m.mark(tlv.OptHeartbeatInterval)
	return m
}

func (m *Message) SetReplyErrorCode(code tlv.ErrorCode) *Message {
	m.ReplyErrorCode = code
	m.mark(tlv.OptReplyErrorCode)
	return m
}

func (m *Message) SetReplyPayload(data []byte) *Message {
	if len(data) == 0 {
		return m
	}

	m.ReplyPayload = data
	m.mark(tlv.OptDecisionAlgorithmReplyBytes)
	return m
}

func (m *Message) SetServerLimits(maxRequest, maxReply uint32) *Message {
	m.ServerMaxRequestSize = maxRequest
	m.ServerMaxReplySize = maxReply
	m.mark(tlv.OptServerMaxRequestSize, tlv.OptServerMaxReplySize)
	return m
}

func (m *Message) SetSupported(messages, options []uint16, algorithms []tlv.DecisionAlgorithm) *Message {
	if messages != nil {
		m.SupportedMessages = messages
		m.mark(tlv.OptSupportedMessages)
	}

	if options != nil {
		m.SupportedOptions = options
		m.mark(tlv.OptSupportedOptions)
	}

	if algorithms != nil {
		m.SupportedAlgorithms = algorithms
		m.mark(tlv.OptSupportedAlgorithms)
	}

	return m
}

// Builders, one per message kind. Mandatory options are parameters.

func NewPreinit(seq uint32, versions tlv.VersionRange) *Message {
	m := &Message{Type: tlv.MsgPreinit, Seq: seq, VersionRange: versions}
	m.mark(tlv.OptSeqNumber, tlv.OptProtocolVersionRange)
	return m
}

func NewPreinitReply(seq uint32, versions tlv.VersionRange, tlsSupported tlv.TLSSupported, clientCertRequired bool) *Message {
	m := &Message{
		Type:                  tlv.MsgPreinitReply,
		Seq:                   seq,
		VersionRange:          versions,
		TLSSupported:          tlsSupported,
		TLSClientCertRequired: clientCertRequired,
	}
	m.mark(tlv.OptSeqNumber, tlv.OptProtocolVersionRange,
		tlv.OptTLSSupported, tlv.OptTLSClientCertRequired)
	return m
}

func NewInit(seq, nodeID uint32, clusterName string, heartbeat time.Duration) *Message {
	m := &Message{
		Type:              tlv.MsgInit,
		Seq:               seq,
		NodeID:            nodeID,
		ClusterName:       clusterName,
		HeartbeatInterval: heartbeat,
		SupportedOptions:  tlv.SupportedOptions(),
	}
	m.mark(tlv.OptSeqNumber, tlv.OptNodeID, tlv.OptClusterName,
		tlv.OptHeartbeatInterval, tlv.OptSupportedOptions)
	return m
}

func NewInitReply(seq uint32, code tlv.ErrorCode) *Message {
	m := &Message{Type: tlv.MsgInitReply, Seq: seq, ReplyErrorCode: code}
	m.mark(tlv.OptSeqNumber, tlv.OptReplyErrorCode)
	return m
}

func NewServerError(seq uint32, code tlv.ErrorCode) *Message {
	m := &Message{Type: tlv.MsgServerError, Seq: seq, ReplyErrorCode: code}
	m.mark(tlv.OptSeqNumber, tlv.OptReplyErrorCode)
	return m
}

func NewSetOption(seq uint32, heartbeat time.Duration) *Message {
	m := &Message{Type: tlv.MsgSetOption, Seq: seq}
	m.mark(tlv.OptSeqNumber)
	return m.SetHeartbeatInterval(heartbeat)
}

func NewSetOptionReply(seq uint32, heartbeat time.Duration) *Message {
	m := &Message{Type: tlv.MsgSetOptionReply, Seq: seq}
	m.mark(tlv.OptSeqNumber)
	return m.SetHeartbeatInterval(heartbeat)
}

func NewEchoRequest(seq uint32) *Message {
	m := &Message{Type: tlv.MsgEchoRequest, Seq: seq}
	m.mark(tlv.OptSeqNumber)
	return m
}

func NewEchoReply(seq uint32) *Message {
	m := &Message{Type: tlv.MsgEchoReply, Seq: seq}
	m.mark(tlv.OptSeqNumber)
	return m
}

func NewNodeList(seq uint32, listType tlv.NodeListType, list tlv.NodeList) *Message {
	if list == nil {
		list = tlv.NodeList{}
	}

	m := &Message{
		Type:         tlv.MsgNodeList,
		Seq:          seq,
		NodeListType: listType,
		NodeList:     list,
	}
	m.mark(tlv.OptSeqNumber, tlv.OptNodeListType, tlv.OptNodeList)
	return m
}

func NewNodeListReply(seq uint32, listType tlv.NodeListType, vote tlv.Vote) *Message {
	m := &Message{
		Type:         tlv.MsgNodeListReply,
		Seq:          seq,
		NodeListType: listType,
		Vote:         vote,
	}
	m.mark(tlv.OptSeqNumber, tlv.OptNodeListType, tlv.OptVote)
	return m
}

func NewAskForVote(seq uint32) *Message {
	m := &Message{Type: tlv.MsgAskForVote, Seq: seq}
	m.mark(tlv.OptSeqNumber)
	return m
}

func NewAskForVoteReply(seq uint32, vote tlv.Vote) *Message {
	m := &Message{Type: tlv.MsgAskForVoteReply, Seq: seq, Vote: vote}
	m.mark(tlv.OptSeqNumber, tlv.OptVote)
	return m
}

func NewVoteInfo(seq uint32, vote tlv.Vote) *Message {
	m := &Message{Type: tlv.MsgVoteInfo, Seq: seq, Vote: vote}
	m.mark(tlv.OptSeqNumber, tlv.OptVote)
	return m
}

func NewVoteInfoReply(seq uint32) *Message {
	m := &Message{Type: tlv.MsgVoteInfoReply, Seq: seq}
	m.mark(tlv.OptSeqNumber)
	return m
}

func NewHeartbeatRequest(seq uint32) *Message {
	m := &Message{Type: tlv.MsgHeartbeatRequest, Seq: seq}
	m.mark(tlv.OptSeqNumber)
	return m
}

func NewHeartbeatReply(seq uint32) *Message {
	m := &Message{Type: tlv.MsgHeartbeatReply, Seq: seq}
	m.mark(tlv.OptSeqNumber)
	return m
}

func NewStartingVoting(seq uint32) *Message {
	m := &Message{Type: tlv.MsgStartingVoting, Seq: seq}
	m.mark(tlv.OptSeqNumber)
	return m
}

package msg

import (
	"qnet/pkg/tlv"
)

type kindRules struct {
	mandatory []tlv.OptType
	optional  []tlv.OptType
}

var rules = map[tlv.MsgType]kindRules{
	tlv.MsgPreinit: {
		mandatory: []tlv.OptType{tlv.OptSeqNumber, tlv.OptProtocolVersionRange},
	},
	tlv.MsgPreinitReply: {
		mandatory: []tlv.OptType{tlv.OptSeqNumber, tlv.OptProtocolVersionRange,
			tlv.OptTLSSupported, tlv.OptTLSClientCertRequired},
		optional: []tlv.OptType{tlv.OptServerMaxRequestSize, tlv.OptServerMaxReplySize},
	},
	tlv.MsgInit: {
		mandatory: []tlv.OptType{tlv.OptSeqNumber, tlv.OptNodeID, tlv.OptClusterName,
			tlv.OptHeartbeatInterval, tlv.OptSupportedOptions},
		optional: []tlv.OptType{tlv.OptSupportedMessages, tlv.OptDecisionAlgorithm,
			tlv.OptTieBreaker},
	},
	tlv.MsgInitReply: {
		mandatory: []tlv.OptType{tlv.OptSeqNumber, tlv.OptReplyErrorCode},
		optional: []tlv.OptType{tlv.OptDecisionAlgorithm, tlv.OptHeartbeatInterval,
			tlv.OptServerMaxRequestSize, tlv.OptServerMaxReplySize,
			tlv.OptSupportedMessages, tlv.OptSupportedOptions,
			tlv.OptSupportedAlgorithms},
	},
	tlv.MsgServerError: {
		mandatory: []tlv.OptType{tlv.OptSeqNumber, tlv.OptReplyErrorCode},
	},
	tlv.MsgSetOption: {
		mandatory: []tlv.OptType{tlv.OptSeqNumber},
		optional:  []tlv.OptType{tlv.OptHeartbeatInterval},
	},
	tlv.MsgSetOptionReply: {
		mandatory: []tlv.OptType{tlv.OptSeqNumber},
		optional:  []tlv.OptType{tlv.OptHeartbeatInterval, tlv.OptReplyErrorCode},
	},
	tlv.MsgEchoRequest: {
		mandatory: []tlv.OptType{tlv.OptSeqNumber},
	},
	tlv.MsgEchoReply: {
		mandatory: []tlv.OptType{tlv.OptSeqNumber},
	},
	tlv.MsgNodeList: {
		mandatory: []tlv.OptType{tlv.OptSeqNumber, tlv.OptNodeListType, tlv.OptNodeList},
		optional: []tlv.OptType{tlv.OptNodeListSeq, tlv.OptRingID,
			tlv.OptConfigVersion, tlv.OptQuorate, tlv.OptExpectedVotes},
	},
	tlv.MsgNodeListReply: {
		mandatory: []tlv.OptType{tlv.OptSeqNumber, tlv.OptNodeListType, tlv.OptVote},
		optional: []tlv.OptType{tlv.OptNodeListSeq, tlv.OptRingID,
			tlv.OptDecisionAlgorithmReplyBytes},
	},
	tlv.MsgAskForVote: {
		mandatory: []tlv.OptType{tlv.OptSeqNumber},
		optional:  []tlv.OptType{tlv.OptExpectedVotes},
	},
	tlv.MsgAskForVoteReply: {
		mandatory: []tlv.OptType{tlv.OptSeqNumber, tlv.OptVote},
		optional:  []tlv.OptType{tlv.OptRingID, tlv.OptDecisionAlgorithmReplyBytes},
	},
	tlv.MsgVoteInfo: {
		mandatory: []tlv.OptType{tlv.OptSeqNumber, tlv.OptVote},
		optional:  []tlv.OptType{tlv.OptRingID, tlv.OptDecisionAlgorithmReplyBytes},
	},
	tlv.MsgVoteInfoReply: {
		mandatory: []tlv.OptType{tlv.OptSeqNumber},
	},
	tlv.MsgHeartbeatRequest: {
		mandatory: []tlv.OptType{tlv.OptSeqNumber},
	},
	tlv.MsgHeartbeatReply: {
		mandatory: []tlv.OptType{tlv.OptSeqNumber},
	},
	tlv.MsgStartingVoting: {
		mandatory: []tlv.OptType{tlv.OptSeqNumber},
		optional:  []tlv.OptType{tlv.OptRingID},
	},
}

// Validate checks the options of m against the rules of its kind. Options
// not allowed for the kind are cleared; a missing mandatory option or an
// out of range value fails with ErrMalformed.
func Validate(m *Message) error {
	kr, found := rules[m.Type]
	if !found {
		return tlv.Errorf(tlv.ErrUnsupportedMessage, "unknown message type %v", m.Type)
	}

	var allowed uint64
	for _, t := range kr.mandatory {
		if !m.Has(t) {
			return tlv.Errorf(tlv.ErrMalformed, "%v lacks mandatory option %v",
				m.Type, t)
		}

		allowed |= 1 << uint(t)
	}
	for _, t := range kr.optional {
		allowed |= 1 << uint(t)
	}

	for _, code := range tlv.SupportedOptions() {
		t := tlv.OptType(code)
		if m.Has(t) && allowed&(1<<uint(t)) == 0 {
			m.unmark(t)
		}
	}

	if m.Has(tlv.OptVote) && !m.Vote.Valid() {
		return tlv.Errorf(tlv.ErrMalformed, "invalid vote %d", uint8(m.Vote))
	}

	if m.Has(tlv.OptNodeListType) && !m.NodeListType.Valid() {
		return tlv.Errorf(tlv.ErrMalformed, "invalid node list type %d",
			uint8(m.NodeListType))
	}

	if m.Type == tlv.MsgNodeList {
		switch m.NodeListType {
		case tlv.NodeListMembership:
			if !m.Has(tlv.OptRingID) {
				return tlv.Errorf(tlv.ErrMalformed,
					"membership node list lacks %v", tlv.OptRingID)
			}
		case tlv.NodeListQuorum:
			if !m.Has(tlv.OptQuorate) {
				return tlv.Errorf(tlv.ErrMalformed,
					"quorum node list lacks %v", tlv.OptQuorate)
			}
		}
	}

	if m.Has(tlv.OptTieBreaker) && !m.TieBreaker.Valid() {
		return tlv.Errorf(tlv.ErrMalformed, "invalid tie breaker %v", m.TieBreaker)
	}

	return nil
}

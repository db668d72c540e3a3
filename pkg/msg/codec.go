package msg

import (
	"time"

	"qnet/pkg/tlv"
)

// Encode validates m against the rules of its kind and serializes it.
func Encode(m *Message) ([]byte, error) {
	if err := Validate(m); err != nil {
		return nil, err
	}

	b := tlv.NewBuilder(m.Type)

	for _, t := range encodeOrder {
		if !m.Has(t) {
			continue
		}

		b.Add(t, encodeField(m, t))
	}

	return b.Bytes()
}

// Options are written in code order, seq-number first.
var encodeOrder = func() []tlv.OptType {
	codes := tlv.SupportedOptions()
	order := make([]tlv.OptType, len(codes))
	for i, c := range codes {
		order[i] = tlv.OptType(c)
	}

	return order
}()

func encodeField(m *Message, t tlv.OptType) []byte {
	switch t {
	case tlv.OptSeqNumber:
		return tlv.U32(m.Seq)
	case tlv.OptClusterName:
		return []byte(m.ClusterName)
	case tlv.OptTLSSupported:
		return tlv.U8(uint8(m.TLSSupported))
	case tlv.OptTLSClientCertRequired:
		return tlv.Bool(m.TLSClientCertRequired)
	case tlv.OptSupportedMessages:
		return tlv.U16List(m.SupportedMessages)
	case tlv.OptSupportedOptions:
		return tlv.U16List(m.SupportedOptions)
	case tlv.OptReplyErrorCode:
		return tlv.U16(uint16(m.ReplyErrorCode))
	case tlv.OptServerMaxRequestSize:
		return tlv.U32(m.ServerMaxRequestSize)
	case tlv.OptServerMaxReplySize:
		return tlv.U32(m.ServerMaxReplySize)
	case tlv.OptNodeID:
		return tlv.U32(m.NodeID)
	case tlv.OptSupportedAlgorithms:
		codes := make([]uint16, len(m.SupportedAlgorithms))
		for i, a := range m.SupportedAlgorithms {
			codes[i] = uint16(a)
		}
		return tlv.U16List(codes)
	case tlv.OptDecisionAlgorithm:
		return tlv.U16(uint16(m.DecisionAlgorithm))
	case tlv.OptHeartbeatInterval:
		return tlv.U32(uint32(m.HeartbeatInterval / time.Millisecond))
	case tlv.OptRingID:
		return tlv.EncodeRingID(m.RingID)
	case tlv.OptConfigVersion:
		return tlv.U64(m.ConfigVersion)
	case tlv.OptNodeList:
		return tlv.EncodeNodeList(m.NodeList)
	case tlv.OptNodeListType:
		return tlv.U8(uint8(m.NodeListType))
	case tlv.OptNodeListSeq:
		return tlv.U32(m.NodeListSeq)
	case tlv.OptVote:
		return tlv.U8(uint8(m.Vote))
	case tlv.OptQuorate:
		return tlv.Bool(m.Quorate)
	case tlv.OptTieBreaker:
		return tlv.EncodeTieBreaker(m.TieBreaker)
	case tlv.OptProtocolVersionRange:
		return tlv.EncodeVersionRange(m.VersionRange)
	case tlv.OptExpectedVotes:
		return tlv.U32(m.ExpectedVotes)
	case tlv.OptDecisionAlgorithmReplyBytes:
		return m.ReplyPayload
	default:
		return nil
	}
}

// Decode parses a complete frame and validates it against the rules of
// its kind. Options not allowed for the kind are dropped.
func Decode(data []byte) (*Message, error) {
	frame, err := tlv.Decode(data)
	if err != nil {
		return nil, err
	}

	m := &Message{Type: frame.Type}

	for _, opt := range frame.Options {
		if err := decodeField(m, opt); err != nil {
			return nil, err
		}

		m.mark(opt.Type)
	}

	if err := Validate(m); err != nil {
		return nil, err
	}

	return m, nil
}

// SeqOf extracts the sequence number of a frame that failed to decode, so
// the error reply can still echo it.
func SeqOf(data []byte) (uint32, bool) {
	frame, err := tlv.Decode(data)
	if err != nil {
		return 0, false
	}

	v, found := frame.Get(tlv.OptSeqNumber)
	if !found {
		return 0, false
	}

	seq, err := tlv.DecodeU32(v)
	return seq, err == nil
}

func decodeField(m *Message, opt tlv.Option) error {
	var err error

	v := opt.Value

	switch opt.Type {
	case tlv.OptSeqNumber:
		m.Seq, err = tlv.DecodeU32(v)
	case tlv.OptClusterName:
		m.ClusterName = string(v)
	case tlv.OptTLSSupported:
		var u uint8
		u, err = tlv.DecodeU8(v)
		m.TLSSupported = tlv.TLSSupported(u)
		if err == nil && m.TLSSupported > tlv.TLSRequired {
			err = tlv.Errorf(tlv.ErrMalformed, "invalid tls mode %d", u)
		}
	case tlv.OptTLSClientCertRequired:
		m.TLSClientCertRequired, err = tlv.DecodeBool(v)
	case tlv.OptSupportedMessages:
		m.SupportedMessages, err = tlv.DecodeU16List(v)
	case tlv.OptSupportedOptions:
		m.SupportedOptions, err = tlv.DecodeU16List(v)
	case tlv.OptReplyErrorCode:
		var u uint16
		u, err = tlv.DecodeU16(v)
		m.ReplyErrorCode = tlv.ErrorCode(u)
	case tlv.OptServerMaxRequestSize:
		m.ServerMaxRequestSize, err = tlv.DecodeU32(v)
	case tlv.OptServerMaxReplySize:
		m.ServerMaxReplySize, err = tlv.DecodeU32(v)
	case tlv.OptNodeID:
		m.NodeID, err = tlv.DecodeU32(v)
	case tlv.OptSupportedAlgorithms:
		var codes []uint16
		codes, err = tlv.DecodeU16List(v)
		m.SupportedAlgorithms = make([]tlv.DecisionAlgorithm, len(codes))
		for i, c := range codes {
			m.SupportedAlgorithms[i] = tlv.DecisionAlgorithm(c)
		}
	case tlv.OptDecisionAlgorithm:
		var u uint16
		u, err = tlv.DecodeU16(v)
		m.DecisionAlgorithm = tlv.DecisionAlgorithm(u)
	case tlv.OptHeartbeatInterval:
		var ms uint32
		ms, err = tlv.DecodeU32(v)
		m.HeartbeatInterval = time.Duration(ms) * time.Millisecond
	case tlv.OptRingID:
		m.RingID, err = tlv.DecodeRingID(v)
	case tlv.OptConfigVersion:
		m.ConfigVersion, err = tlv.DecodeU64(v)
	case tlv.OptNodeList:
		m.NodeList, err = tlv.DecodeNodeList(v)
	case tlv.OptNodeListType:
		var u uint8
		u, err = tlv.DecodeU8(v)
		m.NodeListType = tlv.NodeListType(u)
	case tlv.OptNodeListSeq:
		m.NodeListSeq, err = tlv.DecodeU32(v)
	case tlv.OptVote:
		var u uint8
		u, err = tlv.DecodeU8(v)
		m.Vote = tlv.Vote(u)
	case tlv.OptQuorate:
		m.Quorate, err = tlv.DecodeBool(v)
	case tlv.OptTieBreaker:
		m.TieBreaker, err = tlv.DecodeTieBreaker(v)
	case tlv.OptProtocolVersionRange:
		m.VersionRange, err = tlv.DecodeVersionRange(v)
	case tlv.OptExpectedVotes:
		m.ExpectedVotes, err = tlv.DecodeU32(v)
	case tlv.OptDecisionAlgorithmReplyBytes:
		m.ReplyPayload = append([]byte(nil), v...)
	}

	return err
}

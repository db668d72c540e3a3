package tlv

import (
	"encoding/binary"
	"fmt"
	"sort"
)

// OptType is the type code of a TLV option.
type OptType uint16

const (
	OptSeqNumber                   OptType = 0
	OptClusterName                 OptType = 1
	OptTLSSupported                OptType = 2
	OptTLSClientCertRequired       OptType = 3
	OptSupportedMessages           OptType = 4
	OptSupportedOptions            OptType = 5
	OptReplyErrorCode              OptType = 6
	OptServerMaxRequestSize        OptType = 7
	OptServerMaxReplySize          OptType = 8
	OptNodeID                      OptType = 9
	OptSupportedAlgorithms         OptType = 10
	OptDecisionAlgorithm           OptType = 11
	OptHeartbeatInterval           OptType = 12
	OptRingID                      OptType = 13
	OptConfigVersion               OptType = 14
	OptNodeList                    OptType = 15
	OptNodeListType                OptType = 16
	OptNodeListSeq                 OptType = 17
	OptVote                        OptType = 18
	OptQuorate                     OptType = 19
	OptTieBreaker                  OptType = 20
	OptProtocolVersionRange        OptType = 21
	OptExpectedVotes               OptType = 22
	OptDecisionAlgorithmReplyBytes OptType = 23
)

const (
	variableWidth = -1

	ringIDWidth       = 12
	tieBreakerWidth   = 5
	versionRangeWidth = 8
	nodeInfoWidth     = 9
)

type optSpec struct {
	name  string
	width int
}

// The published option table. Changing a code or a width breaks the
// protocol.
var optTable = map[OptType]optSpec{
	OptSeqNumber:                   {"seq-number", 4},
	OptClusterName:                 {"cluster-name", variableWidth},
	OptTLSSupported:                {"tls-supported", 1},
	OptTLSClientCertRequired:       {"tls-client-cert-required", 1},
	OptSupportedMessages:           {"supported-messages", variableWidth},
	OptSupportedOptions:            {"supported-options", variableWidth},
	OptReplyErrorCode:              {"reply-error-code", 2},
	OptServerMaxRequestSize:        {"server-maximum-request-size", 4},
	OptServerMaxReplySize:          {"server-maximum-reply-size", 4},
	OptNodeID:                      {"node-id", 4},
	OptSupportedAlgorithms:         {"supported-decision-algorithms", variableWidth},
	OptDecisionAlgorithm:           {"decision-algorithm", 2},
	OptHeartbeatInterval:           {"heartbeat-interval", 4},
	OptRingID:                      {"ring-id", ringIDWidth},
	OptConfigVersion:               {"config-version", 8},
	OptNodeList:                    {"node-list", variableWidth},
	OptNodeListType:                {"node-list-type", 1},
	OptNodeListSeq:                 {"node-list-seq", 4},
	OptVote:                        {"vote", 1},
	OptQuorate:                     {"quorate", 1},
	OptTieBreaker:                  {"tie-breaker", tieBreakerWidth},
	OptProtocolVersionRange:        {"protocol-version-range", versionRangeWidth},
	OptExpectedVotes:               {"expected-votes", 4},
	OptDecisionAlgorithmReplyBytes: {"decision-algorithm-reply-payload", variableWidth},
}

func (t OptType) String() string {
	if spec, found := optTable[t]; found {
		return spec.name
	}

	return fmt.Sprintf("OptType(%d)", uint16(t))
}

func (t OptType) Known() bool {
	_, found := optTable[t]
	return found
}

// SupportedOptions returns every option type, sorted by code.
func SupportedOptions() []uint16 {
	codes := make([]uint16, 0, len(optTable))
	for t := range optTable {
		codes = append(codes, uint16(t))
	}

	sort.Slice(codes, func(i, j int) bool { return codes[i] < codes[j] })

	return codes
}

func checkValue(t OptType, value []byte) error {
	spec, found := optTable[t]
	if !found {
		return nil
	}

	if spec.width != variableWidth {
		if len(value) != spec.width {
			return Errorf(ErrMalformed, "option %v has length %d, expected %d",
				t, len(value), spec.width)
		}

		return nil
	}

	switch t {
	case OptSupportedMessages, OptSupportedOptions, OptSupportedAlgorithms:
		if len(value)%2 != 0 {
			return Errorf(ErrMalformed, "option %v has odd length %d",
				t, len(value))
		}
	case OptNodeList:
		if len(value)%nodeInfoWidth != 0 {
			return Errorf(ErrMalformed, "option %v has length %d, not a "+
				"multiple of %d", t, len(value), nodeInfoWidth)
		}
	}

	return nil
}

// Value encoders.

func U8(v uint8) []byte {
	return []byte{v}
}

func U16(v uint16) []byte {
	buf := make([]byte, 2)
	binary.BigEndian.PutUint16(buf, v)
	return buf
}

func U32(v uint32) []byte {
	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, v)
	return buf
}

func U64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func Bool(v bool) []byte {
	if v {
		return []byte{1}
	}

	return []byte{0}
}

func U16List(vs []uint16) []byte {
	buf := make([]byte, 2*len(vs))
	for i, v := range vs {
		binary.BigEndian.PutUint16(buf[2*i:], v)
	}

	return buf
}

func EncodeRingID(r RingID) []byte {
	buf := make([]byte, ringIDWidth)
	binary.BigEndian.PutUint32(buf, r.NodeID)
	binary.BigEndian.PutUint64(buf[4:], r.Seq)
	return buf
}

func EncodeTieBreaker(tb TieBreaker) []byte {
	buf := make([]byte, tieBreakerWidth)
	buf[0] = uint8(tb.Mode)
	binary.BigEndian.PutUint32(buf[1:], tb.NodeID)
	return buf
}

func EncodeVersionRange(r VersionRange) []byte {
	buf := make([]byte, versionRangeWidth)
	binary.BigEndian.PutUint16(buf[0:], r.Min.Major)
	binary.BigEndian.PutUint16(buf[2:], r.Min.Minor)
	binary.BigEndian.PutUint16(buf[4:], r.Max.Major)
	binary.BigEndian.PutUint16(buf[6:], r.Max.Minor)
	return buf
}

func EncodeNodeList(l NodeList) []byte {
	buf := make([]byte, nodeInfoWidth*len(l))
	for i, n := range l {
		off := i * nodeInfoWidth
		binary.BigEndian.PutUint32(buf[off:], n.NodeID)
		binary.BigEndian.PutUint32(buf[off+4:], n.DataCenterID)
		buf[off+8] = uint8(n.State)
	}

	return buf
}

// Value decoders. Widths are checked when the frame is decoded, the
// checks here only protect direct callers.

func DecodeU8(v []byte) (uint8, error) {
	if len(v) != 1 {
		return 0, Errorf(ErrMalformed, "invalid u8 length %d", len(v))
	}

	return v[0], nil
}

func DecodeU16(v []byte) (uint16, error) {
	if len(v) != 2 {
		return 0, Errorf(ErrMalformed, "invalid u16 length %d", len(v))
	}

	return binary.BigEndian.Uint16(v), nil
}

func DecodeU32(v []byte) (uint32, error) {
	if len(v) != 4 {
		return 0, Errorf(ErrMalformed, "invalid u32 length %d", len(v))
	}

	return binary.BigEndian.Uint32(v), nil
}

func DecodeU64(v []byte) (uint64, error) {
	if len(v) != 8 {
		return 0, Errorf(ErrMalformed, "invalid u64 length %d", len(v))
	}

	return binary.BigEndian.Uint64(v), nil
}

func DecodeBool(v []byte) (bool, error) {
	b, err := DecodeU8(v)
	if err != nil {
		return false, err
	}

	switch b {
	case 0:
		return false, nil
	case 1:
		return true, nil
	default:
		return false, Errorf(ErrMalformed, "invalid boolean value %d", b)
	}
}

func DecodeU16List(v []byte) ([]uint16, error) {
	if len(v)%2 != 0 {
		return nil, Errorf(ErrMalformed, "invalid u16 list length %d", len(v))
	}

	vs := make([]uint16, len(v)/2)
	for i := range vs {
		vs[i] = binary.BigEndian.Uint16(v[2*i:])
	}

	return vs, nil
}

func DecodeRingID(v []byte) (RingID, error) {
	if len(v) != ringIDWidth {
		return RingID{}, Errorf(ErrMalformed, "invalid ring id length %d", len(v))
	}

	return RingID{
		NodeID: binary.BigEndian.Uint32(v),
		Seq:    binary.BigEndian.Uint64(v[4:]),
	}, nil
}

func DecodeTieBreaker(v []byte) (TieBreaker, error) {
	if len(v) != tieBreakerWidth {
		return TieBreaker{}, Errorf(ErrMalformed,
			"invalid tie breaker length %d", len(v))
	}

	tb := TieBreaker{
		Mode:   TieBreakerMode(v[0]),
		NodeID: binary.BigEndian.Uint32(v[1:]),
	}

	if !tb.Valid() {
		return TieBreaker{}, Errorf(ErrMalformed, "invalid tie breaker %v", tb)
	}

	return tb, nil
}

func DecodeVersionRange(v []byte) (VersionRange, error) {
	if len(v) != versionRangeWidth {
		return VersionRange{}, Errorf(ErrMalformed,
			"invalid version range length %d", len(v))
	}

	return VersionRange{
		Min: Version{
			Major: binary.BigEndian.Uint16(v[0:]),
			Minor: binary.BigEndian.Uint16(v[2:]),
		},
		Max: Version{
			Major: binary.BigEndian.Uint16(v[4:]),
			Minor: binary.BigEndian.Uint16(v[6:]),
		},
	}, nil
}

func DecodeNodeList(v []byte) (NodeList, error) {
	if len(v)%nodeInfoWidth != 0 {
		return nil, Errorf(ErrMalformed, "invalid node list length %d", len(v))
	}

	l := make(NodeList, len(v)/nodeInfoWidth)
	for i := range l {
		off := i * nodeInfoWidth
		l[i] = NodeInfo{
			NodeID:       binary.BigEndian.Uint32(v[off:]),
			DataCenterID: binary.BigEndian.Uint32(v[off+4:]),
			State:        NodeState(v[off+8]),
		}
	}

	return l, nil
}

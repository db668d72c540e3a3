package msg

import (
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"qnet/pkg/tlv"
)

func TestInitRoundTrip(t *testing.T) {
	m := NewInit(3, 7, "alpha", 8*time.Second).
		SetDecisionAlgorithm(tlv.AlgorithmFFSplit).
		SetTieBreaker(tlv.TieBreaker{Mode: tlv.TieBreakerNodeID, NodeID: 2})

	data, err := Encode(m)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, tlv.MsgInit, decoded.Type)
	assert.Equal(t, uint32(3), decoded.Seq)
	assert.Equal(t, uint32(7), decoded.NodeID)
	assert.Equal(t, "alpha", decoded.ClusterName)
	assert.Equal(t, 8*time.Second, decoded.HeartbeatInterval)
	assert.Equal(t, tlv.AlgorithmFFSplit, decoded.DecisionAlgorithm)
	assert.Equal(t, uint32(2), decoded.TieBreaker.NodeID)
	assert.Equal(t, tlv.SupportedOptions(), decoded.SupportedOptions)
}

func TestMembershipNodeList(t *testing.T) {
	ring := tlv.RingID{NodeID: 1, Seq: 40}

	m := NewNodeList(9, tlv.NodeListMembership, tlv.NodeListFromIDs(1, 2)).
		SetRingID(ring).
		SetNodeListSeq(4).
		SetExpectedVotes(3)

	data, err := Encode(m)
	require.NoError(t, err)

	decoded, err := Decode(data)
	require.NoError(t, err)

	assert.Equal(t, ring, decoded.RingID)
	assert.Equal(t, []uint32{1, 2}, decoded.NodeList.IDs())
	assert.Equal(t, uint32(4), decoded.NodeListSeq)
	assert.Equal(t, uint32(3), decoded.ExpectedVotes)
	assert.True(t, decoded.Has(tlv.OptExpectedVotes))
	assert.False(t, decoded.Has(tlv.OptQuorate))
}

func TestMembershipNodeListRequiresRing(t *testing.T) {
	m := NewNodeList(9, tlv.NodeListMembership, tlv.NodeListFromIDs(1))

	_, err := Encode(m)
	assert.Equal(t, tlv.ErrMalformed, tlv.CodeOf(err))
}

func TestMissingMandatoryOption(t *testing.T) {
	data, err := tlv.NewBuilder(tlv.MsgInit).
		Add(tlv.OptSeqNumber, tlv.U32(1)).
		Add(tlv.OptNodeID, tlv.U32(1)).
		Bytes()
	require.NoError(t, err)

	_, err = Decode(data)
	assert.Equal(t, tlv.ErrMalformed, tlv.CodeOf(err))

	seq, found := SeqOf(data)
	assert.True(t, found)
	assert.Equal(t, uint32(1), seq)
}

func TestDisallowedOptionsDropped(t *testing.T) {
	data, err := tlv.NewBuilder(tlv.MsgEchoRequest).
		Add(tlv.OptSeqNumber, tlv.U32(5)).
		Add(tlv.OptClusterName, []byte("alpha")).
		Bytes()
	require.NoError(t, err)

	m, err := Decode(data)
	require.NoError(t, err)
	assert.False(t, m.Has(tlv.OptClusterName))
}

func TestInvalidVoteRejected(t *testing.T) {
	data, err := tlv.NewBuilder(tlv.MsgVoteInfo).
		Add(tlv.OptSeqNumber, tlv.U32(5)).
		Add(tlv.OptVote, tlv.U8(42)).
		Bytes()
	require.NoError(t, err)

	_, err = Decode(data)
	assert.Equal(t, tlv.ErrMalformed, tlv.CodeOf(err))
}

func TestReplyType(t *testing.T) {
	rt, ok := ReplyType(tlv.MsgHeartbeatRequest)
	require.True(t, ok)
	assert.Equal(t, tlv.MsgHeartbeatReply, rt)

	_, ok = ReplyType(tlv.MsgStartingVoting)
	assert.False(t, ok)
}

func TestReplyPayload(t *testing.T) {
	p := ReplyPayload{
		Algorithm:     "ffsplit",
		Reason:        "largest partition",
		WinnerNodeID:  1,
		WinnerRingSeq: 12,
	}

	data, err := EncodeReplyPayload(p)
	require.NoError(t, err)

	m := NewAskForVoteReply(1, tlv.VoteACK).SetReplyPayload(data)
	frame, err := Encode(m)
	require.NoError(t, err)

	decoded, err := Decode(frame)
	require.NoError(t, err)

	p2, err := DecodeReplyPayload(decoded.ReplyPayload)
	require.NoError(t, err)
	assert.Equal(t, p, p2)

	r, ok := p2.Winner()
	assert.True(t, ok)
	assert.Equal(t, tlv.RingID{NodeID: 1, Seq: 12}, r)
}

func TestEveryKindRoundTrips(t *testing.T) {
	ring := tlv.RingID{NodeID: 2, Seq: 77}

	tests := []struct {
		name string
		msg  *Message
	}{
		{"preinit", NewPreinit(1, tlv.CurrentVersionRange)},
		{"preinit reply", NewPreinitReply(1, tlv.CurrentVersionRange, tlv.TLSRequired, true).
			SetServerLimits(1<<15, 1<<16)},
		{"init", NewInit(2, 3, "alpha", 1500*time.Millisecond).
			SetDecisionAlgorithm(tlv.AlgorithmLMS).
			SetTieBreaker(tlv.TieBreaker{Mode: tlv.TieBreakerHighest})},
		{"init reply", NewInitReply(2, tlv.ErrNone).
			SetDecisionAlgorithm(tlv.AlgorithmLMS).
			SetHeartbeatInterval(8 * time.Second).
			SetServerLimits(1<<15, 1<<16).
			SetSupported(tlv.SupportedMessages(), tlv.SupportedOptions(),
				[]tlv.DecisionAlgorithm{tlv.AlgorithmFFSplit, tlv.AlgorithmLMS})},
		{"server error", NewServerError(4, tlv.ErrSequenceMismatch)},
		{"set option", NewSetOption(5, 3*time.Second)},
		{"set option reply", NewSetOptionReply(5, 3*time.Second)},
		{"echo request", NewEchoRequest(6)},
		{"echo reply", NewEchoReply(6)},
		{"config node list", NewNodeList(7, tlv.NodeListChangedConfig, tlv.NodeListFromIDs(1, 2, 3)).
			SetConfigVersion(12).
			SetNodeListSeq(3)},
		{"quorum node list", NewNodeList(8, tlv.NodeListQuorum, tlv.NodeListFromIDs(1, 2)).
			SetRingID(ring).
			SetQuorate(true)},
		{"node list reply", NewNodeListReply(8, tlv.NodeListMembership, tlv.VoteACK).
			SetRingID(ring).
			SetNodeListSeq(3)},
		{"ask for vote", NewAskForVote(9).SetExpectedVotes(3)},
		{"ask for vote reply", NewAskForVoteReply(9, tlv.VoteAskLater).
			SetRingID(ring).
			SetReplyPayload([]byte{0x81, 0xa1, 0x61, 0x01})},
		{"vote info", NewVoteInfo(10, tlv.VoteNACK).SetRingID(ring)},
		{"vote info reply", NewVoteInfoReply(10)},
		{"heartbeat request", NewHeartbeatRequest(11)},
		{"heartbeat reply", NewHeartbeatReply(11)},
		{"starting voting", NewStartingVoting(12).SetRingID(ring)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data, err := Encode(tt.msg)
			require.NoError(t, err)

			decoded, err := Decode(data)
			require.NoError(t, err)

			assert.Equal(t, tt.msg, decoded)
		})
	}
}

func TestDecodeRandomBytes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	valid, err := Encode(NewNodeList(1, tlv.NodeListMembership, tlv.NodeListFromIDs(1, 2)).
		SetRingID(tlv.RingID{NodeID: 1, Seq: 2}))
	require.NoError(t, err)

	for i := 0; i < 5000; i++ {
		var data []byte

		switch i % 3 {
		case 0:
			data = make([]byte, rng.Intn(64))
			rng.Read(data)
		case 1:
			// Valid header, garbage body.
			data = append([]byte(nil), valid...)
			rng.Read(data[6:])
		default:
			// Valid frame with a few flipped bytes.
			data = append([]byte(nil), valid...)
			for j := 0; j < 3; j++ {
				data[rng.Intn(len(data))] ^= byte(rng.Intn(255) + 1)
			}
		}

		assert.NotPanics(t, func() {
			Decode(data)
			SeqOf(data)
		})
	}
}

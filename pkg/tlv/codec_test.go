package tlv

import (
	"bytes"
	"encoding/binary"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecode(t *testing.T) {
	ring := RingID{NodeID: 2, Seq: 11}
	list := NodeList{
		{NodeID: 1, DataCenterID: 0, State: NodeStateMember},
		{NodeID: 2, DataCenterID: 7, State: NodeStateDead},
	}

	data, err := NewBuilder(MsgNodeList).
		Add(OptSeqNumber, U32(42)).
		Add(OptNodeListType, U8(uint8(NodeListMembership))).
		Add(OptRingID, EncodeRingID(ring)).
		Add(OptNodeList, EncodeNodeList(list)).
		Add(OptClusterName, []byte("alpha")).
		Bytes()
	require.NoError(t, err)

	assert.Equal(t, uint32(len(data)-LengthSize), binary.BigEndian.Uint32(data))

	frame, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, MsgNodeList, frame.Type)
	require.Len(t, frame.Options, 5)

	v, found := frame.Get(OptSeqNumber)
	require.True(t, found)
	seq, err := DecodeU32(v)
	require.NoError(t, err)
	assert.Equal(t, uint32(42), seq)

	v, _ = frame.Get(OptRingID)
	decodedRing, err := DecodeRingID(v)
	require.NoError(t, err)
	assert.Equal(t, ring, decodedRing)

	v, _ = frame.Get(OptNodeList)
	decodedList, err := DecodeNodeList(v)
	require.NoError(t, err)
	assert.Equal(t, list, decodedList)

	v, _ = frame.Get(OptClusterName)
	assert.Equal(t, "alpha", string(v))
}

func TestBuilderRejectsDuplicates(t *testing.T) {
	_, err := NewBuilder(MsgEchoRequest).
		Add(OptSeqNumber, U32(1)).
		Add(OptSeqNumber, U32(2)).
		Bytes()
	assert.Error(t, err)
}

func TestBuilderRejectsBadWidth(t *testing.T) {
	_, err := NewBuilder(MsgEchoRequest).
		Add(OptSeqNumber, U16(1)).
		Bytes()
	assert.Equal(t, ErrMalformed, CodeOf(err))
}

func rawFrame(msgType uint16, opts ...[]byte) []byte {
	var body bytes.Buffer
	binary.Write(&body, binary.BigEndian, msgType)
	for _, opt := range opts {
		body.Write(opt)
	}

	data := make([]byte, LengthSize, LengthSize+body.Len())
	binary.BigEndian.PutUint32(data, uint32(body.Len()))
	return append(data, body.Bytes()...)
}

func rawOption(t uint16, length uint32, value []byte) []byte {
	buf := make([]byte, OptHeaderSize, OptHeaderSize+len(value))
	binary.BigEndian.PutUint16(buf, t)
	binary.BigEndian.PutUint32(buf[2:], length)
	return append(buf, value...)
}

func TestDecodeErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		code ErrorCode
	}{
		{
			name: "unknown message type",
			data: rawFrame(999),
			code: ErrUnsupportedMessage,
		},
		{
			name: "option overflowing frame",
			data: rawFrame(uint16(MsgEchoRequest),
				rawOption(uint16(OptSeqNumber), 400, []byte{0, 0, 0, 1})),
			code: ErrMalformed,
		},
		{
			name: "duplicate option",
			data: rawFrame(uint16(MsgEchoRequest),
				rawOption(uint16(OptSeqNumber), 4, []byte{0, 0, 0, 1}),
				rawOption(uint16(OptSeqNumber), 4, []byte{0, 0, 0, 2})),
			code: ErrMalformed,
		},
		{
			name: "fixed width mismatch",
			data: rawFrame(uint16(MsgEchoRequest),
				rawOption(uint16(OptSeqNumber), 2, []byte{0, 1})),
			code: ErrMalformed,
		},
		{
			name: "truncated option header",
			data: rawFrame(uint16(MsgEchoRequest), []byte{0, 0, 0}),
			code: ErrMalformed,
		},
		{
			name: "truncated frame",
			data: []byte{0, 0},
			code: ErrMalformed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode(tt.data)
			require.Error(t, err)
			assert.Equal(t, tt.code, CodeOf(err))
		})
	}
}

func TestDecodeIgnoresUnknownOptions(t *testing.T) {
	data := rawFrame(uint16(MsgEchoRequest),
		rawOption(4000, 3, []byte{1, 2, 3}),
		rawOption(uint16(OptSeqNumber), 4, []byte{0, 0, 0, 9}))

	frame, err := Decode(data)
	require.NoError(t, err)
	require.Len(t, frame.Options, 1)
	assert.Equal(t, OptSeqNumber, frame.Options[0].Type)
}

func TestDecodeRandomBytes(t *testing.T) {
	rng := rand.New(rand.NewSource(1))

	for i := 0; i < 5000; i++ {
		data := make([]byte, rng.Intn(96))
		rng.Read(data)

		// Make a good share of the inputs pass the length and type checks.
		if len(data) >= LengthSize+TypeSize && i%2 == 0 {
			binary.BigEndian.PutUint32(data, uint32(len(data)-LengthSize))
			binary.BigEndian.PutUint16(data[LengthSize:], uint16(MsgNodeList))
		}

		assert.NotPanics(t, func() {
			frame, err := Decode(data)
			if err == nil {
				assert.NotNil(t, frame)
			} else {
				assert.NotEqual(t, ErrInternal, CodeOf(err))
			}
		})
	}
}

func TestReadFrame(t *testing.T) {
	data, err := NewBuilder(MsgEchoRequest).Add(OptSeqNumber, U32(1)).Bytes()
	require.NoError(t, err)

	read, err := ReadFrame(bytes.NewReader(data), DefaultMaxFrameSize)
	require.NoError(t, err)
	assert.Equal(t, data, read)
}

func TestReadFrameTooLong(t *testing.T) {
	data, err := NewBuilder(MsgInit).
		Add(OptClusterName, bytes.Repeat([]byte("x"), 200)).
		Bytes()
	require.NoError(t, err)

	_, err = ReadFrame(bytes.NewReader(data), 128)
	assert.Equal(t, ErrMessageTooLong, CodeOf(err))
}

func TestRingIDOrder(t *testing.T) {
	assert.True(t, RingID{NodeID: 9, Seq: 10}.Less(RingID{NodeID: 1, Seq: 11}))
	assert.True(t, RingID{NodeID: 1, Seq: 11}.Less(RingID{NodeID: 2, Seq: 11}))
	assert.False(t, RingID{NodeID: 2, Seq: 11}.Less(RingID{NodeID: 2, Seq: 11}))
}

func TestVersionRangeIntersect(t *testing.T) {
	r, ok := CurrentVersionRange.Intersect(VersionRange{
		Min: Version{0, 0},
		Max: Version{1, 0},
	})
	require.True(t, ok)
	assert.Equal(t, CurrentVersionRange, r)

	_, ok = CurrentVersionRange.Intersect(VersionRange{
		Min: Version{1, 0},
		Max: Version{2, 0},
	})
	assert.False(t, ok)
}

func TestParseTieBreaker(t *testing.T) {
	tb, err := ParseTieBreaker("highest")
	require.NoError(t, err)
	assert.Equal(t, TieBreakerHighest, tb.Mode)

	tb, err = ParseTieBreaker("3")
	require.NoError(t, err)
	assert.Equal(t, TieBreaker{Mode: TieBreakerNodeID, NodeID: 3}, tb)

	_, err = ParseTieBreaker("0")
	assert.Error(t, err)
}

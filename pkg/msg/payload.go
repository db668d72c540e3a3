package msg

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/codec"

	"qnet/pkg/tlv"
)

// ReplyPayload is the algorithm specific detail attached to a vote. It is
// informational: clients log it and never base a decision on it.
type ReplyPayload struct {
	Algorithm string `codec:"algorithm"`
	Reason    string `codec:"reason"`

	WinnerNodeID  uint32 `codec:"winner_node_id,omitempty"`
	WinnerRingSeq uint64 `codec:"winner_ring_seq,omitempty"`
}

func (p ReplyPayload) Winner() (tlv.RingID, bool) {
	r := tlv.RingID{NodeID: p.WinnerNodeID, Seq: p.WinnerRingSeq}
	return r, !r.IsZero()
}

func (p ReplyPayload) String() string {
	if r, ok := p.Winner(); ok {
		return fmt.Sprintf("%s: %s (winner %v)", p.Algorithm, p.Reason, r)
	}

	return fmt.Sprintf("%s: %s", p.Algorithm, p.Reason)
}

var msgpackHandle = &codec.MsgpackHandle{}

func EncodeReplyPayload(p ReplyPayload) ([]byte, error) {
	var buf []byte

	if err := codec.NewEncoderBytes(&buf, msgpackHandle).Encode(p); err != nil {
		return nil, fmt.Errorf("cannot encode reply payload: %w", err)
	}

	return buf, nil
}

func DecodeReplyPayload(data []byte) (ReplyPayload, error) {
	var p ReplyPayload

	if err := codec.NewDecoderBytes(data, msgpackHandle).Decode(&p); err != nil {
		return ReplyPayload{}, fmt.Errorf("cannot decode reply payload: %w", err)
	}

	return p, nil
}

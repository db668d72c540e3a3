package tlv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// Length prefix, excluded from the length it carries.
	LengthSize = 4
	// Message type, right after the length prefix.
	TypeSize = 2
	// Option header: type then length.
	OptHeaderSize = 6

	DefaultMaxFrameSize = 64 * 1024
)

// Option is a single decoded or pending TLV option.
type Option struct {
	Type  OptType
	Value []byte
}

// Frame is a decoded message: its type and its options in wire order.
type Frame struct {
	Type    MsgType
	Options []Option
}

// Get returns the value of option t.
func (f *Frame) Get(t OptType) ([]byte, bool) {
	for _, opt := range f.Options {
		if opt.Type == t {
			return opt.Value, true
		}
	}

	return nil, false
}

func (f *Frame) Has(t OptType) bool {
	_, found := f.Get(t)
	return found
}

// Builder assembles a frame option by option. The first error is kept and
// returned by Bytes.
type Builder struct {
	msgType MsgType
	buf     []byte
	seen    map[OptType]bool
	err     error
}

func NewBuilder(t MsgType) *Builder {
	buf := make([]byte, LengthSize+TypeSize, 64)
	binary.BigEndian.PutUint16(buf[LengthSize:], uint16(t))

	return &Builder{
		msgType: t,
		buf:     buf,
		seen:    make(map[OptType]bool),
	}
}

func (b *Builder) Add(t OptType, value []byte) *Builder {
	if b.err != nil {
		return b
	}

	if b.seen[t] {
		b.err = fmt.Errorf("duplicate option %v in %v", t, b.msgType)
		return b
	}

	if err := checkValue(t, value); err != nil {
		b.err = err
		return b
	}

	b.seen[t] = true

	var hdr [OptHeaderSize]byte
	binary.BigEndian.PutUint16(hdr[0:], uint16(t))
	binary.BigEndian.PutUint32(hdr[2:], uint32(len(value)))

	b.buf = append(b.buf, hdr[:]...)
	b.buf = append(b.buf, value...)

	return b
}

// Bytes returns the complete frame including its length prefix.
func (b *Builder) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}

	binary.BigEndian.PutUint32(b.buf, uint32(len(b.buf)-LengthSize))

	return b.buf, nil
}

// Encode builds a frame from a type and a list of options.
func Encode(t MsgType, opts ...Option) ([]byte, error) {
	b := NewBuilder(t)
	for _, opt := range opts {
		b.Add(opt.Type, opt.Value)
	}

	return b.Bytes()
}

// Decode parses a complete frame, length prefix included. Unknown options
// are dropped; option values alias data.
func Decode(data []byte) (*Frame, error) {
	if len(data) < LengthSize+TypeSize {
		return nil, Errorf(ErrMalformed, "truncated frame header (%d bytes)",
			len(data))
	}

	length := binary.BigEndian.Uint32(data)
	if uint64(length) != uint64(len(data)-LengthSize) {
		return nil, Errorf(ErrMalformed, "frame length %d does not match "+
			"%d available bytes", length, len(data)-LengthSize)
	}

	msgType := MsgType(binary.BigEndian.Uint16(data[LengthSize:]))
	if !msgType.Known() {
		return nil, Errorf(ErrUnsupportedMessage, "unknown message type %d",
			uint16(msgType))
	}

	frame := Frame{Type: msgType}
	seen := make(map[OptType]bool)

	rest := data[LengthSize+TypeSize:]
	for len(rest) > 0 {
		if len(rest) < OptHeaderSize {
			return nil, Errorf(ErrMalformed, "truncated option header")
		}

		optType := OptType(binary.BigEndian.Uint16(rest))
		optLen := binary.BigEndian.Uint32(rest[2:])
		rest = rest[OptHeaderSize:]

		if uint64(optLen) > uint64(len(rest)) {
			return nil, Errorf(ErrMalformed, "option %v length %d overflows "+
				"frame (%d bytes left)", optType, optLen, len(rest))
		}

		value := rest[:optLen]
		rest = rest[optLen:]

		if seen[optType] {
			return nil, Errorf(ErrMalformed, "duplicate option %v", optType)
		}
		seen[optType] = true

		if !optType.Known() {
			continue
		}

		if err := checkValue(optType, value); err != nil {
			return nil, err
		}

		frame.Options = append(frame.Options, Option{Type: optType, Value: value})
	}

	return &frame, nil
}

// ReadFrame reads one complete frame from r. Frames larger than maxSize
// bytes, length prefix included, are rejected with ErrMessageTooLong
// without reading their body.
func ReadFrame(r io.Reader, maxSize uint32) ([]byte, error) {
	var hdr [LengthSize]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}

	length := binary.BigEndian.Uint32(hdr[:])
	if uint64(length)+LengthSize > uint64(maxSize) {
		return nil, Errorf(ErrMessageTooLong, "frame of %d bytes exceeds "+
			"maximum size %d", uint64(length)+LengthSize, maxSize)
	}

	if length < TypeSize {
		return nil, Errorf(ErrMalformed, "frame length %d too short", length)
	}

	data := make([]byte, LengthSize+int(length))
	copy(data, hdr[:])

	if _, err := io.ReadFull(r, data[LengthSize:]); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}

		return nil, err
	}

	return data, nil
}

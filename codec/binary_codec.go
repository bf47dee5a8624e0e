package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"msglink/message"
)

// BinaryCodec encodes a *message.Stream as
//
//	[2 tagLen][tag][4 bytesLen][bytes]
//
// with big-endian lengths.
type BinaryCodec struct{}

var errNotStream = errors.New("BinaryCodec: v must be *message.Stream")

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	stream, ok := v.(*message.Stream)
	if !ok {
		return nil, errNotStream
	}
	if len(stream.Tag) > math.MaxUint16 {
		return nil, fmt.Errorf("BinaryCodec: tag too long (%d bytes)", len(stream.Tag))
	}
	if uint64(len(stream.Bytes)) > math.MaxUint32 {
		return nil, fmt.Errorf("BinaryCodec: payload too long (%d bytes)", len(stream.Bytes))
	}

	total := 2 + len(stream.Tag) + 4 + len(stream.Bytes)
	buf := make([]byte, total)

	offset := 0
	// Tag length -- 2 bytes
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(stream.Tag)))
	offset += 2

	// Tag -- n bytes
	copy(buf[offset:offset+len(stream.Tag)], stream.Tag)
	offset += len(stream.Tag)

	// Bytes length -- 4 bytes
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(stream.Bytes)))
	offset += 4

	// Bytes -- n bytes
	copy(buf[offset:], stream.Bytes)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	stream, ok := v.(*message.Stream)
	if !ok {
		return errNotStream
	}

	offset := 0

	// Read Tag
	if len(data) < offset+2 {
		return errors.New("BinaryCodec: truncated tag length")
	}
	tagLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if len(data) < offset+tagLen {
		return errors.New("BinaryCodec: truncated tag")
	}
	stream.Tag = string(data[offset : offset+tagLen])
	offset += tagLen

	// Read Bytes
	if len(data) < offset+4 {
		return errors.New("BinaryCodec: truncated payload length")
	}
	bytesLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if len(data)-offset != bytesLen {
		return fmt.Errorf("BinaryCodec: payload length %d, frame holds %d", bytesLen, len(data)-offset)
	}
	stream.Bytes = make([]byte, bytesLen)
	copy(stream.Bytes, data[offset:])

	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

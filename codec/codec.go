// Package codec serializes envelope payloads.
//
// Structured envelopes (event, request, response) go through JSONCodec or
// CBORCodec. Stream payloads go through BinaryCodec so the raw bytes travel
// without base64 or field names.
package codec

type CodecType byte

const (
	CodecTypeJSON   CodecType = 0
	CodecTypeBinary CodecType = 1
	CodecTypeCBOR   CodecType = 2
)

func (t CodecType) String() string {
	switch t {
	case CodecTypeJSON:
		return "json"
	case CodecTypeBinary:
		return "binary"
	case CodecTypeCBOR:
		return "cbor"
	default:
		return "unknown"
	}
}

type Codec interface {
	Encode(v any) ([]byte, error)
	Decode(data []byte, v any) error
	Type() CodecType // 0=JSON, 1=Binary, 2=CBOR
}

// GetCodec returns the codec for codecType, or nil if the type is unknown.
func GetCodec(codecType CodecType) Codec {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}
	case CodecTypeBinary:
		return &BinaryCodec{}
	case CodecTypeCBOR:
		return cborCodec
	}
	return nil
}

// ParseCodecType maps a config name ("json", "cbor") to a structured codec type.
func ParseCodecType(name string) (CodecType, bool) {
	switch name {
	case "", "json":
		return CodecTypeJSON, true
	case "cbor":
		return CodecTypeCBOR, true
	}
	return 0, false
}

package transport

import (
	"fmt"

	"msglink/codec"
	"msglink/message"
	"msglink/protocol"
)

var streamCodec = &codec.BinaryCodec{}

// encodeEnvelope serializes env with the structured codec, or with the binary
// codec when env is a stream.
func encodeEnvelope(structured codec.Codec, env *message.Envelope) (codec.CodecType, []byte, error) {
	if err := env.Validate(); err != nil {
		return 0, nil, err
	}
	if env.Kind == message.KindStream {
		body, err := streamCodec.Encode(env.Stream)
		return codec.CodecTypeBinary, body, err
	}
	body, err := structured.Encode(env)
	return structured.Type(), body, err
}

func decodeEnvelope(ct codec.CodecType, body []byte) (*message.Envelope, error) {
	if ct == codec.CodecTypeBinary {
		stream := &message.Stream{}
		if err := streamCodec.Decode(body, stream); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return &message.Envelope{Kind: message.KindStream, Stream: stream}, nil
	}

	cdc := codec.GetCodec(ct)
	if cdc == nil {
		return nil, fmt.Errorf("%w: unknown codec %d", ErrMalformed, ct)
	}
	env := &message.Envelope{}
	if err := cdc.Decode(body, env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if env.Kind == message.KindStream {
		return nil, fmt.Errorf("%w: stream envelope in %s frame", ErrMalformed, ct)
	}
	return env, nil
}

func msgTypeOf(kind message.Kind) protocol.MsgType {
	return protocol.MsgType(kind)
}

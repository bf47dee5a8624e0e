package codec

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"msglink/message"
)

func TestStructuredCodecs(t *testing.T) {
	want := message.NewErrorResponse("req-7", message.UnknownCommand("reboot"))
	want.Response.Data = json.RawMessage(`{"partial":true}`)

	for _, ct := range []CodecType{CodecTypeJSON, CodecTypeCBOR} {
		t.Run(ct.String(), func(t *testing.T) {
			cdc := GetCodec(ct)
			require.NotNil(t, cdc)
			assert.Equal(t, ct, cdc.Type())

			data, err := cdc.Encode(want)
			require.NoError(t, err)

			var decoded message.Envelope
			require.NoError(t, cdc.Decode(data, &decoded))
			require.NoError(t, decoded.Validate())

			assert.Equal(t, message.KindResponse, decoded.Kind)
			assert.Equal(t, "req-7", decoded.Response.ID)
			assert.JSONEq(t, `{"partial":true}`, string(decoded.Response.Data))
			require.NotNil(t, decoded.Response.Error)
			assert.Equal(t, int32(message.ErrorCodeNotFound), decoded.Response.Error.Code)
		})
	}
}

func TestBinaryCodec(t *testing.T) {
	binaryCodec := &BinaryCodec{}

	want := &message.Stream{Tag: "play", Bytes: []byte{0x00, 0xff, 0x10, 0x20}}

	data, err := binaryCodec.Encode(want)
	require.NoError(t, err)
	assert.Len(t, data, 2+4+4+4)

	var decoded message.Stream
	require.NoError(t, binaryCodec.Decode(data, &decoded))
	assert.Equal(t, want.Tag, decoded.Tag)
	assert.Equal(t, want.Bytes, decoded.Bytes)

	// decoded bytes must not alias the frame buffer
	data[len(data)-1] = 0x99
	assert.Equal(t, byte(0x20), decoded.Bytes[3])
}

func TestBinaryCodecRejectsBadInput(t *testing.T) {
	binaryCodec := &BinaryCodec{}

	_, err := binaryCodec.Encode(message.NewEvent(nil))
	assert.Error(t, err)

	data, err := binaryCodec.Encode(&message.Stream{Tag: "record", Bytes: []byte("pcm")})
	require.NoError(t, err)

	var s message.Stream
	assert.Error(t, binaryCodec.Decode(data[:5], &s))
	assert.Error(t, binaryCodec.Decode(append(data, 0x01), &s))
	assert.Error(t, binaryCodec.Decode(nil, &s))
}

func TestParseCodecType(t *testing.T) {
	ct, ok := ParseCodecType("cbor")
	assert.True(t, ok)
	assert.Equal(t, CodecTypeCBOR, ct)

	_, ok = ParseCodecType("binary")
	assert.False(t, ok)
	assert.Nil(t, GetCodec(CodecType(9)))
}

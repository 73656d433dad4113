package wire

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundtrip(t *testing.T) {
	frames := []Frame{
		{ChannelType: ChannelPrivate, MessageType: MessageText, FromID: "A", ToID: "B", Payload: []byte("hello")},
		{ChannelType: ChannelGroup, MessageType: MessageAudio, FromID: "A", ToID: "G1", Payload: []byte{0x01, 0x02, 0x03}},
		{ChannelType: ChannelPrivate, MessageType: MessageHeartbeat, FromID: "A", ToID: "0", Payload: nil},
		{ChannelType: ChannelGroup, MessageType: MessageText, FromID: "A", ToID: BroadcastID, Payload: []byte{}},
	}

	for _, f := range frames {
		data, err := Encode(f)
		require.NoError(t, err)

		got, err := Decode(data)
		require.NoError(t, err)

		assert.Equal(t, f.ChannelType, got.ChannelType)
		assert.Equal(t, f.MessageType, got.MessageType)
		assert.Equal(t, f.FromID, got.FromID)
		assert.Equal(t, f.ToID, got.ToID)
		if len(f.Payload) == 0 {
			assert.Empty(t, got.Payload)
		} else {
			assert.Equal(t, f.Payload, got.Payload)
		}
	}
}

func TestDecodeMalformed(t *testing.T) {
	_, err := Decode([]byte{0xff, 0xff, 0xff})
	require.Error(t, err)
}

func TestDecodeUnsupportedChannelType(t *testing.T) {
	data, err := Encode(Frame{ChannelType: ChannelPrivate, MessageType: MessageText, FromID: "A", ToID: "B"})
	require.NoError(t, err)

	// Tamper with the encoded channel type by re-encoding a frame whose
	// channel type is out of range, bypassing the Frame type's own enum.
	raw, err := EncodePayload([5]interface{}{uint8(9), uint8(MessageText), "A", "B", []byte("x")})
	require.NoError(t, err)
	_, err = Decode(raw)
	require.Error(t, err)

	_, err = Decode(data)
	require.NoError(t, err)
}

func TestPayloadCodec(t *testing.T) {
	type heartbeatPayload struct {
		DeviceID string `codec:"deviceId"`
	}

	in := heartbeatPayload{DeviceID: "D1"}
	data, err := EncodePayload(in)
	require.NoError(t, err)

	var out heartbeatPayload
	require.NoError(t, DecodePayload(data, &out))
	assert.Equal(t, in, out)
}

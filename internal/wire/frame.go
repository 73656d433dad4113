// Package wire implements the symmetric binary codec for the five-field
// frame that carries every message between a socket and the router.
// Encoding is MessagePack via ugorji/go/codec.
package wire

import (
	"bytes"
	"fmt"

	"github.com/ugorji/go/codec"

	apperr "pttrouter/pkg/errors"
)

// ChannelType distinguishes unicast from group-addressed frames.
type ChannelType uint8

const (
	ChannelPrivate ChannelType = 0
	ChannelGroup   ChannelType = 1
)

// MessageType enumerates the frame purposes exchanged over a socket.
type MessageType uint8

const (
	MessageText             MessageType = 1
	MessageAudio            MessageType = 3
	MessageAck              MessageType = 4
	MessageRegister         MessageType = 6
	MessageConnection       MessageType = 20
	MessageLoginDuplicated  MessageType = 21
	MessageConnectionAck    MessageType = 22
	MessageHeartbeat        MessageType = 30
	MessagePresenceUpdate   MessageType = 31
	MessagePresenceSnapshot MessageType = 32
)

// BroadcastID is the well-known destination for a group's broadcast target.
const BroadcastID = "broadcast"

// Frame is the ordered five-field tuple: channelType, messageType,
// fromId, toId, payload. Payload is raw bytes: opaque audio, or a
// structured value (heartbeat metadata, presence updates) encoded with
// EncodePayload — the codec never interprets it.
type Frame struct {
	ChannelType ChannelType
	MessageType MessageType
	FromID      string
	ToID        string
	Payload     []byte
}

var mh codec.MsgpackHandle

func init() {
	mh.WriteExt = true
	mh.RawToString = true
}

// wireFrame is the positional array actually placed on the wire; using an
// unnamed array (rather than relying on struct field tags) keeps the
// encoding purely positional.
type wireFrame [5]interface{}

// Encode serializes f into its binary wire representation. Encoding is
// total: every well-formed Frame round-trips through Decode(Encode(f)).
func Encode(f Frame) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &mh)
	w := wireFrame{
		uint8(f.ChannelType),
		uint8(f.MessageType),
		f.FromID,
		f.ToID,
		f.Payload,
	}
	if err := enc.Encode(w); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrMalformedFrame, err)
	}
	return buf.Bytes(), nil
}

// Decode parses a binary frame previously produced by Encode. It returns
// apperr.ErrMalformedFrame for any structural problem (wrong arity, wrong
// field types) and apperr.ErrUnsupportedType if the decoded channel type
// is neither PRIVATE nor GROUP. The message type is passed through
// without being checked against the known values.
func Decode(data []byte) (Frame, error) {
	var w wireFrame
	dec := codec.NewDecoderBytes(data, &mh)
	if err := dec.Decode(&w); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", apperr.ErrMalformedFrame, err)
	}

	channelType, err := asUint8(w[0])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: channelType: %v", apperr.ErrMalformedFrame, err)
	}
	messageType, err := asUint8(w[1])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: messageType: %v", apperr.ErrMalformedFrame, err)
	}
	fromID, err := asString(w[2])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: fromId: %v", apperr.ErrMalformedFrame, err)
	}
	toID, err := asString(w[3])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: toId: %v", apperr.ErrMalformedFrame, err)
	}
	payload, err := asBytes(w[4])
	if err != nil {
		return Frame{}, fmt.Errorf("%w: payload: %v", apperr.ErrMalformedFrame, err)
	}

	if ChannelType(channelType) != ChannelPrivate && ChannelType(channelType) != ChannelGroup {
		return Frame{}, fmt.Errorf("%w: channelType %d", apperr.ErrUnsupportedType, channelType)
	}

	return Frame{
		ChannelType: ChannelType(channelType),
		MessageType: MessageType(messageType),
		FromID:      fromID,
		ToID:        toID,
		Payload:     payload,
	}, nil
}

// EncodePayload MessagePack-encodes a structured payload value (used for
// HEARTBEAT / PRESENCE_UPDATE / PRESENCE_SNAPSHOT bodies) into Frame.Payload.
func EncodePayload(v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	enc := codec.NewEncoder(&buf, &mh)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("%w: %v", apperr.ErrMalformedFrame, err)
	}
	return buf.Bytes(), nil
}

// DecodePayload decodes a structured payload previously produced by
// EncodePayload into v (a pointer).
func DecodePayload(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, &mh)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: %v", apperr.ErrMalformedFrame, err)
	}
	return nil
}

func asUint8(v interface{}) (uint8, error) {
	switch n := v.(type) {
	case uint8:
		return n, nil
	case uint64:
		return uint8(n), nil
	case int64:
		return uint8(n), nil
	case int:
		return uint8(n), nil
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

func asString(v interface{}) (string, error) {
	switch s := v.(type) {
	case string:
		return s, nil
	case []byte:
		return string(s), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("unexpected type %T", v)
	}
}

func asBytes(v interface{}) ([]byte, error) {
	switch b := v.(type) {
	case []byte:
		return b, nil
	case string:
		return []byte(b), nil
	case nil:
		return nil, nil
	default:
		return nil, fmt.Errorf("unexpected type %T", v)
	}
}

package heartbeat

import (
	"errors"
	"fmt"
)

// Wire layout: tag | version | type | group | payload length | payload.
const (
	ProtocolTag     byte = 0xFC
	ProtocolVersion byte = 0x05

	headerLen  = 5
	maxPayload = 255
)

type MessageType byte

const (
	// MsgDiscover is the hub's "who's listening" broadcast.
	MsgDiscover MessageType = 0x01
	// MsgRegister is a subscriber's reply.
	MsgRegister MessageType = 0x02
	// MsgColors carries RGB triples to a broadcast-style device.
	MsgColors MessageType = 0x03
	// MsgRelease hands a broadcast-style device back to its own mode.
	MsgRelease MessageType = 0x04
)

var ErrMalformed = errors.New("malformed heartbeat message")

type Message struct {
	Type    MessageType
	Group   uint8
	Payload []byte
}

// Encode truncates payloads longer than 255 bytes.
func (m Message) Encode() []byte {
	payload := m.Payload
	if len(payload) > maxPayload {
		payload = payload[:maxPayload]
	}

	buf := make([]byte, 0, headerLen+len(payload))
	buf = append(buf, ProtocolTag, ProtocolVersion, byte(m.Type), m.Group, byte(len(payload)))
	return append(buf, payload...)
}

func Decode(b []byte) (Message, error) {
	if len(b) < headerLen {
		return Message{}, fmt.Errorf("%w: %d bytes", ErrMalformed, len(b))
	}
	if b[0] != ProtocolTag {
		return Message{}, fmt.Errorf("%w: tag 0x%02x", ErrMalformed, b[0])
	}
	if b[1] != ProtocolVersion {
		return Message{}, fmt.Errorf("%w: version %d", ErrMalformed, b[1])
	}

	n := int(b[4])
	if len(b) < headerLen+n {
		return Message{}, fmt.Errorf("%w: payload truncated", ErrMalformed)
	}

	return Message{
		Type:    MessageType(b[2]),
		Group:   b[3],
		Payload: append([]byte(nil), b[headerLen:headerLen+n]...),
	}, nil
}

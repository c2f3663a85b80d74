// Package codec translates between frames and typed messages.
//
// There is one Codec per message kind. The dispatcher picks the codec from the frame's
// type tag on the way in and from the message's variant on the way out:
//
//	Frame{Type: 0x03} ──GetCodec──→ callRequestCodec.Decode ──→ *message.CallRequest
//	*message.Error    ──GetCodec──→ errorCodec.Encode       ──→ Frame{Type: 0xff}
//
// An unknown type tag is an error. The codec never guesses a default; the caller
// decides whether that closes the connection.
package codec

import (
	"errors"
	"fmt"

	"tchannel-rpc/message"
	"tchannel-rpc/protocol"
)

var (
	// ErrUnknownMessageType is returned for a frame whose type tag has no codec.
	ErrUnknownMessageType = errors.New("codec: unknown message type")
	// ErrMissingInitHeader is returned for an Init message without host_port or process_name.
	ErrMissingInitHeader = errors.New("codec: missing required init header")
	// ErrInvalidChecksumType is returned for a call fragment with an undefined csumtype.
	ErrInvalidChecksumType = errors.New("codec: invalid checksum type")
	// ErrTypeMismatch is returned when a message is handed to the wrong codec.
	ErrTypeMismatch = errors.New("codec: message does not match codec")
)

// Codec converts one message kind to and from a frame payload.
type Codec interface {
	Decode(id uint32, payload []byte) (message.Message, error)
	Encode(m message.Message) ([]byte, error)
	Type() protocol.MessageType
}

var codecs = map[protocol.MessageType]Codec{
	protocol.MessageTypeInitRequest:          initCodec{response: false},
	protocol.MessageTypeInitResponse:         initCodec{response: true},
	protocol.MessageTypeCallRequest:          callRequestCodec{},
	protocol.MessageTypeCallRequestContinue:  continueCodec{response: false},
	protocol.MessageTypeCallResponse:         callResponseCodec{},
	protocol.MessageTypeCallResponseContinue: continueCodec{response: true},
	protocol.MessageTypeError:                errorCodec{},
	protocol.MessageTypeCancel:               cancelCodec{},
	protocol.MessageTypeClaim:                claimCodec{},
	protocol.MessageTypePingRequest:          pingCodec{response: false},
	protocol.MessageTypePingResponse:         pingCodec{response: true},
}

// GetCodec returns the codec for a message type tag.
func GetCodec(t protocol.MessageType) (Codec, error) {
	c, ok := codecs[t]
	if !ok {
		return nil, fmt.Errorf("%w: 0x%02x", ErrUnknownMessageType, byte(t))
	}
	return c, nil
}

// Decode turns a frame into its typed message.
func Decode(f protocol.Frame) (message.Message, error) {
	c, err := GetCodec(f.Type)
	if err != nil {
		return nil, err
	}
	msg, err := c.Decode(f.ID, f.Payload)
	if err != nil {
		return nil, fmt.Errorf("decode %s id=%d: %w", f.Type, f.ID, err)
	}
	return msg, nil
}

// Encode turns a message into a single frame.
// Call messages must already be fragmented: only their Fragment bytes are written.
func Encode(m message.Message) (protocol.Frame, error) {
	payload, err := EncodePayload(m)
	if err != nil {
		return protocol.Frame{}, err
	}
	if len(payload) > protocol.MaxFramePayload {
		return protocol.Frame{}, fmt.Errorf("%w: %s payload is %d bytes", protocol.ErrFrameTooLarge, m.Type(), len(payload))
	}
	return protocol.Frame{
		Size:    uint16(len(payload)),
		Type:    m.Type(),
		ID:      m.MessageID(),
		Payload: payload,
	}, nil
}

// EncodePayload encodes m without wrapping it in a frame.
func EncodePayload(m message.Message) ([]byte, error) {
	c, err := GetCodec(m.Type())
	if err != nil {
		return nil, err
	}
	payload, err := c.Encode(m)
	if err != nil {
		return nil, fmt.Errorf("encode %s id=%d: %w", m.Type(), m.MessageID(), err)
	}
	return payload, nil
}

func mismatch(c Codec, m message.Message) error {
	return fmt.Errorf("%w: %s codec got %T", ErrTypeMismatch, c.Type(), m)
}

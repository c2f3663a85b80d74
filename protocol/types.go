package protocol

import "fmt"

// MessageType is the type tag carried in byte 2 of every frame header.
type MessageType byte

const (
	MessageTypeInitRequest          MessageType = 0x01
	MessageTypeInitResponse         MessageType = 0x02
	MessageTypeCallRequest          MessageType = 0x03
	MessageTypeCallResponse         MessageType = 0x04
	MessageTypeCallRequestContinue  MessageType = 0x13
	MessageTypeCallResponseContinue MessageType = 0x14
	MessageTypeCancel               MessageType = 0xc0
	MessageTypeClaim                MessageType = 0xc1
	MessageTypePingRequest          MessageType = 0xd0
	MessageTypePingResponse         MessageType = 0xd1
	MessageTypeError                MessageType = 0xff
)

var messageTypeNames = map[MessageType]string{
	MessageTypeInitRequest:          "InitRequest",
	MessageTypeInitResponse:         "InitResponse",
	MessageTypeCallRequest:          "CallRequest",
	MessageTypeCallResponse:         "CallResponse",
	MessageTypeCallRequestContinue:  "CallRequestContinue",
	MessageTypeCallResponseContinue: "CallResponseContinue",
	MessageTypeCancel:               "Cancel",
	MessageTypeClaim:                "Claim",
	MessageTypePingRequest:          "PingRequest",
	MessageTypePingResponse:         "PingResponse",
	MessageTypeError:                "Error",
}

// Known reports whether t is one of the defined message types.
func (t MessageType) Known() bool {
	_, ok := messageTypeNames[t]
	return ok
}

func (t MessageType) String() string {
	if name, ok := messageTypeNames[t]; ok {
		return name
	}
	return fmt.Sprintf("MessageType(0x%02x)", byte(t))
}

const (
	// Version is the only protocol version this implementation speaks.
	Version uint16 = 2
	// MaxArg1Length caps arg1, which must fit inside a single frame.
	MaxArg1Length = 16384
)

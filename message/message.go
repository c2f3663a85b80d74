// Package message defines the typed protocol messages carried inside frames.
//
// Message is a closed union: every variant lives in this package and implements an
// unexported marker method, so a type switch over the variants below is exhaustive.
// Every message has a type tag and a message id; the id ties together the frames of one
// logical message and pairs a response with its request.
package message

import (
	"fmt"

	"tchannel-rpc/checksum"
	"tchannel-rpc/protocol"
)

// FlagMoreFragments is bit 0 of a call fragment's flags: more fragments follow.
const FlagMoreFragments byte = 0x01

// Reserved Init header keys.
const (
	HostPortKey    = "host_port"
	ProcessNameKey = "process_name"
)

// Message is one decoded protocol message.
type Message interface {
	MessageID() uint32
	Type() protocol.MessageType
	sealed()
}

// Headers are the transport headers attached to Init and call messages.
type Headers map[string]string

// InitParams are the fields shared by InitRequest and InitResponse.
type InitParams struct {
	Version     uint16
	HostPort    string
	ProcessName string
	Extra       Headers // Init headers other than host_port and process_name
}

// InitRequest opens the handshake. Nothing else may be sent before it.
type InitRequest struct {
	ID uint32
	InitParams
}

// InitResponse completes the handshake.
type InitResponse struct {
	ID uint32
	InitParams
}

// CallRequest is the first fragment of a call, or the whole call once reassembled.
//
// On the wire, Fragment holds the raw argument section of this one frame (2-byte
// length-prefixed chunks). Arg1, Arg2 and Arg3 are only populated on a fully
// reassembled message or on an outbound message before it is fragmented.
type CallRequest struct {
	ID           uint32
	Flags        byte
	TTL          uint32 // Milliseconds
	Tracing      Trace
	Service      string
	Headers      Headers
	ChecksumType checksum.Type
	Checksum     uint32

	Arg1, Arg2, Arg3 []byte
	Fragment         []byte
}

// CallRequestContinue carries further argument chunks of a CallRequest.
type CallRequestContinue struct {
	ID           uint32
	Flags        byte
	ChecksumType checksum.Type
	Checksum     uint32
	Fragment     []byte
}

// CallResponse is the first fragment of a response, or the whole response once reassembled.
type CallResponse struct {
	ID           uint32
	Flags        byte
	Code         ResponseCode
	Headers      Headers
	ChecksumType checksum.Type
	Checksum     uint32

	Arg1, Arg2, Arg3 []byte
	Fragment         []byte
}

// CallResponseContinue carries further argument chunks of a CallResponse.
type CallResponseContinue struct {
	ID           uint32
	Flags        byte
	ChecksumType checksum.Type
	Checksum     uint32
	Fragment     []byte
}

// Error reports a failure for message ID, or for the whole connection when fatal.
type Error struct {
	ID      uint32
	Code    ErrorType
	Tracing Trace
	Message string
}

// Cancel asks the peer to stop work on call ID.
type Cancel struct {
	ID      uint32
	TTL     uint32
	Tracing Trace
	Why     string
}

// Claim tells the peer another party has taken over call ID.
type Claim struct {
	ID      uint32
	TTL     uint32
	Tracing Trace
}

// PingRequest is a keepalive probe; only the id is meaningful.
type PingRequest struct {
	ID uint32
}

// PingResponse answers a PingRequest with the same id.
type PingResponse struct {
	ID uint32
}

func (m *InitRequest) MessageID() uint32          { return m.ID }
func (m *InitResponse) MessageID() uint32         { return m.ID }
func (m *CallRequest) MessageID() uint32          { return m.ID }
func (m *CallRequestContinue) MessageID() uint32  { return m.ID }
func (m *CallResponse) MessageID() uint32         { return m.ID }
func (m *CallResponseContinue) MessageID() uint32 { return m.ID }
func (m *Error) MessageID() uint32                { return m.ID }
func (m *Cancel) MessageID() uint32               { return m.ID }
func (m *Claim) MessageID() uint32                { return m.ID }
func (m *PingRequest) MessageID() uint32          { return m.ID }
func (m *PingResponse) MessageID() uint32         { return m.ID }

func (m *InitRequest) Type() protocol.MessageType  { return protocol.MessageTypeInitRequest }
func (m *InitResponse) Type() protocol.MessageType { return protocol.MessageTypeInitResponse }
func (m *CallRequest) Type() protocol.MessageType  { return protocol.MessageTypeCallRequest }
func (m *CallRequestContinue) Type() protocol.MessageType {
	return protocol.MessageTypeCallRequestContinue
}
func (m *CallResponse) Type() protocol.MessageType { return protocol.MessageTypeCallResponse }
func (m *CallResponseContinue) Type() protocol.MessageType {
	return protocol.MessageTypeCallResponseContinue
}
func (m *Error) Type() protocol.MessageType        { return protocol.MessageTypeError }
func (m *Cancel) Type() protocol.MessageType       { return protocol.MessageTypeCancel }
func (m *Claim) Type() protocol.MessageType        { return protocol.MessageTypeClaim }
func (m *PingRequest) Type() protocol.MessageType  { return protocol.MessageTypePingRequest }
func (m *PingResponse) Type() protocol.MessageType { return protocol.MessageTypePingResponse }

func (*InitRequest) sealed()          {}
func (*InitResponse) sealed()         {}
func (*CallRequest) sealed()          {}
func (*CallRequestContinue) sealed()  {}
func (*CallResponse) sealed()         {}
func (*CallResponseContinue) sealed() {}
func (*Error) sealed()                {}
func (*Cancel) sealed()               {}
func (*Claim) sealed()                {}
func (*PingRequest) sealed()          {}
func (*PingResponse) sealed()         {}

// MoreFragments reports whether further fragments of this message follow.
func (m *CallRequest) MoreFragments() bool          { return m.Flags&FlagMoreFragments != 0 }
func (m *CallRequestContinue) MoreFragments() bool  { return m.Flags&FlagMoreFragments != 0 }
func (m *CallResponse) MoreFragments() bool         { return m.Flags&FlagMoreFragments != 0 }
func (m *CallResponseContinue) MoreFragments() bool { return m.Flags&FlagMoreFragments != 0 }

// IsCall reports whether m is one of the four call kinds that go through defragmentation.
func IsCall(m Message) bool {
	switch m.(type) {
	case *CallRequest, *CallRequestContinue, *CallResponse, *CallResponseContinue:
		return true
	}
	return false
}

func (m *Error) String() string {
	return fmt.Sprintf("Error{id=%d code=%s message=%q}", m.ID, m.Code, m.Message)
}

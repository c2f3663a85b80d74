package message

import "fmt"

// Trace carries distributed-tracing identifiers. It is 25 bytes on the wire:
// spanId:8 parentId:8 traceId:8 traceFlags:1.
type Trace struct {
	SpanID   uint64
	ParentID uint64
	TraceID  uint64
	Flags    byte
}

// TraceSize is the wire size of a Trace.
const TraceSize = 25

// TraceFlagEnabled is bit 0 of Trace.Flags.
const TraceFlagEnabled byte = 0x01

// Enabled reports whether tracing is switched on for this span.
func (t Trace) Enabled() bool {
	return t.Flags&TraceFlagEnabled != 0
}

// ErrorType is the code byte of an Error message.
type ErrorType byte

const (
	ErrorTypeInvalid            ErrorType = 0x00
	ErrorTypeTimeout            ErrorType = 0x01
	ErrorTypeCancelled          ErrorType = 0x02
	ErrorTypeBusy               ErrorType = 0x03
	ErrorTypeDeclined           ErrorType = 0x04
	ErrorTypeUnexpectedError    ErrorType = 0x05
	ErrorTypeBadRequest         ErrorType = 0x06
	ErrorTypeNetworkError       ErrorType = 0x07
	ErrorTypeUnhealthy          ErrorType = 0x08
	ErrorTypeFatalProtocolError ErrorType = 0xff
)

var errorTypeNames = map[ErrorType]string{
	ErrorTypeInvalid:            "Invalid",
	ErrorTypeTimeout:            "Timeout",
	ErrorTypeCancelled:          "Cancelled",
	ErrorTypeBusy:               "Busy",
	ErrorTypeDeclined:           "Declined",
	ErrorTypeUnexpectedError:    "UnexpectedError",
	ErrorTypeBadRequest:         "BadRequest",
	ErrorTypeNetworkError:       "NetworkError",
	ErrorTypeUnhealthy:          "Unhealthy",
	ErrorTypeFatalProtocolError: "FatalProtocolError",
}

// Valid reports whether e is a defined error type.
func (e ErrorType) Valid() bool {
	_, ok := errorTypeNames[e]
	return ok
}

func (e ErrorType) String() string {
	if name, ok := errorTypeNames[e]; ok {
		return name
	}
	return fmt.Sprintf("ErrorType(0x%02x)", byte(e))
}

// ResponseCode is the code byte of a CallResponse.
type ResponseCode byte

const (
	ResponseOK               ResponseCode = 0x00
	ResponseApplicationError ResponseCode = 0x01
)

func (c ResponseCode) String() string {
	switch c {
	case ResponseOK:
		return "OK"
	case ResponseApplicationError:
		return "ApplicationError"
	default:
		return fmt.Sprintf("ResponseCode(0x%02x)", byte(c))
	}
}

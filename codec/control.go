package codec

import (
	"tchannel-rpc/message"
	"tchannel-rpc/protocol"
)

// errorCodec: code:1 tracing:25 message~2
type errorCodec struct{}

func (errorCodec) Type() protocol.MessageType { return protocol.MessageTypeError }

func (errorCodec) Decode(id uint32, payload []byte) (message.Message, error) {
	r := newReadBuffer(payload)
	code, err := r.readByte("error code")
	if err != nil {
		return nil, err
	}
	trace, err := r.readTrace()
	if err != nil {
		return nil, err
	}
	text, err := r.readString2("error message")
	if err != nil {
		return nil, err
	}
	return &message.Error{ID: id, Code: message.ErrorType(code), Tracing: trace, Message: text}, nil
}

func (c errorCodec) Encode(m message.Message) ([]byte, error) {
	msg, ok := m.(*message.Error)
	if !ok {
		return nil, mismatch(c, m)
	}
	var w writeBuffer
	w.writeByte(byte(msg.Code))
	w.writeTrace(msg.Tracing)
	w.writeString2(msg.Message, "error message")
	return w.buf, w.err
}

// cancelCodec: ttl:4 tracing:25 why~2
type cancelCodec struct{}

func (cancelCodec) Type() protocol.MessageType { return protocol.MessageTypeCancel }

func (cancelCodec) Decode(id uint32, payload []byte) (message.Message, error) {
	r := newReadBuffer(payload)
	ttl, err := r.readUint32("ttl")
	if err != nil {
		return nil, err
	}
	trace, err := r.readTrace()
	if err != nil {
		return nil, err
	}
	why, err := r.readString2("why")
	if err != nil {
		return nil, err
	}
	return &message.Cancel{ID: id, TTL: ttl, Tracing: trace, Why: why}, nil
}

func (c cancelCodec) Encode(m message.Message) ([]byte, error) {
	msg, ok := m.(*message.Cancel)
	if !ok {
		return nil, mismatch(c, m)
	}
	var w writeBuffer
	w.writeUint32(msg.TTL)
	w.writeTrace(msg.Tracing)
	w.writeString2(msg.Why, "why")
	return w.buf, w.err
}

// claimCodec: ttl:4 tracing:25
type claimCodec struct{}

func (claimCodec) Type() protocol.MessageType { return protocol.MessageTypeClaim }

func (claimCodec) Decode(id uint32, payload []byte) (message.Message, error) {
	r := newReadBuffer(payload)
	ttl, err := r.readUint32("ttl")
	if err != nil {
		return nil, err
	}
	trace, err := r.readTrace()
	if err != nil {
		return nil, err
	}
	return &message.Claim{ID: id, TTL: ttl, Tracing: trace}, nil
}

func (c claimCodec) Encode(m message.Message) ([]byte, error) {
	msg, ok := m.(*message.Claim)
	if !ok {
		return nil, mismatch(c, m)
	}
	var w writeBuffer
	w.writeUint32(msg.TTL)
	w.writeTrace(msg.Tracing)
	return w.buf, w.err
}

// pingCodec: empty payload, only the frame id matters.
type pingCodec struct {
	response bool
}

func (c pingCodec) Type() protocol.MessageType {
	if c.response {
		return protocol.MessageTypePingResponse
	}
	return protocol.MessageTypePingRequest
}

func (c pingCodec) Decode(id uint32, _ []byte) (message.Message, error) {
	if c.response {
		return &message.PingResponse{ID: id}, nil
	}
	return &message.PingRequest{ID: id}, nil
}

func (c pingCodec) Encode(m message.Message) ([]byte, error) {
	switch m.(type) {
	case *message.PingRequest:
		if !c.response {
			return []byte{}, nil
		}
	case *message.PingResponse:
		if c.response {
			return []byte{}, nil
		}
	}
	return nil, mismatch(c, m)
}

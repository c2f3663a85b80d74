package codec

import (
	"fmt"
	"maps"
	"slices"

	"tchannel-rpc/message"
	"tchannel-rpc/protocol"
)

// initCodec handles InitRequest and InitResponse, which share a layout:
//
//	version:2 nh:2 (key~2 value~2){nh}
//
// host_port and process_name travel as ordinary headers but are required.
type initCodec struct {
	response bool
}

func (c initCodec) Type() protocol.MessageType {
	if c.response {
		return protocol.MessageTypeInitResponse
	}
	return protocol.MessageTypeInitRequest
}

func (c initCodec) Decode(id uint32, payload []byte) (message.Message, error) {
	r := newReadBuffer(payload)

	version, err := r.readUint16("version")
	if err != nil {
		return nil, err
	}
	count, err := r.readUint16("header count")
	if err != nil {
		return nil, err
	}

	params := message.InitParams{Version: version}
	var hasHostPort, hasProcessName bool
	for i := 0; i < int(count); i++ {
		k, err := r.readString2("header key")
		if err != nil {
			return nil, err
		}
		v, err := r.readString2("header value")
		if err != nil {
			return nil, err
		}
		switch k {
		case message.HostPortKey:
			params.HostPort, hasHostPort = v, true
		case message.ProcessNameKey:
			params.ProcessName, hasProcessName = v, true
		default:
			if params.Extra == nil {
				params.Extra = make(message.Headers)
			}
			params.Extra[k] = v
		}
	}

	if !hasHostPort {
		return nil, fmt.Errorf("%w: %s", ErrMissingInitHeader, message.HostPortKey)
	}
	if !hasProcessName {
		return nil, fmt.Errorf("%w: %s", ErrMissingInitHeader, message.ProcessNameKey)
	}

	if c.response {
		return &message.InitResponse{ID: id, InitParams: params}, nil
	}
	return &message.InitRequest{ID: id, InitParams: params}, nil
}

func (c initCodec) Encode(m message.Message) ([]byte, error) {
	var params message.InitParams
	switch msg := m.(type) {
	case *message.InitRequest:
		if c.response {
			return nil, mismatch(c, m)
		}
		params = msg.InitParams
	case *message.InitResponse:
		if !c.response {
			return nil, mismatch(c, m)
		}
		params = msg.InitParams
	default:
		return nil, mismatch(c, m)
	}

	extra := make(message.Headers, len(params.Extra))
	for k, v := range params.Extra {
		if k != message.HostPortKey && k != message.ProcessNameKey {
			extra[k] = v
		}
	}
	if len(extra)+2 > 0xffff {
		return nil, fmt.Errorf("%w: %d init headers", ErrFieldTooLong, len(extra)+2)
	}

	var w writeBuffer
	w.writeUint16(params.Version)
	w.writeUint16(uint16(len(extra) + 2))
	w.writeString2(message.HostPortKey, "header key")
	w.writeString2(params.HostPort, message.HostPortKey)
	w.writeString2(message.ProcessNameKey, "header key")
	w.writeString2(params.ProcessName, message.ProcessNameKey)
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		w.writeString2(k, "header key")
		w.writeString2(extra[k], "header value")
	}
	return w.buf, w.err
}

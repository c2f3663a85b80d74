package codec

import (
	"fmt"

	"tchannel-rpc/checksum"
	"tchannel-rpc/message"
	"tchannel-rpc/protocol"
)

// callRequestCodec handles the first fragment of a call:
//
//	flags:1 ttl:4 tracing:25 service~1 nh:1 (hk~1 hv~1){nh} csumtype:1 (csum:4){0,1} args...
//
// The argument section is kept raw in Fragment; its chunks only make sense to the
// defragmenter, which knows which argument stream is open for this message id.
type callRequestCodec struct{}

func (callRequestCodec) Type() protocol.MessageType { return protocol.MessageTypeCallRequest }

func (callRequestCodec) Decode(id uint32, payload []byte) (message.Message, error) {
	r := newReadBuffer(payload)
	msg := &message.CallRequest{ID: id}
	var err error

	if msg.Flags, err = r.readByte("flags"); err != nil {
		return nil, err
	}
	if msg.TTL, err = r.readUint32("ttl"); err != nil {
		return nil, err
	}
	if msg.Tracing, err = r.readTrace(); err != nil {
		return nil, err
	}
	if msg.Service, err = r.readString1("service"); err != nil {
		return nil, err
	}
	if msg.Headers, err = r.readSmallHeaders(); err != nil {
		return nil, err
	}
	if msg.ChecksumType, msg.Checksum, err = readChecksum(r); err != nil {
		return nil, err
	}
	msg.Fragment = r.rest()
	return msg, nil
}

func (c callRequestCodec) Encode(m message.Message) ([]byte, error) {
	msg, ok := m.(*message.CallRequest)
	if !ok {
		return nil, mismatch(c, m)
	}

	var w writeBuffer
	w.writeByte(msg.Flags)
	w.writeUint32(msg.TTL)
	w.writeTrace(msg.Tracing)
	w.writeString1(msg.Service, "service")
	w.writeSmallHeaders(msg.Headers)
	writeChecksum(&w, msg.ChecksumType, msg.Checksum)
	w.writeBytes(msg.Fragment)
	return w.buf, w.err
}

// callResponseCodec handles the first fragment of a response:
//
//	flags:1 code:1 nh:1 (hk~1 hv~1){nh} csumtype:1 (csum:4){0,1} args...
type callResponseCodec struct{}

func (callResponseCodec) Type() protocol.MessageType { return protocol.MessageTypeCallResponse }

func (callResponseCodec) Decode(id uint32, payload []byte) (message.Message, error) {
	r := newReadBuffer(payload)
	msg := &message.CallResponse{ID: id}
	var err error

	if msg.Flags, err = r.readByte("flags"); err != nil {
		return nil, err
	}
	code, err := r.readByte("code")
	if err != nil {
		return nil, err
	}
	msg.Code = message.ResponseCode(code)
	if msg.Headers, err = r.readSmallHeaders(); err != nil {
		return nil, err
	}
	if msg.ChecksumType, msg.Checksum, err = readChecksum(r); err != nil {
		return nil, err
	}
	msg.Fragment = r.rest()
	return msg, nil
}

func (c callResponseCodec) Encode(m message.Message) ([]byte, error) {
	msg, ok := m.(*message.CallResponse)
	if !ok {
		return nil, mismatch(c, m)
	}

	var w writeBuffer
	w.writeByte(msg.Flags)
	w.writeByte(byte(msg.Code))
	w.writeSmallHeaders(msg.Headers)
	writeChecksum(&w, msg.ChecksumType, msg.Checksum)
	w.writeBytes(msg.Fragment)
	return w.buf, w.err
}

// continueCodec handles CallRequestContinue and CallResponseContinue:
//
//	flags:1 csumtype:1 (csum:4){0,1} args...
type continueCodec struct {
	response bool
}

func (c continueCodec) Type() protocol.MessageType {
	if c.response {
		return protocol.MessageTypeCallResponseContinue
	}
	return protocol.MessageTypeCallRequestContinue
}

func (c continueCodec) Decode(id uint32, payload []byte) (message.Message, error) {
	r := newReadBuffer(payload)

	flags, err := r.readByte("flags")
	if err != nil {
		return nil, err
	}
	csumType, csum, err := readChecksum(r)
	if err != nil {
		return nil, err
	}
	fragment := r.rest()

	if c.response {
		return &message.CallResponseContinue{
			ID: id, Flags: flags, ChecksumType: csumType, Checksum: csum, Fragment: fragment,
		}, nil
	}
	return &message.CallRequestContinue{
		ID: id, Flags: flags, ChecksumType: csumType, Checksum: csum, Fragment: fragment,
	}, nil
}

func (c continueCodec) Encode(m message.Message) ([]byte, error) {
	var flags byte
	var csumType checksum.Type
	var csum uint32
	var fragment []byte

	switch msg := m.(type) {
	case *message.CallRequestContinue:
		if c.response {
			return nil, mismatch(c, m)
		}
		flags, csumType, csum, fragment = msg.Flags, msg.ChecksumType, msg.Checksum, msg.Fragment
	case *message.CallResponseContinue:
		if !c.response {
			return nil, mismatch(c, m)
		}
		flags, csumType, csum, fragment = msg.Flags, msg.ChecksumType, msg.Checksum, msg.Fragment
	default:
		return nil, mismatch(c, m)
	}

	var w writeBuffer
	w.writeByte(flags)
	writeChecksum(&w, csumType, csum)
	w.writeBytes(fragment)
	return w.buf, w.err
}

// readChecksum reads csumtype:1 (csum:4){0,1}.
func readChecksum(r *readBuffer) (checksum.Type, uint32, error) {
	b, err := r.readByte("checksum type")
	if err != nil {
		return 0, 0, err
	}
	t := checksum.Type(b)
	if !t.Valid() {
		return 0, 0, fmt.Errorf("%w: 0x%02x", ErrInvalidChecksumType, b)
	}
	if t.Size() == 0 {
		return t, 0, nil
	}
	v, err := r.readUint32("checksum")
	if err != nil {
		return 0, 0, err
	}
	return t, v, nil
}

func writeChecksum(w *writeBuffer, t checksum.Type, v uint32) {
	if !t.Valid() {
		w.fail(fmt.Errorf("%w: 0x%02x", ErrInvalidChecksumType, byte(t)))
		return
	}
	w.writeByte(byte(t))
	if t.Size() > 0 {
		w.writeUint32(v)
	}
}

package fragment

import (
	"encoding/binary"
	"fmt"

	"tchannel-rpc/checksum"
	"tchannel-rpc/codec"
	"tchannel-rpc/message"
	"tchannel-rpc/protocol"
)

// Fragmenter splits whole outbound calls into fragments that each encode within one frame.
type Fragmenter struct {
	// MaxPayload caps each fragment's encoded payload. Zero means protocol.MaxFramePayload.
	MaxPayload int
}

// Split turns a *message.CallRequest or *message.CallResponse carrying Arg1, Arg2 and Arg3
// into the head message followed by zero or more continuations.
//
// arg1 goes whole into the head. arg2 and arg3 are written as chunks, each argument
// closed by a zero-length chunk. Every fragment carries the running checksum of the
// argument bytes sent so far, and only the last one has the more-fragments flag clear.
func (f Fragmenter) Split(m message.Message) ([]message.Message, error) {
	limit := f.MaxPayload
	if limit <= 0 || limit > protocol.MaxFramePayload {
		limit = protocol.MaxFramePayload
	}

	var (
		t                checksum.Type
		arg1, arg2, arg3 []byte
		head             message.Message
	)
	switch msg := m.(type) {
	case *message.CallRequest:
		c := *msg
		c.Fragment, c.Arg1, c.Arg2, c.Arg3 = nil, nil, nil, nil
		t, arg1, arg2, arg3, head = msg.ChecksumType, msg.Arg1, msg.Arg2, msg.Arg3, &c
	case *message.CallResponse:
		c := *msg
		c.Fragment, c.Arg1, c.Arg2, c.Arg3 = nil, nil, nil, nil
		t, arg1, arg2, arg3, head = msg.ChecksumType, msg.Arg1, msg.Arg2, msg.Arg3, &c
	default:
		return nil, fmt.Errorf("fragment: cannot split %s", m.Type())
	}

	if len(arg1) > protocol.MaxArg1Length {
		return nil, fmt.Errorf("%w: arg1 is %d bytes", ErrArg1TooLarge, len(arg1))
	}

	// Step 1: measure the fixed headers.
	headPayload, err := codec.EncodePayload(head)
	if err != nil {
		return nil, err
	}
	headLen := len(headPayload)
	contLen := 2 + t.Size() // flags:1 csumtype:1 csum:4?

	if headLen+2+len(arg1) > limit {
		return nil, fmt.Errorf("%w: %d header bytes and %d byte arg1 exceed %d", protocol.ErrFrameTooLarge, headLen, len(arg1), limit)
	}
	if contLen+3 > limit {
		return nil, fmt.Errorf("%w: no room for a continuation chunk in %d bytes", protocol.ErrFrameTooLarge, limit)
	}

	// Step 2: lay the chunks out frame by frame.
	w := &chunkWriter{limit: limit}
	w.open(headLen)
	w.chunk(arg1)
	for _, arg := range [][]byte{arg2, arg3} {
		for len(arg) > 0 {
			if w.room() < 3 {
				w.open(contLen)
			}
			n := min(len(arg), w.room()-2, 0xffff)
			w.chunk(arg[:n])
			arg = arg[n:]
		}
		if w.room() < 2 {
			w.open(contLen)
		}
		w.chunk(nil)
	}

	// Step 3: stamp flags and running checksums.
	out := make([]message.Message, len(w.frames))
	var sum uint32
	for i, fr := range w.frames {
		sum = checksum.Calculate(t, sum, fr.contents...)
		var flags byte
		if i < len(w.frames)-1 {
			flags = message.FlagMoreFragments
		}

		if i == 0 {
			switch h := head.(type) {
			case *message.CallRequest:
				h.Flags = h.Flags&^message.FlagMoreFragments | flags
				h.Checksum, h.Fragment = sum, fr.section
			case *message.CallResponse:
				h.Flags = h.Flags&^message.FlagMoreFragments | flags
				h.Checksum, h.Fragment = sum, fr.section
			}
			out[0] = head
			continue
		}

		switch head.(type) {
		case *message.CallRequest:
			out[i] = &message.CallRequestContinue{ID: m.MessageID(), Flags: flags, ChecksumType: t, Checksum: sum, Fragment: fr.section}
		case *message.CallResponse:
			out[i] = &message.CallResponseContinue{ID: m.MessageID(), Flags: flags, ChecksumType: t, Checksum: sum, Fragment: fr.section}
		}
	}
	return out, nil
}

type pendingFrame struct {
	section  []byte   // encoded argument section
	contents [][]byte // chunk contents, for the checksum
	used     int      // header plus section bytes
}

type chunkWriter struct {
	limit  int
	frames []*pendingFrame
}

func (w *chunkWriter) open(headerLen int) {
	w.frames = append(w.frames, &pendingFrame{used: headerLen})
}

func (w *chunkWriter) room() int {
	return w.limit - w.frames[len(w.frames)-1].used
}

func (w *chunkWriter) chunk(b []byte) {
	fr := w.frames[len(w.frames)-1]
	fr.section = binary.BigEndian.AppendUint16(fr.section, uint16(len(b)))
	fr.section = append(fr.section, b...)
	if len(b) > 0 {
		fr.contents = append(fr.contents, b)
	}
	fr.used += 2 + len(b)
}

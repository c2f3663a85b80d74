// Package protocol implements the length-prefixed frame codec of the wire protocol.
//
// Every message travels in one or more frames. A frame is a fixed 16-byte header
// followed by up to 65520 payload bytes, so a whole frame never exceeds 64KiB.
//
// Frame format:
//
//	0     2    3    4         8                   16
//	┌─────┬────┬────┬─────────┬───────────────────┬───────────────┐
//	│size │type│ 00 │   id    │  reserved (zero)  │  payload ...  │
//	│ u16 │ u8 │    │  u32    │      8 bytes      │  size bytes   │
//	└─────┴────┴────┴─────────┴───────────────────┴───────────────┘
//
// size counts payload bytes only. All integers are big-endian.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxFrameLength is the largest frame, header included, that may appear on the wire.
	MaxFrameLength = 65536
	// FrameHeaderLength is the size of the fixed header preceding every payload.
	FrameHeaderLength = 16
	// MaxFramePayload is the largest payload a single frame can carry.
	MaxFramePayload = MaxFrameLength - FrameHeaderLength
)

var (
	// ErrNeedMoreBytes means the buffer does not yet hold a complete frame.
	// It is not a failure: the transport should read more and try again.
	ErrNeedMoreBytes = errors.New("protocol: need more bytes")
	// ErrFrameTooLarge means a header declared a frame above MaxFrameLength.
	// The stream cannot be resynchronised and the connection must close.
	ErrFrameTooLarge = errors.New("protocol: frame exceeds max frame length")
)

// Frame is the unit of transport: a typed payload addressed to one message id.
type Frame struct {
	Size    uint16      // Payload length; recomputed by Encode
	Type    MessageType // Message type tag
	ID      uint32      // Message id, the multiplexing key shared by all fragments of a message
	Payload []byte
}

// Encode serializes a frame (header + payload).
// Size is always taken from len(Payload), never from f.Size.
func Encode(f Frame) ([]byte, error) {
	if len(f.Payload) > MaxFramePayload {
		return nil, fmt.Errorf("%w: payload is %d bytes", ErrFrameTooLarge, len(f.Payload))
	}
	buf := make([]byte, FrameHeaderLength+len(f.Payload))
	putHeader(buf, uint16(len(f.Payload)), f.Type, f.ID)
	copy(buf[FrameHeaderLength:], f.Payload)
	return buf, nil
}

// Decode parses one frame from the front of b.
// It returns the frame and the number of bytes consumed. When b holds only part of a
// frame it returns ErrNeedMoreBytes; the frame may simply have been split across reads.
// The returned payload is a copy and does not alias b.
func Decode(b []byte) (Frame, int, error) {
	if len(b) < FrameHeaderLength {
		return Frame{}, 0, ErrNeedMoreBytes
	}

	size := binary.BigEndian.Uint16(b[0:2])
	total := FrameHeaderLength + int(size)
	if total > MaxFrameLength {
		return Frame{}, 0, fmt.Errorf("%w: declared %d bytes", ErrFrameTooLarge, total)
	}
	if len(b) < total {
		return Frame{}, 0, ErrNeedMoreBytes
	}

	payload := make([]byte, size)
	copy(payload, b[FrameHeaderLength:total])
	return Frame{
		Size:    size,
		Type:    MessageType(b[2]),
		ID:      binary.BigEndian.Uint32(b[4:8]),
		Payload: payload,
	}, total, nil
}

// WriteFrame writes a complete frame to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different messages will interleave and corrupt the stream.
func WriteFrame(w io.Writer, f Frame) error {
	buf, err := Encode(f)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads exactly one frame from r.
// Uses io.ReadFull so a frame split across TCP segments is read whole.
func ReadFrame(r io.Reader) (Frame, error) {
	var header [FrameHeaderLength]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Frame{}, err
	}

	size := binary.BigEndian.Uint16(header[0:2])
	if FrameHeaderLength+int(size) > MaxFrameLength {
		return Frame{}, fmt.Errorf("%w: declared %d bytes", ErrFrameTooLarge, FrameHeaderLength+int(size))
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return Frame{}, err
	}

	return Frame{
		Size:    size,
		Type:    MessageType(header[2]),
		ID:      binary.BigEndian.Uint32(header[4:8]),
		Payload: payload,
	}, nil
}

// putHeader writes the fixed header into buf[0:16]. Reserved bytes stay zero.
func putHeader(buf []byte, size uint16, t MessageType, id uint32) {
	binary.BigEndian.PutUint16(buf[0:2], size)
	buf[2] = byte(t)
	buf[3] = 0
	binary.BigEndian.PutUint32(buf[4:8], id)
	clear(buf[8:FrameHeaderLength])
}

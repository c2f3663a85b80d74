package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"maps"
	"slices"

	"tchannel-rpc/message"
)

var (
	// ErrShortPayload is returned when a payload ends before a field it declares.
	ErrShortPayload = errors.New("codec: payload truncated")
	// ErrFieldTooLong is returned when a string or header does not fit its length prefix.
	ErrFieldTooLong = errors.New("codec: field exceeds its length prefix")
)

// readBuffer decodes big-endian fields sequentially from a payload.
type readBuffer struct {
	data []byte
	off  int
}

func newReadBuffer(data []byte) *readBuffer {
	return &readBuffer{data: data}
}

func (r *readBuffer) remaining() int {
	return len(r.data) - r.off
}

// need returns the next n bytes and advances past them.
func (r *readBuffer) need(n int, field string) ([]byte, error) {
	if r.remaining() < n {
		return nil, fmt.Errorf("%w: reading %s", ErrShortPayload, field)
	}
	b := r.data[r.off : r.off+n]
	r.off += n
	return b, nil
}

func (r *readBuffer) readByte(field string) (byte, error) {
	b, err := r.need(1, field)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *readBuffer) readUint16(field string) (uint16, error) {
	b, err := r.need(2, field)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (r *readBuffer) readUint32(field string) (uint32, error) {
	b, err := r.need(4, field)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (r *readBuffer) readUint64(field string) (uint64, error) {
	b, err := r.need(8, field)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// readString1 reads a string prefixed by a 1-byte length (the "~1" encoding).
func (r *readBuffer) readString1(field string) (string, error) {
	n, err := r.readByte(field + " length")
	if err != nil {
		return "", err
	}
	b, err := r.need(int(n), field)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// readString2 reads a string prefixed by a 2-byte length (the "~2" encoding).
func (r *readBuffer) readString2(field string) (string, error) {
	n, err := r.readUint16(field + " length")
	if err != nil {
		return "", err
	}
	b, err := r.need(int(n), field)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (r *readBuffer) readTrace() (message.Trace, error) {
	var t message.Trace
	var err error
	if t.SpanID, err = r.readUint64("span id"); err != nil {
		return t, err
	}
	if t.ParentID, err = r.readUint64("parent id"); err != nil {
		return t, err
	}
	if t.TraceID, err = r.readUint64("trace id"); err != nil {
		return t, err
	}
	if t.Flags, err = r.readByte("trace flags"); err != nil {
		return t, err
	}
	return t, nil
}

// readSmallHeaders reads nh:1 (k~1 v~1){nh}, the call header encoding.
func (r *readBuffer) readSmallHeaders() (message.Headers, error) {
	n, err := r.readByte("header count")
	if err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	headers := make(message.Headers, n)
	for i := 0; i < int(n); i++ {
		k, err := r.readString1("header key")
		if err != nil {
			return nil, err
		}
		v, err := r.readString1("header value")
		if err != nil {
			return nil, err
		}
		headers[k] = v
	}
	return headers, nil
}

// rest returns a copy of every unread byte.
func (r *readBuffer) rest() []byte {
	out := make([]byte, r.remaining())
	copy(out, r.data[r.off:])
	r.off = len(r.data)
	return out
}

// writeBuffer accumulates an encoded payload. The first error sticks and
// later writes become no-ops, so callers check err once at the end.
type writeBuffer struct {
	buf []byte
	err error
}

func (w *writeBuffer) writeByte(b byte) {
	if w.err == nil {
		w.buf = append(w.buf, b)
	}
}

func (w *writeBuffer) writeUint16(v uint16) {
	if w.err == nil {
		w.buf = binary.BigEndian.AppendUint16(w.buf, v)
	}
}

func (w *writeBuffer) writeUint32(v uint32) {
	if w.err == nil {
		w.buf = binary.BigEndian.AppendUint32(w.buf, v)
	}
}

func (w *writeBuffer) writeUint64(v uint64) {
	if w.err == nil {
		w.buf = binary.BigEndian.AppendUint64(w.buf, v)
	}
}

func (w *writeBuffer) writeBytes(b []byte) {
	if w.err == nil {
		w.buf = append(w.buf, b...)
	}
}

func (w *writeBuffer) writeString1(s, field string) {
	if len(s) > 0xff {
		w.fail(fmt.Errorf("%w: %s is %d bytes", ErrFieldTooLong, field, len(s)))
		return
	}
	w.writeByte(byte(len(s)))
	w.writeBytes([]byte(s))
}

func (w *writeBuffer) writeString2(s, field string) {
	if len(s) > 0xffff {
		w.fail(fmt.Errorf("%w: %s is %d bytes", ErrFieldTooLong, field, len(s)))
		return
	}
	w.writeUint16(uint16(len(s)))
	w.writeBytes([]byte(s))
}

func (w *writeBuffer) writeTrace(t message.Trace) {
	w.writeUint64(t.SpanID)
	w.writeUint64(t.ParentID)
	w.writeUint64(t.TraceID)
	w.writeByte(t.Flags)
}

// writeSmallHeaders writes headers in key order so encoding is deterministic.
func (w *writeBuffer) writeSmallHeaders(h message.Headers) {
	if len(h) > 0xff {
		w.fail(fmt.Errorf("%w: %d call headers", ErrFieldTooLong, len(h)))
		return
	}
	w.writeByte(byte(len(h)))
	for _, k := range slices.Sorted(maps.Keys(h)) {
		w.writeString1(k, "header key")
		w.writeString1(h[k], "header value")
	}
}

func (w *writeBuffer) fail(err error) {
	if w.err == nil {
		w.err = err
	}
}

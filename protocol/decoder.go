package protocol

// Decoder accumulates bytes from a streaming transport and cuts them into frames.
//
// TCP delivers a byte stream, not frames: one read may hold half a header, or three
// frames and the start of a fourth. Write appends whatever arrived; Next hands out
// complete frames in order until only a partial frame remains.
//
// A Decoder is not safe for concurrent use; it belongs to the connection's reader.
type Decoder struct {
	buf []byte
}

// Write appends raw bytes read from the transport.
func (d *Decoder) Write(p []byte) (int, error) {
	d.buf = append(d.buf, p...)
	return len(p), nil
}

// Next returns the next complete frame, or ErrNeedMoreBytes if none is buffered.
// ErrFrameTooLarge is sticky: the stream is unrecoverable once it is seen.
func (d *Decoder) Next() (Frame, error) {
	f, n, err := Decode(d.buf)
	if err != nil {
		return Frame{}, err
	}

	// Drop consumed bytes; compact when the buffer drains so it does not grow forever
	d.buf = d.buf[n:]
	if len(d.buf) == 0 {
		d.buf = d.buf[:0:0]
	}
	return f, nil
}

// Buffered returns the number of bytes waiting for the rest of their frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

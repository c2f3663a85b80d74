// Package fragment splits outbound calls into frame-sized fragments and reassembles inbound
// ones.
//
// The argument section of every call fragment is a run of 2-byte length-prefixed chunks.
// What a chunk means depends on which argument is open for that message id:
//
//	          chunk (≤16384)        chunk len 0          chunk len 0
//	┌──────┐ ───────────────→ ┌──────┐ ──────────→ ┌──────┐ ──────────→ done
//	│ ARG1 │                  │ ARG2 │             │ ARG3 │
//	└──────┘                  └──────┘             └──────┘
//	                          ↺ chunk: append      ↺ chunk: append
//
// A frame whose more-fragments flag is clear also completes the call when ARG3 is open.
// A call that fails checksum verification is reported once; its remaining fragments are
// consumed silently up to the last one.
// One Defragmenter serves one connection and is driven by its single reader, so it has no
// locking of its own.
package fragment

import (
	"encoding/binary"
	"errors"
	"fmt"

	"tchannel-rpc/checksum"
	"tchannel-rpc/message"
	"tchannel-rpc/protocol"
)

var (
	// ErrDuplicateID is returned for a CallRequest or CallResponse on an id that is still being reassembled.
	ErrDuplicateID = errors.New("fragment: call started on an id that is already in flight")
	// ErrOrphanedContinue is returned for a continuation with no call in flight.
	ErrOrphanedContinue = errors.New("fragment: continuation without a call in flight")
	// ErrArg1TooLarge is returned when arg1 exceeds protocol.MaxArg1Length.
	ErrArg1TooLarge = errors.New("fragment: arg1 exceeds 16384 bytes")
	// ErrTrailingBytes is returned for chunks after the arg3 terminator.
	ErrTrailingBytes = errors.New("fragment: bytes after the end of arg3")
	// ErrIncompleteCall is returned when the last fragment ends before arg3 is open.
	ErrIncompleteCall = errors.New("fragment: last fragment ends before arg3")
	// ErrTruncatedChunk is returned when a chunk's length prefix runs past the end of the frame.
	ErrTruncatedChunk = errors.New("fragment: chunk runs past end of frame")
)

// IsFatal reports whether err from Push means the peer broke the protocol and the
// connection must be closed. Checksum failures only cost the affected call.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	var mismatch *checksum.MismatchError
	if errors.As(err, &mismatch) || errors.Is(err, checksum.ErrTypeMismatch) {
		return false
	}
	return true
}

type argState int

const (
	stateArg1 argState = iota
	stateArg2
	stateArg3
)

func (s argState) String() string {
	switch s {
	case stateArg1:
		return "ARG1"
	case stateArg2:
		return "ARG2"
	default:
		return "ARG3"
	}
}

// Requests and responses travel in opposite directions, so their ids are independent.
type entryKey struct {
	id       uint32
	response bool
}

type entry struct {
	head         message.Message // *message.CallRequest or *message.CallResponse
	state        argState
	checksumType checksum.Type
	checksum     uint32 // last accepted value, the seed for the next fragment
	arg1         []byte
	arg2         []byte
	arg3         []byte
	failed       bool // checksum failed; later fragments are dropped
}

// Defragmenter reassembles call fragments sharing a message id into whole calls.
type Defragmenter struct {
	entries map[entryKey]*entry
}

// NewDefragmenter returns an empty Defragmenter.
func NewDefragmenter() *Defragmenter {
	return &Defragmenter{entries: make(map[entryKey]*entry)}
}

// Len returns the number of calls currently being reassembled.
func (d *Defragmenter) Len() int {
	return len(d.entries)
}

// Push feeds one decoded message.
//
// Non-call messages are returned unchanged. A call fragment returns nil until its call
// is complete, and then the head message with Arg1, Arg2 and Arg3 filled in and
// Fragment cleared. A checksum error keeps the id reserved until its last fragment
// arrives; any other error drops the entry for that id.
func (d *Defragmenter) Push(m message.Message) (message.Message, error) {
	switch msg := m.(type) {
	case *message.CallRequest:
		return d.start(entryKey{msg.ID, false}, msg, msg.Flags, msg.ChecksumType, msg.Checksum, msg.Fragment)
	case *message.CallResponse:
		return d.start(entryKey{msg.ID, true}, msg, msg.Flags, msg.ChecksumType, msg.Checksum, msg.Fragment)
	case *message.CallRequestContinue:
		return d.resume(entryKey{msg.ID, false}, msg.Flags, msg.ChecksumType, msg.Checksum, msg.Fragment)
	case *message.CallResponseContinue:
		return d.resume(entryKey{msg.ID, true}, msg.Flags, msg.ChecksumType, msg.Checksum, msg.Fragment)
	default:
		return m, nil
	}
}

func (d *Defragmenter) start(k entryKey, head message.Message, flags byte, t checksum.Type, sum uint32, fragment []byte) (message.Message, error) {
	if _, live := d.entries[k]; live {
		delete(d.entries, k)
		return nil, fmt.Errorf("%w: id=%d", ErrDuplicateID, k.id)
	}
	e := &entry{head: head, state: stateArg1, checksumType: t}
	d.entries[k] = e
	return d.apply(k, e, flags, t, sum, fragment)
}

func (d *Defragmenter) resume(k entryKey, flags byte, t checksum.Type, sum uint32, fragment []byte) (message.Message, error) {
	e, live := d.entries[k]
	if !live {
		return nil, fmt.Errorf("%w: id=%d", ErrOrphanedContinue, k.id)
	}
	if e.failed {
		if flags&message.FlagMoreFragments == 0 {
			delete(d.entries, k)
		}
		return nil, nil
	}
	if t != e.checksumType {
		d.fail(k, e, flags)
		return nil, fmt.Errorf("%w: id=%d %s then %s", checksum.ErrTypeMismatch, k.id, e.checksumType, t)
	}
	return d.apply(k, e, flags, t, sum, fragment)
}

func (d *Defragmenter) apply(k entryKey, e *entry, flags byte, t checksum.Type, sum uint32, fragment []byte) (message.Message, error) {
	chunks, err := splitChunks(fragment)
	if err != nil {
		delete(d.entries, k)
		return nil, fmt.Errorf("%w: id=%d", err, k.id)
	}

	// Verify before touching the entry, seeded with the previous fragment's checksum.
	if actual := checksum.Calculate(t, e.checksum, chunks...); actual != sum {
		d.fail(k, e, flags)
		return nil, fmt.Errorf("fragment id=%d: %w", k.id, &checksum.MismatchError{Type: t, Expected: sum, Actual: actual})
	}
	e.checksum = sum

	for i, c := range chunks {
		switch e.state {
		case stateArg1:
			if len(c) > protocol.MaxArg1Length {
				delete(d.entries, k)
				return nil, fmt.Errorf("%w: id=%d arg1 is %d bytes", ErrArg1TooLarge, k.id, len(c))
			}
			e.arg1 = c
			e.state = stateArg2
		case stateArg2:
			if len(c) == 0 {
				e.state = stateArg3
				continue
			}
			e.arg2 = append(e.arg2, c...)
		case stateArg3:
			if len(c) == 0 {
				if i != len(chunks)-1 {
					delete(d.entries, k)
					return nil, fmt.Errorf("%w: id=%d %d chunks follow", ErrTrailingBytes, k.id, len(chunks)-1-i)
				}
				return d.finish(k, e), nil
			}
			e.arg3 = append(e.arg3, c...)
		}
	}

	if flags&message.FlagMoreFragments != 0 {
		return nil, nil
	}
	if e.state != stateArg3 {
		delete(d.entries, k)
		return nil, fmt.Errorf("%w: id=%d ended in %s", ErrIncompleteCall, k.id, e.state)
	}
	return d.finish(k, e), nil
}

// fail marks the call as lost. The entry stays while more fragments are due, so they
// are not mistaken for continuations of nothing.
func (d *Defragmenter) fail(k entryKey, e *entry, flags byte) {
	if flags&message.FlagMoreFragments == 0 {
		delete(d.entries, k)
		return
	}
	e.failed = true
	e.head, e.arg1, e.arg2, e.arg3 = nil, nil, nil, nil
}

func (d *Defragmenter) finish(k entryKey, e *entry) message.Message {
	delete(d.entries, k)
	switch head := e.head.(type) {
	case *message.CallRequest:
		out := *head
		out.Flags &^= message.FlagMoreFragments
		out.Checksum = e.checksum
		out.Arg1, out.Arg2, out.Arg3 = e.arg1, e.arg2, e.arg3
		out.Fragment = nil
		return &out
	case *message.CallResponse:
		out := *head
		out.Flags &^= message.FlagMoreFragments
		out.Checksum = e.checksum
		out.Arg1, out.Arg2, out.Arg3 = e.arg1, e.arg2, e.arg3
		out.Fragment = nil
		return &out
	default:
		panic(fmt.Sprintf("fragment: unexpected head %T", e.head))
	}
}

// splitChunks parses an argument section into its chunks.
func splitChunks(b []byte) ([][]byte, error) {
	var chunks [][]byte
	for len(b) > 0 {
		if len(b) < 2 {
			return nil, ErrTruncatedChunk
		}
		n := int(binary.BigEndian.Uint16(b))
		if len(b) < 2+n {
			return nil, ErrTruncatedChunk
		}
		chunks = append(chunks, b[2:2+n])
		b = b[2+n:]
	}
	return chunks, nil
}

// Package channel runs the protocol engine for one connection.
//
// Conn does no I/O of its own. The owner of the socket feeds it whatever bytes arrive
// and hands it a sink for outbound bytes:
//
//	socket ──Feed──→ Decoder → codec.Decode → handshake → keepalive → Defragmenter ──deliver──→ app
//	app ────Send───→ Fragmenter → codec.Encode → protocol.Encode ──────────────────────────────→ sink
//
// Feed must be called from a single goroutine. Send may be called from any number of
// goroutines; the frames of one Send are written to the sink together.
package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"tchannel-rpc/codec"
	"tchannel-rpc/fragment"
	"tchannel-rpc/handshake"
	"tchannel-rpc/keepalive"
	"tchannel-rpc/message"
	"tchannel-rpc/protocol"
)

var (
	// ErrClosed is returned by Feed and Send after the connection has been closed.
	ErrClosed = errors.New("channel: connection closed")
	// ErrNotReady is returned by Send for non-handshake traffic before the handshake completes.
	ErrNotReady = errors.New("channel: handshake not complete")
	// ErrUnknownBeforeInit wraps codec.ErrUnknownMessageType when it arrives before the
	// handshake completes. Unlike an unknown type on a ready connection it is fatal.
	ErrUnknownBeforeInit = errors.New("channel: unknown message type before handshake")
)

// Role selects which side of the handshake a Conn plays.
type Role int

const (
	// Inbound connections were accepted and wait for the peer's InitRequest.
	Inbound Role = iota
	// Outbound connections were dialed and send the InitRequest.
	Outbound
)

func (r Role) String() string {
	if r == Outbound {
		return "outbound"
	}
	return "inbound"
}

// Options configure a Conn.
type Options struct {
	Role Role

	// Local is advertised in the InitRequest of an Outbound connection.
	Local message.InitParams

	// MaxPayload caps outbound fragment payloads. Zero means protocol.MaxFramePayload.
	MaxPayload int

	Logger zerolog.Logger

	// OnError receives errors that cost one message but not the connection: checksum
	// failures and, once ready, unknown message types. Defaults to logging them.
	OnError func(id uint32, err error)
}

// Conn is the per-connection protocol engine.
type Conn struct {
	sink    io.WriteCloser
	deliver func(message.Message)
	opts    Options
	log     zerolog.Logger

	// Reader state, owned by the goroutine calling Feed.
	decoder   protocol.Decoder
	gate      *handshake.Gate
	initiator *handshake.Initiator
	defrag    *fragment.Defragmenter

	fragmenter fragment.Fragmenter
	writeMu    sync.Mutex
	nextID     atomic.Uint32

	ready     atomic.Bool
	readyCh   chan struct{}
	peer      atomic.Pointer[message.InitParams]
	closed    atomic.Bool
	closedCh  chan struct{}
	closeOnce sync.Once
	fatalErr  atomic.Pointer[error]
}

// New creates a Conn writing to sink and delivering completed messages to deliver.
// Outbound connections must call Start to send their InitRequest.
func New(sink io.WriteCloser, deliver func(message.Message), opts Options) *Conn {
	c := &Conn{
		sink:       sink,
		deliver:    deliver,
		opts:       opts,
		log:        opts.Logger.With().Str("role", opts.Role.String()).Logger(),
		defrag:     fragment.NewDefragmenter(),
		fragmenter: fragment.Fragmenter{MaxPayload: opts.MaxPayload},
		readyCh:    make(chan struct{}),
		closedCh:   make(chan struct{}),
	}
	if c.opts.OnError == nil {
		c.opts.OnError = func(id uint32, err error) {
			c.log.Warn().Err(err).Uint32("id", id).Msg("message dropped")
		}
	}
	if opts.Role == Outbound {
		c.initiator = handshake.NewInitiator(c.NextID(), opts.Local)
	} else {
		c.gate = handshake.NewGate()
	}
	return c
}

// NextID returns a fresh message id for traffic this side originates.
func (c *Conn) NextID() uint32 {
	return c.nextID.Add(1)
}

// Start sends the InitRequest of an Outbound connection.
func (c *Conn) Start() error {
	if c.initiator == nil {
		return fmt.Errorf("channel: Start on %s connection", c.opts.Role)
	}
	return c.write(c.initiator.Request())
}

// Ready reports whether the handshake has completed.
func (c *Conn) Ready() bool {
	return c.ready.Load()
}

// WaitReady blocks until the handshake completes, the connection closes or ctx ends.
func (c *Conn) WaitReady(ctx context.Context) error {
	select {
	case <-c.readyCh:
		return nil
	case <-c.closedCh:
		if err := c.Err(); err != nil {
			return err
		}
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Peer returns the peer's Init parameters once the handshake has completed.
func (c *Conn) Peer() (message.InitParams, bool) {
	p := c.peer.Load()
	if p == nil {
		return message.InitParams{}, false
	}
	return *p, true
}

// Done is closed when the connection closes.
func (c *Conn) Done() <-chan struct{} {
	return c.closedCh
}

// Err returns the fatal error that closed the connection, if any.
func (c *Conn) Err() error {
	if p := c.fatalErr.Load(); p != nil {
		return *p
	}
	return nil
}

// Close closes the sink. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		close(c.closedCh)
		err = c.sink.Close()
	})
	return err
}

// Feed processes bytes read from the transport. Every complete frame is decoded and run
// through the pipeline before Feed returns. A returned error is fatal: the peer has been
// sent a FatalProtocolError and the sink is closed.
func (c *Conn) Feed(data []byte) error {
	if c.closed.Load() {
		return ErrClosed
	}
	c.decoder.Write(data)
	for {
		f, err := c.decoder.Next()
		if errors.Is(err, protocol.ErrNeedMoreBytes) {
			return nil
		}
		if err != nil {
			return c.fail(0, err)
		}
		if err := c.handleFrame(f); err != nil {
			return err
		}
		if c.closed.Load() {
			return ErrClosed
		}
	}
}

func (c *Conn) handleFrame(f protocol.Frame) error {
	// Step 1: typed message.
	msg, err := codec.Decode(f)
	if err != nil {
		if errors.Is(err, codec.ErrUnknownMessageType) && c.Ready() {
			c.opts.OnError(f.ID, err)
			return nil
		}
		if errors.Is(err, codec.ErrUnknownMessageType) {
			err = fmt.Errorf("%w: %w", ErrUnknownBeforeInit, err)
		}
		return c.fail(f.ID, err)
	}
	c.log.Trace().Stringer("type", f.Type).Uint32("id", f.ID).Int("size", len(f.Payload)).Msg("recv")

	// Step 2: nothing passes until the handshake is done.
	if !c.Ready() {
		forward, err := c.handshake(msg)
		if err != nil || !forward {
			return err
		}
	}

	// Step 3: answer pings, then keep going.
	if reply := keepalive.Respond(msg); reply != nil {
		if err := c.write(reply); err != nil {
			return err
		}
	}

	// Step 4: reassemble calls.
	out, err := c.defrag.Push(msg)
	if err != nil {
		if fragment.IsFatal(err) {
			return c.fail(f.ID, err)
		}
		c.opts.OnError(f.ID, err)
		return nil
	}
	if out != nil {
		c.deliver(out)
	}
	return nil
}

func (c *Conn) handshake(msg message.Message) (bool, error) {
	if c.gate != nil {
		reply, forward, err := c.gate.Handle(msg)
		if reply != nil {
			if werr := c.write(reply); werr != nil && err == nil {
				return false, werr
			}
		}
		if err != nil {
			c.log.Error().Err(err).Uint32("id", msg.MessageID()).Msg("handshake failed")
			c.closeWith(err)
			return false, err
		}
		if c.gate.Ready() {
			c.markReady(c.gate.Peer())
		}
		return forward, nil
	}

	if err := c.initiator.Handle(msg); err != nil {
		return false, c.fail(msg.MessageID(), err)
	}
	c.markReady(c.initiator.Peer())
	return false, nil
}

func (c *Conn) markReady(peer message.InitParams) {
	c.peer.Store(&peer)
	if c.ready.CompareAndSwap(false, true) {
		close(c.readyCh)
		c.log.Debug().Str("peer", peer.HostPort).Str("process", peer.ProcessName).Msg("handshake complete")
	}
}

// Send encodes m and writes it to the sink. Whole CallRequest and CallResponse messages
// are split into fragments first. Before the handshake completes only Init and Error
// messages may be sent.
func (c *Conn) Send(m message.Message) error {
	if c.closed.Load() {
		return ErrClosed
	}
	if !c.Ready() {
		switch m.(type) {
		case *message.InitRequest, *message.InitResponse, *message.Error:
		default:
			return fmt.Errorf("%w: cannot send %s", ErrNotReady, m.Type())
		}
	}

	msgs := []message.Message{m}
	switch m.(type) {
	case *message.CallRequest, *message.CallResponse:
		var err error
		if msgs, err = c.fragmenter.Split(m); err != nil {
			return err
		}
	}
	return c.write(msgs...)
}

// write encodes msgs and writes them to the sink in one call under the write lock.
func (c *Conn) write(msgs ...message.Message) error {
	var buf []byte
	for _, m := range msgs {
		f, err := codec.Encode(m)
		if err != nil {
			return err
		}
		raw, err := protocol.Encode(f)
		if err != nil {
			return err
		}
		buf = append(buf, raw...)
		c.log.Trace().Stringer("type", f.Type).Uint32("id", f.ID).Int("size", len(f.Payload)).Msg("send")
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.closed.Load() {
		return ErrClosed
	}
	if _, err := c.sink.Write(buf); err != nil {
		return fmt.Errorf("channel: write: %w", err)
	}
	return nil
}

// fail reports a fatal protocol error to the peer and closes the connection.
func (c *Conn) fail(id uint32, err error) error {
	c.log.Error().Err(err).Uint32("id", id).Msg("fatal protocol error")
	if werr := c.write(&message.Error{ID: id, Code: message.ErrorTypeFatalProtocolError, Message: err.Error()}); werr != nil {
		c.log.Debug().Err(werr).Msg("could not send protocol error")
	}
	c.closeWith(err)
	return err
}

func (c *Conn) closeWith(err error) {
	c.fatalErr.CompareAndSwap(nil, &err)
	c.Close()
}

// IsFatal reports whether err means the connection had to be closed.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUnknownBeforeInit) {
		return true
	}
	if errors.Is(err, codec.ErrUnknownMessageType) {
		return false
	}
	return fragment.IsFatal(err)
}

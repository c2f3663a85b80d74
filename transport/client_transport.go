// Package transport implements the dialing side of a connection: handshake, multiplexed
// calls, pings and heartbeat.
//
// Many goroutines share one TCP connection. Every call gets its own message id, and a
// single recvLoop feeds the channel.Conn, which reassembles responses and hands them back
// here to be routed by id:
//
//	goroutine-1 ──Call(id=2)──┐
//	goroutine-2 ──Call(id=3)──┼──→ channel.Conn ──→ single TCP conn ──→ Server
//	goroutine-3 ──Ping(id=4)──┘
//
//	recvLoop: Feed → CallResponse(id=3) → pending[3] ← response → goroutine-2 wakes up
package transport

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"tchannel-rpc/channel"
	"tchannel-rpc/message"
)

// ErrConnectionClosed is returned for calls that were pending when the connection closed.
var ErrConnectionClosed = errors.New("transport: connection closed")

// RemoteError is an Error message the peer sent in answer to a call or ping.
type RemoteError struct {
	Code    message.ErrorType
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("transport: peer error %s: %s", e.Code, e.Message)
}

// Options configure a ClientTransport.
type Options struct {
	Local             message.InitParams // advertised in the InitRequest
	HeartbeatInterval time.Duration      // zero disables the heartbeat
	MaxPayload        int
	Logger            zerolog.Logger
}

// ClientTransport is one multiplexed outbound connection.
type ClientTransport struct {
	netConn net.Conn
	conn    *channel.Conn
	log     zerolog.Logger

	// message id → waiting caller; every channel has room for exactly one reply
	pending cmap.ConcurrentMap[uint32, chan reply]
}

type reply struct {
	msg message.Message
	err error
}

// Dial connects to addr and completes the handshake before returning.
func Dial(ctx context.Context, addr string, opts Options) (*ClientTransport, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: dial %s: %w", addr, err)
	}
	return NewClientTransport(ctx, nc, opts)
}

// NewClientTransport runs the handshake over an established connection and starts two
// background goroutines:
//   - recvLoop: feeds every byte read into the protocol engine
//   - heartbeatLoop: pings the peer periodically to detect dead connections
func NewClientTransport(ctx context.Context, nc net.Conn, opts Options) (*ClientTransport, error) {
	t := &ClientTransport{
		netConn: nc,
		log:     opts.Logger.With().Str("remote", nc.RemoteAddr().String()).Logger(),
		pending: cmap.NewWithCustomShardingFunction[uint32, chan reply](func(id uint32) uint32 { return id }),
	}
	t.conn = channel.New(nc, t.dispatch, channel.Options{
		Role:       channel.Outbound,
		Local:      opts.Local,
		MaxPayload: opts.MaxPayload,
		Logger:     t.log,
		OnError:    t.onError,
	})

	go t.recvLoop()

	// Step 1: InitRequest → InitResponse
	if err := t.conn.Start(); err != nil {
		t.Close()
		return nil, err
	}
	if err := t.conn.WaitReady(ctx); err != nil {
		t.Close()
		return nil, fmt.Errorf("transport: handshake with %s: %w", nc.RemoteAddr(), err)
	}
	t.log.Debug().Msg("connected")

	// Step 2: keep it alive
	if opts.HeartbeatInterval > 0 {
		go t.heartbeatLoop(opts.HeartbeatInterval)
	}
	return t, nil
}

// Call sends req and waits for its response. The request is sent under a fresh message
// id; req itself is not modified. A TTL of zero is filled in from ctx's deadline.
func (t *ClientTransport) Call(ctx context.Context, req *message.CallRequest) (*message.CallResponse, error) {
	r := *req
	r.ID = t.conn.NextID()
	if r.TTL == 0 {
		if deadline, ok := ctx.Deadline(); ok {
			r.TTL = ttlUntil(deadline)
		}
	}

	m, err := t.roundTrip(ctx, &r, &message.Cancel{ID: r.ID, TTL: r.TTL, Tracing: r.Tracing})
	if err != nil {
		return nil, err
	}
	res, ok := m.(*message.CallResponse)
	if !ok {
		return nil, fmt.Errorf("transport: call id=%d answered with %s", r.ID, m.Type())
	}
	return res, nil
}

// ttlUntil converts a deadline to a TTL in milliseconds, at least 1 and at most
// math.MaxUint32.
func ttlUntil(deadline time.Time) uint32 {
	ms := time.Until(deadline).Milliseconds()
	return uint32(min(max(ms, 1), math.MaxUint32))
}

// Ping round-trips a PingRequest.
func (t *ClientTransport) Ping(ctx context.Context) error {
	m, err := t.roundTrip(ctx, &message.PingRequest{ID: t.conn.NextID()}, nil)
	if err != nil {
		return err
	}
	if _, ok := m.(*message.PingResponse); !ok {
		return fmt.Errorf("transport: ping answered with %s", m.Type())
	}
	return nil
}

// roundTrip registers a reply slot for m's id, sends m and waits. If ctx ends first,
// onCancel (when not nil) is sent to the peer.
func (t *ClientTransport) roundTrip(ctx context.Context, m message.Message, onCancel message.Message) (message.Message, error) {
	id := m.MessageID()

	// Register BEFORE sending so recvLoop can never see a reply with nowhere to go.
	ch := make(chan reply, 1)
	t.pending.Set(id, ch)

	if err := t.conn.Send(m); err != nil {
		t.pending.Remove(id)
		return nil, err
	}

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if e, ok := r.msg.(*message.Error); ok {
			return nil, &RemoteError{Code: e.Code, Message: e.Message}
		}
		return r.msg, nil
	case <-ctx.Done():
		t.pending.Remove(id)
		if onCancel != nil {
			if c, ok := onCancel.(*message.Cancel); ok {
				c.Why = ctx.Err().Error()
			}
			if err := t.conn.Send(onCancel); err != nil {
				t.log.Debug().Err(err).Uint32("id", id).Msg("send cancel")
			}
		}
		return nil, ctx.Err()
	}
}

// dispatch receives every completed inbound message from the protocol engine.
func (t *ClientTransport) dispatch(m message.Message) {
	switch m.(type) {
	case *message.CallResponse, *message.PingResponse, *message.Error:
		if ch, ok := t.pending.Pop(m.MessageID()); ok {
			ch <- reply{msg: m}
			return
		}
		t.log.Debug().Stringer("type", m.Type()).Uint32("id", m.MessageID()).Msg("reply for unknown id")
	case *message.PingRequest:
		// Already answered by the engine.
	default:
		t.log.Debug().Stringer("type", m.Type()).Uint32("id", m.MessageID()).Msg("ignored")
	}
}

// onError fails the one call whose response could not be accepted.
func (t *ClientTransport) onError(id uint32, err error) {
	t.log.Warn().Err(err).Uint32("id", id).Msg("response dropped")
	if ch, ok := t.pending.Pop(id); ok {
		ch <- reply{err: fmt.Errorf("transport: response id=%d: %w", id, err)}
	}
}

// recvLoop is the only reader of the connection: frame boundaries can only be found by
// reading the stream in order.
func (t *ClientTransport) recvLoop() {
	buf := make([]byte, 64*1024)
	for {
		n, err := t.netConn.Read(buf)
		if n > 0 {
			if ferr := t.conn.Feed(buf[:n]); ferr != nil {
				t.log.Error().Err(ferr).Msg("protocol error")
				t.closeAllPending()
				return
			}
		}
		if err != nil {
			t.conn.Close()
			t.closeAllPending()
			return
		}
	}
}

// closeAllPending fails every waiting caller so none blocks forever.
func (t *ClientTransport) closeAllPending() {
	for _, id := range t.pending.Keys() {
		if ch, ok := t.pending.Pop(id); ok {
			ch <- reply{err: ErrConnectionClosed}
		}
	}
}

// heartbeatLoop pings the peer every interval and closes the connection when a ping fails.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.conn.Done():
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), interval)
			err := t.Ping(ctx)
			cancel()
			if err != nil {
				t.log.Warn().Err(err).Msg("heartbeat failed")
				t.Close()
				return
			}
		}
	}
}

// Peer returns the parameters from the peer's InitResponse. A conforming peer echoes the
// InitParams this side sent, so they describe the local end, not the remote one.
func (t *ClientTransport) Peer() message.InitParams {
	p, _ := t.conn.Peer()
	return p
}

// Done is closed when the connection closes.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.conn.Done()
}

// Closed reports whether the connection has closed.
func (t *ClientTransport) Closed() bool {
	select {
	case <-t.conn.Done():
		return true
	default:
		return false
	}
}

// Close closes the connection and fails every pending call.
func (t *ClientTransport) Close() error {
	err := t.conn.Close()
	t.closeAllPending()
	return err
}

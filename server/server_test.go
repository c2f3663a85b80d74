package server

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tchannel-rpc/checksum"
	"tchannel-rpc/codec"
	"tchannel-rpc/fragment"
	"tchannel-rpc/message"
	"tchannel-rpc/middleware"
	"tchannel-rpc/protocol"
	"tchannel-rpc/registry"
)

var clientParams = message.InitParams{Version: protocol.Version, HostPort: "127.0.0.1:5000", ProcessName: "raw-client"}

// rawPeer speaks the wire protocol by hand, one frame at a time.
type rawPeer struct {
	t      *testing.T
	nc     net.Conn
	defrag *fragment.Defragmenter
}

func dialRaw(t *testing.T, addr string) *rawPeer {
	t.Helper()
	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { nc.Close() })
	p := &rawPeer{t: t, nc: nc, defrag: fragment.NewDefragmenter()}

	p.send(&message.InitRequest{ID: 1, InitParams: clientParams})
	res, ok := p.recv().(*message.InitResponse)
	require.True(t, ok, "expected InitResponse")
	require.Equal(t, uint32(1), res.ID)
	return p
}

func (p *rawPeer) send(msgs ...message.Message) {
	p.t.Helper()
	for _, m := range msgs {
		f, err := codec.Encode(m)
		require.NoError(p.t, err)
		require.NoError(p.t, protocol.WriteFrame(p.nc, f))
	}
}

func (p *rawPeer) call(req *message.CallRequest) {
	p.t.Helper()
	frags, err := fragment.Fragmenter{}.Split(req)
	require.NoError(p.t, err)
	p.send(frags...)
}

// recv returns the next complete message, reassembling fragmented responses.
func (p *rawPeer) recv() message.Message {
	p.t.Helper()
	p.nc.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		f, err := protocol.ReadFrame(p.nc)
		require.NoError(p.t, err)
		m, err := codec.Decode(f)
		require.NoError(p.t, err)
		out, err := p.defrag.Push(m)
		require.NoError(p.t, err)
		if out != nil {
			return out
		}
	}
}

func newTestServer(t *testing.T, reg registry.Registry, setup func(*Server)) (*Server, string) {
	t.Helper()
	svr := NewServer(Options{ProcessName: "test-server", Logger: zerolog.Nop()})
	svr.Register("echo", Echo)
	if setup != nil {
		setup(svr)
	}
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- svr.ServeListener(l, "", reg) }()
	t.Cleanup(func() {
		svr.Shutdown(time.Second)
		assert.NoError(t, <-errCh)
	})
	return svr, svr.Addr().String()
}

func TestServeCall(t *testing.T) {
	_, addr := newTestServer(t, nil, nil)
	p := dialRaw(t, addr)

	p.call(&message.CallRequest{
		ID:           7,
		TTL:          1000,
		Service:      "echo",
		ChecksumType: checksum.Adler32,
		Arg1:         []byte("echo"),
		Arg2:         []byte("k=v"),
		Arg3:         []byte("hello"),
	})

	res, ok := p.recv().(*message.CallResponse)
	require.True(t, ok)
	assert.Equal(t, uint32(7), res.ID)
	assert.Equal(t, message.ResponseOK, res.Code)
	assert.Equal(t, []byte("echo"), res.Arg1)
	assert.Equal(t, []byte("k=v"), res.Arg2)
	assert.Equal(t, []byte("hello"), res.Arg3)
}

func TestServeUnknownService(t *testing.T) {
	_, addr := newTestServer(t, nil, nil)
	p := dialRaw(t, addr)

	p.call(&message.CallRequest{ID: 3, TTL: 1000, Service: "nope", Arg1: []byte("m")})
	e, ok := p.recv().(*message.Error)
	require.True(t, ok)
	assert.Equal(t, uint32(3), e.ID)
	assert.Equal(t, message.ErrorTypeBadRequest, e.Code)
	assert.Contains(t, e.Message, "nope")
}

func TestServePing(t *testing.T) {
	_, addr := newTestServer(t, nil, nil)
	p := dialRaw(t, addr)

	p.send(&message.PingRequest{ID: 42})
	res, ok := p.recv().(*message.PingResponse)
	require.True(t, ok)
	assert.Equal(t, uint32(42), res.ID)
}

func TestServeChecksumMismatch(t *testing.T) {
	_, addr := newTestServer(t, nil, nil)
	p := dialRaw(t, addr)

	var section []byte
	for _, arg := range [][]byte{[]byte("echo"), nil, []byte("body")} {
		section = binary.BigEndian.AppendUint16(section, uint16(len(arg)))
		section = append(section, arg...)
	}
	p.send(&message.CallRequest{
		ID:           9,
		TTL:          1000,
		Service:      "echo",
		ChecksumType: checksum.Adler32,
		Checksum:     12345,
		Fragment:     section,
	})

	e, ok := p.recv().(*message.Error)
	require.True(t, ok)
	assert.Equal(t, uint32(9), e.ID)
	assert.Equal(t, message.ErrorTypeBadRequest, e.Code)

	// The connection is still usable.
	p.call(&message.CallRequest{ID: 10, TTL: 1000, Service: "echo", Arg1: []byte("echo")})
	_, ok = p.recv().(*message.CallResponse)
	assert.True(t, ok)
}

func TestServeCallBeforeInit(t *testing.T) {
	_, addr := newTestServer(t, nil, nil)
	nc, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer nc.Close()
	p := &rawPeer{t: t, nc: nc, defrag: fragment.NewDefragmenter()}

	p.send(&message.PingRequest{ID: 1})
	e, ok := p.recv().(*message.Error)
	require.True(t, ok)
	assert.Equal(t, message.ErrorTypeFatalProtocolError, e.Code)
}

func TestServeMiddlewareOrder(t *testing.T) {
	var mu sync.Mutex
	var order []string
	trace := func(name string) middleware.Middleware {
		return func(next middleware.HandlerFunc) middleware.HandlerFunc {
			return func(ctx context.Context, req *message.CallRequest) message.Message {
				mu.Lock()
				order = append(order, name)
				mu.Unlock()
				return next(ctx, req)
			}
		}
	}

	_, addr := newTestServer(t, nil, func(svr *Server) {
		svr.Use(trace("first"))
		svr.Use(trace("second"))
	})
	p := dialRaw(t, addr)
	p.call(&message.CallRequest{ID: 2, TTL: 1000, Service: "echo", Arg1: []byte("echo")})
	p.recv()

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"first", "second"}, order)
}

func TestServeParallelCalls(t *testing.T) {
	release := make(chan struct{})
	_, addr := newTestServer(t, nil, func(svr *Server) {
		svr.Register("slow", func(ctx context.Context, req *message.CallRequest) message.Message {
			<-release
			return Echo(ctx, req)
		})
	})
	p := dialRaw(t, addr)

	// A blocked call must not hold up the next one on the same connection.
	p.call(&message.CallRequest{ID: 2, TTL: 1000, Service: "slow", Arg1: []byte("s")})
	p.call(&message.CallRequest{ID: 4, TTL: 1000, Service: "echo", Arg1: []byte("e")})
	assert.Equal(t, uint32(4), p.recv().MessageID())

	close(release)
	assert.Equal(t, uint32(2), p.recv().MessageID())
}

// memRegistry is an in-memory Registry.
type memRegistry struct {
	mu        sync.Mutex
	instances map[string][]registry.ServiceInstance
}

func newMemRegistry() *memRegistry {
	return &memRegistry{instances: make(map[string][]registry.ServiceInstance)}
}

func (m *memRegistry) Register(_ context.Context, service string, inst registry.ServiceInstance, _ int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.instances[service] = append(m.instances[service], inst)
	return nil
}

func (m *memRegistry) Deregister(_ context.Context, service, hostPort string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	insts := m.instances[service]
	for i, inst := range insts {
		if inst.HostPort == hostPort {
			m.instances[service] = append(insts[:i], insts[i+1:]...)
			break
		}
	}
	return nil
}

func (m *memRegistry) Discover(_ context.Context, service string) ([]registry.ServiceInstance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]registry.ServiceInstance(nil), m.instances[service]...), nil
}

func (m *memRegistry) Watch(context.Context, string) <-chan []registry.ServiceInstance {
	return nil
}

func TestShutdownDeregisters(t *testing.T) {
	reg := newMemRegistry()
	svr := NewServer(Options{ProcessName: "test-server", Logger: zerolog.Nop()})
	svr.Register("echo", Echo)
	svr.Register("kv", Echo)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	errCh := make(chan error, 1)
	go func() { errCh <- svr.ServeListener(l, "10.0.0.1:4040", reg) }()
	svr.Addr()

	for _, service := range []string{"echo", "kv"} {
		insts, _ := reg.Discover(context.Background(), service)
		require.Len(t, insts, 1)
		assert.Equal(t, "10.0.0.1:4040", insts[0].HostPort)
		assert.Equal(t, "test-server", insts[0].ProcessName)
	}

	p := dialRaw(t, l.Addr().String())
	require.Eventually(t, func() bool { return svr.Connections() == 1 }, time.Second, 10*time.Millisecond)

	require.NoError(t, svr.Shutdown(time.Second))
	require.NoError(t, <-errCh)

	insts, _ := reg.Discover(context.Background(), "echo")
	assert.Empty(t, insts)

	// The open connection is closed.
	p.nc.SetReadDeadline(time.Now().Add(time.Second))
	_, err = protocol.ReadFrame(p.nc)
	assert.Error(t, err)
}

func TestShutdownWaitsForInflight(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	svr, addr := newTestServer(t, nil, func(svr *Server) {
		svr.Register("slow", func(ctx context.Context, req *message.CallRequest) message.Message {
			close(started)
			<-release
			return Echo(ctx, req)
		})
	})
	p := dialRaw(t, addr)
	p.call(&message.CallRequest{ID: 2, TTL: 1000, Service: "slow", Arg1: []byte("s")})
	<-started

	go func() {
		time.Sleep(50 * time.Millisecond)
		close(release)
	}()
	assert.NoError(t, svr.Shutdown(time.Second))
}

func TestShutdownDeclinesNewCalls(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	svr, addr := newTestServer(t, nil, func(svr *Server) {
		svr.Register("slow", func(ctx context.Context, req *message.CallRequest) message.Message {
			close(started)
			<-release
			return Echo(ctx, req)
		})
	})
	p := dialRaw(t, addr)
	p.call(&message.CallRequest{ID: 2, TTL: 1000, Service: "slow", Arg1: []byte("s")})
	<-started

	done := make(chan error, 1)
	go func() { done <- svr.Shutdown(2 * time.Second) }()
	require.Eventually(t, svr.shutdown.Load, time.Second, 5*time.Millisecond)

	// A call arriving while draining is turned away, not added to the wait.
	p.call(&message.CallRequest{ID: 3, TTL: 1000, Service: "echo", Arg1: []byte("e")})
	declined, ok := p.recv().(*message.Error)
	require.True(t, ok)
	assert.Equal(t, uint32(3), declined.ID)
	assert.Equal(t, message.ErrorTypeDeclined, declined.Code)

	close(release)
	res, ok := p.recv().(*message.CallResponse)
	require.True(t, ok)
	assert.Equal(t, uint32(2), res.ID)
	assert.NoError(t, <-done)
}

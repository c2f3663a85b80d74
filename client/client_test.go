package client

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tchannel-rpc/message"
	"tchannel-rpc/middleware"
	"tchannel-rpc/protocol"
	"tchannel-rpc/registry"
	"tchannel-rpc/server"
	"tchannel-rpc/transport"
)

// ---- in-memory registry, no etcd needed ----

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

// whoami answers with the name of the process that served the call.
func whoami(name string) middleware.HandlerFunc {
	return func(_ context.Context, req *message.CallRequest) message.Message {
		return &message.CallResponse{ID: req.ID, Code: message.ResponseOK, Arg1: req.Arg1, Arg3: []byte(name)}
	}
}

func startServer(t testing.TB, reg registry.Registry, name string, h middleware.HandlerFunc) *server.Server {
	t.Helper()
	svr := server.NewServer(server.Options{ProcessName: name, Logger: zerolog.Nop()})
	svr.Register("who", h)
	svr.Register("echo", server.Echo)
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(l, "", reg)
	svr.Addr()
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return svr
}

func newClient(t testing.TB, reg registry.Registry) *Client {
	t.Helper()
	return NewClient(reg, transport.Options{
		Local:  message.InitParams{Version: protocol.Version, HostPort: "0.0.0.0:0", ProcessName: "client-test"},
		Logger: zerolog.Nop(),
	})
}

func TestPingAll(t *testing.T) {
	reg := newMemRegistry()
	startServer(t, reg, "a", whoami("a"))
	startServer(t, reg, "b", whoami("b"))
	c := newClient(t, reg)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	results, err := c.PingAll(ctx, "who")
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NoError(t, r.Err, r.Instance.HostPort)
		assert.Positive(t, r.RTT)
	}
}

func TestCallAll(t *testing.T) {
	reg := newMemRegistry()
	startServer(t, reg, "a", whoami("a"))
	startServer(t, reg, "b", whoami("b"))
	c := newClient(t, reg)

	req := &message.CallRequest{TTL: 1000, Arg1: []byte("who")}
	results, err := c.CallAll(context.Background(), "who", req)
	require.NoError(t, err)

	seen := map[string]bool{}
	for _, r := range results {
		require.NoError(t, r.Err)
		seen[string(r.Response.Arg3)] = true
	}
	assert.Equal(t, map[string]bool{"a": true, "b": true}, seen)
	assert.Empty(t, req.Service, "caller's request must not be modified")
}

func TestCallAllEcho(t *testing.T) {
	reg := newMemRegistry()
	startServer(t, reg, "a", whoami("a"))
	c := newClient(t, reg)

	results, err := c.CallAll(context.Background(), "echo", &message.CallRequest{
		TTL:  1000,
		Arg1: []byte("echo"),
		Arg2: []byte("h"),
		Arg3: []byte("payload"),
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.NoError(t, results[0].Err)
	assert.Equal(t, []byte("payload"), results[0].Response.Arg3)
}

func TestNoInstances(t *testing.T) {
	c := newClient(t, newMemRegistry())
	_, err := c.PingAll(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNoInstances)
}

func TestUnreachableInstance(t *testing.T) {
	reg := newMemRegistry()
	startServer(t, reg, "a", whoami("a"))

	// A registered instance with nothing listening behind it.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	dead := l.Addr().String()
	l.Close()
	reg.Register(context.Background(), "who", registry.ServiceInstance{HostPort: dead, ProcessName: "dead"}, 10)

	c := newClient(t, reg)
	results, err := c.PingAll(context.Background(), "who")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.NoError(t, results[0].Err)
	assert.Error(t, results[1].Err)
	assert.Equal(t, dead, results[1].Instance.HostPort)
}

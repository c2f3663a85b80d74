package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tchannel-rpc/checksum"
	"tchannel-rpc/message"
	"tchannel-rpc/middleware"
	"tchannel-rpc/protocol"
	"tchannel-rpc/server"
)

var local = message.InitParams{Version: protocol.Version, HostPort: "127.0.0.1:0", ProcessName: "transport-test"}

// startServer runs a server with an echo service, a failing service and a service that
// blocks until its call is cancelled. Cancelled call ids are sent on the returned channel.
func startServer(t *testing.T) (string, <-chan uint32) {
	t.Helper()
	cancelled := make(chan uint32, 8)

	svr := server.NewServer(server.Options{ProcessName: "test-server", Logger: zerolog.Nop()})
	svr.Register("echo", server.Echo)
	svr.Register("fail", func(_ context.Context, req *message.CallRequest) message.Message {
		return middleware.ErrorFor(req, message.ErrorTypeBadRequest, "no such method "+string(req.Arg1))
	})
	svr.Register("hang", func(ctx context.Context, req *message.CallRequest) message.Message {
		<-ctx.Done()
		cancelled <- req.ID
		return nil
	})

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go svr.ServeListener(l, "", nil)
	t.Cleanup(func() { svr.Shutdown(time.Second) })
	return l.Addr().String(), cancelled
}

func dial(t *testing.T, addr string) *ClientTransport {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ct, err := Dial(ctx, addr, Options{Local: local, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { ct.Close() })
	return ct
}

func TestCallRoundTrip(t *testing.T) {
	addr, _ := startServer(t)
	ct := dial(t, addr)

	assert.Equal(t, local, ct.Peer())

	cases := []struct {
		name       string
		arg2, arg3 []byte
	}{
		{"empty", nil, nil},
		{"small", []byte("headers"), []byte("body")},
		// Spans several frames in both directions.
		{"fragmented", bytes.Repeat([]byte{'h'}, 70_000), bytes.Repeat([]byte{'b'}, 200_000)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := &message.CallRequest{
				TTL:          1000,
				Service:      "echo",
				Headers:      message.Headers{"as": "raw"},
				ChecksumType: checksum.Adler32,
				Arg1:         []byte("echo::" + tc.name),
				Arg2:         tc.arg2,
				Arg3:         tc.arg3,
			}
			res, err := ct.Call(context.Background(), req)
			require.NoError(t, err)
			assert.Equal(t, message.ResponseOK, res.Code)
			assert.Equal(t, req.Arg1, res.Arg1)
			assert.Equal(t, len(tc.arg2), len(res.Arg2))
			assert.Equal(t, len(tc.arg3), len(res.Arg3))
			assert.True(t, bytes.Equal(tc.arg3, res.Arg3))
			assert.Equal(t, "raw", res.Headers["as"])
			assert.Zero(t, req.ID, "caller's request must not be modified")
		})
	}
}

func TestConcurrentCalls(t *testing.T) {
	addr, _ := startServer(t)
	ct := dial(t, addr)

	const n = 50
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			body := []byte(fmt.Sprintf("call-%d", i))
			res, err := ct.Call(context.Background(), &message.CallRequest{
				TTL:     1000,
				Service: "echo",
				Arg1:    []byte("echo"),
				Arg3:    body,
			})
			if err != nil {
				errs <- err
				return
			}
			if !bytes.Equal(body, res.Arg3) {
				errs <- fmt.Errorf("call %d got %q", i, res.Arg3)
			}
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestPing(t *testing.T) {
	addr, _ := startServer(t)
	ct := dial(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		require.NoError(t, ct.Ping(ctx))
	}
}

func TestRemoteError(t *testing.T) {
	addr, _ := startServer(t)
	ct := dial(t, addr)

	for _, service := range []string{"fail", "missing"} {
		_, err := ct.Call(context.Background(), &message.CallRequest{TTL: 1000, Service: service, Arg1: []byte("m")})
		var remote *RemoteError
		require.ErrorAs(t, err, &remote, service)
		assert.Equal(t, message.ErrorTypeBadRequest, remote.Code)
	}

	// The connection survives a per-call error.
	_, err := ct.Call(context.Background(), &message.CallRequest{TTL: 1000, Service: "echo", Arg1: []byte("m")})
	assert.NoError(t, err)
}

func TestCallCancel(t *testing.T) {
	addr, cancelled := startServer(t)
	ct := dial(t, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := ct.Call(ctx, &message.CallRequest{Service: "hang", Arg1: []byte("m")})
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The Cancel reaches the server and stops the handler.
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("server never saw the Cancel")
	}
}

func TestCloseFailsPendingCalls(t *testing.T) {
	addr, _ := startServer(t)
	ct := dial(t, addr)

	done := make(chan error, 1)
	go func() {
		_, err := ct.Call(context.Background(), &message.CallRequest{Service: "hang", Arg1: []byte("m")})
		done <- err
	}()

	time.Sleep(100 * time.Millisecond)
	ct.Close()

	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrConnectionClosed), "got %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("pending call never returned")
	}
	assert.True(t, ct.Closed())

	_, err := ct.Call(context.Background(), &message.CallRequest{Service: "echo", Arg1: []byte("m")})
	assert.Error(t, err)
}

func TestHandshakeRejected(t *testing.T) {
	// A peer that answers the InitRequest with garbage.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	go func() {
		nc, err := l.Accept()
		if err != nil {
			return
		}
		defer nc.Close()
		buf := make([]byte, 1024)
		nc.Read(buf)
		raw, _ := protocol.Encode(protocol.Frame{Type: protocol.MessageTypePingResponse, ID: 1})
		nc.Write(raw)
		nc.Read(buf)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = Dial(ctx, l.Addr().String(), Options{Local: local, Logger: zerolog.Nop()})
	assert.Error(t, err)
}

func TestHeartbeat(t *testing.T) {
	addr, _ := startServer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ct, err := Dial(ctx, addr, Options{Local: local, HeartbeatInterval: 20 * time.Millisecond, Logger: zerolog.Nop()})
	require.NoError(t, err)
	defer ct.Close()

	// Several heartbeats go by without tearing the connection down.
	time.Sleep(150 * time.Millisecond)
	assert.False(t, ct.Closed())
}

func TestTTLFromDeadline(t *testing.T) {
	assert.Equal(t, uint32(1), ttlUntil(time.Now().Add(-time.Second)))
	assert.InDelta(t, 5000, ttlUntil(time.Now().Add(5*time.Second)), 100)
	assert.Equal(t, uint32(math.MaxUint32), ttlUntil(time.Now().Add(60*24*time.Hour)))
}

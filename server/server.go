// Package server implements the accepting side: per-service handlers behind a middleware
// chain, parallel call processing, registry advertisement and graceful shutdown.
//
// Call processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads bytes into channel.Conn.Feed)
//	  → channel.Conn: handshake → keepalive → defragmentation
//	    → for each reassembled CallRequest: go handleRequest (parallel processing)
//	      → Middleware Chain → businessHandler (service lookup) → channel.Conn.Send
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	cmap "github.com/orcaman/concurrent-map/v2"
	"github.com/rs/zerolog"

	"tchannel-rpc/channel"
	"tchannel-rpc/checksum"
	"tchannel-rpc/message"
	"tchannel-rpc/middleware"
	"tchannel-rpc/protocol"
	"tchannel-rpc/registry"
)

// Options configure a Server.
type Options struct {
	ProcessName string
	MaxPayload  int
	RegistryTTL int64 // seconds; defaults to 10
	Logger      zerolog.Logger
}

// Server serves calls for its registered services.
type Server struct {
	opts          Options
	log           zerolog.Logger
	serviceMap    map[string]middleware.HandlerFunc // "kv" → handler
	listener      net.Listener
	wg            sync.WaitGroup          // Tracks in-flight calls for graceful shutdown
	drainMu       sync.Mutex              // Orders wg.Add against setting shutdown
	shutdown      atomic.Bool             // Set during shutdown; declines new calls and suppresses Accept errors
	middlewares   []middleware.Middleware // Applied in the order added
	handler       middleware.HandlerFunc  // middleware(middleware(...(businessHandler)))
	registry      registry.Registry       // nil when not using discovery
	advertiseAddr string                  // host_port registered in etcd

	// remote address → live connection
	sessions cmap.ConcurrentMap[string, *session]
	ready    chan struct{} // closed once listening
}

// session is one accepted connection and the calls in flight on it.
type session struct {
	conn     *channel.Conn
	inflight cmap.ConcurrentMap[uint32, context.CancelFunc]
}

// NewServer creates a server with no services.
func NewServer(opts Options) *Server {
	if opts.RegistryTTL <= 0 {
		opts.RegistryTTL = 10
	}
	return &Server{
		opts:       opts,
		log:        opts.Logger.With().Str("component", "server").Logger(),
		serviceMap: make(map[string]middleware.HandlerFunc),
		sessions:   cmap.New[*session](),
		ready:      make(chan struct{}),
	}
}

// Register routes calls for service to h. It must be called before Serve.
func (svr *Server) Register(service string, h middleware.HandlerFunc) {
	svr.serviceMap[service] = h
}

// Use registers a middleware. Middlewares are applied in the order they are added.
func (svr *Server) Use(mw middleware.Middleware) {
	svr.middlewares = append(svr.middlewares, mw)
}

// Serve listens on address and serves until Shutdown. See ServeListener.
func (svr *Server) Serve(network, address, advertiseAddr string, reg registry.Registry) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return err
	}
	return svr.ServeListener(listener, advertiseAddr, reg)
}

// ServeListener registers every service under advertiseAddr (when reg is not nil) and
// runs the Accept loop on listener. advertiseAddr defaults to the listener's address.
func (svr *Server) ServeListener(listener net.Listener, advertiseAddr string, reg registry.Registry) error {
	svr.listener = listener
	if advertiseAddr == "" {
		advertiseAddr = listener.Addr().String()
	}
	svr.advertiseAddr = advertiseAddr

	// Build the middleware chain once at startup, not per call.
	svr.handler = middleware.Chain(svr.middlewares...)(svr.businessHandler)

	if reg != nil {
		svr.registry = reg
		for service := range svr.serviceMap {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := reg.Register(ctx, service, registry.ServiceInstance{
				HostPort:    advertiseAddr,
				ProcessName: svr.opts.ProcessName,
				Version:     protocol.Version,
			}, svr.opts.RegistryTTL)
			cancel()
			if err != nil {
				listener.Close()
				return fmt.Errorf("server: register %s: %w", service, err)
			}
		}
	}

	close(svr.ready)
	svr.log.Info().Str("listen", listener.Addr().String()).Str("advertise", advertiseAddr).Msg("serving")

	// Accept loop: one goroutine per connection
	for {
		conn, err := listener.Accept()
		if err != nil {
			// listener.Close() during shutdown also surfaces here.
			if svr.shutdown.Load() {
				return nil
			}
			return err
		}
		go svr.handleConn(conn)
	}
}

// Ready is closed once the server has registered and is accepting connections.
func (svr *Server) Ready() <-chan struct{} {
	return svr.ready
}

// Addr waits until the server is listening and returns its address.
func (svr *Server) Addr() net.Addr {
	<-svr.ready
	return svr.listener.Addr()
}

// handleConn reads one connection. Reads are sequential, since frames can only be cut
// from the stream in order, but each reassembled call is handled on its own goroutine.
// channel.Conn serialises the writes of concurrent responses.
func (svr *Server) handleConn(nc net.Conn) {
	defer nc.Close()
	remote := nc.RemoteAddr().String()
	log := svr.log.With().Str("remote", remote).Logger()

	s := &session{inflight: cmap.NewWithCustomShardingFunction[uint32, context.CancelFunc](func(id uint32) uint32 { return id })}
	s.conn = channel.New(nc, func(m message.Message) { svr.dispatch(s, m) }, channel.Options{
		Role:       channel.Inbound,
		MaxPayload: svr.opts.MaxPayload,
		Logger:     log,
		OnError:    func(id uint32, err error) { svr.onError(s, id, err) },
	})
	svr.sessions.Set(remote, s)
	defer func() {
		svr.sessions.Remove(remote)
		// Nobody is left to answer.
		for _, id := range s.inflight.Keys() {
			if cancel, ok := s.inflight.Pop(id); ok {
				cancel()
			}
		}
	}()

	buf := make([]byte, 64*1024)
	for {
		n, err := nc.Read(buf)
		if n > 0 {
			if ferr := s.conn.Feed(buf[:n]); ferr != nil {
				log.Warn().Err(ferr).Msg("closing connection")
				return
			}
		}
		if err != nil {
			s.conn.Close()
			return
		}
	}
}

// dispatch receives every completed inbound message of one connection.
func (svr *Server) dispatch(s *session, m message.Message) {
	switch msg := m.(type) {
	case *message.CallRequest:
		svr.drainMu.Lock()
		if svr.shutdown.Load() {
			svr.drainMu.Unlock()
			if err := s.conn.Send(middleware.ErrorFor(msg, message.ErrorTypeDeclined, "server shutting down")); err != nil {
				svr.log.Debug().Err(err).Uint32("id", msg.ID).Msg("send decline")
			}
			return
		}
		svr.wg.Add(1)
		svr.drainMu.Unlock()

		ctx, cancel := context.WithCancel(context.Background())
		s.inflight.Set(msg.ID, cancel)
		// Without `go`, a slow handler would block every later call on this connection.
		go svr.handleRequest(ctx, s, msg)
	case *message.Cancel:
		if cancel, ok := s.inflight.Pop(msg.ID); ok {
			cancel()
		}
		svr.log.Debug().Uint32("id", msg.ID).Str("why", msg.Why).Msg("cancel")
	case *message.PingRequest:
		// Answered by the engine.
	case *message.Error:
		svr.log.Warn().Uint32("id", msg.ID).Stringer("code", msg.Code).Str("message", msg.Message).Msg("peer error")
	default:
		svr.log.Debug().Stringer("type", m.Type()).Uint32("id", m.MessageID()).Msg("ignored")
	}
}

// handleRequest runs one call through the middleware chain and sends the result.
func (svr *Server) handleRequest(ctx context.Context, s *session, req *message.CallRequest) {
	defer svr.wg.Done()
	defer func() {
		if cancel, ok := s.inflight.Pop(req.ID); ok {
			cancel()
		}
	}()

	// Step 1: middleware chain → business handler
	resp := svr.handler(ctx, req)
	if ctx.Err() != nil {
		return // Cancelled by the caller, nobody is waiting.
	}

	// Step 2: answer under the request's id, which is how the caller matches it
	switch r := resp.(type) {
	case *message.CallResponse:
		r.ID = req.ID
	case *message.Error:
		r.ID = req.ID
	case nil:
		resp = middleware.ErrorFor(req, message.ErrorTypeUnexpectedError, "handler returned no response")
	default:
		resp = middleware.ErrorFor(req, message.ErrorTypeUnexpectedError, fmt.Sprintf("handler returned %s", resp.Type()))
	}

	if err := s.conn.Send(resp); err != nil {
		svr.log.Warn().Err(err).Uint32("id", req.ID).Msg("send response")
	}
}

// onError answers a call whose fragments failed verification.
func (svr *Server) onError(s *session, id uint32, err error) {
	var mismatch *checksum.MismatchError
	if errors.As(err, &mismatch) || errors.Is(err, checksum.ErrTypeMismatch) {
		if serr := s.conn.Send(&message.Error{ID: id, Code: message.ErrorTypeBadRequest, Message: err.Error()}); serr != nil {
			svr.log.Warn().Err(serr).Uint32("id", id).Msg("send error")
		}
		return
	}
	svr.log.Warn().Err(err).Uint32("id", id).Msg("message dropped")
}

// businessHandler routes a call to the handler registered for its service.
func (svr *Server) businessHandler(ctx context.Context, req *message.CallRequest) message.Message {
	h, ok := svr.serviceMap[req.Service]
	if !ok {
		return middleware.ErrorFor(req, message.ErrorTypeBadRequest, fmt.Sprintf("no handler for service %q", req.Service))
	}
	return h(ctx, req)
}

// Connections returns the number of live connections.
func (svr *Server) Connections() int {
	return svr.sessions.Count()
}

// Shutdown performs graceful shutdown:
//  1. Deregister every service (callers stop discovering this server)
//  2. Set the shutdown flag: the Accept error is recognised as intentional and new
//     calls on open connections are declined
//  3. Close the listener
//  4. Wait for in-flight calls, up to timeout
//  5. Close the remaining connections
func (svr *Server) Shutdown(timeout time.Duration) error {
	// Step 1: deregister FIRST so no new calls are routed here
	if svr.registry != nil {
		for service := range svr.serviceMap {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			if err := svr.registry.Deregister(ctx, service, svr.advertiseAddr); err != nil {
				svr.log.Warn().Err(err).Str("service", service).Msg("deregister")
			}
			cancel()
		}
	}

	// Step 2 and 3: flag BEFORE closing, or Serve would report the Accept error
	svr.drainMu.Lock()
	svr.shutdown.Store(true)
	svr.drainMu.Unlock()
	if svr.listener != nil {
		svr.listener.Close()
	}

	// Step 4
	done := make(chan struct{})
	go func() {
		svr.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = fmt.Errorf("server: timeout waiting for in-flight calls to finish")
	}

	// Step 5
	for _, s := range svr.sessions.Items() {
		s.conn.Close()
	}
	return err
}

// Echo answers every call with its own arguments.
func Echo(_ context.Context, req *message.CallRequest) message.Message {
	return &message.CallResponse{
		ID:           req.ID,
		Code:         message.ResponseOK,
		Headers:      req.Headers,
		ChecksumType: req.ChecksumType,
		Arg1:         req.Arg1,
		Arg2:         req.Arg2,
		Arg3:         req.Arg3,
	}
}

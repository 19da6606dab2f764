// The MIT License (MIT)
//
// Copyright (c) 2013-2017 Oryx(ossrs)
//
// Permission is hereby granted, free of charge, to any person obtaining a copy of
// this software and associated documentation files (the "Software"), to deal in
// the Software without restriction, including without limitation the rights to
// use, copy, modify, merge, publish, distribute, sublicense, and/or sell copies of
// the Software, and to permit persons to whom the Software is furnished to do so,
// subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in all
// copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY, FITNESS
// FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE AUTHORS OR
// COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER LIABILITY, WHETHER
// IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM, OUT OF OR IN
// CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN THE SOFTWARE.

package ncp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/ncplib/go-ncp/logger"
	"github.com/ncplib/go-ncp/packet"
	"github.com/ncplib/go-ncp/value"
)

// Handler processes one accepted, already-handshaken Connection. When it
// returns, the server closes the connection.
type Handler func(ctx context.Context, conn *Connection) error

// Server is an NCP listener: it binds a socket, accepts connections,
// performs the mirror LINK handshake on each, and invokes a Handler.
// Use Start to create one. The accept loop and every handler live in one
// errgroup.Group, which backs WaitClosed.
type Server struct {
	listener net.Listener
	handler  Handler
	opts     options

	group    *errgroup.Group
	groupCtx context.Context
	cancel   context.CancelFunc

	mu      sync.Mutex
	cancels map[*Connection]context.CancelFunc
}

// Start binds host:port and begins accepting connections, dispatching
// each to handler after completing the handshake (unless
// WithAutoAuth(false) is given).
func Start(ctx context.Context, handler Handler, host string, port int, opts ...Option) (*Server, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%d", host, port))
	if err != nil {
		return nil, err
	}

	parentCtx, cancel := context.WithCancel(ctx)
	group, groupCtx := errgroup.WithContext(parentCtx)

	s := &Server{
		listener: ln,
		handler:  handler,
		opts:     o,
		group:    group,
		groupCtx: groupCtx,
		cancel:   cancel,
		cancels:  make(map[*Connection]context.CancelFunc),
	}

	logger.T(nil, fmt.Sprintf("listening on %s over NCP", ln.Addr()))

	group.Go(s.acceptLoop)

	return s, nil
}

// Addr returns the server's bound listening address.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) acceptLoop() error {
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.groupCtx.Done():
				return nil
			default:
				return err
			}
		}
		s.group.Go(func() error {
			s.handleConnection(netConn)
			return nil
		})
	}
}

func (s *Server) handleConnection(netConn net.Conn) {
	conn := newConnection(netConn, s.opts)

	ctx, cancel := context.WithCancel(s.groupCtx)
	s.mu.Lock()
	s.cancels[conn] = cancel
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.cancels, conn)
		s.mu.Unlock()
		cancel()
		_ = conn.Close()
		_ = conn.WaitClosed(context.Background())
	}()

	if s.opts.autoAuth {
		if err := s.handshake(ctx, conn); err != nil {
			logger.W(conn, fmt.Sprintf("handshake failed: %s", err))
			return
		}
	}

	err := s.handler(ctx, conn)
	if err == nil {
		return
	}

	var cmdErr *CommandError
	var decErr *packet.DecodeError
	switch {
	case errors.As(err, &cmdErr), errors.As(err, &decErr):
		logger.W(conn, fmt.Sprintf("connection error over NCP: %s", err))
		s.sendErrorReply(conn, "Bad request", 400)
	default:
		logger.E(conn, fmt.Sprintf("unexpected error over NCP: %s", err))
		s.sendErrorReply(conn, "Server error", 500)
	}
}

// handshake performs the server side of the LINK authentication
// handshake: send HELO, receive CCRE{CIW}, send SCAR, receive CARE, send
// SCON. A missing CIW in CCRE is a distinct failure that replies with
// ERRC=401 before closing.
func (s *Server) handshake(ctx context.Context, conn *Connection) error {
	// Register for the reply before each request goes out, like the
	// client side: over loopback the peer can answer before a
	// post-write register.
	id, ch := conn.register()
	if _, err := conn.Send("LINK", FieldInput{Name: "HELO"}); err != nil {
		conn.unregister(id)
		return &HandshakeError{Step: "HELO", Err: err}
	}

	params, err := conn.recvRegistered(ctx, id, ch, "LINK", "CCRE", nil)
	if err != nil {
		return &HandshakeError{Step: "CCRE", Err: err}
	}

	ciw, ok := params.Get("CIW")
	if !ok {
		s.sendErrorReply(conn, "CIW - This field is required", 401)
		return &HandshakeError{Step: "CCRE", Err: fmt.Errorf("CIW field is required")}
	}
	if raw, ok := ciw.(value.Raw); ok {
		conn.setRemoteIdentity(fmt.Sprintf("%x", []byte(raw)))
	}

	id, ch = conn.register()
	if _, err := conn.Send("LINK", FieldInput{Name: "SCAR"}); err != nil {
		conn.unregister(id)
		return &HandshakeError{Step: "SCAR", Err: err}
	}

	if _, err := conn.recvRegistered(ctx, id, ch, "LINK", "CARE", nil); err != nil {
		return &HandshakeError{Step: "CARE", Err: err}
	}

	if _, err := conn.Send("LINK", FieldInput{Name: "SCON"}); err != nil {
		return &HandshakeError{Step: "SCON", Err: err}
	}

	logger.T(conn, fmt.Sprintf("handshake complete, remote=%s", conn.RemoteIdentity()))
	return nil
}

func (s *Server) sendErrorReply(conn *Connection, message string, code int32) {
	params := packet.NewParams()
	params.Set("ERRO", value.String(message))
	params.Set("ERRC", value.Int(int64(code)))
	if _, err := conn.Send("LINK", FieldInput{Name: "ERRO", Params: params}); err != nil {
		logger.W(conn, fmt.Sprintf("failed to send error reply: %s", err))
	}
}

// Close stops accepting new connections and cancels every outstanding
// handler's context; use WaitClosed to wait for them to actually exit.
func (s *Server) Close() error {
	s.cancel()
	err := s.listener.Close()

	s.mu.Lock()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.mu.Unlock()

	return err
}

// WaitClosed completes when all handlers have exited and the listener
// has shut down, returning the first non-nil error any of them returned.
func (s *Server) WaitClosed() error {
	return s.group.Wait()
}

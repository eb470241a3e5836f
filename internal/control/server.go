// Copyright 2024 AgentFS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package control

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"

	"agentfs/internal/common"
)

// MaxRequestBytes bounds the encoded size of one request.
const MaxRequestBytes = 1 << 20

var errRequestTooLarge = fmt.Errorf("%w: request exceeds %d bytes", common.ErrInvalidArgument, MaxRequestBytes)

// requestLimit fails reads once more than MaxRequestBytes have been consumed
// since the last reset. Decoders buffer ahead, so the bound is approximate
// by at most one read.
type requestLimit struct {
	r    io.Reader
	left int64
}

func (l *requestLimit) reset() { l.left = MaxRequestBytes }

func (l *requestLimit) Read(p []byte) (int, error) {
	if l.left <= 0 {
		return 0, errRequestTooLarge
	}
	if int64(len(p)) > l.left {
		p = p[:l.left]
	}
	n, err := l.r.Read(p)
	l.left -= int64(n)
	return n, err
}

// Server is the control socket server
type Server struct {
	path    string
	handler Handler

	mu       sync.Mutex
	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup
}

// NewServer creates a server that will listen on the unix socket at path.
func NewServer(path string, handler Handler) *Server {
	return &Server{path: path, handler: handler, conns: make(map[net.Conn]struct{})}
}

// Path returns the socket path.
func (s *Server) Path() string { return s.path }

// Start binds the socket and starts accepting connections
func (s *Server) Start(ctx context.Context) error {
	// A stale socket from a crashed daemon blocks the bind.
	_ = os.Remove(s.path)

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "unix", s.path)
	if err != nil {
		return fmt.Errorf("failed to create socket: %w", err)
	}
	if err := os.Chmod(s.path, 0600); err != nil {
		listener.Close()
		return fmt.Errorf("failed to restrict socket permissions: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()

	log.Infof("[Control] listening on %s", s.path)
	s.wg.Add(1)
	go s.accept(ctx, listener)
	return nil
}

// Stop closes the listener and every open connection, then waits for the
// connection goroutines to exit.
func (s *Server) Stop() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
		_ = os.Remove(s.path)
	}
	for c := range s.conns {
		c.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) accept(ctx context.Context, listener net.Listener) {
	defer s.wg.Done()
	for {
		conn, err := listener.Accept()
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				log.Warnf("[Control] accept failed: %v", err)
			}
			return // Server stopped
		}
		s.mu.Lock()
		if s.listener == nil {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.handleConn(ctx, conn)
	}
}

// connIdentity attributes calls that carry no pid: the peer's pid when the
// platform reports it, otherwise an identity private to the connection.
func connIdentity(conn net.Conn) common.Identity {
	if pid, ok := peerPID(conn); ok {
		return common.PID(pid)
	}
	return common.Identity("conn:" + uuid.NewString())
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer s.wg.Done()
	defer func() {
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
		conn.Close()
	}()

	r := bufio.NewReader(conn)
	codec := JSON
	if first, err := r.Peek(1); err != nil {
		return
	} else if first[0] == PreambleCBOR {
		_, _ = r.ReadByte()
		codec = CBOR
	}
	limit := &requestLimit{r: r}
	dec := codec.NewDecoder(limit)
	enc := codec.NewEncoder(conn)
	who := connIdentity(conn)
	log.Debugf("[Control] connection from %s (%s)", who, codec.Name())

	for {
		var req Request
		limit.reset()
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				return
			}
			if errors.Is(err, errRequestTooLarge) {
				log.Warnf("[Control] dropping %s: %v", who, err)
				_ = enc.Encode(Failure(err))
				return
			}
			// The stream cannot be resynchronized after a framing error.
			_ = enc.Encode(Failure(fmt.Errorf("%w: malformed request: %v", common.ErrInvalidArgument, err)))
			return
		}
		if err := enc.Encode(s.handler.Handle(ctx, who, &req)); err != nil {
			log.Debugf("[Control] write to %s failed: %v", who, err)
			return
		}
	}
}

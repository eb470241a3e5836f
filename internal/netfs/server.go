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

// Package netfs exports the engine over NFSv3 so that ordinary processes can
// mount a branch.
package netfs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"

	log "github.com/sirupsen/logrus"
	nfs "github.com/willscott/go-nfs"
	nfshelper "github.com/willscott/go-nfs/helpers"

	"agentfs/internal/common"
	"agentfs/internal/vfs"
)

// DefaultIdentity is the identity NFS calls run as unless configured.
const DefaultIdentity = common.Identity("nfs")

// handleCacheSize bounds the go-nfs file handle cache.
const handleCacheSize = 65536

// Server wraps the go-nfs server
type Server struct {
	server *nfs.Server
	cancel context.CancelFunc

	mu       sync.Mutex
	listener net.Listener
}

// NewServer creates an NFS server exporting fs as who.
func NewServer(fs *vfs.FS, who common.Identity) *Server {
	// Match the go-nfs log level to ours
	if log.IsLevelEnabled(log.TraceLevel) {
		nfs.Log.SetLevel(nfs.TraceLevel)
	} else if log.IsLevelEnabled(log.DebugLevel) {
		nfs.Log.SetLevel(nfs.DebugLevel)
	}
	if who == "" {
		who = DefaultIdentity
	}
	ctx, cancel := context.WithCancel(context.Background())
	handler := nfshelper.NewNullAuthHandler(NewBillyAdapter(ctx, fs, who))
	return &Server{
		server: &nfs.Server{
			Handler: nfshelper.NewCachingHandler(handler, handleCacheSize),
			Context: ctx,
		},
		cancel: cancel,
	}
}

// Listen binds addr (e.g. "127.0.0.1:0"). Call Serve to accept.
func (s *Server) Listen(addr string) (net.Addr, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen: %w", err)
	}
	s.mu.Lock()
	s.listener = listener
	s.mu.Unlock()
	log.Infof("[NFS] listening on %s", listener.Addr())
	return listener.Addr(), nil
}

// Serve accepts connections until Shutdown. It returns nil after a clean
// shutdown.
func (s *Server) Serve() error {
	s.mu.Lock()
	listener := s.listener
	s.mu.Unlock()
	if listener == nil {
		return errors.New("nfs server is not listening")
	}
	err := s.server.Serve(listener)
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}

// Shutdown stops accepting connections and cancels in-flight handlers.
func (s *Server) Shutdown() {
	s.mu.Lock()
	if s.listener != nil {
		s.listener.Close()
		s.listener = nil
	}
	s.mu.Unlock()
	s.cancel()
}

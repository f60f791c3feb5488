// Package server runs the session side of the synchronization protocol: it
// accepts client connections, frames them as newline-delimited JSON message
// streams, validates submitted library mutations against the action log, and
// fans accepted mutations out to every other session.
package server

import (
	"context"
	"fmt"
	"net"
	"sync/atomic"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/Blackilykat/PMP-Server/library"
	"github.com/Blackilykat/PMP-Server/pending"
	"github.com/Blackilykat/PMP-Server/protocol"
)

// Opt configures a Server.
type Opt func(*Server)

// WithLogger sets the server's logger.
func WithLogger(logger *zap.Logger) Opt {
	return func(srv *Server) {
		srv.logger = logger
	}
}

// WithFilesystem overrides the filesystem holding the library root.
func WithFilesystem(fs afero.Fs) Opt {
	return func(srv *Server) {
		srv.fs = fs
	}
}

// Server accepts connections and owns the resulting sessions.
type Server struct {
	logger       *zap.Logger
	store        *library.Store
	coord        *pending.Coordinator
	registry     *Registry
	fs           afero.Fs
	libraryRoot  string
	nextClientID atomic.Int64
}

// New wires a Server against the action log, the pending-action coordinator
// and the session registry. libraryRoot is the directory holding the library
// files on fs.
func New(store *library.Store, coord *pending.Coordinator, registry *Registry, libraryRoot string, opts ...Opt) *Server {
	srv := &Server{
		logger:      zap.NewNop(),
		store:       store,
		coord:       coord,
		registry:    registry,
		fs:          afero.NewOsFs(),
		libraryRoot: libraryRoot,
	}
	for _, opt := range opts {
		opt(srv)
	}
	return srv
}

// Registry returns the session registry, shared with the transfer channel for
// broadcasting committed actions.
func (srv *Server) Registry() *Registry {
	return srv.registry
}

// Serve accepts connections from ln until ctx is cancelled or the listener
// fails. Cancelling ctx closes the listener and every live session.
func (srv *Server) Serve(ctx context.Context, ln net.Listener) error {
	stop := context.AfterFunc(ctx, func() {
		ln.Close()
		srv.registry.CloseAll()
	})
	defer stop()
	srv.logger.Info("accepting clients", zap.String("address", ln.Addr().String()))
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("accept: %w", err)
		}
		srv.startSession(conn)
	}
}

// startSession registers a session for conn, starts its loops, and sends the
// initial catch-up state: the welcome with the current action counter,
// followed by the library checksum snapshot.
func (srv *Server) startSession(conn net.Conn) *Session {
	clientID := int(srv.nextClientID.Add(1) - 1)
	s := newSession(clientID, conn, srv.logger, func(closed *Session) {
		srv.registry.Unregister(closed)
		sessionsConnected.WithLabelValues().Dec()
	})
	srv.registry.Register(s)
	sessionsConnected.WithLabelValues().Inc()
	s.start(srv.dispatch)
	s.logger.Info("client connected",
		zap.String("remote_addr", conn.RemoteAddr().String()),
		zap.Int("connected_clients", srv.registry.Len()),
	)

	current, err := srv.store.CurrentActionID()
	if err != nil {
		s.logger.Error("failed to read action counter", zap.Error(err))
		s.Close()
		return nil
	}
	s.Send(&protocol.Welcome{ClientID: clientID, LatestActionID: current})
	srv.registry.Broadcast(&protocol.Test{ClientID: clientID})
	hashes, err := library.Hashes(srv.fs, srv.libraryRoot)
	if err != nil {
		s.logger.Error("failed to hash library", zap.Error(err))
	} else {
		s.Send(&protocol.LibraryHashes{Hashes: hashes})
	}
	return s
}

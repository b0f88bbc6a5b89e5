// Package server binds the protocol, extension, document-registry,
// and client-connection pieces into the top-level facade: accept
// transports, orchestrate shutdown.
package server

import (
	"context"
	"sync"

	"github.com/Polqt/collabd/internal/clientconn"
	"github.com/Polqt/collabd/internal/docregistry"
	"github.com/Polqt/collabd/internal/ext"
)

// DisconnectRecorder is notified when a tracked ClientConnection
// closes, e.g. to decrement a "connections open" gauge. Optional: a
// Server with none set just skips the call.
type DisconnectRecorder interface {
	ConnectionClosed()
}

// Server is the top-level orchestrator a deployment constructs once and
// hands every upgraded transport to.
type Server struct {
	registry   *docregistry.Registry
	exts       *ext.Registry
	errHandler docregistry.ErrorHandler
	recorder   DisconnectRecorder

	mu      sync.Mutex
	closed  bool
	clients map[*clientconn.ClientConnection]struct{}
}

// New builds a Server over registry and exts, reporting every error
// kind through errHandler.
func New(registry *docregistry.Registry, exts *ext.Registry, errHandler docregistry.ErrorHandler) *Server {
	return &Server{
		registry:   registry,
		exts:       exts,
		errHandler: errHandler,
		clients:    make(map[*clientconn.ClientConnection]struct{}),
	}
}

// SetRecorder attaches a metrics DisconnectRecorder. Not required at
// construction so existing callers and tests are unaffected.
func (s *Server) SetRecorder(rec DisconnectRecorder) { s.recorder = rec }

// ErrClosed is returned by HandleConnection once the server has begun
// shutdown.
var ErrClosed = docregistry.ErrShuttingDown

// HandleConnection runs onConnect for the newly accepted transport and,
// on success, constructs a ClientConnection bound to it. Fails with
// ErrClosed if the server is shutting down.
func (s *Server) HandleConnection(transport clientconn.Transport, initialContext map[string]any) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.mu.Unlock()

	ctx := context.Background()
	connectPayload := &ext.ConnectPayload{
		ConnectionID:  transport.ConnectionID(),
		RemoteAddress: transport.RemoteAddress(),
	}
	if err := s.exts.RunOnConnect(ctx, connectPayload); err != nil {
		transport.Close(clientconn.CloseAuthFailed, "connect rejected")
		return err
	}

	cc := clientconn.New(transport, s.registry, s.exts, s.errHandler, initialContext)
	cc.SetOnClose(func() { s.release(cc) })

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		cc.Close(clientconn.CloseGoingAway, "server shutting down")
		return ErrClosed
	}
	s.clients[cc] = struct{}{}
	s.mu.Unlock()

	return nil
}

// release removes cc from the tracked client set and, if cc was still
// tracked, notifies the DisconnectRecorder. HandleConnection installs it
// as cc's on-close callback, so it runs once cc has closed.
func (s *Server) release(cc *clientconn.ClientConnection) {
	s.mu.Lock()
	_, tracked := s.clients[cc]
	delete(s.clients, cc)
	s.mu.Unlock()
	if tracked && s.recorder != nil {
		s.recorder.ConnectionClosed()
	}
}

// Close runs the shutdown sequence: mark closed, run onDestroy, close
// every client transport with code 1001, then force-unload every
// document (flushing pending saves and firing the unload hooks).
func (s *Server) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	clients := make([]*clientconn.ClientConnection, 0, len(s.clients))
	for cc := range s.clients {
		clients = append(clients, cc)
	}
	s.clients = make(map[*clientconn.ClientConnection]struct{})
	s.mu.Unlock()

	s.registry.BeginShutdown()

	if err := s.exts.RunOnDestroySync(ctx, &ext.DestroyPayload{}); err != nil {
		s.errHandler.OnHookError("onDestroy", "onDestroy", err)
	}

	// Close client transports first (code 1001) so their document
	// connections detach; otherwise the unload below would sit out its
	// full grace period waiting for connections that will never leave
	// on their own. The registry is already fenced, so the detach path
	// leaves the actual unload (flush, hooks, engine close) to
	// registry.Close.
	for _, cc := range clients {
		cc.Close(clientconn.CloseGoingAway, "server shutting down")
	}

	s.registry.Close(ctx)
}

// Package clientconn implements the per-transport multiplexer: one
// transport maps to arbitrarily many DocumentConnections keyed by
// document name, each gated by its own authenticate-then-process
// flow, with FIFO requeueing of frames that arrive before
// authentication for that document name completes.
package clientconn

import (
	"context"
	"fmt"
	"sync"

	"github.com/Polqt/collabd/internal/connctx"
	"github.com/Polqt/collabd/internal/docconn"
	"github.com/Polqt/collabd/internal/docregistry"
	"github.com/Polqt/collabd/internal/ext"
	"github.com/Polqt/collabd/internal/protocol"
)

// Transport is the narrow capability a ClientConnection needs from the
// underlying wire. A concrete adapter (internal/transport) wraps a
// real socket; tests use a fake.
type Transport interface {
	Send(frame []byte) error
	Close(code uint16, reason string)
	IsOpen() bool
	ConnectionID() string
	RemoteAddress() string
	SetReceiveListener(fn func([]byte))
	SetCloseListener(fn func())
}

// Close codes used by the server.
const (
	CloseNormal          uint16 = 1000
	CloseGoingAway       uint16 = 1001
	CloseUnsupportedData uint16 = 1003
	CloseInternalError   uint16 = 1011
	CloseAuthFailed      uint16 = 4403
)

// ClientConnection multiplexes one transport across many documents.
type ClientConnection struct {
	transport  Transport
	registry   *docregistry.Registry
	exts       *ext.Registry
	errHandler docregistry.ErrorHandler

	initialContext map[string]any

	mu          sync.Mutex
	docConns    map[string]*docconn.DocumentConnection
	queues      map[string][][]byte
	authPending map[string]bool
	closed      bool

	onClose func()
}

// SetOnClose registers fn to run once, the first time Close executes.
// The server facade uses it to drop its reference to a disconnected
// ClientConnection.
func (cc *ClientConnection) SetOnClose(fn func()) {
	cc.mu.Lock()
	cc.onClose = fn
	cc.mu.Unlock()
}

// New constructs a ClientConnection over transport and installs its
// receive listener. initialContext seeds the mutable Context built for
// each document's authentication flow; the caller's map is kept as is
// and copied into a fresh Context at the start of each flow.
func New(transport Transport, registry *docregistry.Registry, exts *ext.Registry, errHandler docregistry.ErrorHandler, initialContext map[string]any) *ClientConnection {
	cc := &ClientConnection{
		transport:      transport,
		registry:       registry,
		exts:           exts,
		errHandler:     errHandler,
		initialContext: initialContext,
		docConns:       make(map[string]*docconn.DocumentConnection),
		queues:         make(map[string][][]byte),
		authPending:    make(map[string]bool),
	}
	// The close listener fires when the transport's read side dies (the
	// peer went away), so attached document connections detach and
	// their documents can unload instead of leaking until shutdown.
	transport.SetCloseListener(func() { cc.Close(CloseNormal, "transport closed") })
	transport.SetReceiveListener(cc.onMessage)
	return cc
}

// Send implements docconn.FrameSender by delegating to the transport.
func (cc *ClientConnection) Send(frame []byte) error {
	return cc.transport.Send(frame)
}

// onMessage is the transport's receive callback.
func (cc *ClientConnection) onMessage(data []byte) {
	env, err := protocol.Decode(data)
	if err != nil {
		cc.errHandler.OnProtocolError(cc.transport.ConnectionID(), err)
		cc.Close(CloseUnsupportedData, "malformed frame")
		return
	}

	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return
	}
	if dc, ok := cc.docConns[env.DocumentName]; ok {
		cc.mu.Unlock()
		dc.Handle(env)
		return
	}
	// First message for this document name: enqueue and, if no auth
	// flow is already running for it, start one.
	cc.queues[env.DocumentName] = append(cc.queues[env.DocumentName], env.Raw)
	alreadyAuthenticating := cc.authPending[env.DocumentName]
	cc.authPending[env.DocumentName] = true
	cc.mu.Unlock()

	if !alreadyAuthenticating {
		go cc.authenticate(env.DocumentName, env)
	}
}

// authenticate runs the authentication flow for documentName, using
// the frame that triggered it to extract the token.
func (cc *ClientConnection) authenticate(documentName string, triggerEnv protocol.Envelope) {
	ctx := context.Background()

	mutableCtx := connctx.New(cc.initialContext)
	authPayload := &ext.OnAuthenticatePayload{
		ConnectionID: cc.transport.ConnectionID(),
		DocumentName: documentName,
		Token:        extractToken(triggerEnv),
		ContextMut:   mutableCtx,
	}

	if err := cc.exts.RunOnAuthenticate(ctx, authPayload); err != nil {
		cc.errHandler.OnProtocolError(cc.transport.ConnectionID(), fmt.Errorf("clientconn: onAuthenticate: %w", err))
		cc.dropQueue(documentName)
		cc.Close(CloseAuthFailed, "authentication failed")
		return
	}

	frozen := mutableCtx.Freeze()

	rec, err := cc.registry.GetOrCreate(ctx, documentName, frozen)
	if err != nil {
		cc.errHandler.OnProtocolError(cc.transport.ConnectionID(), fmt.Errorf("clientconn: load %q: %w", documentName, err))
		cc.dropQueue(documentName)
		cc.Close(CloseAuthFailed, "document load failed")
		return
	}

	dc := docconn.New(cc.transport.ConnectionID(), documentName, rec, cc.registry, cc, authPayload.ReadOnly(), cc.errHandler)

	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		dc.Close()
		return
	}

	// Drain in FIFO order. The frame that triggered authentication is
	// first in the queue since
	// onMessage enqueued it before spawning this goroutine. Frames may
	// keep arriving while the queue drains (onMessage appends under the
	// same mutex), so loop until the queue is observed empty and only
	// then publish the DocumentConnection for direct dispatch —
	// otherwise a late frame could be handled ahead of an earlier
	// queued one.
	for len(cc.queues[documentName]) > 0 {
		queued := cc.queues[documentName]
		cc.queues[documentName] = nil
		cc.mu.Unlock()
		for _, raw := range queued {
			if qenv, derr := protocol.Decode(raw); derr == nil {
				dc.Handle(qenv)
			}
		}
		cc.mu.Lock()
		if cc.closed {
			cc.mu.Unlock()
			dc.Close()
			return
		}
	}
	cc.docConns[documentName] = dc
	delete(cc.queues, documentName)
	delete(cc.authPending, documentName)
	cc.mu.Unlock()
}

// extractToken reads the AUTH sub-payload from the triggering frame, if
// it happens to be an AUTH message; every other message type carries no
// token and authenticates with an empty one.
func extractToken(env protocol.Envelope) string {
	if env.MessageType != protocol.MsgAuth {
		return ""
	}
	token, err := protocol.DecodeAuth(env.Payload)
	if err != nil {
		return ""
	}
	return token
}

func (cc *ClientConnection) dropQueue(documentName string) {
	cc.mu.Lock()
	defer cc.mu.Unlock()
	delete(cc.queues, documentName)
	delete(cc.authPending, documentName)
}

// Close closes every attached DocumentConnection, clears pending
// queues, and closes the transport. Idempotent.
func (cc *ClientConnection) Close(code uint16, reason string) {
	cc.mu.Lock()
	if cc.closed {
		cc.mu.Unlock()
		return
	}
	cc.closed = true
	conns := make([]*docconn.DocumentConnection, 0, len(cc.docConns))
	for _, dc := range cc.docConns {
		conns = append(conns, dc)
	}
	cc.docConns = make(map[string]*docconn.DocumentConnection)
	cc.queues = make(map[string][][]byte)
	cc.authPending = make(map[string]bool)
	onClose := cc.onClose
	cc.mu.Unlock()

	for _, dc := range conns {
		dc.Close()
	}
	cc.transport.Close(code, reason)
	if onClose != nil {
		onClose()
	}
}

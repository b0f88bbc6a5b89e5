// Package docconn implements the per-(client,document) dispatch state
// machine: message-type dispatch, read-only gating, and response to
// sync probes, over a single attached Record.
package docconn

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Polqt/collabd/internal/awareness"
	"github.com/Polqt/collabd/internal/docregistry"
	"github.com/Polqt/collabd/internal/protocol"
)

// State is a DocumentConnection's lifecycle state. A DocumentConnection
// is only ever constructed after its owning ClientConnection's
// authentication flow succeeds for this document name, so it starts
// directly in OPEN — the awaiting-auth phase lives in the client
// connection's message queues, not here.
type State int32

const (
	StateOpen State = iota
	StateClosed
)

// FrameSender is the raw per-transport capability a DocumentConnection
// needs: deliver an encoded frame, and tear the whole transport down
// when a send fails. Implemented by the owning ClientConnection.
type FrameSender interface {
	Send(frame []byte) error
	Close(code uint16, reason string)
}

// closeInternalError is the close code used when a send to the
// transport fails.
const closeInternalError uint16 = 1011

// DocumentConnection is one client's attachment to one loaded document.
type DocumentConnection struct {
	clientID     string
	documentName string

	record   *docregistry.Record
	registry *docregistry.Registry
	sender   FrameSender

	readOnly   bool
	errHandler docregistry.ErrorHandler

	state atomic.Int32

	// awMu guards awarenessIDs, the set of awareness client ids this
	// connection has contributed; they are evicted (and the eviction
	// broadcast) when the connection closes.
	awMu         sync.Mutex
	awarenessIDs map[uint64]struct{}
}

// New constructs a DocumentConnection already past authentication,
// registers it with rec's connection set, and returns it. It does not
// emit an initial sync — the client always initiates.
func New(clientID, documentName string, rec *docregistry.Record, registry *docregistry.Registry, sender FrameSender, readOnly bool, errHandler docregistry.ErrorHandler) *DocumentConnection {
	dc := &DocumentConnection{
		clientID:     clientID,
		documentName: documentName,
		record:       rec,
		registry:     registry,
		sender:       sender,
		readOnly:     readOnly,
		errHandler:   errHandler,
	}
	dc.state.Store(int32(StateOpen))
	dc.awarenessIDs = make(map[uint64]struct{})
	rec.AddConnection(dc)
	return dc
}

// ClientID identifies the connection for broadcast exclusion and
// awareness origin tracking.
func (dc *DocumentConnection) ClientID() string { return dc.clientID }

// State reads the current lifecycle state.
func (dc *DocumentConnection) State() State { return State(dc.state.Load()) }

// ReadOnly reports whether this connection is barred from mutating the
// engine (decided once, at authentication).
func (dc *DocumentConnection) ReadOnly() bool { return dc.readOnly }

// Deliver encodes (documentName, messageType, payload) into a wire
// frame and sends it, satisfying docregistry.Connection. A closed
// connection silently drops the delivery. A send failure is reported
// and closes the transport with 1011.
func (dc *DocumentConnection) Deliver(messageType protocol.MessageType, payload []byte) error {
	if dc.State() != StateOpen {
		return nil
	}
	frame := protocol.Encode(dc.documentName, messageType, payload)
	if err := dc.sender.Send(frame); err != nil {
		dc.errHandler.OnProtocolError(dc.clientID, err)
		// Deliver is often called under the record's connection-set
		// lock (broadcast fan-out), and tearing the transport down ends
		// with removing connections from that same set — hand the close
		// to another goroutine rather than deadlocking on re-entry.
		go dc.sender.Close(closeInternalError, "send failed")
		return err
	}
	return nil
}

// Close transitions to CLOSED, evicts (and broadcasts the eviction of)
// every awareness entry this connection contributed, and removes the
// connection from its record, running the onDisconnect hook first.
// Idempotent.
func (dc *DocumentConnection) Close() {
	if !dc.state.CompareAndSwap(int32(StateOpen), int32(StateClosed)) {
		return
	}

	dc.awMu.Lock()
	ids := make([]uint64, 0, len(dc.awarenessIDs))
	for id := range dc.awarenessIDs {
		ids = append(ids, id)
	}
	dc.awarenessIDs = nil
	dc.awMu.Unlock()
	if len(ids) > 0 {
		removal := dc.record.RemoveAwarenessStates(ids)
		dc.record.BroadcastAwareness(dc.clientID, removal)
	}

	dc.registry.Disconnect(context.Background(), dc.record, dc, dc.clientID)
}

// trackAwareness records which awareness client ids this connection has
// contributed, so Close can evict them.
func (dc *DocumentConnection) trackAwareness(accepted []awareness.Update) {
	dc.awMu.Lock()
	defer dc.awMu.Unlock()
	if dc.awarenessIDs == nil {
		return
	}
	for _, u := range accepted {
		if u.State == "" {
			delete(dc.awarenessIDs, u.ClientID)
		} else {
			dc.awarenessIDs[u.ClientID] = struct{}{}
		}
	}
}

// protocolError reports a non-fatal protocol decode/handling error
// without tearing down the transport.
func (dc *DocumentConnection) protocolError(err error) {
	dc.errHandler.OnProtocolError(dc.clientID, err)
}

func (dc *DocumentConnection) recoverPanic() {
	if r := recover(); r != nil {
		dc.protocolError(fmt.Errorf("docconn: recovered panic: %v", r))
	}
}

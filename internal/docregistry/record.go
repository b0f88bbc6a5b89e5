// Package docregistry implements the document record and registry:
// single-flight document loading, connection reference counting,
// coordinated unload, and the update-observer-driven broadcast/persist
// pipeline.
package docregistry

import (
	"sync"
	"sync/atomic"

	"github.com/Polqt/collabd/internal/awareness"
	"github.com/Polqt/collabd/internal/connctx"
	"github.com/Polqt/collabd/internal/engine"
	"github.com/Polqt/collabd/internal/protocol"
)

// State is a Record's lifecycle state. Transitions are monotone:
// LOADING -> ACTIVE -> UNLOADING -> CLOSED; there are no backward
// transitions.
type State int32

const (
	StateLoading State = iota
	StateActive
	StateUnloading
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "LOADING"
	case StateActive:
		return "ACTIVE"
	case StateUnloading:
		return "UNLOADING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Connection is the narrow capability the registry needs from an
// attached DocumentConnection: identity for broadcast exclusion and
// fan-out, and a send path that does not leak transport or envelope
// concerns into this package. Implemented by internal/docconn.
type Connection interface {
	ClientID() string
	Deliver(messageType protocol.MessageType, payload []byte) error
}

// Record is the in-memory holder for one loaded document: its engine
// handle, awareness table, attached connections, lifecycle state, and
// update-observer subscription.
type Record struct {
	name string

	engine      *engine.Engine
	sub         engine.Subscription
	loadContext connctx.Snapshot

	awMu      sync.Mutex
	awareness *awareness.Table

	connMu      sync.RWMutex
	connections map[string]Connection

	state atomic.Int32

	// broadcastRecorder is optional metrics plumbing, set post hoc by
	// the registry.
	broadcastRecorder BroadcastRecorder
}

// BroadcastRecorder counts fanned-out messages for metrics. Optional: a
// Record with none set just skips the calls.
type BroadcastRecorder interface {
	BroadcastSent()
}

func newRecord(name string) *Record {
	r := &Record{
		name:        name,
		engine:      engine.New(name),
		awareness:   awareness.New(),
		connections: make(map[string]Connection),
	}
	r.state.Store(int32(StateLoading))
	return r
}

// Name returns the document's immutable name.
func (r *Record) Name() string { return r.name }

// Engine returns the record's CRDT engine handle, exclusively owned by
// this record.
func (r *Record) Engine() *engine.Engine { return r.engine }

// State reads the current lifecycle state.
func (r *Record) State() State { return State(r.state.Load()) }

func (r *Record) setState(s State) { r.state.Store(int32(s)) }

// beginUnload atomically transitions ACTIVE -> UNLOADING, reporting
// whether this caller won the transition. A false return means another
// unload already owns the teardown.
func (r *Record) beginUnload() bool {
	return r.state.CompareAndSwap(int32(StateActive), int32(StateUnloading))
}

// AddConnection adds conn to the record's connection set. Called by
// the DocumentConnection constructor, before any post-load broadcast
// could otherwise surface an event the connection isn't registered to
// receive.
func (r *Record) AddConnection(conn Connection) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	r.connections[conn.ClientID()] = conn
}

// removeConnection removes the connection with the given client id and
// reports whether the connection set is now empty.
func (r *Record) removeConnection(clientID string) (empty bool) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	delete(r.connections, clientID)
	return len(r.connections) == 0
}

// ConnectionCount reports the number of attached connections, used by
// the unload sequence's grace-period wait.
func (r *Record) ConnectionCount() int {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	return len(r.connections)
}

// BroadcastUpdate wraps update in a SYNC/UPDATE envelope and delivers
// it to every attached connection except exceptClientID (the
// originator already holds the update locally). Pass "" to exclude
// nothing, e.g. for cross-instance fan-out where there is no local
// originator.
func (r *Record) BroadcastUpdate(exceptClientID string, update []byte) {
	payload := protocol.EncodeSyncUpdate(update)
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	for id, conn := range r.connections {
		if id == exceptClientID {
			continue
		}
		_ = conn.Deliver(protocol.MsgSync, payload)
		if r.broadcastRecorder != nil {
			r.broadcastRecorder.BroadcastSent()
		}
	}
}

// SetBroadcastRecorder attaches a metrics BroadcastRecorder. Not
// required at construction so existing callers and tests are
// unaffected.
func (r *Record) SetBroadcastRecorder(rec BroadcastRecorder) { r.broadcastRecorder = rec }

// BroadcastAwareness delivers a raw awareness frame to every attached
// connection except exceptClientID.
func (r *Record) BroadcastAwareness(exceptClientID string, payload []byte) {
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	for id, conn := range r.connections {
		if id == exceptClientID {
			continue
		}
		_ = conn.Deliver(protocol.MsgAwareness, payload)
	}
}

// BroadcastStateless delivers a BROADCAST_STATELESS frame carrying
// custom to every attached connection except exceptClientID.
func (r *Record) BroadcastStateless(exceptClientID, custom string) {
	payload := protocol.EncodeStateless(custom)
	r.connMu.RLock()
	defer r.connMu.RUnlock()
	for id, conn := range r.connections {
		if id == exceptClientID {
			continue
		}
		_ = conn.Deliver(protocol.MsgBroadcastStateless, payload)
	}
}

// AwarenessLen reports the number of live awareness entries, used to
// decide whether SYNC_STEP_1's trailing awareness snapshot is worth
// sending.
func (r *Record) AwarenessLen() int {
	r.awMu.Lock()
	defer r.awMu.Unlock()
	return r.awareness.Len()
}

// ApplyAwareness applies an inbound awareness frame under the record's
// awareness mutex and returns the accepted subset, the part worth
// rebroadcasting.
func (r *Record) ApplyAwareness(updates []awareness.Update) []awareness.Update {
	r.awMu.Lock()
	defer r.awMu.Unlock()
	return r.awareness.ApplyAll(updates)
}

// AwarenessStates encodes the full current awareness table
// (SYNC_STEP_1's trailing awareness snapshot, and QUERY_AWARENESS's
// reply).
func (r *Record) AwarenessStates() []byte {
	r.awMu.Lock()
	defer r.awMu.Unlock()
	return r.awareness.GetStates()
}

// RemoveAwarenessStates evicts the given client ids from the awareness
// table and returns the removal frame to broadcast, e.g. when a
// DocumentConnection disconnects.
func (r *Record) RemoveAwarenessStates(ids []uint64) []byte {
	r.awMu.Lock()
	defer r.awMu.Unlock()
	return r.awareness.RemoveStates(ids)
}

package docconn

import (
	"github.com/Polqt/collabd/internal/awareness"
	"github.com/Polqt/collabd/internal/protocol"
)

// Handle dispatches one decoded frame by message type.
// Every handler catches its own errors and reports them through the
// error handler rather than propagating — a malformed or unexpected
// payload never brings down the connection, let alone the transport.
func (dc *DocumentConnection) Handle(env protocol.Envelope) {
	defer dc.recoverPanic()

	if dc.State() != StateOpen {
		return
	}

	switch env.MessageType {
	case protocol.MsgSync:
		dc.handleSync(env.Payload)
	case protocol.MsgAwareness:
		dc.handleAwareness(env.Payload)
	case protocol.MsgAuth:
		// Reserved; treated as opaque by current dispatch.
	case protocol.MsgQueryAwareness:
		dc.handleQueryAwareness()
	case protocol.MsgStateless:
		dc.handleStateless(env.Payload)
	case protocol.MsgBroadcastStateless:
		dc.handleBroadcastStateless(env.Payload)
	default:
		// All other codes are ignored, no disconnect.
	}
}

func (dc *DocumentConnection) handleSync(payload []byte) {
	body, err := protocol.DecodeSyncBody(payload)
	if err != nil {
		dc.protocolError(err)
		return
	}
	switch body.SubType {
	case protocol.SyncStep1:
		dc.handleSyncStep1(body.Body)
	case protocol.SyncStep2, protocol.SyncUpdate:
		dc.handleSyncStep2(body.Body)
	default:
		// Unrecognised sub-type: ignored, like unrecognised top-level
		// codes.
	}
}

// handleSyncStep1 answers a state-vector probe with the minimal diff,
// the server's own state vector, (if non-empty) an awareness snapshot,
// and an acknowledging SYNC_STATUS(true) — the server never initiates
// this unsolicited.
func (dc *DocumentConnection) handleSyncStep1(body []byte) {
	stateVector, err := protocol.DecodeLengthPrefixed(body)
	if err != nil {
		dc.protocolError(err)
		return
	}

	diff, err := dc.record.Engine().EncodeDiff(stateVector)
	if err != nil {
		dc.protocolError(err)
		return
	}
	_ = dc.Deliver(protocol.MsgSync, protocol.EncodeSyncStep2(diff))
	_ = dc.Deliver(protocol.MsgSync, protocol.EncodeSyncStep1(dc.record.Engine().EncodeStateVector()))

	if dc.record.AwarenessLen() > 0 {
		_ = dc.Deliver(protocol.MsgAwareness, dc.record.AwarenessStates())
	}
	_ = dc.Deliver(protocol.MsgSyncStatus, protocol.EncodeSyncStatus(true))
}

// handleSyncStep2 applies an incoming update (or rejects it if this
// connection is read-only) and reports the outcome via SYNC_STATUS.
func (dc *DocumentConnection) handleSyncStep2(body []byte) {
	update, err := protocol.DecodeLengthPrefixed(body)
	if err != nil {
		dc.protocolError(err)
		return
	}

	if dc.readOnly {
		_ = dc.Deliver(protocol.MsgSyncStatus, protocol.EncodeSyncStatus(false))
		return
	}

	txn := dc.record.Engine().BeginTransaction()
	txn.SetOrigin(dc.clientID)
	if err := txn.ApplyUpdate(update); err != nil {
		dc.protocolError(err)
		return
	}
	txn.Commit()
	_ = dc.Deliver(protocol.MsgSyncStatus, protocol.EncodeSyncStatus(true))
}

func (dc *DocumentConnection) handleAwareness(payload []byte) {
	updates, err := awareness.Decode(payload)
	if err != nil {
		dc.protocolError(err)
		return
	}
	accepted := dc.record.ApplyAwareness(updates)
	if len(accepted) == 0 {
		return
	}
	dc.trackAwareness(accepted)
	dc.record.BroadcastAwareness(dc.clientID, awareness.Encode(accepted))
}

// handleQueryAwareness answers only the requester with the record's
// current awareness snapshot. QUERY_AWARENESS is only ever reachable
// through an authenticated DocumentConnection, so no further
// authorization check is needed here.
func (dc *DocumentConnection) handleQueryAwareness() {
	_ = dc.Deliver(protocol.MsgAwareness, dc.record.AwarenessStates())
}

func (dc *DocumentConnection) handleStateless(payload []byte) {
	custom, err := protocol.DecodeStateless(payload)
	if err != nil {
		dc.protocolError(err)
		return
	}
	_ = dc.Deliver(protocol.MsgStateless, protocol.EncodeStateless(custom))
}

func (dc *DocumentConnection) handleBroadcastStateless(payload []byte) {
	custom, err := protocol.DecodeStateless(payload)
	if err != nil {
		dc.protocolError(err)
		return
	}
	dc.record.BroadcastStateless(dc.clientID, custom)
}

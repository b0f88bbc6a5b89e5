// Package awareness implements the per-document presence table: a
// Lamport-clock-ordered map from client id to (clock, stateJSON,
// lastSeen), with the wire encoding shared between inbound updates and
// outbound snapshots.
package awareness

import (
	"time"

	"github.com/Polqt/collabd/internal/wire"
)

// Entry is one client's current presence state.
type Entry struct {
	Clock    uint64
	State    string // JSON; empty string denotes removal
	LastSeen time.Time
}

// Update is one (clientId, clock, state) tuple, decoded from or destined
// for the wire.
type Update struct {
	ClientID uint64
	Clock    uint64
	State    string
}

// Table is a single document's awareness state. Table itself does not
// lock; the owning document record serializes access behind its own
// per-document mutex.
type Table struct {
	entries map[uint64]Entry
	now     func() time.Time
}

// New creates an empty awareness table.
func New() *Table {
	return &Table{entries: make(map[uint64]Entry), now: time.Now}
}

// Apply applies a single incoming update and reports whether it was
// accepted (vs. dropped as stale).
func (t *Table) Apply(u Update) (accepted bool) {
	existing, known := t.entries[u.ClientID]
	if !known {
		if u.State == "" {
			return false
		}
		t.entries[u.ClientID] = Entry{Clock: u.Clock, State: u.State, LastSeen: t.now()}
		return true
	}

	if u.Clock < existing.Clock {
		return false
	}
	if u.Clock == existing.Clock && u.State == existing.State {
		return false
	}
	// Accept: either strictly newer clock, or an equal clock with a
	// changed state (the "resurrection" case).

	if u.State == "" {
		delete(t.entries, u.ClientID)
		return true
	}
	t.entries[u.ClientID] = Entry{Clock: u.Clock, State: u.State, LastSeen: t.now()}
	return true
}

// ApplyAll applies every update in a decoded frame, in order, and
// returns only the ones accepted — the subset worth re-broadcasting.
func (t *Table) ApplyAll(updates []Update) []Update {
	accepted := make([]Update, 0, len(updates))
	for _, u := range updates {
		if t.Apply(u) {
			accepted = append(accepted, u)
		}
	}
	return accepted
}

// Len reports the number of live (non-empty-state) entries.
func (t *Table) Len() int { return len(t.entries) }

// GetStates encodes the full table as an outbound awareness frame.
func (t *Table) GetStates() []byte {
	updates := make([]Update, 0, len(t.entries))
	for id, e := range t.entries {
		updates = append(updates, Update{ClientID: id, Clock: e.Clock, State: e.State})
	}
	return Encode(updates)
}

// RemoveStates builds and applies locally a removal frame for the given
// client ids: each listed id's clock is bumped by one and its state set
// to empty. The caller broadcasts the returned bytes. IDs with no
// existing entry are bumped from clock 0, matching an unconditional
// "this client is gone" signal.
func (t *Table) RemoveStates(ids []uint64) []byte {
	updates := make([]Update, 0, len(ids))
	for _, id := range ids {
		clock := uint64(0)
		if e, ok := t.entries[id]; ok {
			clock = e.Clock + 1
		} else {
			clock = 1
		}
		u := Update{ClientID: id, Clock: clock, State: ""}
		t.Apply(u)
		updates = append(updates, u)
	}
	return Encode(updates)
}

// Encode serializes updates as
// varint(numClients) || repeat { varint(clientId) || varint(clock) || varstring(stateJSON) }.
func Encode(updates []Update) []byte {
	e := wire.NewEncoder()
	e.WriteVarUint(uint64(len(updates)))
	for _, u := range updates {
		e.WriteVarUint(u.ClientID)
		e.WriteVarUint(u.Clock)
		e.WriteString(u.State)
	}
	return e.Bytes()
}

// Decode parses an inbound awareness frame into its update tuples.
func Decode(payload []byte) ([]Update, error) {
	d := wire.NewDecoder(payload)
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	updates := make([]Update, 0, n)
	for i := uint64(0); i < n; i++ {
		clientID, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		clock, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		state, err := d.ReadString()
		if err != nil {
			return nil, err
		}
		updates = append(updates, Update{ClientID: clientID, Clock: clock, State: state})
	}
	return updates, nil
}

// Package engine provides the document engine: an RGA-based
// plain-text CRDT document with transaction batching and a commit
// observer, built on the crdt package. The server orchestrator only
// ever talks to an Engine — it never reaches into crdt directly.
package engine

import (
	"sync"

	"github.com/Polqt/collabd/internal/crdt"
	"github.com/Polqt/collabd/internal/wire"
)

// Subscription is returned by ObserveUpdateV1; Unsubscribe stops future
// delivery to that callback. Calling Unsubscribe twice is a no-op.
type Subscription interface {
	Unsubscribe()
}

type observer struct {
	id int
	fn func(update []byte, origin any)
}

type subscription struct {
	eng *Engine
	id  int
}

func (s *subscription) Unsubscribe() {
	s.eng.mu.Lock()
	defer s.eng.mu.Unlock()
	for i, o := range s.eng.observers {
		if o.id == s.id {
			s.eng.observers = append(s.eng.observers[:i], s.eng.observers[i+1:]...)
			return
		}
	}
}

// Engine is a single document's RGA text CRDT.
type Engine struct {
	nodeID string

	mu        sync.Mutex
	rga       *crdt.RGA
	observers []observer
	nextObsID int
	closed    bool

	// commitMu serializes observer notification so callbacks observe
	// commits in a single total order per document; fan-out paths built
	// on the observer inherit that order.
	commitMu sync.Mutex
}

// New returns an empty Engine. nodeID identifies this engine's own
// inserts in the RGA total order; the server uses a per-record-unique
// value (e.g. the document's own name) since the engine itself never
// originates local character inserts outside of tests.
func New(nodeID string) *Engine {
	return &Engine{nodeID: nodeID, rga: crdt.NewRGA()}
}

// Txn batches zero or more ApplyUpdate calls and fires the update
// observer exactly once, on Commit, with the net bytes of everything
// applied.
type Txn struct {
	eng    *Engine
	ops    []crdt.RGANode
	origin any
}

// BeginTransaction starts a new transaction against e.
func (e *Engine) BeginTransaction() *Txn {
	return &Txn{eng: e}
}

// SetOrigin records the opaque origin value passed through to the
// commit observer, e.g. the ClientId that produced this transaction.
func (t *Txn) SetOrigin(origin any) { t.origin = origin }

// ApplyUpdate decodes and applies an encoded op list within the
// transaction. Applying the same update bytes twice is a no-op per op
// (crdt.RGA.Apply's idempotence).
func (t *Txn) ApplyUpdate(update []byte) error {
	ops, err := DecodeOps(update)
	if err != nil {
		return err
	}
	t.eng.mu.Lock()
	defer t.eng.mu.Unlock()
	for _, op := range ops {
		if err := t.eng.rga.Apply(op); err != nil {
			return err
		}
		t.ops = append(t.ops, op)
	}
	return nil
}

// Commit fires the observer once with the net bytes of every op applied
// in this transaction. A transaction with no applied ops fires nothing.
// Notification runs on the committing goroutine, serialized across
// transactions, so observers see commits in order.
func (t *Txn) Commit() {
	if len(t.ops) == 0 {
		return
	}
	update := EncodeOps(t.ops)
	t.eng.commitMu.Lock()
	defer t.eng.commitMu.Unlock()
	t.eng.notify(update, t.origin)
}

// ApplyUpdate is the single-shot convenience form: begin a
// transaction, apply, commit.
func (e *Engine) ApplyUpdate(update []byte) error {
	txn := e.BeginTransaction()
	if err := txn.ApplyUpdate(update); err != nil {
		return err
	}
	txn.Commit()
	return nil
}

// MergeUpdate applies update without firing the update observer. Used
// for updates relayed from peer server instances: the originating
// instance already drove the change pipeline (hooks, fan-out,
// persistence), so re-notifying here would run it a second time and
// loop the cross-instance relay.
func (e *Engine) MergeUpdate(update []byte) error {
	txn := e.BeginTransaction()
	return txn.ApplyUpdate(update)
}

func (e *Engine) notify(update []byte, origin any) {
	e.mu.Lock()
	obs := make([]observer, len(e.observers))
	copy(obs, e.observers)
	e.mu.Unlock()
	for _, o := range obs {
		o.fn(update, origin)
	}
}

// ObserveUpdateV1 registers fn to be called once per committed
// transaction. Returns a Subscription the caller must Unsubscribe
// before Close.
func (e *Engine) ObserveUpdateV1(fn func(update []byte, origin any)) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextObsID
	e.nextObsID++
	e.observers = append(e.observers, observer{id: id, fn: fn})
	return &subscription{eng: e, id: id}
}

// EncodeStateAsUpdate serializes every node (live and tombstoned) as an
// op list, the engine's full current state.
func (e *Engine) EncodeStateAsUpdate() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return EncodeOps(e.rga.Nodes())
}

// EncodeStateVector serializes, per originating NodeID, the highest
// Seq observed for that node — a compact version summary.
func (e *Engine) EncodeStateVector() []byte {
	e.mu.Lock()
	nodes := e.rga.Nodes()
	e.mu.Unlock()
	return encodeStateVector(maxSeqByNode(nodes))
}

// EncodeDiff returns the ops this engine holds that are not dominated
// by stateVector: the minimal update a peer presenting that vector
// needs to catch up.
func (e *Engine) EncodeDiff(stateVector []byte) ([]byte, error) {
	known, err := decodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}
	e.mu.Lock()
	nodes := e.rga.Nodes()
	e.mu.Unlock()

	var missing []crdt.RGANode
	for _, n := range nodes {
		if n.ID.Seq > known[n.ID.NodeID] {
			missing = append(missing, n)
		}
	}
	return EncodeOps(missing), nil
}

// InsertText inserts text's runes one after another, anchored after
// `after` (the zero value inserts at the document start), and returns
// the encoded update bytes a client-side engine would send as a
// SYNC_STEP_2/UPDATE payload. Provided so integration tests can drive
// two Engine instances as if they were independent clients; the server
// orchestrator itself never calls InsertText.
func (e *Engine) InsertText(after crdt.RGANodeID, text string) []byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	var ops []crdt.RGANode
	cursor := after
	for _, r := range text {
		n := e.rga.Insert(cursor, r, e.nodeID)
		cursor = n.ID
		ops = append(ops, n)
	}
	return EncodeOps(ops)
}

// Text returns the document's current live text, for tests and
// diagnostics.
func (e *Engine) Text() string {
	return e.rga.Text()
}

// Close unsubscribes every observer before releasing internal state,
// so no callback can fire against a closed handle.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.observers = nil
	e.closed = true
}

func maxSeqByNode(nodes []crdt.RGANode) map[string]uint64 {
	out := make(map[string]uint64)
	for _, n := range nodes {
		if n.ID.Seq > out[n.ID.NodeID] {
			out[n.ID.NodeID] = n.ID.Seq
		}
	}
	return out
}

func encodeStateVector(maxSeq map[string]uint64) []byte {
	e := wire.NewEncoder()
	e.WriteVarUint(uint64(len(maxSeq)))
	for node, seq := range maxSeq {
		e.WriteString(node)
		e.WriteVarUint(seq)
	}
	return e.Bytes()
}

func decodeStateVector(b []byte) (map[string]uint64, error) {
	d := wire.NewDecoder(b)
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	out := make(map[string]uint64, n)
	for i := uint64(0); i < n; i++ {
		node, err := d.ReadString()
		if err != nil {
			return nil, err
		}
		seq, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		out[node] = seq
	}
	return out, nil
}

// EncodeOps serializes a node/op list into the engine's own binary
// form, distinct from and nested inside the SYNC payload: the caller
// wraps this in protocol.EncodeSyncStep2/EncodeSyncUpdate's
// length-prefixed body.
func EncodeOps(ops []crdt.RGANode) []byte {
	e := wire.NewEncoder()
	e.WriteVarUint(uint64(len(ops)))
	for _, op := range ops {
		e.WriteVarUint(op.ID.Seq)
		e.WriteString(op.ID.NodeID)
		e.WriteVarUint(op.InsertAfter.Seq)
		e.WriteString(op.InsertAfter.NodeID)
		if op.Deleted {
			e.WriteVarUint(1)
		} else {
			e.WriteVarUint(0)
		}
		e.WriteVarUint(uint64(op.Char))
	}
	return e.Bytes()
}

// DecodeOps parses the engine's op-list wire form.
func DecodeOps(b []byte) ([]crdt.RGANode, error) {
	d := wire.NewDecoder(b)
	n, err := d.ReadVarUint()
	if err != nil {
		return nil, err
	}
	out := make([]crdt.RGANode, 0, n)
	for i := uint64(0); i < n; i++ {
		seq, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		nodeID, err := d.ReadString()
		if err != nil {
			return nil, err
		}
		afterSeq, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		afterNodeID, err := d.ReadString()
		if err != nil {
			return nil, err
		}
		deletedFlag, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		char, err := d.ReadVarUint()
		if err != nil {
			return nil, err
		}
		out = append(out, crdt.RGANode{
			ID:          crdt.RGANodeID{Seq: seq, NodeID: nodeID},
			InsertAfter: crdt.RGANodeID{Seq: afterSeq, NodeID: afterNodeID},
			Char:        rune(char),
			Deleted:     deletedFlag != 0,
		})
	}
	return out, nil
}

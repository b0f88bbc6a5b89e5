package docregistry

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Polqt/collabd/internal/connctx"
	"github.com/Polqt/collabd/internal/crdt"
	"github.com/Polqt/collabd/internal/engine"
	"github.com/Polqt/collabd/internal/ext"
	"github.com/Polqt/collabd/internal/ext/memorystore"
	"github.com/Polqt/collabd/internal/protocol"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// remoteInsert simulates an independent client-side engine typing text
// from the document start, and returns the update bytes it would send
// as a SYNC_STEP_2/UPDATE payload.
func remoteInsert(nodeID, text string) []byte {
	return engine.New(nodeID).InsertText(crdt.RGANodeID{}, text)
}

type noopErrorHandler struct {
	mu   sync.Mutex
	errs []error
}

func (h *noopErrorHandler) OnStorageError(name string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}
func (h *noopErrorHandler) OnHookError(extensionName, hookName string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}
func (h *noopErrorHandler) OnProtocolError(connectionID string, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.errs = append(h.errs, err)
}

type loadCountingExtension struct {
	ext.Base
	loads int32
}

func (e *loadCountingExtension) OnLoadDocument(ctx context.Context, p *ext.OnLoadDocumentPayload) error {
	atomic.AddInt32(&e.loads, 1)
	return nil
}

type storeCountingExtension struct {
	ext.Base
	stores int32
}

func (e *storeCountingExtension) OnStoreDocument(ctx context.Context, p *ext.OnStoreDocumentPayload) error {
	atomic.AddInt32(&e.stores, 1)
	return nil
}

type fakeConnection struct {
	id       string
	mu       sync.Mutex
	received [][]byte
}

func (c *fakeConnection) ClientID() string { return c.id }
func (c *fakeConnection) Deliver(messageType protocol.MessageType, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.received = append(c.received, payload)
	return nil
}
func (c *fakeConnection) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.received)
}

func newTestRegistry(t *testing.T, exts ...ext.Extension) (*Registry, *noopErrorHandler) {
	t.Helper()
	reg := ext.NewRegistry(exts)
	errHandler := &noopErrorHandler{}
	r := New(reg, errHandler, Config{
		Debounce:    20 * time.Millisecond,
		MaxDebounce: 100 * time.Millisecond,
		UnloadGrace: 50 * time.Millisecond,
	})
	return r, errHandler
}

func TestSingleFlightLoad(t *testing.T) {
	counter := &loadCountingExtension{}
	r, _ := newTestRegistry(t, counter)

	const n = 50
	recs := make([]*Record, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, err := r.GetOrCreate(context.Background(), "doc-1", connctx.New(nil).Freeze())
			require.NoError(t, err)
			recs[i] = rec
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 1, atomic.LoadInt32(&counter.loads))
	for i := 1; i < n; i++ {
		assert.Same(t, recs[0], recs[i])
	}
}

func TestBroadcastExcludesOriginator(t *testing.T) {
	store := memorystore.New()
	r, _ := newTestRegistry(t, store)

	rec, err := r.GetOrCreate(context.Background(), "doc-2", connctx.New(nil).Freeze())
	require.NoError(t, err)

	sender := &fakeConnection{id: "client-a"}
	peer := &fakeConnection{id: "client-b"}
	rec.AddConnection(sender)
	rec.AddConnection(peer)

	update := remoteInsert("client-a", "hi")

	txn := rec.Engine().BeginTransaction()
	txn.SetOrigin("client-a")
	require.NoError(t, txn.ApplyUpdate(update))
	txn.Commit()

	require.Eventually(t, func() bool { return peer.count() == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, sender.count())
}

func TestDebouncedSaveCollapsesToOneStore(t *testing.T) {
	store := memorystore.New()
	counter := &storeCountingExtension{}
	r, _ := newTestRegistry(t, store, counter)

	rec, err := r.GetOrCreate(context.Background(), "doc-3", connctx.New(nil).Freeze())
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		require.NoError(t, rec.Engine().ApplyUpdate(remoteInsert("client-a", "x")))
		time.Sleep(10 * time.Millisecond)
	}

	require.Eventually(t, func() bool {
		_, ok := store.Snapshot("doc-3")
		return ok
	}, 500*time.Millisecond, 10*time.Millisecond)

	// Wait past the hard cap: the three changes must have produced a
	// single onStoreDocument call.
	time.Sleep(150 * time.Millisecond)
	assert.EqualValues(t, 1, atomic.LoadInt32(&counter.stores))
}

func TestBroadcastLocalUpdateMergesIntoEngineAndRelays(t *testing.T) {
	store := memorystore.New()
	r, _ := newTestRegistry(t, store)

	rec, err := r.GetOrCreate(context.Background(), "doc-relay", connctx.New(nil).Freeze())
	require.NoError(t, err)

	conn := &fakeConnection{id: "local-client"}
	rec.AddConnection(conn)

	update := remoteInsert("peer-instance", "hi")
	r.BroadcastLocalUpdate("doc-relay", update)

	// The relayed ops are merged into the authoritative engine, so
	// later sync replies and saves see them — not just the live
	// connections.
	assert.Equal(t, "hi", rec.Engine().Text())
	assert.Equal(t, 1, conn.count())

	// The merged state reaches the store on the next flush.
	r.saver.SaveImmediately(rec.Name(), r.storeTask(rec))
	state, ok := store.Snapshot("doc-relay")
	require.True(t, ok)
	replica := engine.New("replica")
	require.NoError(t, replica.ApplyUpdate(state))
	assert.Equal(t, "hi", replica.Text())
}

func TestBroadcastLocalUpdateUnknownDocumentIsNoOp(t *testing.T) {
	r, errHandler := newTestRegistry(t)
	r.BroadcastLocalUpdate("never-loaded", remoteInsert("peer", "x"))

	errHandler.mu.Lock()
	defer errHandler.mu.Unlock()
	assert.Empty(t, errHandler.errs)
}

func TestUnloadFlushesAndClosesOnLastDisconnect(t *testing.T) {
	store := memorystore.New()
	r, _ := newTestRegistry(t, store)

	rec, err := r.GetOrCreate(context.Background(), "doc-4", connctx.New(nil).Freeze())
	require.NoError(t, err)

	conn := &fakeConnection{id: "only-client"}
	rec.AddConnection(conn)
	require.NoError(t, rec.Engine().ApplyUpdate(remoteInsert("only-client", "hi")))

	r.Release(rec, conn)

	require.Eventually(t, func() bool {
		return rec.State() == StateClosed
	}, time.Second, 5*time.Millisecond)

	state, ok := store.Snapshot("doc-4")
	require.True(t, ok)
	assert.NotEmpty(t, state)
}

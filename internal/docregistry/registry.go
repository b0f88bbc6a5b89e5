package docregistry

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Polqt/collabd/internal/connctx"
	"github.com/Polqt/collabd/internal/ext"
	"github.com/Polqt/collabd/internal/saver"
)

// ErrorHandler is the error-reporting capability injected at
// construction; hot paths report through it instead of calling
// log-style sinks directly.
type ErrorHandler interface {
	OnStorageError(documentName string, err error)
	OnHookError(extensionName, hookName string, err error)
	OnProtocolError(connectionID string, err error)
}

type loadFuture struct {
	done   chan struct{}
	record *Record
	err    error
}

// Recorder receives lifecycle and hook-outcome counts for metrics.
// Optional: a Registry with no Recorder set just skips the calls.
type Recorder interface {
	DocumentLoaded()
	DocumentUnloaded()
	HookFailed(hookName string)
}

// Registry maps document name to Record, with single-flight load and
// coordinated unload.
type Registry struct {
	exts              *ext.Registry
	saver             *saver.Saver
	errHandler        ErrorHandler
	recorder          Recorder
	broadcastRecorder BroadcastRecorder

	unloadGrace time.Duration
	pollEvery   time.Duration

	mu        sync.Mutex
	documents map[string]*Record
	loading   map[string]*loadFuture

	shuttingDown atomic.Bool
	unloadWG     sync.WaitGroup
}

// Config bundles the Registry's tunables: the debounced saver's quiet
// period and hard cap, plus the unload grace period.
type Config struct {
	Debounce    time.Duration
	MaxDebounce time.Duration
	UnloadGrace time.Duration
}

// New builds a Registry over exts, persisting saves through a debounced
// Saver configured per cfg and reporting every error kind through
// errHandler.
func New(exts *ext.Registry, errHandler ErrorHandler, cfg Config) *Registry {
	grace := cfg.UnloadGrace
	if grace <= 0 {
		grace = 5 * time.Second
	}
	return &Registry{
		exts:        exts,
		errHandler:  errHandler,
		unloadGrace: grace,
		pollEvery:   100 * time.Millisecond,
		documents:   make(map[string]*Record),
		loading:     make(map[string]*loadFuture),
		saver:       saver.New(cfg.Debounce, cfg.MaxDebounce, errHandler),
	}
}

// SetRecorder attaches a metrics Recorder for load/unload and hook
// failures; the internal Saver's recorder is set separately through
// SetSaveRecorder. Not required at construction so existing callers and
// tests are unaffected.
func (r *Registry) SetRecorder(rec Recorder) {
	r.recorder = rec
}

// SetSaveRecorder attaches a saver.Recorder to the registry's debounced
// saver, kept distinct from SetRecorder since saver.Recorder is a
// narrower, package-local capability (avoids docregistry depending on
// the metrics package directly).
func (r *Registry) SetSaveRecorder(rec saver.Recorder) {
	r.saver.SetRecorder(rec)
}

// SetBroadcastRecorder attaches a metrics BroadcastRecorder, applied to
// every Record loaded from this point forward (already-loaded records
// are unaffected, matching every other SetXRecorder's "wired at server
// construction, before traffic starts" usage).
func (r *Registry) SetBroadcastRecorder(rec BroadcastRecorder) {
	r.broadcastRecorder = rec
}

// GetOrCreate returns the active Record for name, loading it if
// necessary. Concurrent callers for the same name observe exactly one
// execution of onLoadDocument and the same Record instance.
func (r *Registry) GetOrCreate(ctx context.Context, name string, frozenCtx connctx.Snapshot) (*Record, error) {
	if r.shuttingDown.Load() {
		return nil, ErrShuttingDown
	}

	r.mu.Lock()
	if rec, ok := r.documents[name]; ok && rec.State() == StateActive {
		r.mu.Unlock()
		return rec, nil
	}
	if fut, ok := r.loading[name]; ok {
		r.mu.Unlock()
		<-fut.done
		return fut.record, fut.err
	}
	fut := &loadFuture{done: make(chan struct{})}
	r.loading[name] = fut
	r.mu.Unlock()

	rec, err := r.loadDocument(ctx, name, frozenCtx)
	fut.record, fut.err = rec, err
	close(fut.done)
	return rec, err
}

// loadDocument runs the loader steps in order: create the record,
// fire onCreateDocument and onLoadDocument, apply persisted state,
// register the update observer, publish, fire afterLoadDocument. On
// any failure it removes the in-flight future and exposes no partial
// record.
func (r *Registry) loadDocument(ctx context.Context, name string, frozenCtx connctx.Snapshot) (*Record, error) {
	rec := newRecord(name)
	rec.loadContext = frozenCtx
	if r.broadcastRecorder != nil {
		rec.SetBroadcastRecorder(r.broadcastRecorder)
	}

	if err := r.exts.RunOnCreateDocumentSync(ctx, &ext.CreateDocumentPayload{DocumentName: name}); err != nil {
		r.abandonLoad(name)
		return nil, err
	}

	loadPayload := &ext.OnLoadDocumentPayload{DocumentName: name, Context: frozenCtx}
	if err := r.exts.RunOnLoadDocumentSync(ctx, loadPayload); err != nil {
		r.abandonLoad(name)
		return nil, err
	}
	if state, ok := loadPayload.State(); ok && len(state) > 0 {
		if err := rec.engine.ApplyUpdate(state); err != nil {
			r.abandonLoad(name)
			return nil, err
		}
	}

	// The callback runs on the committing goroutine; the engine
	// serializes notifications, so broadcasts fan out in commit order.
	rec.sub = rec.engine.ObserveUpdateV1(func(update []byte, origin any) {
		r.handleDocumentChange(rec, update, origin)
	})

	rec.setState(StateActive)

	r.mu.Lock()
	r.documents[name] = rec
	delete(r.loading, name)
	r.mu.Unlock()

	if err := r.exts.RunAfterLoadDocumentSync(ctx, &ext.AfterLoadDocumentPayload{DocumentName: name}); err != nil {
		// afterLoadDocument failed after publish: roll back so no
		// partial record is exposed.
		r.mu.Lock()
		delete(r.documents, name)
		r.mu.Unlock()
		rec.sub.Unsubscribe()
		rec.engine.Close()
		rec.setState(StateClosed)
		return nil, err
	}

	if r.recorder != nil {
		r.recorder.DocumentLoaded()
	}
	return rec, nil
}

func (r *Registry) reportHookError(hookName string, err error) {
	r.errHandler.OnHookError(hookName, hookName, err)
	if r.recorder != nil {
		r.recorder.HookFailed(hookName)
	}
}

func (r *Registry) abandonLoad(name string) {
	r.mu.Lock()
	delete(r.loading, name)
	r.mu.Unlock()
}

// handleDocumentChange is the update observer's callback: runs
// onChange, then broadcasts and schedules a debounced save.
func (r *Registry) handleDocumentChange(rec *Record, update []byte, origin any) {
	if r.shuttingDown.Load() || rec.State() != StateActive {
		return
	}

	payload := &ext.OnChangePayload{DocumentName: rec.name, Context: rec.loadContext, Update: update}
	if err := r.exts.RunOnChange(context.Background(), payload); err != nil {
		r.reportHookError("onChange", err)
		return
	}

	originClientID, _ := origin.(string)
	rec.BroadcastUpdate(originClientID, update)
	r.saver.ScheduleSave(rec.name, r.storeTask(rec))
}

// BroadcastLocalUpdate merges an update received from another server
// process (via a fan-out extension such as redisfanout) into the local
// engine and delivers it to every local connection for documentName.
// The merge bypasses the update observer, so onChange, the saver, and
// the fan-out extension itself do not run a second time — the
// originating process already drove that pipeline. Merging is not
// optional: a later SYNC_STEP_1 reply and the next local save both
// read the engine, which must therefore reflect the relayed ops.
func (r *Registry) BroadcastLocalUpdate(documentName string, update []byte) {
	r.mu.Lock()
	rec, ok := r.documents[documentName]
	r.mu.Unlock()
	if !ok {
		return
	}
	if err := rec.engine.MergeUpdate(update); err != nil {
		r.errHandler.OnProtocolError("", fmt.Errorf("merge relayed update for %q: %w", documentName, err))
		return
	}
	rec.BroadcastUpdate("", update)
}

func (r *Registry) storeTask(rec *Record) saver.Task {
	return func() error {
		state := rec.engine.EncodeStateAsUpdate()
		storePayload := &ext.OnStoreDocumentPayload{DocumentName: rec.name, Context: rec.loadContext, State: state}
		if err := r.exts.RunOnStoreDocument(context.Background(), storePayload); err != nil {
			return err
		}
		if err := r.exts.RunAfterStoreDocument(context.Background(), &ext.AfterStoreDocumentPayload{DocumentName: rec.name}); err != nil {
			r.reportHookError("afterStoreDocument", err)
		}
		return nil
	}
}

// Release removes conn from rec's connection set, triggering unload
// if rec was ACTIVE and is now empty. During shutdown the unload is
// left to Close, which drains every remaining record itself.
func (r *Registry) Release(rec *Record, conn Connection) {
	empty := rec.removeConnection(conn.ClientID())
	if !empty || rec.State() != StateActive || r.shuttingDown.Load() {
		return
	}
	r.unloadWG.Add(1)
	go func() {
		defer r.unloadWG.Done()
		r.unload(context.Background(), rec)
	}()
}

// Disconnect runs the onDisconnect hook for a departing connection and
// then releases it from its record, possibly triggering unload. Hook
// failure is non-fatal: reported to the error handler, it never blocks
// the connection from being released.
func (r *Registry) Disconnect(ctx context.Context, rec *Record, conn Connection, connectionID string) {
	if err := r.exts.RunOnDisconnect(ctx, &ext.DisconnectPayload{ConnectionID: connectionID, DocumentName: rec.name}); err != nil {
		r.reportHookError("onDisconnect", err)
	}
	r.Release(rec, conn)
}

// unload runs the unload sequence: wait out the grace period, flush,
// fire the unload hooks, close the engine. The ACTIVE->UNLOADING CAS
// makes it idempotent: a record can be targeted both by the
// last-connection-left path and by Close without tearing down twice.
func (r *Registry) unload(ctx context.Context, rec *Record) {
	if !rec.beginUnload() {
		return
	}
	r.mu.Lock()
	delete(r.documents, rec.name)
	r.mu.Unlock()

	deadline := time.Now().Add(r.unloadGrace)
	for rec.ConnectionCount() > 0 && time.Now().Before(deadline) {
		time.Sleep(r.pollEvery)
	}

	r.saver.SaveImmediately(rec.name, r.storeTask(rec))

	if err := r.exts.RunBeforeUnloadDocumentSync(ctx, &ext.BeforeUnloadDocumentPayload{DocumentName: rec.name}); err != nil {
		r.reportHookError("beforeUnloadDocument", err)
	}

	if rec.sub != nil {
		rec.sub.Unsubscribe()
	}
	rec.engine.Close()

	if err := r.exts.RunAfterUnloadDocumentSync(ctx, &ext.AfterUnloadDocumentPayload{DocumentName: rec.name}); err != nil {
		r.reportHookError("afterUnloadDocument", err)
	}

	rec.setState(StateClosed)
	if r.recorder != nil {
		r.recorder.DocumentUnloaded()
	}
}

// BeginShutdown fences off new loads and new unload goroutines before
// the actual teardown starts; the server facade calls it ahead of
// closing client transports so nothing re-loads while they drain.
func (r *Registry) BeginShutdown() { r.shuttingDown.Store(true) }

// Close shuts the registry down on behalf of the server facade:
// every loaded document is force-unloaded, and any unloads
// already in flight are waited out, so no hook fires and no save runs
// after Close returns.
func (r *Registry) Close(ctx context.Context) {
	r.shuttingDown.Store(true)

	r.mu.Lock()
	recs := make([]*Record, 0, len(r.documents))
	for _, rec := range r.documents {
		recs = append(recs, rec)
	}
	r.mu.Unlock()

	var wg sync.WaitGroup
	for _, rec := range recs {
		rec := rec
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.unload(ctx, rec)
		}()
	}
	wg.Wait()
	r.unloadWG.Wait()
}

// Documents returns a snapshot of every currently-loaded record, for
// diagnostics. Close does not use it; it reads the document map itself.
func (r *Registry) Documents() []*Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Record, 0, len(r.documents))
	for _, rec := range r.documents {
		out = append(out, rec)
	}
	return out
}

// Package ext defines the Extension contract and its hook
// payloads. Every hook defaults to a resolved no-op, so a concrete
// extension implements only the subset it cares about by embedding Base.
package ext

import (
	"context"

	"github.com/Polqt/collabd/internal/connctx"
)

// ConnectPayload is passed to onConnect.
type ConnectPayload struct {
	ConnectionID  string
	RemoteAddress string
}

// OnAuthenticatePayload is passed to onAuthenticate. ContextMut is
// the mutable Context the hook chain may augment; ReadOnly starts false
// and is set via SetReadOnly.
type OnAuthenticatePayload struct {
	ConnectionID string
	DocumentName string
	Token        string
	ContextMut   *connctx.Context
	readOnly     bool
}

// SetReadOnly marks the connection read-only for documentName.
func (p *OnAuthenticatePayload) SetReadOnly(v bool) { p.readOnly = v }

// ReadOnly reports the current read-only decision.
func (p *OnAuthenticatePayload) ReadOnly() bool { return p.readOnly }

// CreateDocumentPayload is passed to onCreateDocument.
type CreateDocumentPayload struct {
	DocumentName string
}

// OnLoadDocumentPayload is passed to onLoadDocument. Later extensions'
// SetState calls overwrite earlier ones; the final value is applied to
// the engine.
type OnLoadDocumentPayload struct {
	DocumentName string
	Context      connctx.Snapshot
	stateMut     []byte
	stateSet     bool
}

// SetState records the document's persisted state bytes.
func (p *OnLoadDocumentPayload) SetState(b []byte) {
	p.stateMut = b
	p.stateSet = true
}

// State returns the bytes set by the last extension to call SetState,
// and whether any extension set it at all.
func (p *OnLoadDocumentPayload) State() ([]byte, bool) { return p.stateMut, p.stateSet }

// AfterLoadDocumentPayload is passed to afterLoadDocument.
type AfterLoadDocumentPayload struct {
	DocumentName string
}

// OnChangePayload is passed to onChange. Update and Context are
// immutable.
type OnChangePayload struct {
	DocumentName string
	Context      connctx.Snapshot
	Update       []byte
}

// OnStoreDocumentPayload is passed to onStoreDocument.
type OnStoreDocumentPayload struct {
	DocumentName string
	Context      connctx.Snapshot
	State        []byte
}

// AfterStoreDocumentPayload is passed to afterStoreDocument.
type AfterStoreDocumentPayload struct {
	DocumentName string
}

// BeforeUnloadDocumentPayload is passed to beforeUnloadDocument.
type BeforeUnloadDocumentPayload struct {
	DocumentName string
}

// AfterUnloadDocumentPayload is passed to afterUnloadDocument.
type AfterUnloadDocumentPayload struct {
	DocumentName string
}

// DisconnectPayload is passed to onDisconnect.
type DisconnectPayload struct {
	ConnectionID string
	DocumentName string
}

// DestroyPayload is passed to onDestroy.
type DestroyPayload struct{}

// ConfigurePayload is passed to onConfigure. NewRegistry does not run
// the hook; the caller runs it through Registry.RunOnConfigure.
type ConfigurePayload struct{}

// Extension is the hook set a pluggable collaborator implements.
// Every hook returns an error; a nil return is the "resolved, no
// failure" completion. Extensions embedding Base get every hook as a
// no-op for free and override only what they need.
type Extension interface {
	Priority() int32

	OnConfigure(ctx context.Context, p *ConfigurePayload) error
	OnConnect(ctx context.Context, p *ConnectPayload) error
	OnAuthenticate(ctx context.Context, p *OnAuthenticatePayload) error
	OnCreateDocument(ctx context.Context, p *CreateDocumentPayload) error
	OnLoadDocument(ctx context.Context, p *OnLoadDocumentPayload) error
	AfterLoadDocument(ctx context.Context, p *AfterLoadDocumentPayload) error
	OnChange(ctx context.Context, p *OnChangePayload) error
	OnStoreDocument(ctx context.Context, p *OnStoreDocumentPayload) error
	AfterStoreDocument(ctx context.Context, p *AfterStoreDocumentPayload) error
	BeforeUnloadDocument(ctx context.Context, p *BeforeUnloadDocumentPayload) error
	AfterUnloadDocument(ctx context.Context, p *AfterUnloadDocumentPayload) error
	OnDisconnect(ctx context.Context, p *DisconnectPayload) error
	OnDestroy(ctx context.Context, p *DestroyPayload) error
}

// Base implements every Extension hook as a no-op returning nil, and a
// default priority of 0. Concrete extensions embed Base and override
// only the hooks they use.
type Base struct{}

func (Base) Priority() int32 { return 0 }

func (Base) OnConfigure(context.Context, *ConfigurePayload) error                     { return nil }
func (Base) OnConnect(context.Context, *ConnectPayload) error                         { return nil }
func (Base) OnAuthenticate(context.Context, *OnAuthenticatePayload) error             { return nil }
func (Base) OnCreateDocument(context.Context, *CreateDocumentPayload) error           { return nil }
func (Base) OnLoadDocument(context.Context, *OnLoadDocumentPayload) error             { return nil }
func (Base) AfterLoadDocument(context.Context, *AfterLoadDocumentPayload) error       { return nil }
func (Base) OnChange(context.Context, *OnChangePayload) error                         { return nil }
func (Base) OnStoreDocument(context.Context, *OnStoreDocumentPayload) error           { return nil }
func (Base) AfterStoreDocument(context.Context, *AfterStoreDocumentPayload) error     { return nil }
func (Base) BeforeUnloadDocument(context.Context, *BeforeUnloadDocumentPayload) error { return nil }
func (Base) AfterUnloadDocument(context.Context, *AfterUnloadDocumentPayload) error   { return nil }
func (Base) OnDisconnect(context.Context, *DisconnectPayload) error                   { return nil }
func (Base) OnDestroy(context.Context, *DestroyPayload) error                         { return nil }

package ext

import (
	"context"
	"sort"
)

// Registry holds the ordered set of configured extensions, sorted once
// at construction by Priority() descending — higher priority fires
// earlier. For any given hook, Registry runs extensions
// strictly sequentially — extension k+1 only starts after extension
// k's call for the same payload returns.
type Registry struct {
	extensions []Extension
}

// NewRegistry sorts exts by priority descending and returns a Registry.
// The input slice is not retained.
func NewRegistry(exts []Extension) *Registry {
	sorted := make([]Extension, len(exts))
	copy(sorted, exts)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() > sorted[j].Priority()
	})
	return &Registry{extensions: sorted}
}

// Extensions returns the sorted extension list (read-only use).
func (r *Registry) Extensions() []Extension { return r.extensions }

// A hook's failure aborts the chain for that event: the first error
// returned by any extension short-circuits the remaining extensions.
// This applies uniformly to every RunX method below; what a failure
// means (close the transport, report and continue, abort the load) is
// the caller's decision.

func (r *Registry) RunOnConfigure(ctx context.Context, p *ConfigurePayload) error {
	for _, e := range r.extensions {
		if err := e.OnConfigure(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) RunOnConnect(ctx context.Context, p *ConnectPayload) error {
	for _, e := range r.extensions {
		if err := e.OnConnect(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) RunOnAuthenticate(ctx context.Context, p *OnAuthenticatePayload) error {
	for _, e := range r.extensions {
		if err := e.OnAuthenticate(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// RunOnCreateDocumentSync runs onCreateDocument. The registry's load
// path treats any failure here as fatal to the request;
// the name documents that intent even though, in Go, every hook call
// already blocks the calling goroutine.
func (r *Registry) RunOnCreateDocumentSync(ctx context.Context, p *CreateDocumentPayload) error {
	for _, e := range r.extensions {
		if err := e.OnCreateDocument(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) RunOnLoadDocumentSync(ctx context.Context, p *OnLoadDocumentPayload) error {
	for _, e := range r.extensions {
		if err := e.OnLoadDocument(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) RunAfterLoadDocumentSync(ctx context.Context, p *AfterLoadDocumentPayload) error {
	for _, e := range r.extensions {
		if err := e.AfterLoadDocument(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) RunOnChange(ctx context.Context, p *OnChangePayload) error {
	for _, e := range r.extensions {
		if err := e.OnChange(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) RunOnStoreDocument(ctx context.Context, p *OnStoreDocumentPayload) error {
	for _, e := range r.extensions {
		if err := e.OnStoreDocument(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) RunAfterStoreDocument(ctx context.Context, p *AfterStoreDocumentPayload) error {
	for _, e := range r.extensions {
		if err := e.AfterStoreDocument(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) RunBeforeUnloadDocumentSync(ctx context.Context, p *BeforeUnloadDocumentPayload) error {
	for _, e := range r.extensions {
		if err := e.BeforeUnloadDocument(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) RunAfterUnloadDocumentSync(ctx context.Context, p *AfterUnloadDocumentPayload) error {
	for _, e := range r.extensions {
		if err := e.AfterUnloadDocument(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) RunOnDisconnect(ctx context.Context, p *DisconnectPayload) error {
	for _, e := range r.extensions {
		if err := e.OnDisconnect(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

func (r *Registry) RunOnDestroySync(ctx context.Context, p *DestroyPayload) error {
	for _, e := range r.extensions {
		if err := e.OnDestroy(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

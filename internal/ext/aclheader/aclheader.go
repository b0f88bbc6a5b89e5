// Package aclheader provides a minimal ACL Extension: a connection is
// marked read-only for a document when the configured HTTP header was
// set on the WebSocket upgrade request. The header value is read from
// the "requestHeaders" entry the transport handler seeds into the
// initial context.
package aclheader

import (
	"context"
	"net/http"
	"strconv"

	"github.com/Polqt/collabd/internal/ext"
)

// contextKey is the initial-context entry the transport handler stores
// the upgrade request's headers under.
const contextKey = "requestHeaders"

// Extension marks connections read-only based on an HTTP header.
type Extension struct {
	ext.Base

	header string
}

// New returns an Extension gating on the named header.
func New(header string) *Extension {
	return &Extension{header: header}
}

// Priority runs before persistence and fan-out: access decisions come
// first in the chain.
func (e *Extension) Priority() int32 { return 100 }

// OnAuthenticate sets the read-only flag when the header carries a
// truthy value. "false"/"0" explicitly opt out; any other non-empty
// value (including bare presence markers like "yes") counts as set.
func (e *Extension) OnAuthenticate(ctx context.Context, p *ext.OnAuthenticatePayload) error {
	v, ok := p.ContextMut.Get(contextKey)
	if !ok {
		return nil
	}
	headers, ok := v.(http.Header)
	if !ok {
		return nil
	}
	value := headers.Get(e.header)
	if value == "" {
		return nil
	}
	if parsed, err := strconv.ParseBool(value); err == nil && !parsed {
		return nil
	}
	p.SetReadOnly(true)
	return nil
}

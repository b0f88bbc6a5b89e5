package aclheader

import (
	"context"
	"net/http"
	"testing"

	"github.com/Polqt/collabd/internal/connctx"
	"github.com/Polqt/collabd/internal/ext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func payloadWithHeaders(h http.Header) *ext.OnAuthenticatePayload {
	initial := map[string]any{}
	if h != nil {
		initial["requestHeaders"] = h
	}
	return &ext.OnAuthenticatePayload{
		ConnectionID: "conn-1",
		DocumentName: "doc-1",
		ContextMut:   connctx.New(initial),
	}
}

func TestHeaderPresentMarksReadOnly(t *testing.T) {
	e := New("X-Collab-Read-Only")
	h := http.Header{}
	h.Set("X-Collab-Read-Only", "true")

	p := payloadWithHeaders(h)
	require.NoError(t, e.OnAuthenticate(context.Background(), p))
	assert.True(t, p.ReadOnly())
}

func TestNonBooleanValueCountsAsSet(t *testing.T) {
	e := New("X-Collab-Read-Only")
	h := http.Header{}
	h.Set("X-Collab-Read-Only", "yes")

	p := payloadWithHeaders(h)
	require.NoError(t, e.OnAuthenticate(context.Background(), p))
	assert.True(t, p.ReadOnly())
}

func TestExplicitFalseOptsOut(t *testing.T) {
	e := New("X-Collab-Read-Only")
	h := http.Header{}
	h.Set("X-Collab-Read-Only", "false")

	p := payloadWithHeaders(h)
	require.NoError(t, e.OnAuthenticate(context.Background(), p))
	assert.False(t, p.ReadOnly())
}

func TestAbsentHeaderLeavesWritable(t *testing.T) {
	e := New("X-Collab-Read-Only")

	p := payloadWithHeaders(http.Header{})
	require.NoError(t, e.OnAuthenticate(context.Background(), p))
	assert.False(t, p.ReadOnly())

	// No headers in the context at all (e.g. a non-HTTP transport).
	p = payloadWithHeaders(nil)
	require.NoError(t, e.OnAuthenticate(context.Background(), p))
	assert.False(t, p.ReadOnly())
}

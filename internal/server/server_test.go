package server

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/Polqt/collabd/internal/docregistry"
	"github.com/Polqt/collabd/internal/ext"
	"github.com/Polqt/collabd/internal/ext/memorystore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type noopErrorHandler struct{}

func (noopErrorHandler) OnStorageError(string, error)      {}
func (noopErrorHandler) OnHookError(string, string, error) {}
func (noopErrorHandler) OnProtocolError(string, error)     {}

type fakeTransport struct {
	id string

	mu      sync.Mutex
	closed  bool
	code    uint16
	onFrame func([]byte)
}

func (t *fakeTransport) Send([]byte) error { return nil }
func (t *fakeTransport) Close(code uint16, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.code = code
}
func (t *fakeTransport) IsOpen() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return !t.closed
}
func (t *fakeTransport) ConnectionID() string               { return t.id }
func (t *fakeTransport) RemoteAddress() string              { return "127.0.0.1:0" }
func (t *fakeTransport) SetReceiveListener(fn func([]byte)) { t.onFrame = fn }
func (t *fakeTransport) SetCloseListener(func())            {}

func newTestServer() *Server {
	exts := ext.NewRegistry([]ext.Extension{memorystore.New()})
	registry := docregistry.New(exts, noopErrorHandler{}, docregistry.Config{
		Debounce:    10 * time.Millisecond,
		MaxDebounce: 50 * time.Millisecond,
	})
	return New(registry, exts, noopErrorHandler{})
}

func TestHandleConnectionAcceptsAndTracks(t *testing.T) {
	srv := newTestServer()
	tr := &fakeTransport{id: "c1"}
	require.NoError(t, srv.HandleConnection(tr, nil))

	srv.mu.Lock()
	n := len(srv.clients)
	srv.mu.Unlock()
	assert.Equal(t, 1, n)
}

func TestHandleConnectionFailsAfterClose(t *testing.T) {
	srv := newTestServer()
	srv.Close(context.Background())

	tr := &fakeTransport{id: "c2"}
	err := srv.HandleConnection(tr, nil)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestCloseClosesOpenTransportsWithGoingAway(t *testing.T) {
	srv := newTestServer()
	tr := &fakeTransport{id: "c3"}
	require.NoError(t, srv.HandleConnection(tr, nil))

	srv.Close(context.Background())

	assert.True(t, tr.closed)
	assert.EqualValues(t, 1001, tr.code)
}

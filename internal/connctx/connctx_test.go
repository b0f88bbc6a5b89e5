package connctx

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMutablePhaseSetAndGet(t *testing.T) {
	c := New(map[string]any{"user": "alice"})
	require.NoError(t, c.Set("role", "editor"))

	v, ok := c.Get("user")
	assert.True(t, ok)
	assert.Equal(t, "alice", v)

	v, ok = c.Get("role")
	assert.True(t, ok)
	assert.Equal(t, "editor", v)
}

func TestFreezePublishesSnapshot(t *testing.T) {
	c := New(nil)
	require.NoError(t, c.Set("a", 1))
	snap := c.Freeze()

	assert.True(t, c.Frozen())
	v, ok := snap.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)
}

func TestSetAfterFreezeFailsLoudly(t *testing.T) {
	c := New(nil)
	c.Freeze()
	err := c.Set("late", true)
	assert.ErrorIs(t, err, ErrFrozen)
}

func TestFreezeIsIdempotent(t *testing.T) {
	c := New(map[string]any{"a": 1})
	snap1 := c.Freeze()
	// Mutating after the first freeze must fail, so there is no way for
	// a second Freeze to observe different entries.
	snap2 := c.Freeze()
	assert.Equal(t, snap1.Map(), snap2.Map())
}

func TestSnapshotDeepEqualAcrossReads(t *testing.T) {
	c := New(map[string]any{"user": "bob", "readOnly": false})
	require.NoError(t, c.Set("docName", "doc-1"))
	snap := c.Freeze()

	// Simulate onChange and onStoreDocument both reading the frozen
	// context independently.
	onChangeView := snap.Map()
	onStoreView := snap.Map()
	assert.Equal(t, onChangeView, onStoreView)
}

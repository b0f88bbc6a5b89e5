package awareness

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() func() time.Time {
	t := time.Unix(1700000000, 0)
	return func() time.Time { return t }
}

func TestUnknownClientWithEmptyStateIgnored(t *testing.T) {
	tbl := New()
	tbl.now = fixedNow()
	accepted := tbl.Apply(Update{ClientID: 1, Clock: 1, State: ""})
	assert.False(t, accepted)
	assert.Equal(t, 0, tbl.Len())
}

func TestUnknownClientInserted(t *testing.T) {
	tbl := New()
	tbl.now = fixedNow()
	accepted := tbl.Apply(Update{ClientID: 1, Clock: 1, State: `{"x":1}`})
	assert.True(t, accepted)
	assert.Equal(t, 1, tbl.Len())
}

func TestStaleClockDropped(t *testing.T) {
	tbl := New()
	tbl.now = fixedNow()
	require.True(t, tbl.Apply(Update{ClientID: 1, Clock: 5, State: "a"}))
	accepted := tbl.Apply(Update{ClientID: 1, Clock: 3, State: "b"})
	assert.False(t, accepted)
}

func TestEqualClockSameStateDropped(t *testing.T) {
	tbl := New()
	tbl.now = fixedNow()
	require.True(t, tbl.Apply(Update{ClientID: 1, Clock: 5, State: "a"}))
	accepted := tbl.Apply(Update{ClientID: 1, Clock: 5, State: "a"})
	assert.False(t, accepted)
}

func TestEqualClockDifferentStateAcceptedResurrection(t *testing.T) {
	tbl := New()
	tbl.now = fixedNow()
	require.True(t, tbl.Apply(Update{ClientID: 1, Clock: 5, State: "a"}))
	accepted := tbl.Apply(Update{ClientID: 1, Clock: 5, State: "b"})
	assert.True(t, accepted)
}

func TestGreaterClockAccepted(t *testing.T) {
	tbl := New()
	tbl.now = fixedNow()
	require.True(t, tbl.Apply(Update{ClientID: 1, Clock: 5, State: "a"}))
	accepted := tbl.Apply(Update{ClientID: 1, Clock: 6, State: "b"})
	assert.True(t, accepted)
}

func TestEmptyStateRemovesEntry(t *testing.T) {
	tbl := New()
	tbl.now = fixedNow()
	require.True(t, tbl.Apply(Update{ClientID: 1, Clock: 5, State: "a"}))
	accepted := tbl.Apply(Update{ClientID: 1, Clock: 6, State: ""})
	assert.True(t, accepted)
	assert.Equal(t, 0, tbl.Len())
}

func TestRemoveStatesBumpsClockAndAppliesLocally(t *testing.T) {
	tbl := New()
	tbl.now = fixedNow()
	require.True(t, tbl.Apply(Update{ClientID: 1, Clock: 5, State: "a"}))

	payload := tbl.RemoveStates([]uint64{1})
	assert.Equal(t, 0, tbl.Len())

	updates, err := Decode(payload)
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, uint64(6), updates[0].Clock)
	assert.Equal(t, "", updates[0].State)
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	updates := []Update{
		{ClientID: 1, Clock: 1, State: `{"cursor":1}`},
		{ClientID: 2, Clock: 9, State: ""},
	}
	decoded, err := Decode(Encode(updates))
	require.NoError(t, err)
	assert.Equal(t, updates, decoded)
}

func TestGetStatesReflectsCurrentClocks(t *testing.T) {
	tbl := New()
	tbl.now = fixedNow()
	require.True(t, tbl.Apply(Update{ClientID: 1, Clock: 3, State: "a"}))

	updates, err := Decode(tbl.GetStates())
	require.NoError(t, err)
	require.Len(t, updates, 1)
	assert.Equal(t, uint64(3), updates[0].Clock)
}

package y

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAwarenessSetLocalState(t *testing.T) {
	a := NewAwareness(1)

	require.NoError(t, a.SetLocalState(map[string]string{"user": "alice"}, nil))

	state := a.LocalState()
	require.NotNil(t, state)
	assert.JSONEq(t, `{"user":"alice"}`, string(state))
	assert.Len(t, a.States(), 1)
}

func TestAwarenessSetLocalStateNilRemoves(t *testing.T) {
	a := NewAwareness(1)

	require.NoError(t, a.SetLocalState(map[string]string{"user": "alice"}, nil))
	require.NoError(t, a.SetLocalState(nil, nil))

	assert.Nil(t, a.LocalState())
	assert.Empty(t, a.States())
}

func TestAwarenessSetLocalStateField(t *testing.T) {
	a := NewAwareness(1)

	require.NoError(t, a.SetLocalStateField("user", "alice", nil))
	require.NoError(t, a.SetLocalStateField("cursor", 42, nil))

	var state map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(a.LocalState(), &state))
	assert.JSONEq(t, `"alice"`, string(state["user"]))
	assert.JSONEq(t, `42`, string(state["cursor"]))
}

func TestAwarenessEncodeApplyRoundTrip(t *testing.T) {
	a := NewAwareness(1)
	b := NewAwareness(2)

	require.NoError(t, a.SetLocalState(map[string]string{"user": "alice"}, nil))
	require.NoError(t, b.ApplyUpdate(a.EncodeLocal(), nil))

	states := b.States()
	require.Contains(t, states, uint64(1))
	assert.JSONEq(t, `{"user":"alice"}`, string(states[1]))
}

func TestAwarenessStaleClockIgnored(t *testing.T) {
	a := NewAwareness(1)
	b := NewAwareness(2)

	require.NoError(t, a.SetLocalState(map[string]string{"v": "old"}, nil))
	old := a.EncodeLocal()
	require.NoError(t, a.SetLocalState(map[string]string{"v": "new"}, nil))
	fresh := a.EncodeLocal()

	require.NoError(t, b.ApplyUpdate(fresh, nil))
	require.NoError(t, b.ApplyUpdate(old, nil))

	assert.JSONEq(t, `{"v":"new"}`, string(b.States()[1]))
}

func TestAwarenessRemovalPropagates(t *testing.T) {
	a := NewAwareness(1)
	b := NewAwareness(2)

	require.NoError(t, a.SetLocalState(map[string]string{"user": "alice"}, nil))
	require.NoError(t, b.ApplyUpdate(a.EncodeLocal(), nil))
	require.Contains(t, b.States(), uint64(1))

	require.NoError(t, a.SetLocalState(nil, nil))
	require.NoError(t, b.ApplyUpdate(a.EncodeLocal(), nil))

	assert.NotContains(t, b.States(), uint64(1))
}

func TestAwarenessRemoveStates(t *testing.T) {
	a := NewAwareness(1)
	require.NoError(t, a.SetLocalState(map[string]string{"user": "alice"}, nil))

	var got AwarenessChange
	a.OnChange(func(c AwarenessChange) { got = c })

	a.RemoveStates([]uint64{1}, "conn-gone")

	assert.Empty(t, a.States())
	assert.Equal(t, []uint64{1}, got.Removed)
	assert.Equal(t, "conn-gone", got.Origin)

	// The bumped removal clock must beat the state that was removed.
	b := NewAwareness(2)
	require.NoError(t, b.ApplyUpdate(a.Encode([]uint64{1}), nil))
	assert.NotContains(t, b.States(), uint64(1))
}

func TestAwarenessObserverChangeKinds(t *testing.T) {
	a := NewAwareness(1)
	b := NewAwareness(2)

	var changes []AwarenessChange
	unsubscribe := b.OnChange(func(c AwarenessChange) { changes = append(changes, c) })

	require.NoError(t, a.SetLocalState(map[string]string{"v": "1"}, nil))
	require.NoError(t, b.ApplyUpdate(a.EncodeLocal(), "remote"))
	require.NoError(t, a.SetLocalState(map[string]string{"v": "2"}, nil))
	require.NoError(t, b.ApplyUpdate(a.EncodeLocal(), "remote"))

	require.Len(t, changes, 2)
	assert.Equal(t, []uint64{1}, changes[0].Added)
	assert.Equal(t, []uint64{1}, changes[1].Updated)
	assert.Equal(t, "remote", changes[0].Origin)

	unsubscribe()
	require.NoError(t, a.SetLocalState(nil, nil))
	require.NoError(t, b.ApplyUpdate(a.EncodeLocal(), "remote"))
	assert.Len(t, changes, 2)
}

func TestAwarenessApplyIsIdempotent(t *testing.T) {
	a := NewAwareness(1)
	b := NewAwareness(2)

	require.NoError(t, a.SetLocalState(map[string]string{"user": "alice"}, nil))
	update := a.EncodeLocal()

	fired := 0
	b.OnChange(func(AwarenessChange) { fired++ })

	require.NoError(t, b.ApplyUpdate(update, nil))
	require.NoError(t, b.ApplyUpdate(update, nil))

	assert.Equal(t, 1, fired)
	assert.Len(t, b.States(), 1)
}

func TestAwarenessMalformedUpdate(t *testing.T) {
	a := NewAwareness(1)
	assert.Error(t, a.ApplyUpdate([]byte{0x05, 0x01}, nil))
}

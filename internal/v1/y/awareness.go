package y

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/epicenter-md/epicenter/backend/go/internal/v1/protocol"
)

// AwarenessChange lists the clients an awareness update added, updated or
// removed.
type AwarenessChange struct {
	Added   []uint64
	Updated []uint64
	Removed []uint64
	Origin  any
}

// AwarenessObserver receives AwarenessChanges. Observers run outside the
// awareness lock.
type AwarenessObserver func(AwarenessChange)

// Awareness holds ephemeral per-client presence state. It replicates on its
// own message type, is never persisted, and a client's entry disappears when
// its connection goes away.
type Awareness struct {
	clientID uint64

	mu        sync.Mutex
	states    map[uint64]json.RawMessage
	clocks    map[uint64]uint64
	observers map[int]AwarenessObserver
	nextObsID int
}

// NewAwareness creates an awareness instance owned by the given client id.
// Pass the owning document's client id so local presence matches local
// edits.
func NewAwareness(clientID uint64) *Awareness {
	return &Awareness{
		clientID:  clientID,
		states:    make(map[uint64]json.RawMessage),
		clocks:    make(map[uint64]uint64),
		observers: make(map[int]AwarenessObserver),
	}
}

// ClientID returns the owning client id.
func (a *Awareness) ClientID() uint64 {
	return a.clientID
}

// OnChange registers an observer and returns an unsubscribe function.
func (a *Awareness) OnChange(obs AwarenessObserver) func() {
	a.mu.Lock()
	defer a.mu.Unlock()
	id := a.nextObsID
	a.nextObsID++
	a.observers[id] = obs
	return func() {
		a.mu.Lock()
		defer a.mu.Unlock()
		delete(a.observers, id)
	}
}

// LocalState returns this client's state, or nil when unset.
func (a *Awareness) LocalState() json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.states[a.clientID]
}

// SetLocalState replaces this client's state. Passing nil removes the
// entry. The state is marshaled to JSON.
func (a *Awareness) SetLocalState(state any, origin any) error {
	var raw json.RawMessage
	if state != nil {
		b, err := json.Marshal(state)
		if err != nil {
			return fmt.Errorf("marshal awareness state: %w", err)
		}
		raw = b
	}

	a.mu.Lock()
	a.clocks[a.clientID]++
	change := a.setLocked(a.clientID, raw)
	observers := a.snapshotObserversLocked()
	a.mu.Unlock()

	fireAwareness(observers, change, origin)
	return nil
}

// SetLocalStateField merges one field into this client's state object.
func (a *Awareness) SetLocalStateField(field string, value any, origin any) error {
	current := map[string]json.RawMessage{}
	if raw := a.LocalState(); raw != nil {
		if err := json.Unmarshal(raw, &current); err != nil {
			return fmt.Errorf("awareness local state is not an object: %w", err)
		}
	}
	b, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("marshal awareness field %q: %w", field, err)
	}
	current[field] = b
	return a.SetLocalState(current, origin)
}

// States returns a copy of every live client state.
func (a *Awareness) States() map[uint64]json.RawMessage {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make(map[uint64]json.RawMessage, len(a.states))
	for c, s := range a.states {
		out[c] = s
	}
	return out
}

// setLocked records a state and returns the resulting change. Caller holds
// a.mu and must have bumped the clock already.
func (a *Awareness) setLocked(client uint64, state json.RawMessage) AwarenessChange {
	_, existed := a.states[client]
	var change AwarenessChange
	switch {
	case state == nil && existed:
		delete(a.states, client)
		change.Removed = []uint64{client}
	case state == nil:
		// removal of an unknown client: nothing to report
	case existed:
		a.states[client] = state
		change.Updated = []uint64{client}
	default:
		a.states[client] = state
		change.Added = []uint64{client}
	}
	return change
}

// Encode serializes the given clients' entries (all known clients when ids
// is nil) in the awareness wire format.
func (a *Awareness) Encode(ids []uint64) []byte {
	a.mu.Lock()
	defer a.mu.Unlock()

	if ids == nil {
		for c := range a.clocks {
			ids = append(ids, c)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	}

	enc := protocol.NewEncoder()
	enc.WriteVarUint(uint64(len(ids)))
	for _, c := range ids {
		enc.WriteVarUint(c)
		enc.WriteVarUint(a.clocks[c])
		state, ok := a.states[c]
		if !ok {
			enc.WriteString("null")
			continue
		}
		enc.WriteVarBytes(state)
	}
	return enc.Bytes()
}

// EncodeLocal serializes only this client's entry.
func (a *Awareness) EncodeLocal() []byte {
	return a.Encode([]uint64{a.clientID})
}

// ApplyUpdate merges a remote awareness update. Entries with a clock lower
// than the known one are ignored, which makes reordered updates safe.
func (a *Awareness) ApplyUpdate(update []byte, origin any) error {
	dec := protocol.NewDecoder(update)
	n, err := dec.ReadVarUint()
	if err != nil {
		return fmt.Errorf("awareness header: %w", err)
	}

	var total AwarenessChange
	a.mu.Lock()
	for i := uint64(0); i < n; i++ {
		client, err := dec.ReadVarUint()
		if err != nil {
			a.mu.Unlock()
			return fmt.Errorf("awareness client: %w", err)
		}
		clock, err := dec.ReadVarUint()
		if err != nil {
			a.mu.Unlock()
			return fmt.Errorf("awareness clock: %w", err)
		}
		raw, err := dec.ReadVarBytes()
		if err != nil {
			a.mu.Unlock()
			return fmt.Errorf("awareness state: %w", err)
		}

		if clock < a.clocks[client] {
			continue
		}
		if clock == a.clocks[client] && clock != 0 {
			continue
		}
		a.clocks[client] = clock

		var state json.RawMessage
		if string(raw) != "null" {
			state = append(json.RawMessage(nil), raw...)
		}
		change := a.setLocked(client, state)
		total.Added = append(total.Added, change.Added...)
		total.Updated = append(total.Updated, change.Updated...)
		total.Removed = append(total.Removed, change.Removed...)
	}
	observers := a.snapshotObserversLocked()
	a.mu.Unlock()

	fireAwareness(observers, total, origin)
	return nil
}

// RemoveStates drops the given clients' entries, bumping their clocks so
// the removal propagates.
func (a *Awareness) RemoveStates(ids []uint64, origin any) {
	a.mu.Lock()
	var total AwarenessChange
	for _, c := range ids {
		a.clocks[c]++
		change := a.setLocked(c, nil)
		total.Removed = append(total.Removed, change.Removed...)
	}
	observers := a.snapshotObserversLocked()
	a.mu.Unlock()

	fireAwareness(observers, total, origin)
}

func (a *Awareness) snapshotObserversLocked() []AwarenessObserver {
	out := make([]AwarenessObserver, 0, len(a.observers))
	for _, o := range a.observers {
		out = append(out, o)
	}
	return out
}

func fireAwareness(observers []AwarenessObserver, change AwarenessChange, origin any) {
	if len(change.Added)+len(change.Updated)+len(change.Removed) == 0 {
		return
	}
	change.Origin = origin
	for _, o := range observers {
		o(change)
	}
}

package y

// ChangeKind categorizes a key change reported to map observers.
type ChangeKind uint8

const (
	ChangeAdd ChangeKind = iota
	ChangeUpdate
	ChangeDelete
)

// MapEvent describes the keys a transaction or remote update touched on one
// map container, with the origin of that write.
type MapEvent struct {
	Keys   map[string]ChangeKind
	Origin any
}

// MapObserver receives MapEvents. Observers run outside the document lock.
type MapObserver func(MapEvent)

type mapEntry struct {
	value   []byte
	deleted bool
	ts      uint64
	client  uint64
}

// wins reports whether an op stamped (ts, client) supersedes this entry.
func (e mapEntry) wins(ts, client uint64) bool {
	if ts != e.ts {
		return ts > e.ts
	}
	return client > e.client
}

// Map is a replicated key-value container. Values are opaque byte slices
// (JSON in practice). Concurrent writes to the same key resolve
// last-writer-wins by Lamport timestamp, with the higher client id breaking
// ties.
type Map struct {
	doc       *Doc
	name      string
	entries   map[string]mapEntry
	observers map[int]MapObserver
	nextObsID int
}

// Name returns the container name.
func (m *Map) Name() string {
	return m.name
}

// Get returns the value stored under key.
func (m *Map) Get(key string) ([]byte, bool) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	e, ok := m.entries[key]
	if !ok || e.deleted {
		return nil, false
	}
	return e.value, true
}

// Has reports whether key holds a live value.
func (m *Map) Has(key string) bool {
	_, ok := m.Get(key)
	return ok
}

// Len returns the number of live keys.
func (m *Map) Len() int {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if !e.deleted {
			n++
		}
	}
	return n
}

// Keys returns the live keys in unspecified order.
func (m *Map) Keys() []string {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	keys := make([]string, 0, len(m.entries))
	for k, e := range m.entries {
		if !e.deleted {
			keys = append(keys, k)
		}
	}
	return keys
}

// Snapshot returns a copy of all live entries.
func (m *Map) Snapshot() map[string][]byte {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	out := make(map[string][]byte, len(m.entries))
	for k, e := range m.entries {
		if !e.deleted {
			out[k] = e.value
		}
	}
	return out
}

// Set writes value under key. Must be called inside a transaction on the
// owning document.
func (m *Map) Set(tx *Txn, key string, value []byte) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	tx.addLocalOpLocked(op{
		kind:   opMapSet,
		target: m.name,
		key:    key,
		value:  value,
	})
}

// Delete removes key. Must be called inside a transaction on the owning
// document. Deleting an absent key still produces an op so the tombstone
// replicates.
func (m *Map) Delete(tx *Txn, key string) {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	tx.addLocalOpLocked(op{
		kind:   opMapDelete,
		target: m.name,
		key:    key,
	})
}

// Observe registers an observer and returns an unsubscribe function.
func (m *Map) Observe(obs MapObserver) func() {
	m.doc.mu.Lock()
	defer m.doc.mu.Unlock()
	id := m.nextObsID
	m.nextObsID++
	m.observers[id] = obs
	return func() {
		m.doc.mu.Lock()
		defer m.doc.mu.Unlock()
		delete(m.observers, id)
	}
}

// integrate applies a map op. Caller holds the doc lock.
func (m *Map) integrate(o op, changes changeSet) {
	cur, exists := m.entries[o.key]
	if exists && !cur.wins(o.ts, o.id.Client) {
		return
	}

	switch o.kind {
	case opMapSet:
		kind := ChangeUpdate
		if !exists || cur.deleted {
			kind = ChangeAdd
		}
		m.entries[o.key] = mapEntry{value: o.value, ts: o.ts, client: o.id.Client}
		changes.record(m, o.key, kind)
	case opMapDelete:
		m.entries[o.key] = mapEntry{deleted: true, ts: o.ts, client: o.id.Client}
		if exists && !cur.deleted {
			changes.record(m, o.key, ChangeDelete)
		}
	}
}

package y

type opKind uint8

const (
	opMapSet opKind = iota
	opMapDelete
	opTextInsert
	opTextDelete
)

// op is one replicated operation. Ops are identified by (client, clock) and
// ordered for last-writer-wins purposes by (ts, client), where ts is a
// Lamport timestamp.
type op struct {
	id     ID
	kind   opKind
	target string // container name
	ts     uint64 // Lamport timestamp (map ops)

	key   string // map key
	value []byte // JSON value (map set) or UTF-8 rune (text insert)
	pos   position
}

// changeSet accumulates per-map key changes during a transaction or a
// remote-update application.
type changeSet map[*Map]map[string]ChangeKind

func (c changeSet) record(m *Map, key string, kind ChangeKind) {
	keys, ok := c[m]
	if !ok {
		keys = make(map[string]ChangeKind)
		c[m] = keys
	}
	// An add followed by a delete inside one batch nets out to a delete;
	// keep the latest kind, except add+update stays add.
	if prev, seen := keys[key]; seen && prev == ChangeAdd && kind == ChangeUpdate {
		return
	}
	keys[key] = kind
}

// integrateLocked applies one op to its container. Caller holds d.mu. The
// op must already be deduplicated against the log.
func (d *Doc) integrateLocked(o op, changes changeSet) {
	if o.ts > d.lamport {
		d.lamport = o.ts
	}
	switch o.kind {
	case opMapSet, opMapDelete:
		d.mapLocked(o.target).integrate(o, changes)
	case opTextInsert, opTextDelete:
		d.textLocked(o.target).integrate(o)
	}
}

// mapObserverBatch pairs an observer snapshot with the changes it should see.
type mapObserverBatch struct {
	observers []MapObserver
	keys      map[string]ChangeKind
}

// snapshotObservers captures each changed map's observer list while the doc
// lock is still held, so events can fire after release.
func snapshotObservers(changes changeSet) []mapObserverBatch {
	var out []mapObserverBatch
	for m, keys := range changes {
		if len(m.observers) == 0 || len(keys) == 0 {
			continue
		}
		obs := make([]MapObserver, 0, len(m.observers))
		for _, o := range m.observers {
			obs = append(obs, o)
		}
		out = append(out, mapObserverBatch{observers: obs, keys: keys})
	}
	return out
}

func fireMapEvents(batches []mapObserverBatch, origin any) {
	for _, b := range batches {
		ev := MapEvent{Keys: b.keys, Origin: origin}
		for _, o := range b.observers {
			o(ev)
		}
	}
}

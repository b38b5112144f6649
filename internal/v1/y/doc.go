// Package y implements the replicated document model the sync layer moves
// between peers: a CRDT document with named map and text containers, binary
// state-vector/update exchange, transactions with origins, and the ephemeral
// awareness structure used for presence.
//
// Updates commute and apply idempotently, so any two replicas that have seen
// the same set of updates hold the same state regardless of delivery order.
package y

import (
	"crypto/rand"
	"encoding/binary"
	"sync"
)

// ID identifies a single operation: the replica that produced it and that
// replica's operation counter.
type ID struct {
	Client uint64
	Clock  uint64
}

// UpdateHandler observes committed updates. The update is the encoded delta
// of one transaction (or one applied remote update); origin is whatever the
// writer passed to Transact or ApplyUpdate.
type UpdateHandler func(update []byte, origin any)

// RemoteOrigin marks transaction origins that represent updates arriving
// from another replica rather than local edits. Sync components implement
// it so observers can tell the two apart.
type RemoteOrigin interface {
	RemoteSyncOrigin()
}

// Doc is a replicated document. All exported methods are safe for concurrent
// use; handlers fire outside the document lock, so they may start new
// transactions.
type Doc struct {
	guid     string
	clientID uint64

	// txMu serializes local write transactions; mu guards the data
	// structures and is only held briefly, so reads (and further writes)
	// remain legal inside an open transaction.
	txMu sync.Mutex

	mu      sync.Mutex
	log     map[uint64][]op // per-client op log, clock-contiguous from 0
	lamport uint64          // max logical timestamp seen, for LWW ties
	maps    map[string]*Map
	texts   map[string]*Text
	pending [][]byte // updates waiting on missing dependencies

	updateHandlers map[int]UpdateHandler
	nextHandlerID  int

	destroyed bool
}

// NewDoc creates an empty document with the given guid and a fresh random
// client id.
func NewDoc(guid string) *Doc {
	return &Doc{
		guid:           guid,
		clientID:       newClientID(),
		log:            make(map[uint64][]op),
		maps:           make(map[string]*Map),
		texts:          make(map[string]*Text),
		updateHandlers: make(map[int]UpdateHandler),
	}
}

// newClientID returns a random id in [1, 2^53). Zero is reserved so the
// zero ID can mean "no operation".
func newClientID() uint64 {
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		panic("y: crypto/rand unavailable: " + err.Error())
	}
	id := binary.LittleEndian.Uint64(b[:]) & (1<<53 - 1)
	if id == 0 {
		id = 1
	}
	return id
}

// Guid returns the document's stable identifier. It doubles as the room id
// on the relay.
func (d *Doc) Guid() string {
	return d.guid
}

// ClientID returns this replica's client id.
func (d *Doc) ClientID() uint64 {
	return d.clientID
}

// OnUpdate registers h to run after every committed transaction and every
// applied remote update. It returns an unsubscribe function.
func (d *Doc) OnUpdate(h UpdateHandler) func() {
	d.mu.Lock()
	defer d.mu.Unlock()
	id := d.nextHandlerID
	d.nextHandlerID++
	d.updateHandlers[id] = h
	return func() {
		d.mu.Lock()
		defer d.mu.Unlock()
		delete(d.updateHandlers, id)
	}
}

// Map returns the named map container, creating it on first use.
func (d *Doc) Map(name string) *Map {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.mapLocked(name)
}

func (d *Doc) mapLocked(name string) *Map {
	m, ok := d.maps[name]
	if !ok {
		m = &Map{doc: d, name: name, entries: make(map[string]mapEntry), observers: make(map[int]MapObserver)}
		d.maps[name] = m
	}
	return m
}

// Text returns the named text container, creating it on first use.
func (d *Doc) Text(name string) *Text {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.textLocked(name)
}

func (d *Doc) textLocked(name string) *Text {
	t, ok := d.texts[name]
	if !ok {
		t = &Text{doc: d, name: name}
		d.texts[name] = t
	}
	return t
}

// Txn batches local mutations into a single update. Obtain one via Transact;
// do not retain it past the callback.
type Txn struct {
	doc     *Doc
	origin  any
	ops     []op
	changes changeSet
}

// Origin returns the origin value the transaction was opened with.
func (tx *Txn) Origin() any {
	return tx.origin
}

// Transact runs fn inside a write transaction. All mutations performed
// through the transaction are committed as one update; update handlers and
// container observers fire once, after the transaction closes, with the
// given origin. Transactions serialize against each other but reads are
// legal inside fn. Transact must not be nested.
func (d *Doc) Transact(origin any, fn func(tx *Txn)) {
	d.txMu.Lock()
	tx := &Txn{doc: d, origin: origin}
	fn(tx)

	var update []byte
	var handlers []UpdateHandler
	var observers []mapObserverBatch
	if len(tx.ops) > 0 {
		d.mu.Lock()
		update = encodeOps(tx.ops)
		for _, h := range d.updateHandlers {
			handlers = append(handlers, h)
		}
		observers = snapshotObservers(tx.changes)
		d.mu.Unlock()
	}
	d.txMu.Unlock()

	if update == nil {
		return
	}
	fireMapEvents(observers, origin)
	for _, h := range handlers {
		h(update, origin)
	}
}

// nextID allocates the next op id for the local client. Caller holds d.mu.
func (d *Doc) nextID() ID {
	return ID{Client: d.clientID, Clock: uint64(len(d.log[d.clientID]))}
}

// addLocalOpLocked stamps, integrates and records a locally produced op.
// Caller holds d.mu.
func (tx *Txn) addLocalOpLocked(o op) {
	d := tx.doc
	if d.destroyed {
		return
	}
	o.id = d.nextID()
	d.lamport++
	o.ts = d.lamport
	if tx.changes == nil {
		tx.changes = make(changeSet)
	}
	d.integrateLocked(o, tx.changes)
	d.log[o.id.Client] = append(d.log[o.id.Client], o)
	tx.ops = append(tx.ops, o)
}

// Destroy releases the document. Further transactions are no-ops and all
// handlers are dropped.
func (d *Doc) Destroy() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.destroyed = true
	d.updateHandlers = make(map[int]UpdateHandler)
	for _, m := range d.maps {
		m.observers = make(map[int]MapObserver)
	}
}

// Destroyed reports whether Destroy has been called.
func (d *Doc) Destroyed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.destroyed
}

package y

import (
	"fmt"
	"sort"

	"github.com/epicenter-md/epicenter/backend/go/internal/v1/protocol"
)

// Update wire format:
//
//	varuint numClients
//	per client:
//	  varuint clientID
//	  varuint firstClock
//	  varuint numOps
//	  per op:
//	    uint8   kind
//	    string  target
//	    kind-specific payload
//
// Ops for one client are clock-contiguous starting at firstClock, which is
// what makes gap detection (and the pending queue) possible.

func encodeOps(ops []op) []byte {
	byClient := make(map[uint64][]op)
	var order []uint64
	for _, o := range ops {
		if _, ok := byClient[o.id.Client]; !ok {
			order = append(order, o.id.Client)
		}
		byClient[o.id.Client] = append(byClient[o.id.Client], o)
	}
	sort.Slice(order, func(i, j int) bool { return order[i] < order[j] })

	enc := protocol.NewEncoder()
	enc.WriteVarUint(uint64(len(order)))
	for _, client := range order {
		group := byClient[client]
		enc.WriteVarUint(client)
		enc.WriteVarUint(group[0].id.Clock)
		enc.WriteVarUint(uint64(len(group)))
		for _, o := range group {
			encodeOp(enc, o)
		}
	}
	return enc.Bytes()
}

func encodeOp(enc *protocol.Encoder, o op) {
	enc.WriteUint8(byte(o.kind))
	enc.WriteString(o.target)
	switch o.kind {
	case opMapSet:
		enc.WriteString(o.key)
		enc.WriteVarBytes(o.value)
		enc.WriteVarUint(o.ts)
	case opMapDelete:
		enc.WriteString(o.key)
		enc.WriteVarUint(o.ts)
	case opTextInsert:
		encodePosition(enc, o.pos)
		enc.WriteVarBytes(o.value)
	case opTextDelete:
		encodePosition(enc, o.pos)
	}
}

func encodePosition(enc *protocol.Encoder, pos position) {
	enc.WriteVarUint(uint64(len(pos)))
	for _, seg := range pos {
		enc.WriteVarUint(seg.digit)
		enc.WriteVarUint(seg.client)
	}
}

func decodePosition(dec *protocol.Decoder) (position, error) {
	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, err
	}
	pos := make(position, 0, n)
	for i := uint64(0); i < n; i++ {
		digit, err := dec.ReadVarUint()
		if err != nil {
			return nil, err
		}
		client, err := dec.ReadVarUint()
		if err != nil {
			return nil, err
		}
		pos = append(pos, posSeg{digit: digit, client: client})
	}
	return pos, nil
}

type opGroup struct {
	client     uint64
	firstClock uint64
	ops        []op
}

func decodeUpdate(update []byte) ([]opGroup, error) {
	dec := protocol.NewDecoder(update)
	numClients, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("update header: %w", err)
	}
	groups := make([]opGroup, 0, numClients)
	for c := uint64(0); c < numClients; c++ {
		client, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("client id: %w", err)
		}
		firstClock, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("first clock: %w", err)
		}
		numOps, err := dec.ReadVarUint()
		if err != nil {
			return nil, fmt.Errorf("op count: %w", err)
		}
		g := opGroup{client: client, firstClock: firstClock, ops: make([]op, 0, numOps)}
		for i := uint64(0); i < numOps; i++ {
			o, err := decodeOp(dec)
			if err != nil {
				return nil, err
			}
			o.id = ID{Client: client, Clock: firstClock + i}
			g.ops = append(g.ops, o)
		}
		groups = append(groups, g)
	}
	return groups, nil
}

func decodeOp(dec *protocol.Decoder) (op, error) {
	var o op
	kind, err := dec.ReadUint8()
	if err != nil {
		return o, fmt.Errorf("op kind: %w", err)
	}
	o.kind = opKind(kind)
	if o.target, err = dec.ReadString(); err != nil {
		return o, fmt.Errorf("op target: %w", err)
	}
	switch o.kind {
	case opMapSet:
		if o.key, err = dec.ReadString(); err != nil {
			return o, err
		}
		if o.value, err = dec.ReadVarBytes(); err != nil {
			return o, err
		}
		if o.ts, err = dec.ReadVarUint(); err != nil {
			return o, err
		}
	case opMapDelete:
		if o.key, err = dec.ReadString(); err != nil {
			return o, err
		}
		if o.ts, err = dec.ReadVarUint(); err != nil {
			return o, err
		}
	case opTextInsert:
		if o.pos, err = decodePosition(dec); err != nil {
			return o, err
		}
		if o.value, err = dec.ReadVarBytes(); err != nil {
			return o, err
		}
	case opTextDelete:
		if o.pos, err = decodePosition(dec); err != nil {
			return o, err
		}
	default:
		return o, fmt.Errorf("unknown op kind %d", kind)
	}
	return o, nil
}

// EncodeStateVector returns the document's state vector: for every known
// client, the number of ops this replica holds.
func (d *Doc) EncodeStateVector() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()

	clients := make([]uint64, 0, len(d.log))
	for c := range d.log {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })

	enc := protocol.NewEncoder()
	enc.WriteVarUint(uint64(len(clients)))
	for _, c := range clients {
		enc.WriteVarUint(c)
		enc.WriteVarUint(uint64(len(d.log[c])))
	}
	return enc.Bytes()
}

func decodeStateVector(sv []byte) (map[uint64]uint64, error) {
	dec := protocol.NewDecoder(sv)
	n, err := dec.ReadVarUint()
	if err != nil {
		return nil, fmt.Errorf("state vector header: %w", err)
	}
	out := make(map[uint64]uint64, n)
	for i := uint64(0); i < n; i++ {
		client, err := dec.ReadVarUint()
		if err != nil {
			return nil, err
		}
		clock, err := dec.ReadVarUint()
		if err != nil {
			return nil, err
		}
		out[client] = clock
	}
	return out, nil
}

// EncodeStateAsUpdate returns an update containing every op the remote
// state vector is missing. A nil or empty state vector yields the full
// document.
func (d *Doc) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	var remote map[uint64]uint64
	if len(stateVector) > 0 {
		var err error
		remote, err = decodeStateVector(stateVector)
		if err != nil {
			return nil, err
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	var ops []op
	clients := make([]uint64, 0, len(d.log))
	for c := range d.log {
		clients = append(clients, c)
	}
	sort.Slice(clients, func(i, j int) bool { return clients[i] < clients[j] })
	for _, c := range clients {
		from := remote[c]
		log := d.log[c]
		if from >= uint64(len(log)) {
			continue
		}
		ops = append(ops, log[from:]...)
	}
	return encodeOps(ops), nil
}

// ApplyUpdate merges a remote update into the document. Application is
// idempotent: already-known ops are skipped. Updates that depend on unseen
// ops are queued and retried once the gap closes. Handlers and observers
// fire with the given origin after the lock is released, and only when the
// update contributed at least one new op.
func (d *Doc) ApplyUpdate(update []byte, origin any) error {
	groups, err := decodeUpdate(update)
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.destroyed {
		d.mu.Unlock()
		return nil
	}

	changes := make(changeSet)
	integrated, gap := d.applyGroupsLocked(groups, changes)
	if gap {
		d.pending = append(d.pending, update)
	}
	if integrated {
		d.drainPendingLocked(changes)
	}

	var handlers []UpdateHandler
	var observers []mapObserverBatch
	if integrated {
		for _, h := range d.updateHandlers {
			handlers = append(handlers, h)
		}
		observers = snapshotObservers(changes)
	}
	d.mu.Unlock()

	if !integrated {
		return nil
	}
	fireMapEvents(observers, origin)
	for _, h := range handlers {
		h(update, origin)
	}
	return nil
}

// applyGroupsLocked integrates every op the log does not yet contain.
// Returns whether anything new was integrated and whether any group had to
// be deferred because of a clock gap.
func (d *Doc) applyGroupsLocked(groups []opGroup, changes changeSet) (integrated, gap bool) {
	for _, g := range groups {
		have := uint64(len(d.log[g.client]))
		if g.firstClock > have {
			gap = true
			continue
		}
		for _, o := range g.ops {
			if o.id.Clock < have {
				continue
			}
			d.integrateLocked(o, changes)
			d.log[g.client] = append(d.log[g.client], o)
			have++
			integrated = true
		}
	}
	return integrated, gap
}

// drainPendingLocked retries queued updates until no further progress.
func (d *Doc) drainPendingLocked(changes changeSet) {
	for {
		progress := false
		remaining := d.pending[:0]
		for _, u := range d.pending {
			groups, err := decodeUpdate(u)
			if err != nil {
				// Undecodable entries are dropped; they were validated on
				// arrival so this cannot normally happen.
				continue
			}
			integrated, gap := d.applyGroupsLocked(groups, changes)
			if integrated {
				progress = true
			}
			if gap {
				remaining = append(remaining, u)
			}
		}
		d.pending = remaining
		if !progress || len(d.pending) == 0 {
			return
		}
	}
}

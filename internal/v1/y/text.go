package y

import "sort"

// positionBase is the digit space at every level of a position identifier.
const positionBase = 1 << 16

// posSeg is one level of a position identifier. Segments order by digit,
// then by the client that allocated them.
type posSeg struct {
	digit  uint64
	client uint64
}

// position is a dense, totally ordered identifier for one text character.
// Two replicas can never allocate the same position because their client
// ids differ.
type position []posSeg

func (p position) compare(q position) int {
	for i := 0; i < len(p) && i < len(q); i++ {
		if p[i].digit != q[i].digit {
			if p[i].digit < q[i].digit {
				return -1
			}
			return 1
		}
		if p[i].client != q[i].client {
			if p[i].client < q[i].client {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(p) < len(q):
		return -1
	case len(p) > len(q):
		return 1
	default:
		return 0
	}
}

// positionBetween allocates a fresh position strictly between p and q for
// the given client. Either bound may be nil, meaning the start or end of the
// document.
func positionBetween(p, q position, client uint64) position {
	var prefix position
	for level := 0; ; level++ {
		var l uint64
		if level < len(p) {
			l = p[level].digit
		}
		r := uint64(positionBase)
		if level < len(q) {
			r = q[level].digit
		}

		if r-l > 1 {
			return append(prefix, posSeg{digit: l + 1, client: client})
		}

		// No room at this level. Descend along the lower bound.
		if level < len(p) {
			prefix = append(prefix, p[level])
		} else {
			prefix = append(prefix, posSeg{digit: l, client: client})
		}
		// Once the bounds diverge the upper bound no longer constrains
		// deeper levels.
		if level < len(q) && (level >= len(p) || p[level] != q[level]) {
			q = nil
		}
	}
}

type textNode struct {
	pos     position
	id      ID
	ch      rune
	deleted bool
}

// Text is a replicated sequence of characters. Characters carry dense
// position identifiers; deletes leave tombstones so a delete observed
// before its insert still wins.
type Text struct {
	doc   *Doc
	name  string
	nodes []textNode
}

// Name returns the container name.
func (t *Text) Name() string {
	return t.name
}

// String returns the live text.
func (t *Text) String() string {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	runes := make([]rune, 0, len(t.nodes))
	for _, n := range t.nodes {
		if !n.deleted {
			runes = append(runes, n.ch)
		}
	}
	return string(runes)
}

// Len returns the number of live characters.
func (t *Text) Len() int {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	n := 0
	for _, node := range t.nodes {
		if !node.deleted {
			n++
		}
	}
	return n
}

// liveIndex maps a live character index to an index into t.nodes. Returns
// len(t.nodes) when idx equals the live length.
func (t *Text) liveIndex(idx int) int {
	seen := 0
	for i, n := range t.nodes {
		if n.deleted {
			continue
		}
		if seen == idx {
			return i
		}
		seen++
	}
	return len(t.nodes)
}

// Insert places s at the live character index. Must be called inside a
// transaction on the owning document. Out-of-range indexes clamp to the end.
func (t *Text) Insert(tx *Txn, index int, s string) {
	for _, r := range s {
		t.insertRune(tx, index, r)
		index++
	}
}

func (t *Text) insertRune(tx *Txn, index int, r rune) {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	at := t.liveIndex(index)
	var left, right position
	if at > 0 {
		left = t.nodes[at-1].pos
	}
	if at < len(t.nodes) {
		right = t.nodes[at].pos
	}
	pos := positionBetween(left, right, tx.doc.clientID)

	tx.addLocalOpLocked(op{
		kind:   opTextInsert,
		target: t.name,
		value:  []byte(string(r)),
		pos:    pos,
	})
}

// Delete removes length live characters starting at index. Must be called
// inside a transaction on the owning document.
func (t *Text) Delete(tx *Txn, index, length int) {
	t.doc.mu.Lock()
	defer t.doc.mu.Unlock()
	for i := 0; i < length; i++ {
		at := t.liveIndex(index)
		if at >= len(t.nodes) {
			return
		}
		tx.addLocalOpLocked(op{
			kind:   opTextDelete,
			target: t.name,
			pos:    t.nodes[at].pos,
		})
	}
}

// findPos returns the index of the node holding pos, or (insertion index,
// false) when absent.
func (t *Text) findPos(pos position) (int, bool) {
	i := sort.Search(len(t.nodes), func(i int) bool {
		return t.nodes[i].pos.compare(pos) >= 0
	})
	if i < len(t.nodes) && t.nodes[i].pos.compare(pos) == 0 {
		return i, true
	}
	return i, false
}

// integrate applies a text op. Caller holds the doc lock.
func (t *Text) integrate(o op) {
	switch o.kind {
	case opTextInsert:
		i, found := t.findPos(o.pos)
		if found {
			// A tombstone from a delete that raced ahead of this insert.
			// The character stays dead.
			if t.nodes[i].ch == 0 {
				t.nodes[i].ch = decodeRune(o.value)
				t.nodes[i].id = o.id
			}
			return
		}
		node := textNode{pos: o.pos, id: o.id, ch: decodeRune(o.value)}
		t.nodes = append(t.nodes, textNode{})
		copy(t.nodes[i+1:], t.nodes[i:])
		t.nodes[i] = node

	case opTextDelete:
		i, found := t.findPos(o.pos)
		if found {
			t.nodes[i].deleted = true
			return
		}
		// Delete observed before its insert: leave a tombstone at the
		// position so the insert cannot resurrect the character.
		node := textNode{pos: o.pos, id: o.id, deleted: true}
		t.nodes = append(t.nodes, textNode{})
		copy(t.nodes[i+1:], t.nodes[i:])
		t.nodes[i] = node
	}
}

func decodeRune(b []byte) rune {
	for _, r := range string(b) {
		return r
	}
	return 0
}

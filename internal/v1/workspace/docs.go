package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"k8s.io/utils/set"

	"github.com/epicenter-md/epicenter/backend/go/internal/v1/y"
)

// contentBump is the transaction origin used when a binding bumps a row's
// updatedAt column after a content edit, so row observers can tell
// auto-bumps from user edits.
type contentBump struct{}

// ContentBumpOrigin is the origin of automatic updatedAt bumps.
var ContentBumpOrigin any = contentBump{}

// DocBindingDef declares a mapping between table rows and secondary
// documents. GuidKey names the string column holding the secondary doc's
// id; UpdatedAtKey names the number column bumped on content edits.
type DocBindingDef struct {
	Name         string
	GuidKey      string
	UpdatedAtKey string
	Tags         []string

	// OnRowDeleted overrides the default cleanup (closing the open doc)
	// when a row with an open secondary document is deleted.
	OnRowDeleted func(b *DocBinding, guid string)
}

// DocContext is what a document extension factory receives.
type DocContext struct {
	WorkspaceID string
	Binding     string
	Guid        string
	Doc         *y.Doc

	WhenReady  func(ctx context.Context) error
	Extensions map[string]any
}

// DocFactory builds one per-document extension. Returning (nil, nil)
// declines installation for this document.
type DocFactory func(dc *DocContext) (*Extension, error)

type docExtension struct {
	key     string
	factory DocFactory
	tags    []string
}

// applies reports whether the extension fires for a binding with the given
// tags: extensions without tags are universal, otherwise the two tag sets
// must intersect.
func (e docExtension) applies(bindingTags []string) bool {
	if len(e.tags) == 0 {
		return true
	}
	return set.New(e.tags...).Intersection(set.New(bindingTags...)).Len() > 0
}

// DocBinding manages the secondary documents of one table binding. At most
// one document is open per guid; Open returns the same handle until an
// intervening Close.
type DocBinding struct {
	table *Table
	def   DocBindingDef

	mu       sync.Mutex
	open     map[string]*DocHandle
	rowGuids map[string]string // row id -> guid, for open handles
	closed   bool

	unobserve func()
}

func newDocBinding(t *Table, def DocBindingDef) *DocBinding {
	b := &DocBinding{
		table:    t,
		def:      def,
		open:     make(map[string]*DocHandle),
		rowGuids: make(map[string]string),
	}
	b.unobserve = t.m.Observe(func(ev y.MapEvent) {
		for rowID, kind := range ev.Keys {
			if kind == y.ChangeDelete {
				b.rowDeleted(rowID)
			}
		}
	})
	return b
}

// Name returns the binding name.
func (b *DocBinding) Name() string {
	return b.def.Name
}

// Open returns the handle for the secondary document with the given guid,
// creating it (and running the applicable document extensions) on first
// open.
func (b *DocBinding) Open(guid string) (*DocHandle, error) {
	if guid == "" {
		return nil, fmt.Errorf("binding %q: empty guid", b.def.Name)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil, fmt.Errorf("binding %q is closed", b.def.Name)
	}
	if h, ok := b.open[guid]; ok {
		b.mu.Unlock()
		return h, nil
	}
	b.mu.Unlock()

	rowID := b.findRowID(guid)
	h, err := b.newHandle(guid, rowID)
	if err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		h.destroy()
		return nil, fmt.Errorf("binding %q is closed", b.def.Name)
	}
	if existing, ok := b.open[guid]; ok {
		// Lost the race to another opener; keep theirs.
		h.destroy()
		return existing, nil
	}
	b.open[guid] = h
	if rowID != "" {
		b.rowGuids[rowID] = guid
	}
	return h, nil
}

// OpenRow opens the secondary document referenced by the row stored under
// rowID, reading the binding's guid column.
func (b *DocBinding) OpenRow(rowID string) (*DocHandle, error) {
	row := b.table.Get(rowID)
	if row.Status != RowValid {
		return nil, fmt.Errorf("binding %q: row %q is %s", b.def.Name, rowID, row.Status)
	}
	guid, err := stringColumn(row.Data, b.def.GuidKey)
	if err != nil {
		return nil, fmt.Errorf("binding %q: row %q: %w", b.def.Name, rowID, err)
	}
	return b.Open(guid)
}

// Close destroys the open document under guid. Closing an unopened guid is
// a no-op.
func (b *DocBinding) Close(guid string) error {
	b.mu.Lock()
	h, ok := b.open[guid]
	if ok {
		delete(b.open, guid)
		for rowID, g := range b.rowGuids {
			if g == guid {
				delete(b.rowGuids, rowID)
			}
		}
	}
	b.mu.Unlock()

	if !ok {
		return nil
	}
	return h.destroy()
}

// CloseAll closes every open document and stops the binding's row
// observer.
func (b *DocBinding) CloseAll() error {
	b.mu.Lock()
	handles := make([]*DocHandle, 0, len(b.open))
	for _, h := range b.open {
		handles = append(handles, h)
	}
	b.open = make(map[string]*DocHandle)
	b.rowGuids = make(map[string]string)
	closed := b.closed
	b.closed = true
	b.mu.Unlock()

	if !closed && b.unobserve != nil {
		b.unobserve()
	}

	var result *multierror.Error
	for _, h := range handles {
		if err := h.destroy(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	return result.ErrorOrNil()
}

// newHandle creates the secondary doc and installs the applicable document
// extensions in registration order. A factory error destroys the already
// installed extensions LIFO and the doc.
func (b *DocBinding) newHandle(guid, rowID string) (*DocHandle, error) {
	ws := b.table.ws
	doc := y.NewDoc(guid)
	h := &DocHandle{
		binding: b,
		guid:    guid,
		rowID:   rowID,
		doc:     doc,
		exports: make(map[string]any),
	}

	for _, de := range ws.docExtensions {
		if !de.applies(b.def.Tags) {
			continue
		}
		dc := &DocContext{
			WorkspaceID: ws.id,
			Binding:     b.def.Name,
			Guid:        guid,
			Doc:         doc,
			WhenReady:   whenReadyChain(h.exts),
			Extensions:  copyExports(h.exports),
		}
		ext, err := de.factory(dc)
		if err != nil {
			h.destroy()
			return nil, fmt.Errorf("document extension %q: %w", de.key, err)
		}
		if ext == nil {
			continue
		}
		ext = DefineExtension(ext)
		h.exts = append(h.exts, installedExt{key: de.key, ext: ext})
		h.exports[de.key] = ext.Exports
	}

	// Local content edits bump the row's updatedAt. Updates applied by a
	// sync component carry a remote origin and must not bump.
	h.unsubUpdate = doc.OnUpdate(func(update []byte, origin any) {
		if _, remote := origin.(y.RemoteOrigin); remote {
			return
		}
		b.bumpUpdatedAt(h)
	})

	return h, nil
}

// bumpUpdatedAt writes the current time into the row's updatedAt column,
// using the content-bump origin. Best effort: a missing or malformed row is
// left alone.
func (b *DocBinding) bumpUpdatedAt(h *DocHandle) {
	rowID := h.currentRowID()
	if rowID == "" {
		rowID = b.findRowID(h.guid)
		if rowID == "" {
			return
		}
		h.setRowID(rowID)
		b.mu.Lock()
		if !b.closed {
			b.rowGuids[rowID] = h.guid
		}
		b.mu.Unlock()
	}

	ws := b.table.ws
	ws.doc.Transact(ContentBumpOrigin, func(tx *y.Txn) {
		raw, ok := b.table.m.Get(rowID)
		if !ok {
			return
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return
		}
		now, err := json.Marshal(time.Now().UnixMilli())
		if err != nil {
			return
		}
		obj[b.def.UpdatedAtKey] = now
		data, err := json.Marshal(obj)
		if err != nil {
			return
		}
		b.table.m.Set(tx, rowID, data)
	})
}

// rowDeleted handles the deletion of a row that may back an open document.
func (b *DocBinding) rowDeleted(rowID string) {
	b.mu.Lock()
	guid, ok := b.rowGuids[rowID]
	b.mu.Unlock()
	if !ok {
		return
	}
	if b.def.OnRowDeleted != nil {
		b.def.OnRowDeleted(b, guid)
		return
	}
	_ = b.Close(guid)
}

// findRowID scans the table for the row whose guid column matches guid.
func (b *DocBinding) findRowID(guid string) string {
	for id, raw := range b.table.m.Snapshot() {
		g, err := stringColumn(raw, b.def.GuidKey)
		if err == nil && g == guid {
			return id
		}
	}
	return ""
}

func stringColumn(raw []byte, key string) (string, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return "", fmt.Errorf("row is not an object: %w", err)
	}
	field, ok := obj[key]
	if !ok {
		return "", fmt.Errorf("column %q missing", key)
	}
	var s string
	if err := json.Unmarshal(field, &s); err != nil {
		return "", fmt.Errorf("column %q is not a string: %w", key, err)
	}
	return s, nil
}

// DocHandle is one open secondary document with its resolved document
// extensions.
type DocHandle struct {
	binding *DocBinding
	guid    string
	doc     *y.Doc

	rowMu sync.Mutex
	rowID string

	exts        []installedExt
	exports     map[string]any
	unsubUpdate func()

	destroyOnce sync.Once
	destroyErr  error
}

// Guid returns the secondary document's id.
func (h *DocHandle) Guid() string {
	return h.guid
}

// Doc returns the secondary document.
func (h *DocHandle) Doc() *y.Doc {
	return h.doc
}

// Extension returns the exports of the document extension installed under
// key for this document.
func (h *DocHandle) Extension(key string) (any, bool) {
	v, ok := h.exports[key]
	return v, ok
}

// WhenReady blocks until every document extension of this handle reports
// ready.
func (h *DocHandle) WhenReady(ctx context.Context) error {
	return whenReadyChain(h.exts)(ctx)
}

func (h *DocHandle) currentRowID() string {
	h.rowMu.Lock()
	defer h.rowMu.Unlock()
	return h.rowID
}

func (h *DocHandle) setRowID(id string) {
	h.rowMu.Lock()
	h.rowID = id
	h.rowMu.Unlock()
}

// destroy tears the handle down: extensions LIFO, then the doc.
func (h *DocHandle) destroy() error {
	h.destroyOnce.Do(func() {
		var result *multierror.Error
		for i := len(h.exts) - 1; i >= 0; i-- {
			ie := h.exts[i]
			if err := ie.ext.Destroy(); err != nil {
				result = multierror.Append(result, fmt.Errorf("document extension %q: %w", ie.key, err))
			}
		}
		h.exts = nil
		if h.unsubUpdate != nil {
			h.unsubUpdate()
		}
		h.doc.Destroy()
		h.destroyErr = result.ErrorOrNil()
	})
	return h.destroyErr
}

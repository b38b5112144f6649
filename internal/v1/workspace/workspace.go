// Package workspace hosts a client workspace: one replicated document, the
// table/KV/awareness helpers over it, and an ordered chain of extensions
// built through a branchable builder.
package workspace

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/hashicorp/go-multierror"
	"go.uber.org/zap"

	"github.com/epicenter-md/epicenter/backend/go/internal/v1/logging"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/y"
)

// Builder assembles a workspace. Every With* method returns a new builder
// and leaves the receiver unchanged, so chains can branch without sharing
// state.
type Builder struct {
	id              string
	tables          []TableDef
	kv              []KVDef
	awarenessFields []string
	extensions      []registeredExtension
	docExtensions   []docExtension
}

type registeredExtension struct {
	key     string
	factory Factory
}

// New starts a builder for the workspace with the given id. The id doubles
// as the document guid and the relay room id.
func New(id string) *Builder {
	return &Builder{id: id}
}

func (b *Builder) clone() *Builder {
	c := &Builder{id: b.id}
	c.tables = append([]TableDef(nil), b.tables...)
	c.kv = append([]KVDef(nil), b.kv...)
	c.awarenessFields = append([]string(nil), b.awarenessFields...)
	c.extensions = append([]registeredExtension(nil), b.extensions...)
	c.docExtensions = append([]docExtension(nil), b.docExtensions...)
	return c
}

// WithTable declares a table.
func (b *Builder) WithTable(def TableDef) *Builder {
	c := b.clone()
	c.tables = append(c.tables, def)
	return c
}

// WithKV declares a KV entry.
func (b *Builder) WithKV(def KVDef) *Builder {
	c := b.clone()
	c.kv = append(c.kv, def)
	return c
}

// WithAwarenessField declares a typed awareness field.
func (b *Builder) WithAwarenessField(field string) *Builder {
	c := b.clone()
	c.awarenessFields = append(c.awarenessFields, field)
	return c
}

// WithExtension appends an extension factory under key.
func (b *Builder) WithExtension(key string, factory Factory) *Builder {
	c := b.clone()
	c.extensions = append(c.extensions, registeredExtension{key: key, factory: factory})
	return c
}

// WithDocumentExtension registers a per-document extension that fires for
// document bindings sharing at least one of the given tags. An extension
// with no tags fires for every binding.
func (b *Builder) WithDocumentExtension(key string, factory DocFactory, tags ...string) *Builder {
	c := b.clone()
	c.docExtensions = append(c.docExtensions, docExtension{key: key, factory: factory, tags: tags})
	return c
}

// Build creates the workspace and installs the extension chain in
// registration order. A factory error destroys the already-installed
// extensions in reverse order before it is returned.
func (b *Builder) Build() (*Workspace, error) {
	if b.id == "" {
		return nil, fmt.Errorf("workspace id is required")
	}

	doc := y.NewDoc(b.id)
	w := &Workspace{
		id:              b.id,
		doc:             doc,
		awareness:       y.NewAwareness(doc.ClientID()),
		awarenessFields: make(map[string]struct{}, len(b.awarenessFields)),
		docExtensions:   append([]docExtension(nil), b.docExtensions...),
		exports:         make(map[string]any),
	}
	for _, f := range b.awarenessFields {
		w.awarenessFields[f] = struct{}{}
	}

	tables, err := newTables(w, b.tables)
	if err != nil {
		doc.Destroy()
		return nil, err
	}
	w.tables = tables

	kv, err := newKV(w, b.kv)
	if err != nil {
		doc.Destroy()
		return nil, err
	}
	w.kv = kv

	for _, reg := range b.extensions {
		if _, dup := w.exports[reg.key]; dup {
			w.destroyInstalled()
			doc.Destroy()
			return nil, fmt.Errorf("duplicate extension %q", reg.key)
		}

		ec := &Context{
			ID:         w.id,
			Doc:        w.doc,
			Tables:     w.tables,
			KV:         w.kv,
			Awareness:  w.awareness,
			Batch:      w.Batch,
			WhenReady:  whenReadyChain(w.installed),
			Extensions: copyExports(w.exports),
		}

		ext, err := reg.factory(ec)
		if err != nil {
			w.destroyInstalled()
			doc.Destroy()
			return nil, fmt.Errorf("extension %q: %w", reg.key, err)
		}
		if ext == nil {
			// Factory declined installation.
			continue
		}
		ext = DefineExtension(ext)
		w.installed = append(w.installed, installedExt{key: reg.key, ext: ext})
		w.exports[reg.key] = ext.Exports
	}

	return w, nil
}

// Workspace is a built client workspace. All exported methods are safe for
// concurrent use.
type Workspace struct {
	id              string
	doc             *y.Doc
	awareness       *y.Awareness
	tables          *Tables
	kv              *KV
	awarenessFields map[string]struct{}

	installed     []installedExt
	exports       map[string]any
	docExtensions []docExtension

	// batchMu serializes Batch sections; cur is the transaction helpers
	// join while one is open.
	batchMu sync.Mutex
	curMu   sync.Mutex
	cur     *y.Txn

	destroyOnce sync.Once
	destroyErr  error
}

// ID returns the workspace id.
func (w *Workspace) ID() string {
	return w.id
}

// Doc returns the workspace document.
func (w *Workspace) Doc() *y.Doc {
	return w.doc
}

// Awareness returns the raw awareness handle. It exists even when no
// awareness fields are declared.
func (w *Workspace) Awareness() *y.Awareness {
	return w.awareness
}

// Tables returns the table helpers.
func (w *Workspace) Tables() *Tables {
	return w.tables
}

// KV returns the KV helper.
func (w *Workspace) KV() *KV {
	return w.kv
}

// Extension returns the exports of the extension installed under key.
func (w *Workspace) Extension(key string) (any, bool) {
	v, ok := w.exports[key]
	return v, ok
}

// SetAwarenessField sets one declared field of this client's presence.
func (w *Workspace) SetAwarenessField(field string, value any) error {
	if _, ok := w.awarenessFields[field]; !ok {
		return fmt.Errorf("awareness field %q is not declared", field)
	}
	return w.awareness.SetLocalStateField(field, value, nil)
}

// AwarenessField reads one field of a client's presence.
func (w *Workspace) AwarenessField(clientID uint64, field string) (json.RawMessage, bool) {
	state, ok := w.awareness.States()[clientID]
	if !ok {
		return nil, false
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(state, &fields); err != nil {
		return nil, false
	}
	v, ok := fields[field]
	return v, ok
}

// Batch groups the mutations fn performs through the helpers into a single
// document transaction with the given origin.
func (w *Workspace) Batch(origin any, fn func()) {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	w.doc.Transact(origin, func(tx *y.Txn) {
		w.setCur(tx)
		defer w.setCur(nil)
		fn()
	})
}

// WhenReady blocks until every installed extension reports ready, in
// registration order. A failure destroys the whole workspace before the
// error is returned.
func (w *Workspace) WhenReady(ctx context.Context) error {
	for _, ie := range w.installed {
		if err := ie.ext.WhenReady(ctx); err != nil {
			derr := w.Destroy()
			if derr != nil {
				logging.Warn(ctx, "Workspace destroy after failed init", zap.Error(derr))
			}
			return fmt.Errorf("extension %q: %w", ie.key, err)
		}
	}
	return nil
}

// Destroy tears down the workspace: open secondary documents are closed,
// extensions are destroyed in reverse registration order (continuing past
// individual failures), then the document is destroyed. Errors are
// aggregated. Destroy is idempotent.
func (w *Workspace) Destroy() error {
	w.destroyOnce.Do(func() {
		var result *multierror.Error

		for _, name := range w.tables.Names() {
			tbl, _ := w.tables.Table(name)
			for _, binding := range tbl.docs {
				if err := binding.CloseAll(); err != nil {
					result = multierror.Append(result, err)
				}
			}
		}

		if err := w.destroyInstalled(); err != nil {
			result = multierror.Append(result, err)
		}

		w.awareness.RemoveStates([]uint64{w.awareness.ClientID()}, nil)
		w.doc.Destroy()
		w.destroyErr = result.ErrorOrNil()
	})
	return w.destroyErr
}

// destroyInstalled runs extension destroys LIFO, collecting errors.
func (w *Workspace) destroyInstalled() error {
	var result *multierror.Error
	for i := len(w.installed) - 1; i >= 0; i-- {
		ie := w.installed[i]
		if err := ie.ext.Destroy(); err != nil {
			result = multierror.Append(result, fmt.Errorf("extension %q: %w", ie.key, err))
		}
	}
	w.installed = nil
	return result.ErrorOrNil()
}

// write runs fn inside the current batch transaction when one is open,
// otherwise in its own transaction.
func (w *Workspace) write(origin any, fn func(tx *y.Txn)) {
	if tx := w.currentTx(); tx != nil {
		fn(tx)
		return
	}
	w.doc.Transact(origin, fn)
}

func (w *Workspace) setCur(tx *y.Txn) {
	w.curMu.Lock()
	w.cur = tx
	w.curMu.Unlock()
}

func (w *Workspace) currentTx() *y.Txn {
	w.curMu.Lock()
	defer w.curMu.Unlock()
	return w.cur
}

func copyExports(exports map[string]any) map[string]any {
	out := make(map[string]any, len(exports))
	for k, v := range exports {
		out[k] = v
	}
	return out
}

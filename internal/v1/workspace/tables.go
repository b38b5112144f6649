package workspace

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/epicenter-md/epicenter/backend/go/internal/v1/y"
)

// tableContainerPrefix is the reserved container key format for tables
// inside a workspace document.
const tableContainerPrefix = "table:"

// Schema validates one historical shape of a row or KV value. Schemas are
// declared oldest to latest; the last one is the authoritative shape.
type Schema struct {
	Version  int
	Validate func(data json.RawMessage) error
}

// Migrator converts a row of any declared historical shape to the latest
// shape. It must be the identity for rows already at the latest version.
type Migrator func(row json.RawMessage) (json.RawMessage, error)

// TableDef declares a named, schema-versioned table.
type TableDef struct {
	Name    string
	Schemas []Schema
	Migrate Migrator

	bindings []DocBindingDef
}

// WithDocument attaches a document binding to the table definition. The
// receiver is unchanged.
func (d TableDef) WithDocument(name string, binding DocBindingDef) TableDef {
	binding.Name = name
	bindings := make([]DocBindingDef, len(d.bindings), len(d.bindings)+1)
	copy(bindings, d.bindings)
	d.bindings = append(bindings, binding)
	return d
}

func (d TableDef) latestSchema() (Schema, error) {
	if len(d.Schemas) == 0 {
		return Schema{}, fmt.Errorf("table %q declares no schemas", d.Name)
	}
	return d.Schemas[len(d.Schemas)-1], nil
}

// RowStatus is the discriminant of a read result.
type RowStatus int

const (
	RowValid RowStatus = iota
	RowInvalid
	RowNotFound
)

func (s RowStatus) String() string {
	switch s {
	case RowValid:
		return "valid"
	case RowInvalid:
		return "invalid"
	default:
		return "not_found"
	}
}

// Row is the result of reading a table row. Data holds the migrated,
// latest-shape row when Status is RowValid, and the raw stored bytes when
// RowInvalid. Err explains why a row is invalid.
type Row struct {
	Status RowStatus
	ID     string
	Data   json.RawMessage
	Err    error
}

// versionDiscriminant extracts the `_v` field of a stored row.
type versionDiscriminant struct {
	V int `json:"_v"`
}

// Table is the helper over one table container. Reads migrate rows to the
// latest declared schema and validate them; a row whose migrated form fails
// validation surfaces as invalid, never silently dropped.
type Table struct {
	ws  *Workspace
	def TableDef
	m   *y.Map

	docs map[string]*DocBinding
}

func newTable(ws *Workspace, def TableDef) *Table {
	t := &Table{
		ws:   ws,
		def:  def,
		m:    ws.doc.Map(tableContainerPrefix + def.Name),
		docs: make(map[string]*DocBinding),
	}
	for _, b := range def.bindings {
		t.docs[b.Name] = newDocBinding(t, b)
	}
	return t
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.def.Name
}

// Docs returns the document binding registered under name.
func (t *Table) Docs(name string) (*DocBinding, bool) {
	b, ok := t.docs[name]
	return b, ok
}

// Set validates row against the latest schema and stores it under id.
func (t *Table) Set(id string, row any) error {
	data, err := marshalRow(row)
	if err != nil {
		return fmt.Errorf("table %q: marshal row: %w", t.def.Name, err)
	}
	latest, err := t.def.latestSchema()
	if err != nil {
		return err
	}
	if latest.Validate != nil {
		if err := latest.Validate(data); err != nil {
			return fmt.Errorf("table %q: row %q fails latest schema: %w", t.def.Name, id, err)
		}
	}
	t.ws.write(nil, func(tx *y.Txn) {
		t.m.Set(tx, id, data)
	})
	return nil
}

// Get reads the row under id, migrating it to the latest shape.
func (t *Table) Get(id string) Row {
	raw, ok := t.m.Get(id)
	if !ok {
		return Row{Status: RowNotFound, ID: id}
	}
	return t.migrateRow(id, raw)
}

// Has reports whether a row exists under id, valid or not.
func (t *Table) Has(id string) bool {
	return t.m.Has(id)
}

// Count returns the number of stored rows, valid or not.
func (t *Table) Count() int {
	return t.m.Len()
}

// Delete removes the row under id.
func (t *Table) Delete(id string) {
	t.ws.write(nil, func(tx *y.Txn) {
		t.m.Delete(tx, id)
	})
}

// GetAll returns every stored row, including invalid ones, ordered by id.
func (t *Table) GetAll() []Row {
	snap := t.m.Snapshot()
	ids := make([]string, 0, len(snap))
	for id := range snap {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	rows := make([]Row, 0, len(ids))
	for _, id := range ids {
		rows = append(rows, t.migrateRow(id, snap[id]))
	}
	return rows
}

// GetAllValid returns every row that migrates and validates cleanly.
func (t *Table) GetAllValid() []Row {
	var rows []Row
	for _, r := range t.GetAll() {
		if r.Status == RowValid {
			rows = append(rows, r)
		}
	}
	return rows
}

// Filter returns the valid rows matching pred.
func (t *Table) Filter(pred func(Row) bool) []Row {
	var rows []Row
	for _, r := range t.GetAllValid() {
		if pred(r) {
			rows = append(rows, r)
		}
	}
	return rows
}

// Find returns the first valid row matching pred.
func (t *Table) Find(pred func(Row) bool) (Row, bool) {
	for _, r := range t.GetAllValid() {
		if pred(r) {
			return r, true
		}
	}
	return Row{Status: RowNotFound}, false
}

// Update reads the row under id, applies fn to its latest shape, and writes
// the result back, all inside one transaction. fn receives the migrated row
// and returns its replacement.
func (t *Table) Update(id string, fn func(row json.RawMessage) (any, error)) error {
	latest, err := t.def.latestSchema()
	if err != nil {
		return err
	}

	var updateErr error
	t.ws.write(nil, func(tx *y.Txn) {
		raw, ok := t.m.Get(id)
		if !ok {
			updateErr = fmt.Errorf("table %q: row %q not found", t.def.Name, id)
			return
		}
		row := t.migrateRow(id, raw)
		if row.Status != RowValid {
			updateErr = fmt.Errorf("table %q: row %q is invalid: %w", t.def.Name, id, row.Err)
			return
		}

		next, err := fn(row.Data)
		if err != nil {
			updateErr = err
			return
		}
		data, err := marshalRow(next)
		if err != nil {
			updateErr = fmt.Errorf("table %q: marshal updated row: %w", t.def.Name, err)
			return
		}
		if latest.Validate != nil {
			if err := latest.Validate(data); err != nil {
				updateErr = fmt.Errorf("table %q: updated row %q fails latest schema: %w", t.def.Name, id, err)
				return
			}
		}
		t.m.Set(tx, id, data)
	})
	return updateErr
}

// Observe registers an observer for row changes and returns an unsubscribe
// function.
func (t *Table) Observe(obs y.MapObserver) func() {
	return t.m.Observe(obs)
}

// Clear deletes every row in one transaction.
func (t *Table) Clear() {
	t.ws.write(nil, func(tx *y.Txn) {
		for _, id := range t.m.Keys() {
			t.m.Delete(tx, id)
		}
	})
}

// migrateRow runs a stored row through the table's migrator and the latest
// schema validator.
func (t *Table) migrateRow(id string, raw []byte) Row {
	latest, err := t.def.latestSchema()
	if err != nil {
		return Row{Status: RowInvalid, ID: id, Data: raw, Err: err}
	}

	var disc versionDiscriminant
	if err := json.Unmarshal(raw, &disc); err != nil {
		return Row{Status: RowInvalid, ID: id, Data: raw, Err: fmt.Errorf("row is not an object: %w", err)}
	}

	data := json.RawMessage(raw)
	if disc.V != latest.Version && t.def.Migrate != nil {
		migrated, err := t.def.Migrate(data)
		if err != nil {
			return Row{Status: RowInvalid, ID: id, Data: raw, Err: fmt.Errorf("migrate: %w", err)}
		}
		data = migrated
	}

	if latest.Validate != nil {
		if err := latest.Validate(data); err != nil {
			return Row{Status: RowInvalid, ID: id, Data: raw, Err: err}
		}
	}
	return Row{Status: RowValid, ID: id, Data: data}
}

func marshalRow(row any) (json.RawMessage, error) {
	if raw, ok := row.(json.RawMessage); ok {
		return raw, nil
	}
	if raw, ok := row.([]byte); ok {
		return json.RawMessage(raw), nil
	}
	return json.Marshal(row)
}

// Tables is the set of table helpers declared on a workspace.
type Tables struct {
	ws     *Workspace
	byName map[string]*Table
}

func newTables(ws *Workspace, defs []TableDef) (*Tables, error) {
	t := &Tables{ws: ws, byName: make(map[string]*Table, len(defs))}
	for _, def := range defs {
		if _, dup := t.byName[def.Name]; dup {
			return nil, fmt.Errorf("duplicate table %q", def.Name)
		}
		if _, err := def.latestSchema(); err != nil {
			return nil, err
		}
		t.byName[def.Name] = newTable(ws, def)
	}
	return t, nil
}

// Table returns the helper for the named table.
func (t *Tables) Table(name string) (*Table, bool) {
	tbl, ok := t.byName[name]
	return tbl, ok
}

// Names returns the declared table names, sorted.
func (t *Tables) Names() []string {
	names := make([]string, 0, len(t.byName))
	for name := range t.byName {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

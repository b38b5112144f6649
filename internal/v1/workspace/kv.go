package workspace

import (
	"encoding/json"
	"fmt"

	"github.com/epicenter-md/epicenter/backend/go/internal/v1/y"
)

// kvContainer is the single reserved container holding all KV entries.
const kvContainer = "kv"

// KVDef declares one named, schema-versioned KV entry. The versioning and
// migrate-on-read contract is the same as for table rows.
type KVDef struct {
	Key     string
	Schemas []Schema
	Migrate Migrator
}

func (d KVDef) latestSchema() (Schema, error) {
	if len(d.Schemas) == 0 {
		return Schema{}, fmt.Errorf("kv entry %q declares no schemas", d.Key)
	}
	return d.Schemas[len(d.Schemas)-1], nil
}

// KV is the helper over the workspace's KV container.
type KV struct {
	ws   *Workspace
	m    *y.Map
	defs map[string]KVDef
}

func newKV(ws *Workspace, defs []KVDef) (*KV, error) {
	k := &KV{ws: ws, m: ws.doc.Map(kvContainer), defs: make(map[string]KVDef, len(defs))}
	for _, def := range defs {
		if _, dup := k.defs[def.Key]; dup {
			return nil, fmt.Errorf("duplicate kv entry %q", def.Key)
		}
		if _, err := def.latestSchema(); err != nil {
			return nil, err
		}
		k.defs[def.Key] = def
	}
	return k, nil
}

// Set validates value against the entry's latest schema and stores it.
func (k *KV) Set(key string, value any) error {
	def, ok := k.defs[key]
	if !ok {
		return fmt.Errorf("kv entry %q is not declared", key)
	}
	data, err := marshalRow(value)
	if err != nil {
		return fmt.Errorf("kv entry %q: marshal: %w", key, err)
	}
	latest, err := def.latestSchema()
	if err != nil {
		return err
	}
	if latest.Validate != nil {
		if err := latest.Validate(data); err != nil {
			return fmt.Errorf("kv entry %q fails latest schema: %w", key, err)
		}
	}
	k.ws.write(nil, func(tx *y.Txn) {
		k.m.Set(tx, key, data)
	})
	return nil
}

// Get reads the entry under key, migrating it to the latest shape. The Row
// result uses the key as its ID.
func (k *KV) Get(key string) Row {
	def, ok := k.defs[key]
	if !ok {
		return Row{Status: RowInvalid, ID: key, Err: fmt.Errorf("kv entry %q is not declared", key)}
	}
	raw, ok := k.m.Get(key)
	if !ok {
		return Row{Status: RowNotFound, ID: key}
	}
	return migrateKV(def, key, raw)
}

// Has reports whether the entry is set.
func (k *KV) Has(key string) bool {
	return k.m.Has(key)
}

// Delete removes the entry under key.
func (k *KV) Delete(key string) {
	k.ws.write(nil, func(tx *y.Txn) {
		k.m.Delete(tx, key)
	})
}

// Observe registers an observer for entry changes and returns an
// unsubscribe function.
func (k *KV) Observe(obs y.MapObserver) func() {
	return k.m.Observe(obs)
}

// Snapshot returns the raw stored entries, unmigrated. Used by persistence
// mirrors.
func (k *KV) Snapshot() map[string]json.RawMessage {
	snap := k.m.Snapshot()
	out := make(map[string]json.RawMessage, len(snap))
	for key, raw := range snap {
		out[key] = json.RawMessage(raw)
	}
	return out
}

func migrateKV(def KVDef, key string, raw []byte) Row {
	latest, err := def.latestSchema()
	if err != nil {
		return Row{Status: RowInvalid, ID: key, Data: raw, Err: err}
	}

	var disc versionDiscriminant
	if err := json.Unmarshal(raw, &disc); err != nil {
		return Row{Status: RowInvalid, ID: key, Data: raw, Err: fmt.Errorf("value is not an object: %w", err)}
	}

	data := json.RawMessage(raw)
	if disc.V != latest.Version && def.Migrate != nil {
		migrated, err := def.Migrate(data)
		if err != nil {
			return Row{Status: RowInvalid, ID: key, Data: raw, Err: fmt.Errorf("migrate: %w", err)}
		}
		data = migrated
	}

	if latest.Validate != nil {
		if err := latest.Validate(data); err != nil {
			return Row{Status: RowInvalid, ID: key, Data: raw, Err: err}
		}
	}
	return Row{Status: RowValid, ID: key, Data: data}
}

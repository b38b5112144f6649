package workspace

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/epicenter-md/epicenter/backend/go/internal/v1/y"
)

type post struct {
	V     int    `json:"_v"`
	Title string `json:"title"`
	Likes int    `json:"likes"`
}

func postSchemaV2() Schema {
	return Schema{
		Version: 2,
		Validate: func(data json.RawMessage) error {
			var p post
			if err := json.Unmarshal(data, &p); err != nil {
				return err
			}
			if p.V != 2 {
				return fmt.Errorf("expected _v=2, got %d", p.V)
			}
			if p.Title == "" {
				return errors.New("title is required")
			}
			return nil
		},
	}
}

// postsTable declares two schema versions: v1 rows carry "name" instead of
// "title" and migrate on read.
func postsTable() TableDef {
	return TableDef{
		Name:    "posts",
		Schemas: []Schema{{Version: 1}, postSchemaV2()},
		Migrate: func(row json.RawMessage) (json.RawMessage, error) {
			var v1 struct {
				V    int    `json:"_v"`
				Name string `json:"name"`
			}
			if err := json.Unmarshal(row, &v1); err != nil {
				return nil, err
			}
			return json.Marshal(post{V: 2, Title: v1.Name})
		},
	}
}

func buildWorkspace(t *testing.T, b *Builder) *Workspace {
	t.Helper()
	ws, err := b.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Destroy() })
	return ws
}

func TestTableSetGetRoundTrip(t *testing.T) {
	ws := buildWorkspace(t, New("w1").WithTable(postsTable()))
	tbl, ok := ws.Tables().Table("posts")
	require.True(t, ok)

	require.NoError(t, tbl.Set("p1", post{V: 2, Title: "hello", Likes: 3}))

	row := tbl.Get("p1")
	require.Equal(t, RowValid, row.Status)
	var got post
	require.NoError(t, json.Unmarshal(row.Data, &got))
	assert.Equal(t, "hello", got.Title)
	assert.True(t, tbl.Has("p1"))
	assert.Equal(t, 1, tbl.Count())
}

func TestTableGetMigratesOldRowsOnRead(t *testing.T) {
	ws := buildWorkspace(t, New("w1").WithTable(postsTable()))
	tbl, _ := ws.Tables().Table("posts")

	// A v1 row written before the v2 schema existed.
	ws.Doc().Transact(nil, func(tx *y.Txn) {
		ws.Doc().Map("table:posts").Set(tx, "old", []byte(`{"_v":1,"name":"legacy"}`))
	})

	row := tbl.Get("old")
	require.Equal(t, RowValid, row.Status)
	var got post
	require.NoError(t, json.Unmarshal(row.Data, &got))
	assert.Equal(t, 2, got.V)
	assert.Equal(t, "legacy", got.Title)

	// The stored bytes are untouched: migration happens on read only.
	raw, ok := ws.Doc().Map("table:posts").Get("old")
	require.True(t, ok)
	assert.JSONEq(t, `{"_v":1,"name":"legacy"}`, string(raw))
}

func TestTableGetSurfacesInvalidRows(t *testing.T) {
	ws := buildWorkspace(t, New("w1").WithTable(postsTable()))
	tbl, _ := ws.Tables().Table("posts")

	// Migrates to an empty title, which the latest schema rejects.
	ws.Doc().Transact(nil, func(tx *y.Txn) {
		ws.Doc().Map("table:posts").Set(tx, "bad", []byte(`{"_v":1}`))
	})

	row := tbl.Get("bad")
	require.Equal(t, RowInvalid, row.Status)
	require.Error(t, row.Err)
	assert.JSONEq(t, `{"_v":1}`, string(row.Data))

	// The row is not dropped: it still counts and appears in GetAll.
	assert.True(t, tbl.Has("bad"))
	assert.Len(t, tbl.GetAll(), 1)
	assert.Empty(t, tbl.GetAllValid())
}

func TestTableGetNotFound(t *testing.T) {
	ws := buildWorkspace(t, New("w1").WithTable(postsTable()))
	tbl, _ := ws.Tables().Table("posts")
	assert.Equal(t, RowNotFound, tbl.Get("missing").Status)
}

func TestTableSetRejectsInvalidRow(t *testing.T) {
	ws := buildWorkspace(t, New("w1").WithTable(postsTable()))
	tbl, _ := ws.Tables().Table("posts")
	require.Error(t, tbl.Set("p1", post{V: 2}))
	assert.False(t, tbl.Has("p1"))
}

func TestTableUpdateReadsAndWritesInOneTransaction(t *testing.T) {
	ws := buildWorkspace(t, New("w1").WithTable(postsTable()))
	tbl, _ := ws.Tables().Table("posts")
	require.NoError(t, tbl.Set("p1", post{V: 2, Title: "hello"}))

	var updates int
	unsub := ws.Doc().OnUpdate(func(update []byte, origin any) { updates++ })
	defer unsub()

	require.NoError(t, tbl.Update("p1", func(row json.RawMessage) (any, error) {
		var p post
		if err := json.Unmarshal(row, &p); err != nil {
			return nil, err
		}
		p.Likes++
		return p, nil
	}))

	row := tbl.Get("p1")
	require.Equal(t, RowValid, row.Status)
	var got post
	require.NoError(t, json.Unmarshal(row.Data, &got))
	assert.Equal(t, 1, got.Likes)
	assert.Equal(t, 1, updates)
}

func TestTableFilterFindAndClear(t *testing.T) {
	ws := buildWorkspace(t, New("w1").WithTable(postsTable()))
	tbl, _ := ws.Tables().Table("posts")
	require.NoError(t, tbl.Set("a", post{V: 2, Title: "alpha", Likes: 1}))
	require.NoError(t, tbl.Set("b", post{V: 2, Title: "beta", Likes: 5}))

	liked := tbl.Filter(func(r Row) bool {
		var p post
		return json.Unmarshal(r.Data, &p) == nil && p.Likes > 2
	})
	require.Len(t, liked, 1)
	assert.Equal(t, "b", liked[0].ID)

	found, ok := tbl.Find(func(r Row) bool { return r.ID == "a" })
	require.True(t, ok)
	assert.Equal(t, "a", found.ID)

	tbl.Clear()
	assert.Equal(t, 0, tbl.Count())
}

func TestBatchGroupsHelperWritesIntoOneUpdate(t *testing.T) {
	ws := buildWorkspace(t, New("w1").WithTable(postsTable()))
	tbl, _ := ws.Tables().Table("posts")

	var updates int
	unsub := ws.Doc().OnUpdate(func(update []byte, origin any) { updates++ })
	defer unsub()

	ws.Batch("import", func() {
		require.NoError(t, tbl.Set("a", post{V: 2, Title: "one"}))
		require.NoError(t, tbl.Set("b", post{V: 2, Title: "two"}))
		require.NoError(t, tbl.Set("c", post{V: 2, Title: "three"}))
	})

	assert.Equal(t, 1, updates)
	assert.Equal(t, 3, tbl.Count())
}

func TestTableObserveReportsChangedRows(t *testing.T) {
	ws := buildWorkspace(t, New("w1").WithTable(postsTable()))
	tbl, _ := ws.Tables().Table("posts")

	events := make(chan y.MapEvent, 8)
	unsub := tbl.Observe(func(ev y.MapEvent) { events <- ev })
	defer unsub()

	require.NoError(t, tbl.Set("p1", post{V: 2, Title: "hello"}))
	ev := <-events
	assert.Equal(t, y.ChangeAdd, ev.Keys["p1"])

	tbl.Delete("p1")
	ev = <-events
	assert.Equal(t, y.ChangeDelete, ev.Keys["p1"])
}

func TestKVSetGetAndMigrate(t *testing.T) {
	settings := KVDef{
		Key: "settings",
		Schemas: []Schema{{Version: 1}, {
			Version: 2,
			Validate: func(data json.RawMessage) error {
				var v struct {
					V     int    `json:"_v"`
					Theme string `json:"theme"`
				}
				if err := json.Unmarshal(data, &v); err != nil {
					return err
				}
				if v.V != 2 || v.Theme == "" {
					return errors.New("bad settings")
				}
				return nil
			},
		}},
		Migrate: func(row json.RawMessage) (json.RawMessage, error) {
			return json.RawMessage(`{"_v":2,"theme":"light"}`), nil
		},
	}

	ws := buildWorkspace(t, New("w1").WithKV(settings))
	kv := ws.KV()

	require.NoError(t, kv.Set("settings", json.RawMessage(`{"_v":2,"theme":"dark"}`)))
	row := kv.Get("settings")
	require.Equal(t, RowValid, row.Status)

	// An old-shape value migrates on read.
	ws.Doc().Transact(nil, func(tx *y.Txn) {
		ws.Doc().Map("kv").Set(tx, "settings", []byte(`{"_v":1}`))
	})
	row = kv.Get("settings")
	require.Equal(t, RowValid, row.Status)
	assert.JSONEq(t, `{"_v":2,"theme":"light"}`, string(row.Data))

	assert.Equal(t, RowNotFound, kv.Get("missing").Status)
	require.Error(t, kv.Set("undeclared", json.RawMessage(`1`)))
}

func TestAwarenessFieldTypedAccess(t *testing.T) {
	ws := buildWorkspace(t, New("w1").WithAwarenessField("cursor"))

	require.NoError(t, ws.SetAwarenessField("cursor", map[string]int{"line": 4}))
	v, ok := ws.AwarenessField(ws.Awareness().ClientID(), "cursor")
	require.True(t, ok)
	assert.JSONEq(t, `{"line":4}`, string(v))

	require.Error(t, ws.SetAwarenessField("undeclared", 1))

	// The raw handle exists even without declared fields.
	bare := buildWorkspace(t, New("w2"))
	assert.NotNil(t, bare.Awareness())
}

func TestExtensionChainOrderAndExports(t *testing.T) {
	var order []string

	b := New("w1").
		WithExtension("storage", func(ec *Context) (*Extension, error) {
			order = append(order, "storage")
			assert.Empty(t, ec.Extensions)
			return DefineExtension(&Extension{Exports: "storage-api"}), nil
		}).
		WithExtension("sync", func(ec *Context) (*Extension, error) {
			order = append(order, "sync")
			assert.Equal(t, "storage-api", ec.Extensions["storage"])
			require.NoError(t, ec.WhenReady(context.Background()))
			return DefineExtension(&Extension{Exports: "sync-api"}), nil
		})

	ws := buildWorkspace(t, b)
	assert.Equal(t, []string{"storage", "sync"}, order)

	v, ok := ws.Extension("sync")
	require.True(t, ok)
	assert.Equal(t, "sync-api", v)
	require.NoError(t, ws.WhenReady(context.Background()))
}

func TestWithExtensionBranchesAreIsolated(t *testing.T) {
	base := New("w1")
	a := base.WithExtension("a", func(ec *Context) (*Extension, error) {
		return DefineExtension(&Extension{Exports: "a"}), nil
	})
	b := base.WithExtension("b", func(ec *Context) (*Extension, error) {
		return DefineExtension(&Extension{Exports: "b"}), nil
	})

	wsA := buildWorkspace(t, a)
	wsB := buildWorkspace(t, b)

	_, hasA := wsA.Extension("a")
	_, hasB := wsA.Extension("b")
	assert.True(t, hasA)
	assert.False(t, hasB)

	_, hasA = wsB.Extension("a")
	_, hasB = wsB.Extension("b")
	assert.False(t, hasA)
	assert.True(t, hasB)
}

func TestFactoryDeclinesInstallation(t *testing.T) {
	ws := buildWorkspace(t, New("w1").
		WithExtension("maybe", func(ec *Context) (*Extension, error) {
			return nil, nil
		}))
	_, ok := ws.Extension("maybe")
	assert.False(t, ok)
}

func TestFactoryErrorDestroysPriorExtensionsLIFO(t *testing.T) {
	var destroyed []string

	_, err := New("w1").
		WithExtension("first", func(ec *Context) (*Extension, error) {
			return DefineExtension(&Extension{
				Destroy: func() error { destroyed = append(destroyed, "first"); return nil },
			}), nil
		}).
		WithExtension("second", func(ec *Context) (*Extension, error) {
			return DefineExtension(&Extension{
				Destroy: func() error { destroyed = append(destroyed, "second"); return nil },
			}), nil
		}).
		WithExtension("boom", func(ec *Context) (*Extension, error) {
			return nil, errors.New("init failed")
		}).
		Build()

	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	assert.Equal(t, []string{"second", "first"}, destroyed)
}

func TestWhenReadyRejectionDestroysChain(t *testing.T) {
	var destroyed []string

	ws, err := New("w1").
		WithExtension("ok", func(ec *Context) (*Extension, error) {
			return DefineExtension(&Extension{
				Destroy: func() error { destroyed = append(destroyed, "ok"); return nil },
			}), nil
		}).
		WithExtension("slow", func(ec *Context) (*Extension, error) {
			return DefineExtension(&Extension{
				WhenReady: func(context.Context) error { return errors.New("never became ready") },
				Destroy:   func() error { destroyed = append(destroyed, "slow"); return nil },
			}), nil
		}).
		Build()
	require.NoError(t, err)

	err = ws.WhenReady(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "never became ready")
	assert.Equal(t, []string{"slow", "ok"}, destroyed)
	assert.True(t, ws.Doc().Destroyed())
}

func TestDestroyRunsLIFOAndAggregatesErrors(t *testing.T) {
	var destroyed []string

	ws, err := New("w1").
		WithExtension("a", func(ec *Context) (*Extension, error) {
			return DefineExtension(&Extension{
				Destroy: func() error { destroyed = append(destroyed, "a"); return errors.New("a failed") },
			}), nil
		}).
		WithExtension("b", func(ec *Context) (*Extension, error) {
			return DefineExtension(&Extension{
				Destroy: func() error { destroyed = append(destroyed, "b"); return errors.New("b failed") },
			}), nil
		}).
		Build()
	require.NoError(t, err)

	err = ws.Destroy()
	require.Error(t, err)
	assert.Equal(t, []string{"b", "a"}, destroyed)
	assert.Contains(t, err.Error(), "a failed")
	assert.Contains(t, err.Error(), "b failed")
	assert.True(t, ws.Doc().Destroyed())

	// Idempotent: a second destroy reports the same result without
	// re-running hooks.
	err2 := ws.Destroy()
	assert.Equal(t, err, err2)
	assert.Equal(t, []string{"b", "a"}, destroyed)
}

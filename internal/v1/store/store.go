// Package store persists a workspace to the local filesystem as a
// workspace extension: the definition as JSON, the document as a binary
// state snapshot, and a debounced JSON mirror of the KV container.
package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/epicenter-md/epicenter/backend/go/internal/v1/logging"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/workspace"
	"github.com/epicenter-md/epicenter/backend/go/internal/v1/y"
)

const (
	definitionFile = "definition.json"
	docFile        = "workspace.yjs"
	kvFile         = "kv.json"

	defaultKVDebounce = 500 * time.Millisecond
)

// Definition is the persisted workspace descriptor.
type Definition struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`
}

// Options configures the persistence extension.
type Options struct {
	// Fs is the filesystem to persist into. Defaults to the OS
	// filesystem.
	Fs afero.Fs

	// AppDataDir is the application data root. The workspace lives under
	// {AppDataDir}/workspaces/{id}/.
	AppDataDir string

	// Definition describes the workspace. Its ID is overwritten with the
	// workspace id.
	Definition Definition

	// KVDebounce is the quiet period before the KV mirror is rewritten.
	KVDebounce time.Duration
}

// loadOrigin marks updates replayed from disk so they are not mistaken for
// local edits.
type loadOrigin struct{}

func (loadOrigin) RemoteSyncOrigin() {}

// Store is the extension's export: the resolved directory plus an explicit
// flush for hosts that want to force a write before exit.
type Store struct {
	fs  afero.Fs
	dir string

	mu       sync.Mutex
	kvTimer  *time.Timer
	kvDirty  bool
	closed   bool
	snapshot func() (map[string]json.RawMessage, []byte, error)
}

// Dir returns the workspace's directory.
func (s *Store) Dir() string {
	return s.dir
}

// Extension returns a workspace extension factory that persists the
// workspace under {AppDataDir}/workspaces/{id}/. On install it replays the
// persisted document state, then follows updates.
func Extension(opts Options) workspace.Factory {
	return func(ec *workspace.Context) (*workspace.Extension, error) {
		fs := opts.Fs
		if fs == nil {
			fs = afero.NewOsFs()
		}
		debounce := opts.KVDebounce
		if debounce <= 0 {
			debounce = defaultKVDebounce
		}

		dir := filepath.Join(opts.AppDataDir, "workspaces", ec.ID)
		if err := fs.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("store: create %s: %w", dir, err)
		}

		def := opts.Definition
		def.ID = ec.ID
		if err := writeJSON(fs, filepath.Join(dir, definitionFile), def); err != nil {
			return nil, err
		}

		s := &Store{fs: fs, dir: dir}
		s.snapshot = func() (map[string]json.RawMessage, []byte, error) {
			state, err := ec.Doc.EncodeStateAsUpdate(nil)
			if err != nil {
				return nil, nil, err
			}
			return ec.KV.Snapshot(), state, nil
		}

		if err := s.load(ec.Doc); err != nil {
			return nil, err
		}

		unsubDoc := ec.Doc.OnUpdate(func(update []byte, origin any) {
			if _, replayed := origin.(loadOrigin); replayed {
				return
			}
			if err := s.saveDoc(); err != nil {
				logging.Warn(context.Background(), "Workspace snapshot write failed",
					zap.String("dir", dir), zap.Error(err))
			}
		})
		unsubKV := ec.KV.Observe(func(ev y.MapEvent) {
			s.scheduleKVWrite(debounce)
		})

		return workspace.DefineExtension(&workspace.Extension{
			Exports: s,
			Destroy: func() error {
				unsubDoc()
				unsubKV()
				return s.Flush()
			},
		}), nil
	}
}

// ReadDefinition loads a persisted workspace descriptor.
func ReadDefinition(fs afero.Fs, appDataDir, workspaceID string) (Definition, error) {
	path := filepath.Join(appDataDir, "workspaces", workspaceID, definitionFile)
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return Definition{}, fmt.Errorf("store: read %s: %w", path, err)
	}
	var def Definition
	if err := json.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("store: parse %s: %w", path, err)
	}
	return def, nil
}

// load replays the persisted document state, if any.
func (s *Store) load(doc *y.Doc) error {
	path := filepath.Join(s.dir, docFile)
	data, err := afero.ReadFile(s.fs, path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("store: read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil
	}
	if err := doc.ApplyUpdate(data, loadOrigin{}); err != nil {
		return fmt.Errorf("store: replay %s: %w", path, err)
	}
	return nil
}

// Flush writes the current document snapshot and, if one is pending, the
// KV mirror.
func (s *Store) Flush() error {
	s.mu.Lock()
	if s.kvTimer != nil {
		s.kvTimer.Stop()
		s.kvTimer = nil
	}
	dirty := s.kvDirty
	s.kvDirty = false
	s.closed = true
	s.mu.Unlock()

	if err := s.saveDoc(); err != nil {
		return err
	}
	if dirty {
		return s.saveKV()
	}
	return nil
}

func (s *Store) saveDoc() error {
	_, state, err := s.snapshot()
	if err != nil {
		return err
	}
	return writeAtomic(s.fs, filepath.Join(s.dir, docFile), state)
}

func (s *Store) saveKV() error {
	kv, _, err := s.snapshot()
	if err != nil {
		return err
	}
	return writeJSON(s.fs, filepath.Join(s.dir, kvFile), kv)
}

// scheduleKVWrite (re)arms the debounce timer for the KV mirror.
func (s *Store) scheduleKVWrite(debounce time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.kvDirty = true
	if s.kvTimer != nil {
		s.kvTimer.Stop()
	}
	s.kvTimer = time.AfterFunc(debounce, func() {
		s.mu.Lock()
		if s.closed || !s.kvDirty {
			s.mu.Unlock()
			return
		}
		s.kvDirty = false
		s.mu.Unlock()
		if err := s.saveKV(); err != nil {
			logging.Warn(context.Background(), "KV mirror write failed",
				zap.String("dir", s.dir), zap.Error(err))
		}
	})
}

func writeJSON(fs afero.Fs, path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("store: marshal %s: %w", path, err)
	}
	return writeAtomic(fs, path, data)
}

// writeAtomic writes via a temp file and rename so readers never see a
// partial file.
func writeAtomic(fs afero.Fs, path string, data []byte) error {
	tmp := path + ".tmp"
	if err := afero.WriteFile(fs, tmp, data, 0o644); err != nil {
		return fmt.Errorf("store: write %s: %w", tmp, err)
	}
	if err := fs.Rename(tmp, path); err != nil {
		return fmt.Errorf("store: rename %s: %w", tmp, err)
	}
	return nil
}

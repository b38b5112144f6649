package workspace

import (
	"context"
	"fmt"

	"github.com/epicenter-md/epicenter/backend/go/internal/v1/y"
)

// Extension is what a factory returns: arbitrary exports plus two optional
// lifecycle hooks. DefineExtension fills in the defaults.
type Extension struct {
	// Exports is the value later extensions in the chain (and the host)
	// see under this extension's key.
	Exports any

	// WhenReady blocks until the extension has finished its asynchronous
	// setup. Nil means already ready.
	WhenReady func(ctx context.Context) error

	// Destroy releases the extension's resources. Nil means no-op. It must
	// be safe to call even when WhenReady never succeeded.
	Destroy func() error
}

// DefineExtension normalizes an extension: a nil WhenReady becomes
// already-ready and a nil Destroy becomes a no-op.
func DefineExtension(ext *Extension) *Extension {
	if ext == nil {
		return nil
	}
	if ext.WhenReady == nil {
		ext.WhenReady = func(context.Context) error { return nil }
	}
	if ext.Destroy == nil {
		ext.Destroy = func() error { return nil }
	}
	return ext
}

// Context is what a workspace extension factory receives. Extensions holds
// the exports of the extensions registered before this one; WhenReady
// resolves once all of them are ready.
type Context struct {
	ID        string
	Doc       *y.Doc
	Tables    *Tables
	KV        *KV
	Awareness *y.Awareness
	Batch     func(origin any, fn func())

	WhenReady  func(ctx context.Context) error
	Extensions map[string]any
}

// Factory builds one extension. Returning (nil, nil) declines installation;
// the chain continues without it.
type Factory func(ec *Context) (*Extension, error)

type installedExt struct {
	key string
	ext *Extension
}

// whenReadyChain composes the WhenReady hooks of the given extensions in
// order, failing on the first error.
func whenReadyChain(installed []installedExt) func(ctx context.Context) error {
	exts := make([]installedExt, len(installed))
	copy(exts, installed)
	return func(ctx context.Context) error {
		for _, ie := range exts {
			if err := ie.ext.WhenReady(ctx); err != nil {
				return fmt.Errorf("extension %q: %w", ie.key, err)
			}
		}
		return nil
	}
}

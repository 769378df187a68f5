// Package lifecycle manages model versions: training, the activation gate,
// the per-document-type active pointer, rollback and bounded history.
package lifecycle

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/model"
)

// Entry is what the registry holds for a document type. A nil Bundle means
// the version is known but its artifacts have not been loaded yet.
type Entry struct {
	Version *domain.ModelVersion
	Bundle  *model.Bundle
}

// Loader loads the artifact set of a version.
type Loader func(ctx context.Context, mv *domain.ModelVersion) (*model.Bundle, error)

// Registry owns one atomic pointer per document type. Readers always
// resolve through it; writers replace the whole entry in a single swap, so a
// reader sees either the old or the new version, never a mix.
type Registry struct {
	slots map[domain.DocumentType]*atomic.Pointer[Entry]
	load  Loader
}

// NewRegistry creates a registry for every supported document type.
func NewRegistry(load Loader) *Registry {
	r := &Registry{
		slots: make(map[domain.DocumentType]*atomic.Pointer[Entry]),
		load:  load,
	}
	for _, t := range domain.DocumentTypes() {
		r.slots[t] = new(atomic.Pointer[Entry])
	}
	return r
}

// Current returns the entry for a document type without loading anything.
func (r *Registry) Current(t domain.DocumentType) *Entry {
	slot, ok := r.slots[t]
	if !ok {
		return nil
	}
	return slot.Load()
}

// Set swaps the entry for a document type.
func (r *Registry) Set(t domain.DocumentType, e *Entry) {
	if slot, ok := r.slots[t]; ok {
		slot.Store(e)
	}
}

// Resolve returns the active entry with its artifacts loaded. Artifacts are
// loaded on first use; if the pointer moved meanwhile, the loaded entry is
// still returned to this caller but not installed.
func (r *Registry) Resolve(ctx context.Context, t domain.DocumentType) (*Entry, error) {
	slot, ok := r.slots[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownDocumentType, t)
	}
	e := slot.Load()
	if e == nil || e.Version == nil {
		return nil, fmt.Errorf("%w: no active version for %s", domain.ErrModelUnavailable, t)
	}
	if e.Bundle != nil {
		return e, nil
	}
	if r.load == nil {
		return nil, fmt.Errorf("%w: no artifact loader", domain.ErrModelUnavailable)
	}

	b, err := r.load(ctx, e.Version)
	if err != nil {
		return nil, fmt.Errorf("%w: load %s: %v", domain.ErrModelUnavailable, e.Version.ID, err)
	}
	loaded := &Entry{Version: e.Version, Bundle: b}
	slot.CompareAndSwap(e, loaded)
	return loaded, nil
}

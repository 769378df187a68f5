package lifecycle

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/model"
)

// ArtifactStore persists the three artifacts of a model version.
type ArtifactStore interface {
	// Save writes the bundle and records the artifact paths on mv.
	Save(ctx context.Context, mv *domain.ModelVersion, b *model.Bundle) error
	Load(ctx context.Context, mv *domain.ModelVersion) (*model.Bundle, error)
	Delete(ctx context.Context, mv *domain.ModelVersion) error
}

// FileStore keeps artifacts as JSON files under root/<document type>/<version>/.
type FileStore struct {
	root string
}

// NewFileStore creates the root directory if needed.
func NewFileStore(root string) (*FileStore, error) {
	if root == "" {
		root = "./models"
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create artifact dir: %w", err)
	}
	return &FileStore{root: root}, nil
}

// Root returns the artifact directory.
func (s *FileStore) Root() string {
	return s.root
}

func (s *FileStore) dir(mv *domain.ModelVersion) string {
	return filepath.Join(s.root, string(mv.DocumentType), mv.ID)
}

// Save writes each artifact through a temp file and rename.
func (s *FileStore) Save(_ context.Context, mv *domain.ModelVersion, b *model.Bundle) error {
	if err := b.Validate(); err != nil {
		return err
	}
	dir := s.dir(mv)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create version dir: %w", err)
	}

	artifacts := []struct {
		path *string
		name string
		v    any
	}{
		{&mv.BaggedPath, "bagged.json", b.Bagged},
		{&mv.BoostedPath, "boosted.json", b.Boosted},
		{&mv.ScalerPath, "scaler.json", b.Scaler},
	}
	for _, a := range artifacts {
		path := filepath.Join(dir, a.name)
		if err := writeJSON(path, a.v); err != nil {
			return err
		}
		*a.path = path
	}
	return nil
}

// Load reads and validates the three artifacts. Any missing or corrupt
// artifact makes the whole version unavailable.
func (s *FileStore) Load(_ context.Context, mv *domain.ModelVersion) (*model.Bundle, error) {
	if mv.BaggedPath == "" || mv.BoostedPath == "" || mv.ScalerPath == "" {
		return nil, fmt.Errorf("%w: version %s has no artifact paths", domain.ErrModelUnavailable, mv.ID)
	}
	b := &model.Bundle{}
	if err := readJSON(mv.BaggedPath, &b.Bagged); err != nil {
		return nil, err
	}
	if err := readJSON(mv.BoostedPath, &b.Boosted); err != nil {
		return nil, err
	}
	if err := readJSON(mv.ScalerPath, &b.Scaler); err != nil {
		return nil, err
	}
	if err := b.Validate(); err != nil {
		return nil, err
	}
	return b, nil
}

// Delete removes the version directory.
func (s *FileStore) Delete(_ context.Context, mv *domain.ModelVersion) error {
	err := os.RemoveAll(s.dir(mv))
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func writeJSON(path string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", filepath.Base(path), err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", path, err)
	}
	return nil
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read %s: %v", domain.ErrModelUnavailable, path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: decode %s: %v", domain.ErrModelUnavailable, path, err)
	}
	return nil
}

// Package loader turns document files into the plain text the ingest
// pipeline consumes. Format support is registry-based so callers can add
// loaders for in-house formats.
package loader

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
)

// Loader reads one file format and returns its text content.
type Loader interface {
	Load(ctx context.Context, path string) (string, error)
	Extensions() []string
}

// Registry routes file paths to loaders by extension.
type Registry struct {
	loaders map[string]Loader
}

// NewRegistry returns a Registry with the built-in loaders (txt, md,
// pdf, xlsx) registered.
func NewRegistry() *Registry {
	r := &Registry{loaders: make(map[string]Loader)}
	for _, l := range []Loader{&TextLoader{}, &PDFLoader{}, &XLSXLoader{}} {
		r.Register(l)
	}
	return r
}

// Register adds a loader for each of its extensions, replacing any
// previous registration.
func (r *Registry) Register(l Loader) {
	for _, ext := range l.Extensions() {
		r.loaders[strings.ToLower(ext)] = l
	}
}

// Load reads path with the loader registered for its extension.
func (r *Registry) Load(ctx context.Context, path string) (string, error) {
	ext := strings.ToLower(strings.TrimPrefix(filepath.Ext(path), "."))
	l, ok := r.loaders[ext]
	if !ok {
		return "", fmt.Errorf("no loader for extension %q", ext)
	}
	text, err := l.Load(ctx, path)
	if err != nil {
		return "", fmt.Errorf("loading %s: %w", path, err)
	}
	return strings.TrimSpace(text), nil
}

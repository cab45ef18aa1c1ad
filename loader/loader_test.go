package loader

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type fakeLoader struct{ out string }

func (f *fakeLoader) Extensions() []string { return []string{"custom"} }
func (f *fakeLoader) Load(ctx context.Context, path string) (string, error) {
	return f.out, nil
}

func TestRegistryLoadsTextAndMarkdown(t *testing.T) {
	r := NewRegistry()
	dir := t.TempDir()

	for _, name := range []string{"doc.txt", "doc.md", "DOC.TXT"} {
		path := filepath.Join(dir, name)
		os.WriteFile(path, []byte("  hello world  \n"), 0o644)
		got, err := r.Load(context.Background(), path)
		if err != nil {
			t.Fatalf("Load(%s): %v", name, err)
		}
		if got != "hello world" {
			t.Errorf("Load(%s) = %q", name, got)
		}
	}
}

func TestRegistryRejectsUnknownExtension(t *testing.T) {
	r := NewRegistry()
	_, err := r.Load(context.Background(), "/tmp/data.bin")
	if err == nil || !strings.Contains(err.Error(), "no loader") {
		t.Errorf("err = %v", err)
	}
}

func TestRegistryRegisterOverrides(t *testing.T) {
	r := NewRegistry()
	r.Register(&fakeLoader{out: "custom content"})
	got, err := r.Load(context.Background(), "x.custom")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got != "custom content" {
		t.Errorf("got %q", got)
	}
}

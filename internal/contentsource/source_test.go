package contentsource_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vectorflow/internal/contentsource"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/services"
)

func writeTree(t *testing.T, root string, files map[string]string) {
	t.Helper()
	for name, content := range files {
		full := filepath.Join(root, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(full, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestFilesystemSource(t *testing.T) {
	root := t.TempDir()
	writeTree(t, root, map[string]string{
		"guide/intro.md":    "# intro",
		"guide/setup.md":    "# setup",
		"guide/draft.md":    "# draft",
		"notes.txt":         "skip me",
		".hidden/secret.md": "hidden",
		"faq.md":            "# faq",
	})
	mtime := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	if err := os.Chtimes(filepath.Join(root, "faq.md"), mtime, mtime); err != nil {
		t.Fatal(err)
	}

	def := pipeline.Definition{
		Name:   "docs",
		Stages: []pipeline.StageDefinition{{Name: "embed", Plugin: "passthrough"}},
		Source: pipeline.SourceSpec{
			Type:    contentsource.TypeFilesystem,
			Path:    root,
			Include: []string{"*.md"},
			Exclude: []string{"draft.md"},
		},
	}
	items, err := contentsource.NewResolver(nil).Resolve(context.Background(), def)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	want := []string{"faq.md", "guide/intro.md", "guide/setup.md"}
	if len(items) != len(want) {
		t.Fatalf("expected %v, got %+v", want, items)
	}
	for i, id := range want {
		if items[i].CanonicalID != id {
			t.Fatalf("item %d: expected %s, got %s", i, id, items[i].CanonicalID)
		}
		if items[i].Action != pipeline.ActionAddOrUpdate || items[i].RawAction != pipeline.RawActionUpdated {
			t.Fatalf("unexpected action on %s: %+v", id, items[i])
		}
		if items[i].Fingerprint == "" {
			t.Fatalf("expected fingerprint on %s", id)
		}
		if items[i].RunID != "" {
			t.Fatalf("resolver must not assign run ids, got %q", items[i].RunID)
		}
	}
	if !items[0].LastModifiedAt.Equal(mtime) {
		t.Fatalf("expected mtime %v, got %v", mtime, items[0].LastModifiedAt)
	}
	if items[1].Fingerprint == items[2].Fingerprint {
		t.Fatal("expected different fingerprints for different content")
	}
}

func TestFilesystemSourceRequiresPath(t *testing.T) {
	def := pipeline.Definition{Name: "docs", Source: pipeline.SourceSpec{Type: "filesystem"}}
	_, err := contentsource.NewResolver(nil).Resolve(context.Background(), def)
	if !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error, got %v", err)
	}
}

func TestFilesystemSourceRejectsBadPattern(t *testing.T) {
	def := pipeline.Definition{Name: "docs", Source: pipeline.SourceSpec{Type: "filesystem", Path: t.TempDir(), Include: []string{"[z-a"}}}
	_, err := contentsource.NewResolver(nil).Resolve(context.Background(), def)
	if !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestStaticSource(t *testing.T) {
	def := pipeline.Definition{
		Name: "tickets",
		Source: pipeline.SourceSpec{Type: "static", Items: []pipeline.SourceItem{
			{CanonicalID: "T-2", Action: "removed", LastModifiedAt: "2026-02-01T10:00:00Z"},
			{CanonicalID: "T-1"},
			{CanonicalID: "T-1", Action: "updated"},
			{CanonicalID: "  "},
		}},
	}
	items, err := contentsource.NewResolver(nil).Resolve(context.Background(), def)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if len(items) != 2 {
		t.Fatalf("expected duplicates and blanks dropped, got %+v", items)
	}
	if items[0].CanonicalID != "T-1" || items[0].RawAction != pipeline.RawActionCreated || items[0].Action != pipeline.ActionAddOrUpdate {
		t.Fatalf("unexpected first item %+v", items[0])
	}
	if items[1].Action != pipeline.ActionRemove || !items[1].LastModifiedAt.Equal(time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)) {
		t.Fatalf("unexpected second item %+v", items[1])
	}
}

func TestStaticSourceRejectsBadTimestamp(t *testing.T) {
	def := pipeline.Definition{Name: "tickets", Source: pipeline.SourceSpec{Type: "static", Items: []pipeline.SourceItem{
		{CanonicalID: "T-1", LastModifiedAt: "yesterday"},
	}}}
	if _, err := contentsource.NewResolver(nil).Resolve(context.Background(), def); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestResolverCustomAndUnknownSources(t *testing.T) {
	r := contentsource.NewResolver(nil)
	r.Register("feed", contentsource.SourceFunc(func(context.Context, pipeline.Definition) ([]contentsource.Observation, error) {
		return []contentsource.Observation{{CanonicalID: "a", RawAction: "Created"}}, nil
	}))
	items, err := r.Resolve(context.Background(), pipeline.Definition{Name: "p", Source: pipeline.SourceSpec{Type: "Feed"}})
	if err != nil || len(items) != 1 || items[0].RawAction != "created" {
		t.Fatalf("unexpected custom source result %+v (%v)", items, err)
	}
	if _, err := r.Resolve(context.Background(), pipeline.Definition{Name: "p", Source: pipeline.SourceSpec{Type: "ftp"}}); !errors.Is(err, services.ErrConfiguration) {
		t.Fatalf("expected configuration error for unknown type, got %v", err)
	}
}

package catalog_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"vectorflow/internal/catalog"
	"vectorflow/internal/pipeline"
	"vectorflow/internal/services"
)

const yamlDefinition = `name: docs
description: Markdown knowledge base
stages:
  - name: chunk
    plugin: passthrough
    parameters:
      size: 512
  - name: embed
    plugin: passthrough
triggers:
  - name: nightly
    type: schedule
    schedule: "0 2 * * *"
    parameters:
      model: small
source:
  type: filesystem
  path: /srv/docs
  include: ["*.md"]
parameters:
  - name: model
    required: true
    canonical: true
`

const jsonDefinition = `{
  "name": "tickets",
  "stages": [{"name": "extract", "plugin": "passthrough"}],
  "source": {"type": "static", "items": [{"canonical_id": "T-1", "action": "created"}]}
}`

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestOpenDirLoadsYAMLAndJSON(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "docs.yaml", yamlDefinition)
	writeFile(t, dir, "tickets.json", jsonDefinition)
	writeFile(t, dir, "README.txt", "ignored")

	cat, err := catalog.OpenDir(context.Background(), dir, nil)
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	defs := cat.List()
	if len(defs) != 2 || defs[0].Name != "docs" || defs[1].Name != "tickets" {
		t.Fatalf("unexpected definitions %+v", defs)
	}

	docs, err := cat.Get("docs")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if len(docs.Stages) != 2 || docs.Stages[0].Parameters["size"] != 512 {
		t.Fatalf("unexpected stages %+v", docs.Stages)
	}
	trigger, ok := docs.Trigger("nightly")
	if !ok || trigger.Type != pipeline.TriggerSchedule || trigger.Schedule != "0 2 * * *" {
		t.Fatalf("unexpected trigger %+v", trigger)
	}
	if docs.Source.Type != "filesystem" || docs.Source.Include[0] != "*.md" {
		t.Fatalf("unexpected source %+v", docs.Source)
	}

	tickets, _ := cat.Get("tickets")
	if len(tickets.Source.Items) != 1 || tickets.Source.Items[0].CanonicalID != "T-1" {
		t.Fatalf("unexpected static items %+v", tickets.Source.Items)
	}

	if _, err := cat.Get("missing"); !errors.Is(err, services.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestGetReturnsCopies(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "docs.yml", yamlDefinition)
	cat, err := catalog.OpenDir(context.Background(), dir, nil)
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}
	first, _ := cat.Get("docs")
	first.Stages[0].Name = "mutated"
	first.Stages[0].Parameters["size"] = 1

	second, _ := cat.Get("docs")
	if second.Stages[0].Name != "chunk" || second.Stages[0].Parameters["size"] != 512 {
		t.Fatalf("catalog definition was mutated through a copy: %+v", second.Stages[0])
	}
}

func TestReloadKeepsLastGoodDefinitions(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "docs.yaml", yamlDefinition)
	ctx := context.Background()
	cat, err := catalog.OpenDir(ctx, dir, nil)
	if err != nil {
		t.Fatalf("OpenDir: %v", err)
	}

	writeFile(t, dir, "broken.yaml", "name: broken\nstages: []\n")
	if err := cat.Reload(ctx); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if len(cat.List()) != 1 {
		t.Fatal("expected previous definitions to survive a failed reload")
	}

	if err := os.Remove(filepath.Join(dir, "broken.yaml")); err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "tickets.json", jsonDefinition)
	if err := cat.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if len(cat.List()) != 2 {
		t.Fatalf("expected reload to pick up new definition, got %d", len(cat.List()))
	}
}

func TestDuplicateNamesRejected(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", yamlDefinition)
	writeFile(t, dir, "b.yaml", yamlDefinition)
	if _, err := catalog.OpenDir(context.Background(), dir, nil); !errors.Is(err, services.ErrValidation) {
		t.Fatalf("expected duplicate names to fail validation, got %v", err)
	}
}

func TestLoadFileRejectsUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docs.toml")
	if err := os.WriteFile(path, []byte("name = 'docs'"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := catalog.LoadFile(path); err == nil {
		t.Fatal("expected unsupported format error")
	}
}

func TestStatic(t *testing.T) {
	def := pipeline.Definition{
		Name:   "inline",
		Stages: []pipeline.StageDefinition{{Name: "only", Plugin: "passthrough"}},
	}
	cat, err := catalog.NewStatic(def)
	if err != nil {
		t.Fatalf("NewStatic: %v", err)
	}
	got, err := cat.Get("inline")
	if err != nil || len(got.Stages) != 1 || got.Stages[0].Name != "only" {
		t.Fatalf("unexpected definition %+v (%v)", got, err)
	}
	if _, err := catalog.NewStatic(pipeline.Definition{Name: "bad"}); err == nil {
		t.Fatal("expected invalid definition to be rejected")
	}
}

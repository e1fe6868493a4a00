package activity

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadKindsAndProvider(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kinds.yaml")
	content := `kinds:
  - name: open_syllabus_module
    meta:
      source: syllabus
      version: 2
  - name: legacy_event
    enabled: false
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write kinds: %v", err)
	}

	catalog, err := LoadKinds(path)
	if err != nil {
		t.Fatalf("load kinds: %v", err)
	}
	if !catalog.Allowed("open_syllabus_module") {
		t.Fatal("expected listed kind to be allowed")
	}
	if catalog.Allowed("legacy_event") || catalog.Allowed("unknown") {
		t.Fatal("expected disabled and unlisted kinds to be rejected")
	}

	provider := catalog.Provider(MetaProviderFunc(func(context.Context, string, string, *int64, *string) (map[string]interface{}, error) {
		return map[string]interface{}{"version": 3, "module": 1}, nil
	}))
	meta, err := provider.Meta(context.Background(), "open_syllabus_module", "", nil, nil)
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta["source"] != "syllabus" || meta["version"] != 3 || meta["module"] != 1 {
		t.Fatalf("unexpected merged meta %v", meta)
	}
}

func TestEmptyCatalogAcceptsEverything(t *testing.T) {
	catalog, err := LoadKinds("")
	if err != nil {
		t.Fatalf("load kinds: %v", err)
	}
	if !catalog.Allowed("anything") {
		t.Fatal("expected empty catalog to accept any kind")
	}
}

func TestLoadKindsRejectsUnnamedKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "kinds.yaml")
	if err := os.WriteFile(path, []byte("kinds:\n  - meta: {a: 1}\n"), 0o600); err != nil {
		t.Fatalf("write kinds: %v", err)
	}
	if _, err := LoadKinds(path); err == nil {
		t.Fatal("expected error for kind without a name")
	}
}

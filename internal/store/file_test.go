package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFileStore_ListBackends(t *testing.T) {
	dir := t.TempDir()
	backends := writeFile(t, dir, "backends.yaml", `
backends:
  - name: gpu-1
    url: http://10.0.0.4:11434
    models: [llama3, mistral]
    timeout_seconds: 120
  - url: http://10.0.0.5:11434
    models:
      - llama3
`)
	users := writeFile(t, dir, "users.txt", "")

	s := NewFileStore(backends, users, nil)
	specs, err := s.ListBackends(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	if len(specs) != 2 {
		t.Fatalf("specs = %d, want 2", len(specs))
	}
	if specs[0].Name != "gpu-1" || specs[0].TimeoutSeconds != 120 {
		t.Errorf("spec[0] = %+v", specs[0])
	}
	if len(specs[0].Models) != 2 || specs[0].Models[0] != "llama3" {
		t.Errorf("spec[0].Models = %v", specs[0].Models)
	}
	if specs[1].Name != "http://10.0.0.5:11434" {
		t.Errorf("unnamed backend should fall back to URL, got %q", specs[1].Name)
	}
}

func TestFileStore_ListBackends_MissingFile(t *testing.T) {
	s := NewFileStore(filepath.Join(t.TempDir(), "nope.yaml"), "users.txt", nil)
	if _, err := s.ListBackends(context.Background()); err == nil {
		t.Fatal("expected an error for a missing backends file")
	}
}

func TestFileStore_ListUsers(t *testing.T) {
	dir := t.TempDir()
	users := writeFile(t, dir, "users.txt", `
alice:sk1

bob:key:with:colons
brokenline
:nokeyuser
carol:sk3
`)

	s := NewFileStore("backends.yaml", users, nil)
	got, err := s.ListUsers(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]string{
		"alice": "sk1",
		"bob":   "key:with:colons",
		"carol": "sk3",
	}
	if len(got) != len(want) {
		t.Fatalf("users = %v, want %v", got, want)
	}
	for u, k := range want {
		if got[u] != k {
			t.Errorf("user %s key = %q, want %q", u, got[u], k)
		}
	}
}

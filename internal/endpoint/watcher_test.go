package endpoint

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestWatcher_ProviderReturnsCurrentEndpoint(t *testing.T) {
	path := writeFile(t, `{"endpoints":[{"name":"a","POD_URL":"https://p","POD_KEY":"k"}],"last_used_endpoint":0}`)
	w := NewWatcher(path, discard())
	ep, err := w.Provider()()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.Name != "a" {
		t.Errorf("expected endpoint a, got %s", ep.Name)
	}
}

func TestWatcher_MissingFileErrorsUntilReload(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	w := NewWatcher(path, discard())

	if _, err := w.Provider()(); err == nil {
		t.Fatal("expected error before the file exists")
	}

	if err := os.WriteFile(path, []byte(`{"endpoints":[{"name":"late"}],"last_used_endpoint":0}`), 0o644); err != nil {
		t.Fatalf("writing file: %v", err)
	}
	w.reload()

	ep, err := w.Provider()()
	if err != nil {
		t.Fatalf("unexpected error after reload: %v", err)
	}
	if ep.Name != "late" {
		t.Errorf("expected endpoint late, got %s", ep.Name)
	}
}

func TestWatcher_ReloadSwitchesEndpoint(t *testing.T) {
	path := writeFile(t, `{"endpoints":[{"name":"a"},{"name":"b"}],"last_used_endpoint":0}`)
	w := NewWatcher(path, discard())

	if err := os.WriteFile(path, []byte(`{"endpoints":[{"name":"a"},{"name":"b"}],"last_used_endpoint":1}`), 0o644); err != nil {
		t.Fatalf("rewriting file: %v", err)
	}
	w.reload()

	ep, err := w.Provider()()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ep.Name != "b" {
		t.Errorf("expected endpoint b after reload, got %s", ep.Name)
	}
}

func TestWatcher_BadRewriteKeepsLastSnapshot(t *testing.T) {
	path := writeFile(t, `{"endpoints":[{"name":"a"}],"last_used_endpoint":0}`)
	w := NewWatcher(path, discard())

	if err := os.WriteFile(path, []byte("{broken"), 0o644); err != nil {
		t.Fatalf("rewriting file: %v", err)
	}
	w.reload()

	ep, err := w.Provider()()
	if err != nil {
		t.Fatalf("expected previous snapshot to survive a broken rewrite, got error: %v", err)
	}
	if ep.Name != "a" {
		t.Errorf("expected endpoint a, got %s", ep.Name)
	}
}

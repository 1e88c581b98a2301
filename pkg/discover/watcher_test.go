package discover

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestResolver_WatcherEvictsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "query.sql", "SELECT 1")

	w, err := NewWatcher(zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	defer w.Close()

	r := NewResolver(WithWatcher(w))
	node := discoverNode("query", map[string]interface{}{"location": path})

	raw, _, err := r.Read(context.Background(), node)
	if err != nil {
		t.Fatal(err)
	}
	if raw != "SELECT 1" {
		t.Fatalf("unexpected raw content: %q", raw)
	}

	// Same byte length and restored mtime, so the fingerprint alone would
	// serve the stale entry. Only the watcher eviction can surface the edit.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "query.sql", "SELECT 2")
	if err := os.Chtimes(path, info.ModTime(), info.ModTime()); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		raw, _, err = r.Read(context.Background(), node)
		if err != nil {
			t.Fatal(err)
		}
		if raw == "SELECT 2" {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("cache entry not evicted, still reading %q", raw)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

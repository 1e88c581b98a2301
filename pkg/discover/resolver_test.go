package discover

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/kolumn-data/kolumn/pkg/engine"
)

func discoverNode(name string, raw map[string]interface{}) *engine.ResourceNode {
	return &engine.ResourceNode{
		Kind:  "discover",
		Name:  name,
		Block: engine.BlockDiscover,
		Raw:   raw,
	}
}

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestResolver_Read_SQLFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "report.sql", "SELECT 1")

	r := NewResolver()
	node := discoverNode("report", map[string]interface{}{"location": path})

	raw, attrs, err := r.Read(context.Background(), node)
	if err != nil {
		t.Fatal(err)
	}
	if raw != "SELECT 1" {
		t.Errorf("unexpected raw content: %q", raw)
	}
	if attrs["format"] != "sql" || attrs["location"] != path {
		t.Errorf("unexpected attrs: %v", attrs)
	}
	if attrs["size"] != int64(len("SELECT 1")) {
		t.Errorf("unexpected size: %v", attrs["size"])
	}
}

func TestResolver_Read_JSONParsed(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "schema.json", `{"fields": [{"name": "id"}], "version": 2}`)

	r := NewResolver()
	_, attrs, err := r.Read(context.Background(), discoverNode("schema", map[string]interface{}{"location": path}))
	if err != nil {
		t.Fatal(err)
	}
	parsed, ok := attrs["parsed"].(map[string]interface{})
	if !ok {
		t.Fatalf("json not parsed: %v", attrs)
	}
	if parsed["version"] != float64(2) {
		t.Errorf("unexpected parsed document: %v", parsed)
	}
}

func TestResolver_Read_YAMLParsed(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "topics:\n  - orders\n  - payments\n")

	r := NewResolver()
	_, attrs, err := r.Read(context.Background(), discoverNode("cfg", map[string]interface{}{"location": path}))
	if err != nil {
		t.Fatal(err)
	}
	parsed, ok := attrs["parsed"].(map[string]interface{})
	if !ok {
		t.Fatalf("yaml not parsed: %v", attrs["parsed"])
	}
	topics, ok := parsed["topics"].([]interface{})
	if !ok || len(topics) != 2 || topics[0] != "orders" {
		t.Errorf("unexpected topics: %v", parsed["topics"])
	}
}

func TestResolver_Read_MissingFileIsRecoverable(t *testing.T) {
	r := NewResolver()
	node := discoverNode("gone", map[string]interface{}{"location": "/nonexistent/q.sql"})

	_, _, err := r.Read(context.Background(), node)
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !engine.IsRecoverable(err) {
		t.Errorf("missing file must be recoverable: %v", err)
	}
	if !engine.HasCode(err, engine.ErrCodeResourceNotFound) {
		t.Errorf("expected RESOURCE_NOT_FOUND, got %v", err)
	}
}

func TestResolver_Read_UnsupportedExtension(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "model.bin", "abc")

	r := NewResolver()
	_, _, err := r.Read(context.Background(), discoverNode("model", map[string]interface{}{"location": path}))
	if err == nil {
		t.Fatal("expected error for unsupported extension")
	}
	if !engine.HasCode(err, engine.ErrCodeFileTypeUnsupported) {
		t.Errorf("expected FILE_TYPE_UNSUPPORTED, got %v", err)
	}
	if !engine.IsRecoverable(err) {
		t.Errorf("unsupported type must be recoverable: %v", err)
	}
}

func TestResolver_Read_BinarySniff(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fake.txt")
	if err := os.WriteFile(path, []byte{'a', 0x00, 'b'}, 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewResolver()
	_, _, err := r.Read(context.Background(), discoverNode("fake", map[string]interface{}{"location": path}))
	if err == nil {
		t.Fatal("expected error for binary content")
	}
	if !engine.HasCode(err, engine.ErrCodeFileTypeUnsupported) {
		t.Errorf("expected FILE_TYPE_UNSUPPORTED, got %v", err)
	}
}

func TestResolver_Read_Memoized(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "q.sql", "SELECT 1")

	r := NewResolver()
	node := discoverNode("q", map[string]interface{}{"location": path})

	if _, _, err := r.Read(context.Background(), node); err != nil {
		t.Fatal(err)
	}

	// Replace the file without changing mtime or size; the cached entry must
	// still serve.
	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("SELECT 2"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, info.ModTime(), info.ModTime()); err != nil {
		t.Fatal(err)
	}

	raw, _, err := r.Read(context.Background(), node)
	if err != nil {
		t.Fatal(err)
	}
	if raw != "SELECT 1" {
		t.Errorf("expected memoized content, got %q", raw)
	}
}

func TestResolver_Read_FingerprintInvalidation(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "q.sql", "SELECT 1")

	r := NewResolver()
	node := discoverNode("q", map[string]interface{}{"location": path})

	if _, _, err := r.Read(context.Background(), node); err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("SELECT 2 -- longer"), 0o644); err != nil {
		t.Fatal(err)
	}
	// Force a distinct mtime in case the write lands in the same tick.
	future := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(path, future, future); err != nil {
		t.Fatal(err)
	}

	raw, _, err := r.Read(context.Background(), node)
	if err != nil {
		t.Fatal(err)
	}
	if raw != "SELECT 2 -- longer" {
		t.Errorf("stale cache entry served after file change: %q", raw)
	}
}

func TestResolver_Invalidate(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "q.sql", "SELECT 1")

	r := NewResolver()
	node := discoverNode("q", map[string]interface{}{"location": path})
	if _, _, err := r.Read(context.Background(), node); err != nil {
		t.Fatal(err)
	}

	info, _ := os.Stat(path)
	if err := os.WriteFile(path, []byte("SELECT 9"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Chtimes(path, info.ModTime(), info.ModTime()); err != nil {
		t.Fatal(err)
	}

	r.Invalidate()
	raw, _, err := r.Read(context.Background(), node)
	if err != nil {
		t.Fatal(err)
	}
	if raw != "SELECT 9" {
		t.Errorf("Invalidate should force a fresh read, got %q", raw)
	}
}

// readProvider is exercised through a stub registry.
type stubProvider struct {
	attrs map[string]interface{}
	err   error
}

func (p *stubProvider) Create(context.Context, string, map[string]interface{}) (string, map[string]interface{}, error) {
	return "", nil, nil
}

func (p *stubProvider) Update(context.Context, string, []engine.Change, map[string]interface{}) (map[string]interface{}, error) {
	return nil, nil
}

func (p *stubProvider) Delete(context.Context, string) error { return nil }

func (p *stubProvider) Read(context.Context, string) (map[string]interface{}, error) {
	return p.attrs, p.err
}

type stubRegistry struct {
	providers map[string]engine.Provider
}

func (r *stubRegistry) Register(kind string, p engine.Provider) error {
	r.providers[kind] = p
	return nil
}

func (r *stubRegistry) Get(kind string) (engine.Provider, error) {
	p, ok := r.providers[kind]
	if !ok {
		return nil, engine.NewPermanentError("unknown provider "+kind, nil).
			WithCode(engine.ErrCodeProviderFailed)
	}
	return p, nil
}

func (r *stubRegistry) Kinds() []string { return nil }

func TestResolver_Read_ProviderQuery(t *testing.T) {
	reg := &stubRegistry{providers: map[string]engine.Provider{
		"postgres": &stubProvider{attrs: map[string]interface{}{"tables": []interface{}{"users"}}},
	}}
	r := NewResolver(WithProviders(reg))

	node := discoverNode("live_tables", map[string]interface{}{"provider": "postgres"})
	_, attrs, err := r.Read(context.Background(), node)
	if err != nil {
		t.Fatal(err)
	}
	tables, ok := attrs["tables"].([]interface{})
	if !ok || len(tables) != 1 || tables[0] != "users" {
		t.Errorf("unexpected provider attrs: %v", attrs)
	}
}

func TestResolver_Read_ProviderNotFoundIsRecoverable(t *testing.T) {
	reg := &stubRegistry{providers: map[string]engine.Provider{
		"postgres": &stubProvider{err: engine.NewRecoverableError("no such table", nil).
			WithCode(engine.ErrCodeResourceNotFound)},
	}}
	r := NewResolver(WithProviders(reg))

	node := discoverNode("missing", map[string]interface{}{"provider": "postgres"})
	_, _, err := r.Read(context.Background(), node)
	if err == nil {
		t.Fatal("expected error")
	}
	if !engine.IsRecoverable(err) || !engine.HasCode(err, engine.ErrCodeResourceNotFound) {
		t.Errorf("expected recoverable RESOURCE_NOT_FOUND, got %v", err)
	}
}

func TestResolver_Read_ProviderFailureIsTransient(t *testing.T) {
	reg := &stubRegistry{providers: map[string]engine.Provider{
		"postgres": &stubProvider{err: engine.NewPermanentError("connection refused", nil)},
	}}
	r := NewResolver(WithProviders(reg))

	node := discoverNode("down", map[string]interface{}{"provider": "postgres"})
	_, _, err := r.Read(context.Background(), node)
	if err == nil {
		t.Fatal("expected error")
	}
	if !engine.IsTransient(err) {
		t.Errorf("provider failure should classify transient: %v", err)
	}
}

// Package discover reads external files and systems into synthetic graph
// nodes. Reads are lazy: nothing touches disk or a provider until a consumer
// references the node's content. Reads are memoized per (kind, location)
// within a plan cycle, duplicate concurrent reads collapse into one, and
// cache entries invalidate when the file's modification time or the query
// fingerprint changes between runs.
package discover

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"gopkg.in/yaml.v3"

	"github.com/kolumn-data/kolumn/pkg/engine"
)

// supportedExtensions lists file formats the resolver can interpret. Anything
// else, and any content that sniffs as binary, is FILE_TYPE_UNSUPPORTED.
var supportedExtensions = map[string]struct{}{
	".sql": {}, ".json": {}, ".yaml": {}, ".yml": {},
	".py": {}, ".md": {}, ".txt": {}, ".csv": {}, ".kl": {},
	".sh": {}, ".tmpl": {},
}

type cacheEntry struct {
	raw         string
	attrs       map[string]interface{}
	fingerprint string
	err         error
}

// Resolver implements the lazy content source backing discover nodes. File
// locations read from disk; other kinds query the matching provider's Read.
type Resolver struct {
	providers engine.ProviderRegistry
	logger    zerolog.Logger

	mu      sync.Mutex
	cache   map[string]*cacheEntry
	group   singleflight.Group
	watcher *Watcher
}

// ResolverOption configures a Resolver.
type ResolverOption func(*Resolver)

// WithProviders supplies the registry used for non-file discovery queries.
func WithProviders(reg engine.ProviderRegistry) ResolverOption {
	return func(r *Resolver) { r.providers = reg }
}

// WithLogger supplies the component logger.
func WithLogger(logger zerolog.Logger) ResolverOption {
	return func(r *Resolver) { r.logger = logger }
}

// WithWatcher attaches a filesystem watcher that evicts cache entries when a
// discovered file changes on disk.
func WithWatcher(w *Watcher) ResolverOption {
	return func(r *Resolver) { r.watcher = w }
}

// NewResolver creates a discovery resolver.
func NewResolver(opts ...ResolverOption) *Resolver {
	r := &Resolver{
		logger: zerolog.Nop(),
		cache:  make(map[string]*cacheEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.watcher != nil {
		r.watcher.onChange = r.evict
	}
	return r
}

// Read fetches raw content and discovered attributes for a node. Concurrent
// reads of the same (kind, location) collapse into a single in-flight read.
func (r *Resolver) Read(ctx context.Context, node *engine.ResourceNode) (string, map[string]interface{}, error) {
	location := r.location(node)
	key := node.Kind + "|" + location

	// A fresh fingerprint invalidates stale entries from a prior run.
	r.mu.Lock()
	if entry, ok := r.cache[key]; ok {
		if entry.fingerprint == r.fingerprint(node, location) {
			r.mu.Unlock()
			return entry.raw, entry.attrs, entry.err
		}
		delete(r.cache, key)
	}
	r.mu.Unlock()

	v, err, _ := r.group.Do(key, func() (interface{}, error) {
		entry := r.read(ctx, node, location)
		r.mu.Lock()
		r.cache[key] = entry
		r.mu.Unlock()

		if r.watcher != nil && location != "" && entry.err == nil {
			if werr := r.watcher.Watch(location, key); werr != nil {
				r.logger.Warn().Str("location", location).Err(werr).Msg("watch failed")
			}
		}
		return entry, nil
	})
	if err != nil {
		return "", nil, err
	}
	entry := v.(*cacheEntry)
	return entry.raw, entry.attrs, entry.err
}

// read performs the actual external read.
func (r *Resolver) read(ctx context.Context, node *engine.ResourceNode, location string) *cacheEntry {
	if location != "" {
		return r.readFile(node, location)
	}
	return r.readProvider(ctx, node)
}

// readFile reads and interprets a file on disk.
func (r *Resolver) readFile(node *engine.ResourceNode, location string) *cacheEntry {
	entry := &cacheEntry{fingerprint: fileFingerprint(location)}

	ext := extOf(location)
	if _, ok := supportedExtensions[ext]; !ok {
		entry.err = engine.NewRecoverableError(
			fmt.Sprintf("unsupported file type %q for %s", ext, location), nil).
			WithCode(engine.ErrCodeFileTypeUnsupported).
			WithResource(node.ID())
		return entry
	}

	info, err := os.Stat(location)
	if err != nil {
		entry.err = engine.NewRecoverableError(
			fmt.Sprintf("discovered file %s not found", location), err).
			WithCode(engine.ErrCodeResourceNotFound).
			WithResource(node.ID())
		return entry
	}

	data, err := os.ReadFile(location)
	if err != nil {
		entry.err = engine.NewRecoverableError(
			fmt.Sprintf("reading discovered file %s", location), err).
			WithCode(engine.ErrCodeResourceNotFound).
			WithResource(node.ID())
		return entry
	}

	if looksBinary(data) {
		entry.err = engine.NewRecoverableError(
			fmt.Sprintf("discovered file %s is not a text format", location), nil).
			WithCode(engine.ErrCodeFileTypeUnsupported).
			WithResource(node.ID())
		return entry
	}

	entry.raw = string(data)
	entry.attrs = map[string]interface{}{
		"location": location,
		"size":     info.Size(),
		"modified": info.ModTime().UTC().Format("2006-01-02T15:04:05Z07:00"),
		"format":   strings.TrimPrefix(ext, "."),
	}

	// Structured formats also expose their parsed document for path access.
	switch ext {
	case ".json":
		var doc interface{}
		if err := json.Unmarshal(data, &doc); err == nil {
			entry.attrs["parsed"] = normalize(doc)
		}
	case ".yaml", ".yml":
		var doc interface{}
		if err := yaml.Unmarshal(data, &doc); err == nil {
			entry.attrs["parsed"] = normalize(doc)
		}
	}

	r.logger.Debug().Str("location", location).Int("bytes", len(data)).Msg("discovered file")
	return entry
}

// readProvider queries the provider for the node's kind.
func (r *Resolver) readProvider(ctx context.Context, node *engine.ResourceNode) *cacheEntry {
	entry := &cacheEntry{fingerprint: queryFingerprint(node)}

	if r.providers == nil {
		entry.err = engine.NewRecoverableError(
			fmt.Sprintf("no provider available for discovery of %s", node.ID()), nil).
			WithCode(engine.ErrCodeResourceNotFound).
			WithResource(node.ID())
		return entry
	}

	kind := providerKindOf(node)
	provider, err := r.providers.Get(kind)
	if err != nil {
		entry.err = engine.NewRecoverableError(
			fmt.Sprintf("no provider for kind %q", kind), err).
			WithCode(engine.ErrCodeResourceNotFound).
			WithResource(node.ID())
		return entry
	}

	attrs, err := provider.Read(ctx, node.ID())
	if err != nil {
		if engine.HasCode(err, engine.ErrCodeResourceNotFound) {
			entry.err = engine.NewRecoverableError(
				fmt.Sprintf("discovery query for %s returned nothing", node.ID()), err).
				WithCode(engine.ErrCodeResourceNotFound).
				WithResource(node.ID())
			return entry
		}
		entry.err = engine.NewTransientError(
			fmt.Sprintf("discovery query for %s failed", node.ID()), err).
			WithCode(engine.ErrCodeProviderFailed).
			WithResource(node.ID())
		return entry
	}

	entry.attrs = attrs
	return entry
}

// Invalidate clears the whole cache, forcing fresh reads on the next cycle.
func (r *Resolver) Invalidate() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.cache = make(map[string]*cacheEntry)
}

// evict removes a single cache entry, called by the watcher on file change.
func (r *Resolver) evict(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, key)
}

// fingerprint computes the current cache validity token for a node.
func (r *Resolver) fingerprint(node *engine.ResourceNode, location string) string {
	if location != "" {
		return fileFingerprint(location)
	}
	return queryFingerprint(node)
}

// providerKindOf picks the provider a non-file discovery queries. The block's
// provider attribute wins; the node kind prefix is the fallback.
func providerKindOf(node *engine.ResourceNode) string {
	if p, ok := node.Resolved["provider"].(string); ok && p != "" {
		return p
	}
	if p, ok := node.Raw["provider"].(string); ok && p != "" {
		return p
	}
	return node.ProviderKind()
}

func (r *Resolver) location(node *engine.ResourceNode) string {
	if loc, ok := node.Resolved["location"].(string); ok {
		return loc
	}
	if loc, ok := node.Raw["location"].(string); ok {
		return loc
	}
	return ""
}

// fileFingerprint derives a validity token from modification time and size.
func fileFingerprint(location string) string {
	info, err := os.Stat(location)
	if err != nil {
		return "missing"
	}
	return fmt.Sprintf("%d-%d", info.ModTime().UnixNano(), info.Size())
}

// queryFingerprint hashes the node's resolved query attributes.
func queryFingerprint(node *engine.ResourceNode) string {
	b, _ := json.Marshal(node.Resolved)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

func extOf(location string) string {
	if i := strings.LastIndex(location, "."); i >= 0 {
		return location[i:]
	}
	return ""
}

// looksBinary sniffs for NUL bytes in the leading content.
func looksBinary(data []byte) bool {
	limit := len(data)
	if limit > 8192 {
		limit = 8192
	}
	for _, b := range data[:limit] {
		if b == 0 {
			return true
		}
	}
	return false
}

// normalize converts YAML's map[interface{}]interface{} trees (and any other
// decoded structure) into map[string]interface{} for uniform path walking.
func normalize(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, e := range val {
			out[k] = normalize(e)
		}
		return out
	case map[interface{}]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, e := range val {
			out[fmt.Sprintf("%v", k)] = normalize(e)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = normalize(e)
		}
		return out
	default:
		return v
	}
}

package schema

import (
	"fmt"
	"sort"
	"sync"

	"github.com/kolumn-data/kolumn/pkg/engine"
)

// Registry owns every data object and classification in a configuration.
// Registration happens during load; resolution happens at interpolation and
// classification time. A reference to an unregistered data object is an
// UNKNOWN_DATA_OBJECT error.
type Registry struct {
	mu              sync.RWMutex
	dataObjects     map[string]*DataObject
	classifications map[string]*Classification
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		dataObjects:     make(map[string]*DataObject),
		classifications: make(map[string]*Classification),
	}
}

// Register adds a data object. Duplicate names and duplicate column names
// within one object are rejected.
func (r *Registry) Register(obj *DataObject) error {
	if obj.Name == "" {
		return engine.NewPermanentError("data object has empty name", nil).
			WithCode(engine.ErrCodeValidation)
	}

	seen := make(map[string]struct{}, len(obj.Columns))
	for _, col := range obj.Columns {
		if _, dup := seen[col.Name]; dup {
			return engine.NewPermanentError(
				fmt.Sprintf("duplicate column %q in data object %q", col.Name, obj.Name), nil).
				WithCode(engine.ErrCodeDuplicateColumn).
				WithResource("data_object."+obj.Name).
				WithSource(obj.DeclFile, obj.DeclLine)
		}
		seen[col.Name] = struct{}{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.dataObjects[obj.Name]; exists {
		return engine.NewPermanentError(
			fmt.Sprintf("duplicate data object %q", obj.Name), nil).
			WithCode(engine.ErrCodeDuplicateResource).
			WithResource("data_object." + obj.Name).
			WithSource(obj.DeclFile, obj.DeclLine)
	}

	r.dataObjects[obj.Name] = obj
	return nil
}

// Resolve returns the named data object or an UNKNOWN_DATA_OBJECT error.
func (r *Registry) Resolve(name string) (*DataObject, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	obj, ok := r.dataObjects[name]
	if !ok {
		return nil, engine.NewPermanentError(
			fmt.Sprintf("unknown data object %q", name), nil).
			WithCode(engine.ErrCodeUnknownDataObject).
			WithResource("data_object." + name)
	}
	return obj, nil
}

// DataObjects returns all registered data objects sorted by name.
func (r *Registry) DataObjects() []*DataObject {
	r.mu.RLock()
	defer r.mu.RUnlock()

	objs := make([]*DataObject, 0, len(r.dataObjects))
	for _, obj := range r.dataObjects {
		objs = append(objs, obj)
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].Name < objs[j].Name })
	return objs
}

// RegisterClassification adds a classification definition.
func (r *Registry) RegisterClassification(c *Classification) error {
	if c.Name == "" {
		return engine.NewPermanentError("classification has empty name", nil).
			WithCode(engine.ErrCodeValidation)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.classifications[c.Name]; exists {
		return engine.NewPermanentError(
			fmt.Sprintf("duplicate classification %q", c.Name), nil).
			WithCode(engine.ErrCodeDuplicateResource)
	}
	r.classifications[c.Name] = c
	return nil
}

// Classification returns the named classification, or nil when absent.
func (r *Registry) Classification(name string) *Classification {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.classifications[name]
}

// Classifications returns all registered classifications sorted by name.
func (r *Registry) Classifications() []*Classification {
	r.mu.RLock()
	defer r.mu.RUnlock()

	cs := make([]*Classification, 0, len(r.classifications))
	for _, c := range r.classifications {
		cs = append(cs, c)
	}
	sort.Slice(cs, func(i, j int) bool { return cs[i].Name < cs[j].Name })
	return cs
}

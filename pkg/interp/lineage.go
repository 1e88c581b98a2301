package interp

import (
	"sort"
	"sync"
)

// Lineage records which data object columns each resource node derives from.
// The classification engine consumes it to cascade column classifications to
// downstream nodes. An empty column set for an object means the node derives
// from every column (whole-object inheritance via dynamic iteration).
type Lineage struct {
	mu sync.Mutex

	// refs maps node ID -> data object name -> derived column names.
	refs map[string]map[string]map[string]struct{}

	// whole marks node/object pairs that inherit the full column set.
	whole map[string]map[string]bool
}

// NewLineage creates an empty lineage record.
func NewLineage() *Lineage {
	return &Lineage{
		refs:  make(map[string]map[string]map[string]struct{}),
		whole: make(map[string]map[string]bool),
	}
}

// RecordColumn records that nodeID derives from a single column of a data
// object.
func (l *Lineage) RecordColumn(nodeID, object, column string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensure(nodeID, object)
	l.refs[nodeID][object][column] = struct{}{}
}

// RecordObject records that nodeID derives from every column of a data
// object.
func (l *Lineage) RecordObject(nodeID, object string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.ensure(nodeID, object)
	l.whole[nodeID][object] = true
}

// Inherit copies the lineage of src onto dst: a node referencing another
// resource derives from everything that resource derives from.
func (l *Lineage) Inherit(dst, src string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for object, cols := range l.refs[src] {
		l.ensure(dst, object)
		for col := range cols {
			l.refs[dst][object][col] = struct{}{}
		}
		if l.whole[src][object] {
			l.whole[dst][object] = true
		}
	}
}

// Objects returns the data object names a node derives from, sorted.
func (l *Lineage) Objects(nodeID string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	objs := make([]string, 0, len(l.refs[nodeID]))
	for o := range l.refs[nodeID] {
		objs = append(objs, o)
	}
	sort.Strings(objs)
	return objs
}

// Columns returns the derived columns of an object for a node, sorted, and
// whether the node inherits the whole object.
func (l *Lineage) Columns(nodeID, object string) ([]string, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	set, ok := l.refs[nodeID][object]
	if !ok {
		return nil, false
	}
	cols := make([]string, 0, len(set))
	for c := range set {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols, l.whole[nodeID][object]
}

// Nodes returns every node ID with recorded lineage, sorted.
func (l *Lineage) Nodes() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	ids := make([]string, 0, len(l.refs))
	for id := range l.refs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (l *Lineage) ensure(nodeID, object string) {
	if l.refs[nodeID] == nil {
		l.refs[nodeID] = make(map[string]map[string]struct{})
	}
	if l.refs[nodeID][object] == nil {
		l.refs[nodeID][object] = make(map[string]struct{})
	}
	if l.whole[nodeID] == nil {
		l.whole[nodeID] = make(map[string]bool)
	}
}

package interp

import (
	"os"

	"github.com/kolumn-data/kolumn/pkg/schema"
)

// Scope exposes uniform path lookup for one reference scope. Each scope type
// resolves a dot-separated path to a value; the boolean reports whether every
// segment resolved.
type Scope interface {
	Get(path []string) (interface{}, bool)
}

// MapScope resolves paths against a plain nested map. Variables and discover
// inputs use it.
type MapScope map[string]interface{}

// Get walks the path through nested maps and lists.
func (m MapScope) Get(path []string) (interface{}, bool) {
	return walkPath(map[string]interface{}(m), path)
}

// EnvScope resolves single-segment paths against process environment
// variables.
type EnvScope struct{}

// Get returns the environment variable named by the path.
func (EnvScope) Get(path []string) (interface{}, bool) {
	if len(path) != 1 {
		return nil, false
	}
	v, ok := os.LookupEnv(path[0])
	return v, ok
}

// DataObjectScope resolves data_object references against the schema
// registry: `${data_object.users}` yields the object itself as a map,
// `${data_object.users.columns}` the ordered column list,
// `${data_object.users.columns.email.type}` a single column property.
type DataObjectScope struct {
	Registry *schema.Registry
}

// Get resolves a data object path.
func (s DataObjectScope) Get(path []string) (interface{}, bool) {
	if len(path) == 0 {
		return nil, false
	}
	obj, err := s.Registry.Resolve(path[0])
	if err != nil {
		return nil, false
	}

	if len(path) == 1 {
		return dataObjectAsMap(obj), true
	}

	switch path[1] {
	case "name":
		return obj.Name, len(path) == 2
	case "column_names":
		names := make([]interface{}, 0, len(obj.Columns))
		for _, n := range obj.ColumnNames() {
			names = append(names, n)
		}
		return names, len(path) == 2
	case "columns":
		if len(path) == 2 {
			return columnsAsList(obj), true
		}
		col := obj.Column(path[2])
		if col == nil {
			return nil, false
		}
		if len(path) == 3 {
			return columnAsMap(col), true
		}
		return walkPath(columnAsMap(col), path[3:])
	default:
		return nil, false
	}
}

func dataObjectAsMap(obj *schema.DataObject) map[string]interface{} {
	return map[string]interface{}{
		"name":    obj.Name,
		"columns": columnsAsList(obj),
	}
}

func columnsAsList(obj *schema.DataObject) []interface{} {
	cols := make([]interface{}, 0, len(obj.Columns))
	for i := range obj.Columns {
		cols = append(cols, columnAsMap(&obj.Columns[i]))
	}
	return cols
}

func columnAsMap(col *schema.Column) map[string]interface{} {
	m := map[string]interface{}{
		"name":     col.Name,
		"type":     col.Type,
		"nullable": col.Nullable,
	}
	if col.PrimaryKey {
		m["primary_key"] = true
	}
	if col.Default != "" {
		m["default"] = col.Default
	}
	if len(col.Classifications) > 0 {
		cs := make([]interface{}, 0, len(col.Classifications))
		for _, c := range col.Classifications {
			cs = append(cs, c)
		}
		m["classifications"] = cs
	}
	return m
}

// walkPath descends a value through dot-path segments. Maps index by key;
// lists of column-like maps index by their "name" entry.
func walkPath(v interface{}, path []string) (interface{}, bool) {
	cur := v
	for _, seg := range path {
		switch c := cur.(type) {
		case map[string]interface{}:
			next, ok := c[seg]
			if !ok {
				return nil, false
			}
			cur = next
		case []interface{}:
			found := false
			for _, e := range c {
				if m, ok := e.(map[string]interface{}); ok {
					if name, ok := m["name"].(string); ok && name == seg {
						cur = m
						found = true
						break
					}
				}
			}
			if !found {
				return nil, false
			}
		default:
			return nil, false
		}
	}
	return cur, true
}

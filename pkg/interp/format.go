package interp

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// ContentType selects the substitution formatting policy for a destination
// document. The table is fixed per content type, never inferred from values.
type ContentType string

const (
	// ContentRaw substitutes values with plain string conversion.
	ContentRaw ContentType = "raw"

	// ContentSQL substitutes strings as single-quoted SQL literals.
	ContentSQL ContentType = "sql"

	// ContentJSON substitutes values as JSON literals.
	ContentJSON ContentType = "json"

	// ContentYAML substitutes scalars with YAML quoting rules.
	ContentYAML ContentType = "yaml"
)

// ContentTypeForLocation maps a file location to its content type by
// extension. Unknown extensions fall back to raw substitution.
func ContentTypeForLocation(location string) ContentType {
	switch {
	case strings.HasSuffix(location, ".sql"):
		return ContentSQL
	case strings.HasSuffix(location, ".json"):
		return ContentJSON
	case strings.HasSuffix(location, ".yaml"), strings.HasSuffix(location, ".yml"):
		return ContentYAML
	default:
		return ContentRaw
	}
}

// FormatValue renders a resolved value for substitution into a document of
// the given content type. Numeric and boolean rendering is locale-independent
// and strings are never truncated.
func FormatValue(ct ContentType, v interface{}) string {
	switch ct {
	case ContentSQL:
		return formatSQL(v)
	case ContentJSON:
		return formatJSON(v)
	case ContentYAML:
		return formatYAML(v)
	default:
		return formatRaw(v)
	}
}

func formatRaw(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case bool:
		return strconv.FormatBool(val)
	case int:
		return strconv.Itoa(val)
	case int64:
		return strconv.FormatInt(val, 10)
	case float64:
		return strconv.FormatFloat(val, 'g', -1, 64)
	case []interface{}:
		parts := make([]string, len(val))
		for i, e := range val {
			parts[i] = formatRaw(e)
		}
		return strings.Join(parts, ",")
	default:
		return fmt.Sprintf("%v", val)
	}
}

func formatSQL(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	case bool:
		if val {
			return "TRUE"
		}
		return "FALSE"
	case []interface{}:
		parts := make([]string, len(val))
		for i, e := range val {
			parts[i] = formatSQL(e)
		}
		return strings.Join(parts, ", ")
	default:
		return formatRaw(v)
	}
}

func formatJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		// Unmarshalable values (channels, funcs) never appear in resolved
		// attribute maps; fall back to raw rendering if one slips through.
		return formatRaw(v)
	}
	return string(b)
}

func formatYAML(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case string:
		if needsYAMLQuoting(val) {
			return strconv.Quote(val)
		}
		return val
	case bool:
		return strconv.FormatBool(val)
	default:
		return formatRaw(v)
	}
}

// needsYAMLQuoting reports whether a string scalar would be misread by a
// YAML parser without quoting.
func needsYAMLQuoting(s string) bool {
	if s == "" {
		return true
	}
	switch strings.ToLower(s) {
	case "true", "false", "null", "yes", "no", "on", "off", "~":
		return true
	}
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return true
	}
	return strings.ContainsAny(s, ":#{}[],&*!|>'\"%@`\n")
}

// Package postgres implements the provider for postgres_* resource kinds.
// Tables and schemas materialize as DDL; security requirements synthesized by
// the classification engine record as column comments so database operators
// can audit which columns carry encryption and masking obligations.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strings"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"github.com/kolumn-data/kolumn/pkg/engine"
)

// Provider executes DDL against one PostgreSQL database.
type Provider struct {
	db     *sql.DB
	logger zerolog.Logger
}

// Config is the provider block configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// ConfigFromAttrs builds a Config from a resolved provider block.
func ConfigFromAttrs(attrs map[string]interface{}) Config {
	cfg := Config{
		Host:    "localhost",
		Port:    5432,
		SSLMode: "disable",
	}
	if s, ok := attrs["host"].(string); ok {
		cfg.Host = s
	}
	if n, ok := attrs["port"].(int); ok {
		cfg.Port = n
	}
	if s, ok := attrs["user"].(string); ok {
		cfg.User = s
	}
	if s, ok := attrs["password"].(string); ok {
		cfg.Password = s
	}
	if s, ok := attrs["database"].(string); ok {
		cfg.Database = s
	}
	if s, ok := attrs["sslmode"].(string); ok {
		cfg.SSLMode = s
	}
	return cfg
}

// Connect opens and verifies a database connection.
func Connect(ctx context.Context, cfg Config, logger zerolog.Logger) (*Provider, error) {
	dsn := fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode)

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, engine.NewTransientError("opening postgres connection", err).
			WithCode(engine.ErrCodeProviderFailed)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, engine.NewTransientError(
			fmt.Sprintf("postgres at %s:%d unreachable", cfg.Host, cfg.Port), err).
			WithCode(engine.ErrCodeProviderFailed)
	}
	return &Provider{db: db, logger: logger}, nil
}

// New wraps an existing connection, primarily for tests.
func New(db *sql.DB, logger zerolog.Logger) *Provider {
	return &Provider{db: db, logger: logger}
}

// Close releases the database connection.
func (p *Provider) Close() error {
	return p.db.Close()
}

// Create provisions a table or schema from resolved attributes.
func (p *Provider) Create(ctx context.Context, resourceID string, attrs map[string]interface{}) (string, map[string]interface{}, error) {
	switch kindOf(resourceID) {
	case "postgres_schema":
		return p.createSchema(ctx, resourceID, attrs)
	case "postgres_table":
		return p.createTable(ctx, resourceID, attrs)
	default:
		return "", nil, unsupported(resourceID)
	}
}

func (p *Provider) createSchema(ctx context.Context, resourceID string, attrs map[string]interface{}) (string, map[string]interface{}, error) {
	name := objectName(resourceID, attrs)
	stmt := fmt.Sprintf("CREATE SCHEMA %s", pq.QuoteIdentifier(name))
	if _, err := p.db.ExecContext(ctx, stmt); err != nil {
		return "", nil, ddlError(resourceID, stmt, err)
	}
	p.logger.Info().Str("schema", name).Msg("schema created")
	return name, attrs, nil
}

func (p *Provider) createTable(ctx context.Context, resourceID string, attrs map[string]interface{}) (string, map[string]interface{}, error) {
	table := qualifiedName(resourceID, attrs)
	cols := columnSpecs(attrs)
	if len(cols) == 0 {
		return "", nil, engine.NewPermanentError(
			fmt.Sprintf("table %s declares no columns", resourceID), nil).
			WithCode(engine.ErrCodeValidation).
			WithResource(resourceID)
	}

	var defs []string
	var pks []string
	for _, col := range cols {
		defs = append(defs, col.definition())
		if col.primaryKey {
			pks = append(pks, pq.QuoteIdentifier(col.name))
		}
	}
	if len(pks) > 0 {
		defs = append(defs, "PRIMARY KEY ("+strings.Join(pks, ", ")+")")
	}

	stmt := fmt.Sprintf("CREATE TABLE %s (\n  %s\n)", table, strings.Join(defs, ",\n  "))
	if _, err := p.db.ExecContext(ctx, stmt); err != nil {
		return "", nil, ddlError(resourceID, stmt, err)
	}

	if err := p.commentTransformations(ctx, resourceID, table, attrs); err != nil {
		return "", nil, err
	}

	p.logger.Info().Str("table", table).Int("columns", len(cols)).Msg("table created")
	return table, attrs, nil
}

// Update reconciles an existing table's columns with the desired set: missing
// columns are added, extra columns dropped, and security comments refreshed.
// Type changes on existing columns are rejected rather than guessed at.
func (p *Provider) Update(ctx context.Context, resourceID string, diff []engine.Change, attrs map[string]interface{}) (map[string]interface{}, error) {
	if kindOf(resourceID) != "postgres_table" {
		return attrs, nil
	}
	table := qualifiedName(resourceID, attrs)

	current, err := p.currentColumns(ctx, resourceID, attrs)
	if err != nil {
		return nil, err
	}

	desired := columnSpecs(attrs)
	desiredNames := make(map[string]columnSpec, len(desired))
	for _, col := range desired {
		desiredNames[col.name] = col
	}

	for _, col := range desired {
		if _, exists := current[col.name]; exists {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s", table, col.definition())
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return nil, ddlError(resourceID, stmt, err)
		}
	}
	for name := range current {
		if _, wanted := desiredNames[name]; wanted {
			continue
		}
		stmt := fmt.Sprintf("ALTER TABLE %s DROP COLUMN %s", table, pq.QuoteIdentifier(name))
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return nil, ddlError(resourceID, stmt, err)
		}
	}

	for _, change := range diff {
		if strings.HasPrefix(change.Path, "columns.") && change.Action == engine.ChangeActionModify {
			return nil, engine.NewPermanentError(
				fmt.Sprintf("column change %s on %s requires manual migration", change.Path, resourceID), nil).
				WithCode(engine.ErrCodeProviderFailed).
				WithResource(resourceID)
		}
	}

	if err := p.commentTransformations(ctx, resourceID, table, attrs); err != nil {
		return nil, err
	}
	return attrs, nil
}

// Delete drops the table or schema.
func (p *Provider) Delete(ctx context.Context, resourceID string) error {
	name := objectName(resourceID, nil)
	var stmt string
	switch kindOf(resourceID) {
	case "postgres_schema":
		stmt = fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", pq.QuoteIdentifier(name))
	case "postgres_table":
		stmt = fmt.Sprintf("DROP TABLE IF EXISTS %s", pq.QuoteIdentifier(name))
	default:
		return unsupported(resourceID)
	}
	if _, err := p.db.ExecContext(ctx, stmt); err != nil {
		return ddlError(resourceID, stmt, err)
	}
	return nil
}

// Read returns the live column set of a table.
func (p *Provider) Read(ctx context.Context, resourceID string) (map[string]interface{}, error) {
	if kindOf(resourceID) != "postgres_table" {
		return nil, unsupported(resourceID)
	}

	current, err := p.currentColumns(ctx, resourceID, nil)
	if err != nil {
		return nil, err
	}
	if len(current) == 0 {
		return nil, engine.NewRecoverableError(
			fmt.Sprintf("table %s not found", resourceID), nil).
			WithCode(engine.ErrCodeResourceNotFound).
			WithResource(resourceID)
	}

	names := make([]string, 0, len(current))
	for name := range current {
		names = append(names, name)
	}
	sort.Strings(names)

	cols := make([]interface{}, 0, len(names))
	for _, name := range names {
		cols = append(cols, map[string]interface{}{
			"name": name,
			"type": current[name],
		})
	}
	return map[string]interface{}{
		"name":    objectName(resourceID, nil),
		"columns": cols,
	}, nil
}

// currentColumns queries information_schema for the table's column types.
func (p *Provider) currentColumns(ctx context.Context, resourceID string, attrs map[string]interface{}) (map[string]string, error) {
	schemaName := "public"
	if s, ok := attrs["schema"].(string); ok && s != "" {
		schemaName = s
	}
	tableName := objectName(resourceID, attrs)

	rows, err := p.db.QueryContext(ctx, `
		SELECT column_name, data_type
		FROM information_schema.columns
		WHERE table_schema = $1 AND table_name = $2
	`, schemaName, tableName)
	if err != nil {
		return nil, engine.NewTransientError(
			fmt.Sprintf("inspecting table %s", resourceID), err).
			WithCode(engine.ErrCodeProviderFailed).
			WithResource(resourceID)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var name, typ string
		if err := rows.Scan(&name, &typ); err != nil {
			return nil, engine.NewTransientError(
				fmt.Sprintf("inspecting table %s", resourceID), err).
				WithCode(engine.ErrCodeProviderFailed).
				WithResource(resourceID)
		}
		out[name] = typ
	}
	return out, rows.Err()
}

// commentTransformations records synthesized security requirements as column
// comments.
func (p *Provider) commentTransformations(ctx context.Context, resourceID, table string, attrs map[string]interface{}) error {
	transforms, ok := attrs["column_transformations"].(map[string]interface{})
	if !ok {
		return nil
	}

	names := make([]string, 0, len(transforms))
	for name := range transforms {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		spec, ok := transforms[name].(map[string]interface{})
		if !ok {
			continue
		}
		var parts []string
		if v, ok := spec["encryption_method"].(string); ok && v != "" {
			parts = append(parts, "encryption="+v)
		}
		if v, ok := spec["masking_rule"].(string); ok && v != "" {
			parts = append(parts, "masking="+v)
		}
		if len(parts) == 0 {
			continue
		}
		comment := strings.Join(parts, " ")
		stmt := fmt.Sprintf("COMMENT ON COLUMN %s.%s IS %s",
			table, pq.QuoteIdentifier(name), pq.QuoteLiteral(comment))
		if _, err := p.db.ExecContext(ctx, stmt); err != nil {
			return ddlError(resourceID, stmt, err)
		}
	}
	return nil
}

// columnSpec is one column definition extracted from resolved attributes.
type columnSpec struct {
	name       string
	typ        string
	nullable   bool
	primaryKey bool
	def        interface{}
}

func (c columnSpec) definition() string {
	var b strings.Builder
	b.WriteString(pq.QuoteIdentifier(c.name))
	b.WriteByte(' ')
	b.WriteString(sqlType(c.typ))
	if !c.nullable {
		b.WriteString(" NOT NULL")
	}
	if c.def != nil {
		b.WriteString(" DEFAULT ")
		b.WriteString(defaultLiteral(c.def))
	}
	return b.String()
}

func columnSpecs(attrs map[string]interface{}) []columnSpec {
	list, ok := attrs["columns"].([]interface{})
	if !ok {
		return nil
	}
	out := make([]columnSpec, 0, len(list))
	for _, e := range list {
		m, ok := e.(map[string]interface{})
		if !ok {
			continue
		}
		col := columnSpec{nullable: true}
		if s, ok := m["name"].(string); ok {
			col.name = s
		}
		if s, ok := m["type"].(string); ok {
			col.typ = s
		}
		if b, ok := m["nullable"].(bool); ok {
			col.nullable = b
		}
		if b, ok := m["primary_key"].(bool); ok {
			col.primaryKey = b
		}
		col.def = m["default"]
		if col.name != "" {
			out = append(out, col)
		}
	}
	return out
}

// sqlType maps configuration column types to PostgreSQL types. Unknown types
// pass through verbatim so native types keep working.
func sqlType(t string) string {
	switch strings.ToLower(t) {
	case "string":
		return "TEXT"
	case "number":
		return "NUMERIC"
	case "int", "integer":
		return "INTEGER"
	case "bool", "boolean":
		return "BOOLEAN"
	case "timestamp":
		return "TIMESTAMPTZ"
	case "uuid":
		return "UUID"
	case "json":
		return "JSONB"
	case "":
		return "TEXT"
	default:
		return t
	}
}

func defaultLiteral(v interface{}) string {
	switch val := v.(type) {
	case string:
		return pq.QuoteLiteral(val)
	case bool:
		if val {
			return "TRUE"
		}
		return "FALSE"
	default:
		return fmt.Sprintf("%v", val)
	}
}

// qualifiedName returns schema.table with both parts quoted.
func qualifiedName(resourceID string, attrs map[string]interface{}) string {
	schemaName := "public"
	if s, ok := attrs["schema"].(string); ok && s != "" {
		schemaName = s
	}
	return pq.QuoteIdentifier(schemaName) + "." + pq.QuoteIdentifier(objectName(resourceID, attrs))
}

// objectName prefers an explicit name attribute over the resource name.
func objectName(resourceID string, attrs map[string]interface{}) string {
	if s, ok := attrs["name"].(string); ok && s != "" {
		return s
	}
	if i := strings.LastIndex(resourceID, "."); i >= 0 {
		return resourceID[i+1:]
	}
	return resourceID
}

func kindOf(resourceID string) string {
	if i := strings.Index(resourceID, "."); i > 0 {
		return resourceID[:i]
	}
	return resourceID
}

func unsupported(resourceID string) *engine.EngineError {
	return engine.NewPermanentError(
		fmt.Sprintf("resource kind of %s not supported by the postgres provider", resourceID), nil).
		WithCode(engine.ErrCodeProviderFailed).
		WithResource(resourceID)
}

func ddlError(resourceID, stmt string, err error) *engine.EngineError {
	return engine.NewPermanentError(
		fmt.Sprintf("executing DDL for %s", resourceID), err).
		WithCode(engine.ErrCodeProviderFailed).
		WithResource(resourceID).
		WithDetail("statement", stmt)
}

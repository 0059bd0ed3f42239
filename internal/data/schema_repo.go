package data

import (
	"context"
	"fmt"
	"strings"

	"sqlinx/internal/core"
)

var _ core.SchemaBrowser = (*SchemaRepo)(nil)

// SchemaRepo reads table and column metadata from whatever engine a handle points at.
type SchemaRepo struct{}

func NewSchemaRepo() *SchemaRepo {
	return &SchemaRepo{}
}

const (
	sqliteTablesQuery = `SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`

	postgresTablesQuery = `SELECT table_name FROM information_schema.tables
WHERE table_schema = current_schema() AND table_type = 'BASE TABLE' ORDER BY table_name`

	mysqlTablesQuery = `SELECT table_name FROM information_schema.tables
WHERE table_schema = DATABASE() AND table_type = 'BASE TABLE' ORDER BY table_name`

	sqlserverTablesQuery = `SELECT name FROM sys.tables ORDER BY name`

	postgresColumnsQuery = `SELECT c.column_name, c.data_type, c.is_nullable,
  CASE WHEN EXISTS (
    SELECT 1 FROM information_schema.table_constraints tc
    JOIN information_schema.key_column_usage k
      ON tc.constraint_name = k.constraint_name AND tc.table_schema = k.table_schema
    WHERE tc.constraint_type = 'PRIMARY KEY'
      AND k.table_schema = c.table_schema AND k.table_name = c.table_name AND k.column_name = c.column_name
  ) THEN 1 ELSE 0 END
FROM information_schema.columns c
WHERE c.table_schema = current_schema() AND c.table_name = $1
ORDER BY c.ordinal_position`

	mysqlColumnsQuery = `SELECT column_name, column_type, is_nullable, CASE WHEN column_key = 'PRI' THEN 1 ELSE 0 END
FROM information_schema.columns
WHERE table_schema = DATABASE() AND table_name = ?
ORDER BY ordinal_position`

	sqlserverColumnsQuery = `SELECT c.name, t.name, CASE WHEN c.is_nullable = 1 THEN 'YES' ELSE 'NO' END,
  CASE WHEN ic.column_id IS NULL THEN 0 ELSE 1 END
FROM sys.columns c
JOIN sys.types t ON c.user_type_id = t.user_type_id
LEFT JOIN sys.indexes i ON i.object_id = c.object_id AND i.is_primary_key = 1
LEFT JOIN sys.index_columns ic ON ic.object_id = i.object_id AND ic.index_id = i.index_id AND ic.column_id = c.column_id
WHERE c.object_id = OBJECT_ID(%s)
ORDER BY c.column_id`
)

func (r *SchemaRepo) Tables(ctx context.Context, h *core.Handle) ([]string, error) {
	if h == nil || h.DB == nil {
		return nil, core.ErrNoConnection
	}

	var query string
	switch {
	case h.Kind.IsSQLite():
		query = sqliteTablesQuery
	case h.Kind == core.KindPostgres:
		query = postgresTablesQuery
	case h.Kind == core.KindMySQL:
		query = mysqlTablesQuery
	case h.Kind == core.KindSQLServer:
		query = sqlserverTablesQuery
	default:
		return nil, fmt.Errorf("unsupported kind %q", h.Kind)
	}

	rows, err := h.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

func (r *SchemaRepo) Columns(ctx context.Context, h *core.Handle, table string) ([]core.ColumnInfo, error) {
	if h == nil || h.DB == nil {
		return nil, core.ErrNoConnection
	}
	if h.Kind.IsSQLite() {
		return r.sqliteColumns(ctx, h, table)
	}

	var query string
	switch h.Kind {
	case core.KindPostgres:
		query = postgresColumnsQuery
	case core.KindMySQL:
		query = mysqlColumnsQuery
	case core.KindSQLServer:
		ph := "@p1"
		if h.Placeholder() == core.PlaceholderQuestion {
			ph = "?"
		}
		query = fmt.Sprintf(sqlserverColumnsQuery, ph)
	default:
		return nil, fmt.Errorf("unsupported kind %q", h.Kind)
	}

	rows, err := h.DB.QueryContext(ctx, query, table)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []core.ColumnInfo
	for rows.Next() {
		var (
			c        core.ColumnInfo
			nullable string
			pk       int
		)
		if err := rows.Scan(&c.Name, &c.Type, &nullable, &pk); err != nil {
			return nil, err
		}
		c.Nullable = strings.EqualFold(nullable, "YES")
		c.PrimaryKey = pk == 1
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

func (r *SchemaRepo) sqliteColumns(ctx context.Context, h *core.Handle, table string) ([]core.ColumnInfo, error) {
	rows, err := h.DB.QueryContext(ctx, "PRAGMA table_info("+core.QuoteIdentifier(table)+")")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var cols []core.ColumnInfo
	for rows.Next() {
		var (
			cid     int
			c       core.ColumnInfo
			notNull int
			dflt    any
			pk      int
		)
		if err := rows.Scan(&cid, &c.Name, &c.Type, &notNull, &dflt, &pk); err != nil {
			return nil, err
		}
		c.Nullable = notNull == 0
		c.PrimaryKey = pk > 0
		cols = append(cols, c)
	}
	return cols, rows.Err()
}

// SampleQuickActions are the canned queries offered for the sample database.
var SampleQuickActions = []core.QuickAction{
	{Label: "Show all employees", SQL: "SELECT * FROM employees;"},
	{Label: "High salary employees", SQL: "SELECT * FROM employees WHERE salary > 65000;"},
	{Label: "Count by department", SQL: "SELECT department, COUNT(*) AS count FROM employees GROUP BY department;"},
	{Label: "Join employees & departments", SQL: "SELECT e.name, e.salary, d.budget\nFROM employees e\nJOIN departments d ON e.department = d.name;"},
	{Label: "Show table structure", SQL: "PRAGMA table_info(employees);"},
}

// QuickActions returns canned queries for the connected kind and its tables.
func QuickActions(kind core.Kind, tables []string) []core.QuickAction {
	if kind == core.KindSQLiteSample {
		return SampleQuickActions
	}

	var actions []core.QuickAction
	for _, t := range tables {
		q := core.QuoteIdentifier(t)
		if kind == core.KindMySQL {
			q = "`" + strings.ReplaceAll(t, "`", "``") + "`"
		}
		switch {
		case kind.IsSQLite():
			actions = append(actions,
				core.QuickAction{Label: "Show all " + t, SQL: "SELECT * FROM " + q + " LIMIT 100;"},
				core.QuickAction{Label: "Count " + t + " records", SQL: "SELECT COUNT(*) AS total_records FROM " + q + ";"},
				core.QuickAction{Label: "Show " + t + " structure", SQL: "PRAGMA table_info(" + q + ");"},
				core.QuickAction{Label: "Sample from " + t, SQL: "SELECT * FROM " + q + " ORDER BY RANDOM() LIMIT 10;"},
			)
		case kind == core.KindSQLServer:
			actions = append(actions,
				core.QuickAction{Label: "Show all " + t, SQL: "SELECT TOP 100 * FROM " + q + ";"},
				core.QuickAction{Label: "Count " + t + " records", SQL: "SELECT COUNT(*) AS total_records FROM " + q + ";"},
			)
		default:
			actions = append(actions,
				core.QuickAction{Label: "Show all " + t, SQL: "SELECT * FROM " + q + " LIMIT 100;"},
				core.QuickAction{Label: "Count " + t + " records", SQL: "SELECT COUNT(*) AS total_records FROM " + q + ";"},
			)
		}
	}
	return actions
}

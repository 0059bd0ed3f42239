package core

import (
	"time"
)

// Kind identifies the source a session is connected to.
type Kind string

const (
	KindSQLiteSample    Kind = "sqlite-sample"
	KindSQLiteUpload    Kind = "sqlite-upload"
	KindSQLiteConverted Kind = "sqlite-converted"
	KindPostgres        Kind = "postgres"
	KindMySQL           Kind = "mysql"
	KindSQLServer       Kind = "sqlserver"
)

// Kinds lists every supported kind in the order the UI offers them.
var Kinds = []Kind{KindSQLiteSample, KindSQLiteUpload, KindSQLiteConverted, KindPostgres, KindMySQL, KindSQLServer}

// IsSQLite reports whether the kind is served by the embedded SQLite engine.
func (k Kind) IsSQLite() bool {
	return k == KindSQLiteSample || k == KindSQLiteUpload || k == KindSQLiteConverted
}

// DefaultPort returns the conventional port for external kinds, 0 otherwise.
func (k Kind) DefaultPort() int {
	switch k {
	case KindPostgres:
		return 5432
	case KindMySQL:
		return 3306
	case KindSQLServer:
		return 1433
	}
	return 0
}

// Label is the human readable name shown in the UI.
func (k Kind) Label() string {
	switch k {
	case KindSQLiteSample:
		return "SQLite (Sample Data)"
	case KindSQLiteUpload:
		return "SQLite (File Upload)"
	case KindSQLiteConverted:
		return "SQLite (Converted CSV/JSON)"
	case KindPostgres:
		return "PostgreSQL"
	case KindMySQL:
		return "MySQL"
	case KindSQLServer:
		return "SQL Server"
	}
	return string(k)
}

// ParseKind validates a kind coming from a form or JSON body.
func ParseKind(s string) (Kind, bool) {
	for _, k := range Kinds {
		if string(k) == s {
			return k, true
		}
	}
	return "", false
}

type ConnectionConfig struct {
	Kind     Kind   `json:"kind"`
	Host     string `json:"host,omitempty"`
	Port     int    `json:"port,omitempty"`
	User     string `json:"user,omitempty"`
	Password string `json:"-"`
	Database string `json:"database,omitempty"`
	FilePath string `json:"file_path,omitempty"`
	// Driver names an ODBC driver for SQL Server. Empty selects the native driver.
	Driver string `json:"driver,omitempty"`
}

// Describe renders the config without secrets, for logs and the UI.
func (c ConnectionConfig) Describe() string {
	if c.Kind.IsSQLite() {
		return c.Kind.Label()
	}
	return c.Kind.Label() + " " + c.User + "@" + c.Host + "/" + c.Database
}

// ColumnType is the inferred type of a result or converted column.
type ColumnType string

const (
	TypeString   ColumnType = "string"
	TypeInt      ColumnType = "int"
	TypeFloat    ColumnType = "float"
	TypeBool     ColumnType = "bool"
	TypeDatetime ColumnType = "datetime"
	TypeBytes    ColumnType = "bytes"
	TypeNull     ColumnType = "null"
)

// SQLiteType maps the column type onto a SQLite storage class.
func (t ColumnType) SQLiteType() string {
	switch t {
	case TypeInt, TypeBool:
		return "INTEGER"
	case TypeFloat:
		return "REAL"
	case TypeDatetime:
		return "DATETIME"
	case TypeBytes:
		return "BLOB"
	}
	return "TEXT"
}

// ParseColumnType accepts a type name from user overrides.
func ParseColumnType(s string) (ColumnType, bool) {
	switch ColumnType(s) {
	case TypeString, TypeInt, TypeFloat, TypeBool, TypeDatetime:
		return ColumnType(s), true
	case "text":
		return TypeString, true
	case "integer":
		return TypeInt, true
	case "real":
		return TypeFloat, true
	}
	return "", false
}

type Column struct {
	Name string     `json:"name"`
	Type ColumnType `json:"type"`
}

type StatementKind string

const (
	StatementRows StatementKind = "rows"
	StatementExec StatementKind = "exec"
)

// QueryResult is replaced wholesale by the next query; callers must not mutate it.
type QueryResult struct {
	Columns      []Column      `json:"columns"`
	Rows         [][]any       `json:"rows"`
	RowCount     int           `json:"row_count"`
	Statement    StatementKind `json:"statement"`
	RowsAffected int64         `json:"rows_affected,omitempty"`
	Duration     time.Duration `json:"duration_ns"`
}

// ColumnNames returns the column names in result order.
func (r *QueryResult) ColumnNames() []string {
	names := make([]string, len(r.Columns))
	for i, c := range r.Columns {
		names[i] = c.Name
	}
	return names
}

type HistoryEntry struct {
	Query        string        `json:"query"`
	ExecutedAt   time.Time     `json:"executed_at"`
	Success      bool          `json:"success"`
	ErrorMessage string        `json:"error_message,omitempty"`
	RowCount     int           `json:"row_count"`
	Duration     time.Duration `json:"duration_ns"`
}

// QueryPreview returns a truncated version of the query
func (e HistoryEntry) QueryPreview(maxLen int) string {
	q := e.Query
	if len(q) > maxLen {
		return q[:maxLen-3] + "..."
	}
	return q
}

type FileFormat string

const (
	FormatCSV  FileFormat = "csv"
	FormatJSON FileFormat = "json"
	FormatXLSX FileFormat = "xlsx"
)

type Compression string

const (
	CompressionNone Compression = ""
	CompressionGZ   Compression = "gz"
	CompressionBZ2  Compression = "bz2"
	CompressionXZ   Compression = "xz"
	CompressionZSTD Compression = "zst"
)

// DefaultSampleLimit caps converted tables unless the caller asks otherwise.
const DefaultSampleLimit = 10000

type ConversionSpec struct {
	SourceName  string
	Format      FileFormat
	Compression Compression
	TargetTable string
	// SampleLimit keeps the first N rows. Zero or negative keeps everything.
	SampleLimit   int
	TypeOverrides map[string]ColumnType
}

type ConversionResult struct {
	TableName      string   `json:"table_name"`
	RowCount       int      `json:"row_count"`
	SourceRowCount int      `json:"source_row_count"`
	Columns        []Column `json:"columns"`
	Warnings       int      `json:"warnings"`
	DatabasePath   string   `json:"-"`
}

// Truncated reports whether the sample limit dropped rows.
func (r *ConversionResult) Truncated() bool {
	return r.SourceRowCount > r.RowCount
}

// FilePreview describes an upload before it is converted.
type FilePreview struct {
	Format   FileFormat `json:"format"`
	RowCount int        `json:"row_count"`
	Columns  []Column   `json:"columns"`
	Rows     [][]any    `json:"rows"`
}

type InsightMode string

const (
	ModeAnalyze              InsightMode = "analyze"
	ModeSuggestVisualization InsightMode = "suggest-visualization"
	ModeCustomQuestion       InsightMode = "custom-question"
	ModeExplainQuery         InsightMode = "explain-query"
	ModeGenerateSQL          InsightMode = "generate-sql"
)

// NeedsQuestion reports whether the mode is driven by a user-typed question.
func (m InsightMode) NeedsQuestion() bool {
	return m == ModeCustomQuestion || m == ModeGenerateSQL
}

// NeedsResult reports whether the mode works on the last query result.
func (m InsightMode) NeedsResult() bool {
	return m != ModeExplainQuery && m != ModeGenerateSQL
}

// ParseInsightMode validates a mode coming from a form or JSON body.
func ParseInsightMode(s string) (InsightMode, bool) {
	switch InsightMode(s) {
	case ModeAnalyze, ModeSuggestVisualization, ModeCustomQuestion, ModeExplainQuery, ModeGenerateSQL:
		return InsightMode(s), true
	}
	return "", false
}

type InsightRequest struct {
	Mode     InsightMode
	Result   *QueryResult
	Query    string
	Dialect  string
	Question string
	APIKey   string

	// Tables describes the connection for generate-sql.
	Tables []TableInfo
}

// TranscriptEntry is one message of the AI conversation shown to the user. The
// transcript is display-only and never sent back to the AI service.
type TranscriptEntry struct {
	Role    string      `json:"role"`
	Mode    InsightMode `json:"mode"`
	Content string      `json:"content"`
	At      time.Time   `json:"at"`
}

type TableInfo struct {
	Name    string       `json:"name"`
	Columns []ColumnInfo `json:"columns,omitempty"`
}

type ColumnInfo struct {
	Name       string `json:"name"`
	Type       string `json:"type"`
	Nullable   bool   `json:"nullable"`
	PrimaryKey bool   `json:"primary_key"`
}

// QuickAction is a canned query offered next to the editor.
type QuickAction struct {
	Label string `json:"label"`
	SQL   string `json:"sql"`
}

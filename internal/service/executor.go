package service

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
	"unicode/utf8"

	"sqlinx/internal/core"

	"github.com/alexbrainman/odbc"
	mssql "github.com/denisenkom/go-mssqldb"
	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

type QueryExecutor struct {
	parser *core.SQLParser
	logger *slog.Logger
}

func NewQueryExecutor(logger *slog.Logger) *QueryExecutor {
	if logger == nil {
		logger = slog.Default()
	}
	return &QueryExecutor{
		parser: core.NewSQLParser(),
		logger: logger,
	}
}

// Execute runs sqlText as a single statement. {name} markers outside quoted text and
// comments are bound as positional arguments from params; a marker without a value
// fails before anything reaches the engine.
func (e *QueryExecutor) Execute(ctx context.Context, h *core.Handle, sqlText string, params map[string]string) (*core.QueryResult, error) {
	if h == nil || h.DB == nil {
		return nil, core.ErrNoConnection
	}
	if strings.TrimSpace(sqlText) == "" {
		return nil, &core.QueryError{Code: core.QueryOther, Err: errors.New("query is empty")}
	}

	parseResult := e.parser.Parse(sqlText, h.Placeholder())
	args, err := e.parser.MapValues(parseResult.ParamNames, params)
	if err != nil {
		return nil, &core.QueryError{Code: core.QueryOther, Err: err}
	}

	start := time.Now()
	var result *core.QueryResult
	if ReturnsRows(parseResult.SQL) {
		result, err = e.query(ctx, h.DB, parseResult.SQL, args)
	} else {
		result, err = e.exec(ctx, h.DB, parseResult.SQL, args)
	}
	if err != nil {
		code := ClassifyQueryError(err)
		e.logger.Debug("query failed", "kind", h.Kind, "code", code, "error", err)
		return nil, &core.QueryError{Code: code, Err: err}
	}

	result.Duration = time.Since(start)
	e.logger.Debug("query executed", "kind", h.Kind, "statement", result.Statement, "rows", result.RowCount, "duration", result.Duration)
	return result, nil
}

func (e *QueryExecutor) query(ctx context.Context, db *sql.DB, sqlText string, args []any) (*core.QueryResult, error) {
	rows, err := db.QueryContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, err
	}
	var dbTypes []string
	if colTypes, err := rows.ColumnTypes(); err == nil {
		dbTypes = make([]string, len(colTypes))
		for i, ct := range colTypes {
			dbTypes[i] = strings.ToUpper(ct.DatabaseTypeName())
		}
	}

	resultRows := [][]any{}
	for rows.Next() {
		// Generic row scanning
		values := make([]any, len(columns))
		valuePtrs := make([]any, len(columns))
		for i := range columns {
			valuePtrs[i] = &values[i]
		}

		if err := rows.Scan(valuePtrs...); err != nil {
			return nil, err
		}

		for i, val := range values {
			// Handle []byte
			if b, ok := val.([]byte); ok && utf8.Valid(b) {
				values[i] = string(b)
			}
		}
		resultRows = append(resultRows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	cols := make([]core.Column, len(columns))
	for i, name := range columns {
		dbType := ""
		if i < len(dbTypes) {
			dbType = dbTypes[i]
		}
		cols[i] = core.Column{Name: name, Type: inferResultType(resultRows, i, dbType)}
	}

	return &core.QueryResult{
		Columns:   cols,
		Rows:      resultRows,
		RowCount:  len(resultRows),
		Statement: core.StatementRows,
	}, nil
}

func (e *QueryExecutor) exec(ctx context.Context, db *sql.DB, sqlText string, args []any) (*core.QueryResult, error) {
	res, err := db.ExecContext(ctx, sqlText, args...)
	if err != nil {
		return nil, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		affected = -1
	}
	return &core.QueryResult{
		Columns:      []core.Column{},
		Rows:         [][]any{},
		Statement:    core.StatementExec,
		RowsAffected: affected,
	}, nil
}

var rowKeywords = map[string]bool{
	"SELECT": true, "WITH": true, "SHOW": true, "DESCRIBE": true, "DESC": true,
	"PRAGMA": true, "EXPLAIN": true, "VALUES": true, "TABLE": true,
}

// ReturnsRows reports whether the statement produces a result set.
func ReturnsRows(sqlText string) bool {
	s := stripLeadingComments(sqlText)
	s = strings.TrimLeft(s, "( \t\r\n")
	end := strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z')
	})
	if end < 0 {
		end = len(s)
	}
	if rowKeywords[strings.ToUpper(s[:end])] {
		return true
	}

	upper := strings.ToUpper(s)
	return strings.Contains(upper, " RETURNING ") || strings.Contains(upper, "OUTPUT INSERTED.") || strings.Contains(upper, "OUTPUT DELETED.")
}

func stripLeadingComments(s string) string {
	for {
		s = strings.TrimSpace(s)
		switch {
		case strings.HasPrefix(s, "--"):
			nl := strings.IndexByte(s, '\n')
			if nl < 0 {
				return ""
			}
			s = s[nl+1:]
		case strings.HasPrefix(s, "/*"):
			end := strings.Index(s, "*/")
			if end < 0 {
				return ""
			}
			s = s[end+2:]
		default:
			return s
		}
	}
}

// inferResultType picks the type held by most non-null values in column col.
// Text values fall back to the declared database type, since some drivers return
// numerics and dates as text.
func inferResultType(rows [][]any, col int, dbType string) core.ColumnType {
	votes := map[core.ColumnType]int{}
	for _, row := range rows {
		if t := valueType(row[col]); t != core.TypeNull {
			votes[t]++
		}
	}
	if len(votes) == 0 {
		return core.TypeNull
	}

	best := core.TypeString
	bestVotes := -1
	for _, t := range []core.ColumnType{core.TypeString, core.TypeInt, core.TypeFloat, core.TypeBool, core.TypeDatetime, core.TypeBytes} {
		if votes[t] > bestVotes {
			best, bestVotes = t, votes[t]
		}
	}
	if best == core.TypeInt && votes[core.TypeFloat] > 0 {
		best = core.TypeFloat
	}
	if best == core.TypeString {
		if t, ok := declaredType(dbType); ok {
			return t
		}
	}
	return best
}

func valueType(v any) core.ColumnType {
	switch v.(type) {
	case nil:
		return core.TypeNull
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return core.TypeInt
	case float32, float64:
		return core.TypeFloat
	case bool:
		return core.TypeBool
	case time.Time:
		return core.TypeDatetime
	case []byte:
		return core.TypeBytes
	}
	return core.TypeString
}

func declaredType(dbType string) (core.ColumnType, bool) {
	switch {
	case dbType == "":
		return "", false
	case dbType == "BOOL" || dbType == "BOOLEAN" || dbType == "BIT":
		return core.TypeBool, true
	case strings.Contains(dbType, "INT"):
		return core.TypeInt, true
	case strings.Contains(dbType, "DECIMAL"), strings.Contains(dbType, "NUMERIC"),
		strings.Contains(dbType, "FLOAT"), strings.Contains(dbType, "DOUBLE"),
		strings.Contains(dbType, "REAL"), strings.Contains(dbType, "MONEY"):
		return core.TypeFloat, true
	case strings.Contains(dbType, "DATE"), strings.Contains(dbType, "TIME"):
		return core.TypeDatetime, true
	}
	return "", false
}

// ClassifyQueryError maps a driver error onto a query error code.
func ClassifyQueryError(err error) core.QueryCode {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return core.QueryTimeout
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, mysql.ErrInvalidConn) {
		return core.QueryConnectionLost
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code == "42501" || pqErr.Code.Class() == "28":
			return core.QueryPermission
		case pqErr.Code.Class() == "42":
			return core.QuerySyntax
		case pqErr.Code == "57014":
			return core.QueryTimeout
		case pqErr.Code.Class() == "08" || pqErr.Code.Class() == "57":
			return core.QueryConnectionLost
		}
		return core.QueryOther
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case 1064, 1054, 1146, 1149, 1052, 1060:
			return core.QuerySyntax
		case 1044, 1045, 1142, 1143, 1227, 1370:
			return core.QueryPermission
		case 1205, 3024:
			return core.QueryTimeout
		case 2006, 2013:
			return core.QueryConnectionLost
		}
		return core.QueryOther
	}

	var msErr mssql.Error
	if errors.As(err, &msErr) {
		switch msErr.Number {
		case 102, 105, 156, 207, 208, 4145:
			return core.QuerySyntax
		case 229, 230, 262, 297, 300, 15247:
			return core.QueryPermission
		case 1222:
			return core.QueryTimeout
		}
		return core.QueryOther
	}

	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_ERROR:
			return core.QuerySyntax
		case sqlite3.SQLITE_PERM, sqlite3.SQLITE_AUTH, sqlite3.SQLITE_READONLY:
			return core.QueryPermission
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_INTERRUPT:
			return core.QueryTimeout
		case sqlite3.SQLITE_CANTOPEN, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_NOTADB, sqlite3.SQLITE_CORRUPT:
			return core.QueryConnectionLost
		}
		return core.QueryOther
	}

	var odbcErr *odbc.Error
	if errors.As(err, &odbcErr) && len(odbcErr.Diag) > 0 {
		return classifySQLState(odbcErr.Diag[0].State)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return core.QueryTimeout
		}
		return core.QueryConnectionLost
	}
	return core.QueryOther
}

// classifySQLState handles the ODBC flavour of SQLSTATE codes.
func classifySQLState(state string) core.QueryCode {
	switch {
	case strings.HasPrefix(state, "28"), state == "42501":
		return core.QueryPermission
	case strings.HasPrefix(state, "42"), strings.HasPrefix(state, "37"):
		return core.QuerySyntax
	case state == "HYT00" || state == "HYT01":
		return core.QueryTimeout
	case strings.HasPrefix(state, "08"):
		return core.QueryConnectionLost
	}
	return core.QueryOther
}

// ErrorMessage renders err for history entries and the UI.
func ErrorMessage(err error) string {
	var qe *core.QueryError
	if errors.As(err, &qe) {
		return fmt.Sprintf("%s error: %v", qe.Code, qe.Err)
	}
	return err.Error()
}

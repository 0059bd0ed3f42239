package core

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCleanColumnNames(t *testing.T) {
	got := CleanColumnNames([]string{" First Name ", "e-mail!!", "", "Total $", "total", "naïve"})
	assert.Equal(t, []string{"First_Name", "e_mail", "column_2", "Total", "total_1", "naïve"}, got)
}

func TestQuoteIdentifier(t *testing.T) {
	assert.Equal(t, `"employees"`, QuoteIdentifier("employees"))
	assert.Equal(t, `"we""ird"`, QuoteIdentifier(`we"ird`))
}

func TestKind(t *testing.T) {
	k, ok := ParseKind("postgres")
	assert.True(t, ok)
	assert.Equal(t, KindPostgres, k)
	_, ok = ParseKind("oracle")
	assert.False(t, ok)

	assert.True(t, KindSQLiteConverted.IsSQLite())
	assert.False(t, KindMySQL.IsSQLite())
	assert.Equal(t, 1433, KindSQLServer.DefaultPort())
	assert.Zero(t, KindSQLiteSample.DefaultPort())
}

func TestConnectionConfig_DescribeOmitsPassword(t *testing.T) {
	cfg := ConnectionConfig{Kind: KindMySQL, Host: "db", User: "app", Password: "hunter2", Database: "shop"}
	assert.Equal(t, "MySQL app@db/shop", cfg.Describe())
	assert.NotContains(t, cfg.Describe(), "hunter2")
}

func TestHistoryEntry_QueryPreview(t *testing.T) {
	e := HistoryEntry{Query: "SELECT * FROM employees"}
	assert.Equal(t, "SELECT * FROM employees", e.QueryPreview(50))
	assert.Equal(t, "SELECT ...", e.QueryPreview(10))
}

func TestHandle_Placeholder(t *testing.T) {
	assert.Equal(t, PlaceholderDollar, (&Handle{Dialect: "postgres"}).Placeholder())
	assert.Equal(t, PlaceholderAtP, (&Handle{Dialect: "sqlserver"}).Placeholder())
	assert.Equal(t, PlaceholderQuestion, (&Handle{Dialect: "odbc"}).Placeholder())
	assert.NoError(t, (*Handle)(nil).Close())
}

func TestParseColumnType(t *testing.T) {
	ct, ok := ParseColumnType("integer")
	assert.True(t, ok)
	assert.Equal(t, TypeInt, ct)
	_, ok = ParseColumnType("blob")
	assert.False(t, ok)
	assert.Equal(t, "REAL", TypeFloat.SQLiteType())
	assert.Equal(t, "INTEGER", TypeBool.SQLiteType())
}

package db

import (
	"fmt"
	"strings"

	"gorm.io/gorm"
)

// Dialect identifiers returned by DialectName.
const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

// DialectName returns the dialect of conn, or "" when it has none.
func DialectName(conn *gorm.DB) string {
	if conn == nil || conn.Dialector == nil {
		return ""
	}
	return conn.Dialector.Name()
}

// IsSQLite reports whether conn talks to SQLite.
func IsSQLite(conn *gorm.DB) bool {
	return DialectName(conn) == DialectSQLite
}

// JSONExtractTextExpr builds a SQL expression reading key from the JSON column
// as text. Usage metadata is jsonb on postgres and TEXT holding JSON on sqlite.
// Quotes are stripped from key since it is spliced into the SQL.
func JSONExtractTextExpr(conn *gorm.DB, column, key string) string {
	key = strings.NewReplacer("'", "", `"`, "").Replace(key)
	switch DialectName(conn) {
	case DialectSQLite:
		return fmt.Sprintf("json_extract(%s, '$.%s')", column, key)
	default:
		return fmt.Sprintf("%s->>'%s'", column, key)
	}
}

package db

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	mssql "github.com/denisenkom/go-mssqldb"
)

// SQLServer targets Microsoft SQL Server through go-mssqldb
type SQLServer struct{}

var selectPrefix = regexp.MustCompile(`(?i)^\s*SELECT\s+`)

func (SQLServer) Name() string       { return "sqlserver" }
func (SQLServer) DriverName() string { return "sqlserver" }

func (SQLServer) Rebind(query string) string { return rebindNumbered(query, "@p") }

func (SQLServer) Quote(identifier string) string { return quoteParts(identifier, "[", "]") }

func (SQLServer) Limit(selectQuery string, n int) string {
	loc := selectPrefix.FindStringIndex(selectQuery)
	if loc == nil {
		return selectQuery
	}
	return fmt.Sprintf("SELECT TOP(%d) %s", n, selectQuery[loc[1]:])
}

func (SQLServer) SupportsSavepoints() bool { return true }

func (SQLServer) Savepoint(name string) string { return "SAVE TRANSACTION " + name }

func (SQLServer) RollbackToSavepoint(name string) string { return "ROLLBACK TRANSACTION " + name }

func (SQLServer) ReleaseSavepoint(string) string { return "" }

// IsUniqueViolation matches error 2627 (primary key) and 2601 (unique index)
func (SQLServer) IsUniqueViolation(err error) bool {
	var e mssql.Error
	if errors.As(err, &e) {
		return e.Number == 2627 || e.Number == 2601
	}
	return false
}

func (SQLServer) CreateTable(name, body string) string {
	return fmt.Sprintf(`IF NOT EXISTS (SELECT * FROM sys.tables WHERE name = '%s')
	BEGIN
		CREATE TABLE %s (%s);
	END`, strings.ReplaceAll(name, "'", "''"), name, body)
}

func (SQLServer) Varchar(n int) string { return fmt.Sprintf("NVARCHAR(%d)", n) }

func (SQLServer) Text() string { return "NVARCHAR(MAX)" }

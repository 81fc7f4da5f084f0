package dialect

import (
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/pkg/errors"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/armadaproject/sqllogger/internal/common/armadaerrors"
)

var postgresFlavour = &Flavour{
	Name: "postgres",
	Types: typeMap{
		Text:      "TEXT",
		KeyText:   "TEXT",
		Float:     "DOUBLE PRECISION",
		Integer:   "BIGINT",
		Boolean:   "BOOLEAN",
		Timestamp: "TIMESTAMPTZ",
		Binary:    "BYTEA",
	},
	QuoteOpen:   `"`,
	QuoteClose:  `"`,
	Placeholder: dollarPlaceholder,
	CreateTable: standardCreateTable,
	IsDuplicate: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505"
	},
	IsTableNotFound: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "42P01"
	},
	IsConnectionError: func(err error) bool {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) {
			return pqErr.Code.Class() == "08" || pqErr.Code == "57P01" || pqErr.Code == "57P02" || pqErr.Code == "57P03"
		}
		return armadaerrors.IsNetworkError(err)
	},
}

var mysqlFlavour = &Flavour{
	Name: "mysql",
	Types: typeMap{
		Text:      "TEXT",
		KeyText:   "VARCHAR(255)",
		Float:     "DOUBLE",
		Integer:   "BIGINT",
		Boolean:   "BOOLEAN",
		Timestamp: "DATETIME(3)",
		Binary:    "BLOB",
	},
	QuoteOpen:   "`",
	QuoteClose:  "`",
	Placeholder: questionPlaceholder,
	CreateTable: func(f *Flavour, t tableDef) []string {
		defs := f.columnDefs(t)
		if t.Timestamp != "" {
			defs = append(defs, fmt.Sprintf("INDEX %s (%s)", f.Quote(indexName(t.Name, t.Timestamp)), f.Quote(t.Timestamp)))
		}
		return []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", f.Quote(t.Name), strings.Join(defs, ", "))}
	},
	IsDuplicate: func(err error) bool {
		return mysqlErrorNumber(err) == 1062
	},
	IsTableNotFound: func(err error) bool {
		return mysqlErrorNumber(err) == 1146
	},
	IsConnectionError: func(err error) bool {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) {
			switch mysqlErr.Number {
			// Too many connections, server shutdown, lock wait timeout, connection killed
			case 1040, 1053, 1205, 1927:
				return true
			}
			return false
		}
		return errors.Is(err, mysql.ErrInvalidConn) || armadaerrors.IsNetworkError(err)
	},
}

func mysqlErrorNumber(err error) uint16 {
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number
	}
	return 0
}

var sqlServerFlavour = &Flavour{
	Name: "sqlserver",
	Types: typeMap{
		Text:      "NVARCHAR(MAX)",
		KeyText:   "NVARCHAR(450)",
		Float:     "FLOAT",
		Integer:   "BIGINT",
		Boolean:   "BIT",
		Timestamp: "DATETIME2(3)",
		Binary:    "VARBINARY(MAX)",
	},
	QuoteOpen:   "[",
	QuoteClose:  "]",
	Placeholder: atPlaceholder,
	CreateTable: func(f *Flavour, t tableDef) []string {
		var b strings.Builder
		fmt.Fprintf(&b, "IF OBJECT_ID(N'%s', N'U') IS NULL\nBEGIN\n", t.Name)
		fmt.Fprintf(&b, "CREATE TABLE %s (%s);\n", f.Quote(t.Name), strings.Join(f.columnDefs(t), ", "))
		if t.Timestamp != "" {
			fmt.Fprintf(&b, "CREATE INDEX %s ON %s (%s);\n",
				f.Quote(indexName(t.Name, t.Timestamp)), f.Quote(t.Name), f.Quote(t.Timestamp))
		}
		b.WriteString("END")
		return []string{b.String()}
	},
	IsDuplicate: func(err error) bool {
		n := sqlServerErrorNumber(err)
		return n == 2627 || n == 2601
	},
	IsTableNotFound: func(err error) bool {
		return sqlServerErrorNumber(err) == 208
	},
	IsConnectionError: func(err error) bool {
		var msErr mssql.Error
		if errors.As(err, &msErr) {
			switch msErr.Number {
			// Database unavailable, login failed, service busy, transport level errors
			case 4060, 18456, 40501, 40613, 10053, 10054, 233:
				return true
			}
			return false
		}
		return armadaerrors.IsNetworkError(err)
	},
}

func sqlServerErrorNumber(err error) int32 {
	var msErr mssql.Error
	if errors.As(err, &msErr) {
		return msErr.Number
	}
	return 0
}

var sqliteFlavour = &Flavour{
	Name: "sqlite",
	Types: typeMap{
		Text:      "TEXT",
		KeyText:   "TEXT",
		Float:     "REAL",
		Integer:   "INTEGER",
		Boolean:   "BOOLEAN",
		Timestamp: "TIMESTAMP",
		Binary:    "BLOB",
	},
	QuoteOpen:   `"`,
	QuoteClose:  `"`,
	Placeholder: questionPlaceholder,
	CreateTable: standardCreateTable,
	IsDuplicate: func(err error) bool {
		code := sqliteErrorCode(err)
		return code == sqlite3.SQLITE_CONSTRAINT_UNIQUE || code == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
	},
	IsTableNotFound: func(err error) bool {
		return armadaerrors.MessageContainsAny(err, "no such table")
	},
	IsConnectionError: func(err error) bool {
		var sqliteErr *sqlite.Error
		if errors.As(err, &sqliteErr) {
			switch sqliteErr.Code() & 0xff {
			case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED, sqlite3.SQLITE_IOERR, sqlite3.SQLITE_CANTOPEN:
				return true
			}
			return false
		}
		return armadaerrors.IsNetworkError(err)
	},
}

func sqliteErrorCode(err error) int {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.Code()
	}
	return 0
}

var oracleConnectionCodes = []string{
	"ORA-03113", "ORA-03114", "ORA-03135", "ORA-12170", "ORA-12514", "ORA-12537", "ORA-12541", "ORA-12547",
}

var oracleFlavour = &Flavour{
	Name: "oracle",
	Types: typeMap{
		Text:      "VARCHAR2(4000)",
		KeyText:   "VARCHAR2(4000)",
		Float:     "BINARY_DOUBLE",
		Integer:   "NUMBER(19)",
		Boolean:   "NUMBER(1)",
		Timestamp: "TIMESTAMP(3)",
		Binary:    "BLOB",
	},
	QuoteOpen:   `"`,
	QuoteClose:  `"`,
	Placeholder: colonPlaceholder,
	Bind: func(v any) any {
		if b, ok := v.(bool); ok {
			if b {
				return 1
			}
			return 0
		}
		return v
	},
	CreateTable: func(f *Flavour, t tableDef) []string {
		// ORA-00955: name is already used by an existing object
		var b strings.Builder
		b.WriteString("BEGIN\n")
		fmt.Fprintf(&b, "EXECUTE IMMEDIATE 'CREATE TABLE %s (%s)';\n", f.Quote(t.Name), strings.Join(f.columnDefs(t), ", "))
		if t.Timestamp != "" {
			fmt.Fprintf(&b, "EXECUTE IMMEDIATE 'CREATE INDEX %s ON %s (%s)';\n",
				f.Quote(indexName(t.Name, t.Timestamp)), f.Quote(t.Name), f.Quote(t.Timestamp))
		}
		b.WriteString("EXCEPTION WHEN OTHERS THEN IF SQLCODE != -955 THEN RAISE; END IF;\nEND;")
		return []string{b.String()}
	},
	IsDuplicate: func(err error) bool {
		return armadaerrors.MessageContainsAny(err, "ORA-00001")
	},
	IsTableNotFound: func(err error) bool {
		return armadaerrors.MessageContainsAny(err, "ORA-00942")
	},
	IsConnectionError: func(err error) bool {
		if armadaerrors.MessageContainsAny(err, "ORA-") {
			return armadaerrors.MessageContainsAny(err, oracleConnectionCodes...)
		}
		return armadaerrors.IsNetworkError(err)
	},
}

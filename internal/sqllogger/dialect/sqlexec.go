package dialect

import (
	"context"
	"database/sql"
	"database/sql/driver"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/sqllogger/internal/sqllogger/model"
)

const statementCacheSize = 128

// statementCache keeps INSERT texts by table. Tables named by the payload make the set of statements unbounded.
type statementCache struct {
	lru   *simplelru.LRU
	build func(table string) string
}

func newStatementCache(build func(table string) string) *statementCache {
	lru, err := simplelru.NewLRU(statementCacheSize, nil)
	if err != nil {
		// Only fails for a non-positive size.
		panic(err)
	}
	return &statementCache{lru: lru, build: build}
}

func (c *statementCache) get(table string) string {
	if s, ok := c.lru.Get(table); ok {
		return s.(string)
	}
	s := c.build(table)
	c.lru.Add(table, s)
	return s
}

// writeSQLBatch inserts rows in one transaction through a prepared statement. If the transaction fails for a reason
// other than the connection or a missing table, the rows are inserted one at a time so that the good ones survive.
func writeSQLBatch(
	ctx context.Context,
	db *sql.DB,
	f *Flavour,
	table string,
	query string,
	cols []column,
	rows []*model.BufferedRow,
) (WriteResult, error) {
	err := insertInTx(ctx, db, f, query, cols, rows)
	switch {
	case err == nil:
		return WriteResult{Written: len(rows)}, nil
	case f.IsConnectionError(err):
		return WriteResult{}, &model.ConnectionError{Err: err}
	case f.IsTableNotFound(err):
		return WriteResult{}, &model.NonRecoverableWriteError{Table: table, Rows: len(rows), Err: err}
	}
	log.Warnf("Inserting into %s via batch failed, will attempt to insert serially (this might be slow).  Error was %s", table, err)
	return insertSerially(ctx, db, f, table, query, cols, rows)
}

func insertInTx(ctx context.Context, db *sql.DB, f *Flavour, query string, cols []column, rows []*model.BufferedRow) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errors.WithStack(err)
	}
	stmt, err := tx.PrepareContext(ctx, query)
	if err != nil {
		_ = tx.Rollback()
		return errors.WithStack(err)
	}
	defer stmt.Close()
	for _, row := range rows {
		if _, err := stmt.ExecContext(ctx, rowArgs(f, cols, row)...); err != nil {
			_ = tx.Rollback()
			return errors.WithStack(err)
		}
	}
	return errors.WithStack(tx.Commit())
}

// insertSerially inserts each row in its own statement. It stops at the first connection error, leaving the rest of
// the rows unattempted.
func insertSerially(
	ctx context.Context,
	db *sql.DB,
	f *Flavour,
	table string,
	query string,
	cols []column,
	rows []*model.BufferedRow,
) (WriteResult, error) {
	var result WriteResult
	var rejected *multierror.Error
	for _, row := range rows {
		_, err := db.ExecContext(ctx, query, rowArgs(f, cols, row)...)
		switch {
		case err == nil:
			result.Written++
		case f.IsDuplicate(err):
			result.Duplicates++
		case f.IsConnectionError(err):
			return result, &model.ConnectionError{Err: errors.WithStack(err)}
		default:
			result.Rejected++
			rejected = multierror.Append(rejected, err)
		}
	}
	if err := rejected.ErrorOrNil(); err != nil {
		return result, &model.NonRecoverableWriteError{Table: table, Rows: result.Rejected, Err: err}
	}
	return result, nil
}

func execAll(ctx context.Context, db *sql.DB, stmts []string) error {
	for _, s := range stmts {
		if _, err := db.ExecContext(ctx, s); err != nil {
			return errors.Wrapf(err, "executing %s", s)
		}
	}
	return nil
}

func isConnectionError(f *Flavour, err error) bool {
	if err == nil {
		return false
	}
	var connErr *model.ConnectionError
	return errors.As(err, &connErr) || f.IsConnectionError(err)
}

// dsnConnector adapts a driver that only opens connections by name.
type dsnConnector struct {
	dsn    string
	driver driver.Driver
}

func (c dsnConnector) Connect(context.Context) (driver.Conn, error) {
	return c.driver.Open(c.dsn)
}

func (c dsnConnector) Driver() driver.Driver {
	return c.driver
}

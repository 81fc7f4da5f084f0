package dialect

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"net/url"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
	mssql "github.com/microsoft/go-mssqldb"
	"github.com/pkg/errors"
	goora "github.com/sijms/go-ora/v2"
	"modernc.org/sqlite"

	"github.com/armadaproject/sqllogger/internal/common/armadaerrors"
	"github.com/armadaproject/sqllogger/internal/sqllogger/model"
)

// GenericWriter writes to relational databases through database/sql. The driver is picked from the url scheme:
//
//	postgres, postgresql  github.com/lib/pq
//	mysql, mariadb        github.com/go-sql-driver/mysql
//	sqlserver             github.com/microsoft/go-mssqldb
//	sqlite, file          modernc.org/sqlite
//	oracle                github.com/sijms/go-ora/v2
type GenericWriter struct {
	url        *url.URL
	rawURL     string
	flavour    *Flavour
	opts       options
	cols       []column
	statements *statementCache
	db         *sql.DB
}

func NewGenericWriter(rawURL string, opts options) (*GenericWriter, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid database url")
	}
	f := flavourForScheme(u.Scheme)
	if f == nil {
		return nil, errors.WithStack(&armadaerrors.ErrInvalidArgument{
			Name:    "Url",
			Value:   u.Scheme,
			Message: "unsupported scheme for a generic database",
		})
	}
	w := &GenericWriter{
		url:     u,
		rawURL:  rawURL,
		flavour: f,
		opts:    opts,
		cols:    columnsFor(f, opts.schema, opts.topicColumn),
	}
	w.statements = newStatementCache(func(table string) string {
		return buildInsert(f, table, w.cols)
	})
	return w, nil
}

func flavourForScheme(scheme string) *Flavour {
	switch strings.ToLower(scheme) {
	case "postgres", "postgresql":
		return postgresFlavour
	case "mysql", "mariadb":
		return mysqlFlavour
	case "sqlserver":
		return sqlServerFlavour
	case "sqlite", "file":
		return sqliteFlavour
	case "oracle":
		return oracleFlavour
	}
	return nil
}

// Flavour returns the SQL flavour selected from the url.
func (w *GenericWriter) Flavour() *Flavour {
	return w.flavour
}

func (w *GenericWriter) connector() (driver.Connector, error) {
	u := *w.url
	switch w.flavour {
	case postgresFlavour:
		withCredentials(&u, w.opts.username, w.opts.password)
		return pq.NewConnector(u.String())
	case mysqlFlavour:
		return mysql.NewConnector(mysqlConfig(&u, w.opts.username, w.opts.password))
	case sqlServerFlavour:
		withCredentials(&u, w.opts.username, w.opts.password)
		return mssql.NewConnector(u.String())
	case sqliteFlavour:
		return dsnConnector{dsn: sqliteDSN(w.rawURL, &u), driver: &sqlite.Driver{}}, nil
	case oracleFlavour:
		withCredentials(&u, w.opts.username, w.opts.password)
		return dsnConnector{dsn: u.String(), driver: &goora.OracleDriver{}}, nil
	}
	return nil, errors.Errorf("no driver for %s", w.flavour.Name)
}

func mysqlConfig(u *url.URL, username, password string) *mysql.Config {
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = u.Host
	cfg.DBName = strings.TrimPrefix(u.Path, "/")
	cfg.ParseTime = true
	cfg.User = username
	cfg.Passwd = password
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Passwd, _ = u.User.Password()
	}
	for k, v := range u.Query() {
		if cfg.Params == nil {
			cfg.Params = map[string]string{}
		}
		cfg.Params[k] = v[0]
	}
	return cfg
}

// sqliteDSN maps sqlite:///abs/path.db, sqlite://rel.db and sqlite::memory: to the file names the driver expects.
// file: urls are passed through unchanged.
func sqliteDSN(raw string, u *url.URL) string {
	if strings.EqualFold(u.Scheme, "file") {
		return raw
	}
	dsn := u.Opaque
	if dsn == "" {
		dsn = u.Host + u.Path
	}
	if u.RawQuery != "" {
		dsn += "?" + u.RawQuery
	}
	return dsn
}

func (w *GenericWriter) Connect(ctx context.Context) error {
	if w.db != nil {
		return nil
	}
	connector, err := w.connector()
	if err != nil {
		return errors.WithMessagef(err, "building %s connector", w.flavour.Name)
	}
	db := sql.OpenDB(connector)
	// A single connection keeps one statement in flight, in the order the rows were accumulated.
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return errors.WithMessagef(err, "could not connect to %s database at %s", w.flavour.Name, w.url.Redacted())
	}
	w.db = db
	return nil
}

func (w *GenericWriter) Disconnect() error {
	if w.db == nil {
		return nil
	}
	err := w.db.Close()
	w.db = nil
	return errors.WithStack(err)
}

func (w *GenericWriter) WriteBulk(ctx context.Context, table string, rows []*model.BufferedRow) (WriteResult, error) {
	if len(rows) == 0 {
		return WriteResult{}, nil
	}
	if w.db == nil {
		return WriteResult{}, &model.ConnectionError{Err: errors.New("not connected")}
	}
	return writeSQLBatch(ctx, w.db, w.flavour, table, w.statements.get(table), w.cols, rows)
}

func (w *GenericWriter) IsConnectionError(err error) bool {
	return isConnectionError(w.flavour, err)
}

func (w *GenericWriter) IsTableNotFound(err error) bool {
	return err != nil && w.flavour.IsTableNotFound(err)
}

func (w *GenericWriter) CreateTableIfNotExists(ctx context.Context, table string) error {
	if w.db == nil {
		return &model.ConnectionError{Err: errors.New("not connected")}
	}
	return execAll(ctx, w.db, w.createTable(table))
}

func (w *GenericWriter) CreateTableStatement(table string) string {
	return strings.Join(w.createTable(table), ";\n")
}

func (w *GenericWriter) createTable(table string) []string {
	return w.flavour.CreateTable(w.flavour, newTableDef(w.flavour, table, w.opts.schema, w.opts.topicColumn, w.opts.unique))
}

var _ Writer = (*GenericWriter)(nil)

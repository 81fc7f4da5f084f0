package dialect

import (
	"context"
	"fmt"
	"net/url"
	"strings"

	"github.com/hashicorp/go-multierror"
	"github.com/jackc/pgerrcode"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/sqllogger/internal/common/armadaerrors"
	"github.com/armadaproject/sqllogger/internal/sqllogger/model"
)

const defaultChunkTimeInterval = "1 day"

var timescaleFlavour = &Flavour{
	Name:        "timescale",
	Types:       postgresFlavour.Types,
	QuoteOpen:   `"`,
	QuoteClose:  `"`,
	Placeholder: dollarPlaceholder,
	CreateTable: standardCreateTable,
	IsDuplicate: func(err error) bool {
		return pgErrorCode(err) == pgerrcode.UniqueViolation
	},
	IsTableNotFound: func(err error) bool {
		return pgErrorCode(err) == pgerrcode.UndefinedTable
	},
	IsConnectionError: func(err error) bool {
		code := pgErrorCode(err)
		switch {
		case pgerrcode.IsConnectionException(code),
			code == pgerrcode.AdminShutdown,
			code == pgerrcode.CrashShutdown,
			code == pgerrcode.CannotConnectNow,
			code == pgerrcode.TooManyConnections:
			return true
		case code != "":
			return false
		}
		return pgconn.SafeToRetry(err) || pgconn.Timeout(err) || armadaerrors.IsNetworkError(err)
	},
}

func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

// TimescaleWriter writes to TimescaleDB through a pgx pool. Tables it creates are hypertables partitioned on the
// schema's timestamp column.
type TimescaleWriter struct {
	url               string
	opts              options
	chunkTimeInterval string
	cols              []column
	statements        *statementCache
	pool              *pgxpool.Pool
}

func NewTimescaleWriter(rawURL string, opts options, chunkTimeInterval string) (*TimescaleWriter, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid database url")
	}
	withCredentials(u, opts.username, opts.password)
	if chunkTimeInterval == "" {
		chunkTimeInterval = defaultChunkTimeInterval
	}
	w := &TimescaleWriter{
		url:               u.String(),
		opts:              opts,
		chunkTimeInterval: chunkTimeInterval,
		cols:              columnsFor(timescaleFlavour, opts.schema, opts.topicColumn),
	}
	w.statements = newStatementCache(func(table string) string {
		return buildInsert(timescaleFlavour, table, w.cols)
	})
	return w, nil
}

func (w *TimescaleWriter) Connect(ctx context.Context) error {
	if w.pool != nil {
		return nil
	}
	cfg, err := pgxpool.ParseConfig(w.url)
	if err != nil {
		return errors.Wrap(err, "invalid timescale url")
	}
	cfg.MaxConns = 1
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return errors.WithMessage(err, "could not create timescale pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return errors.WithMessagef(err, "could not connect to timescale at %s", cfg.ConnConfig.Host)
	}
	w.pool = pool
	return nil
}

func (w *TimescaleWriter) Disconnect() error {
	if w.pool != nil {
		w.pool.Close()
		w.pool = nil
	}
	return nil
}

func (w *TimescaleWriter) WriteBulk(ctx context.Context, table string, rows []*model.BufferedRow) (WriteResult, error) {
	if len(rows) == 0 {
		return WriteResult{}, nil
	}
	if w.pool == nil {
		return WriteResult{}, &model.ConnectionError{Err: errors.New("not connected")}
	}
	query := w.statements.get(table)
	err := w.insertBatch(ctx, query, rows)
	switch {
	case err == nil:
		return WriteResult{Written: len(rows)}, nil
	case timescaleFlavour.IsConnectionError(err):
		return WriteResult{}, &model.ConnectionError{Err: err}
	case timescaleFlavour.IsTableNotFound(err):
		return WriteResult{}, &model.NonRecoverableWriteError{Table: table, Rows: len(rows), Err: err}
	}
	log.Warnf("Inserting into %s via batch failed, will attempt to insert serially (this might be slow).  Error was %s", table, err)
	return w.insertSerially(ctx, table, query, rows)
}

func (w *TimescaleWriter) insertBatch(ctx context.Context, query string, rows []*model.BufferedRow) error {
	return pgx.BeginFunc(ctx, w.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, row := range rows {
			batch.Queue(query, rowArgs(timescaleFlavour, w.cols, row)...)
		}
		br := tx.SendBatch(ctx, batch)
		for range rows {
			if _, err := br.Exec(); err != nil {
				_ = br.Close()
				return errors.WithStack(err)
			}
		}
		return errors.WithStack(br.Close())
	})
}

func (w *TimescaleWriter) insertSerially(ctx context.Context, table, query string, rows []*model.BufferedRow) (WriteResult, error) {
	var result WriteResult
	var rejected *multierror.Error
	for _, row := range rows {
		_, err := w.pool.Exec(ctx, query, rowArgs(timescaleFlavour, w.cols, row)...)
		switch {
		case err == nil:
			result.Written++
		case timescaleFlavour.IsDuplicate(err):
			result.Duplicates++
		case timescaleFlavour.IsConnectionError(err):
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

func (w *TimescaleWriter) IsConnectionError(err error) bool {
	return isConnectionError(timescaleFlavour, err)
}

func (w *TimescaleWriter) IsTableNotFound(err error) bool {
	return err != nil && timescaleFlavour.IsTableNotFound(err)
}

func (w *TimescaleWriter) CreateTableIfNotExists(ctx context.Context, table string) error {
	if w.pool == nil {
		return &model.ConnectionError{Err: errors.New("not connected")}
	}
	for _, s := range w.createTable(table) {
		if _, err := w.pool.Exec(ctx, s); err != nil {
			return errors.Wrapf(err, "executing %s", s)
		}
	}
	return nil
}

func (w *TimescaleWriter) CreateTableStatement(table string) string {
	return strings.Join(w.createTable(table), ";\n")
}

func (w *TimescaleWriter) createTable(table string) []string {
	t := newTableDef(timescaleFlavour, table, w.opts.schema, w.opts.topicColumn, w.opts.unique)
	stmts := standardCreateTable(timescaleFlavour, t)
	if t.Timestamp != "" {
		// A hypertable indexes its time column itself.
		stmts = []string{
			stmts[0],
			fmt.Sprintf("SELECT create_hypertable('%s', '%s', if_not_exists => TRUE, chunk_time_interval => INTERVAL '%s')",
				table, t.Timestamp, strings.ReplaceAll(w.chunkTimeInterval, "'", "")),
		}
	}
	return stmts
}

var _ Writer = (*TimescaleWriter)(nil)

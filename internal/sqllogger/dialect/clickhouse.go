package dialect

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	chdriver "github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/sqllogger/internal/common/armadaerrors"
	"github.com/armadaproject/sqllogger/internal/sqllogger/model"
)

const (
	clickHouseUnknownTable    = 60
	clickHouseUnknownDatabase = 81
	clickHouseTimeoutExceeded = 159
	clickHouseSocketTimeout   = 209
	clickHouseNetworkError    = 210
)

var clickHouseFlavour = &Flavour{
	Name: "clickhouse",
	Types: typeMap{
		Text:      "String",
		KeyText:   "String",
		Float:     "Float64",
		Integer:   "Int64",
		Boolean:   "Bool",
		Timestamp: "DateTime64(3)",
		Binary:    "String",
	},
	QuoteOpen:   "`",
	QuoteClose:  "`",
	Placeholder: questionPlaceholder,
	Bind: func(v any) any {
		if b, ok := v.([]byte); ok {
			return string(b)
		}
		return v
	},
	CreateTable: func(f *Flavour, t tableDef) []string {
		defs := make([]string, len(t.Columns))
		for i, c := range t.Columns {
			typ := f.columnType(c, nil)
			if !c.NotNull && c.Name != t.Timestamp {
				typ = "Nullable(" + typ + ")"
			}
			defs[i] = f.Quote(c.Name) + " " + typ
		}
		engine := "ENGINE = MergeTree ORDER BY tuple()"
		if t.Timestamp != "" {
			ts := f.Quote(t.Timestamp)
			engine = fmt.Sprintf("ENGINE = MergeTree PARTITION BY toYYYYMM(%s) ORDER BY (%s)", ts, ts)
		}
		return []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s) %s", f.Quote(t.Name), strings.Join(defs, ", "), engine)}
	},
	// ClickHouse has no unique constraints.
	IsDuplicate: func(error) bool { return false },
	IsTableNotFound: func(err error) bool {
		code := clickHouseErrorCode(err)
		return code == clickHouseUnknownTable || code == clickHouseUnknownDatabase
	},
	IsConnectionError: func(err error) bool {
		switch clickHouseErrorCode(err) {
		case clickHouseTimeoutExceeded, clickHouseSocketTimeout, clickHouseNetworkError:
			return true
		case 0:
			return armadaerrors.IsNetworkError(err)
		}
		return false
	},
}

func clickHouseErrorCode(err error) int32 {
	var exception *clickhouse.Exception
	if errors.As(err, &exception) {
		return exception.Code
	}
	return 0
}

// ClickHouseWriter writes through the native ClickHouse protocol, sending each flush as one block.
type ClickHouseWriter struct {
	options    *clickhouse.Options
	opts       options
	cols       []column
	statements *statementCache
	conn       chdriver.Conn
}

func NewClickHouseWriter(rawURL string, opts options) (*ClickHouseWriter, error) {
	chOpts, err := clickhouse.ParseDSN(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid clickhouse url")
	}
	if opts.username != "" {
		chOpts.Auth.Username = opts.username
		chOpts.Auth.Password = opts.password
	}
	if chOpts.DialTimeout == 0 {
		chOpts.DialTimeout = 5 * time.Second
	}
	chOpts.MaxOpenConns = 1
	w := &ClickHouseWriter{
		options: chOpts,
		opts:    opts,
		cols:    columnsFor(clickHouseFlavour, opts.schema, opts.topicColumn),
	}
	w.statements = newStatementCache(func(table string) string {
		names := make([]string, len(w.cols))
		for i, c := range w.cols {
			names[i] = clickHouseFlavour.Quote(c.Name)
		}
		return fmt.Sprintf("INSERT INTO %s (%s)", clickHouseFlavour.Quote(table), strings.Join(names, ", "))
	})
	return w, nil
}

func (w *ClickHouseWriter) Connect(ctx context.Context) error {
	if w.conn != nil {
		return nil
	}
	conn, err := clickhouse.Open(w.options)
	if err != nil {
		return errors.WithMessagef(err, "could not connect to clickhouse on %s", strings.Join(w.options.Addr, ","))
	}
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return errors.WithMessagef(err, "failed to ping clickhouse at %s", strings.Join(w.options.Addr, ","))
	}
	w.conn = conn
	return nil
}

func (w *ClickHouseWriter) Disconnect() error {
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return errors.WithStack(err)
}

func (w *ClickHouseWriter) WriteBulk(ctx context.Context, table string, rows []*model.BufferedRow) (WriteResult, error) {
	if len(rows) == 0 {
		return WriteResult{}, nil
	}
	if w.conn == nil {
		return WriteResult{}, &model.ConnectionError{Err: errors.New("not connected")}
	}
	query := w.statements.get(table)
	err := w.send(ctx, query, rows)
	switch {
	case err == nil:
		return WriteResult{Written: len(rows)}, nil
	case clickHouseFlavour.IsConnectionError(err):
		return WriteResult{}, &model.ConnectionError{Err: err}
	case clickHouseFlavour.IsTableNotFound(err):
		return WriteResult{}, &model.NonRecoverableWriteError{Table: table, Rows: len(rows), Err: err}
	}
	log.Warnf("Inserting into %s via batch failed, will attempt to insert serially (this might be slow).  Error was %s", table, err)

	var result WriteResult
	var rejected *multierror.Error
	for _, row := range rows {
		err := w.send(ctx, query, []*model.BufferedRow{row})
		switch {
		case err == nil:
			result.Written++
		case clickHouseFlavour.IsConnectionError(err):
			return result, &model.ConnectionError{Err: err}
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

func (w *ClickHouseWriter) send(ctx context.Context, query string, rows []*model.BufferedRow) error {
	batch, err := w.conn.PrepareBatch(ctx, query)
	if err != nil {
		return errors.WithStack(err)
	}
	for _, row := range rows {
		if err := batch.Append(w.args(row)...); err != nil {
			_ = batch.Abort()
			return errors.WithStack(err)
		}
	}
	return errors.WithStack(batch.Send())
}

// args fills a missing timestamp key column from the row, since the sorting key cannot be Nullable.
func (w *ClickHouseWriter) args(row *model.BufferedRow) []any {
	args := rowArgs(clickHouseFlavour, w.cols, row)
	ts := w.opts.schema.TimestampProperty()
	if ts == nil {
		return args
	}
	for i, c := range w.cols {
		if c.Property == ts && args[i] == nil {
			args[i] = row.Timestamp
		}
	}
	return args
}

func (w *ClickHouseWriter) IsConnectionError(err error) bool {
	return isConnectionError(clickHouseFlavour, err)
}

func (w *ClickHouseWriter) IsTableNotFound(err error) bool {
	return err != nil && clickHouseFlavour.IsTableNotFound(err)
}

func (w *ClickHouseWriter) CreateTableIfNotExists(ctx context.Context, table string) error {
	if w.conn == nil {
		return &model.ConnectionError{Err: errors.New("not connected")}
	}
	for _, s := range w.createTable(table) {
		if err := w.conn.Exec(ctx, s); err != nil {
			return errors.Wrapf(err, "executing %s", s)
		}
	}
	return nil
}

func (w *ClickHouseWriter) CreateTableStatement(table string) string {
	return strings.Join(w.createTable(table), ";\n")
}

func (w *ClickHouseWriter) createTable(table string) []string {
	return clickHouseFlavour.CreateTable(clickHouseFlavour, newTableDef(clickHouseFlavour, table, w.opts.schema, w.opts.topicColumn, nil))
}

var _ Writer = (*ClickHouseWriter)(nil)

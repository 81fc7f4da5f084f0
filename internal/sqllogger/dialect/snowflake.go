package dialect

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/hex"
	"encoding/pem"
	"net/url"
	"os"
	"strings"

	"github.com/pkg/errors"
	"github.com/snowflakedb/gosnowflake"

	"github.com/armadaproject/sqllogger/internal/common/armadaerrors"
	"github.com/armadaproject/sqllogger/internal/sqllogger/configuration"
	"github.com/armadaproject/sqllogger/internal/sqllogger/model"
)

// Session and token expiry. The driver logs in again on the next connection.
var snowflakeConnectionCodes = map[int]bool{
	390111: true,
	390112: true,
	390114: true,
}

var snowflakeFlavour = &Flavour{
	Name: "snowflake",
	Types: typeMap{
		Text:      "VARCHAR",
		KeyText:   "VARCHAR",
		Float:     "FLOAT",
		Integer:   "NUMBER(38,0)",
		Boolean:   "BOOLEAN",
		Timestamp: "TIMESTAMP_NTZ",
		Binary:    "BINARY",
	},
	QuoteOpen:   `"`,
	QuoteClose:  `"`,
	UpperCase:   true,
	Placeholder: questionPlaceholder,
	Bind: func(v any) any {
		// BINARY columns take hex text.
		if b, ok := v.([]byte); ok {
			return hex.EncodeToString(b)
		}
		return v
	},
	CreateTable: func(f *Flavour, t tableDef) []string {
		stmt := f.createTableBody(t)
		if t.Timestamp != "" {
			stmt += " CLUSTER BY (" + f.Quote(t.Timestamp) + ")"
		}
		return []string{stmt}
	},
	// Snowflake does not enforce unique constraints.
	IsDuplicate: func(error) bool { return false },
	IsTableNotFound: func(err error) bool {
		var sfErr *gosnowflake.SnowflakeError
		return errors.As(err, &sfErr) && (sfErr.Number == 2003 || sfErr.SQLState == "42S02")
	},
	IsConnectionError: func(err error) bool {
		var sfErr *gosnowflake.SnowflakeError
		if errors.As(err, &sfErr) {
			return snowflakeConnectionCodes[sfErr.Number]
		}
		return armadaerrors.MessageContainsAny(err, "could not connect", "authentication token has expired", "session no longer exists") ||
			armadaerrors.IsNetworkError(err)
	},
}

type snowflakeSettings struct {
	account        string
	role           string
	warehouse      string
	database       string
	schema         string
	privateKeyFile string
}

func snowflakeSettingsFrom(cfg *configuration.PipelineConfig) snowflakeSettings {
	return snowflakeSettings{
		account:        cfg.Extra("account"),
		role:           cfg.Extra("role"),
		warehouse:      cfg.Extra("warehouse"),
		database:       cfg.Extra("database"),
		schema:         cfg.Extra("schema"),
		privateKeyFile: cfg.Extra("privateKeyFile"),
	}
}

// SnowflakeWriter writes to Snowflake with password or key pair authentication. Identifiers are upper case.
type SnowflakeWriter struct {
	config     gosnowflake.Config
	opts       options
	cols       []column
	statements *statementCache
	db         *sql.DB
}

// NewSnowflakeWriter accepts snowflake://user@account/database/schema?warehouse=wh urls. Settings from extras
// override the url.
func NewSnowflakeWriter(rawURL string, opts options, settings snowflakeSettings) (*SnowflakeWriter, error) {
	cfg, err := snowflakeConfig(rawURL, opts, settings)
	if err != nil {
		return nil, err
	}
	w := &SnowflakeWriter{
		config: *cfg,
		opts:   opts,
		cols:   columnsFor(snowflakeFlavour, opts.schema, opts.topicColumn),
	}
	w.statements = newStatementCache(func(table string) string {
		return buildInsert(snowflakeFlavour, table, w.cols)
	})
	return w, nil
}

func snowflakeConfig(rawURL string, opts options, s snowflakeSettings) (*gosnowflake.Config, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid snowflake url")
	}
	cfg := &gosnowflake.Config{Account: u.Host}
	path := strings.Split(strings.Trim(u.Path, "/"), "/")
	cfg.Database = path[0]
	if len(path) > 1 {
		cfg.Schema = path[1]
	}
	cfg.Warehouse = u.Query().Get("warehouse")
	cfg.Role = u.Query().Get("role")
	if u.User != nil {
		cfg.User = u.User.Username()
		cfg.Password, _ = u.User.Password()
	}

	override := func(target *string, value string) {
		if value != "" {
			*target = value
		}
	}
	override(&cfg.Account, s.account)
	override(&cfg.Role, s.role)
	override(&cfg.Warehouse, s.warehouse)
	override(&cfg.Database, s.database)
	override(&cfg.Schema, s.schema)
	override(&cfg.User, opts.username)
	override(&cfg.Password, opts.password)

	if s.privateKeyFile != "" {
		key, err := readPrivateKey(s.privateKeyFile)
		if err != nil {
			return nil, err
		}
		cfg.Authenticator = gosnowflake.AuthTypeJwt
		cfg.PrivateKey = key
		cfg.Password = ""
	}
	if cfg.Account == "" {
		return nil, errors.WithStack(&armadaerrors.ErrInvalidArgument{
			Name:    "Extras.account",
			Value:   "",
			Message: "a snowflake account is required",
		})
	}
	return cfg, nil
}

// readPrivateKey reads an unencrypted PKCS#8 or PKCS#1 RSA key in PEM format.
func readPrivateKey(path string) (*rsa.PrivateKey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading private key %s", path)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, errors.Errorf("%s does not contain a PEM encoded key", path)
	}
	if key, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.Errorf("%s does not contain an RSA key", path)
		}
		return rsaKey, nil
	}
	key, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrapf(err, "parsing private key %s", path)
	}
	return key, nil
}

func (w *SnowflakeWriter) Connect(ctx context.Context) error {
	if w.db != nil {
		return nil
	}
	db := sql.OpenDB(gosnowflake.NewConnector(gosnowflake.SnowflakeDriver{}, w.config))
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return errors.WithMessagef(err, "could not connect to snowflake account %s", w.config.Account)
	}
	w.db = db
	return nil
}

func (w *SnowflakeWriter) Disconnect() error {
	if w.db == nil {
		return nil
	}
	err := w.db.Close()
	w.db = nil
	return errors.WithStack(err)
}

func (w *SnowflakeWriter) WriteBulk(ctx context.Context, table string, rows []*model.BufferedRow) (WriteResult, error) {
	if len(rows) == 0 {
		return WriteResult{}, nil
	}
	if w.db == nil {
		return WriteResult{}, &model.ConnectionError{Err: errors.New("not connected")}
	}
	return writeSQLBatch(ctx, w.db, snowflakeFlavour, table, w.statements.get(table), w.cols, rows)
}

func (w *SnowflakeWriter) IsConnectionError(err error) bool {
	return isConnectionError(snowflakeFlavour, err)
}

func (w *SnowflakeWriter) IsTableNotFound(err error) bool {
	return err != nil && snowflakeFlavour.IsTableNotFound(err)
}

func (w *SnowflakeWriter) CreateTableIfNotExists(ctx context.Context, table string) error {
	if w.db == nil {
		return &model.ConnectionError{Err: errors.New("not connected")}
	}
	return execAll(ctx, w.db, w.createTable(table))
}

func (w *SnowflakeWriter) CreateTableStatement(table string) string {
	return strings.Join(w.createTable(table), ";\n")
}

func (w *SnowflakeWriter) createTable(table string) []string {
	return snowflakeFlavour.CreateTable(snowflakeFlavour, newTableDef(snowflakeFlavour, table, w.opts.schema, w.opts.topicColumn, w.opts.unique))
}

var _ Writer = (*SnowflakeWriter)(nil)

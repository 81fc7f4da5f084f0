// Package dialect writes rows to the supported database families. Every family implements Writer on its own;
// what they have in common lives in plain helper functions parameterised by a Flavour.
package dialect

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/avast/retry-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/armadaproject/sqllogger/internal/common/armadaerrors"
	"github.com/armadaproject/sqllogger/internal/sqllogger/configuration"
	"github.com/armadaproject/sqllogger/internal/sqllogger/model"
	"github.com/armadaproject/sqllogger/internal/sqllogger/schema"
)

// WriteResult accounts for the rows of a WriteBulk call that were dealt with, always a prefix of the batch.
// Rows after Written+Duplicates+Rejected were not attempted.
type WriteResult struct {
	Written    int
	Duplicates int
	// Rows the database refused for a reason other than a unique constraint.
	Rejected int
}

// Consumed is the number of rows from the head of the batch that need no further attempt.
func (r WriteResult) Consumed() int {
	return r.Written + r.Duplicates + r.Rejected
}

// Writer is the capability set of a database family. A Writer owns one connection and is used by a
// single goroutine.
type Writer interface {
	Connect(ctx context.Context) error
	Disconnect() error
	// WriteBulk inserts rows into table. Rows violating a unique constraint are counted as duplicates and are not an
	// error. A non nil error comes with the result of the rows dealt with before it happened.
	WriteBulk(ctx context.Context, table string, rows []*model.BufferedRow) (WriteResult, error)
	// IsConnectionError reports whether err is expected to clear once the database is reachable again.
	IsConnectionError(err error) bool
	IsTableNotFound(err error) bool
	CreateTableIfNotExists(ctx context.Context, table string) error
	// CreateTableStatement returns the DDL CreateTableIfNotExists would run.
	CreateTableStatement(table string) string
}

// New builds the Writer for cfg.DatabaseType. Generic databases are told apart by the url scheme.
func New(cfg *configuration.PipelineConfig, s *schema.Schema) (Writer, error) {
	opts := options{
		schema:      s,
		topicColumn: cfg.TopicNameColumn,
		unique:      splitList(cfg.Extra("uniqueColumns")),
		username:    cfg.Username,
		password:    cfg.Password,
	}
	switch cfg.DatabaseType {
	case configuration.DatabaseGeneric, "":
		return NewGenericWriter(cfg.Url, opts)
	case configuration.DatabaseTimescale:
		return NewTimescaleWriter(cfg.Url, opts, cfg.Extra("chunkTimeInterval"))
	case configuration.DatabaseClickHouse:
		return NewClickHouseWriter(cfg.Url, opts)
	case configuration.DatabaseSnowflake:
		return NewSnowflakeWriter(cfg.Url, opts, snowflakeSettingsFrom(cfg))
	default:
		return nil, errors.WithStack(&armadaerrors.ErrInvalidArgument{
			Name:    "DatabaseType",
			Value:   string(cfg.DatabaseType),
			Message: "expected generic, timescale, snowflake or clickhouse",
		})
	}
}

// options are the settings shared by every Writer.
type options struct {
	schema      *schema.Schema
	topicColumn string
	unique      []string
	username    string
	password    string
}

// ConnectWithRetry connects w, retrying connection errors up to attempts times with a fixed delay. When every attempt
// failed with a connection error the result is an *armadaerrors.ErrMaxRetriesExceeded.
func ConnectWithRetry(ctx context.Context, w Writer, attempts uint, delay time.Duration) error {
	err := retry.Do(
		func() error {
			return w.Connect(ctx)
		},
		retry.Context(ctx),
		retry.Attempts(attempts),
		retry.Delay(delay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(w.IsConnectionError),
		retry.OnRetry(func(n uint, err error) {
			log.WithError(err).Warnf("Connecting to database failed, attempt %d of %d", n+1, attempts)
		}),
	)
	if err != nil && ctx.Err() == nil && w.IsConnectionError(err) {
		return errors.WithStack(&armadaerrors.ErrMaxRetriesExceeded{
			Message:   fmt.Sprintf("could not connect after %d attempts", attempts),
			LastError: err,
		})
	}
	return err
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// withCredentials adds username and password to u unless it already carries a user.
func withCredentials(u *url.URL, username, password string) {
	if username == "" || u.User != nil {
		return
	}
	if password == "" {
		u.User = url.User(username)
	} else {
		u.User = url.UserPassword(username, password)
	}
}

// Package pipeline moves entries from a queue into a database. Each Pipeline owns one background loop which polls
// the queue, turns entries into rows, accumulates the rows per table and flushes a table once it holds BulkSize rows
// or BulkTimeout has passed since its last flush.
package pipeline

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"k8s.io/utils/clock"

	"github.com/armadaproject/sqllogger/internal/common/logging"
	"github.com/armadaproject/sqllogger/internal/sqllogger/configuration"
	"github.com/armadaproject/sqllogger/internal/sqllogger/dialect"
	"github.com/armadaproject/sqllogger/internal/sqllogger/metrics"
	"github.com/armadaproject/sqllogger/internal/sqllogger/model"
	"github.com/armadaproject/sqllogger/internal/sqllogger/queue"
	"github.com/armadaproject/sqllogger/internal/sqllogger/schema"
)

type Pipeline struct {
	cfg       *configuration.PipelineConfig
	queue     queue.Queue
	extractor *schema.Extractor
	writer    dialect.Writer
	metrics   *metrics.Metrics
	clock     clock.Clock
	log       *logrus.Entry

	// Owned by the loop.
	acc *accumulator

	started atomic.Bool
	stopped atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	// Set by the loop before done is closed.
	disconnectErr error
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithClock replaces the clock used for flush timing and pauses.
func WithClock(c clock.Clock) Option {
	return func(p *Pipeline) {
		p.clock = c
	}
}

// WithLogger replaces the logger. By default the standard logger is used with a pipeline field.
func WithLogger(l *logrus.Entry) Option {
	return func(p *Pipeline) {
		if l != nil {
			p.log = l
		}
	}
}

func New(
	cfg *configuration.PipelineConfig,
	q queue.Queue,
	extractor *schema.Extractor,
	writer dialect.Writer,
	m *metrics.Metrics,
	opts ...Option,
) *Pipeline {
	p := &Pipeline{
		cfg:       cfg,
		queue:     q,
		extractor: extractor,
		writer:    writer,
		metrics:   m,
		clock:     clock.RealClock{},
		log:       logrus.WithField("pipeline", cfg.Name),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.acc = newAccumulator(p.clock)
	return p
}

func (p *Pipeline) Name() string {
	return p.cfg.Name
}

func (p *Pipeline) Metrics() *metrics.Metrics {
	return p.metrics
}

// Add enqueues a message received from the bus. It never blocks; when the queue is full the message is counted as
// rejected and queue.ErrQueueFull is returned.
func (p *Pipeline) Add(topic string, payload []byte) error {
	p.metrics.RecordMessageIn()
	err := p.queue.Add(&model.RawEntry{Topic: topic, Payload: payload, ArrivedAt: p.clock.Now()})
	if errors.Is(err, queue.ErrQueueFull) {
		p.metrics.RecordQueueRejected()
	}
	return err
}

// Start connects the writer, creates the fixed table when AutoCreateTable is set and launches the background loop.
// Calling Start more than once has no effect.
func (p *Pipeline) Start(ctx context.Context) error {
	if !p.started.CompareAndSwap(false, true) {
		return nil
	}
	if err := dialect.ConnectWithRetry(ctx, p.writer, p.cfg.ConnectAttempts, p.cfg.ReconnectDelay); err != nil {
		return errors.WithMessagef(err, "pipeline %s could not connect to its database", p.cfg.Name)
	}
	if p.cfg.AutoCreateTable {
		if table, ok := p.extractor.Tables().Fixed(); ok {
			if err := p.writer.CreateTableIfNotExists(ctx, table); err != nil {
				_ = p.writer.Disconnect()
				return errors.WithMessagef(err, "pipeline %s could not create table %s", p.cfg.Name, table)
			}
			p.log.Infof("Ensured table %s exists", table)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	p.done = make(chan struct{})
	go p.run(runCtx)
	p.log.Infof("Started with bulk size %d and bulk timeout %s", p.cfg.BulkSize, p.cfg.BulkTimeout)
	return nil
}

// Stop signals the loop to finish and waits for it until ctx is done. The loop flushes every accumulated row and
// disconnects the writer before exiting. If ctx expires first ctx's error is returned and the loop keeps running
// until its current write returns; the writer is disconnected then. Done tells when that has happened.
func (p *Pipeline) Stop(ctx context.Context) error {
	if p.done == nil || !p.stopped.CompareAndSwap(false, true) {
		return nil
	}
	p.cancel()
	select {
	case <-p.done:
	case <-ctx.Done():
		p.log.Warn("Loop did not finish in time, accumulated rows may be lost")
		return ctx.Err()
	}
	if n := p.queue.Size(); n > 0 {
		p.log.Infof("%d entries remain in the queue", n)
	}
	return p.disconnectErr
}

// Done is closed once the loop has exited and the writer is disconnected. It is nil before Start.
func (p *Pipeline) Done() <-chan struct{} {
	return p.done
}

func (p *Pipeline) run(ctx context.Context) {
	defer close(p.done)
	defer func() {
		p.disconnectErr = errors.WithStack(p.writer.Disconnect())
	}()
	for {
		select {
		case <-ctx.Done():
			p.finalFlush(context.WithoutCancel(ctx))
			return
		default:
		}
		pause := p.runCycle(ctx)
		if pause <= 0 {
			continue
		}
		select {
		case <-ctx.Done():
		case <-p.clock.After(pause):
		}
	}
}

// runCycle polls one block, flushes the tables that are due and returns how long the loop should pause.
func (p *Pipeline) runCycle(ctx context.Context) time.Duration {
	polled := 0
	if p.acc.size() >= p.cfg.MaxBufferedRows {
		// Entries stay in the queue until the buffered rows have been written.
		p.metrics.RecordDeferred()
	} else {
		polled = p.poll()
	}
	if !p.flush(ctx, false) {
		return p.cfg.ReconnectDelay
	}
	if polled == 0 {
		return p.cfg.IdleSleep
	}
	return 0
}

func (p *Pipeline) poll() int {
	n, err := p.queue.PollBlock(p.cfg.BulkSize, p.accept)
	if err != nil {
		logging.WithStacktrace(p.log, err).Error("Polling the queue failed")
		return 0
	}
	// Entries are committed whatever happened to them; bad payloads are never redelivered.
	if err := p.queue.Commit(); err != nil {
		logging.WithStacktrace(p.log, err).Error("Committing the polled block failed")
	}
	return n
}

func (p *Pipeline) accept(entry *model.RawEntry) {
	rows, out := p.extractor.Extract(entry)
	if out.Invalid {
		p.metrics.RecordValidationError()
		p.log.WithError(out.Err).Warnf("Dropping invalid message from topic %s", entry.Topic)
		return
	}
	if out.Skipped > 0 {
		p.metrics.RecordSkipped(out.Skipped)
		p.log.WithError(out.Err).Debugf("Skipped %d rows of a message from topic %s", out.Skipped, entry.Topic)
	}
	p.metrics.RecordValidated(len(rows))
	for _, row := range rows {
		p.acc.add(row)
	}
}

// finalFlush drains the queue into the accumulator and writes every table.
func (p *Pipeline) finalFlush(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.ShutdownTimeout)
	defer cancel()
	for p.queue.Size() > 0 && ctx.Err() == nil {
		if p.poll() == 0 {
			break
		}
	}
	if p.acc.size() == 0 {
		return
	}
	p.log.Infof("Flushing %d accumulated rows before stopping", p.acc.size())
	if !p.flush(ctx, true) {
		p.log.Warnf("Could not flush before stopping, %d rows are lost", p.acc.size())
	}
}

// flush writes every table that is due, or every table when force is set. It returns false when a write failed with
// a connection error, in which case the remaining tables are left for the next cycle.
func (p *Pipeline) flush(ctx context.Context, force bool) bool {
	now := p.clock.Now()
	for _, table := range p.acc.tablesDue(now, p.cfg.BulkSize, p.cfg.BulkTimeout, force) {
		if !p.flushTable(ctx, table) {
			return false
		}
	}
	p.acc.prune(now, p.cfg.BulkTimeout)
	return true
}

// flushTable writes the rows of table in batches of at most BulkSize.
func (p *Pipeline) flushTable(ctx context.Context, table string) bool {
	for {
		batch := p.acc.head(table, p.cfg.BulkSize)
		if len(batch) == 0 {
			p.acc.flushed(table, p.clock.Now())
			return true
		}
		if !p.write(ctx, table, batch) {
			return false
		}
	}
}

// write applies the outcome of one WriteBulk call to the accumulator and the metrics.
func (p *Pipeline) write(ctx context.Context, table string, batch []*model.BufferedRow) bool {
	result, err := p.writer.WriteBulk(ctx, table, batch)
	p.metrics.RecordWritten(result.Written)
	p.metrics.RecordDuplicates(result.Duplicates)
	if result.Duplicates > 0 {
		p.log.Debugf("Ignored %d duplicate rows for table %s", result.Duplicates, table)
	}
	if err == nil {
		p.acc.drop(table, len(batch))
		return true
	}

	if p.writer.IsConnectionError(err) {
		consumed := min(result.Consumed(), len(batch))
		p.metrics.RecordWriteErrors(result.Rejected)
		p.metrics.RecordConnectionError()
		p.acc.drop(table, consumed)
		p.log.WithError(err).Warnf(
			"Connection error writing to table %s, keeping %d rows and retrying in %s",
			table, len(batch)-consumed, p.cfg.ReconnectDelay)
		return false
	}

	failed := len(batch) - result.Written - result.Duplicates
	p.metrics.RecordWriteErrors(failed)
	p.acc.drop(table, len(batch))
	entry := logging.WithStacktrace(p.log, err).WithField("table", table)
	if p.writer.IsTableNotFound(err) {
		entry.Errorf("Table %s does not exist, dropped %d rows. It can be created with:\n%s",
			table, failed, p.writer.CreateTableStatement(table))
	} else {
		entry.Errorf("Dropped %d rows the database refused for table %s", failed, table)
	}
	return true
}

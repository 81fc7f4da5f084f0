package pipeline

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	clock "k8s.io/utils/clock/testing"

	"github.com/armadaproject/sqllogger/internal/common/logging"
	"github.com/armadaproject/sqllogger/internal/sqllogger/configuration"
	"github.com/armadaproject/sqllogger/internal/sqllogger/dialect"
	"github.com/armadaproject/sqllogger/internal/sqllogger/metrics"
	"github.com/armadaproject/sqllogger/internal/sqllogger/model"
	"github.com/armadaproject/sqllogger/internal/sqllogger/queue"
	"github.com/armadaproject/sqllogger/internal/sqllogger/schema"
)

const metricSchema = `{
	"type": "object",
	"properties": {"metric": {"type": "string"}, "value": {"type": "number"}},
	"required": ["metric", "value"]
}`

var (
	baseTime      = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	errRefused    = &model.ConnectionError{Err: errors.New("dial tcp 10.0.0.4:5432: connection refused")}
	errNoTable    = errors.New("relation \"metrics\" does not exist")
	errConstraint = errors.New("value out of range")
)

type writeCall struct {
	table string
	rows  []*model.BufferedRow
}

// fakeWriter records every WriteBulk call. Results are taken from outcomes in order; once they run out every call
// succeeds.
type fakeWriter struct {
	mu           sync.Mutex
	calls        []writeCall
	outcomes     []outcome
	connectErr   error
	connected    bool
	created      []string
	ddlRequested []string
	// When set, WriteBulk waits for it to be closed.
	release chan struct{}
}

type outcome struct {
	result dialect.WriteResult
	err    error
}

func (w *fakeWriter) Connect(context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.connectErr != nil {
		return w.connectErr
	}
	w.connected = true
	return nil
}

func (w *fakeWriter) Disconnect() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.connected = false
	return nil
}

func (w *fakeWriter) WriteBulk(_ context.Context, table string, rows []*model.BufferedRow) (dialect.WriteResult, error) {
	if w.release != nil {
		<-w.release
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	// The pipeline reuses the slice once the call returns.
	w.calls = append(w.calls, writeCall{table: table, rows: append([]*model.BufferedRow(nil), rows...)})
	if len(w.outcomes) == 0 {
		return dialect.WriteResult{Written: len(rows)}, nil
	}
	o := w.outcomes[0]
	w.outcomes = w.outcomes[1:]
	return o.result, o.err
}

func (w *fakeWriter) IsConnectionError(err error) bool {
	var connErr *model.ConnectionError
	return errors.As(err, &connErr)
}

func (w *fakeWriter) IsTableNotFound(err error) bool {
	return errors.Is(err, errNoTable)
}

func (w *fakeWriter) CreateTableIfNotExists(_ context.Context, table string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.created = append(w.created, table)
	return nil
}

func (w *fakeWriter) CreateTableStatement(table string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.ddlRequested = append(w.ddlRequested, table)
	return "CREATE TABLE " + table + " (metric TEXT, value DOUBLE PRECISION)"
}

func (w *fakeWriter) writes() []writeCall {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]writeCall(nil), w.calls...)
}

type fixture struct {
	pipeline *Pipeline
	writer   *fakeWriter
	queue    queue.Queue
	clock    *clock.FakeClock
}

func testConfig() *configuration.PipelineConfig {
	cfg := &configuration.PipelineConfig{
		Name:           "metrics",
		Url:            "sqlite://metrics.db",
		TopicFilters:   []string{"plant/#"},
		TableName:      "metrics",
		Schema:         metricSchema,
		BulkSize:       3,
		BulkTimeout:    5 * time.Second,
		ReconnectDelay: 2 * time.Second,
		IdleSleep:      100 * time.Millisecond,
		Queue:          configuration.QueueConfig{Size: 100},
	}
	cfg.ApplyDefaults()
	return cfg
}

func newFixture(t *testing.T, cfg *configuration.PipelineConfig, tables *schema.TableResolver) *fixture {
	s, err := schema.Parse([]byte(cfg.Schema))
	require.NoError(t, err)
	if tables == nil {
		tables, err = schema.NewFixedTable(cfg.TableName)
		require.NoError(t, err)
	}
	c := clock.NewFakeClock(baseTime)
	q := queue.NewMemoryQueue(cfg.Queue.Size)
	w := &fakeWriter{}
	p := New(cfg, q, schema.NewExtractor(s, tables, c), w, metrics.New(q),
		WithClock(c), WithLogger(logging.NullEntry()))
	return &fixture{pipeline: p, writer: w, queue: q, clock: c}
}

func (f *fixture) add(t *testing.T, payloads ...string) {
	for _, payload := range payloads {
		require.NoError(t, f.pipeline.Add("plant/line1", []byte(payload)))
	}
}

func metricValues(rows []*model.BufferedRow) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = fmt.Sprint(r.Fields["metric"])
	}
	return out
}

func TestPipeline_FlushAfterTimeout(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.add(t, `{"metric":"a","value":1}`, `{"metric":"b"}`, `{"metric":"c","value":3}`)

	pause := f.pipeline.runCycle(context.Background())
	assert.Equal(t, time.Duration(0), pause)
	assert.Empty(t, f.writer.writes())
	assert.Equal(t, 0, f.queue.Size())

	f.clock.Step(4 * time.Second)
	f.pipeline.runCycle(context.Background())
	assert.Empty(t, f.writer.writes())

	f.clock.Step(time.Second)
	f.pipeline.runCycle(context.Background())
	writes := f.writer.writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "metrics", writes[0].table)
	assert.Equal(t, []string{"a", "c"}, metricValues(writes[0].rows))

	snapshot := f.pipeline.Metrics().Snapshot()
	assert.Equal(t, int64(3), snapshot.MessagesIn)
	assert.Equal(t, int64(2), snapshot.MessagesValidated)
	assert.Equal(t, int64(1), snapshot.MessagesSkipped)
	assert.Equal(t, int64(2), snapshot.MessagesWritten)
	assert.Equal(t, 0, f.pipeline.acc.size())
}

func TestPipeline_FlushOnBulkSize(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.add(t, `{"metric":"a","value":1}`, `{"metric":"b","value":2}`, `{"metric":"c","value":3}`, `{"metric":"d","value":4}`)

	f.pipeline.runCycle(context.Background())
	writes := f.writer.writes()
	require.Len(t, writes, 1)
	assert.Equal(t, []string{"a", "b", "c"}, metricValues(writes[0].rows))
	assert.Equal(t, 1, f.queue.Size())

	// The timeout window restarts with the flush.
	f.pipeline.runCycle(context.Background())
	f.clock.Step(4 * time.Second)
	f.pipeline.runCycle(context.Background())
	assert.Len(t, f.writer.writes(), 1)

	f.clock.Step(time.Second)
	f.pipeline.runCycle(context.Background())
	writes = f.writer.writes()
	require.Len(t, writes, 2)
	assert.Equal(t, []string{"d"}, metricValues(writes[1].rows))
}

func TestPipeline_DuplicatesAreNotErrors(t *testing.T) {
	cfg := testConfig()
	cfg.BulkSize = 5
	f := newFixture(t, cfg, nil)
	f.writer.outcomes = []outcome{{result: dialect.WriteResult{Written: 3, Duplicates: 2}}}
	f.add(t,
		`{"metric":"a","value":1}`, `{"metric":"b","value":2}`, `{"metric":"c","value":3}`,
		`{"metric":"d","value":4}`, `{"metric":"e","value":5}`)

	pause := f.pipeline.runCycle(context.Background())

	assert.Equal(t, time.Duration(0), pause)
	snapshot := f.pipeline.Metrics().Snapshot()
	assert.Equal(t, int64(3), snapshot.MessagesWritten)
	assert.Equal(t, int64(2), snapshot.DuplicatesIgnored)
	assert.Equal(t, int64(0), snapshot.WriteErrors)
	assert.Equal(t, 0, f.pipeline.acc.size())

	f.add(t, `{"metric":"f","value":6}`)
	f.clock.Step(5 * time.Second)
	f.pipeline.runCycle(context.Background())
	assert.Len(t, f.writer.writes(), 2)
	assert.Equal(t, int64(4), f.pipeline.Metrics().Snapshot().MessagesWritten)
}

func TestPipeline_ConnectionErrorKeepsRows(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.writer.outcomes = []outcome{{err: errRefused}}
	f.add(t, `{"metric":"a","value":1}`, `{"metric":"b","value":2}`, `{"metric":"c","value":3}`)

	pause := f.pipeline.runCycle(context.Background())

	assert.Equal(t, 2*time.Second, pause)
	assert.Equal(t, 0, f.queue.Size())
	assert.Equal(t, []string{"a", "b", "c"}, metricValues(f.pipeline.acc.rows("metrics")))
	snapshot := f.pipeline.Metrics().Snapshot()
	assert.Equal(t, int64(0), snapshot.MessagesWritten)
	assert.Equal(t, int64(0), snapshot.WriteErrors)
	assert.Equal(t, int64(1), snapshot.ConnectionErrors)

	f.clock.Step(2 * time.Second)
	pause = f.pipeline.runCycle(context.Background())
	assert.Equal(t, 100*time.Millisecond, pause)
	writes := f.writer.writes()
	require.Len(t, writes, 2)
	assert.Equal(t, writes[0].rows, writes[1].rows)
	assert.Equal(t, int64(3), f.pipeline.Metrics().Snapshot().MessagesWritten)
	assert.Equal(t, 0, f.pipeline.acc.size())
}

func TestPipeline_ConnectionErrorAfterPartialWrite(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.writer.outcomes = []outcome{{result: dialect.WriteResult{Written: 1, Duplicates: 1}, err: errRefused}}
	f.add(t, `{"metric":"a","value":1}`, `{"metric":"b","value":2}`, `{"metric":"c","value":3}`)

	f.pipeline.runCycle(context.Background())

	assert.Equal(t, []string{"c"}, metricValues(f.pipeline.acc.rows("metrics")))
	snapshot := f.pipeline.Metrics().Snapshot()
	assert.Equal(t, int64(1), snapshot.MessagesWritten)
	assert.Equal(t, int64(1), snapshot.DuplicatesIgnored)
}

func TestPipeline_NonRecoverableErrorDropsRows(t *testing.T) {
	tests := map[string]struct {
		outcome            outcome
		expectedErrors     int64
		expectedWritten    int64
		expectDDLRequested bool
	}{
		"table not found": {
			outcome:            outcome{err: &model.NonRecoverableWriteError{Table: "metrics", Rows: 3, Err: errNoTable}},
			expectedErrors:     3,
			expectDDLRequested: true,
		},
		"rows rejected": {
			outcome: outcome{
				result: dialect.WriteResult{Written: 2, Rejected: 1},
				err:    &model.NonRecoverableWriteError{Table: "metrics", Rows: 1, Err: errConstraint},
			},
			expectedErrors:  1,
			expectedWritten: 2,
		},
	}
	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFixture(t, testConfig(), nil)
			f.writer.outcomes = []outcome{tc.outcome}
			f.add(t, `{"metric":"a","value":1}`, `{"metric":"b","value":2}`, `{"metric":"c","value":3}`)

			pause := f.pipeline.runCycle(context.Background())

			assert.Equal(t, time.Duration(0), pause)
			assert.Equal(t, 0, f.pipeline.acc.size())
			snapshot := f.pipeline.Metrics().Snapshot()
			assert.Equal(t, tc.expectedErrors, snapshot.WriteErrors)
			assert.Equal(t, tc.expectedWritten, snapshot.MessagesWritten)
			if tc.expectDDLRequested {
				assert.Equal(t, []string{"metrics"}, f.writer.ddlRequested)
			} else {
				assert.Empty(t, f.writer.ddlRequested)
			}
		})
	}
}

func TestPipeline_ConnectionErrorAbortsCycle(t *testing.T) {
	tables, err := schema.NewTableFromPath("$.site")
	require.NoError(t, err)
	cfg := testConfig()
	cfg.BulkSize = 2
	f := newFixture(t, cfg, tables)
	f.writer.outcomes = []outcome{{err: errRefused}}
	f.add(t,
		`{"site":"north","metric":"a","value":1}`, `{"site":"south","metric":"b","value":2}`,
		`{"site":"north","metric":"c","value":3}`, `{"site":"south","metric":"d","value":4}`)

	// Polls two entries, neither table is due yet.
	f.pipeline.runCycle(context.Background())
	assert.Empty(t, f.writer.writes())

	pause := f.pipeline.runCycle(context.Background())
	assert.Equal(t, 2*time.Second, pause)
	writes := f.writer.writes()
	require.Len(t, writes, 1)
	assert.Equal(t, "north", writes[0].table)
	assert.Len(t, f.pipeline.acc.rows("south"), 2)

	f.pipeline.runCycle(context.Background())
	writes = f.writer.writes()
	require.Len(t, writes, 3)
	assert.Equal(t, "north", writes[1].table)
	assert.Equal(t, "south", writes[2].table)
	assert.Equal(t, []string{"b", "d"}, metricValues(writes[2].rows))
}

func TestPipeline_RetryBufferBound(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBufferedRows = 3
	f := newFixture(t, cfg, nil)
	f.writer.outcomes = []outcome{{err: errRefused}, {err: errRefused}}
	f.add(t,
		`{"metric":"a","value":1}`, `{"metric":"b","value":2}`, `{"metric":"c","value":3}`,
		`{"metric":"d","value":4}`)

	f.pipeline.runCycle(context.Background())
	assert.Equal(t, 1, f.queue.Size())

	// The buffer is full, so the remaining entry is left in the queue.
	f.pipeline.runCycle(context.Background())
	assert.Equal(t, 1, f.queue.Size())
	assert.Equal(t, 3, f.pipeline.acc.size())
	assert.Equal(t, int64(1), f.pipeline.Metrics().Snapshot().RowsDeferred)

	// Once the rows are written polling resumes.
	f.pipeline.runCycle(context.Background())
	assert.Equal(t, 1, f.queue.Size())
	f.pipeline.runCycle(context.Background())
	assert.Equal(t, 0, f.queue.Size())
	assert.Equal(t, 1, f.pipeline.acc.size())
}

func TestPipeline_BacklogFlushedInBatches(t *testing.T) {
	cfg := testConfig()
	cfg.MaxBufferedRows = 10
	f := newFixture(t, cfg, nil)
	f.writer.outcomes = []outcome{{err: errRefused}, {err: errRefused}}
	for i := 0; i < 7; i++ {
		f.add(t, fmt.Sprintf(`{"metric":"m%d","value":%d}`, i, i))
	}

	// Two cycles fail, the third polls the last entry and writes the backlog.
	f.pipeline.runCycle(context.Background())
	f.pipeline.runCycle(context.Background())
	assert.Equal(t, 6, f.pipeline.acc.size())
	f.pipeline.runCycle(context.Background())

	writes := f.writer.writes()
	require.Len(t, writes, 5)
	assert.Equal(t, []string{"m0", "m1", "m2"}, metricValues(writes[2].rows))
	assert.Equal(t, []string{"m3", "m4", "m5"}, metricValues(writes[3].rows))
	assert.Equal(t, []string{"m6"}, metricValues(writes[4].rows))
	assert.Equal(t, 0, f.pipeline.acc.size())
	assert.Equal(t, int64(7), f.pipeline.Metrics().Snapshot().MessagesWritten)
}

func TestPipeline_InvalidMessages(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.add(t, `{"metric":`, `{"metric":"a","value":"high"}`, `{"metric":"b","value":2}`)

	f.pipeline.runCycle(context.Background())

	snapshot := f.pipeline.Metrics().Snapshot()
	assert.Equal(t, int64(3), snapshot.MessagesIn)
	assert.Equal(t, int64(2), snapshot.ValidationErrors)
	assert.Equal(t, int64(1), snapshot.MessagesValidated)
	assert.Equal(t, 0, f.queue.Size())
	assert.Equal(t, 1, f.pipeline.acc.size())
}

func TestPipeline_AddToFullQueue(t *testing.T) {
	cfg := testConfig()
	cfg.Queue.Size = 1
	f := newFixture(t, cfg, nil)

	require.NoError(t, f.pipeline.Add("plant/line1", []byte(`{"metric":"a","value":1}`)))
	err := f.pipeline.Add("plant/line1", []byte(`{"metric":"b","value":2}`))

	assert.ErrorIs(t, err, queue.ErrQueueFull)
	snapshot := f.pipeline.Metrics().Snapshot()
	assert.Equal(t, int64(2), snapshot.MessagesIn)
	assert.Equal(t, int64(1), snapshot.QueueRejected)
	assert.True(t, snapshot.QueueFull)
}

func TestPipeline_IdlePause(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	assert.Equal(t, 100*time.Millisecond, f.pipeline.runCycle(context.Background()))
}

func TestPipeline_PrunesIdleTables(t *testing.T) {
	tables, err := schema.NewTableFromPath("$.site")
	require.NoError(t, err)
	cfg := testConfig()
	cfg.BulkSize = 1
	f := newFixture(t, cfg, tables)
	f.add(t, `{"site":"north","metric":"a","value":1}`)

	f.pipeline.runCycle(context.Background())
	assert.Contains(t, f.pipeline.acc.tables, "north")

	f.clock.Step(5 * time.Second)
	f.pipeline.runCycle(context.Background())
	assert.NotContains(t, f.pipeline.acc.tables, "north")
	assert.Empty(t, f.pipeline.acc.order)
}

func TestPipeline_StartStop(t *testing.T) {
	cfg := testConfig()
	cfg.AutoCreateTable = true
	cfg.BulkTimeout = time.Hour
	f := newFixture(t, cfg, nil)
	// The loop pauses on the fake clock between idle cycles.
	idle := func(condition func() bool) func() bool {
		return func() bool {
			f.clock.Step(cfg.IdleSleep)
			return condition()
		}
	}

	require.NoError(t, f.pipeline.Start(context.Background()))
	require.NoError(t, f.pipeline.Start(context.Background()))
	assert.True(t, f.writer.connected)
	assert.Equal(t, []string{"metrics"}, f.writer.created)

	f.add(t, `{"metric":"a","value":1}`, `{"metric":"b","value":2}`, `{"metric":"c","value":3}`)
	assert.Eventually(t, idle(func() bool { return len(f.writer.writes()) == 1 }), 5*time.Second, 10*time.Millisecond)

	// Rows short of a full batch are written when the pipeline stops.
	f.add(t, `{"metric":"d","value":4}`)
	assert.Eventually(t, idle(func() bool { return f.queue.Size() == 0 }), 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, f.pipeline.Stop(ctx))
	require.NoError(t, f.pipeline.Stop(ctx))

	writes := f.writer.writes()
	require.Len(t, writes, 2)
	assert.Equal(t, []string{"d"}, metricValues(writes[1].rows))
	assert.False(t, f.writer.connected)
}

func TestPipeline_StopTimeoutDisconnectsWhenLoopExits(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg, nil)
	f.writer.release = make(chan struct{})
	require.NoError(t, f.pipeline.Start(context.Background()))

	f.add(t, `{"metric":"a","value":1}`, `{"metric":"b","value":2}`, `{"metric":"c","value":3}`)
	require.Eventually(t, func() bool {
		f.clock.Step(cfg.IdleSleep)
		return f.queue.Size() == 0
	}, 5*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, f.pipeline.Stop(ctx), context.DeadlineExceeded)
	select {
	case <-f.pipeline.Done():
		t.Fatal("loop finished while its write was blocked")
	default:
	}
	f.writer.mu.Lock()
	assert.True(t, f.writer.connected)
	f.writer.mu.Unlock()

	close(f.writer.release)
	select {
	case <-f.pipeline.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("loop did not finish")
	}
	f.writer.mu.Lock()
	assert.False(t, f.writer.connected)
	f.writer.mu.Unlock()
	require.Len(t, f.writer.writes(), 1)
	assert.Equal(t, []string{"a", "b", "c"}, metricValues(f.writer.writes()[0].rows))
}

func TestPipeline_StartFailsWhenDatabaseRefuses(t *testing.T) {
	f := newFixture(t, testConfig(), nil)
	f.writer.connectErr = errors.New("password authentication failed for user \"logger\"")

	err := f.pipeline.Start(context.Background())

	assert.ErrorContains(t, err, "password authentication failed")
	assert.NoError(t, f.pipeline.Stop(context.Background()))
}

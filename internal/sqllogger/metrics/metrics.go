package metrics

import (
	"sync/atomic"
)

// QueueProbe reports the state of a pipeline's queue.
type QueueProbe interface {
	Size() int
	Capacity() int
	IsFull() bool
}

// Metrics holds the counters of one pipeline. Counters only ever increase and may be updated from any goroutine.
type Metrics struct {
	messagesIn        atomic.Int64
	messagesValidated atomic.Int64
	messagesSkipped   atomic.Int64
	messagesWritten   atomic.Int64
	validationErrors  atomic.Int64
	writeErrors       atomic.Int64
	duplicatesIgnored atomic.Int64
	queueRejected     atomic.Int64
	connectionErrors  atomic.Int64
	rowsDeferred      atomic.Int64
	queue             QueueProbe
}

func New(queue QueueProbe) *Metrics {
	return &Metrics{queue: queue}
}

// Snapshot is a point in time copy of a pipeline's metrics.
type Snapshot struct {
	MessagesIn        int64
	MessagesValidated int64
	MessagesSkipped   int64
	MessagesWritten   int64
	ValidationErrors  int64
	WriteErrors       int64
	DuplicatesIgnored int64
	// Messages refused because the queue was full
	QueueRejected int64
	// Flushes that failed with a connection error and were kept for retry
	ConnectionErrors int64
	// Cycles that left entries in the queue because the retry buffer was full
	RowsDeferred  int64
	QueueSize     int
	QueueCapacity int
	QueueFull     bool
}

func (m *Metrics) RecordMessageIn() { m.messagesIn.Add(1) }
func (m *Metrics) RecordValidated(n int) { m.messagesValidated.Add(int64(n)) }
func (m *Metrics) RecordSkipped(n int) { m.messagesSkipped.Add(int64(n)) }
func (m *Metrics) RecordWritten(n int) { m.messagesWritten.Add(int64(n)) }
func (m *Metrics) RecordValidationError() { m.validationErrors.Add(1) }
func (m *Metrics) RecordWriteErrors(n int) { m.writeErrors.Add(int64(n)) }
func (m *Metrics) RecordDuplicates(n int) { m.duplicatesIgnored.Add(int64(n)) }
func (m *Metrics) RecordQueueRejected() { m.queueRejected.Add(1) }
func (m *Metrics) RecordConnectionError() { m.connectionErrors.Add(1) }
func (m *Metrics) RecordDeferred() { m.rowsDeferred.Add(1) }

func (m *Metrics) Snapshot() Snapshot {
	s := Snapshot{
		MessagesIn:        m.messagesIn.Load(),
		MessagesValidated: m.messagesValidated.Load(),
		MessagesSkipped:   m.messagesSkipped.Load(),
		MessagesWritten:   m.messagesWritten.Load(),
		ValidationErrors:  m.validationErrors.Load(),
		WriteErrors:       m.writeErrors.Load(),
		DuplicatesIgnored: m.duplicatesIgnored.Load(),
		QueueRejected:     m.queueRejected.Load(),
		ConnectionErrors:  m.connectionErrors.Load(),
		RowsDeferred:      m.rowsDeferred.Load(),
	}
	if m.queue != nil {
		s.QueueSize = m.queue.Size()
		s.QueueCapacity = m.queue.Capacity()
		s.QueueFull = m.queue.IsFull()
	}
	return s
}

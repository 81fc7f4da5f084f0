package queue

import (
	"sync"

	"github.com/armadaproject/sqllogger/internal/sqllogger/model"
)

// MemoryQueue is a bounded in-memory FIFO. Entries that have not been committed are lost if the process dies.
type MemoryQueue struct {
	mu       sync.Mutex
	entries  []*model.RawEntry
	capacity int
	// Index of the first uncommitted entry.
	head   int
	polled int
}

func NewMemoryQueue(capacity int) *MemoryQueue {
	return &MemoryQueue{
		entries:  make([]*model.RawEntry, 0, capacity),
		capacity: capacity,
	}
}

func (q *MemoryQueue) Add(entry *model.RawEntry) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries)-q.head >= q.capacity {
		return ErrQueueFull
	}
	q.entries = append(q.entries, entry)
	return nil
}

func (q *MemoryQueue) PollBlock(blockSize int, visit func(*model.RawEntry)) (int, error) {
	q.mu.Lock()
	n := min(blockSize, len(q.entries)-q.head)
	block := make([]*model.RawEntry, n)
	copy(block, q.entries[q.head:q.head+n])
	q.polled = n
	q.mu.Unlock()

	for _, entry := range block {
		visit(entry)
	}
	return n, nil
}

// Commit releases the polled block. The backing array is compacted once at least half of it has been committed.
func (q *MemoryQueue) Commit() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.polled == 0 {
		return nil
	}
	clear(q.entries[q.head : q.head+q.polled])
	q.head += q.polled
	q.polled = 0
	if q.head*2 >= len(q.entries) {
		n := copy(q.entries, q.entries[q.head:])
		clear(q.entries[n:])
		q.entries = q.entries[:n]
		q.head = 0
	}
	return nil
}

func (q *MemoryQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries) - q.head
}

func (q *MemoryQueue) Capacity() int {
	return q.capacity
}

func (q *MemoryQueue) IsFull() bool {
	return q.Size() >= q.capacity
}

func (q *MemoryQueue) Close() error {
	return nil
}

var _ Queue = (*MemoryQueue)(nil)

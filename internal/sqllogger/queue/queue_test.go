package queue

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/armadaproject/sqllogger/internal/sqllogger/configuration"
	"github.com/armadaproject/sqllogger/internal/sqllogger/model"
)

func entry(i int) *model.RawEntry {
	return &model.RawEntry{
		Topic:     "sensors/a",
		Payload:   []byte(fmt.Sprintf(`{"n":%d}`, i)),
		ArrivedAt: time.Date(2024, 1, 1, 0, 0, i, 0, time.UTC),
	}
}

func payloads(t *testing.T, q Queue, blockSize int) []string {
	var out []string
	_, err := q.PollBlock(blockSize, func(e *model.RawEntry) {
		out = append(out, string(e.Payload))
	})
	require.NoError(t, err)
	return out
}

func testQueues(t *testing.T, capacity int) map[string]Queue {
	disk, err := OpenDiskQueue(t.TempDir(), "test", capacity)
	require.NoError(t, err)
	t.Cleanup(func() { _ = disk.Close() })
	return map[string]Queue{
		"memory": NewMemoryQueue(capacity),
		"disk":   disk,
	}
}

func TestQueue_PollCommit(t *testing.T) {
	for name, q := range testQueues(t, 10) {
		t.Run(name, func(t *testing.T) {
			for i := 0; i < 5; i++ {
				require.NoError(t, q.Add(entry(i)))
			}
			assert.Equal(t, 5, q.Size())

			assert.Equal(t, []string{`{"n":0}`, `{"n":1}`, `{"n":2}`}, payloads(t, q, 3))
			// Polling does not remove
			assert.Equal(t, 5, q.Size())

			require.NoError(t, q.Commit())
			assert.Equal(t, 2, q.Size())

			// Second commit without a poll is a no-op
			require.NoError(t, q.Commit())
			assert.Equal(t, 2, q.Size())

			assert.Equal(t, []string{`{"n":3}`, `{"n":4}`}, payloads(t, q, 3))
			require.NoError(t, q.Commit())
			assert.Equal(t, 0, q.Size())
		})
	}
}

func TestQueue_PollWithoutCommitRedelivers(t *testing.T) {
	for name, q := range testQueues(t, 10) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, q.Add(entry(1)))
			require.NoError(t, q.Add(entry(2)))

			assert.Equal(t, []string{`{"n":1}`}, payloads(t, q, 1))
			assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, payloads(t, q, 2))
		})
	}
}

func TestQueue_Full(t *testing.T) {
	for name, q := range testQueues(t, 2) {
		t.Run(name, func(t *testing.T) {
			require.NoError(t, q.Add(entry(1)))
			assert.False(t, q.IsFull())
			require.NoError(t, q.Add(entry(2)))
			assert.True(t, q.IsFull())

			assert.ErrorIs(t, q.Add(entry(3)), ErrQueueFull)
			assert.Equal(t, 2, q.Size())
			assert.Equal(t, 2, q.Capacity())

			payloads(t, q, 1)
			require.NoError(t, q.Commit())
			assert.False(t, q.IsFull())
			assert.NoError(t, q.Add(entry(3)))
		})
	}
}

func TestQueue_EmptyPoll(t *testing.T) {
	for name, q := range testQueues(t, 2) {
		t.Run(name, func(t *testing.T) {
			n, err := q.PollBlock(10, func(*model.RawEntry) { t.Fatal("unexpected entry") })
			require.NoError(t, err)
			assert.Equal(t, 0, n)
			assert.NoError(t, q.Commit())
		})
	}
}

func TestDiskQueue_ReopenRedeliversUncommitted(t *testing.T) {
	dir := t.TempDir()
	q, err := OpenDiskQueue(dir, "sensors", 10)
	require.NoError(t, err)
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Add(entry(i)))
	}
	payloads(t, q, 2)
	require.NoError(t, q.Commit())
	// Polled but never committed
	payloads(t, q, 1)
	require.NoError(t, q.Close())

	reopened, err := OpenDiskQueue(dir, "sensors", 10)
	require.NoError(t, err)
	defer reopened.Close()

	assert.Equal(t, 2, reopened.Size())
	var got []*model.RawEntry
	_, err = reopened.PollBlock(10, func(e *model.RawEntry) { got = append(got, e) })
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, entry(2), got[0])
	assert.Equal(t, entry(3), got[1])

	// New entries continue after the existing sequence
	require.NoError(t, reopened.Add(entry(9)))
	require.NoError(t, reopened.Commit())
	assert.Equal(t, []string{`{"n":9}`}, payloads(t, reopened, 10))
}

func TestMemoryQueue_CommitReleasesEntries(t *testing.T) {
	q := NewMemoryQueue(4)
	for i := 0; i < 4; i++ {
		require.NoError(t, q.Add(entry(i)))
	}

	assert.Equal(t, []string{`{"n":0}`}, payloads(t, q, 1))
	require.NoError(t, q.Commit())
	assert.Nil(t, q.entries[0])
	assert.Equal(t, 3, q.Size())
	assert.False(t, q.IsFull())

	// Room freed by the commit is usable before the array is compacted
	require.NoError(t, q.Add(entry(4)))
	assert.True(t, q.IsFull())
	assert.ErrorIs(t, q.Add(entry(5)), ErrQueueFull)

	assert.Equal(t, []string{`{"n":1}`, `{"n":2}`}, payloads(t, q, 2))
	require.NoError(t, q.Commit())
	assert.Equal(t, 0, q.head)
	for _, e := range q.entries[len(q.entries):cap(q.entries)] {
		assert.Nil(t, e)
	}

	assert.Equal(t, []string{`{"n":3}`, `{"n":4}`}, payloads(t, q, 10))
	require.NoError(t, q.Commit())
	assert.Equal(t, 0, q.Size())
}

func TestDiskQueue_ConcurrentAddsSurviveClose(t *testing.T) {
	dir := t.TempDir()
	q, err := OpenDiskQueue(dir, "sensors", 50)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		w := w
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				assert.NoError(t, q.Add(entry(w*10+i)))
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 40, q.Size())
	// Entries not yet polled are written by Close
	require.NoError(t, q.Close())

	reopened, err := OpenDiskQueue(dir, "sensors", 50)
	require.NoError(t, err)
	defer reopened.Close()
	assert.Equal(t, 40, reopened.Size())
	seen := map[string]bool{}
	for _, p := range payloads(t, reopened, 100) {
		seen[p] = true
	}
	assert.Len(t, seen, 40)
}

func TestDiskQueue_AddDuringPollKeepsOrder(t *testing.T) {
	q, err := OpenDiskQueue(t.TempDir(), "sensors", 10)
	require.NoError(t, err)
	defer q.Close()

	require.NoError(t, q.Add(entry(1)))
	var got []string
	_, err = q.PollBlock(10, func(e *model.RawEntry) {
		got = append(got, string(e.Payload))
		require.NoError(t, q.Add(entry(2)))
	})
	require.NoError(t, err)
	assert.Equal(t, []string{`{"n":1}`}, got)
	require.NoError(t, q.Commit())

	assert.Equal(t, 1, q.Size())
	require.NoError(t, q.Add(entry(3)))
	assert.Equal(t, []string{`{"n":2}`, `{"n":3}`}, payloads(t, q, 10))
}

func TestNew(t *testing.T) {
	q, err := New(configuration.QueueConfig{Kind: configuration.QueueMemory, Size: 3}, "p")
	require.NoError(t, err)
	assert.IsType(t, &MemoryQueue{}, q)
	assert.Equal(t, 3, q.Capacity())

	q, err = New(configuration.QueueConfig{Kind: configuration.QueueDisk, Size: 3, DiskPath: t.TempDir()}, "p")
	require.NoError(t, err)
	defer q.Close()
	assert.IsType(t, &DiskQueue{}, q)

	_, err = New(configuration.QueueConfig{Kind: "KAFKA", Size: 3}, "p")
	assert.Error(t, err)
}

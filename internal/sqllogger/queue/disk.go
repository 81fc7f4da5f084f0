package queue

import (
	"encoding/binary"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"

	"github.com/armadaproject/sqllogger/internal/sqllogger/model"
)

var entriesBucket = []byte("entries")

// DiskQueue keeps entries in a bbolt file keyed by a big-endian sequence number, so that entries which were not
// committed before the process stopped are delivered again, in order, when the queue is reopened.
//
// Add only stages an entry in memory. Staged entries are written to the file in a single transaction at the start of
// the next PollBlock and on Close, so an entry accepted less than one poll interval before a crash can be lost.
type DiskQueue struct {
	mu       sync.Mutex
	db       *bolt.DB
	capacity int
	// Staged and stored entries, excluding committed ones.
	size    int
	nextSeq uint64
	staged  []stagedEntry
	// Keys of the most recently polled block, removed on Commit.
	polled [][]byte
}

type stagedEntry struct {
	key   []byte
	value []byte
}

// OpenDiskQueue opens or creates <dir>/<name>.queue.db.
func OpenDiskQueue(dir string, name string, capacity int) (*DiskQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating queue directory %s", dir)
	}
	path := filepath.Join(dir, name+".queue.db")
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, errors.Wrapf(err, "opening queue file %s", path)
	}

	q := &DiskQueue{db: db, capacity: capacity}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(entriesBucket)
		if err != nil {
			return err
		}
		q.size = b.Stats().KeyN
		if k, _ := b.Cursor().Last(); k != nil {
			q.nextSeq = binary.BigEndian.Uint64(k) + 1
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, errors.Wrapf(err, "initialising queue file %s", path)
	}
	if q.size > 0 {
		log.Infof("Reopened queue %s with %d uncommitted entries", path, q.size)
	}
	return q, nil
}

func (q *DiskQueue) Add(entry *model.RawEntry) error {
	value, err := json.Marshal(entry)
	if err != nil {
		return errors.WithStack(err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.size >= q.capacity {
		return ErrQueueFull
	}
	q.staged = append(q.staged, stagedEntry{key: seqKey(q.nextSeq), value: value})
	q.nextSeq++
	q.size++
	return nil
}

// persist writes the staged entries to the file. The lock is not held during the write so Add is never blocked on
// disk I/O.
func (q *DiskQueue) persist() error {
	q.mu.Lock()
	staged := q.staged
	q.staged = nil
	q.mu.Unlock()
	if len(staged) == 0 {
		return nil
	}

	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		for _, e := range staged {
			if err := b.Put(e.key, e.value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		// Entries staged meanwhile have higher sequence numbers.
		q.mu.Lock()
		q.staged = append(staged, q.staged...)
		q.mu.Unlock()
		return errors.Wrap(err, "writing queue entries")
	}
	return nil
}

func (q *DiskQueue) PollBlock(blockSize int, visit func(*model.RawEntry)) (int, error) {
	if err := q.persist(); err != nil {
		return 0, err
	}
	keys := make([][]byte, 0, blockSize)
	entries := make([]*model.RawEntry, 0, blockSize)
	err := q.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(entriesBucket).Cursor()
		for k, v := c.First(); k != nil && len(keys) < blockSize; k, v = c.Next() {
			// Keys and values are only valid for the life of the transaction.
			keys = append(keys, append([]byte(nil), k...))
			entry := &model.RawEntry{}
			if err := json.Unmarshal(v, entry); err != nil {
				log.WithError(err).Warnf("Discarding unreadable queue entry %d", binary.BigEndian.Uint64(k))
				continue
			}
			entries = append(entries, entry)
		}
		return nil
	})
	if err != nil {
		return 0, errors.Wrap(err, "reading queue entries")
	}

	q.mu.Lock()
	q.polled = keys
	q.mu.Unlock()

	for _, entry := range entries {
		visit(entry)
	}
	return len(entries), nil
}

// Commit removes the last polled block. PollBlock and Commit are called from a single consumer, so the polled keys are
// only read under the lock and the delete runs without it.
func (q *DiskQueue) Commit() error {
	q.mu.Lock()
	polled := q.polled
	q.mu.Unlock()
	if len(polled) == 0 {
		return nil
	}
	err := q.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(entriesBucket)
		for _, k := range polled {
			if err := b.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Wrap(err, "committing queue entries")
	}
	q.mu.Lock()
	q.size -= len(polled)
	q.polled = nil
	q.mu.Unlock()
	return nil
}

func (q *DiskQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.size
}

func (q *DiskQueue) Capacity() int {
	return q.capacity
}

func (q *DiskQueue) IsFull() bool {
	return q.Size() >= q.capacity
}

// Close writes any staged entries and closes the file.
func (q *DiskQueue) Close() error {
	var result *multierror.Error
	if err := q.persist(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := q.db.Close(); err != nil {
		result = multierror.Append(result, errors.WithStack(err))
	}
	return result.ErrorOrNil()
}

func seqKey(seq uint64) []byte {
	k := make([]byte, 8)
	binary.BigEndian.PutUint64(k, seq)
	return k
}

var _ Queue = (*DiskQueue)(nil)

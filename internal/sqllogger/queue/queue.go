package queue

import (
	"github.com/pkg/errors"

	"github.com/armadaproject/sqllogger/internal/common/armadaerrors"
	"github.com/armadaproject/sqllogger/internal/sqllogger/configuration"
	"github.com/armadaproject/sqllogger/internal/sqllogger/model"
)

// ErrQueueFull is returned by Add when the queue holds Capacity uncommitted entries.
var ErrQueueFull = errors.New("queue is full")

// Queue is a bounded buffer between the bus and a pipeline's background loop.
// Add may be called from any goroutine. PollBlock and Commit are only called by the single consumer.
type Queue interface {
	// Add enqueues entry, or returns ErrQueueFull without blocking.
	Add(entry *model.RawEntry) error
	// PollBlock calls visit for up to blockSize of the oldest entries, in order, without removing them.
	// It returns the number of entries polled.
	PollBlock(blockSize int, visit func(*model.RawEntry)) (int, error)
	// Commit permanently removes the block returned by the most recent PollBlock.
	// Calling it again before the next PollBlock does nothing.
	Commit() error
	Size() int
	Capacity() int
	IsFull() bool
	Close() error
}

// New builds the queue variant selected by cfg. name identifies the owning pipeline.
func New(cfg configuration.QueueConfig, name string) (Queue, error) {
	switch cfg.Kind {
	case configuration.QueueMemory, "":
		return NewMemoryQueue(cfg.Size), nil
	case configuration.QueueDisk:
		return OpenDiskQueue(cfg.DiskPath, name, cfg.Size)
	default:
		return nil, errors.WithStack(&armadaerrors.ErrInvalidArgument{
			Name:    "Queue.Kind",
			Value:   string(cfg.Kind),
			Message: "expected MEMORY or DISK",
		})
	}
}

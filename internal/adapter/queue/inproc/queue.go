// Package inproc provides the in-process task queue. It keeps the
// publish/consume contract of a broker-backed queue while running entirely
// inside the scheduler process: ordering is priority-first, then submission
// order, so retried tasks published at a bumped priority overtake same-aged
// work.
package inproc

import (
	"container/heap"
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/marketmind/marketmind/internal/core/domain"
	"github.com/marketmind/marketmind/internal/core/port"
)

// ErrQueueFull is returned by Publish when the queue is at capacity.
var ErrQueueFull = errors.New("task queue full")

// ErrQueueClosed is returned by Publish after Close.
var ErrQueueClosed = errors.New("task queue closed")

type item struct {
	task *domain.Task
	seq  uint64
}

type taskHeap []*item

func (h taskHeap) Len() int { return len(h) }

func (h taskHeap) Less(i, j int) bool {
	if h[i].task.Priority != h[j].task.Priority {
		return h[i].task.Priority > h[j].task.Priority
	}
	return h[i].seq < h[j].seq
}

func (h taskHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *taskHeap) Push(x any) { *h = append(*h, x.(*item)) }

func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

type queueService struct {
	mu       sync.Mutex
	heap     taskHeap
	capacity int
	nextSeq  uint64
	closed   bool
	wake     chan struct{}
	log      *zap.Logger
}

// NewQueueService creates a bounded in-process priority queue
func NewQueueService(capacity int, log *zap.Logger) port.TaskQueue {
	if capacity <= 0 {
		capacity = 256
	}
	return &queueService{
		capacity: capacity,
		wake:     make(chan struct{}, 1),
		log:      log,
	}
}

// Publish enqueues a task without blocking the caller.
func (q *queueService) Publish(ctx context.Context, task *domain.Task) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return ErrQueueClosed
	}
	if len(q.heap) >= q.capacity {
		q.mu.Unlock()
		return ErrQueueFull
	}
	q.nextSeq++
	heap.Push(&q.heap, &item{task: task, seq: q.nextSeq})
	q.mu.Unlock()

	select {
	case q.wake <- struct{}{}:
	default:
	}

	q.log.Debug("Published task",
		zap.String("task_id", task.ID),
		zap.Int("priority", task.Priority))
	return nil
}

// Consume delivers queued tasks to handler in priority order until ctx is
// cancelled or the queue is closed. The dispatch loop runs in a background
// goroutine; the handler decides its own concurrency.
func (q *queueService) Consume(ctx context.Context, handler func(task *domain.Task)) error {
	go func() {
		for {
			task, ok := q.pop()
			if ok {
				handler(task)
				continue
			}

			select {
			case <-ctx.Done():
				q.log.Info("Stopping queue consumer")
				return
			case <-q.wake:
			}
		}
	}()
	return nil
}

func (q *queueService) pop() (*domain.Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.heap) == 0 {
		return nil, false
	}
	it := heap.Pop(&q.heap).(*item)
	return it.task, true
}

// Close stops accepting new tasks. Queued tasks are still drained.
func (q *queueService) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
}

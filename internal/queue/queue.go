// Package queue 优化任务队列与工作池
package queue

import (
	"context"
	"sync"

	"github.com/google/uuid"

	apperrors "github.com/paiban/nursesched/pkg/errors"
)

// HandleFunc 处理一个任务
type HandleFunc func(ctx context.Context, jobID uuid.UUID) error

// Queue 任务队列。Consume 阻塞直到 ctx 结束或队列关闭
type Queue interface {
	Enqueue(ctx context.Context, jobID uuid.UUID) error
	Consume(ctx context.Context, handle HandleFunc) error
	Depth() int
	Close() error
}

// MemoryQueue 进程内队列，单实例部署使用
type MemoryQueue struct {
	ch     chan uuid.UUID
	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewMemoryQueue 创建内存队列，队列满时入队失败
func NewMemoryQueue(buffer int) *MemoryQueue {
	if buffer <= 0 {
		buffer = 64
	}
	return &MemoryQueue{ch: make(chan uuid.UUID, buffer), done: make(chan struct{})}
}

// Enqueue 实现 job.Enqueuer
func (q *MemoryQueue) Enqueue(ctx context.Context, jobID uuid.UUID) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return apperrors.New(apperrors.CodeInternal, "任务队列已关闭")
	}
	select {
	case q.ch <- jobID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return apperrors.New(apperrors.CodeInternal, "任务队列已满")
	}
}

// Consume 逐个领取任务，处理失败只记录由调用方决定
func (q *MemoryQueue) Consume(ctx context.Context, handle HandleFunc) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-q.done:
			return nil
		case id := <-q.ch:
			_ = handle(ctx, id)
		}
	}
}

// Depth 等待中的任务数
func (q *MemoryQueue) Depth() int { return len(q.ch) }

// Close 停止接收新任务
func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.closed {
		q.closed = true
		close(q.done)
	}
	return nil
}

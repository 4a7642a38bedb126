package worker

import (
	"context"
	"sync"
	"time"
)

// batcher coalesces job saves for up to wait or maxItems.
type batcher[T any] struct {
	wait     time.Duration
	maxItems int
	save     func(ctx context.Context, jobs []Job[T]) error
	onFlush  func(n int, err error)

	mu    sync.Mutex
	items []Job[T]
	timer *time.Timer
}

func newBatcher[T any](wait time.Duration, maxItems int, save func(context.Context, []Job[T]) error, onFlush func(int, error)) *batcher[T] {
	return &batcher[T]{wait: wait, maxItems: maxItems, save: save, onFlush: onFlush}
}

// Add queues job and flushes synchronously once the batch is full.
func (b *batcher[T]) Add(ctx context.Context, job Job[T]) error {
	b.mu.Lock()
	b.items = append(b.items, job)
	full := len(b.items) >= b.maxItems
	if !full && b.timer == nil {
		b.timer = time.AfterFunc(b.wait, func() {
			_ = b.Flush(context.Background())
		})
	}
	b.mu.Unlock()

	if full {
		return b.Flush(ctx)
	}
	return nil
}

// Flush writes all queued jobs.
func (b *batcher[T]) Flush(ctx context.Context) error {
	b.mu.Lock()
	items := b.items
	b.items = nil
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	b.mu.Unlock()

	if len(items) == 0 {
		return nil
	}
	err := b.save(ctx, items)
	if b.onFlush != nil {
		b.onFlush(len(items), err)
	}
	return err
}

// Drop removes queued jobs matching pred and returns how many were dropped.
func (b *batcher[T]) Drop(pred func(T) bool) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	kept := b.items[:0]
	for _, job := range b.items {
		if !pred(job.Payload) {
			kept = append(kept, job)
		}
	}
	dropped := len(b.items) - len(kept)
	b.items = kept
	return dropped
}

// Len returns the number of queued jobs.
func (b *batcher[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}
